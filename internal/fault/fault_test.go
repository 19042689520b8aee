package fault

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"
)

func TestKindHTTPStatus(t *testing.T) {
	tests := []struct {
		kind Kind
		want int
	}{
		{KindValidation, http.StatusUnprocessableEntity},
		{KindNotFound, http.StatusNotFound},
		{KindConflict, http.StatusConflict},
		{KindUnauthorized, http.StatusUnauthorized},
		{KindForbidden, http.StatusForbidden},
		{KindRateLimited, http.StatusTooManyRequests},
		{KindUpstream, http.StatusBadGateway},
		{KindInternal, http.StatusInternalServerError},
		{Kind("UNKNOWN"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := tt.kind.HTTPStatus(); got != tt.want {
			t.Errorf("%s.HTTPStatus() = %d, want %d", tt.kind, got, tt.want)
		}
	}
}

func TestKindOfThroughWrapping(t *testing.T) {
	base := NotFound("entity", "e1")
	wrapped := fmt.Errorf("loading entity: %w", base)
	doubly := fmt.Errorf("handler: %w", wrapped)

	if got := KindOf(doubly); got != KindNotFound {
		t.Errorf("KindOf(wrapped) = %s, want %s", got, KindNotFound)
	}
	if !IsNotFound(doubly) {
		t.Error("IsNotFound must see through fmt.Errorf wrapping")
	}
}

func TestKindOfUnkinded(t *testing.T) {
	if got := KindOf(errors.New("plain")); got != KindInternal {
		t.Errorf("KindOf(plain) = %s, want %s", got, KindInternal)
	}
}

func TestUnwrapPreservesCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Upstream(cause, "llm call failed")
	if !errors.Is(err, cause) {
		t.Error("errors.Is must reach the cause through Unwrap")
	}
	if err.Error() != "llm call failed: connection refused" {
		t.Errorf("Error() = %q", err.Error())
	}
}

func TestValidationIssues(t *testing.T) {
	err := Validation("invalid entity", Issue{Path: "content", Message: "required"}, Issue{Path: "type", Message: "unknown"})
	if len(err.Issues()) != 2 {
		t.Fatalf("Issues() len = %d, want 2", len(err.Issues()))
	}
	if err.Issues()[0].Path != "content" {
		t.Errorf("Issues()[0].Path = %q", err.Issues()[0].Path)
	}
}

func TestRateLimitedRetryAfter(t *testing.T) {
	err := RateLimited(30 * time.Second)
	if err.RetryAfter() != 30*time.Second {
		t.Errorf("RetryAfter() = %v", err.RetryAfter())
	}
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"upstream", Upstream(errors.New("timeout"), "llm"), true},
		{"rate limited", RateLimited(time.Second), true},
		{"validation", Validation("bad input"), false},
		{"not found", NotFound("entity", "e1"), false},
		{"conflict", Conflict("already resolved"), false},
		{"plain error", errors.New("boom"), false},
		{"wrapped upstream", fmt.Errorf("job: %w", Upstream(errors.New("x"), "y")), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Retryable(tt.err); got != tt.want {
				t.Errorf("Retryable() = %v, want %v", got, tt.want)
			}
		})
	}
}
