package storage

import (
	"testing"
	"time"

	"github.com/inkwell-pm/inkwell/internal/fault"
)

func TestCursorRoundTrip(t *testing.T) {
	at := time.Date(2026, 2, 6, 15, 45, 0, 123456789, time.UTC)
	c := Cursor{K: TimeKey(at), ID: "0190a2b4-0000-7000-8000-000000000001"}

	decoded, err := DecodeCursor(c.Encode())
	if err != nil {
		t.Fatalf("DecodeCursor() error: %v", err)
	}
	if decoded != c {
		t.Errorf("round trip = %+v, want %+v", decoded, c)
	}

	parsed, err := ParseTimeKey(decoded.K)
	if err != nil {
		t.Fatalf("ParseTimeKey() error: %v", err)
	}
	if !parsed.Equal(at) {
		t.Errorf("parsed time = %v, want %v", parsed, at)
	}
}

func TestDecodeCursorRejectsGarbage(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"not base64", "***"},
		{"not json", "aGVsbG8"},
		{"empty id", Cursor{K: "x"}.Encode()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeCursor(tt.in)
			if err == nil {
				t.Fatal("DecodeCursor() must fail")
			}
			if !fault.IsValidation(err) {
				t.Errorf("kind = %s, want VALIDATION_ERROR", fault.KindOf(err))
			}
		})
	}
}

func TestTimeKeyNormalizesToUTC(t *testing.T) {
	loc := time.FixedZone("PST", -8*3600)
	local := time.Date(2026, 2, 6, 7, 45, 0, 0, loc)
	utc := local.UTC()
	if TimeKey(local) != TimeKey(utc) {
		t.Error("TimeKey must normalize zones")
	}
}
