package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/inkwell-pm/inkwell/internal/fault"
	"github.com/inkwell-pm/inkwell/internal/types"
)

// maxBodyBytes caps request bodies. Meeting transcripts are the largest
// legitimate payload and stay well under this.
const maxBodyBytes = 1 << 20

// errorBody is the wire form of every failure.
type errorBody struct {
	Code       fault.Kind    `json:"code"`
	Status     int           `json:"status"`
	Message    string        `json:"message"`
	RequestID  string        `json:"requestId"`
	Issues     []fault.Issue `json:"issues,omitempty"`
	RetryAfter int           `json:"retryAfter,omitempty"` // seconds
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

// listResponse is the wire form of every paginated list.
type listResponse struct {
	Items        any    `json:"items"`
	NextCursor   string `json:"nextCursor,omitempty"`
	LimitClamped bool   `json:"limitClamped,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// error maps err onto the taxonomy envelope. Internal and upstream causes go
// to the log, not the response.
func (s *Server) error(w http.ResponseWriter, r *http.Request, err error) {
	kind := fault.KindOf(err)
	status := kind.HTTPStatus()
	reqID := chimw.GetReqID(r.Context())

	body := errorBody{
		Code:      kind,
		Status:    status,
		RequestID: reqID,
	}

	// Message comes from the fault's own text, which never carries the
	// wrapped cause. Unkinded errors get a canned message instead.
	var fe *fault.Error
	if errors.As(err, &fe) {
		body.Message = fe.Message()
		body.Issues = fe.Issues()
		if ra := fe.RetryAfter(); ra > 0 {
			secs := int(ra.Round(time.Second) / time.Second)
			if secs < 1 {
				secs = 1
			}
			body.RetryAfter = secs
			w.Header().Set("Retry-After", strconv.Itoa(secs))
		}
	} else {
		body.Message = "internal error"
	}

	if kind == fault.KindInternal || kind == fault.KindUpstream {
		s.logger.Error("request failed",
			zap.String("requestId", reqID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("kind", string(kind)),
			zap.Error(err))
	}

	writeJSON(w, status, errorEnvelope{Error: body})
}

// decodeBody parses a JSON request body into v. Unknown fields and trailing
// garbage are validation failures.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return bodyError(err)
	}
	if dec.More() {
		return fault.Validation("request body must be a single JSON document")
	}
	return nil
}

// decodePatch parses a JSON object body keeping the absent / null / value
// distinction the patch operations depend on.
func decodePatch(r *http.Request) (map[string]any, error) {
	var updates map[string]any
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err := dec.Decode(&updates); err != nil {
		return nil, bodyError(err)
	}
	return updates, nil
}

func bodyError(err error) error {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return fault.Validation("request body too large")
	}
	var unknown *json.UnmarshalTypeError
	if errors.As(err, &unknown) {
		return fault.Validation("malformed request body",
			fault.Issue{Path: unknown.Field, Message: "wrong type"})
	}
	var syntax *json.SyntaxError
	if errors.As(err, &syntax) {
		return fault.Validation("malformed JSON body")
	}
	if strings.HasPrefix(err.Error(), "json: unknown field ") {
		field := strings.Trim(strings.TrimPrefix(err.Error(), "json: unknown field "), `"`)
		return fault.Validation("unknown field "+field,
			fault.Issue{Path: field, Message: "not recognized"})
	}
	return fault.Validation("malformed request body")
}

// parsePage reads limit and cursor. An explicit limit outside [1,100] is
// rejected below 1 and clamped above 100; the clamp is reported to the
// caller so the response can carry limitClamped.
func parsePage(r *http.Request) (types.Page, bool, error) {
	q := r.URL.Query()
	page := types.Page{Cursor: q.Get("cursor")}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return page, false, fault.Validation("limit must be an integer",
				fault.Issue{Path: "limit", Message: "expected integer"})
		}
		if n <= 0 {
			return page, false, fault.Validation("limit must be at least 1",
				fault.Issue{Path: "limit", Message: "must be in [1,100]"})
		}
		page.Limit = n
	}
	_, clamped := page.Normalized()
	return page, clamped, nil
}

// optString returns a pointer to the query value, or nil when absent.
func optString(q url.Values, key string) *string {
	if v := q.Get(key); v != "" {
		return &v
	}
	return nil
}

// optBool parses an optional boolean query parameter.
func optBool(q url.Values, key string) (bool, error) {
	raw := q.Get(key)
	if raw == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fault.Validation(key+" must be a boolean",
			fault.Issue{Path: key, Message: "expected true or false"})
	}
	return b, nil
}

// optTime parses an optional RFC3339 query parameter.
func optTime(q url.Values, key string) (*time.Time, error) {
	raw := q.Get(key)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, fault.Validation(key+" must be an RFC3339 timestamp",
			fault.Issue{Path: key, Message: "expected RFC3339 timestamp"})
	}
	return &t, nil
}
