package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/inkwell-pm/inkwell/internal/fault"
)

type ctxKey int

const identityKey ctxKey = iota

// identity is filled by the auth middleware. The observe middleware plants
// an empty one before routing so the completion log can read what auth put
// there.
type identity struct {
	userID string
	keyID  string
}

func identityFrom(ctx context.Context) *identity {
	id, _ := ctx.Value(identityKey).(*identity)
	return id
}

// UserID returns the authenticated user for the request, if any.
func UserID(ctx context.Context) (string, bool) {
	if id := identityFrom(ctx); id != nil && id.userID != "" {
		return id.userID, true
	}
	return "", false
}

// actor converts the request's identity into the actorUserID pointer the
// store takes; nil means no user attribution.
func (s *Server) actor(r *http.Request) *string {
	if uid, ok := UserID(r.Context()); ok {
		return &uid
	}
	return nil
}

// observe emits one structured record per request on completion and echoes
// the request id so clients can quote it.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := context.WithValue(r.Context(), identityKey, &identity{})
		if reqID := chimw.GetReqID(ctx); reqID != "" {
			w.Header().Set("X-Request-Id", reqID)
		}
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r.WithContext(ctx))

		fields := []zap.Field{
			zap.String("requestId", chimw.GetReqID(ctx)),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int64("durationMs", time.Since(start).Milliseconds()),
		}
		if id := identityFrom(ctx); id != nil && id.userID != "" {
			fields = append(fields, zap.String("userId", id.userID))
		}
		s.logger.Info("request", fields...)
	})
}

// authenticate requires a bearer API key on everything behind it. The key's
// hash is the lookup index, so one fetch both finds and verifies the key.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" {
			s.error(w, r, fault.Unauthorized("missing Authorization header"))
			return
		}
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			s.error(w, r, fault.Unauthorized("Authorization header must carry a bearer token"))
			return
		}

		key, err := s.store.GetAPIKeyByHash(r.Context(), s.keys.Hash(token))
		if err != nil {
			if fault.IsNotFound(err) {
				s.error(w, r, fault.Unauthorized("invalid API key"))
			} else {
				s.error(w, r, err)
			}
			return
		}
		if key.IsRevoked() {
			s.error(w, r, fault.Unauthorized("API key has been revoked"))
			return
		}

		if id := identityFrom(r.Context()); id != nil {
			id.userID = key.UserID
			id.keyID = key.ID
		}
		// Stamping last_used_at is best effort; auth already succeeded.
		if err := s.store.TouchAPIKey(r.Context(), key.ID); err != nil {
			s.logger.Warn("touching api key failed", zap.String("keyId", key.ID), zap.Error(err))
		}

		next.ServeHTTP(w, r)
	})
}

// recoverPanics converts handler panics into INTERNAL_ERROR envelopes.
func (s *Server) recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				s.logger.Error("handler panic",
					zap.String("requestId", chimw.GetReqID(r.Context())),
					zap.Any("panic", rec),
					zap.ByteString("stack", debug.Stack()))
				s.error(w, r, fault.Internal(fmt.Errorf("panic: %v", rec)))
			}
		}()
		next.ServeHTTP(w, r)
	})
}
