package httpapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/execdesk/execdesk/internal/errs"
	"github.com/execdesk/execdesk/internal/ids"
	"github.com/execdesk/execdesk/internal/ratelimit"
	"github.com/execdesk/execdesk/internal/telemetry"
)

type ctxKey string

const requestIDKey ctxKey = "request_id"

// maxBodyBytes caps every request body; larger requests get REQUEST_TOO_LARGE.
const maxBodyBytes = 64 << 10

// RequestID returns the request id threaded through the request context.
func RequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// withRequestID assigns a UUIDv4 per request, exposes it as X-Request-ID, and
// carries it via the context (never via mutable logger state).
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := ids.Request()
		w.Header().Set("X-Request-ID", id)
		ctx := context.WithValue(r.Context(), requestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// withRoutePolicy applies rate limits and audit logging per the route trie.
func (s *Server) withRoutePolicy(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rule := s.routes.Match(r.URL.Path)
		if rule != nil {
			if rule.RatePerMinute > 0 {
				limiter := s.limiterFor(rule)
				if !limiter.TryAcquire() {
					telemetry.RateLimited.WithLabelValues(rule.Name).Inc()
					writeError(w, r, http.StatusTooManyRequests, errs.RateLimited, "")
					return
				}
			}
			if rule.Audit {
				log.Info().
					Str("request_id", RequestID(r.Context())).
					Str("route", rule.Name).
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Msg("audit")
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) limiterFor(rule *RouteRule) *ratelimit.TokenBucket {
	s.limiterMu.Lock()
	defer s.limiterMu.Unlock()
	if lim, ok := s.limiters[rule.Name]; ok {
		return lim
	}
	lim := ratelimit.NewTokenBucket(rule.RatePerMinute)
	s.limiters[rule.Name] = lim
	return lim
}

func withBodyLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.ContentLength > maxBodyBytes {
			writeError(w, r, http.StatusRequestEntityTooLarge, errs.RequestTooLarge, "")
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		next.ServeHTTP(w, r)
	})
}

// errorEnvelope is the wire shape of every error response.
type errorEnvelope struct {
	Status    string      `json:"status"`
	Error     errorDetail `json:"error"`
	Content   string      `json:"content"`
	RequestID string      `json:"request_id"`
}

type errorDetail struct {
	Code        string `json:"code"`
	ErrorCode   string `json:"error_code"`
	Message     string `json:"message"`
	RequestID   string `json:"request_id"`
	Remediation string `json:"remediation,omitempty"`
}

func writeError(w http.ResponseWriter, r *http.Request, httpStatus int, code errs.Code, message string) {
	if message == "" {
		message = errs.Message(code)
	}
	reqID := RequestID(r.Context())
	writeJSON(w, httpStatus, errorEnvelope{
		Status: "ERROR",
		Error: errorDetail{
			Code:        string(code),
			ErrorCode:   string(code),
			Message:     message,
			RequestID:   reqID,
			Remediation: errs.Remediation(code),
		},
		Content:   message,
		RequestID: reqID,
	})
}

func writeTradeError(w http.ResponseWriter, r *http.Request, httpStatus int, te *errs.TradeError) {
	reqID := RequestID(r.Context())
	writeJSON(w, httpStatus, errorEnvelope{
		Status: "ERROR",
		Error: errorDetail{
			Code:        string(te.Code),
			ErrorCode:   string(te.Code),
			Message:     te.Message,
			RequestID:   reqID,
			Remediation: te.Remediation,
		},
		Content:   te.Message,
		RequestID: reqID,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Warn().Err(err).Msg("Response encode failed")
	}
}

// tenantOf extracts the caller's tenant. Authentication middleware is an
// external collaborator; its contract is this header.
func tenantOf(r *http.Request) string {
	if t := r.Header.Get("X-Tenant-ID"); t != "" {
		return t
	}
	return "default"
}
