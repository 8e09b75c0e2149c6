package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/odvcencio/kiln/pkg/logging"
	"github.com/odvcencio/kiln/pkg/session"
)

type ctxKey string

const (
	requestIDContextKey ctxKey = "kiln-request-id"
	principalContextKey ctxKey = "kiln-principal"
)

// principal is the authenticated caller of a request.
type principal struct {
	Subject string
	Scope   string
}

func principalFromContext(ctx context.Context) *principal {
	p, _ := ctx.Value(principalContextKey).(*principal)
	return p
}

// RequestID returns the request identifier assigned by the middleware.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDContextKey).(string)
	return id
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		ctx := context.WithValue(r.Context(), requestIDContextKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// statusRecorder captures the response status for the request log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(status int) {
	rec.status = status
	rec.ResponseWriter.WriteHeader(status)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		metricRequestDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())

		if s.logger == nil {
			return
		}
		s.logger.Info(logging.CategoryAPI, "api.request", "request handled", map[string]any{
			"request_id":  RequestID(r.Context()),
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      rec.status,
			"duration_ms": time.Since(start).Milliseconds(),
			"remote":      r.RemoteAddr,
		})
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	for _, allowed := range s.cfg.Serve.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func (s *Server) securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers := w.Header()
		headers.Set("X-Content-Type-Options", "nosniff")
		headers.Set("X-Frame-Options", "DENY")
		headers.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// authMiddleware resolves the caller's principal from a bearer token.
// JWTs minted by the session token manager are tried first, then
// persistent API tokens from the store. Without require_token, an
// unauthenticated local caller gets operator scope.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			if s.cfg.Serve.RequireToken {
				writeError(w, http.StatusUnauthorized, "missing bearer token")
				return
			}
			ctx := context.WithValue(r.Context(), principalContextKey, &principal{
				Subject: "local",
				Scope:   session.ScopeOperator,
			})
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		p := s.resolvePrincipal(token)
		if p == nil {
			writeError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}

		ctx := context.WithValue(r.Context(), principalContextKey, p)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) resolvePrincipal(token string) *principal {
	if s.tokens != nil {
		if claims, err := s.tokens.ValidateToken(token); err == nil {
			return &principal{Subject: claims.Subject, Scope: claims.Scope}
		}
	}
	if s.store != nil {
		if rec, err := s.store.ValidateAPIToken(token); err == nil && rec != nil {
			return &principal{Subject: rec.Name, Scope: rec.Scope}
		}
	}
	return nil
}

// requireScope gates a handler on a minimum scope.
func (s *Server) requireScope(required string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p := principalFromContext(r.Context())
		if p == nil {
			writeError(w, http.StatusUnauthorized, "unauthenticated")
			return
		}
		if !session.ScopeAllows(p.Scope, required) {
			writeError(w, http.StatusForbidden, "insufficient scope")
			return
		}
		handler(w, r)
	}
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return ""
	}
	return strings.TrimSpace(auth[len(prefix):])
}
