package http

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"debttrack/internal/auth"
	"debttrack/internal/cache"
	"debttrack/internal/services"
)

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	userIDKey    contextKey = "user_id"
)

type Server struct {
	http.Server
	ledger      *services.LedgerService
	auth        *auth.Service
	rateLimiter *rateLimiter

	// Cached derivations keyed by user ID, invalidated on every mutation.
	derivations *cache.Store[services.Derivation]
	janitor     *cache.Janitor

	shutdownOnce sync.Once
}

// NewServer configures routes and middleware, returning a ready-to-run server.
func NewServer(addr string, ledger *services.LedgerService, authSvc *auth.Service, cacheTTL time.Duration) *Server {
	mux := http.NewServeMux()

	s := &Server{
		Server: http.Server{
			Addr:    addr,
			Handler: mux,
		},
		ledger:      ledger,
		auth:        authSvc,
		rateLimiter: newRateLimiter(),
		derivations: cache.NewStore[services.Derivation](500, cacheTTL),
	}

	s.janitor = cache.NewJanitor(s.derivations)
	s.janitor.Start(10 * time.Minute)

	mux.HandleFunc("GET /healthz", handleHealth)
	mux.HandleFunc("GET /readyz", handleReady)

	mux.HandleFunc("POST /api/register", s.withMiddleware(s.handleRegister))
	mux.HandleFunc("POST /api/login", s.withMiddleware(s.handleLogin))

	mux.HandleFunc("GET /api/debt-sources", s.protected(s.handleListDebtSources))
	mux.HandleFunc("POST /api/debt-sources", s.protected(s.handleCreateDebtSource))
	mux.HandleFunc("GET /api/debt-sources/{id}", s.protected(s.handleGetDebtSource))
	mux.HandleFunc("PUT /api/debt-sources/{id}", s.protected(s.handleUpdateDebtSource))
	mux.HandleFunc("DELETE /api/debt-sources/{id}", s.protected(s.handleArchiveDebtSource))

	mux.HandleFunc("GET /api/records", s.protected(s.handleListRecords))
	mux.HandleFunc("POST /api/records", s.protected(s.handleCreateRecord))
	mux.HandleFunc("GET /api/records/{id}", s.protected(s.handleGetRecord))
	mux.HandleFunc("PUT /api/records/{id}", s.protected(s.handleUpdateRecord))
	mux.HandleFunc("DELETE /api/records/{id}", s.protected(s.handleDeleteRecord))

	mux.HandleFunc("GET /api/settings", s.protected(s.handleGetSettings))
	mux.HandleFunc("PUT /api/settings", s.protected(s.handleUpdateSettings))

	mux.HandleFunc("GET /api/dashboard", s.protected(s.handleDashboard))

	return s
}

// withMiddleware adds security headers, rate limiting, and request logging.
func (s *Server) withMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		clientIP := extractClientIP(r)
		requestID := generateRequestID()

		ctx := context.WithValue(r.Context(), requestIDKey, requestID)
		r = r.WithContext(ctx)

		slog.InfoContext(ctx, "Request started",
			"request_id", requestID,
			"method", r.Method,
			"url", r.URL.Path,
			"client_ip", clientIP,
			"user_agent", r.Header.Get("User-Agent"))

		// Rate limit mutating requests only; reads are cache-backed.
		if r.Method != http.MethodGet && !s.rateLimiter.allow(clientIP) {
			slog.WarnContext(ctx, "Rate limit exceeded", "client_ip", clientIP, "method", r.Method, "url", r.URL.Path)
			w.Header().Set("Retry-After", "60")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded, try again later")
			return
		}

		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")

		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next(rw, r)

		duration := time.Since(start)
		slog.InfoContext(ctx, "Request completed",
			"request_id", requestID,
			"method", r.Method,
			"url", r.URL.Path,
			"status", rw.statusCode,
			"duration_ms", duration.Milliseconds(),
			"client_ip", clientIP)
	}
}

// protected wraps a handler with the standard middleware plus bearer token
// verification. The authenticated user ID ends up in the request context.
func (s *Server) protected(next http.HandlerFunc) http.HandlerFunc {
	return s.withMiddleware(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		userID, err := s.auth.VerifyToken(token)
		if err != nil {
			slog.WarnContext(r.Context(), "Token verification failed", "error", err)
			writeError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}

		ctx := context.WithValue(r.Context(), userIDKey, userID)
		next(w, r.WithContext(ctx))
	})
}

// currentUserID returns the authenticated user ID placed by protected.
func currentUserID(r *http.Request) string {
	id, _ := r.Context().Value(userIDKey).(string)
	return id
}

// invalidateDerivation drops the cached derivation after a mutation.
func (s *Server) invalidateDerivation(userID string) {
	s.derivations.Invalidate(userID)
}

// getDerivation returns the user's derived ledger, cached between mutations.
func (s *Server) getDerivation(ctx context.Context, userID string) (services.Derivation, error) {
	if d, ok := s.derivations.Get(userID); ok {
		slog.DebugContext(ctx, "Derivation cache hit", "user_id", userID)
		return d, nil
	}

	d, err := s.ledger.Derive(ctx, userID)
	if err != nil {
		return services.Derivation{}, err
	}
	s.derivations.Set(userID, d)
	return d, nil
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// generateRequestID creates a unique request ID for tracing.
func generateRequestID() string {
	bytes := make([]byte, 8)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp if random fails
		return fmt.Sprintf("req_%d", time.Now().UnixNano())
	}
	return "req_" + hex.EncodeToString(bytes)
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func handleReady(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

// Shutdown gracefully shuts down the server and cleanup routines.
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error

	s.shutdownOnce.Do(func() {
		if s.janitor != nil {
			s.janitor.Stop()
		}
		if s.rateLimiter != nil {
			s.rateLimiter.stop()
		}
		shutdownErr = s.Server.Shutdown(ctx)
	})

	return shutdownErr
}
