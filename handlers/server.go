package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"go.uber.org/atomic"

	"keygate.app/cloud/internal/logger"
	"keygate.app/cloud/internal/ratelimit"
	"keygate.app/cloud/ledger"
)

// Stats counts request outcomes since process start.
type Stats struct {
	Requests     atomic.Int64
	Grants       atomic.Int64
	Unauthorized atomic.Int64
}

type Server struct {
	Router  chi.Router
	Ledger  *ledger.Ledger
	Version string
	Stats   Stats
}

type HealthResponse struct {
	Status       string    `json:"status"`
	Version      string    `json:"version"`
	Timestamp    time.Time `json:"timestamp"`
	Requests     int64     `json:"requests"`
	Grants       int64     `json:"grants"`
	Unauthorized int64     `json:"unauthorized"`
}

func NewServer(l *ledger.Ledger, version string) *Server {
	s := &Server{
		Ledger:  l,
		Version: version,
	}

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Identity"},
	}))
	r.Use(s.requestLogger)

	// Public reads are the abuse surface; grants are already gated on the
	// administrator identity.
	limiter := ratelimit.New(60, time.Minute)

	r.Get("/health", s.Health)
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/licenses/grant", s.GrantLicense)
		r.With(rateLimited(limiter)).Get("/licenses/status", s.LicenseStatus)
		r.With(rateLimited(limiter)).Get("/licenses/expiry", s.LicenseExpiry)
		r.Post("/webhooks/stripe", s.Stripe)
	})

	s.Router = r
	return s
}

func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:       "healthy",
		Version:      s.Version,
		Timestamp:    time.Now(),
		Requests:     s.Stats.Requests.Load(),
		Grants:       s.Stats.Grants.Load(),
		Unauthorized: s.Stats.Unauthorized.Load(),
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.Stats.Requests.Inc()

		requestID := uuid.NewString()
		start := time.Now()
		next.ServeHTTP(w, r)

		logger.Debug("Request handled", logger.Fields{
			"request_id":  requestID,
			"method":      r.Method,
			"path":        r.URL.Path,
			"remote_addr": r.RemoteAddr,
			"duration_ms": time.Since(start).Milliseconds(),
		})
	})
}

func rateLimited(limiter ratelimit.RateLimit) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow(r.RemoteAddr) {
				writeErrorResponse(w, http.StatusTooManyRequests, "Rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Error("Failed to encode response", logger.Fields{"error": err.Error()})
	}
}

func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
