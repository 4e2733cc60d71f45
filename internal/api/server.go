// Package api provides the HTTP server for autobook.
// It exposes proposal, booking, policy and chart-of-accounts endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ledgerflow/autobook/internal/app/booking"
	"github.com/ledgerflow/autobook/internal/domain"
	"github.com/ledgerflow/autobook/internal/infra/observability"
	"github.com/ledgerflow/autobook/internal/rules"
)

// Version is reported by /api/version.
const Version = "0.1.0"

// Proposals is the booking surface the server drives. *booking.Service
// implements it.
type Proposals interface {
	Propose(ctx context.Context, req booking.Request) (*booking.Outcome, error)
	Book(ctx context.Context, proposalID string) (*domain.JournalEntry, error)
	Proposal(ctx context.Context, id string) (*domain.ProposalRecord, error)
	Proposals(ctx context.Context, limit int) ([]domain.ProposalRecord, error)
	Entry(ctx context.Context, id string) (*domain.JournalEntry, error)
	Stats() booking.Stats
}

// Catalog resolves policies and charts by date. *rules.VersionManager
// implements it.
type Catalog interface {
	VersionFor(d domain.Date) string
	PoliciesFor(ctx context.Context, d domain.Date, version string) ([]rules.Policy, error)
	Migrator() *rules.Migrator
}

// Server is the autobook HTTP API server.
type Server struct {
	proposals      Proposals
	catalog        Catalog
	charts         rules.ChartLookup
	tracer         *observability.Tracer
	timeout        time.Duration
	metricsEnabled bool
	today          func() domain.Date
}

// NewServer creates a new API server.
func NewServer(p Proposals, c Catalog, charts rules.ChartLookup) *Server {
	return &Server{
		proposals: p,
		catalog:   c,
		charts:    charts,
		timeout:   time.Minute,
		today: func() domain.Date {
			y, m, d := time.Now().Date()
			return domain.NewDate(y, m, d)
		},
	}
}

// EnableMetrics enables the /metrics Prometheus endpoint.
func (s *Server) EnableMetrics() { s.metricsEnabled = true }

// SetTracer exposes recent spans at /debug/spans.
func (s *Server) SetTracer(t *observability.Tracer) { s.tracer = t }

// SetTimeout sets the per-request timeout.
func (s *Server) SetTimeout(d time.Duration) {
	if d > 0 {
		s.timeout = d
	}
}

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.timeout))
	r.Use(traceMiddleware)
	r.Use(metricsMiddleware)
	r.Use(corsMiddleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/api/version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"version": Version})
	})
	r.Get("/api/stats", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.proposals.Stats())
	})

	r.Route("/v1", func(r chi.Router) {
		r.Route("/proposals", func(r chi.Router) {
			r.Get("/", s.handleListProposals)
			r.Post("/", s.handlePropose)
			r.Get("/{id}", s.handleGetProposal)
			r.Post("/{id}/book", s.handleBook)
		})
		r.Get("/entries/{id}", s.handleGetEntry)

		r.Get("/policies", s.handleListPolicies)
		r.Post("/policies/validate", s.handleValidatePolicy)

		r.Get("/accounts", s.handleListAccounts)
		r.Get("/accounts/{number}", s.handleGetAccount)
	})

	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}
	if s.tracer != nil {
		r.Get("/debug/spans", func(w http.ResponseWriter, r *http.Request) {
			limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
			writeJSON(w, http.StatusOK, s.tracer.Spans(limit))
		})
	}

	return r
}

// ─── Helpers ────────────────────────────────────────────────────────────────

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[api] encode response: %v", err)
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    http.StatusText(status),
		},
	})
}

// writeErr maps domain errors onto HTTP status codes.
func writeErr(w http.ResponseWriter, err error) {
	status := errorStatus(err)
	if status == http.StatusInternalServerError {
		log.Printf("[api] internal error: %v", err)
	}
	writeError(w, status, err.Error())
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidReceipt),
		errors.Is(err, domain.ErrInvalidIntent):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrProposalNotFound),
		errors.Is(err, domain.ErrEntryNotFound),
		errors.Is(err, domain.ErrPolicyNotFound),
		errors.Is(err, domain.ErrAccountNotFound),
		errors.Is(err, domain.ErrDatasetNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrAlreadyBooked):
		return http.StatusConflict
	case errors.Is(err, domain.ErrNotBookable),
		errors.Is(err, domain.ErrSchemaViolation),
		errors.Is(err, domain.ErrMigrationNotFound):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// corsMiddleware adds CORS headers for local development.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// traceMiddleware reuses the chi request ID as the trace ID.
func traceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := middleware.GetReqID(r.Context()); id != "" {
			r = r.WithContext(observability.WithTraceID(r.Context(), id))
		}
		next.ServeHTTP(w, r)
	})
}

// metricsMiddleware records request counts and latency by route pattern.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		observability.HTTPRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
		observability.HTTPLatency.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}
