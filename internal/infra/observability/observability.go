// Package observability records proposal-pipeline spans in memory and exports
// Prometheus metrics for decisions, bookings and the HTTP surface.
package observability

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ledgerflow/autobook/internal/domain"
)

// ─── Spans ──────────────────────────────────────────────────────────────────

// SpanStatus indicates success or failure.
type SpanStatus int

const (
	SpanOK SpanStatus = iota
	SpanError
)

// Span is one timed step of a request, such as "propose" or "book".
type Span struct {
	TraceID   string            `json:"trace_id"`
	SpanID    string            `json:"span_id"`
	ParentID  string            `json:"parent_id,omitempty"`
	Operation string            `json:"operation"`
	StartTime time.Time         `json:"start_time"`
	EndTime   time.Time         `json:"end_time,omitempty"`
	Duration  time.Duration     `json:"duration,omitempty"`
	Status    SpanStatus        `json:"status"`
	Attrs     map[string]string `json:"attrs,omitempty"`
}

// TracerConfig configures the tracer.
type TracerConfig struct {
	Enabled  bool
	MaxSpans int // ring size (default 10_000)
}

// DefaultTracerConfig returns production defaults.
func DefaultTracerConfig() TracerConfig {
	return TracerConfig{Enabled: true, MaxSpans: 10_000}
}

// Tracer keeps the most recent finished spans in a fixed-size ring.
type Tracer struct {
	mu      sync.Mutex
	ring    []Span
	next    int
	full    bool
	enabled bool
}

// NewTracer creates a tracer.
func NewTracer(cfg TracerConfig) *Tracer {
	if cfg.MaxSpans <= 0 {
		cfg.MaxSpans = DefaultTracerConfig().MaxSpans
	}
	return &Tracer{ring: make([]Span, cfg.MaxSpans), enabled: cfg.Enabled}
}

// StartSpan begins a span. The caller must pass it to EndSpan.
func (t *Tracer) StartSpan(ctx context.Context, operation string, attrs map[string]string) *Span {
	if t == nil || !t.enabled {
		return &Span{Operation: operation}
	}
	traceID, _ := ctx.Value(traceIDKey).(string)
	if traceID == "" {
		traceID = uuid.NewString()
	}
	parent, _ := ctx.Value(spanIDKey).(string)
	return &Span{
		TraceID:   traceID,
		SpanID:    uuid.NewString(),
		ParentID:  parent,
		Operation: operation,
		StartTime: time.Now(),
		Attrs:     attrs,
	}
}

// EndSpan finishes a span and records it. A non-nil err marks it failed.
func (t *Tracer) EndSpan(span *Span, err error) {
	if t == nil || !t.enabled || span == nil {
		return
	}
	span.EndTime = time.Now()
	span.Duration = span.EndTime.Sub(span.StartTime)
	if err != nil {
		span.Status = SpanError
		if span.Attrs == nil {
			span.Attrs = make(map[string]string)
		}
		span.Attrs["error"] = err.Error()
		TraceErrors.Inc()
	}
	TracesRecorded.Inc()

	t.mu.Lock()
	t.ring[t.next] = *span
	t.next = (t.next + 1) % len(t.ring)
	if t.next == 0 {
		t.full = true
	}
	t.mu.Unlock()
}

// Spans returns up to limit of the most recent spans, oldest first.
// A limit <= 0 returns everything held.
func (t *Tracer) Spans(limit int) []Span {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := t.countLocked()
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Span, limit)
	for i := 0; i < limit; i++ {
		idx := (t.next - limit + i + len(t.ring)) % len(t.ring)
		out[i] = t.ring[idx]
	}
	return out
}

// SpanCount returns the number of spans held.
func (t *Tracer) SpanCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.countLocked()
}

func (t *Tracer) countLocked() int {
	if t.full {
		return len(t.ring)
	}
	return t.next
}

// Reset drops every recorded span.
func (t *Tracer) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.next = 0
	t.full = false
}

// ─── Context Helpers ────────────────────────────────────────────────────────

type contextKey string

const (
	traceIDKey contextKey = "autobook-trace-id"
	spanIDKey  contextKey = "autobook-span-id"
)

// WithTraceID returns a context carrying traceID.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// WithSpanID returns a context whose spans become children of spanID.
func WithSpanID(ctx context.Context, spanID string) context.Context {
	return context.WithValue(ctx, spanIDKey, spanID)
}

// TraceID returns the trace ID carried by ctx, if any.
func TraceID(ctx context.Context) string {
	v, _ := ctx.Value(traceIDKey).(string)
	return v
}

// ═══════════════════════════════════════════════════════════════════════════
// Prometheus Metrics
// ═══════════════════════════════════════════════════════════════════════════

// ─── Engine Metrics ─────────────────────────────────────────────────────────

// ProposalsTotal counts engine decisions by stoplight.
var ProposalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "autobook",
	Subsystem: "engine",
	Name:      "proposals_total",
	Help:      "Total proposals produced, by stoplight.",
}, []string{"stoplight"})

// ProposalLatency tracks time spent inside the engine per proposal.
var ProposalLatency = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: "autobook",
	Subsystem: "engine",
	Name:      "proposal_duration_seconds",
	Help:      "Time to match, compute and decide one proposal.",
	Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1},
})

// AccountWarnings counts posting lines that referenced accounts the chart
// does not know for the region.
var AccountWarnings = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "autobook",
	Subsystem: "engine",
	Name:      "account_warnings_total",
	Help:      "Posting lines referencing unknown or disallowed accounts.",
}, []string{"policy"})

// PoliciesDropped counts policies excluded because they failed chart validation.
var PoliciesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "autobook",
	Subsystem: "engine",
	Name:      "policies_dropped_total",
	Help:      "Policies dropped as incompatible with the target chart version.",
}, []string{"bas_version"})

// ─── Booking Metrics ────────────────────────────────────────────────────────

// BookingsTotal counts journal entries written, by trigger.
var BookingsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "autobook",
	Subsystem: "booking",
	Name:      "entries_total",
	Help:      "Journal entries booked, by trigger (auto or manual).",
}, []string{"trigger"})

// BookingRejections counts booking attempts refused, by reason.
var BookingRejections = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "autobook",
	Subsystem: "booking",
	Name:      "rejections_total",
	Help:      "Booking attempts refused, by reason.",
}, []string{"reason"})

// InFlight tracks proposals currently being processed.
var InFlight = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "autobook",
	Subsystem: "booking",
	Name:      "in_flight",
	Help:      "Proposal requests currently holding a worker slot.",
})

// ─── HTTP Metrics ───────────────────────────────────────────────────────────

// HTTPRequests counts API requests by route and status class.
var HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "autobook",
	Subsystem: "http",
	Name:      "requests_total",
	Help:      "API requests by route pattern and status code.",
}, []string{"route", "code"})

// HTTPLatency tracks API latency by route.
var HTTPLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "autobook",
	Subsystem: "http",
	Name:      "request_duration_seconds",
	Help:      "API request latency by route pattern.",
	Buckets:   prometheus.DefBuckets,
}, []string{"route"})

// ─── Trace Metrics ──────────────────────────────────────────────────────────

// TracesRecorded counts finished spans.
var TracesRecorded = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "autobook",
	Subsystem: "traces",
	Name:      "spans_recorded_total",
	Help:      "Total trace spans recorded.",
})

// TraceErrors counts spans that ended with an error.
var TraceErrors = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "autobook",
	Subsystem: "traces",
	Name:      "error_spans_total",
	Help:      "Total trace spans with error status.",
})

// ─── Engine Observer ────────────────────────────────────────────────────────

// EngineMetrics feeds engine events into the metrics above.
// It implements rules.Observer.
type EngineMetrics struct{}

// ProposalDecided records a decision and its latency.
func (EngineMetrics) ProposalDecided(p domain.PostingProposal, elapsed time.Duration) {
	ProposalsTotal.WithLabelValues(string(p.Stoplight)).Inc()
	ProposalLatency.Observe(elapsed.Seconds())
}

// AccountWarning records a posting line against an unknown account.
func (EngineMetrics) AccountWarning(policyID, _ string) {
	AccountWarnings.WithLabelValues(policyID).Inc()
}

// PolicyDropped records a policy excluded for a chart version.
func (EngineMetrics) PolicyDropped(_ string, basVersion string) {
	PoliciesDropped.WithLabelValues(basVersion).Inc()
}
