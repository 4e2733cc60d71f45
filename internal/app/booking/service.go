// Package booking is the application service around the rule engine.
//
// A proposal request flows through:
//  1. Validate the intent and receipt
//  2. Take a worker slot (bounded concurrency)
//  3. Resolve the engine for the receipt date and chart version
//  4. Propose and append the result to the audit log
//  5. Optionally book GREEN proposals straight into the journal
package booking

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ledgerflow/autobook/internal/domain"
	"github.com/ledgerflow/autobook/internal/infra/observability"
	"github.com/ledgerflow/autobook/internal/rules"
)

// EngineResolver returns the engine in force for a date. An empty version
// lets the resolver pick from its schedule. *rules.VersionManager implements it.
type EngineResolver interface {
	EngineFor(ctx context.Context, d domain.Date, version string) (*rules.Engine, string, error)
}

// Store is the persistence the service needs.
type Store interface {
	domain.ProposalStore
	domain.JournalStore
}

// Config controls service behavior.
type Config struct {
	CompanyID     string        // Company the journal series belongs to
	MaxConcurrent int           // Maximum concurrent proposals (default: 4)
	Timeout       time.Duration // Per-request timeout (default: 30s)
	AutoBook      bool          // Book GREEN proposals immediately
}

// DefaultConfig returns safe service defaults.
func DefaultConfig() Config {
	return Config{
		CompanyID:     "default",
		MaxConcurrent: 4,
		Timeout:       30 * time.Second,
	}
}

// Request is one expense to propose a posting for.
type Request struct {
	Intent     domain.Intent     `json:"intent"`
	Receipt    domain.ReceiptDoc `json:"receipt"`
	BASVersion string            `json:"bas_version,omitempty"`
}

// Outcome is the stored proposal plus what the caller shows the user.
type Outcome struct {
	Record      domain.ProposalRecord `json:"record"`
	Explanation string                `json:"explanation"`
	Entry       *domain.JournalEntry  `json:"entry,omitempty"`
}

// Service proposes postings and books the GREEN ones.
type Service struct {
	config  Config
	engines EngineResolver
	store   Store
	tracer  *observability.Tracer
	sem     chan struct{}
	now     func() time.Time

	bookMu sync.Mutex // serializes journal numbering

	mu       sync.RWMutex
	active   int
	decided  map[domain.Stoplight]int64
	booked   int64
	failed   int64
	rejected int64
}

// New creates a booking service. tracer may be nil.
func New(cfg Config, engines EngineResolver, store Store, tracer *observability.Tracer) *Service {
	def := DefaultConfig()
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.CompanyID == "" {
		cfg.CompanyID = def.CompanyID
	}
	return &Service{
		config:  cfg,
		engines: engines,
		store:   store,
		tracer:  tracer,
		sem:     make(chan struct{}, cfg.MaxConcurrent),
		now:     time.Now,
		decided: make(map[domain.Stoplight]int64),
	}
}

// ─── Propose ────────────────────────────────────────────────────────────────

// Propose runs the engine for req and records the result. Invalid inputs and
// infrastructure failures are errors; RED and YELLOW decisions are not.
func (s *Service) Propose(ctx context.Context, req Request) (*Outcome, error) {
	if err := req.Intent.Validate(); err != nil {
		return nil, err
	}
	if err := req.Receipt.Validate(); err != nil {
		return nil, err
	}

	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.release()

	ctx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	span := s.tracer.StartSpan(ctx, "propose", map[string]string{"intent": req.Intent.Name})
	out, err := s.propose(ctx, req)
	if out != nil && span.Attrs != nil {
		span.Attrs["stoplight"] = string(out.Record.Proposal.Stoplight)
	}
	s.tracer.EndSpan(span, err)
	if err != nil {
		s.mu.Lock()
		s.failed++
		s.mu.Unlock()
		return nil, err
	}
	return out, nil
}

func (s *Service) propose(ctx context.Context, req Request) (*Outcome, error) {
	engine, version, err := s.engines.EngineFor(ctx, req.Receipt.Date, req.BASVersion)
	if err != nil {
		return nil, fmt.Errorf("resolve engine: %w", err)
	}
	res := engine.Propose(req.Intent, req.Receipt)

	rec := domain.ProposalRecord{
		ID:         uuid.NewString(),
		CompanyID:  s.config.CompanyID,
		Intent:     req.Intent,
		Receipt:    req.Receipt,
		Proposal:   res.Proposal,
		BASVersion: version,
		Question:   res.Question,
		CreatedAt:  s.now().UTC(),
	}
	if err := s.store.SaveProposal(ctx, rec); err != nil {
		return nil, fmt.Errorf("save proposal: %w", err)
	}

	s.mu.Lock()
	s.decided[rec.Proposal.Stoplight]++
	s.mu.Unlock()
	log.Printf("[booking] proposal %s policy=%s stoplight=%s bas=%s",
		rec.ID, rec.Proposal.PolicyID, rec.Proposal.Stoplight, version)

	out := &Outcome{Record: rec, Explanation: res.Explanation}
	if s.config.AutoBook && rec.Proposal.Bookable() {
		entry, err := s.book(ctx, &rec, "auto")
		if err != nil {
			return nil, err
		}
		out.Record = rec
		out.Entry = entry
	}
	return out, nil
}

func (s *Service) acquire(ctx context.Context) error {
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("waiting for worker slot: %w", ctx.Err())
	}
	s.mu.Lock()
	s.active++
	s.mu.Unlock()
	observability.InFlight.Inc()
	return nil
}

func (s *Service) release() {
	s.mu.Lock()
	s.active--
	s.mu.Unlock()
	observability.InFlight.Dec()
	<-s.sem
}

// ─── Book ───────────────────────────────────────────────────────────────────

// Book turns a stored GREEN proposal into a journal entry.
func (s *Service) Book(ctx context.Context, proposalID string) (*domain.JournalEntry, error) {
	span := s.tracer.StartSpan(ctx, "book", map[string]string{"proposal": proposalID})
	rec, err := s.store.GetProposal(ctx, proposalID)
	if err != nil {
		s.tracer.EndSpan(span, err)
		return nil, err
	}
	entry, err := s.book(ctx, rec, "manual")
	s.tracer.EndSpan(span, err)
	return entry, err
}

func (s *Service) book(ctx context.Context, rec *domain.ProposalRecord, trigger string) (*domain.JournalEntry, error) {
	if rec.EntryID != "" {
		return nil, s.reject("already_booked", fmt.Errorf("%w: %s", domain.ErrAlreadyBooked, rec.ID))
	}
	if !rec.Proposal.Bookable() {
		return nil, s.reject("not_bookable", fmt.Errorf("%w: %s is %s", domain.ErrNotBookable, rec.ID, rec.Proposal.Stoplight))
	}

	s.bookMu.Lock()
	defer s.bookMu.Unlock()

	last, err := s.store.LastJournalNumber(ctx, rec.CompanyID, domain.JournalSeriesAI)
	if err != nil {
		return nil, fmt.Errorf("journal number: %w", err)
	}
	number, err := NextNumber(last)
	if err != nil {
		return nil, err
	}

	entry := domain.JournalEntry{
		ID:         uuid.NewString(),
		CompanyID:  rec.CompanyID,
		ProposalID: rec.ID,
		Date:       rec.Receipt.Date,
		Series:     domain.JournalSeriesAI,
		Number:     number,
		Notes:      entryNotes(rec),
		CreatedAt:  s.now().UTC(),
		Lines:      journalLines(rec.Proposal.Lines),
	}
	if err := s.store.BookJournalEntry(ctx, entry); err != nil {
		return nil, fmt.Errorf("book journal entry: %w", err)
	}
	rec.EntryID = entry.ID

	s.mu.Lock()
	s.booked++
	s.mu.Unlock()
	observability.BookingsTotal.WithLabelValues(trigger).Inc()
	log.Printf("[booking] booked proposal %s as %s%s (%s)", rec.ID, entry.Series, entry.Number, trigger)
	return &entry, nil
}

func (s *Service) reject(reason string, err error) error {
	s.mu.Lock()
	s.rejected++
	s.mu.Unlock()
	observability.BookingRejections.WithLabelValues(reason).Inc()
	return err
}

// NextNumber returns the voucher number following last, zero-padded to six
// digits. An empty last starts the series at 000001.
func NextNumber(last string) (string, error) {
	n := 0
	if last != "" {
		var err error
		if n, err = strconv.Atoi(last); err != nil {
			return "", fmt.Errorf("journal number %q is not numeric: %w", last, err)
		}
	}
	return fmt.Sprintf("%06d", n+1), nil
}

func entryNotes(rec *domain.ProposalRecord) string {
	if rec.Receipt.Vendor == "" {
		return "Policy " + rec.Proposal.PolicyID
	}
	return fmt.Sprintf("Policy %s: %s", rec.Proposal.PolicyID, rec.Receipt.Vendor)
}

func journalLines(lines []domain.PostingLine) []domain.JournalLine {
	out := make([]domain.JournalLine, len(lines))
	for i, l := range lines {
		out[i] = domain.JournalLine{
			Account:             l.Account,
			Side:                l.Side,
			Amount:              l.Amount,
			DimensionProject:    l.DimensionProject,
			DimensionCostCenter: l.DimensionCostCenter,
			Description:         l.Description,
		}
	}
	return out
}

// ─── Queries ────────────────────────────────────────────────────────────────

// Proposal returns a stored proposal.
func (s *Service) Proposal(ctx context.Context, id string) (*domain.ProposalRecord, error) {
	return s.store.GetProposal(ctx, id)
}

// Proposals returns the most recent proposals.
func (s *Service) Proposals(ctx context.Context, limit int) ([]domain.ProposalRecord, error) {
	return s.store.ListProposals(ctx, limit)
}

// Entry returns a booked journal entry.
func (s *Service) Entry(ctx context.Context, id string) (*domain.JournalEntry, error) {
	return s.store.GetJournalEntry(ctx, id)
}

// ─── Stats ──────────────────────────────────────────────────────────────────

// Stats is a snapshot of service counters since start.
type Stats struct {
	Active    int   `json:"active"`
	MaxSlots  int   `json:"max_slots"`
	FreeSlots int   `json:"free_slots"`
	Green     int64 `json:"green"`
	Yellow    int64 `json:"yellow"`
	Red       int64 `json:"red"`
	Booked    int64 `json:"booked"`
	Rejected  int64 `json:"rejected"`
	Failed    int64 `json:"failed"`
}

// Stats returns current service statistics.
func (s *Service) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{
		Active:    s.active,
		MaxSlots:  s.config.MaxConcurrent,
		FreeSlots: s.config.MaxConcurrent - s.active,
		Green:     s.decided[domain.Green],
		Yellow:    s.decided[domain.Yellow],
		Red:       s.decided[domain.Red],
		Booked:    s.booked,
		Rejected:  s.rejected,
		Failed:    s.failed,
	}
}
