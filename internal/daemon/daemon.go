package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/ledgerflow/autobook/internal/api"
	"github.com/ledgerflow/autobook/internal/app/booking"
	"github.com/ledgerflow/autobook/internal/bas"
	"github.com/ledgerflow/autobook/internal/domain"
	"github.com/ledgerflow/autobook/internal/infra/observability"
	"github.com/ledgerflow/autobook/internal/infra/policystore"
	"github.com/ledgerflow/autobook/internal/infra/sqlite"
	"github.com/ledgerflow/autobook/internal/rules"
)

// Daemon holds the assembled service graph.
type Daemon struct {
	Config   Config
	DB       *sqlite.DB
	Charts   *bas.Registry
	Versions *rules.VersionManager
	Booking  *booking.Service
	Tracer   *observability.Tracer
}

// New opens storage, loads the chart and wires the engine and booking service.
func New(ctx context.Context, cfg Config) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	db, err := sqlite.Open(cfg.DataDir())
	if err != nil {
		return nil, err
	}

	charts, err := bas.Open(ctx, ChartSource(cfg, db), cfg.BAS.DefaultVersion)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("load BAS %s: %w", cfg.BAS.DefaultVersion, err)
	}

	vm, err := NewVersionManager(cfg, PolicySource(cfg, db), charts)
	if err != nil {
		db.Close()
		return nil, err
	}

	var tracer *observability.Tracer
	if cfg.Metrics.Tracing {
		tracer = observability.NewTracer(observability.TracerConfig{Enabled: true, MaxSpans: cfg.Metrics.MaxSpans})
	}

	svc := booking.New(booking.Config{
		CompanyID:     cfg.Booking.CompanyID,
		MaxConcurrent: cfg.Booking.MaxConcurrent,
		Timeout:       parseDuration(cfg.Booking.Timeout, 30*time.Second),
		AutoBook:      cfg.Booking.AutoBook,
	}, vm, db, tracer)

	return &Daemon{Config: cfg, DB: db, Charts: charts, Versions: vm, Booking: svc, Tracer: tracer}, nil
}

// ChartSource returns where chart datasets are read from: the configured
// directory, then datasets imported into the database, then the embedded set.
func ChartSource(cfg Config, db *sqlite.DB) domain.ChartSource {
	var chain bas.ChainSource
	if cfg.BAS.DatasetDir != "" {
		chain = append(chain, bas.FSSource{FS: os.DirFS(expandHome(cfg.BAS.DatasetDir))})
	}
	if db != nil {
		chain = append(chain, db)
	}
	return append(chain, bas.EmbeddedSource())
}

// PolicySource returns the configured policy document source.
func PolicySource(cfg Config, db *sqlite.DB) domain.PolicySource {
	switch cfg.Policies.Source {
	case PolicySourceDir:
		return policystore.Dir(expandHome(cfg.Policies.Dir))
	case PolicySourceDB:
		if db != nil {
			return db
		}
	}
	return policystore.Embedded()
}

// NewVersionManager builds the engine resolver from configuration.
func NewVersionManager(cfg Config, policies domain.PolicySource, charts rules.ChartLookup) (*rules.VersionManager, error) {
	schedule, err := cfg.Schedule()
	if err != nil {
		return nil, err
	}
	highValue, err := cfg.HighValue()
	if err != nil {
		return nil, err
	}
	metrics := observability.EngineMetrics{}
	return rules.NewVersionManager(rules.VersionConfig{
		Policies:       policies,
		Charts:         charts,
		DefaultVersion: cfg.BAS.DefaultVersion,
		Schedule:       schedule,
		EngineOptions: []rules.Option{
			rules.WithRegion(cfg.Engine.Region),
			rules.WithAmountConfidence(cfg.Engine.AmountConfidence),
			rules.WithHighValueThreshold(highValue),
			rules.WithObserver(metrics),
		},
		OnPolicyDrop: metrics.PolicyDropped,
	}), nil
}

// Handler returns the HTTP handler for the daemon.
func (d *Daemon) Handler() http.Handler {
	s := api.NewServer(d.Booking, d.Versions, d.Charts)
	s.SetTimeout(parseDuration(d.Config.API.Timeout, time.Minute))
	if d.Config.Metrics.Enabled {
		s.EnableMetrics()
	}
	if d.Tracer != nil {
		s.SetTracer(d.Tracer)
	}
	return s.Handler()
}

// Serve listens until ctx is cancelled, then shuts down gracefully.
func (d *Daemon) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              d.Config.Addr(),
		Handler:           d.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("[daemon] listening on %s", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	log.Printf("[daemon] shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// Close releases storage.
func (d *Daemon) Close() error {
	return d.DB.Close()
}
