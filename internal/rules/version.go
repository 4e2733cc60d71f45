package rules

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/ledgerflow/autobook/internal/bas"
	"github.com/ledgerflow/autobook/internal/domain"
)

// maxCachedEngines bounds the per-(date, version) engine cache.
const maxCachedEngines = 256

// ScheduleEntry switches the chart version from a given date onward.
type ScheduleEntry struct {
	From    domain.Date
	Version string
}

// DefaultSchedule moves to 2025_v2.0 on 2025-07-01.
func DefaultSchedule() []ScheduleEntry {
	return []ScheduleEntry{{From: domain.NewDate(2025, time.July, 1), Version: bas.Version2025v2}}
}

// VersionConfig configures a VersionManager.
type VersionConfig struct {
	Policies       domain.PolicySource
	Charts         ChartLookup
	Migrations     map[string]MigrationRule // nil uses DefaultMigrations
	DefaultVersion string                   // used before the first schedule entry
	Schedule       []ScheduleEntry          // nil uses DefaultSchedule
	EngineOptions  []Option
	OnPolicyDrop   func(policyID, version string)
}

// VersionManager resolves the engine to use for a transaction date: it picks
// the chart version, loads the policies effective that day and migrates them
// to the chart. Engines are cached per (date, version).
type VersionManager struct {
	policies       domain.PolicySource
	charts         ChartLookup
	migrator       *Migrator
	defaultVersion string
	schedule       []ScheduleEntry
	opts           []Option

	mu    sync.Mutex
	cache map[string]*Engine
}

// NewVersionManager creates a version manager.
func NewVersionManager(cfg VersionConfig) *VersionManager {
	schedule := cfg.Schedule
	if schedule == nil {
		schedule = DefaultSchedule()
	}
	schedule = append([]ScheduleEntry(nil), schedule...)
	sort.SliceStable(schedule, func(i, j int) bool { return schedule[i].From.Before(schedule[j].From) })

	def := cfg.DefaultVersion
	if def == "" {
		def = bas.Version2025v1
	}
	migrator := NewMigrator(cfg.Charts, cfg.Migrations)
	migrator.OnDrop = cfg.OnPolicyDrop
	return &VersionManager{
		policies:       cfg.Policies,
		charts:         cfg.Charts,
		migrator:       migrator,
		defaultVersion: def,
		schedule:       schedule,
		opts:           cfg.EngineOptions,
		cache:          make(map[string]*Engine),
	}
}

// Migrator returns the migrator the manager uses.
func (v *VersionManager) Migrator() *Migrator { return v.migrator }

// VersionFor returns the chart version in force on d.
func (v *VersionManager) VersionFor(d domain.Date) string {
	version := v.defaultVersion
	for _, e := range v.schedule {
		if d.Before(e.From) {
			break
		}
		version = e.Version
	}
	return version
}

// PoliciesFor loads every policy effective on d and migrates it to version.
// A malformed document fails the whole load.
func (v *VersionManager) PoliciesFor(ctx context.Context, d domain.Date, version string) ([]Policy, error) {
	docs, err := v.policies.PolicyDocuments(ctx)
	if err != nil {
		return nil, fmt.Errorf("load policies: %w", err)
	}
	all, err := DefaultValidator().ParsePolicies(docs)
	if err != nil {
		return nil, err
	}
	effective := make([]Policy, 0, len(all))
	for _, p := range all {
		if p.EffectiveOn(d) {
			effective = append(effective, p)
		}
	}
	return v.migrator.CompatiblePolicies(ctx, effective, version)
}

// EngineFor returns an engine for d. An empty version uses the schedule. The
// resolved version is returned alongside.
func (v *VersionManager) EngineFor(ctx context.Context, d domain.Date, version string) (*Engine, string, error) {
	if version == "" {
		version = v.VersionFor(d)
	}
	key := d.String() + "|" + version

	v.mu.Lock()
	e, ok := v.cache[key]
	v.mu.Unlock()
	if ok {
		return e, version, nil
	}

	ds, err := v.charts.Dataset(ctx, version)
	if err != nil {
		return nil, "", err
	}
	policies, err := v.PoliciesFor(ctx, d, version)
	if err != nil {
		return nil, "", err
	}
	opts := append(append([]Option(nil), v.opts...), WithAccounts(ds))
	e = build(policies, opts)
	log.Printf("[rules] engine for %s on BAS %s: %d policies", d, version, len(policies))

	v.mu.Lock()
	if len(v.cache) >= maxCachedEngines {
		v.cache = make(map[string]*Engine)
	}
	v.cache[key] = e
	v.mu.Unlock()
	return e, version, nil
}

// Invalidate drops every cached engine, e.g. after policies change.
func (v *VersionManager) Invalidate() {
	v.mu.Lock()
	v.cache = make(map[string]*Engine)
	v.mu.Unlock()
}
