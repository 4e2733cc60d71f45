package bas

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/ledgerflow/autobook/internal/domain"
)

// Default dataset versions shipped with the binary.
const (
	Version2025v1 = "2025_v1.0"
	Version2025v2 = "2025_v2.0"
)

// DefaultRegion is the region used when a caller does not name one.
const DefaultRegion = "SE"

//go:embed datasets/*.json
var embedded embed.FS

// ─── Sources ────────────────────────────────────────────────────────────────

// FSSource reads datasets named bas_<version>.json (dots replaced by
// underscores) from a filesystem. It implements domain.ChartSource.
type FSSource struct {
	FS fs.FS
}

// EmbeddedSource returns the datasets compiled into the binary.
func EmbeddedSource() FSSource {
	sub, err := fs.Sub(embedded, "datasets")
	if err != nil {
		panic(err) // embed path is fixed at compile time
	}
	return FSSource{FS: sub}
}

// FileName returns the file name a dataset version is stored under.
func FileName(version string) string {
	return "bas_" + strings.ReplaceAll(version, ".", "_") + ".json"
}

// ChartDocument reads the raw dataset document for version.
func (s FSSource) ChartDocument(_ context.Context, version string) ([]byte, error) {
	data, err := fs.ReadFile(s.FS, FileName(version))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", domain.ErrDatasetNotFound, version)
	}
	if err != nil {
		return nil, fmt.Errorf("read dataset %s: %w", version, err)
	}
	return data, nil
}

// ChainSource asks each source in turn. A source that does not know a version
// passes to the next; any other error stops the search.
type ChainSource []domain.ChartSource

// ChartDocument returns the first document found.
func (c ChainSource) ChartDocument(ctx context.Context, version string) ([]byte, error) {
	for _, src := range c {
		data, err := src.ChartDocument(ctx, version)
		if errors.Is(err, domain.ErrDatasetNotFound) {
			continue
		}
		return data, err
	}
	return nil, fmt.Errorf("%w: %s", domain.ErrDatasetNotFound, version)
}

// ─── Registry ───────────────────────────────────────────────────────────────

// Registry serves account lookups. Reads are lock-free against an immutable
// snapshot; loads and swaps publish a new snapshot atomically.
type Registry struct {
	source domain.ChartSource

	loadMu sync.Mutex // serializes loads, never held by readers
	snap   atomic.Pointer[snapshot]
}

type snapshot struct {
	current  *Dataset
	versions map[string]*Dataset
}

// NewRegistry creates a registry whose current dataset is current. source may
// be nil, in which case only datasets added explicitly are available.
func NewRegistry(current *Dataset, source domain.ChartSource) *Registry {
	r := &Registry{source: source}
	r.snap.Store(&snapshot{
		current:  current,
		versions: map[string]*Dataset{current.Version: current},
	})
	return r
}

// Default returns a registry backed by the embedded datasets with
// 2025_v1.0 as the current version.
func Default() *Registry {
	src := EmbeddedSource()
	r, err := Open(context.Background(), src, Version2025v1)
	if err != nil {
		panic(fmt.Sprintf("embedded BAS dataset: %v", err))
	}
	return r
}

// Open loads the named version from source and makes it current.
func Open(ctx context.Context, source domain.ChartSource, version string) (*Registry, error) {
	ds, err := loadFrom(ctx, source, version)
	if err != nil {
		return nil, err
	}
	return NewRegistry(ds, source), nil
}

func loadFrom(ctx context.Context, source domain.ChartSource, version string) (*Dataset, error) {
	data, err := source.ChartDocument(ctx, version)
	if err != nil {
		return nil, err
	}
	ds, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("load dataset %s: %w", version, err)
	}
	if ds.Version != version {
		return nil, fmt.Errorf("load dataset %s: %w: document declares version %q",
			version, domain.ErrMalformedChart, ds.Version)
	}
	return ds, nil
}

// Current returns the current dataset.
func (r *Registry) Current() *Dataset {
	return r.snap.Load().current
}

// Validate checks an account against the current dataset.
func (r *Registry) Validate(number, region string) bool {
	return r.Current().Validate(number, region)
}

// Get returns an account from the current dataset.
func (r *Registry) Get(number string) (Account, bool) {
	return r.Current().Account(number)
}

// Dataset returns the named version, loading it from the source on first use.
func (r *Registry) Dataset(ctx context.Context, version string) (*Dataset, error) {
	if ds, ok := r.snap.Load().versions[version]; ok {
		return ds, nil
	}
	if r.source == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrDatasetNotFound, version)
	}

	r.loadMu.Lock()
	defer r.loadMu.Unlock()
	if ds, ok := r.snap.Load().versions[version]; ok {
		return ds, nil
	}
	ds, err := loadFrom(ctx, r.source, version)
	if err != nil {
		return nil, err
	}
	r.publish(ds, false)
	log.Printf("[bas] loaded dataset %s (%d accounts)", ds.Version, ds.Len())
	return ds, nil
}

// Add makes a dataset available by version without changing the current one.
func (r *Registry) Add(ds *Dataset) {
	r.loadMu.Lock()
	defer r.loadMu.Unlock()
	r.publish(ds, false)
}

// Swap replaces the current dataset. In-flight readers keep the snapshot they
// already hold.
func (r *Registry) Swap(ds *Dataset) {
	r.loadMu.Lock()
	defer r.loadMu.Unlock()
	r.publish(ds, true)
	log.Printf("[bas] current dataset is now %s", ds.Version)
}

// publish must be called with loadMu held.
func (r *Registry) publish(ds *Dataset, makeCurrent bool) {
	old := r.snap.Load()
	next := &snapshot{
		current:  old.current,
		versions: make(map[string]*Dataset, len(old.versions)+1),
	}
	for k, v := range old.versions {
		next.versions[k] = v
	}
	next.versions[ds.Version] = ds
	if makeCurrent {
		next.current = ds
	}
	r.snap.Store(next)
}

// Versions lists the versions loaded so far.
func (r *Registry) Versions() []string {
	snap := r.snap.Load()
	out := make([]string, 0, len(snap.versions))
	for v := range snap.versions {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
