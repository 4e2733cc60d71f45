// Package daemon loads configuration and assembles the running service.
package daemon

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/shopspring/decimal"

	"github.com/ledgerflow/autobook/internal/bas"
	"github.com/ledgerflow/autobook/internal/domain"
	"github.com/ledgerflow/autobook/internal/rules"
)

// Policy sources.
const (
	PolicySourceEmbedded = "embedded"
	PolicySourceDir      = "dir"
	PolicySourceDB       = "db"
)

// Config is the on-disk configuration (~/.autobook/config.toml).
type Config struct {
	API      APIConfig      `toml:"api"`
	Storage  StorageConfig  `toml:"storage"`
	Policies PoliciesConfig `toml:"policies"`
	BAS      BASConfig      `toml:"bas"`
	Engine   EngineConfig   `toml:"engine"`
	Booking  BookingConfig  `toml:"booking"`
	Metrics  MetricsConfig  `toml:"metrics"`
}

// APIConfig configures the HTTP listener.
type APIConfig struct {
	Host    string `toml:"host"`
	Port    int    `toml:"port"`
	Timeout string `toml:"timeout"`
}

// StorageConfig locates the SQLite database.
type StorageConfig struct {
	DataDir string `toml:"data_dir"`
}

// PoliciesConfig selects where policy documents come from.
type PoliciesConfig struct {
	Source string `toml:"source"` // embedded, dir or db
	Dir    string `toml:"dir"`
}

// BASConfig selects chart versions.
type BASConfig struct {
	DefaultVersion string           `toml:"default_version"`
	DatasetDir     string           `toml:"dataset_dir"`
	Schedule       []ScheduleConfig `toml:"schedule"`
}

// ScheduleConfig switches to Version from the date From (YYYY-MM-DD).
type ScheduleConfig struct {
	From    string `toml:"from"`
	Version string `toml:"version"`
}

// EngineConfig tunes proposal decisions.
type EngineConfig struct {
	Region             string  `toml:"region"`
	AmountConfidence   float64 `toml:"amount_confidence"`
	HighValueThreshold string  `toml:"high_value_threshold"` // "0" disables
}

// BookingConfig configures the booking service.
type BookingConfig struct {
	CompanyID     string `toml:"company_id"`
	MaxConcurrent int    `toml:"max_concurrent"`
	Timeout       string `toml:"timeout"`
	AutoBook      bool   `toml:"auto_book"`
}

// MetricsConfig toggles /metrics and the span buffer.
type MetricsConfig struct {
	Enabled  bool `toml:"enabled"`
	Tracing  bool `toml:"tracing"`
	MaxSpans int  `toml:"max_spans"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		API:      APIConfig{Host: "127.0.0.1", Port: 8088, Timeout: "60s"},
		Storage:  StorageConfig{DataDir: "~/.autobook"},
		Policies: PoliciesConfig{Source: PolicySourceEmbedded},
		BAS: BASConfig{
			DefaultVersion: bas.Version2025v1,
			Schedule:       []ScheduleConfig{{From: "2025-07-01", Version: bas.Version2025v2}},
		},
		Engine: EngineConfig{
			Region:             bas.DefaultRegion,
			AmountConfidence:   rules.DefaultAmountConfidence,
			HighValueThreshold: "0",
		},
		Booking: BookingConfig{CompanyID: "default", MaxConcurrent: 4, Timeout: "30s"},
		Metrics: MetricsConfig{Enabled: true, Tracing: true, MaxSpans: 10_000},
	}
}

// Home returns the autobook home directory: $AUTOBOOK_HOME or ~/.autobook.
func Home() string {
	if h := os.Getenv("AUTOBOOK_HOME"); h != "" {
		return h
	}
	return expandHome("~/.autobook")
}

// DefaultPath is the config file looked up when none is given.
func DefaultPath() string {
	return filepath.Join(Home(), "config.toml")
}

// LoadConfig overlays the file at path onto DefaultConfig. A missing file
// yields the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("load config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes cfg to path, creating the directory.
func (c Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := toml.NewEncoder(f).Encode(c); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Validate checks values that would otherwise fail at startup.
func (c Config) Validate() error {
	if c.API.Port <= 0 || c.API.Port > 65535 {
		return fmt.Errorf("api.port %d out of range", c.API.Port)
	}
	switch c.Policies.Source {
	case PolicySourceEmbedded, PolicySourceDB:
	case PolicySourceDir:
		if c.Policies.Dir == "" {
			return errors.New("policies.dir is required when policies.source = \"dir\"")
		}
	default:
		return fmt.Errorf("policies.source %q must be embedded, dir or db", c.Policies.Source)
	}
	if c.Engine.AmountConfidence < 0 || c.Engine.AmountConfidence > 1 {
		return fmt.Errorf("engine.amount_confidence %.2f outside [0,1]", c.Engine.AmountConfidence)
	}
	if _, err := c.HighValue(); err != nil {
		return err
	}
	if _, err := c.Schedule(); err != nil {
		return err
	}
	return nil
}

// Addr returns the listen address.
func (c Config) Addr() string {
	return net.JoinHostPort(c.API.Host, strconv.Itoa(c.API.Port))
}

// DataDir returns the storage directory with ~ expanded.
func (c Config) DataDir() string {
	return expandHome(c.Storage.DataDir)
}

// HighValue parses engine.high_value_threshold. Empty means disabled.
func (c Config) HighValue() (decimal.Decimal, error) {
	if strings.TrimSpace(c.Engine.HighValueThreshold) == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(c.Engine.HighValueThreshold)
	if err != nil {
		return decimal.Zero, fmt.Errorf("engine.high_value_threshold: %w", err)
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("engine.high_value_threshold %s is negative", d)
	}
	return d, nil
}

// Schedule converts bas.schedule into engine schedule entries.
func (c Config) Schedule() ([]rules.ScheduleEntry, error) {
	out := make([]rules.ScheduleEntry, 0, len(c.BAS.Schedule))
	for i, s := range c.BAS.Schedule {
		d, err := domain.ParseDate(s.From)
		if err != nil {
			return nil, fmt.Errorf("bas.schedule[%d].from: %w", i, err)
		}
		if s.Version == "" {
			return nil, fmt.Errorf("bas.schedule[%d].version is required", i)
		}
		out = append(out, rules.ScheduleEntry{From: d, Version: s.Version})
	}
	return out, nil
}

// parseDuration parses s, falling back to def when s is empty or invalid.
func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func expandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}
