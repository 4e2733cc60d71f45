package daemon

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ledgerflow/autobook/internal/bas"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.API.Host != "127.0.0.1" {
		t.Errorf("API.Host = %q, want %q", cfg.API.Host, "127.0.0.1")
	}
	if cfg.API.Port != 8088 {
		t.Errorf("API.Port = %d, want %d", cfg.API.Port, 8088)
	}
	if cfg.Policies.Source != PolicySourceEmbedded {
		t.Errorf("Policies.Source = %q, want embedded", cfg.Policies.Source)
	}
	if cfg.BAS.DefaultVersion != bas.Version2025v1 {
		t.Errorf("BAS.DefaultVersion = %q", cfg.BAS.DefaultVersion)
	}
	if cfg.Engine.Region != "SE" {
		t.Errorf("Engine.Region = %q, want SE", cfg.Engine.Region)
	}
	if cfg.Engine.AmountConfidence != 0.9 {
		t.Errorf("Engine.AmountConfidence = %v, want 0.9", cfg.Engine.AmountConfidence)
	}
	if cfg.Booking.AutoBook {
		t.Error("Booking.AutoBook should be false by default (opt-in)")
	}
	if !cfg.Metrics.Enabled {
		t.Error("Metrics.Enabled should be true by default")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults do not validate: %v", err)
	}
}

func TestLoadConfig_MissingFileGivesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.API.Port != DefaultConfig().API.Port {
		t.Errorf("API.Port = %d", cfg.API.Port)
	}
}

func TestLoadConfig_Overlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	body := `
[api]
port = 9090

[engine]
high_value_threshold = "25000"

[booking]
auto_book = true
company_id = "acme"

[[bas.schedule]]
from = "2026-01-01"
version = "2026_v1.0"
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.API.Port != 9090 || cfg.API.Host != "127.0.0.1" {
		t.Errorf("API = %+v", cfg.API)
	}
	if !cfg.Booking.AutoBook || cfg.Booking.CompanyID != "acme" || cfg.Booking.MaxConcurrent != 4 {
		t.Errorf("Booking = %+v", cfg.Booking)
	}
	hv, err := cfg.HighValue()
	if err != nil || hv.String() != "25000" {
		t.Errorf("HighValue() = %s, %v", hv, err)
	}
	sched, err := cfg.Schedule()
	if err != nil {
		t.Fatal(err)
	}
	if len(sched) != 1 || sched[0].Version != "2026_v1.0" || sched[0].From.String() != "2026-01-01" {
		t.Errorf("Schedule() = %+v", sched)
	}
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"syntax", "[api\nport = 1", "load config"},
		{"port", "[api]\nport = 70000", "api.port"},
		{"source", "[policies]\nsource = \"s3\"", "policies.source"},
		{"dir without path", "[policies]\nsource = \"dir\"", "policies.dir"},
		{"threshold", "[engine]\nhigh_value_threshold = \"lots\"", "high_value_threshold"},
		{"negative threshold", "[engine]\nhigh_value_threshold = \"-1\"", "negative"},
		{"confidence", "[engine]\namount_confidence = 1.5", "amount_confidence"},
		{"schedule date", "[[bas.schedule]]\nfrom = \"July\"\nversion = \"x\"", "bas.schedule[0].from"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.toml")
			if err := os.WriteFile(path, []byte(tt.body), 0o644); err != nil {
				t.Fatal(err)
			}
			_, err := LoadConfig(path)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("LoadConfig() error = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	cfg := DefaultConfig()
	cfg.Booking.CompanyID = "acme"
	if err := cfg.Save(path); err != nil {
		t.Fatal(err)
	}
	got, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if got.Booking.CompanyID != "acme" || len(got.BAS.Schedule) != 1 {
		t.Errorf("round trip = %+v", got)
	}
}

func TestAddrAndDataDir(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Addr() != "127.0.0.1:8088" {
		t.Errorf("Addr() = %q", cfg.Addr())
	}
	if strings.HasPrefix(cfg.DataDir(), "~") {
		t.Errorf("DataDir() = %q, ~ not expanded", cfg.DataDir())
	}
	cfg.Storage.DataDir = "/var/lib/autobook"
	if cfg.DataDir() != "/var/lib/autobook" {
		t.Errorf("DataDir() = %q", cfg.DataDir())
	}
}

func TestHome(t *testing.T) {
	t.Setenv("AUTOBOOK_HOME", "/tmp/ab")
	if Home() != "/tmp/ab" || DefaultPath() != "/tmp/ab/config.toml" {
		t.Errorf("Home() = %q, DefaultPath() = %q", Home(), DefaultPath())
	}
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		input string
		want  time.Duration
	}{
		{"30s", 30 * time.Second},
		{"2m", 2 * time.Minute},
		{"", time.Minute},
		{"soon", time.Minute},
		{"-5s", time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := parseDuration(tt.input, time.Minute); got != tt.want {
				t.Errorf("parseDuration(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}
