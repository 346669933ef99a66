package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "steward.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Router.Address != ":8080" {
		t.Errorf("address = %q, want :8080", cfg.Router.Address)
	}
	if !strings.HasPrefix(cfg.Router.ID, "router-") {
		t.Errorf("id = %q, want generated router-<uuid>", cfg.Router.ID)
	}
	if got := cfg.Cluster.OfferHelpInterval(); got != 100*time.Millisecond {
		t.Errorf("offer help interval = %v, want 100ms", got)
	}
	if got := cfg.Blacklist.BackoffBase(); got != 10*time.Second {
		t.Errorf("backoff base = %v, want 10s", got)
	}
	if got := cfg.Blacklist.MaxBlacklistTime(); got != 5*time.Minute {
		t.Errorf("max blacklist = %v, want 5m", got)
	}
	if cfg.Services.DefaultMaxQueueLength != 100 {
		t.Errorf("default max queue length = %d, want 100", cfg.Services.DefaultMaxQueueLength)
	}
	if cfg.Scheduler.SyncerInterval() != 5*time.Second {
		t.Errorf("syncer interval = %v, want 5s", cfg.Scheduler.SyncerInterval())
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
router:
  id: router-east-1
  address: ":9090"
cluster:
  peers:
    - id: router-east-2
      url: ws://peer:8080/cluster/offers
  offer_help_interval_ms: 250
blacklist:
  backoff_base_time_ms: 500
  max_blacklist_time_ms: 60000
  blacklist_in_use: true
services:
  default_concurrency_level: 4
logging:
  level: debug
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Router.ID != "router-east-1" || cfg.Router.Address != ":9090" {
		t.Errorf("router = %+v", cfg.Router)
	}
	if len(cfg.Cluster.Peers) != 1 || cfg.Cluster.Peers[0].ID != "router-east-2" {
		t.Errorf("peers = %+v", cfg.Cluster.Peers)
	}
	if cfg.Cluster.OfferHelpInterval() != 250*time.Millisecond {
		t.Errorf("offer help interval = %v", cfg.Cluster.OfferHelpInterval())
	}
	// Untouched sections keep their defaults.
	if cfg.Cluster.ReserveTimeout() != time.Second {
		t.Errorf("reserve timeout = %v, want default 1s", cfg.Cluster.ReserveTimeout())
	}
	if !cfg.Blacklist.BlacklistInUse {
		t.Error("blacklist_in_use not applied")
	}
	if cfg.Services.DefaultConcurrencyLevel != 4 {
		t.Errorf("concurrency level = %d", cfg.Services.DefaultConcurrencyLevel)
	}
	if cfg.Services.DefaultMaxQueueLength != 100 {
		t.Errorf("max queue length = %d, want default 100", cfg.Services.DefaultMaxQueueLength)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
router:
  address: ":9090"
`)
	t.Setenv("STEWARD_ROUTER_ADDRESS", ":7070")
	t.Setenv("STEWARD_ROUTER_ID", "router-env")
	t.Setenv("STEWARD_ETCD_ENDPOINTS", "etcd-1:2379,etcd-2:2379")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Router.Address != ":7070" {
		t.Errorf("address = %q, want env override :7070", cfg.Router.Address)
	}
	if cfg.Router.ID != "router-env" {
		t.Errorf("id = %q, want router-env", cfg.Router.ID)
	}
	if len(cfg.Store.Etcd.Endpoints) != 2 || cfg.Store.Etcd.Endpoints[0] != "etcd-1:2379" {
		t.Errorf("etcd endpoints = %v", cfg.Store.Etcd.Endpoints)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("Load should fail for a missing file")
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"bad log level", "logging:\n  level: loud\n"},
		{"zero offer interval", "cluster:\n  offer_help_interval_ms: -5\n"},
		{"cap below base", "blacklist:\n  backoff_base_time_ms: 60000\n  max_blacklist_time_ms: 1000\n"},
		{"peer missing url", "cluster:\n  peers:\n    - id: router-2\n"},
		{"zero queue length", "services:\n  default_max_queue_length: -1\n"},
	}
	for _, tt := range tests {
		path := writeConfig(t, tt.yaml)
		if _, err := Load(path); err == nil {
			t.Errorf("%s: Load should fail", tt.name)
		}
	}
}

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger(LoggingConfig{Level: "debug", Development: true})
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	logger.Debug("configured")

	if _, err := NewLogger(LoggingConfig{Level: "shouting"}); err == nil {
		t.Error("NewLogger should reject an unknown level")
	}
}
