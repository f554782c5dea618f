package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	if cfg.HTTPPort != 8000 {
		t.Errorf("expected port 8000, got %d", cfg.HTTPPort)
	}
	if cfg.LeaseTTL != 5*time.Minute {
		t.Errorf("expected 5m lease ttl, got %v", cfg.LeaseTTL)
	}
	if cfg.RedisAddr != "" {
		t.Errorf("fan-out should be off by default, got %q", cfg.RedisAddr)
	}
	if cfg.Addr() != ":8000" {
		t.Errorf("unexpected addr %q", cfg.Addr())
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("HTTP_PORT", "9100")
	t.Setenv("NODE_ID", "dispatcher-2")
	t.Setenv("LEASE_TTL", "120")

	cfg := Load()
	if cfg.HTTPPort != 9100 || cfg.NodeID != "dispatcher-2" {
		t.Errorf("env not applied: %+v", cfg)
	}
	if cfg.LeaseTTL != 2*time.Minute {
		t.Errorf("expected 2m lease ttl, got %v", cfg.LeaseTTL)
	}
}

func TestApplyFileOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := "node_id: from-file\nhttp_port: 9200\nsweep_interval_seconds: 10\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg := Load()
	original := cfg.LeaseTTL
	if err := cfg.ApplyFile(path); err != nil {
		t.Fatalf("apply file: %v", err)
	}

	if cfg.NodeID != "from-file" || cfg.HTTPPort != 9200 {
		t.Errorf("file not applied: %+v", cfg)
	}
	if cfg.SweepInterval != 10*time.Second {
		t.Errorf("expected 10s sweep interval, got %v", cfg.SweepInterval)
	}
	if cfg.LeaseTTL != original {
		t.Errorf("unset file field overwrote lease ttl: %v", cfg.LeaseTTL)
	}
}

func TestApplyFileErrors(t *testing.T) {
	cfg := Load()
	if err := cfg.ApplyFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}

	path := filepath.Join(t.TempDir(), "bad.yaml")
	os.WriteFile(path, []byte("{not yaml"), 0644)
	if err := cfg.ApplyFile(path); err == nil {
		t.Error("expected error for malformed yaml")
	}
}
