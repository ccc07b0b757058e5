package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTP.Addr == "" {
		t.Fatal("missing http addr default")
	}
	if cfg.Signing.KeyID == "" || cfg.Signing.Secret == "" {
		t.Fatalf("signing defaults = %+v", cfg.Signing)
	}
}

func TestSweeperInterval(t *testing.T) {
	interval, err := SweeperConfig{Schedule: "@every 30s"}.Interval()
	if err != nil {
		t.Fatalf("interval: %v", err)
	}
	if interval != 30*time.Second {
		t.Fatalf("interval = %s, want 30s", interval)
	}

	if _, err := (SweeperConfig{Schedule: "not a schedule"}).Interval(); err == nil {
		t.Fatal("expected error for malformed schedule")
	}
}
