package config_test

import (
	"testing"

	"github.com/tiankong-lab/multichat/backend/internal/config"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load err: %v", err)
	}

	if cfg.Server.Addr != ":8080" {
		t.Errorf("unexpected addr: %q", cfg.Server.Addr)
	}
	if cfg.Redis.Prefix != "multichat" {
		t.Errorf("unexpected redis prefix: %q", cfg.Redis.Prefix)
	}
	if cfg.Broker.TokenTTLMin > cfg.Broker.TokenTTLMax {
		t.Errorf("token ttl range inverted: %v > %v", cfg.Broker.TokenTTLMin, cfg.Broker.TokenTTLMax)
	}
	if cfg.Dispatch.PermitCapacity != 1 {
		t.Errorf("unexpected permit capacity: %d", cfg.Dispatch.PermitCapacity)
	}
	if cfg.Sweep.Prompt != "1+1=?" {
		t.Errorf("unexpected sweep prompt: %q", cfg.Sweep.Prompt)
	}
}

func TestLoadPortForms(t *testing.T) {
	t.Setenv("PORT", "9000")
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load err: %v", err)
	}
	if cfg.Server.Addr != ":9000" {
		t.Errorf("unexpected addr: %q", cfg.Server.Addr)
	}

	t.Setenv("PORT", "127.0.0.1:9000")
	cfg, err = config.Load()
	if err != nil {
		t.Fatalf("Load err: %v", err)
	}
	if cfg.Server.Addr != "127.0.0.1:9000" {
		t.Errorf("unexpected addr: %q", cfg.Server.Addr)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("BROKER_RETRY_BUDGET", "lots")
	if _, err := config.Load(); err == nil {
		t.Fatal("expected an error for a non-numeric retry budget")
	}
	t.Setenv("BROKER_RETRY_BUDGET", "")

	t.Setenv("DISPATCH_TRANSIENT_BACKOFF", "soon")
	if _, err := config.Load(); err == nil {
		t.Fatal("expected an error for a malformed duration")
	}
	t.Setenv("DISPATCH_TRANSIENT_BACKOFF", "")

	t.Setenv("BROKER_TOKEN_TTL_MIN", "8h")
	t.Setenv("BROKER_TOKEN_TTL_MAX", "6h")
	if _, err := config.Load(); err == nil {
		t.Fatal("expected an error for an inverted ttl range")
	}
}
