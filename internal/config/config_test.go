package config

import (
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ESCROW_HOLD_MODE", "")
	t.Setenv("GATEWAY_TIMEOUT_MS", "")

	cfg := Load()
	if cfg.HoldMode != HoldModePaymentIntent {
		t.Errorf("expected default hold mode %q, got %q", HoldModePaymentIntent, cfg.HoldMode)
	}
	if cfg.GatewayTimeout != 10*time.Second {
		t.Errorf("expected 10s gateway timeout, got %s", cfg.GatewayTimeout)
	}
	if cfg.DefaultCurrency != "usd" {
		t.Errorf("expected usd default currency, got %s", cfg.DefaultCurrency)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("ESCROW_HOLD_MODE", "CHECKOUT")
	t.Setenv("SITE_URL", "https://market.example.com/")
	t.Setenv("SYNC_BATCH_SIZE", "not-a-number")
	t.Setenv("RELEASE_LOCK_TTL_SECONDS", "5")

	cfg := Load()
	if cfg.HoldMode != HoldModeCheckout {
		t.Errorf("expected checkout hold mode, got %q", cfg.HoldMode)
	}
	if cfg.SiteURL != "https://market.example.com" {
		t.Errorf("expected trailing slash trimmed, got %q", cfg.SiteURL)
	}
	if cfg.SyncBatchSize != 50 {
		t.Errorf("expected fallback batch size 50, got %d", cfg.SyncBatchSize)
	}
	if cfg.ReleaseLockTTL != 5*time.Second {
		t.Errorf("expected 5s lock ttl, got %s", cfg.ReleaseLockTTL)
	}
}

func TestValidateFixesUnknownHoldMode(t *testing.T) {
	cfg := &Config{HoldMode: "bogus", JWTSecret: "s"}
	cfg.Validate(zap.NewNop())
	if cfg.HoldMode != HoldModePaymentIntent {
		t.Errorf("expected hold mode reset to payment_intent, got %q", cfg.HoldMode)
	}
}
