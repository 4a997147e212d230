package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadResolvesEnvSecrets(t *testing.T) {
	t.Setenv("TEST_PAY_SECRET", "whsec_from_env")
	t.Setenv("TEST_PAY_KEY", "sk_from_env")
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := []byte(`
providers:
  - name: pay
    kind: payment
    webhookSecret: env:TEST_PAY_SECRET
    toleranceSec: 120
    apiBase: https://pay.example.com
    credentials:
      - id: c1
        secret: env:TEST_PAY_KEY
        rps: 10
        burst: 5
recon:
  maxPaymentAttempts: 5
  paymentFirstCreatesBooking: true
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Providers) != 1 {
		t.Fatalf("providers = %+v", cfg.Providers)
	}
	p := cfg.Providers[0]
	if p.WebhookSecret != "whsec_from_env" || p.Credentials[0].Secret != "sk_from_env" {
		t.Fatalf("secrets not resolved: %+v", p)
	}
	if p.ToleranceSec != 120 || !cfg.Recon.PaymentFirstCreatesBooking || cfg.Recon.MaxPaymentAttempts != 5 {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestLoadMissingSecretEnvFails(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := []byte("providers:\n  - name: pay\n    kind: payment\n    webhookSecret: env:DOES_NOT_EXIST_XYZ\n")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("want error for unset secret env")
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("want error for missing file")
	}
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load defaults: %v", err)
	}
	if cfg.Recon.MaxPaymentAttempts != 3 || len(cfg.Providers) != 2 {
		t.Fatalf("defaults = %+v", cfg)
	}
}
