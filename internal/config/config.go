// Package config loads the engine's provider and policy configuration from a
// YAML file, with environment overrides for anything secret.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Credential is one outbound API credential for a provider. Secrets may be
// given inline or as "env:VAR_NAME" to pull from the environment.
type Credential struct {
	ID     string  `yaml:"id"`
	Secret string  `yaml:"secret"`
	RPS    float64 `yaml:"rps"`
	Burst  int     `yaml:"burst"`
}

// Provider is one external system the engine exchanges events with.
type Provider struct {
	Name          string       `yaml:"name"`
	Kind          string       `yaml:"kind"` // scheduling | payment
	WebhookSecret string       `yaml:"webhookSecret"`
	ToleranceSec  int          `yaml:"toleranceSec"`
	APIBase       string       `yaml:"apiBase"`
	Credentials   []Credential `yaml:"credentials"`
}

// Recon holds reconciliation policy knobs.
type Recon struct {
	MaxPaymentAttempts         int  `yaml:"maxPaymentAttempts"`
	PaymentFirstCreatesBooking bool `yaml:"paymentFirstCreatesBooking"`
}

type Config struct {
	Providers []Provider `yaml:"providers"`
	Recon     Recon      `yaml:"recon"`
	// CredentialCooldownSec is how long a rate-limited credential rests
	// before it re-enters rotation.
	CredentialCooldownSec int `yaml:"credentialCooldownSec"`
}

// Load reads path, resolves env: secret references, and applies defaults.
// An empty path loads CONFIG_FILE, falling back to built-in defaults when
// neither names a file.
func Load(path string) (Config, error) {
	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.applyDefaults()
	if err := cfg.resolveSecrets(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Recon.MaxPaymentAttempts == 0 {
		c.Recon.MaxPaymentAttempts = envInt("MAX_PAYMENT_ATTEMPTS", 3)
	}
	if c.CredentialCooldownSec == 0 {
		c.CredentialCooldownSec = envInt("CREDENTIAL_COOLDOWN_SEC", 60)
	}
	if len(c.Providers) == 0 {
		// Dev fallback: one provider of each kind, secrets from env.
		c.Providers = []Provider{
			{Name: "sched", Kind: "scheduling", WebhookSecret: os.Getenv("SCHED_WEBHOOK_SECRET"), APIBase: os.Getenv("SCHED_API_BASE")},
			{Name: "pay", Kind: "payment", WebhookSecret: os.Getenv("PAY_WEBHOOK_SECRET"), APIBase: os.Getenv("PAY_API_BASE")},
		}
	}
}

func (c *Config) resolveSecrets() error {
	for i := range c.Providers {
		p := &c.Providers[i]
		var err error
		if p.WebhookSecret, err = resolve(p.WebhookSecret); err != nil {
			return fmt.Errorf("provider %s: %w", p.Name, err)
		}
		for j := range p.Credentials {
			if p.Credentials[j].Secret, err = resolve(p.Credentials[j].Secret); err != nil {
				return fmt.Errorf("provider %s credential %s: %w", p.Name, p.Credentials[j].ID, err)
			}
		}
	}
	return nil
}

func resolve(v string) (string, error) {
	name, ok := strings.CutPrefix(v, "env:")
	if !ok {
		return v, nil
	}
	val := os.Getenv(name)
	if val == "" {
		return "", fmt.Errorf("secret env %s not set", name)
	}
	return val, nil
}

// CredentialCooldown returns the cooldown as a duration.
func (c Config) CredentialCooldown() time.Duration {
	return time.Duration(c.CredentialCooldownSec) * time.Second
}

func envInt(name string, def int) int {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
