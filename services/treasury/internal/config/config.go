// Package config loads the treasury service configuration from a TOML file
// and overlays the environment variables the service has always read.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/accordsai/spendlane/pkg/logging"
	"github.com/accordsai/spendlane/services/treasury/internal/approval"
	"github.com/accordsai/spendlane/services/treasury/internal/commitreveal"
	"github.com/accordsai/spendlane/services/treasury/internal/registry"
	"github.com/accordsai/spendlane/services/treasury/internal/roles"
	"github.com/accordsai/spendlane/services/treasury/internal/workflow"
)

// Duration accepts Go duration strings ("30m", "360h") in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) { return []byte(d.Duration.String()), nil }

type Config struct {
	ServicePort string `toml:"service_port"`
	LogLevel    string `toml:"log_level"`
	DatabaseURL string `toml:"database_url"`
	RedisURL    string `toml:"redis_url"`

	Instance InstanceConfig `toml:"instance"`
	Ledger   LedgerConfig   `toml:"ledger"`
	NATS     NATSConfig     `toml:"nats"`
	Webhook  WebhookConfig  `toml:"webhook"`
	HTTP     HTTPConfig     `toml:"http"`
	Tokens   []TokenConfig  `toml:"tokens"`
}

type InstanceConfig struct {
	DeploymentID    string              `toml:"deployment_id"`
	NetworkID       string              `toml:"network_id"`
	Treasury        string              `toml:"treasury"`
	ProjectBudget   uint64              `toml:"project_budget"`
	BudgetTimelock  Duration            `toml:"budget_timelock"`
	RevealWindow    Duration            `toml:"reveal_window"`
	MaxRevealDelay  Duration            `toml:"max_reveal_delay"`
	AbandonTimeout  Duration            `toml:"abandon_timeout"`
	PaymentWindow   Duration            `toml:"payment_window"`
	Pipeline        []string            `toml:"pipeline"`
	CommitteeQuorum int                 `toml:"committee_quorum"`
	TrustedRelayers []string            `toml:"trusted_relayers"`
	AuditRetention  int                 `toml:"audit_retention"`
	Roles           map[string][]string `toml:"roles"`
	Limits          *registry.Limits    `toml:"limits"`
}

type LedgerConfig struct {
	// BaseURL empty selects the in-process ledger.
	BaseURL         string   `toml:"base_url"`
	Token           string   `toml:"token"`
	BreakerFailures uint32   `toml:"breaker_failures"`
	BreakerTimeout  Duration `toml:"breaker_timeout"`
	Timeout         Duration `toml:"timeout"`
	// Seed mints into the treasury account of an in-process ledger at start.
	Seed uint64 `toml:"seed"`
}

type NATSConfig struct {
	URL     string `toml:"url"`
	Subject string `toml:"subject"`
}

// WebhookConfig enables signed audit delivery when URL is set.
type WebhookConfig struct {
	URL     string   `toml:"url"`
	Secret  string   `toml:"secret"`
	Timeout Duration `toml:"timeout"`
}

type HTTPConfig struct {
	RatePerSecond    float64  `toml:"rate_per_second"`
	Burst            int      `toml:"burst"`
	IdempotencyTTL   Duration `toml:"idempotency_ttl"`
	SnapshotInterval Duration `toml:"snapshot_interval"`
	ShutdownTimeout  Duration `toml:"shutdown_timeout"`
}

// TokenConfig maps a bearer token, stored as its sha256 hex digest, to the
// principal it authenticates.
type TokenConfig struct {
	SHA256    string `toml:"sha256"`
	Principal string `toml:"principal"`
	Relayer   bool   `toml:"relayer"`
}

func Default() Config {
	return Config{
		ServicePort: "8090",
		LogLevel:    "info",
		Instance: InstanceConfig{
			Treasury:       "treasury",
			RevealWindow:   Duration{commitreveal.DefaultRevealWindow},
			MaxRevealDelay: Duration{commitreveal.DefaultMaxRevealDelay},
			AbandonTimeout: Duration{approval.DefaultAbandonTimeout},
			PaymentWindow:  Duration{approval.DefaultPaymentWindow},
		},
		Ledger: LedgerConfig{
			BreakerFailures: 5,
			BreakerTimeout:  Duration{30 * time.Second},
			Timeout:         Duration{10 * time.Second},
		},
		NATS:    NATSConfig{Subject: "spendlane.audit"},
		Webhook: WebhookConfig{Timeout: Duration{10 * time.Second}},
		HTTP: HTTPConfig{
			RatePerSecond:    20,
			Burst:            40,
			SnapshotInterval: Duration{15 * time.Second},
			ShutdownTimeout:  Duration{10 * time.Second},
		},
	}
}

// Load reads path (or CONFIG_FILE when path is empty) over the defaults and
// then applies environment overrides. A missing file is not an error when no
// path was requested explicitly.
func Load(path string) (Config, error) {
	cfg := Default()
	explicit := path != ""
	if !explicit {
		path = strings.TrimSpace(os.Getenv("CONFIG_FILE"))
		explicit = path != ""
	}
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := toml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("config parse failed (%s): %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist) && !explicit:
		default:
			return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	set(&cfg.ServicePort, "SERVICE_PORT")
	set(&cfg.LogLevel, "LOG_LEVEL")
	set(&cfg.DatabaseURL, "DATABASE_URL")
	set(&cfg.RedisURL, "REDIS_URL")
	set(&cfg.NATS.URL, "NATS_URL")
	set(&cfg.Webhook.URL, "AUDIT_WEBHOOK_URL")
	set(&cfg.Webhook.Secret, "AUDIT_WEBHOOK_SECRET")
	set(&cfg.Ledger.BaseURL, "LEDGER_BASE_URL")
	set(&cfg.Ledger.Token, "LEDGER_TOKEN")
	set(&cfg.Instance.DeploymentID, "DEPLOYMENT_ID")
	set(&cfg.Instance.NetworkID, "NETWORK_ID")
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.ServicePort) == "" {
		return fmt.Errorf("config missing service_port")
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("config log_level: %w", err)
	}
	if _, err := c.Workflow(); err != nil {
		return fmt.Errorf("config instance: %w", err)
	}
	if c.HTTP.RatePerSecond < 0 || c.HTTP.Burst < 0 {
		return fmt.Errorf("config http rate must not be negative")
	}
	if strings.TrimSpace(c.Webhook.URL) != "" && c.Webhook.Secret == "" {
		return fmt.Errorf("config webhook.url needs webhook.secret")
	}
	if len(c.Tokens) == 0 {
		return fmt.Errorf("config needs at least one [[tokens]] entry")
	}
	for i, tk := range c.Tokens {
		if len(strings.TrimSpace(tk.SHA256)) != 64 || strings.TrimSpace(tk.Principal) == "" {
			return fmt.Errorf("tokens[%d] needs a 64-char sha256 and a principal", i)
		}
	}
	return nil
}

// Workflow converts the [instance] table into the workflow configuration.
func (c Config) Workflow() (workflow.Config, error) {
	ic := c.Instance
	dom := commitreveal.Domain{DeploymentID: ic.DeploymentID, NetworkID: ic.NetworkID}
	if err := dom.Validate(); err != nil {
		return workflow.Config{}, err
	}
	pipe, err := approval.ParsePipeline(ic.Pipeline)
	if err != nil {
		return workflow.Config{}, err
	}
	assigned := make(map[roles.Role][]string, len(ic.Roles))
	for tag, ids := range ic.Roles {
		r, err := roles.Parse(tag)
		if err != nil {
			return workflow.Config{}, err
		}
		assigned[r] = append(assigned[r], ids...)
	}
	if len(assigned[roles.Admin]) == 0 {
		return workflow.Config{}, fmt.Errorf("roles.ADMIN needs at least one member")
	}
	limits := registry.DefaultLimits()
	if ic.Limits != nil {
		limits = *ic.Limits
	}
	relayers := append([]string(nil), ic.TrustedRelayers...)
	for _, tk := range c.Tokens {
		if tk.Relayer {
			relayers = append(relayers, tk.Principal)
		}
	}
	return workflow.Config{
		Domain:         dom,
		Treasury:       ic.Treasury,
		ProjectBudget:  ic.ProjectBudget,
		BudgetTimelock: ic.BudgetTimelock.Duration,
		RevealWindow:   ic.RevealWindow.Duration,
		MaxRevealDelay: ic.MaxRevealDelay.Duration,
		Limits:         limits,
		Approval: approval.Config{
			Pipeline:       pipe,
			AbandonTimeout: ic.AbandonTimeout.Duration,
			PaymentWindow:  ic.PaymentWindow.Duration,
		},
		CommitteeQuorum: ic.CommitteeQuorum,
		TrustedRelayers: relayers,
		Roles:           assigned,
		AuditRetention:  ic.AuditRetention,
	}, nil
}
