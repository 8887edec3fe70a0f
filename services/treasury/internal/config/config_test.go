package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/accordsai/spendlane/pkg/domain"
	"github.com/accordsai/spendlane/services/treasury/internal/roles"
)

const sampleTOML = `
service_port = "9090"
log_level = "debug"

[instance]
deployment_id = "spend-eu-1"
network_id = "prod"
project_budget = 250000
reveal_window = "45m"
abandon_timeout = "240h"
pipeline = ["committee", "additional_committee", "director"]
trusted_relayers = ["gateway"]

[instance.roles]
ADMIN = ["ops"]
requester = ["alice"]
COMMITTEE = ["c1", "c2", "c3"]
DIRECTOR = ["dir"]

[instance.limits]
max_receivers = 10
min_total = 1
max_total = 5000
max_description = 200
max_document_hash = 64
max_active = 20
max_active_per_requester = 5

[ledger]
base_url = "http://ledger.internal"
breaker_failures = 3

[[tokens]]
sha256 = "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08"
principal = "alice"

[[tokens]]
sha256 = "60303ae22b998861bce3b28f33eec1be758a213c86c93c076dbe9f558c11c752"
principal = "relay-svc"
relayer = true
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "spendlane.toml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoadFileAndEnv(t *testing.T) {
	t.Setenv("SERVICE_PORT", "7000")
	t.Setenv("NATS_URL", "nats://bus:4222")
	cfg, err := Load(writeConfig(t, sampleTOML))
	require.NoError(t, err)

	assert.Equal(t, "7000", cfg.ServicePort, "env wins over the file")
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "nats://bus:4222", cfg.NATS.URL)
	assert.Equal(t, "spendlane.audit", cfg.NATS.Subject)
	assert.Equal(t, 45*time.Minute, cfg.Instance.RevealWindow.Duration)
	assert.Equal(t, uint32(3), cfg.Ledger.BreakerFailures)
	assert.Equal(t, 30*time.Second, cfg.Ledger.BreakerTimeout.Duration, "unset keys keep defaults")

	wc, err := cfg.Workflow()
	require.NoError(t, err)
	assert.Equal(t, "spend-eu-1", wc.Domain.DeploymentID)
	assert.Equal(t, []domain.Level{domain.LevelCommittee, domain.LevelAdditionalCommittee, domain.LevelDirector}, []domain.Level(wc.Approval.Pipeline))
	assert.Equal(t, 240*time.Hour, wc.Approval.AbandonTimeout)
	assert.Equal(t, []string{"alice"}, wc.Roles[roles.Requester])
	assert.Equal(t, 10, wc.Limits.MaxReceivers)
	assert.ElementsMatch(t, []string{"gateway", "relay-svc"}, wc.TrustedRelayers)
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"missing domain": `
[instance.roles]
ADMIN = ["ops"]
[[tokens]]
sha256 = "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08"
principal = "ops"
`,
		"pipeline without director": `
[instance]
deployment_id = "d"
network_id = "n"
pipeline = ["secretary"]
[instance.roles]
ADMIN = ["ops"]
[[tokens]]
sha256 = "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08"
principal = "ops"
`,
		"unknown role": `
[instance]
deployment_id = "d"
network_id = "n"
[instance.roles]
ADMIN = ["ops"]
AUDITOR = ["x"]
[[tokens]]
sha256 = "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08"
principal = "ops"
`,
		"no admin": `
[instance]
deployment_id = "d"
network_id = "n"
[instance.roles]
REQUESTER = ["alice"]
[[tokens]]
sha256 = "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08"
principal = "alice"
`,
		"short token hash": `
[instance]
deployment_id = "d"
network_id = "n"
[instance.roles]
ADMIN = ["ops"]
[[tokens]]
sha256 = "abc"
principal = "ops"
`,
		"bad duration": `
[instance]
deployment_id = "d"
network_id = "n"
reveal_window = "soon"
`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	assert.Error(t, err)
}

func TestWebhookFromEnv(t *testing.T) {
	t.Setenv("AUDIT_WEBHOOK_URL", "https://hooks.example/audit")
	cfg, err := Load(writeConfig(t, sampleTOML))
	assert.ErrorContains(t, err, "webhook.secret")

	t.Setenv("AUDIT_WEBHOOK_SECRET", "whsec")
	cfg, err = Load(writeConfig(t, sampleTOML))
	require.NoError(t, err)
	assert.Equal(t, "https://hooks.example/audit", cfg.Webhook.URL)
	assert.Equal(t, "whsec", cfg.Webhook.Secret)
	assert.Equal(t, 10*time.Second, cfg.Webhook.Timeout.Duration)
}
