package infra

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: ":9090"
policy:
  step_budget: 50
  enforcement: advisory
  rate_per_minute: 10
  sensitive_patterns:
    - "internal-id-\\d+"
  allowlist:
    example.com:
      read: true
      write: false
    "*.wiki.org":
      read: true
      write: true
      max_steps_per_hour: 20
    shop.test:
      read: true
      write: true
      requires_approval: true
audit:
  batch_size: 16
logger:
  level: debug
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, 50, cfg.Policy.StepBudget)
	assert.Equal(t, 10, cfg.Policy.RatePerMinute)
	assert.Equal(t, []string{`internal-id-\d+`}, cfg.Policy.SensitivePatterns)

	require.Contains(t, cfg.Policy.Allowlist, "example.com")
	assert.True(t, cfg.Policy.Allowlist["example.com"].Read)
	assert.False(t, cfg.Policy.Allowlist["example.com"].Write)

	require.Contains(t, cfg.Policy.Allowlist, "*.wiki.org")
	assert.Equal(t, 20, cfg.Policy.Allowlist["*.wiki.org"].MaxStepsPerHour)

	assert.True(t, cfg.Policy.Allowlist["shop.test"].RequiresApproval)

	// Дефолты доживают до незаполненных секций
	assert.Equal(t, 400, cfg.Policy.RatePerHour)
	assert.Equal(t, 16, cfg.Audit.BatchSize)
	assert.Equal(t, 3*time.Second, cfg.Audit.FlushInterval)
	assert.Equal(t, "debug", cfg.Logger.Level)
	assert.Equal(t, "json", cfg.Logger.Encoding)
}

func TestInvalidEnforcementRejected(t *testing.T) {
	path := writeConfig(t, `
policy:
  enforcement: yolo
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "enforcement")
}

func TestBlockingRequiresSecret(t *testing.T) {
	path := writeConfig(t, `
policy:
  enforcement: blocking
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "jwt_secret")
}

func TestPostgresRequiresDSN(t *testing.T) {
	path := writeConfig(t, `
postgres:
  enabled: true
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dsn")
}
