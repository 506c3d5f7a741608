package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "timeboxd.yaml"), []byte(body), 0o600))
}

func TestInitializeAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `
store:
  backend: other
  host: localhost
  database: timeboxd
models:
  default:
    provider: anthropic
    model: claude-haiku
    api_key_env: ANTHROPIC_API_KEY
`)

	cfg, err := Initialize(dir)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Patcher.MaxAttempts)
	assert.Equal(t, 10, cfg.Reconcile.FuzzyToleranceMinutes)
	assert.Equal(t, "tb0", cfg.Calendar.OwnedIDPrefix)
	assert.Equal(t, 2, cfg.Concurrency.ConstraintExtraction)
	assert.Equal(t, 24*time.Hour, cfg.Retention.SessionIdleTTL)
	assert.Equal(t, 15*time.Minute, cfg.Retention.SweepInterval)
}

func TestInitializeMissingFile(t *testing.T) {
	dir := t.TempDir()
	_, err := Initialize(dir)
	require.ErrorIs(t, err, ErrConfigNotFound)
}

func TestInitializeRejectsMissingDefaultModel(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `
store:
  backend: other
  host: localhost
  database: timeboxd
`)
	_, err := Initialize(dir)
	require.Error(t, err)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("TB_TEST_HOST", "db.internal")
	out := ExpandEnv([]byte("host: ${TB_TEST_HOST}"))
	assert.Equal(t, "host: db.internal", string(out))
}
