package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("EVMX_TEST_HOST", "db.internal")

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"set variable", "host: ${EVMX_TEST_HOST:localhost}", "host: db.internal"},
		{"default value", "port: ${EVMX_TEST_UNSET:5432}", "port: 5432"},
		{"empty default", "password: ${EVMX_TEST_UNSET}", "password: "},
		{"no variables", "plain: value", "plain: value"},
		{"unterminated", "broken: ${EVMX_TEST_HOST", "broken: ${EVMX_TEST_HOST"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, expandEnvVars(tt.input))
		})
	}
}

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte("service:\n  name: gateway\n"))
	require.NoError(t, err)

	assert.Equal(t, "gateway", cfg.Service.Name)
	assert.Equal(t, 31, cfg.Monitor.RealignThreshold)
	assert.Equal(t, 32, cfg.Confirmation.BlockTimeSample)
	assert.Equal(t, 16*time.Second, cfg.Confirmation.DefaultBlockTime)
	assert.Equal(t, 4*time.Second, cfg.Confirmation.Slack)
	assert.Equal(t, 300*time.Second, cfg.Confirmation.MaxBackoff)
	assert.Equal(t, 8, cfg.Dispatcher.BatchSize)
	assert.Equal(t, 16*time.Minute, cfg.Dispatcher.StaleAfter)
	assert.Equal(t, 4*time.Second, cfg.Dispatcher.MinAge)
	assert.Equal(t, 4, cfg.Notifier.BatchSize)
	assert.Equal(t, 1800*time.Second, cfg.Notifier.MaxBackoff)
	assert.Equal(t, int64(5), cfg.Ledger.GasReserveMultiplier)
	assert.Equal(t, 20*time.Millisecond, cfg.Lease.SpinInterval)
	assert.Equal(t, 10*time.Second, cfg.Lease.TTL)
	assert.Equal(t, []int64{97, 11155111}, cfg.Invoice.ContractChainIDs)
	assert.Equal(t, "gateway", cfg.Kafka.ClientID)
}

func TestLoadFile(t *testing.T) {
	t.Setenv("EVMX_TEST_SECRET", "s3cret")
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
security:
  secret_key: ${EVMX_TEST_SECRET:none}
monitor:
  realign_threshold: 63
dispatcher:
  stale_after: 5m
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", cfg.Security.SecretKey)
	assert.Equal(t, 63, cfg.Monitor.RealignThreshold)
	assert.Equal(t, 5*time.Minute, cfg.Dispatcher.StaleAfter)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestGeneration(t *testing.T) {
	before := Generation.Load()
	assert.Equal(t, before+1, BumpGeneration())
	assert.Equal(t, before+1, Generation.Load())
}
