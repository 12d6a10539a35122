package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pullci.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen: ":9090"
mode: async
workers: 2
reload: true
reload_debounce: 250ms
upload:
  endpoint: minio:9000
  bucket: reports
log:
  level: debug
  format: json
`), 0o644))

	t.Setenv("PULLCI_WORKERS", "8")
	t.Setenv("DATABASE_URL", "postgres://a")
	t.Setenv("PULLCI_DATABASE_URL", "postgres://b")
	t.Setenv("PULLCI_UPLOAD_USE_SSL", "true")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Listen)
	assert.Equal(t, ModeAsync, cfg.Mode)
	assert.Equal(t, 8, cfg.Workers)
	assert.Equal(t, 64, cfg.Queue, "unset fields keep their defaults")
	assert.Equal(t, 250*time.Millisecond, cfg.ReloadDebounce)
	assert.Equal(t, "postgres://b", cfg.DatabaseURL)
	assert.Equal(t, "reports", cfg.Upload.Bucket)
	assert.True(t, cfg.Upload.UseSSL)
	require.NoError(t, cfg.Validate())
}

func TestApplyEnvRejectsBadNumbers(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(func(k string) (string, bool) {
		switch k {
		case "PULLCI_QUEUE":
			return "lots", true
		case "PULLCI_RELOAD":
			return "maybe", true
		}
		return "", false
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PULLCI_QUEUE")
	assert.Contains(t, err.Error(), "PULLCI_RELOAD")
}

func TestValidate(t *testing.T) {
	require.NoError(t, Default().Validate())

	cfg := Default()
	cfg.Mode = "parallel"
	cfg.Workers = 0
	cfg.Log.Level = "loud"
	cfg.Upload.Endpoint = "https://minio:9000"
	cfg.Ledger.Enabled = true
	cfg.Ledger.KeysDir = ""
	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"mode must be", "workers", "log level", "without scheme", "keys_dir"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	cfg := Default()
	cfg.Log = LogConfig{Level: "warn", Format: "json"}
	logger, err := cfg.NewLogger(&buf)
	require.NoError(t, err)

	logger.Info("hidden")
	logger.Warn("shown", "k", "v")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)
}
