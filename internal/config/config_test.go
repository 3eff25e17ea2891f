package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"fireline/internal/config"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := config.Default()
	require.NoError(t, cfg.Validate())
	require.Equal(t, 60*time.Second, cfg.Agent.InitialDelay)
	require.Equal(t, 13*time.Second, cfg.Agent.Debounce)
	require.Equal(t, 3, cfg.Dispatch.MaxAttempts)
	require.Equal(t, []string{"channel", "thread"}, cfg.Context.Whitelist)
}

func TestFromYAMLOverlaysDefaults(t *testing.T) {
	cfg, err := config.FromYAML([]byte("agent:\n  debounce: 5s\nhost:\n  workers: 8\n"))
	require.NoError(t, err)
	require.Equal(t, 5*time.Second, cfg.Agent.Debounce)
	require.Equal(t, 60*time.Second, cfg.Agent.InitialDelay)
	require.Equal(t, 8, cfg.Host.Workers)
}

func TestValidateRejectsBadValues(t *testing.T) {
	_, err := config.FromYAML([]byte("dispatch:\n  max_attempts: 0\n"))
	require.ErrorContains(t, err, "max_attempts")

	_, err = config.FromYAML([]byte("log:\n  encoding: xml\n"))
	require.ErrorContains(t, err, "encoding")

	_, err = config.FromYAML([]byte("context:\n  whitelist: [channel, \" \"]\n"))
	require.ErrorContains(t, err, "whitelist")
}

func TestLoadReadsWorkspaceAndEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(config.Path(dir), []byte("dispatch:\n  webhook:\n    url: http://hooks.local\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("FIRELINE_LLM_API_KEY=from-dotenv\n"), 0o644))
	t.Setenv("FIRELINE_WEBHOOK_SECRET", "s3cret")
	t.Setenv("FIRELINE_LLM_API_KEY", "")
	os.Unsetenv("FIRELINE_LLM_API_KEY")

	cfg, err := config.Load(dir)
	require.NoError(t, err)
	require.Equal(t, "http://hooks.local", cfg.Dispatch.Webhook.URL)
	require.Equal(t, "s3cret", cfg.Dispatch.Webhook.Secret)
	require.Equal(t, "from-dotenv", cfg.LLM.APIKey)

	out, err := cfg.Marshal()
	require.NoError(t, err)
	require.NotContains(t, string(out), "s3cret")
	require.NotContains(t, string(out), "from-dotenv")
}

func TestLoadRejectsBadEnvInt(t *testing.T) {
	t.Setenv("FIRELINE_WORKERS", "many")
	_, err := config.Load(t.TempDir())
	require.ErrorContains(t, err, "FIRELINE_WORKERS")
}
