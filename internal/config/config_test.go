package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Netflix/go-env"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func unmarshal(t *testing.T, vars map[string]string) *Config {
	t.Helper()
	c := &Config{}
	require.NoError(t, env.Unmarshal(env.EnvSet(vars), c))
	return c
}

func TestConfig_Defaults(t *testing.T) {
	c := unmarshal(t, map[string]string{})

	assert.Equal(t, "smtp", c.Transport)
	assert.Equal(t, 587, c.SmtpPort)
	assert.Equal(t, 5*time.Minute, c.RetryCheckInterval)
	assert.Equal(t, 3, c.RetryMaxAttempts)
	assert.Equal(t, 5*time.Minute, c.RetryDelay)
	assert.Equal(t, 50, c.RetryBatchSize)
	assert.Equal(t, 2*time.Second, c.RetryPause)
	assert.Equal(t, 30*24*time.Hour, c.Retention)
	assert.Equal(t, 24*time.Hour, c.CleanupInterval)
	assert.Equal(t, 100, c.MaxRecipients)
	assert.Equal(t, 1048576, c.MaxRequestBodyBytes)
	assert.Equal(t, 24*time.Hour, c.PayloadBan)
	assert.Equal(t, 2*time.Hour, c.ScannerBan)
	assert.Equal(t, 6*time.Hour, c.AbnormalBan)
}

func TestConfig_Overrides(t *testing.T) {
	c := unmarshal(t, map[string]string{
		"NOTIFYHUB_TRANSPORT":            "relay",
		"NOTIFYHUB_RETRY_MAX_ATTEMPTS":   "5",
		"NOTIFYHUB_RETRY_CHECK_INTERVAL": "30s",
		"NOTIFYHUB_SMTP_USESSL":          "true",
	})

	assert.Equal(t, "relay", c.Transport)
	assert.Equal(t, 5, c.RetryMaxAttempts)
	assert.Equal(t, 30*time.Second, c.RetryCheckInterval)
	assert.True(t, c.SmtpUseSSL)
}

func TestConfig_Validate(t *testing.T) {
	t.Run("smtp requires host and sender", func(t *testing.T) {
		c := unmarshal(t, map[string]string{})
		err := c.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "NOTIFYHUB_SMTP_HOST")
		assert.Contains(t, err.Error(), "NOTIFYHUB_SMTP_FROMEMAIL")
	})

	t.Run("complete smtp config", func(t *testing.T) {
		c := unmarshal(t, map[string]string{
			"NOTIFYHUB_SMTP_HOST":      "smtp.example.com",
			"NOTIFYHUB_SMTP_FROMEMAIL": "noreply@example.com",
		})
		assert.NoError(t, c.Validate())
	})

	t.Run("relay uses default url", func(t *testing.T) {
		c := unmarshal(t, map[string]string{"NOTIFYHUB_TRANSPORT": "relay"})
		assert.NoError(t, c.Validate())
	})

	t.Run("unknown transport", func(t *testing.T) {
		c := unmarshal(t, map[string]string{"NOTIFYHUB_TRANSPORT": "pigeon"})
		err := c.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "pigeon")
	})

	t.Run("non positive interval", func(t *testing.T) {
		c := unmarshal(t, map[string]string{
			"NOTIFYHUB_TRANSPORT":            "relay",
			"NOTIFYHUB_RETRY_CHECK_INTERVAL": "0s",
		})
		assert.Error(t, c.Validate())
	})
}

func TestArgEnvPath(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "test.env")
	require.NoError(t, os.WriteFile(p, []byte("APP_ENV=test\n"), 0o600))

	assert.Equal(t, p, ArgEnvPath([]string{"api", "--env=" + p}))
	assert.Equal(t, "", ArgEnvPath([]string{"api", "--env=" + filepath.Join(dir, "missing.env")}))
	assert.Equal(t, "", ArgEnvPath([]string{"api"}))
}

func TestGet_PanicsWhenNotLoaded(t *testing.T) {
	prev := config
	defer func() { config = prev }()
	config = nil

	assert.Panics(t, func() { Get() })
}
