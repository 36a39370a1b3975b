package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalConf = `# written by the installer
BOT_TOKEN=123456:AAFsecret
METRICS_URL=http://127.0.0.1:9090/metrics
CONDUIT_ENV_PATH=/opt/easyconduit/state/conduit.env
STATE_DIR=/opt/easyconduit/state
`

func writeConf(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConf(t, "bot_runtime.conf", minimalConf))
	require.NoError(t, err)

	assert.Equal(t, "123456:AAFsecret", cfg.BotToken)
	assert.Equal(t, "http://127.0.0.1:9090/metrics", cfg.MetricsURL)
	assert.Equal(t, 60*time.Second, cfg.RefreshInterval)
	assert.Equal(t, 10*time.Second, cfg.MetricsTimeout)
	assert.Equal(t, 30*time.Second, cfg.ConfirmTTL)
	assert.Equal(t, 30, cfg.PollTimeout)
	assert.Equal(t, "auto", cfg.RenderTier)
	assert.Equal(t, "conduit.service", cfg.RelayUnit)
	assert.Equal(t, "/opt/easyconduit/state/bot_state.json", cfg.StatePath())
	assert.Equal(t, "/opt/easyconduit/state/bot_heartbeat", cfg.HeartbeatPath())
}

func TestLoadValuesFromFile(t *testing.T) {
	body := minimalConf + "OWNER_CHAT_ID=987654321\nREFRESH_INTERVAL=30s\nRENDER_TIER=fallback\nLOG_LEVEL=debug\n"
	cfg, err := Load(writeConf(t, "bot_runtime.conf", body))
	require.NoError(t, err)

	assert.Equal(t, int64(987654321), cfg.OwnerChatID)
	assert.Equal(t, 30*time.Second, cfg.RefreshInterval)
	assert.Equal(t, "fallback", cfg.RenderTier)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("EASYCONDUIT_REFRESH_INTERVAL", "15s")
	t.Setenv("EASYCONDUIT_BOT_TOKEN", "42:fromenv")

	cfg, err := Load(writeConf(t, "bot_runtime.conf", minimalConf))
	require.NoError(t, err)
	assert.Equal(t, 15*time.Second, cfg.RefreshInterval)
	assert.Equal(t, "42:fromenv", cfg.BotToken)
}

func TestLoadYAML(t *testing.T) {
	body := `bot_token: "1:abc"
metrics_url: "http://localhost:9090/metrics"
conduit_env_path: /tmp/conduit.env
state_dir: /tmp/state
confirm_ttl: 45s
`
	cfg, err := Load(writeConf(t, "bot.yaml", body))
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, cfg.ConfirmTTL)
	assert.Equal(t, "/tmp/state", cfg.StateDir)
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing token", "METRICS_URL=http://127.0.0.1:9090/metrics\nCONDUIT_ENV_PATH=/x\nSTATE_DIR=/y\n"},
		{"missing state dir", "BOT_TOKEN=1:a\nMETRICS_URL=http://127.0.0.1:9090/metrics\nCONDUIT_ENV_PATH=/x\n"},
		{"bad metrics url", "BOT_TOKEN=1:a\nMETRICS_URL=localhost\nCONDUIT_ENV_PATH=/x\nSTATE_DIR=/y\n"},
		{"bad render tier", minimalConf + "RENDER_TIER=fancy\n"},
		{"bad log level", minimalConf + "LOG_LEVEL=verbose\n"},
		{"zero interval", minimalConf + "REFRESH_INTERVAL=0s\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConf(t, "bot_runtime.conf", tt.body))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.conf"))
	assert.Error(t, err)
}

func TestRedacted(t *testing.T) {
	cfg := &Config{BotToken: "123456:AAFsecret", StateDir: "/s"}
	r := cfg.Redacted()
	assert.Equal(t, "123456:***", r.BotToken)
	assert.Equal(t, "123456:AAFsecret", cfg.BotToken, "original must be untouched")
	assert.Equal(t, "***", RedactToken("nocolon"))
	assert.Equal(t, "", RedactToken(""))
}

func TestDefaultPath(t *testing.T) {
	t.Setenv(PathEnv, "")
	assert.Equal(t, "/opt/easyconduit/state/bot_runtime.conf", DefaultPath())
	t.Setenv(PathEnv, "/etc/dashbot.conf")
	assert.Equal(t, "/etc/dashbot.conf", DefaultPath())
}
