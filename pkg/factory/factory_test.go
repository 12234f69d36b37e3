package factory

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte("ami:\n  servers:\n    - address: 10.0.0.5:5038\n      username: rater\n"))
	require.NoError(t, err)

	assert.Equal(t, "pbx-1", cfg.Ami.Servers[0].Name)
	assert.Equal(t, "call,cdr", cfg.Ami.EventMask)
	assert.Equal(t, 10, cfg.Ami.DialTimeoutSec)
	assert.Equal(t, 30, cfg.Ami.ReadTimeoutSec)
	assert.Equal(t, 3600, cfg.Tracker.HangupRetentionSec)
	assert.Equal(t, 4, cfg.Rating.Workers)
	assert.Equal(t, 1000, cfg.Tenant.BatchSize)
	assert.Equal(t, 30, cfg.Invoice.DueDays)
	assert.Equal(t, "INV", cfg.Invoice.NumberPrefix)
	assert.Equal(t, "UTC", cfg.Invoice.Location)
	assert.Equal(t, "memory", cfg.Storage.Driver)
	assert.Equal(t, "0.0.0.0:8090", cfg.HTTP.ListenAddr)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, int64(500), cfg.Ami.ReconnectInitial().Milliseconds())
}

func TestParseExpandsEnvironment(t *testing.T) {
	t.Setenv("CALLRATER_TEST_SECRET", "hunter2")
	cfg, err := Parse([]byte("ami:\n  servers:\n    - name: pbx-a\n      address: 10.0.0.5:5038\n      username: rater\n      secret: ${CALLRATER_TEST_SECRET}\n"))
	require.NoError(t, err)
	assert.Equal(t, "hunter2", cfg.Ami.Servers[0].Secret)
}

func TestParseRejectsInvalidConfig(t *testing.T) {
	cases := map[string]string{
		"duplicate server": "ami:\n  servers:\n    - {name: a, address: '1.2.3.4:5038', username: u}\n    - {name: a, address: '1.2.3.5:5038', username: u}\n",
		"bad address":      "ami:\n  servers:\n    - {name: a, address: 'nowhere', username: u}\n",
		"missing username": "ami:\n  servers:\n    - {name: a, address: '1.2.3.4:5038'}\n",
		"unknown location": "invoice:\n  location: Mars/Olympus\n",
		"bad webhook":      "invoice:\n  webhookUrl: 'not a url'\n",
		"unknown driver":   "storage:\n  driver: oracle\n",
		"missing dsn":      "storage:\n  driver: sqlite\n",
		"bad redis":        "redis:\n  enabled: true\n  address: 'redis'\n",
		"bad listen addr":  "http:\n  listenAddr: 'port 80'\n",
		"bad log level":    "logging:\n  level: chatty\n",
		"broken yaml":      "ami: [",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(raw))
			assert.Error(t, err)
		})
	}
}

func TestLoadReadsDotenvWithoutOverriding(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envPath, []byte("CALLRATER_TEST_PREFIX=BILL\nCALLRATER_TEST_LEVEL=debug\n"), 0o600))
	configPath := filepath.Join(dir, "callrater.yaml")
	require.NoError(t, os.WriteFile(configPath,
		[]byte("invoice:\n  numberPrefix: ${CALLRATER_TEST_PREFIX}\nlogging:\n  level: ${CALLRATER_TEST_LEVEL}\n"), 0o600))

	t.Setenv("CALLRATER_TEST_LEVEL", "warn")
	t.Cleanup(func() { _ = os.Unsetenv("CALLRATER_TEST_PREFIX") })

	cfg, err := (&DefaultLoader{EnvPath: envPath}).Load(configPath)
	require.NoError(t, err)
	assert.Equal(t, "BILL", cfg.Invoice.NumberPrefix)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := (&DefaultLoader{EnvPath: filepath.Join(t.TempDir(), "none")}).Load("/does/not/exist.yaml")
	assert.Error(t, err)
}

func TestShippedConfigParses(t *testing.T) {
	t.Setenv("AMI_PBX_A_SECRET", "secret")
	data, err := os.ReadFile(filepath.Join("..", "..", "config", "callrater.yaml"))
	require.NoError(t, err)

	cfg, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, "pbx-a", cfg.Ami.Servers[0].Name)
	assert.Equal(t, "Asia/Jakarta", cfg.Invoice.Location)
	assert.NotPanics(t, func() { Dump(cfg) })
}
