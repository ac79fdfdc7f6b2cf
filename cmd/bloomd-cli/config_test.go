package main

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func parseConfig(t *testing.T, configFile string, arguments ...string) (*Config, error) {
	t.Helper()

	v := newViper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configure(v, fs)
	require.NoError(t, fs.Parse(arguments))

	return loadConfig(v, configFile)
}

func TestConfig_Defaults(t *testing.T) {
	cfg, err := parseConfig(t, "")
	require.NoError(t, err)

	assert.Equal(t, []string{"localhost"}, cfg.Servers)
	assert.Equal(t, 5*time.Second, cfg.Timeout)
	assert.Equal(t, 3, cfg.Attempts)
	assert.Equal(t, "WARN", cfg.Log.Level)
	assert.Equal(t, "", cfg.Log.File)
	assert.Equal(t, 64, cfg.Log.Rotate.MaxSize)
	assert.Equal(t, 30, cfg.Log.Rotate.MaxAge)
}

func TestConfig_Flags(t *testing.T) {
	cfg, err := parseConfig(t, "",
		"--servers=a,b:9000",
		"--timeout=250ms",
		"--attempts=5",
		"--log-level=debug",
		"--log-rotate-max-size=10",
		"--log-rotate-compress",
	)
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b:9000"}, cfg.Servers)
	assert.Equal(t, 250*time.Millisecond, cfg.Timeout)
	assert.Equal(t, 5, cfg.Attempts)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 10, cfg.Log.Rotate.MaxSize)
	assert.True(t, cfg.Log.Rotate.Compress)
}

func TestConfig_Env(t *testing.T) {
	t.Setenv("BLOOMD_SERVERS", "x,y:8674")
	t.Setenv("BLOOMD_ATTEMPTS", "7")
	t.Setenv("BLOOMD_LOG_LEVEL", "error")

	cfg, err := parseConfig(t, "")
	require.NoError(t, err)

	assert.Equal(t, []string{"x", "y:8674"}, cfg.Servers)
	assert.Equal(t, 7, cfg.Attempts)
	assert.Equal(t, "error", cfg.Log.Level)

	// Flags take precedence over the environment
	cfg, err = parseConfig(t, "", "--attempts=2")
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Attempts)
}

func TestConfig_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bloomd.yaml")
	err := os.WriteFile(path, []byte(`
servers:
  - bloomd-1:8673
  - bloomd-2:8673
timeout: 2s
log:
  level: info
  file: /var/log/bloomd-cli.log
  rotate:
    maxSize: 5
    maxBackups: 3
`), 0o600)
	require.NoError(t, err)

	cfg, err := parseConfig(t, path)
	require.NoError(t, err)

	assert.Equal(t, []string{"bloomd-1:8673", "bloomd-2:8673"}, cfg.Servers)
	assert.Equal(t, 2*time.Second, cfg.Timeout)
	assert.Equal(t, 3, cfg.Attempts)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "/var/log/bloomd-cli.log", cfg.Log.File)
	assert.Equal(t, 5, cfg.Log.Rotate.MaxSize)
	assert.Equal(t, 3, cfg.Log.Rotate.MaxBackups)

	// Flags take precedence over the file
	cfg, err = parseConfig(t, path, "--timeout=1s")
	require.NoError(t, err)
	assert.Equal(t, time.Second, cfg.Timeout)
}

func TestConfig_Invalid(t *testing.T) {
	_, err := parseConfig(t, filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorContains(t, err, "read configuration file")

	_, err = parseConfig(t, "", "--attempts=0")
	require.ErrorContains(t, err, "invalid attempts")

	_, err = parseConfig(t, "", "--timeout=-1s")
	require.ErrorContains(t, err, "invalid timeout")
}

func TestConfig_Client(t *testing.T) {
	cfg, err := parseConfig(t, "", "--servers=a,b:9000")
	require.NoError(t, err)

	logger, err := cfg.Log.Logger()
	require.NoError(t, err)

	client, err := cfg.Client(logger)
	require.NoError(t, err)
	defer client.Close()

	require.Equal(t, []string{"a:8673", "b:9000"}, client.Servers())
}

func TestLog_Logger(t *testing.T) {
	_, err := (&Log{Level: "loud"}).Logger()
	require.ErrorContains(t, err, "parse log level")

	logger, err := (&Log{Level: "info"}).Logger()
	require.NoError(t, err)
	require.True(t, logger.Core().Enabled(zapcore.InfoLevel))
	require.False(t, logger.Core().Enabled(zapcore.DebugLevel))
}

func TestLog_Rotation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cli.log")

	log := &Log{Level: "debug", File: path, Rotate: Rotate{MaxSize: 1, MaxBackups: 1}}
	logger, err := log.Logger()
	require.NoError(t, err)

	logger.Info("hello from the cli")
	require.NoError(t, logger.Sync())

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(content), "hello from the cli")
}
