package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "blecentral", cfg.SessionName)
	assert.Equal(t, 128, cfg.EventBuffer)
	assert.Equal(t, 10*time.Second, cfg.ScanDuration)
	assert.Equal(t, 30*time.Second, cfg.ConnectTimeout)
	assert.Equal(t, "goble", cfg.Driver)
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := "log_level: debug\ndriver: tinygo\nevent_buffer: 32\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "tinygo", cfg.Driver)
	assert.Equal(t, 32, cfg.EventBuffer)
	// Untouched fields keep their defaults.
	assert.Equal(t, "blecentral", cfg.SessionName)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoadMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log_level: [oops"), 0o644))

	_, err := Load(path)
	assert.ErrorContains(t, err, "failed to parse config file")
}

func TestNewLogger(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LogLevel = "warn"

	logger, err := cfg.NewLogger()
	require.NoError(t, err)
	assert.Equal(t, logrus.WarnLevel, logger.GetLevel())
}

func TestNewLoggerRejectsBadLevel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LogLevel = "loudest"

	_, err := cfg.NewLogger()
	assert.ErrorContains(t, err, "invalid log level")
}
