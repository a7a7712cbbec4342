package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/enterprise/attestation-trust-engine/internal/config"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name      string
		cfg       config.LoggingConfig
		level     logrus.Level
		formatter logrus.Formatter
	}{
		{
			name:      "json to stdout",
			cfg:       config.LoggingConfig{Level: "debug", Format: "json", Output: "stdout"},
			level:     logrus.DebugLevel,
			formatter: &logrus.JSONFormatter{},
		},
		{
			name:      "text to stderr",
			cfg:       config.LoggingConfig{Level: "warn", Format: "text", Output: "stderr"},
			level:     logrus.WarnLevel,
			formatter: &logrus.TextFormatter{},
		},
		{
			name:      "unknown level falls back to info",
			cfg:       config.LoggingConfig{Level: "chatty"},
			level:     logrus.InfoLevel,
			formatter: &logrus.JSONFormatter{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := New(tt.cfg)
			assert.Equal(t, tt.level, l.GetLevel())
			assert.IsType(t, tt.formatter, l.Formatter)
		})
	}
}

func TestNewFileOutput(t *testing.T) {
	dir := t.TempDir()

	rotated := New(config.LoggingConfig{Output: filepath.Join(dir, "rotated.log"), FileRotation: true, MaxSize: 1})
	assert.IsType(t, &lumberjack.Logger{}, rotated.Out)

	path := filepath.Join(dir, "plain.log")
	plain := New(config.LoggingConfig{Output: path})
	plain.Info("host evaluated")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "host evaluated")
}
