package monitoring

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/banshee-data/lux/internal/config"
)

func TestSetLogger(t *testing.T) {
	original := Logf
	defer func() { Logf = original }()

	var got string
	SetLogger(func(format string, v ...interface{}) { got = format })
	Logf("hello %d", 1)
	assert.Equal(t, "hello %d", got)

	// nil installs a no-op
	SetLogger(nil)
	assert.NotPanics(t, func() { Logf("ignored") })
}

func TestUseZap(t *testing.T) {
	original := Logf
	defer func() { Logf = original }()

	core, logs := observer.New(zapcore.InfoLevel)
	UseZap(zap.New(core))
	Logf("node %s answered", "0x00000001")

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "node 0x00000001 answered", logs.All()[0].Message)
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := map[string]zapcore.Level{
		"":        zapcore.InfoLevel,
		"debug":   zapcore.DebugLevel,
		"INFO":    zapcore.InfoLevel,
		"warning": zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
	}
	for in, want := range tests {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestInitLogger_File(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "luxd.log")
	log, err := InitLogger(config.LoggingConfig{
		Level:  "warn",
		Format: "json",
		File:   config.LumberjackConfig{Filename: path, MaxSizeMB: 1},
	})
	require.NoError(t, err)

	log.Info("dropped")
	log.Warn("device lost", zap.String("addr", "0x00000010"))
	_ = log.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"device lost"`)
	assert.Contains(t, string(data), `"addr":"0x00000010"`)
	assert.NotContains(t, string(data), "dropped")
}

func TestInitLogger_BadLevel(t *testing.T) {
	t.Parallel()

	_, err := InitLogger(config.LoggingConfig{Level: "loud"})
	assert.Error(t, err)
}
