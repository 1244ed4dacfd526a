package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/godeps/agentchat/pkg/config"
)

func TestNewJSONRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(config.LoggingConfig{Level: "WARN", Format: "json"}, &buf)
	require.NoError(t, err)
	logger.Info().Msg("hidden")
	logger.Warn().Str("component", "test").Msg("shown")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"component":"test"`)
	assert.Contains(t, out, `"time":`)
	assert.Equal(t, zerolog.WarnLevel, logger.GetLevel())
}

func TestNewConsole(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(config.LoggingConfig{}, &buf)
	require.NoError(t, err)
	logger.Info().Msg("hello console")
	assert.Contains(t, buf.String(), "hello console")
	assert.False(t, strings.HasPrefix(buf.String(), "{"))
}

func TestNewRejectsBadSettings(t *testing.T) {
	_, err := New(config.LoggingConfig{Level: "loud"}, nil)
	assert.Error(t, err)
	_, err = New(config.LoggingConfig{Format: "xml"}, nil)
	assert.Error(t, err)
}

func TestOpenWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "agentchat.log")
	logger, closer, err := Open(config.LoggingConfig{Format: "json", File: path}, nil)
	require.NoError(t, err)
	logger.Info().Msg("to file")
	require.NoError(t, closer.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "to file")

	var buf bytes.Buffer
	logger, closer, err = Open(config.LoggingConfig{Format: "json"}, &buf)
	require.NoError(t, err)
	logger.Info().Msg("fallback")
	require.NoError(t, closer.Close())
	assert.Contains(t, buf.String(), "fallback")
}
