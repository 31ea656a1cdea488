package main

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/justinjstark/SmtpRouter/internal/pipeline"
)

func TestNewLoggerRendersCritical(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger(&buf, "json", "info")
	require.NoError(t, err)

	logger.Log(context.Background(), pipeline.LevelCritical, "relay down")
	logger.Debug("hidden")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "CRITICAL", record["level"])
	assert.Equal(t, "relay down", record["msg"])
}

func TestNewLoggerText(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger(&buf, "text", "warn")
	require.NoError(t, err)

	logger.Info("hidden")
	logger.Warn("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "level=WARN")
}

func TestNewLoggerRejectsUnknownSettings(t *testing.T) {
	_, err := newLogger(&bytes.Buffer{}, "xml", "info")
	assert.Error(t, err)
	_, err = newLogger(&bytes.Buffer{}, "text", "verbose")
	assert.Error(t, err)
}
