package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetLevel(t *testing.T) {
	tests := []struct {
		name  string
		level Level
	}{
		{"Debug", LevelDebug},
		{"Info", LevelInfo},
		{"Warn", LevelWarn},
		{"Error", LevelError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			SetLevel(tt.level)
			assert.Equal(t, tt.level, Default().GetLevel())
		})
	}
}

func TestSetLevelFromString(t *testing.T) {
	tests := []struct {
		input    string
		expected Level
	}{
		{"debug", LevelDebug},
		{"DEBUG", LevelDebug},
		{"info", LevelInfo},
		{"warn", LevelWarn},
		{"warning", LevelWarn},
		{"ERROR", LevelError},
		{"invalid", LevelInfo},
		{"", LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			SetLevelFromString(tt.input)
			assert.Equal(t, tt.expected, Default().GetLevel())
		})
	}
}

func TestLoggingOutput(t *testing.T) {
	var buf bytes.Buffer

	l := New(&buf, "text", LevelDebug)

	l.Debug("test debug %d", 1)
	assert.Contains(t, buf.String(), "level=DEBUG")
	assert.Contains(t, buf.String(), "test debug 1")

	l.SetLevel(LevelInfo)
	buf.Reset()
	l.Debug("should not appear")
	assert.Zero(t, buf.Len())

	for _, tt := range []struct {
		log  func(string, ...interface{})
		want string
	}{
		{l.Info, "level=INFO"},
		{l.Warn, "level=WARN"},
		{l.Error, "level=ERROR"},
	} {
		buf.Reset()
		tt.log("message")
		assert.Contains(t, buf.String(), tt.want)
	}
}

func TestWith_JSON(t *testing.T) {
	var buf bytes.Buffer

	parent := New(&buf, "json", LevelInfo)
	child := parent.With("conn_id", "abc", "role", "client")

	child.Info("RDP: negotiation: selected %s", "SSL")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "RDP: negotiation: selected SSL", record["msg"])
	assert.Equal(t, "abc", record["conn_id"])
	assert.Equal(t, "client", record["role"])

	parent.SetLevel(LevelError)
	buf.Reset()
	child.Warn("suppressed")
	assert.Zero(t, buf.Len(), "child shares the parent's level")
}

func TestGetLevelString(t *testing.T) {
	tests := []struct {
		level    Level
		expected string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			SetLevel(tt.level)
			assert.Equal(t, tt.expected, GetLevelString())
		})
	}
}
