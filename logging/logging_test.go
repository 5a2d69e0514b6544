package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeverityForLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		level log.Level
		want  string
	}{
		{name: "panic", level: log.PanicLevel, want: "EMERGENCY"},
		{name: "fatal", level: log.FatalLevel, want: "CRITICAL"},
		{name: "error", level: log.ErrorLevel, want: "ERROR"},
		{name: "warn", level: log.WarnLevel, want: "WARNING"},
		{name: "info", level: log.InfoLevel, want: "INFO"},
		{name: "debug", level: log.DebugLevel, want: "DEBUG"},
		{name: "trace", level: log.TraceLevel, want: "DEBUG"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := severityForLevel(tt.level)
			if got != tt.want {
				t.Errorf("severityForLevel(%v) = %q, want %q", tt.level, got, tt.want)
			}
		})
	}
}

func TestConfigureLogrusJSONAddsSeverity(t *testing.T) {
	t.Parallel()

	logger := log.New()
	var buf bytes.Buffer
	logger.SetOutput(&buf)

	ConfigureLogrusJSON(logger)
	logger.WithField("component", "test").Info("hello")

	var payload map[string]any
	if err := json.Unmarshal(buf.Bytes(), &payload); err != nil {
		t.Fatalf("unmarshal log payload: %v", err)
	}

	if got := payload["severity"]; got != "INFO" {
		t.Fatalf("expected severity %q, got %v", "INFO", got)
	}
}

func TestConfigure(t *testing.T) {
	t.Run("bad level", func(t *testing.T) {
		_, err := Configure(log.New(), Options{Level: "loud"})
		require.Error(t, err)
	})

	t.Run("file destination can be reopened", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "vigil.log")

		logger := log.New()
		rf, err := Configure(logger, Options{Level: "debug", File: path})
		require.NoError(t, err)
		t.Cleanup(func() { _ = rf.Close() })

		assert.Equal(t, log.DebugLevel, logger.GetLevel())
		logger.Info("before rotation")

		rotated := filepath.Join(dir, "vigil.log.1")
		require.NoError(t, os.Rename(path, rotated))
		require.NoError(t, rf.Reopen())

		logger.Info("after rotation")

		before, err := os.ReadFile(rotated)
		require.NoError(t, err)
		after, err := os.ReadFile(path)
		require.NoError(t, err)

		assert.Contains(t, string(before), "before rotation")
		assert.NotContains(t, string(before), "after rotation")
		assert.Contains(t, string(after), "after rotation")
	})
}

func TestRedact(t *testing.T) {
	t.Parallel()

	fields := map[string]any{
		"field":    "x",
		"Password": "hunter2",
		"nested": map[string]any{
			"api_key": "abc",
			"host":    "localhost",
		},
		"list": []any{
			map[string]any{"token": "t0k3n", "name": "one"},
			"plain",
		},
	}

	got := Redact(fields, DefaultRedactKeys)

	assert.Equal(t, "x", got["field"])
	assert.Equal(t, RedactedValue, got["Password"])
	assert.Equal(t, RedactedValue, got["nested"].(map[string]any)["api_key"])
	assert.Equal(t, "localhost", got["nested"].(map[string]any)["host"])

	list := got["list"].([]any)
	assert.Equal(t, RedactedValue, list[0].(map[string]any)["token"])
	assert.Equal(t, "one", list[0].(map[string]any)["name"])
	assert.Equal(t, "plain", list[1])

	// the input is untouched
	assert.Equal(t, "hunter2", fields["Password"])
}

func TestRedactTypedValues(t *testing.T) {
	t.Parallel()

	type credentials struct {
		User  string
		Token string
	}

	fields := map[string]any{
		"headers": map[string]string{"token": "s3cr3t", "accept": "json"},
		"raw":     map[any]any{"password": "hunter2"},
		"creds":   &credentials{User: "vigil", Token: "t0k3n"},
		"servers": []string{"nats://a", "nats://b"},
		"plain":   map[string]int{"port": 4222},
	}

	got := Redact(fields, DefaultRedactKeys)

	assert.Equal(t, map[string]any{"token": RedactedValue, "accept": "json"}, got["headers"])
	assert.Equal(t, map[string]any{"password": RedactedValue}, got["raw"])
	assert.Equal(t, map[string]any{"User": "vigil", "Token": RedactedValue}, got["creds"])

	// nothing sensitive, so the original values are kept
	assert.Equal(t, []string{"nats://a", "nats://b"}, got["servers"])
	assert.Equal(t, map[string]int{"port": 4222}, got["plain"])

	assert.Equal(t, "s3cr3t", fields["headers"].(map[string]string)["token"])
}

func TestIsSensitiveGlob(t *testing.T) {
	t.Parallel()

	assert.True(t, IsSensitive("db_password", []string{"*_password"}))
	assert.False(t, IsSensitive("db_user", []string{"*_password"}))
}

func TestLogConcernsNeverLeaksSensitiveValues(t *testing.T) {
	logger, hook := test.NewNullLogger()
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	logger.SetFormatter(&log.JSONFormatter{})

	concerns := []Concern{
		NewConcern("bad value", "field", "x", "secret", "s3cr3t"),
		NewConcern("another", "token", "abcdef"),
	}

	LogConcerns(logger, concerns, log.FatalLevel, DefaultRedactKeys)

	entries := hook.AllEntries()
	require.Len(t, entries, 2)
	for _, e := range entries {
		assert.Equal(t, log.FatalLevel, e.Level)
	}
	assert.Equal(t, "bad value", entries[0].Message)
	assert.Equal(t, "x", entries[0].Data["field"])

	out := buf.String()
	assert.False(t, strings.Contains(out, "s3cr3t"))
	assert.False(t, strings.Contains(out, "abcdef"))
	assert.Contains(t, out, RedactedValue)
}

func TestSignalTrapsToggleDebug(t *testing.T) {
	logger, _ := test.NewNullLogger()
	logger.SetLevel(log.InfoLevel)

	traps := SetupSignalTraps(logger, nil)
	t.Cleanup(traps.Stop)

	traps.ToggleDebug()
	assert.Equal(t, log.DebugLevel, logger.GetLevel())

	traps.ToggleDebug()
	assert.Equal(t, log.InfoLevel, logger.GetLevel())

	// no file configured, reopen is a no-op
	traps.Reopen()
}
