package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func newObservedLogger() (*Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zap.DebugLevel)
	return &Logger{zap: zap.New(core)}, logs
}

func TestDomainFieldHelpers(t *testing.T) {
	log, logs := newObservedLogger()

	log.WithAgentID("pixel").
		WithRunID("run_1").
		WithSessionID("sess_1").
		WithDeliveryID("d-9").
		Info("hello")

	entries := logs.All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "pixel", fields["agent_id"])
	assert.Equal(t, "run_1", fields["run_id"])
	assert.Equal(t, "sess_1", fields["session_id"])
	assert.Equal(t, "d-9", fields["delivery_id"])
}

func TestWithContextLiftsKnownKeys(t *testing.T) {
	log, logs := newObservedLogger()

	ctx := context.WithValue(context.Background(), RequestIDKey, "req-42")
	ctx = context.WithValue(ctx, AgentIDKey, "echo")
	log.WithContext(ctx).Info("handled")

	entries := logs.All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "req-42", fields["request_id"])
	assert.Equal(t, "echo", fields["agent_id"])
	_, hasRun := fields["run_id"]
	assert.False(t, hasRun)
}

func TestNewLoggerFallsBackToInfoLevel(t *testing.T) {
	log, err := NewLogger(LoggingConfig{Level: "nonsense", Format: "json"})
	require.NoError(t, err)
	assert.False(t, log.Zap().Core().Enabled(zap.DebugLevel))
	assert.True(t, log.Zap().Core().Enabled(zap.InfoLevel))
}
