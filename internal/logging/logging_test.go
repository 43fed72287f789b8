package logging

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestFromContextFallsBackToGlobal(t *testing.T) {
	assert.Same(t, zap.L(), FromContext(context.Background()))
}

func TestContextWithLogger(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	logger := zap.New(core).With(zap.String("request_id", "req-1"))

	ctx := ContextWithLogger(context.Background(), logger)
	FromContext(ctx).Info("hello")

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "hello", entry.Message)
	assert.Equal(t, "req-1", entry.ContextMap()["request_id"])
}

func TestContextWithNilLoggerKeepsContext(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, ctx, ContextWithLogger(ctx, nil))
}

func TestNewLoggerWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "checkout.log")

	logger, err := NewLogger("checkout", "test", path)
	require.NoError(t, err)

	logger.Info("started")
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(data, &entry))
	assert.Equal(t, "started", entry["msg"])
	assert.Equal(t, "checkout", entry["service"])
	assert.Equal(t, "test", entry["env"])
	assert.Contains(t, entry, "ts")
}
