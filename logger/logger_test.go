package logger

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func swapStd(t *testing.T, l *zap.Logger) {
	t.Helper()
	mu.Lock()
	prev := std
	std = l
	mu.Unlock()
	t.Cleanup(func() {
		mu.Lock()
		std = prev
		mu.Unlock()
	})
}

func TestLogErr(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	swapStd(t, zap.New(core))

	assert.NoError(t, LogErr(nil))
	err := errors.New("boom")
	assert.Same(t, err, LogErr(err))
	Info("listening on %s", ":8080")

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, zapcore.ErrorLevel, entries[0].Level)
	assert.Equal(t, "boom", entries[0].Message)
	assert.Equal(t, "listening on :8080", entries[1].Message)
}

func TestErrorContextUsesRequestLogger(t *testing.T) {
	globalCore, global := observer.New(zapcore.DebugLevel)
	swapStd(t, zap.New(globalCore))

	reqCore, scoped := observer.New(zapcore.DebugLevel)
	ctx := ToContext(context.Background(), zap.New(reqCore).With(zap.String("request_id", "r-1")))

	ErrorContext(ctx, errors.New("token store down"))
	ErrorContext(context.Background(), errors.New("no request"))
	ErrorContext(ctx, nil)

	require.Equal(t, 1, scoped.Len())
	entry := scoped.All()[0]
	assert.Equal(t, "token store down", entry.Message)
	assert.Equal(t, "r-1", entry.ContextMap()["request_id"])

	require.Equal(t, 1, global.Len())
	assert.Equal(t, "no request", global.All()[0].Message)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, parseLevel("DEBUG"))
	assert.Equal(t, zapcore.WarnLevel, parseLevel("warning"))
	assert.Equal(t, zapcore.ErrorLevel, parseLevel(" error "))
	assert.Equal(t, zapcore.InfoLevel, parseLevel(""))
}
