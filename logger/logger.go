package logger

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects the encoder and minimum level of the process logger.
type Config struct {
	// Env is "prod" for JSON output; anything else gets the console encoder.
	Env   string
	Level string
}

var (
	mu  sync.RWMutex
	std = build(Config{})
)

type ctxKey struct{}

// Init replaces the process logger. It is meant to be called once from main.
func Init(cfg Config) {
	l := build(cfg)
	mu.Lock()
	std = l
	mu.Unlock()
}

// L returns the process logger.
func L() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return std
}

// Sync flushes buffered log entries.
func Sync() error {
	return L().Sync()
}

// ToContext stores a request scoped logger in ctx.
func ToContext(ctx context.Context, l *zap.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// From returns the logger stored in ctx, falling back to the process logger.
func From(ctx context.Context) *zap.Logger {
	if ctx != nil {
		if l, ok := ctx.Value(ctxKey{}).(*zap.Logger); ok && l != nil {
			return l
		}
	}
	return L()
}

// LogErr logs the provided error (if non-nil) and returns it unchanged.
// It is meant to be used inline when propagating errors up the call stack.
func LogErr(err error) error {
	if err == nil {
		return nil
	}
	caller().Error(err.Error())
	return err
}

// Error logs the provided error (if non-nil).
func Error(err error) {
	if err == nil {
		return
	}
	caller().Error(err.Error())
}

// ErrorContext logs err with the request scoped logger stored in ctx.
func ErrorContext(ctx context.Context, err error) {
	if err == nil {
		return
	}
	From(ctx).WithOptions(zap.AddCallerSkip(1)).Error(err.Error())
}

// Info logs an informational message.
func Info(format string, args ...interface{}) {
	caller().Info(fmt.Sprintf(format, args...))
}

// caller skips the helper frame so the reported caller is the code that
// invoked LogErr, Info and friends.
func caller() *zap.Logger {
	return L().WithOptions(zap.AddCallerSkip(1))
}

func build(cfg Config) *zap.Logger {
	var zcfg zap.Config
	if strings.EqualFold(strings.TrimSpace(cfg.Env), "prod") {
		zcfg = zap.NewProductionConfig()
		zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	} else {
		zcfg = zap.NewDevelopmentConfig()
		zcfg.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
		zcfg.DisableStacktrace = true
	}
	zcfg.Level = zap.NewAtomicLevelAt(parseLevel(cfg.Level))
	zcfg.EncoderConfig.EncodeCaller = zapcore.ShortCallerEncoder

	l, err := zcfg.Build(zap.AddCaller())
	if err != nil {
		return zap.NewNop()
	}
	return l
}

func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
