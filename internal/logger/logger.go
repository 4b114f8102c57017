// Package logger
package logger

import (
	"strings"

	"guildstats/internal/config"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger takes a message followed by alternating key/value pairs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	With(args ...any) Logger
}

type zapLogger struct {
	base  *zap.Logger
	sugar *zap.SugaredLogger
}

func New(cfg *config.Config) Logger {
	level, err := zapcore.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil {
		level = zapcore.InfoLevel
	}

	var zc zap.Config
	if cfg.LogFormat == "json" {
		zc = zap.NewProductionConfig()
	} else {
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		zc.DisableStacktrace = true
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.EncoderConfig.TimeKey = "time"
	zc.EncoderConfig.MessageKey = "msg"
	zc.EncoderConfig.LevelKey = "level"

	base, err := zc.Build()
	if err != nil {
		base = zap.NewNop()
	}

	return FromZap(base)
}

func FromZap(base *zap.Logger) Logger {
	return &zapLogger{base: base, sugar: base.Sugar()}
}

func Nop() Logger {
	return FromZap(zap.NewNop())
}

// Zap returns the zap logger behind l, or a no-op logger when l is not zap backed.
func Zap(l Logger) *zap.Logger {
	if zl, ok := l.(*zapLogger); ok {
		return zl.base
	}
	return zap.NewNop()
}

func (l *zapLogger) Debug(msg string, args ...any) { l.sugar.Debugw(msg, args...) }
func (l *zapLogger) Info(msg string, args ...any)  { l.sugar.Infow(msg, args...) }
func (l *zapLogger) Warn(msg string, args ...any)  { l.sugar.Warnw(msg, args...) }
func (l *zapLogger) Error(msg string, args ...any) { l.sugar.Errorw(msg, args...) }

func (l *zapLogger) With(args ...any) Logger {
	sugar := l.sugar.With(args...)
	return &zapLogger{base: sugar.Desugar(), sugar: sugar}
}

// Sync flushes buffered entries.
func Sync(l Logger) {
	_ = Zap(l).Sync()
}
