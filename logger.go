package main

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// parseLogLevel maps a configured level name to a zap level
func parseLogLevel(level string) (zapcore.Level, bool) {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
		return zapcore.InfoLevel, false
	}
	return l, true
}

// newLogger builds the process logger. JSON output by default, console
// output when pretty is set.
func newLogger(level string, pretty bool) (*zap.Logger, error) {
	lvl, _ := parseLogLevel(level)

	var cfg zap.Config
	if pretty {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.DisableStacktrace = !pretty

	return cfg.Build()
}
