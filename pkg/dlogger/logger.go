// Package dlogger exposes a simple zap logger, with log levels
package dlogger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	// LogLevelInfo sets the log level to info
	LogLevelInfo = "info"

	// LogLevelDebug sets the log level to debug
	LogLevelDebug = "debug"

	// LogLevelNone sets logger to no logging
	LogLevelNone = "none"
)

// GetLogger returns a JSON-formatted zap logger with the specified level
func GetLogger(logLevel string) (*zap.Logger, error) {
	return buildLogger(logLevel, false)
}

// MustGetLogger returns a zap logger with the specified level or panics
func MustGetLogger(logLevel string) *zap.Logger {
	l, err := GetLogger(logLevel)
	if err != nil {
		panic(err)
	}
	return l
}

// GetConsoleLogger returns a console-formatted zap logger with the specified
// level, intended for CLI usage
func GetConsoleLogger(logLevel string) (*zap.Logger, error) {
	return buildLogger(logLevel, true)
}

func buildLogger(logLevel string, console bool) (*zap.Logger, error) {
	if logLevel == LogLevelNone {
		return zap.NewNop(), nil
	}
	zapConfig := zap.NewProductionConfig()
	var lvl zapcore.Level
	err := lvl.UnmarshalText([]byte(logLevel))
	if err != nil {
		return nil, err
	}
	zapConfig.Level = zap.NewAtomicLevelAt(lvl)
	if console {
		zapConfig.Encoding = "console"
		zapConfig.EncoderConfig = zap.NewDevelopmentEncoderConfig()
		zapConfig.DisableStacktrace = true
	}
	logger, err := zapConfig.Build()
	if err != nil {
		return nil, err
	}
	return logger, nil
}
