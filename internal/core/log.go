// Package core provides the ambient logging used across reactivecache and
// its operators, mirroring the teacher's nodestorage/v2/core package: a
// single global *zap.Logger with level-named free functions, so operator
// code never has to thread a logger through every constructor.
package core

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the global logger instance used by reactivecache and its
// operators package.
var Logger *zap.Logger

func init() {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	config.EncoderConfig.CallerKey = "caller"
	config.EncoderConfig.EncodeCaller = zapcore.ShortCallerEncoder

	var err error
	Logger, err = config.Build(zap.AddCallerSkip(1))
	if err != nil {
		Logger = zap.NewNop()
	}
}

// Debug logs a debug-level message. Operators use this for per-change
// transitions (filter in/out, transform recompute, group move) that are
// too frequent for Info.
func Debug(msg string, fields ...zap.Field) { Logger.Debug(msg, fields...) }

// Info logs an info-level message.
func Info(msg string, fields ...zap.Field) { Logger.Info(msg, fields...) }

// Warn logs a warn-level message.
func Warn(msg string, fields ...zap.Field) { Logger.Warn(msg, fields...) }

// Error logs an error-level message.
func Error(msg string, fields ...zap.Field) { Logger.Error(msg, fields...) }

// With creates a child logger with the given fields attached.
func With(fields ...zap.Field) *zap.Logger { return Logger.With(fields...) }

// SetLogger replaces the global logger, letting applications route
// reactivecache's logs into their own zap configuration.
func SetLogger(logger *zap.Logger) { Logger = logger }

// GetLogger returns the global logger instance.
func GetLogger() *zap.Logger { return Logger }

// Configure rebuilds the global logger for development or production use,
// following the teacher's ConfigureLogger helper.
func Configure(development bool, level string, outputPaths ...string) error {
	var config zap.Config
	if development {
		config = zap.NewDevelopmentConfig()
	} else {
		config = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		config.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		config.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		config.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		config.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	}

	if len(outputPaths) > 0 {
		config.OutputPaths = outputPaths
	}

	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	config.EncoderConfig.CallerKey = "caller"
	config.EncoderConfig.EncodeCaller = zapcore.ShortCallerEncoder

	logger, err := config.Build(zap.AddCallerSkip(1))
	if err != nil {
		return err
	}
	Logger = logger
	return nil
}
