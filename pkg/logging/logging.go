// Package logging builds the zap loggers used by the custom resource helper
// and routes aws-sdk-go log output through them.
package logging

import (
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const DefaultLevel = "DEBUG"

type Options struct {
	// Level is one of DEBUG, INFO, WARN (WARNING), ERROR (CRITICAL).
	Level string
	// JSON selects the production JSON encoder instead of the console one.
	JSON bool
}

// ParseLevel maps a level name onto a zap level. An empty name is DEBUG.
func ParseLevel(name string) (zapcore.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "", "DEBUG":
		return zapcore.DebugLevel, nil
	case "INFO":
		return zapcore.InfoLevel, nil
	case "WARN", "WARNING":
		return zapcore.WarnLevel, nil
	case "ERROR", "CRITICAL":
		return zapcore.ErrorLevel, nil
	}
	return zapcore.DebugLevel, errors.Errorf("unknown log level %q", name)
}

// New builds a sugared logger. Unknown levels fall back to DEBUG, and a
// logger that cannot be built falls back to a no-op one.
func New(opts Options, fields ...interface{}) *zap.SugaredLogger {
	level, err := ParseLevel(opts.Level)

	var cfg zap.Config
	if opts.JSON {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "timestamp"
		cfg.EncoderConfig.CallerKey = "location"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	} else {
		cfg = zap.NewDevelopmentConfig()
		cfg.DisableStacktrace = true
	}
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.OutputPaths = []string{"stdout"}
	cfg.Sampling = nil

	logger, buildErr := cfg.Build()
	if buildErr != nil {
		return zap.NewNop().Sugar()
	}

	log := logger.Sugar()
	if err != nil {
		log.Warnw("falling back to DEBUG logging", "Error", err)
	}
	if len(fields) > 0 {
		log = log.With(fields...)
	}
	return log
}

// AWSLogLevel maps a level name onto the aws-sdk-go log level. Only DEBUG
// turns SDK logging on; the SDK has no finer grained levels.
func AWSLogLevel(name string) *aws.LogLevelType {
	if strings.EqualFold(strings.TrimSpace(name), "DEBUG") {
		return aws.LogLevel(aws.LogDebugWithRequestErrors)
	}
	return aws.LogLevel(aws.LogOff)
}

// AWSLogger writes aws-sdk-go log lines to log at debug level.
func AWSLogger(log *zap.SugaredLogger) aws.Logger {
	return aws.LoggerFunc(func(args ...interface{}) {
		log.Debug(args...)
	})
}
