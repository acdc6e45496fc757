package dhlog

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/sirupsen/logrus"
)

// LogLevel is a string-typed log level used in configuration, independent of
// logrus's own Level type so config packages don't need to import logrus.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
	LogLevelFatal LogLevel = "fatal"
)

// LoggerConfig configures a logger built by NewLogger.
type LoggerConfig struct {
	Level      LogLevel
	Format     string // "json" or "text"
	AddCaller  bool
	TimeFormat string
}

// DefaultLoggerConfig returns sane defaults for local/dev use.
func DefaultLoggerConfig() LoggerConfig {
	return LoggerConfig{
		Level:      LogLevelInfo,
		Format:     "text",
		AddCaller:  false,
		TimeFormat: time.RFC3339,
	}
}

// NewLogger builds a logrus.Logger from config, routed through OutputSplitter.
func NewLogger(config LoggerConfig) *logrus.Logger {
	logger := logrus.New()

	switch config.Level {
	case LogLevelDebug:
		logger.SetLevel(logrus.DebugLevel)
	case LogLevelWarn:
		logger.SetLevel(logrus.WarnLevel)
	case LogLevelError:
		logger.SetLevel(logrus.ErrorLevel)
	case LogLevelFatal:
		logger.SetLevel(logrus.FatalLevel)
	default:
		logger.SetLevel(logrus.InfoLevel)
	}

	if config.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: config.TimeFormat})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{TimestampFormat: config.TimeFormat, FullTimestamp: true})
	}

	logger.SetReportCaller(config.AddCaller)
	logger.SetOutput(&OutputSplitter{})
	return logger
}

// ContextLogger is a small builder around logrus.Fields so call sites can
// chain WithField/WithError without restating the base fields every time.
type ContextLogger struct {
	logger *logrus.Logger
	fields logrus.Fields
}

// NewContextLogger wraps logger (or the package Logger, if nil) with base fields.
func NewContextLogger(logger *logrus.Logger, fields map[string]interface{}) *ContextLogger {
	if logger == nil {
		logger = Logger
	}
	base := make(logrus.Fields, len(fields))
	for k, v := range fields {
		base[k] = v
	}
	return &ContextLogger{logger: logger, fields: base}
}

func (cl *ContextLogger) clone() logrus.Fields {
	f := make(logrus.Fields, len(cl.fields))
	for k, v := range cl.fields {
		f[k] = v
	}
	return f
}

// WithField returns a copy of cl with key=value added.
func (cl *ContextLogger) WithField(key string, value interface{}) *ContextLogger {
	f := cl.clone()
	f[key] = value
	return &ContextLogger{logger: cl.logger, fields: f}
}

// WithFields returns a copy of cl with fields merged in.
func (cl *ContextLogger) WithFields(fields map[string]interface{}) *ContextLogger {
	f := cl.clone()
	for k, v := range fields {
		f[k] = v
	}
	return &ContextLogger{logger: cl.logger, fields: f}
}

// WithError returns a copy of cl with an "error" field set.
func (cl *ContextLogger) WithError(err error) *ContextLogger {
	return cl.WithField("error", err.Error())
}

// WithContext pulls request_id/trace_id/change_id out of ctx, if present.
func (cl *ContextLogger) WithContext(ctx context.Context) *ContextLogger {
	f := cl.clone()
	for _, key := range []string{"request_id", "trace_id", "change_id"} {
		if v := ctx.Value(key); v != nil {
			f[key] = v
		}
	}
	return &ContextLogger{logger: cl.logger, fields: f}
}

func (cl *ContextLogger) Debug(msg string)                     { cl.logger.WithFields(cl.fields).Debug(msg) }
func (cl *ContextLogger) Debugf(f string, args ...interface{}) { cl.logger.WithFields(cl.fields).Debugf(f, args...) }
func (cl *ContextLogger) Info(msg string)                      { cl.logger.WithFields(cl.fields).Info(msg) }
func (cl *ContextLogger) Infof(f string, args ...interface{})  { cl.logger.WithFields(cl.fields).Infof(f, args...) }
func (cl *ContextLogger) Warn(msg string)                      { cl.logger.WithFields(cl.fields).Warn(msg) }
func (cl *ContextLogger) Warnf(f string, args ...interface{})  { cl.logger.WithFields(cl.fields).Warnf(f, args...) }
func (cl *ContextLogger) Error(msg string)                     { cl.logger.WithFields(cl.fields).Error(msg) }
func (cl *ContextLogger) Errorf(f string, args ...interface{}) { cl.logger.WithFields(cl.fields).Errorf(f, args...) }
func (cl *ContextLogger) Fatal(msg string)                     { cl.logger.WithFields(cl.fields).Fatal(msg) }
func (cl *ContextLogger) Fatalf(f string, args ...interface{}) { cl.logger.WithFields(cl.fields).Fatalf(f, args...) }

// ServiceLogger returns a ContextLogger over the package Logger, pre-tagged
// with service/version.
func ServiceLogger(serviceName, serviceVersion string) *ContextLogger {
	return NewContextLogger(Logger, map[string]interface{}{
		"service": serviceName,
		"version": serviceVersion,
	})
}

// LogOperation times fn, logging its start, completion, and any error.
func LogOperation(logger *ContextLogger, operation string, fn func() error) error {
	start := time.Now()
	logger.WithField("operation", operation).Info("operation started")

	err := fn()
	duration := time.Since(start)
	entry := logger.WithFields(map[string]interface{}{
		"operation":   operation,
		"duration_ms": duration.Milliseconds(),
	})
	if err != nil {
		entry.WithError(err).Error("operation failed")
		return err
	}
	entry.Info("operation completed")
	return nil
}

// LogPanic recovers a panic and logs it with a stack trace. Callers defer it.
func LogPanic(logger *ContextLogger) {
	if r := recover(); r != nil {
		buf := make([]byte, 4096)
		n := runtime.Stack(buf, false)
		logger.WithFields(map[string]interface{}{
			"panic":      fmt.Sprintf("%v", r),
			"stacktrace": string(buf[:n]),
		}).Error("panic recovered")
	}
}

// HTTPFields returns standard fields for logging an HTTP round trip.
func HTTPFields(method, path string, statusCode int, duration time.Duration) map[string]interface{} {
	return map[string]interface{}{
		"http_method":      method,
		"http_path":        path,
		"http_status_code": statusCode,
		"duration_ms":      duration.Milliseconds(),
	}
}
