// Package logger builds the process logger and offers a no-op fallback for components
// whose logger is optional.
package logger

import (
	"fmt"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
)

type Logger = sdklogging.Logger

// New returns the zap backed logger for env, either "development" or "production".
// An empty env means production.
func New(env string) (Logger, error) {
	level := sdklogging.LogLevel(env)
	if env == "" {
		level = sdklogging.Production
	}

	l, err := sdklogging.NewZapLogger(level)
	if err != nil {
		return nil, fmt.Errorf("cannot create %s logger: %w", level, err)
	}
	return l, nil
}

// NoOpLogger drops everything
type NoOpLogger struct{}

func (l *NoOpLogger) Debug(msg string, tags ...any)             {}
func (l *NoOpLogger) Debugf(template string, args ...any)       {}
func (l *NoOpLogger) Info(msg string, tags ...any)              {}
func (l *NoOpLogger) Infof(template string, args ...any)        {}
func (l *NoOpLogger) Warn(msg string, tags ...any)              {}
func (l *NoOpLogger) Warnf(template string, args ...any)        {}
func (l *NoOpLogger) Error(msg string, tags ...any)             {}
func (l *NoOpLogger) Errorf(template string, args ...any)       {}
func (l *NoOpLogger) Fatal(msg string, tags ...any)             {}
func (l *NoOpLogger) Fatalf(template string, args ...any)       {}
func (l *NoOpLogger) With(tags ...any) Logger                   { return l }
func (l *NoOpLogger) WithComponent(componentName string) Logger { return l }
func (l *NoOpLogger) WithName(name string) Logger               { return l }
func (l *NoOpLogger) WithServiceName(serviceName string) Logger { return l }
func (l *NoOpLogger) WithHostName(hostName string) Logger       { return l }
func (l *NoOpLogger) Sync() error                               { return nil }

func NewNoOpLogger() Logger {
	return &NoOpLogger{}
}

// EnsureLogger substitutes a no-op logger for nil
func EnsureLogger(l Logger) Logger {
	if l == nil {
		return NewNoOpLogger()
	}
	return l
}
