// Package zap adapts go.uber.org/zap to subsync.Logger.
package zap

import (
	"go.uber.org/zap"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

// Logger implements subsync.Logger using zap.
type Logger struct {
	logger *zap.Logger
}

// NewLogger creates a new zap logger adapter. A nil logger yields a no-op logger.
func NewLogger(logger *zap.Logger) *Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Logger{logger: logger}
}

func (l *Logger) Debug(msg string, fields ...subsync.Field) { l.logger.Debug(msg, toZap(fields)...) }
func (l *Logger) Info(msg string, fields ...subsync.Field)  { l.logger.Info(msg, toZap(fields)...) }
func (l *Logger) Warn(msg string, fields ...subsync.Field)  { l.logger.Warn(msg, toZap(fields)...) }
func (l *Logger) Error(msg string, fields ...subsync.Field) { l.logger.Error(msg, toZap(fields)...) }

func toZap(fields []subsync.Field) []zap.Field {
	out := make([]zap.Field, 0, len(fields))
	for _, f := range fields {
		out = append(out, zap.Any(f.Key, f.Value))
	}
	return out
}
