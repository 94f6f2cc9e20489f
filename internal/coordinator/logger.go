package coordinator

import (
	"log/slog"

	"github.com/robfig/cron/v3"
)

// slogLogger adapts slog to the cron.Logger interface
type slogLogger struct {
	logger *slog.Logger
}

var _ cron.Logger = slogLogger{}

// Info logs routine scheduler messages at debug level
func (l slogLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

// Error logs scheduler failures, including recovered panics
func (l slogLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
