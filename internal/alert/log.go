package alert

import (
	"context"

	"signal_router/internal/core"
)

// LogChannel writes every alert to the structured log, so notifications survive without any chat channel configured
type LogChannel struct {
	logger core.ILogger
}

func NewLogChannel(logger core.ILogger) *LogChannel {
	return &LogChannel{logger: logger.WithField("component", "notifications")}
}

func (l *LogChannel) Name() string {
	return "log"
}

func (l *LogChannel) Send(ctx context.Context, alert AlertPayload) error {
	fields := []interface{}{"title", alert.Title, "message", alert.Message}
	for k, v := range alert.Fields {
		fields = append(fields, k, v)
	}
	switch alert.Level {
	case Critical, Error:
		l.logger.Error("Notification", fields...)
	case Warning:
		l.logger.Warn("Notification", fields...)
	default:
		l.logger.Info("Notification", fields...)
	}
	return nil
}
