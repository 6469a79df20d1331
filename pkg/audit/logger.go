package audit

import (
	"context"

	"github.com/platinummonkey/hearth/pkg/observability"
)

// Logger records audit events
type Logger interface {
	Log(ctx context.Context, event *Event) error
}

// Searcher is implemented by loggers that can read the trail back
type Searcher interface {
	Search(ctx context.Context, filter SearchFilter) ([]*Event, error)
}

// NopLogger discards every event
func NopLogger() Logger {
	return nopLogger{}
}

type nopLogger struct{}

func (nopLogger) Log(context.Context, *Event) error { return nil }

// SlogLogger writes audit events to the structured application log
type SlogLogger struct {
	logger *observability.Logger
}

// NewSlogLogger creates a logger that emits one line per event
func NewSlogLogger(logger *observability.Logger) *SlogLogger {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &SlogLogger{logger: logger.WithField("component", "audit")}
}

// Log implements Logger
func (l *SlogLogger) Log(ctx context.Context, event *Event) error {
	fields := map[string]any{
		"event_type": string(event.Type),
		"status":     string(event.Status),
	}
	if event.ActorID != "" {
		fields["actor_id"] = event.ActorID
	}
	if event.TargetID != "" {
		fields["target_id"] = event.TargetID
	}
	if event.RequestID != "" {
		fields["request_id"] = event.RequestID
	}
	for k, v := range event.Metadata {
		fields["meta."+k] = v
	}

	entry := l.logger.WithFields(fields)
	switch event.Status {
	case EventStatusSuccess:
		entry.Info(event.Message)
	default:
		if event.ErrorMessage != "" {
			entry = entry.WithField("error", event.ErrorMessage)
		}
		entry.Warn(event.Message)
	}
	return nil
}
