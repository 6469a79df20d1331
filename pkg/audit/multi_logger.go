package audit

import (
	"context"
	"errors"
)

// MultiLogger fans an event out to several loggers. Every logger sees the
// event even when an earlier one fails.
type MultiLogger struct {
	loggers []Logger
}

// NewMultiLogger creates a logger writing to every non-nil destination
func NewMultiLogger(loggers ...Logger) *MultiLogger {
	m := &MultiLogger{}
	for _, l := range loggers {
		if l != nil {
			m.loggers = append(m.loggers, l)
		}
	}
	return m
}

// Log implements Logger
func (m *MultiLogger) Log(ctx context.Context, event *Event) error {
	var errs []error
	for _, l := range m.loggers {
		if err := l.Log(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Search delegates to the first logger that can search
func (m *MultiLogger) Search(ctx context.Context, filter SearchFilter) ([]*Event, error) {
	for _, l := range m.loggers {
		if s, ok := l.(Searcher); ok {
			return s.Search(ctx, filter)
		}
	}
	return nil, ErrSearchUnsupported
}

// ErrSearchUnsupported is returned when no configured logger can be queried
var ErrSearchUnsupported = errors.New("audit: search not supported")
