package audit

import (
	"context"
	"time"

	"github.com/platinummonkey/hearth/pkg/contextkeys"
)

// EventType identifies what happened
type EventType string

const (
	EventTypeAdminPromote           EventType = "admin.promote"
	EventTypeAdminDemote            EventType = "admin.demote"
	EventTypeAdminPermissionsUpdate EventType = "admin.permissions_update"

	EventTypeAuthSignIn         EventType = "auth.sign_in"
	EventTypeAuthSignOut        EventType = "auth.sign_out"
	EventTypeAuthSessionRestore EventType = "auth.session_restore"

	EventTypeOverlapRepaired EventType = "consistency.overlap_repaired"
)

// EventStatus is the outcome of the audited action
type EventStatus string

const (
	EventStatusSuccess EventStatus = "success"
	EventStatusFailure EventStatus = "failure"
	EventStatusDenied  EventStatus = "denied"
)

// Event is a single audit record. ActorID is empty for system actions such as
// the consistency sweep.
type Event struct {
	ID           int64          `json:"id,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
	Type         EventType      `json:"event_type"`
	Status       EventStatus    `json:"status"`
	ActorID      string         `json:"actor_id,omitempty"`
	TargetID     string         `json:"target_id,omitempty"`
	RequestID    string         `json:"request_id,omitempty"`
	Message      string         `json:"message,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// NewEvent creates an event stamped with the current time and the request id
// carried by ctx.
func NewEvent(ctx context.Context, eventType EventType, status EventStatus) *Event {
	return &Event{
		Timestamp: time.Now().UTC(),
		Type:      eventType,
		Status:    status,
		RequestID: contextkeys.GetRequestID(ctx),
	}
}

// WithError records err and marks the event failed
func (e *Event) WithError(err error) *Event {
	if err != nil {
		e.Status = EventStatusFailure
		e.ErrorMessage = err.Error()
	}
	return e
}

// With adds a metadata key
func (e *Event) With(key string, value any) *Event {
	if e.Metadata == nil {
		e.Metadata = make(map[string]any)
	}
	e.Metadata[key] = value
	return e
}

// SearchFilter narrows a query against the audit trail
type SearchFilter struct {
	ActorID    string
	TargetID   string
	EventTypes []EventType
	Status     EventStatus
	Since      time.Time
	Limit      int
}
