// Package events defines the orchestrator's event record and the event
// type and subject vocabulary shared by the lifecycle engine, the event
// log, and the notification router.
package events

import "time"

// Priority classifies an event for notification routing.
type Priority string

// Priorities, in ascending urgency.
const (
	PriorityInfo    Priority = "info"
	PriorityWarning Priority = "warning"
	PriorityAction  Priority = "action"
	PriorityUrgent  Priority = "urgent"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityInfo, PriorityWarning, PriorityAction, PriorityUrgent:
		return true
	}
	return false
}

// Event is an immutable record of something the engine observed or did.
// ID is assigned by the event log on append and is strictly monotonic
// within one process boot. Events are never mutated after append.
type Event struct {
	ID        int64          `json:"id"`
	Type      string         `json:"type"`
	Priority  Priority       `json:"priority"`
	SessionID string         `json:"session_id,omitempty"`
	ProjectID string         `json:"project_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
}

// New creates an event with the current UTC timestamp. The ID stays zero
// until the event log appends it.
func New(eventType string, priority Priority, message string) *Event {
	return &Event{
		Type:      eventType,
		Priority:  priority,
		Timestamp: time.Now().UTC(),
		Message:   message,
		Data:      map[string]any{},
	}
}

// WithSession tags the event with a session and project.
func (e *Event) WithSession(sessionID, projectID string) *Event {
	e.SessionID = sessionID
	e.ProjectID = projectID
	return e
}

// WithData sets one data key.
func (e *Event) WithData(key string, value any) *Event {
	if e.Data == nil {
		e.Data = map[string]any{}
	}
	e.Data[key] = value
	return e
}

// Session lifecycle event types.
const (
	SessionSpawned  = "session.spawned"
	SessionKilled   = "session.killed"
	SessionRestored = "session.restored"
	SessionArchived = "session.archived"
	SessionErrored  = "session.errored"
)

// Transition is the prefix for status transition events; the full type is
// "transition.<entered status>".
const Transition = "transition"

// TransitionType builds the event type for a transition into status.
func TransitionType(status string) string {
	return Transition + "." + status
}

// Reaction event types.
const (
	ReactionFired     = "reaction.fired"
	ReactionFailed    = "reaction.failed"
	ReactionEscalated = "reaction.escalated"
)

// Notifier event types.
const (
	NotifierDropped = "notifier.dropped"
)

// Orchestrator process event types.
const (
	OrchestratorStarted = "orchestrator.started"
	OrchestratorStopped = "orchestrator.stopped"
)

// Bus subjects. Events are published under "events.<type>" so subscribers
// can match all of them with a single wildcard.
const (
	SubjectPrefix   = "events."
	SubjectWildcard = "events.>"
)

// Subject returns the bus subject an event is published under.
func Subject(e *Event) string {
	return SubjectPrefix + e.Type
}
