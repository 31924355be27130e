// Package trace provides the append-only audit log for pipeline runs.
//
// Every stage entry, exit, and decision is recorded as an immutable Event
// under a single ordering lock per trace, giving each run one total order
// that can be streamed live and replayed later.
package trace

import (
	"time"

	"github.com/google/uuid"
)

// EventType is the fixed vocabulary of persisted trace events.
type EventType string

const (
	EventPlanCreated           EventType = "plan_created"
	EventSearchStarted         EventType = "search_started"
	EventSearchCompleted       EventType = "search_completed"
	EventRetrievalCompleted    EventType = "retrieval_completed"
	EventDraftWritten          EventType = "draft_written"
	EventCritiqueGenerated     EventType = "critique_generated"
	EventVerificationCompleted EventType = "verification_completed"
	EventRedteamCompleted      EventType = "redteam_completed"
	EventFinalDecision         EventType = "final_decision"
	EventStageFailed           EventType = "stage_failed"
	EventCancelled             EventType = "cancelled"
)

// Event is one immutable trace entry. Events are never mutated or deleted
// after recording; their order within a trace is the order of recording.
type Event struct {
	EventID   string         `json:"event_id"`
	Agent     string         `json:"agent"`
	Type      EventType      `json:"event_type"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

func newEvent(agent string, typ EventType, payload map[string]any) Event {
	return Event{
		EventID:   "evt-" + uuid.NewString()[:8],
		Agent:     agent,
		Type:      typ,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}
