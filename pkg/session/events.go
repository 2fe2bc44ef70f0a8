// Package session provides event-sourced persistence for research sessions.
// The durable state of a session is an append-only log of domain events; the
// snapshot handed to readers is a pure fold over that log.
package session

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/emilwareus/go-research/pkg/llms"
	"github.com/emilwareus/go-research/pkg/research"
)

// EventType names a domain event in the session log.
type EventType string

const (
	EventResearchStarted   EventType = "ResearchStarted"
	EventPlanCreated       EventType = "PlanCreated"
	EventWorkerStarted     EventType = "WorkerStarted"
	EventWorkerCompleted   EventType = "WorkerCompleted"
	EventWorkerFailed      EventType = "WorkerFailed"
	EventReportGenerated   EventType = "ReportGenerated"
	EventResearchCompleted EventType = "ResearchCompleted"
	EventResearchFailed    EventType = "ResearchFailed"
	EventResearchCancelled EventType = "ResearchCancelled"
)

// Event is one durable record of the session log.
type Event struct {
	EventID     string          `json:"event_id"`
	AggregateID string          `json:"aggregate_id"`
	Version     int             `json:"version"`
	Type        EventType       `json:"type"`
	Timestamp   time.Time       `json:"timestamp_iso8601"`
	Payload     json.RawMessage `json:"payload"`
}

// NewEvent is an event not yet assigned a version by the store.
type NewEvent struct {
	Type    EventType
	Payload any
}

// StartedPayload opens a session.
type StartedPayload struct {
	Query string `json:"query"`
}

// PlanPayload records the planner's decomposition.
type PlanPayload struct {
	Topic        string                 `json:"topic"`
	Perspectives []research.Perspective `json:"perspectives"`
	NodeIDs      []string               `json:"node_ids"`
}

// WorkerStartedPayload registers a worker. Worker numbers are 1-indexed and
// stable within a session.
type WorkerStartedPayload struct {
	WorkerNum int    `json:"worker_num"`
	Objective string `json:"objective"`
}

// WorkerCompletedPayload carries a worker's final result.
type WorkerCompletedPayload struct {
	WorkerNum int                `json:"worker_num"`
	Output    string             `json:"output"`
	Sources   []string           `json:"sources,omitempty"`
	Facts     []research.Fact    `json:"facts,omitempty"`
	Cost      llms.CostBreakdown `json:"cost"`
}

// WorkerFailedPayload records a worker failure.
type WorkerFailedPayload struct {
	WorkerNum int    `json:"worker_num"`
	Error     string `json:"error"`
}

// ReportPayload carries the synthesized report.
type ReportPayload struct {
	Report research.Report `json:"report"`
}

// CompletedPayload closes a successful session.
type CompletedPayload struct {
	Duration time.Duration      `json:"duration_ns"`
	Sources  int                `json:"sources"`
	Cost     llms.CostBreakdown `json:"cost"`
}

// FailedPayload closes a failed session.
type FailedPayload struct {
	Error string `json:"error"`
	Phase string `json:"phase,omitempty"`
}

// CancelledPayload closes a cancelled session.
type CancelledPayload struct {
	Reason string `json:"reason"`
}

// DecodePayload unmarshals the event payload into the type matching its
// event type.
func DecodePayload(e Event) (any, error) {
	var target any
	switch e.Type {
	case EventResearchStarted:
		target = &StartedPayload{}
	case EventPlanCreated:
		target = &PlanPayload{}
	case EventWorkerStarted:
		target = &WorkerStartedPayload{}
	case EventWorkerCompleted:
		target = &WorkerCompletedPayload{}
	case EventWorkerFailed:
		target = &WorkerFailedPayload{}
	case EventReportGenerated:
		target = &ReportPayload{}
	case EventResearchCompleted:
		target = &CompletedPayload{}
	case EventResearchFailed:
		target = &FailedPayload{}
	case EventResearchCancelled:
		target = &CancelledPayload{}
	default:
		return nil, fmt.Errorf("unknown event type %q", e.Type)
	}
	if err := json.Unmarshal(e.Payload, target); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return target, nil
}
