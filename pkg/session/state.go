package session

import (
	"time"

	"github.com/emilwareus/go-research/pkg/llms"
	"github.com/emilwareus/go-research/pkg/research"
)

// Status is the lifecycle state of a session. A session becomes terminal
// (complete, failed or cancelled) at most once and is immutable after.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusComplete  Status = "complete"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusFailed || s == StatusCancelled
}

// WorkerStatus is the lifecycle state of one worker.
type WorkerStatus string

const (
	WorkerPending  WorkerStatus = "pending"
	WorkerRunning  WorkerStatus = "running"
	WorkerComplete WorkerStatus = "complete"
	WorkerFailed   WorkerStatus = "failed"
)

// Worker is one executed agent instance inside a session snapshot.
type Worker struct {
	Number      int                `json:"number"`
	Objective   string             `json:"objective"`
	Status      WorkerStatus       `json:"status"`
	StartedAt   time.Time          `json:"started_at"`
	CompletedAt *time.Time         `json:"completed_at,omitempty"`
	Cost        llms.CostBreakdown `json:"cost"`
	Output      string             `json:"output,omitempty"`
	Sources     []string           `json:"sources,omitempty"`
	Facts       []research.Fact    `json:"facts,omitempty"`
	Error       string             `json:"error,omitempty"`
}

// Session is a read-only snapshot reconstructed from the event log. It
// carries no write authority; mutations go through Store.Append.
type Session struct {
	ID           string                 `json:"id"`
	Query        string                 `json:"query"`
	Topic        string                 `json:"topic,omitempty"`
	Perspectives []research.Perspective `json:"perspectives,omitempty"`
	Workers      []Worker               `json:"workers,omitempty"`
	Sources      []string               `json:"sources,omitempty"`
	Cost         llms.CostBreakdown     `json:"cost"`
	Status       Status                 `json:"status"`
	Report       *research.Report       `json:"report,omitempty"`
	StartedAt    time.Time              `json:"started_at"`
	CompletedAt  *time.Time             `json:"completed_at,omitempty"`
	Error        string                 `json:"error,omitempty"`

	// Version is the number of events applied; used as the expected
	// version for optimistic concurrency on the next append.
	Version int `json:"version"`
}

// worker finds a worker by number, appending a placeholder when the log
// references a number not yet registered.
func (s *Session) worker(num int) *Worker {
	for i := range s.Workers {
		if s.Workers[i].Number == num {
			return &s.Workers[i]
		}
	}
	s.Workers = append(s.Workers, Worker{Number: num, Status: WorkerPending})
	return &s.Workers[len(s.Workers)-1]
}

// Reduce applies one event to the snapshot. It is a pure transition
// function: the same event sequence always yields the same snapshot.
// Events arriving after a terminal status only advance the version.
func Reduce(s *Session, e Event) error {
	payload, err := DecodePayload(e)
	if err != nil {
		return err
	}

	s.Version = e.Version
	if s.ID == "" {
		s.ID = e.AggregateID
	}

	if s.Status.Terminal() {
		return nil
	}

	switch p := payload.(type) {
	case *StartedPayload:
		s.Query = p.Query
		s.Status = StatusRunning
		s.StartedAt = e.Timestamp

	case *PlanPayload:
		s.Topic = p.Topic
		s.Perspectives = p.Perspectives

	case *WorkerStartedPayload:
		w := s.worker(p.WorkerNum)
		w.Objective = p.Objective
		w.Status = WorkerRunning
		w.StartedAt = e.Timestamp

	case *WorkerCompletedPayload:
		w := s.worker(p.WorkerNum)
		w.Status = WorkerComplete
		w.Output = p.Output
		w.Facts = p.Facts
		w.Cost = p.Cost
		ts := e.Timestamp
		w.CompletedAt = &ts
		for _, src := range p.Sources {
			if !containsString(s.Sources, src) {
				s.Sources = append(s.Sources, src)
			}
			if !containsString(w.Sources, src) {
				w.Sources = append(w.Sources, src)
			}
		}
		s.Cost.Add(p.Cost)

	case *WorkerFailedPayload:
		w := s.worker(p.WorkerNum)
		w.Status = WorkerFailed
		w.Error = p.Error
		ts := e.Timestamp
		w.CompletedAt = &ts

	case *ReportPayload:
		report := p.Report
		s.Report = &report

	case *CompletedPayload:
		s.Status = StatusComplete
		ts := e.Timestamp
		s.CompletedAt = &ts

	case *FailedPayload:
		s.Status = StatusFailed
		s.Error = p.Error
		ts := e.Timestamp
		s.CompletedAt = &ts

	case *CancelledPayload:
		s.Status = StatusCancelled
		s.Error = p.Reason
		ts := e.Timestamp
		s.CompletedAt = &ts
	}

	return nil
}

// Replay folds an ordered event sequence into a fresh snapshot.
func Replay(id string, events []Event) (*Session, error) {
	s := &Session{ID: id, Status: StatusPending}
	for _, e := range events {
		if err := Reduce(s, e); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
