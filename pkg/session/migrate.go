package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/emilwareus/go-research/pkg/llms"
	"github.com/emilwareus/go-research/pkg/research"
)

// ErrAlreadyMigrated is returned when the target session already has events.
// Migration never appends to an existing log.
var ErrAlreadyMigrated = errors.New("session: already migrated")

// LegacySession is the old snapshot-shaped on-disk format: one JSON document
// holding final state with no event history.
type LegacySession struct {
	ID           string                 `json:"id"`
	Query        string                 `json:"query"`
	Topic        string                 `json:"topic,omitempty"`
	Perspectives []research.Perspective `json:"perspectives,omitempty"`
	Workers      []LegacyWorker         `json:"workers,omitempty"`
	Report       *research.Report       `json:"report,omitempty"`
	Status       string                 `json:"status"`
	Cost         llms.CostBreakdown     `json:"cost"`
	Error        string                 `json:"error,omitempty"`
}

// LegacyWorker is a worker entry of the old snapshot format.
type LegacyWorker struct {
	Number    int             `json:"number"`
	Objective string          `json:"objective"`
	Status    string          `json:"status"`
	Output    string          `json:"output,omitempty"`
	Sources   []string        `json:"sources,omitempty"`
	Facts     []research.Fact `json:"facts,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Migrate projects a legacy snapshot into the canonical event sequence and
// appends it as the session's log. Refuses to touch a session that already
// has events.
func (s *Store) Migrate(legacy LegacySession) error {
	if legacy.ID == "" {
		return errors.New("session: legacy snapshot has no id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.currentVersion(legacy.ID)
	if err != nil {
		return err
	}
	if current > 0 {
		return fmt.Errorf("%w: session %s has %d events", ErrAlreadyMigrated, legacy.ID, current)
	}

	_, err = s.appendLocked(legacy.ID, 0, projectLegacy(legacy))
	return err
}

// MigrateFile loads a legacy snapshot file and migrates it.
func (s *Store) MigrateFile(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read legacy session: %w", err)
	}
	var legacy LegacySession
	if err := json.Unmarshal(raw, &legacy); err != nil {
		return "", fmt.Errorf("parse legacy session: %w", err)
	}
	if err := s.Migrate(legacy); err != nil {
		return "", err
	}
	return legacy.ID, nil
}

// projectLegacy derives the canonical event sequence from final state:
// started, plan, per-worker started then completed or failed, report, then
// the terminal event.
func projectLegacy(legacy LegacySession) []NewEvent {
	events := []NewEvent{
		{Type: EventResearchStarted, Payload: StartedPayload{Query: legacy.Query}},
	}

	if legacy.Topic != "" || len(legacy.Perspectives) > 0 {
		events = append(events, NewEvent{
			Type:    EventPlanCreated,
			Payload: PlanPayload{Topic: legacy.Topic, Perspectives: legacy.Perspectives},
		})
	}

	for _, w := range legacy.Workers {
		events = append(events, NewEvent{
			Type:    EventWorkerStarted,
			Payload: WorkerStartedPayload{WorkerNum: w.Number, Objective: w.Objective},
		})
		switch w.Status {
		case string(WorkerFailed):
			events = append(events, NewEvent{
				Type:    EventWorkerFailed,
				Payload: WorkerFailedPayload{WorkerNum: w.Number, Error: w.Error},
			})
		default:
			events = append(events, NewEvent{
				Type: EventWorkerCompleted,
				Payload: WorkerCompletedPayload{
					WorkerNum: w.Number,
					Output:    w.Output,
					Sources:   w.Sources,
					Facts:     w.Facts,
				},
			})
		}
	}

	if legacy.Report != nil {
		events = append(events, NewEvent{
			Type:    EventReportGenerated,
			Payload: ReportPayload{Report: *legacy.Report},
		})
	}

	switch legacy.Status {
	case string(StatusFailed):
		events = append(events, NewEvent{
			Type:    EventResearchFailed,
			Payload: FailedPayload{Error: legacy.Error},
		})
	case string(StatusCancelled):
		events = append(events, NewEvent{
			Type:    EventResearchCancelled,
			Payload: CancelledPayload{Reason: legacy.Error},
		})
	default:
		events = append(events, NewEvent{
			Type:    EventResearchCompleted,
			Payload: CompletedPayload{Sources: countLegacySources(legacy), Cost: legacy.Cost},
		})
	}

	return events
}

func countLegacySources(legacy LegacySession) int {
	seen := make(map[string]struct{})
	for _, w := range legacy.Workers {
		for _, src := range w.Sources {
			seen[src] = struct{}{}
		}
	}
	return len(seen)
}
