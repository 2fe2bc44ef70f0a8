package session

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrConcurrencyConflict is returned when an append's expected version
	// does not match the stored version. Treated as fatal for that write;
	// the store never rebases.
	ErrConcurrencyConflict = errors.New("session: version conflict")

	// ErrNotFound is returned when no log exists for the session.
	ErrNotFound = errors.New("session: not found")
)

const logExt = ".events.jsonl"

// Store is the durable session event log. One append-only JSON-lines file
// per session; ordering within a file is authoritative.
type Store struct {
	dir string

	mu       sync.Mutex
	versions map[string]int // loaded lazily per session
}

// NewStore opens (creating if needed) a store rooted at dir.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	return &Store{dir: dir, versions: make(map[string]int)}, nil
}

func (s *Store) logPath(id string) string {
	return filepath.Join(s.dir, id+logExt)
}

// currentVersion reads the stored version for a session, consulting disk on
// first use. Caller holds s.mu.
func (s *Store) currentVersion(id string) (int, error) {
	if v, ok := s.versions[id]; ok {
		return v, nil
	}
	events, err := s.readLog(id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.versions[id] = 0
			return 0, nil
		}
		return 0, err
	}
	v := 0
	if len(events) > 0 {
		v = events[len(events)-1].Version
	}
	s.versions[id] = v
	return v, nil
}

// Append writes events for a session after an optimistic concurrency check.
// Versions are assigned expectedVersion+1 onward; on conflict nothing is
// written and the stored version is unchanged. Returns the new version.
func (s *Store) Append(id string, expectedVersion int, events []NewEvent) (int, error) {
	if len(events) == 0 {
		return expectedVersion, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(id, expectedVersion, events)
}

// appendLocked does the version check and write. Caller holds s.mu.
func (s *Store) appendLocked(id string, expectedVersion int, events []NewEvent) (int, error) {
	current, err := s.currentVersion(id)
	if err != nil {
		return 0, err
	}
	if current != expectedVersion {
		return current, fmt.Errorf("%w: expected %d, stored %d", ErrConcurrencyConflict, expectedVersion, current)
	}

	records := make([]Event, 0, len(events))
	now := time.Now().UTC().Truncate(time.Millisecond)
	for i, ne := range events {
		payload, err := json.Marshal(ne.Payload)
		if err != nil {
			return 0, fmt.Errorf("marshal %s payload: %w", ne.Type, err)
		}
		records = append(records, Event{
			EventID:     uuid.NewString(),
			AggregateID: id,
			Version:     expectedVersion + i + 1,
			Type:        ne.Type,
			Timestamp:   now,
			Payload:     payload,
		})
	}

	if err := s.writeRecords(id, records); err != nil {
		return 0, err
	}

	newVersion := expectedVersion + len(events)
	s.versions[id] = newVersion
	return newVersion, nil
}

func (s *Store) writeRecords(id string, records []Event) error {
	f, err := os.OpenFile(s.logPath(id), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open session log: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("write session event: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush session log: %w", err)
	}
	return f.Sync()
}

func (s *Store) readLog(id string) ([]Event, error) {
	f, err := os.Open(s.logPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("open session log: %w", err)
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var e Event
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("corrupt session log %s line %d: %w", id, line, err)
		}
		if e.Version != len(events)+1 {
			return nil, fmt.Errorf("corrupt session log %s: version %d at position %d", id, e.Version, len(events)+1)
		}
		events = append(events, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read session log: %w", err)
	}
	return events, nil
}

// Events returns the full ordered log for a session.
func (s *Store) Events(id string) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readLog(id)
}

// Load reconstructs the session snapshot from its log.
func (s *Store) Load(id string) (*Session, error) {
	events, err := s.Events(id)
	if err != nil {
		return nil, err
	}
	return Replay(id, events)
}

// Exists reports whether a log exists for the session.
func (s *Store) Exists(id string) bool {
	_, err := os.Stat(s.logPath(id))
	return err == nil
}

// List returns the IDs of all stored sessions, sorted.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read session dir: %w", err)
	}
	var ids []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, logExt) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, logExt))
	}
	sort.Strings(ids)
	return ids, nil
}

// Close releases the in-memory version index. Logs are flushed on every
// append, so close has nothing to write.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.versions = make(map[string]int)
	return nil
}
