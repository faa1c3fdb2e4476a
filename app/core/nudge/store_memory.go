package nudge

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// MemoryStore keeps tasks as JSON-encoded records behind one mutex. It is
// the test double and the zero-setup driver; records go through the same
// encode/decode path a durable store would use, so corrupt-record handling
// is exercisable here too.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string][]byte)}
}

func (s *MemoryStore) Create(ctx context.Context, task Task) (Task, error) {
	if strings.TrimSpace(task.ID) == "" {
		return Task{}, fmt.Errorf("nudge: task id is required")
	}
	task.Version = 1
	raw, err := json.Marshal(task)
	if err != nil {
		return Task{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[task.ID]; exists {
		return Task{}, fmt.Errorf("nudge: task %s already exists", task.ID)
	}
	s.records[task.ID] = raw
	return task, nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (Task, error) {
	s.mu.Lock()
	raw, ok := s.records[id]
	s.mu.Unlock()
	if !ok {
		return Task{}, ErrNotFound
	}
	var task Task
	if err := json.Unmarshal(raw, &task); err != nil {
		return Task{}, fmt.Errorf("nudge: record %s is corrupt: %w", id, err)
	}
	return task, nil
}

func (s *MemoryStore) CompareAndSwap(ctx context.Context, task Task) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, ok := s.records[task.ID]
	if !ok {
		return Task{}, ErrNotFound
	}
	var current Task
	if err := json.Unmarshal(raw, &current); err != nil {
		return Task{}, fmt.Errorf("nudge: record %s is corrupt: %w", task.ID, err)
	}
	if current.Version != task.Version {
		return Task{}, ErrVersionConflict
	}
	task.Version++
	updated, err := json.Marshal(task)
	if err != nil {
		return Task{}, err
	}
	s.records[task.ID] = updated
	return task, nil
}

func (s *MemoryStore) ActiveByUser(ctx context.Context, userID string) ([]Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Task
	for _, raw := range s.records {
		var task Task
		if err := json.Unmarshal(raw, &task); err != nil {
			continue
		}
		if task.UserID == userID && task.Status.Active() {
			out = append(out, task)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DueAt.Before(out[j].DueAt) })
	return out, nil
}

func (s *MemoryStore) ListDue(ctx context.Context, before time.Time, limit int) ([]Task, []string, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		due       []Task
		malformed []string
	)
	for id, raw := range s.records {
		var task Task
		if err := json.Unmarshal(raw, &task); err != nil {
			// Only a still-active record is worth retiring; one already moved
			// to a failed status stays parked.
			if Status(gjson.GetBytes(raw, "status").String()).Active() {
				malformed = append(malformed, id)
			}
			continue
		}
		if task.Status.Active() && !task.DueAt.After(before) {
			due = append(due, task)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].DueAt.Before(due[j].DueAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	sort.Strings(malformed)
	return due, malformed, nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[id]; !ok {
		return ErrNotFound
	}
	delete(s.records, id)
	return nil
}

func (s *MemoryStore) Retire(ctx context.Context, id string, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	// The record body may be unparseable; patch just the status field so the
	// rest stays inspectable.
	updated, err := sjson.SetBytes(raw, "status", string(status))
	if err != nil {
		return fmt.Errorf("nudge: retire %s: %w", id, err)
	}
	s.records[id] = updated
	return nil
}

// InjectRaw plants a raw record body, bypassing validation. Tests use it to
// simulate store corruption.
func (s *MemoryStore) InjectRaw(id string, raw []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[id] = raw
}
