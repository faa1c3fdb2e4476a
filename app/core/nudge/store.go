package nudge

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound        = errors.New("nudge: task not found")
	ErrVersionConflict = errors.New("nudge: version conflict")
)

// Store is durable ownership of Task records. Implementations must make
// CompareAndSwap atomic with respect to concurrent writers; every state
// transition in this package goes through it.
//
// ListDue additionally surfaces record ids whose persisted form no longer
// parses (corrupt due_at or body); the scheduler retires those instead of
// aborting the cycle.
type Store interface {
	Create(ctx context.Context, task Task) (Task, error)
	Get(ctx context.Context, id string) (Task, error)
	// CompareAndSwap persists task if the stored Version still equals
	// task.Version, bumping the version. ErrVersionConflict otherwise.
	CompareAndSwap(ctx context.Context, task Task) (Task, error)
	ActiveByUser(ctx context.Context, userID string) ([]Task, error)
	ListDue(ctx context.Context, before time.Time, limit int) (due []Task, malformed []string, err error)
	Delete(ctx context.Context, id string) error
	// Retire force-marks a record the scheduler could not even parse.
	Retire(ctx context.Context, id string, status Status) error
}
