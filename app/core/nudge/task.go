// Package nudge owns the follow-up reminder lifecycle: durable task records,
// the at-most-one-active-task-per-lead invariant, and the poll cycle that
// sends due reminders inside the allowed hours.
package nudge

import "time"

type Status string

const (
	StatusPendingLevel1   Status = "pending_level_1"
	StatusPendingLevel2   Status = "pending_level_2"
	StatusPendingFollowUp Status = "pending_follow_up"
	StatusDone            Status = "done"
	StatusFailedNoRoute   Status = "failed_no_route"
	StatusFailedBadTime   Status = "failed_bad_time"
)

// Active reports whether the task still owns the user's reminder slot.
func (s Status) Active() bool {
	switch s {
	case StatusPendingLevel1, StatusPendingLevel2, StatusPendingFollowUp:
		return true
	default:
		return false
	}
}

// Task is one scheduled reminder. Version guards every read-modify-write:
// stores reject an update whose Version does not match the persisted record.
type Task struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	ChannelID string    `json:"channel_id"`
	Status    Status    `json:"status"`
	DueAt     time.Time `json:"due_at"`
	Payload   string    `json:"payload"`
	Level     int       `json:"level"`
	Attempts  int       `json:"attempts"`
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
