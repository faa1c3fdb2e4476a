package nudge

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SQLiteStore persists tasks in a nudge_tasks table. due_at travels as
// RFC3339 text per the store's record format; a row whose instant no longer
// parses is reported as malformed rather than breaking the whole scan.
type SQLiteStore struct {
	conn *sql.DB
}

func NewSQLiteStore(conn *sql.DB) (*SQLiteStore, error) {
	if conn == nil {
		return nil, errors.New("nudge: db connection is required")
	}
	store := &SQLiteStore{conn: conn}
	if err := store.initSchema(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS nudge_tasks (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			channel_id TEXT NOT NULL,
			status TEXT NOT NULL,
			due_at TEXT NOT NULL,
			payload TEXT NOT NULL,
			level INTEGER NOT NULL DEFAULT 1,
			attempts INTEGER NOT NULL DEFAULT 0,
			version INTEGER NOT NULL DEFAULT 1,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_nudge_tasks_user_status ON nudge_tasks(user_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_nudge_tasks_status_due ON nudge_tasks(status, due_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.conn.Exec(stmt); err != nil {
			return fmt.Errorf("nudge: init schema: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Create(ctx context.Context, task Task) (Task, error) {
	if strings.TrimSpace(task.ID) == "" {
		return Task{}, fmt.Errorf("nudge: task id is required")
	}
	now := time.Now().UTC()
	task.Version = 1
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now

	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO nudge_tasks(id, user_id, channel_id, status, due_at, payload, level, attempts, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		task.ID,
		task.UserID,
		task.ChannelID,
		string(task.Status),
		task.DueAt.UTC().Format(time.RFC3339),
		task.Payload,
		task.Level,
		task.Attempts,
		task.Version,
		task.CreatedAt.Unix(),
		task.UpdatedAt.Unix(),
	)
	if err != nil {
		return Task{}, err
	}
	return task, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (Task, error) {
	row := s.conn.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, ErrNotFound
	}
	return task, err
}

func (s *SQLiteStore) CompareAndSwap(ctx context.Context, task Task) (Task, error) {
	res, err := s.conn.ExecContext(ctx, `
		UPDATE nudge_tasks
		SET user_id = ?, channel_id = ?, status = ?, due_at = ?, payload = ?, level = ?, attempts = ?,
			version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?
	`,
		task.UserID,
		task.ChannelID,
		string(task.Status),
		task.DueAt.UTC().Format(time.RFC3339),
		task.Payload,
		task.Level,
		task.Attempts,
		time.Now().UTC().Unix(),
		task.ID,
		task.Version,
	)
	if err != nil {
		return Task{}, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return Task{}, err
	}
	if affected == 0 {
		if _, getErr := s.Get(ctx, task.ID); errors.Is(getErr, ErrNotFound) {
			return Task{}, ErrNotFound
		}
		return Task{}, ErrVersionConflict
	}
	task.Version++
	return task, nil
}

func (s *SQLiteStore) ActiveByUser(ctx context.Context, userID string) ([]Task, error) {
	rows, err := s.conn.QueryContext(ctx, selectColumns+`
		WHERE user_id = ? AND status IN (?, ?, ?)
		ORDER BY due_at ASC
	`, userID, string(StatusPendingLevel1), string(StatusPendingLevel2), string(StatusPendingFollowUp))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		task, err := scanTask(rows)
		if errors.Is(err, errBadDueAt) {
			// Still an active record: supersession and cancellation must
			// see it even though its instant no longer parses.
			out = append(out, task)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListDue(ctx context.Context, before time.Time, limit int) ([]Task, []string, error) {
	if limit <= 0 {
		limit = 50
	}
	// due_at filtering happens Go-side: a corrupt instant would silently drop
	// out of an SQL comparison, and those rows must be surfaced instead.
	rows, err := s.conn.QueryContext(ctx, selectColumns+`
		WHERE status IN (?, ?, ?)
		ORDER BY due_at ASC
	`, string(StatusPendingLevel1), string(StatusPendingLevel2), string(StatusPendingFollowUp))
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var (
		due       []Task
		malformed []string
	)
	for rows.Next() {
		task, err := scanTask(rows)
		if errors.Is(err, errBadDueAt) {
			malformed = append(malformed, task.ID)
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		if !task.DueAt.After(before) && len(due) < limit {
			due = append(due, task)
		}
	}
	return due, malformed, rows.Err()
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.conn.ExecContext(ctx, `DELETE FROM nudge_tasks WHERE id = ?`, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) Retire(ctx context.Context, id string, status Status) error {
	res, err := s.conn.ExecContext(ctx, `
		UPDATE nudge_tasks SET status = ?, version = version + 1, updated_at = ? WHERE id = ?
	`, string(status), time.Now().UTC().Unix(), id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

const selectColumns = `
	SELECT id, user_id, channel_id, status, due_at, payload, level, attempts, version, created_at, updated_at
	FROM nudge_tasks`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// errBadDueAt marks a row whose persisted instant no longer parses; the
// returned Task still carries the id so the caller can retire the record.
var errBadDueAt = errors.New("nudge: bad due_at")

func scanTask(row rowScanner) (Task, error) {
	var (
		task    Task
		status  string
		dueText string
		created int64
		updated int64
	)
	if err := row.Scan(
		&task.ID,
		&task.UserID,
		&task.ChannelID,
		&status,
		&dueText,
		&task.Payload,
		&task.Level,
		&task.Attempts,
		&task.Version,
		&created,
		&updated,
	); err != nil {
		return Task{}, err
	}
	task.Status = Status(status)
	task.CreatedAt = time.Unix(created, 0).UTC()
	task.UpdatedAt = time.Unix(updated, 0).UTC()
	dueAt, err := time.Parse(time.RFC3339, dueText)
	if err != nil {
		return task, fmt.Errorf("%w: record %s: %v", errBadDueAt, task.ID, err)
	}
	task.DueAt = dueAt
	return task, nil
}
