package nudge

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func newSQLiteFixture(t *testing.T) *SQLiteStore {
	t.Helper()
	conn, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	store, err := NewSQLiteStore(conn)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func sqliteTask(id, userID string, status Status, dueAt time.Time) Task {
	return Task{
		ID:        id,
		UserID:    userID,
		ChannelID: "page-1",
		Status:    status,
		DueAt:     dueAt,
		Payload:   "przypomnienie",
		Level:     1,
	}
}

func TestSQLiteCreateAndGet(t *testing.T) {
	store := newSQLiteFixture(t)
	ctx := context.Background()
	dueAt := time.Date(2025, 3, 11, 9, 0, 0, 0, time.UTC)

	created, err := store.Create(ctx, sqliteTask("t-1", "u1", StatusPendingLevel1, dueAt))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.Version != 1 {
		t.Fatalf("unexpected version: %d", created.Version)
	}

	got, err := store.Get(ctx, "t-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.UserID != "u1" || got.Status != StatusPendingLevel1 {
		t.Fatalf("unexpected task: %+v", got)
	}
	if !got.DueAt.Equal(dueAt) {
		t.Fatalf("due_at round trip: want %s got %s", dueAt, got.DueAt)
	}

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := store.Create(ctx, sqliteTask("t-1", "u1", StatusPendingLevel1, dueAt)); err == nil {
		t.Fatal("expected duplicate id rejection")
	}
}

func TestSQLiteCompareAndSwap(t *testing.T) {
	store := newSQLiteFixture(t)
	ctx := context.Background()
	dueAt := time.Date(2025, 3, 11, 9, 0, 0, 0, time.UTC)

	created, err := store.Create(ctx, sqliteTask("t-cas", "u1", StatusPendingLevel1, dueAt))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	stale := created
	created.Status = StatusDone
	updated, err := store.CompareAndSwap(ctx, created)
	if err != nil {
		t.Fatalf("cas: %v", err)
	}
	if updated.Version != 2 {
		t.Fatalf("unexpected version after cas: %d", updated.Version)
	}

	stale.Status = StatusFailedNoRoute
	if _, err := store.CompareAndSwap(ctx, stale); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}

	missing := sqliteTask("t-missing", "u1", StatusDone, dueAt)
	missing.Version = 1
	if _, err := store.CompareAndSwap(ctx, missing); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSQLiteActiveByUser(t *testing.T) {
	store := newSQLiteFixture(t)
	ctx := context.Background()
	dueAt := time.Date(2025, 3, 11, 9, 0, 0, 0, time.UTC)

	for _, task := range []Task{
		sqliteTask("t-a", "u1", StatusPendingLevel1, dueAt),
		sqliteTask("t-b", "u1", StatusDone, dueAt),
		sqliteTask("t-c", "u2", StatusPendingLevel2, dueAt),
	} {
		if _, err := store.Create(ctx, task); err != nil {
			t.Fatalf("create %s: %v", task.ID, err)
		}
	}

	active, err := store.ActiveByUser(ctx, "u1")
	if err != nil {
		t.Fatalf("active by user: %v", err)
	}
	if len(active) != 1 || active[0].ID != "t-a" {
		t.Fatalf("unexpected active tasks: %+v", active)
	}
}

func TestSQLiteActiveByUserIncludesCorruptInstants(t *testing.T) {
	store := newSQLiteFixture(t)
	ctx := context.Background()
	dueAt := time.Date(2025, 3, 11, 9, 0, 0, 0, time.UTC)

	if _, err := store.Create(ctx, sqliteTask("t-good", "u1", StatusPendingLevel1, dueAt)); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.conn.Exec(
		`INSERT INTO nudge_tasks (id, user_id, channel_id, status, due_at, payload, level, attempts, version, created_at, updated_at)
		 VALUES ('t-mangled', 'u1', 'page-1', ?, 'kiedyś', '', 1, 0, 1, 0, 0)`,
		string(StatusPendingLevel2),
	); err != nil {
		t.Fatalf("insert corrupt row: %v", err)
	}

	active, err := store.ActiveByUser(ctx, "u1")
	if err != nil {
		t.Fatalf("active by user: %v", err)
	}
	ids := map[string]Task{}
	for _, task := range active {
		ids[task.ID] = task
	}
	if len(ids) != 2 {
		t.Fatalf("expected corrupt active row to be listed, got %+v", active)
	}
	mangled, ok := ids["t-mangled"]
	if !ok {
		t.Fatalf("corrupt row missing from active set: %+v", active)
	}
	if mangled.Version != 1 || mangled.Status != StatusPendingLevel2 {
		t.Fatalf("corrupt row lost its metadata: %+v", mangled)
	}

	// Supersession can now retire it like any other active record.
	mangled.Status = StatusDone
	if _, err := store.CompareAndSwap(ctx, mangled); err != nil {
		t.Fatalf("cas on corrupt row: %v", err)
	}
	active, err = store.ActiveByUser(ctx, "u1")
	if err != nil {
		t.Fatalf("active by user: %v", err)
	}
	if len(active) != 1 || active[0].ID != "t-good" {
		t.Fatalf("superseded row still active: %+v", active)
	}
}

func TestSQLiteListDueOrdersAndFilters(t *testing.T) {
	store := newSQLiteFixture(t)
	ctx := context.Background()
	now := time.Date(2025, 3, 11, 12, 0, 0, 0, time.UTC)

	for _, task := range []Task{
		sqliteTask("t-late", "u1", StatusPendingLevel1, now.Add(-2*time.Hour)),
		sqliteTask("t-later", "u2", StatusPendingLevel2, now.Add(-time.Hour)),
		sqliteTask("t-future", "u3", StatusPendingFollowUp, now.Add(time.Hour)),
		sqliteTask("t-done", "u4", StatusDone, now.Add(-3*time.Hour)),
	} {
		if _, err := store.Create(ctx, task); err != nil {
			t.Fatalf("create %s: %v", task.ID, err)
		}
	}

	due, malformed, err := store.ListDue(ctx, now, 10)
	if err != nil {
		t.Fatalf("list due: %v", err)
	}
	if len(malformed) != 0 {
		t.Fatalf("unexpected malformed ids: %v", malformed)
	}
	if len(due) != 2 || due[0].ID != "t-late" || due[1].ID != "t-later" {
		t.Fatalf("unexpected due tasks: %+v", due)
	}
}

func TestSQLiteListDueSurfacesCorruptInstants(t *testing.T) {
	store := newSQLiteFixture(t)
	ctx := context.Background()
	now := time.Date(2025, 3, 11, 12, 0, 0, 0, time.UTC)

	if _, err := store.Create(ctx, sqliteTask("t-ok", "u1", StatusPendingLevel1, now.Add(-time.Hour))); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.conn.Exec(
		`INSERT INTO nudge_tasks (id, user_id, channel_id, status, due_at, payload, level, attempts, version, created_at, updated_at)
		 VALUES ('t-bad', 'u2', 'page-1', ?, 'wczoraj', '', 1, 0, 1, 0, 0)`,
		string(StatusPendingLevel1),
	); err != nil {
		t.Fatalf("insert corrupt row: %v", err)
	}

	due, malformed, err := store.ListDue(ctx, now, 10)
	if err != nil {
		t.Fatalf("list due: %v", err)
	}
	if len(due) != 1 || due[0].ID != "t-ok" {
		t.Fatalf("unexpected due tasks: %+v", due)
	}
	if len(malformed) != 1 || malformed[0] != "t-bad" {
		t.Fatalf("unexpected malformed ids: %v", malformed)
	}

	if err := store.Retire(ctx, "t-bad", StatusFailedBadTime); err != nil {
		t.Fatalf("retire: %v", err)
	}
	_, malformed, err = store.ListDue(ctx, now, 10)
	if err != nil {
		t.Fatalf("list due after retire: %v", err)
	}
	if len(malformed) != 0 {
		t.Fatalf("retired record still surfaced: %v", malformed)
	}
}

func TestSQLiteDelete(t *testing.T) {
	store := newSQLiteFixture(t)
	ctx := context.Background()

	if _, err := store.Create(ctx, sqliteTask("t-del", "u1", StatusPendingLevel1, time.Now().UTC())); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Delete(ctx, "t-del"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := store.Delete(ctx, "t-del"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
