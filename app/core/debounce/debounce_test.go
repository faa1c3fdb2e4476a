package debounce

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"korkibot/app/pkg/types"
)

type recorder struct {
	mu    sync.Mutex
	turns []types.Turn
}

func (r *recorder) handle(turn types.Turn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.turns = append(r.turns, turn)
}

func (r *recorder) snapshot() []types.Turn {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.Turn, len(r.turns))
	copy(out, r.turns)
	return out
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestBurstDrainsAsOneTurn(t *testing.T) {
	rec := &recorder{}
	agg := New(40*time.Millisecond, rec.handle)
	defer agg.Stop()

	for _, text := range []string{"dzień dobry", "szukam korepetycji", "z matematyki"} {
		if err := agg.OnMessage("u1", "page-1", text); err != nil {
			t.Fatalf("on message: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	waitFor(t, time.Second, func() bool { return len(rec.snapshot()) == 1 })
	turn := rec.snapshot()[0]
	if turn.UserID != "u1" || turn.ChannelID != "page-1" {
		t.Fatalf("bad routing: %+v", turn)
	}
	want := "dzień dobry\nszukam korepetycji\nz matematyki"
	if turn.Text != want {
		t.Fatalf("expected joined burst %q, got %q", want, turn.Text)
	}
}

func TestQuietPeriodRestartsOnEachMessage(t *testing.T) {
	rec := &recorder{}
	agg := New(50*time.Millisecond, rec.handle)
	defer agg.Stop()

	// Keep messages arriving faster than the quiet period: nothing drains.
	for i := 0; i < 4; i++ {
		if err := agg.OnMessage("u1", "page-1", "msg"); err != nil {
			t.Fatalf("on message: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}
	if got := len(rec.snapshot()); got != 0 {
		t.Fatalf("expected no drain while burst in flight, got %d", got)
	}

	waitFor(t, time.Second, func() bool { return len(rec.snapshot()) == 1 })
	if parts := strings.Count(rec.snapshot()[0].Text, "msg"); parts != 4 {
		t.Fatalf("expected all 4 messages in one turn, got %d", parts)
	}
}

func TestUsersDrainIndependently(t *testing.T) {
	rec := &recorder{}
	agg := New(30*time.Millisecond, rec.handle)
	defer agg.Stop()

	if err := agg.OnMessage("u1", "page-1", "a"); err != nil {
		t.Fatalf("on message: %v", err)
	}
	if err := agg.OnMessage("u2", "page-1", "b"); err != nil {
		t.Fatalf("on message: %v", err)
	}

	waitFor(t, time.Second, func() bool { return len(rec.snapshot()) == 2 })
	users := map[string]bool{}
	for _, turn := range rec.snapshot() {
		users[turn.UserID] = true
	}
	if !users["u1"] || !users["u2"] {
		t.Fatalf("expected one turn per user, got %+v", rec.snapshot())
	}
}

func TestSecondBurstProducesSecondTurn(t *testing.T) {
	rec := &recorder{}
	agg := New(25*time.Millisecond, rec.handle)
	defer agg.Stop()

	if err := agg.OnMessage("u1", "page-1", "first"); err != nil {
		t.Fatalf("on message: %v", err)
	}
	waitFor(t, time.Second, func() bool { return len(rec.snapshot()) == 1 })

	if err := agg.OnMessage("u1", "page-1", "second"); err != nil {
		t.Fatalf("on message: %v", err)
	}
	waitFor(t, time.Second, func() bool { return len(rec.snapshot()) == 2 })

	if rec.snapshot()[1].Text != "second" {
		t.Fatalf("second turn should only carry the new burst, got %q", rec.snapshot()[1].Text)
	}
}

func TestStopReleasesSenderBlockedOnFullInbox(t *testing.T) {
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	agg := New(10*time.Millisecond, func(types.Turn) {
		entered <- struct{}{}
		<-release
	})

	// Park the actor inside the handler so the inbox stops draining.
	if err := agg.OnMessage("u1", "page-1", "seed"); err != nil {
		t.Fatalf("on message: %v", err)
	}
	<-entered

	// Fill the inbox buffer, then queue one more send that has to block.
	for i := 0; i < 16; i++ {
		if err := agg.OnMessage("u1", "page-1", "fill"); err != nil {
			t.Fatalf("fill %d: %v", i, err)
		}
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- agg.OnMessage("u1", "page-1", "blocked")
	}()
	select {
	case err := <-errCh:
		t.Fatalf("send should block on the full inbox, returned %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	stopDone := make(chan struct{})
	go func() {
		agg.Stop()
		close(stopDone)
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrStopped) {
			t.Fatalf("expected ErrStopped for blocked send, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("blocked send not released by Stop")
	}

	close(release)
	select {
	case <-stopDone:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return after handler finished")
	}
}

func TestStopRejectsNewMessages(t *testing.T) {
	agg := New(10*time.Millisecond, func(types.Turn) {})
	agg.Stop()
	if err := agg.OnMessage("u1", "page-1", "late"); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
	// Stop twice is a no-op.
	agg.Stop()
}
