// Package debounce coalesces rapid message bursts from one lead into a
// single conversation turn. Each user gets an actor goroutine that owns its
// buffer and quiet-period timer, so drains are exactly-once and never
// overlap for the same user.
package debounce

import (
	"errors"
	"strings"
	"sync"
	"time"

	"korkibot/app/pkg/types"
)

var ErrStopped = errors.New("debounce: aggregator stopped")

type inbound struct {
	channelID string
	text      string
	at        time.Time
}

type Aggregator struct {
	quiet   time.Duration
	handler func(types.Turn)
	now     func() time.Time

	mu      sync.Mutex
	inboxes map[string]chan inbound
	stop    chan struct{}
	stopped bool
	wg      sync.WaitGroup
}

func New(quiet time.Duration, handler func(types.Turn)) *Aggregator {
	if quiet <= 0 {
		quiet = 5 * time.Second
	}
	return &Aggregator{
		quiet:   quiet,
		handler: handler,
		now:     time.Now,
		inboxes: make(map[string]chan inbound),
		stop:    make(chan struct{}),
	}
}

// SetNow overrides the clock; tests only.
func (a *Aggregator) SetNow(now func() time.Time) {
	if now != nil {
		a.now = now
	}
}

// OnMessage appends text to the user's buffer and restarts the quiet-period
// countdown. The combined turn is handed to the handler once the user goes
// quiet.
func (a *Aggregator) OnMessage(userID string, channelID string, text string) error {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return ErrStopped
	}
	inbox, ok := a.inboxes[userID]
	if !ok {
		inbox = make(chan inbound, 16)
		a.inboxes[userID] = inbox
		a.wg.Add(1)
		go a.run(userID, inbox)
	}
	a.mu.Unlock()

	// The inbox is never closed; a send racing with Stop resolves to
	// ErrStopped.
	select {
	case inbox <- inbound{channelID: channelID, text: text, at: a.now()}:
		return nil
	case <-a.stop:
		return ErrStopped
	}
}

// Stop shuts down all user actors. Buffered-but-undrained text is discarded;
// it is not durable state.
func (a *Aggregator) Stop() {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return
	}
	a.stopped = true
	close(a.stop)
	a.mu.Unlock()
	a.wg.Wait()
}

func (a *Aggregator) run(userID string, inbox chan inbound) {
	defer a.wg.Done()

	var (
		parts     []string
		channelID string
		firstAt   time.Time
		timer     *time.Timer
		timerC    <-chan time.Time
	)

	for {
		select {
		case <-a.stop:
			if timer != nil {
				timer.Stop()
			}
			return

		case msg := <-inbox:
			if len(parts) == 0 {
				channelID = msg.channelID
				firstAt = msg.at
			}
			parts = append(parts, msg.text)
			if timer != nil {
				timer.Stop()
			}
			// A stale fire from the replaced timer lands on the old
			// channel and is never selected again.
			timer = time.NewTimer(a.quiet)
			timerC = timer.C

		case <-timerC:
			turn := types.Turn{
				UserID:     userID,
				ChannelID:  channelID,
				Text:       strings.Join(parts, "\n"),
				ReceivedAt: firstAt,
			}
			parts = nil
			timer = nil
			timerC = nil
			a.handler(turn)
		}
	}
}
