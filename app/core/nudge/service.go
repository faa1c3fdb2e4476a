package nudge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"korkibot/app/core/window"
	"korkibot/app/pkg/logger"
	"korkibot/app/pkg/types"
)

// RouteFunc resolves the delivery credential for a channel. A false return
// means the task has no route and is terminally failed.
type RouteFunc func(channelID string) (token string, ok bool)

type Config struct {
	Level1Delay   time.Duration
	Level2Delay   time.Duration
	Level1Payload string
	Level2Payload string
	AttemptCap    int
	BatchLimit    int
	// ReadAdvance pulls a level-1 reminder earlier once the lead has seen the
	// last message without replying. Zero disables read-receipt retiming.
	ReadAdvance time.Duration
}

// Service owns every ReminderTask state transition after creation. One poll
// cycle at a time: a tick arriving while the previous cycle still runs is
// skipped, and each due task is processed independently so one failed
// delivery never aborts the batch.
type Service struct {
	store  Store
	sender types.Sender
	win    window.Policy
	routes RouteFunc
	cfg    Config
	now    func() time.Time

	cycleMu sync.Mutex
}

func NewService(store Store, sender types.Sender, win window.Policy, routes RouteFunc, cfg Config) (*Service, error) {
	if store == nil {
		return nil, errors.New("nudge: store is required")
	}
	if sender == nil {
		return nil, errors.New("nudge: sender is required")
	}
	if routes == nil {
		return nil, errors.New("nudge: route resolver is required")
	}
	if cfg.Level1Delay <= 0 {
		cfg.Level1Delay = 12 * time.Hour
	}
	if cfg.Level2Delay <= 0 {
		cfg.Level2Delay = 24 * time.Hour
	}
	if strings.TrimSpace(cfg.Level1Payload) == "" {
		cfg.Level1Payload = "Dzień dobry! Czy są Państwo nadal zainteresowani korepetycjami?"
	}
	if strings.TrimSpace(cfg.Level2Payload) == "" {
		cfg.Level2Payload = "Dzień dobry! To ostatnie przypomnienie z naszej strony - gdyby temat korepetycji wrócił, jesteśmy do dyspozycji."
	}
	if cfg.AttemptCap <= 0 {
		cfg.AttemptCap = 3
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 50
	}
	return &Service{
		store:  store,
		sender: sender,
		win:    win,
		routes: routes,
		cfg:    cfg,
		now:    time.Now,
	}, nil
}

// SetNow overrides the clock; tests only.
func (s *Service) SetNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// ScheduleInitial books the generic "still interested?" sequence for a lead,
// superseding whatever active task the lead already had.
func (s *Service) ScheduleInitial(ctx context.Context, userID string, channelID string, payload string) (Task, error) {
	if strings.TrimSpace(payload) == "" {
		payload = s.cfg.Level1Payload
	}
	now := s.now()
	return s.createSuperseding(ctx, Task{
		UserID:    userID,
		ChannelID: channelID,
		Status:    StatusPendingLevel1,
		DueAt:     s.win.Clip(now.Add(s.cfg.Level1Delay)),
		Payload:   payload,
		Level:     1,
		CreatedAt: now,
	})
}

// ScheduleFollowUp books a one-shot reminder at the instant the lead asked
// for. The caller has already validated the estimate against the horizon.
func (s *Service) ScheduleFollowUp(ctx context.Context, userID string, channelID string, payload string, at time.Time) (Task, error) {
	if strings.TrimSpace(payload) == "" {
		payload = s.cfg.Level1Payload
	}
	now := s.now()
	return s.createSuperseding(ctx, Task{
		UserID:    userID,
		ChannelID: channelID,
		Status:    StatusPendingFollowUp,
		DueAt:     s.win.Clip(at),
		Payload:   payload,
		Level:     1,
		CreatedAt: now,
	})
}

func (s *Service) createSuperseding(ctx context.Context, task Task) (Task, error) {
	if strings.TrimSpace(task.UserID) == "" {
		return Task{}, errors.New("nudge: user id is required")
	}
	if strings.TrimSpace(task.ChannelID) == "" {
		return Task{}, errors.New("nudge: channel id is required")
	}
	if err := s.supersedeActive(ctx, task.UserID); err != nil {
		return Task{}, err
	}
	task.ID = uuid.NewString()
	return s.store.Create(ctx, task)
}

// supersedeActive marks every active task of the user done. Racing writers
// are tolerated: a conflicting record is re-read and tried once more, and a
// record that vanished mid-flight already stopped being active.
func (s *Service) supersedeActive(ctx context.Context, userID string) error {
	active, err := s.store.ActiveByUser(ctx, userID)
	if err != nil {
		return err
	}
	for _, task := range active {
		for attempt := 0; attempt < 2; attempt++ {
			task.Status = StatusDone
			_, err := s.store.CompareAndSwap(ctx, task)
			if err == nil || errors.Is(err, ErrNotFound) {
				break
			}
			if errors.Is(err, ErrVersionConflict) {
				fresh, getErr := s.store.Get(ctx, task.ID)
				if getErr != nil || !fresh.Status.Active() {
					break
				}
				task = fresh
				continue
			}
			return err
		}
	}
	return nil
}

// CancelActive deletes the user's pending reminders outright. Best effort:
// losing the race against an in-flight send is acceptable.
func (s *Service) CancelActive(ctx context.Context, userID string) error {
	active, err := s.store.ActiveByUser(ctx, userID)
	if err != nil {
		return err
	}
	for _, task := range active {
		if err := s.store.Delete(ctx, task.ID); err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
	}
	return nil
}

// PollCycle drains due tasks once. Returns an error only when the store scan
// itself failed; individual task failures are logged and isolated.
func (s *Service) PollCycle(ctx context.Context) error {
	if !s.cycleMu.TryLock() {
		logger.Warn("nudge poll cycle still running, skipping tick")
		return nil
	}
	defer s.cycleMu.Unlock()

	now := s.now()
	due, malformed, err := s.store.ListDue(ctx, now, s.cfg.BatchLimit)
	if err != nil {
		return fmt.Errorf("nudge: list due tasks: %w", err)
	}
	for _, id := range malformed {
		if err := s.store.Retire(ctx, id, StatusFailedBadTime); err != nil && !errors.Is(err, ErrNotFound) {
			logger.Error("retire corrupt task %s: %v", id, err)
			continue
		}
		logger.Warn("task %s has an unreadable record, marked %s", id, StatusFailedBadTime)
	}
	for _, task := range due {
		if err := s.processDue(ctx, task, now); err != nil {
			logger.Error("task %s: %v", task.ID, err)
		}
	}
	return nil
}

func (s *Service) processDue(ctx context.Context, task Task, now time.Time) error {
	if !s.win.Contains(now) {
		task.DueAt = s.win.NextOpen(now)
		_, err := s.store.CompareAndSwap(ctx, task)
		if errors.Is(err, ErrVersionConflict) || errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}

	token, ok := s.routes(task.ChannelID)
	if !ok {
		task.Status = StatusFailedNoRoute
		_, err := s.store.CompareAndSwap(ctx, task)
		if errors.Is(err, ErrVersionConflict) || errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		logger.Warn("task %s has no delivery route for channel %s", task.ID, task.ChannelID)
		return nil
	}

	// Claim the task as done before sending: a crash or a concurrent cycle
	// after this point can lose one reminder, never duplicate it.
	claimed := task
	claimed.Status = StatusDone
	claimed, err := s.store.CompareAndSwap(ctx, claimed)
	if errors.Is(err, ErrVersionConflict) || errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if sendErr := s.sender.Send(ctx, task.UserID, task.Payload, token); sendErr != nil {
		reverted := claimed
		reverted.Attempts++
		if reverted.Attempts >= s.cfg.AttemptCap {
			reverted.Status = StatusFailedNoRoute
		} else {
			reverted.Status = task.Status
		}
		if _, casErr := s.store.CompareAndSwap(ctx, reverted); casErr != nil {
			logger.Error("revert task %s after failed send: %v", task.ID, casErr)
		}
		return fmt.Errorf("send to %s: %w", task.UserID, sendErr)
	}

	logger.Info("sent %s reminder to %s (level %d)", task.Status, task.UserID, task.Level)

	// Escalate exactly once: level 1 chains into level 2, nothing chains
	// further.
	if task.Status == StatusPendingLevel1 {
		successor := Task{
			ID:        uuid.NewString(),
			UserID:    task.UserID,
			ChannelID: task.ChannelID,
			Status:    StatusPendingLevel2,
			DueAt:     s.win.Clip(now.Add(s.cfg.Level2Delay)),
			Payload:   s.cfg.Level2Payload,
			Level:     task.Level + 1,
			CreatedAt: now,
		}
		if _, err := s.store.Create(ctx, successor); err != nil {
			return fmt.Errorf("create level-2 successor: %w", err)
		}
	}
	return nil
}
