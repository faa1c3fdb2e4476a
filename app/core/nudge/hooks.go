package nudge

import (
	"context"
	"errors"
	"time"

	"korkibot/app/pkg/logger"
)

// OnNewMessage runs when the lead writes again: the pending reminder no
// longer applies, whatever the pipeline schedules next replaces it.
func (s *Service) OnNewMessage(ctx context.Context, userID string) {
	if err := s.CancelActive(ctx, userID); err != nil {
		logger.Error("cancel active tasks for %s: %v", userID, err)
	}
}

// OnReadReceipt runs when the lead saw the last message without replying.
// With retiming disabled the countdown simply continues; otherwise the
// level-1 reminder moves earlier by the configured advance, never before the
// next minute and always inside the window.
func (s *Service) OnReadReceipt(ctx context.Context, userID string) {
	if s.cfg.ReadAdvance <= 0 {
		return
	}
	active, err := s.store.ActiveByUser(ctx, userID)
	if err != nil {
		logger.Error("read receipt for %s: %v", userID, err)
		return
	}
	now := s.now()
	for _, task := range active {
		if task.Status != StatusPendingLevel1 {
			continue
		}
		moved := task.DueAt.Add(-s.cfg.ReadAdvance)
		floor := now.Add(time.Minute)
		if moved.Before(floor) {
			moved = floor
		}
		moved = s.win.Clip(moved)
		if !moved.Before(task.DueAt) {
			continue
		}
		task.DueAt = moved
		if _, err := s.store.CompareAndSwap(ctx, task); err != nil && !errors.Is(err, ErrVersionConflict) && !errors.Is(err, ErrNotFound) {
			logger.Error("retime task %s: %v", task.ID, err)
		}
	}
}
