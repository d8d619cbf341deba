package scheduler

import (
	"context"
	"fmt"
	"sort"

	"queue-management-system/internal/models"
	"queue-management-system/internal/telemetry"
)

// ReleasePlan names the users one queue may release this cycle, in FIFO
// order, never longer than the queue's max release rate.
type ReleasePlan struct {
	Queue models.Queue
	Users []models.QueueUser
}

// selectForRelease builds the plan for one queue. A paused queue
// (rate 0) or an empty queue yields an empty plan, which is a no-op.
// Each queue's budget is independent; priority never borrows budget
// from another queue.
func (s *Scheduler) selectForRelease(ctx context.Context, q models.Queue) (ReleasePlan, error) {
	plan := ReleasePlan{Queue: q}
	if !q.IsActive || q.MaxReleaseRate <= 0 {
		return plan, nil
	}

	users, err := s.store.ListWaitingOldestFirst(ctx, q.ID, q.MaxReleaseRate)
	if err != nil {
		return plan, fmt.Errorf("select waiting users: %w", err)
	}

	// The store already orders FIFO; re-sort defensively so the ordering
	// invariant holds regardless of the backing implementation. Ties on
	// created_at break by id.
	sort.SliceStable(users, func(i, j int) bool {
		if users[i].CreatedAt.Equal(users[j].CreatedAt) {
			return users[i].ID < users[j].ID
		}
		return users[i].CreatedAt.Before(users[j].CreatedAt)
	})
	if len(users) > q.MaxReleaseRate {
		users = users[:q.MaxReleaseRate]
	}
	plan.Users = users
	return plan, nil
}

// observeDepth updates the per-queue waiting gauge and raises a
// queue-length alert when the configured threshold is crossed. Best
// effort: failures here never affect the cycle.
func (s *Scheduler) observeDepth(ctx context.Context, q models.Queue) {
	depth, err := s.store.CountWaiting(ctx, q.ID)
	if err != nil {
		return
	}
	telemetry.QueueSize.WithLabelValues(q.ID).Set(float64(depth))
	if s.opts.QueueLengthThreshold > 0 && depth >= s.opts.QueueLengthThreshold && s.alerts != nil {
		s.alerts.Send("queue_length",
			fmt.Sprintf("Queue %q has %d users waiting (threshold %d)", q.Name, depth, s.opts.QueueLengthThreshold),
			fmt.Sprintf("queue_id=%s waiting=%d", q.ID, depth))
	}
}
