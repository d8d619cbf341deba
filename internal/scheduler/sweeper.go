package scheduler

import (
	"context"
	"fmt"
	"log"

	"queue-management-system/internal/models"
	"queue-management-system/internal/store"
	"queue-management-system/internal/telemetry"
)

// Sweep expires stale entries: ready users past their deadline, and when a
// max wait bound is configured, waiting users that have been in line too
// long (they skip ready entirely). Idempotent: expired rows never match
// the candidate scans again.
func (s *Scheduler) Sweep(ctx context.Context) error {
	now := s.now().UTC()

	expired := 0
	ready, err := s.store.ListReadyExpired(ctx, now)
	if err != nil {
		return fmt.Errorf("scan ready expired: %w", err)
	}
	expired += s.expire(ctx, ready, models.StatusReady)

	if s.opts.MaxWaitTime > 0 {
		cutoff := now.Add(-s.opts.MaxWaitTime)
		waiting, err := s.store.ListWaitingTimedOut(ctx, cutoff)
		if err != nil {
			return fmt.Errorf("scan waiting timed out: %w", err)
		}
		expired += s.expire(ctx, waiting, models.StatusWaiting)
	}

	if expired > 0 {
		log.Printf("expired %d queue users", expired)
	}
	return nil
}

func (s *Scheduler) expire(ctx context.Context, users []models.QueueUser, from string) int {
	n := 0
	for _, u := range users {
		ok, err := s.transition(ctx, u, from, models.StatusExpired, store.TransitionFields{})
		if err != nil {
			log.Printf("expire %s: %v", u.ID, err)
			continue
		}
		if ok {
			n++
			telemetry.UsersExpired.Inc()
		}
	}
	return n
}
