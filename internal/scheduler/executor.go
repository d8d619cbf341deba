package scheduler

import (
	"context"
	"log"

	"queue-management-system/internal/models"
	"queue-management-system/internal/store"
	"queue-management-system/internal/telemetry"
)

// legalTransitions is the full one-way state machine. Anything else is an
// invariant violation and fails closed.
var legalTransitions = map[[2]string]bool{
	{models.StatusWaiting, models.StatusReady}:    true,
	{models.StatusWaiting, models.StatusRejected}: true,
	{models.StatusWaiting, models.StatusExpired}:  true,
	{models.StatusReady, models.StatusExpired}:    true,
}

// transition guards and commits one conditional status change. It returns
// whether the claim committed. Claim conflicts (row no longer in the
// expected status) are expected and reported as ok=false without logging;
// illegal transitions are logged and skipped.
func (s *Scheduler) transition(ctx context.Context, u models.QueueUser, from, to string, fields store.TransitionFields) (bool, error) {
	if !legalTransitions[[2]string{from, to}] {
		log.Printf("ERROR illegal transition %s->%s for queue user %s, skipping", from, to, u.ID)
		return false, nil
	}
	return s.store.TryTransition(ctx, u.ID, from, to, fields)
}

// executePlan claims each planned user waiting->ready, stamping wait time
// and the expiry deadline. Users whose claim fails (cancelled meanwhile)
// are silently dropped from this cycle's output.
func (s *Scheduler) executePlan(ctx context.Context, plan ReleasePlan) ([]models.QueueUser, error) {
	now := s.now().UTC()
	expiresAt := now.Add(s.opts.ReadyTTL)

	released := make([]models.QueueUser, 0, len(plan.Users))
	for _, u := range plan.Users {
		waitTime := int(now.Sub(u.CreatedAt).Seconds())
		if waitTime < 0 {
			waitTime = 0
		}
		ok, err := s.transition(ctx, u, models.StatusWaiting, models.StatusReady, store.TransitionFields{
			WaitTime:  &waitTime,
			ExpiresAt: &expiresAt,
		})
		if err != nil {
			// Transient storage error: skip this user, the next cycle
			// re-scans and picks it up again.
			log.Printf("release %s: %v", u.ID, err)
			continue
		}
		if !ok {
			continue
		}
		u.Status = models.StatusReady
		u.WaitTime = &waitTime
		u.ExpiresAt = &expiresAt
		released = append(released, u)
		telemetry.UsersReleased.Inc()
	}
	return released, nil
}
