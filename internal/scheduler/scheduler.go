package scheduler

import (
	"context"
	"log"
	"sync"
	"time"

	"queue-management-system/internal/models"
	"queue-management-system/internal/store"
)

// Store is the narrow storage contract the engine consumes. *store.Store
// satisfies it; tests inject an in-memory fake.
type Store interface {
	ListActiveQueues(ctx context.Context) ([]models.Queue, error)
	CountWaiting(ctx context.Context, queueID string) (int, error)
	ListWaitingOldestFirst(ctx context.Context, queueID string, limit int) ([]models.QueueUser, error)
	TryTransition(ctx context.Context, id, from, to string, fields store.TransitionFields) (bool, error)
	ListReadyExpired(ctx context.Context, now time.Time) ([]models.QueueUser, error)
	ListWaitingTimedOut(ctx context.Context, cutoff time.Time) ([]models.QueueUser, error)
	GetApplication(ctx context.Context, id string) (models.Application, error)
}

// Dispatcher receives successfully released users for asynchronous
// callback delivery. Implementations must not block the caller.
type Dispatcher interface {
	Dispatch(user models.QueueUser, queue models.Queue, app models.Application)
}

// Alerter is the fire-and-forget notification sink.
type Alerter interface {
	Send(eventType, message, details string)
}

// Options tune one scheduler instance.
type Options struct {
	CycleInterval        time.Duration
	ReadyTTL             time.Duration
	MaxWaitTime          time.Duration // 0 disables waiting->expired sweeping
	QueueLengthThreshold int           // 0 disables queue length alerts
}

// Scheduler drives fixed-interval release cycles and expiry sweeps.
// A single instance must be active at a time; running replicas would need
// a distributed lease, which is out of scope.
type Scheduler struct {
	opts       Options
	store      Store
	dispatcher Dispatcher
	alerts     Alerter
	now        func() time.Time

	stopOnce sync.Once
	stopped  chan struct{}
}

// New builds a scheduler around its collaborators.
func New(opts Options, st Store, d Dispatcher, a Alerter) *Scheduler {
	if opts.CycleInterval <= 0 {
		opts.CycleInterval = time.Minute
	}
	if opts.ReadyTTL <= 0 {
		opts.ReadyTTL = 10 * time.Minute
	}
	return &Scheduler{
		opts:       opts,
		store:      st,
		dispatcher: d,
		alerts:     a,
		now:        time.Now,
		stopped:    make(chan struct{}),
	}
}

// Run loops until the context is cancelled or Stop is called. Cycles never
// overlap: selection for a new cycle starts only after the previous
// selection+commit completed. In-flight callback deliveries may still be
// retrying while the next cycle runs; that is by contract asynchronous.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.CycleInterval)
	defer ticker.Stop()

	log.Printf("scheduler started interval=%s ready_ttl=%s", s.opts.CycleInterval, s.opts.ReadyTTL)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.stopped:
			return nil
		case <-ticker.C:
			if err := s.RunCycle(ctx); err != nil {
				log.Printf("release cycle: %v", err)
			}
			if err := s.Sweep(ctx); err != nil {
				log.Printf("expiry sweep: %v", err)
			}
		}
	}
}

// Stop terminates Run. Safe to call more than once.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopped) })
}

// RunCycle executes one complete release cycle synchronously: enumerate
// active queues, select, claim, and hand released users to the dispatcher.
// Queues are processed concurrently; a failing queue never aborts the
// cycle, the next cycle re-scans state and self-heals.
func (s *Scheduler) RunCycle(ctx context.Context) error {
	queues, err := s.store.ListActiveQueues(ctx)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	for _, q := range queues {
		wg.Add(1)
		go func(q models.Queue) {
			defer wg.Done()
			if err := s.processQueue(ctx, q); err != nil {
				log.Printf("queue %s: %v", q.ID, err)
			}
		}(q)
	}
	wg.Wait()
	return nil
}

// processQueue selects and releases for one queue within a cycle.
func (s *Scheduler) processQueue(ctx context.Context, q models.Queue) error {
	s.observeDepth(ctx, q)

	plan, err := s.selectForRelease(ctx, q)
	if err != nil {
		return err
	}
	if len(plan.Users) == 0 {
		return nil
	}

	released, err := s.executePlan(ctx, plan)
	if err != nil {
		return err
	}
	if len(released) == 0 {
		return nil
	}

	app, err := s.store.GetApplication(ctx, q.ApplicationID)
	if err != nil {
		log.Printf("queue %s: application %s lookup failed: %v", q.ID, q.ApplicationID, err)
		return nil // released users stay ready; callback is lost, next cycle continues
	}
	for _, u := range released {
		s.dispatcher.Dispatch(u, q, app)
	}
	return nil
}
