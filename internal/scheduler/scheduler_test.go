package scheduler

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"queue-management-system/internal/models"
	"queue-management-system/internal/store"
)

// fakeStore is an in-memory implementation of the storage contract.
type fakeStore struct {
	mu     sync.Mutex
	queues []models.Queue
	apps   map[string]models.Application
	users  map[string]*models.QueueUser

	// afterSelect runs after ListWaitingOldestFirst returns, letting tests
	// interleave a concurrent cancel between selection and commit.
	afterSelect func(fs *fakeStore)

	transitions int // successful commits
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		apps:  map[string]models.Application{},
		users: map[string]*models.QueueUser{},
	}
}

func (fs *fakeStore) addQueue(q models.Queue) {
	fs.queues = append(fs.queues, q)
	if _, ok := fs.apps[q.ApplicationID]; !ok {
		fs.apps[q.ApplicationID] = models.Application{ID: q.ApplicationID, CallbackURL: "http://example.test/cb", IsActive: true}
	}
}

func (fs *fakeStore) addUser(u models.QueueUser) {
	cp := u
	fs.users[u.ID] = &cp
}

func (fs *fakeStore) status(id string) string {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.users[id].Status
}

func (fs *fakeStore) ListActiveQueues(context.Context) ([]models.Queue, error) {
	var out []models.Queue
	for _, q := range fs.queues {
		if q.IsActive {
			out = append(out, q)
		}
	}
	return out, nil
}

func (fs *fakeStore) CountWaiting(_ context.Context, queueID string) (int, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	n := 0
	for _, u := range fs.users {
		if u.QueueID == queueID && u.Status == models.StatusWaiting {
			n++
		}
	}
	return n, nil
}

func (fs *fakeStore) ListWaitingOldestFirst(_ context.Context, queueID string, limit int) ([]models.QueueUser, error) {
	fs.mu.Lock()
	var out []models.QueueUser
	for _, u := range fs.users {
		if u.QueueID == queueID && u.Status == models.StatusWaiting {
			out = append(out, *u)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	fs.mu.Unlock()

	if fs.afterSelect != nil {
		hook := fs.afterSelect
		fs.afterSelect = nil
		hook(fs)
	}
	return out, nil
}

func (fs *fakeStore) TryTransition(_ context.Context, id, from, to string, fields store.TransitionFields) (bool, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	u, ok := fs.users[id]
	if !ok || u.Status != from {
		return false, nil
	}
	u.Status = to
	if fields.WaitTime != nil {
		u.WaitTime = fields.WaitTime
	}
	if fields.ExpiresAt != nil {
		u.ExpiresAt = fields.ExpiresAt
	}
	fs.transitions++
	return true, nil
}

func (fs *fakeStore) ListReadyExpired(_ context.Context, now time.Time) ([]models.QueueUser, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	var out []models.QueueUser
	for _, u := range fs.users {
		if u.Status == models.StatusReady && u.ExpiresAt != nil && u.ExpiresAt.Before(now) {
			out = append(out, *u)
		}
	}
	return out, nil
}

func (fs *fakeStore) ListWaitingTimedOut(_ context.Context, cutoff time.Time) ([]models.QueueUser, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	var out []models.QueueUser
	for _, u := range fs.users {
		if u.Status == models.StatusWaiting && u.CreatedAt.Before(cutoff) {
			out = append(out, *u)
		}
	}
	return out, nil
}

func (fs *fakeStore) GetApplication(_ context.Context, id string) (models.Application, error) {
	return fs.apps[id], nil
}

// fakeDispatcher records dispatched users in order.
type fakeDispatcher struct {
	mu    sync.Mutex
	users []models.QueueUser
}

func (d *fakeDispatcher) Dispatch(u models.QueueUser, _ models.Queue, _ models.Application) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users = append(d.users, u)
}

func (d *fakeDispatcher) ids() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.users))
	for i, u := range d.users {
		out[i] = u.ID
	}
	return out
}

type fakeAlerter struct {
	mu    sync.Mutex
	sends []string
}

func (a *fakeAlerter) Send(eventType, _, _ string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sends = append(a.sends, eventType)
}

func newTestScheduler(fs *fakeStore, opts Options) (*Scheduler, *fakeDispatcher, *fakeAlerter) {
	d := &fakeDispatcher{}
	a := &fakeAlerter{}
	s := New(opts, fs, d, a)
	return s, d, a
}

func waitingUser(id, queueID string, createdAt time.Time) models.QueueUser {
	return models.QueueUser{
		ID:        id,
		QueueID:   queueID,
		VisitorID: "visitor-" + id,
		Status:    models.StatusWaiting,
		Token:     "tok-" + id,
		CreatedAt: createdAt,
	}
}

func TestReleaseRespectsRateAndFIFO(t *testing.T) {
	fs := newFakeStore()
	fs.addQueue(models.Queue{ID: "q1", ApplicationID: "app1", Name: "main", MaxReleaseRate: 2, IsActive: true})
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	fs.addUser(waitingUser("a", "q1", base))
	fs.addUser(waitingUser("b", "q1", base.Add(time.Second)))
	fs.addUser(waitingUser("c", "q1", base.Add(2*time.Second)))

	s, d, _ := newTestScheduler(fs, Options{ReadyTTL: time.Minute})
	if err := s.RunCycle(context.Background()); err != nil {
		t.Fatalf("run cycle: %v", err)
	}

	if got := fs.status("a"); got != models.StatusReady {
		t.Fatalf("a: expected ready, got %s", got)
	}
	if got := fs.status("b"); got != models.StatusReady {
		t.Fatalf("b: expected ready, got %s", got)
	}
	if got := fs.status("c"); got != models.StatusWaiting {
		t.Fatalf("c: expected waiting, got %s", got)
	}
	ids := d.ids()
	if len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
		t.Fatalf("expected dispatch order [a b], got %v", ids)
	}
	if u := fs.users["a"]; u.ExpiresAt == nil || u.WaitTime == nil {
		t.Fatalf("released user missing expiry or wait time: %+v", u)
	}
}

func TestPausedQueueNeverReleases(t *testing.T) {
	fs := newFakeStore()
	fs.addQueue(models.Queue{ID: "q1", ApplicationID: "app1", MaxReleaseRate: 0, IsActive: true})
	fs.addUser(waitingUser("a", "q1", time.Now().Add(-time.Hour)))
	fs.addUser(waitingUser("b", "q1", time.Now().Add(-time.Hour)))

	s, d, _ := newTestScheduler(fs, Options{ReadyTTL: time.Minute})
	for i := 0; i < 5; i++ {
		if err := s.RunCycle(context.Background()); err != nil {
			t.Fatalf("cycle %d: %v", i, err)
		}
	}
	if got := fs.status("a"); got != models.StatusWaiting {
		t.Fatalf("a: expected waiting, got %s", got)
	}
	if len(d.ids()) != 0 {
		t.Fatalf("expected no dispatches, got %v", d.ids())
	}
}

func TestInactiveQueueSkipped(t *testing.T) {
	fs := newFakeStore()
	fs.addQueue(models.Queue{ID: "q1", ApplicationID: "app1", MaxReleaseRate: 5, IsActive: false})
	fs.addUser(waitingUser("a", "q1", time.Now().Add(-time.Minute)))

	s, d, _ := newTestScheduler(fs, Options{ReadyTTL: time.Minute})
	if err := s.RunCycle(context.Background()); err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	if got := fs.status("a"); got != models.StatusWaiting {
		t.Fatalf("expected waiting, got %s", got)
	}
	if len(d.ids()) != 0 {
		t.Fatalf("expected no dispatches, got %v", d.ids())
	}
}

func TestCancelRacingReleaseIsNeverReleased(t *testing.T) {
	fs := newFakeStore()
	fs.addQueue(models.Queue{ID: "q1", ApplicationID: "app1", MaxReleaseRate: 2, IsActive: true})
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	fs.addUser(waitingUser("a", "q1", base))
	fs.addUser(waitingUser("b", "q1", base.Add(time.Second)))

	// Cancel lands after the selector picked its plan but before the
	// executor commits; the conditional claim must drop the user.
	fs.afterSelect = func(fs *fakeStore) {
		fs.mu.Lock()
		defer fs.mu.Unlock()
		fs.users["a"].Status = models.StatusRejected
	}

	s, d, _ := newTestScheduler(fs, Options{ReadyTTL: time.Minute})
	if err := s.RunCycle(context.Background()); err != nil {
		t.Fatalf("run cycle: %v", err)
	}

	if got := fs.status("a"); got != models.StatusRejected {
		t.Fatalf("a: expected rejected, got %s", got)
	}
	if got := fs.status("b"); got != models.StatusReady {
		t.Fatalf("b: expected ready, got %s", got)
	}
	for _, id := range d.ids() {
		if id == "a" {
			t.Fatalf("cancelled user was dispatched")
		}
	}
}

func TestSweeperIdempotent(t *testing.T) {
	fs := newFakeStore()
	fs.addQueue(models.Queue{ID: "q1", ApplicationID: "app1", MaxReleaseRate: 1, IsActive: true})
	past := time.Now().UTC().Add(-time.Minute)
	u := waitingUser("a", "q1", past.Add(-time.Hour))
	u.Status = models.StatusReady
	u.ExpiresAt = &past
	fs.addUser(u)

	s, _, _ := newTestScheduler(fs, Options{ReadyTTL: time.Minute})
	if err := s.Sweep(context.Background()); err != nil {
		t.Fatalf("first sweep: %v", err)
	}
	if got := fs.status("a"); got != models.StatusExpired {
		t.Fatalf("expected expired, got %s", got)
	}
	before := fs.transitions
	if err := s.Sweep(context.Background()); err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if fs.transitions != before {
		t.Fatalf("second sweep transitioned %d additional entries", fs.transitions-before)
	}
}

func TestSweeperExpiresWaitingPastMaxWait(t *testing.T) {
	fs := newFakeStore()
	fs.addQueue(models.Queue{ID: "q1", ApplicationID: "app1", MaxReleaseRate: 1, IsActive: true})
	fs.addUser(waitingUser("old", "q1", time.Now().UTC().Add(-2*time.Hour)))
	fs.addUser(waitingUser("new", "q1", time.Now().UTC().Add(-time.Minute)))

	s, _, _ := newTestScheduler(fs, Options{ReadyTTL: time.Minute, MaxWaitTime: time.Hour})
	if err := s.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if got := fs.status("old"); got != models.StatusExpired {
		t.Fatalf("old: expected expired, got %s", got)
	}
	if got := fs.status("new"); got != models.StatusWaiting {
		t.Fatalf("new: expected waiting, got %s", got)
	}
}

func TestQueueLengthAlert(t *testing.T) {
	fs := newFakeStore()
	fs.addQueue(models.Queue{ID: "q1", ApplicationID: "app1", Name: "busy", MaxReleaseRate: 1, IsActive: true})
	base := time.Now().UTC().Add(-time.Minute)
	for _, id := range []string{"a", "b", "c"} {
		fs.addUser(waitingUser(id, "q1", base))
	}

	s, _, a := newTestScheduler(fs, Options{ReadyTTL: time.Minute, QueueLengthThreshold: 3})
	if err := s.RunCycle(context.Background()); err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.sends) != 1 || a.sends[0] != "queue_length" {
		t.Fatalf("expected one queue_length alert, got %v", a.sends)
	}
}

func TestIllegalTransitionFailsClosed(t *testing.T) {
	fs := newFakeStore()
	u := waitingUser("a", "q1", time.Now())
	u.Status = models.StatusReady
	fs.addUser(u)

	s, _, _ := newTestScheduler(fs, Options{ReadyTTL: time.Minute})
	ok, err := s.transition(context.Background(), u, models.StatusReady, models.StatusWaiting, store.TransitionFields{})
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if ok {
		t.Fatalf("backward transition was allowed")
	}
	if got := fs.status("a"); got != models.StatusReady {
		t.Fatalf("state corrupted: %s", got)
	}
}

func TestTwoCycleScenarioWithExpiry(t *testing.T) {
	fs := newFakeStore()
	fs.addQueue(models.Queue{ID: "q1", ApplicationID: "app1", MaxReleaseRate: 2, IsActive: true})
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"v1", "v2", "v3", "v4", "v5"} {
		fs.addUser(waitingUser(id, "q1", base.Add(time.Duration(i)*time.Second)))
	}

	s, _, _ := newTestScheduler(fs, Options{ReadyTTL: time.Minute})
	now := base.Add(time.Minute)
	s.now = func() time.Time { return now }

	if err := s.RunCycle(context.Background()); err != nil {
		t.Fatalf("cycle 1: %v", err)
	}
	for _, id := range []string{"v1", "v2"} {
		if got := fs.status(id); got != models.StatusReady {
			t.Fatalf("%s: expected ready after cycle 1, got %s", id, got)
		}
	}
	if exp := fs.users["v1"].ExpiresAt; exp == nil || !exp.Equal(now.Add(time.Minute)) {
		t.Fatalf("v1 expiry: expected %s, got %v", now.Add(time.Minute), exp)
	}

	now = now.Add(65 * time.Second)
	if err := s.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if err := s.RunCycle(context.Background()); err != nil {
		t.Fatalf("cycle 2: %v", err)
	}

	want := map[string]string{
		"v1": models.StatusExpired,
		"v2": models.StatusExpired,
		"v3": models.StatusReady,
		"v4": models.StatusReady,
		"v5": models.StatusWaiting,
	}
	for id, status := range want {
		if got := fs.status(id); got != status {
			t.Fatalf("%s: expected %s, got %s", id, status, got)
		}
	}
}
