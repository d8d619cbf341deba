package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"queue-management-system/internal/models"
	"queue-management-system/internal/telemetry"
)

// Alerter is the fire-and-forget notification sink.
type Alerter interface {
	Send(eventType, message, details string)
}

// AttemptRecorder persists callback attempt outcomes (the audit log).
type AttemptRecorder interface {
	AppendEvent(ctx context.Context, ev models.EventLog) error
}

// OutcomeObserver feeds the trailing failure-rate window.
type OutcomeObserver interface {
	Record(success bool)
}

// Payload is the JSON body POSTed to the application's callback URL.
type Payload struct {
	VisitorID   string  `json:"visitor_id"`
	Token       string  `json:"token"`
	QueueID     string  `json:"queue_id"`
	Status      string  `json:"status"`
	WaitTime    int     `json:"wait_time"`
	RedirectURL *string `json:"redirect_url,omitempty"`
}

// Dispatcher delivers release notifications with retry and exponential
// backoff. Deliveries for different users run concurrently; retries for
// one user are strictly sequential. Delivery never mutates queue user
// state: admission is final once the release committed.
type Dispatcher struct {
	policy   Policy
	timeout  time.Duration
	client   *http.Client
	alerts   Alerter
	recorder AttemptRecorder
	observer OutcomeObserver

	sleep func(time.Duration)
	wg    sync.WaitGroup
}

// New builds a dispatcher. recorder and observer may be nil.
func New(policy Policy, timeout time.Duration, alerts Alerter, recorder AttemptRecorder, observer OutcomeObserver) *Dispatcher {
	if policy.MaxAttempts <= 0 {
		policy = DefaultPolicy()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{
		policy:   policy,
		timeout:  timeout,
		client:   &http.Client{Timeout: timeout},
		alerts:   alerts,
		recorder: recorder,
		observer: observer,
		sleep:    time.Sleep,
	}
}

// Dispatch schedules asynchronous delivery for one released user and
// returns immediately.
func (d *Dispatcher) Dispatch(user models.QueueUser, queue models.Queue, app models.Application) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.Deliver(context.Background(), user, queue, app)
	}()
}

// Wait blocks until all in-flight deliveries finish. Used on shutdown.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Deliver runs the full retry loop for one user synchronously.
func (d *Dispatcher) Deliver(ctx context.Context, user models.QueueUser, queue models.Queue, app models.Application) {
	waitTime := 0
	if user.WaitTime != nil {
		waitTime = *user.WaitTime
	}
	payload := Payload{
		VisitorID:   user.VisitorID,
		Token:       user.Token,
		QueueID:     queue.ID,
		Status:      user.Status,
		WaitTime:    waitTime,
		RedirectURL: user.RedirectURL,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		log.Printf("marshal callback payload for %s: %v", user.ID, err)
		return
	}

	start := time.Now()
	defer func() {
		telemetry.CallbackSeconds.Observe(time.Since(start).Seconds())
	}()

	for attempt := 1; attempt <= d.policy.MaxAttempts; attempt++ {
		err := d.post(ctx, app.CallbackURL, body)
		d.recordAttempt(ctx, user, queue, app, attempt, err)
		if err == nil {
			telemetry.CallbackSuccess.Inc()
			if d.observer != nil {
				d.observer.Record(true)
			}
			return
		}
		log.Printf("callback attempt %d/%d for queue user %s failed: %v", attempt, d.policy.MaxAttempts, user.ID, err)
		if attempt < d.policy.MaxAttempts {
			d.sleep(d.policy.Delay(attempt))
		}
	}

	// Exhausted. The user stays ready; record, count, and alert once.
	telemetry.CallbackFailure.Inc()
	if d.observer != nil {
		d.observer.Record(false)
	}
	d.recordFailure(ctx, user, queue, app)
	if d.alerts != nil {
		d.alerts.Send("callback_failure",
			fmt.Sprintf("Callback failed after %d attempts", d.policy.MaxAttempts),
			fmt.Sprintf("application_id=%s queue_id=%s queue_user_id=%s url=%s", app.ID, queue.ID, user.ID, app.CallbackURL))
	}
}

// post performs one bounded attempt. Any non-2xx status, connection
// error, or timeout is a failure.
func (d *Dispatcher) post(ctx context.Context, url string, body []byte) error {
	attemptCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("callback returned status %d", resp.StatusCode)
	}
	return nil
}

func (d *Dispatcher) recordAttempt(ctx context.Context, user models.QueueUser, queue models.Queue, app models.Application, attempt int, attemptErr error) {
	if d.recorder == nil {
		return
	}
	outcome := "success"
	detail := fmt.Sprintf("attempt=%d", attempt)
	if attemptErr != nil {
		outcome = "failure"
		detail = fmt.Sprintf("attempt=%d error=%v", attempt, attemptErr)
	}
	ev := models.EventLog{
		EventType:     "callback_attempt",
		Message:       fmt.Sprintf("callback attempt %d %s", attempt, outcome),
		Details:       detail,
		ApplicationID: &app.ID,
		QueueID:       &queue.ID,
		QueueUserID:   &user.ID,
	}
	if err := d.recorder.AppendEvent(ctx, ev); err != nil {
		log.Printf("record callback attempt for %s: %v", user.ID, err)
	}
}

func (d *Dispatcher) recordFailure(ctx context.Context, user models.QueueUser, queue models.Queue, app models.Application) {
	if d.recorder == nil {
		return
	}
	ev := models.EventLog{
		EventType:     "callback_failure",
		Message:       fmt.Sprintf("callback failed after %d attempts", d.policy.MaxAttempts),
		Details:       fmt.Sprintf("queue_user_id=%s url=%s", user.ID, app.CallbackURL),
		ApplicationID: &app.ID,
		QueueID:       &queue.ID,
		QueueUserID:   &user.ID,
	}
	if err := d.recorder.AppendEvent(ctx, ev); err != nil {
		log.Printf("record callback failure for %s: %v", user.ID, err)
	}
}
