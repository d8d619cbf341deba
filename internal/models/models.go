package models

import (
	"time"
)

// QueueUserStatus values persisted in Postgres. The lifecycle is strictly
// one-way: waiting -> ready -> expired, waiting -> rejected (cancel),
// waiting -> expired (max-wait timeout). expired and rejected are terminal.
const (
	StatusWaiting  = "waiting"
	StatusReady    = "ready"
	StatusExpired  = "expired"
	StatusRejected = "rejected"
)

// Application is a tenant that owns queues and receives release callbacks.
type Application struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Domain      string    `json:"domain"`
	CallbackURL string    `json:"callback_url"`
	APIKey      string    `json:"api_key"`
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Queue is one admission line belonging to an application.
// MaxReleaseRate is the number of users released per scheduling cycle;
// zero pauses the queue. Priority orders queue processing within a cycle
// but never moves budget between queues.
type Queue struct {
	ID             string    `json:"id"`
	ApplicationID  string    `json:"application_id"`
	Name           string    `json:"name"`
	MaxReleaseRate int       `json:"max_release_rate"`
	Priority       int       `json:"priority"`
	IsActive       bool      `json:"is_active"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// QueueUser is one visitor's membership in a queue.
type QueueUser struct {
	ID          string     `json:"id"`
	QueueID     string     `json:"queue_id"`
	VisitorID   string     `json:"visitor_id"`
	Status      string     `json:"status"`
	Token       string     `json:"token"`
	RedirectURL *string    `json:"redirect_url,omitempty"`
	WaitTime    *int       `json:"wait_time,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// EventLog is an audit row. Callback attempts and permanent failures are
// recorded here, which is what retry accounting and the dashboard read.
type EventLog struct {
	ID            string    `json:"id"`
	EventType     string    `json:"event_type"`
	Message       string    `json:"message"`
	Details       string    `json:"details,omitempty"`
	ApplicationID *string   `json:"application_id,omitempty"`
	QueueID       *string   `json:"queue_id,omitempty"`
	QueueUserID   *string   `json:"queue_user_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// AdminUser is a dashboard login.
type AdminUser struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}
