package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"queue-management-system/internal/models"
)

// ErrNotFound is returned when a row does not exist or is soft-deleted.
var ErrNotFound = errors.New("not found")

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// ---- applications ----

// CreateApplication inserts a tenant with a freshly generated API key.
func (s *Store) CreateApplication(ctx context.Context, name, domain, callbackURL string) (models.Application, error) {
	now := time.Now().UTC()
	app := models.Application{
		ID:          uuid.New().String(),
		Name:        name,
		Domain:      domain,
		CallbackURL: callbackURL,
		APIKey:      strings.ReplaceAll(uuid.New().String(), "-", ""),
		IsActive:    true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO applications (id, name, domain, callback_url, api_key, is_active, is_deleted, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, TRUE, FALSE, $6, $6)
	`, app.ID, app.Name, app.Domain, app.CallbackURL, app.APIKey, now)
	if err != nil {
		return models.Application{}, fmt.Errorf("insert application: %w", err)
	}
	return app, nil
}

// GetApplication fetches an application by id.
func (s *Store) GetApplication(ctx context.Context, id string) (models.Application, error) {
	return s.scanApplication(s.pool.QueryRow(ctx, `
		SELECT id, name, domain, callback_url, api_key, is_active, created_at, updated_at
		FROM applications WHERE id = $1 AND is_deleted = FALSE
	`, id))
}

// GetApplicationByAPIKey authenticates tenant requests.
func (s *Store) GetApplicationByAPIKey(ctx context.Context, apiKey string) (models.Application, error) {
	return s.scanApplication(s.pool.QueryRow(ctx, `
		SELECT id, name, domain, callback_url, api_key, is_active, created_at, updated_at
		FROM applications WHERE api_key = $1 AND is_deleted = FALSE
	`, apiKey))
}

// ListApplications returns all non-deleted applications.
func (s *Store) ListApplications(ctx context.Context) ([]models.Application, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, domain, callback_url, api_key, is_active, created_at, updated_at
		FROM applications WHERE is_deleted = FALSE ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("list applications: %w", err)
	}
	defer rows.Close()
	var out []models.Application
	for rows.Next() {
		app, err := s.scanApplication(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, app)
	}
	return out, rows.Err()
}

// SetApplicationActive toggles the active flag; applications are otherwise immutable.
func (s *Store) SetApplicationActive(ctx context.Context, id string, active bool) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE applications SET is_active = $2, updated_at = NOW() WHERE id = $1 AND is_deleted = FALSE
	`, id, active)
	if err != nil {
		return fmt.Errorf("update application: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteApplication soft-deletes the tenant.
func (s *Store) DeleteApplication(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE applications SET is_deleted = TRUE, updated_at = NOW() WHERE id = $1 AND is_deleted = FALSE
	`, id)
	if err != nil {
		return fmt.Errorf("delete application: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) scanApplication(row pgx.Row) (models.Application, error) {
	var app models.Application
	err := row.Scan(&app.ID, &app.Name, &app.Domain, &app.CallbackURL, &app.APIKey, &app.IsActive, &app.CreatedAt, &app.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Application{}, ErrNotFound
	}
	if err != nil {
		return models.Application{}, fmt.Errorf("scan application: %w", err)
	}
	return app, nil
}

// ---- queues ----

// CreateQueueParams collects inputs required to insert a queue.
type CreateQueueParams struct {
	ApplicationID  string
	Name           string
	MaxReleaseRate int
	Priority       int
}

// CreateQueue inserts a queue row.
func (s *Store) CreateQueue(ctx context.Context, p CreateQueueParams) (models.Queue, error) {
	now := time.Now().UTC()
	q := models.Queue{
		ID:             uuid.New().String(),
		ApplicationID:  p.ApplicationID,
		Name:           p.Name,
		MaxReleaseRate: p.MaxReleaseRate,
		Priority:       p.Priority,
		IsActive:       true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO queues (id, application_id, name, max_release_rate, priority, is_active, is_deleted, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, TRUE, FALSE, $6, $6)
	`, q.ID, q.ApplicationID, q.Name, q.MaxReleaseRate, q.Priority, now)
	if err != nil {
		return models.Queue{}, fmt.Errorf("insert queue: %w", err)
	}
	return q, nil
}

// GetQueue fetches a queue by id.
func (s *Store) GetQueue(ctx context.Context, id string) (models.Queue, error) {
	return s.scanQueue(s.pool.QueryRow(ctx, `
		SELECT id, application_id, name, max_release_rate, priority, is_active, created_at, updated_at
		FROM queues WHERE id = $1 AND is_deleted = FALSE
	`, id))
}

// ListQueues returns all non-deleted queues, optionally scoped to one application.
func (s *Store) ListQueues(ctx context.Context, applicationID string) ([]models.Queue, error) {
	query := `
		SELECT id, application_id, name, max_release_rate, priority, is_active, created_at, updated_at
		FROM queues WHERE is_deleted = FALSE`
	args := []any{}
	if applicationID != "" {
		query += ` AND application_id = $1`
		args = append(args, applicationID)
	}
	query += ` ORDER BY created_at`
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list queues: %w", err)
	}
	defer rows.Close()
	return s.collectQueues(rows)
}

// ListActiveQueues returns the queues the scheduler should process,
// highest priority first so busier lines are handled earlier in the cycle.
func (s *Store) ListActiveQueues(ctx context.Context) ([]models.Queue, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, application_id, name, max_release_rate, priority, is_active, created_at, updated_at
		FROM queues WHERE is_active = TRUE AND is_deleted = FALSE
		ORDER BY priority DESC, created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("list active queues: %w", err)
	}
	defer rows.Close()
	return s.collectQueues(rows)
}

// UpdateQueueParams are the mutable queue fields.
type UpdateQueueParams struct {
	Name           *string
	MaxReleaseRate *int
	Priority       *int
	IsActive       *bool
}

// UpdateQueue applies the non-nil fields.
func (s *Store) UpdateQueue(ctx context.Context, id string, p UpdateQueueParams) (models.Queue, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE queues SET
			name = COALESCE($2, name),
			max_release_rate = COALESCE($3, max_release_rate),
			priority = COALESCE($4, priority),
			is_active = COALESCE($5, is_active),
			updated_at = NOW()
		WHERE id = $1 AND is_deleted = FALSE
	`, id, p.Name, p.MaxReleaseRate, p.Priority, p.IsActive)
	if err != nil {
		return models.Queue{}, fmt.Errorf("update queue: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.Queue{}, ErrNotFound
	}
	return s.GetQueue(ctx, id)
}

// DeleteQueue soft-deletes the queue.
func (s *Store) DeleteQueue(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE queues SET is_deleted = TRUE, updated_at = NOW() WHERE id = $1 AND is_deleted = FALSE
	`, id)
	if err != nil {
		return fmt.Errorf("delete queue: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) collectQueues(rows pgx.Rows) ([]models.Queue, error) {
	var out []models.Queue
	for rows.Next() {
		q, err := s.scanQueue(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

func (s *Store) scanQueue(row pgx.Row) (models.Queue, error) {
	var q models.Queue
	err := row.Scan(&q.ID, &q.ApplicationID, &q.Name, &q.MaxReleaseRate, &q.Priority, &q.IsActive, &q.CreatedAt, &q.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Queue{}, ErrNotFound
	}
	if err != nil {
		return models.Queue{}, fmt.Errorf("scan queue: %w", err)
	}
	return q, nil
}

// ---- queue users ----

const queueUserColumns = `id, queue_id, visitor_id, status, token, redirect_url, wait_time, expires_at, created_at, updated_at`

// CreateQueueUser inserts a waiting membership with a fresh poll token.
func (s *Store) CreateQueueUser(ctx context.Context, queueID, visitorID string, redirectURL *string) (models.QueueUser, error) {
	now := time.Now().UTC()
	u := models.QueueUser{
		ID:          uuid.New().String(),
		QueueID:     queueID,
		VisitorID:   visitorID,
		Status:      models.StatusWaiting,
		Token:       strings.ReplaceAll(uuid.New().String(), "-", ""),
		RedirectURL: redirectURL,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO queue_users (id, queue_id, visitor_id, status, token, redirect_url, is_deleted, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7, $7)
	`, u.ID, u.QueueID, u.VisitorID, u.Status, u.Token, u.RedirectURL, now)
	if err != nil {
		return models.QueueUser{}, fmt.Errorf("insert queue user: %w", err)
	}
	return u, nil
}

// GetQueueUserByToken is the public status poll.
func (s *Store) GetQueueUserByToken(ctx context.Context, token string) (models.QueueUser, error) {
	return s.scanQueueUser(s.pool.QueryRow(ctx, `
		SELECT `+queueUserColumns+` FROM queue_users WHERE token = $1 AND is_deleted = FALSE
	`, token))
}

// ListQueueUsers pages memberships for a queue, optionally filtered by status.
func (s *Store) ListQueueUsers(ctx context.Context, queueID, status string, offset, limit int) ([]models.QueueUser, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query := `SELECT ` + queueUserColumns + ` FROM queue_users WHERE queue_id = $1 AND is_deleted = FALSE`
	args := []any{queueID}
	if status != "" {
		query += ` AND status = $2`
		args = append(args, status)
	}
	query += fmt.Sprintf(` ORDER BY created_at OFFSET %d LIMIT %d`, offset, limit)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list queue users: %w", err)
	}
	defer rows.Close()
	return s.collectQueueUsers(rows)
}

// CountWaiting returns the current waiting depth of a queue.
func (s *Store) CountWaiting(ctx context.Context, queueID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM queue_users WHERE queue_id = $1 AND status = $2 AND is_deleted = FALSE
	`, queueID, models.StatusWaiting).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count waiting: %w", err)
	}
	return n, nil
}

// ListWaitingOldestFirst returns up to limit waiting users in FIFO order.
// Ties on created_at break by id so the order is total.
func (s *Store) ListWaitingOldestFirst(ctx context.Context, queueID string, limit int) ([]models.QueueUser, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+queueUserColumns+` FROM queue_users
		WHERE queue_id = $1 AND status = $2 AND is_deleted = FALSE
		ORDER BY created_at, id LIMIT $3
	`, queueID, models.StatusWaiting, limit)
	if err != nil {
		return nil, fmt.Errorf("list waiting: %w", err)
	}
	defer rows.Close()
	return s.collectQueueUsers(rows)
}

// TransitionFields are the columns set alongside a status transition.
type TransitionFields struct {
	WaitTime  *int
	ExpiresAt *time.Time
}

// TryTransition commits a status change only if the row still holds the
// expected prior status. It reports false on a claim conflict (the row moved
// on concurrently), which callers treat as a silent skip.
func (s *Store) TryTransition(ctx context.Context, id, from, to string, fields TransitionFields) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE queue_users SET
			status = $3,
			wait_time = COALESCE($4, wait_time),
			expires_at = COALESCE($5, expires_at),
			updated_at = NOW()
		WHERE id = $1 AND status = $2 AND is_deleted = FALSE
	`, id, from, to, fields.WaitTime, fields.ExpiresAt)
	if err != nil {
		return false, fmt.Errorf("transition queue user: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListReadyExpired returns ready users whose expiry deadline has passed.
func (s *Store) ListReadyExpired(ctx context.Context, now time.Time) ([]models.QueueUser, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+queueUserColumns+` FROM queue_users
		WHERE status = $1 AND expires_at < $2 AND is_deleted = FALSE
	`, models.StatusReady, now)
	if err != nil {
		return nil, fmt.Errorf("list ready expired: %w", err)
	}
	defer rows.Close()
	return s.collectQueueUsers(rows)
}

// ListWaitingTimedOut returns waiting users created before the cutoff,
// candidates for direct waiting->expired when a max wait bound is configured.
func (s *Store) ListWaitingTimedOut(ctx context.Context, cutoff time.Time) ([]models.QueueUser, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+queueUserColumns+` FROM queue_users
		WHERE status = $1 AND created_at < $2 AND is_deleted = FALSE
	`, models.StatusWaiting, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list waiting timed out: %w", err)
	}
	defer rows.Close()
	return s.collectQueueUsers(rows)
}

func (s *Store) collectQueueUsers(rows pgx.Rows) ([]models.QueueUser, error) {
	var out []models.QueueUser
	for rows.Next() {
		u, err := s.scanQueueUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *Store) scanQueueUser(row pgx.Row) (models.QueueUser, error) {
	var u models.QueueUser
	var redirect pgtype.Text
	var waitTime pgtype.Int4
	var expiresAt pgtype.Timestamptz
	err := row.Scan(&u.ID, &u.QueueID, &u.VisitorID, &u.Status, &u.Token, &redirect, &waitTime, &expiresAt, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.QueueUser{}, ErrNotFound
	}
	if err != nil {
		return models.QueueUser{}, fmt.Errorf("scan queue user: %w", err)
	}
	if redirect.Valid {
		u.RedirectURL = &redirect.String
	}
	if waitTime.Valid {
		wt := int(waitTime.Int32)
		u.WaitTime = &wt
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		u.ExpiresAt = &t
	}
	return u, nil
}

// ---- event logs ----

// AppendEvent inserts an audit row. Callback attempts and permanent
// failures land here alongside operational events.
func (s *Store) AppendEvent(ctx context.Context, ev models.EventLog) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO logs (id, event_type, message, details, application_id, queue_id, queue_user_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
	`, ev.ID, ev.EventType, ev.Message, ev.Details, ev.ApplicationID, ev.QueueID, ev.QueueUserID)
	if err != nil {
		return fmt.Errorf("insert log: %w", err)
	}
	return nil
}

// ListRecentEvents returns the newest audit rows for the dashboard.
func (s *Store) ListRecentEvents(ctx context.Context, limit int) ([]models.EventLog, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, event_type, message, details, application_id, queue_id, queue_user_id, created_at
		FROM logs ORDER BY created_at DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list logs: %w", err)
	}
	defer rows.Close()
	var out []models.EventLog
	for rows.Next() {
		var ev models.EventLog
		var details, appID, queueID, userID pgtype.Text
		if err := rows.Scan(&ev.ID, &ev.EventType, &ev.Message, &details, &appID, &queueID, &userID, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan log: %w", err)
		}
		ev.Details = details.String
		ev.ApplicationID = textPtr(appID)
		ev.QueueID = textPtr(queueID)
		ev.QueueUserID = textPtr(userID)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// ---- admin users ----

// GetAdminUser looks up a dashboard login by username.
func (s *Store) GetAdminUser(ctx context.Context, username string) (models.AdminUser, error) {
	var u models.AdminUser
	err := s.pool.QueryRow(ctx, `
		SELECT id, username, password_hash, created_at FROM admin_users WHERE username = $1
	`, username).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.AdminUser{}, ErrNotFound
	}
	if err != nil {
		return models.AdminUser{}, fmt.Errorf("scan admin user: %w", err)
	}
	return u, nil
}

// CreateAdminUser inserts a dashboard login with a pre-hashed password.
func (s *Store) CreateAdminUser(ctx context.Context, username, passwordHash string) (models.AdminUser, error) {
	now := time.Now().UTC()
	u := models.AdminUser{
		ID:           uuid.New().String(),
		Username:     username,
		PasswordHash: passwordHash,
		CreatedAt:    now,
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO admin_users (id, username, password_hash, created_at)
		VALUES ($1, $2, $3, $4)
	`, u.ID, u.Username, u.PasswordHash, now)
	if err != nil {
		return models.AdminUser{}, fmt.Errorf("insert admin user: %w", err)
	}
	return u, nil
}

// ---- dashboard ----

// QueueSummary aggregates per-status counts for one queue.
type QueueSummary struct {
	QueueID string         `json:"queue_id"`
	Name    string         `json:"name"`
	Counts  map[string]int `json:"counts"`
}

// SummarizeQueues returns per-queue status counts for the dashboard.
func (s *Store) SummarizeQueues(ctx context.Context) ([]QueueSummary, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT q.id, q.name, u.status, COUNT(u.id)
		FROM queues q
		LEFT JOIN queue_users u ON u.queue_id = q.id AND u.is_deleted = FALSE
		WHERE q.is_deleted = FALSE
		GROUP BY q.id, q.name, u.status
		ORDER BY q.id
	`)
	if err != nil {
		return nil, fmt.Errorf("summarize queues: %w", err)
	}
	defer rows.Close()

	byID := map[string]*QueueSummary{}
	var order []string
	for rows.Next() {
		var id, name string
		var status pgtype.Text
		var count int
		if err := rows.Scan(&id, &name, &status, &count); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		sum, ok := byID[id]
		if !ok {
			sum = &QueueSummary{QueueID: id, Name: name, Counts: map[string]int{}}
			byID[id] = sum
			order = append(order, id)
		}
		if status.Valid {
			sum.Counts[status.String] = count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := make([]QueueSummary, 0, len(order))
	for _, id := range order {
		out = append(out, *byID[id])
	}
	return out, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
