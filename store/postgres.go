package store

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/reachinbox/scheduler/model"
)

// PostgresStore implements Store using a PostgreSQL connection pool.
type PostgresStore struct {
	pool       *pgxpool.Pool
	rotation   atomic.Uint64
}

// NewPostgresStore initializes a pool sized for the ingress + worker
// write load.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}

	cfg.MaxConns = 50
	cfg.MinConns = 5
	cfg.MaxConnLifetime = time.Hour
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	var one int
	return s.pool.QueryRow(ctx, "SELECT 1").Scan(&one)
}

// --- Campaign operations ---

func (s *PostgresStore) CreateCampaign(ctx context.Context, c *model.Campaign) error {
	query := `
		INSERT INTO mail_campaigns (id, user_id, subject, body, start_time, delay_between_ms, hourly_limit, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
	`
	_, err := s.pool.Exec(ctx, query,
		c.ID, c.UserID, c.Subject, c.Body, c.StartTime, c.DelayBetweenMs, c.HourlyLimit, c.Status,
	)
	return err
}

func (s *PostgresStore) UpdateCampaignStatus(ctx context.Context, campaignID string, status model.CampaignStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE mail_campaigns SET status = $2, updated_at = NOW() WHERE id = $1`,
		campaignID, status,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) GetCampaign(ctx context.Context, campaignID string) (*model.Campaign, error) {
	query := `
		SELECT id, user_id, subject, body, start_time, delay_between_ms, hourly_limit, status, created_at, updated_at
		FROM mail_campaigns WHERE id = $1
	`
	var c model.Campaign
	err := s.pool.QueryRow(ctx, query, campaignID).Scan(
		&c.ID, &c.UserID, &c.Subject, &c.Body, &c.StartTime, &c.DelayBetweenMs, &c.HourlyLimit, &c.Status, &c.CreatedAt, &c.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *PostgresStore) ListCampaignsByUser(ctx context.Context, userID string) ([]*model.Campaign, error) {
	query := `
		SELECT id, user_id, subject, body, start_time, delay_between_ms, hourly_limit, status, created_at, updated_at
		FROM mail_campaigns WHERE user_id = $1 ORDER BY created_at DESC
	`
	rows, err := s.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Campaign
	for rows.Next() {
		var c model.Campaign
		if err := rows.Scan(&c.ID, &c.UserID, &c.Subject, &c.Body, &c.StartTime, &c.DelayBetweenMs, &c.HourlyLimit, &c.Status, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

// --- Dispatch operations ---

func (s *PostgresStore) CreateDispatch(ctx context.Context, d *model.Dispatch) error {
	query := `
		INSERT INTO mail_dispatches (id, campaign_id, recipient_email, subject, body, scheduled_time, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
	`
	_, err := s.pool.Exec(ctx, query,
		d.ID, d.CampaignID, d.RecipientEmail, d.Subject, d.Body, d.ScheduledTime, d.Status,
	)
	if err != nil && isUniqueViolation(err) {
		return ErrDuplicateDispatch
	}
	return err
}

func (s *PostgresStore) GetDispatch(ctx context.Context, dispatchID string) (*model.Dispatch, error) {
	query := `
		SELECT id, campaign_id, recipient_email, subject, body, scheduled_time, sent_time, status, error_message, sender_email, sender_id, created_at, updated_at
		FROM mail_dispatches WHERE id = $1
	`
	var d model.Dispatch
	err := s.pool.QueryRow(ctx, query, dispatchID).Scan(
		&d.ID, &d.CampaignID, &d.RecipientEmail, &d.Subject, &d.Body, &d.ScheduledTime, &d.SentTime,
		&d.Status, &d.ErrorMessage, &d.SenderEmail, &d.SenderID, &d.CreatedAt, &d.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *PostgresStore) UpdateDispatch(ctx context.Context, d *model.Dispatch) error {
	query := `
		UPDATE mail_dispatches
		SET scheduled_time = $2, sent_time = $3, status = $4, error_message = $5, sender_email = $6, sender_id = $7, updated_at = NOW()
		WHERE id = $1
	`
	tag, err := s.pool.Exec(ctx, query,
		d.ID, d.ScheduledTime, d.SentTime, d.Status, d.ErrorMessage, d.SenderEmail, d.SenderID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListDispatchesByCampaign(ctx context.Context, campaignID string) ([]*model.Dispatch, error) {
	query := `
		SELECT id, campaign_id, recipient_email, subject, body, scheduled_time, sent_time, status, error_message, sender_email, sender_id, created_at, updated_at
		FROM mail_dispatches WHERE campaign_id = $1 ORDER BY scheduled_time ASC
	`
	return s.queryDispatches(ctx, query, campaignID)
}

func (s *PostgresStore) ListDispatchesByUserAndStatus(ctx context.Context, userID string, statuses []model.DispatchStatus) ([]*model.Dispatch, error) {
	query := `
		SELECT d.id, d.campaign_id, d.recipient_email, d.subject, d.body, d.scheduled_time, d.sent_time, d.status, d.error_message, d.sender_email, d.sender_id, d.created_at, d.updated_at
		FROM mail_dispatches d
		JOIN mail_campaigns c ON c.id = d.campaign_id
		WHERE c.user_id = $1 AND d.status = ANY($2)
		ORDER BY d.scheduled_time DESC
	`
	strStatuses := make([]string, len(statuses))
	for i, st := range statuses {
		strStatuses[i] = string(st)
	}
	return s.queryDispatches(ctx, query, userID, strStatuses)
}

func (s *PostgresStore) ListStuckDispatches(ctx context.Context, olderThan time.Time) ([]*model.Dispatch, error) {
	query := `
		SELECT id, campaign_id, recipient_email, subject, body, scheduled_time, sent_time, status, error_message, sender_email, sender_id, created_at, updated_at
		FROM mail_dispatches WHERE status = $1 AND updated_at < $2
	`
	return s.queryDispatches(ctx, query, model.DispatchSending, olderThan)
}

func (s *PostgresStore) queryDispatches(ctx context.Context, query string, args ...interface{}) ([]*model.Dispatch, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Dispatch
	for rows.Next() {
		var d model.Dispatch
		if err := rows.Scan(
			&d.ID, &d.CampaignID, &d.RecipientEmail, &d.Subject, &d.Body, &d.ScheduledTime, &d.SentTime,
			&d.Status, &d.ErrorMessage, &d.SenderEmail, &d.SenderID, &d.CreatedAt, &d.UpdatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

// --- Sender accounts ---

func (s *PostgresStore) ListActiveSenders(ctx context.Context) ([]*model.SenderAccount, error) {
	query := `SELECT id, email, password, smtp_host, smtp_port, is_active FROM sender_accounts WHERE is_active = true ORDER BY id`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.SenderAccount
	for rows.Next() {
		var a model.SenderAccount
		if err := rows.Scan(&a.ID, &a.Email, &a.Password, &a.SMTPHost, &a.SMTPPort, &a.IsActive); err != nil {
			return nil, err
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

// PickActiveSender round-robins across active sender accounts so a
// single sender isn't hammered while others sit idle (spec supplement:
// sender account rotation). The counter is process-local; with
// multiple worker replicas rotation is approximate, not coordinated.
func (s *PostgresStore) PickActiveSender(ctx context.Context) (*model.SenderAccount, error) {
	senders, err := s.ListActiveSenders(ctx)
	if err != nil {
		return nil, err
	}
	if len(senders) == 0 {
		return nil, ErrNotFound
	}
	i := s.rotation.Add(1) - 1
	return senders[i%uint64(len(senders))], nil
}

// isUniqueViolation matches Postgres error code 23505 without
// depending on pgconn's error type directly at every call site.
func isUniqueViolation(err error) bool {
	var pgErr interface{ SQLState() string }
	if errors.As(err, &pgErr) {
		return pgErr.SQLState() == "23505"
	}
	return false
}
