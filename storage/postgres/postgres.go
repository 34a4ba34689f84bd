// Package postgres provides a PostgreSQL implementation of the subsync.UserStore
// and subsync.EventStore interfaces.
// User updates run in a transaction that locks the row with SELECT FOR UPDATE;
// ledger inserts rely on the primary key with ON CONFLICT DO NOTHING.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

// Storage implements subsync.UserStore and subsync.EventStore using PostgreSQL
type Storage struct {
	pool   *pgxpool.Pool
	config Config

	// stopCleanup cancels the background cleanup goroutine
	stopCleanup func()
}

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// AutoMigrate applies the embedded schema migrations on New.
	AutoMigrate bool

	// Cleanup configuration. Only processed ledger entries older than
	// EventRetention are removed.
	CleanupEnabled  bool
	CleanupInterval time.Duration
	EventRetention  time.Duration

	// Logger receives cleanup failures. Optional.
	Logger subsync.Logger
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		CleanupEnabled:  false,
		CleanupInterval: time.Hour,
		EventRetention:  90 * 24 * time.Hour,
	}
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}
	if config.Logger == nil {
		config.Logger = &subsync.NoopLogger{}
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if config.AutoMigrate {
		if err := Migrate(pool); err != nil {
			pool.Close()
			return nil, err
		}
	}

	cleanupCtx, cancel := context.WithCancel(context.Background())

	s := &Storage{
		pool:        pool,
		config:      config,
		stopCleanup: cancel,
	}

	if config.CleanupEnabled && config.CleanupInterval > 0 && config.EventRetention > 0 {
		go s.startCleanup(cleanupCtx)
	}

	return s, nil
}

// Close closes the PostgreSQL connection pool and stops background cleanup
func (s *Storage) Close() {
	if s.stopCleanup != nil {
		s.stopCleanup()
	}
	if s.pool != nil {
		s.pool.Close()
	}
}

const userColumns = `id, email, full_name, timezone, customer_id, subscription, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*subsync.User, error) {
	var (
		u          subsync.User
		customerID *string
		snapshot   []byte
	)
	err := row.Scan(&u.ID, &u.Email, &u.FullName, &u.Timezone, &customerID, &snapshot, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, subsync.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan user: %w", err)
	}
	if customerID != nil {
		u.CustomerID = *customerID
	}
	if len(snapshot) > 0 {
		var snap subsync.Snapshot
		if err := json.Unmarshal(snapshot, &snap); err != nil {
			return nil, fmt.Errorf("failed to unmarshal subscription: %w", err)
		}
		u.Subscription = &snap
	}
	return &u, nil
}

// GetUser implements subsync.UserStore
func (s *Storage) GetUser(ctx context.Context, userID string) (*subsync.User, error) {
	return scanUser(s.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, userID))
}

// FindByCustomerID implements subsync.UserStore
func (s *Storage) FindByCustomerID(ctx context.Context, customerID string) (*subsync.User, error) {
	if customerID == "" {
		return nil, subsync.ErrUserNotFound
	}
	return scanUser(s.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE customer_id = $1
		 ORDER BY updated_at DESC LIMIT 1`, customerID))
}

// FindByEmail implements subsync.UserStore
func (s *Storage) FindByEmail(ctx context.Context, email string) (*subsync.User, error) {
	if email == "" {
		return nil, subsync.ErrUserNotFound
	}
	return scanUser(s.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE LOWER(email) = LOWER(TRIM($1))
		 ORDER BY updated_at DESC LIMIT 1`, email))
}

// UpdateUser implements subsync.UserStore. The row stays locked from the read
// until commit, so fn always sees the latest persisted state.
func (s *Storage) UpdateUser(ctx context.Context, userID string, fn subsync.UpdateFunc) (*subsync.User, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	current, err := scanUser(tx.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1 FOR UPDATE`, userID))
	if err != nil {
		return nil, err
	}

	next, err := fn(current.Clone())
	if err != nil {
		return nil, err
	}
	next.ID = userID

	if err := upsertUser(ctx, tx, &next); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	c := next.Clone()
	return &c, nil
}

// PutUser implements subsync.UserStore
func (s *Storage) PutUser(ctx context.Context, user *subsync.User) error {
	if user == nil || user.ID == "" {
		return fmt.Errorf("invalid user")
	}
	return upsertUser(ctx, s.pool, user)
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func upsertUser(ctx context.Context, db execer, u *subsync.User) error {
	var snapshot []byte
	if u.Subscription != nil {
		var err error
		if snapshot, err = json.Marshal(u.Subscription); err != nil {
			return fmt.Errorf("failed to marshal subscription: %w", err)
		}
	}
	updatedAt := u.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	_, err := db.Exec(ctx,
		`INSERT INTO users (id, email, full_name, timezone, customer_id, subscription, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO UPDATE SET
		   email = EXCLUDED.email,
		   full_name = EXCLUDED.full_name,
		   timezone = EXCLUDED.timezone,
		   customer_id = EXCLUDED.customer_id,
		   subscription = EXCLUDED.subscription,
		   updated_at = EXCLUDED.updated_at`,
		u.ID, u.Email, u.FullName, u.Timezone, nullable(u.CustomerID), snapshot, updatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert user: %w", err)
	}
	return nil
}

// InsertEvent implements subsync.EventStore
func (s *Storage) InsertEvent(ctx context.Context, event *subsync.BillingEvent) (bool, error) {
	if event == nil || event.EventID == "" {
		return false, fmt.Errorf("invalid billing event")
	}
	payload := event.Payload
	if payload == nil {
		payload = []byte{}
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO billing_events
		   (event_id, type, customer_id, subscription_id, payload, received_at, processed_at, handler_error, note)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (event_id) DO NOTHING`,
		event.EventID, event.Type, event.CustomerID, event.SubscriptionID, payload,
		event.ReceivedAt.UTC(), event.ProcessedAt, event.HandlerError, event.Note)
	if err != nil {
		return false, fmt.Errorf("failed to insert event: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// GetEvent implements subsync.EventStore
func (s *Storage) GetEvent(ctx context.Context, eventID string) (*subsync.BillingEvent, error) {
	var e subsync.BillingEvent
	err := s.pool.QueryRow(ctx,
		`SELECT event_id, type, customer_id, subscription_id, payload, received_at, processed_at, handler_error, note
		 FROM billing_events WHERE event_id = $1`, eventID,
	).Scan(&e.EventID, &e.Type, &e.CustomerID, &e.SubscriptionID, &e.Payload,
		&e.ReceivedAt, &e.ProcessedAt, &e.HandlerError, &e.Note)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, subsync.ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get event: %w", err)
	}
	return &e, nil
}

// MarkProcessed implements subsync.EventStore
func (s *Storage) MarkProcessed(ctx context.Context, eventID string, at time.Time) error {
	return s.updateEvent(ctx,
		`UPDATE billing_events SET processed_at = $2, handler_error = '' WHERE event_id = $1`,
		eventID, at.UTC())
}

// MarkFailed implements subsync.EventStore
func (s *Storage) MarkFailed(ctx context.Context, eventID, handlerErr string) error {
	return s.updateEvent(ctx,
		`UPDATE billing_events SET handler_error = $2 WHERE event_id = $1`,
		eventID, handlerErr)
}

// AnnotateEvent implements subsync.EventStore
func (s *Storage) AnnotateEvent(ctx context.Context, eventID, note string) error {
	return s.updateEvent(ctx,
		`UPDATE billing_events SET note = $2 WHERE event_id = $1`,
		eventID, note)
}

// ReclaimFailed implements subsync.EventStore. The conditional UPDATE takes the
// row lock, so only one concurrent caller sees a non-empty error to clear.
func (s *Storage) ReclaimFailed(ctx context.Context, eventID string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE billing_events SET handler_error = ''
		 WHERE event_id = $1 AND processed_at IS NULL AND handler_error <> ''`,
		eventID)
	if err != nil {
		return false, fmt.Errorf("failed to reclaim event: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Storage) updateEvent(ctx context.Context, query string, args ...any) error {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return subsync.ErrEventNotFound
	}
	return nil
}

// startCleanup runs periodic removal of old processed ledger entries
func (s *Storage) startCleanup(ctx context.Context) {
	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Cleanup(ctx); err != nil {
				s.config.Logger.Warn("billing event cleanup failed",
					subsync.Field{Key: "error", Value: err.Error()})
			}
		}
	}
}

// Cleanup deletes processed ledger entries older than EventRetention and
// returns how many were removed. Failed and in-flight entries are kept.
func (s *Storage) Cleanup(ctx context.Context) (int64, error) {
	if s.config.EventRetention <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().Add(-s.config.EventRetention)
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM billing_events WHERE processed_at IS NOT NULL AND processed_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup billing events: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Ping checks the PostgreSQL connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func nullable(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
