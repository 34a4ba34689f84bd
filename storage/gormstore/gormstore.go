// Package gormstore provides a GORM implementation of the subsync.UserStore and
// subsync.EventStore interfaces. It runs on any dialect GORM supports; Open
// wires the SQLite, PostgreSQL and MySQL drivers.
package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

// Open returns the GORM dialector for a dialect name and DSN.
func Open(dialect, dsn string) (gorm.Dialector, error) {
	switch strings.ToLower(dialect) {
	case "sqlite":
		return sqlite.Open(dsn), nil
	case "postgres", "postgresql":
		return postgres.Open(dsn), nil
	case "mysql":
		return mysql.Open(dsn), nil
	default:
		return nil, fmt.Errorf("unsupported %s dialect", dialect)
	}
}

// Config holds GORM storage configuration
type Config struct {
	// AutoMigrate creates or updates the tables on New.
	AutoMigrate bool
}

// Storage implements subsync.UserStore and subsync.EventStore on a *gorm.DB
type Storage struct {
	db *gorm.DB
}

type userRow struct {
	ID           string    `gorm:"primaryKey;size:64"`
	Email        string    `gorm:"size:320"`
	EmailKey     string    `gorm:"size:320;index"`
	FullName     string    `gorm:"size:255"`
	Timezone     string    `gorm:"size:64"`
	CustomerID   *string   `gorm:"size:64;index"`
	Subscription string    `gorm:"type:text"`
	ModifiedAt   time.Time `gorm:"column:updated_at"`
}

func (userRow) TableName() string { return "subsync_users" }

type eventRow struct {
	EventID        string `gorm:"primaryKey;size:128"`
	Type           string `gorm:"size:128"`
	CustomerID     string `gorm:"size:64"`
	SubscriptionID string `gorm:"size:64"`
	Payload        []byte
	ReceivedAt     time.Time
	ProcessedAt    *time.Time `gorm:"index"`
	HandlerError   string     `gorm:"type:text"`
	Note           string     `gorm:"type:text"`
}

func (eventRow) TableName() string { return "subsync_billing_events" }

// New wraps an open *gorm.DB
func New(db *gorm.DB, config Config) (*Storage, error) {
	if db == nil {
		return nil, fmt.Errorf("gorm db is required")
	}
	if config.AutoMigrate {
		if err := db.AutoMigrate(&userRow{}, &eventRow{}); err != nil {
			return nil, fmt.Errorf("failed to migrate schema: %w", err)
		}
	}
	return &Storage{db: db}, nil
}

// GetUser implements subsync.UserStore
func (s *Storage) GetUser(ctx context.Context, userID string) (*subsync.User, error) {
	return s.firstUser(s.db.WithContext(ctx).Where("id = ?", userID))
}

// FindByCustomerID implements subsync.UserStore
func (s *Storage) FindByCustomerID(ctx context.Context, customerID string) (*subsync.User, error) {
	if customerID == "" {
		return nil, subsync.ErrUserNotFound
	}
	return s.firstUser(s.db.WithContext(ctx).Where("customer_id = ?", customerID).Order("updated_at DESC"))
}

// FindByEmail implements subsync.UserStore
func (s *Storage) FindByEmail(ctx context.Context, email string) (*subsync.User, error) {
	key := normalizeEmail(email)
	if key == "" {
		return nil, subsync.ErrUserNotFound
	}
	return s.firstUser(s.db.WithContext(ctx).Where("email_key = ?", key).Order("updated_at DESC"))
}

func (s *Storage) firstUser(q *gorm.DB) (*subsync.User, error) {
	var row userRow
	if err := q.First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, subsync.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return row.toUser()
}

// UpdateUser implements subsync.UserStore. The row is read with a locking
// clause inside the transaction; dialects without row locks serialize writers
// on the transaction itself.
func (s *Storage) UpdateUser(ctx context.Context, userID string, fn subsync.UpdateFunc) (*subsync.User, error) {
	var result *subsync.User
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row userRow
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", userID).First(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return subsync.ErrUserNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to lock user: %w", err)
		}

		current, err := row.toUser()
		if err != nil {
			return err
		}
		next, err := fn(current.Clone())
		if err != nil {
			return err
		}
		next.ID = userID

		updated, err := fromUser(&next)
		if err != nil {
			return err
		}
		if err := tx.Save(updated).Error; err != nil {
			return fmt.Errorf("failed to save user: %w", err)
		}
		c := next.Clone()
		result = &c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// PutUser implements subsync.UserStore
func (s *Storage) PutUser(ctx context.Context, user *subsync.User) error {
	if user == nil || user.ID == "" {
		return fmt.Errorf("invalid user")
	}
	row, err := fromUser(user)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Save(row).Error; err != nil {
		return fmt.Errorf("failed to save user: %w", err)
	}
	return nil
}

// InsertEvent implements subsync.EventStore
func (s *Storage) InsertEvent(ctx context.Context, event *subsync.BillingEvent) (bool, error) {
	if event == nil || event.EventID == "" {
		return false, fmt.Errorf("invalid billing event")
	}
	row := eventRow{
		EventID:        event.EventID,
		Type:           event.Type,
		CustomerID:     event.CustomerID,
		SubscriptionID: event.SubscriptionID,
		Payload:        event.Payload,
		ReceivedAt:     event.ReceivedAt.UTC(),
		ProcessedAt:    event.ProcessedAt,
		HandlerError:   event.HandlerError,
		Note:           event.Note,
	}
	if row.Payload == nil {
		row.Payload = []byte{}
	}

	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "event_id"}},
		DoNothing: true,
	}).Create(&row)
	if res.Error != nil {
		return false, fmt.Errorf("failed to insert event: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// GetEvent implements subsync.EventStore
func (s *Storage) GetEvent(ctx context.Context, eventID string) (*subsync.BillingEvent, error) {
	var row eventRow
	if err := s.db.WithContext(ctx).Where("event_id = ?", eventID).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, subsync.ErrEventNotFound
		}
		return nil, fmt.Errorf("failed to get event: %w", err)
	}
	e := &subsync.BillingEvent{
		EventID:        row.EventID,
		Type:           row.Type,
		CustomerID:     row.CustomerID,
		SubscriptionID: row.SubscriptionID,
		Payload:        row.Payload,
		ReceivedAt:     row.ReceivedAt.UTC(),
		HandlerError:   row.HandlerError,
		Note:           row.Note,
	}
	if row.ProcessedAt != nil {
		at := row.ProcessedAt.UTC()
		e.ProcessedAt = &at
	}
	return e, nil
}

// MarkProcessed implements subsync.EventStore
func (s *Storage) MarkProcessed(ctx context.Context, eventID string, at time.Time) error {
	return s.updateEvent(ctx, eventID, map[string]any{
		"processed_at":  at.UTC(),
		"handler_error": "",
	})
}

// MarkFailed implements subsync.EventStore
func (s *Storage) MarkFailed(ctx context.Context, eventID, handlerErr string) error {
	return s.updateEvent(ctx, eventID, map[string]any{"handler_error": handlerErr})
}

// AnnotateEvent implements subsync.EventStore
func (s *Storage) AnnotateEvent(ctx context.Context, eventID, note string) error {
	return s.updateEvent(ctx, eventID, map[string]any{"note": note})
}

// ReclaimFailed implements subsync.EventStore
func (s *Storage) ReclaimFailed(ctx context.Context, eventID string) (bool, error) {
	res := s.db.WithContext(ctx).Model(&eventRow{}).
		Where("event_id = ? AND processed_at IS NULL AND handler_error <> ''", eventID).
		Update("handler_error", "")
	if res.Error != nil {
		return false, fmt.Errorf("failed to reclaim event: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (s *Storage) updateEvent(ctx context.Context, eventID string, values map[string]any) error {
	db := s.db.WithContext(ctx)
	res := db.Model(&eventRow{}).Where("event_id = ?", eventID).Updates(values)
	if res.Error != nil {
		return fmt.Errorf("failed to update event: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		return nil
	}
	// MySQL reports zero affected rows when the values did not change.
	var count int64
	if err := db.Model(&eventRow{}).Where("event_id = ?", eventID).Count(&count).Error; err != nil {
		return fmt.Errorf("failed to update event: %w", err)
	}
	if count == 0 {
		return subsync.ErrEventNotFound
	}
	return nil
}

// Ping checks the database connection
func (s *Storage) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the underlying connection pool
func (s *Storage) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (r userRow) toUser() (*subsync.User, error) {
	u := &subsync.User{
		ID:        r.ID,
		Email:     r.Email,
		FullName:  r.FullName,
		Timezone:  r.Timezone,
		UpdatedAt: r.ModifiedAt.UTC(),
	}
	if r.CustomerID != nil {
		u.CustomerID = *r.CustomerID
	}
	if r.Subscription != "" {
		var snap subsync.Snapshot
		if err := json.Unmarshal([]byte(r.Subscription), &snap); err != nil {
			return nil, fmt.Errorf("failed to unmarshal subscription: %w", err)
		}
		u.Subscription = &snap
	}
	return u, nil
}

func fromUser(u *subsync.User) (*userRow, error) {
	row := &userRow{
		ID:         u.ID,
		Email:      u.Email,
		EmailKey:   normalizeEmail(u.Email),
		FullName:   u.FullName,
		Timezone:   u.Timezone,
		ModifiedAt: u.UpdatedAt.UTC(),
	}
	if u.CustomerID != "" {
		id := u.CustomerID
		row.CustomerID = &id
	}
	if u.Subscription != nil {
		data, err := json.Marshal(u.Subscription)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal subscription: %w", err)
		}
		row.Subscription = string(data)
	}
	return row, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
