// Package redis provides a Redis implementation of the subsync.UserStore and
// subsync.EventStore interfaces.
// Ledger writes use Lua scripts so that every check-and-set is atomic; user
// updates use optimistic WATCH/MULTI transactions.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

// Storage implements subsync.UserStore and subsync.EventStore using Redis
type Storage struct {
	client  redis.UniversalClient
	config  Config
	scripts map[string]*redis.Script
}

// Config holds Redis storage configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "subsync:")
	KeyPrefix string

	// EventTTL is the TTL for ledger entries (0 = no expiration)
	EventTTL time.Duration

	// MaxRetries bounds optimistic retries of a user update (default: 3)
	MaxRetries int
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix:  "subsync:",
		EventTTL:   0, // the ledger is kept forever
		MaxRetries: 3,
	}
}

// Hash fields of a ledger entry.
const (
	fieldEventID        = "event_id"
	fieldType           = "type"
	fieldCustomerID     = "customer_id"
	fieldSubscriptionID = "subscription_id"
	fieldPayload        = "payload"
	fieldReceivedAt     = "received_at"
	fieldProcessedAt    = "processed_at"
	fieldHandlerError   = "handler_error"
	fieldNote           = "note"
)

// New creates a new Redis storage adapter
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	if config.KeyPrefix == "" {
		config.KeyPrefix = "subsync:"
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = 3
	}

	s := &Storage{
		client:  client,
		config:  config,
		scripts: make(map[string]*redis.Script),
	}
	s.loadScripts()

	return s, nil
}

// loadScripts compiles the Lua scripts backing the ledger
func (s *Storage) loadScripts() {
	// Insert a ledger entry unless one exists. Returns 1 when inserted.
	s.scripts["insert_event"] = redis.NewScript(`
		local key = KEYS[1]
		local ttl = tonumber(ARGV[1])

		if redis.call('EXISTS', key) == 1 then
			return 0
		end

		for i = 2, #ARGV, 2 do
			redis.call('HSET', key, ARGV[i], ARGV[i + 1])
		end

		if ttl > 0 then
			redis.call('EXPIRE', key, ttl)
		end
		return 1
	`)

	// Record success and clear the previous error.
	s.scripts["mark_processed"] = redis.NewScript(`
		local key = KEYS[1]
		if redis.call('EXISTS', key) == 0 then
			return 0
		end
		redis.call('HSET', key, 'processed_at', ARGV[1])
		redis.call('HDEL', key, 'handler_error')
		return 1
	`)

	// Set one field of an existing entry.
	s.scripts["set_field"] = redis.NewScript(`
		local key = KEYS[1]
		if redis.call('EXISTS', key) == 0 then
			return 0
		end
		redis.call('HSET', key, ARGV[1], ARGV[2])
		return 1
	`)

	// Clear the error of a failed, unprocessed entry. Returns 1 to the single
	// caller that wins the reclaim.
	s.scripts["reclaim_failed"] = redis.NewScript(`
		local key = KEYS[1]
		local processed = redis.call('HGET', key, 'processed_at')
		if processed and processed ~= '' then
			return 0
		end
		local failure = redis.call('HGET', key, 'handler_error')
		if not failure or failure == '' then
			return 0
		end
		redis.call('HDEL', key, 'handler_error')
		return 1
	`)
}

// GetUser implements subsync.UserStore
func (s *Storage) GetUser(ctx context.Context, userID string) (*subsync.User, error) {
	data, err := s.client.Get(ctx, s.userKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, subsync.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return decodeUser(data)
}

// FindByCustomerID implements subsync.UserStore
func (s *Storage) FindByCustomerID(ctx context.Context, customerID string) (*subsync.User, error) {
	if customerID == "" {
		return nil, subsync.ErrUserNotFound
	}
	user, err := s.lookup(ctx, s.customerKey(customerID))
	if err != nil {
		return nil, err
	}
	// The index may trail a concurrent re-link.
	if user.CustomerID != customerID {
		return nil, subsync.ErrUserNotFound
	}
	return user, nil
}

// FindByEmail implements subsync.UserStore
func (s *Storage) FindByEmail(ctx context.Context, email string) (*subsync.User, error) {
	normalized := normalizeEmail(email)
	if normalized == "" {
		return nil, subsync.ErrUserNotFound
	}
	user, err := s.lookup(ctx, s.emailKey(normalized))
	if err != nil {
		return nil, err
	}
	if normalizeEmail(user.Email) != normalized {
		return nil, subsync.ErrUserNotFound
	}
	return user, nil
}

func (s *Storage) lookup(ctx context.Context, indexKey string) (*subsync.User, error) {
	userID, err := s.client.Get(ctx, indexKey).Result()
	if errors.Is(err, redis.Nil) {
		return nil, subsync.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read index: %w", err)
	}
	return s.GetUser(ctx, userID)
}

// UpdateUser implements subsync.UserStore. The user key is watched while fn
// runs; a concurrent write aborts the transaction and the update is retried on
// the fresher copy up to MaxRetries times.
func (s *Storage) UpdateUser(ctx context.Context, userID string, fn subsync.UpdateFunc) (*subsync.User, error) {
	key := s.userKey(userID)
	var result *subsync.User

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return subsync.ErrUserNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to get user: %w", err)
		}
		current, err := decodeUser(data)
		if err != nil {
			return err
		}

		next, err := fn(current.Clone())
		if err != nil {
			return err
		}
		next.ID = userID

		if err := s.writeUser(ctx, tx, current, &next); err != nil {
			return err
		}
		c := next.Clone()
		result = &c
		return nil
	}

	for attempt := 0; attempt < s.config.MaxRetries; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return result, nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("update user %s: %w", userID, subsync.ErrConcurrentUpdate)
}

// PutUser implements subsync.UserStore
func (s *Storage) PutUser(ctx context.Context, user *subsync.User) error {
	if user == nil || user.ID == "" {
		return fmt.Errorf("invalid user")
	}
	key := s.userKey(user.ID)

	txf := func(tx *redis.Tx) error {
		var previous *subsync.User
		data, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return fmt.Errorf("failed to get user: %w", err)
		default:
			if previous, err = decodeUser(data); err != nil {
				return err
			}
		}
		return s.writeUser(ctx, tx, previous, user)
	}

	for attempt := 0; attempt < s.config.MaxRetries; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("put user %s: %w", user.ID, subsync.ErrConcurrentUpdate)
}

// DeleteUser removes a user and the lookup indexes that still point at it.
// Deleting a missing user is not an error.
func (s *Storage) DeleteUser(ctx context.Context, userID string) error {
	key := s.userKey(userID)

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to get user: %w", err)
		}

		keys := []string{key}
		if u, err := decodeUser(data); err == nil {
			var candidates []string
			if u.CustomerID != "" {
				candidates = append(candidates, s.customerKey(u.CustomerID))
			}
			if email := normalizeEmail(u.Email); email != "" {
				candidates = append(candidates, s.emailKey(email))
			}
			for _, k := range candidates {
				if err := tx.Watch(ctx, k).Err(); err != nil {
					return fmt.Errorf("failed to watch index: %w", err)
				}
				owner, err := tx.Get(ctx, k).Result()
				if err != nil && !errors.Is(err, redis.Nil) {
					return fmt.Errorf("failed to read index: %w", err)
				}
				if owner == userID {
					keys = append(keys, k)
				}
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, keys...)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < s.config.MaxRetries; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("delete user %s: %w", userID, subsync.ErrConcurrentUpdate)
}

// writeUser stores next and moves its lookup indexes inside one MULTI block.
// Index entries of previous are removed only while they still point at the user.
func (s *Storage) writeUser(ctx context.Context, tx *redis.Tx, previous, next *subsync.User) error {
	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("failed to marshal user: %w", err)
	}

	var stale []string
	if previous != nil {
		var candidates []string
		if previous.CustomerID != "" && previous.CustomerID != next.CustomerID {
			candidates = append(candidates, s.customerKey(previous.CustomerID))
		}
		if old := normalizeEmail(previous.Email); old != "" && old != normalizeEmail(next.Email) {
			candidates = append(candidates, s.emailKey(old))
		}
		for _, k := range candidates {
			if err := tx.Watch(ctx, k).Err(); err != nil {
				return fmt.Errorf("failed to watch index: %w", err)
			}
			owner, err := tx.Get(ctx, k).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return fmt.Errorf("failed to read index: %w", err)
			}
			if owner == next.ID {
				stale = append(stale, k)
			}
		}
	}

	_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.userKey(next.ID), data, 0)
		if len(stale) > 0 {
			pipe.Del(ctx, stale...)
		}
		if next.CustomerID != "" {
			pipe.Set(ctx, s.customerKey(next.CustomerID), next.ID, 0)
		}
		if email := normalizeEmail(next.Email); email != "" {
			pipe.Set(ctx, s.emailKey(email), next.ID, 0)
		}
		return nil
	})
	return err
}

// InsertEvent implements subsync.EventStore
func (s *Storage) InsertEvent(ctx context.Context, event *subsync.BillingEvent) (bool, error) {
	if event == nil || event.EventID == "" {
		return false, fmt.Errorf("invalid billing event")
	}

	args := []interface{}{
		int64(s.config.EventTTL.Seconds()),
		fieldEventID, event.EventID,
		fieldType, event.Type,
		fieldCustomerID, event.CustomerID,
		fieldSubscriptionID, event.SubscriptionID,
		fieldPayload, string(event.Payload),
		fieldReceivedAt, formatTime(event.ReceivedAt),
	}
	if event.ProcessedAt != nil {
		args = append(args, fieldProcessedAt, formatTime(*event.ProcessedAt))
	}
	if event.HandlerError != "" {
		args = append(args, fieldHandlerError, event.HandlerError)
	}
	if event.Note != "" {
		args = append(args, fieldNote, event.Note)
	}

	inserted, err := s.scripts["insert_event"].Run(ctx, s.client, []string{s.eventKey(event.EventID)}, args...).Int()
	if err != nil {
		return false, fmt.Errorf("failed to insert event: %w", err)
	}
	return inserted == 1, nil
}

// GetEvent implements subsync.EventStore
func (s *Storage) GetEvent(ctx context.Context, eventID string) (*subsync.BillingEvent, error) {
	fields, err := s.client.HGetAll(ctx, s.eventKey(eventID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get event: %w", err)
	}
	if len(fields) == 0 {
		return nil, subsync.ErrEventNotFound
	}

	event := &subsync.BillingEvent{
		EventID:        fields[fieldEventID],
		Type:           fields[fieldType],
		CustomerID:     fields[fieldCustomerID],
		SubscriptionID: fields[fieldSubscriptionID],
		Payload:        []byte(fields[fieldPayload]),
		HandlerError:   fields[fieldHandlerError],
		Note:           fields[fieldNote],
	}
	if event.ReceivedAt, err = parseTime(fields[fieldReceivedAt]); err != nil {
		return nil, fmt.Errorf("event %s: bad received_at: %w", eventID, err)
	}
	if raw := fields[fieldProcessedAt]; raw != "" {
		at, err := parseTime(raw)
		if err != nil {
			return nil, fmt.Errorf("event %s: bad processed_at: %w", eventID, err)
		}
		event.ProcessedAt = &at
	}
	return event, nil
}

// MarkProcessed implements subsync.EventStore
func (s *Storage) MarkProcessed(ctx context.Context, eventID string, at time.Time) error {
	return s.runOnEvent(ctx, "mark_processed", eventID, formatTime(at))
}

// MarkFailed implements subsync.EventStore
func (s *Storage) MarkFailed(ctx context.Context, eventID, handlerErr string) error {
	return s.runOnEvent(ctx, "set_field", eventID, fieldHandlerError, handlerErr)
}

// AnnotateEvent implements subsync.EventStore
func (s *Storage) AnnotateEvent(ctx context.Context, eventID, note string) error {
	return s.runOnEvent(ctx, "set_field", eventID, fieldNote, note)
}

// ReclaimFailed implements subsync.EventStore
func (s *Storage) ReclaimFailed(ctx context.Context, eventID string) (bool, error) {
	won, err := s.scripts["reclaim_failed"].Run(ctx, s.client, []string{s.eventKey(eventID)}).Int()
	if err != nil {
		return false, fmt.Errorf("failed to reclaim event: %w", err)
	}
	return won == 1, nil
}

func (s *Storage) runOnEvent(ctx context.Context, script, eventID string, args ...interface{}) error {
	found, err := s.scripts[script].Run(ctx, s.client, []string{s.eventKey(eventID)}, args...).Int()
	if err != nil {
		return fmt.Errorf("failed to update event: %w", err)
	}
	if found == 0 {
		return subsync.ErrEventNotFound
	}
	return nil
}

// Key generation helpers

func (s *Storage) userKey(userID string) string {
	return fmt.Sprintf("%suser:%s", s.config.KeyPrefix, userID)
}

func (s *Storage) customerKey(customerID string) string {
	return fmt.Sprintf("%scustomer:%s", s.config.KeyPrefix, customerID)
}

func (s *Storage) emailKey(normalizedEmail string) string {
	return fmt.Sprintf("%semail:%s", s.config.KeyPrefix, normalizedEmail)
}

func (s *Storage) eventKey(eventID string) string {
	return fmt.Sprintf("%sevent:%s", s.config.KeyPrefix, eventID)
}

// Close closes the Redis connection
func (s *Storage) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable
func (s *Storage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func decodeUser(data []byte) (*subsync.User, error) {
	var u subsync.User
	if err := json.Unmarshal(data, &u); err != nil {
		return nil, fmt.Errorf("failed to unmarshal user: %w", err)
	}
	return &u, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, raw)
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
