// Package tiered provides a Hot/Cold tiered storage adapter that puts a fast
// user cache (Hot) in front of the durable store (Cold) that owns the users and
// the event ledger.
package tiered

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

// Store is a backend that holds both users and the event ledger.
type Store interface {
	subsync.UserStore
	subsync.EventStore
}

// Cache is the hot tier: a user store whose entries can be evicted.
type Cache interface {
	subsync.UserStore
	DeleteUser(ctx context.Context, userID string) error
}

// Config configures the tiered storage behavior
type Config struct {
	// Hot is the L1 user cache (e.g., Redis, Memory). An entry whose refresh
	// fails is evicted so that reads fall through to Cold.
	Hot Cache

	// Cold is the L2 persistence storage (e.g., Postgres, Firestore) and the source of truth
	Cold Store

	// AsyncHotSync refreshes the cache from a background worker after writes.
	// If false, the cache is refreshed before the write returns.
	AsyncHotSync bool

	// SyncBufferSize is the size of the buffered channel for async operations.
	// Default: 1000
	SyncBufferSize int

	// AsyncErrorHandler is called when a cache refresh fails.
	AsyncErrorHandler func(error)
}

// Storage implements a Hot/Cold tiered storage architecture.
// - Read-Through: user reads (Hot → Cold → fill Hot)
// - Write-Through: user writes (Cold → Hot)
// - Cold-Only: the event ledger, whose insert-once guarantee needs a single authority
type Storage struct {
	hot  Cache
	cold Store
	conf Config

	syncQueue chan func() error
	shutdown  chan struct{}
	wg        sync.WaitGroup
}

// New creates a new tiered storage adapter.
func New(config Config) (*Storage, error) {
	if config.Hot == nil || config.Cold == nil {
		return nil, errors.New("tiered storage: both hot and cold storage are required")
	}

	if config.SyncBufferSize <= 0 {
		config.SyncBufferSize = 1000
	}

	s := &Storage{
		hot:       config.Hot,
		cold:      config.Cold,
		conf:      config,
		syncQueue: make(chan func() error, config.SyncBufferSize),
		shutdown:  make(chan struct{}),
	}

	if config.AsyncHotSync {
		s.startWorker()
	}

	return s, nil
}

// Close gracefully shuts down the async worker (if enabled).
func (s *Storage) Close() error {
	if s.conf.AsyncHotSync {
		select {
		case <-s.shutdown:
		default:
			close(s.shutdown)
			s.wg.Wait()
		}
	}
	return nil
}

// startWorker runs the background refresh loop. Jobs run one at a time so
// refreshes of the same user apply in write order.
func (s *Storage) startWorker() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case job := <-s.syncQueue:
				if err := job(); err != nil {
					s.reportAsync(err)
				}
			case <-s.shutdown:
				for {
					select {
					case job := <-s.syncQueue:
						_ = job() //nolint:errcheck // Best effort during shutdown
					default:
						return
					}
				}
			}
		}
	}()
}

func (s *Storage) reportAsync(err error) {
	if s.conf.AsyncErrorHandler != nil {
		s.conf.AsyncErrorHandler(err)
	}
}

// --- Strategy: Read-Through (Hot → Cold → Populate Hot) ---

// GetUser implements subsync.UserStore with read-through strategy.
func (s *Storage) GetUser(ctx context.Context, userID string) (*subsync.User, error) {
	return s.readThrough(ctx, func(st subsync.UserStore) (*subsync.User, error) {
		return st.GetUser(ctx, userID)
	})
}

// FindByCustomerID implements subsync.UserStore with read-through strategy.
func (s *Storage) FindByCustomerID(ctx context.Context, customerID string) (*subsync.User, error) {
	return s.readThrough(ctx, func(st subsync.UserStore) (*subsync.User, error) {
		return st.FindByCustomerID(ctx, customerID)
	})
}

// FindByEmail implements subsync.UserStore with read-through strategy.
func (s *Storage) FindByEmail(ctx context.Context, email string) (*subsync.User, error) {
	return s.readThrough(ctx, func(st subsync.UserStore) (*subsync.User, error) {
		return st.FindByEmail(ctx, email)
	})
}

func (s *Storage) readThrough(ctx context.Context, get func(subsync.UserStore) (*subsync.User, error)) (*subsync.User, error) {
	// 1. Try Hot
	if u, err := get(s.hot); err == nil {
		return u, nil
	}

	// 2. Try Cold (Source of Truth)
	u, err := get(s.cold)
	if err != nil {
		return nil, err
	}

	// 3. Populate Hot (Read-Repair). Errors are non-critical for a cache fill.
	_ = s.fillHot(ctx, u) //nolint:errcheck // Cache fill
	return u, nil
}

// --- Strategy: Write-Through (Cold → Hot) ---

// UpdateUser implements subsync.UserStore. The read-modify-write runs on Cold
// only; the cache never feeds fn.
func (s *Storage) UpdateUser(ctx context.Context, userID string, fn subsync.UpdateFunc) (*subsync.User, error) {
	u, err := s.cold.UpdateUser(ctx, userID, fn)
	if err != nil {
		return nil, err
	}
	s.refreshHot(ctx, u)
	return u, nil
}

// PutUser implements subsync.UserStore with write-through strategy.
func (s *Storage) PutUser(ctx context.Context, user *subsync.User) error {
	if err := s.cold.PutUser(ctx, user); err != nil {
		return err
	}
	c := user.Clone()
	s.refreshHot(ctx, &c)
	return nil
}

func (s *Storage) refreshHot(ctx context.Context, u *subsync.User) {
	if !s.conf.AsyncHotSync {
		if err := s.fillHot(ctx, u); err != nil {
			s.reportAsync(s.evict(ctx, u.ID, fmt.Errorf("tiered storage: hot write failed: %w", err)))
		}
		return
	}

	c := u.Clone()
	select {
	case s.syncQueue <- func() error {
		// Background context so a canceled request still refreshes the cache
		ctx := context.Background()
		if err := s.fillHot(ctx, &c); err != nil {
			return s.evict(ctx, c.ID, fmt.Errorf("tiered sync failed: %w", err))
		}
		return nil
	}:
	default:
		s.reportAsync(s.evict(ctx, u.ID, errors.New("tiered storage: sync queue full, dropping hot write")))
	}
}

// evict drops a cache entry that could not be refreshed and returns cause,
// joined with the eviction error if the entry may still be stale.
func (s *Storage) evict(ctx context.Context, userID string, cause error) error {
	if err := s.hot.DeleteUser(context.WithoutCancel(ctx), userID); err != nil {
		return errors.Join(cause, fmt.Errorf("tiered storage: evicting stale user %s: %w", userID, err))
	}
	return cause
}

// fillHot writes u to the cache unless the cache already holds a newer copy.
func (s *Storage) fillHot(ctx context.Context, u *subsync.User) error {
	_, err := s.hot.UpdateUser(ctx, u.ID, func(cached subsync.User) (subsync.User, error) {
		if cached.UpdatedAt.After(u.UpdatedAt) {
			return cached, nil
		}
		return u.Clone(), nil
	})
	if errors.Is(err, subsync.ErrUserNotFound) {
		return s.hot.PutUser(ctx, u)
	}
	return err
}

// --- Strategy: Cold-Only ---

// InsertEvent implements subsync.EventStore on the cold store.
func (s *Storage) InsertEvent(ctx context.Context, event *subsync.BillingEvent) (bool, error) {
	return s.cold.InsertEvent(ctx, event)
}

// GetEvent implements subsync.EventStore on the cold store.
func (s *Storage) GetEvent(ctx context.Context, eventID string) (*subsync.BillingEvent, error) {
	return s.cold.GetEvent(ctx, eventID)
}

// MarkProcessed implements subsync.EventStore on the cold store.
func (s *Storage) MarkProcessed(ctx context.Context, eventID string, at time.Time) error {
	return s.cold.MarkProcessed(ctx, eventID, at)
}

// MarkFailed implements subsync.EventStore on the cold store.
func (s *Storage) MarkFailed(ctx context.Context, eventID, handlerErr string) error {
	return s.cold.MarkFailed(ctx, eventID, handlerErr)
}

// ReclaimFailed implements subsync.EventStore on the cold store.
func (s *Storage) ReclaimFailed(ctx context.Context, eventID string) (bool, error) {
	return s.cold.ReclaimFailed(ctx, eventID)
}

// AnnotateEvent implements subsync.EventStore on the cold store.
func (s *Storage) AnnotateEvent(ctx context.Context, eventID, note string) error {
	return s.cold.AnnotateEvent(ctx, eventID, note)
}

// Ping checks the cold store when it supports health checks.
func (s *Storage) Ping(ctx context.Context) error {
	if p, ok := s.cold.(interface{ Ping(context.Context) error }); ok {
		return p.Ping(ctx)
	}
	return nil
}
