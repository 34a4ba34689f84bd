// Package memory provides an in-memory implementation of the subsync.UserStore
// and subsync.EventStore interfaces.
// This implementation is primarily intended for testing and development.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

// Storage implements subsync.UserStore and subsync.EventStore using in-memory maps
type Storage struct {
	mu         sync.RWMutex
	users      map[string]*subsync.User
	byCustomer map[string]string
	byEmail    map[string]string
	events     map[string]*subsync.BillingEvent
}

// New creates a new in-memory storage adapter
func New() *Storage {
	return &Storage{
		users:      make(map[string]*subsync.User),
		byCustomer: make(map[string]string),
		byEmail:    make(map[string]string),
		events:     make(map[string]*subsync.BillingEvent),
	}
}

// GetUser implements subsync.UserStore
func (s *Storage) GetUser(_ context.Context, userID string) (*subsync.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[userID]
	if !ok {
		return nil, subsync.ErrUserNotFound
	}
	c := u.Clone()
	return &c, nil
}

// FindByCustomerID implements subsync.UserStore
func (s *Storage) FindByCustomerID(ctx context.Context, customerID string) (*subsync.User, error) {
	s.mu.RLock()
	id, ok := s.byCustomer[customerID]
	s.mu.RUnlock()
	if !ok || customerID == "" {
		return nil, subsync.ErrUserNotFound
	}
	return s.GetUser(ctx, id)
}

// FindByEmail implements subsync.UserStore
func (s *Storage) FindByEmail(ctx context.Context, email string) (*subsync.User, error) {
	key := normalizeEmail(email)
	s.mu.RLock()
	id, ok := s.byEmail[key]
	s.mu.RUnlock()
	if !ok || key == "" {
		return nil, subsync.ErrUserNotFound
	}
	return s.GetUser(ctx, id)
}

// UpdateUser implements subsync.UserStore. The whole read-modify-write runs
// under the write lock.
func (s *Storage) UpdateUser(_ context.Context, userID string, fn subsync.UpdateFunc) (*subsync.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.users[userID]
	if !ok {
		return nil, subsync.ErrUserNotFound
	}
	next, err := fn(current.Clone())
	if err != nil {
		return nil, err
	}
	next.ID = userID
	s.putLocked(&next)

	c := next.Clone()
	return &c, nil
}

// PutUser implements subsync.UserStore
func (s *Storage) PutUser(_ context.Context, user *subsync.User) error {
	if user == nil || user.ID == "" {
		return fmt.Errorf("invalid user")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putLocked(user)
	return nil
}

// DeleteUser removes a user and its lookup entries. Deleting a missing user is
// not an error.
func (s *Storage) DeleteUser(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unindexLocked(userID)
	delete(s.users, userID)
	return nil
}

func (s *Storage) unindexLocked(userID string) {
	old, ok := s.users[userID]
	if !ok {
		return
	}
	if old.CustomerID != "" && s.byCustomer[old.CustomerID] == userID {
		delete(s.byCustomer, old.CustomerID)
	}
	if key := normalizeEmail(old.Email); s.byEmail[key] == userID {
		delete(s.byEmail, key)
	}
}

func (s *Storage) putLocked(user *subsync.User) {
	s.unindexLocked(user.ID)
	c := user.Clone()
	s.users[user.ID] = &c
	if c.CustomerID != "" {
		s.byCustomer[c.CustomerID] = c.ID
	}
	if key := normalizeEmail(c.Email); key != "" {
		s.byEmail[key] = c.ID
	}
}

// InsertEvent implements subsync.EventStore
func (s *Storage) InsertEvent(_ context.Context, event *subsync.BillingEvent) (bool, error) {
	if event == nil || event.EventID == "" {
		return false, fmt.Errorf("invalid billing event")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.events[event.EventID]; exists {
		return false, nil
	}
	c := event.Clone()
	s.events[event.EventID] = &c
	return true, nil
}

// GetEvent implements subsync.EventStore
func (s *Storage) GetEvent(_ context.Context, eventID string) (*subsync.BillingEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.events[eventID]
	if !ok {
		return nil, subsync.ErrEventNotFound
	}
	c := e.Clone()
	return &c, nil
}

// MarkProcessed implements subsync.EventStore
func (s *Storage) MarkProcessed(_ context.Context, eventID string, at time.Time) error {
	return s.mutateEvent(eventID, func(e *subsync.BillingEvent) {
		at := at.UTC()
		e.ProcessedAt = &at
		e.HandlerError = ""
	})
}

// MarkFailed implements subsync.EventStore
func (s *Storage) MarkFailed(_ context.Context, eventID, handlerErr string) error {
	return s.mutateEvent(eventID, func(e *subsync.BillingEvent) {
		e.HandlerError = handlerErr
	})
}

// ReclaimFailed implements subsync.EventStore
func (s *Storage) ReclaimFailed(_ context.Context, eventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.events[eventID]
	if !ok || e.ProcessedAt != nil || e.HandlerError == "" {
		return false, nil
	}
	e.HandlerError = ""
	return true, nil
}

// AnnotateEvent implements subsync.EventStore
func (s *Storage) AnnotateEvent(_ context.Context, eventID, note string) error {
	return s.mutateEvent(eventID, func(e *subsync.BillingEvent) {
		e.Note = note
	})
}

func (s *Storage) mutateEvent(eventID string, fn func(*subsync.BillingEvent)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.events[eventID]
	if !ok {
		return subsync.ErrEventNotFound
	}
	fn(e)
	return nil
}

// EventCount returns the number of ledger entries.
func (s *Storage) EventCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
