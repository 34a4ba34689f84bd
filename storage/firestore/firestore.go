// Package firestore provides a Firestore implementation of the subsync.UserStore
// and subsync.EventStore interfaces.
// This implementation uses Google Cloud Firestore for production-grade persistence.
package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

// Storage implements subsync.UserStore and subsync.EventStore using Google Cloud Firestore
type Storage struct {
	client           *firestore.Client
	usersCollection  string
	eventsCollection string
}

// Config holds Firestore storage configuration
type Config struct {
	// UsersCollection is the Firestore collection for users
	// Default: "users"
	UsersCollection string

	// EventsCollection is the Firestore collection for the event ledger
	// Default: "billing_events"
	EventsCollection string
}

// New creates a new Firestore storage adapter
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	if config.UsersCollection == "" {
		config.UsersCollection = "users"
	}
	if config.EventsCollection == "" {
		config.EventsCollection = "billing_events"
	}

	return &Storage{
		client:           client,
		usersCollection:  config.UsersCollection,
		eventsCollection: config.EventsCollection,
	}, nil
}

// GetUser implements subsync.UserStore
func (s *Storage) GetUser(ctx context.Context, userID string) (*subsync.User, error) {
	snap, err := s.userDoc(userID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, subsync.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	if !snap.Exists() {
		return nil, subsync.ErrUserNotFound
	}
	return userFromData(snap.Ref.ID, snap.Data()), nil
}

// FindByCustomerID implements subsync.UserStore
func (s *Storage) FindByCustomerID(ctx context.Context, customerID string) (*subsync.User, error) {
	if customerID == "" {
		return nil, subsync.ErrUserNotFound
	}
	return s.findOne(ctx, s.client.Collection(s.usersCollection).Where("customerId", "==", customerID))
}

// FindByEmail implements subsync.UserStore
func (s *Storage) FindByEmail(ctx context.Context, email string) (*subsync.User, error) {
	key := normalizeEmail(email)
	if key == "" {
		return nil, subsync.ErrUserNotFound
	}
	return s.findOne(ctx, s.client.Collection(s.usersCollection).Where("emailKey", "==", key))
}

func (s *Storage) findOne(ctx context.Context, q firestore.Query) (*subsync.User, error) {
	iter := q.Limit(1).Documents(ctx)
	defer iter.Stop()

	snap, err := iter.Next()
	if errors.Is(err, iterator.Done) {
		return nil, subsync.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
	}
	return userFromData(snap.Ref.ID, snap.Data()), nil
}

// UpdateUser implements subsync.UserStore. Firestore re-runs the transaction
// on contention, so fn may be invoked more than once.
func (s *Storage) UpdateUser(ctx context.Context, userID string, fn subsync.UpdateFunc) (*subsync.User, error) {
	doc := s.userDoc(userID)
	var result *subsync.User

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(doc)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return subsync.ErrUserNotFound
			}
			return err
		}

		current := userFromData(userID, snap.Data())
		next, err := fn(current.Clone())
		if err != nil {
			return err
		}
		next.ID = userID

		if err := tx.Set(doc, userToData(&next)); err != nil {
			return err
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
	if _, err := s.userDoc(user.ID).Set(ctx, userToData(user)); err != nil {
		return fmt.Errorf("failed to set user: %w", err)
	}
	return nil
}

// InsertEvent implements subsync.EventStore. Create fails with AlreadyExists
// for every caller but the first.
func (s *Storage) InsertEvent(ctx context.Context, event *subsync.BillingEvent) (bool, error) {
	if event == nil || event.EventID == "" {
		return false, fmt.Errorf("invalid billing event")
	}

	data := map[string]interface{}{
		"eventId":        event.EventID,
		"type":           event.Type,
		"customerId":     event.CustomerID,
		"subscriptionId": event.SubscriptionID,
		"payload":        event.Payload,
		"receivedAt":     event.ReceivedAt.UTC(),
		"handlerError":   event.HandlerError,
		"note":           event.Note,
	}
	if event.ProcessedAt != nil {
		data["processedAt"] = event.ProcessedAt.UTC()
	}

	_, err := s.eventDoc(event.EventID).Create(ctx, data)
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return false, nil
		}
		return false, fmt.Errorf("failed to insert event: %w", err)
	}
	return true, nil
}

// GetEvent implements subsync.EventStore
func (s *Storage) GetEvent(ctx context.Context, eventID string) (*subsync.BillingEvent, error) {
	snap, err := s.eventDoc(eventID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, subsync.ErrEventNotFound
		}
		return nil, fmt.Errorf("failed to get event: %w", err)
	}
	if !snap.Exists() {
		return nil, subsync.ErrEventNotFound
	}

	data := snap.Data()
	return &subsync.BillingEvent{
		EventID:        eventID,
		Type:           getString(data, "type"),
		CustomerID:     getString(data, "customerId"),
		SubscriptionID: getString(data, "subscriptionId"),
		Payload:        getBytes(data, "payload"),
		ReceivedAt:     getTime(data, "receivedAt"),
		ProcessedAt:    getTimePtr(data, "processedAt"),
		HandlerError:   getString(data, "handlerError"),
		Note:           getString(data, "note"),
	}, nil
}

// MarkProcessed implements subsync.EventStore
func (s *Storage) MarkProcessed(ctx context.Context, eventID string, at time.Time) error {
	return s.updateEvent(ctx, eventID,
		firestore.Update{Path: "processedAt", Value: at.UTC()},
		firestore.Update{Path: "handlerError", Value: ""},
	)
}

// MarkFailed implements subsync.EventStore
func (s *Storage) MarkFailed(ctx context.Context, eventID, handlerErr string) error {
	return s.updateEvent(ctx, eventID, firestore.Update{Path: "handlerError", Value: handlerErr})
}

// AnnotateEvent implements subsync.EventStore
func (s *Storage) AnnotateEvent(ctx context.Context, eventID, note string) error {
	return s.updateEvent(ctx, eventID, firestore.Update{Path: "note", Value: note})
}

// ReclaimFailed implements subsync.EventStore
func (s *Storage) ReclaimFailed(ctx context.Context, eventID string) (bool, error) {
	doc := s.eventDoc(eventID)
	var won bool

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		won = false
		snap, err := tx.Get(doc)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return nil
			}
			return err
		}
		data := snap.Data()
		if getTimePtr(data, "processedAt") != nil || getString(data, "handlerError") == "" {
			return nil
		}
		won = true
		return tx.Update(doc, []firestore.Update{{Path: "handlerError", Value: ""}})
	})
	if err != nil {
		return false, fmt.Errorf("failed to reclaim event: %w", err)
	}
	return won, nil
}

func (s *Storage) updateEvent(ctx context.Context, eventID string, updates ...firestore.Update) error {
	_, err := s.eventDoc(eventID).Update(ctx, updates)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return subsync.ErrEventNotFound
		}
		return fmt.Errorf("failed to update event: %w", err)
	}
	return nil
}

func (s *Storage) userDoc(userID string) *firestore.DocumentRef {
	return s.client.Collection(s.usersCollection).Doc(userID)
}

func (s *Storage) eventDoc(eventID string) *firestore.DocumentRef {
	return s.client.Collection(s.eventsCollection).Doc(eventID)
}

func userToData(u *subsync.User) map[string]interface{} {
	data := map[string]interface{}{
		"email":      u.Email,
		"emailKey":   normalizeEmail(u.Email),
		"fullName":   u.FullName,
		"timezone":   u.Timezone,
		"customerId": u.CustomerID,
		"updatedAt":  u.UpdatedAt.UTC(),
	}
	if u.Subscription != nil {
		data["subscription"] = snapshotToData(u.Subscription)
	}
	return data
}

func userFromData(id string, data map[string]interface{}) *subsync.User {
	u := &subsync.User{
		ID:         id,
		Email:      getString(data, "email"),
		FullName:   getString(data, "fullName"),
		Timezone:   getString(data, "timezone"),
		CustomerID: getString(data, "customerId"),
		UpdatedAt:  getTime(data, "updatedAt"),
	}
	if sub, ok := data["subscription"].(map[string]interface{}); ok {
		u.Subscription = snapshotFromData(sub)
	}
	return u
}

func snapshotToData(s *subsync.Snapshot) map[string]interface{} {
	data := map[string]interface{}{
		"id":                s.ProviderSubscriptionID,
		"status":            string(s.Status),
		"priceId":           s.PriceID,
		"productId":         s.ProductID,
		"cancelAtPeriodEnd": s.CancelAtPeriodEnd,
		"lastInvoiceId":     s.LastInvoiceID,
		"lastPaymentError":  s.LastPaymentError,
	}
	putTime(data, "currentPeriodStart", s.CurrentPeriodStart)
	putTime(data, "currentPeriodEnd", s.CurrentPeriodEnd)
	putTime(data, "trialStart", s.TrialStart)
	putTime(data, "trialEnd", s.TrialEnd)
	putTime(data, "canceledAt", s.CanceledAt)
	putTime(data, "scheduledCancelAt", s.ScheduledCancelAt)
	putTime(data, "nextPaymentAttemptAt", s.NextPaymentAttemptAt)
	return data
}

func snapshotFromData(data map[string]interface{}) *subsync.Snapshot {
	cancelAtPeriodEnd, _ := data["cancelAtPeriodEnd"].(bool)
	return &subsync.Snapshot{
		ProviderSubscriptionID: getString(data, "id"),
		Status:                 subsync.Status(getString(data, "status")),
		PriceID:                getString(data, "priceId"),
		ProductID:              getString(data, "productId"),
		CurrentPeriodStart:     getTimePtr(data, "currentPeriodStart"),
		CurrentPeriodEnd:       getTimePtr(data, "currentPeriodEnd"),
		TrialStart:             getTimePtr(data, "trialStart"),
		TrialEnd:               getTimePtr(data, "trialEnd"),
		CancelAtPeriodEnd:      cancelAtPeriodEnd,
		CanceledAt:             getTimePtr(data, "canceledAt"),
		ScheduledCancelAt:      getTimePtr(data, "scheduledCancelAt"),
		LastInvoiceID:          getString(data, "lastInvoiceId"),
		LastPaymentError:       getString(data, "lastPaymentError"),
		NextPaymentAttemptAt:   getTimePtr(data, "nextPaymentAttemptAt"),
	}
}

// Helper functions

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func getBytes(data map[string]interface{}, key string) []byte {
	if v, ok := data[key].([]byte); ok {
		return v
	}
	return nil
}

func getTime(data map[string]interface{}, key string) time.Time {
	if v, ok := data[key].(time.Time); ok {
		return v.UTC()
	}
	return time.Time{}
}

func getTimePtr(data map[string]interface{}, key string) *time.Time {
	v, ok := data[key].(time.Time)
	if !ok || v.IsZero() {
		return nil
	}
	v = v.UTC()
	return &v
}

func putTime(data map[string]interface{}, key string, t *time.Time) {
	if t != nil {
		data[key] = t.UTC()
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
