package memory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

func TestStorage_GetPutUser(t *testing.T) {
	storage := New()
	ctx := context.Background()

	_, err := storage.GetUser(ctx, "user1")
	if !errors.Is(err, subsync.ErrUserNotFound) {
		t.Errorf("Expected ErrUserNotFound, got %v", err)
	}

	user := &subsync.User{ID: "user1", Email: "Ana@Example.com", FullName: "ana lima", CustomerID: "cus_1"}
	if err := storage.PutUser(ctx, user); err != nil {
		t.Fatalf("PutUser failed: %v", err)
	}

	got, err := storage.GetUser(ctx, "user1")
	if err != nil {
		t.Fatalf("GetUser failed: %v", err)
	}
	if got.Email != user.Email {
		t.Errorf("Email mismatch: got %s, want %s", got.Email, user.Email)
	}

	byCustomer, err := storage.FindByCustomerID(ctx, "cus_1")
	if err != nil || byCustomer.ID != "user1" {
		t.Errorf("FindByCustomerID = %v, %v", byCustomer, err)
	}

	byEmail, err := storage.FindByEmail(ctx, "ana@EXAMPLE.com")
	if err != nil || byEmail.ID != "user1" {
		t.Errorf("FindByEmail should be case-insensitive, got %v, %v", byEmail, err)
	}
}

func TestStorage_DeleteUser(t *testing.T) {
	storage := New()
	ctx := context.Background()

	if err := storage.PutUser(ctx, &subsync.User{ID: "user1", Email: "ana@example.com", CustomerID: "cus_1"}); err != nil {
		t.Fatalf("PutUser failed: %v", err)
	}
	if err := storage.DeleteUser(ctx, "user1"); err != nil {
		t.Fatalf("DeleteUser failed: %v", err)
	}

	if _, err := storage.GetUser(ctx, "user1"); !errors.Is(err, subsync.ErrUserNotFound) {
		t.Errorf("GetUser after delete = %v, want ErrUserNotFound", err)
	}
	if _, err := storage.FindByCustomerID(ctx, "cus_1"); !errors.Is(err, subsync.ErrUserNotFound) {
		t.Errorf("FindByCustomerID after delete = %v, want ErrUserNotFound", err)
	}
	if _, err := storage.FindByEmail(ctx, "ana@example.com"); !errors.Is(err, subsync.ErrUserNotFound) {
		t.Errorf("FindByEmail after delete = %v, want ErrUserNotFound", err)
	}
	if err := storage.DeleteUser(ctx, "user1"); err != nil {
		t.Errorf("deleting a missing user should succeed, got %v", err)
	}
}

func TestStorage_ReturnsCopies(t *testing.T) {
	storage := New()
	ctx := context.Background()

	end := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	_ = storage.PutUser(ctx, &subsync.User{
		ID:           "user1",
		Subscription: &subsync.Snapshot{Status: subsync.StatusActive, CurrentPeriodEnd: &end},
	})

	got, _ := storage.GetUser(ctx, "user1")
	got.Subscription.Status = subsync.StatusCanceled
	*got.Subscription.CurrentPeriodEnd = time.Time{}

	again, _ := storage.GetUser(ctx, "user1")
	if again.Subscription.Status != subsync.StatusActive {
		t.Errorf("stored status was mutated through a returned copy")
	}
	if !again.Subscription.CurrentPeriodEnd.Equal(end) {
		t.Errorf("stored timestamp was mutated through a returned copy")
	}
}

func TestStorage_UpdateUser(t *testing.T) {
	storage := New()
	ctx := context.Background()
	_ = storage.PutUser(ctx, &subsync.User{ID: "user1"})

	updated, err := storage.UpdateUser(ctx, "user1", func(u subsync.User) (subsync.User, error) {
		u.CustomerID = "cus_new"
		return u, nil
	})
	if err != nil {
		t.Fatalf("UpdateUser failed: %v", err)
	}
	if updated.CustomerID != "cus_new" {
		t.Errorf("CustomerID = %s, want cus_new", updated.CustomerID)
	}
	if _, err := storage.FindByCustomerID(ctx, "cus_new"); err != nil {
		t.Errorf("customer index not updated: %v", err)
	}

	boom := errors.New("boom")
	_, err = storage.UpdateUser(ctx, "user1", func(u subsync.User) (subsync.User, error) {
		u.CustomerID = "cus_other"
		return u, boom
	})
	if !errors.Is(err, boom) {
		t.Errorf("expected fn error, got %v", err)
	}
	got, _ := storage.GetUser(ctx, "user1")
	if got.CustomerID != "cus_new" {
		t.Errorf("aborted update was written")
	}

	if _, err := storage.UpdateUser(ctx, "missing", func(u subsync.User) (subsync.User, error) { return u, nil }); !errors.Is(err, subsync.ErrUserNotFound) {
		t.Errorf("expected ErrUserNotFound, got %v", err)
	}
}

func TestStorage_InsertEventOnce(t *testing.T) {
	storage := New()
	ctx := context.Background()

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			inserted, err := storage.InsertEvent(ctx, &subsync.BillingEvent{
				EventID: "evt_1",
				Type:    "invoice.payment_failed",
				Payload: []byte{byte('a' + i)},
			})
			if err != nil {
				t.Errorf("InsertEvent failed: %v", err)
			}
			if inserted {
				atomic.AddInt32(&wins, 1)
			}
		}(i)
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("expected exactly one insert to win, got %d", wins)
	}
	if storage.EventCount() != 1 {
		t.Errorf("EventCount = %d, want 1", storage.EventCount())
	}
}

func TestStorage_EventOutcome(t *testing.T) {
	storage := New()
	ctx := context.Background()

	if _, err := storage.InsertEvent(ctx, &subsync.BillingEvent{EventID: "evt_1", Payload: []byte(`{}`)}); err != nil {
		t.Fatalf("InsertEvent failed: %v", err)
	}

	if ok, _ := storage.ReclaimFailed(ctx, "evt_1"); ok {
		t.Error("in-flight event must not be reclaimable")
	}

	if err := storage.MarkFailed(ctx, "evt_1", "boom"); err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}
	if ok, _ := storage.ReclaimFailed(ctx, "evt_1"); !ok {
		t.Error("failed event should be reclaimable")
	}
	if ok, _ := storage.ReclaimFailed(ctx, "evt_1"); ok {
		t.Error("failed event must be reclaimable only once")
	}

	at := time.Now()
	if err := storage.MarkProcessed(ctx, "evt_1", at); err != nil {
		t.Fatalf("MarkProcessed failed: %v", err)
	}
	if err := storage.AnnotateEvent(ctx, "evt_1", "note"); err != nil {
		t.Fatalf("AnnotateEvent failed: %v", err)
	}

	got, err := storage.GetEvent(ctx, "evt_1")
	if err != nil {
		t.Fatalf("GetEvent failed: %v", err)
	}
	if got.ProcessedAt == nil || !got.ProcessedAt.Equal(at) {
		t.Errorf("ProcessedAt = %v, want %v", got.ProcessedAt, at)
	}
	if got.HandlerError != "" || got.Note != "note" {
		t.Errorf("unexpected outcome fields: %+v", got)
	}

	if err := storage.MarkFailed(ctx, "missing", "x"); !errors.Is(err, subsync.ErrEventNotFound) {
		t.Errorf("expected ErrEventNotFound, got %v", err)
	}
}
