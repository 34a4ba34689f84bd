package firestore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/firestore"

	"github.com/mihaimyh/subsync/pkg/subsync"
)

const testProjectID = "test-project"

// setupFirestoreClient connects to the emulator named by FIRESTORE_EMULATOR_HOST
func setupFirestoreClient(t *testing.T) *firestore.Client {
	t.Helper()

	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set")
	}

	client, err := firestore.NewClient(context.Background(), testProjectID)
	if err != nil {
		t.Fatalf("Failed to create Firestore client: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

// newTestStorage returns storage on collections unique to this test run
func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	client := setupFirestoreClient(t)

	suffix := fmt.Sprintf("%s_%d", t.Name(), time.Now().UnixNano())
	storage, err := New(client, Config{
		UsersCollection:  "test_users_" + suffix,
		EventsCollection: "test_events_" + suffix,
	})
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}
	t.Cleanup(func() { cleanupFirestore(client, storage.usersCollection, storage.eventsCollection) })
	return storage
}

func cleanupFirestore(client *firestore.Client, collections ...string) {
	ctx := context.Background()
	for _, coll := range collections {
		docs, _ := client.Collection(coll).Documents(ctx).GetAll()
		bw := client.BulkWriter(ctx)
		for _, doc := range docs {
			_, _ = bw.Delete(doc.Ref)
		}
		bw.End()
	}
}

func TestNew_RequiresClient(t *testing.T) {
	if _, err := New(nil, Config{}); err == nil {
		t.Error("Expected error for nil client")
	}
}

func TestSnapshotData(t *testing.T) {
	end := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	in := &subsync.Snapshot{
		ProviderSubscriptionID: "sub_1",
		Status:                 subsync.StatusTrialing,
		PriceID:                "price_1",
		TrialEnd:               &end,
		CancelAtPeriodEnd:      true,
		LastPaymentError:       "card_declined",
	}

	out := snapshotFromData(snapshotToData(in))
	if out.Status != subsync.StatusTrialing || out.PriceID != "price_1" || !out.CancelAtPeriodEnd {
		t.Errorf("Snapshot mismatch: got %+v", out)
	}
	if out.TrialEnd == nil || !out.TrialEnd.Equal(end) {
		t.Errorf("TrialEnd mismatch: got %v", out.TrialEnd)
	}
	if out.CurrentPeriodEnd != nil {
		t.Errorf("Unset times must stay nil, got %v", out.CurrentPeriodEnd)
	}
	if out.LastPaymentError != "card_declined" {
		t.Errorf("LastPaymentError mismatch: got %q", out.LastPaymentError)
	}
}

func TestFirestore_Users(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	if _, err := storage.GetUser(ctx, "user1"); !errors.Is(err, subsync.ErrUserNotFound) {
		t.Errorf("Expected ErrUserNotFound, got %v", err)
	}

	err := storage.PutUser(ctx, &subsync.User{ID: "user1", Email: "Ana@Example.com", CustomerID: "cus_1"})
	if err != nil {
		t.Fatalf("PutUser failed: %v", err)
	}

	byCustomer, err := storage.FindByCustomerID(ctx, "cus_1")
	if err != nil || byCustomer.ID != "user1" {
		t.Errorf("FindByCustomerID = %v, %v", byCustomer, err)
	}
	byEmail, err := storage.FindByEmail(ctx, "ana@example.COM")
	if err != nil || byEmail.ID != "user1" {
		t.Errorf("FindByEmail = %v, %v", byEmail, err)
	}
	if _, err := storage.FindByCustomerID(ctx, "cus_none"); !errors.Is(err, subsync.ErrUserNotFound) {
		t.Errorf("Expected ErrUserNotFound, got %v", err)
	}
}

func TestFirestore_UpdateUser(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	if err := storage.PutUser(ctx, &subsync.User{ID: "user1"}); err != nil {
		t.Fatalf("PutUser failed: %v", err)
	}

	const workers = 5
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := storage.UpdateUser(ctx, "user1", func(u subsync.User) (subsync.User, error) {
				u.FullName += "x"
				return u, nil
			})
			if err != nil {
				t.Errorf("UpdateUser failed: %v", err)
			}
		}()
	}
	wg.Wait()

	got, err := storage.GetUser(ctx, "user1")
	if err != nil {
		t.Fatalf("GetUser failed: %v", err)
	}
	if len(got.FullName) != workers {
		t.Errorf("Lost updates: FullName = %q", got.FullName)
	}
}

func TestFirestore_Ledger(t *testing.T) {
	storage := newTestStorage(t)
	ctx := context.Background()

	event := &subsync.BillingEvent{EventID: "evt_1", Type: "invoice.paid", Payload: []byte(`{}`), ReceivedAt: time.Now()}
	inserted, err := storage.InsertEvent(ctx, event)
	if err != nil || !inserted {
		t.Fatalf("InsertEvent = %v, %v", inserted, err)
	}
	inserted, err = storage.InsertEvent(ctx, event)
	if err != nil || inserted {
		t.Errorf("Second InsertEvent = %v, %v; want false, nil", inserted, err)
	}

	if err := storage.MarkFailed(ctx, "evt_1", "boom"); err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}
	if won, _ := storage.ReclaimFailed(ctx, "evt_1"); !won {
		t.Error("Expected failed event to be reclaimed")
	}
	if won, _ := storage.ReclaimFailed(ctx, "evt_1"); won {
		t.Error("Second reclaim must lose")
	}
	if err := storage.MarkProcessed(ctx, "evt_1", time.Now()); err != nil {
		t.Fatalf("MarkProcessed failed: %v", err)
	}

	got, err := storage.GetEvent(ctx, "evt_1")
	if err != nil {
		t.Fatalf("GetEvent failed: %v", err)
	}
	if got.ProcessedAt == nil || got.HandlerError != "" {
		t.Errorf("Unexpected outcome: %+v", got)
	}

	if err := storage.AnnotateEvent(ctx, "evt_missing", "x"); !errors.Is(err, subsync.ErrEventNotFound) {
		t.Errorf("Expected ErrEventNotFound, got %v", err)
	}
}
