package main

import (
	"context"
	"errors"
	"testing"
)

func TestIdempotencyLookupMatchesHash(t *testing.T) {
	store := newTestStore(t, "store_idem")
	ctx := context.Background()

	if err := store.SaveIdempotency(ctx, testAPIKey, "key-1", "hash-a", 201, []byte(`{"id":"x"}`), testNow); err != nil {
		t.Fatalf("save: %v", err)
	}

	stored, err := store.LookupIdempotency(ctx, testAPIKey, "key-1", "hash-a")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if stored == nil || stored.Status != 201 || string(stored.Body) != `{"id":"x"}` {
		t.Fatalf("stored = %+v", stored)
	}

	if _, err := store.LookupIdempotency(ctx, testAPIKey, "key-1", "hash-b"); !errors.Is(err, ErrIdempotencyMismatch) {
		t.Fatalf("err = %v", err)
	}

	stored, err = store.LookupIdempotency(ctx, testAPIKey, "unknown", "hash-a")
	if err != nil || stored != nil {
		t.Fatalf("unknown key = %+v, %v", stored, err)
	}

	// The same key under a different API key is a distinct entry.
	stored, err = store.LookupIdempotency(ctx, "other-key", "key-1", "hash-a")
	if err != nil || stored != nil {
		t.Fatalf("cross-key = %+v, %v", stored, err)
	}
}

func TestCursorPersistsAndOverwrites(t *testing.T) {
	store := newTestStore(t, "store_cursor")
	ctx := context.Background()

	cursor, err := store.LastCursor(ctx)
	if err != nil || cursor != 0 {
		t.Fatalf("initial cursor = %d, %v", cursor, err)
	}
	if err := store.SetCursor(ctx, 42); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := store.SetCursor(ctx, 50); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	cursor, err = store.LastCursor(ctx)
	if err != nil || cursor != 50 {
		t.Fatalf("cursor = %d, %v", cursor, err)
	}
}

func TestResetUnknownDelivery(t *testing.T) {
	store := newTestStore(t, "store_reset")
	err := store.ResetDelivery(context.Background(), "ghost", testNow)
	if !errors.Is(err, ErrDeliveryNotFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestEventInsertIsIdempotent(t *testing.T) {
	store := newTestStore(t, "store_event")
	ctx := context.Background()
	evt := StoredEvent{Sequence: 5, Type: "escrow.created", Attributes: map[string]string{"id": testEscrowID}, CreatedAt: testNow}
	if err := store.InsertEvent(ctx, evt); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := store.InsertEvent(ctx, evt); err != nil {
		t.Fatalf("re-insert: %v", err)
	}
}

func TestAuditInsert(t *testing.T) {
	store := newTestStore(t, "store_audit")
	entry := AuditEntry{
		APIKey:       testAPIKey,
		Method:       "POST",
		Path:         "/v1/escrows",
		Status:       201,
		RequestBody:  []byte(`{}`),
		ResponseBody: []byte(`{"id":"x"}`),
		OccurredAt:   testNow,
	}
	if err := store.InsertAudit(context.Background(), entry); err != nil {
		t.Fatalf("insert: %v", err)
	}
}
