package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"escrowd/gateway/config"
	"escrowd/sdk/escrow"
)

type stubEvents struct {
	pages map[uint64][]escrow.Event
	calls []uint64
}

func (s *stubEvents) Events(_ context.Context, after uint64, limit int) (*escrow.EventsResult, error) {
	s.calls = append(s.calls, after)
	events := s.pages[after]
	latest := after
	if n := len(events); n > 0 {
		latest = events[n-1].Sequence
	}
	return &escrow.EventsResult{Events: events, LatestSequence: latest}, nil
}

func newTestWatcher(t *testing.T, name string, source eventSource, targets []config.WebhookTarget, batch int) (*Watcher, *Store) {
	t.Helper()
	store := newTestStore(t, name)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	w := NewWatcher(source, store, targets, time.Second, batch, logger)
	w.nowFn = func() time.Time { return testNow }
	return w, store
}

func createdEvent(seq uint64) escrow.Event {
	return escrow.Event{
		Sequence: seq,
		Type:     "escrow.created",
		Attributes: map[string]string{
			"id":     testEscrowID,
			"maker":  testAddress,
			"asset":  "USDC",
			"amount": "2500",
		},
	}
}

func lockedEvent(seq uint64) escrow.Event {
	return escrow.Event{
		Sequence:   seq,
		Type:       "escrow.locked",
		Attributes: map[string]string{"id": testEscrowID, "resolver": "esc1resolveraddr"},
	}
}

func TestWatcherFansOutToSubscribedTargets(t *testing.T) {
	source := &stubEvents{pages: map[uint64][]escrow.Event{
		0: {createdEvent(1), lockedEvent(2)},
	}}
	targets := []config.WebhookTarget{
		{Name: "settlement", URL: "https://hooks.example.com/a", Secret: "s1", Events: []string{"escrow.created"}},
		{Name: "mirror", URL: "https://hooks.example.com/b", Secret: "s2"},
	}
	w, store := newTestWatcher(t, "watcher_fanout", source, targets, 100)

	if err := w.Poll(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}

	cursor, err := store.LastCursor(context.Background())
	if err != nil {
		t.Fatalf("cursor: %v", err)
	}
	if cursor != 2 {
		t.Fatalf("cursor = %d", cursor)
	}

	deliveries, err := store.RecentDeliveries(context.Background(), 10)
	if err != nil {
		t.Fatalf("deliveries: %v", err)
	}
	// escrow.created matches both targets, escrow.locked only the wildcard.
	if len(deliveries) != 3 {
		t.Fatalf("deliveries = %d", len(deliveries))
	}
	byDest := map[string]int{}
	for _, d := range deliveries {
		byDest[d.Destination]++
		if d.Status != deliveryPending {
			t.Fatalf("status = %q", d.Status)
		}
	}
	if byDest["settlement"] != 1 || byDest["mirror"] != 2 {
		t.Fatalf("distribution = %v", byDest)
	}

	due, err := store.DueDeliveries(context.Background(), testNow, 10)
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if len(due) != 3 {
		t.Fatalf("due = %d", len(due))
	}
	var envelope webhookEnvelope
	if err := json.Unmarshal(due[0].Payload, &envelope); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if envelope.Delivery != due[0].ID {
		t.Fatalf("payload delivery = %q, row id = %q", envelope.Delivery, due[0].ID)
	}
	if envelope.EscrowID != testEscrowID {
		t.Fatalf("escrow id = %q", envelope.EscrowID)
	}
}

func TestWatcherPaginatesUntilDrained(t *testing.T) {
	source := &stubEvents{pages: map[uint64][]escrow.Event{
		0: {createdEvent(1), lockedEvent(2)},
		2: {lockedEvent(3)},
	}}
	targets := []config.WebhookTarget{{Name: "mirror", URL: "https://hooks.example.com/b", Secret: "s2"}}
	w, store := newTestWatcher(t, "watcher_page", source, targets, 2)

	if err := w.Poll(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}

	if len(source.calls) != 2 || source.calls[0] != 0 || source.calls[1] != 2 {
		t.Fatalf("calls = %v", source.calls)
	}
	cursor, _ := store.LastCursor(context.Background())
	if cursor != 3 {
		t.Fatalf("cursor = %d", cursor)
	}
}

func TestWatcherSkipsAlreadySeenSequences(t *testing.T) {
	source := &stubEvents{pages: map[uint64][]escrow.Event{
		5: {lockedEvent(5), lockedEvent(6)},
	}}
	targets := []config.WebhookTarget{{Name: "mirror", URL: "https://hooks.example.com/b", Secret: "s2"}}
	w, store := newTestWatcher(t, "watcher_stale", source, targets, 100)

	if err := store.SetCursor(context.Background(), 5); err != nil {
		t.Fatalf("seed cursor: %v", err)
	}
	if err := w.Poll(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}

	deliveries, err := store.RecentDeliveries(context.Background(), 10)
	if err != nil {
		t.Fatalf("deliveries: %v", err)
	}
	if len(deliveries) != 1 || deliveries[0].EventSequence != 6 {
		t.Fatalf("deliveries = %+v", deliveries)
	}
	cursor, _ := store.LastCursor(context.Background())
	if cursor != 6 {
		t.Fatalf("cursor = %d", cursor)
	}
}

func TestTargetWants(t *testing.T) {
	cases := []struct {
		name   string
		events []string
		typ    string
		want   bool
	}{
		{"empty matches all", nil, "escrow.created", true},
		{"exact", []string{"escrow.created"}, "escrow.created", true},
		{"wildcard", []string{"*"}, "escrow.refunded", true},
		{"case insensitive", []string{"Escrow.Created"}, "escrow.created", true},
		{"mismatch", []string{"escrow.created"}, "escrow.locked", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			target := config.WebhookTarget{Name: "x", Events: tc.events}
			if got := targetWants(target, tc.typ); got != tc.want {
				t.Fatalf("targetWants = %v, want %v", got, tc.want)
			}
		})
	}
}
