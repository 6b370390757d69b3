package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"escrowd/gateway/config"
	"escrowd/observability/metrics"
	"escrowd/sdk/escrow"
)

// eventSource is the node call the watcher tails.
type eventSource interface {
	Events(ctx context.Context, afterSequence uint64, limit int) (*escrow.EventsResult, error)
}

// Watcher pulls lifecycle events from the node after the persisted cursor,
// mirrors them into SQLite, and fans matching events out to the webhook
// delivery queue. The cursor only advances once an event and its deliveries
// are durably stored, so a crash re-reads rather than drops events.
type Watcher struct {
	node     eventSource
	store    *Store
	targets  []config.WebhookTarget
	interval time.Duration
	batch    int
	log      *slog.Logger
	nowFn    func() time.Time
}

func NewWatcher(node eventSource, store *Store, targets []config.WebhookTarget, interval time.Duration, batch int, logger *slog.Logger) *Watcher {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if batch <= 0 {
		batch = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		node:     node,
		store:    store,
		targets:  targets,
		interval: interval,
		batch:    batch,
		log:      logger,
		nowFn:    time.Now,
	}
}

// Run polls until the context is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		if err := w.Poll(ctx); err != nil && !errors.Is(err, context.Canceled) {
			w.log.Error("event poll failed", "component", "watcher", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Poll drains everything the node has past the stored cursor.
func (w *Watcher) Poll(ctx context.Context) error {
	cursor, err := w.store.LastCursor(ctx)
	if err != nil {
		return err
	}
	for {
		result, err := w.node.Events(ctx, cursor, w.batch)
		if err != nil {
			return err
		}
		if len(result.Events) == 0 {
			return nil
		}
		for _, evt := range result.Events {
			if evt.Sequence <= cursor {
				continue
			}
			if err := w.ingest(ctx, evt); err != nil {
				return err
			}
			cursor = evt.Sequence
			if err := w.store.SetCursor(ctx, cursor); err != nil {
				return err
			}
			metrics.Gateway().SetWatcherSequence(cursor)
		}
		if len(result.Events) < w.batch {
			return nil
		}
	}
}

func (w *Watcher) ingest(ctx context.Context, evt escrow.Event) error {
	now := w.nowFn().UTC()
	if err := w.store.InsertEvent(ctx, StoredEvent{
		Sequence:   evt.Sequence,
		Type:       evt.Type,
		Attributes: evt.Attributes,
		CreatedAt:  now,
	}); err != nil {
		return err
	}
	for _, target := range w.targets {
		if !targetWants(target, evt.Type) {
			continue
		}
		deliveryID := uuid.NewString()
		payload, err := json.Marshal(webhookEnvelope{
			Delivery:   deliveryID,
			Sequence:   evt.Sequence,
			Type:       evt.Type,
			EscrowID:   strings.TrimSpace(evt.Attributes["id"]),
			Attributes: evt.Attributes,
			EmittedAt:  now.Format(time.RFC3339),
		})
		if err != nil {
			return err
		}
		if err := w.store.EnqueueDelivery(ctx, Delivery{
			ID:            deliveryID,
			Destination:   target.Name,
			URL:           target.URL,
			EventSequence: evt.Sequence,
			EventType:     evt.Type,
			Payload:       payload,
			NextAttempt:   now,
			CreatedAt:     now,
		}); err != nil {
			return err
		}
		w.log.Info("webhook delivery enqueued",
			"component", "watcher",
			"delivery", deliveryID,
			"destination", target.Name,
			"sequence", evt.Sequence,
			"type", evt.Type)
	}
	return nil
}

// webhookEnvelope is the JSON body pushed to webhook consumers.
type webhookEnvelope struct {
	Delivery   string            `json:"delivery"`
	Sequence   uint64            `json:"sequence"`
	Type       string            `json:"type"`
	EscrowID   string            `json:"escrowId,omitempty"`
	Attributes map[string]string `json:"attributes"`
	EmittedAt  string            `json:"emittedAt"`
}

// targetWants reports whether the destination subscribed to the event type.
// An empty subscription list or a "*" entry matches everything.
func targetWants(target config.WebhookTarget, eventType string) bool {
	if len(target.Events) == 0 {
		return true
	}
	for _, want := range target.Events {
		if want == "*" || strings.EqualFold(want, eventType) {
			return true
		}
	}
	return false
}
