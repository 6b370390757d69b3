package main

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"escrowd/gateway/config"
	"escrowd/observability/metrics"
)

const (
	headerWebhookSignature = "X-Escrow-Signature"
	headerWebhookEvent     = "X-Escrow-Event"
	headerWebhookDelivery  = "X-Escrow-Delivery"

	maxDeliveryAttempts = 6
	maxBackoff          = 5 * time.Minute
	workerBatch         = 25
)

// DeliveryWorker drains due deliveries from the SQLite queue and pushes them
// to their destinations. Destination secrets come from configuration and are
// looked up by name, never persisted alongside the payload.
type DeliveryWorker struct {
	store    *Store
	secrets  map[string]string
	client   *http.Client
	log      *slog.Logger
	interval time.Duration
	nowFn    func() time.Time
}

func NewDeliveryWorker(store *Store, targets []config.WebhookTarget, logger *slog.Logger) *DeliveryWorker {
	secrets := make(map[string]string, len(targets))
	for _, target := range targets {
		secrets[target.Name] = target.Secret
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DeliveryWorker{
		store:    store,
		secrets:  secrets,
		client:   &http.Client{Timeout: 10 * time.Second},
		log:      logger,
		interval: time.Second,
		nowFn:    time.Now,
	}
}

// Run processes deliveries until the context is cancelled.
func (w *DeliveryWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		w.ProcessDue(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ProcessDue attempts every delivery whose retry time has passed.
func (w *DeliveryWorker) ProcessDue(ctx context.Context) {
	due, err := w.store.DueDeliveries(ctx, w.nowFn(), workerBatch)
	if err != nil {
		w.log.Error("load due deliveries", "component", "webhook", "error", err)
		return
	}
	for _, delivery := range due {
		if ctx.Err() != nil {
			return
		}
		w.attempt(ctx, delivery)
	}
}

func (w *DeliveryWorker) attempt(ctx context.Context, d Delivery) {
	metrics.Gateway().ObserveWebhookAttempt(d.Destination)
	pushErr := w.push(ctx, d)
	now := w.nowFn()
	if pushErr == nil {
		if err := w.store.MarkDelivered(ctx, d.ID, now); err != nil {
			w.log.Error("mark delivery done", "component", "webhook", "delivery", d.ID, "error", err)
		}
		w.log.Info("webhook delivered",
			"component", "webhook",
			"delivery", d.ID,
			"destination", d.Destination,
			"attempts", d.Attempts+1)
		return
	}
	metrics.Gateway().IncWebhookFailure(d.Destination)
	attempts := d.Attempts + 1
	dead := attempts >= maxDeliveryAttempts
	next := now.Add(backoffDelay(attempts))
	if err := w.store.MarkFailed(ctx, d.ID, pushErr.Error(), next, dead, now); err != nil {
		w.log.Error("mark delivery failed", "component", "webhook", "delivery", d.ID, "error", err)
		return
	}
	if dead {
		w.log.Error("webhook delivery abandoned",
			"component", "webhook",
			"delivery", d.ID,
			"destination", d.Destination,
			"attempts", attempts,
			"error", pushErr)
		return
	}
	w.log.Warn("webhook delivery failed",
		"component", "webhook",
		"delivery", d.ID,
		"destination", d.Destination,
		"attempts", attempts,
		"retryAt", next,
		"error", pushErr)
}

func (w *DeliveryWorker) push(ctx context.Context, d Delivery) error {
	secret, ok := w.secrets[d.Destination]
	if !ok {
		return fmt.Errorf("destination %s is no longer configured", d.Destination)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.URL, bytes.NewReader(d.Payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerWebhookSignature, signPayload(secret, d.Payload))
	req.Header.Set(headerWebhookEvent, d.EventType)
	req.Header.Set(headerWebhookDelivery, d.ID)

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	return nil
}

// backoffDelay doubles per attempt starting at one second, capped at five
// minutes.
func backoffDelay(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	if attempt > 10 {
		attempt = 10
	}
	delay := time.Second * time.Duration(1<<uint(attempt-1))
	if delay > maxBackoff {
		return maxBackoff
	}
	return delay
}

func signPayload(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
