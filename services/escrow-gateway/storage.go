package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// ErrIdempotencyMismatch is returned when an idempotency key is reused with a
// different request payload.
var ErrIdempotencyMismatch = errors.New("idempotency key reuse with different request")

// ErrDeliveryNotFound is returned when a webhook delivery id does not exist.
var ErrDeliveryNotFound = errors.New("webhook delivery not found")

// Delivery statuses.
const (
	deliveryPending   = "pending"
	deliveryDelivered = "delivered"
	deliveryDead      = "dead"
)

// Store persists idempotency responses, watched events, the watcher cursor,
// the webhook delivery queue, and the request audit log in SQLite.
type Store struct {
	db *sql.DB
}

func NewStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	store := &Store{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) init() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS idempotency_keys (
            api_key TEXT NOT NULL,
            idempotency_key TEXT NOT NULL,
            request_hash TEXT NOT NULL,
            response_status INTEGER NOT NULL,
            response_body BLOB NOT NULL,
            created_at TIMESTAMP NOT NULL,
            PRIMARY KEY(api_key, idempotency_key)
        );`,
		`CREATE TABLE IF NOT EXISTS events (
            sequence INTEGER PRIMARY KEY,
            type TEXT NOT NULL,
            attributes TEXT NOT NULL,
            created_at TIMESTAMP NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS cursors (
            name TEXT PRIMARY KEY,
            value INTEGER NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS webhook_deliveries (
            id TEXT PRIMARY KEY,
            destination TEXT NOT NULL,
            url TEXT NOT NULL,
            event_sequence INTEGER NOT NULL,
            event_type TEXT NOT NULL,
            payload BLOB NOT NULL,
            status TEXT NOT NULL,
            attempts INTEGER NOT NULL DEFAULT 0,
            last_error TEXT NOT NULL DEFAULT '',
            next_attempt INTEGER NOT NULL,
            created_at TIMESTAMP NOT NULL,
            updated_at TIMESTAMP NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS webhook_deliveries_due
            ON webhook_deliveries(status, next_attempt);`,
		`CREATE TABLE IF NOT EXISTS audit_log (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            occurred_at TIMESTAMP NOT NULL,
            api_key TEXT,
            method TEXT NOT NULL,
            path TEXT NOT NULL,
            status INTEGER NOT NULL,
            request_body BLOB,
            response_body BLOB
        );`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// StoredResponse is a cached response bound to an idempotency key.
type StoredResponse struct {
	Status int
	Body   []byte
}

func (s *Store) LookupIdempotency(ctx context.Context, apiKey, key, requestHash string) (*StoredResponse, error) {
	const query = `SELECT response_status, response_body, request_hash FROM idempotency_keys WHERE api_key = ? AND idempotency_key = ?`
	var (
		status     int
		body       []byte
		storedHash string
	)
	err := s.db.QueryRowContext(ctx, query, apiKey, key).Scan(&status, &body, &storedHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if storedHash != requestHash {
		return nil, ErrIdempotencyMismatch
	}
	return &StoredResponse{Status: status, Body: body}, nil
}

func (s *Store) SaveIdempotency(ctx context.Context, apiKey, key, requestHash string, status int, body []byte, at time.Time) error {
	const stmt = `INSERT OR REPLACE INTO idempotency_keys(api_key, idempotency_key, request_hash, response_status, response_body, created_at) VALUES (?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt, apiKey, key, requestHash, status, body, at.UTC())
	return err
}

// StoredEvent is one node lifecycle event mirrored into SQLite.
type StoredEvent struct {
	Sequence   uint64
	Type       string
	Attributes map[string]string
	CreatedAt  time.Time
}

func (s *Store) InsertEvent(ctx context.Context, evt StoredEvent) error {
	attrs, err := json.Marshal(evt.Attributes)
	if err != nil {
		return err
	}
	const stmt = `INSERT OR REPLACE INTO events(sequence, type, attributes, created_at) VALUES (?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, stmt, evt.Sequence, evt.Type, string(attrs), evt.CreatedAt.UTC())
	return err
}

const watcherCursor = "watcher"

func (s *Store) LastCursor(ctx context.Context) (uint64, error) {
	const query = `SELECT value FROM cursors WHERE name = ?`
	var value uint64
	err := s.db.QueryRowContext(ctx, query, watcherCursor).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return value, nil
}

func (s *Store) SetCursor(ctx context.Context, sequence uint64) error {
	const stmt = `INSERT INTO cursors(name, value) VALUES(?, ?) ON CONFLICT(name) DO UPDATE SET value = excluded.value`
	_, err := s.db.ExecContext(ctx, stmt, watcherCursor, sequence)
	return err
}

// Delivery is one queued webhook push. Destination signing secrets stay in
// the gateway configuration and are resolved by name at send time.
type Delivery struct {
	ID            string    `json:"id"`
	Destination   string    `json:"destination"`
	URL           string    `json:"url"`
	EventSequence uint64    `json:"eventSequence"`
	EventType     string    `json:"eventType"`
	Payload       []byte    `json:"-"`
	Status        string    `json:"status"`
	Attempts      int       `json:"attempts"`
	LastError     string    `json:"lastError,omitempty"`
	NextAttempt   time.Time `json:"nextAttempt"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

func (s *Store) EnqueueDelivery(ctx context.Context, d Delivery) error {
	const stmt = `INSERT INTO webhook_deliveries(id, destination, url, event_sequence, event_type, payload, status, attempts, last_error, next_attempt, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt,
		d.ID, d.Destination, d.URL, d.EventSequence, d.EventType, d.Payload,
		deliveryPending, 0, "", d.NextAttempt.UTC().Unix(), d.CreatedAt.UTC(), d.CreatedAt.UTC())
	return err
}

// DueDeliveries returns pending deliveries whose next attempt is due, oldest
// first.
func (s *Store) DueDeliveries(ctx context.Context, now time.Time, limit int) ([]Delivery, error) {
	if limit <= 0 {
		limit = 50
	}
	const query = `SELECT id, destination, url, event_sequence, event_type, payload, status, attempts, last_error, next_attempt, created_at, updated_at
        FROM webhook_deliveries WHERE status = ? AND next_attempt <= ? ORDER BY next_attempt ASC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, deliveryPending, now.UTC().Unix(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDeliveries(rows)
}

func (s *Store) MarkDelivered(ctx context.Context, id string, at time.Time) error {
	const stmt = `UPDATE webhook_deliveries SET status = ?, attempts = attempts + 1, last_error = '', updated_at = ? WHERE id = ?`
	return s.execDelivery(ctx, stmt, deliveryDelivered, at.UTC(), id)
}

// MarkFailed records a failed attempt. Deliveries that exhaust their retry
// budget move to the dead status and stop being scheduled.
func (s *Store) MarkFailed(ctx context.Context, id, lastError string, nextAttempt time.Time, dead bool, at time.Time) error {
	status := deliveryPending
	if dead {
		status = deliveryDead
	}
	const stmt = `UPDATE webhook_deliveries SET status = ?, attempts = attempts + 1, last_error = ?, next_attempt = ?, updated_at = ? WHERE id = ?`
	return s.execDelivery(ctx, stmt, status, lastError, nextAttempt.UTC().Unix(), at.UTC(), id)
}

// ResetDelivery requeues a delivery for immediate retry.
func (s *Store) ResetDelivery(ctx context.Context, id string, now time.Time) error {
	const stmt = `UPDATE webhook_deliveries SET status = ?, attempts = 0, last_error = '', next_attempt = ?, updated_at = ? WHERE id = ?`
	return s.execDelivery(ctx, stmt, deliveryPending, now.UTC().Unix(), now.UTC(), id)
}

func (s *Store) execDelivery(ctx context.Context, stmt string, args ...interface{}) error {
	res, err := s.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: %v", ErrDeliveryNotFound, args[len(args)-1])
	}
	return nil
}

// RecentDeliveries lists deliveries newest first for the admin surface.
func (s *Store) RecentDeliveries(ctx context.Context, limit int) ([]Delivery, error) {
	if limit <= 0 {
		limit = 50
	}
	const query = `SELECT id, destination, url, event_sequence, event_type, payload, status, attempts, last_error, next_attempt, created_at, updated_at
        FROM webhook_deliveries ORDER BY created_at DESC, id DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDeliveries(rows)
}

func (s *Store) GetDelivery(ctx context.Context, id string) (*Delivery, error) {
	const query = `SELECT id, destination, url, event_sequence, event_type, payload, status, attempts, last_error, next_attempt, created_at, updated_at
        FROM webhook_deliveries WHERE id = ?`
	rows, err := s.db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	deliveries, err := scanDeliveries(rows)
	if err != nil {
		return nil, err
	}
	if len(deliveries) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrDeliveryNotFound, id)
	}
	return &deliveries[0], nil
}

func scanDeliveries(rows *sql.Rows) ([]Delivery, error) {
	var out []Delivery
	for rows.Next() {
		var (
			d        Delivery
			nextUnix int64
		)
		if err := rows.Scan(&d.ID, &d.Destination, &d.URL, &d.EventSequence, &d.EventType, &d.Payload,
			&d.Status, &d.Attempts, &d.LastError, &nextUnix, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, err
		}
		d.NextAttempt = time.Unix(nextUnix, 0).UTC()
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// AuditEntry is one authenticated mutation recorded for traceability.
type AuditEntry struct {
	APIKey       string
	Method       string
	Path         string
	Status       int
	RequestBody  []byte
	ResponseBody []byte
	OccurredAt   time.Time
}

func (s *Store) InsertAudit(ctx context.Context, entry AuditEntry) error {
	const stmt = `INSERT INTO audit_log(occurred_at, api_key, method, path, status, request_body, response_body) VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt, entry.OccurredAt.UTC(), entry.APIKey, entry.Method, entry.Path, entry.Status, entry.RequestBody, entry.ResponseBody)
	return err
}
