// Package auth implements HMAC request authentication for the escrow REST
// gateway. Every API key is bound to the address it may act for on the node.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	// HeaderAPIKey identifies the calling API key.
	HeaderAPIKey = "X-Api-Key"
	// HeaderTimestamp is the unix timestamp (seconds) the request was signed at.
	HeaderTimestamp = "X-Timestamp"
	// HeaderNonce provides replay protection within the timestamp window.
	HeaderNonce = "X-Nonce"
	// HeaderSignature carries the hex HMAC-SHA256 signature.
	HeaderSignature = "X-Signature"

	// MaxSignedBody bounds the body size covered by a signature.
	MaxSignedBody = 1 << 20 // 1 MiB

	defaultSkew      = 2 * time.Minute
	defaultNonceTTL  = 10 * time.Minute
	defaultNonceCap  = 4096
	journalPruneEach = time.Minute
)

var (
	// ErrUnknownKey rejects requests naming an unconfigured API key.
	ErrUnknownKey = errors.New("gateway: unknown API key")
	// ErrBadSignature rejects requests whose signature does not verify.
	ErrBadSignature = errors.New("gateway: signature mismatch")
	// ErrNonceReplay rejects a timestamp/nonce pair that was already used.
	ErrNonceReplay = errors.New("gateway: nonce already used")
	// ErrStaleTimestamp rejects timestamps outside the allowed skew window.
	ErrStaleTimestamp = errors.New("gateway: timestamp outside allowed skew")
)

// Credential pairs an API secret with the node address the key acts for.
type Credential struct {
	Secret  string
	Address string
}

// Principal identifies an authenticated caller.
type Principal struct {
	APIKey  string
	Address string
}

// NonceRecord is one observed timestamp/nonce usage.
type NonceRecord struct {
	APIKey     string
	Timestamp  string
	Nonce      string
	ObservedAt time.Time
}

// NonceJournal durably records nonce usage so replay protection survives
// restarts. Implementations must treat Record as first-write-wins.
type NonceJournal interface {
	Record(ctx context.Context, rec NonceRecord) (seen bool, err error)
	Replay(ctx context.Context, cutoff time.Time) ([]NonceRecord, error)
	Prune(ctx context.Context, cutoff time.Time) error
}

// Authenticator verifies signed gateway requests against configured
// credentials and tracks nonce usage in memory, optionally backed by a
// journal.
type Authenticator struct {
	creds map[string]Credential
	skew  time.Duration
	nowFn func() time.Time

	nonces  *nonceCache
	journal NonceJournal

	pruneMu    sync.Mutex
	lastPruned time.Time
}

// NewAuthenticator builds an Authenticator from API key credentials. A nil
// journal keeps replay state in memory only.
func NewAuthenticator(creds map[string]Credential, skew, nonceTTL time.Duration, nonceCap int, nowFn func() time.Time, journal NonceJournal) *Authenticator {
	cloned := make(map[string]Credential, len(creds))
	for key, cred := range creds {
		cloned[strings.TrimSpace(key)] = Credential{
			Secret:  strings.TrimSpace(cred.Secret),
			Address: strings.TrimSpace(cred.Address),
		}
	}
	if skew <= 0 {
		skew = defaultSkew
	}
	if nonceTTL < skew {
		nonceTTL = defaultNonceTTL
	}
	if nonceCap <= 0 {
		nonceCap = defaultNonceCap
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Authenticator{
		creds:   cloned,
		skew:    skew,
		nowFn:   nowFn,
		nonces:  newNonceCache(nonceTTL, nonceCap),
		journal: journal,
	}
}

// Authenticate validates the signature headers and returns the caller
// principal with its bound address.
func (a *Authenticator) Authenticate(r *http.Request, body []byte) (*Principal, error) {
	if len(body) > MaxSignedBody {
		return nil, fmt.Errorf("gateway: request body exceeds %d bytes", MaxSignedBody)
	}
	apiKey := strings.TrimSpace(r.Header.Get(HeaderAPIKey))
	if apiKey == "" {
		return nil, fmt.Errorf("gateway: missing %s header", HeaderAPIKey)
	}
	cred, ok := a.creds[apiKey]
	if !ok || cred.Secret == "" {
		return nil, ErrUnknownKey
	}
	tsHeader := strings.TrimSpace(r.Header.Get(HeaderTimestamp))
	if tsHeader == "" {
		return nil, fmt.Errorf("gateway: missing %s header", HeaderTimestamp)
	}
	signedAt, err := parseUnixSeconds(tsHeader)
	if err != nil {
		return nil, fmt.Errorf("gateway: invalid timestamp: %w", err)
	}
	now := a.nowFn().UTC()
	drift := now.Sub(signedAt)
	if drift < 0 {
		drift = -drift
	}
	if drift > a.skew {
		return nil, ErrStaleTimestamp
	}
	nonce := strings.TrimSpace(r.Header.Get(HeaderNonce))
	if nonce == "" {
		return nil, fmt.Errorf("gateway: missing %s header", HeaderNonce)
	}
	provided := strings.TrimSpace(r.Header.Get(HeaderSignature))
	if provided == "" {
		return nil, fmt.Errorf("gateway: missing %s header", HeaderSignature)
	}
	providedBytes, err := hex.DecodeString(provided)
	if err != nil {
		return nil, fmt.Errorf("gateway: invalid signature encoding: %w", err)
	}
	expected := Signature(cred.Secret, tsHeader, nonce, r.Method, SignedPath(r), body)
	if !hmac.Equal(providedBytes, expected) {
		return nil, ErrBadSignature
	}
	seen, err := a.observeNonce(r.Context(), apiKey, tsHeader, nonce, now)
	if err != nil {
		return nil, err
	}
	if seen {
		return nil, ErrNonceReplay
	}
	return &Principal{APIKey: apiKey, Address: cred.Address}, nil
}

// Hydrate warms the in-memory nonce cache from the journal. Call once at
// startup before serving requests.
func (a *Authenticator) Hydrate(ctx context.Context) error {
	if a.journal == nil {
		return nil
	}
	cutoff := a.nowFn().UTC().Add(-a.nonces.ttl)
	records, err := a.journal.Replay(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("gateway: replay nonce journal: %w", err)
	}
	for _, rec := range records {
		if rec.APIKey == "" || rec.Timestamp == "" || rec.Nonce == "" {
			continue
		}
		observed := rec.ObservedAt
		if observed.IsZero() {
			observed = cutoff
		}
		a.nonces.Add(nonceKey(rec.APIKey, rec.Timestamp, rec.Nonce), observed)
	}
	return nil
}

func (a *Authenticator) observeNonce(ctx context.Context, apiKey, timestamp, nonce string, now time.Time) (bool, error) {
	key := nonceKey(apiKey, timestamp, nonce)
	if a.nonces.Contains(key, now) {
		return true, nil
	}
	if a.journal != nil {
		if err := a.pruneJournal(ctx, now); err != nil {
			return false, err
		}
		seen, err := a.journal.Record(ctx, NonceRecord{
			APIKey:     apiKey,
			Timestamp:  timestamp,
			Nonce:      nonce,
			ObservedAt: now,
		})
		if err != nil {
			return false, fmt.Errorf("gateway: record nonce: %w", err)
		}
		if seen {
			a.nonces.Add(key, now)
			return true, nil
		}
	}
	a.nonces.Add(key, now)
	return false, nil
}

func (a *Authenticator) pruneJournal(ctx context.Context, now time.Time) error {
	a.pruneMu.Lock()
	defer a.pruneMu.Unlock()
	if !a.lastPruned.IsZero() && now.Sub(a.lastPruned) < journalPruneEach {
		return nil
	}
	if err := a.journal.Prune(ctx, now.Add(-a.nonces.ttl)); err != nil {
		return fmt.Errorf("gateway: prune nonce journal: %w", err)
	}
	a.lastPruned = now
	return nil
}

func nonceKey(apiKey, timestamp, nonce string) string {
	return apiKey + "|" + timestamp + "|" + nonce
}

// Signature computes the HMAC-SHA256 over the canonical request digest:
// timestamp, nonce, upper-cased method, signed path and body, joined by
// newlines.
func Signature(secret, timestamp, nonce, method, path string, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	for _, segment := range []string{timestamp, nonce, strings.ToUpper(method)} {
		mac.Write([]byte(segment))
		mac.Write([]byte{'\n'})
	}
	mac.Write([]byte(path))
	mac.Write([]byte{'\n'})
	mac.Write(body)
	return mac.Sum(nil)
}

// SignedPath normalises the request path and query ordering for signing.
func SignedPath(r *http.Request) string {
	path := r.URL.Path
	if path == "" {
		path = "/"
	}
	if r.URL.RawQuery == "" {
		return path
	}
	parts := strings.Split(r.URL.RawQuery, "&")
	sort.Strings(parts)
	return path + "?" + strings.Join(parts, "&")
}

func parseUnixSeconds(v string) (time.Time, error) {
	secs, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(secs, 0).UTC(), nil
}
