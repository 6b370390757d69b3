package auth

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

var testClock = time.Unix(1_700_000_000, 0).UTC()

func testCreds() map[string]Credential {
	return map[string]Credential{
		"merchant-a": {Secret: "secret-a", Address: "esc1makeraddress"},
	}
}

func newTestAuthenticator(journal NonceJournal) *Authenticator {
	return NewAuthenticator(testCreds(), 2*time.Minute, 10*time.Minute, 8, func() time.Time {
		return testClock
	}, journal)
}

func signedRequest(t *testing.T, apiKey, secret, nonce string, at time.Time, body []byte) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/escrows", bytes.NewReader(body))
	timestamp := fmt.Sprintf("%d", at.Unix())
	sig := Signature(secret, timestamp, nonce, req.Method, SignedPath(req), body)
	req.Header.Set(HeaderAPIKey, apiKey)
	req.Header.Set(HeaderTimestamp, timestamp)
	req.Header.Set(HeaderNonce, nonce)
	req.Header.Set(HeaderSignature, hex.EncodeToString(sig))
	return req
}

func TestSignatureVector(t *testing.T) {
	// The digest is timestamp\nnonce\nMETHOD\npath\nbody; a reordered or
	// mutated segment must change the MAC.
	body := []byte(`{"amount":"10"}`)
	base := Signature("secret-a", "1700000000", "n-1", "post", "/v1/escrows", body)
	upper := Signature("secret-a", "1700000000", "n-1", "POST", "/v1/escrows", body)
	if !bytes.Equal(base, upper) {
		t.Fatal("method casing must not affect the signature")
	}
	mutations := []struct {
		name string
		sig  []byte
	}{
		{"timestamp", Signature("secret-a", "1700000001", "n-1", "POST", "/v1/escrows", body)},
		{"nonce", Signature("secret-a", "1700000000", "n-2", "POST", "/v1/escrows", body)},
		{"method", Signature("secret-a", "1700000000", "n-1", "GET", "/v1/escrows", body)},
		{"path", Signature("secret-a", "1700000000", "n-1", "POST", "/v1/stats", body)},
		{"body", Signature("secret-a", "1700000000", "n-1", "POST", "/v1/escrows", []byte(`{"amount":"11"}`))},
		{"secret", Signature("secret-b", "1700000000", "n-1", "POST", "/v1/escrows", body)},
	}
	for _, tc := range mutations {
		if bytes.Equal(base, tc.sig) {
			t.Fatalf("mutating %s did not change the signature", tc.name)
		}
	}
}

func TestSignedPathSortsQuery(t *testing.T) {
	a := httptest.NewRequest(http.MethodGet, "/v1/escrows?maker=esc1x&limit=5", nil)
	b := httptest.NewRequest(http.MethodGet, "/v1/escrows?limit=5&maker=esc1x", nil)
	if SignedPath(a) != SignedPath(b) {
		t.Fatalf("query ordering changed signed path: %q vs %q", SignedPath(a), SignedPath(b))
	}
	if got := SignedPath(a); got != "/v1/escrows?limit=5&maker=esc1x" {
		t.Fatalf("signed path = %q", got)
	}
}

func TestAuthenticateReturnsBoundAddress(t *testing.T) {
	auth := newTestAuthenticator(nil)
	req := signedRequest(t, "merchant-a", "secret-a", "n-1", testClock, []byte(`{}`))

	principal, err := auth.Authenticate(req, []byte(`{}`))
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if principal.APIKey != "merchant-a" {
		t.Fatalf("api key = %q", principal.APIKey)
	}
	if principal.Address != "esc1makeraddress" {
		t.Fatalf("address = %q", principal.Address)
	}
}

func TestAuthenticateRejections(t *testing.T) {
	auth := newTestAuthenticator(nil)
	body := []byte(`{}`)

	cases := []struct {
		name    string
		mutate  func(*http.Request)
		wantErr error
	}{
		{
			name:    "unknown key",
			mutate:  func(r *http.Request) { r.Header.Set(HeaderAPIKey, "merchant-z") },
			wantErr: ErrUnknownKey,
		},
		{
			name:    "bad signature",
			mutate:  func(r *http.Request) { r.Header.Set(HeaderSignature, "deadbeef") },
			wantErr: ErrBadSignature,
		},
		{
			name: "stale timestamp",
			mutate: func(r *http.Request) {
				stale := fmt.Sprintf("%d", testClock.Add(-3*time.Minute).Unix())
				sig := Signature("secret-a", stale, "n-stale", r.Method, SignedPath(r), body)
				r.Header.Set(HeaderTimestamp, stale)
				r.Header.Set(HeaderNonce, "n-stale")
				r.Header.Set(HeaderSignature, hex.EncodeToString(sig))
			},
			wantErr: ErrStaleTimestamp,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := signedRequest(t, "merchant-a", "secret-a", "n-case", testClock, body)
			tc.mutate(req)
			if _, err := auth.Authenticate(req, body); !errors.Is(err, tc.wantErr) {
				t.Fatalf("err = %v, want %v", err, tc.wantErr)
			}
		})
	}
}

func TestAuthenticateMissingHeaders(t *testing.T) {
	auth := newTestAuthenticator(nil)
	body := []byte(`{}`)
	for _, header := range []string{HeaderAPIKey, HeaderTimestamp, HeaderNonce, HeaderSignature} {
		req := signedRequest(t, "merchant-a", "secret-a", "n-"+header, testClock, body)
		req.Header.Del(header)
		if _, err := auth.Authenticate(req, body); err == nil {
			t.Fatalf("expected rejection without %s", header)
		}
	}
}

func TestNonceReplayRejected(t *testing.T) {
	auth := newTestAuthenticator(nil)
	body := []byte(`{}`)

	first := signedRequest(t, "merchant-a", "secret-a", "n-dup", testClock, body)
	if _, err := auth.Authenticate(first, body); err != nil {
		t.Fatalf("first request: %v", err)
	}
	second := signedRequest(t, "merchant-a", "secret-a", "n-dup", testClock, body)
	if _, err := auth.Authenticate(second, body); !errors.Is(err, ErrNonceReplay) {
		t.Fatalf("err = %v, want %v", err, ErrNonceReplay)
	}
	// A fresh nonce under the same timestamp is fine.
	third := signedRequest(t, "merchant-a", "secret-a", "n-new", testClock, body)
	if _, err := auth.Authenticate(third, body); err != nil {
		t.Fatalf("third request: %v", err)
	}
}

func TestNonceCacheExpiry(t *testing.T) {
	cache := newNonceCache(time.Minute, 8)
	cache.Add("k1", testClock)
	if !cache.Contains("k1", testClock) {
		t.Fatal("expected k1 present")
	}
	if cache.Contains("k1", testClock.Add(2*time.Minute)) {
		t.Fatal("expected k1 expired after the TTL")
	}
}

func TestNonceCacheCapacityEvictsOldest(t *testing.T) {
	cache := newNonceCache(time.Hour, 2)
	cache.Add("k1", testClock)
	cache.Add("k2", testClock.Add(time.Second))
	cache.Add("k3", testClock.Add(2*time.Second))
	if cache.Contains("k1", testClock.Add(3*time.Second)) {
		t.Fatal("expected oldest entry evicted at capacity")
	}
	if !cache.Contains("k2", testClock.Add(3*time.Second)) || !cache.Contains("k3", testClock.Add(3*time.Second)) {
		t.Fatal("expected newer entries retained")
	}
}
