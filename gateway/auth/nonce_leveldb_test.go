package auth

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	journal, err := OpenJournal(filepath.Join(t.TempDir(), "nonces"))
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { _ = journal.Close() })
	return journal
}

func TestJournalRecordFirstWriteWins(t *testing.T) {
	journal := openTestJournal(t)
	ctx := context.Background()
	rec := NonceRecord{APIKey: "merchant-a", Timestamp: "1700000000", Nonce: "n-1", ObservedAt: testClock}

	seen, err := journal.Record(ctx, rec)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if seen {
		t.Fatal("first record reported as seen")
	}
	later := rec
	later.ObservedAt = testClock.Add(time.Hour)
	seen, err = journal.Record(ctx, later)
	if err != nil {
		t.Fatalf("record duplicate: %v", err)
	}
	if !seen {
		t.Fatal("duplicate record not reported as seen")
	}
	records, err := journal.Replay(ctx, testClock.Add(-time.Minute))
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("record count = %d, want 1", len(records))
	}
	if !records[0].ObservedAt.Equal(testClock) {
		t.Fatalf("observed at = %v, want original %v", records[0].ObservedAt, testClock)
	}
}

func TestJournalRejectsIncompleteRecord(t *testing.T) {
	journal := openTestJournal(t)
	if _, err := journal.Record(context.Background(), NonceRecord{APIKey: "merchant-a"}); err == nil {
		t.Fatal("expected incomplete record rejection")
	}
}

func TestJournalPruneAndReplayWindow(t *testing.T) {
	journal := openTestJournal(t)
	ctx := context.Background()
	old := NonceRecord{APIKey: "merchant-a", Timestamp: "1699999000", Nonce: "n-old", ObservedAt: testClock.Add(-20 * time.Minute)}
	recent := NonceRecord{APIKey: "merchant-a", Timestamp: "1700000000", Nonce: "n-recent", ObservedAt: testClock}
	for _, rec := range []NonceRecord{old, recent} {
		if _, err := journal.Record(ctx, rec); err != nil {
			t.Fatalf("record %s: %v", rec.Nonce, err)
		}
	}

	cutoff := testClock.Add(-10 * time.Minute)
	records, err := journal.Replay(ctx, cutoff)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(records) != 1 || records[0].Nonce != "n-recent" {
		t.Fatalf("replay window returned %+v", records)
	}

	if err := journal.Prune(ctx, cutoff); err != nil {
		t.Fatalf("prune: %v", err)
	}
	seen, err := journal.Record(ctx, old)
	if err != nil {
		t.Fatalf("record after prune: %v", err)
	}
	if seen {
		t.Fatal("pruned nonce still reported as seen")
	}
	seen, err = journal.Record(ctx, recent)
	if err != nil {
		t.Fatalf("record retained: %v", err)
	}
	if !seen {
		t.Fatal("retained nonce lost during prune")
	}
}

func TestAuthenticatorSurvivesRestartViaJournal(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nonces")
	journal, err := OpenJournal(dir)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	auth := newTestAuthenticator(journal)
	body := []byte(`{}`)
	req := signedRequest(t, "merchant-a", "secret-a", "n-restart", testClock, body)
	if _, err := auth.Authenticate(req, body); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if err := journal.Close(); err != nil {
		t.Fatalf("close journal: %v", err)
	}

	reopened, err := OpenJournal(dir)
	if err != nil {
		t.Fatalf("reopen journal: %v", err)
	}
	t.Cleanup(func() { _ = reopened.Close() })
	restarted := newTestAuthenticator(reopened)
	if err := restarted.Hydrate(context.Background()); err != nil {
		t.Fatalf("hydrate: %v", err)
	}
	replay := signedRequest(t, "merchant-a", "secret-a", "n-restart", testClock, body)
	if _, err := restarted.Authenticate(replay, body); !errors.Is(err, ErrNonceReplay) {
		t.Fatalf("err = %v, want %v", err, ErrNonceReplay)
	}
}
