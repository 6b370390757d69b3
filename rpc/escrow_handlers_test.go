package rpc

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"escrowd/crypto"
)

func testAddress(tag byte) string {
	var addr crypto.Address
	addr[0] = tag
	addr[19] = tag
	return addr.String()
}

var (
	testSecret   = []byte("open sesame")
	testHashLock = sha256.Sum256(testSecret)
)

func createParams(maker string, timeLock int64) map[string]interface{} {
	return map[string]interface{}{
		"maker":    maker,
		"amount":   "1000",
		"asset":    "USDC",
		"hashLock": hex.EncodeToString(testHashLock[:]),
		"timeLock": timeLock,
	}
}

func (env *testEnv) createEscrow(t *testing.T, maker string, timeLock int64) string {
	t.Helper()
	var created escrowCreateResult
	env.mustResult(t, "escrow_create", createParams(maker, timeLock), &created)
	if !strings.HasPrefix(created.ID, "0x") || len(created.ID) != 66 {
		t.Fatalf("unexpected escrow id %q", created.ID)
	}
	return created.ID
}

func TestEscrowCreateInvalidParams(t *testing.T) {
	env := newTestEnv(t)
	maker := testAddress(0x01)
	cases := []struct {
		name   string
		mutate func(map[string]interface{})
	}{
		{"bad maker", func(p map[string]interface{}) { p["maker"] = "esc1notanaddress" }},
		{"missing maker", func(p map[string]interface{}) { p["maker"] = "" }},
		{"zero amount", func(p map[string]interface{}) { p["amount"] = "0" }},
		{"negative amount", func(p map[string]interface{}) { p["amount"] = "-5" }},
		{"non numeric amount", func(p map[string]interface{}) { p["amount"] = "ten" }},
		{"bad asset", func(p map[string]interface{}) { p["asset"] = "US DC!" }},
		{"empty asset", func(p map[string]interface{}) { p["asset"] = "   " }},
		{"short hash lock", func(p map[string]interface{}) { p["hashLock"] = "abcd" }},
		{"odd hash lock", func(p map[string]interface{}) { p["hashLock"] = strings.Repeat("f", 63) }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			params := createParams(maker, testNow+3600)
			tc.mutate(params)
			_, rpcErr, status := env.call(t, "escrow_create", params, true)
			if rpcErr == nil {
				t.Fatalf("expected error")
			}
			if rpcErr.Code != codeEscrowInvalidParams {
				t.Fatalf("expected code %d, got %d (%s)", codeEscrowInvalidParams, rpcErr.Code, rpcErr.Message)
			}
			if status != http.StatusBadRequest {
				t.Fatalf("expected status 400, got %d", status)
			}
		})
	}
}

func TestEscrowCreateAndGet(t *testing.T) {
	env := newTestEnv(t)
	maker := testAddress(0x01)
	id := env.createEscrow(t, maker, testNow+3600)

	// Reads require no bearer token.
	result, rpcErr, _ := env.call(t, "escrow_get", map[string]interface{}{"id": id}, false)
	if rpcErr != nil {
		t.Fatalf("get: %+v", rpcErr)
	}
	var record escrowJSON
	if err := json.Unmarshal(result, &record); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	if record.ID != id {
		t.Fatalf("id mismatch: %s != %s", record.ID, id)
	}
	if record.Maker != maker {
		t.Fatalf("maker mismatch: %s", record.Maker)
	}
	if record.Amount != "1000" || record.Asset != "USDC" {
		t.Fatalf("unexpected amount/asset: %s %s", record.Amount, record.Asset)
	}
	if record.Status != "pending" {
		t.Fatalf("expected pending, got %s", record.Status)
	}
	if record.Secret != nil {
		t.Fatalf("secret must be absent before completion")
	}
	if record.CreatedAt != testNow {
		t.Fatalf("createdAt = %d, want %d", record.CreatedAt, testNow)
	}
	if record.HashLock != "0x"+hex.EncodeToString(testHashLock[:]) {
		t.Fatalf("hash lock mismatch: %s", record.HashLock)
	}
}

func TestEscrowLifecycleComplete(t *testing.T) {
	env := newTestEnv(t)
	maker := testAddress(0x01)
	resolver := testAddress(0x02)
	id := env.createEscrow(t, maker, testNow+3600)

	var locked escrowJSON
	env.mustResult(t, "escrow_lock", map[string]interface{}{"id": id, "resolver": resolver}, &locked)
	if locked.Status != "locked" {
		t.Fatalf("expected locked, got %s", locked.Status)
	}

	var completed escrowJSON
	env.mustResult(t, "escrow_complete", map[string]interface{}{
		"id":       id,
		"resolver": resolver,
		"secret":   hex.EncodeToString(testSecret),
	}, &completed)
	if completed.Status != "completed" {
		t.Fatalf("expected completed, got %s", completed.Status)
	}
	if completed.Secret == nil || *completed.Secret != "0x"+hex.EncodeToString(testSecret) {
		t.Fatalf("secret not echoed back: %v", completed.Secret)
	}

	var stats escrowStatsResult
	env.mustResult(t, "escrow_stats", nil, &stats)
	if stats.Counter != 1 || stats.Completed != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestEscrowCompleteWrongSecret(t *testing.T) {
	env := newTestEnv(t)
	maker := testAddress(0x01)
	resolver := testAddress(0x02)
	id := env.createEscrow(t, maker, testNow+3600)
	env.mustResult(t, "escrow_lock", map[string]interface{}{"id": id, "resolver": resolver}, nil)

	_, rpcErr, status := env.call(t, "escrow_complete", map[string]interface{}{
		"id":       id,
		"resolver": resolver,
		"secret":   hex.EncodeToString([]byte("wrong guess")),
	}, true)
	if rpcErr == nil || rpcErr.Code != codeEscrowConflict {
		t.Fatalf("expected conflict, got %+v", rpcErr)
	}
	if status != http.StatusConflict {
		t.Fatalf("expected 409, got %d", status)
	}
	data, _ := rpcErr.Data.(string)
	if !strings.Contains(data, "invalid secret") {
		t.Fatalf("expected invalid secret detail, got %q", data)
	}

	var record escrowJSON
	env.mustResult(t, "escrow_get", map[string]interface{}{"id": id}, &record)
	if record.Status != "locked" {
		t.Fatalf("failed completion must leave the record locked, got %s", record.Status)
	}
}

func TestEscrowCompleteAfterExpiry(t *testing.T) {
	env := newTestEnv(t)
	maker := testAddress(0x01)
	resolver := testAddress(0x02)
	id := env.createEscrow(t, maker, testNow-1)
	env.mustResult(t, "escrow_lock", map[string]interface{}{"id": id, "resolver": resolver}, nil)

	_, rpcErr, _ := env.call(t, "escrow_complete", map[string]interface{}{
		"id":       id,
		"resolver": resolver,
		"secret":   hex.EncodeToString(testSecret),
	}, true)
	if rpcErr == nil || rpcErr.Code != codeEscrowConflict {
		t.Fatalf("expected conflict, got %+v", rpcErr)
	}
	data, _ := rpcErr.Data.(string)
	if !strings.Contains(data, "timelock expired") {
		t.Fatalf("expected timelock expired detail, got %q", data)
	}
}

func TestEscrowRefundFlow(t *testing.T) {
	env := newTestEnv(t)
	maker := testAddress(0x01)
	stranger := testAddress(0x03)
	id := env.createEscrow(t, maker, testNow-1)

	_, rpcErr, status := env.call(t, "escrow_refund", map[string]interface{}{"id": id, "caller": stranger}, true)
	if rpcErr == nil || rpcErr.Code != codeEscrowForbidden {
		t.Fatalf("expected forbidden for stranger, got %+v", rpcErr)
	}
	if status != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", status)
	}

	var refunded escrowJSON
	env.mustResult(t, "escrow_refund", map[string]interface{}{"id": id, "caller": maker}, &refunded)
	if refunded.Status != "refunded" {
		t.Fatalf("expected refunded, got %s", refunded.Status)
	}
	if refunded.Secret != nil {
		t.Fatalf("refunded record must not carry a secret")
	}
}

func TestEscrowRefundPremature(t *testing.T) {
	env := newTestEnv(t)
	maker := testAddress(0x01)
	id := env.createEscrow(t, maker, testNow+3600)

	_, rpcErr, _ := env.call(t, "escrow_refund", map[string]interface{}{"id": id, "caller": maker}, true)
	if rpcErr == nil || rpcErr.Code != codeEscrowConflict {
		t.Fatalf("expected conflict, got %+v", rpcErr)
	}
	data, _ := rpcErr.Data.(string)
	if !strings.Contains(data, "timelock not expired") {
		t.Fatalf("expected timelock not expired detail, got %q", data)
	}
}

func TestEscrowCreateCallerMismatch(t *testing.T) {
	env := newTestEnv(t)
	params := createParams(testAddress(0x01), testNow+3600)
	params["caller"] = testAddress(0x03)
	_, rpcErr, status := env.call(t, "escrow_create", params, true)
	if rpcErr == nil || rpcErr.Code != codeEscrowForbidden {
		t.Fatalf("expected forbidden, got %+v", rpcErr)
	}
	if status != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", status)
	}
}

func TestEscrowGetNotFound(t *testing.T) {
	env := newTestEnv(t)
	missing := "0x" + strings.Repeat("ab", 32)
	_, rpcErr, status := env.call(t, "escrow_get", map[string]interface{}{"id": missing}, false)
	if rpcErr == nil || rpcErr.Code != codeEscrowNotFound {
		t.Fatalf("expected not found, got %+v", rpcErr)
	}
	if status != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", status)
	}
}

func TestEscrowDoubleLockConflict(t *testing.T) {
	env := newTestEnv(t)
	maker := testAddress(0x01)
	resolver := testAddress(0x02)
	id := env.createEscrow(t, maker, testNow+3600)
	env.mustResult(t, "escrow_lock", map[string]interface{}{"id": id, "resolver": resolver}, nil)

	_, rpcErr, _ := env.call(t, "escrow_lock", map[string]interface{}{"id": id, "resolver": resolver}, true)
	if rpcErr == nil || rpcErr.Code != codeEscrowConflict {
		t.Fatalf("expected conflict on second lock, got %+v", rpcErr)
	}
	data, _ := rpcErr.Data.(string)
	if !strings.Contains(data, "invalid status") {
		t.Fatalf("expected invalid status detail, got %q", data)
	}
}

func TestEscrowListPagination(t *testing.T) {
	env := newTestEnv(t)
	maker := testAddress(0x01)
	seen := make(map[string]bool)
	for i := 0; i < 5; i++ {
		seen[env.createEscrow(t, maker, testNow+3600)] = false
	}

	collected := 0
	cursor := ""
	for page := 0; page < 4; page++ {
		params := map[string]interface{}{"limit": 2}
		if cursor != "" {
			params["cursor"] = cursor
		}
		var result escrowListResult
		env.mustResult(t, "escrow_list", params, &result)
		for _, esc := range result.Escrows {
			visited, known := seen[esc.ID]
			if !known {
				t.Fatalf("unknown id %s in listing", esc.ID)
			}
			if visited {
				t.Fatalf("id %s listed twice", esc.ID)
			}
			seen[esc.ID] = true
			collected++
		}
		if !result.More {
			break
		}
		if result.NextCursor == "" {
			t.Fatalf("more pages promised without a cursor")
		}
		cursor = result.NextCursor
	}
	if collected != 5 {
		t.Fatalf("expected 5 records, got %d", collected)
	}
}

func TestEscrowListByMaker(t *testing.T) {
	env := newTestEnv(t)
	makerA := testAddress(0x01)
	makerB := testAddress(0x02)
	env.createEscrow(t, makerA, testNow+3600)
	env.createEscrow(t, makerA, testNow+7200)
	env.createEscrow(t, makerB, testNow+3600)

	var result escrowListResult
	env.mustResult(t, "escrow_listByMaker", map[string]interface{}{"maker": makerA}, &result)
	if len(result.Escrows) != 2 {
		t.Fatalf("expected 2 records for maker, got %d", len(result.Escrows))
	}
	for _, esc := range result.Escrows {
		if esc.Maker != makerA {
			t.Fatalf("foreign record in maker listing: %s", esc.Maker)
		}
	}
}

func TestEscrowStatsConservation(t *testing.T) {
	env := newTestEnv(t)
	maker := testAddress(0x01)
	resolver := testAddress(0x02)

	idCompleted := env.createEscrow(t, maker, testNow+3600)
	env.mustResult(t, "escrow_lock", map[string]interface{}{"id": idCompleted, "resolver": resolver}, nil)
	env.mustResult(t, "escrow_complete", map[string]interface{}{
		"id": idCompleted, "resolver": resolver, "secret": hex.EncodeToString(testSecret),
	}, nil)

	idRefunded := env.createEscrow(t, maker, testNow-1)
	env.mustResult(t, "escrow_refund", map[string]interface{}{"id": idRefunded, "caller": maker}, nil)

	env.createEscrow(t, maker, testNow+3600)

	var stats escrowStatsResult
	env.mustResult(t, "escrow_stats", nil, &stats)
	if stats.Counter != 3 {
		t.Fatalf("counter = %d, want 3", stats.Counter)
	}
	if total := stats.Pending + stats.Locked + stats.Completed + stats.Refunded; total != stats.Counter {
		t.Fatalf("status totals %d do not match counter %d", total, stats.Counter)
	}
	if stats.Completed != 1 || stats.Refunded != 1 || stats.Pending != 1 {
		t.Fatalf("unexpected breakdown: %+v", stats)
	}
}

func TestEscrowListEvents(t *testing.T) {
	env := newTestEnv(t)
	maker := testAddress(0x01)
	resolver := testAddress(0x02)
	id := env.createEscrow(t, maker, testNow+3600)
	env.mustResult(t, "escrow_lock", map[string]interface{}{"id": id, "resolver": resolver}, nil)

	var result escrowEventsResult
	env.mustResult(t, "escrow_listEvents", nil, &result)
	if len(result.Events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(result.Events))
	}
	if result.Events[0].Type != "escrow.created" || result.Events[1].Type != "escrow.locked" {
		t.Fatalf("unexpected event types: %s %s", result.Events[0].Type, result.Events[1].Type)
	}
	if result.LatestSequence != 2 {
		t.Fatalf("latest sequence = %d, want 2", result.LatestSequence)
	}
	if got := result.Events[0].Attributes["id"]; got != strings.TrimPrefix(id, "0x") {
		t.Fatalf("event id attribute %q does not match %q", got, id)
	}

	var tail escrowEventsResult
	env.mustResult(t, "escrow_listEvents", map[string]interface{}{"afterSequence": 1}, &tail)
	if len(tail.Events) != 1 || tail.Events[0].Sequence != 2 {
		t.Fatalf("cursor read returned %+v", tail.Events)
	}
}

func TestEscrowInitializeResets(t *testing.T) {
	env := newTestEnv(t)
	maker := testAddress(0x01)
	id := env.createEscrow(t, maker, testNow+3600)

	env.mustResult(t, "escrow_initialize", nil, nil)

	_, rpcErr, _ := env.call(t, "escrow_get", map[string]interface{}{"id": id}, false)
	if rpcErr == nil || rpcErr.Code != codeEscrowNotFound {
		t.Fatalf("expected record wiped, got %+v", rpcErr)
	}
	var stats escrowStatsResult
	env.mustResult(t, "escrow_stats", nil, &stats)
	if stats.Counter != 0 || stats.Pending != 0 {
		t.Fatalf("expected zeroed stats, got %+v", stats)
	}
}
