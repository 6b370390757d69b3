package main

import (
	"context"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"lukechampine.com/blake3"

	"escrowd/sdk/escrow"
)

var auditNow = time.Unix(1_700_000_000, 0).UTC()

type stubRegistry struct {
	states  []escrow.State
	stats   escrow.Stats
	cursors []string
}

func (s *stubRegistry) List(_ context.Context, cursor string, limit int) (*escrow.ListResult, error) {
	s.cursors = append(s.cursors, cursor)
	start := 0
	if cursor != "" {
		for i := range s.states {
			if s.states[i].ID == cursor {
				start = i + 1
				break
			}
		}
	}
	end := start + limit
	if end > len(s.states) {
		end = len(s.states)
	}
	page := append([]escrow.State(nil), s.states[start:end]...)
	res := &escrow.ListResult{Escrows: page}
	if end < len(s.states) {
		res.More = true
		res.NextCursor = page[len(page)-1].ID
	}
	return res, nil
}

func (s *stubRegistry) Stats(context.Context) (*escrow.Stats, error) {
	stats := s.stats
	return &stats, nil
}

func auditState(n int, status string, timeLock int64, secret string) escrow.State {
	st := escrow.State{
		ID:        fmt.Sprintf("%064x", n),
		Maker:     "esc1auditmaker",
		Amount:    "2500",
		Asset:     "USDC",
		HashLock:  fmt.Sprintf("%064x", 1000+n),
		TimeLock:  timeLock,
		Status:    status,
		CreatedAt: auditNow.Add(-time.Hour).Unix(),
	}
	if secret != "" {
		st.Secret = &secret
	}
	return st
}

func newTestAuditor(t *testing.T, node nodeSource, pageSize int) *Auditor {
	t.Helper()
	auditor, err := NewAuditor(Config{
		Node:      node,
		OutputDir: t.TempDir(),
		PageSize:  pageSize,
		Now:       func() time.Time { return auditNow },
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("new auditor: %v", err)
	}
	return auditor
}

func anomalyTypes(anomalies []Anomaly) map[string]int {
	counts := make(map[string]int)
	for _, anomaly := range anomalies {
		counts[anomaly.Type]++
	}
	return counts
}

func TestAuditRunWritesArtifacts(t *testing.T) {
	future := auditNow.Add(2 * time.Hour).Unix()
	node := &stubRegistry{
		states: []escrow.State{
			auditState(1, "pending", future, ""),
			auditState(2, "locked", future, ""),
			auditState(3, "completed", future, "736563726574"),
			auditState(4, "refunded", auditNow.Add(-2*time.Hour).Unix(), ""),
		},
		stats: escrow.Stats{Counter: 4, Pending: 1, Locked: 1, Completed: 1, Refunded: 1},
	}
	auditor := newTestAuditor(t, node, 2)

	result, err := auditor.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(result.Anomalies) != 0 {
		t.Fatalf("expected clean run, got anomalies %+v", result.Anomalies)
	}
	if len(result.Rows) != 4 {
		t.Fatalf("expected 4 rows, got %d", len(result.Rows))
	}
	if len(node.cursors) != 2 {
		t.Fatalf("expected 2 list pages, got cursors %v", node.cursors)
	}
	if node.cursors[0] != "" || node.cursors[1] != fmt.Sprintf("%064x", 2) {
		t.Fatalf("unexpected paging cursors %v", node.cursors)
	}

	file, err := os.Open(filepath.Join(result.Dir, csvName))
	if err != nil {
		t.Fatalf("open csv: %v", err)
	}
	defer file.Close()
	records, err := csv.NewReader(file).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(records) != 5 {
		t.Fatalf("expected header plus 4 rows, got %d records", len(records))
	}
	if records[0][0] != "id" || records[0][6] != "status" {
		t.Fatalf("unexpected csv header %v", records[0])
	}
	if records[3][6] != "completed" || records[3][7] != "true" {
		t.Fatalf("completed row not flagged as revealed: %v", records[3])
	}

	parquetInfo, err := os.Stat(filepath.Join(result.Dir, parquetName))
	if err != nil {
		t.Fatalf("stat parquet: %v", err)
	}
	if parquetInfo.Size() == 0 {
		t.Fatal("parquet artifact is empty")
	}
}

func TestAuditManifestPinsDigests(t *testing.T) {
	node := &stubRegistry{
		states: []escrow.State{auditState(1, "pending", auditNow.Add(time.Hour).Unix(), "")},
		stats:  escrow.Stats{Counter: 1, Pending: 1},
	}
	auditor := newTestAuditor(t, node, 10)

	result, err := auditor.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(result.Dir, manifestName))
	if err != nil {
		t.Fatalf("read manifest: %v", err)
	}
	var manifest Manifest
	if err := json.Unmarshal(raw, &manifest); err != nil {
		t.Fatalf("decode manifest: %v", err)
	}
	if manifest.RunID != result.RunID {
		t.Fatalf("manifest run id %s, result %s", manifest.RunID, result.RunID)
	}
	if manifest.Escrows != 1 || manifest.Counter != 1 {
		t.Fatalf("unexpected manifest totals %+v", manifest)
	}
	if !manifest.GeneratedAt.Equal(auditNow) {
		t.Fatalf("manifest generated at %s, want %s", manifest.GeneratedAt, auditNow)
	}
	if len(manifest.Artifacts) != 2 {
		t.Fatalf("expected 2 artifacts, got %d", len(manifest.Artifacts))
	}
	names := map[string]bool{}
	for _, artifact := range manifest.Artifacts {
		names[artifact.Name] = true
		data, err := os.ReadFile(filepath.Join(result.Dir, artifact.Name))
		if err != nil {
			t.Fatalf("read artifact %s: %v", artifact.Name, err)
		}
		if int64(len(data)) != artifact.Bytes {
			t.Fatalf("artifact %s recorded %d bytes, file has %d", artifact.Name, artifact.Bytes, len(data))
		}
		sum := blake3.Sum256(data)
		if hex.EncodeToString(sum[:]) != artifact.Blake3 {
			t.Fatalf("artifact %s digest mismatch", artifact.Name)
		}
	}
	if !names[csvName] || !names[parquetName] {
		t.Fatalf("manifest missing expected artifacts: %v", names)
	}
}

func TestAuditFlagsSecretAndTimelockAnomalies(t *testing.T) {
	boundary := auditNow.Unix()
	node := &stubRegistry{
		states: []escrow.State{
			auditState(1, "completed", boundary+3600, ""),
			auditState(2, "pending", boundary-10, ""),
			auditState(3, "locked", boundary, "736563726574"),
			auditState(4, "refunded", boundary-3600, "736563726574"),
		},
		stats: escrow.Stats{Counter: 4, Pending: 1, Locked: 1, Completed: 1, Refunded: 1},
	}
	auditor := newTestAuditor(t, node, 10)

	result, err := auditor.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	counts := anomalyTypes(result.Anomalies)
	if counts[AnomalySecretMissing] != 1 {
		t.Fatalf("expected one missing-secret anomaly, got %+v", counts)
	}
	if counts[AnomalyTimelockOverdue] != 1 {
		t.Fatalf("expected one overdue anomaly, got %+v", counts)
	}
	if counts[AnomalySecretUnexpected] != 2 {
		t.Fatalf("expected two unexpected-secret anomalies, got %+v", counts)
	}
	if counts[AnomalyCountMismatch] != 0 {
		t.Fatalf("conservation should hold, got %+v", counts)
	}

	for _, row := range result.Rows {
		switch row.ID {
		case fmt.Sprintf("%064x", 1):
			if !row.SecretMismatch {
				t.Fatal("completed row without secret not flagged")
			}
		case fmt.Sprintf("%064x", 2):
			if !row.TimelockOverdue {
				t.Fatal("expired pending row not flagged")
			}
		case fmt.Sprintf("%064x", 3):
			if row.TimelockOverdue {
				t.Fatal("timelock boundary must not count as overdue")
			}
			if !row.SecretMismatch {
				t.Fatal("locked row with secret not flagged")
			}
		}
	}
}

func TestAuditFlagsCountMismatch(t *testing.T) {
	node := &stubRegistry{
		states: []escrow.State{auditState(1, "pending", auditNow.Add(time.Hour).Unix(), "")},
		stats:  escrow.Stats{Counter: 2, Pending: 2},
	}
	auditor := newTestAuditor(t, node, 10)

	result, err := auditor.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	counts := anomalyTypes(result.Anomalies)
	if counts[AnomalyCountMismatch] != 1 {
		t.Fatalf("expected one count mismatch, got %+v", result.Anomalies)
	}
}

func TestAuditFlagsUnknownStatus(t *testing.T) {
	node := &stubRegistry{
		states: []escrow.State{auditState(1, "disputed", auditNow.Add(time.Hour).Unix(), "")},
		stats:  escrow.Stats{Counter: 1, Pending: 1},
	}
	auditor := newTestAuditor(t, node, 10)

	result, err := auditor.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	counts := anomalyTypes(result.Anomalies)
	if counts[AnomalyStatusUnknown] != 1 {
		t.Fatalf("expected unknown-status anomaly, got %+v", result.Anomalies)
	}
	if counts[AnomalyCountMismatch] == 0 {
		t.Fatalf("pending tally should disagree with node stats, got %+v", result.Anomalies)
	}
}
