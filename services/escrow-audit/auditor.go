package main

import (
	"context"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
	"lukechampine.com/blake3"

	"escrowd/sdk/escrow"
)

const (
	// Anomaly types emitted by the auditor.
	AnomalySecretMissing    = "secret_missing"
	AnomalySecretUnexpected = "secret_unexpected"
	AnomalyTimelockOverdue  = "timelock_overdue"
	AnomalyStatusUnknown    = "status_unknown"
	AnomalyCountMismatch    = "count_mismatch"

	csvName      = "escrows.csv"
	parquetName  = "escrows.parquet"
	manifestName = "manifest.json"

	defaultPageSize = 200
)

// nodeSource exposes the node RPC surface the auditor depends on.
type nodeSource interface {
	List(ctx context.Context, cursor string, limit int) (*escrow.ListResult, error)
	Stats(ctx context.Context) (*escrow.Stats, error)
}

// Config captures the dependencies required to construct an Auditor.
type Config struct {
	Node      nodeSource
	OutputDir string
	PageSize  int
	Now       func() time.Time
	Logger    *slog.Logger
}

// Auditor snapshots the full escrow registry, cross-checks it against the
// node's own counters, and materialises CSV/Parquet artifacts for review.
type Auditor struct {
	node      nodeSource
	outputDir string
	pageSize  int
	now       func() time.Time
	log       *slog.Logger
}

// Anomaly captures an audit failure requiring operator review.
type Anomaly struct {
	Type     string `json:"type"`
	EscrowID string `json:"escrowId,omitempty"`
	Details  string `json:"details"`
}

// ReportRow summarises audit status for a single escrow.
type ReportRow struct {
	ID              string
	Maker           string
	Amount          string
	Asset           string
	HashLock        string
	TimeLock        int64
	Status          string
	SecretRevealed  bool
	CreatedAt       time.Time
	SecretMismatch  bool
	TimelockOverdue bool
}

// Artifact references one generated file together with its blake3 digest.
type Artifact struct {
	Name   string `json:"name"`
	Bytes  int64  `json:"bytes"`
	Blake3 string `json:"blake3"`
}

// Manifest is written alongside the artifacts and pins their digests.
type Manifest struct {
	RunID       string       `json:"runId"`
	GeneratedAt time.Time    `json:"generatedAt"`
	Escrows     int          `json:"escrows"`
	Counter     uint64       `json:"counter"`
	Anomalies   []Anomaly    `json:"anomalies"`
	Artifacts   []Artifact   `json:"artifacts"`
	Stats       escrow.Stats `json:"stats"`
}

// Result summarises an audit run.
type Result struct {
	RunID     string
	Dir       string
	Rows      []*ReportRow
	Anomalies []Anomaly
	Stats     escrow.Stats
}

// NewAuditor builds a configured auditor.
func NewAuditor(cfg Config) (*Auditor, error) {
	if cfg.Node == nil {
		return nil, errors.New("audit: node client is required")
	}
	outputDir := cfg.OutputDir
	if strings.TrimSpace(outputDir) == "" {
		outputDir = filepath.Join("escrow-data-local", "audit")
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	nowFn := cfg.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		node:      cfg.Node,
		outputDir: outputDir,
		pageSize:  pageSize,
		now:       nowFn,
		log:       logger,
	}, nil
}

// Run executes one audit pass over the node's full registry.
func (a *Auditor) Run(ctx context.Context) (*Result, error) {
	now := a.now().UTC()

	stats, err := a.node.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("audit: fetch stats: %w", err)
	}

	states, err := a.collect(ctx)
	if err != nil {
		return nil, err
	}

	rows := make([]*ReportRow, 0, len(states))
	anomalies := make([]Anomaly, 0)
	tally := map[string]uint64{}
	for i := range states {
		row, rowAnomalies := inspect(&states[i], now)
		rows = append(rows, row)
		anomalies = append(anomalies, rowAnomalies...)
		tally[row.Status]++
	}
	anomalies = append(anomalies, checkConservation(stats, tally)...)

	runID := uuid.NewString()
	runDir := filepath.Join(a.outputDir, fmt.Sprintf("%s_%s", now.Format("20060102T150405Z"), runID[:8]))
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, fmt.Errorf("audit: ensure output dir: %w", err)
	}

	csvPath := filepath.Join(runDir, csvName)
	if err := writeCSV(csvPath, rows); err != nil {
		return nil, err
	}
	parquetPath := filepath.Join(runDir, parquetName)
	if err := writeParquet(parquetPath, rows); err != nil {
		return nil, err
	}

	manifest := Manifest{
		RunID:       runID,
		GeneratedAt: now,
		Escrows:     len(rows),
		Counter:     stats.Counter,
		Anomalies:   anomalies,
		Stats:       *stats,
	}
	for _, path := range []string{csvPath, parquetPath} {
		artifact, err := describeArtifact(path)
		if err != nil {
			return nil, err
		}
		manifest.Artifacts = append(manifest.Artifacts, artifact)
	}
	if err := writeManifest(filepath.Join(runDir, manifestName), manifest); err != nil {
		return nil, err
	}

	a.log.Info("audit run complete",
		"run", runID,
		"dir", runDir,
		"escrows", len(rows),
		"anomalies", len(anomalies))
	for _, anomaly := range anomalies {
		a.log.Warn("audit anomaly", "type", anomaly.Type, "escrow", anomaly.EscrowID, "details", anomaly.Details)
	}

	return &Result{
		RunID:     runID,
		Dir:       runDir,
		Rows:      rows,
		Anomalies: anomalies,
		Stats:     *stats,
	}, nil
}

// collect pages through escrow_list until the node reports no further results.
func (a *Auditor) collect(ctx context.Context) ([]escrow.State, error) {
	var states []escrow.State
	cursor := ""
	for {
		page, err := a.node.List(ctx, cursor, a.pageSize)
		if err != nil {
			return nil, fmt.Errorf("audit: list escrows: %w", err)
		}
		states = append(states, page.Escrows...)
		if !page.More || page.NextCursor == "" {
			return states, nil
		}
		cursor = page.NextCursor
	}
}

func inspect(st *escrow.State, now time.Time) (*ReportRow, []Anomaly) {
	revealed := st.Secret != nil
	row := &ReportRow{
		ID:             st.ID,
		Maker:          st.Maker,
		Amount:         st.Amount,
		Asset:          st.Asset,
		HashLock:       st.HashLock,
		TimeLock:       st.TimeLock,
		Status:         strings.ToLower(strings.TrimSpace(st.Status)),
		SecretRevealed: revealed,
		CreatedAt:      time.Unix(st.CreatedAt, 0).UTC(),
	}

	var anomalies []Anomaly
	switch row.Status {
	case "pending", "locked":
		if now.Unix() > st.TimeLock {
			row.TimelockOverdue = true
			anomalies = append(anomalies, Anomaly{
				Type:     AnomalyTimelockOverdue,
				EscrowID: st.ID,
				Details:  fmt.Sprintf("timelock %d elapsed while status is %s", st.TimeLock, row.Status),
			})
		}
		if revealed {
			row.SecretMismatch = true
			anomalies = append(anomalies, Anomaly{
				Type:     AnomalySecretUnexpected,
				EscrowID: st.ID,
				Details:  fmt.Sprintf("secret recorded while status is %s", row.Status),
			})
		}
	case "completed":
		if !revealed {
			row.SecretMismatch = true
			anomalies = append(anomalies, Anomaly{
				Type:     AnomalySecretMissing,
				EscrowID: st.ID,
				Details:  "completed escrow carries no secret",
			})
		}
	case "refunded":
		if revealed {
			row.SecretMismatch = true
			anomalies = append(anomalies, Anomaly{
				Type:     AnomalySecretUnexpected,
				EscrowID: st.ID,
				Details:  "refunded escrow carries a secret",
			})
		}
	default:
		anomalies = append(anomalies, Anomaly{
			Type:     AnomalyStatusUnknown,
			EscrowID: st.ID,
			Details:  fmt.Sprintf("unrecognised status %q", st.Status),
		})
	}
	return row, anomalies
}

// checkConservation verifies the node's counters against each other and
// against the statuses observed while paging the registry.
func checkConservation(stats *escrow.Stats, tally map[string]uint64) []Anomaly {
	var anomalies []Anomaly
	total := stats.Pending + stats.Locked + stats.Completed + stats.Refunded
	if total != stats.Counter {
		anomalies = append(anomalies, Anomaly{
			Type:    AnomalyCountMismatch,
			Details: fmt.Sprintf("status totals %d do not equal counter %d", total, stats.Counter),
		})
	}
	expected := map[string]uint64{
		"pending":   stats.Pending,
		"locked":    stats.Locked,
		"completed": stats.Completed,
		"refunded":  stats.Refunded,
	}
	for _, status := range []string{"pending", "locked", "completed", "refunded"} {
		if tally[status] != expected[status] {
			anomalies = append(anomalies, Anomaly{
				Type:    AnomalyCountMismatch,
				Details: fmt.Sprintf("node reports %d %s escrows, listing returned %d", expected[status], status, tally[status]),
			})
		}
	}
	return anomalies
}

func writeCSV(path string, rows []*ReportRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("audit: create csv: %w", err)
	}
	defer file.Close()
	w := csv.NewWriter(file)
	header := []string{
		"id", "maker", "amount", "asset", "hash_lock", "time_lock", "status",
		"secret_revealed", "created_at", "secret_mismatch", "timelock_overdue",
	}
	if err := w.Write(header); err != nil {
		return fmt.Errorf("audit: write csv header: %w", err)
	}
	for _, row := range rows {
		record := []string{
			row.ID,
			row.Maker,
			row.Amount,
			row.Asset,
			row.HashLock,
			fmt.Sprintf("%d", row.TimeLock),
			row.Status,
			boolString(row.SecretRevealed),
			row.CreatedAt.Format(time.RFC3339),
			boolString(row.SecretMismatch),
			boolString(row.TimelockOverdue),
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("audit: write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("audit: flush csv: %w", err)
	}
	return nil
}

type parquetRow struct {
	ID              string `parquet:"name=id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Maker           string `parquet:"name=maker, type=BYTE_ARRAY, convertedtype=UTF8"`
	Amount          string `parquet:"name=amount, type=BYTE_ARRAY, convertedtype=UTF8"`
	Asset           string `parquet:"name=asset, type=BYTE_ARRAY, convertedtype=UTF8"`
	HashLock        string `parquet:"name=hash_lock, type=BYTE_ARRAY, convertedtype=UTF8"`
	TimeLock        int64  `parquet:"name=time_lock, type=INT64"`
	Status          string `parquet:"name=status, type=BYTE_ARRAY, convertedtype=UTF8"`
	SecretRevealed  bool   `parquet:"name=secret_revealed, type=BOOLEAN"`
	CreatedAt       string `parquet:"name=created_at, type=BYTE_ARRAY, convertedtype=UTF8"`
	SecretMismatch  bool   `parquet:"name=secret_mismatch, type=BOOLEAN"`
	TimelockOverdue bool   `parquet:"name=timelock_overdue, type=BOOLEAN"`
}

func writeParquet(path string, rows []*ReportRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("audit: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("audit: parquet schema: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, row := range rows {
		pr := &parquetRow{
			ID:              row.ID,
			Maker:           row.Maker,
			Amount:          row.Amount,
			Asset:           row.Asset,
			HashLock:        row.HashLock,
			TimeLock:        row.TimeLock,
			Status:          row.Status,
			SecretRevealed:  row.SecretRevealed,
			CreatedAt:       row.CreatedAt.Format(time.RFC3339),
			SecretMismatch:  row.SecretMismatch,
			TimelockOverdue: row.TimelockOverdue,
		}
		if err := pw.Write(pr); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("audit: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("audit: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("audit: close parquet file: %w", err)
	}
	return nil
}

func writeManifest(path string, manifest Manifest) error {
	encoded, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("audit: encode manifest: %w", err)
	}
	if err := os.WriteFile(path, append(encoded, '\n'), 0o644); err != nil {
		return fmt.Errorf("audit: write manifest: %w", err)
	}
	return nil
}

func describeArtifact(path string) (Artifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Artifact{}, fmt.Errorf("audit: read artifact: %w", err)
	}
	sum := blake3.Sum256(data)
	return Artifact{
		Name:   filepath.Base(path),
		Bytes:  int64(len(data)),
		Blake3: hex.EncodeToString(sum[:]),
	}, nil
}

func boolString(v bool) string {
	if v {
		return "true"
	}
	return "false"
}
