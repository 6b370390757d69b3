package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"escrowd/observability/logging"
	"escrowd/sdk/escrow"
)

type runReport struct {
	RunID     string    `json:"runId"`
	Dir       string    `json:"dir"`
	Escrows   int       `json:"escrows"`
	Counter   uint64    `json:"counter"`
	Anomalies []Anomaly `json:"anomalies"`
}

func main() {
	nodeURL := flag.String("node", "http://127.0.0.1:8080", "Escrow node RPC endpoint")
	token := flag.String("token", "", "Bearer token for node RPC calls")
	outDir := flag.String("out", "", "Directory receiving audit run artifacts")
	pageSize := flag.Int("page", defaultPageSize, "Escrows fetched per list call")
	timeout := flag.Duration("timeout", 2*time.Minute, "Overall run deadline")
	env := flag.String("env", "dev", "Deployment environment label")
	flag.Parse()

	logger := logging.Setup("escrow-audit", *env)

	auditor, err := NewAuditor(Config{
		Node:      escrow.NewClient(*nodeURL, *token),
		OutputDir: *outDir,
		PageSize:  *pageSize,
		Logger:    logger,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to configure auditor: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	result, err := auditor.Run(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "audit run failed: %v\n", err)
		os.Exit(1)
	}

	report := runReport{
		RunID:     result.RunID,
		Dir:       result.Dir,
		Escrows:   len(result.Rows),
		Counter:   result.Stats.Counter,
		Anomalies: result.Anomalies,
	}
	output, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to encode report: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(output))

	if len(result.Anomalies) > 0 {
		os.Exit(2)
	}
}
