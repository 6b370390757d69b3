package main

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strconv"
	"strings"
	"time"

	"escrowd/sdk/escrow"
)

func runInit(args []string, stdout, stderr io.Writer) int {
	fs := newCommandFlagSet("init", stderr)
	cf := &clientFlags{}
	cf.register(fs)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		return printError(stderr, "unexpected positional arguments")
	}

	ctx, cancel := callContext()
	defer cancel()
	if err := cf.client().Initialize(ctx); err != nil {
		return reportError(stderr, err)
	}
	writeJSON(stdout, map[string]string{"status": "initialized"})
	return 0
}

func runCreate(args []string, stdout, stderr io.Writer) int {
	fs := newCommandFlagSet("create", stderr)
	cf := &clientFlags{}
	cf.register(fs)
	var (
		maker     string
		amount    string
		asset     string
		hashLock  string
		secretHex string
		timeLock  string
	)
	fs.StringVar(&maker, "maker", "", "Maker address (defaults to the caller)")
	fs.StringVar(&amount, "amount", "", "Escrow amount as a positive integer")
	fs.StringVar(&asset, "asset", "", "Asset code, e.g. USDC")
	fs.StringVar(&hashLock, "hash-lock", "", "32-byte hex SHA-256 digest of the secret")
	fs.StringVar(&secretHex, "secret-hex", "", "Hex secret; its SHA-256 digest becomes the hash lock")
	fs.StringVar(&timeLock, "time-lock", "", "Refund deadline: +duration, RFC3339, or unix seconds")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		return printError(stderr, "unexpected positional arguments")
	}

	caller, err := cf.resolveCaller()
	if err != nil {
		return printError(stderr, err.Error())
	}
	if strings.TrimSpace(maker) == "" {
		maker = caller
	}
	amountValue, ok := new(big.Int).SetString(strings.TrimSpace(amount), 10)
	if !ok || amountValue.Sign() <= 0 {
		return printError(stderr, "--amount must be a positive integer")
	}
	if strings.TrimSpace(asset) == "" {
		return printError(stderr, "--asset is required")
	}
	lock, err := resolveHashLock(hashLock, secretHex)
	if err != nil {
		return printError(stderr, err.Error())
	}
	deadline, err := parseTimeLock(timeLock, ctlNow())
	if err != nil {
		return printError(stderr, err.Error())
	}

	ctx, cancel := callContext()
	defer cancel()
	created, err := cf.client().Create(ctx, escrow.CreateRequest{
		Caller:   caller,
		Maker:    maker,
		Amount:   amountValue.String(),
		Asset:    strings.ToUpper(strings.TrimSpace(asset)),
		HashLock: lock,
		TimeLock: deadline,
	})
	if err != nil {
		return reportError(stderr, err)
	}
	writeJSON(stdout, created)
	return 0
}

func runLock(args []string, stdout, stderr io.Writer) int {
	fs := newCommandFlagSet("lock", stderr)
	cf := &clientFlags{}
	cf.register(fs)
	var (
		id       string
		resolver string
	)
	fs.StringVar(&id, "id", "", "Escrow identifier")
	fs.StringVar(&resolver, "resolver", "", "Resolver address (defaults to the caller)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		return printError(stderr, "unexpected positional arguments")
	}
	if err := validateEscrowID(id); err != nil {
		return printError(stderr, err.Error())
	}
	if strings.TrimSpace(resolver) == "" {
		caller, err := cf.resolveCaller()
		if err != nil {
			return printError(stderr, err.Error())
		}
		resolver = caller
	}

	ctx, cancel := callContext()
	defer cancel()
	state, err := cf.client().Lock(ctx, strings.TrimSpace(id), resolver)
	if err != nil {
		return reportError(stderr, err)
	}
	writeJSON(stdout, state)
	return 0
}

func runComplete(args []string, stdout, stderr io.Writer) int {
	fs := newCommandFlagSet("complete", stderr)
	cf := &clientFlags{}
	cf.register(fs)
	var (
		id        string
		resolver  string
		secretHex string
	)
	fs.StringVar(&id, "id", "", "Escrow identifier")
	fs.StringVar(&resolver, "resolver", "", "Resolver address (defaults to the caller)")
	fs.StringVar(&secretHex, "secret", "", "Hex preimage of the hash lock")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		return printError(stderr, "unexpected positional arguments")
	}
	if err := validateEscrowID(id); err != nil {
		return printError(stderr, err.Error())
	}
	secret := strings.TrimPrefix(strings.TrimSpace(secretHex), "0x")
	if secret == "" {
		return printError(stderr, "--secret is required")
	}
	if _, err := hex.DecodeString(secret); err != nil {
		return printError(stderr, "--secret must be hex encoded")
	}
	if strings.TrimSpace(resolver) == "" {
		caller, err := cf.resolveCaller()
		if err != nil {
			return printError(stderr, err.Error())
		}
		resolver = caller
	}

	ctx, cancel := callContext()
	defer cancel()
	state, err := cf.client().Complete(ctx, strings.TrimSpace(id), resolver, secret)
	if err != nil {
		return reportError(stderr, err)
	}
	writeJSON(stdout, state)
	return 0
}

func runRefund(args []string, stdout, stderr io.Writer) int {
	fs := newCommandFlagSet("refund", stderr)
	cf := &clientFlags{}
	cf.register(fs)
	var id string
	fs.StringVar(&id, "id", "", "Escrow identifier")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		return printError(stderr, "unexpected positional arguments")
	}
	if err := validateEscrowID(id); err != nil {
		return printError(stderr, err.Error())
	}
	caller, err := cf.resolveCaller()
	if err != nil {
		return printError(stderr, err.Error())
	}

	ctx, cancel := callContext()
	defer cancel()
	state, err := cf.client().Refund(ctx, strings.TrimSpace(id), caller)
	if err != nil {
		return reportError(stderr, err)
	}
	writeJSON(stdout, state)
	return 0
}

func runGet(args []string, stdout, stderr io.Writer) int {
	fs := newCommandFlagSet("get", stderr)
	cf := &clientFlags{}
	cf.register(fs)
	var id string
	fs.StringVar(&id, "id", "", "Escrow identifier")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		return printError(stderr, "unexpected positional arguments")
	}
	if err := validateEscrowID(id); err != nil {
		return printError(stderr, err.Error())
	}

	ctx, cancel := callContext()
	defer cancel()
	state, err := cf.client().Get(ctx, strings.TrimSpace(id))
	if err != nil {
		return reportError(stderr, err)
	}
	writeJSON(stdout, state)
	return 0
}

func runList(args []string, stdout, stderr io.Writer) int {
	fs := newCommandFlagSet("list", stderr)
	cf := &clientFlags{}
	cf.register(fs)
	var (
		maker  string
		cursor string
		limit  int
	)
	fs.StringVar(&maker, "maker", "", "Filter by maker address")
	fs.StringVar(&cursor, "cursor", "", "Resume after this identifier")
	fs.IntVar(&limit, "limit", 0, "Maximum records per page (node default when zero)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		return printError(stderr, "unexpected positional arguments")
	}
	if limit < 0 {
		return printError(stderr, "--limit must not be negative")
	}

	ctx, cancel := callContext()
	defer cancel()
	if strings.TrimSpace(maker) != "" {
		escrows, err := cf.client().ListByMaker(ctx, strings.TrimSpace(maker))
		if err != nil {
			return reportError(stderr, err)
		}
		writeJSON(stdout, escrow.ListResult{Escrows: escrows})
		return 0
	}
	page, err := cf.client().List(ctx, strings.TrimSpace(cursor), limit)
	if err != nil {
		return reportError(stderr, err)
	}
	writeJSON(stdout, page)
	return 0
}

func runStats(args []string, stdout, stderr io.Writer) int {
	fs := newCommandFlagSet("stats", stderr)
	cf := &clientFlags{}
	cf.register(fs)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		return printError(stderr, "unexpected positional arguments")
	}

	ctx, cancel := callContext()
	defer cancel()
	stats, err := cf.client().Stats(ctx)
	if err != nil {
		return reportError(stderr, err)
	}
	writeJSON(stdout, stats)
	return 0
}

func runEvents(args []string, stdout, stderr io.Writer) int {
	fs := newCommandFlagSet("events", stderr)
	cf := &clientFlags{}
	cf.register(fs)
	var (
		after uint64
		limit int
	)
	fs.Uint64Var(&after, "after", 0, "Return events strictly after this sequence")
	fs.IntVar(&limit, "limit", 0, "Maximum events per page (node default when zero)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		return printError(stderr, "unexpected positional arguments")
	}
	if limit < 0 {
		return printError(stderr, "--limit must not be negative")
	}

	ctx, cancel := callContext()
	defer cancel()
	events, err := cf.client().Events(ctx, after, limit)
	if err != nil {
		return reportError(stderr, err)
	}
	writeJSON(stdout, events)
	return 0
}

// resolveHashLock expects exactly one of the digest or the secret and always
// returns the 64-character hex digest.
func resolveHashLock(hashLock, secretHex string) (string, error) {
	hasHash := strings.TrimSpace(hashLock) != ""
	hasSecret := strings.TrimSpace(secretHex) != ""
	if hasHash == hasSecret {
		return "", errors.New("exactly one of --hash-lock or --secret-hex is required")
	}
	if hasHash {
		decoded, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(hashLock), "0x"))
		if err != nil || len(decoded) != 32 {
			return "", errors.New("--hash-lock must be a 32-byte hex digest")
		}
		return hex.EncodeToString(decoded), nil
	}
	secret, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(secretHex), "0x"))
	if err != nil || len(secret) == 0 {
		return "", errors.New("--secret-hex must be non-empty hex")
	}
	digest := sha256.Sum256(secret)
	return hex.EncodeToString(digest[:]), nil
}

// parseTimeLock accepts +duration offsets, RFC3339 timestamps, or raw unix
// seconds.
func parseTimeLock(value string, now time.Time) (int64, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return 0, errors.New("--time-lock is required")
	}
	if strings.HasPrefix(trimmed, "+") {
		d, err := time.ParseDuration(trimmed[1:])
		if err != nil {
			return 0, fmt.Errorf("invalid --time-lock duration: %w", err)
		}
		return now.Add(d).Unix(), nil
	}
	if ts, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
		return ts, nil
	}
	t, err := time.Parse(time.RFC3339, trimmed)
	if err != nil {
		return 0, errors.New("--time-lock must be +duration, RFC3339, or unix seconds")
	}
	return t.Unix(), nil
}
