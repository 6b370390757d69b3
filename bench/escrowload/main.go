package main

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"flag"
	"log"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	escrowsdk "escrowd/sdk/escrow"

	"nhooyr.io/websocket"
)

const (
	defaultDuration = 2 * time.Minute
	defaultRate     = 600 // escrows per minute
)

type latencyTracker struct {
	mu        sync.Mutex
	pending   map[string]time.Time
	latencies []time.Duration
}

func newLatencyTracker() *latencyTracker {
	return &latencyTracker{pending: make(map[string]time.Time)}
}

// trackerKey normalizes escrow identifiers: the create result is 0x-prefixed
// while event attributes carry bare hex.
func trackerKey(id string) string {
	return strings.ToLower(strings.TrimPrefix(id, "0x"))
}

func (lt *latencyTracker) track(id string, at time.Time) {
	lt.mu.Lock()
	lt.pending[trackerKey(id)] = at
	lt.mu.Unlock()
}

func (lt *latencyTracker) finalize(id string, at time.Time) {
	key := trackerKey(id)
	lt.mu.Lock()
	start, ok := lt.pending[key]
	if ok {
		lt.latencies = append(lt.latencies, at.Sub(start))
		delete(lt.pending, key)
	}
	lt.mu.Unlock()
}

func (lt *latencyTracker) snapshot() (latencies []time.Duration, pending int) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	latencies = append([]time.Duration(nil), lt.latencies...)
	pending = len(lt.pending)
	return latencies, pending
}

func (lt *latencyTracker) waitForEmpty(ctx context.Context) bool {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		lt.mu.Lock()
		remaining := len(lt.pending)
		lt.mu.Unlock()
		if remaining == 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

func main() {
	var (
		rpcURL       string
		makerAddr    string
		asset        string
		amount       string
		rate         int
		durationFlag time.Duration
		settle       bool
	)
	flag.StringVar(&rpcURL, "rpc", "http://127.0.0.1:8080", "RPC endpoint for submitting escrows")
	flag.StringVar(&makerAddr, "maker", "", "bech32 maker address (overrides ESCROWLOAD_MAKER)")
	flag.StringVar(&asset, "asset", "LOADUSD", "asset code for generated escrows")
	flag.StringVar(&amount, "amount", "100", "amount per escrow")
	flag.IntVar(&rate, "rate", defaultRate, "target rate of escrow deposits per minute")
	flag.DurationVar(&durationFlag, "duration", defaultDuration, "load duration")
	flag.BoolVar(&settle, "settle", false, "lock and complete each escrow after creating it")
	flag.Parse()

	if makerAddr == "" {
		makerAddr = os.Getenv("ESCROWLOAD_MAKER")
	}
	makerAddr = strings.TrimSpace(makerAddr)
	if makerAddr == "" {
		log.Fatal("missing maker address: provide --maker or ESCROWLOAD_MAKER")
	}

	token := strings.TrimSpace(os.Getenv("ESCROWD_RPC_TOKEN"))
	parsed, err := url.Parse(rpcURL)
	if err != nil {
		log.Fatalf("parse rpc url: %v", err)
	}
	if parsed.Scheme == "" {
		parsed.Scheme = "http"
	}

	if rate <= 0 {
		log.Fatalf("rate must be positive, got %d", rate)
	}
	if durationFlag <= 0 {
		durationFlag = defaultDuration
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	client := escrowsdk.NewClient(parsed.String(), token)
	tracker := newLatencyTracker()

	wsURL := *parsed
	switch strings.ToLower(parsed.Scheme) {
	case "https":
		wsURL.Scheme = "wss"
	default:
		wsURL.Scheme = "ws"
	}
	wsURL.Path = "/ws/events"
	wsURL.RawQuery = ""

	wsCtx, wsCancel := context.WithTimeout(ctx, 5*time.Second)
	conn, _, err := websocket.Dial(wsCtx, wsURL.String(), nil)
	wsCancel()
	if err != nil {
		log.Fatalf("connect event stream: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "load complete")

	eventCtx, eventCancel := context.WithCancel(ctx)
	defer eventCancel()
	go consumeEvents(eventCtx, conn, tracker)

	interval := time.Minute / time.Duration(rate)
	if interval <= 0 {
		interval = time.Millisecond
	}
	deadline := time.Now().Add(durationFlag)
	var submitted int
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			log.Printf("context cancelled: %v", ctx.Err())
			return
		default:
		}
		id, err := submitEscrow(ctx, client, makerAddr, asset, amount, settle)
		if err != nil {
			log.Printf("submit escrow %d failed: %v", submitted, err)
		} else {
			tracker.track(id, time.Now())
			submitted++
		}
		time.Sleep(interval)
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer waitCancel()
	if !tracker.waitForEmpty(waitCtx) {
		log.Printf("no created event observed for %d escrows", trackerPending(tracker))
	}

	eventCancel()

	latencies, pending := tracker.snapshot()
	reportLoadSummary(latencies, pending, submitted)
}

func submitEscrow(ctx context.Context, client *escrowsdk.Client, maker, asset, amount string, settle bool) (string, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return "", err
	}
	digest := sha256.Sum256(secret)

	created, err := client.Create(ctx, escrowsdk.CreateRequest{
		Caller:   maker,
		Maker:    maker,
		Amount:   amount,
		Asset:    asset,
		HashLock: hex.EncodeToString(digest[:]),
		TimeLock: time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		return "", err
	}

	if settle {
		if _, err := client.Lock(ctx, created.ID, maker); err != nil {
			log.Printf("lock %s failed: %v", created.ID, err)
			return created.ID, nil
		}
		if _, err := client.Complete(ctx, created.ID, maker, hex.EncodeToString(secret)); err != nil {
			log.Printf("complete %s failed: %v", created.ID, err)
		}
	}
	return created.ID, nil
}

func consumeEvents(ctx context.Context, conn *websocket.Conn, tracker *latencyTracker) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var evt escrowsdk.Event
		if err := json.Unmarshal(data, &evt); err != nil {
			log.Printf("decode event payload: %v", err)
			continue
		}
		if evt.Type == "escrow.created" {
			tracker.finalize(evt.Attributes["id"], time.Now())
		}
	}
}

func trackerPending(t *latencyTracker) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

func reportLoadSummary(latencies []time.Duration, pending int, submitted int) {
	var max time.Duration
	var total time.Duration
	for _, latency := range latencies {
		if latency > max {
			max = latency
		}
		total += latency
	}
	avg := time.Duration(0)
	if len(latencies) > 0 {
		avg = time.Duration(int64(total) / int64(len(latencies)))
	}
	log.Printf("Escrow loader submitted %d deposits", submitted)
	log.Printf("Observed created events for %d deposits (pending: %d)", len(latencies), pending)
	log.Printf("Latency avg=%s max=%s", avg, max)
}
