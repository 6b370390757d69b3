package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"escrowd/cmd/internal/passphrase"
	"escrowd/config"
	"escrowd/core"
	"escrowd/crypto"
	"escrowd/observability/logging"
	"escrowd/observability/metrics"
	"escrowd/observability/otel"
	"escrowd/rpc"
	"escrowd/storage"
)

const (
	keystorePassEnv = "ESCROWD_KEYSTORE_PASS"
	shutdownTimeout = 10 * time.Second
)

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	passFile := flag.String("pass-file", "", "File containing the operator keystore passphrase")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("ESCROWD_ENV"))
	logger := logging.Setup("escrowd", env)

	cfg, err := config.Load(*configFile)
	if err != nil {
		logger.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}
	if err := config.ValidateConfig(cfg); err != nil {
		logger.Error("invalid config", slog.Any("error", err))
		os.Exit(1)
	}
	if env == "" {
		env = strings.TrimSpace(cfg.Log.Environment)
	}
	if strings.TrimSpace(cfg.Log.File) != "" {
		logger = logging.SetupRotating("escrowd", env, logging.RotationConfig{
			Path:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAgeDays: cfg.Log.MaxAgeDays,
			Compress:   cfg.Log.Compress,
		})
	} else if env != "" {
		logger = logging.Setup("escrowd", env)
	}

	passSource := passphrase.NewSource(keystorePassEnv, *passFile)
	passSource.SetPrompt("Enter operator keystore passphrase: ")

	operatorKey, err := loadOperatorKey(cfg, passSource)
	if err != nil {
		logger.Error("failed to load operator key", slog.Any("error", err))
		os.Exit(1)
	}

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		logger.Error("failed to open database", slog.String("dir", cfg.DataDir), slog.Any("error", err))
		os.Exit(1)
	}
	defer db.Close()

	node, err := core.NewNode(db)
	if err != nil {
		logger.Error("failed to create node", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Telemetry.Enabled {
		shutdown, err := otel.Init(ctx, otel.Config{
			ServiceName: "escrowd",
			Environment: env,
			Endpoint:    cfg.Telemetry.Endpoint,
			Insecure:    cfg.Telemetry.Insecure,
			Headers:     otel.ParseHeaders(cfg.Telemetry.Headers),
			Metrics:     cfg.Telemetry.Metrics,
			Traces:      cfg.Telemetry.Traces,
			SampleRatio: cfg.Telemetry.SampleRatio,
		})
		if err != nil {
			logger.Error("failed to initialise telemetry", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := shutdown(flushCtx); err != nil {
				logger.Warn("telemetry shutdown failed", slog.Any("error", err))
			}
		}()
	}

	for _, operation := range []string{"create", "lock", "complete", "refund"} {
		metrics.Escrow().InitOperation(operation)
	}

	rpcServer := rpc.NewServer(node)
	throttle, err := cfg.RPCThrottle()
	if err != nil {
		logger.Error("invalid RPC quota", slog.Any("error", err))
		os.Exit(1)
	}
	if throttle.MutationsPerMinute > 0 {
		rpcServer.SetMutationLimit(throttle.MutationsPerMinute)
	}

	var rpcHandler http.Handler = rpcServer.Handler()
	if cfg.Telemetry.Enabled && cfg.Telemetry.Traces {
		rpcHandler = otelhttp.NewHandler(rpcHandler, "escrowd.rpc")
	}

	rpcListener, err := net.Listen("tcp", cfg.RPCAddress)
	if err != nil {
		logger.Error("failed to bind RPC listener", slog.String("addr", cfg.RPCAddress), slog.Any("error", err))
		os.Exit(1)
	}
	rpcSrv := &http.Server{
		Handler:           rpcHandler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsListener, err := net.Listen("tcp", cfg.MetricsAddress)
	if err != nil {
		logger.Error("failed to bind metrics listener", slog.String("addr", cfg.MetricsAddress), slog.Any("error", err))
		os.Exit(1)
	}
	metricsSrv := &http.Server{
		Handler:           metricsMux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		if err := rpcSrv.Serve(rpcListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("rpc server: %w", err)
		}
	}()
	go func() {
		if err := metricsSrv.Serve(metricsListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	logger.Info("escrowd node running",
		slog.String("rpc", rpcListener.Addr().String()),
		slog.String("metrics", metricsListener.Addr().String()),
		slog.String("network", cfg.NetworkName),
		slog.String("operator", operatorKey.PubKey().Address().String()))

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		logger.Error("server terminated", slog.Any("error", err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := rpcSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("rpc shutdown failed", slog.Any("error", err))
	}
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics shutdown failed", slog.Any("error", err))
	}
	logger.Info("escrowd node stopped")
}

// loadOperatorKey resolves the node operator identity. A KMS environment
// variable holding the raw hex key wins over the keystore file. Keystores
// bootstrapped by config.Load are sealed with an empty passphrase, so that is
// attempted before consulting the operator.
func loadOperatorKey(cfg *config.Config, source *passphrase.Source) (*crypto.PrivateKey, error) {
	if env := strings.TrimSpace(cfg.OperatorKMSEnv); env != "" {
		raw, ok := os.LookupEnv(env)
		if !ok || strings.TrimSpace(raw) == "" {
			return nil, fmt.Errorf("%s is not set", env)
		}
		keyBytes, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(raw), "0x"))
		if err != nil {
			return nil, fmt.Errorf("decode operator key: %w", err)
		}
		return crypto.PrivateKeyFromBytes(keyBytes)
	}

	path := strings.TrimSpace(cfg.OperatorKeystorePath)
	if path == "" {
		return nil, errors.New("operator keystore path not configured")
	}
	if key, err := crypto.LoadFromKeystore(path, ""); err == nil {
		return key, nil
	}
	pass, err := source.Get()
	if err != nil {
		return nil, fmt.Errorf("keystore %s requires a passphrase: %w", path, err)
	}
	key, err := crypto.LoadFromKeystore(path, pass)
	if err != nil {
		return nil, fmt.Errorf("unable to decrypt keystore %s: %w", path, err)
	}
	return key, nil
}
