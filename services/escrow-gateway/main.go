package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"escrowd/gateway/auth"
	"escrowd/gateway/config"
	"escrowd/gateway/middleware"
	"escrowd/observability/logging"
	"escrowd/observability/metrics"
	"escrowd/sdk/escrow"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "escrow-gateway.yaml", "path to the gateway configuration file")
	env := flag.String("env", "dev", "environment label stamped on log lines")
	flag.Parse()

	logger := logging.Setup("escrow-gateway", *env)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("load configuration", "path", *configPath, "error", err)
		os.Exit(1)
	}

	store, err := NewStore(cfg.DatabasePath)
	if err != nil {
		logger.Error("open gateway database", "path", cfg.DatabasePath, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	var journal auth.NonceJournal
	if cfg.Auth.NonceDBPath != "" {
		j, err := auth.OpenJournal(cfg.Auth.NonceDBPath)
		if err != nil {
			logger.Error("open nonce journal", "path", cfg.Auth.NonceDBPath, "error", err)
			os.Exit(1)
		}
		defer j.Close()
		journal = j
	}

	authn := auth.NewAuthenticator(credentialMap(cfg), cfg.Auth.TimestampSkew, cfg.Auth.NonceTTL, cfg.Auth.NonceCapacity, nil, journal)
	if journal != nil {
		if err := authn.Hydrate(context.Background()); err != nil {
			logger.Warn("hydrate nonce journal", "error", err)
		}
	}

	node := escrow.NewClient(cfg.Node.URL, cfg.Node.AuthToken)
	server := NewServer(node, store, authn, logger)

	for _, target := range cfg.Webhooks {
		metrics.Gateway().InitWebhookDestination(target.Name)
	}
	watcher := NewWatcher(node, store, cfg.Webhooks, cfg.Watcher.PollInterval, cfg.Watcher.BatchSize, logger)
	worker := NewDeliveryWorker(store, cfg.Webhooks, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go watcher.Run(ctx)
	go worker.Run(ctx)

	limiter := middleware.NewLimiter(cfg.RateLimit.RequestsPerMinute, cfg.RateLimit.Burst)

	router := chi.NewRouter()
	router.Use(middleware.Instrument(logger))
	router.Use(limiter.Middleware)
	router.Use(middleware.CORS(middleware.CORSConfig{}))
	router.Handle("/metrics", promhttp.Handler())
	server.Mount(router)
	if cfg.AdminEnabled() {
		adminAuth := middleware.NewAdminAuth(cfg.Admin.JWTSecret, cfg.Admin.Issuer, cfg.Admin.Audience, logger)
		server.MountAdmin(router, adminAuth)
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("gateway listening", "address", cfg.ListenAddress, "admin", cfg.AdminEnabled())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("serve gateway", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down gateway")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", "error", err)
	}
}

func credentialMap(cfg config.Config) map[string]auth.Credential {
	out := make(map[string]auth.Credential, len(cfg.APIKeys))
	for key, cred := range cfg.Credentials() {
		out[key] = auth.Credential{Secret: cred.Secret, Address: cred.Address}
	}
	return out
}
