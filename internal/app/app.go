package app

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ayo6706/ledger-service/internal/api"
	"github.com/ayo6706/ledger-service/internal/api/middleware"
	"github.com/ayo6706/ledger-service/internal/api/ws"
	"github.com/ayo6706/ledger-service/internal/cache"
	"github.com/ayo6706/ledger-service/internal/config"
	"github.com/ayo6706/ledger-service/internal/expiry"
	"github.com/ayo6706/ledger-service/internal/ledger"
	"github.com/ayo6706/ledger-service/internal/notify"
	"github.com/ayo6706/ledger-service/internal/observability"
	"github.com/ayo6706/ledger-service/internal/store"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Run bootstraps the HTTP server, the expiry monitor and the notification
// worker pool, blocking until shutdown.
func Run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)
	observability.Init()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer s.Close()

	engine := ledger.NewEngine(s, cfg.BaseURI, logger)

	var replay *cache.Replay
	if cfg.IdempotencyCache {
		redisClient, err := newRedisClient(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer redisClient.Close()
		replay = cache.NewReplay(redisClient, cfg.IdempotencyTTL)
	}

	revoked, err := loadRevokedSerials(cfg.TLSCRLFile)
	if err != nil {
		return fmt.Errorf("load CRL: %w", err)
	}
	gate := middleware.NewAuthGate(engine).
		WithJWT(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTAudience, cfg.TokenTTL).
		WithBootstrapAdmin(cfg.AdminUser, cfg.AdminPassword).
		WithRevokedSerials(revoked)

	hub := ws.NewHub(logger)
	monitor := expiry.NewMonitor(engine, logger)
	worker := notify.NewWorker(s, logger).
		WithWorkers(cfg.NotifyWorkers).
		WithMaxAttempts(cfg.NotifyMaxAttempts).
		WithBackoff(cfg.NotifyBackoffBase, cfg.NotifyBackoffCap).
		WithHTTPTimeout(cfg.NotifyHTTPTimeout).
		WithHMACKey(cfg.NotifyHMACKey)

	engine.SetHooks(ledger.Hooks{
		OnExpiry:  monitor.Notify,
		OnEnqueue: worker.Wake,
		OnTransfer: func(ev ledger.TransferEvent) {
			hub.Publish(ev.Accounts, ws.TransferEvent(engine.TransferURI(ev.Transfer.ID), ev.Transfer))
		},
	})

	stopMonitor := monitor.Run(ctx)
	stopWorker := worker.Run(ctx)
	logger.Info("workers started",
		zap.Int("notify_workers", cfg.NotifyWorkers),
		zap.String("store_driver", cfg.StoreDriver),
	)

	router := api.NewRouter(cfg, logger, engine, s, gate, hub, replay)

	server := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      router.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		if cfg.TLSCertFile != "" {
			tlsConfig, err := newTLSConfig(cfg)
			if err != nil {
				serverErr <- err
				return
			}
			server.TLSConfig = tlsConfig
			logger.Info("https server starting", zap.String("port", cfg.HTTPPort))
			serverErr <- server.ListenAndServeTLS(cfg.TLSCertFile, cfg.TLSKeyFile)
			return
		}
		logger.Info("http server starting", zap.String("port", cfg.HTTPPort))
		serverErr <- server.ListenAndServe()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("stopping workers")
	stopMonitor()
	stopWorker()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return nil
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.StoreDriver {
	case "postgres":
		return store.OpenPostgres(ctx, cfg.DatabaseURL)
	default:
		return store.NewMemory(), nil
	}
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	switch strings.ToLower(level) {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info", "":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	return cfg.Build()
}

func newRedisClient(url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

// newTLSConfig requests, but does not require, client certificates; the auth
// gate enforces authorization above the TLS layer.
func newTLSConfig(cfg *config.Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ClientAuth: tls.VerifyClientCertIfGiven,
	}
	if cfg.TLSCAFile != "" {
		caPEM, err := os.ReadFile(cfg.TLSCAFile)
		if err != nil {
			return nil, fmt.Errorf("read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("no certificates found in %s", cfg.TLSCAFile)
		}
		tlsConfig.ClientCAs = pool
	}
	return tlsConfig, nil
}

// loadRevokedSerials parses a PEM or DER encoded CRL into the serial set the
// auth gate checks client certificates against.
func loadRevokedSerials(path string) ([]string, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read CRL file: %w", err)
	}
	if block, _ := pem.Decode(raw); block != nil {
		raw = block.Bytes
	}
	crl, err := x509.ParseRevocationList(raw)
	if err != nil {
		return nil, fmt.Errorf("parse CRL: %w", err)
	}
	serials := make([]string, 0, len(crl.RevokedCertificateEntries))
	for _, entry := range crl.RevokedCertificateEntries {
		serials = append(serials, entry.SerialNumber.Text(16))
	}
	return serials, nil
}
