package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/ILLUVRSE/antigravity/coder/internal/audit"
	"github.com/ILLUVRSE/antigravity/coder/internal/config"
	"github.com/ILLUVRSE/antigravity/coder/internal/httpserver"
	"github.com/ILLUVRSE/antigravity/coder/internal/sandbox"
	"github.com/ILLUVRSE/antigravity/coder/internal/service"
	"github.com/ILLUVRSE/antigravity/coder/internal/signing"
	"github.com/ILLUVRSE/antigravity/coder/internal/store"
)

const seedArtifact = "default"

func main() {
	addr := flag.String("addr", "", "listen address (overrides CODER_ADDR)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("store init", zap.Error(err))
	}
	defer closeStore()

	runner, err := buildRunner(cfg)
	if err != nil {
		logger.Fatal("sandbox init", zap.Error(err))
	}

	signer, err := signing.NewSignerFromConfig(cfg)
	if err != nil {
		logger.Fatal("signer init", zap.Error(err))
	}
	recent := audit.NewRecent(200)
	sinks, err := buildSinks(ctx, cfg, recent)
	if err != nil {
		logger.Fatal("event sinks init", zap.Error(err))
	}
	streamer := audit.NewStreamer(audit.NewChain(signer), sinks, audit.StreamerConfig{QueueSize: cfg.EventQueue}, logger)
	streamDone := make(chan struct{})
	go func() {
		defer close(streamDone)
		_ = streamer.Run(ctx)
	}()

	svc := service.New(st, runner, service.WithPublisher(streamer), service.WithLogger(logger))
	if cfg.SeedSource != "" {
		seeded, err := svc.Seed(ctx, seedArtifact, cfg.SeedSource)
		if err != nil {
			logger.Fatal("seed", zap.Error(err))
		}
		if seeded {
			logger.Info("seeded first version", zap.String("artifactId", seedArtifact))
		}
	}

	server := httpserver.New(cfg, svc, recent, logger)
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("coder service listening", zap.String("addr", cfg.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server error", zap.Error(err))
		}
	}()

	waitForShutdown(logger, cancel, httpServer)
	<-streamDone
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = lvl
	return zcfg.Build()
}

// openStore connects to Postgres when a database URL is configured and falls
// back to the in-memory store otherwise.
func openStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (store.Store, func(), error) {
	if cfg.DatabaseURL == "" {
		logger.Warn("no database configured, using in-memory store")
		return store.NewMemoryStore(), func() {}, nil
	}
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("db open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("db ping: %w", err)
	}
	st := store.NewPGStore(db)
	if err := st.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("ensure schema: %w", err)
	}
	return st, func() { db.Close() }, nil
}

func buildRunner(cfg config.Config) (sandbox.Runner, error) {
	var r sandbox.Runner
	if cfg.SandboxURL != "" {
		hr, err := sandbox.NewHTTPRunner(sandbox.HTTPRunnerConfig{
			BaseURL: cfg.SandboxURL,
			Timeout: cfg.ExecTimeout,
			Retries: 2,
		})
		if err != nil {
			return nil, err
		}
		r = hr
	} else {
		r = sandbox.NewYaegiRunner(sandbox.YaegiConfig{})
	}
	return sandbox.WithTimeout(r, cfg.ExecTimeout), nil
}

func buildSinks(ctx context.Context, cfg config.Config, recent *audit.Recent) ([]audit.Sink, error) {
	sinks := []audit.Sink{recent}
	if len(cfg.KafkaBrokers) > 0 {
		p, err := audit.NewKafkaProducer(audit.KafkaProducerConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopic,
		})
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, p)
	}
	if cfg.ArchiveBucket != "" {
		a, err := audit.NewS3Archiver(ctx, cfg.ArchiveBucket, strings.Trim(cfg.ArchivePrefix, "/"))
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, a)
	}
	return sinks, nil
}

func waitForShutdown(logger *zap.Logger, cancel context.CancelFunc, srv *http.Server) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("graceful shutdown failed", zap.Error(err))
	}
	cancel()
}
