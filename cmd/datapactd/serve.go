package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/datapact/core/pkg/anchor"
	"github.com/datapact/core/pkg/audit"
	"github.com/datapact/core/pkg/config"
	"github.com/datapact/core/pkg/observability"
	"github.com/datapact/core/pkg/platform"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const anchorInterval = time.Hour

func runServe(stdout, stderr io.Writer) int {
	_ = godotenv.Load()
	ctx := context.Background()

	cfg := config.Load()
	logger := newLogger(stderr, cfg.LogLevel)
	slog.SetDefault(logger)

	var obs *observability.Provider
	if cfg.OTLPEndpoint != "" {
		obsCfg := observability.DefaultConfig()
		obsCfg.Environment = cfg.Env
		obsCfg.ServiceVersion = strings.TrimPrefix(version, "v")
		obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
		obsCfg.Insecure = !cfg.Strict()
		p, err := observability.New(ctx, obsCfg)
		if err != nil {
			fmt.Fprintf(stderr, "observability init failed: %v\n", err)
			return 1
		}
		obs = p
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = obs.Shutdown(shutdownCtx)
		}()
	}

	opts := platform.Options{Logger: logger}

	if cfg.DatabaseDSN != "" {
		db, err := sql.Open("postgres", cfg.DatabaseDSN)
		if err != nil {
			fmt.Fprintf(stderr, "open postgres: %v\n", err)
			return 1
		}
		defer func() { _ = db.Close() }()
		if err := db.PingContext(ctx); err != nil {
			fmt.Fprintf(stderr, "postgres ping: %v\n", err)
			return 1
		}
		logger.Info("postgres connected")
		opts.DB = db
	} else {
		logger.Info("DATAPACT_DB_DSN not set, running with in-process stores")
	}

	auditDB, auditStore, err := openAuditStore(auditDBPath())
	if err != nil {
		fmt.Fprintf(stderr, "open audit store: %v\n", err)
		return 1
	}
	defer func() { _ = auditDB.Close() }()
	opts.AuditStore = auditStore

	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			fmt.Fprintf(stderr, "redis ping: %v\n", err)
			return 1
		}
		defer func() { _ = rdb.Close() }()
		logger.Info("redis connected", "addr", cfg.RedisAddr)
		opts.Redis = rdb
	}

	publisher, err := anchor.NewPublisher(ctx, anchor.Config{
		Provider: anchor.Provider(cfg.AnchorProvider),
		Bucket:   cfg.AnchorBucket,
	})
	if err != nil {
		fmt.Fprintf(stderr, "anchor publisher: %v\n", err)
		return 1
	}
	opts.AnchorPublisher = publisher

	core, err := platform.New(cfg, opts)
	if err != nil {
		fmt.Fprintf(stderr, "platform init: %v\n", err)
		return 1
	}
	if err := core.Start(ctx); err != nil {
		fmt.Fprintf(stderr, "platform start: %v\n", err)
		return 1
	}

	anchorCtx, stopAnchoring := context.WithCancel(ctx)
	go anchorLoop(anchorCtx, core, obs, logger)

	fmt.Fprintf(stdout, "datapactd %s ready (env=%s)\n", version, cfg.Env)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	stopAnchoring()
	core.Stop()
	return 0
}

// anchorLoop periodically binds unanchored receipts to a Merkle root and
// publishes it. An empty chain interval is not an error.
func anchorLoop(ctx context.Context, core *platform.Platform, obs *observability.Provider, logger *slog.Logger) {
	ticker := time.NewTicker(anchorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		opCtx := ctx
		done := func(error) {}
		if obs != nil {
			opCtx, done = obs.TrackOperation(ctx, "audit.anchor_batch")
		}
		batch, err := core.Anchorer.AnchorBatch(opCtx)
		switch {
		case errors.Is(err, audit.ErrNothingToAnchor):
			done(nil)
		case err != nil:
			done(err)
			logger.Error("anchor batch failed", "error", err)
		default:
			done(nil)
			logger.Info("anchored receipts", "batch", batch.ID,
				"root", batch.Root, "count", batch.ReceiptCount, "ref", batch.ExternalRef)
		}
	}
}

func auditDBPath() string {
	if p := os.Getenv("DATAPACT_AUDIT_DB"); p != "" {
		return p
	}
	return filepath.Join("data", "audit.db")
}

func openAuditStore(path string) (*sql.DB, *audit.SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, nil, fmt.Errorf("create data dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, nil, fmt.Errorf("open sqlite: %w", err)
	}
	// The chain has a single writer; sqlite gets one connection.
	db.SetMaxOpenConns(1)
	store, err := audit.NewSQLiteStore(db)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return db, store, nil
}

func newLogger(w io.Writer, level string) *slog.Logger {
	var lv slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lv = slog.LevelDebug
	case "WARN":
		lv = slog.LevelWarn
	case "ERROR":
		lv = slog.LevelError
	default:
		lv = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lv}))
}
