package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lutherie-works/rmos/pkg/advisory"
	"github.com/lutherie-works/rmos/pkg/api"
	"github.com/lutherie-works/rmos/pkg/auth"
	"github.com/lutherie-works/rmos/pkg/config"
	"github.com/lutherie-works/rmos/pkg/engines"
	"github.com/lutherie-works/rmos/pkg/feasibility"
	"github.com/lutherie-works/rmos/pkg/feedback"
	"github.com/lutherie-works/rmos/pkg/ledger"
	"github.com/lutherie-works/rmos/pkg/observability"
	"github.com/lutherie-works/rmos/pkg/pipeline"
	"github.com/lutherie-works/rmos/pkg/sandbox"
	"github.com/lutherie-works/rmos/pkg/store"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

func runServe(stdout, stderr io.Writer) int {
	cfg := config.Load()
	log := newLogger(stderr, cfg.LogLevel)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.JWTSecret == "" {
		fmt.Fprintln(stderr, "JWT_SECRET is required; approvals cannot be authenticated without it")
		return 2
	}

	backend, closeBackend, err := buildBackend(ctx, cfg, log)
	if err != nil {
		log.Error("backend init failed", "error", err)
		return 1
	}
	defer closeBackend()

	// Every artifact write flows through the hash-chained audit log.
	auditLog := ledger.New()
	backend.Artifacts = ledger.Wrap(backend.Artifacts, auditLog)

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    "rmos-node",
		ServiceVersion: "1.0.0",
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.OTelEndpoint,
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        cfg.OTelEnabled,
		Insecure:       cfg.Environment == "development",
	})
	if err != nil {
		log.Error("observability init failed", "error", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	reg := engines.NewRegistry()
	if err := reg.Register(engines.SawBatchEngine{}); err != nil {
		log.Error("engine registration failed", "error", err)
		return 1
	}
	if err := reg.Register(engines.RosetteEngine{}); err != nil {
		log.Error("engine registration failed", "error", err)
		return 1
	}

	feas := feasibility.New()
	pcfg, err := cfg.PipelineConfig()
	if err != nil {
		log.Error("pipeline config failed", "error", err)
		return 1
	}

	orch, err := pipeline.New(backend, feas, reg, pcfg, log)
	if err != nil {
		log.Error("orchestrator init failed", "error", err)
		return 1
	}
	adv := advisory.NewService(backend, log)

	var policy *feedback.Policy
	if cfg.PolicyExpr != "" {
		policy, err = feedback.NewPolicy(cfg.PolicyExpr)
		if err != nil {
			log.Error("learning policy compile failed", "expr", cfg.PolicyExpr, "error", err)
			return 1
		}
	}
	fb, err := feedback.NewService(backend, pcfg, policy, log)
	if err != nil {
		log.Error("feedback service init failed", "error", err)
		return 1
	}

	verifier := auth.NewVerifier([]byte(cfg.JWTSecret), cfg.JWTIssuer)
	limiter, err := buildLimiter(cfg)
	if err != nil {
		log.Error("rate limiter init failed", "error", err)
		return 1
	}

	srv, err := api.NewServer(orch, adv, fb, backend, verifier, feas, reg, limiter,
		[]api.DeprecationSuccessor{{
			Prefix:          "/api/art-studio/",
			SuccessorPrefix: "/api/art",
			LaneKey:         "legacy_art_studio_lane",
			SunsetDate:      cfg.DeprecationSunsetDate,
		}}, log)
	if err != nil {
		log.Error("server init failed", "error", err)
		return 1
	}

	host, err := sandbox.NewWASIHost(ctx, backend.Blobs, sandbox.DefaultLimits())
	if err != nil {
		log.Error("producer sandbox init failed", "error", err)
		return 1
	}
	defer func() { _ = host.Close(context.Background()) }()
	srv.SetProducerHost(host)

	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           obs.HTTPMiddleware(srv.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server listening", "addr", httpSrv.Addr)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Error("shutdown failed", "error", err)
			return 1
		}
		return 0
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			log.Error("server failed", "error", err)
			return 1
		}
		return 0
	}
}

// buildBackend opens the artifact store named by the configuration.
// DATABASE_URL selects Postgres; otherwise a local SQLite file is used.
func buildBackend(ctx context.Context, cfg *config.Config, log *slog.Logger) (store.Backend, func(), error) {
	blobs, err := buildBlobStore(ctx, cfg)
	if err != nil {
		return store.Backend{}, nil, err
	}

	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return store.Backend{}, nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return store.Backend{}, nil, fmt.Errorf("ping postgres: %w", err)
		}
		pg := store.NewPostgresStore(db)
		if err := pg.Init(ctx); err != nil {
			db.Close()
			return store.Backend{}, nil, fmt.Errorf("init postgres: %w", err)
		}
		log.Info("artifact store ready", "backend", "postgres")
		return pg.Backend(blobs), func() { db.Close() }, nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755); err != nil {
		return store.Backend{}, nil, fmt.Errorf("create data dir: %w", err)
	}
	db, err := sql.Open("sqlite", cfg.SQLitePath)
	if err != nil {
		return store.Backend{}, nil, fmt.Errorf("open sqlite: %w", err)
	}
	sq, err := store.NewSQLiteStore(db)
	if err != nil {
		db.Close()
		return store.Backend{}, nil, fmt.Errorf("init sqlite: %w", err)
	}
	log.Info("artifact store ready", "backend", "sqlite", "path", cfg.SQLitePath)
	return sq.Backend(blobs), func() { db.Close() }, nil
}

func buildBlobStore(ctx context.Context, cfg *config.Config) (store.BlobStore, error) {
	if cfg.BlobBackend == "file" {
		return store.NewFileBlobStore(cfg.BlobDir)
	}
	return store.NewBlobStoreFromEnv(ctx)
}

func buildLimiter(cfg *config.Config) (api.Limiter, error) {
	if cfg.RedisURL == "" {
		return api.NewLocalLimiter(50, 100), nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	return api.NewRedisLimiter(redis.NewClient(opts), 600, time.Minute), nil
}

func newLogger(w io.Writer, level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
}
