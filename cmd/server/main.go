package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/perp-engine/internal/assets"
	s3blob "github.com/atmx/perp-engine/internal/blob/s3"
	"github.com/atmx/perp-engine/internal/clearinghouse"
	"github.com/atmx/perp-engine/internal/config"
	"github.com/atmx/perp-engine/internal/correlation"
	"github.com/atmx/perp-engine/internal/exchange"
	"github.com/atmx/perp-engine/internal/fixed"
	"github.com/atmx/perp-engine/internal/metrics"
	"github.com/atmx/perp-engine/internal/oracle"
	"github.com/atmx/perp-engine/internal/store"
	"github.com/atmx/perp-engine/internal/vamm"
)

func main() {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("perp-engine exited", "err", err)
		os.Exit(1)
	}
	fmt.Println("perp-engine stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	// --- Initialize store ---
	var st store.Store
	var cleanup []func()
	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	if cfg.Postgres.DSN != "" {
		pool, err := pgxpool.New(ctx, cfg.Postgres.DSN)
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if cfg.Postgres.RunMigrations {
			if err := pg.Migrate(ctx); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
		}
		st = pg
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.Redis.URL != "" {
			opt, err := redis.ParseURL(cfg.Redis.URL)
			if err != nil {
				return fmt.Errorf("invalid redis url: %w", err)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.Redis.CacheTTL.Duration)
			slog.Info("Redis cache enabled")
		}
	} else {
		slog.Warn("postgres dsn not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// --- Assets and oracle ---
	ledger := assets.NewLedger(assets.Asset(cfg.Engine.CollateralAsset))
	for _, a := range cfg.Engine.Assets {
		ledger.Register(assets.Asset(a))
	}
	seeds := make(map[assets.Asset]fixed.FixedU128, len(cfg.Engine.IndexPrices))
	for a, p := range cfg.Engine.IndexPrices {
		v, err := fixed.FixedFromDecimal(p)
		if err != nil {
			return fmt.Errorf("index price %s: %w", a, err)
		}
		seeds[assets.Asset(a)] = v
	}
	orc := oracle.NewStatic(seeds)

	// --- Clearing house ---
	imr, err := fixed.FixedFromDecimal(cfg.Engine.InitialMarginRatio)
	if err != nil {
		return fmt.Errorf("initial margin ratio: %w", err)
	}
	chCfg := clearinghouse.Config{
		CollateralAsset:    assets.Asset(cfg.Engine.CollateralAsset),
		CustodyAccount:     assets.Account(cfg.Engine.CustodyAccount),
		InsuranceAccount:   assets.Account(cfg.Engine.InsuranceAccount),
		InitialMarginRatio: imr,
	}
	if chCfg.Limiter, err = positionLimiter(cfg.Limits); err != nil {
		return err
	}

	depth, err := fixed.BalanceFromDecimal(cfg.Engine.DefaultDepth)
	if err != nil {
		return fmt.Errorf("default depth: %w", err)
	}

	// --- WebSocket hub ---
	wsHub := exchange.NewWSHub()

	opts := exchange.Options{
		DefaultDepth:      depth,
		DefaultTwapPeriod: vamm.Moment(cfg.Engine.TwapPeriodSeconds()),
		Faucet:            cfg.Engine.Faucet,
		Hub:               wsHub,
	}

	// --- Snapshot archive ---
	if cfg.S3.Bucket != "" {
		client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fmt.Errorf("s3 client: %w", err)
		}
		if err := client.Health(ctx); err != nil {
			slog.Warn("snapshot bucket not reachable", "bucket", client.Bucket(), "err", err)
		}
		opts.Archive = s3blob.NewWriter(client, cfg.S3.Prefix)
		slog.Info("snapshot archive enabled", "bucket", client.Bucket(), "prefix", cfg.S3.Prefix)
	}

	// --- Exchange service ---
	svc, err := exchange.NewService(chCfg, ledger, orc, st, opts)
	if err != nil {
		return err
	}
	if err := svc.Restore(ctx); err != nil {
		return fmt.Errorf("restore: %w", err)
	}

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)
	r.Use(cors(cfg.Server.CORSOrigins))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"perp-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", svc.Routes)

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout.Duration,
		WriteTimeout: cfg.Server.WriteTimeout.Duration,
		IdleTimeout:  60 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return wsHub.Run(ctx)
	})
	if opts.Archive != nil && cfg.S3.SnapshotInterval.Duration > 0 {
		g.Go(func() error {
			return svc.RunArchiver(ctx, cfg.S3.SnapshotInterval.Duration)
		})
	}
	g.Go(func() error {
		slog.Info("perp-engine listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown.
	g.Go(func() error {
		<-ctx.Done()
		slog.Info("shutting down perp-engine...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "err", err)
		}
		if opts.Archive != nil {
			if _, err := svc.ArchiveSnapshot(shutdownCtx); err != nil {
				slog.Error("final snapshot failed", "err", err)
			}
		}
		return nil
	})

	return g.Wait()
}

// positionLimiter builds the notional caps. Nil when both caps are zero.
func positionLimiter(cfg config.LimitsConfig) (*correlation.PositionLimiter, error) {
	if cfg.MaxPerMarket.IsZero() && cfg.MaxCorrelated.IsZero() {
		return nil, nil
	}
	perMarket, err := fixed.BalanceFromDecimal(cfg.MaxPerMarket)
	if err != nil {
		return nil, fmt.Errorf("limits.max_per_market: %w", err)
	}
	correlated, err := fixed.BalanceFromDecimal(cfg.MaxCorrelated)
	if err != nil {
		return nil, fmt.Errorf("limits.max_correlated: %w", err)
	}
	return correlation.NewPositionLimiter(perMarket, correlated), nil
}

// cors allows cross-origin requests from origins; "*" allows any.
func cors(origins []string) func(http.Handler) http.Handler {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[strings.TrimSpace(o)] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			switch {
			case allowed["*"]:
				w.Header().Set("Access-Control-Allow-Origin", "*")
			case origin != "" && allowed[origin]:
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
