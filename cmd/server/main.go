package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/atmx/staking-engine/internal/auth"
	"github.com/atmx/staking-engine/internal/config"
	"github.com/atmx/staking-engine/internal/farm"
	"github.com/atmx/staking-engine/internal/ledger"
	"github.com/atmx/staking-engine/internal/metrics"
	"github.com/atmx/staking-engine/internal/store"
)

func main() {
	root := &cobra.Command{
		Use:          "staking-engine",
		Short:        "Reward-per-share LP staking engine",
		SilenceUsage: true,
	}
	root.PersistentFlags().String("config", "", "config file path")
	root.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	root.PersistentFlags().String("database-url", "", "PostgreSQL connection string")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE:  runServe,
	}
	serveCmd.Flags().String("port", "8080", "HTTP listen port")
	serveCmd.Flags().String("redis-url", "", "Redis URL for the read-through cache (requires database-url)")
	serveCmd.Flags().Duration("cache-ttl", 30*time.Second, "Redis cache TTL")
	serveCmd.Flags().String("bolt-path", "", "bbolt file used when no database-url is set")
	serveCmd.Flags().Duration("slot-duration", farm.DefaultSlotDuration, "duration of one slot")
	serveCmd.Flags().String("genesis", config.DefaultGenesis, "RFC3339 time of slot 0")
	serveCmd.Flags().String("auth-secret", "", "HMAC secret for bearer tokens; empty trusts the X-Signer header")
	serveCmd.Flags().String("auth-issuer", "", "required token issuer")
	serveCmd.Flags().Bool("faucet", false, "enable POST /api/v1/ledger/mint")
	root.AddCommand(serveCmd)

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the PostgreSQL schema",
		RunE:  runMigrate,
	}
	root.AddCommand(migrateCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return config.Config{}, err
	}
	level, err := cfg.Level()
	if err != nil {
		return config.Config{}, err
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return cfg, nil
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.DatabaseURL == "" {
		return errors.New("database-url is required")
	}

	ctx := cmd.Context()
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer pool.Close()

	if err := store.NewPostgresStore(pool).Migrate(ctx); err != nil {
		return err
	}
	slog.Info("schema applied")
	return nil
}

// openStore picks PostgreSQL (optionally behind Redis), then bbolt, then
// the in-memory store.
func openStore(ctx context.Context, cfg config.Config) (store.Store, func(), error) {
	var cleanup []func()
	closeAll := func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}

	switch {
	case cfg.DatabaseURL != "":
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("database connection failed: %w", err)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			closeAll()
			return nil, nil, err
		}
		slog.Info("connected to PostgreSQL")

		var st store.Store = pg
		// Wrap with Redis read-through cache if configured.
		if cfg.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				closeAll()
				return nil, nil, fmt.Errorf("invalid redis-url: %w", err)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
			slog.Info("Redis cache enabled", "ttl", cfg.CacheTTL)
		}
		return st, closeAll, nil

	case cfg.BoltPath != "":
		bs, err := store.NewBoltStore(cfg.BoltPath, nil)
		if err != nil {
			return nil, nil, fmt.Errorf("open bolt store: %w", err)
		}
		slog.Info("using bbolt store", "path", cfg.BoltPath)
		return bs, func() { bs.Close() }, nil

	default:
		slog.Warn("no database-url or bolt-path set, using in-memory store (data will not persist)")
		return store.NewMemoryStore(), closeAll, nil
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	// Ledger accounts live next to the staking state so escrows survive a
	// restart; transfers are persisted by the commit of the operation that
	// made them.
	ml, err := ledger.Open(ctx, store.Primary(st))
	if err != nil {
		return err
	}
	slog.Info("token ledger loaded")

	clock := farm.NewSlotClock(cfg.Genesis, cfg.SlotDuration)

	// --- WebSocket hub ---
	wsHub := farm.NewWSHub()
	go wsHub.Run()

	// --- Staking engine ---
	engine := farm.NewEngine(st, ml, clock, wsHub)
	if err := engine.SyncGauges(ctx); err != nil {
		slog.Warn("gauge sync failed", "err", err)
	}
	svc := farm.NewService(engine, ml, cfg.Faucet)

	authn := auth.NewAuthenticator(auth.Config{HMACSecret: cfg.AuthSecret, Issuer: cfg.AuthIssuer})
	if authn.DevMode() {
		slog.Warn("auth-secret not set, trusting the X-Signer header")
	}

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+auth.SignerHeader)
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","service":"staking-engine","slot":%d}`, clock.Now())
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for the event stream. Long-lived, so outside
		// the request timeout.
		r.Get("/ws", wsHub.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			r.Use(authn.Middleware)
			svc.Routes(r)
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		slog.Info("staking-engine listening", "port", cfg.Port, "slot", clock.Now())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errc:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down staking-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	slog.Info("staking-engine stopped")
	return nil
}
