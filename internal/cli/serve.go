package cli

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/atmx/market-sync/internal/config"
	"github.com/atmx/market-sync/internal/metrics"
	"github.com/atmx/market-sync/internal/mirror"
	"github.com/atmx/market-sync/internal/store"
	"github.com/atmx/market-sync/internal/stream"
	"github.com/atmx/market-sync/internal/venue"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Mirror the venue stream and serve the local read API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup(os.Stdout)
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()
			return serve(ctx, cfg)
		},
	}
}

func serve(ctx context.Context, cfg config.Config) error {
	slog.Info("starting market-sync", "config", cfg.String())

	// --- Initialize store ---
	st, cleanup, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	// --- Feed ---
	var feed stream.Feed
	var rest mirror.Venue
	switch cfg.FeedMode {
	case config.FeedMock:
		feed = stream.NewMockFeed(stream.MockConfig{Interval: cfg.MockInterval, Seed: cfg.MockSeed})
		slog.Warn("FEED_MODE=mock, serving synthetic data")
	default:
		feed = stream.NewClient(stream.Options{Transport: cfg.Transport()})
		rest = venue.New(cfg.VenueBaseURL, cfg.HTTPTimeout)
	}

	// --- WebSocket hub ---
	hub := mirror.NewHub(nil)
	go hub.Run(ctx)

	// --- Mirror service ---
	svc := mirror.NewService(st, rest, feed, hub, mirror.Options{Depth: cfg.BookDepth})
	if err := svc.Seed(ctx); err != nil {
		slog.Warn("starting with partial snapshots", "err", err)
	}
	if err := svc.Start(ctx); err != nil {
		slog.Warn("stream not connected yet, retrying in background", "err", err)
	}
	defer svc.Stop()

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS for local UIs on another origin.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", svc.Health)
	r.Handle("/metrics", metrics.Handler())
	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for live mirror updates.
		r.Get("/ws", hub.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			svc.Routes(r)
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     r,
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		slog.Info("market-sync listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errc:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down market-sync...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	return nil
}

// openStore picks Postgres when DATABASE_URL is set, optionally fronted by
// Redis, and the in-memory store otherwise.
func openStore(ctx context.Context, cfg config.Config) (store.Store, func(), error) {
	var cleanup []func()
	done := func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}

	if cfg.DatabaseURL == "" {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		return store.NewMemoryStore(), done, nil
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, done, err
	}
	cleanup = append(cleanup, pool.Close)
	pg := store.NewPostgresStore(pool)
	if err := pg.Migrate(ctx); err != nil {
		done()
		return nil, func() {}, err
	}
	slog.Info("connected to PostgreSQL")

	var st store.Store = pg
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			done()
			return nil, func() {}, err
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
		slog.Info("Redis cache enabled", "ttl", cfg.CacheTTL)
	}
	return st, done, nil
}
