// Package app wires the integops server runtime: config, logging, the identity
// directory and its store, the notification hub, and HTTP routes.
package app

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"integops/cmd/identity"
	"integops/cmd/internal/notify"
)

// App is the integops server runtime. It owns the HTTP server, the database
// pool, the directory and the notification hub.
type App struct {
	cfg Config
	log Logger

	dbPool  *pgxpool.Pool
	store   identity.Store
	breaker *identity.BreakerStore

	dir *identity.Directory
	hub *notify.Hub

	handler http.Handler
}

// New constructs a fully wired App from config and logger.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	a := &App{cfg: cfg, log: log}
	if err := a.openStore(ctx); err != nil {
		return nil, err
	}

	hasher, err := identity.Argon2idHasherFromEnv()
	if err != nil {
		a.closeStore()
		return nil, fmt.Errorf("password config: %w", err)
	}

	cache, err := identity.NewPrincipalCache(cfg.CacheSize)
	if err != nil {
		a.closeStore()
		return nil, err
	}

	a.dir, err = identity.NewDirectory(a.store, hasher,
		identity.WithCache(cache),
		identity.WithLogger(log),
		identity.WithMetrics(identity.NewMetrics(reg)),
	)
	if err != nil {
		a.closeStore()
		return nil, err
	}

	roles, _ := a.store.(identity.RoleStore)
	if err := bootstrapAdmin(ctx, cfg, a.dir, roles, log); err != nil {
		a.closeStore()
		return nil, err
	}

	notifyMetrics := notify.NewMetrics(reg)
	a.hub = notify.NewHub(log,
		notify.WithSendTimeout(cfg.BroadcastTimeout),
		notify.WithFanout(cfg.BroadcastFanout),
		notify.WithMetrics(notifyMetrics),
	)

	gwOpts := []notify.GatewayOption{notify.WithGatewayMetrics(notifyMetrics)}
	if cfg.WSRequireAuth {
		gwOpts = append(gwOpts, notify.WithAuthenticator(directoryAuthenticator{dir: a.dir}))
	}
	ws := notify.NewWSGateway(log, a.hub, cfg.WS, gwOpts...)

	deps := httpDeps{
		log:     log,
		cfg:     cfg,
		dbPool:  a.dbPool,
		dir:     a.dir,
		hub:     a.hub,
		ws:      ws,
		metrics: promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
	}
	if a.breaker != nil {
		deps.breaker = a.breaker
	}

	mux := http.NewServeMux()
	registerHTTP(mux, deps)
	a.handler = WithRequestLogging(WithSecurityHeaders(mux), log)

	return a, nil
}

// Handler returns the root HTTP handler (used by tests).
func (a *App) Handler() http.Handler { return a.handler }

// Directory returns the identity directory.
func (a *App) Directory() *identity.Directory { return a.dir }

// Hub returns the notification hub.
func (a *App) Hub() *notify.Hub { return a.hub }

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start", "addr", a.cfg.HTTPAddr, "db_enabled", a.dbPool != nil)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		a.Close()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Hijacked websocket connections are not tracked by Shutdown; closing the
	// hub first sends them a going-away frame.
	a.hub.Close()

	err := srv.Shutdown(shutdownCtx)
	if err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
	}
	a.closeStore()

	a.log.Info("server.stopped")
	return err
}

// Close releases the hub and store resources without running the server.
func (a *App) Close() {
	if a.hub != nil {
		a.hub.Close()
	}
	a.closeStore()
}

// openStore picks Postgres when a database URL is configured, else the in-memory store.
func (a *App) openStore(ctx context.Context) error {
	if a.cfg.DatabaseURL == "" {
		a.log.Info("db.disabled.inmemory_store")
		a.store = identity.NewInMemoryStore()
		return nil
	}

	pool, err := NewDBPool(ctx, a.cfg)
	if err != nil {
		return err
	}

	// The app owns the pool; PostgresStore.Close is a no-op.
	pg, err := identity.NewPostgresStore(pool, identity.WithSchema(a.cfg.DBSchema))
	if err != nil {
		pool.Close()
		return err
	}
	if a.cfg.DBMigrate {
		migrateCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		err := pg.Migrate(migrateCtx)
		cancel()
		if err != nil {
			pool.Close()
			return fmt.Errorf("migrate: %w", err)
		}
	}

	a.dbPool = pool
	a.store = pg
	if a.cfg.DBBreaker {
		a.breaker = identity.NewBreakerStore(pg, identity.BreakerSettings{
			ConsecutiveFails: breakerThreshold(a.cfg.DBBreakerFailures),
			OpenTimeout:      a.cfg.DBBreakerOpenDelay,
			Log:              a.log,
		})
		a.store = a.breaker
	}

	a.log.Info("db.enabled.postgres_store", "schema", a.cfg.DBSchema, "breaker", a.cfg.DBBreaker)
	return nil
}

func (a *App) closeStore() {
	if c, ok := a.store.(interface{ Close() error }); ok {
		if err := c.Close(); err != nil {
			a.log.Error("store.close.fail", "err", err)
		}
	}
	if a.dbPool != nil {
		a.dbPool.Close()
		a.dbPool = nil
	}
}

// breakerThreshold converts the configured failure count. Non-positive values
// map to 0, which selects the breaker's default threshold.
func breakerThreshold(n int) uint32 {
	if n <= 0 {
		return 0
	}
	if uint64(n) > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(n)
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
