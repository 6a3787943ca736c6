// Package app wires the Libris chat server runtime: config, logging, persistence, HTTP routes,
// and the realtime gateway.
package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"libris/cmd/internal/chat"
	chatapi "libris/cmd/internal/chat/api"
	"libris/cmd/internal/identity"
	"libris/cmd/internal/realtime"
	"libris/cmd/internal/telemetry"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

// App is the Libris server runtime: it owns resources and HTTP server wiring.
type App struct {
	cfg Config
	log Logger

	metrics *telemetry.Metrics

	dbPool *pgxpool.Pool
	redis  *redis.Client

	store chat.Store
	svc   *chat.Service
	hub   *realtime.Hub
	ws    *realtime.WSGateway
	api   *chatapi.Handler
}

// New constructs a fully wired App instance from config and logger.
// On error every resource acquired so far is released.
func New(ctx context.Context, cfg Config, log Logger) (_ *App, err error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	a := &App{cfg: cfg, log: log}
	defer func() {
		if err != nil {
			a.closeResources()
		}
	}()

	if cfg.MetricsEnabled {
		a.metrics = telemetry.New()
	}

	dir, err := a.openStorage(ctx)
	if err != nil {
		return nil, err
	}

	staff, err := chat.NewStaffPolicy(cfg.StaffRoles...)
	if err != nil {
		return nil, err
	}

	verifier, err := identity.NewVerifier(cfg.Token)
	if err != nil {
		return nil, err
	}

	a.hub = realtime.NewHub(log, realtime.WithHubMetrics(a.metrics))

	a.svc, err = chat.NewService(log, a.store, a.store, a.hub,
		chat.WithStaffPolicy(staff),
		chat.WithDirectory(dir),
		chat.WithPublishTimeout(cfg.ChatPublishTimeout),
		chat.WithMetrics(a.metrics),
	)
	if err != nil {
		return nil, err
	}

	a.api, err = chatapi.NewHandler(log, a.svc, verifier, chatapi.LoadConfigFromEnv())
	if err != nil {
		return nil, err
	}

	a.ws, err = realtime.NewWSGateway(log, a.hub, a.svc, verifier, realtime.LoadGatewayConfigFromEnv(),
		realtime.WithGatewayMetrics(a.metrics),
	)
	if err != nil {
		return nil, err
	}

	return a, nil
}

// openStorage selects Postgres or in-memory persistence and builds the display-name directory.
func (a *App) openStorage(ctx context.Context) (identity.Directory, error) {
	cfg, log := a.cfg, a.log

	var dir identity.Directory
	if cfg.DatabaseURL == "" {
		log.Info("db.disabled.inmemory_store")
		a.store = chat.NewInMemoryStore()
		dir = identity.NewInMemoryDirectory(nil)
	} else {
		pool, err := NewDBPool(ctx, cfg)
		if err != nil {
			return nil, err
		}
		a.dbPool = pool

		st, err := chat.NewPostgresStore(pool, chat.WithSchema(cfg.DBSchema))
		if err != nil {
			return nil, err
		}
		if cfg.DBAutoMigrate {
			if err := st.ApplySchema(ctx); err != nil {
				return nil, err
			}
			log.Info("db.schema.applied", "schema", cfg.DBSchema)
		}
		a.store = st

		pd, err := identity.NewPostgresDirectory(pool, identity.WithDirectorySchema(cfg.DBSchema))
		if err != nil {
			return nil, err
		}
		dir = pd
		log.Info("db.enabled.postgres_store", "schema", cfg.DBSchema)
	}

	if cfg.RedisURL != "" {
		rc, err := identity.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		a.redis = rc
		dir = identity.NewCachedDirectory(log, rc, dir, cfg.AccountCacheTTL)
		log.Info("redis.enabled.account_cache", "ttl", cfg.AccountCacheTTL.String())
	}

	return dir, nil
}

// Handler builds the full HTTP handler chain.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.cfg, a.dbPool, a.metrics, a.ws, a.api)

	var h http.Handler = mux
	h = WithCORS(h, a.cfg, a.log)
	h = WithSecurityHeaders(h)
	h = WithRequestLogging(h, a.log, a.metrics)
	h = WithRequestID(h)
	return h
}

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	base := runtimeBaseURL(a.cfg.HTTPAddr)
	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"base_url", base,
		"ws_url", wsBaseURL(base)+"/ws",
		"db_enabled", a.dbPool != nil,
		"redis_enabled", a.redis != nil,
		"metrics_enabled", a.metrics != nil,
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("server.fail", "err", err)
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("server.stop", "reason", "context_done")

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()

		var errs []error
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Error("server.shutdown.fail", "err", err)
			errs = append(errs, err)
		}
		if err := a.svc.Flush(shutdownCtx); err != nil {
			a.log.Warn("chat.flush.fail", "err", err)
		}
		return errors.Join(errs...)
	})

	err := g.Wait()
	a.closeResources()
	if err == nil {
		a.log.Info("server.stopped")
	}
	return err
}

func (a *App) closeResources() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Error("store.close.fail", "err", err)
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.Error("redis.close.fail", "err", err)
		}
		a.redis = nil
	}
	if a.dbPool != nil {
		a.dbPool.Close()
		a.dbPool = nil
	}
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
