// Package app wires the signalhub server runtime: config, logging, stores,
// the HTTP surface, the session-events stream and background workers.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/dagz55/d-gateway-sub002/cmd/internal/alert"
	"github.com/dagz55/d-gateway-sub002/cmd/internal/auth/credential"
	"github.com/dagz55/d-gateway-sub002/cmd/internal/auth/device"
	"github.com/dagz55/d-gateway-sub002/cmd/internal/auth/refresh"
	"github.com/dagz55/d-gateway-sub002/cmd/internal/auth/session"
	"github.com/dagz55/d-gateway-sub002/cmd/internal/gateway"
	"github.com/dagz55/d-gateway-sub002/cmd/internal/metrics"
	"github.com/dagz55/d-gateway-sub002/cmd/internal/ratelimit"
	"github.com/dagz55/d-gateway-sub002/cmd/internal/realtime"
	"github.com/dagz55/d-gateway-sub002/cmd/security/token"
)

// App is the signalhub runtime. It owns every long-lived resource.
type App struct {
	cfg Config
	log Logger

	pool  *pgxpool.Pool
	redis *redis.Client

	metrics  *metrics.Metrics
	families refresh.Store
	sessions *session.Coordinator
	devices  *device.Registry
	hub      *realtime.Hub

	handler http.Handler

	// closers run in reverse order on shutdown.
	closers []func() error
}

// New builds a fully wired App. On error every resource acquired so far is
// released.
func New(ctx context.Context, cfg Config, log Logger) (a *App, err error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat, nil)
	}
	a = &App{cfg: cfg, log: log}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	keys, err := token.DeriveKeys(cfg.MasterKey)
	if err != nil {
		return nil, err
	}

	if a.metrics, err = metrics.New(nil, true); err != nil {
		return nil, err
	}

	sessStore, devStore, err := a.openStores(ctx)
	if err != nil {
		return nil, err
	}

	alerts, err := a.alertSink()
	if err != nil {
		return nil, err
	}

	limiterStore, err := a.limiterStore(ctx)
	if err != nil {
		return nil, err
	}

	refreshHasher, err := token.NewHasher(keys.RefreshHash)
	if err != nil {
		return nil, err
	}
	fpHasher, err := token.NewHasher(keys.Fingerprint)
	if err != nil {
		return nil, err
	}
	codeHasher, err := token.NewHasher(keys.DeviceCode)
	if err != nil {
		return nil, err
	}

	credCfg := credential.DefaultConfig()
	credCfg.Issuer = cfg.TokenIssuer
	credCfg.Audience = cfg.TokenAudience
	credCfg.AccessTokenTTL = cfg.AccessTokenTTL
	credCfg.RefreshTokenTTL = cfg.RefreshTokenTTL
	issuer, err := credential.NewIssuer(credCfg, keys.AccessSigning, refreshHasher)
	if err != nil {
		return nil, fmt.Errorf("credential issuer: %w", err)
	}

	a.hub = realtime.NewHub(log, a.metrics)

	sessCfg := session.DefaultConfig()
	sessCfg.SessionTTL = cfg.SessionTTL
	sessCfg.SchedulerInterval = cfg.SchedulerInterval
	a.sessions, err = session.NewCoordinator(sessCfg, sessStore, a.families, log,
		session.WithNotifier(a.hub),
		session.WithRecorder(a.metrics),
	)
	if err != nil {
		return nil, fmt.Errorf("session coordinator: %w", err)
	}

	a.devices, err = device.NewRegistry(device.DefaultConfig(), devStore, device.NewFingerprinter(fpHasher),
		codeHasher, device.NoopCodeSender{}, a.sessions, log)
	if err != nil {
		return nil, fmt.Errorf("device registry: %w", err)
	}

	rlCfg := ratelimit.DefaultConfig()
	rlCfg.Auth.Limit = cfg.RateLimitAuthPerMinute
	rlCfg.Admin.Limit = cfg.RateLimitAdminPerMinute
	rlCfg.API.Limit = cfg.RateLimitAPIPerMinute
	rlCfg.PenaltyDuration = cfg.RateLimitPenalty
	limiter, err := ratelimit.New(rlCfg, limiterStore, alerts, log, ratelimit.WithRecorder(a.metrics))
	if err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	gwCfg := gateway.DefaultConfig()
	gwCfg.TrustProxy = cfg.TrustProxy
	gwCfg.MaxBodyBytes = cfg.MaxBodyBytes
	gwCfg.InternalKey = cfg.InternalKey
	gwCfg.FamilyMaxLifetime = cfg.FamilyMaxLifetime
	gwCfg.ReplayRevokesAllSessions = cfg.ReplayRevokesAllSessions
	svc, err := gateway.NewService(gwCfg, gateway.Deps{
		Issuer:   issuer,
		Families: a.families,
		Sessions: a.sessions,
		Devices:  a.devices,
		Alerts:   alerts,
	}, log, gateway.WithRecorder(a.metrics))
	if err != nil {
		return nil, fmt.Errorf("gateway: %w", err)
	}

	wsCfg := realtime.DefaultConfig()
	if len(cfg.WSAllowedOrigins) > 0 {
		wsCfg.AllowedOrigins = cfg.WSAllowedOrigins
	}
	wsCfg.DevInsecure = cfg.WSDevInsecure
	ws := realtime.NewWSGateway(wsCfg, a.hub, svc, log)

	api, err := gateway.NewHandler(svc, limiter, log, gateway.WithStream(ws))
	if err != nil {
		return nil, err
	}
	a.handler = a.routes(api)
	return a, nil
}

// openStores selects Postgres when a database is configured and in-memory
// stores otherwise.
func (a *App) openStores(ctx context.Context) (session.Store, device.Store, error) {
	if a.cfg.DatabaseURL == "" {
		a.log.Warn("db.disabled.inmemory_store")
		a.families = refresh.NewMemoryStore()
		return session.NewMemoryStore(), device.NewMemoryStore(), nil
	}

	pool, err := NewDBPool(ctx, a.cfg, a.log)
	if err != nil {
		return nil, nil, fmt.Errorf("database: %w", err)
	}
	a.pool = pool
	a.closers = append(a.closers, func() error { pool.Close(); return nil })
	a.log.Info("db.enabled.postgres_store")

	a.families = refresh.NewPostgresStore(pool)
	return session.NewPostgresStore(pool), device.NewPostgresStore(pool), nil
}

func (a *App) alertSink() (alert.Sink, error) {
	sinks := alert.Multi{alert.NewLogSink(a.log)}
	if len(a.cfg.KafkaBrokers) == 0 {
		return sinks, nil
	}
	k, err := alert.NewKafkaSink(alert.KafkaConfig{
		Brokers: a.cfg.KafkaBrokers,
		Topic:   a.cfg.KafkaAlertTopic,
	}, a.log)
	if err != nil {
		return nil, fmt.Errorf("kafka alerts: %w", err)
	}
	a.closers = append(a.closers, k.Close)
	a.log.Info("alerts.kafka.enabled", "topic", a.cfg.KafkaAlertTopic, "brokers", len(a.cfg.KafkaBrokers))
	return append(sinks, k), nil
}

func (a *App) limiterStore(ctx context.Context) (ratelimit.Store, error) {
	if a.cfg.RedisAddr == "" {
		a.log.Warn("ratelimit.store.memory", "note", "counters are per process")
		st := ratelimit.NewMemoryStore()
		a.closers = append(a.closers, func() error { st.Close(); return nil })
		return st, nil
	}
	client, err := NewRedisClient(ctx, a.cfg)
	if err != nil {
		return nil, err
	}
	a.redis = client
	a.closers = append(a.closers, client.Close)
	a.log.Info("ratelimit.store.redis", "addr", a.cfg.RedisAddr)
	return ratelimit.NewRedisStore(client, a.cfg.RedisKeyPrefix), nil
}

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Run serves HTTP and runs the background workers until ctx is done or one
// of them fails.
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

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.log.Info("server.start", "addr", a.cfg.HTTPAddr, "db_enabled", a.pool != nil, "redis_enabled", a.redis != nil)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("server.fail", "err", err)
			return err
		}
		return nil
	})

	g.Go(func() error {
		return session.NewScheduler(a.sessions, a.log).Run(gctx)
	})

	g.Go(func() error {
		return newJanitor(a.families, a.devices, a.cfg.PurgeInterval, a.log).Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("server.stop", "reason", context.Cause(gctx))

		sctx, cancel := context.WithTimeout(context.Background(), nonZeroDuration(a.cfg.ShutdownTimeout, 10*time.Second))
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			a.log.Error("server.shutdown.fail", "err", err)
			return err
		}
		return nil
	})

	err := g.Wait()
	a.close()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	a.log.Info("server.stopped")
	return err
}

func (a *App) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Error("app.close.fail", "err", err)
		}
	}
	a.closers = nil
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
