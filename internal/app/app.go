package app

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/technosupport/ts-inventory/internal/api"
	"github.com/technosupport/ts-inventory/internal/config"
	"github.com/technosupport/ts-inventory/internal/data"
	"github.com/technosupport/ts-inventory/internal/detector"
	"github.com/technosupport/ts-inventory/internal/middleware"
	"github.com/technosupport/ts-inventory/internal/pipeline"
	"github.com/technosupport/ts-inventory/internal/ratelimit"
	"github.com/technosupport/ts-inventory/internal/reports"
	"github.com/technosupport/ts-inventory/internal/tokens"
)

const serviceName = "inventoryd"

// App is a running inventoryd. Optional backends (Postgres, Redis, NATS)
// are connected when configured; a failed optional connection is logged
// and the feature it backs is switched off.
type App struct {
	Config   config.Config
	Labels   *detector.Labels
	Detector detector.Detector
	Counter  *pipeline.Counter
	Reports  *reports.Service
	Hub      *reports.Hub
	Handler  http.Handler

	db      *sql.DB
	rdb     *redis.Client
	nc      *nats.Conn
	watcher *config.LabelWatcher
	log     *zap.Logger

	detectorErr error
}

func New(ctx context.Context, cfg config.Config, log *zap.Logger) (*App, error) {
	a := &App{Config: cfg, log: log}

	labels, err := BuildLabels(cfg.Labels)
	if err != nil {
		return nil, err
	}
	a.Labels = labels
	if cfg.Labels.File != "" && cfg.Labels.Watch {
		a.watcher = config.NewLabelWatcher(cfg.Labels.File, labels, log)
	}

	a.Detector, a.detectorErr = BuildDetector(cfg.CountingDetector(), log)
	if a.detectorErr != nil {
		log.Error("detector unavailable, counting disabled",
			zap.String("backend", cfg.Detector.Backend), zap.Error(a.detectorErr))
	}
	a.Counter, err = BuildCounter(cfg, a.Detector, labels, log)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.connect(ctx)

	a.Hub = reports.NewHub(log)
	a.Hub.AllowedOrigins = cfg.Server.WSOrigins
	svc := reports.NewService(cfg.Storage.RecentReports, log)
	svc.Hub = a.Hub
	svc.Dedup = reports.NewDedup(cfg.Storage.DedupCacheSize, cfg.Storage.DedupTTL)
	if a.db != nil {
		svc.Store = data.ReportModel{DB: a.db}
	}
	if a.rdb != nil {
		svc.Cache = reports.NewCache(a.rdb, cfg.Storage.LatestTTL)
	}
	if a.nc != nil {
		svc.Publisher = reports.NewNATSPublisher(a.nc, cfg.Storage.NATSSubject, cfg.Storage.PublishRetries)
	}
	a.Reports = svc

	a.Handler = api.NewRouter(a.routerConfig())
	return a, nil
}

// connect opens the optional backends.
func (a *App) connect(ctx context.Context) {
	st := a.Config.Storage

	if st.DBURL != "" {
		db, err := data.Open(ctx, st.DBURL)
		if err != nil {
			a.log.Warn("postgres unavailable, reports kept in memory only", zap.Error(err))
		} else {
			a.db = db
		}
	}

	if st.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: st.RedisAddr})
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			// Keep the client: the limiter fails open and recovers when
			// Redis comes back.
			a.log.Warn("redis ping failed", zap.String("addr", st.RedisAddr), zap.Error(err))
		}
		a.rdb = rdb
	}

	if st.NATSURL != "" {
		nc, err := nats.Connect(st.NATSURL, nats.Name(serviceName))
		if err != nil {
			a.log.Warn("nats connect failed, report publishing disabled", zap.Error(err))
		} else {
			a.nc = nc
		}
	}
}

func (a *App) routerConfig() api.RouterConfig {
	cfg := a.Config
	rc := api.RouterConfig{
		Count:          api.NewCountHandler(a.Counter, a.Reports, cfg.Server.MaxUploadBytes(), cfg.Sampling.IntervalSeconds, a.log),
		Reports:        api.NewReportHandler(a.Reports),
		System:         &api.SystemHandler{Labels: a.Labels, Checks: a.checks()},
		LiveFeed:       a.Hub,
		RequestTimeout: cfg.Server.RequestTimeout,
		Log:            a.log,
	}

	if a.rdb != nil {
		limiter := ratelimit.NewLimiter(a.rdb, cfg.RateLimit.Salt)
		rl := middleware.NewRateLimitMiddleware(limiter, middleware.Config{
			GlobalIP: cfg.RateLimit.GlobalIP,
			Device:   cfg.RateLimit.Device,
		}, a.log)
		rc.GlobalLimit = rl.GlobalLimiter
		rc.DeviceLimit = rl.DeviceLimiter
	} else {
		rc.GlobalLimit = middleware.LocalLimiter(cfg.RateLimit.GlobalIP)
	}

	if cfg.Auth.Enabled {
		var rev tokens.Revocations
		if a.rdb != nil {
			rev = tokens.NewRedisRevocations(a.rdb)
		}
		rc.Auth = middleware.NewDeviceAuth(tokens.NewManager(cfg.Auth.SigningKey), rev, a.log).Middleware
	}
	return rc
}

func (a *App) checks() map[string]api.Check {
	checks := map[string]api.Check{
		"detector": func(context.Context) error { return a.detectorErr },
	}
	if a.db != nil {
		checks["postgres"] = a.db.PingContext
	}
	if a.rdb != nil {
		checks["redis"] = func(ctx context.Context) error { return a.rdb.Ping(ctx).Err() }
	}
	if a.nc != nil {
		checks["nats"] = func(context.Context) error {
			if !a.nc.IsConnected() {
				return errors.New(a.nc.Status().String())
			}
			return nil
		}
	}
	return checks
}

// Run serves HTTP until ctx is done, then drains connections.
func (a *App) Run(ctx context.Context) error {
	if a.watcher != nil {
		go a.watcher.Run(ctx)
	}

	srv := &http.Server{
		Addr:              a.Config.Server.Addr,
		Handler:           a.Handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.log.Info("listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	a.log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.Config.Server.ShutdownTimeout)
	defer cancel()
	// Hijacked websocket connections are not tracked by Shutdown.
	a.Hub.Close()
	return srv.Shutdown(shutdownCtx)
}

func (a *App) Close() {
	if a.Detector != nil {
		if err := a.Detector.Close(); err != nil {
			a.log.Warn("close detector", zap.Error(err))
		}
	}
	if a.nc != nil {
		a.nc.Drain()
	}
	if a.rdb != nil {
		a.rdb.Close()
	}
	if a.db != nil {
		a.db.Close()
	}
}
