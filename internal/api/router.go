package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/technosupport/ts-inventory/internal/middleware"
)

type Middleware = func(http.Handler) http.Handler

// Feed streams recorded reports over a websocket, limited to one device
// when device is set.
type Feed interface {
	Subscribe(w http.ResponseWriter, r *http.Request, device string)
}

// RouterConfig collects the handlers and optional middleware. A nil
// middleware is skipped.
type RouterConfig struct {
	Count    *CountHandler
	Reports  *ReportHandler
	System   *SystemHandler
	LiveFeed Feed

	Auth        Middleware
	GlobalLimit Middleware
	DeviceLimit Middleware

	RequestTimeout time.Duration
	Log            *zap.Logger
}

func use(r chi.Router, mws ...Middleware) {
	for _, m := range mws {
		if m != nil {
			r.Use(m)
		}
	}
}

func NewRouter(cfg RouterConfig) http.Handler {
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger(log))
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.Metrics)
	r.Use(middleware.CORS)

	r.Get("/healthz", cfg.System.Healthz)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		use(r, cfg.GlobalLimit, cfg.Auth, cfg.DeviceLimit)

		// The live feed is long-lived; it sits outside the timeout.
		if cfg.LiveFeed != nil {
			r.Get("/api/v1/reports/ws", liveFeed(cfg.LiveFeed))
		}

		r.Group(func(r chi.Router) {
			if cfg.RequestTimeout > 0 {
				r.Use(chimiddleware.Timeout(cfg.RequestTimeout))
			}
			r.Post("/detect", cfg.Count.Detect)
			r.Post("/api/v1/count", cfg.Count.Count)
			r.Post("/api/v1/track", cfg.Count.Track)

			r.Get("/api/v1/reports/{id}", cfg.Reports.Get)
			r.Get("/api/v1/devices/{device}/reports", cfg.Reports.ListByDevice)
			r.Get("/api/v1/devices/{device}/latest", cfg.Reports.Latest)
			r.Get("/api/v1/labels", cfg.System.GetLabels)
		})
	})
	return r
}
