// Command detectord serves an ONNX model over HTTP for inventoryd's remote
// detector backend.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/technosupport/ts-inventory/internal/app"
	"github.com/technosupport/ts-inventory/internal/config"
	"github.com/technosupport/ts-inventory/internal/detector"
	"github.com/technosupport/ts-inventory/internal/detector/remote"
	"github.com/technosupport/ts-inventory/internal/logging"
	"github.com/technosupport/ts-inventory/internal/middleware"
)

func main() {
	configPath := flag.String("config", "", "path to config YAML")
	addr := flag.String("addr", ":8090", "listen address")
	mock := flag.Bool("mock", false, "serve random detections instead of loading the model")
	flag.Parse()

	cfg, err := config.Load(config.ResolvePath(*configPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}
	log, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(2)
	}
	log = log.Named("detectord")
	defer log.Sync()

	labels, err := app.BuildLabels(cfg.Labels)
	if err != nil {
		log.Fatal("labels", zap.Error(err))
	}

	var det detector.Detector
	var loadErr error
	if *mock {
		det = mockDetector(labels.Len())
		log.Warn("serving mock detections")
	} else {
		// This process is the model host, so it always loads locally.
		// Serve down to the tracking floor; clients ask for stricter conf.
		dc := cfg.CountingDetector()
		dc.Backend = "onnx"
		det, loadErr = app.BuildDetector(dc, log)
		if loadErr != nil {
			log.Error("model load failed, /predict will answer 503", zap.Error(loadErr))
		}
	}
	defer det.Close()

	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger(log))
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.Metrics)

	r.Post("/predict", remote.NewServer(det, labels, log).Predict)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if loadErr != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, `{"status":"model unavailable"}`)
			return
		}
		fmt.Fprintf(w, `{"status":"ok","mock":%t}`, *mock)
	})
	r.Handle("/metrics", promhttp.Handler())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{Addr: *addr, Handler: r, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		log.Info("listening", zap.String("addr", *addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
}
