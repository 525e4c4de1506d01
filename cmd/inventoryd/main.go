// Command inventoryd serves the object-counting HTTP API.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/technosupport/ts-inventory/internal/app"
	"github.com/technosupport/ts-inventory/internal/config"
	"github.com/technosupport/ts-inventory/internal/logging"
)

func main() {
	configPath := flag.String("config", "", "path to config YAML (default $INVENTORY_CONFIG or "+config.DefaultPath+")")
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
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatal("startup failed", zap.Error(err))
	}
	defer a.Close()

	if err := a.Run(ctx); err != nil {
		log.Error("server stopped", zap.Error(err))
		a.Close()
		os.Exit(1)
	}
	log.Info("bye")
}
