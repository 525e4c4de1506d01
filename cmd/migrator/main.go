// Command migrator applies the count_reports schema.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"go.uber.org/zap"

	"github.com/technosupport/ts-inventory/internal/config"
	"github.com/technosupport/ts-inventory/internal/data"
	"github.com/technosupport/ts-inventory/internal/logging"
)

func main() {
	upCmd := flag.Bool("up", false, "Run all up migrations")
	downCmd := flag.Bool("down", false, "Rollback all migrations")
	stepsCmd := flag.Int("steps", 0, "Run +/- steps")
	source := flag.String("source", "file://db/migrations", "migrations source URL")
	configPath := flag.String("config", "", "config YAML; storage.db_url or DB_URL is used")
	flag.Parse()

	log, err := logging.New(os.Getenv("LOG_LEVEL"), true)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	log = log.Named("migrator")
	defer log.Sync()

	cfg, err := config.Load(config.ResolvePath(*configPath))
	if err != nil {
		log.Fatal("load config", zap.Error(err))
	}
	if cfg.Storage.DBURL == "" {
		log.Fatal("no database configured: set storage.db_url or DB_URL")
	}

	db, err := data.Open(context.Background(), cfg.Storage.DBURL)
	if err != nil {
		log.Fatal("connect", zap.Error(err))
	}
	defer db.Close()

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		log.Fatal("create migrate driver", zap.Error(err))
	}
	m, err := migrate.NewWithDatabaseInstance(*source, "postgres", driver)
	if err != nil {
		log.Fatal("init migrate", zap.Error(err))
	}

	start := time.Now()
	switch {
	case *upCmd:
		log.Info("running up migrations")
		err = m.Up()
	case *downCmd:
		log.Info("running down migrations")
		err = m.Down()
	case *stepsCmd != 0:
		log.Info("running steps", zap.Int("steps", *stepsCmd))
		err = m.Steps(*stepsCmd)
	default:
		version, dirty, verr := m.Version()
		if verr != nil {
			log.Info("no version found (empty db?); use -up, -down or -steps")
		} else {
			log.Info("current version", zap.Uint("version", version), zap.Bool("dirty", dirty))
		}
		return
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		log.Fatal("migration failed", zap.Error(err))
	}
	log.Info("migration completed", zap.Duration("duration", time.Since(start)))
}
