package main

import (
	"context"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/pflag"

	"github.com/joseph-ayodele/docpipeline/internal/common"
	repo "github.com/joseph-ayodele/docpipeline/internal/repository"
)

func main() {
	var migrate bool
	cfg, _, err := common.Load(os.Args[1:], func(fs *pflag.FlagSet) {
		fs.BoolVar(&migrate, "migrate", false, "apply the schema before checking")
	})
	logger := common.NewLogger(common.LogConfig{Level: "info"}, os.Stdout)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	db, err := repo.Open(ctx, repo.Config{
		Driver:          cfg.Database.Driver,
		DSN:             cfg.Database.DSN,
		MaxConns:        2,
		MinConns:        1,
		MaxConnLifetime: cfg.Database.MaxConnLifetime,
		MaxConnIdleTime: cfg.Database.MaxConnIdleTime,
		DialTimeout:     cfg.Database.DialTimeout,
	}, logger)
	if err != nil {
		logger.Error("opening DB", "error", err)
		os.Exit(1)
	}
	defer db.Close(logger)

	if err := db.HealthCheck(ctx, 1*time.Second, logger); err != nil {
		logger.Error("DB health: FAIL", "error", err)
		os.Exit(1)
	}
	logger.Info("DB health: OK", "dialect", db.Dialect())

	if migrate {
		if err := db.Migrate(ctx, logger); err != nil {
			logger.Error("migrate", "error", err)
			os.Exit(1)
		}
	}

	counts, err := repo.NewDocumentRepository(db, logger).CountByStatus(ctx)
	if err != nil {
		logger.Error("counting documents", "error", err)
		os.Exit(1)
	}
	logger.Info("documents by status", "count", len(counts))
	for st, n := range counts {
		logger.Info("- status", "status", st, "documents", n)
	}
}
