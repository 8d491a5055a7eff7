package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/joseph-ayodele/docpipeline/internal/app"
	"github.com/joseph-ayodele/docpipeline/internal/common"
	"github.com/joseph-ayodele/docpipeline/internal/ingest"
	"github.com/joseph-ayodele/docpipeline/internal/pipeline"
)

// printError prints an error message to stderr, falling back to stdout if stderr fails
func printError(format string, args ...interface{}) {
	if _, err := fmt.Fprintf(os.Stderr, format, args...); err != nil {
		fmt.Printf(format, args...)
	}
}

func main() {
	var (
		inmem bool
		xlsx  string
	)
	cfg, paths, err := common.Load(os.Args[1:], func(fs *pflag.FlagSet) {
		fs.BoolVar(&inmem, "inmem", false, "use an in-memory SQLite database")
		fs.StringVar(&xlsx, "xlsx", "", "also write the result workbook to this path (single file only)")
	})
	if err != nil {
		printError("Error: %v\n", err)
		os.Exit(2)
	}
	if len(paths) == 0 {
		printError("usage: docprocess [flags] FILE...\n")
		os.Exit(2)
	}
	if xlsx != "" && len(paths) > 1 {
		printError("Error: --xlsx needs exactly one file\n")
		os.Exit(2)
	}
	if inmem {
		cfg.Database.Driver = "sqlite"
		cfg.Database.DSN = ":memory:"
	}

	// results go to stdout, logs to stderr
	logger := common.NewLogger(cfg.Log, os.Stderr)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := a.Close(context.Background()); err != nil {
			logger.Warn("close", "error", err)
		}
	}()

	// stored without submitting; each file runs in the foreground
	ing := ingest.NewIngestor(a.Documents, a.Store, nil, cfg.Server.MaxUploadBytes, logger)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	failed := 0
	for _, p := range paths {
		res, err := processFile(ctx, a, ing, p)
		if err != nil {
			logger.Error("processing failed", "path", p, "error", err)
			failed++
			continue
		}
		if err := enc.Encode(res); err != nil {
			logger.Error("encode result", "error", err)
			failed++
			continue
		}
		if xlsx != "" {
			data, err := a.Exporter.ExportResultXLSX(ctx, res.DocumentID)
			if err != nil {
				logger.Error("export failed", "error", err)
				failed++
				continue
			}
			if err := os.WriteFile(xlsx, data, 0o644); err != nil {
				logger.Error("write workbook", "path", xlsx, "error", err)
				failed++
				continue
			}
			logger.Info("workbook written", "path", xlsx)
		}
	}
	if failed > 0 {
		os.Exit(1)
	}
}

func processFile(ctx context.Context, a *app.App, ing *ingest.Ingestor, path string) (*pipeline.Result, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	up, err := ing.IngestPath(ctx, abs)
	if err != nil {
		return nil, err
	}
	if up.Deduplicated {
		// already stored in this database, run it again
		if err := a.Tracker.Reset(ctx, up.DocumentID); err != nil {
			return nil, err
		}
	}
	if _, err := a.Processor.Run(ctx, up.DocumentID); err != nil && !common.IsGone(err) {
		// failure details are part of the status snapshot
		slog.Warn("pipeline ended with error", "document_id", up.DocumentID, "error", err)
	}
	return a.Service.GetResult(ctx, up.DocumentID)
}
