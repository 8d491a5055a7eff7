// Package app wires the pipeline components from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/joseph-ayodele/docpipeline/internal/async"
	"github.com/joseph-ayodele/docpipeline/internal/common"
	"github.com/joseph-ayodele/docpipeline/internal/convert"
	"github.com/joseph-ayodele/docpipeline/internal/export"
	"github.com/joseph-ayodele/docpipeline/internal/extraction"
	"github.com/joseph-ayodele/docpipeline/internal/ingest"
	"github.com/joseph-ayodele/docpipeline/internal/merge"
	"github.com/joseph-ayodele/docpipeline/internal/metrics"
	"github.com/joseph-ayodele/docpipeline/internal/ocr"
	"github.com/joseph-ayodele/docpipeline/internal/pipeline"
	"github.com/joseph-ayodele/docpipeline/internal/repository"
	"github.com/joseph-ayodele/docpipeline/internal/status"
	"github.com/joseph-ayodele/docpipeline/internal/storage"
	"github.com/joseph-ayodele/docpipeline/internal/textsource"
)

// App holds the long-lived components of one process.
type App struct {
	Config    *common.Config
	DB        *repository.DB
	Store     storage.Store
	Documents repository.DocumentRepository
	Tracker   *status.Tracker
	Metrics   *metrics.Recorder
	Processor *pipeline.Processor
	Queue     *async.ProcessorQueue
	Service   *pipeline.Service
	Ingestor  *ingest.Ingestor
	Exporter  *export.Service

	closers []func() error
	logger  *slog.Logger
}

// Build opens the database, migrates it and assembles every component. The queue workers
// start immediately; Close stops them.
func Build(ctx context.Context, cfg *common.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{Config: cfg, logger: logger}

	db, err := repository.Open(ctx, repository.Config{
		Driver:           cfg.Database.Driver,
		DSN:              cfg.Database.DSN,
		MaxConns:         cfg.Database.MaxConns,
		MinConns:         cfg.Database.MinConns,
		MaxConnLifetime:  cfg.Database.MaxConnLifetime,
		MaxConnIdleTime:  cfg.Database.MaxConnIdleTime,
		DialTimeout:      cfg.Database.DialTimeout,
		StatementTimeout: cfg.Database.StatementTimeout,
		ApplicationName:  "docpipeline@" + common.Hostname(),
	}, logger)
	if err != nil {
		return nil, err
	}
	a.DB = db
	if err := db.Migrate(ctx, logger); err != nil {
		db.Close(logger)
		return nil, err
	}

	if err := a.build(ctx); err != nil {
		a.Close(context.Background())
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg, logger := a.Config, a.logger

	store, err := storage.New(ctx, cfg.Storage, logger)
	if err != nil {
		return err
	}
	a.Store = store
	if c, ok := store.(interface{ Close() error }); ok {
		a.closers = append(a.closers, c.Close)
	}

	runner := convert.ExecRunner{Logger: logger}
	client, err := ocr.New(ctx, cfg.OCR, runner, logger)
	if err != nil {
		return err
	}
	if c, ok := client.(interface{ Close() error }); ok {
		a.closers = append(a.closers, c.Close)
	}

	docs := repository.NewDocumentRepository(a.DB, logger)
	a.Documents = docs
	content := repository.NewContentRepository(a.DB, logger)
	extractions := repository.NewExtractionRepository(a.DB, logger)
	metricsRepo := repository.NewMetricsRepository(a.DB, logger)

	rec, err := metrics.New(metricsRepo, cfg.Metrics, logger)
	if err != nil {
		return err
	}
	a.Metrics = rec

	retry := textsource.RetryPolicy{MaxTries: cfg.Pipeline.RetryMaxTries, Initial: cfg.Pipeline.RetryInitial}
	backends := []textsource.Backend{
		textsource.NewStructuredBackend(!cfg.Preprocess.Enabled, logger),
	}
	if cfg.Preprocess.Enabled {
		backends = append(backends, textsource.NewPreprocessBackend(logger))
	}
	backends = append(backends,
		textsource.NewPDFTextBackend(logger),
		textsource.NewOCRBackend(client, textsource.OCRConfig{
			Model:       cfg.OCR.Model,
			Concurrency: cfg.OCR.PageConcurrency,
			PageTimeout: cfg.OCR.Timeout,
			Retry:       retry,
		}, logger),
	)
	dispatcher := textsource.NewDispatcher(backends, textsource.DispatchConfig{
		Timeout: cfg.Pipeline.BackendTimeout,
		Retry:   retry,
	}, rec, logger)

	extractor, err := extraction.NewService(logger)
	if err != nil {
		return fmt.Errorf("extraction schemas: %w", err)
	}

	// A run outliving its process timeout has been cancelled, so its state can be taken over.
	tracker := status.NewTracker(docs, logger, status.WithStaleAfter(cfg.Pipeline.ProcessTimeout+time.Minute))
	a.Tracker = tracker
	resolver := merge.NewResolver(cfg.PrecedenceSources())
	engine := convert.NewEngine(convert.Config{
		OfficeTool:    cfg.Conversion.OfficeTool,
		Pdftoppm:      cfg.Conversion.Pdftoppm,
		Unpaper:       cfg.Conversion.Unpaper,
		EnableUnpaper: cfg.Conversion.EnableUnpaper,
		DPI:           cfg.Conversion.DPI,
		MaxPages:      cfg.Conversion.MaxPages,
		Timeout:       cfg.Conversion.Timeout,
	}, runner, logger)
	avail := engine.Probe(ctx)
	logger.Info("conversion tools", "office", avail.Office, "rasterizer", avail.Rasterizer, "unpaper", avail.Unpaper)

	a.Processor = pipeline.NewProcessor(pipeline.Deps{
		Documents:   docs,
		Content:     content,
		Extractions: extractions,
		Store:       store,
		Tracker:     tracker,
		Converter:   engine,
		Dispatcher:  dispatcher,
		Resolver:    resolver,
		Extractor:   extractor,
		Metrics:     rec,
	}, logger)

	a.Queue = async.NewProcessorQueue(a.Processor, logger,
		async.WithWorkers(cfg.Pipeline.Workers),
		async.WithQueueSize(cfg.Pipeline.QueueSize),
		async.WithProcessTimeout(cfg.Pipeline.ProcessTimeout),
	)
	a.Service = pipeline.NewService(docs, content, extractions, metricsRepo, tracker, a.Queue, logger)
	a.Ingestor = ingest.NewIngestor(docs, store, a.Service, cfg.Server.MaxUploadBytes, logger)
	a.Exporter = export.NewService(a.Service, logger)
	return nil
}

// Close drains the queue and releases every resource. It is safe on a partially built App.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.Queue != nil {
		a.Queue.Shutdown(ctx)
	}
	if a.Metrics != nil {
		if err := a.Metrics.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	if a.DB != nil {
		a.DB.Close(a.logger)
	}
	return errors.Join(errs...)
}
