package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/joseph-ayodele/docpipeline/internal/app"
	"github.com/joseph-ayodele/docpipeline/internal/common"
	"github.com/joseph-ayodele/docpipeline/internal/ingest"
	"github.com/joseph-ayodele/docpipeline/internal/server"
)

const (
	shutdownTimeout = 30 * time.Second
	healthInterval  = 10 * time.Second
)

func main() {
	cfg, err := common.LoadConfig(os.Args[1:])
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(2)
	}
	logger := common.NewLogger(cfg.Log, os.Stdout)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	startedAt := time.Now()
	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to start", "error", err)
		os.Exit(1)
	}
	if err := a.DB.HealthCheck(ctx, 5*time.Second, logger); err != nil {
		logger.Error("failed to ping database", "error", err)
		os.Exit(1)
	}

	api := server.NewAPI(server.Deps{
		Documents:      a.Service,
		Exporter:       a.Exporter,
		Uploader:       a.Ingestor,
		Health:         a.DB,
		Metrics:        a.Metrics.Handler(),
		MetricsPath:    cfg.Metrics.Path,
		MaxUploadBytes: cfg.Server.MaxUploadBytes,
	}, logger)
	httpSrv := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("http listening", "addr", cfg.Server.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	var grpcServer *grpc.Server
	if cfg.Server.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
		if err != nil {
			logger.Error("failed to listen on address", "addr", cfg.Server.GRPCAddr, "error", err)
			os.Exit(1)
		}
		grpcServer = grpc.NewServer()
		health := server.NewHealthReporter(a.DB, logger)
		healthpb.RegisterHealthServer(grpcServer, health.Server())
		reflection.Register(grpcServer)

		g.Go(func() error {
			health.Run(gctx, healthInterval)
			return nil
		})
		g.Go(func() error {
			logger.Info("grpc health listening", "addr", cfg.Server.GRPCAddr)
			return grpcServer.Serve(lis)
		})
	}

	// The queue lives in this process, so runs left mid-way before it started were interrupted.
	g.Go(func() error {
		n, err := a.Service.Recover(gctx, startedAt)
		if err != nil && gctx.Err() == nil {
			logger.Warn("recovery incomplete", "queued", n, "error", err)
		}
		return nil
	})

	if len(cfg.Ingest.WatchDirs) > 0 {
		g.Go(func() error {
			return a.Ingestor.Watch(gctx, ingest.WatchConfig{
				Roots:       cfg.Ingest.WatchDirs,
				SkipHidden:  cfg.Ingest.SkipHidden,
				InitialScan: true,
				Debounce:    cfg.Ingest.Debounce,
			})
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpSrv.Shutdown(sctx); err != nil {
			logger.Warn("http shutdown", "error", err)
		}
		if grpcServer != nil {
			grpcServer.GracefulStop()
		}
		return nil
	})

	runErr := g.Wait()

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.Close(sctx); err != nil {
		logger.Warn("close", "error", err)
	}
	if runErr != nil {
		logger.Error("server stopped", "error", runErr)
		os.Exit(1)
	}
	logger.Info("stopped")
}
