package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Pinger reports whether the database answers.
type Pinger interface {
	HealthCheck(ctx context.Context, timeout time.Duration, logger *slog.Logger) error
}

const pingTimeout = 2 * time.Second

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if a.Health != nil {
		if err := a.Health.HealthCheck(r.Context(), pingTimeout, a.logger); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "database": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HealthReporter mirrors the database ping into a gRPC health server.
type HealthReporter struct {
	srv    *health.Server
	db     Pinger
	logger *slog.Logger
}

func NewHealthReporter(db Pinger, logger *slog.Logger) *HealthReporter {
	if logger == nil {
		logger = slog.Default()
	}
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	return &HealthReporter{srv: hs, db: db, logger: logger}
}

// Server is registered on the gRPC server with healthpb.RegisterHealthServer.
func (h *HealthReporter) Server() *health.Server { return h.srv }

// Check pings once and updates the serving status.
func (h *HealthReporter) Check(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	st := healthpb.HealthCheckResponse_SERVING
	if err := h.db.HealthCheck(ctx, pingTimeout, h.logger); err != nil {
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}
	h.srv.SetServingStatus("", st)
	return st
}

// Run checks every interval until ctx ends, then marks the server as shutting down.
func (h *HealthReporter) Run(ctx context.Context, interval time.Duration) {
	h.Check(ctx)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			h.srv.Shutdown()
			return
		case <-t.C:
			h.Check(ctx)
		}
	}
}
