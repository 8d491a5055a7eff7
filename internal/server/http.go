// Package server exposes the pipeline over HTTP and reports health over gRPC.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/joseph-ayodele/docpipeline/internal/common"
	"github.com/joseph-ayodele/docpipeline/internal/entity"
	"github.com/joseph-ayodele/docpipeline/internal/ingest"
	"github.com/joseph-ayodele/docpipeline/internal/pipeline"
	"github.com/joseph-ayodele/docpipeline/internal/status"
)

// Documents is the query and submission side of the pipeline.
type Documents interface {
	Submit(ctx context.Context, documentID uuid.UUID) error
	GetStatus(ctx context.Context, documentID uuid.UUID) (status.Snapshot, error)
	History(ctx context.Context, documentID uuid.UUID) ([]entity.StatusEvent, error)
	GetResult(ctx context.Context, documentID uuid.UUID) (*pipeline.Result, error)
}

// Exporter renders a document result as a workbook.
type Exporter interface {
	ExportResultXLSX(ctx context.Context, documentID uuid.UUID) ([]byte, error)
}

// Uploader stores new documents.
type Uploader interface {
	Ingest(ctx context.Context, up ingest.Upload) (ingest.Result, error)
	IngestDirectory(ctx context.Context, root string, skipHidden bool) ([]ingest.Result, ingest.DirStats, error)
}

// Deps are the collaborators of the HTTP API. Metrics and Health may be nil.
type Deps struct {
	Documents      Documents
	Exporter       Exporter
	Uploader       Uploader
	Health         Pinger
	Metrics        http.Handler
	MetricsPath    string
	MaxUploadBytes int64
}

type API struct {
	Deps
	logger *slog.Logger
}

func NewAPI(deps Deps, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.MetricsPath == "" {
		deps.MetricsPath = "/metrics"
	}
	return &API{Deps: deps, logger: logger}
}

// Router builds the chi routes of the API.
func (a *API) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(a.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", a.handleHealth)
	if a.Metrics != nil {
		r.Method(http.MethodGet, a.MetricsPath, a.Metrics)
	}

	r.Route("/documents", func(r chi.Router) {
		r.Post("/", a.handleUpload)
		r.Route("/{id}", func(r chi.Router) {
			r.Post("/submit", a.handleSubmit)
			r.Get("/status", a.handleStatus)
			r.Get("/events", a.handleEvents)
			r.Get("/result", a.handleResult)
			r.Get("/export.xlsx", a.handleExport)
		})
	})
	r.Post("/ingest/directory", a.handleIngestDirectory)
	return r
}

// requestLogger tags the request context with chi's request id and logs one line per request.
func (a *API) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := common.WithRequestID(r.Context(), middleware.GetReqID(r.Context()))
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(ctx))

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		common.LoggerFrom(ctx, a.logger).Info("http.request",
			"method", r.Method,
			"route", route,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
	})
}
