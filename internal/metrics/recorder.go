// Package metrics records backend and stage invocations as rows and as Prometheus instruments.
package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/joseph-ayodele/docpipeline/internal/common"
	"github.com/joseph-ayodele/docpipeline/internal/entity"
	"github.com/joseph-ayodele/docpipeline/internal/repository"
	"github.com/joseph-ayodele/docpipeline/internal/textsource"
)

// StageBackend is the stage name of rows written for backend invocations.
const StageBackend = "backend"

// Recorder appends metrics rows and mirrors them into otel instruments.
// It is safe for concurrent use.
type Recorder struct {
	repo   repository.MetricsRepository
	logger *slog.Logger

	registry *promclient.Registry // nil when disabled
	provider *sdkmetric.MeterProvider

	backendDuration metric.Float64Histogram
	backendCalls    metric.Int64Counter
	backendErrors   metric.Int64Counter
	tokens          metric.Int64Counter
	stageDuration   metric.Float64Histogram
	stageErrors     metric.Int64Counter
}

// New builds a recorder. With metrics disabled rows are still appended and the instruments are no-ops.
func New(repo repository.MetricsRepository, cfg common.MetricsConfig, logger *slog.Logger) (*Recorder, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Recorder{repo: repo, logger: logger}

	var meter metric.Meter
	if cfg.Enabled {
		r.registry = promclient.NewRegistry()
		exp, err := prometheus.New(prometheus.WithRegisterer(r.registry))
		if err != nil {
			return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
		}
		r.provider = sdkmetric.NewMeterProvider(sdkmetric.WithReader(exp))
		meter = r.provider.Meter("docpipeline")
	} else {
		meter = noop.NewMeterProvider().Meter("docpipeline")
	}

	var err error
	if r.backendDuration, err = meter.Float64Histogram(
		"docpipeline_backend_duration_seconds",
		metric.WithDescription("Backend invocation duration in seconds"),
	); err != nil {
		return nil, fmt.Errorf("failed to create backend duration histogram: %w", err)
	}
	if r.backendCalls, err = meter.Int64Counter(
		"docpipeline_backend_invocations_total",
		metric.WithDescription("Total backend invocations"),
	); err != nil {
		return nil, fmt.Errorf("failed to create backend invocations counter: %w", err)
	}
	if r.backendErrors, err = meter.Int64Counter(
		"docpipeline_backend_errors_total",
		metric.WithDescription("Total failed backend invocations"),
	); err != nil {
		return nil, fmt.Errorf("failed to create backend errors counter: %w", err)
	}
	if r.tokens, err = meter.Int64Counter(
		"docpipeline_ocr_tokens_total",
		metric.WithDescription("Total tokens reported by OCR inference"),
	); err != nil {
		return nil, fmt.Errorf("failed to create tokens counter: %w", err)
	}
	if r.stageDuration, err = meter.Float64Histogram(
		"docpipeline_stage_duration_seconds",
		metric.WithDescription("Pipeline stage duration in seconds"),
	); err != nil {
		return nil, fmt.Errorf("failed to create stage duration histogram: %w", err)
	}
	if r.stageErrors, err = meter.Int64Counter(
		"docpipeline_stage_errors_total",
		metric.WithDescription("Total failed pipeline stages"),
	); err != nil {
		return nil, fmt.Errorf("failed to create stage errors counter: %w", err)
	}
	return r, nil
}

// Record appends rec and updates the instruments. The row is written even if the instruments are disabled.
func (r *Recorder) Record(ctx context.Context, rec entity.MetricsRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.DurationMS == 0 && !rec.EndedAt.IsZero() {
		rec.DurationMS = rec.EndedAt.Sub(rec.StartedAt).Milliseconds()
	}
	r.observe(ctx, rec)
	if r.repo == nil {
		return nil
	}
	if err := r.repo.Append(ctx, rec); err != nil {
		r.logger.Warn("metrics.append.failed", "document_id", rec.DocumentID, "stage", rec.Stage,
			"source", rec.Source, "error", err)
		return err
	}
	return nil
}

func (r *Recorder) observe(ctx context.Context, rec entity.MetricsRecord) {
	secs := float64(rec.DurationMS) / 1000
	if rec.Stage == StageBackend {
		attrs := metric.WithAttributes(attribute.String("source", string(rec.Source)))
		r.backendDuration.Record(ctx, secs, attrs)
		r.backendCalls.Add(ctx, 1, attrs)
		if !rec.Success {
			r.backendErrors.Add(ctx, 1, attrs)
		}
		if rec.PromptTokens != nil {
			r.tokens.Add(ctx, *rec.PromptTokens, metric.WithAttributes(
				attribute.String("source", string(rec.Source)), attribute.String("kind", "prompt")))
		}
		if rec.CompletionTokens != nil {
			r.tokens.Add(ctx, *rec.CompletionTokens, metric.WithAttributes(
				attribute.String("source", string(rec.Source)), attribute.String("kind", "completion")))
		}
		return
	}
	attrs := metric.WithAttributes(attribute.String("stage", rec.Stage))
	r.stageDuration.Record(ctx, secs, attrs)
	if !rec.Success {
		r.stageErrors.Add(ctx, 1, attrs)
	}
}

// RecordInvocation stores one backend call. Failures to store are logged, never returned.
func (r *Recorder) RecordInvocation(ctx context.Context, inv textsource.Invocation) {
	rec := entity.MetricsRecord{
		DocumentID: inv.DocumentID,
		Source:     inv.Source,
		Stage:      StageBackend,
		StartedAt:  inv.Start,
		EndedAt:    inv.End,
		DurationMS: inv.End.Sub(inv.Start).Milliseconds(),
		Success:    inv.Err == nil,
	}
	if inv.Err != nil {
		rec.Error = inv.Err.Error()
	}
	if u := inv.Usage; u != nil {
		rec.PromptTokens = &u.PromptTokens
		rec.CompletionTokens = &u.CompletionTokens
		rec.TotalTokens = &u.TotalTokens
	}
	_ = r.Record(ctx, rec)
}

// RecordStage stores the timing of one pipeline stage that started at start and ends now.
func (r *Recorder) RecordStage(ctx context.Context, documentID uuid.UUID, stage string, start time.Time, err error) error {
	end := time.Now()
	rec := entity.MetricsRecord{
		DocumentID: documentID,
		Stage:      stage,
		StartedAt:  start,
		EndedAt:    end,
		DurationMS: end.Sub(start).Milliseconds(),
		Success:    err == nil,
	}
	if err != nil {
		rec.Error = err.Error()
	}
	return r.Record(ctx, rec)
}

// Handler serves the Prometheus exposition. It answers 404 when metrics are disabled.
func (r *Recorder) Handler() http.Handler {
	if r.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Shutdown flushes and stops the meter provider.
func (r *Recorder) Shutdown(ctx context.Context) error {
	if r.provider == nil {
		return nil
	}
	return r.provider.Shutdown(ctx)
}

// Summary aggregates the metrics rows of one document.
type Summary struct {
	Invocations      int              `json:"invocations"`
	Failures         int              `json:"failures"`
	DurationMS       int64            `json:"duration_ms"`
	PromptTokens     int64            `json:"prompt_tokens"`
	CompletionTokens int64            `json:"completion_tokens"`
	TotalTokens      int64            `json:"total_tokens"`
	BySource         map[string]int64 `json:"duration_ms_by_source,omitempty"`
}

// Summarize folds the backend rows of a document into totals; stage rows are ignored.
func Summarize(recs []entity.MetricsRecord) Summary {
	s := Summary{BySource: map[string]int64{}}
	for _, rec := range recs {
		if rec.Stage != StageBackend {
			continue
		}
		s.Invocations++
		if !rec.Success {
			s.Failures++
		}
		s.DurationMS += rec.DurationMS
		s.BySource[string(rec.Source)] += rec.DurationMS
		if rec.PromptTokens != nil {
			s.PromptTokens += *rec.PromptTokens
		}
		if rec.CompletionTokens != nil {
			s.CompletionTokens += *rec.CompletionTokens
		}
		if rec.TotalTokens != nil {
			s.TotalTokens += *rec.TotalTokens
		}
	}
	if len(s.BySource) == 0 {
		s.BySource = nil
	}
	return s
}

var _ textsource.Recorder = (*Recorder)(nil)
