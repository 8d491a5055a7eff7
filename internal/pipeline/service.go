package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/docpipeline/constants"
	"github.com/joseph-ayodele/docpipeline/internal/async"
	"github.com/joseph-ayodele/docpipeline/internal/common"
	"github.com/joseph-ayodele/docpipeline/internal/entity"
	"github.com/joseph-ayodele/docpipeline/internal/merge"
	"github.com/joseph-ayodele/docpipeline/internal/metrics"
	"github.com/joseph-ayodele/docpipeline/internal/repository"
	"github.com/joseph-ayodele/docpipeline/internal/status"
)

// Enqueuer hands a job to the worker pool.
type Enqueuer interface {
	Enqueue(ctx context.Context, job async.Job) error
}

// Service is the entrypoint used by the API: submit, status and result queries.
type Service struct {
	docs        repository.DocumentRepository
	content     repository.ContentRepository
	extractions repository.ExtractionRepository
	metrics     repository.MetricsRepository
	tracker     *status.Tracker
	queue       Enqueuer
	logger      *slog.Logger
}

func NewService(
	docs repository.DocumentRepository,
	content repository.ContentRepository,
	extractions repository.ExtractionRepository,
	metricsRepo repository.MetricsRepository,
	tracker *status.Tracker,
	queue Enqueuer,
	logger *slog.Logger,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		docs:        docs,
		content:     content,
		extractions: extractions,
		metrics:     metricsRepo,
		tracker:     tracker,
		queue:       queue,
		logger:      logger,
	}
}

// Submit starts a new run. A settled document is reset to submitted first; a document
// that is mid-run is rejected with a conflict. Content records of the new run upsert
// over the previous ones. A job the queue refuses leaves the document failed at submit,
// so it can be submitted again.
func (s *Service) Submit(ctx context.Context, documentID uuid.UUID) error {
	if err := s.tracker.Reset(ctx, documentID); err != nil {
		return err
	}
	if err := s.queue.Enqueue(ctx, async.Job{DocumentID: documentID, SubmittedAt: time.Now()}); err != nil {
		s.logger.Error("submit.enqueue.failed", "document_id", documentID, "error", err)
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if ferr := s.tracker.Fail(fctx, documentID, constants.StageSubmit, fmt.Errorf("not queued: %w", err)); ferr != nil {
			s.logger.Error("submit.rollback.failed", "document_id", documentID, "error", ferr)
		}
		return err
	}
	s.logger.Info("submit.ok", "document_id", documentID)
	return nil
}

// Recover queues the documents a previous process left unfinished. Submitted documents are
// queued again. Mid-run documents last updated before cutoff are failed as interrupted and
// resubmitted; newer ones are left to the run that owns them. It returns how many were queued.
func (s *Service) Recover(ctx context.Context, cutoff time.Time) (int, error) {
	docs, err := s.docs.ListUnsettled(ctx, 0)
	if err != nil {
		return 0, err
	}
	queued := 0
	for _, doc := range docs {
		if doc.Status != constants.StatusSubmitted {
			if !doc.UpdatedAt.Before(cutoff) {
				s.logger.Info("recover.skip", "document_id", doc.ID, "status", doc.Status)
				continue
			}
			if err := s.tracker.Interrupt(ctx, doc); err != nil {
				if common.IsGone(err) || errors.Is(err, common.ErrConflict) {
					continue
				}
				return queued, err
			}
			if err := s.tracker.Reset(ctx, doc.ID); err != nil {
				if common.IsGone(err) || errors.Is(err, common.ErrConflict) {
					continue
				}
				return queued, err
			}
		}
		if err := s.queue.Enqueue(ctx, async.Job{DocumentID: doc.ID, SubmittedAt: time.Now()}); err != nil {
			return queued, err
		}
		queued++
	}
	if len(docs) > 0 {
		s.logger.Info("recover.done", "unsettled", len(docs), "queued", queued)
	}
	return queued, nil
}

func (s *Service) GetStatus(ctx context.Context, documentID uuid.UUID) (status.Snapshot, error) {
	return s.tracker.Get(ctx, documentID)
}

// History returns the persisted status events, oldest first.
func (s *Service) History(ctx context.Context, documentID uuid.UUID) ([]entity.StatusEvent, error) {
	if _, err := s.docs.GetByID(ctx, documentID); err != nil {
		return nil, err
	}
	return s.docs.ListEvents(ctx, documentID)
}

// Result is the consolidated read model of a document. Parts that were never produced are absent.
type Result struct {
	DocumentID     uuid.UUID                   `json:"document_id"`
	Filename       string                      `json:"filename"`
	Format         constants.Format            `json:"format,omitempty"`
	Status         status.Snapshot             `json:"status"`
	BaseText       string                      `json:"base_text,omitempty"`
	BaseSource     constants.Source            `json:"base_source,omitempty"`
	Summary        string                      `json:"summary,omitempty"`
	PerSourceTexts map[constants.Source]string `json:"per_source_texts,omitempty"`
	Tables         []json.RawMessage           `json:"tables,omitempty"`
	LineItems      []json.RawMessage           `json:"line_items,omitempty"`
	KeyValues      []json.RawMessage           `json:"key_values,omitempty"`
	StructuredData json.RawMessage             `json:"structured_data,omitempty"`
	Metrics        *metrics.Summary            `json:"metrics,omitempty"`
	Invocations    []entity.MetricsRecord      `json:"invocations,omitempty"`
}

// GetResult assembles the result from content, extraction and metrics records. The base text
// is the one the latest run merged on. Only a missing document or a failing store is an error.
func (s *Service) GetResult(ctx context.Context, documentID uuid.UUID) (*Result, error) {
	doc, err := s.docs.GetByID(ctx, documentID)
	if err != nil {
		return nil, err
	}
	res := &Result{
		DocumentID: doc.ID,
		Filename:   doc.Filename,
		Format:     doc.Format,
		Status: status.Snapshot{
			Status: doc.Status,
			Label:  doc.StatusLabel,
			Error:  doc.LastError,
			Stage:  doc.ErrorStage,
		},
	}

	contents, err := s.content.ListByDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if len(contents) > 0 {
		res.PerSourceTexts = make(map[constants.Source]string, len(contents))
		for _, c := range contents {
			res.PerSourceTexts[c.Source] = c.Text
		}
	}
	if base, ok := res.PerSourceTexts[doc.BaseSource]; ok && doc.BaseSource != "" {
		res.BaseText = base
		res.BaseSource = doc.BaseSource
		res.Summary = merge.Summary(base)
	}

	recs, err := s.extractions.ListByDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	for _, rec := range recs {
		switch rec.Kind {
		case constants.KindTable:
			res.Tables = append(res.Tables, rec.Payload)
		case constants.KindLineItems:
			res.LineItems = append(res.LineItems, unwrapList(rec.Payload, "items", s.logger)...)
		case constants.KindKeyValue:
			res.KeyValues = append(res.KeyValues, unwrapList(rec.Payload, "pairs", s.logger)...)
		case constants.KindStructuredData:
			res.StructuredData = rec.Payload
		}
	}

	if s.metrics != nil {
		rows, err := s.metrics.ListByDocument(ctx, documentID)
		if err != nil {
			return nil, err
		}
		if len(rows) > 0 {
			sum := metrics.Summarize(rows)
			res.Metrics = &sum
			res.Invocations = rows
		}
	}
	return res, nil
}

// unwrapList returns the elements of payload[key]. A payload that cannot be read yields nothing.
func unwrapList(payload json.RawMessage, key string, logger *slog.Logger) []json.RawMessage {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(payload, &doc); err != nil {
		logger.Warn("result.payload.unreadable", "key", key, "error", err)
		return nil
	}
	var items []json.RawMessage
	if raw, ok := doc[key]; ok {
		if err := json.Unmarshal(raw, &items); err != nil {
			logger.Warn("result.payload.unreadable", "key", key, "error", err)
			return nil
		}
	}
	return items
}
