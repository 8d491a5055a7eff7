// Package pipeline runs one document through classification, conversion, text dispatch,
// merge and structured extraction, persisting every status transition on the way.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/docpipeline/constants"
	"github.com/joseph-ayodele/docpipeline/internal/classify"
	"github.com/joseph-ayodele/docpipeline/internal/common"
	"github.com/joseph-ayodele/docpipeline/internal/convert"
	"github.com/joseph-ayodele/docpipeline/internal/entity"
	"github.com/joseph-ayodele/docpipeline/internal/extraction"
	"github.com/joseph-ayodele/docpipeline/internal/merge"
	"github.com/joseph-ayodele/docpipeline/internal/repository"
	"github.com/joseph-ayodele/docpipeline/internal/status"
	"github.com/joseph-ayodele/docpipeline/internal/storage"
	"github.com/joseph-ayodele/docpipeline/internal/textsource"
)

// Converter renders a document into page rasters.
type Converter interface {
	Convert(ctx context.Context, data []byte, format constants.Format, filename string) ([]convert.Page, error)
}

// StageRecorder stores the timing of a pipeline stage.
type StageRecorder interface {
	RecordStage(ctx context.Context, documentID uuid.UUID, stage string, start time.Time, err error) error
}

// Deps are the collaborators of a Processor. Metrics may be nil.
type Deps struct {
	Documents   repository.DocumentRepository
	Content     repository.ContentRepository
	Extractions repository.ExtractionRepository
	Store       storage.Store
	Tracker     *status.Tracker
	Converter   Converter
	Dispatcher  *textsource.Dispatcher
	Resolver    *merge.Resolver
	Extractor   *extraction.Service
	Metrics     StageRecorder
}

// Outcome summarises one run.
type Outcome struct {
	Status     constants.DocumentStatus
	Format     constants.Format
	BaseSource constants.Source
	Pages      int
	Failures   []textsource.SourceFailure
	Reason     string // why the run ended partial
}

type Processor struct {
	Deps
	logger *slog.Logger
}

func NewProcessor(deps Deps, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{Deps: deps, logger: logger}
}

// Process implements async.Processor.
func (p *Processor) Process(ctx context.Context, documentID uuid.UUID) error {
	_, err := p.Run(ctx, documentID)
	return err
}

// Run processes a submitted document to processed, partial or failed. Stages run strictly in order
// and each transition is stored before the next stage starts. A fatal error is returned after the
// document has been marked failed; if the document disappears the run stops without further writes.
func (p *Processor) Run(ctx context.Context, documentID uuid.UUID) (Outcome, error) {
	start := time.Now()
	doc, err := p.Documents.GetByID(ctx, documentID)
	if err != nil {
		return Outcome{}, err
	}
	if doc.Status != constants.StatusSubmitted {
		return Outcome{Status: doc.Status}, common.NewAppError("NOT_SUBMITTED",
			fmt.Sprintf("document is %s", doc.Status), common.ErrConflict)
	}
	log := p.logger.With("document_id", documentID)
	log.Info("pipeline.start", "filename", doc.Filename)

	// download
	if err := p.Tracker.Advance(ctx, documentID, constants.StatusDownloading); err != nil {
		return Outcome{}, p.abort(ctx, documentID, constants.StageDownload, err)
	}
	data, err := p.Store.Get(ctx, doc.StorageRef)
	if err != nil {
		return p.fail(ctx, documentID, constants.StageDownload, err)
	}
	if err := p.Tracker.Advance(ctx, documentID, constants.StatusDownloaded); err != nil {
		return Outcome{}, p.abort(ctx, documentID, constants.StageDownload, err)
	}

	// classify
	format := classify.Classify(data, doc.Filename, doc.ContentType)
	out := Outcome{Format: format}
	if err := p.Documents.SetFormat(ctx, documentID, format); err != nil {
		return out, p.abort(ctx, documentID, constants.StageClassify, err)
	}
	if format == constants.FormatUnknown {
		cerr := common.ClassificationError(fmt.Sprintf("unrecognised format for %q", doc.Filename))
		o, err := p.fail(ctx, documentID, constants.StageClassify, cerr)
		o.Format = format
		return o, err
	}
	log.Info("pipeline.classified", "format", format, "bytes", len(data))

	// convert
	var pages []convert.Page
	if format.NeedsRasters() {
		if err := p.Tracker.Advance(ctx, documentID, constants.StatusConverting); err != nil {
			return out, p.abort(ctx, documentID, constants.StageConvert, err)
		}
		cstart := time.Now()
		pages, err = p.Converter.Convert(ctx, data, format, doc.Filename)
		p.recordStage(ctx, documentID, constants.StageConvert, cstart, err)
		if err != nil {
			if common.CodeOf(err) != common.CodeConversion {
				err = common.ConversionError("convert", err)
			}
			o, ferr := p.fail(ctx, documentID, constants.StageConvert, err)
			o.Format = format
			return o, ferr
		}
		out.Pages = len(pages)
		if err := p.Tracker.Advance(ctx, documentID, constants.StatusOCRProcessing); err != nil {
			return out, p.abort(ctx, documentID, constants.StageConvert, err)
		}
	} else {
		if err := p.Tracker.Advance(ctx, documentID, constants.StatusExtractingText); err != nil {
			return out, p.abort(ctx, documentID, constants.StageDispatch, err)
		}
	}

	// dispatch + merge
	texts, err := p.dispatch(ctx, doc, format, data, pages)
	if err != nil {
		return out, p.abort(ctx, documentID, constants.StageMerge, err)
	}
	out.Failures = texts.Failures
	base, ok := p.Resolver.Resolve(texts.Outputs)
	if !ok {
		if err := p.Extractions.Replace(ctx, documentID, nil); err != nil {
			return out, p.abort(ctx, documentID, constants.StagePersist, err)
		}
		if err := p.Documents.SetBaseSource(ctx, documentID, ""); err != nil {
			return out, p.abort(ctx, documentID, constants.StagePersist, err)
		}
		out.Reason = "no text available"
		if len(texts.Failures) > 0 {
			out.Reason = fmt.Sprintf("no text available: %d backend(s) failed", len(texts.Failures))
		}
		if len(texts.Invoked) == 0 {
			out.Reason = "no text available: no backend applies to " + string(format)
		}
		return p.settlePartial(ctx, out, documentID, constants.StageMerge, start)
	}
	out.BaseSource = base.Source
	log.Info("pipeline.merged", "base_source", base.Source, "chars", len(base.Text), "partial", base.Partial)

	// structured extraction
	if err := p.Tracker.Advance(ctx, documentID, constants.StatusProcessing); err != nil {
		return out, p.abort(ctx, documentID, constants.StageExtract, err)
	}
	res, err := p.extract(ctx, documentID, texts.Outputs, base)
	if err != nil {
		return out, p.abort(ctx, documentID, constants.StagePersist, err)
	}
	// Stored with the extraction records so results read back the text they were built from.
	if err := p.Documents.SetBaseSource(ctx, documentID, base.Source); err != nil {
		return out, p.abort(ctx, documentID, constants.StagePersist, err)
	}

	switch {
	case base.Partial:
		out.Reason = fmt.Sprintf("%s text is incomplete", base.Source)
		if o, ok := texts.Outputs[base.Source]; ok && len(o.PageErrors) > 0 {
			out.Reason = fmt.Sprintf("%s: %d page(s) unavailable", base.Source, len(o.PageErrors))
		}
		return p.settlePartial(ctx, out, documentID, constants.StageDispatch, start)
	case res.Failed():
		out.Reason = fmt.Sprintf("%d table(s) could not be extracted", len(res.Errors))
		return p.settlePartial(ctx, out, documentID, constants.StageExtract, start)
	}

	if err := p.Tracker.Advance(ctx, documentID, constants.StatusProcessed); err != nil {
		return out, p.abort(ctx, documentID, constants.StagePersist, err)
	}
	out.Status = constants.StatusProcessed
	log.Info("pipeline.processed", "format", format, "base_source", base.Source,
		"elapsed_ms", time.Since(start).Milliseconds())
	return out, nil
}

func (p *Processor) settlePartial(ctx context.Context, out Outcome, id uuid.UUID, stage string, start time.Time) (Outcome, error) {
	if err := p.Tracker.Partial(ctx, id, stage, out.Reason); err != nil {
		return out, p.abort(ctx, id, stage, err)
	}
	out.Status = constants.StatusPartial
	p.logger.Info("pipeline.partial", "document_id", id, "reason", out.Reason,
		"elapsed_ms", time.Since(start).Milliseconds())
	return out, nil
}

// fail marks the document failed at stage and returns cause.
func (p *Processor) fail(ctx context.Context, id uuid.UUID, stage string, cause error) (Outcome, error) {
	return p.failKeep(ctx, Outcome{}, id, stage, cause)
}

func (p *Processor) failKeep(ctx context.Context, out Outcome, id uuid.UUID, stage string, cause error) (Outcome, error) {
	if common.IsGone(cause) {
		p.logger.Warn("pipeline.aborted", "document_id", id, "stage", stage, "reason", "document no longer exists")
		return out, cause
	}
	// The run's context may already be cancelled; the failure must still be stored.
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := p.Tracker.Fail(fctx, id, stage, cause); err != nil {
		p.logger.Error("pipeline.fail.persist_failed", "document_id", id, "stage", stage, "error", err)
	}
	p.logger.Error("pipeline.failed", "document_id", id, "stage", stage, "error", cause)
	out.Status = constants.StatusFailed
	return out, cause
}

// abort handles errors from persistence. A vanished document stops the run without further
// writes and so does a document another run has moved on; anything else is stored as a failure.
func (p *Processor) abort(ctx context.Context, id uuid.UUID, stage string, err error) error {
	switch {
	case common.IsGone(err):
		p.logger.Warn("pipeline.aborted", "document_id", id, "stage", stage, "reason", "document no longer exists")
		return err
	case errors.Is(err, repository.ErrStaleTransition):
		p.logger.Warn("pipeline.aborted", "document_id", id, "stage", stage, "reason", err.Error())
		return err
	}
	_, err = p.failKeep(ctx, Outcome{}, id, stage, markPersistence(err))
	return err
}

func markPersistence(err error) error {
	if common.CodeOf(err) == "" {
		return common.PersistenceError("persist", err)
	}
	return err
}

func (p *Processor) recordStage(ctx context.Context, id uuid.UUID, stage string, start time.Time, err error) {
	if p.Metrics == nil {
		return
	}
	if rerr := p.Metrics.RecordStage(context.WithoutCancel(ctx), id, stage, start, err); rerr != nil {
		p.logger.Warn("pipeline.stage_metrics.lost", "document_id", id, "stage", stage, "error", rerr)
	}
}

// documentInput builds the dispatcher input.
func documentInput(doc *entity.Document, format constants.Format, data []byte, pages []convert.Page) textsource.Input {
	var model string
	if doc.OCRModel != nil {
		model = *doc.OCRModel
	}
	return textsource.Input{
		DocumentID: doc.ID,
		Format:     format,
		Filename:   doc.Filename,
		MIME:       doc.ContentType,
		Data:       data,
		Pages:      pages,
		Model:      model,
	}
}
