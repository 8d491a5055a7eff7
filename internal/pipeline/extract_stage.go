package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/docpipeline/constants"
	"github.com/joseph-ayodele/docpipeline/internal/extraction"
	"github.com/joseph-ayodele/docpipeline/internal/merge"
	"github.com/joseph-ayodele/docpipeline/internal/textsource"
)

// extract derives structured records and replaces the document's previous ones.
// Table failures are isolated into the result; only persistence errors are returned.
func (p *Processor) extract(ctx context.Context, id uuid.UUID, outputs map[constants.Source]textsource.Output, base merge.Resolution) (extraction.Result, error) {
	start := time.Now()
	res := p.Extractor.Extract(outputs, base)
	recs, err := res.Records(id)
	if err != nil {
		p.logger.Warn("pipeline.extract.encode_failed", "document_id", id, "error", err)
		res.Errors = append(res.Errors, extraction.TableError{Index: -1, Source: res.Source, Err: err})
		recs = nil
	}

	msgs := make([]string, 0, len(res.Errors))
	for _, e := range res.Errors {
		msgs = append(msgs, e.Error())
	}
	if err := p.noteAll(ctx, id, constants.StatusProcessing, constants.StageExtract, msgs); err != nil {
		return res, err
	}

	if err := p.Extractions.Replace(ctx, id, recs); err != nil {
		return res, err
	}
	var stageErr error
	if res.Failed() {
		stageErr = fmt.Errorf("%d table(s) skipped", len(res.Errors))
	}
	p.recordStage(ctx, id, constants.StageExtract, start, stageErr)
	p.logger.Info("pipeline.extracted", "document_id", id, "source", res.Source, "records", len(recs),
		"skipped", len(res.Errors), "elapsed_ms", time.Since(start).Milliseconds())
	return res, nil
}
