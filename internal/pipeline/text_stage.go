package pipeline

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/docpipeline/constants"
	"github.com/joseph-ayodele/docpipeline/internal/convert"
	"github.com/joseph-ayodele/docpipeline/internal/entity"
	"github.com/joseph-ayodele/docpipeline/internal/textsource"
)

// dispatch runs the applicable backends, notes each isolated failure as a sub-event,
// moves the document to merging and stores one content record per successful source.
func (p *Processor) dispatch(ctx context.Context, doc *entity.Document, format constants.Format, data []byte, pages []convert.Page) (textsource.Result, error) {
	current := constants.StatusExtractingText
	if len(pages) > 0 {
		current = constants.StatusOCRProcessing
	}

	start := time.Now()
	res := p.Dispatcher.Dispatch(ctx, documentInput(doc, format, data, pages))
	var stageErr error
	if len(res.Outputs) == 0 && len(res.Failures) > 0 {
		stageErr = fmt.Errorf("all %d backend(s) failed", len(res.Failures))
	}
	p.recordStage(ctx, doc.ID, constants.StageDispatch, start, stageErr)

	msgs := make([]string, 0, len(res.Failures))
	for _, f := range res.Failures {
		msgs = append(msgs, fmt.Sprintf("%s: %v", f.Source, f.Err))
	}
	sources := sortedSources(res.Outputs)
	for _, src := range sources {
		for _, pe := range res.Outputs[src].PageErrors {
			msgs = append(msgs, fmt.Sprintf("%s: page %d unavailable: %s", src, pe.Page, pe.Reason))
		}
	}
	if err := p.noteAll(ctx, doc.ID, current, constants.StageDispatch, msgs); err != nil {
		return res, err
	}

	if err := p.Tracker.Advance(ctx, doc.ID, constants.StatusMerging); err != nil {
		return res, err
	}
	for _, src := range sources {
		out := res.Outputs[src]
		if err := p.Content.Upsert(ctx, doc.ID, src, out.Text, contentMetadata(format, len(pages), out)); err != nil {
			return res, err
		}
	}
	return res, nil
}

func contentMetadata(format constants.Format, pages int, out textsource.Output) map[string]any {
	md := make(map[string]any, len(out.Metadata)+6)
	for k, v := range out.Metadata {
		md[k] = v
	}
	md["format"] = format
	md["char_count"] = len([]rune(out.Text))
	if pages > 0 {
		md["page_count"] = pages
	}
	if out.Partial {
		md["partial"] = true
	}
	if len(out.Tables) > 0 {
		md["table_count"] = len(out.Tables)
	}
	if out.Model != "" {
		md["model"] = out.Model
	}
	if out.Usage != nil {
		md["usage"] = out.Usage
	}
	return md
}

func sortedSources(outputs map[constants.Source]textsource.Output) []constants.Source {
	out := make([]constants.Source, 0, len(outputs))
	for src := range outputs {
		out = append(out, src)
	}
	slices.Sort(out)
	return out
}

// noteAll records messages as sub-events of the current state.
func (p *Processor) noteAll(ctx context.Context, id uuid.UUID, current constants.DocumentStatus, stage string, msgs []string) error {
	for _, m := range msgs {
		if err := p.Tracker.Note(ctx, id, current, stage, m); err != nil {
			return err
		}
	}
	return nil
}
