package textsource

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/joseph-ayodele/docpipeline/constants"
	"github.com/joseph-ayodele/docpipeline/internal/common"
	"github.com/joseph-ayodele/docpipeline/internal/ocr"
)

// PageMarker precedes the text of each page in OCR output.
func PageMarker(page int) string { return fmt.Sprintf("--- page %d ---", page) }

// MissingPage stands in for a page whose OCR call failed.
func MissingPage(page int, reason string) string {
	return fmt.Sprintf("[page %d unavailable: %s]", page, reason)
}

type OCRConfig struct {
	Model       string
	Concurrency int           // pages in flight per document, default 4
	PageTimeout time.Duration // 0 = rely on the client timeout
	Retry       RetryPolicy
}

// OCRBackend sends every page raster to the OCR client and stitches the pages back in order.
type OCRBackend struct {
	client ocr.Client
	cfg    OCRConfig
	logger *slog.Logger
}

func NewOCRBackend(client ocr.Client, cfg OCRConfig, logger *slog.Logger) *OCRBackend {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.Model == "" {
		cfg.Model = client.DefaultModel()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OCRBackend{client: client, cfg: cfg, logger: logger}
}

func (b *OCRBackend) Source() constants.Source { return constants.SourceOCR }

func (b *OCRBackend) Supports(format constants.Format) bool { return format.NeedsRasters() }

type pageResult struct {
	inf ocr.Inference
	err error
}

func (b *OCRBackend) Extract(ctx context.Context, in Input) (Output, error) {
	if len(in.Pages) == 0 {
		return Output{}, common.BackendError(string(b.Source()), "no page rasters", common.ErrInvalidInput)
	}
	start := time.Now()
	model := b.cfg.Model
	if in.Model != "" {
		model = in.Model
	}
	results := make([]pageResult, len(in.Pages))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.cfg.Concurrency)
	for i, page := range in.Pages {
		g.Go(func() error {
			results[i] = b.page(gctx, page.Image, page.MIME, model)
			return nil
		})
	}
	_ = g.Wait()

	var (
		parts     []string
		pageErrs  []PageError
		tables    []Table
		usage     ocr.Usage
		firstErr  error
		succeeded int
	)
	for i, r := range results {
		n := in.Pages[i].Index
		parts = append(parts, PageMarker(n))
		if r.err != nil {
			reason := failureReason(r.err)
			pageErrs = append(pageErrs, PageError{Page: n, Reason: reason})
			parts = append(parts, MissingPage(n, reason))
			if firstErr == nil {
				firstErr = r.err
			}
			b.logger.Warn("ocr.page.failed", "document_id", in.DocumentID, "page", n, "error", r.err)
			continue
		}
		succeeded++
		usage = usage.Add(r.inf.Usage)
		parts = append(parts, r.inf.Text)
		for _, rows := range markdownTables(r.inf.Text) {
			tables = append(tables, Table{Cells: rows, Page: n, Index: len(tables)})
		}
	}

	if succeeded == 0 {
		return Output{}, common.BackendError(string(b.Source()),
			fmt.Sprintf("all %d pages failed", len(in.Pages)), errors.New(failureReason(firstErr)))
	}

	out := Output{
		Text:       strings.Join(parts, "\n\n"),
		Tables:     tables,
		Model:      model,
		Usage:      &usage,
		Partial:    len(pageErrs) > 0,
		PageErrors: pageErrs,
		Metadata: map[string]any{
			"provider":     b.client.Name(),
			"model":        model,
			"pages":        len(in.Pages),
			"pages_failed": len(pageErrs),
		},
	}
	if len(pageErrs) > 0 {
		out.Metadata["page_errors"] = pageErrs
	}
	b.logger.Info("ocr.document.ok", "document_id", in.DocumentID, "pages", len(in.Pages),
		"pages_failed", len(pageErrs), "total_tokens", usage.TotalTokens,
		"elapsed_ms", time.Since(start).Milliseconds())
	return out, nil
}

// page runs one OCR call, retried once on transient errors.
func (b *OCRBackend) page(ctx context.Context, image []byte, mime, model string) pageResult {
	inf, err := retry(ctx, b.cfg.Retry, func(ctx context.Context) (ocr.Inference, error) {
		if b.cfg.PageTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, b.cfg.PageTimeout)
			defer cancel()
		}
		return b.client.Infer(ctx, image, mime, model)
	})
	return pageResult{inf: inf, err: err}
}

func failureReason(err error) string {
	switch {
	case err == nil:
		return "unknown error"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return "timeout"
	}
	var se *ocr.StatusError
	if errors.As(err, &se) {
		return fmt.Sprintf("provider status %d", se.Code)
	}
	msg := err.Error()
	if len(msg) > 120 {
		msg = msg[:120]
	}
	return msg
}
