package textsource

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/joseph-ayodele/docpipeline/constants"
	"github.com/joseph-ayodele/docpipeline/internal/common"
)

// ErrNoTextLayer means the PDF has no embedded text, typically a scan.
var ErrNoTextLayer = errors.New("pdf has no embedded text layer")

// PDFTextBackend reads the embedded text layer of a PDF.
type PDFTextBackend struct {
	logger *slog.Logger
}

func NewPDFTextBackend(logger *slog.Logger) *PDFTextBackend {
	if logger == nil {
		logger = slog.Default()
	}
	return &PDFTextBackend{logger: logger}
}

func (b *PDFTextBackend) Source() constants.Source { return constants.SourcePDFText }

func (b *PDFTextBackend) Supports(format constants.Format) bool { return format == constants.FormatPDF }

func (b *PDFTextBackend) Extract(ctx context.Context, in Input) (out Output, err error) {
	// The parser panics on some malformed files.
	defer func() {
		if r := recover(); r != nil {
			err = common.BackendError(string(b.Source()), "parse pdf", fmt.Errorf("panic: %v", r))
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(in.Data), int64(len(in.Data)))
	if err != nil {
		return Output{}, common.BackendError(string(b.Source()), "open pdf", err)
	}

	total := r.NumPage()
	var (
		parts    []string
		nonEmpty int
	)
	for i := 1; i <= total; i++ {
		if err := ctx.Err(); err != nil {
			return Output{}, err
		}
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			b.logger.Warn("pdf_text.page_failed", "document_id", in.DocumentID, "page", i, "error", err)
			continue
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		nonEmpty++
		parts = append(parts, PageMarker(i), text)
	}
	if nonEmpty == 0 {
		return Output{}, common.BackendError(string(b.Source()), "extract text", ErrNoTextLayer)
	}
	return Output{
		Text:     strings.Join(parts, "\n\n"),
		Metadata: map[string]any{"pages": total, "pages_with_text": nonEmpty},
	}, nil
}
