package textsource

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"

	"github.com/joseph-ayodele/docpipeline/constants"
	"github.com/joseph-ayodele/docpipeline/internal/common"
)

// PreprocessBackend turns office and markup documents into markdown plus tables in one pass.
type PreprocessBackend struct {
	md     *converter.Converter
	policy *bluemonday.Policy
	logger *slog.Logger
}

func NewPreprocessBackend(logger *slog.Logger) *PreprocessBackend {
	if logger == nil {
		logger = slog.Default()
	}
	return &PreprocessBackend{
		md: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(),
			),
		),
		policy: bluemonday.UGCPolicy(),
		logger: logger,
	}
}

func (b *PreprocessBackend) Source() constants.Source { return constants.SourcePreprocess }

func (b *PreprocessBackend) Supports(format constants.Format) bool { return format.IsOffice() }

func (b *PreprocessBackend) Extract(ctx context.Context, in Input) (Output, error) {
	if err := ctx.Err(); err != nil {
		return Output{}, err
	}
	var (
		out Output
		err error
	)
	switch in.Format {
	case constants.FormatMarkup:
		out, err = b.markup(in.Data)
	case constants.FormatWordProcessing:
		out, err = b.word(in.Data)
	case constants.FormatSpreadsheet:
		out, err = b.spreadsheet(in.Data)
	case constants.FormatPresentation:
		out, err = b.presentation(in.Data)
	default:
		return Output{}, common.BackendError(string(b.Source()), fmt.Sprintf("format %q not supported", in.Format), common.ErrInvalidInput)
	}
	if err != nil {
		return Output{}, common.BackendError(string(b.Source()), "preprocess "+string(in.Format), err)
	}
	out.Text = strings.TrimSpace(out.Text)
	if out.Metadata == nil {
		out.Metadata = map[string]any{}
	}
	out.Metadata["format"] = string(in.Format)
	out.Metadata["tables"] = len(out.Tables)
	b.logger.Debug("preprocess.ok", "document_id", in.DocumentID, "format", in.Format,
		"chars", len(out.Text), "tables", len(out.Tables))
	return out, nil
}

func (b *PreprocessBackend) markup(data []byte) (Output, error) {
	clean := b.policy.SanitizeBytes(data)
	md, err := b.md.ConvertString(string(clean))
	if err != nil {
		return Output{}, fmt.Errorf("html to markdown: %w", err)
	}
	doc, err := html.Parse(strings.NewReader(string(clean)))
	if err != nil {
		return Output{}, fmt.Errorf("parse html: %w", err)
	}
	var tables []Table
	for i, rows := range htmlTables(doc) {
		tables = append(tables, Table{Cells: rows, Index: i})
	}
	return Output{Text: md, Tables: tables}, nil
}

func (b *PreprocessBackend) word(data []byte) (Output, error) {
	blocks, err := readWord(data)
	if err != nil {
		return Output{}, err
	}
	var (
		parts  []string
		tables []Table
	)
	for _, bl := range blocks {
		if bl.Table != nil {
			tables = append(tables, Table{Cells: bl.Table, Index: len(tables)})
			parts = append(parts, markdownTable(bl.Table))
			continue
		}
		parts = append(parts, bl.Text)
	}
	return Output{Text: strings.Join(parts, "\n\n"), Tables: tables}, nil
}

func (b *PreprocessBackend) spreadsheet(data []byte) (Output, error) {
	sheets, err := readSpreadsheet(data)
	if err != nil {
		return Output{}, err
	}
	var (
		parts  []string
		tables []Table
	)
	for _, s := range sheets {
		parts = append(parts, "## "+s.Name+"\n\n"+markdownTable(s.Rows))
		tables = append(tables, Table{Cells: s.Rows, Title: s.Name, Index: len(tables)})
	}
	return Output{
		Text:     strings.Join(parts, "\n\n"),
		Tables:   tables,
		Metadata: map[string]any{"sheets": len(sheets)},
	}, nil
}

func (b *PreprocessBackend) presentation(data []byte) (Output, error) {
	slides, err := readPresentation(data)
	if err != nil {
		return Output{}, err
	}
	parts := make([]string, 0, len(slides))
	for i, s := range slides {
		parts = append(parts, fmt.Sprintf("## Slide %d\n\n%s", i+1, s))
	}
	return Output{Text: strings.Join(parts, "\n\n"), Metadata: map[string]any{"slides": len(slides)}}, nil
}
