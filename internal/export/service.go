package export

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/xuri/excelize/v2"

	"github.com/joseph-ayodele/docpipeline/constants"
	"github.com/joseph-ayodele/docpipeline/internal/extraction"
	"github.com/joseph-ayodele/docpipeline/internal/pipeline"
)

// maxCellChars is the longest string a worksheet cell accepts.
const maxCellChars = 32767

// ResultSource loads the consolidated result of a document.
type ResultSource interface {
	GetResult(ctx context.Context, documentID uuid.UUID) (*pipeline.Result, error)
}

// Service is a tiny façade over the result query that produces XLSX bytes for exports.
type Service struct {
	results ResultSource
	logger  *slog.Logger
}

func NewService(results ResultSource, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{results: results, logger: logger}
}

// ExportResultXLSX returns an XLSX workbook (as bytes) with one sheet per part of the result.
// Sheets for parts that were never produced are left out.
func (s *Service) ExportResultXLSX(ctx context.Context, documentID uuid.UUID) ([]byte, error) {
	start := time.Now()
	res, err := s.results.GetResult(ctx, documentID)
	if err != nil {
		return nil, err
	}

	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	const summary = "Summary"
	if err := f.SetSheetName("Sheet1", summary); err != nil {
		return nil, err
	}
	sw := newSheet(f, summary)
	sw.row("Field", "Value")
	sw.row("Document ID", res.DocumentID.String())
	sw.row("Filename", res.Filename)
	sw.row("Format", string(res.Format))
	sw.row("Status", string(res.Status.Status))
	sw.row("Status Label", res.Status.Label)
	if res.Status.Error != nil {
		sw.row("Error", *res.Status.Error)
	}
	if res.Status.Stage != nil {
		sw.row("Error Stage", *res.Status.Stage)
	}
	if res.BaseSource != "" {
		sw.row("Base Source", string(res.BaseSource))
		sw.row("Summary", res.Summary)
	}
	_ = f.SetColWidth(summary, "A", "A", 18)
	_ = f.SetColWidth(summary, "B", "B", 80)

	if len(res.PerSourceTexts) > 0 {
		tw, err := addSheet(f, "Text")
		if err != nil {
			return nil, err
		}
		tw.row("Source", "Characters", "Text")
		sources := make([]string, 0, len(res.PerSourceTexts))
		for src := range res.PerSourceTexts {
			sources = append(sources, string(src))
		}
		slices.Sort(sources)
		for _, src := range sources {
			text := res.PerSourceTexts[constants.Source(src)]
			tw.row(src, len([]rune(text)), truncate(text, maxCellChars))
		}
		_ = f.SetColWidth("Text", "C", "C", 100)
	}

	tables := 0
	for _, raw := range res.Tables {
		var t extraction.Table
		if err := json.Unmarshal(raw, &t); err != nil {
			s.logger.Warn("export.table.unreadable", "document_id", documentID, "error", err)
			continue
		}
		tables++
		name := fmt.Sprintf("Table %d", tables)
		if t.Metadata.Page > 0 {
			name = fmt.Sprintf("Table %d (p%d)", tables, t.Metadata.Page)
		}
		tw, err := addSheet(f, name)
		if err != nil {
			return nil, err
		}
		tw.row(toAny(t.Headers)...)
		for _, r := range t.Rows {
			tw.row(toAny(r)...)
		}
	}

	if len(res.LineItems) > 0 {
		if err := writeLineItems(f, res.LineItems); err != nil {
			return nil, err
		}
	}

	if len(res.KeyValues) > 0 {
		kw, err := addSheet(f, "Key Values")
		if err != nil {
			return nil, err
		}
		kw.row("Key", "Value", "Source", "Page")
		for _, raw := range res.KeyValues {
			var kv extraction.KeyValue
			if err := json.Unmarshal(raw, &kv); err != nil {
				continue
			}
			page := any("")
			if kv.Page > 0 {
				page = kv.Page
			}
			kw.row(kv.Key, kv.Value, string(kv.Source), page)
		}
		_ = f.SetColWidth("Key Values", "A", "B", 32)
	}

	if len(res.Invocations) > 0 {
		mw, err := addSheet(f, "Metrics")
		if err != nil {
			return nil, err
		}
		mw.row("Stage", "Source", "Started", "Duration (ms)", "Prompt Tokens", "Completion Tokens", "Total Tokens", "Success", "Error")
		for _, m := range res.Invocations {
			mw.row(m.Stage, string(m.Source), m.StartedAt.UTC().Format(time.RFC3339), m.DurationMS,
				deref(m.PromptTokens), deref(m.CompletionTokens), deref(m.TotalTokens), m.Success, truncate(m.Error, 140))
		}
		_ = f.SetColWidth("Metrics", "C", "C", 22)
	}

	idx, _ := f.GetSheetIndex(summary)
	f.SetActiveSheet(idx)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}

	s.logger.Info("export.xlsx.ok",
		"document_id", documentID.String(),
		"tables", tables,
		"line_items", len(res.LineItems),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return buf.Bytes(), nil
}

// writeLineItems lays items out with one column per key, in order of first appearance.
// Bookkeeping keys (leading underscore) go last.
func writeLineItems(f *excelize.File, items []json.RawMessage) error {
	rows := make([]map[string]any, 0, len(items))
	var cols, meta []string
	seen := map[string]bool{}
	for _, raw := range items {
		var item map[string]any
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&item); err != nil {
			continue
		}
		rows = append(rows, item)
		for _, k := range orderedKeys(raw) {
			if seen[k] {
				continue
			}
			seen[k] = true
			if k != "" && k[0] == '_' {
				meta = append(meta, k)
			} else {
				cols = append(cols, k)
			}
		}
	}
	cols = append(cols, meta...)

	lw, err := addSheet(f, "Line Items")
	if err != nil {
		return err
	}
	lw.row(toAny(cols)...)
	for _, item := range rows {
		vals := make([]any, len(cols))
		for i, c := range cols {
			vals[i] = cellValue(item[c])
		}
		lw.row(vals...)
	}
	return nil
}

func cellValue(v any) any {
	switch x := v.(type) {
	case nil:
		return ""
	case string, bool:
		return x
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return n
		}
		return x.String()
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(b)
	}
}

func deref(p *int64) any {
	if p == nil {
		return ""
	}
	return *p
}

func truncate(s string, n int) string {
	r := []rune(s)
	if n <= 0 || len(r) <= n {
		return s
	}
	if n <= 1 {
		return string(r[:n])
	}
	return string(r[:n-1]) + "…"
}
