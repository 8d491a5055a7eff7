package textsource

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"

	"github.com/joseph-ayodele/docpipeline/constants"
	"github.com/joseph-ayodele/docpipeline/internal/common"
)

// StructuredBackend reads text formats directly. With IncludeOffice it also reads office and
// markup files as plain text, for deployments where preprocessing is disabled.
type StructuredBackend struct {
	IncludeOffice bool
	logger        *slog.Logger
}

func NewStructuredBackend(includeOffice bool, logger *slog.Logger) *StructuredBackend {
	if logger == nil {
		logger = slog.Default()
	}
	return &StructuredBackend{IncludeOffice: includeOffice, logger: logger}
}

func (b *StructuredBackend) Source() constants.Source { return constants.SourceStructuredText }

func (b *StructuredBackend) Supports(format constants.Format) bool {
	return format.IsText() || (b.IncludeOffice && format.IsOffice())
}

func (b *StructuredBackend) Extract(ctx context.Context, in Input) (Output, error) {
	if err := ctx.Err(); err != nil {
		return Output{}, err
	}
	var (
		out Output
		err error
	)
	switch in.Format {
	case constants.FormatDelimitedText:
		out, err = readDelimited(in.Data, in.Filename)
	case constants.FormatPlainText:
		out = Output{Text: decodeText(in.Data)}
	case constants.FormatSemiStructured:
		out, err = readSemiStructured(in.Data)
	case constants.FormatMarkup:
		out, err = readMarkupPlain(in.Data)
	case constants.FormatWordProcessing:
		out, err = readWordPlain(in.Data)
	case constants.FormatSpreadsheet:
		out, err = readSpreadsheetPlain(in.Data)
	case constants.FormatPresentation:
		var slides []string
		slides, err = readPresentation(in.Data)
		out = Output{Text: strings.Join(slides, "\n\n")}
	default:
		return Output{}, common.BackendError(string(b.Source()), fmt.Sprintf("format %q not supported", in.Format), common.ErrInvalidInput)
	}
	if err != nil {
		return Output{}, common.BackendError(string(b.Source()), "read "+string(in.Format), err)
	}
	out.Text = strings.TrimSpace(out.Text)
	if out.Metadata == nil {
		out.Metadata = map[string]any{}
	}
	out.Metadata["format"] = string(in.Format)
	b.logger.Debug("structured.ok", "document_id", in.DocumentID, "format", in.Format, "chars", len(out.Text))
	return out, nil
}

// decodeText drops a UTF-8 BOM, normalizes line endings and replaces invalid bytes.
func decodeText(data []byte) string {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	s := string(data)
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, "�")
	}
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\r", "\n")
}

// sniffDelimiter picks tab or semicolon when the first line has more of them than commas.
func sniffDelimiter(text, filename string) rune {
	if strings.EqualFold(filepath.Ext(filename), ".tsv") {
		return '\t'
	}
	first := text
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		first = text[:i]
	}
	best, n := ',', strings.Count(first, ",")
	for _, d := range []rune{'\t', ';', '|'} {
		if c := strings.Count(first, string(d)); c > n {
			best, n = d, c
		}
	}
	return best
}

func readDelimited(data []byte, filename string) (Output, error) {
	text := decodeText(data)
	r := csv.NewReader(strings.NewReader(text))
	r.Comma = sniffDelimiter(text, filename)
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	r.TrimLeadingSpace = true

	var rows [][]string
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Output{}, fmt.Errorf("parse delimited text: %w", err)
		}
		if !allEmpty(rec) {
			rows = append(rows, rec)
		}
	}
	out := Output{
		Text:     text,
		Metadata: map[string]any{"rows": len(rows), "delimiter": string(r.Comma)},
	}
	if len(rows) > 0 {
		out.Tables = []Table{{Cells: rows, Index: 0}}
	}
	return out, nil
}

// readSemiStructured pretty-prints JSON, lifting top-level scalars into key/values and
// arrays of objects into a table. XML is flattened to its character data.
func readSemiStructured(data []byte) (Output, error) {
	text := strings.TrimSpace(decodeText(data))
	if strings.HasPrefix(text, "{") || strings.HasPrefix(text, "[") {
		var v any
		if err := json.Unmarshal([]byte(text), &v); err == nil {
			return jsonOutput(text, v), nil
		}
	}
	if strings.HasPrefix(text, "<") {
		flat, err := xmlText(text)
		if err == nil {
			return Output{Text: flat, Metadata: map[string]any{"syntax": "xml"}}, nil
		}
	}
	// YAML and malformed documents are kept verbatim.
	return Output{Text: text, Metadata: map[string]any{"syntax": "text"}}, nil
}

func jsonOutput(raw string, v any) Output {
	var buf bytes.Buffer
	text := raw
	if err := json.Indent(&buf, []byte(raw), "", "  "); err == nil {
		text = buf.String()
	}
	out := Output{Text: text, Metadata: map[string]any{"syntax": "json"}}

	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if s, ok := scalarString(t[k]); ok {
				out.KeyValues = append(out.KeyValues, KeyValue{Key: k, Value: s})
			}
			if arr, ok := t[k].([]any); ok {
				if tbl := objectsTable(arr); tbl != nil {
					out.Tables = append(out.Tables, Table{Cells: tbl, Title: k, Index: len(out.Tables)})
				}
			}
		}
	case []any:
		if tbl := objectsTable(t); tbl != nil {
			out.Tables = []Table{{Cells: tbl, Index: 0}}
		}
	}
	return out
}

// objectsTable turns an array of flat objects into rows, header = sorted union of keys.
func objectsTable(arr []any) [][]string {
	if len(arr) == 0 {
		return nil
	}
	seen := map[string]bool{}
	var header []string
	for _, item := range arr {
		obj, ok := item.(map[string]any)
		if !ok {
			return nil
		}
		for k := range obj {
			if !seen[k] {
				seen[k] = true
				header = append(header, k)
			}
		}
	}
	sort.Strings(header)
	rows := [][]string{header}
	for _, item := range arr {
		obj := item.(map[string]any)
		row := make([]string, len(header))
		for i, k := range header {
			if s, ok := scalarString(obj[k]); ok {
				row[i] = s
			} else if obj[k] != nil {
				b, _ := json.Marshal(obj[k])
				row[i] = string(b)
			}
		}
		rows = append(rows, row)
	}
	return rows
}

func scalarString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case float64:
		return fmt.Sprint(t), true
	case bool:
		return fmt.Sprint(t), true
	}
	return "", false
}

func xmlText(s string) (string, error) {
	dec := xml.NewDecoder(strings.NewReader(s))
	dec.Strict = false
	var lines []string
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", err
		}
		if cd, ok := tok.(xml.CharData); ok {
			if t := strings.TrimSpace(string(cd)); t != "" {
				lines = append(lines, t)
			}
		}
	}
	return strings.Join(lines, "\n"), nil
}

func readMarkupPlain(data []byte) (Output, error) {
	doc, err := html.Parse(bytes.NewReader(data))
	if err != nil {
		return Output{}, fmt.Errorf("parse html: %w", err)
	}
	return Output{Text: htmlPlainText(doc)}, nil
}

func readWordPlain(data []byte) (Output, error) {
	blocks, err := readWord(data)
	if err != nil {
		return Output{}, err
	}
	var lines []string
	for _, b := range blocks {
		if b.Table != nil {
			for _, r := range b.Table {
				lines = append(lines, strings.Join(r, "\t"))
			}
			continue
		}
		lines = append(lines, b.Text)
	}
	return Output{Text: strings.Join(lines, "\n")}, nil
}

func readSpreadsheetPlain(data []byte) (Output, error) {
	sheets, err := readSpreadsheet(data)
	if err != nil {
		return Output{}, err
	}
	var (
		parts  []string
		tables []Table
	)
	for _, s := range sheets {
		lines := []string{s.Name}
		for _, r := range s.Rows {
			lines = append(lines, strings.Join(r, "\t"))
		}
		parts = append(parts, strings.Join(lines, "\n"))
		tables = append(tables, Table{Cells: s.Rows, Title: s.Name, Index: len(tables)})
	}
	return Output{Text: strings.Join(parts, "\n\n"), Tables: tables}, nil
}
