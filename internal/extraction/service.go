// Package extraction derives tables, line items, key/values and a document-type guess
// from backend outputs.
package extraction

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strings"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/joseph-ayodele/docpipeline/constants"
	"github.com/joseph-ayodele/docpipeline/internal/common"
	"github.com/joseph-ayodele/docpipeline/internal/entity"
	"github.com/joseph-ayodele/docpipeline/internal/merge"
	"github.com/joseph-ayodele/docpipeline/internal/textsource"
)

// structuredPreference is tried before any other backend that produced tables.
var structuredPreference = []constants.Source{constants.SourcePreprocess, constants.SourceOCR}

type KeyValue struct {
	Key    string           `json:"key"`
	Value  string           `json:"value"`
	Source constants.Source `json:"source"`
	Page   int              `json:"page,omitempty"`
}

// TableError is a table that was skipped.
type TableError struct {
	Index  int
	Source constants.Source
	Err    error
}

func (e TableError) Error() string {
	return fmt.Sprintf("%s table %d: %v", e.Source, e.Index, e.Err)
}

func (e TableError) Unwrap() error { return e.Err }

type Result struct {
	// Source is the backend whose tables were used; empty when no backend produced any.
	Source    constants.Source
	Tables    []Table
	LineItems []LineItem
	KeyValues []KeyValue
	DocType   *DocType
	Errors    []TableError
	baseSrc   constants.Source
}

// Failed reports whether any table had to be skipped.
func (r Result) Failed() bool { return len(r.Errors) > 0 }

type Service struct {
	schema *jsonschema.Schema
	logger *slog.Logger
}

func NewService(logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	schema, err := compileSchema("table.json", tableSchema)
	if err != nil {
		return nil, err
	}
	return &Service{schema: schema, logger: logger}, nil
}

// Extract never fails as a whole: a table that cannot be normalized or validated is
// reported in Result.Errors and the remaining tables are still extracted.
func (s *Service) Extract(outputs map[constants.Source]textsource.Output, base merge.Resolution) Result {
	res := Result{baseSrc: base.Source}

	if src, ok := structuredSource(outputs); ok {
		res.Source = src
		for i, raw := range outputs[src].Tables {
			t, err := s.table(src, i, raw)
			if err != nil {
				s.logger.Warn("extraction.table.skipped", "source", src, "table_index", i, "error", err)
				res.Errors = append(res.Errors, TableError{Index: i, Source: src, Err: common.ExtractionError(fmt.Sprintf("table %d", i), err)})
				continue
			}
			res.Tables = append(res.Tables, t)
			res.LineItems = append(res.LineItems, lineItems(t)...)
		}
	}

	res.KeyValues = keyValues(outputs, base)

	texts := make(map[constants.Source]string, len(outputs))
	for src, out := range outputs {
		texts[src] = out.Text
	}
	if dt, ok := ClassifyDocType(base.Text, texts); ok {
		res.DocType = &dt
	}

	s.logger.Debug("extraction.done", "source", res.Source, "tables", len(res.Tables),
		"line_items", len(res.LineItems), "key_values", len(res.KeyValues), "skipped", len(res.Errors))
	return res
}

func (s *Service) table(src constants.Source, index int, raw textsource.Table) (t Table, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	t, err = normalizeTable(raw)
	if err != nil {
		return Table{}, err
	}
	t.Metadata.TableIndex = index
	t.Metadata.Source = src
	if _, err := validatePayload(s.schema, t); err != nil {
		return Table{}, err
	}
	return t, nil
}

// structuredSource picks preprocess tables, else OCR tables, else the first other backend with tables.
func structuredSource(outputs map[constants.Source]textsource.Output) (constants.Source, bool) {
	for _, src := range structuredPreference {
		if out, ok := outputs[src]; ok && len(out.Tables) > 0 {
			return src, true
		}
	}
	var rest []constants.Source
	for src, out := range outputs {
		if len(out.Tables) > 0 {
			rest = append(rest, src)
		}
	}
	if len(rest) == 0 {
		return "", false
	}
	slices.Sort(rest)
	return rest[0], true
}

var kvLine = regexp.MustCompile(`^\s*([\p{L}][\p{L}\p{N} _/().#&-]{0,48}?)\s*:\s+(\S.*?)\s*$`)

// keyValues merges backend key/values with "Key: Value" lines of the base text.
// The first occurrence of a key (case-insensitive) wins.
func keyValues(outputs map[constants.Source]textsource.Output, base merge.Resolution) []KeyValue {
	var out []KeyValue
	seen := map[string]bool{}
	add := func(kv KeyValue) {
		k := strings.ToLower(strings.TrimSpace(kv.Key))
		if k == "" || seen[k] {
			return
		}
		seen[k] = true
		out = append(out, kv)
	}

	sources := make([]constants.Source, 0, len(outputs))
	for src := range outputs {
		sources = append(sources, src)
	}
	slices.Sort(sources)
	for _, src := range sources {
		for _, kv := range outputs[src].KeyValues {
			add(KeyValue{Key: kv.Key, Value: kv.Value, Source: src, Page: kv.Page})
		}
	}

	page := 0
	for _, line := range strings.Split(base.Text, "\n") {
		if n, ok := pageMarker(line); ok {
			page = n
			continue
		}
		m := kvLine.FindStringSubmatch(line)
		if m == nil || len(strings.Fields(m[1])) > 6 {
			continue
		}
		add(KeyValue{Key: m[1], Value: m[2], Source: base.Source, Page: page})
	}
	return out
}

func pageMarker(line string) (int, bool) {
	var n int
	if _, err := fmt.Sscanf(strings.TrimSpace(line), "--- page %d ---", &n); err != nil {
		return 0, false
	}
	return n, true
}

// Records turns the result into extraction rows for documentID.
func (r Result) Records(documentID uuid.UUID) ([]entity.ExtractionRecord, error) {
	var recs []entity.ExtractionRecord
	add := func(kind constants.ExtractionKind, src constants.Source, payload any, page, table *int) error {
		b, err := json.Marshal(payload)
		if err != nil {
			return common.ExtractionError(fmt.Sprintf("encode %s payload", kind), err)
		}
		recs = append(recs, entity.ExtractionRecord{
			ID:         uuid.New(),
			DocumentID: documentID,
			Kind:       kind,
			Source:     src,
			Payload:    b,
			PageIndex:  page,
			TableIndex: table,
		})
		return nil
	}

	tableIdx := make([]int, 0, len(r.Tables))
	for _, t := range r.Tables {
		idx := t.Metadata.TableIndex
		tableIdx = append(tableIdx, idx)
		var page *int
		if t.Metadata.Page > 0 {
			p := t.Metadata.Page
			page = &p
		}
		if err := add(constants.KindTable, t.Metadata.Source, t, page, &idx); err != nil {
			return nil, err
		}
	}

	if len(r.LineItems) > 0 {
		payload := map[string]any{
			"items":         r.LineItems,
			"item_count":    len(r.LineItems),
			"source_tables": tableIdx,
		}
		if err := add(constants.KindLineItems, r.Source, payload, nil, nil); err != nil {
			return nil, err
		}
	}

	if len(r.KeyValues) > 0 {
		src := r.baseSrc
		if src == "" {
			src = r.KeyValues[0].Source
		}
		payload := map[string]any{"pairs": r.KeyValues, "pair_count": len(r.KeyValues)}
		if err := add(constants.KindKeyValue, src, payload, nil, nil); err != nil {
			return nil, err
		}
	}

	if r.DocType != nil {
		src := r.DocType.Source
		if src == "" {
			src = r.baseSrc
		}
		payload := map[string]any{
			"document_type":     r.DocType,
			"structured_source": r.Source,
			"table_count":       len(r.Tables),
			"line_item_count":   len(r.LineItems),
			"key_value_count":   len(r.KeyValues),
			"skipped_tables":    len(r.Errors),
		}
		if err := add(constants.KindStructuredData, src, payload, nil, nil); err != nil {
			return nil, err
		}
	}
	return recs, nil
}
