package export

import (
	"bytes"
	"encoding/json"

	"github.com/xuri/excelize/v2"
)

// sheetWriter appends rows to one worksheet.
type sheetWriter struct {
	f     *excelize.File
	sheet string
	next  int
}

func newSheet(f *excelize.File, name string) *sheetWriter {
	return &sheetWriter{f: f, sheet: name, next: 1}
}

func addSheet(f *excelize.File, name string) (*sheetWriter, error) {
	if _, err := f.NewSheet(name); err != nil {
		return nil, err
	}
	return newSheet(f, name), nil
}

func (w *sheetWriter) row(values ...any) {
	cell, _ := excelize.CoordinatesToCellName(1, w.next)
	_ = w.f.SetSheetRow(w.sheet, cell, &values)
	w.next++
}

func toAny(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

// orderedKeys returns the top-level keys of a JSON object in document order.
func orderedKeys(raw json.RawMessage) []string {
	dec := json.NewDecoder(bytes.NewReader(raw))
	if tok, err := dec.Token(); err != nil || tok != json.Delim('{') {
		return nil
	}
	var keys []string
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return keys
		}
		key, ok := tok.(string)
		if !ok {
			return keys
		}
		keys = append(keys, key)
		var skip json.RawMessage
		if err := dec.Decode(&skip); err != nil {
			return keys
		}
	}
	return keys
}
