package extraction

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/docpipeline/constants"
	"github.com/joseph-ayodele/docpipeline/internal/common"
	"github.com/joseph-ayodele/docpipeline/internal/merge"
	"github.com/joseph-ayodele/docpipeline/internal/textsource"
)

func newService(t *testing.T) *Service {
	t.Helper()
	svc, err := NewService(slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return svc
}

func wideRow(n int) []string {
	row := make([]string, n)
	for i := range row {
		row[i] = fmt.Sprintf("c%d", i)
	}
	return row
}

func TestNormalizeTable(t *testing.T) {
	tbl, err := normalizeTable(textsource.Table{
		Cells: [][]string{
			{" Item ", "", "Qty", "qty", ""},
			{"", "", "", "", ""},
			{"Widget", "x", " 3 "},
			{"Gadget", "y", "1", "2", ""},
		},
		Page:  2,
		Index: 4,
		Title: "Lines",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"Item", "column_2", "Qty", "qty_2"}, tbl.Headers)
	assert.Equal(t, [][]string{{"Widget", "x", "3", ""}, {"Gadget", "y", "1", "2"}}, tbl.Rows)
	assert.Equal(t, 2, tbl.RowCount)
	assert.Equal(t, 4, tbl.ColumnCount)
	assert.Equal(t, 2, tbl.Metadata.Page)
	assert.Equal(t, 4, tbl.Metadata.ElementIndex)
	assert.Equal(t, "Lines", tbl.Metadata.Title)
}

func TestNormalizeTableEmpty(t *testing.T) {
	_, err := normalizeTable(textsource.Table{Cells: [][]string{{" ", ""}, {}}})
	assert.Error(t, err)
}

func TestLineItems(t *testing.T) {
	tbl := Table{
		Headers:  []string{"Item", "Price"},
		Rows:     [][]string{{"Widget", "3.00"}, {"Gadget", "4.50"}},
		Metadata: TableMetadata{Source: constants.SourcePreprocess, TableIndex: 1},
	}
	items := lineItems(tbl)
	require.Len(t, items, 2)
	assert.Equal(t, "Gadget", items[1]["Item"])
	assert.Equal(t, "4.50", items[1]["Price"])
	assert.Equal(t, 2, items[1]["_line_number"])
	assert.Equal(t, tbl.Metadata, items[1]["_table_metadata"])
}

func TestExtractIsolatesMalformedTables(t *testing.T) {
	svc := newService(t)
	outputs := map[constants.Source]textsource.Output{
		constants.SourcePreprocess: {
			Text: "# Invoice",
			Tables: []textsource.Table{
				{Cells: [][]string{{"Item", "Price"}, {"Widget", "3.00"}}, Index: 0},
				{Cells: [][]string{{"", ""}}, Index: 1},
				{Cells: [][]string{wideRow(MaxColumns + 10), wideRow(MaxColumns + 10)}, Index: 2},
				{Cells: [][]string{{"Sku", "Qty"}, {"A-1", "2"}, {"B-2", "5"}}, Index: 3},
			},
		},
	}
	res := svc.Extract(outputs, merge.Resolution{Source: constants.SourcePreprocess, Text: "# Invoice"})

	assert.Equal(t, constants.SourcePreprocess, res.Source)
	require.Len(t, res.Tables, 2)
	assert.Equal(t, 0, res.Tables[0].Metadata.TableIndex)
	assert.Equal(t, 3, res.Tables[1].Metadata.TableIndex)
	assert.Len(t, res.LineItems, 3)

	require.Len(t, res.Errors, 2)
	assert.Equal(t, 1, res.Errors[0].Index)
	assert.Equal(t, 2, res.Errors[1].Index)
	for _, e := range res.Errors {
		assert.Equal(t, common.CodeExtraction, common.CodeOf(e))
		assert.False(t, common.IsFatal(e))
	}
	assert.True(t, res.Failed())
}

func TestStructuredSourceSelection(t *testing.T) {
	tbl := []textsource.Table{{Cells: [][]string{{"a"}, {"1"}}}}
	tests := []struct {
		name    string
		outputs map[constants.Source]textsource.Output
		want    constants.Source
		ok      bool
	}{
		{
			name: "preprocess first",
			outputs: map[constants.Source]textsource.Output{
				constants.SourceOCR:        {Tables: tbl},
				constants.SourcePreprocess: {Tables: tbl},
			},
			want: constants.SourcePreprocess, ok: true,
		},
		{
			name: "ocr when preprocess has none",
			outputs: map[constants.Source]textsource.Output{
				constants.SourcePreprocess:     {Text: "x"},
				constants.SourceOCR:            {Tables: tbl},
				constants.SourceStructuredText: {Tables: tbl},
			},
			want: constants.SourceOCR, ok: true,
		},
		{
			name: "any other backend",
			outputs: map[constants.Source]textsource.Output{
				constants.SourceStructuredText: {Tables: tbl},
			},
			want: constants.SourceStructuredText, ok: true,
		},
		{
			name:    "none",
			outputs: map[constants.Source]textsource.Output{constants.SourceOCR: {Text: "x"}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := structuredSource(tt.outputs)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestKeyValues(t *testing.T) {
	outputs := map[constants.Source]textsource.Output{
		constants.SourceStructuredText: {KeyValues: []textsource.KeyValue{{Key: "vendor", Value: "Acme"}}},
	}
	base := merge.Resolution{
		Source: constants.SourceOCR,
		Text: "--- page 1 ---\n\nInvoice Number: 42\nVendor: Other\nhttps://example.com\n" +
			"--- page 2 ---\n\nTotal Due: 10.00\nthis line has far too many words before it: reaches the colon",
	}
	kvs := keyValues(outputs, base)
	require.Len(t, kvs, 3)
	assert.Equal(t, KeyValue{Key: "vendor", Value: "Acme", Source: constants.SourceStructuredText}, kvs[0])
	assert.Equal(t, KeyValue{Key: "Invoice Number", Value: "42", Source: constants.SourceOCR, Page: 1}, kvs[1])
	assert.Equal(t, KeyValue{Key: "Total Due", Value: "10.00", Source: constants.SourceOCR, Page: 2}, kvs[2])
}

func TestClassifyDocType(t *testing.T) {
	tests := []struct {
		text  string
		label string
		conf  float64
	}{
		{"This Contract is made between", "Contract", 0.8},
		{"MASTER SERVICES AGREEMENT", "MSA", 0.9},
		{"Statement of Work #4", "SOW", 0.85},
		{"Invoice\nTotal: 5", "Invoice", 0.9},
		{"Purchase Order 77", "Purchase Order", 0.75},
		{"Balance due: 12", "Invoice", 0.6},
		{"List of deliverable items", "Statement of Work", 0.55},
	}
	for _, tt := range tests {
		t.Run(tt.label, func(t *testing.T) {
			dt, ok := ClassifyDocType(tt.text, nil)
			require.True(t, ok)
			assert.Equal(t, tt.label, dt.Label)
			assert.InDelta(t, tt.conf, dt.Confidence, 1e-9)
		})
	}

	_, ok := ClassifyDocType("shopping list", nil)
	assert.False(t, ok)
	_, ok = ClassifyDocType("  ", nil)
	assert.False(t, ok)

	dt, ok := ClassifyDocType("invoice", map[constants.Source]string{
		constants.SourcePDFText:    "INVOICE 1",
		constants.SourceOCR:        "Invoice 1",
		constants.SourcePreprocess: "nothing",
	})
	require.True(t, ok)
	assert.Equal(t, constants.SourceOCR, dt.Source)
}

func TestRecords(t *testing.T) {
	svc := newService(t)
	docID := uuid.New()
	outputs := map[constants.Source]textsource.Output{
		constants.SourceOCR: {
			Text: "--- page 1 ---\n\nInvoice Number: 9",
			Tables: []textsource.Table{
				{Cells: [][]string{{"Item", "Price"}, {"Widget", "3.00"}}, Page: 1},
			},
		},
	}
	res := svc.Extract(outputs, merge.Resolution{Source: constants.SourceOCR, Text: outputs[constants.SourceOCR].Text})
	recs, err := res.Records(docID)
	require.NoError(t, err)
	require.Len(t, recs, 4)

	kinds := map[constants.ExtractionKind]int{}
	for _, r := range recs {
		kinds[r.Kind]++
		assert.Equal(t, docID, r.DocumentID)
		assert.Equal(t, constants.SourceOCR, r.Source)
	}
	assert.Equal(t, map[constants.ExtractionKind]int{
		constants.KindTable: 1, constants.KindLineItems: 1, constants.KindKeyValue: 1, constants.KindStructuredData: 1,
	}, kinds)

	tableRec := recs[0]
	require.Equal(t, constants.KindTable, tableRec.Kind)
	require.NotNil(t, tableRec.PageIndex)
	assert.Equal(t, 1, *tableRec.PageIndex)
	require.NotNil(t, tableRec.TableIndex)
	assert.Equal(t, 0, *tableRec.TableIndex)

	var li struct {
		Items        []map[string]any `json:"items"`
		ItemCount    int              `json:"item_count"`
		SourceTables []int            `json:"source_tables"`
	}
	require.NoError(t, json.Unmarshal(recs[1].Payload, &li))
	assert.Equal(t, 1, li.ItemCount)
	assert.Equal(t, []int{0}, li.SourceTables)
	assert.Equal(t, "Widget", li.Items[0]["Item"])
	assert.EqualValues(t, 1, li.Items[0]["_line_number"])
}

func TestRecordsEmpty(t *testing.T) {
	recs, err := Result{}.Records(uuid.New())
	require.NoError(t, err)
	assert.Empty(t, recs)
}
