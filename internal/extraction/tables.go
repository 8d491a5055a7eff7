package extraction

import (
	"fmt"
	"strings"

	"github.com/joseph-ayodele/docpipeline/constants"
	"github.com/joseph-ayodele/docpipeline/internal/textsource"
)

// TableMetadata is the provenance of a normalized table.
type TableMetadata struct {
	Page         int              `json:"page,omitempty"`
	ElementIndex int              `json:"element_index"`
	TableIndex   int              `json:"table_index"`
	Source       constants.Source `json:"source"`
	Title        string           `json:"title,omitempty"`
}

// Table is a header row plus data rows, every row padded to the header width.
type Table struct {
	Headers     []string      `json:"headers"`
	Rows        [][]string    `json:"rows"`
	RowCount    int           `json:"row_count"`
	ColumnCount int           `json:"column_count"`
	Metadata    TableMetadata `json:"metadata"`
}

// normalizeTable trims cells, drops blank rows and trailing blank columns, and takes the
// first remaining row as the header. Blank header cells become column_N; duplicates get a _N suffix.
func normalizeTable(raw textsource.Table) (Table, error) {
	rows := make([][]string, 0, len(raw.Cells))
	width := 0
	for _, r := range raw.Cells {
		row := make([]string, len(r))
		blank := true
		for i, c := range r {
			row[i] = strings.TrimSpace(c)
			if row[i] != "" {
				blank = false
			}
		}
		if blank {
			continue
		}
		rows = append(rows, row)
		if n := usedWidth(row); n > width {
			width = n
		}
	}
	if len(rows) == 0 || width == 0 {
		return Table{}, fmt.Errorf("table has no content")
	}

	headers := headerNames(rows[0], width)
	data := make([][]string, 0, len(rows)-1)
	for _, r := range rows[1:] {
		data = append(data, pad(r, width))
	}
	return Table{
		Headers:     headers,
		Rows:        data,
		RowCount:    len(data),
		ColumnCount: width,
		Metadata: TableMetadata{
			Page:         raw.Page,
			ElementIndex: raw.Index,
			Title:        raw.Title,
		},
	}, nil
}

// usedWidth is the row length without trailing blank cells.
func usedWidth(row []string) int {
	n := len(row)
	for n > 0 && row[n-1] == "" {
		n--
	}
	return n
}

func pad(row []string, width int) []string {
	out := make([]string, width)
	copy(out, row)
	return out
}

func headerNames(row []string, width int) []string {
	out := make([]string, width)
	seen := make(map[string]int, width)
	for i := 0; i < width; i++ {
		name := ""
		if i < len(row) {
			name = row[i]
		}
		if name == "" {
			name = fmt.Sprintf("column_%d", i+1)
		}
		key := strings.ToLower(name)
		seen[key]++
		if n := seen[key]; n > 1 {
			name = fmt.Sprintf("%s_%d", name, n)
		}
		out[i] = name
	}
	return out
}

// LineItem is one data row keyed by header, plus _line_number and _table_metadata.
type LineItem map[string]any

// lineItems projects the data rows of t into line items. Line numbers are 1-based per table.
func lineItems(t Table) []LineItem {
	out := make([]LineItem, 0, len(t.Rows))
	for i, row := range t.Rows {
		item := make(LineItem, len(t.Headers)+2)
		for col, h := range t.Headers {
			if col < len(row) {
				item[h] = row[col]
			}
		}
		item["_line_number"] = i + 1
		item["_table_metadata"] = t.Metadata
		out = append(out, item)
	}
	return out
}
