package textsource

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/nguyenthenguyen/docx"
	"github.com/xuri/excelize/v2"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// ErrUnsupportedContainer is returned for legacy binary office files that no parser here reads.
var ErrUnsupportedContainer = errors.New("unsupported office container")

// block is a paragraph or a table, in document order.
type block struct {
	Text  string
	Table [][]string
}

func isZip(data []byte) bool { return bytes.HasPrefix(data, []byte("PK\x03\x04")) }

func openZip(data []byte) (*zip.Reader, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open zip: %w", err)
	}
	return zr, nil
}

func zipEntry(zr *zip.Reader, name string) ([]byte, error) {
	for _, f := range zr.File {
		if f.Name == name {
			rc, err := f.Open()
			if err != nil {
				return nil, fmt.Errorf("open %s: %w", name, err)
			}
			defer rc.Close()
			return io.ReadAll(rc)
		}
	}
	return nil, fmt.Errorf("%s not found in archive", name)
}

func hasZipEntry(zr *zip.Reader, name string) bool {
	for _, f := range zr.File {
		if f.Name == name {
			return true
		}
	}
	return false
}

// readWord returns the paragraphs and tables of a .docx (or ODF text) document.
func readWord(data []byte) ([]block, error) {
	if !isZip(data) {
		return nil, ErrUnsupportedContainer
	}
	zr, err := openZip(data)
	if err != nil {
		return nil, err
	}
	if hasZipEntry(zr, "content.xml") && !hasZipEntry(zr, "word/document.xml") {
		return readODF(zr)
	}

	doc, err := docx.ReadDocxFromMemory(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("read docx: %w", err)
	}
	defer doc.Close()
	return walkWordXML(doc.Editable().GetContent())
}

// walkWordXML walks WordprocessingML. Nested tables are flattened into their outer cell.
func walkWordXML(content string) ([]block, error) {
	dec := xml.NewDecoder(strings.NewReader(content))
	var (
		blocks   []block
		para     strings.Builder
		cell     strings.Builder
		row      []string
		table    [][]string
		tblDepth int
		inText   bool
	)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse document.xml: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "tbl":
				tblDepth++
				if tblDepth == 1 {
					table = nil
				}
			case "tr":
				if tblDepth == 1 {
					row = nil
				}
			case "tc":
				if tblDepth == 1 {
					cell.Reset()
				}
			case "p":
				para.Reset()
			case "t":
				inText = true
			case "tab":
				para.WriteByte('\t')
			case "br", "cr":
				para.WriteByte('\n')
			}
		case xml.CharData:
			if inText {
				para.Write(t)
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				text := strings.TrimSpace(para.String())
				if tblDepth > 0 {
					if text != "" {
						if cell.Len() > 0 {
							cell.WriteByte(' ')
						}
						cell.WriteString(text)
					}
				} else if text != "" {
					blocks = append(blocks, block{Text: text})
				}
			case "tc":
				if tblDepth == 1 {
					row = append(row, strings.TrimSpace(cell.String()))
				}
			case "tr":
				if tblDepth == 1 {
					table = append(table, row)
				}
			case "tbl":
				tblDepth--
				if tblDepth == 0 && len(table) > 0 {
					blocks = append(blocks, block{Table: table})
				}
			}
		}
	}
	return blocks, nil
}

// readODF reads text:p/text:h paragraphs and table:table tables from an OpenDocument content.xml.
func readODF(zr *zip.Reader) ([]block, error) {
	content, err := zipEntry(zr, "content.xml")
	if err != nil {
		return nil, err
	}
	dec := xml.NewDecoder(bytes.NewReader(content))
	var (
		blocks   []block
		para     strings.Builder
		cell     strings.Builder
		row      []string
		table    [][]string
		tblDepth int
		pDepth   int
	)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse content.xml: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "table":
				tblDepth++
				if tblDepth == 1 {
					table = nil
				}
			case "table-row":
				if tblDepth == 1 {
					row = nil
				}
			case "table-cell":
				if tblDepth == 1 {
					cell.Reset()
				}
			case "p", "h":
				pDepth++
				if pDepth == 1 {
					para.Reset()
				}
			case "tab":
				para.WriteByte('\t')
			case "line-break":
				para.WriteByte('\n')
			case "s":
				para.WriteByte(' ')
			}
		case xml.CharData:
			if pDepth > 0 {
				para.Write(t)
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "p", "h":
				pDepth--
				if pDepth > 0 {
					continue
				}
				text := strings.TrimSpace(para.String())
				if tblDepth > 0 {
					if text != "" {
						if cell.Len() > 0 {
							cell.WriteByte(' ')
						}
						cell.WriteString(text)
					}
				} else if text != "" {
					blocks = append(blocks, block{Text: text})
				}
			case "table-cell":
				if tblDepth == 1 {
					row = append(row, strings.TrimSpace(cell.String()))
				}
			case "table-row":
				if tblDepth == 1 && !allEmpty(row) {
					table = append(table, row)
				}
			case "table":
				tblDepth--
				if tblDepth == 0 && len(table) > 0 {
					blocks = append(blocks, block{Table: table})
				}
			}
		}
	}
	return blocks, nil
}

// sheet is one worksheet's rows.
type sheet struct {
	Name string
	Rows [][]string
}

// readSpreadsheet reads every non-empty worksheet of an xlsx (or ODF spreadsheet) file.
func readSpreadsheet(data []byte) ([]sheet, error) {
	if !isZip(data) {
		return nil, ErrUnsupportedContainer
	}
	zr, err := openZip(data)
	if err != nil {
		return nil, err
	}
	if hasZipEntry(zr, "content.xml") && !hasZipEntry(zr, "xl/workbook.xml") {
		blocks, err := readODF(zr)
		if err != nil {
			return nil, err
		}
		var out []sheet
		for _, b := range blocks {
			if b.Table != nil {
				out = append(out, sheet{Name: fmt.Sprintf("Table %d", len(out)+1), Rows: b.Table})
			}
		}
		return out, nil
	}

	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()

	var out []sheet
	for _, name := range f.GetSheetList() {
		rows, err := f.GetRows(name)
		if err != nil {
			return nil, fmt.Errorf("read sheet %q: %w", name, err)
		}
		rows = trimEmptyRows(rows)
		if len(rows) == 0 {
			continue
		}
		out = append(out, sheet{Name: name, Rows: rows})
	}
	return out, nil
}

var reSlideName = regexp.MustCompile(`^ppt/slides/slide(\d+)\.xml$`)

// readPresentation returns the text of each slide of a .pptx (or ODF presentation), in slide order.
func readPresentation(data []byte) ([]string, error) {
	if !isZip(data) {
		return nil, ErrUnsupportedContainer
	}
	zr, err := openZip(data)
	if err != nil {
		return nil, err
	}
	if hasZipEntry(zr, "content.xml") && !hasZipEntry(zr, "ppt/presentation.xml") {
		blocks, err := readODF(zr)
		if err != nil {
			return nil, err
		}
		var lines []string
		for _, b := range blocks {
			if b.Text != "" {
				lines = append(lines, b.Text)
			}
		}
		return []string{strings.Join(lines, "\n")}, nil
	}

	type slideFile struct {
		n int
		f *zip.File
	}
	var slides []slideFile
	for _, f := range zr.File {
		if m := reSlideName.FindStringSubmatch(f.Name); m != nil {
			n, _ := strconv.Atoi(m[1])
			slides = append(slides, slideFile{n: n, f: f})
		}
	}
	sort.Slice(slides, func(i, j int) bool { return slides[i].n < slides[j].n })

	out := make([]string, 0, len(slides))
	for _, s := range slides {
		raw, err := zipEntry(zr, s.f.Name)
		if err != nil {
			return nil, err
		}
		text, err := slideText(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path.Base(s.f.Name), err)
		}
		out = append(out, text)
	}
	return out, nil
}

// slideText joins the a:t runs of each a:p paragraph.
func slideText(raw []byte) (string, error) {
	dec := xml.NewDecoder(bytes.NewReader(raw))
	var (
		lines  []string
		para   strings.Builder
		inText bool
	)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "p":
				para.Reset()
			case "t":
				inText = true
			}
		case xml.CharData:
			if inText {
				para.Write(t)
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				if s := strings.TrimSpace(para.String()); s != "" {
					lines = append(lines, s)
				}
			}
		}
	}
	return strings.Join(lines, "\n"), nil
}

// htmlTables returns the cell text of every outermost <table>.
func htmlTables(doc *html.Node) [][][]string {
	var tables [][][]string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.DataAtom == atom.Table {
			if t := tableRows(n); len(t) > 0 {
				tables = append(tables, t)
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return tables
}

func tableRows(table *html.Node) [][]string {
	var rows [][]string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.DataAtom {
			case atom.Table:
				if n != table {
					return
				}
			case atom.Tr:
				var row []string
				for c := n.FirstChild; c != nil; c = c.NextSibling {
					if c.Type == html.ElementNode && (c.DataAtom == atom.Td || c.DataAtom == atom.Th) {
						row = append(row, nodeText(c))
					}
				}
				if !allEmpty(row) {
					rows = append(rows, row)
				}
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(table)
	return rows
}

// nodeText joins the visible text under n with single spaces.
func nodeText(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			if text := strings.TrimSpace(n.Data); text != "" {
				if sb.Len() > 0 {
					sb.WriteByte(' ')
				}
				sb.WriteString(text)
			}
		}
		if n.Type == html.ElementNode {
			switch n.DataAtom {
			case atom.Script, atom.Style, atom.Noscript, atom.Head:
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}

var blockAtoms = map[atom.Atom]bool{
	atom.P: true, atom.Div: true, atom.Br: true, atom.Li: true, atom.Tr: true,
	atom.H1: true, atom.H2: true, atom.H3: true, atom.H4: true, atom.H5: true, atom.H6: true,
	atom.Section: true, atom.Article: true, atom.Table: true, atom.Pre: true, atom.Blockquote: true,
}

// htmlPlainText renders visible text with one line per block element.
func htmlPlainText(doc *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			if text := strings.Join(strings.Fields(n.Data), " "); text != "" {
				if sb.Len() > 0 && !strings.HasSuffix(sb.String(), "\n") {
					sb.WriteByte(' ')
				}
				sb.WriteString(text)
			}
			return
		case html.ElementNode:
			switch n.DataAtom {
			case atom.Script, atom.Style, atom.Noscript, atom.Head:
				return
			case atom.Td, atom.Th:
				if sb.Len() > 0 && !strings.HasSuffix(sb.String(), "\n") {
					sb.WriteByte('\t')
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode && blockAtoms[n.DataAtom] && sb.Len() > 0 && !strings.HasSuffix(sb.String(), "\n") {
			sb.WriteByte('\n')
		}
	}
	walk(doc)
	return strings.TrimSpace(sb.String())
}

func allEmpty(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

func trimEmptyRows(rows [][]string) [][]string {
	out := rows[:0]
	for _, r := range rows {
		if !allEmpty(r) {
			out = append(out, r)
		}
	}
	return out
}

// markdownTable renders rows as a GitHub-flavored markdown table, first row as header.
func markdownTable(rows [][]string) string {
	if len(rows) == 0 {
		return ""
	}
	width := 0
	for _, r := range rows {
		if len(r) > width {
			width = len(r)
		}
	}
	line := func(r []string) string {
		cells := make([]string, width)
		for i := range cells {
			if i < len(r) {
				cells[i] = strings.ReplaceAll(strings.TrimSpace(r[i]), "|", `\|`)
			}
		}
		return "| " + strings.Join(cells, " | ") + " |"
	}
	var sb strings.Builder
	sb.WriteString(line(rows[0]))
	sb.WriteByte('\n')
	sep := make([]string, width)
	for i := range sep {
		sep[i] = "---"
	}
	sb.WriteString("| " + strings.Join(sep, " | ") + " |")
	for _, r := range rows[1:] {
		sb.WriteByte('\n')
		sb.WriteString(line(r))
	}
	return sb.String()
}
