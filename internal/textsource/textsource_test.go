package textsource

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/joseph-ayodele/docpipeline/constants"
	"github.com/joseph-ayodele/docpipeline/internal/common"
	"github.com/joseph-ayodele/docpipeline/internal/convert"
	"github.com/joseph-ayodele/docpipeline/internal/ocr"
)

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// fakeOCR answers "text of <image>" and blocks until the context ends for images listed in hang.
type fakeOCR struct {
	hang  map[string]bool
	fail  map[string]error
	calls atomic.Int32
}

func (f *fakeOCR) Name() string         { return "fake" }
func (f *fakeOCR) DefaultModel() string { return "fake-model" }

func (f *fakeOCR) Infer(ctx context.Context, image []byte, _ string, model string) (ocr.Inference, error) {
	f.calls.Add(1)
	key := string(image)
	if f.hang[key] {
		<-ctx.Done()
		return ocr.Inference{}, ctx.Err()
	}
	if err := f.fail[key]; err != nil {
		return ocr.Inference{}, err
	}
	return ocr.Inference{
		Text:  "text of " + key,
		Model: model,
		Usage: ocr.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}, nil
}

func pages(names ...string) []convert.Page {
	out := make([]convert.Page, len(names))
	for i, n := range names {
		out[i] = convert.Page{Index: i + 1, Image: []byte(n), MIME: "image/png"}
	}
	return out
}

func TestOCRBackend_PageTimeoutYieldsPartialWithMarker(t *testing.T) {
	client := &fakeOCR{hang: map[string]bool{"p2": true}}
	b := NewOCRBackend(client, OCRConfig{PageTimeout: 50 * time.Millisecond, Concurrency: 3}, quietLogger())

	out, err := b.Extract(context.Background(), Input{Format: constants.FormatPDF, Pages: pages("p1", "p2", "p3")})
	require.NoError(t, err)

	assert.True(t, out.Partial)
	require.Len(t, out.PageErrors, 1)
	assert.Equal(t, PageError{Page: 2, Reason: "timeout"}, out.PageErrors[0])

	i1 := strings.Index(out.Text, "text of p1")
	im := strings.Index(out.Text, MissingPage(2, "timeout"))
	i3 := strings.Index(out.Text, "text of p3")
	require.True(t, i1 >= 0 && im >= 0 && i3 >= 0, out.Text)
	assert.True(t, i1 < im && im < i3, "pages out of order: %s", out.Text)
	assert.Contains(t, out.Text, PageMarker(1))
	assert.Equal(t, int64(30), out.Usage.TotalTokens)
	assert.Equal(t, "fake-model", out.Model)
}

func TestOCRBackend_DocumentModelOverridesDefault(t *testing.T) {
	b := NewOCRBackend(&fakeOCR{}, OCRConfig{Model: "configured"}, quietLogger())

	out, err := b.Extract(context.Background(), Input{Format: constants.FormatPDF, Pages: pages("p1"), Model: "chosen"})
	require.NoError(t, err)
	assert.Equal(t, "chosen", out.Model)
	assert.Equal(t, "chosen", out.Metadata["model"])

	out, err = b.Extract(context.Background(), Input{Format: constants.FormatPDF, Pages: pages("p1")})
	require.NoError(t, err)
	assert.Equal(t, "configured", out.Model)
}

func TestOCRBackend_OrderIndependentOfCompletion(t *testing.T) {
	names := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	b := NewOCRBackend(&fakeOCR{}, OCRConfig{Concurrency: 8}, quietLogger())
	out, err := b.Extract(context.Background(), Input{Format: constants.FormatPDF, Pages: pages(names...)})
	require.NoError(t, err)
	last := -1
	for _, n := range names {
		idx := strings.Index(out.Text, "text of "+n)
		require.Greater(t, idx, last)
		last = idx
	}
	assert.False(t, out.Partial)
}

func TestOCRBackend_AllPagesFail(t *testing.T) {
	boom := errors.New("boom")
	b := NewOCRBackend(&fakeOCR{fail: map[string]error{"p1": boom, "p2": boom}}, OCRConfig{}, quietLogger())
	_, err := b.Extract(context.Background(), Input{Format: constants.FormatPDF, Pages: pages("p1", "p2")})
	require.Error(t, err)
	assert.Equal(t, common.CodeBackend, common.CodeOf(err))
	assert.False(t, common.IsFatal(err))
}

func TestOCRBackend_RetriesTransientPage(t *testing.T) {
	client := &flakyOCR{failures: 1}
	b := NewOCRBackend(client, OCRConfig{Retry: RetryPolicy{MaxTries: 2, Initial: time.Millisecond}}, quietLogger())
	out, err := b.Extract(context.Background(), Input{Format: constants.FormatRasterImage, Pages: pages("img")})
	require.NoError(t, err)
	assert.False(t, out.Partial)
	assert.Equal(t, int32(2), client.calls.Load())
}

type flakyOCR struct {
	failures int32
	calls    atomic.Int32
}

func (f *flakyOCR) Name() string         { return "flaky" }
func (f *flakyOCR) DefaultModel() string { return "m" }
func (f *flakyOCR) Infer(_ context.Context, _ []byte, _ string, _ string) (ocr.Inference, error) {
	if f.calls.Add(1) <= f.failures {
		return ocr.Inference{}, &ocr.StatusError{Code: 503}
	}
	return ocr.Inference{Text: "ok"}, nil
}

func TestOCRBackend_DetectsMarkdownTables(t *testing.T) {
	client := &tableOCR{}
	b := NewOCRBackend(client, OCRConfig{}, quietLogger())
	out, err := b.Extract(context.Background(), Input{Format: constants.FormatRasterImage, Pages: pages("x")})
	require.NoError(t, err)
	require.Len(t, out.Tables, 1)
	assert.Equal(t, 1, out.Tables[0].Page)
	assert.Equal(t, [][]string{{"Item", "Qty"}, {"Bolt", "4"}}, out.Tables[0].Cells)
}

type tableOCR struct{}

func (tableOCR) Name() string         { return "t" }
func (tableOCR) DefaultModel() string { return "m" }
func (tableOCR) Infer(context.Context, []byte, string, string) (ocr.Inference, error) {
	return ocr.Inference{Text: "Order\n\n| Item | Qty |\n|------|-----|\n| Bolt | 4 |\n\nThanks"}, nil
}

func TestStructuredBackend_CSV(t *testing.T) {
	b := NewStructuredBackend(false, quietLogger())
	out, err := b.Extract(context.Background(), Input{
		Format: constants.FormatDelimitedText, Filename: "items.csv",
		Data: []byte("\xef\xbb\xbfsku,qty\r\nA-1,2\r\nB-2,5\r\n"),
	})
	require.NoError(t, err)
	assert.Equal(t, "sku,qty\nA-1,2\nB-2,5", out.Text)
	require.Len(t, out.Tables, 1)
	assert.Equal(t, [][]string{{"sku", "qty"}, {"A-1", "2"}, {"B-2", "5"}}, out.Tables[0].Cells)
}

func TestStructuredBackend_TSVByContent(t *testing.T) {
	b := NewStructuredBackend(false, quietLogger())
	out, err := b.Extract(context.Background(), Input{
		Format: constants.FormatDelimitedText, Data: []byte("a\tb\n1\t2\n"),
	})
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"a", "b"}, {"1", "2"}}, out.Tables[0].Cells)
}

func TestStructuredBackend_JSON(t *testing.T) {
	b := NewStructuredBackend(false, quietLogger())
	out, err := b.Extract(context.Background(), Input{
		Format: constants.FormatSemiStructured,
		Data:   []byte(`{"invoice_number":"INV-9","total":12.5,"lines":[{"sku":"A","qty":1},{"sku":"B","qty":2}]}`),
	})
	require.NoError(t, err)
	assert.Contains(t, out.Text, "\n  \"invoice_number\": \"INV-9\"")
	assert.Equal(t, []KeyValue{{Key: "invoice_number", Value: "INV-9"}, {Key: "total", Value: "12.5"}}, out.KeyValues)
	require.Len(t, out.Tables, 1)
	assert.Equal(t, "lines", out.Tables[0].Title)
	assert.Equal(t, [][]string{{"qty", "sku"}, {"1", "A"}, {"2", "B"}}, out.Tables[0].Cells)
}

func TestStructuredBackend_Supports(t *testing.T) {
	without := NewStructuredBackend(false, nil)
	with := NewStructuredBackend(true, nil)
	assert.True(t, without.Supports(constants.FormatPlainText))
	assert.False(t, without.Supports(constants.FormatWordProcessing))
	assert.True(t, with.Supports(constants.FormatWordProcessing))
	assert.False(t, with.Supports(constants.FormatPDF))
}

func TestStructuredBackend_MarkupPlain(t *testing.T) {
	b := NewStructuredBackend(true, quietLogger())
	out, err := b.Extract(context.Background(), Input{
		Format: constants.FormatMarkup,
		Data:   []byte(`<html><head><title>t</title><script>x()</script></head><body><h1>Hello</h1><p>World  wide</p></body></html>`),
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello\nWorld wide", out.Text)
}

const sampleHTML = `<html><body>
<h1>Invoice</h1>
<p>Invoice Number: 77</p>
<table><tr><th>Item</th><th>Price</th></tr><tr><td>Widget</td><td>3.00</td></tr></table>
<script>alert(1)</script>
</body></html>`

func TestPreprocessBackend_Markup(t *testing.T) {
	b := NewPreprocessBackend(quietLogger())
	out, err := b.Extract(context.Background(), Input{Format: constants.FormatMarkup, Data: []byte(sampleHTML)})
	require.NoError(t, err)
	assert.Contains(t, out.Text, "# Invoice")
	assert.Contains(t, out.Text, "Widget")
	assert.NotContains(t, out.Text, "alert")
	require.Len(t, out.Tables, 1)
	assert.Equal(t, [][]string{{"Item", "Price"}, {"Widget", "3.00"}}, out.Tables[0].Cells)
}

func buildDocx(t *testing.T, body string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	files := map[string]string{
		"[Content_Types].xml": `<?xml version="1.0" encoding="UTF-8"?><Types xmlns="http://schemas.openxmlformats.org/package/2006/content-types"></Types>`,
		"word/_rels/document.xml.rels": `<?xml version="1.0" encoding="UTF-8"?><Relationships xmlns="http://schemas.openxmlformats.org/package/2006/relationships"></Relationships>`,
		"word/document.xml": `<?xml version="1.0" encoding="UTF-8"?><w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body>` +
			body + `</w:body></w:document>`,
	}
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestPreprocessBackend_Word(t *testing.T) {
	data := buildDocx(t,
		`<w:p><w:r><w:t>Statement of Work</w:t></w:r></w:p>`+
			`<w:tbl><w:tr><w:tc><w:p><w:r><w:t>Task</w:t></w:r></w:p></w:tc><w:tc><w:p><w:r><w:t>Hours</w:t></w:r></w:p></w:tc></w:tr>`+
			`<w:tr><w:tc><w:p><w:r><w:t>Design</w:t></w:r></w:p></w:tc><w:tc><w:p><w:r><w:t>12</w:t></w:r></w:p></w:tc></w:tr></w:tbl>`+
			`<w:p><w:r><w:t>Signed</w:t></w:r></w:p>`)

	b := NewPreprocessBackend(quietLogger())
	out, err := b.Extract(context.Background(), Input{Format: constants.FormatWordProcessing, Data: data})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out.Text, "Statement of Work"))
	assert.Contains(t, out.Text, "| Task | Hours |")
	assert.True(t, strings.HasSuffix(out.Text, "Signed"))
	require.Len(t, out.Tables, 1)
	assert.Equal(t, [][]string{{"Task", "Hours"}, {"Design", "12"}}, out.Tables[0].Cells)

	plain, err := NewStructuredBackend(true, quietLogger()).Extract(context.Background(),
		Input{Format: constants.FormatWordProcessing, Data: data})
	require.NoError(t, err)
	assert.Equal(t, "Statement of Work\nTask\tHours\nDesign\t12\nSigned", plain.Text)
}

func TestPreprocessBackend_Spreadsheet(t *testing.T) {
	f := excelize.NewFile()
	require.NoError(t, f.SetSheetRow("Sheet1", "A1", &[]any{"Item", "Qty"}))
	require.NoError(t, f.SetSheetRow("Sheet1", "A2", &[]any{"Nut", 9}))
	buf, err := f.WriteToBuffer()
	require.NoError(t, err)

	b := NewPreprocessBackend(quietLogger())
	out, err := b.Extract(context.Background(), Input{Format: constants.FormatSpreadsheet, Data: buf.Bytes()})
	require.NoError(t, err)
	require.Len(t, out.Tables, 1)
	assert.Equal(t, "Sheet1", out.Tables[0].Title)
	assert.Equal(t, [][]string{{"Item", "Qty"}, {"Nut", "9"}}, out.Tables[0].Cells)
	assert.Contains(t, out.Text, "## Sheet1")
}

func TestPreprocessBackend_LegacyContainerFails(t *testing.T) {
	b := NewPreprocessBackend(quietLogger())
	_, err := b.Extract(context.Background(), Input{Format: constants.FormatWordProcessing, Data: []byte("\xd0\xcf\x11\xe0legacy")})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnsupportedContainer)
	assert.Equal(t, common.CodeBackend, common.CodeOf(err))
}

func TestMarkdownTables(t *testing.T) {
	text := "intro\n| a | b \\| c |\n| :--- | ---: |\n| 1 | 2 |\n| 3 | 4 |\n\n| x |\n|---|\n"
	tables := markdownTables(text)
	require.Len(t, tables, 2)
	assert.Equal(t, [][]string{{"a", "b | c"}, {"1", "2"}, {"3", "4"}}, tables[0])
	assert.Equal(t, [][]string{{"x"}}, tables[1])
	assert.Empty(t, markdownTables("no | table here"))
}

// stubBackend records calls and returns a canned result after an optional delay.
type stubBackend struct {
	src     constants.Source
	formats []constants.Format
	text    string
	err     error
	delay   time.Duration
	calls   atomic.Int32
}

func (s *stubBackend) Source() constants.Source { return s.src }
func (s *stubBackend) Supports(f constants.Format) bool {
	for _, x := range s.formats {
		if x == f {
			return true
		}
	}
	return false
}
func (s *stubBackend) Extract(ctx context.Context, _ Input) (Output, error) {
	s.calls.Add(1)
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return Output{}, ctx.Err()
		}
	}
	if s.err != nil {
		return Output{}, s.err
	}
	return Output{Text: s.text}, nil
}

type memRecorder struct {
	mu  sync.Mutex
	inv []Invocation
}

func (m *memRecorder) RecordInvocation(_ context.Context, inv Invocation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inv = append(m.inv, inv)
}

func TestDispatcher_IsolatesFailures(t *testing.T) {
	ok := &stubBackend{src: constants.SourcePreprocess, formats: []constants.Format{constants.FormatMarkup}, text: "md", delay: 10 * time.Millisecond}
	bad := &stubBackend{src: constants.SourceStructuredText, formats: []constants.Format{constants.FormatMarkup}, err: errors.New("parse failed")}
	other := &stubBackend{src: constants.SourcePDFText, formats: []constants.Format{constants.FormatPDF}}
	rec := &memRecorder{}

	d := NewDispatcher([]Backend{ok, bad, other}, DispatchConfig{}, rec, quietLogger())
	res := d.Dispatch(context.Background(), Input{DocumentID: uuid.New(), Format: constants.FormatMarkup})

	assert.Equal(t, map[constants.Source]Output{constants.SourcePreprocess: {Text: "md"}}, res.Outputs)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, constants.SourceStructuredText, res.Failures[0].Source)
	assert.Equal(t, common.CodeBackend, common.CodeOf(res.Failures[0].Err))
	assert.Zero(t, other.calls.Load())
	assert.Equal(t, []constants.Source{constants.SourcePreprocess, constants.SourceStructuredText}, res.Invoked)
	assert.Len(t, rec.inv, 2)
}

func TestDispatcher_WrapsOnlyFatalErrors(t *testing.T) {
	a := &stubBackend{src: constants.SourcePreprocess, formats: []constants.Format{constants.FormatSpreadsheet}, err: common.ExtractionError("sheet unreadable", nil)}
	b := &stubBackend{src: constants.SourceStructuredText, formats: []constants.Format{constants.FormatSpreadsheet}, err: common.PersistenceError("disk", nil)}
	d := NewDispatcher([]Backend{a, b}, DispatchConfig{}, nil, quietLogger())

	res := d.Dispatch(context.Background(), Input{Format: constants.FormatSpreadsheet})
	require.Len(t, res.Failures, 2)
	assert.Equal(t, common.CodeExtraction, common.CodeOf(res.Failures[0].Err))
	assert.Equal(t, common.CodeBackend, common.CodeOf(res.Failures[1].Err))
	for _, f := range res.Failures {
		assert.False(t, common.IsFatal(f.Err))
	}
}

func TestDispatcher_TimeoutIsIsolatedFailure(t *testing.T) {
	slow := &stubBackend{src: constants.SourceOCR, formats: []constants.Format{constants.FormatPDF}, delay: time.Second}
	fast := &stubBackend{src: constants.SourcePDFText, formats: []constants.Format{constants.FormatPDF}, text: "layer"}
	d := NewDispatcher([]Backend{slow, fast}, DispatchConfig{Timeout: 30 * time.Millisecond}, nil, quietLogger())

	res := d.Dispatch(context.Background(), Input{Format: constants.FormatPDF})
	assert.Contains(t, res.Outputs, constants.SourcePDFText)
	require.Len(t, res.Failures, 1)
	assert.ErrorIs(t, res.Failures[0].Err, context.DeadlineExceeded)
}

func TestDispatcher_RetriesTransientOnce(t *testing.T) {
	b := &stubBackend{src: constants.SourceOCR, formats: []constants.Format{constants.FormatPDF}, err: &ocr.StatusError{Code: 502}}
	d := NewDispatcher([]Backend{b}, DispatchConfig{Retry: RetryPolicy{MaxTries: 2, Initial: time.Millisecond}}, nil, quietLogger())
	res := d.Dispatch(context.Background(), Input{Format: constants.FormatPDF})
	assert.Len(t, res.Failures, 1)
	assert.Equal(t, int32(2), b.calls.Load())

	b2 := &stubBackend{src: constants.SourceOCR, formats: []constants.Format{constants.FormatPDF}, err: errors.New("bad request")}
	d2 := NewDispatcher([]Backend{b2}, DispatchConfig{Retry: RetryPolicy{MaxTries: 2, Initial: time.Millisecond}}, nil, quietLogger())
	d2.Dispatch(context.Background(), Input{Format: constants.FormatPDF})
	assert.Equal(t, int32(1), b2.calls.Load())
}

func TestDispatcher_OCRNeedsPages(t *testing.T) {
	b := NewOCRBackend(&fakeOCR{}, OCRConfig{}, quietLogger())
	d := NewDispatcher([]Backend{b}, DispatchConfig{}, nil, quietLogger())
	assert.Empty(t, d.Applicable(Input{Format: constants.FormatPDF}))
	assert.Len(t, d.Applicable(Input{Format: constants.FormatPDF, Pages: pages("p")}), 1)
}
