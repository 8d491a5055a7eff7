package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/joseph-ayodele/docpipeline/constants"
	"github.com/joseph-ayodele/docpipeline/internal/common"
	"github.com/joseph-ayodele/docpipeline/internal/entity"
	"github.com/joseph-ayodele/docpipeline/internal/ingest"
	"github.com/joseph-ayodele/docpipeline/internal/pipeline"
	"github.com/joseph-ayodele/docpipeline/internal/status"
)

var notFound = common.NewAppError("NOT_FOUND", "document not found", common.ErrNotFound)

type fakeDocs struct {
	known     uuid.UUID
	submitErr error
	submitted []uuid.UUID
}

func (f *fakeDocs) Submit(_ context.Context, id uuid.UUID) error {
	if id != f.known {
		return notFound
	}
	if f.submitErr != nil {
		return f.submitErr
	}
	f.submitted = append(f.submitted, id)
	return nil
}

func (f *fakeDocs) GetStatus(_ context.Context, id uuid.UUID) (status.Snapshot, error) {
	if id != f.known {
		return status.Snapshot{}, notFound
	}
	return status.Snapshot{Status: constants.StatusProcessed, Label: "Processed"}, nil
}

func (f *fakeDocs) History(_ context.Context, id uuid.UUID) ([]entity.StatusEvent, error) {
	if id != f.known {
		return nil, notFound
	}
	return []entity.StatusEvent{{DocumentID: id, Status: constants.StatusSubmitted}}, nil
}

func (f *fakeDocs) GetResult(_ context.Context, id uuid.UUID) (*pipeline.Result, error) {
	if id != f.known {
		return nil, notFound
	}
	return &pipeline.Result{DocumentID: id, Filename: "a.txt", BaseText: "hello"}, nil
}

type fakeExporter struct{}

func (fakeExporter) ExportResultXLSX(_ context.Context, _ uuid.UUID) ([]byte, error) {
	return []byte("PK"), nil
}

type fakeUploader struct {
	last ingest.Upload
	dup  bool
	root string
}

func (f *fakeUploader) Ingest(_ context.Context, up ingest.Upload) (ingest.Result, error) {
	f.last = up
	return ingest.Result{DocumentID: uuid.New(), Filename: up.Filename, Status: constants.StatusSubmitted, Deduplicated: f.dup}, nil
}

func (f *fakeUploader) IngestDirectory(_ context.Context, root string, _ bool) ([]ingest.Result, ingest.DirStats, error) {
	f.root = root
	return nil, ingest.DirStats{Scanned: 2}, nil
}

type fakePinger struct{ err error }

func (p *fakePinger) HealthCheck(context.Context, time.Duration, *slog.Logger) error { return p.err }

type fixture struct {
	docs *fakeDocs
	up   *fakeUploader
	ping *fakePinger
	srv  *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{docs: &fakeDocs{known: uuid.New()}, up: &fakeUploader{}, ping: &fakePinger{}}
	api := NewAPI(Deps{
		Documents:      f.docs,
		Exporter:       fakeExporter{},
		Uploader:       f.up,
		Health:         f.ping,
		Metrics:        http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = io.WriteString(w, "metrics") }),
		MaxUploadBytes: 1 << 20,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	f.srv = httptest.NewServer(api.Router())
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path, contentType string, body io.Reader) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, body)
	require.NoError(t, err)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func TestUpload_Multipart(t *testing.T) {
	f := newFixture(t)
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "invoice.csv")
	require.NoError(t, err)
	_, _ = part.Write([]byte("a,b\n1,2\n"))
	require.NoError(t, mw.WriteField("model_name", "vision-large"))
	require.NoError(t, mw.Close())

	resp, body := f.do(t, http.MethodPost, "/documents", mw.FormDataContentType(), &buf)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "invoice.csv", f.up.last.Filename)
	assert.Equal(t, []byte("a,b\n1,2\n"), f.up.last.Data)
	require.NotNil(t, f.up.last.OCRModel)
	assert.Equal(t, "vision-large", *f.up.last.OCRModel)

	var res ingest.Result
	require.NoError(t, json.Unmarshal(body, &res))
	assert.Equal(t, constants.StatusSubmitted, res.Status)
}

func TestUpload_RawBody(t *testing.T) {
	f := newFixture(t)
	f.up.dup = true
	resp, _ := f.do(t, http.MethodPost, "/documents?filename=notes.txt&owner=acct-1&model=ocr-small", "text/plain", strings.NewReader("hello"))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "notes.txt", f.up.last.Filename)
	assert.Equal(t, "text/plain", f.up.last.ContentType)
	require.NotNil(t, f.up.last.OwnerRef)
	assert.Equal(t, "acct-1", *f.up.last.OwnerRef)
	require.NotNil(t, f.up.last.OCRModel)
	assert.Equal(t, "ocr-small", *f.up.last.OCRModel)
}

func TestUpload_RawBodyNeedsFilename(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodPost, "/documents", "text/plain", strings.NewReader("hello"))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(body), "BAD_UPLOAD")
}

func TestDocumentRoutes(t *testing.T) {
	f := newFixture(t)
	id := f.docs.known.String()

	resp, _ := f.do(t, http.MethodPost, "/documents/"+id+"/submit", "", nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Len(t, f.docs.submitted, 1)

	resp, body := f.do(t, http.MethodGet, "/documents/"+id+"/status", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"processed","label":"Processed"}`, string(body))

	resp, body = f.do(t, http.MethodGet, "/documents/"+id+"/events", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var events []entity.StatusEvent
	require.NoError(t, json.Unmarshal(body, &events))
	assert.Len(t, events, 1)

	resp, body = f.do(t, http.MethodGet, "/documents/"+id+"/result", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"base_text":"hello"`)

	resp, body = f.do(t, http.MethodGet, "/documents/"+id+"/export.xlsx", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "PK", string(body))
	assert.Contains(t, resp.Header.Get("Content-Disposition"), ".xlsx")
}

func TestDocumentRoutes_ErrorMapping(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodGet, "/documents/not-a-uuid/status", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := f.do(t, http.MethodGet, "/documents/"+uuid.NewString()+"/result", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, string(body), "NOT_FOUND")

	f.docs.submitErr = common.NewAppError("IN_PROGRESS", "document is being processed", common.ErrConflict)
	resp, _ = f.do(t, http.MethodPost, "/documents/"+f.docs.known.String()+"/submit", "", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	f.docs.submitErr = errors.New("disk on fire")
	resp, body = f.do(t, http.MethodPost, "/documents/"+f.docs.known.String()+"/submit", "", nil)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.NotContains(t, string(body), "disk on fire")
}

func TestIngestDirectoryRoute(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodPost, "/ingest/directory", "application/json", strings.NewReader(`{"root":"/data/in"}`))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "/data/in", f.up.root)
	assert.JSONEq(t, `{"results":[],"stats":{"scanned":2,"matched":0,"succeeded":0,"deduplicated":0,"failed":0}}`, string(body))

	resp, _ = f.do(t, http.MethodPost, "/ingest/directory", "application/json", strings.NewReader(`{}`))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	f.ping.err = errors.New("connection refused")
	resp, _ = f.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp, body := f.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "metrics", string(body))
}

func TestHealthReporter(t *testing.T) {
	ping := &fakePinger{}
	h := NewHealthReporter(ping, nil)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, h.Check(context.Background()))

	ping.err = errors.New("down")
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, h.Check(context.Background()))

	resp, err := h.Server().Check(context.Background(), &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.Status)
}
