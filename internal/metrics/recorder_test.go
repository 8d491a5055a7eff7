package metrics

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/docpipeline/constants"
	"github.com/joseph-ayodele/docpipeline/internal/common"
	"github.com/joseph-ayodele/docpipeline/internal/entity"
	"github.com/joseph-ayodele/docpipeline/internal/ocr"
	"github.com/joseph-ayodele/docpipeline/internal/textsource"
)

type memRepo struct {
	mu   sync.Mutex
	recs []entity.MetricsRecord
	err  error
}

func (m *memRepo) Append(_ context.Context, rec entity.MetricsRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.recs = append(m.recs, rec)
	return nil
}

func (m *memRepo) ListByDocument(_ context.Context, id uuid.UUID) ([]entity.MetricsRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []entity.MetricsRecord
	for _, r := range m.recs {
		if r.DocumentID == id {
			out = append(out, r)
		}
	}
	return out, nil
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestRecordInvocation(t *testing.T) {
	repo := &memRepo{}
	rec, err := New(repo, common.MetricsConfig{Enabled: true, Path: "/metrics"}, quiet())
	require.NoError(t, err)

	docID := uuid.New()
	start := time.Now().Add(-1500 * time.Millisecond)
	rec.RecordInvocation(context.Background(), textsource.Invocation{
		DocumentID: docID,
		Source:     constants.SourceOCR,
		Start:      start,
		End:        start.Add(1500 * time.Millisecond),
		Usage:      &ocr.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	})
	rec.RecordInvocation(context.Background(), textsource.Invocation{
		DocumentID: docID,
		Source:     constants.SourcePreprocess,
		Start:      start,
		End:        start.Add(200 * time.Millisecond),
		Err:        errors.New("boom"),
	})

	rows, _ := repo.ListByDocument(context.Background(), docID)
	require.Len(t, rows, 2)
	assert.Equal(t, StageBackend, rows[0].Stage)
	assert.EqualValues(t, 1500, rows[0].DurationMS)
	require.NotNil(t, rows[0].TotalTokens)
	assert.EqualValues(t, 15, *rows[0].TotalTokens)
	assert.True(t, rows[0].Success)
	assert.False(t, rows[1].Success)
	assert.Equal(t, "boom", rows[1].Error)
	assert.Nil(t, rows[1].PromptTokens)
	assert.NotEqual(t, uuid.Nil, rows[1].ID)

	sum := Summarize(rows)
	assert.Equal(t, 2, sum.Invocations)
	assert.Equal(t, 1, sum.Failures)
	assert.EqualValues(t, 1700, sum.DurationMS)
	assert.EqualValues(t, 15, sum.TotalTokens)
	assert.EqualValues(t, 200, sum.BySource["preprocess"])

	w := httptest.NewRecorder()
	rec.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "docpipeline_backend_invocations_total")
	assert.Contains(t, body, "docpipeline_backend_errors_total")
	assert.Contains(t, body, "docpipeline_ocr_tokens_total")
	assert.Contains(t, body, `source="ocr"`)

	require.NoError(t, rec.Shutdown(context.Background()))
}

func TestRecordStage(t *testing.T) {
	repo := &memRepo{}
	rec, err := New(repo, common.MetricsConfig{Enabled: true}, quiet())
	require.NoError(t, err)

	docID := uuid.New()
	require.NoError(t, rec.RecordStage(context.Background(), docID, constants.StageConvert, time.Now(), errors.New("no soffice")))
	rows, _ := repo.ListByDocument(context.Background(), docID)
	require.Len(t, rows, 1)
	assert.Equal(t, constants.StageConvert, rows[0].Stage)
	assert.False(t, rows[0].Success)
	assert.Equal(t, 0, Summarize(rows).Invocations)
}

func TestRecordAppendFailure(t *testing.T) {
	gone := common.PersistenceError("document no longer exists", common.ErrNotFound)
	rec, err := New(&memRepo{err: gone}, common.MetricsConfig{}, quiet())
	require.NoError(t, err)

	err = rec.Record(context.Background(), entity.MetricsRecord{DocumentID: uuid.New(), Stage: constants.StageMerge, Success: true})
	assert.True(t, common.IsGone(err))
}

func TestDisabledHandler(t *testing.T) {
	rec, err := New(&memRepo{}, common.MetricsConfig{Enabled: false}, quiet())
	require.NoError(t, err)

	w := httptest.NewRecorder()
	rec.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.NoError(t, rec.Shutdown(context.Background()))
}
