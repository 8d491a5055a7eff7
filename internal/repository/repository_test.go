package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/docpipeline/constants"
	"github.com/joseph-ayodele/docpipeline/internal/common"
	"github.com/joseph-ayodele/docpipeline/internal/entity"
)

func openTestDB(t *testing.T) (*DB, *slog.Logger) {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	db, err := OpenSQLite(ctx, ":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close(logger) })
	require.NoError(t, db.Migrate(ctx, logger))
	return db, logger
}

func newDoc(t *testing.T, docs DocumentRepository, hash string) *entity.Document {
	t.Helper()
	owner := "acct-7"
	doc, err := docs.Create(context.Background(), entity.NewDocument{
		Filename:    "scan.pdf",
		ContentType: "application/pdf",
		StorageRef:  "uploads/ab/" + hash + "/scan.pdf",
		ContentHash: hash,
		OwnerRef:    &owner,
	}, constants.StatusSubmitted, "Queued for processing")
	require.NoError(t, err)
	return doc
}

func TestDocuments_CreateAndRead(t *testing.T) {
	db, logger := openTestDB(t)
	docs := NewDocumentRepository(db, logger)
	ctx := context.Background()

	doc := newDoc(t, docs, "abc123")

	got, err := docs.GetByID(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, "scan.pdf", got.Filename)
	assert.Equal(t, constants.StatusSubmitted, got.Status)
	assert.Equal(t, "Queued for processing", got.StatusLabel)
	assert.Nil(t, got.LastError)
	require.NotNil(t, got.OwnerRef)
	assert.Equal(t, "acct-7", *got.OwnerRef)

	byHash, err := docs.GetByHash(ctx, "abc123")
	require.NoError(t, err)
	assert.Equal(t, doc.ID, byHash.ID)

	events, err := docs.ListEvents(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, constants.StatusSubmitted, events[0].Status)

	_, err = docs.GetByID(ctx, uuid.New())
	assert.ErrorIs(t, err, common.ErrNotFound)
	assert.False(t, common.IsGone(err), "a plain lookup miss is not a vanished row")
}

func TestDocuments_TransitionIsCompareAndSet(t *testing.T) {
	db, logger := openTestDB(t)
	docs := NewDocumentRepository(db, logger)
	ctx := context.Background()
	doc := newDoc(t, docs, "h1")

	step := Transition{
		From:  []constants.DocumentStatus{constants.StatusSubmitted},
		To:    constants.StatusDownloading,
		Label: "Downloading from storage",
	}
	require.NoError(t, docs.Transition(ctx, doc.ID, step))

	err := docs.Transition(ctx, doc.ID, step)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStaleTransition))

	got, err := docs.GetByID(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.StatusDownloading, got.Status)

	events, err := docs.ListEvents(ctx, doc.ID)
	require.NoError(t, err)
	assert.Len(t, events, 2, "a rejected transition writes no event")
}

func TestDocuments_TransitionErrorAndClear(t *testing.T) {
	db, logger := openTestDB(t)
	docs := NewDocumentRepository(db, logger)
	ctx := context.Background()
	doc := newDoc(t, docs, "h2")

	require.NoError(t, docs.Transition(ctx, doc.ID, Transition{
		From:  []constants.DocumentStatus{constants.StatusSubmitted},
		To:    constants.StatusFailed,
		Label: "Failed during download",
		Stage: constants.StageDownload,
		Error: "object missing",
	}))
	got, err := docs.GetByID(ctx, doc.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastError)
	require.NotNil(t, got.ErrorStage)
	assert.Equal(t, "object missing", *got.LastError)
	assert.Equal(t, constants.StageDownload, *got.ErrorStage)

	require.NoError(t, docs.Transition(ctx, doc.ID, Transition{
		From:       []constants.DocumentStatus{constants.StatusFailed},
		To:         constants.StatusSubmitted,
		Label:      "Queued for processing",
		ClearError: true,
	}))
	got, err = docs.GetByID(ctx, doc.ID)
	require.NoError(t, err)
	assert.Nil(t, got.LastError)
	assert.Nil(t, got.ErrorStage)

	events, err := docs.ListEvents(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "object missing", events[1].Error)
	assert.Equal(t, constants.StageDownload, events[1].Stage)
}

func TestDocuments_DeletedRowIsGone(t *testing.T) {
	db, logger := openTestDB(t)
	docs := NewDocumentRepository(db, logger)
	content := NewContentRepository(db, logger)
	ctx := context.Background()
	doc := newDoc(t, docs, "h3")

	require.NoError(t, docs.Delete(ctx, doc.ID))
	assert.ErrorIs(t, docs.Delete(ctx, doc.ID), common.ErrNotFound)

	err := docs.Transition(ctx, doc.ID, Transition{
		From: []constants.DocumentStatus{constants.StatusSubmitted},
		To:   constants.StatusDownloading,
	})
	assert.True(t, common.IsGone(err))

	err = content.Upsert(ctx, doc.ID, constants.SourceOCR, "text", nil)
	assert.True(t, common.IsGone(err))

	err = docs.AddEvent(ctx, doc.ID, constants.StatusSubmitted, constants.StageDispatch, "late")
	assert.True(t, common.IsGone(err))
}

func TestDocuments_CountByStatus(t *testing.T) {
	db, logger := openTestDB(t)
	docs := NewDocumentRepository(db, logger)
	ctx := context.Background()

	a := newDoc(t, docs, "c1")
	newDoc(t, docs, "c2")
	require.NoError(t, docs.Transition(ctx, a.ID, Transition{
		From: []constants.DocumentStatus{constants.StatusSubmitted},
		To:   constants.StatusDownloading,
	}))

	counts, err := docs.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[constants.DocumentStatus]int64{
		constants.StatusSubmitted:   1,
		constants.StatusDownloading: 1,
	}, counts)
}

func TestContent_UpsertReplacesPerSource(t *testing.T) {
	db, logger := openTestDB(t)
	docs := NewDocumentRepository(db, logger)
	content := NewContentRepository(db, logger)
	ctx := context.Background()
	doc := newDoc(t, docs, "u1")

	require.NoError(t, content.Upsert(ctx, doc.ID, constants.SourceOCR, "first", map[string]any{"pages": 1}))
	require.NoError(t, content.Upsert(ctx, doc.ID, constants.SourcePDFText, "pdf", nil))
	require.NoError(t, content.Upsert(ctx, doc.ID, constants.SourceOCR, "héllo", map[string]any{"pages": 2}))

	recs, err := content.ListByDocument(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, recs, 2)

	bySource := map[constants.Source]entity.ContentRecord{}
	for _, r := range recs {
		bySource[r.Source] = r
	}
	ocr := bySource[constants.SourceOCR]
	assert.Equal(t, "héllo", ocr.Text)
	assert.Equal(t, 5, ocr.CharCount)
	assert.JSONEq(t, `{"pages":2}`, string(ocr.Metadata))
	assert.JSONEq(t, `{}`, string(bySource[constants.SourcePDFText].Metadata))
}

func TestContent_UnencodableMetadataIsLogged(t *testing.T) {
	db, _ := openTestDB(t)
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))
	docs := NewDocumentRepository(db, logger)
	content := NewContentRepository(db, logger)
	ctx := context.Background()
	doc := newDoc(t, docs, "m1")

	require.NoError(t, content.Upsert(ctx, doc.ID, constants.SourceOCR, "text", map[string]any{"bad": make(chan int)}))

	recs, err := content.ListByDocument(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.JSONEq(t, `{}`, string(recs[0].Metadata))
	assert.Contains(t, buf.String(), "content metadata not encodable")
}

func TestDocuments_OCRModelAndBaseSource(t *testing.T) {
	db, logger := openTestDB(t)
	docs := NewDocumentRepository(db, logger)
	ctx := context.Background()

	model := "gpt-4o"
	doc, err := docs.Create(ctx, entity.NewDocument{
		Filename:   "scan.pdf",
		StorageRef: "uploads/x/scan.pdf",
		OCRModel:   &model,
	}, constants.StatusSubmitted, "Queued for processing")
	require.NoError(t, err)

	got, err := docs.GetByID(ctx, doc.ID)
	require.NoError(t, err)
	require.NotNil(t, got.OCRModel)
	assert.Equal(t, "gpt-4o", *got.OCRModel)
	assert.Empty(t, got.BaseSource)

	require.NoError(t, docs.SetBaseSource(ctx, doc.ID, constants.SourceStructuredText))
	got, err = docs.GetByID(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.SourceStructuredText, got.BaseSource)

	require.NoError(t, docs.SetBaseSource(ctx, doc.ID, ""))
	got, err = docs.GetByID(ctx, doc.ID)
	require.NoError(t, err)
	assert.Empty(t, got.BaseSource)

	err = docs.SetBaseSource(ctx, uuid.New(), constants.SourceOCR)
	assert.True(t, common.IsGone(err))
}

func TestDocuments_ListUnsettled(t *testing.T) {
	db, logger := openTestDB(t)
	docs := NewDocumentRepository(db, logger)
	ctx := context.Background()

	queued := newDoc(t, docs, "q")
	running := newDoc(t, docs, "r")
	done := newDoc(t, docs, "d")
	require.NoError(t, docs.Transition(ctx, running.ID, Transition{
		From: []constants.DocumentStatus{constants.StatusSubmitted}, To: constants.StatusDownloading,
	}))
	require.NoError(t, docs.Transition(ctx, done.ID, Transition{
		From: []constants.DocumentStatus{constants.StatusSubmitted}, To: constants.StatusFailed, Error: "x",
	}))

	list, err := docs.ListUnsettled(ctx, 0)
	require.NoError(t, err)
	ids := map[uuid.UUID]constants.DocumentStatus{}
	for _, d := range list {
		ids[d.ID] = d.Status
	}
	assert.Equal(t, map[uuid.UUID]constants.DocumentStatus{
		queued.ID:  constants.StatusSubmitted,
		running.ID: constants.StatusDownloading,
	}, ids)

	list, err = docs.ListUnsettled(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestExtractions_ReplaceSwapsAll(t *testing.T) {
	db, logger := openTestDB(t)
	docs := NewDocumentRepository(db, logger)
	ext := NewExtractionRepository(db, logger)
	ctx := context.Background()
	doc := newDoc(t, docs, "e1")

	page, idx := 1, 0
	first := []entity.ExtractionRecord{
		{Kind: constants.KindTable, Source: constants.SourceOCR, Payload: json.RawMessage(`{"rows":[]}`), PageIndex: &page, TableIndex: &idx},
		{Kind: constants.KindStructuredData, Source: constants.SourceOCR, Payload: json.RawMessage(`{"a":1}`)},
	}
	require.NoError(t, ext.Replace(ctx, doc.ID, first))
	recs, err := ext.ListByDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Len(t, recs, 2)

	require.NoError(t, ext.Replace(ctx, doc.ID, first[1:]))
	recs, err = ext.ListByDocument(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, constants.KindStructuredData, recs[0].Kind)
	assert.JSONEq(t, `{"a":1}`, string(recs[0].Payload))
	assert.Nil(t, recs[0].PageIndex)
}

func TestMetrics_AppendOnly(t *testing.T) {
	db, logger := openTestDB(t)
	docs := NewDocumentRepository(db, logger)
	m := NewMetricsRepository(db, logger)
	ctx := context.Background()
	doc := newDoc(t, docs, "m1")

	start := time.Now().Add(-time.Second)
	total := int64(42)
	for _, errMsg := range []string{"timeout", ""} {
		require.NoError(t, m.Append(ctx, entity.MetricsRecord{
			DocumentID:  doc.ID,
			Source:      constants.SourceOCR,
			Stage:       "backend",
			StartedAt:   start,
			EndedAt:     start.Add(250 * time.Millisecond),
			DurationMS:  250,
			TotalTokens: &total,
			Success:     errMsg == "",
			Error:       errMsg,
		}))
	}

	recs, err := m.ListByDocument(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	for _, r := range recs {
		assert.EqualValues(t, 250, r.DurationMS)
		require.NotNil(t, r.TotalTokens)
		assert.EqualValues(t, 42, *r.TotalTokens)
		assert.Nil(t, r.PromptTokens)
	}
}

func TestHealthCheck(t *testing.T) {
	db, logger := openTestDB(t)
	assert.NoError(t, db.HealthCheck(context.Background(), time.Second, logger))
}
