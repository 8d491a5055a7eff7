// Package ingest turns uploaded bytes and local files into stored, submitted documents.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/docpipeline/constants"
	"github.com/joseph-ayodele/docpipeline/internal/common"
	"github.com/joseph-ayodele/docpipeline/internal/entity"
	"github.com/joseph-ayodele/docpipeline/internal/repository"
	"github.com/joseph-ayodele/docpipeline/internal/status"
	"github.com/joseph-ayodele/docpipeline/internal/storage"
)

// Submitter starts processing of a stored document.
type Submitter interface {
	Submit(ctx context.Context, documentID uuid.UUID) error
}

// Upload is one file handed to the ingestor.
type Upload struct {
	Filename    string
	ContentType string
	Data        []byte
	OwnerRef    *string
	OCRModel    *string // nil uses the configured OCR model
}

// Result is the per-file ingest outcome.
type Result struct {
	DocumentID   uuid.UUID                `json:"document_id"`
	Filename     string                   `json:"filename"`
	StorageRef   string                   `json:"storage_ref"`
	HashHex      string                   `json:"content_hash"`
	Status       constants.DocumentStatus `json:"status"`
	Deduplicated bool                     `json:"deduplicated"`
	SourcePath   string                   `json:"source_path,omitempty"`
	Err          string                   `json:"error,omitempty"`
}

// DirStats summarizes a directory ingest.
type DirStats struct {
	Scanned      uint32 `json:"scanned"`
	Matched      uint32 `json:"matched"`
	Succeeded    uint32 `json:"succeeded"`
	Deduplicated uint32 `json:"deduplicated"`
	Failed       uint32 `json:"failed"`
}

type Ingestor struct {
	docs     repository.DocumentRepository
	store    storage.Store
	submit   Submitter
	maxBytes int64
	logger   *slog.Logger
}

// NewIngestor builds an ingestor. With a nil submitter documents are stored but not processed.
// maxBytes <= 0 disables the size limit.
func NewIngestor(docs repository.DocumentRepository, store storage.Store, submit Submitter, maxBytes int64, logger *slog.Logger) *Ingestor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingestor{docs: docs, store: store, submit: submit, maxBytes: maxBytes, logger: logger}
}

// Ingest stores the upload, creates its document and submits it. Identical content is
// deduplicated by hash: the existing document is returned and nothing is submitted again.
func (i *Ingestor) Ingest(ctx context.Context, up Upload) (Result, error) {
	v := common.NewValidator().
		Field("filename", up.Filename, common.Required, common.MaxLength(255)).
		Field("data", up.Data, common.Required)
	if up.OCRModel != nil {
		v.Field("ocr_model", *up.OCRModel, common.Required, common.MaxLength(128))
	}
	if err := v.Err(); err != nil {
		return Result{}, err
	}
	if i.maxBytes > 0 && int64(len(up.Data)) > i.maxBytes {
		return Result{}, common.NewAppError("TOO_LARGE",
			fmt.Sprintf("upload is %d bytes, limit is %d", len(up.Data), i.maxBytes), common.ErrInvalidInput)
	}

	sum := sha256.Sum256(up.Data)
	hash := hex.EncodeToString(sum[:])
	log := i.logger.With("filename", up.Filename, "content_hash", hash)

	existing, err := i.docs.GetByHash(ctx, hash)
	switch {
	case err == nil:
		log.Info("ingest.deduplicated", "document_id", existing.ID)
		return Result{
			DocumentID:   existing.ID,
			Filename:     existing.Filename,
			StorageRef:   existing.StorageRef,
			HashHex:      hash,
			Status:       existing.Status,
			Deduplicated: true,
		}, nil
	case !errors.Is(err, common.ErrNotFound):
		return Result{}, err
	}

	contentType := up.ContentType
	if contentType == "" {
		contentType = mime.TypeByExtension(filepath.Ext(up.Filename))
	}
	ref, err := i.store.Put(ctx, storage.ObjectKey(hash, up.Filename), up.Data)
	if err != nil {
		log.Error("ingest.store.failed", "error", err)
		return Result{}, err
	}
	doc, err := i.docs.Create(ctx, entity.NewDocument{
		Filename:    up.Filename,
		ContentType: contentType,
		StorageRef:  ref,
		ContentHash: hash,
		OwnerRef:    up.OwnerRef,
		OCRModel:    up.OCRModel,
	}, constants.StatusSubmitted, status.Label(constants.StatusSubmitted, ""))
	if err != nil {
		return Result{}, err
	}
	res := Result{
		DocumentID: doc.ID,
		Filename:   doc.Filename,
		StorageRef: ref,
		HashHex:    hash,
		Status:     doc.Status,
	}
	if i.submit != nil {
		if err := i.submit.Submit(ctx, doc.ID); err != nil {
			log.Error("ingest.submit.failed", "document_id", doc.ID, "error", err)
			return res, err
		}
	}
	log.Info("ingest.ok", "document_id", doc.ID, "bytes", len(up.Data))
	return res, nil
}
