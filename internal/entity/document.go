package entity

import (
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/docpipeline/constants"
)

// Document is the aggregate root of one uploaded file.
type Document struct {
	ID          uuid.UUID                `json:"id"`
	Filename    string                   `json:"filename"`
	ContentType string                   `json:"content_type"`
	StorageRef  string                   `json:"storage_ref"`
	ContentHash string                   `json:"content_hash,omitempty"`
	Format      constants.Format         `json:"format,omitempty"`
	Status      constants.DocumentStatus `json:"status"`
	StatusLabel string                   `json:"status_label"`
	LastError   *string                  `json:"last_error,omitempty"`
	ErrorStage  *string                  `json:"error_stage,omitempty"`
	OwnerRef    *string                  `json:"owner_ref,omitempty"`
	OCRModel    *string                  `json:"ocr_model,omitempty"`
	// BaseSource is the source the latest run merged on; empty until a run resolves text.
	BaseSource constants.Source `json:"base_source,omitempty"`
	CreatedAt   time.Time                `json:"created_at"`
	UpdatedAt   time.Time                `json:"updated_at"`
}

// NewDocument carries the fields a caller supplies on submission.
type NewDocument struct {
	Filename    string
	ContentType string
	StorageRef  string
	ContentHash string
	OwnerRef    *string
	OCRModel    *string // overrides the configured OCR model for this document
}

// StatusEvent is one persisted lifecycle transition.
type StatusEvent struct {
	ID         uuid.UUID                `json:"id"`
	DocumentID uuid.UUID                `json:"document_id"`
	Status     constants.DocumentStatus `json:"status"`
	Stage      string                   `json:"stage,omitempty"`
	Error      string                   `json:"error,omitempty"`
	CreatedAt  time.Time                `json:"created_at"`
}
