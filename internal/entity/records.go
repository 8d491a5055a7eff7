package entity

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/docpipeline/constants"
)

// ContentRecord holds one backend's raw text for a document. Unique per (document, source).
type ContentRecord struct {
	ID         uuid.UUID        `json:"id"`
	DocumentID uuid.UUID        `json:"document_id"`
	Source     constants.Source `json:"source"`
	Text       string           `json:"text"`
	Metadata   json.RawMessage  `json:"metadata,omitempty"`
	CharCount  int              `json:"char_count"`
	CreatedAt  time.Time        `json:"created_at"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

// ExtractionRecord is a typed structured payload derived from a backend's output.
type ExtractionRecord struct {
	ID         uuid.UUID                `json:"id"`
	DocumentID uuid.UUID                `json:"document_id"`
	Kind       constants.ExtractionKind `json:"kind"`
	Source     constants.Source         `json:"source"`
	Payload    json.RawMessage          `json:"payload"`
	PageIndex  *int                     `json:"page_index,omitempty"`
	TableIndex *int                     `json:"table_index,omitempty"`
	CreatedAt  time.Time                `json:"created_at"`
}

// MetricsRecord is one backend (or stage) invocation. Append-only.
type MetricsRecord struct {
	ID               uuid.UUID        `json:"id"`
	DocumentID       uuid.UUID        `json:"document_id"`
	Source           constants.Source `json:"source,omitempty"`
	Stage            string           `json:"stage"`
	StartedAt        time.Time        `json:"started_at"`
	EndedAt          time.Time        `json:"ended_at"`
	DurationMS       int64            `json:"duration_ms"`
	PromptTokens     *int64           `json:"prompt_tokens,omitempty"`
	CompletionTokens *int64           `json:"completion_tokens,omitempty"`
	TotalTokens      *int64           `json:"total_tokens,omitempty"`
	Success          bool             `json:"success"`
	Error            string           `json:"error,omitempty"`
}
