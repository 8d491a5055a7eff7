package async

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Job asks for one pipeline run of a document.
type Job struct {
	DocumentID  uuid.UUID
	SubmittedAt time.Time
}

// Processor runs the pipeline for one document.
type Processor interface {
	Process(ctx context.Context, documentID uuid.UUID) error
}
