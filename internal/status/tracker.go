package status

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/docpipeline/constants"
	"github.com/joseph-ayodele/docpipeline/internal/common"
	"github.com/joseph-ayodele/docpipeline/internal/entity"
	"github.com/joseph-ayodele/docpipeline/internal/repository"
)

// Tracker persists transitions synchronously; a call returns only once the new state is stored.
type Tracker struct {
	docs       repository.DocumentRepository
	staleAfter time.Duration
	now        func() time.Time
	logger     *slog.Logger
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithStaleAfter lets Reset take over a run whose last transition is older than d.
// Zero, the default, never takes over.
func WithStaleAfter(d time.Duration) TrackerOption {
	return func(t *Tracker) { t.staleAfter = d }
}

func NewTracker(docs repository.DocumentRepository, logger *slog.Logger, opts ...TrackerOption) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tracker{docs: docs, now: time.Now, logger: logger}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Advance moves the document one legal step forward to next.
func (t *Tracker) Advance(ctx context.Context, id uuid.UUID, next constants.DocumentStatus) error {
	if next == constants.StatusFailed || next == constants.StatusPartial {
		return fmt.Errorf("use Fail or Partial for %s", next)
	}
	from := Predecessors(next)
	if len(from) == 0 {
		return fmt.Errorf("no legal transition into %s", next)
	}
	return t.docs.Transition(ctx, id, repository.Transition{
		From:  from,
		To:    next,
		Label: Label(next, ""),
	})
}

// Partial settles the document as usable but incomplete, keeping reason as its error summary.
func (t *Tracker) Partial(ctx context.Context, id uuid.UUID, stage, reason string) error {
	t.logger.Warn("status.partial", "document_id", id, "stage", stage, "reason", reason)
	return t.docs.Transition(ctx, id, repository.Transition{
		From:  Predecessors(constants.StatusPartial),
		To:    constants.StatusPartial,
		Label: Label(constants.StatusPartial, stage),
		Stage: stage,
		Error: reason,
	})
}

// Fail moves any non-terminal document to failed with the error summary of cause.
func (t *Tracker) Fail(ctx context.Context, id uuid.UUID, stage string, cause error) error {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	t.logger.Error("status.failed", "document_id", id, "stage", stage, "error", msg)
	return t.docs.Transition(ctx, id, repository.Transition{
		From:  Predecessors(constants.StatusFailed),
		To:    constants.StatusFailed,
		Label: Label(constants.StatusFailed, stage),
		Stage: stage,
		Error: msg,
	})
}

// Note records an isolated failure as a sub-event of the current state.
func (t *Tracker) Note(ctx context.Context, id uuid.UUID, current constants.DocumentStatus, stage, message string) error {
	return t.docs.AddEvent(ctx, id, current, stage, message)
}

// Reset starts a new run: a settled document returns to submitted with its error cleared.
// A document that is still submitted is left alone. One mid-run is a conflict unless its
// run has gone stale, in which case the run is failed as interrupted first.
func (t *Tracker) Reset(ctx context.Context, id uuid.UUID) error {
	doc, err := t.docs.GetByID(ctx, id)
	if err != nil {
		return err
	}
	switch {
	case doc.Status == constants.StatusSubmitted:
		return nil
	case !IsSettled(doc.Status):
		if !t.IsStale(doc) {
			return common.NewAppError("IN_PROGRESS", fmt.Sprintf("document is %s", doc.Status), common.ErrConflict)
		}
		if err := t.Interrupt(ctx, doc); err != nil {
			return err
		}
	}
	return t.docs.Transition(ctx, id, repository.Transition{
		From:       []constants.DocumentStatus{constants.StatusProcessed, constants.StatusPartial, constants.StatusFailed},
		To:         constants.StatusSubmitted,
		Label:      Label(constants.StatusSubmitted, ""),
		ClearError: true,
	})
}

// IsStale reports a mid-run document whose last transition is older than the stale limit.
func (t *Tracker) IsStale(doc *entity.Document) bool {
	if t.staleAfter <= 0 || IsSettled(doc.Status) || doc.Status == constants.StatusSubmitted {
		return false
	}
	return t.now().Sub(doc.UpdatedAt) > t.staleAfter
}

// Interrupt fails a mid-run document whose run will not finish, e.g. after a crash.
// It only applies while the document is still in the state it was read in.
func (t *Tracker) Interrupt(ctx context.Context, doc *entity.Document) error {
	msg := fmt.Sprintf("run interrupted while %s", doc.Status)
	t.logger.Warn("status.interrupted", "document_id", doc.ID, "status", doc.Status, "updated_at", doc.UpdatedAt)
	err := t.docs.Transition(ctx, doc.ID, repository.Transition{
		From:  []constants.DocumentStatus{doc.Status},
		To:    constants.StatusFailed,
		Label: Label(constants.StatusFailed, constants.StageRecover),
		Stage: constants.StageRecover,
		Error: msg,
	})
	if errors.Is(err, repository.ErrStaleTransition) {
		return common.NewAppError("IN_PROGRESS", "document moved on while being recovered", common.ErrConflict)
	}
	return err
}

// Get returns the point-in-time status of a document.
func (t *Tracker) Get(ctx context.Context, id uuid.UUID) (Snapshot, error) {
	doc, err := t.docs.GetByID(ctx, id)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		Status: doc.Status,
		Label:  doc.StatusLabel,
		Error:  doc.LastError,
		Stage:  doc.ErrorStage,
	}, nil
}

// Snapshot is what a status query returns.
type Snapshot struct {
	Status constants.DocumentStatus `json:"status"`
	Label  string                   `json:"label"`
	Error  *string                  `json:"error,omitempty"`
	Stage  *string                  `json:"stage,omitempty"`
}
