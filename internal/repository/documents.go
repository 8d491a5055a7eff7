package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"entgo.io/ent/dialect"
	entsql "entgo.io/ent/dialect/sql"
	"github.com/google/uuid"

	"github.com/joseph-ayodele/docpipeline/constants"
	"github.com/joseph-ayodele/docpipeline/internal/common"
	"github.com/joseph-ayodele/docpipeline/internal/entity"
)

// ErrStaleTransition means the row exists but was not in any of the expected prior states.
var ErrStaleTransition = errors.New("document not in expected state")

// Transition describes a compare-and-set status change.
type Transition struct {
	From  []constants.DocumentStatus
	To    constants.DocumentStatus
	Label string
	Stage string
	Error string // stored as last_error when non-empty
	// ClearError resets last_error/error_stage (used when a new run starts).
	ClearError bool
}

type DocumentRepository interface {
	Create(ctx context.Context, in entity.NewDocument, status constants.DocumentStatus, label string) (*entity.Document, error)
	GetByID(ctx context.Context, id uuid.UUID) (*entity.Document, error)
	GetByHash(ctx context.Context, hash string) (*entity.Document, error)
	SetFormat(ctx context.Context, id uuid.UUID, format constants.Format) error
	// SetBaseSource records the source a run merged on; an empty source clears it.
	SetBaseSource(ctx context.Context, id uuid.UUID, source constants.Source) error
	// ListUnsettled returns documents that are submitted or mid-run, oldest update first.
	ListUnsettled(ctx context.Context, limit int) ([]*entity.Document, error)
	Transition(ctx context.Context, id uuid.UUID, t Transition) error
	// AddEvent records a sub-event (e.g. a backend failure) without changing status.
	AddEvent(ctx context.Context, id uuid.UUID, status constants.DocumentStatus, stage, message string) error
	ListEvents(ctx context.Context, id uuid.UUID) ([]entity.StatusEvent, error)
	CountByStatus(ctx context.Context) (map[constants.DocumentStatus]int64, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

type documentRepo struct {
	db     *DB
	logger *slog.Logger
}

func NewDocumentRepository(db *DB, logger *slog.Logger) DocumentRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &documentRepo{db: db, logger: logger}
}

var documentColumns = []string{
	"id", "filename", "content_type", "storage_ref", "content_hash", "format", "status", "status_label",
	"last_error", "error_stage", "owner_ref", "ocr_model", "base_source", "created_at", "updated_at",
}

func (r *documentRepo) Create(ctx context.Context, in entity.NewDocument, status constants.DocumentStatus, label string) (*entity.Document, error) {
	now := time.Now().UTC()
	doc := &entity.Document{
		ID:          uuid.New(),
		Filename:    in.Filename,
		ContentType: in.ContentType,
		StorageRef:  in.StorageRef,
		ContentHash: in.ContentHash,
		Status:      status,
		StatusLabel: label,
		OwnerRef:    in.OwnerRef,
		OCRModel:    in.OCRModel,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	tx, err := r.db.drv.Tx(ctx)
	if err != nil {
		return nil, common.PersistenceError("begin document create", err)
	}
	q, args := r.db.builder().Insert(tableDocuments).
		Columns(documentColumns...).
		Values(doc.ID.String(), doc.Filename, doc.ContentType, doc.StorageRef, doc.ContentHash, "",
			string(doc.Status), doc.StatusLabel, nil, nil, nullString(in.OwnerRef), nullString(in.OCRModel), nil, now, now).
		Query()
	if _, err := exec(ctx, tx, q, args); err != nil {
		_ = tx.Rollback()
		r.logger.Error("document create failed", "filename", in.Filename, "err", err)
		return nil, common.PersistenceError("create document", err)
	}
	if err := r.insertEvent(ctx, tx, doc.ID, status, "", "", now); err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, common.PersistenceError("commit document create", err)
	}
	r.logger.Info("document created", "document_id", doc.ID, "filename", doc.Filename)
	return doc, nil
}

func (r *documentRepo) GetByID(ctx context.Context, id uuid.UUID) (*entity.Document, error) {
	return r.getOne(ctx, entsql.EQ("id", id.String()))
}

func (r *documentRepo) GetByHash(ctx context.Context, hash string) (*entity.Document, error) {
	return r.getOne(ctx, entsql.EQ("content_hash", hash))
}

func (r *documentRepo) getOne(ctx context.Context, pred *entsql.Predicate) (*entity.Document, error) {
	b := r.db.builder()
	q, args := b.Select(documentColumns...).
		From(b.Table(tableDocuments)).
		Where(pred).
		OrderBy("created_at").
		Limit(1).
		Query()
	rows, err := query(ctx, r.db.drv, q, args)
	if err != nil {
		return nil, common.PersistenceError("query document", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, common.PersistenceError("query document", err)
		}
		return nil, common.NewAppError("NOT_FOUND", "document not found", common.ErrNotFound)
	}
	doc, err := scanDocument(rows)
	if err != nil {
		return nil, common.PersistenceError("scan document", err)
	}
	return doc, nil
}

func scanDocument(rows *entsql.Rows) (*entity.Document, error) {
	var (
		d                           entity.Document
		id                          string
		format, status              string
		lastErr, errStage, ownerRef sql.NullString
		ocrModel, baseSource        sql.NullString
	)
	if err := rows.Scan(&id, &d.Filename, &d.ContentType, &d.StorageRef, &d.ContentHash, &format, &status,
		&d.StatusLabel, &lastErr, &errStage, &ownerRef, &ocrModel, &baseSource, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("parse document id: %w", err)
	}
	d.ID = parsed
	d.Format = constants.Format(format)
	d.Status = constants.DocumentStatus(status)
	d.LastError = ptrString(lastErr)
	d.ErrorStage = ptrString(errStage)
	d.OwnerRef = ptrString(ownerRef)
	d.OCRModel = ptrString(ocrModel)
	d.BaseSource = constants.Source(baseSource.String)
	return &d, nil
}

func (r *documentRepo) SetFormat(ctx context.Context, id uuid.UUID, format constants.Format) error {
	q, args := r.db.builder().Update(tableDocuments).
		Set("format", string(format)).
		Set("updated_at", time.Now().UTC()).
		Where(entsql.EQ("id", id.String())).
		Query()
	n, err := exec(ctx, r.db.drv, q, args)
	if err != nil {
		r.logger.Error("document set format failed", "document_id", id, "err", err)
		return common.PersistenceError("set document format", err)
	}
	if n == 0 {
		return common.PersistenceError("set document format", common.ErrNotFound)
	}
	return nil
}

func (r *documentRepo) SetBaseSource(ctx context.Context, id uuid.UUID, source constants.Source) error {
	upd := r.db.builder().Update(tableDocuments).Set("updated_at", time.Now().UTC())
	if source == "" {
		upd = upd.SetNull("base_source")
	} else {
		upd = upd.Set("base_source", string(source))
	}
	q, args := upd.Where(entsql.EQ("id", id.String())).Query()
	n, err := exec(ctx, r.db.drv, q, args)
	if err != nil {
		r.logger.Error("document set base source failed", "document_id", id, "err", err)
		return common.PersistenceError("set document base source", err)
	}
	if n == 0 {
		return common.PersistenceError("set document base source", common.ErrNotFound)
	}
	return nil
}

func (r *documentRepo) ListUnsettled(ctx context.Context, limit int) ([]*entity.Document, error) {
	settled := []any{string(constants.StatusProcessed), string(constants.StatusPartial), string(constants.StatusFailed)}
	b := r.db.builder()
	sel := b.Select(documentColumns...).
		From(b.Table(tableDocuments)).
		Where(entsql.NotIn("status", settled...)).
		OrderBy("updated_at")
	if limit > 0 {
		sel = sel.Limit(limit)
	}
	q, args := sel.Query()
	rows, err := query(ctx, r.db.drv, q, args)
	if err != nil {
		return nil, common.PersistenceError("query unsettled documents", err)
	}
	defer rows.Close()

	var out []*entity.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, common.PersistenceError("scan document", err)
		}
		out = append(out, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, common.PersistenceError("iterate unsettled documents", err)
	}
	return out, nil
}

// Transition moves the document to t.To only if its current status is one of t.From,
// and appends a status event in the same transaction.
func (r *documentRepo) Transition(ctx context.Context, id uuid.UUID, t Transition) error {
	now := time.Now().UTC()
	tx, err := r.db.drv.Tx(ctx)
	if err != nil {
		return common.PersistenceError("begin transition", err)
	}

	from := make([]any, 0, len(t.From))
	for _, s := range t.From {
		from = append(from, string(s))
	}
	upd := r.db.builder().Update(tableDocuments).
		Set("status", string(t.To)).
		Set("status_label", t.Label).
		Set("updated_at", now)
	switch {
	case t.Error != "":
		upd = upd.Set("last_error", t.Error).Set("error_stage", t.Stage)
	case t.ClearError:
		upd = upd.SetNull("last_error").SetNull("error_stage")
	}
	q, args := upd.Where(entsql.And(entsql.EQ("id", id.String()), entsql.In("status", from...))).Query()

	n, err := exec(ctx, tx, q, args)
	if err != nil {
		_ = tx.Rollback()
		r.logger.Error("document transition failed", "document_id", id, "to", t.To, "err", err)
		return common.PersistenceError("update document status", err)
	}
	if n == 0 {
		_ = tx.Rollback()
		return r.explainMiss(ctx, id, t)
	}
	if err := r.insertEvent(ctx, tx, id, t.To, t.Stage, t.Error, now); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return common.PersistenceError("commit transition", err)
	}
	r.logger.Debug("document transitioned", "document_id", id, "to", t.To)
	return nil
}

// explainMiss distinguishes a vanished row from a row in an unexpected state.
func (r *documentRepo) explainMiss(ctx context.Context, id uuid.UUID, t Transition) error {
	doc, err := r.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			r.logger.Warn("document vanished during processing", "document_id", id, "to", t.To)
			return common.PersistenceError("document no longer exists", common.ErrNotFound)
		}
		return err
	}
	return common.PersistenceError(
		fmt.Sprintf("transition %s -> %s", doc.Status, t.To),
		ErrStaleTransition,
	)
}

func (r *documentRepo) insertEvent(ctx context.Context, tx dialect.ExecQuerier, id uuid.UUID, status constants.DocumentStatus, stage, errMsg string, at time.Time) error {
	q, args := r.db.builder().Insert(tableEvents).
		Columns("id", "document_id", "status", "stage", "error", "created_at").
		Values(newEventID(), id.String(), string(status), stage, errMsg, at).
		Query()
	if _, err := exec(ctx, tx, q, args); err != nil {
		r.logger.Error("status event insert failed", "document_id", id, "status", status, "err", err)
		return common.PersistenceError("insert status event", err)
	}
	return nil
}

func (r *documentRepo) AddEvent(ctx context.Context, id uuid.UUID, status constants.DocumentStatus, stage, message string) error {
	if err := r.insertEvent(ctx, r.db.drv, id, status, stage, message, time.Now().UTC()); err != nil {
		return documentGoneOr(ctx, r.db, id, err)
	}
	return nil
}

func (r *documentRepo) ListEvents(ctx context.Context, id uuid.UUID) ([]entity.StatusEvent, error) {
	b := r.db.builder()
	// Event ids are UUIDv7, so they break created_at ties in insertion order.
	q, args := b.Select("id", "document_id", "status", "stage", "error", "created_at").
		From(b.Table(tableEvents)).
		Where(entsql.EQ("document_id", id.String())).
		OrderBy("created_at", "id").
		Query()
	rows, err := query(ctx, r.db.drv, q, args)
	if err != nil {
		return nil, common.PersistenceError("query status events", err)
	}
	defer rows.Close()

	var out []entity.StatusEvent
	for rows.Next() {
		var (
			ev          entity.StatusEvent
			evID, docID string
			status      string
		)
		if err := rows.Scan(&evID, &docID, &status, &ev.Stage, &ev.Error, &ev.CreatedAt); err != nil {
			return nil, common.PersistenceError("scan status event", err)
		}
		ev.ID, _ = uuid.Parse(evID)
		ev.DocumentID, _ = uuid.Parse(docID)
		ev.Status = constants.DocumentStatus(status)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, common.PersistenceError("iterate status events", err)
	}
	return out, nil
}

func (r *documentRepo) CountByStatus(ctx context.Context) (map[constants.DocumentStatus]int64, error) {
	b := r.db.builder()
	q, args := b.Select("status", entsql.Count("*")).
		From(b.Table(tableDocuments)).
		GroupBy("status").
		Query()
	rows, err := query(ctx, r.db.drv, q, args)
	if err != nil {
		return nil, common.PersistenceError("count documents", err)
	}
	defer rows.Close()

	out := map[constants.DocumentStatus]int64{}
	for rows.Next() {
		var (
			st string
			n  int64
		)
		if err := rows.Scan(&st, &n); err != nil {
			return nil, common.PersistenceError("scan document count", err)
		}
		out[constants.DocumentStatus(st)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, common.PersistenceError("iterate document counts", err)
	}
	return out, nil
}

func (r *documentRepo) Delete(ctx context.Context, id uuid.UUID) error {
	q, args := r.db.builder().Delete(tableDocuments).
		Where(entsql.EQ("id", id.String())).
		Query()
	n, err := exec(ctx, r.db.drv, q, args)
	if err != nil {
		return common.PersistenceError("delete document", err)
	}
	if n == 0 {
		return common.NewAppError("NOT_FOUND", "document not found", common.ErrNotFound)
	}
	r.logger.Info("document deleted", "document_id", id)
	return nil
}

func nullString(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}

func ptrString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func newEventID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
