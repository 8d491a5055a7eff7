package repository

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	entsql "entgo.io/ent/dialect/sql"
	"github.com/google/uuid"

	"github.com/joseph-ayodele/docpipeline/constants"
	"github.com/joseph-ayodele/docpipeline/internal/common"
	"github.com/joseph-ayodele/docpipeline/internal/entity"
)

type ContentRepository interface {
	// Upsert writes the text of one source; re-processing replaces the previous row.
	Upsert(ctx context.Context, documentID uuid.UUID, source constants.Source, text string, metadata map[string]any) error
	ListByDocument(ctx context.Context, documentID uuid.UUID) ([]entity.ContentRecord, error)
}

type contentRepo struct {
	db     *DB
	logger *slog.Logger
}

func NewContentRepository(db *DB, logger *slog.Logger) ContentRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &contentRepo{db: db, logger: logger}
}

func (r *contentRepo) Upsert(ctx context.Context, documentID uuid.UUID, source constants.Source, text string, metadata map[string]any) error {
	meta := []byte("{}")
	if metadata != nil {
		b, err := json.Marshal(metadata)
		if err != nil {
			r.logger.Warn("content metadata not encodable, storing empty object",
				"document_id", documentID, "source", source, "err", err)
		} else {
			meta = b
		}
	}
	now := time.Now().UTC()
	q, args := r.db.builder().Insert(tableContent).
		Columns("id", "document_id", "source", "text", "metadata", "char_count", "created_at", "updated_at").
		Values(uuid.NewString(), documentID.String(), string(source), text, string(meta), len([]rune(text)), now, now).
		OnConflict(
			entsql.ConflictColumns("document_id", "source"),
			entsql.ResolveWith(func(u *entsql.UpdateSet) {
				u.SetExcluded("text")
				u.SetExcluded("metadata")
				u.SetExcluded("char_count")
				u.SetExcluded("updated_at")
			}),
		).
		Query()
	if _, err := exec(ctx, r.db.drv, q, args); err != nil {
		r.logger.Error("content upsert failed", "document_id", documentID, "source", source, "err", err)
		return documentGoneOr(ctx, r.db, documentID, common.PersistenceError("upsert content record", err))
	}
	r.logger.Debug("content upserted", "document_id", documentID, "source", source, "chars", len(text))
	return nil
}

func (r *contentRepo) ListByDocument(ctx context.Context, documentID uuid.UUID) ([]entity.ContentRecord, error) {
	b := r.db.builder()
	q, args := b.Select("id", "source", "text", "metadata", "char_count", "created_at", "updated_at").
		From(b.Table(tableContent)).
		Where(entsql.EQ("document_id", documentID.String())).
		OrderBy("source").
		Query()
	rows, err := query(ctx, r.db.drv, q, args)
	if err != nil {
		return nil, common.PersistenceError("query content records", err)
	}
	defer rows.Close()

	var out []entity.ContentRecord
	for rows.Next() {
		var (
			rec         entity.ContentRecord
			id, src, md string
		)
		if err := rows.Scan(&id, &src, &rec.Text, &md, &rec.CharCount, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, common.PersistenceError("scan content record", err)
		}
		rec.ID, _ = uuid.Parse(id)
		rec.DocumentID = documentID
		rec.Source = constants.Source(src)
		rec.Metadata = json.RawMessage(md)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, common.PersistenceError("iterate content records", err)
	}
	return out, nil
}

// documentGoneOr returns a not-found persistence error when the parent document no longer exists,
// otherwise fallback.
func documentGoneOr(ctx context.Context, db *DB, documentID uuid.UUID, fallback error) error {
	b := db.builder()
	q, args := b.Select("id").
		From(b.Table(tableDocuments)).
		Where(entsql.EQ("id", documentID.String())).
		Query()
	rows, err := query(ctx, db.drv, q, args)
	if err != nil {
		return fallback
	}
	defer rows.Close()
	if rows.Next() {
		return fallback
	}
	if rows.Err() != nil {
		return fallback
	}
	return common.PersistenceError("document no longer exists", common.ErrNotFound)
}
