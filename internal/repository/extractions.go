package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"time"

	entsql "entgo.io/ent/dialect/sql"
	"github.com/google/uuid"

	"github.com/joseph-ayodele/docpipeline/constants"
	"github.com/joseph-ayodele/docpipeline/internal/common"
	"github.com/joseph-ayodele/docpipeline/internal/entity"
)

type ExtractionRepository interface {
	// Replace swaps every extraction row of the document for recs in one transaction.
	Replace(ctx context.Context, documentID uuid.UUID, recs []entity.ExtractionRecord) error
	ListByDocument(ctx context.Context, documentID uuid.UUID) ([]entity.ExtractionRecord, error)
}

type extractionRepo struct {
	db     *DB
	logger *slog.Logger
}

func NewExtractionRepository(db *DB, logger *slog.Logger) ExtractionRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &extractionRepo{db: db, logger: logger}
}

func (r *extractionRepo) Replace(ctx context.Context, documentID uuid.UUID, recs []entity.ExtractionRecord) error {
	tx, err := r.db.drv.Tx(ctx)
	if err != nil {
		return common.PersistenceError("begin extraction replace", err)
	}
	b := r.db.builder()
	q, args := b.Delete(tableExtractions).Where(entsql.EQ("document_id", documentID.String())).Query()
	if _, err := exec(ctx, tx, q, args); err != nil {
		_ = tx.Rollback()
		return common.PersistenceError("delete extraction records", err)
	}

	if len(recs) > 0 {
		now := time.Now().UTC()
		ins := b.Insert(tableExtractions).
			Columns("id", "document_id", "kind", "source", "payload", "page_index", "table_index", "created_at")
		for _, rec := range recs {
			id := rec.ID
			if id == uuid.Nil {
				id = uuid.New()
			}
			ins = ins.Values(id.String(), documentID.String(), string(rec.Kind), string(rec.Source),
				string(rec.Payload), nullInt(rec.PageIndex), nullInt(rec.TableIndex), now)
		}
		q, args = ins.Query()
		if _, err := exec(ctx, tx, q, args); err != nil {
			_ = tx.Rollback()
			r.logger.Error("extraction insert failed", "document_id", documentID, "records", len(recs), "err", err)
			return documentGoneOr(ctx, r.db, documentID, common.PersistenceError("insert extraction records", err))
		}
	}
	if err := tx.Commit(); err != nil {
		return common.PersistenceError("commit extraction replace", err)
	}
	r.logger.Info("extraction records stored", "document_id", documentID, "records", len(recs))
	return nil
}

func (r *extractionRepo) ListByDocument(ctx context.Context, documentID uuid.UUID) ([]entity.ExtractionRecord, error) {
	b := r.db.builder()
	q, args := b.Select("id", "kind", "source", "payload", "page_index", "table_index", "created_at").
		From(b.Table(tableExtractions)).
		Where(entsql.EQ("document_id", documentID.String())).
		OrderBy("kind", "table_index").
		Query()
	rows, err := query(ctx, r.db.drv, q, args)
	if err != nil {
		return nil, common.PersistenceError("query extraction records", err)
	}
	defer rows.Close()

	var out []entity.ExtractionRecord
	for rows.Next() {
		var (
			rec               entity.ExtractionRecord
			id, kind, src, pl string
			page, table       sql.NullInt64
		)
		if err := rows.Scan(&id, &kind, &src, &pl, &page, &table, &rec.CreatedAt); err != nil {
			return nil, common.PersistenceError("scan extraction record", err)
		}
		rec.ID, _ = uuid.Parse(id)
		rec.DocumentID = documentID
		rec.Kind = constants.ExtractionKind(kind)
		rec.Source = constants.Source(src)
		rec.Payload = json.RawMessage(pl)
		rec.PageIndex = ptrInt(page)
		rec.TableIndex = ptrInt(table)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, common.PersistenceError("iterate extraction records", err)
	}
	return out, nil
}

func nullInt(p *int) any {
	if p == nil {
		return nil
	}
	return int64(*p)
}

func ptrInt(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}
