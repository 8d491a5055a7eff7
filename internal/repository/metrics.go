package repository

import (
	"context"
	"database/sql"
	"log/slog"

	entsql "entgo.io/ent/dialect/sql"
	"github.com/google/uuid"

	"github.com/joseph-ayodele/docpipeline/constants"
	"github.com/joseph-ayodele/docpipeline/internal/common"
	"github.com/joseph-ayodele/docpipeline/internal/entity"
)

// MetricsRepository is append-only: rows are never updated.
type MetricsRepository interface {
	Append(ctx context.Context, rec entity.MetricsRecord) error
	ListByDocument(ctx context.Context, documentID uuid.UUID) ([]entity.MetricsRecord, error)
}

type metricsRepo struct {
	db     *DB
	logger *slog.Logger
}

func NewMetricsRepository(db *DB, logger *slog.Logger) MetricsRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &metricsRepo{db: db, logger: logger}
}

var metricsColumns = []string{
	"id", "document_id", "source", "stage", "started_at", "ended_at", "duration_ms",
	"prompt_tokens", "completion_tokens", "total_tokens", "success", "error",
}

func (r *metricsRepo) Append(ctx context.Context, rec entity.MetricsRecord) error {
	id := rec.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	q, args := r.db.builder().Insert(tableMetrics).
		Columns(metricsColumns...).
		Values(id.String(), rec.DocumentID.String(), string(rec.Source), rec.Stage, rec.StartedAt.UTC(), rec.EndedAt.UTC(),
			rec.DurationMS, nullInt64(rec.PromptTokens), nullInt64(rec.CompletionTokens), nullInt64(rec.TotalTokens),
			rec.Success, rec.Error).
		Query()
	if _, err := exec(ctx, r.db.drv, q, args); err != nil {
		r.logger.Error("metrics append failed", "document_id", rec.DocumentID, "source", rec.Source, "err", err)
		return documentGoneOr(ctx, r.db, rec.DocumentID, common.PersistenceError("append metrics record", err))
	}
	return nil
}

func (r *metricsRepo) ListByDocument(ctx context.Context, documentID uuid.UUID) ([]entity.MetricsRecord, error) {
	b := r.db.builder()
	q, args := b.Select(metricsColumns...).
		From(b.Table(tableMetrics)).
		Where(entsql.EQ("document_id", documentID.String())).
		OrderBy("started_at").
		Query()
	rows, err := query(ctx, r.db.drv, q, args)
	if err != nil {
		return nil, common.PersistenceError("query metrics records", err)
	}
	defer rows.Close()

	var out []entity.MetricsRecord
	for rows.Next() {
		var (
			rec                  entity.MetricsRecord
			id, docID, src       string
			prompt, compl, total sql.NullInt64
		)
		if err := rows.Scan(&id, &docID, &src, &rec.Stage, &rec.StartedAt, &rec.EndedAt, &rec.DurationMS,
			&prompt, &compl, &total, &rec.Success, &rec.Error); err != nil {
			return nil, common.PersistenceError("scan metrics record", err)
		}
		rec.ID, _ = uuid.Parse(id)
		rec.DocumentID = documentID
		rec.Source = constants.Source(src)
		rec.PromptTokens = ptrInt64(prompt)
		rec.CompletionTokens = ptrInt64(compl)
		rec.TotalTokens = ptrInt64(total)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, common.PersistenceError("iterate metrics records", err)
	}
	return out, nil
}

func nullInt64(p *int64) any {
	if p == nil {
		return nil
	}
	return *p
}

func ptrInt64(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}
