package postgres

import (
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/shopindexer/pipeline/internal/domain"
)

// IndexTaskRepo maintains the supplemented index_tasks ledger, recovered
// from the original system's db model: a per-URL completion record separate
// from the submission-state table, used for auditing and reporting.
type IndexTaskRepo struct{ Pool PgxPool }

// NewIndexTaskRepo constructs an IndexTaskRepo with the given pool.
func NewIndexTaskRepo(p PgxPool) *IndexTaskRepo { return &IndexTaskRepo{Pool: p} }

// MarkCompleted closes out ledger rows for the given shop and urls,
// inserting one if none exists yet for a (shop, url) pair.
func (r *IndexTaskRepo) MarkCompleted(ctx domain.Context, shop string, urls []string, at time.Time) error {
	tracer := otel.Tracer("repo.index_tasks")
	ctx, span := tracer.Start(ctx, "index_tasks.MarkCompleted")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "UPSERT"),
		attribute.String("db.sql.table", "index_tasks"),
	)

	q := `INSERT INTO index_tasks (shop, url, is_completed, created_at, completed_at)
	      SELECT $1, u, true, $2, $2
	      FROM unnest($3::text[]) AS u
	      ON CONFLICT (shop, url) DO UPDATE
	      SET is_completed = true, completed_at = $2`
	if _, err := r.Pool.Exec(ctx, q, shop, at, urls); err != nil {
		return fmt.Errorf("op=index_task.mark_completed: %w", err)
	}
	return nil
}
