package postgres

import (
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/shopindexer/pipeline/internal/domain"
)

// UrlEntryRepo reads and writes per-(shop, webUrl) submission state.
type UrlEntryRepo struct{ Pool PgxPool }

// NewUrlEntryRepo constructs a UrlEntryRepo with the given pool.
func NewUrlEntryRepo(p PgxPool) *UrlEntryRepo { return &UrlEntryRepo{Pool: p} }

// PendingForShop selects PENDING, non-IGNORE rows for shop, ordered by
// attempts DESC, limited to limit, and optionally filtered to rows not yet
// Google-indexed — the two observed data-prep query shapes are exposed here
// as a parameter rather than guessed at.
func (r *UrlEntryRepo) PendingForShop(ctx domain.Context, shop string, limit int, filterGoogleIndexed bool) ([]domain.UrlEntry, error) {
	tracer := otel.Tracer("repo.url_entries")
	ctx, span := tracer.Start(ctx, "url_entries.PendingForShop")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "url_entries"),
	)

	q := `SELECT web_url, index_action, attempts
	      FROM url_entries
	      WHERE shop=$1 AND status=$2 AND index_action <> $3`
	args := []any{shop, domain.UrlPending, domain.ActionIgnore}
	if filterGoogleIndexed {
		q += ` AND is_google_indexed = false`
	}
	q += ` ORDER BY attempts DESC LIMIT $4`
	args = append(args, limit)

	rows, err := r.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("op=url_entry.pending_for_shop: %w", err)
	}
	defer rows.Close()

	var entries []domain.UrlEntry
	for rows.Next() {
		e := domain.UrlEntry{Shop: shop, Status: domain.UrlPending}
		if err := rows.Scan(&e.WebURL, &e.IndexAction, &e.Attempts); err != nil {
			return nil, fmt.Errorf("op=url_entry.pending_for_shop_scan: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=url_entry.pending_for_shop_rows: %w", err)
	}
	return entries, nil
}

// PromoteBoth marks urls confirmed by both providers as COMPLETED.
func (r *UrlEntryRepo) PromoteBoth(ctx domain.Context, shop string, urls []string, at time.Time) error {
	return r.promote(ctx, "url_entries.PromoteBoth",
		`UPDATE url_entries SET is_google_indexed=true, is_bing_indexed=true, status=$1, last_indexed_at=$2
		 WHERE shop=$3 AND web_url = ANY($4)`,
		[]any{domain.UrlCompleted, at, shop, urls})
}

// PromoteGoogleOnly flips is_google_indexed for rows not already flagged.
func (r *UrlEntryRepo) PromoteGoogleOnly(ctx domain.Context, shop string, urls []string, at time.Time) error {
	return r.promote(ctx, "url_entries.PromoteGoogleOnly",
		`UPDATE url_entries SET is_google_indexed=true, last_indexed_at=$1
		 WHERE shop=$2 AND web_url = ANY($3) AND is_google_indexed=false`,
		[]any{at, shop, urls})
}

// PromoteBingOnly flips is_bing_indexed for rows not already flagged.
func (r *UrlEntryRepo) PromoteBingOnly(ctx domain.Context, shop string, urls []string, at time.Time) error {
	return r.promote(ctx, "url_entries.PromoteBingOnly",
		`UPDATE url_entries SET is_bing_indexed=true
		 WHERE shop=$1 AND web_url = ANY($2) AND is_bing_indexed=false`,
		[]any{shop, urls})
}

func (r *UrlEntryRepo) promote(ctx domain.Context, spanName, query string, args []any) error {
	tracer := otel.Tracer("repo.url_entries")
	ctx, span := tracer.Start(ctx, spanName)
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "UPDATE"),
		attribute.String("db.sql.table", "url_entries"),
	)
	if _, err := r.Pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("op=%s: %w", spanName, err)
	}
	return nil
}
