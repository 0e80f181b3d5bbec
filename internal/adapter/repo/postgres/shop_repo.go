package postgres

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/shopindexer/pipeline/internal/domain"
)

// ShopRepo reads shop tenant rows ("Auth" in the original system) from the
// relational store.
type ShopRepo struct{ Pool PgxPool }

// NewShopRepo constructs a ShopRepo with the given pool.
func NewShopRepo(p PgxPool) *ShopRepo { return &ShopRepo{Pool: p} }

// ListShops returns all distinct shop keys, used by the scheduler to
// enumerate candidates for a run cycle.
func (r *ShopRepo) ListShops(ctx domain.Context) ([]string, error) {
	tracer := otel.Tracer("repo.shops")
	ctx, span := tracer.Start(ctx, "shops.ListShops")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "shops"),
	)

	rows, err := r.Pool.Query(ctx, `SELECT DISTINCT shop FROM shops`)
	if err != nil {
		return nil, fmt.Errorf("op=shop.list_shops: %w", err)
	}
	defer rows.Close()

	var shops []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("op=shop.list_shops_scan: %w", err)
		}
		shops = append(shops, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=shop.list_shops_rows: %w", err)
	}
	return shops, nil
}

// Get loads a shop's auth row (settings + still-encrypted credentials) by
// shop key.
func (r *ShopRepo) Get(ctx domain.Context, shop string) (domain.Shop, error) {
	tracer := otel.Tracer("repo.shops")
	ctx, span := tracer.Start(ctx, "shops.Get")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "shops"),
	)

	q := `SELECT shop, google_config, bing_api_key, google_limit, bing_limit, retry_limit, created_at, updated_at
	      FROM shops WHERE shop=$1`
	row := r.Pool.QueryRow(ctx, q, shop)

	var s domain.Shop
	if err := row.Scan(
		&s.Shop, &s.GoogleConfig, &s.BingAPIKey,
		&s.Settings.GoogleLimit, &s.Settings.BingLimit, &s.Settings.RetryLimit,
		&s.CreatedAt, &s.UpdatedAt,
	); err != nil {
		return domain.Shop{}, fmt.Errorf("op=shop.get: %w", mapNoRows(err, domain.ErrNotFound))
	}
	return s, nil
}
