// Package cache wraps a ShopRepository with an in-process LRU so repeated
// lookups of the same shop's auth row within a short window skip the
// relational store.
package cache

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/shopindexer/pipeline/internal/domain"
)

// CachedShopRepo decorates a domain.ShopRepository with an LRU keyed by
// shop. ListShops always passes through: only single-shop Get lookups are
// worth caching, since ListShops already returns the full set in one query.
type CachedShopRepo struct {
	next  domain.ShopRepository
	cache *lru.Cache[string, domain.Shop]
}

// NewCachedShopRepo wraps next with an LRU of the given size. size must be
// positive.
func NewCachedShopRepo(next domain.ShopRepository, size int) (*CachedShopRepo, error) {
	c, err := lru.New[string, domain.Shop](size)
	if err != nil {
		return nil, err
	}
	return &CachedShopRepo{next: next, cache: c}, nil
}

// ListShops delegates directly to next.
func (r *CachedShopRepo) ListShops(ctx domain.Context) ([]string, error) {
	return r.next.ListShops(ctx)
}

// Get returns the cached row when present, otherwise loads it from next and
// caches the result. Lookup errors (including ErrNotFound) are never cached.
func (r *CachedShopRepo) Get(ctx domain.Context, shop string) (domain.Shop, error) {
	if cached, ok := r.cache.Get(shop); ok {
		return cached, nil
	}
	s, err := r.next.Get(ctx, shop)
	if err != nil {
		return domain.Shop{}, err
	}
	r.cache.Add(shop, s)
	return s, nil
}
