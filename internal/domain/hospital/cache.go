package hospital

import (
	"context"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
)

const activeKey = "hospitals:active"

// cachedRepo memoises ListActive, the query every emergency submission runs.
// Writes made through it flush the cache.
type cachedRepo struct {
	Repository
	cache *gocache.Cache
}

// NewCachedRepository wraps inner with a go-cache backed ListActive. A
// non-positive ttl disables caching and returns inner unchanged.
func NewCachedRepository(inner Repository, ttl time.Duration) Repository {
	if ttl <= 0 {
		return inner
	}
	return &cachedRepo{
		Repository: inner,
		cache:      gocache.New(ttl, 2*ttl),
	}
}

func (r *cachedRepo) ListActive(ctx context.Context) ([]*Hospital, error) {
	if v, found := r.cache.Get(activeKey); found {
		return cloneAll(v.([]*Hospital)), nil
	}
	items, err := r.Repository.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	r.cache.SetDefault(activeKey, cloneAll(items))
	return items, nil
}

func (r *cachedRepo) Create(ctx context.Context, h *Hospital) error {
	defer r.cache.Flush()
	return r.Repository.Create(ctx, h)
}

func (r *cachedRepo) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	defer r.cache.Flush()
	return r.Repository.SetActive(ctx, id, active)
}

func (r *cachedRepo) UpsertByExternalID(ctx context.Context, h *Hospital) (bool, error) {
	defer r.cache.Flush()
	return r.Repository.UpsertByExternalID(ctx, h)
}

func cloneAll(items []*Hospital) []*Hospital {
	out := make([]*Hospital, len(items))
	for i, h := range items {
		cp := *h
		out[i] = &cp
	}
	return out
}

// Invalidate drops the cached listing. Callers that wrote through a
// transaction call it again after commit.
func (r *cachedRepo) Invalidate() { r.cache.Flush() }
