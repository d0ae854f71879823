package hospital

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingRepo struct {
	Repository
	listActive atomic.Int32
}

func (r *countingRepo) ListActive(ctx context.Context) ([]*Hospital, error) {
	r.listActive.Add(1)
	return r.Repository.ListActive(ctx)
}

func TestCachedRepository_MemoisesListActive(t *testing.T) {
	inner := &countingRepo{Repository: NewMemRepo()}
	repo := NewCachedRepository(inner, time.Minute)
	ctx := context.Background()
	require.NoError(t, repo.Create(ctx, &Hospital{Name: "A", IsActive: true}))

	for i := 0; i < 3; i++ {
		items, err := repo.ListActive(ctx)
		require.NoError(t, err)
		assert.Len(t, items, 1)
	}
	assert.EqualValues(t, 1, inner.listActive.Load())
}

func TestCachedRepository_WritesFlush(t *testing.T) {
	inner := &countingRepo{Repository: NewMemRepo()}
	repo := NewCachedRepository(inner, time.Minute)
	ctx := context.Background()
	h := &Hospital{Name: "A", IsActive: true}
	require.NoError(t, repo.Create(ctx, h))

	items, _ := repo.ListActive(ctx)
	require.Len(t, items, 1)

	require.NoError(t, repo.SetActive(ctx, h.ID, false))
	items, _ = repo.ListActive(ctx)
	assert.Empty(t, items)

	ext := "node/1"
	_, err := repo.UpsertByExternalID(ctx, &Hospital{Name: "B", IsActive: true, ExternalID: &ext})
	require.NoError(t, err)
	items, _ = repo.ListActive(ctx)
	assert.Len(t, items, 1)
	assert.EqualValues(t, 3, inner.listActive.Load())
}

func TestCachedRepository_ReturnsCopies(t *testing.T) {
	repo := NewCachedRepository(NewMemRepo(), time.Minute)
	ctx := context.Background()
	require.NoError(t, repo.Create(ctx, &Hospital{Name: "A", IsActive: true}))

	first, _ := repo.ListActive(ctx)
	first[0].Name = "mutated"
	second, _ := repo.ListActive(ctx)
	assert.Equal(t, "A", second[0].Name)
}

func TestNewCachedRepository_ZeroTTLDisables(t *testing.T) {
	inner := NewMemRepo()
	assert.Same(t, inner, NewCachedRepository(inner, 0))
}
