package repository

import (
	"context"
	"testing"
	"time"

	"github.com/aihub/knowledge-pipeline/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var timeZero = time.Time{}

type countingRepoStore struct {
	calls int
}

func (s *countingRepoStore) GetByID(ctx context.Context, id uint64) (*models.Repository, error) {
	s.calls++
	if id == 0 {
		return nil, gorm.ErrRecordNotFound
	}
	return &models.Repository{ID: id, CoreRepoID: "core", BackendKind: models.BackendCBG}, nil
}

func TestCachedRepoStore(t *testing.T) {
	next := &countingRepoStore{}
	cached := NewCachedRepoStore(next, time.Minute)
	ctx := context.Background()

	first, err := cached.GetByID(ctx, 1)
	require.NoError(t, err)
	first.EnableAudit = true

	second, err := cached.GetByID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, next.calls)
	assert.False(t, second.EnableAudit, "callers must not mutate the cached copy")

	cached.Invalidate(1)
	_, err = cached.GetByID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, next.calls)

	_, err = cached.GetByID(ctx, 0)
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
	_, _ = cached.GetByID(ctx, 0)
	assert.Equal(t, 4, next.calls, "misses are not cached")
}
