package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/noah-isme/course-scheduler/pkg/errors"
)

func TestCacheKey(t *testing.T) {
	assert.Equal(t, "scheduler:run:abc:schedule", CacheKey("run", "abc", "schedule"))
	assert.Equal(t, "scheduler:run:abc:*", CacheKey("run", "abc", "*"))
}

func TestCacheRepositoryWithoutClient(t *testing.T) {
	repo := NewCacheRepository(nil, nil)
	ctx := context.Background()

	var dest map[string]string
	err := repo.Get(ctx, CacheKey("run", "x"), &dest)
	assert.True(t, errors.Is(err, appErrors.ErrCacheMiss))

	require.NoError(t, repo.Set(ctx, CacheKey("run", "x"), map[string]string{"a": "b"}, time.Minute))
	require.NoError(t, repo.DeleteByPattern(ctx, CacheKey("run", "*")))
	require.NoError(t, repo.Ping(ctx))
	require.NoError(t, repo.Close())
}
