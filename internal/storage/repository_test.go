package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"tgmonitor/internal/clock"
	"tgmonitor/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestRepo(t *testing.T) (*Repository, *clock.Fixed) {
	t.Helper()

	fixed := &clock.Fixed{At: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
	repo, err := Open(filepath.Join(t.TempDir(), "data", "keywords.db"), fixed)
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo, fixed
}

func TestRepositoryCRUD(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo, fixed := openTestRepo(t)

	rule := domain.NewKeywordRule("airdrop")
	rule.Bold = true
	created, err := repo.Create(ctx, rule)
	require.NoError(t, err)
	assert.NotZero(t, created.ID)
	assert.Equal(t, fixed.At, created.CreatedAt)

	loaded, err := repo.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created, loaded)

	fixed.Advance(time.Minute)
	loaded.Content = "airdrop2"
	loaded.Type = domain.KeywordRegex
	updated, err := repo.Update(ctx, loaded)
	require.NoError(t, err)
	assert.Equal(t, fixed.At, updated.UpdatedAt)

	reloaded, err := repo.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "airdrop2", reloaded.Content)
	assert.Equal(t, domain.KeywordRegex, reloaded.Type)
	assert.True(t, reloaded.Bold)
	assert.Equal(t, created.CreatedAt, reloaded.CreatedAt)

	require.NoError(t, repo.Delete(ctx, created.ID))
	_, err = repo.Get(ctx, created.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.ErrorIs(t, repo.Delete(ctx, created.ID), domain.ErrNotFound)
}

func TestRepositoryUniqueContent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo, _ := openTestRepo(t)

	first, err := repo.Create(ctx, domain.NewKeywordRule("btc"))
	require.NoError(t, err)
	_, err = repo.Create(ctx, domain.NewKeywordRule("btc"))
	assert.ErrorIs(t, err, domain.ErrDuplicateKeyword)

	exists, err := repo.ExistsByContent(ctx, "btc", 0)
	require.NoError(t, err)
	assert.True(t, exists)
	exists, err = repo.ExistsByContent(ctx, "btc", first.ID)
	require.NoError(t, err)
	assert.False(t, exists, "own row must be excluded")
}

func TestRepositoryListOrder(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo, fixed := openTestRepo(t)

	a, err := repo.Create(ctx, domain.NewKeywordRule("a"))
	require.NoError(t, err)
	b, err := repo.Create(ctx, domain.NewKeywordRule("b"))
	require.NoError(t, err)
	fixed.Advance(time.Second)
	c, err := repo.Create(ctx, domain.NewKeywordRule("c"))
	require.NoError(t, err)

	rules, err := repo.List(ctx)
	require.NoError(t, err)
	ids := make([]int64, 0, len(rules))
	for _, rule := range rules {
		ids = append(ids, rule.ID)
	}
	assert.Equal(t, []int64{c.ID, b.ID, a.ID}, ids)
}

func TestRepositoryBatchIsAtomic(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo, _ := openTestRepo(t)

	_, err := repo.Create(ctx, domain.NewKeywordRule("taken"))
	require.NoError(t, err)

	_, err = repo.CreateBatch(ctx, []domain.KeywordRule{domain.NewKeywordRule("fresh"), domain.NewKeywordRule("taken")})
	assert.ErrorIs(t, err, domain.ErrDuplicateKeyword)

	rules, err := repo.List(ctx)
	require.NoError(t, err)
	assert.Len(t, rules, 1, "failed batch must roll back")

	created, err := repo.CreateBatch(ctx, []domain.KeywordRule{domain.NewKeywordRule("x"), domain.NewKeywordRule("y")})
	require.NoError(t, err)
	require.Len(t, created, 2)
	assert.Equal(t, "x", created[0].Content)
}

func TestRepositoryDeleteMany(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	repo, _ := openTestRepo(t)

	a, _ := repo.Create(ctx, domain.NewKeywordRule("a"))
	b, _ := repo.Create(ctx, domain.NewKeywordRule("b"))
	_, _ = repo.Create(ctx, domain.NewKeywordRule("c"))

	deleted, err := repo.DeleteMany(ctx, []int64{a.ID, b.ID, 9999})
	require.NoError(t, err)
	assert.EqualValues(t, 2, deleted)

	rules, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, "c", rules[0].Content)
}

func TestFilePathOf(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "", filePathOf(":memory:"))
	assert.Equal(t, "", filePathOf("file::memory:?cache=shared"))
	assert.Equal(t, "data/k.db", filePathOf("file:data/k.db?_pragma=busy_timeout(5000)"))
	assert.Equal(t, "k.db", filePathOf("k.db"))
}
