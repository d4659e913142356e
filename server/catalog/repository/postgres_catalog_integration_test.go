package repository

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"photo_server/server/catalog/domain"
)

// liveCatalog connects to POSTGRES_TEST_DSN and recreates image_data with a
// small vector width. The database must have the pgvector extension available.
func liveCatalog(t *testing.T) *PostgresCatalog {
	t.Helper()
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	_, err = pool.Exec(ctx, `DROP TABLE IF EXISTS image_data`)
	require.NoError(t, err)
	c := NewPostgresCatalog(pool, testDim)
	require.NoError(t, c.EnsureSchema(ctx))
	return c
}

func insertPending(t *testing.T, c *PostgresCatalog, at time.Time) string {
	t.Helper()
	id := uuid.NewString()
	require.NoError(t, c.Insert(context.Background(), domain.ImageRecord{
		ID: id, StorageRef: "photos/" + id + ".jpg", Filename: "a.jpg", ContentType: "image/jpeg",
		Location: "hall", CapturedAt: at, CreatedAt: at, Embedding: domain.ZeroVector(testDim),
	}))
	return id
}

func TestLivePostgresConcurrentClaimsHaveOneWinner(t *testing.T) {
	c := liveCatalog(t)
	ctx := context.Background()
	now := time.Now().UTC()
	id := insertPending(t, c, now)

	const claimers = 8
	var wg sync.WaitGroup
	results := make([]error, claimers)
	for i := range claimers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, results[i] = c.Claim(ctx, id, uuid.NewString(), now, now.Add(-time.Minute))
		}()
	}
	wg.Wait()

	winners := 0
	for _, err := range results {
		if err == nil {
			winners++
			continue
		}
		assert.ErrorIs(t, err, domain.ErrNotClaimable)
	}
	assert.Equal(t, 1, winners)
}

func TestLivePostgresStaleTokenCannotComplete(t *testing.T) {
	c := liveCatalog(t)
	ctx := context.Background()
	now := time.Now().UTC()
	id := insertPending(t, c, now)

	_, err := c.Claim(ctx, id, "first", now, now.Add(-time.Minute))
	require.NoError(t, err)
	// The first claim is older than the stale cutoff, so a second indexer takes over.
	later := now.Add(10 * time.Minute)
	_, err = c.Claim(ctx, id, "second", later, later.Add(-time.Minute))
	require.NoError(t, err)

	err = c.Complete(ctx, id, "first", []float32{1, 0, 0}, "", later)
	assert.ErrorIs(t, err, domain.ErrNotClaimable)
	require.NoError(t, c.Complete(ctx, id, "second", []float32{1, 0, 0}, "a hall", later))

	rec, err := c.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, rec.Status)
	assert.Equal(t, 2, rec.Attempts)
	assert.Equal(t, "a hall", rec.Description)
}

func TestLivePostgresNearestSkipsPending(t *testing.T) {
	c := liveCatalog(t)
	ctx := context.Background()
	now := time.Now().UTC()

	done := insertPending(t, c, now)
	_, err := c.Claim(ctx, done, "tok", now, now.Add(-time.Minute))
	require.NoError(t, err)
	require.NoError(t, c.Complete(ctx, done, "tok", []float32{0, 1, 0}, "", now))
	insertPending(t, c, now)

	items, err := c.Nearest(ctx, []float32{0, 0, 0}, 10)
	require.NoError(t, err)
	require.Len(t, items, 1, "pending rows sit at the origin and would rank first if included")
	assert.Equal(t, done, items[0].Record.ID)
}
