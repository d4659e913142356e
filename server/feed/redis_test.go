package feed

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"photo_server/server/catalog/domain"
)

func newRedisFeed(t *testing.T) (*RedisFeed, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisFeed(client, ""), srv
}

func TestRedisFeedDeliversPublishedSignals(t *testing.T) {
	f, _ := newRedisFeed(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := f.Subscribe(ctx)
	require.NoError(t, err)
	require.NoError(t, f.Publish(ctx, domain.ChangeSignal{RecordID: "r1"}))

	sig, ok := receive(t, sub)
	require.True(t, ok)
	assert.Equal(t, "r1", sig.RecordID)
}

func TestRedisFeedSkipsInvalidPayloads(t *testing.T) {
	f, srv := newRedisFeed(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := f.Subscribe(ctx)
	require.NoError(t, err)
	srv.Publish(DefaultChannel, "not json")
	srv.Publish(DefaultChannel, `{"image_id":"  "}`)
	srv.Publish(DefaultChannel, `{"image_id":"r2"}`)

	sig, ok := receive(t, sub)
	require.True(t, ok)
	assert.Equal(t, "r2", sig.RecordID)
}

func TestRedisFeedRejectsEmptySignal(t *testing.T) {
	f, _ := newRedisFeed(t)
	assert.Error(t, f.Publish(context.Background(), domain.ChangeSignal{}))
}

func TestRedisFeedClosesOnCancel(t *testing.T) {
	f, _ := newRedisFeed(t)
	ctx, cancel := context.WithCancel(context.Background())

	sub, err := f.Subscribe(ctx)
	require.NoError(t, err)
	cancel()

	select {
	case _, ok := <-sub:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("subscription stayed open after cancel")
	}
}
