package feed

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"photo_server/server/catalog/domain"
	commonlog "photo_server/server/common/log"
)

// PostgresFeed uses LISTEN/NOTIFY on the catalog database. NOTIFY is only
// delivered to sessions listening at that moment, so a reconnecting indexer
// misses everything sent while it was away.
type PostgresFeed struct {
	pool    *pgxpool.Pool
	channel string
}

func NewPostgresFeed(pool *pgxpool.Pool, channel string) *PostgresFeed {
	if channel == "" {
		channel = DefaultChannel
	}
	return &PostgresFeed{pool: pool, channel: channel}
}

func (f *PostgresFeed) Publish(ctx context.Context, sig domain.ChangeSignal) error {
	payload, err := encodeSignal(sig)
	if err != nil {
		return err
	}
	if _, err := f.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, f.channel, string(payload)); err != nil {
		return fmt.Errorf("pg_notify %s: %w", f.channel, err)
	}
	return nil
}

func (f *PostgresFeed) Subscribe(ctx context.Context) (<-chan domain.ChangeSignal, error) {
	pooled, err := f.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire listen connection: %w", err)
	}
	// LISTEN is session state; keep this connection out of the pool for good.
	conn := pooled.Hijack()
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{f.channel}.Sanitize()); err != nil {
		_ = conn.Close(context.Background())
		return nil, fmt.Errorf("listen %s: %w", f.channel, err)
	}

	out := make(chan domain.ChangeSignal, subscriberBuffer)
	go func() {
		defer close(out)
		defer conn.Close(context.Background())
		for {
			n, err := conn.WaitForNotification(ctx)
			if err != nil {
				if ctx.Err() == nil {
					commonlog.Warnf("event=feed_subscribe backend=postgres status=lost channel=%s error=%v", f.channel, err)
				}
				return
			}
			sig, err := decodeSignal([]byte(n.Payload))
			if err != nil {
				commonlog.Warnf("event=feed_receive backend=postgres status=invalid payload=%q error=%v", n.Payload, err)
				continue
			}
			if !forward(ctx, out, sig) {
				return
			}
		}
	}()
	return out, nil
}

func (f *PostgresFeed) Close() error { return nil }
