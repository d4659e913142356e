package feed

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"photo_server/server/catalog/domain"
	commonlog "photo_server/server/common/log"
)

// RedisFeed uses plain pub/sub. Like NOTIFY it has no backlog.
type RedisFeed struct {
	client  *redis.Client
	channel string
}

func NewRedisFeed(client *redis.Client, channel string) *RedisFeed {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisFeed{client: client, channel: channel}
}

func (f *RedisFeed) Publish(ctx context.Context, sig domain.ChangeSignal) error {
	body, err := encodeSignal(sig)
	if err != nil {
		return err
	}
	return f.client.Publish(ctx, f.channel, body).Err()
}

func (f *RedisFeed) Subscribe(ctx context.Context) (<-chan domain.ChangeSignal, error) {
	pubsub := f.client.Subscribe(ctx, f.channel)
	// Receive blocks until the subscription is confirmed.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", f.channel, err)
	}

	out := make(chan domain.ChangeSignal, subscriberBuffer)
	go func() {
		defer close(out)
		defer pubsub.Close()
		for {
			msg, err := pubsub.ReceiveMessage(ctx)
			if err != nil {
				if ctx.Err() == nil {
					commonlog.Warnf("event=feed_subscribe backend=redis status=lost channel=%s error=%v", f.channel, err)
				}
				return
			}
			sig, err := decodeSignal([]byte(msg.Payload))
			if err != nil {
				commonlog.Warnf("event=feed_receive backend=redis status=invalid payload=%q error=%v", msg.Payload, err)
				continue
			}
			if !forward(ctx, out, sig) {
				return
			}
		}
	}()
	return out, nil
}

func (f *RedisFeed) Close() error { return nil }
