package feed

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"photo_server/server/catalog/domain"
	"photo_server/server/common/infra/mq"
	commonlog "photo_server/server/common/log"
)

type AMQPOptions struct {
	Exchange   string
	RoutingKey string
	Queue      string
	Prefetch   int
}

// AMQPFeed publishes signals to a topic exchange. Subscribers share one
// durable queue, so signals published while no indexer is running wait in
// the broker instead of being dropped.
type AMQPFeed struct {
	conn *amqp.Connection
	opts AMQPOptions

	mu  sync.Mutex
	pub *amqp.Channel
}

func NewAMQPFeed(conn *amqp.Connection, opts AMQPOptions) (*AMQPFeed, error) {
	if opts.Exchange == "" {
		opts.Exchange = DefaultExchange
	}
	if opts.RoutingKey == "" {
		opts.RoutingKey = DefaultRoutingKey
	}
	if opts.Queue == "" {
		opts.Queue = DefaultQueue
	}
	if opts.Prefetch <= 0 {
		opts.Prefetch = 16
	}
	ch, err := mq.OpenChannel(conn, opts.Exchange)
	if err != nil {
		return nil, err
	}
	return &AMQPFeed{conn: conn, opts: opts, pub: ch}, nil
}

func (f *AMQPFeed) Publish(ctx context.Context, sig domain.ChangeSignal) error {
	body, err := encodeSignal(sig)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pub == nil || f.pub.IsClosed() {
		ch, err := mq.OpenChannel(f.conn, f.opts.Exchange)
		if err != nil {
			return err
		}
		f.pub = ch
	}
	return f.pub.PublishWithContext(ctx, f.opts.Exchange, f.opts.RoutingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
		Timestamp:    time.Now(),
	})
}

func (f *AMQPFeed) Subscribe(ctx context.Context) (<-chan domain.ChangeSignal, error) {
	ch, err := mq.OpenChannel(f.conn, f.opts.Exchange)
	if err != nil {
		return nil, err
	}
	q, err := ch.QueueDeclare(f.opts.Queue, true, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("declare queue %s: %w", f.opts.Queue, err)
	}
	if err := ch.QueueBind(q.Name, f.opts.RoutingKey, f.opts.Exchange, false, nil); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("bind queue %s: %w", q.Name, err)
	}
	if err := ch.Qos(f.opts.Prefetch, 0, false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("set qos: %w", err)
	}
	deliveries, err := ch.ConsumeWithContext(ctx, q.Name, "", false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("consume %s: %w", q.Name, err)
	}

	out := make(chan domain.ChangeSignal, subscriberBuffer)
	go func() {
		defer close(out)
		defer ch.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					if ctx.Err() == nil {
						commonlog.Warnf("event=feed_subscribe backend=amqp status=lost queue=%s", q.Name)
					}
					return
				}
				sig, err := decodeSignal(d.Body)
				if err != nil {
					commonlog.Warnf("event=feed_receive backend=amqp status=invalid error=%v", err)
					_ = d.Nack(false, false)
					continue
				}
				if !forward(ctx, out, sig) {
					_ = d.Nack(false, true)
					return
				}
				// Acked on hand-off; the sweep covers a crash before processing.
				_ = d.Ack(false)
			}
		}
	}()
	return out, nil
}

func (f *AMQPFeed) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pub != nil {
		_ = f.pub.Close()
		f.pub = nil
	}
	return nil
}
