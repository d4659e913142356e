// Package feed delivers "record created" signals from the ingest gateway to
// indexers. Every backend is best effort: a signal published while nobody is
// subscribed may be lost, and a subscription channel closes when the
// underlying connection drops. The indexer's reconciliation sweep is what
// makes processing eventually complete; the feed only lowers latency.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"photo_server/server/catalog/domain"
)

const (
	DefaultChannel    = "image_data_insert"
	DefaultExchange   = "photos.events"
	DefaultRoutingKey = "image.created"
	DefaultQueue      = "indexer.image_created"

	subscriberBuffer = 256
)

type Publisher interface {
	Publish(ctx context.Context, sig domain.ChangeSignal) error
}

type Subscriber interface {
	// Subscribe returns a channel of signals. The channel is closed when ctx
	// ends or the subscription is lost; callers re-subscribe to recover.
	Subscribe(ctx context.Context) (<-chan domain.ChangeSignal, error)
}

type Feed interface {
	Publisher
	Subscriber
	Close() error
}

func encodeSignal(sig domain.ChangeSignal) ([]byte, error) {
	if strings.TrimSpace(sig.RecordID) == "" {
		return nil, fmt.Errorf("change signal without image_id")
	}
	return json.Marshal(sig)
}

func decodeSignal(raw []byte) (domain.ChangeSignal, error) {
	var sig domain.ChangeSignal
	if err := json.Unmarshal(raw, &sig); err != nil {
		return domain.ChangeSignal{}, fmt.Errorf("decode change signal: %w", err)
	}
	sig.RecordID = strings.TrimSpace(sig.RecordID)
	if sig.RecordID == "" {
		return domain.ChangeSignal{}, fmt.Errorf("change signal without image_id")
	}
	return sig, nil
}

// forward hands sig to out unless ctx ends first.
func forward(ctx context.Context, out chan<- domain.ChangeSignal, sig domain.ChangeSignal) bool {
	select {
	case out <- sig:
		return true
	case <-ctx.Done():
		return false
	}
}
