package feed

import (
	"context"
	"sync"

	"photo_server/server/catalog/domain"
	commonlog "photo_server/server/common/log"
)

// MemoryFeed fans signals out to in-process subscribers. Signals published
// with no subscriber attached, or to a subscriber whose buffer is full, are
// dropped.
type MemoryFeed struct {
	mu     sync.Mutex
	subs   map[int]chan domain.ChangeSignal
	nextID int
	closed bool
}

func NewMemoryFeed() *MemoryFeed {
	return &MemoryFeed{subs: map[int]chan domain.ChangeSignal{}}
}

func (f *MemoryFeed) Publish(_ context.Context, sig domain.ChangeSignal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, ch := range f.subs {
		select {
		case ch <- sig:
		default:
			commonlog.Warnf("event=feed_publish backend=memory status=dropped subscriber=%d image_id=%s", id, sig.RecordID)
		}
	}
	return nil
}

func (f *MemoryFeed) Subscribe(ctx context.Context) (<-chan domain.ChangeSignal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan domain.ChangeSignal, subscriberBuffer)
	if f.closed {
		close(ch)
		return ch, nil
	}
	id := f.nextID
	f.nextID++
	f.subs[id] = ch

	go func() {
		<-ctx.Done()
		f.unsubscribe(id)
	}()
	return ch, nil
}

// Disconnect drops every current subscription, the way a lost broker
// connection would.
func (f *MemoryFeed) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, ch := range f.subs {
		close(ch)
		delete(f.subs, id)
	}
}

func (f *MemoryFeed) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func (f *MemoryFeed) Close() error {
	f.Disconnect()
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *MemoryFeed) unsubscribe(id int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ch, ok := f.subs[id]; ok {
		close(ch)
		delete(f.subs, id)
	}
}
