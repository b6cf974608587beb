package events

import (
	"context"
	"sync"

	"github.com/wargame-ctf/instancer/ctf-instancer/domain"
)

const subscriberBuffer = 8

// LocalBus delivers events to subscribers in the same process.
type LocalBus struct {
	mu   sync.Mutex
	subs map[string]map[chan domain.Event]struct{}
}

func NewLocalBus() *LocalBus {
	return &LocalBus{
		subs: make(map[string]map[chan domain.Event]struct{}),
	}
}

// Publish never blocks. A subscriber whose buffer is full already has
// undelivered events pending and misses this one.
func (b *LocalBus) Publish(ctx context.Context, ev domain.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for ch := range b.subs[ev.InstanceID] {
		select {
		case ch <- ev:
		default:
		}
	}
	return nil
}

func (b *LocalBus) Subscribe(ctx context.Context, instanceID string) (<-chan domain.Event, func(), error) {
	ch := make(chan domain.Event, subscriberBuffer)

	b.mu.Lock()
	if b.subs[instanceID] == nil {
		b.subs[instanceID] = make(map[chan domain.Event]struct{})
	}
	b.subs[instanceID][ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs[instanceID], ch)
			if len(b.subs[instanceID]) == 0 {
				delete(b.subs, instanceID)
			}
			close(ch)
		})
	}

	return ch, cancel, nil
}

func (b *LocalBus) subscribers(instanceID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[instanceID])
}
