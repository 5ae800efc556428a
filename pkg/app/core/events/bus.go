package events

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// DefaultBuffer is the per-subscriber queue length
const DefaultBuffer = 1024

// Handler consumes one event. A returned error is logged with the
// subscriber's name; it never reaches the publisher.
type Handler func(ctx context.Context, e Event) error

// Publisher is the publishing half of the bus
type Publisher interface {
	Publish(e Event)
}

type subscriber struct {
	name   string
	ch     chan Event
	handle Handler
	lossy  bool
}

// Bus fans events out to named subscribers. Each subscriber runs on its own
// goroutine with its own queue, so a slow or failing consumer does not hold
// up the others or the committing transaction.
type Bus struct {
	log    *zap.Logger
	buffer int

	mu     sync.RWMutex
	subs   []*subscriber
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewBus creates a bus; buffer <= 0 means DefaultBuffer
func NewBus(logger *zap.Logger, buffer int) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{log: logger, buffer: buffer, ctx: ctx, cancel: cancel}
}

// Subscribe registers a subscriber that receives every event. When its
// queue is full, Publish waits for room.
func (b *Bus) Subscribe(name string, h Handler) {
	b.add(name, h, false)
}

// SubscribeLossy registers a subscriber that drops events when its queue is
// full instead of making Publish wait.
func (b *Bus) SubscribeLossy(name string, h Handler) {
	b.add(name, h, true)
}

func (b *Bus) add(name string, h Handler, lossy bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		b.log.Warn("subscribe_after_close", zap.String("subscriber", name))
		return
	}

	sub := &subscriber{name: name, ch: make(chan Event, b.buffer), handle: h, lossy: lossy}
	b.subs = append(b.subs, sub)
	b.wg.Add(1)
	go b.run(sub)
}

func (b *Bus) run(sub *subscriber) {
	defer b.wg.Done()
	for e := range sub.ch {
		if err := sub.handle(b.ctx, e); err != nil {
			b.log.Error("subscriber_failed",
				zap.String("subscriber", sub.name),
				zap.String("topic", e.Topic()),
				zap.String("instrument", e.Instrument()),
				zap.Error(err),
			)
		}
	}
}

// Publish enqueues e for every subscriber. Publishing on a closed bus is a
// no-op.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if !sub.lossy {
			sub.ch <- e
			continue
		}
		select {
		case sub.ch <- e:
		default:
			b.log.Warn("event_dropped",
				zap.String("subscriber", sub.name),
				zap.String("topic", e.Topic()),
				zap.String("instrument", e.Instrument()),
			)
		}
	}
}

// Close stops accepting events, lets every subscriber drain its queue and
// waits for them to finish.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, sub := range b.subs {
		close(sub.ch)
	}
	b.mu.Unlock()

	b.wg.Wait()
	b.cancel()
}
