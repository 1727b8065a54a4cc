package events

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/corvalhq/corval/pkg/logger"
)

// DefaultBuffer is the per-subscriber queue depth used when none is given.
const DefaultBuffer = 64

// Event is a domain occurrence published on the bus. Payload keys are
// event-specific and must stay JSON-encodable so automation scripts and
// plugin hooks can consume them.
type Event struct {
	Name           string
	OrganizationID string
	ActorID        string
	Payload        map[string]any
	OccurredAt     time.Time
}

// Handler consumes events on a subscriber goroutine. The context is
// cancelled when the bus shuts down.
type Handler func(ctx context.Context, evt Event)

type subscription struct {
	names   map[string]struct{}
	ch      chan Event
	handler Handler
}

func (s *subscription) matches(name string) bool {
	if len(s.names) == 0 {
		return true
	}
	_, ok := s.names[name]
	return ok
}

// Bus is an in-process publish/subscribe fan-out. Each subscriber owns a
// buffered queue drained by its own goroutine, so a slow consumer drops
// events instead of stalling publishers.
type Bus struct {
	mu     sync.RWMutex
	subs   map[*subscription]struct{}
	buffer int
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    *zap.Logger
}

// NewBus creates a bus with the given per-subscriber buffer size.
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		subs:   make(map[*subscription]struct{}),
		buffer: buffer,
		ctx:    ctx,
		cancel: cancel,
		log:    logger.WithModule("events"),
	}
}

// Subscribe registers a handler for the named events, or for every event
// when no names are given. The returned function removes the subscription
// and stops its goroutine.
func (b *Bus) Subscribe(handler Handler, names ...string) func() {
	if handler == nil {
		return func() {}
	}

	sub := &subscription{
		ch:      make(chan Event, b.buffer),
		handler: handler,
	}
	if len(names) > 0 {
		sub.names = make(map[string]struct{}, len(names))
		for _, name := range names {
			if name != "" {
				sub.names[name] = struct{}{}
			}
		}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return func() {}
	}
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	b.wg.Add(1)
	go b.drain(sub)

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			if _, ok := b.subs[sub]; ok {
				delete(b.subs, sub)
				close(sub.ch)
			}
			b.mu.Unlock()
		})
	}
}

func (b *Bus) drain(sub *subscription) {
	defer b.wg.Done()
	for evt := range sub.ch {
		b.deliver(sub.handler, evt)
	}
}

func (b *Bus) deliver(handler Handler, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("event handler panicked",
				zap.String("event", evt.Name),
				zap.Any("panic", r))
		}
	}()
	handler(b.ctx, evt)
}

// Publish fans the event out to matching subscribers. It never blocks; a
// full subscriber queue drops the event for that subscriber. The returned
// count is the number of queues that accepted the event.
func (b *Bus) Publish(evt Event) int {
	if evt.Name == "" {
		return 0
	}
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = time.Now().UTC()
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return 0
	}
	targets := make([]*subscription, 0, len(b.subs))
	for sub := range b.subs {
		if sub.matches(evt.Name) {
			targets = append(targets, sub)
		}
	}
	b.mu.RUnlock()

	delivered := 0
	for _, sub := range targets {
		select {
		case sub.ch <- evt:
			delivered++
		default:
			b.log.Warn("subscriber queue full, dropping event", zap.String("event", evt.Name))
		}
	}
	return delivered
}

// Close stops delivery, cancels handler contexts, and waits for subscriber
// goroutines to finish their queues.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for sub := range b.subs {
		close(sub.ch)
		delete(b.subs, sub)
	}
	b.mu.Unlock()

	b.wg.Wait()
	b.cancel()
}
