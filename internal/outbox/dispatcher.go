package outbox

import (
	"context"
	"sync"

	"github.com/MarcoPoloResearchLab/courier/internal/wire"
	"github.com/sasha-s/go-deadlock"
)

const defaultBufferSize = 16

// Dispatcher streams bundles to in-process subscribers of an account. A subscriber that
// falls behind misses bundles rather than stalling the publisher.
type Dispatcher struct {
	mu          deadlock.RWMutex
	subscribers map[wire.Address]map[int64]*subscriber
	nextID      int64
	bufferSize  int
}

type subscriber struct {
	id     int64
	stream chan Bundle
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		subscribers: make(map[wire.Address]map[int64]*subscriber),
		bufferSize:  defaultBufferSize,
	}
}

// Subscribe registers a stream for account until ctx ends or cleanup is called.
func (d *Dispatcher) Subscribe(ctx context.Context, account wire.Address) (<-chan Bundle, func()) {
	if account == "" {
		ch := make(chan Bundle)
		close(ch)
		return ch, func() {}
	}
	entry := &subscriber{
		id:     d.nextSequence(),
		stream: make(chan Bundle, d.bufferSize),
	}
	d.register(account, entry)
	done := make(chan struct{})
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregister(account, entry.id)
			close(done)
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			cleanup()
		case <-done:
		}
	}()
	return entry.stream, cleanup
}

// Enqueue implements Queue.
func (d *Dispatcher) Enqueue(_ context.Context, bundle Bundle) {
	if bundle.Account == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[bundle.Account]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*subscriber, 0, len(subscribers))
	for _, entry := range subscribers {
		copies = append(copies, entry)
	}
	d.mu.RUnlock()
	for _, entry := range copies {
		select {
		case entry.stream <- bundle:
		default:
		}
	}
}

func (d *Dispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *Dispatcher) register(account wire.Address, entry *subscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[account]; !ok {
		d.subscribers[account] = make(map[int64]*subscriber)
	}
	d.subscribers[account][entry.id] = entry
}

func (d *Dispatcher) unregister(account wire.Address, subscriberID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	subscribers := d.subscribers[account]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, account)
		}
	}
}
