// Package bus implements the in-process typed publish/subscribe core of
// the extension host.
//
// Subscribers register on exact event names and receive events on a
// dedicated dispatch goroutine, so per-subscriber ordering preserves the
// emit order while distinct subscribers run independently. Publishers may
// attach a marker (typically an extensionId) that subscribers filter by
// equality, and a result sink that receives at most one response through a
// generated single-use reply name.
package bus

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Event is what subscribers receive.
type Event struct {
	// Name is the entity.action[.state] event name.
	Name string
	// Value is the payload; shape depends on the event.
	Value interface{}
	// Marker restricts delivery to one extension when routed to sockets.
	Marker string
	// CallbackID is non-empty when the emitter attached a result sink;
	// callees answer through Respond.
	CallbackID string
}

// Handler consumes one event. Handlers run on the subscriber's dispatch
// goroutine and may publish further events.
type Handler func(Event)

// PublishOptions carries the optional parts of an emission.
type PublishOptions struct {
	// Marker tags the event for single-extension delivery.
	Marker string
	// Result, when set, receives at most one response from a callee.
	Result func(interface{})
}

// subscriber owns one registered handler and its FIFO dispatch queue.
type subscriber struct {
	id     uint64
	handle Handler

	mu     sync.Mutex
	wake   *sync.Cond
	queue  []Event
	closed bool
}

func newSubscriber(id uint64, h Handler) *subscriber {
	s := &subscriber{id: id, handle: h}
	s.wake = sync.NewCond(&s.mu)
	go s.run()
	return s
}

func (s *subscriber) run() {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.wake.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			return
		}
		e := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()
		s.handle(e)
	}
}

func (s *subscriber) push(e Event) {
	s.mu.Lock()
	if !s.closed {
		s.queue = append(s.queue, e)
		s.wake.Signal()
	}
	s.mu.Unlock()
}

func (s *subscriber) close() {
	s.mu.Lock()
	s.closed = true
	s.queue = nil
	s.wake.Broadcast()
	s.mu.Unlock()
}

// Bus is the process-wide event bus.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[string]map[uint64]*subscriber
	closed bool
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[string]map[uint64]*subscriber)}
}

// Subscribe registers h on the exact event name and returns an off handle
// that removes the registration. Delivery is at-most-once per subscribed
// name, FIFO per subscriber.
func (b *Bus) Subscribe(name string, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return func() {}
	}
	id := atomic.AddUint64(&b.nextID, 1)
	s := newSubscriber(id, h)
	byID, ok := b.subs[name]
	if !ok {
		byID = make(map[uint64]*subscriber)
		b.subs[name] = byID
	}
	byID[id] = s

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			if cur, ok := b.subs[name]; ok {
				delete(cur, id)
				if len(cur) == 0 {
					delete(b.subs, name)
				}
			}
			b.mu.Unlock()
			s.close()
		})
	}
}

// Publish emits a plain fire-and-forget event.
func (b *Bus) Publish(name string, value interface{}) {
	b.PublishWith(name, value, PublishOptions{})
}

// PublishMarked emits a fire-and-forget event tagged for one extension.
func (b *Bus) PublishMarked(name string, value interface{}, marker string) {
	b.PublishWith(name, value, PublishOptions{Marker: marker})
}

// PublishWith emits an event with options. When a result sink is attached
// the bus generates a callbackId, subscribes a single-use listener on the
// reply name, and dispatches the callee's answer to the sink.
func (b *Bus) PublishWith(name string, value interface{}, opts PublishOptions) {
	if !Valid(name) {
		log.Error().Str("event", name).Msg("Dropping publish of unknown event name")
		return
	}
	e := Event{Name: name, Value: value, Marker: opts.Marker}
	if opts.Result != nil {
		e.CallbackID = uuid.NewString()
		sink := opts.Result
		var off func()
		off = b.Subscribe(returnPrefix+e.CallbackID, func(reply Event) {
			sink(reply.Value)
			off()
		})
	}
	b.dispatch(e)
}

// Respond answers an event that carries a callback id. Responding to an
// event without one is a no-op.
func (b *Bus) Respond(e Event, value interface{}) {
	if e.CallbackID == "" {
		return
	}
	b.dispatch(Event{Name: returnPrefix + e.CallbackID, Value: value})
}

func (b *Bus) dispatch(e Event) {
	b.mu.RLock()
	targets := make([]*subscriber, 0, len(b.subs[e.Name]))
	for _, s := range b.subs[e.Name] {
		targets = append(targets, s)
	}
	b.mu.RUnlock()
	for _, s := range targets {
		s.push(e)
	}
}

// Close tears down every subscription. Pending queues are dropped.
func (b *Bus) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[string]map[uint64]*subscriber)
	b.closed = true
	b.mu.Unlock()
	for _, byID := range subs {
		for _, s := range byID {
			s.close()
		}
	}
}

// ── Clients ──────────────────────────────────────────────────

// Client tracks the subscriptions of one bus consumer so they can be torn
// down together when the consumer goes away.
type Client struct {
	bus *Bus

	mu   sync.Mutex
	offs []func()
	done bool
}

// NewClient creates a client view over the bus.
func (b *Bus) NewClient() *Client {
	return &Client{bus: b}
}

// Subscribe registers h and remembers the off handle.
func (c *Client) Subscribe(name string, h Handler) func() {
	off := c.bus.Subscribe(name, h)
	c.mu.Lock()
	if c.done {
		c.mu.Unlock()
		off()
		return func() {}
	}
	c.offs = append(c.offs, off)
	c.mu.Unlock()
	return off
}

// Close calls every off handle the client accumulated.
func (c *Client) Close() {
	c.mu.Lock()
	offs := c.offs
	c.offs = nil
	c.done = true
	c.mu.Unlock()
	for _, off := range offs {
		off()
	}
}
