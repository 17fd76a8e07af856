// Package bus provides the in-process event bus and declarative routing
// layer connecting handoff, session, and observability components.
package bus

import (
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/BaSui01/swarmlink/types"
)

// TypeWildcard subscribes a handler to every event type.
const TypeWildcard types.EventType = "*"

// Handler processes a delivered event. A returned error is logged and
// swallowed; it never reaches the publisher or other subscribers.
type Handler func(event types.Event) error

// subscriptionCounter generates unique subscription tokens.
var subscriptionCounter int64

type subscription struct {
	token   string
	handler Handler
}

// Bus is an asynchronous publish/subscribe event bus. Events are dispatched
// by a single goroutine, so each subscriber observes events in publish order
// and subscribers within one event run in subscription order.
type Bus struct {
	mu       sync.RWMutex
	subs     map[types.EventType][]subscription
	router   *Router
	events   chan types.Event
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	logger   *zap.Logger
}

// Option configures a Bus.
type Option func(*Bus)

// WithRouter installs a router consulted on every publish before dispatch.
func WithRouter(r *Router) Option {
	return func(b *Bus) { b.router = r }
}

// WithBufferSize overrides the publish queue depth (default 256).
func WithBufferSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.events = make(chan types.Event, n)
		}
	}
}

// New creates an event bus and starts its dispatch loop.
func New(logger *zap.Logger, opts ...Option) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Bus{
		subs:   make(map[types.EventType][]subscription),
		events: make(chan types.Event, 256),
		done:   make(chan struct{}),
		logger: logger.With(zap.String("component", "event_bus")),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.wg.Add(1)
	go b.dispatch()
	return b
}

// Publish routes and enqueues an event for asynchronous delivery. Publishing
// never blocks the caller: when the queue is full the event is dropped with a
// warning.
func (b *Bus) Publish(event types.Event) {
	if b.router != nil {
		event = b.router.Route(event)
	}
	select {
	case b.events <- event:
	case <-b.done:
	default:
		b.logger.Warn("event queue full, dropping event",
			zap.String("type", string(event.Type)),
			zap.String("id", event.ID),
		)
	}
}

// Emit publishes like Publish but reports delivery loss: a closed bus or a
// full queue yields an error instead of a silent drop.
func (b *Bus) Emit(event types.Event) error {
	if b.router != nil {
		event = b.router.Route(event)
	}
	select {
	case b.events <- event:
		return nil
	case <-b.done:
		return fmt.Errorf("event bus closed")
	default:
		return fmt.Errorf("event queue full")
	}
}

// Subscribe registers a handler for an event type and returns an
// unsubscribe token. Use TypeWildcard to observe all events.
func (b *Bus) Subscribe(eventType types.EventType, handler Handler) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	token := fmt.Sprintf("%s-%d", eventType, atomic.AddInt64(&subscriptionCounter, 1))
	b.subs[eventType] = append(b.subs[eventType], subscription{token: token, handler: handler})
	return token
}

// Unsubscribe removes the subscription identified by token.
func (b *Bus) Unsubscribe(token string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for eventType, subs := range b.subs {
		for i, sub := range subs {
			if sub.token == token {
				b.subs[eventType] = append(subs[:i], subs[i+1:]...)
				if len(b.subs[eventType]) == 0 {
					delete(b.subs, eventType)
				}
				return
			}
		}
	}
}

func (b *Bus) dispatch() {
	defer b.wg.Done()
	for {
		select {
		case event := <-b.events:
			b.deliver(event)
		case <-b.done:
			// Drain queued events so Close does not lose published work.
			for {
				select {
				case event := <-b.events:
					b.deliver(event)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) deliver(event types.Event) {
	b.mu.RLock()
	subs := make([]subscription, 0, len(b.subs[event.Type])+len(b.subs[TypeWildcard]))
	subs = append(subs, b.subs[event.Type]...)
	subs = append(subs, b.subs[TypeWildcard]...)
	b.mu.RUnlock()

	for _, sub := range subs {
		b.invoke(sub, event)
	}
}

// invoke runs one handler, isolating errors and panics from the publisher
// and from the remaining subscribers.
func (b *Bus) invoke(sub subscription, event types.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				zap.String("type", string(event.Type)),
				zap.Any("recover", r),
			)
		}
	}()
	if err := sub.handler(event); err != nil {
		b.logger.Error("event handler failed",
			zap.String("type", string(event.Type)),
			zap.String("token", sub.token),
			zap.Error(err),
		)
	}
}

// Close stops the dispatch loop after draining queued events.
func (b *Bus) Close() {
	b.stopOnce.Do(func() {
		close(b.done)
	})
	b.wg.Wait()
}
