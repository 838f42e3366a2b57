// Package eventbus is an in-process typed publish/subscribe hub.
//
// Topics carry their payload type, so Publish and Subscribe are checked at
// compile time. Handlers run synchronously on the publishing goroutine in
// subscription order.
package eventbus

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Topic names an event and fixes the payload type carried with it.
type Topic[T any] struct {
	name string
}

// NewTopic declares a topic.
func NewTopic[T any](name string) Topic[T] {
	return Topic[T]{name: name}
}

// Name returns the topic name.
func (t Topic[T]) Name() string { return t.name }

// Unsubscribe removes a handler. Calling it more than once is harmless.
type Unsubscribe func()

type subscription struct {
	id      uint64
	active  atomic.Bool
	deliver func(any)
}

// Bus is the registry of subscriptions keyed by a generated id.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[string][]*subscription
	any    []*subscription

	logger *zap.SugaredLogger
}

// New creates an empty bus.
func New(logger *zap.SugaredLogger) *Bus {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Bus{
		subs:   make(map[string][]*subscription),
		logger: logger,
	}
}

// Subscribe registers handler for topic.
func Subscribe[T any](b *Bus, topic Topic[T], handler func(T)) Unsubscribe {
	return b.add(topic.name, func(v any) {
		payload, ok := v.(T)
		if !ok {
			return
		}
		handler(payload)
	})
}

// Publish delivers payload to every active handler of topic.
func Publish[T any](b *Bus, topic Topic[T], payload T) {
	b.dispatch(topic.name, payload)
}

// Envelope is what SubscribeAll handlers receive.
type Envelope struct {
	Topic   string
	Payload any
}

// SubscribeAll registers handler for every published event, after topic handlers.
func (b *Bus) SubscribeAll(handler func(Envelope)) Unsubscribe {
	b.mu.Lock()
	b.nextID++
	sub := &subscription{id: b.nextID}
	sub.deliver = func(v any) { handler(v.(Envelope)) }
	sub.active.Store(true)
	b.any = append(b.any, sub)
	b.mu.Unlock()

	return func() { b.remove("", sub) }
}

func (b *Bus) add(name string, deliver func(any)) Unsubscribe {
	b.mu.Lock()
	b.nextID++
	sub := &subscription{id: b.nextID, deliver: deliver}
	sub.active.Store(true)
	b.subs[name] = append(b.subs[name], sub)
	b.mu.Unlock()

	return func() { b.remove(name, sub) }
}

func (b *Bus) remove(name string, sub *subscription) {
	if !sub.active.Swap(false) {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.subs[name]
	if name == "" {
		list = b.any
	}
	for i, s := range list {
		if s.id == sub.id {
			list = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if name == "" {
		b.any = list
	} else if len(list) == 0 {
		delete(b.subs, name)
	} else {
		b.subs[name] = list
	}
}

func (b *Bus) dispatch(name string, payload any) {
	b.mu.RLock()
	targets := append([]*subscription(nil), b.subs[name]...)
	wildcard := append([]*subscription(nil), b.any...)
	b.mu.RUnlock()

	for _, sub := range targets {
		b.invoke(name, sub, payload)
	}
	if len(wildcard) > 0 {
		env := Envelope{Topic: name, Payload: payload}
		for _, sub := range wildcard {
			b.invoke(name, sub, env)
		}
	}
}

// invoke re-checks the flag right before calling so that a handler removed
// by an earlier handler in the same dispatch is skipped.
func (b *Bus) invoke(name string, sub *subscription, payload any) {
	if !sub.active.Load() {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			b.logger.Errorw("event handler panicked", "topic", name, "subscription", sub.id, "panic", r)
		}
	}()
	sub.deliver(payload)
}

// Count returns the number of active handlers for a topic name.
func (b *Bus) Count(name string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[name])
}
