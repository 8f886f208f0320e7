// Package eventbus implements component E: an in-process publish/subscribe
// bus with two topics, log_added and registry_updated. Delivery is
// synchronous with respect to the publisher and unordered across
// subscribers; a panicking subscriber is recovered and logged rather than
// taking down the publisher or blocking its siblings, per the design note
// in spec.md §9 ("a failing subscriber must be isolated").
package eventbus

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Direction of a logged exchange half.
type Direction string

const (
	DirectionRequest  Direction = "request"
	DirectionResponse Direction = "response"
)

// LogEntry is the derived view of a capture record plus transport
// metadata, published on every log_added event (spec.md §3).
type LogEntry struct {
	CaptureID    string
	ServerName   string
	SessionID    string
	Method       string
	Direction    Direction
	Timestamp    time.Time
	HTTPStatus   int
	DurationMS   int64
	ErrorMessage string
}

// Handler receives log_added events.
type Handler func(LogEntry)

// RegistryHandler receives registry_updated events.
type RegistryHandler func()

// Subscription identifies a handler registered with On, for use with Off.
// Go func values aren't comparable beyond nil, so detach is handle-based
// rather than matching the handler value back (spec.md §4.E: "attach with
// on(handler) and detach with off(handler)").
type Subscription uint64

type logSub struct {
	id Subscription
	h  Handler
}

type registrySub struct {
	id Subscription
	h  RegistryHandler
}

// Bus is the event bus.
type Bus struct {
	logger zerolog.Logger

	mu               sync.Mutex
	nextSub          Subscription
	logHandlers      []logSub
	registryHandlers []registrySub
}

// New constructs an empty bus.
func New(logger zerolog.Logger) *Bus {
	return &Bus{logger: logger}
}

// OnLogAdded subscribes to log_added events, returning a Subscription that
// OffLogAdded detaches.
func (b *Bus) OnLogAdded(h Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextSub++
	id := b.nextSub
	b.logHandlers = append(b.logHandlers, logSub{id: id, h: h})
	return id
}

// OffLogAdded detaches a handler previously registered with OnLogAdded.
// Detaching an unknown or already-detached Subscription is a no-op.
func (b *Bus) OffLogAdded(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.logHandlers {
		if s.id == sub {
			b.logHandlers = append(b.logHandlers[:i], b.logHandlers[i+1:]...)
			return
		}
	}
}

// OnRegistryUpdated subscribes to registry_updated events, returning a
// Subscription that OffRegistryUpdated detaches.
func (b *Bus) OnRegistryUpdated(h RegistryHandler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextSub++
	id := b.nextSub
	b.registryHandlers = append(b.registryHandlers, registrySub{id: id, h: h})
	return id
}

// OffRegistryUpdated detaches a handler previously registered with
// OnRegistryUpdated. Detaching an unknown or already-detached Subscription
// is a no-op.
func (b *Bus) OffRegistryUpdated(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.registryHandlers {
		if s.id == sub {
			b.registryHandlers = append(b.registryHandlers[:i], b.registryHandlers[i+1:]...)
			return
		}
	}
}

// PublishLogAdded delivers a LogEntry to every subscriber, at-most-once
// each, isolating any subscriber that panics.
func (b *Bus) PublishLogAdded(entry LogEntry) {
	b.mu.Lock()
	handlers := make([]Handler, len(b.logHandlers))
	for i, s := range b.logHandlers {
		handlers[i] = s.h
	}
	b.mu.Unlock()

	for _, h := range handlers {
		b.deliverLog(h, entry)
	}
}

func (b *Bus) deliverLog(h Handler, entry LogEntry) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().Interface("panic", r).Msg("log_added subscriber panicked")
		}
	}()
	h(entry)
}

// PublishRegistryUpdated notifies every subscriber that the registry changed.
func (b *Bus) PublishRegistryUpdated() {
	b.mu.Lock()
	handlers := make([]RegistryHandler, len(b.registryHandlers))
	for i, s := range b.registryHandlers {
		handlers[i] = s.h
	}
	b.mu.Unlock()

	for _, h := range handlers {
		b.deliverRegistry(h)
	}
}

func (b *Bus) deliverRegistry(h RegistryHandler) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().Interface("panic", r).Msg("registry_updated subscriber panicked")
		}
	}()
	h()
}
