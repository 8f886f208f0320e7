package eventbus_test

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/janhq/mcp-gateway/internal/eventbus"
)

func TestBus_PublishLogAddedDeliversToAllSubscribers(t *testing.T) {
	bus := eventbus.New(zerolog.Nop())

	var got1, got2 eventbus.LogEntry
	bus.OnLogAdded(func(e eventbus.LogEntry) { got1 = e })
	bus.OnLogAdded(func(e eventbus.LogEntry) { got2 = e })

	bus.PublishLogAdded(eventbus.LogEntry{CaptureID: "cap-1", Method: "tools/call"})

	assert.Equal(t, "cap-1", got1.CaptureID)
	assert.Equal(t, "cap-1", got2.CaptureID)
	assert.Equal(t, "tools/call", got1.Method)
}

func TestBus_PublishLogAddedIsolatesPanickingSubscriber(t *testing.T) {
	bus := eventbus.New(zerolog.Nop())

	called := false
	bus.OnLogAdded(func(eventbus.LogEntry) { panic("boom") })
	bus.OnLogAdded(func(eventbus.LogEntry) { called = true })

	assert.NotPanics(t, func() {
		bus.PublishLogAdded(eventbus.LogEntry{CaptureID: "cap-2"})
	})
	assert.True(t, called, "sibling subscriber must still run after a panicking one")
}

func TestBus_PublishRegistryUpdatedNotifiesAllSubscribers(t *testing.T) {
	bus := eventbus.New(zerolog.Nop())

	count := 0
	bus.OnRegistryUpdated(func() { count++ })
	bus.OnRegistryUpdated(func() { count++ })

	bus.PublishRegistryUpdated()

	assert.Equal(t, 2, count)
}

func TestBus_PublishWithNoSubscribersDoesNotPanic(t *testing.T) {
	bus := eventbus.New(zerolog.Nop())
	assert.NotPanics(t, func() {
		bus.PublishLogAdded(eventbus.LogEntry{})
		bus.PublishRegistryUpdated()
	})
}

func TestBus_OffLogAddedStopsDelivery(t *testing.T) {
	bus := eventbus.New(zerolog.Nop())

	count := 0
	sub := bus.OnLogAdded(func(eventbus.LogEntry) { count++ })
	bus.OnLogAdded(func(eventbus.LogEntry) { count++ })

	bus.PublishLogAdded(eventbus.LogEntry{CaptureID: "cap-1"})
	assert.Equal(t, 2, count)

	bus.OffLogAdded(sub)
	bus.PublishLogAdded(eventbus.LogEntry{CaptureID: "cap-2"})
	assert.Equal(t, 3, count, "detached handler must not receive the second publish")
}

func TestBus_OffRegistryUpdatedStopsDelivery(t *testing.T) {
	bus := eventbus.New(zerolog.Nop())

	count := 0
	sub := bus.OnRegistryUpdated(func() { count++ })

	bus.PublishRegistryUpdated()
	assert.Equal(t, 1, count)

	bus.OffRegistryUpdated(sub)
	bus.PublishRegistryUpdated()
	assert.Equal(t, 1, count, "detached handler must not receive the second publish")
}

func TestBus_OffWithUnknownSubscriptionIsNoop(t *testing.T) {
	bus := eventbus.New(zerolog.Nop())
	sub := bus.OnLogAdded(func(eventbus.LogEntry) {})
	bus.OffLogAdded(sub)
	assert.NotPanics(t, func() { bus.OffLogAdded(sub) })
}
