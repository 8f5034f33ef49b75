// Package corebus provides a small synchronous/asynchronous publish-subscribe
// bus used to decouple the transport manager and session manager from the
// ambient components (logger hook, stats collector, optional control
// surface) that observe their state changes.
package corebus

import "sync"

// EventType identifies the kind of event fired on the bus.
type EventType int

const (
	// EventTransportStateChanged fires whenever the active transport, or the
	// state reported for it, changes; state changes of other transports do
	// not fire it. Payload: TransportStatePayload.
	EventTransportStateChanged EventType = iota
	// EventDeviceHandshaked fires when a transport completes the AUTH
	// handshake. Payload: DeviceHandshakedPayload.
	EventDeviceHandshaked
	// EventDeviceAuthorized fires when the host authorizes or revokes a
	// device token. Payload: DeviceAuthorizedPayload.
	EventDeviceAuthorized
	// EventInfoReceived fires when an authorized device sends an INFO
	// frame. Payload: InfoReceivedPayload.
	EventInfoReceived
)

// Event carries data about something that happened in the engine.
type Event struct {
	Type    EventType
	Payload any
}

// TransportStatePayload is the payload for EventTransportStateChanged.
type TransportStatePayload struct {
	TransportID string
	State       string // loop state name, or "AUTHORIZED"
}

// DeviceHandshakedPayload is the payload for EventDeviceHandshaked.
type DeviceHandshakedPayload struct {
	TransportID string
	Token       string
	Name        string
}

// DeviceAuthorizedPayload is the payload for EventDeviceAuthorized.
type DeviceAuthorizedPayload struct {
	Token      string
	Authorized bool
}

// InfoReceivedPayload is the payload for EventInfoReceived.
type InfoReceivedPayload struct {
	Token  string
	InfoID uint32
	JSON   string
}

// Handler is a callback for bus subscribers.
type Handler func(Event)

// Bus provides pub/sub between engine components.
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
}

// New creates a ready-to-use event bus.
func New() *Bus {
	return &Bus{handlers: make(map[EventType][]Handler)}
}

// Subscribe registers a handler for a given event type.
func (b *Bus) Subscribe(t EventType, h Handler) {
	b.mu.Lock()
	b.handlers[t] = append(b.handlers[t], h)
	b.mu.Unlock()
}

// Publish fires an event to all subscribed handlers synchronously, in
// registration order.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	handlers := b.handlers[e.Type]
	b.mu.RUnlock()

	for _, h := range handlers {
		h(e)
	}
}

// PublishAsync fires an event to all subscribed handlers in goroutines.
func (b *Bus) PublishAsync(e Event) {
	b.mu.RLock()
	handlers := b.handlers[e.Type]
	b.mu.RUnlock()

	for _, h := range handlers {
		go h(e)
	}
}
