// Package diag provides lifecycle event hooks for the multiplexer: connects,
// disconnects, snapshot save/load, and legacy negotiation, each dispatched to
// zero or more registered observers without slowing down the event loop that
// raised them.
package diag

import "time"

// EventType identifies a kind of multiplexer lifecycle event.
type EventType string

const (
	// Control-channel events
	EventConnect        EventType = "connect"
	EventConnectRefused EventType = "connect_refused"
	EventDisconnect     EventType = "disconnect"
	EventLegacyLatched  EventType = "legacy_latched"
	EventUnknownCommand EventType = "unknown_command"

	// Snapshot events
	EventSnapshotSave EventType = "snapshot_save"
	EventSnapshotLoad EventType = "snapshot_load"

	// Negotiation events
	EventProbeSent EventType = "probe_sent"
)

// Event is a single multiplexer lifecycle event that can trigger hooks.
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp int64                  `json:"timestamp"`
	Service   string                 `json:"service,omitempty"`
	Channel   int                    `json:"channel,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// NewEvent creates a new event stamped with the current time.
func NewEvent(eventType EventType) *Event {
	return &Event{
		Type:      eventType,
		Timestamp: time.Now().Unix(),
		Data:      make(map[string]interface{}),
	}
}

// WithService sets the service name the event concerns.
func (e *Event) WithService(name string) *Event {
	e.Service = name
	return e
}

// WithChannel sets the channel the event concerns.
func (e *Event) WithChannel(channel int) *Event {
	e.Channel = channel
	return e
}

// WithData adds a data field to the event.
func (e *Event) WithData(key string, value interface{}) *Event {
	if e.Data == nil {
		e.Data = make(map[string]interface{})
	}
	e.Data[key] = value
	return e
}

// String returns a human-readable representation of the event.
func (e *Event) String() string {
	if e.Service != "" {
		return string(e.Type) + ":" + e.Service
	}
	return string(e.Type)
}
