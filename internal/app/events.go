// Package app coordinates the room fleet: admission, sweeping and the
// source-to-slot ownership arbitration for telemetry ingestion.
package app

import "github.com/openmix/roomd/internal/domain"

type EventKind string

const (
	EventRoomCreated   EventKind = "room_created"
	EventRoomMarked    EventKind = "room_marked"
	EventRoomDeleted   EventKind = "room_deleted"
	EventInputReaped   EventKind = "input_reaped"
	EventSourceReroute EventKind = "source_rerouted"
)

// Event is a registry/router lifecycle notification, consumed by the admin
// websocket feed and the metrics layer.
type Event struct {
	Kind   EventKind       `json:"kind"`
	Room   domain.RoomID   `json:"roomId,omitempty"`
	Input  domain.InputID  `json:"inputId,omitempty"`
	Source domain.SourceID `json:"sourceId,omitempty"`
	Reason string          `json:"reason,omitempty"`
}

// EventSink receives events synchronously; implementations must not block.
type EventSink func(Event)
