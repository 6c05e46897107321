// Package core holds the room aggregate and the collaborator interfaces it
// talks to. It owns all in-room state but never owns transport resources.
package core

import (
	"context"
	"time"

	"github.com/openmix/roomd/internal/domain"
)

// Renderer is the compositing engine collaborator. Registration calls may
// block on I/O; the room never holds its lock across them.
type Renderer interface {
	RegisterOutput(ctx context.Context, room domain.RoomID, res domain.Resolution) (outputURL string, err error)
	UnregisterOutput(ctx context.Context, room domain.RoomID) error
	RegisterInput(ctx context.Context, room domain.RoomID, in InputInfo) error
	UnregisterInput(ctx context.Context, room domain.RoomID, id domain.InputID) error
}

// MediaEvent reports media flowing on an input; consumed to opportunistically
// touch that input's liveness monitor.
type MediaEvent struct {
	Room  domain.RoomID
	Input domain.InputID
}

// ChannelWatcher is whatever polls a third-party stream directory for one
// channel. The room only ever stops it.
type ChannelWatcher interface {
	Stop()
}

// ChannelMeta is cached directory metadata for a polled-channel input.
type ChannelMeta struct {
	Title     string `json:"title"`
	Thumbnail string `json:"thumbnail"`
	Live      bool   `json:"live"`
}

// InputSpec describes an input to be added to a room.
type InputSpec struct {
	Type        domain.InputType
	Title       string
	Description string
	Volume      float64
	ChannelID   string // twitch/youtube
	Path        string // file
	URL         string // image
	Text        string // text
}

// InputInfo is the slice of input state a renderer registration needs.
type InputInfo struct {
	ID        domain.InputID
	Type      domain.InputType
	ChannelID string
	Path      string
	URL       string
	Text      string
}

// InputPatch mutates presentation fields independently of connection status.
// Nil fields are left untouched.
type InputPatch struct {
	Volume      *float64
	Title       *string
	Description *string
	Orientation *int
	Shaders     *[]string
}

// InputState is the read-only snapshot of one input.
type InputState struct {
	ID          domain.InputID     `json:"inputId"`
	Type        domain.InputType   `json:"type"`
	Status      domain.InputStatus `json:"status"`
	Title       string             `json:"title,omitempty"`
	Description string             `json:"description,omitempty"`
	Volume      float64            `json:"volume"`
	Orientation int                `json:"orientation,omitempty"`
	Shaders     []string           `json:"shaders,omitempty"`
	ChannelID   string             `json:"channelId,omitempty"`
	Channel     *ChannelMeta       `json:"channel,omitempty"`
	LastAck     *time.Time         `json:"lastAck,omitempty"`
}

// RoomState is the point-in-time snapshot returned to readers.
type RoomState struct {
	ID            domain.RoomID     `json:"roomId"`
	Layout        domain.Layout     `json:"layout"`
	Resolution    domain.Resolution `json:"resolution"`
	OutputURL     string            `json:"outputUrl"`
	Hidden        bool              `json:"hidden"`
	PendingDelete bool              `json:"pendingDelete"`
	CreatedAt     time.Time         `json:"createdAt"`
	Inputs        []InputState      `json:"inputs"`
}
