package domain

import "errors"

var (
	ErrRoomNotFound  = errors.New("room not found")
	ErrInputNotFound = errors.New("input not found")

	// ErrDuplicateChannel rejects a second input bound to the same polled
	// channel within one room.
	ErrDuplicateChannel = errors.New("channel already bound in this room")

	ErrInvalidInputType = errors.New("invalid input type")
	ErrInvalidLayout    = errors.New("invalid layout")

	// ErrAtCapacity is returned by room creation when the fleet is at the
	// hard limit and the caller did not ask to bypass.
	ErrAtCapacity = errors.New("room capacity reached")
)
