// Package domain contains entity types without logic, just meta-data
// and the identifiers shared between layers.
package domain

type (
	RoomID   string
	InputID  string
	SourceID string
)

// Layout is the compositing arrangement a room asks the renderer for.
// Opaque here beyond being a value the room stores and reports.
type Layout string

const (
	LayoutGrid    Layout = "grid"
	LayoutSolo    Layout = "solo"
	LayoutPiP     Layout = "pip"
	LayoutStacked Layout = "stacked"
)

func (l Layout) Valid() bool {
	switch l {
	case LayoutGrid, LayoutSolo, LayoutPiP, LayoutStacked:
		return true
	}
	return false
}

// Resolution of the composited output, e.g. "1280x720".
type Resolution string

const DefaultResolution Resolution = "1280x720"
