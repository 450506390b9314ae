package embed

import "strings"

// Position is one of the six canonical anchor points of the embedding surface.
type Position string

const (
	BottomRight Position = "bottom-right"
	BottomLeft  Position = "bottom-left"
	TopRight    Position = "top-right"
	TopLeft     Position = "top-left"
	CenterLeft  Position = "center-left"
	CenterRight Position = "center-right"

	DefaultPosition = BottomRight
)

// EdgeOffset is the distance between the surface and the viewport edge.
const EdgeOffset = "20px"

// ParsePosition maps a preference to a canonical position; unknown or empty
// values fall back to DefaultPosition.
func ParsePosition(s string) Position {
	switch p := Position(strings.ToLower(strings.TrimSpace(s))); p {
	case BottomRight, BottomLeft, TopRight, TopLeft, CenterLeft, CenterRight:
		return p
	}
	return DefaultPosition
}

// Placement is the concrete edge anchoring applied to the surface. Sides
// not used by a position are "auto" so a reposition clears earlier offsets.
type Placement struct {
	Top       string
	Right     string
	Bottom    string
	Left      string
	Transform string
}

// Placement returns the edge offsets and transform for p.
func (p Position) Placement() Placement {
	pl := Placement{Top: "auto", Right: "auto", Bottom: "auto", Left: "auto", Transform: "none"}
	switch p {
	case BottomLeft:
		pl.Bottom, pl.Left = EdgeOffset, EdgeOffset
	case TopRight:
		pl.Top, pl.Right = EdgeOffset, EdgeOffset
	case TopLeft:
		pl.Top, pl.Left = EdgeOffset, EdgeOffset
	case CenterLeft:
		pl.Top, pl.Left, pl.Transform = "50%", EdgeOffset, "translateY(-50%)"
	case CenterRight:
		pl.Top, pl.Right, pl.Transform = "50%", EdgeOffset, "translateY(-50%)"
	default:
		pl.Bottom, pl.Right = EdgeOffset, EdgeOffset
	}
	return pl
}

// Size is the pixel footprint of the surface.
type Size struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Clamp returns s with negative dimensions raised to zero.
func (s Size) Clamp() Size {
	if s.Width < 0 {
		s.Width = 0
	}
	if s.Height < 0 {
		s.Height = 0
	}
	return s
}
