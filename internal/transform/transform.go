// Package transform holds the editor's transform state: rotation,
// brightness, the display-space crop rectangle and the active handle.
package transform

import (
	"errors"
	"fmt"
	"math"

	"magmaedit/internal/geom"
)

var ErrInvalidStep = errors.New("rotation step must divide 360")

// Rotation is a clockwise angle in degrees, always in [0, 360).
type Rotation int

// Normalize wraps deg into [0, 360).
func Normalize(deg int) Rotation {
	deg %= 360
	if deg < 0 {
		deg += 360
	}
	return Rotation(deg)
}

// Next advances r by step degrees, wrapping modulo 360.
func (r Rotation) Next(step int) Rotation {
	return Normalize(int(r) + step)
}

// Radians returns the angle in radians.
func (r Rotation) Radians() float64 {
	return float64(r) * math.Pi / 180
}

// AxisAligned reports whether r is a multiple of 90 degrees.
func (r Rotation) AxisAligned() bool { return r%90 == 0 }

// ValidateStep checks that repeated steps always land back on zero.
func ValidateStep(step int) error {
	if step <= 0 || step > 360 || 360%step != 0 {
		return fmt.Errorf("%w: %d", ErrInvalidStep, step)
	}
	return nil
}

// BrightnessRange bounds the brightness multiplier.
type BrightnessRange struct {
	Min float64
	Max float64
}

var DefaultBrightnessRange = BrightnessRange{Min: 0.5, Max: 1.5}

// Clamp limits v to the range. NaN maps to 1, the identity.
func (br BrightnessRange) Clamp(v float64) float64 {
	if math.IsNaN(v) {
		return 1
	}
	return math.Max(br.Min, math.Min(br.Max, v))
}

// Handle names one of the crop rectangle's 8 control points.
type Handle int

const (
	HandleNone Handle = iota
	HandleTop
	HandleRight
	HandleBottom
	HandleLeft
	HandleTopLeft
	HandleTopRight
	HandleBottomLeft
	HandleBottomRight
)

var handleNames = map[Handle]string{
	HandleNone:        "",
	HandleTop:         "top",
	HandleRight:       "right",
	HandleBottom:      "bottom",
	HandleLeft:        "left",
	HandleTopLeft:     "top-left",
	HandleTopRight:    "top-right",
	HandleBottomLeft:  "bottom-left",
	HandleBottomRight: "bottom-right",
}

// Handles lists the 8 real handles, corners first so that hit-testing
// prefers a corner where it overlaps an edge midpoint.
var Handles = []Handle{
	HandleTopLeft, HandleTopRight, HandleBottomLeft, HandleBottomRight,
	HandleTop, HandleRight, HandleBottom, HandleLeft,
}

func (h Handle) String() string { return handleNames[h] }

// ParseHandle is the inverse of String.
func ParseHandle(s string) (Handle, error) {
	for h, name := range handleNames {
		if h != HandleNone && name == s {
			return h, nil
		}
	}
	return HandleNone, fmt.Errorf("unknown handle %q", s)
}

func (h Handle) MarshalText() ([]byte, error) { return []byte(h.String()), nil }

func (h *Handle) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*h = HandleNone
		return nil
	}
	v, err := ParseHandle(string(b))
	if err != nil {
		return err
	}
	*h = v
	return nil
}

// Moves reports which sides of the rectangle the handle drags.
func (h Handle) Moves() (left, top, right, bottom bool) {
	switch h {
	case HandleTop:
		top = true
	case HandleRight:
		right = true
	case HandleBottom:
		bottom = true
	case HandleLeft:
		left = true
	case HandleTopLeft:
		top, left = true, true
	case HandleTopRight:
		top, right = true, true
	case HandleBottomLeft:
		bottom, left = true, true
	case HandleBottomRight:
		bottom, right = true, true
	}
	return
}

// Anchor returns the handle's position on r.
func (h Handle) Anchor(r geom.Rect) geom.Point {
	left, top, right, bottom := h.Moves()
	p := r.Center()
	switch {
	case left:
		p.X = r.X
	case right:
		p.X = r.X + r.W
	}
	switch {
	case top:
		p.Y = r.Y
	case bottom:
		p.Y = r.Y + r.H
	}
	return p
}

// State is the complete, serializable transform state of one editing session.
type State struct {
	Rotation   Rotation  `json:"rotation"`
	Brightness float64   `json:"brightness"`
	Crop       geom.Rect `json:"crop"`
	Active     Handle    `json:"active,omitempty"`
}

// New returns the identity state: no rotation, unmodified brightness and no
// crop yet.
func New() State {
	return State{Brightness: 1}
}
