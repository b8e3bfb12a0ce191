package main

import (
	"fmt"

	"golang.org/x/mobile/event/mouse"

	"magmaedit/internal/editor"
	"magmaedit/internal/geom"
	"magmaedit/internal/transform"
)

// pointerRequest is a pointer event as the preview reports it, in page
// coordinates. A down event naming a handle starts a drag on it directly;
// without one the handles are hit-tested.
type pointerRequest struct {
	Type   string           `json:"type" validate:"required,oneof=down move up cancel"`
	X      float32          `json:"x"`
	Y      float32          `json:"y"`
	Handle transform.Handle `json:"handle"`
}

func (req pointerRequest) event() mouse.Event {
	ev := mouse.Event{X: req.X, Y: req.Y, Button: mouse.ButtonLeft}
	switch req.Type {
	case "down":
		ev.Direction = mouse.DirPress
	case "up":
		ev.Direction = mouse.DirRelease
	default:
		ev.Direction = mouse.DirNone
	}
	return ev
}

func applyPointer(s *editor.Session, req pointerRequest) error {
	switch req.Type {
	case "cancel":
		s.CancelPointer()
		return nil
	case "down":
		if req.Handle != transform.HandleNone {
			return s.BeginDrag(req.Handle, geom.Point{X: float64(req.X), Y: float64(req.Y)})
		}
		fallthrough
	case "move", "up":
		return s.Pointer(req.event())
	}
	return fmt.Errorf("%w: pointer event %q", errInvalidRequest, req.Type)
}

type cropRequest struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w" validate:"gt=0"`
	H float64 `json:"h" validate:"gt=0"`
}

func (req cropRequest) rect() geom.Rect {
	return geom.Rect{X: req.X, Y: req.Y, W: req.W, H: req.H}
}

// viewportRequest is the measured container box. Width and height may be
// omitted when a session is created before layout.
type viewportRequest struct {
	X float64 `json:"x" form:"x"`
	Y float64 `json:"y" form:"y"`
	W float64 `json:"w" form:"w" validate:"gte=0"`
	H float64 `json:"h" form:"h" validate:"gte=0"`
}

func (req viewportRequest) viewport() (geom.Viewport, bool) {
	v := geom.Viewport{
		Origin: geom.Point{X: req.X, Y: req.Y},
		Size:   geom.Size{W: req.W, H: req.H},
	}
	return v, !v.Size.Empty()
}
