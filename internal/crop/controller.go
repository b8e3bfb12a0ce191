// Package crop implements the interactive resize behavior of the crop
// rectangle: a drag session per handle, absolute pointer tracking and
// clamping to the displayed image.
package crop

import (
	"math"

	"magmaedit/internal/geom"
	"magmaedit/internal/transform"
)

const (
	DefaultMinSize    = 20
	DefaultHandleSize = 12
)

// Controller owns the crop rectangle of one editing session. It is not safe
// for concurrent use; the owning session serializes access.
type Controller struct {
	display    geom.Display
	origin     geom.Point
	minSize    float64
	handleSize float64

	// crop edges in container coordinates
	left, top, right, bottom float64

	drag *dragSession
}

type dragSession struct {
	handle transform.Handle
	last   geom.Point
}

type Option func(*Controller)

// WithMinSize sets the smallest width/height the crop may shrink to.
func WithMinSize(v float64) Option {
	return func(c *Controller) {
		if v > 0 {
			c.minSize = v
		}
	}
}

// WithHandleSize sets the side of the square hit area around each handle.
func WithHandleSize(v float64) Option {
	return func(c *Controller) {
		if v > 0 {
			c.handleSize = v
		}
	}
}

// New creates a controller for an image placed at display inside a container
// whose top-left is origin in pointer coordinates. The crop starts at rect,
// clamped into the image.
func New(display geom.Display, origin geom.Point, rect geom.Rect, opts ...Option) *Controller {
	c := &Controller{
		display:    display,
		origin:     origin,
		minSize:    DefaultMinSize,
		handleSize: DefaultHandleSize,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.Place(rect)
	return c
}

// Rect returns the current crop rectangle in container coordinates.
func (c *Controller) Rect() geom.Rect {
	return geom.Rect{X: c.left, Y: c.top, W: c.right - c.left, H: c.bottom - c.top}
}

// Display returns the geometry the controller clamps against.
func (c *Controller) Display() geom.Display { return c.display }

// Active returns the handle of the open drag session, or HandleNone.
func (c *Controller) Active() transform.Handle {
	if c.drag == nil {
		return transform.HandleNone
	}
	return c.drag.handle
}

// Dragging reports whether a drag session is open.
func (c *Controller) Dragging() bool { return c.drag != nil }

// Place replaces the crop with r after clamping it into the image and growing
// it to the minimum size. Any open drag is left untouched.
func (c *Controller) Place(r geom.Rect) {
	b := c.display.Bounds()
	ms := c.display.MinSize(c.minSize)

	w := clamp(r.W, ms.W, b.W)
	h := clamp(r.H, ms.H, b.H)
	x := clamp(r.X, b.X, b.X+b.W-w)
	y := clamp(r.Y, b.Y, b.Y+b.H-h)
	c.left, c.top, c.right, c.bottom = x, y, x+w, y+h
}

// BeginDrag opens a drag session for h. A session that is already open is
// discarded.
func (c *Controller) BeginDrag(h transform.Handle, pointer geom.Point) {
	if h == transform.HandleNone {
		return
	}
	c.drag = &dragSession{handle: h, last: pointer}
}

// UpdateDrag moves the dragged side(s) to the pointer. It is a no-op when no
// drag is open.
func (c *Controller) UpdateDrag(pointer geom.Point) {
	if c.drag == nil {
		return
	}
	c.drag.last = pointer
	p := pointer.Sub(c.origin)

	b := c.display.Bounds()
	ms := c.display.MinSize(c.minSize)
	left, top, right, bottom := c.left, c.top, c.right, c.bottom
	mvLeft, mvTop, mvRight, mvBottom := c.drag.handle.Moves()
	if mvLeft {
		left = clamp(p.X, b.X, right-ms.W)
	}
	if mvRight {
		right = clamp(p.X, left+ms.W, b.X+b.W)
	}
	if mvTop {
		top = clamp(p.Y, b.Y, bottom-ms.H)
	}
	if mvBottom {
		bottom = clamp(p.Y, top+ms.H, b.Y+b.H)
	}
	c.left, c.top, c.right, c.bottom = left, top, right, bottom
}

// EndDrag closes the drag session. Calling it without one is a no-op.
func (c *Controller) EndDrag() {
	c.drag = nil
}

// Cancel aborts the drag session, keeping the crop as last updated.
func (c *Controller) Cancel() {
	c.EndDrag()
}

// HandleAt returns the handle whose hit area contains pointer, or HandleNone.
func (c *Controller) HandleAt(pointer geom.Point) transform.Handle {
	p := pointer.Sub(c.origin)
	hs := c.handleSize / 2
	r := c.Rect()
	for _, h := range transform.Handles {
		a := h.Anchor(r)
		if math.Abs(p.X-a.X) <= hs && math.Abs(p.Y-a.Y) <= hs {
			return h
		}
	}
	return transform.HandleNone
}

// clamp limits v to [lo, hi]; when the range is inverted lo wins.
func clamp(v, lo, hi float64) float64 {
	if v > hi {
		v = hi
	}
	if v < lo {
		v = lo
	}
	return v
}
