// Package geom holds the display-space value types shared by the editor and
// the display geometry calculator that fits an image into a viewport.
package geom

import (
	"fmt"
	"math"
)

// Point is a position in display-space (CSS pixels).
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

func (p Point) Add(q Point) Point { return Point{p.X + q.X, p.Y + q.Y} }
func (p Point) Sub(q Point) Point { return Point{p.X - q.X, p.Y - q.Y} }
func (p Point) Mul(k float64) Point { return Point{p.X * k, p.Y * k} }

// Size is a width/height pair.
type Size struct {
	W float64 `json:"w"`
	H float64 `json:"h"`
}

func (s Size) Empty() bool { return s.W <= 0 || s.H <= 0 }

func (s Size) String() string {
	return fmt.Sprintf("%gx%g", s.W, s.H)
}

// Rect is an axis aligned rectangle with its top-left corner at X, Y.
type Rect struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

func (r Rect) Min() Point { return Point{r.X, r.Y} }
func (r Rect) Max() Point { return Point{r.X + r.W, r.Y + r.H} }
func (r Rect) Size() Size { return Size{r.W, r.H} }
func (r Rect) Center() Point { return Point{r.X + r.W/2, r.Y + r.H/2} }
func (r Rect) Empty() bool { return r.W <= 0 || r.H <= 0 }

// Contains reports whether s lies entirely inside r, allowing eps of slack
// for floating point noise.
func (r Rect) Contains(s Rect, eps float64) bool {
	return s.X >= r.X-eps && s.Y >= r.Y-eps &&
		s.X+s.W <= r.X+r.W+eps && s.Y+s.H <= r.Y+r.H+eps
}

// Translate returns r moved by p.
func (r Rect) Translate(p Point) Rect {
	return Rect{X: r.X + p.X, Y: r.Y + p.Y, W: r.W, H: r.H}
}

func (r Rect) String() string {
	return fmt.Sprintf("rect(x=%.2f,y=%.2f,w=%.2f,h=%.2f)", r.X, r.Y, r.W, r.H)
}

// Viewport is the editor container: its origin in pointer coordinates and the
// box available for the image.
type Viewport struct {
	Origin Point `json:"origin"`
	Size   Size  `json:"size"`
}

// Display is the on-screen placement of the image inside the viewport.
type Display struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
	// Offset is the top-left of the image relative to the viewport origin.
	Offset Point `json:"offset"`
}

// scaleTolerance bounds the relative disagreement between the horizontal and
// vertical natural/display ratios.
const scaleTolerance = 1e-6

// Fit scales natural down (never up) to fit inside box, preserving the aspect
// ratio, and centers it. A zero natural or box size yields a zero Display.
func Fit(natural, box Size) Display {
	if natural.Empty() || box.Empty() {
		return Display{}
	}
	k := math.Min(1, math.Min(box.W/natural.W, box.H/natural.H))
	w := natural.W * k
	h := natural.H * k
	return Display{
		Width:  w,
		Height: h,
		Offset: Point{X: (box.W - w) / 2, Y: (box.H - h) / 2},
	}
}

func (d Display) Size() Size { return Size{d.Width, d.Height} }

// Valid reports whether the geometry has been measured.
func (d Display) Valid() bool { return d.Width > 0 && d.Height > 0 }

// Bounds is the image rectangle in display-space.
func (d Display) Bounds() Rect {
	return Rect{X: d.Offset.X, Y: d.Offset.Y, W: d.Width, H: d.Height}
}

// Center is the image center in display-space.
func (d Display) Center() Point { return d.Bounds().Center() }

// Scale returns the natural/display ratio. ok is false when the two axes
// disagree, which means the geometry was not produced by Fit for natural.
func (d Display) Scale(natural Size) (scale float64, ok bool) {
	if !d.Valid() || natural.Empty() {
		return 0, false
	}
	sx := natural.W / d.Width
	sy := natural.H / d.Height
	return sx, math.Abs(sx-sy) <= scaleTolerance*math.Max(sx, sy)
}

// MinSize returns the usable minimum crop size: min, capped at the displayed
// image size on each axis.
func (d Display) MinSize(min float64) Size {
	return Size{W: math.Min(min, d.Width), H: math.Min(min, d.Height)}
}

// InitialCrop returns the rectangle covering fraction of the displayed image,
// centered on it, never smaller than min.
func (d Display) InitialCrop(fraction, min float64) Rect {
	if !d.Valid() {
		return Rect{}
	}
	ms := d.MinSize(min)
	w := math.Min(d.Width, math.Max(d.Width*fraction, ms.W))
	h := math.Min(d.Height, math.Max(d.Height*fraction, ms.H))
	return Rect{
		X: d.Offset.X + (d.Width-w)/2,
		Y: d.Offset.Y + (d.Height-h)/2,
		W: w,
		H: h,
	}
}

// Relative returns r relative to the image's own top-left corner.
func (d Display) Relative(r Rect) Rect {
	return r.Translate(Point{-d.Offset.X, -d.Offset.Y})
}
