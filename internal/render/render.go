// Package render turns the editor's display-space transform state into
// full-resolution pixels.
//
// The crop rectangle is the only geometry the editor keeps; Matrix is the one
// place where it is mapped into natural pixels. The preview rotates the image
// about its own center, so a source pixel q lands in the output at
//
//	out = outCenter + R(θ)·(q - naturalCenter) + (imageCenter - cropCenter)·scale
//
// which renders the rotated image and cuts the crop window out of it in a
// single pass.
package render

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"

	"github.com/disintegration/gift"
	"github.com/disintegration/imaging"
	"github.com/gabriel-vasile/mimetype"
	"golang.org/x/image/draw"
	"golang.org/x/image/math/f64"

	"magmaedit/internal/geom"
	"magmaedit/internal/transform"
)

var (
	ErrNoCrop        = errors.New("crop rectangle is not initialized")
	ErrScaleMismatch = errors.New("display geometry does not match the source aspect ratio")
	ErrEncode        = errors.New("failed to encode image")
)

const DefaultQuality = 90

// Params is everything the export depends on besides the source bitmap.
type Params struct {
	Display    geom.Display       `json:"display"`
	Crop       geom.Rect          `json:"crop"`
	Rotation   transform.Rotation `json:"rotation"`
	Brightness float64            `json:"brightness"`
}

// Output is an encoded export.
type Output struct {
	Data   []byte
	MIME   string
	Width  int
	Height int
}

type Renderer struct {
	background color.Color
	kernel     draw.Interpolator
	format     imaging.Format
	quality    int
}

type Option func(*Renderer)

// WithBackground sets the color of output pixels the rotated image does not
// cover.
func WithBackground(c color.Color) Option {
	return func(r *Renderer) { r.background = c }
}

// WithKernel sets the interpolator used for non pixel-aligned transforms.
func WithKernel(k draw.Interpolator) Option {
	return func(r *Renderer) { r.kernel = k }
}

// WithFormat sets the output encoding.
func WithFormat(f imaging.Format) Option {
	return func(r *Renderer) { r.format = f }
}

// WithQuality sets the JPEG quality, 1-100.
func WithQuality(q int) Option {
	return func(r *Renderer) {
		if q > 0 && q <= 100 {
			r.quality = q
		}
	}
}

func New(opts ...Option) *Renderer {
	r := &Renderer{
		background: color.Black,
		kernel:     draw.BiLinear,
		format:     imaging.JPEG,
		quality:    DefaultQuality,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ParseFormat accepts an extension-like name ("jpeg", "jpg", ".png").
func ParseFormat(name string) (imaging.Format, error) {
	if name == "" {
		return imaging.JPEG, nil
	}
	if name[0] != '.' {
		name = "." + name
	}
	return imaging.FormatFromExtension(name)
}

// Scale returns the natural/display ratio, asserting that both axes agree.
func Scale(natural geom.Size, d geom.Display) (float64, error) {
	s, ok := d.Scale(natural)
	if !ok {
		return 0, fmt.Errorf("%w: natural %v, display %vx%v", ErrScaleMismatch, natural, d.Width, d.Height)
	}
	return s, nil
}

// OutputSize is round(crop*scale), at least one pixel on each axis.
func OutputSize(crop geom.Rect, scale float64) image.Point {
	return image.Pt(
		max(1, int(math.Round(crop.W*scale))),
		max(1, int(math.Round(crop.H*scale))),
	)
}

// Matrix returns the source-to-output transform for a source whose natural
// pixels occupy sr, together with the output size.
func Matrix(sr image.Rectangle, p Params) (f64.Aff3, image.Point, error) {
	if !p.Display.Valid() || p.Crop.Empty() {
		return f64.Aff3{}, image.Point{}, ErrNoCrop
	}
	natural := geom.Size{W: float64(sr.Dx()), H: float64(sr.Dy())}
	scale, err := Scale(natural, p.Display)
	if err != nil {
		return f64.Aff3{}, image.Point{}, err
	}
	size := OutputSize(p.Crop, scale)

	sin, cos := sincos(p.Rotation)
	nc := geom.Point{X: float64(sr.Min.X) + natural.W/2, Y: float64(sr.Min.Y) + natural.H/2}
	oc := geom.Point{X: float64(size.X) / 2, Y: float64(size.Y) / 2}
	d := p.Display.Center().Sub(p.Crop.Center()).Mul(scale)
	t := oc.Add(d)

	m := f64.Aff3{
		cos, -sin, t.X - cos*nc.X + sin*nc.Y,
		sin, cos, t.Y - sin*nc.X - cos*nc.Y,
	}
	m[2] = snap(m[2])
	m[5] = snap(m[5])
	return m, size, nil
}

// Render produces the cropped, rotated and brightness-adjusted raster.
func (r *Renderer) Render(src image.Image, p Params) (*image.NRGBA, error) {
	sr := src.Bounds()
	m, size, err := Matrix(sr, p)
	if err != nil {
		return nil, err
	}

	dst := image.NewNRGBA(image.Rect(0, 0, size.X, size.Y))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(r.background), image.Point{}, draw.Src)

	kernel := r.kernel
	if p.Rotation.AxisAligned() && m[2] == math.Trunc(m[2]) && m[5] == math.Trunc(m[5]) {
		kernel = draw.NearestNeighbor
	}
	kernel.Transform(dst, m, src, sr, draw.Over, nil)

	return Brighten(dst, p.Brightness), nil
}

// Brighten scales every color channel by factor, leaving alpha alone.
func Brighten(img *image.NRGBA, factor float64) *image.NRGBA {
	if factor == 1 || factor <= 0 || math.IsNaN(factor) {
		return img
	}
	k := float32(factor)
	g := gift.New(gift.ColorFunc(func(r0, g0, b0, a0 float32) (r, g, b, a float32) {
		return min(1, r0*k), min(1, g0*k), min(1, b0*k), a0
	}))
	out := image.NewNRGBA(g.Bounds(img.Bounds()))
	g.Draw(out, img)
	return out
}

// Encode compresses img in the renderer's format. No partial buffer is ever
// returned.
func (r *Renderer) Encode(ctx context.Context, img image.Image) (Output, error) {
	if err := ctx.Err(); err != nil {
		return Output{}, err
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, r.format, imaging.JPEGQuality(r.quality)); err != nil {
		return Output{}, fmt.Errorf("%w: %w", ErrEncode, err)
	}
	if err := ctx.Err(); err != nil {
		return Output{}, err
	}
	b := img.Bounds()
	return Output{
		Data:   buf.Bytes(),
		MIME:   mimetype.Detect(buf.Bytes()).String(),
		Width:  b.Dx(),
		Height: b.Dy(),
	}, nil
}

// Export renders and encodes in one call.
func (r *Renderer) Export(ctx context.Context, src image.Image, p Params) (Output, error) {
	if err := ctx.Err(); err != nil {
		return Output{}, err
	}
	img, err := r.Render(src, p)
	if err != nil {
		return Output{}, err
	}
	return r.Encode(ctx, img)
}

// sincos is exact for multiples of 90 degrees.
func sincos(r transform.Rotation) (sin, cos float64) {
	switch r {
	case 0:
		return 0, 1
	case 90:
		return 1, 0
	case 180:
		return 0, -1
	case 270:
		return -1, 0
	}
	return math.Sincos(r.Radians())
}

func snap(v float64) float64 {
	if rv := math.Round(v); math.Abs(v-rv) < 1e-6 {
		return rv
	}
	return v
}
