package render

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/draw"
	"math/rand"
	"testing"

	"github.com/disintegration/imaging"

	"magmaedit/internal/geom"
	"magmaedit/internal/transform"
)

func noise(w, h int, seed int64) *image.NRGBA {
	rng := rand.New(rand.NewSource(seed))
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	rng.Read(img.Pix)
	for i := 3; i < len(img.Pix); i += 4 {
		img.Pix[i] = 255
	}
	return img
}

func fill(w, h int, c color.NRGBA) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), image.NewUniform(c), image.Point{}, draw.Src)
	return img
}

func TestRotatedBrightenedExport(t *testing.T) {
	// Top-left quadrant red, rest gray.
	src := fill(1000, 1000, color.NRGBA{100, 100, 100, 255})
	draw.Draw(src, image.Rect(0, 0, 500, 500), image.NewUniform(color.NRGBA{150, 0, 0, 255}), image.Point{}, draw.Src)

	d := geom.Fit(geom.Size{W: 1000, H: 1000}, geom.Size{W: 100, H: 100})
	p := Params{
		Display:    d,
		Crop:       geom.Rect{X: 0, Y: 0, W: 100, H: 100},
		Rotation:   90,
		Brightness: 1.3,
	}
	out, err := New().Render(src, p)
	if err != nil {
		t.Fatal(err)
	}
	if got := out.Bounds().Size(); got != image.Pt(1000, 1000) {
		t.Fatalf("output size %v, want 1000x1000", got)
	}
	// Clockwise rotation moves the red quadrant to the top-right.
	if got := out.NRGBAAt(750, 250); got != (color.NRGBA{195, 0, 0, 255}) {
		t.Errorf("top-right pixel %+v, want brightened red", got)
	}
	if got := out.NRGBAAt(250, 250); got != (color.NRGBA{130, 130, 130, 255}) {
		t.Errorf("top-left pixel %+v, want brightened gray", got)
	}
}

func TestOutputSizeDeterministic(t *testing.T) {
	src := noise(300, 200, 1)
	d := geom.Fit(geom.Size{W: 300, H: 200}, geom.Size{W: 97, H: 97})
	p := Params{Display: d, Crop: d.InitialCrop(0.8, 20), Rotation: 270, Brightness: 0.7}
	r := New()

	scale, err := Scale(geom.Size{W: 300, H: 200}, d)
	if err != nil {
		t.Fatal(err)
	}
	want := OutputSize(p.Crop, scale)

	var first Output
	for i := 0; i < 2; i++ {
		out, err := r.Export(context.Background(), src, p)
		if err != nil {
			t.Fatal(err)
		}
		if out.Width != want.X || out.Height != want.Y {
			t.Fatalf("export %d: %dx%d, want %v", i, out.Width, out.Height, want)
		}
		cfg, format, err := image.DecodeConfig(bytes.NewReader(out.Data))
		if err != nil {
			t.Fatal(err)
		}
		if format != "jpeg" || out.MIME != "image/jpeg" || cfg.Width != want.X || cfg.Height != want.Y {
			t.Fatalf("encoded %s %dx%d (%s)", format, cfg.Width, cfg.Height, out.MIME)
		}
		if i == 0 {
			first = out
		} else if !bytes.Equal(first.Data, out.Data) {
			t.Fatal("identical state produced different bytes")
		}
	}
}

// reference renders the rotated image into the viewport the way the preview
// shows it, then cuts the crop window out of it.
func reference(src image.Image, d geom.Display, crop geom.Rect, rot transform.Rotation) *image.NRGBA {
	var rotated *image.NRGBA
	switch rot {
	case 0:
		rotated = imaging.Clone(src)
	case 90:
		rotated = imaging.Rotate270(src)
	case 180:
		rotated = imaging.Rotate180(src)
	case 270:
		rotated = imaging.Rotate90(src)
	}
	c := d.Center()
	rb := rotated.Bounds()
	at := image.Pt(int(c.X)-rb.Dx()/2, int(c.Y)-rb.Dy()/2)

	canvas := image.NewNRGBA(image.Rect(0, 0, 40, 40))
	draw.Draw(canvas, canvas.Bounds(), image.NewUniform(color.Black), image.Point{}, draw.Src)
	draw.Draw(canvas, rb.Add(at), rotated, image.Point{}, draw.Over)

	window := image.Rect(int(crop.X), int(crop.Y), int(crop.X+crop.W), int(crop.Y+crop.H))
	return imaging.Crop(canvas, window)
}

func TestMatchesTwoPassReference(t *testing.T) {
	src := noise(40, 20, 3)
	// Scale 1: display-space equals natural pixels.
	d := geom.Fit(geom.Size{W: 40, H: 20}, geom.Size{W: 40, H: 40})
	crops := []geom.Rect{
		{X: 4, Y: 12, W: 10, H: 6},
		{X: 0, Y: 10, W: 40, H: 20},
		{X: 10, Y: 14, W: 20, H: 12},
		{X: 22, Y: 10, W: 18, H: 4},
	}
	for _, rot := range []transform.Rotation{0, 90, 180, 270} {
		for _, crop := range crops {
			got, err := New().Render(src, Params{Display: d, Crop: crop, Rotation: rot, Brightness: 1})
			if err != nil {
				t.Fatal(err)
			}
			want := reference(src, d, crop, rot)
			if !got.Bounds().Eq(want.Bounds()) {
				t.Fatalf("rot %d crop %v: bounds %v want %v", rot, crop, got.Bounds(), want.Bounds())
			}
			if !bytes.Equal(got.Pix, want.Pix) {
				t.Errorf("rot %d crop %v: pixels differ from the rotate-then-crop reference", rot, crop)
			}
		}
	}
}

func TestRotationZeroIsPlainCrop(t *testing.T) {
	src := noise(600, 400, 9)
	d := geom.Fit(geom.Size{W: 600, H: 400}, geom.Size{W: 300, H: 300})
	crop := geom.Rect{X: 10, Y: 60, W: 100, H: 50}
	got, err := New().Render(src, Params{Display: d, Crop: crop, Brightness: 1})
	if err != nil {
		t.Fatal(err)
	}
	// Scale 2, image offset (0, 50): natural window starts at (20, 20).
	want := imaging.Crop(src, image.Rect(20, 20, 220, 120))
	if !bytes.Equal(got.Pix, want.Pix) {
		t.Fatal("unrotated export is not the natural-pixel crop")
	}
}

func TestBrighten(t *testing.T) {
	img := fill(2, 2, color.NRGBA{100, 200, 40, 128})
	out := Brighten(img, 1.5)
	if got := out.NRGBAAt(0, 0); got != (color.NRGBA{150, 255, 60, 128}) {
		t.Fatalf("got %+v", got)
	}
	out = Brighten(img, 0.5)
	if got := out.NRGBAAt(1, 1); got != (color.NRGBA{50, 100, 20, 128}) {
		t.Fatalf("got %+v", got)
	}
	if Brighten(img, 1) != img {
		t.Fatal("identity brightness should not copy")
	}
}

func TestRenderRejectsMissingGeometry(t *testing.T) {
	src := noise(10, 10, 1)
	cases := map[string]Params{
		"no display": {Crop: geom.Rect{W: 5, H: 5}},
		"no crop":    {Display: geom.Fit(geom.Size{W: 10, H: 10}, geom.Size{W: 10, H: 10})},
	}
	for name, p := range cases {
		t.Run(name, func(t *testing.T) {
			out, err := New().Export(context.Background(), src, p)
			if !errors.Is(err, ErrNoCrop) {
				t.Fatalf("err = %v, want ErrNoCrop", err)
			}
			if out.Data != nil {
				t.Fatal("buffer returned on failure")
			}
		})
	}
}

func TestRenderRejectsForeignGeometry(t *testing.T) {
	src := noise(100, 50, 1)
	p := Params{
		Display: geom.Fit(geom.Size{W: 100, H: 100}, geom.Size{W: 50, H: 50}),
		Crop:    geom.Rect{W: 10, H: 10},
	}
	if _, err := New().Render(src, p); !errors.Is(err, ErrScaleMismatch) {
		t.Fatalf("err = %v, want ErrScaleMismatch", err)
	}
}

type failingImage struct{ image.Image }

func (failingImage) Bounds() image.Rectangle { return image.Rectangle{} }

func TestEncodeFailure(t *testing.T) {
	out, err := New(WithFormat(imaging.PNG)).Encode(context.Background(), failingImage{})
	if !errors.Is(err, ErrEncode) {
		t.Fatalf("err = %v, want ErrEncode", err)
	}
	if out.Data != nil {
		t.Fatal("partial buffer returned")
	}
}

func TestEncodeCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := New().Encode(ctx, noise(4, 4, 1)); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestPNGFormat(t *testing.T) {
	f, err := ParseFormat("png")
	if err != nil {
		t.Fatal(err)
	}
	out, err := New(WithFormat(f)).Encode(context.Background(), noise(4, 3, 1))
	if err != nil {
		t.Fatal(err)
	}
	if out.MIME != "image/png" || out.Width != 4 || out.Height != 3 {
		t.Fatalf("got %s %dx%d", out.MIME, out.Width, out.Height)
	}
	if _, err := ParseFormat("heic"); err == nil {
		t.Fatal("expected unsupported format error")
	}
}

func TestNonAxisAlignedRotation(t *testing.T) {
	src := fill(200, 200, color.NRGBA{80, 80, 80, 255})
	d := geom.Fit(geom.Size{W: 200, H: 200}, geom.Size{W: 200, H: 200})
	out, err := New().Render(src, Params{Display: d, Crop: d.Bounds(), Rotation: 45, Brightness: 1})
	if err != nil {
		t.Fatal(err)
	}
	if got := out.NRGBAAt(100, 100); got != (color.NRGBA{80, 80, 80, 255}) {
		t.Errorf("center %+v", got)
	}
	// The rotated square no longer covers the output corners.
	if got := out.NRGBAAt(1, 1); got != (color.NRGBA{0, 0, 0, 255}) {
		t.Errorf("corner %+v, want background", got)
	}
}
