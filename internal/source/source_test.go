package source

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
)

func encoded(t *testing.T, w, h int, format imaging.Format) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, imaging.New(w, h, color.NRGBA{10, 20, 30, 255}), format); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestDecode(t *testing.T) {
	for _, format := range []imaging.Format{imaging.PNG, imaging.JPEG, imaging.GIF} {
		t.Run(format.String(), func(t *testing.T) {
			img, err := Decode(context.Background(), File{Name: "x", Data: encoded(t, 30, 20, format)})
			if err != nil {
				t.Fatal(err)
			}
			if img.Natural.W != 30 || img.Natural.H != 20 {
				t.Fatalf("natural size %v", img.Natural)
			}
			if img.Bitmap.Bounds() != image.Rect(0, 0, 30, 20) {
				t.Fatalf("bounds %v", img.Bitmap.Bounds())
			}
		})
	}
}

func TestDecodeFailures(t *testing.T) {
	png := encoded(t, 8, 8, imaging.PNG)
	cases := []struct {
		name string
		file File
		want error
	}{
		{"text", File{Name: "notes.txt", Data: []byte("hello, world")}, ErrNotImage},
		{"declared non-image", File{Name: "a", MIME: "application/pdf", Data: png}, ErrNotImage},
		{"truncated", File{Name: "b.png", Data: png[:40]}, ErrDecode},
		{"empty", File{Name: "c"}, ErrNotImage},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			released := 0
			tc.file.Release = func() { released++ }
			img, err := Decode(context.Background(), tc.file)
			if !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
			if img != nil {
				t.Fatal("image returned on failure")
			}
			if released != 1 {
				t.Fatalf("release called %d times", released)
			}
		})
	}
}

func TestDecodeCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Decode(ctx, File{Data: encoded(t, 2, 2, imaging.PNG)}); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
}

func TestDetectMIME(t *testing.T) {
	png := encoded(t, 2, 2, imaging.PNG)
	if got := DetectMIME(File{Data: png}); got != "image/png" {
		t.Errorf("sniffed %q", got)
	}
	if got := DetectMIME(File{MIME: "application/octet-stream", Data: png}); got != "image/png" {
		t.Errorf("generic type not sniffed: %q", got)
	}
	if got := DetectMIME(File{MIME: "Image/JPEG", Data: png}); got != "image/jpeg" {
		t.Errorf("declared type not kept: %q", got)
	}
}

func TestCloseReleasesOnce(t *testing.T) {
	released := 0
	img, err := Decode(context.Background(), File{Data: encoded(t, 4, 4, imaging.PNG), Release: func() { released++ }})
	if err != nil {
		t.Fatal(err)
	}
	if released != 0 {
		t.Fatal("released before Close")
	}
	img.Close()
	img.Close()
	if released != 1 || img.Bitmap != nil {
		t.Fatalf("released %d times, bitmap %v", released, img.Bitmap)
	}
}

func TestOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.png")
	if err := os.WriteFile(path, encoded(t, 3, 5, imaging.PNG), 0o644); err != nil {
		t.Fatal(err)
	}
	f, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	img, err := Decode(context.Background(), f)
	if err != nil {
		t.Fatal(err)
	}
	if img.Natural.W != 3 || img.Natural.H != 5 {
		t.Fatalf("natural size %v", img.Natural)
	}
	if _, err := Open(filepath.Join(t.TempDir(), "missing.png")); err == nil {
		t.Fatal("expected error for a missing file")
	}
}
