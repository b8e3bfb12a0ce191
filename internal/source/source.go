// Package source decodes the file handed to the editor into the immutable
// bitmap every geometry computation is based on.
package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"strings"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/gabriel-vasile/mimetype"
	_ "golang.org/x/image/webp"

	"magmaedit/internal/geom"
)

var (
	ErrNotImage = errors.New("file is not an image")
	ErrDecode   = errors.New("failed to decode image")
)

// File is the raw input: bytes plus the MIME type reported by whoever
// produced it. Release, if set, frees whatever backs the file (a temporary
// upload, for instance) and is called once when the image is released.
type File struct {
	Name    string
	MIME    string
	Data    []byte
	Release func()
}

// Discard runs the release hook, if any, for a file that will not be decoded.
func (f File) Discard() {
	if f.Release != nil {
		f.Release()
	}
}

// Open reads a file from disk.
func Open(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return File{Name: path, Data: data}, nil
}

// Image is a decoded source. The bitmap is oriented the way a browser shows
// the file, EXIF orientation applied.
type Image struct {
	Name    string
	MIME    string
	Bitmap  image.Image
	Natural geom.Size

	releaseOnce sync.Once
	release     func()
}

// DetectMIME returns the declared MIME type unless it is missing or generic,
// in which case the content is sniffed.
func DetectMIME(f File) string {
	declared := strings.TrimSpace(strings.ToLower(f.MIME))
	if declared != "" && declared != "application/octet-stream" {
		return declared
	}
	return mimetype.Detect(f.Data).String()
}

// Decode turns f into an Image. On failure f's release hook is run, since no
// Image will ever own it.
func Decode(ctx context.Context, f File) (*Image, error) {
	img, err := decode(ctx, f)
	if err != nil {
		f.Discard()
	}
	return img, err
}

func decode(ctx context.Context, f File) (*Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	mime := DetectMIME(f)
	if !strings.HasPrefix(mime, "image/") {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotImage, f.Name, mime)
	}

	bitmap, err := imaging.Decode(bytes.NewReader(f.Data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrDecode, f.Name, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b := bitmap.Bounds()
	if b.Empty() {
		return nil, fmt.Errorf("%w: %s has no pixels", ErrDecode, f.Name)
	}
	return &Image{
		Name:    f.Name,
		MIME:    mime,
		Bitmap:  bitmap,
		Natural: geom.Size{W: float64(b.Dx()), H: float64(b.Dy())},
		release: f.Release,
	}, nil
}

// Close drops the bitmap and runs the file's release hook. It is safe to call
// more than once.
func (img *Image) Close() {
	img.releaseOnce.Do(func() {
		img.Bitmap = nil
		if img.release != nil {
			img.release()
		}
	})
}
