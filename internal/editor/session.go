// Package editor sequences one editing session: load, measure, pointer
// routing, rotate, brightness, export and release.
package editor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/mobile/event/mouse"

	"magmaedit/internal/crop"
	"magmaedit/internal/geom"
	"magmaedit/internal/render"
	"magmaedit/internal/source"
	"magmaedit/internal/transform"
)

var (
	ErrNotLoaded      = errors.New("no image loaded")
	ErrNotMeasured    = errors.New("viewport has not been measured")
	ErrClosed         = errors.New("session is closed")
	ErrInvalidOptions = errors.New("invalid editor options")
	ErrInvalidBox     = errors.New("viewport must have a positive size")
)

// Options configures the editing behavior. The zero value is not usable; start
// from DefaultOptions.
type Options struct {
	MinCrop      float64
	InitialCrop  float64
	HandleSize   float64
	RotationStep int
	Brightness   transform.BrightnessRange
}

func DefaultOptions() Options {
	return Options{
		MinCrop:      crop.DefaultMinSize,
		InitialCrop:  0.8,
		HandleSize:   crop.DefaultHandleSize,
		RotationStep: 90,
		Brightness:   transform.DefaultBrightnessRange,
	}
}

func (o Options) Validate() error {
	if err := transform.ValidateStep(o.RotationStep); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidOptions, err)
	}
	switch {
	case o.MinCrop <= 0:
		return fmt.Errorf("%w: minimum crop %v", ErrInvalidOptions, o.MinCrop)
	case o.InitialCrop <= 0 || o.InitialCrop > 1:
		return fmt.Errorf("%w: initial crop fraction %v", ErrInvalidOptions, o.InitialCrop)
	case o.Brightness.Min <= 0 || o.Brightness.Min > 1 || o.Brightness.Max < 1:
		return fmt.Errorf("%w: brightness range [%v, %v] must contain 1", ErrInvalidOptions, o.Brightness.Min, o.Brightness.Max)
	}
	return nil
}

// Snapshot is a read-only view of the session for the preview. ImageCrop is
// the crop relative to the image's own top-left corner.
type Snapshot struct {
	Name      string          `json:"name,omitempty"`
	Loaded    bool            `json:"loaded"`
	Natural   geom.Size       `json:"natural"`
	Viewport  geom.Viewport   `json:"viewport"`
	Display   geom.Display    `json:"display"`
	State     transform.State `json:"state"`
	ImageCrop geom.Rect       `json:"imageCrop"`
	Scale     float64         `json:"scale"`
}

// Session is one editor instance. All methods are safe for concurrent use;
// mutations are applied one at a time in call order.
type Session struct {
	mu       sync.Mutex
	opts     Options
	renderer *render.Renderer
	logger   zerolog.Logger

	src      *source.Image
	viewport *geom.Viewport
	ctrl     *crop.Controller
	state    transform.State
	captured bool
	closed   bool
}

// New creates an empty session. The logger is taken from ctx.
func New(ctx context.Context, opts Options, renderer *render.Renderer) (*Session, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if renderer == nil {
		renderer = render.New()
	}
	return &Session{
		opts:     opts,
		renderer: renderer,
		logger:   *log.Ctx(ctx),
		state:    transform.New(),
	}, nil
}

// Load decodes f and, if the viewport is already known, measures it. A
// previously loaded image is released first. On decode failure the session
// is left without an image.
func (s *Session) Load(ctx context.Context, f source.File) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		f.Discard()
		return ErrClosed
	}
	s.releaseLocked()

	img, err := source.Decode(ctx, f)
	if err != nil {
		s.logger.Warn().Err(err).Str("file", f.Name).Msg("cannot load image")
		return err
	}
	s.src = img
	s.state = transform.New()
	s.logger.Debug().
		Str("file", img.Name).
		Str("mime", img.MIME).
		Stringer("natural", img.Natural).
		Msg("image loaded")

	if s.viewport != nil {
		s.measureLocked(*s.viewport)
	}
	return nil
}

// SetViewport records the container box. A new size re-derives the display
// geometry and resets the crop; a new origin alone keeps the crop.
func (s *Session) SetViewport(v geom.Viewport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if v.Size.Empty() {
		return fmt.Errorf("%w: %v", ErrInvalidBox, v.Size)
	}
	prev := s.viewport
	s.viewport = &v
	if s.src == nil {
		return nil
	}
	if prev != nil && prev.Size == v.Size && s.ctrl != nil {
		s.ctrl = s.newController(s.ctrl.Display(), v.Origin, s.ctrl.Rect())
		s.captured = false
		return nil
	}
	s.measureLocked(v)
	return nil
}

func (s *Session) measureLocked(v geom.Viewport) {
	d := geom.Fit(s.src.Natural, v.Size)
	s.ctrl = s.newController(d, v.Origin, d.InitialCrop(s.opts.InitialCrop, s.opts.MinCrop))
	s.captured = false
	s.logger.Debug().
		Stringer("viewport", v.Size).
		Stringer("crop", s.ctrl.Rect()).
		Msg("viewport measured")
}

func (s *Session) newController(d geom.Display, origin geom.Point, r geom.Rect) *crop.Controller {
	return crop.New(d, origin, r,
		crop.WithMinSize(s.opts.MinCrop),
		crop.WithHandleSize(s.opts.HandleSize),
	)
}

// Rotate advances the rotation by one step.
func (s *Session) Rotate() (transform.Rotation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usableLocked(false); err != nil {
		return 0, err
	}
	s.state.Rotation = s.state.Rotation.Next(s.opts.RotationStep)
	return s.state.Rotation, nil
}

// SetBrightness stores v clamped to the configured range and returns the
// stored value.
func (s *Session) SetBrightness(v float64) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usableLocked(false); err != nil {
		return 0, err
	}
	s.state.Brightness = s.opts.Brightness.Clamp(v)
	return s.state.Brightness, nil
}

// BeginDrag opens a drag on h and captures the pointer: every following
// pointer event goes to this drag until release or cancel.
func (s *Session) BeginDrag(h transform.Handle, p geom.Point) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usableLocked(true); err != nil {
		return err
	}
	if h == transform.HandleNone {
		return nil
	}
	if s.ctrl.Dragging() {
		s.logger.Warn().
			Stringer("open", s.ctrl.Active()).
			Stringer("new", h).
			Msg("discarding open drag")
	}
	s.ctrl.BeginDrag(h, p)
	s.captured = true
	return nil
}

// Pointer routes a pointer event. While captured, moves and the release go to
// the open drag wherever they happen; otherwise a left press hit-tests the
// handles and everything else is ignored.
func (s *Session) Pointer(ev mouse.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usableLocked(true); err != nil {
		return err
	}
	p := geom.Point{X: float64(ev.X), Y: float64(ev.Y)}

	if s.captured {
		switch ev.Direction {
		case mouse.DirNone:
			s.ctrl.UpdateDrag(p)
		case mouse.DirRelease:
			s.ctrl.UpdateDrag(p)
			s.ctrl.EndDrag()
			s.captured = false
		}
		return nil
	}

	if ev.Direction == mouse.DirPress && ev.Button == mouse.ButtonLeft {
		if h := s.ctrl.HandleAt(p); h != transform.HandleNone {
			s.ctrl.BeginDrag(h, p)
			s.captured = true
		}
	}
	return nil
}

// CancelPointer ends any drag without further updates.
func (s *Session) CancelPointer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctrl != nil {
		s.ctrl.Cancel()
	}
	s.captured = false
}

// PlaceCrop replaces the crop rectangle (container coordinates); it is
// clamped like any drag.
func (s *Session) PlaceCrop(r geom.Rect) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usableLocked(true); err != nil {
		return err
	}
	s.ctrl.Place(r)
	return nil
}

// Snapshot returns the current state for rendering the preview.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	snap := Snapshot{State: s.stateLocked()}
	if s.viewport != nil {
		snap.Viewport = *s.viewport
	}
	if s.src != nil {
		snap.Name = s.src.Name
		snap.Loaded = true
		snap.Natural = s.src.Natural
	}
	if s.ctrl != nil {
		snap.Display = s.ctrl.Display()
		snap.ImageCrop = snap.Display.Relative(snap.State.Crop)
		snap.Scale, _ = snap.Display.Scale(snap.Natural)
	}
	return snap
}

func (s *Session) stateLocked() transform.State {
	st := s.state
	if s.ctrl != nil {
		st.Crop = s.ctrl.Rect()
		st.Active = s.ctrl.Active()
	}
	return st
}

// Params returns the export parameters for the current state.
func (s *Session) Params() (render.Params, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usableLocked(true); err != nil {
		return render.Params{}, err
	}
	return s.paramsLocked(), nil
}

func (s *Session) paramsLocked() render.Params {
	st := s.stateLocked()
	return render.Params{
		Display:    s.ctrl.Display(),
		Crop:       st.Crop,
		Rotation:   st.Rotation,
		Brightness: st.Brightness,
	}
}

// Export renders the current state at source resolution. It fails with a
// precondition error until an image is loaded and measured.
func (s *Session) Export(ctx context.Context) (render.Output, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exportLocked(ctx)
}

// ExportSnapshot is Export plus the snapshot of the state that was rendered,
// taken without letting another call in between.
func (s *Session) ExportSnapshot(ctx context.Context) (render.Output, Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out, err := s.exportLocked(ctx)
	if err != nil {
		return render.Output{}, Snapshot{}, err
	}
	return out, s.snapshotLocked(), nil
}

func (s *Session) exportLocked(ctx context.Context) (render.Output, error) {
	if err := s.usableLocked(true); err != nil {
		return render.Output{}, err
	}
	p := s.paramsLocked()
	out, err := s.renderer.Export(ctx, s.src.Bitmap, p)
	if err != nil {
		s.logger.Error().Err(err).Stringer("crop", p.Crop).Msg("export failed")
		return render.Output{}, err
	}
	s.logger.Info().
		Str("file", s.src.Name).
		Int("width", out.Width).
		Int("height", out.Height).
		Int("rotation", int(p.Rotation)).
		Float64("brightness", p.Brightness).
		Msg("exported")
	return out, nil
}

// Close tears the session down: any drag is dropped and the source image and
// its backing file are released. It is safe to call at any point, any number
// of times.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.releaseLocked()
	s.closed = true
}

func (s *Session) releaseLocked() {
	if s.ctrl != nil {
		s.ctrl.Cancel()
	}
	s.ctrl = nil
	s.captured = false
	if s.src != nil {
		s.src.Close()
		s.src = nil
	}
}

func (s *Session) usableLocked(needGeometry bool) error {
	switch {
	case s.closed:
		return ErrClosed
	case s.src == nil:
		return ErrNotLoaded
	case needGeometry && s.ctrl == nil:
		return ErrNotMeasured
	}
	return nil
}
