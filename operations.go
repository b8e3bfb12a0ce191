package main

import (
	"context"
	"crypto/md5"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/pool"
	"golang.org/x/mobile/event/mouse"

	"magmaedit/internal/editor"
	"magmaedit/internal/geom"
	"magmaedit/internal/render"
	"magmaedit/internal/source"
	"magmaedit/internal/transform"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

var (
	ErrUnreachableRotation = errors.New("rotation cannot be reached with the configured step")
	ErrUploadedSource      = errors.New("recipe was made from an uploaded file")
)

type Operations = []Operation

type Operation struct {
	Edit *EditOperation
	Pick *PickOperation
}

func (o *Operation) UnmarshalJSON(data []byte) error {
	var op struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &op); err != nil {
		return fmt.Errorf("failed to unmarshal operation: %w", err)
	}

	switch op.Type {
	case "edit":
		var edit EditOperation
		if err := json.Unmarshal(data, &edit); err != nil {
			return fmt.Errorf("failed to unmarshal edit operation: %w", err)
		}
		o.Edit = &edit
	case "pick":
		var pick PickOperation
		if err := json.Unmarshal(data, &pick); err != nil {
			return fmt.Errorf("failed to unmarshal pick operation: %w", err)
		}
		o.Pick = &pick
	default:
		return fmt.Errorf("unknown operation %q", op.Type)
	}
	return nil
}

func (o Operation) MarshalJSON() ([]byte, error) {
	switch {
	case o.Edit != nil:
		return json.Marshal(struct {
			Type string `json:"type"`
			*EditOperation
		}{"edit", o.Edit})
	case o.Pick != nil:
		return json.Marshal(struct {
			Type string `json:"type"`
			*PickOperation
		}{"pick", o.Pick})
	}
	return nil, errors.New("empty operation")
}

func (o Operation) Validate() error {
	switch {
	case o.Edit != nil:
		return validate.Struct(o.Edit)
	case o.Pick != nil:
		return validate.Struct(o.Pick)
	}
	return errors.New("empty operation")
}

func (o Operation) Filename() string {
	if o.Edit != nil {
		return o.Edit.Filename
	}
	if o.Pick != nil {
		return o.Pick.Filename
	}
	return ""
}

// Drag is one handle drag replayed through the session: the pointer is
// pressed on the handle and released at To.
type Drag struct {
	Handle transform.Handle `json:"handle" validate:"required"`
	To     geom.Point       `json:"to"`
}

// EditOperation is the recipe of one export. Crop and drag targets are in
// container coordinates of Viewport, the same frame the session works in.
// Without a viewport the image is shown at natural size, so coordinates are
// pixels. Upload marks recipes whose source was uploaded rather than read
// from the root directory; those cannot be replayed.
type EditOperation struct {
	Filename   string             `json:"filename" validate:"required"`
	Viewport   geom.Viewport      `json:"viewport"`
	Rotation   transform.Rotation `json:"rotation" validate:"gte=0,lt=360"`
	Brightness float64            `json:"brightness" validate:"gte=0"`
	Crop       *geom.Rect         `json:"crop,omitempty"`
	Drags      []Drag             `json:"drags,omitempty" validate:"dive"`
	Upload     bool               `json:"upload,omitempty"`
	Anonymous  bool               `json:"anonymous"`
}

func (op EditOperation) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "edit(%s,%v,rot=%d,bri=%.3f", op.Filename, op.Viewport, op.Rotation, op.Brightness)
	if op.Crop != nil {
		fmt.Fprintf(&b, ",%v", *op.Crop)
	}
	for _, d := range op.Drags {
		fmt.Fprintf(&b, ",%v->(%g,%g)", d.Handle, d.To.X, d.To.Y)
	}
	b.WriteString(")")
	return b.String()
}

// ID identifies the rendered result; equal recipes produce equal IDs. The
// anonymous flag does not change the pixels and is left out.
func (op EditOperation) ID() string {
	op.Anonymous = false
	data, err := json.Marshal(op)
	if err != nil {
		data = []byte(op.String())
	}
	return fmt.Sprintf("%x", md5.Sum(data))
}

type PickOperation struct {
	Filename string `json:"filename" validate:"required"`
}

// recipeFromSession captures the session state as a replayable edit.
func recipeFromSession(filename string, upload bool, snap editor.Snapshot, anonymous bool) EditOperation {
	crop := snap.State.Crop
	return EditOperation{
		Filename:   filename,
		Upload:     upload,
		Viewport:   snap.Viewport,
		Rotation:   snap.State.Rotation,
		Brightness: snap.State.Brightness,
		Crop:       &crop,
		Anonymous:  anonymous,
	}
}

// readOperations decodes a stream of JSON values, one recipe each.
func readOperations(r io.Reader) (Operations, error) {
	var ops Operations
	dec := json.NewDecoder(r)
	for line := 1; ; line++ {
		var op Operation
		if err := dec.Decode(&op); err != nil {
			if errors.Is(err, io.EOF) {
				return ops, nil
			}
			return nil, fmt.Errorf("recipe %d: %w", line, err)
		}
		if err := op.Validate(); err != nil {
			return nil, fmt.Errorf("recipe %d: %w", line, err)
		}
		ops = append(ops, op)
	}
}

type OperationExecutor struct {
	BaseDir   string
	Options   editor.Options
	Renderer  *render.Renderer
	Publisher Publisher
	Workers   int
}

func (r OperationExecutor) Exec(ctx context.Context, ops []Operation) error {
	if len(ops) == 0 {
		log.Ctx(ctx).Warn().Msg("no operations to execute")
		return nil
	}

	workers := r.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	pooler := pool.New().WithErrors().WithContext(ctx).WithMaxGoroutines(workers)

	for _, op := range ops {
		pooler.Go(func(ctx context.Context) error {
			if err := r.executeOperation(ctx, op); err != nil {
				log.Ctx(ctx).Error().Err(err).
					Str("filename", op.Filename()).
					Msg("failed to execute operation")
				return err
			}
			return nil
		})
	}

	if err := pooler.Wait(); err != nil {
		log.Ctx(ctx).Error().
			Err(err).
			Msg("finished with errors")
		return err
	}

	return nil
}

func (r OperationExecutor) executeOperation(ctx context.Context, op Operation) error {
	if op.Edit != nil {
		return r.executeEdit(ctx, *op.Edit)
	} else if op.Pick != nil {
		return r.executePick(ctx, *op.Pick)
	}
	return nil
}

func (r OperationExecutor) executeEdit(ctx context.Context, op EditOperation) error {
	log.Ctx(ctx).Info().Str("filename", op.Filename).Msg("editing")
	out, err := r.Replay(ctx, op)
	if err != nil {
		return err
	}
	return r.Publisher.Publish(ctx, Publication{
		Name:      op.Filename,
		ID:        op.ID(),
		Output:    out,
		Anonymous: op.Anonymous,
		Recipe:    Operation{Edit: &op},
	})
}

// Replay runs op through a fresh session and returns the export.
func (r OperationExecutor) Replay(ctx context.Context, op EditOperation) (render.Output, error) {
	if op.Upload {
		return render.Output{}, fmt.Errorf("%w: %s", ErrUploadedSource, op.Filename)
	}
	f, err := source.Open(filepath.Join(r.BaseDir, op.Filename))
	if err != nil {
		return render.Output{}, err
	}
	s, err := editor.New(ctx, r.Options, r.Renderer)
	if err != nil {
		return render.Output{}, err
	}
	defer s.Close()

	if err := s.Load(ctx, f); err != nil {
		return render.Output{}, err
	}
	viewport := op.Viewport
	if viewport.Size.Empty() {
		viewport.Size = s.Snapshot().Natural
	}
	if err := s.SetViewport(viewport); err != nil {
		return render.Output{}, err
	}
	if err := rotateTo(s, op.Rotation, r.Options.RotationStep); err != nil {
		return render.Output{}, fmt.Errorf("%s: %w", op.Filename, err)
	}
	if op.Brightness > 0 {
		if _, err := s.SetBrightness(op.Brightness); err != nil {
			return render.Output{}, err
		}
	}
	if op.Crop != nil {
		if err := s.PlaceCrop(*op.Crop); err != nil {
			return render.Output{}, err
		}
	}
	for _, d := range op.Drags {
		from := d.Handle.Anchor(s.Snapshot().State.Crop).Add(op.Viewport.Origin)
		if err := s.BeginDrag(d.Handle, from); err != nil {
			return render.Output{}, err
		}
		to := d.To.Add(op.Viewport.Origin)
		release := mouse.Event{X: float32(to.X), Y: float32(to.Y), Button: mouse.ButtonLeft, Direction: mouse.DirRelease}
		if err := s.Pointer(release); err != nil {
			return render.Output{}, err
		}
	}
	return s.Export(ctx)
}

func rotateTo(s *editor.Session, target transform.Rotation, step int) error {
	target = transform.Normalize(int(target))
	if target == 0 {
		return nil
	}
	for i := 0; i < 360/step; i++ {
		rot, err := s.Rotate()
		if err != nil {
			return err
		}
		if rot == target {
			return nil
		}
	}
	return fmt.Errorf("%w: %d with step %d", ErrUnreachableRotation, target, step)
}

func (r OperationExecutor) executePick(ctx context.Context, op PickOperation) error {
	log.Ctx(ctx).Info().Str("filename", op.Filename).Msg("picking")
	f, err := source.Open(filepath.Join(r.BaseDir, op.Filename))
	if err != nil {
		return fmt.Errorf("failed to pick file %s: %w", op.Filename, err)
	}
	return r.Publisher.Publish(ctx, Publication{
		Name:   op.Filename,
		Output: render.Output{Data: f.Data, MIME: mimetype.Detect(f.Data).String()},
		Recipe: Operation{Pick: &op},
	})
}
