package main

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/filesystem"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"magmaedit/internal/editor"
	"magmaedit/internal/render"
	"magmaedit/internal/source"
)

//go:embed static
var staticFS embed.FS
var isDebug = os.Getenv("DEBUG") == "1"

var (
	errInvalidRequest = errors.New("invalid request")
	errNoInput        = errors.New("either a file upload or a path is required")
	errUnsafePath     = errors.New("path escapes the root directory")
)

type Config struct {
	RootDir          string
	Options          editor.Options
	SessionTTL       time.Duration
	Renderer         *render.Renderer
	OnBeforeShutdown func()
	OnReady          func(addr string)
	OnSave           func(ctx context.Context, ops Operations) error
	OnExport         func(ctx context.Context, op EditOperation, out render.Output) error
}

type WebApp struct {
	config       Config
	sessions     *sessionStore
	shutdownCh   chan struct{}
	shutdownOnce sync.Once

	uploadOnce sync.Once
	uploadDir  string
	uploadErr  error
}

func NewWebApp(config Config) *WebApp {
	if config.Renderer == nil {
		config.Renderer = render.New()
	}
	return &WebApp{
		config:     config,
		sessions:   newSessionStore(),
		shutdownCh: make(chan struct{}),
	}
}

func (a *WebApp) Shutdown() {
	a.shutdownOnce.Do(func() {
		close(a.shutdownCh)
	})
}

// Close releases every open session and removes pending uploads.
func (a *WebApp) Close(ctx context.Context) {
	if n := a.sessions.closeAll(); n > 0 {
		log.Ctx(ctx).Info().Int("sessions", n).Msg("Discarded open sessions")
	}
	if a.uploadDir != "" {
		if err := os.RemoveAll(a.uploadDir); err != nil {
			log.Ctx(ctx).Error().Err(err).Msg("Failed to remove upload directory")
		}
	}
}

// sweepSessions closes sessions idle for longer than the configured TTL.
func (a *WebApp) sweepSessions(ctx context.Context, now time.Time) {
	for _, e := range a.sessions.sweep(now.Add(-a.config.SessionTTL)) {
		log.Ctx(ctx).Info().
			Str("session", e.ID).
			Str("filename", e.Filename).
			Dur("age", now.Sub(e.CreatedAt)).
			Msg("Expired idle session")
	}
}

func (a *WebApp) Run(ctx context.Context) error {
	webapp := a.routes(ctx)
	defer a.Close(ctx)

	if ttl := a.config.SessionTTL; ttl > 0 {
		go func() {
			ticker := time.NewTicker(max(ttl/4, time.Second))
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-a.shutdownCh:
					return
				case now := <-ticker.C:
					a.sweepSessions(ctx, now)
				}
			}
		}()
	}

	webapp.Hooks().OnListen(func(listen fiber.ListenData) error {
		if fn := a.config.OnReady; fn != nil {
			fn(fmt.Sprintf("http://%s:%s", listen.Host, listen.Port))
		}
		return nil
	})

	go func() {
		select {
		case <-ctx.Done():
		case <-a.shutdownCh:
		}
		if fn := a.config.OnBeforeShutdown; fn != nil {
			fn()
		}
		if err := webapp.ShutdownWithTimeout(5 * time.Second); err != nil {
			log.Ctx(ctx).Error().Err(err).Msg("Failed to shutdown web application")
		}
	}()

	// Let the OS assign a random available port
	listener, err := net.Listen("tcp", fmt.Sprintf("localhost:%d", 0))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	if err := webapp.Listener(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

func (a *WebApp) routes(ctx context.Context) *fiber.App {
	webapp := fiber.New(fiber.Config{
		Immutable:             true,
		DisableStartupMessage: true,
		BodyLimit:             64 << 20,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code, msg := errorStatus(err)
			event := log.Ctx(c.UserContext()).Warn()
			if code >= http.StatusInternalServerError {
				event = log.Ctx(c.UserContext()).Error()
			}
			event.Err(err).
				Int("status", code).
				Str("path", c.Path()).
				Str("method", c.Method()).
				Msg("Request failed")
			if code == http.StatusNotFound && c.Path() == "/favicon.ico" {
				return nil
			}
			return c.Status(code).JSON(fiber.Map{"error": msg})
		},
	})

	webapp.Use(func(c *fiber.Ctx) error {
		c.SetUserContext(log.Ctx(ctx).WithContext(c.UserContext()))
		return c.Next()
	})

	filesRoot := http.Dir(a.config.RootDir)
	webapp.Get("/api/view", func(c *fiber.Ctx) error {
		filePath := c.Query("file")
		return filesystem.SendFile(c, filesRoot, filePath)
	})

	webapp.Get("/api/ls", func(c *fiber.Ctx) error {
		dir, err := walkImages(c.UserContext(), a.config.RootDir)
		if err != nil {
			return fmt.Errorf("failed to walk dir: %w", err)
		}

		for i := range dir.Files {
			dir.Files[i].URL = "/api/view?file=" + url.QueryEscape(dir.Files[i].Name)
		}

		return c.JSON(dir)
	})

	webapp.Post("/api/save", func(c *fiber.Ctx) error {
		var request struct {
			Operations []Operation `json:"operations"`
		}

		if err := c.BodyParser(&request); err != nil {
			return fmt.Errorf("%w: %w", errInvalidRequest, err)
		}
		for _, op := range request.Operations {
			if err := op.Validate(); err != nil {
				return fmt.Errorf("%w: %w", errInvalidRequest, err)
			}
		}

		if fn := a.config.OnSave; fn != nil {
			if err := fn(ctx, request.Operations); err != nil {
				return err
			}
		}

		return c.SendStatus(http.StatusNoContent)
	})

	api := webapp.Group("/api/sessions")
	api.Post("/", a.createSession(ctx))
	api.Get("/:id", a.withSession(func(c *fiber.Ctx, e *sessionEntry) error {
		return c.JSON(sessionView(e))
	}))
	api.Delete("/:id", func(c *fiber.Ctx) error {
		if err := a.sessions.close(c.Params("id")); err != nil {
			return err
		}
		return c.SendStatus(http.StatusNoContent)
	})
	api.Put("/:id/viewport", a.withSession(func(c *fiber.Ctx, e *sessionEntry) error {
		var req viewportRequest
		if err := parseBody(c, &req); err != nil {
			return err
		}
		v, _ := req.viewport()
		if err := e.Session.SetViewport(v); err != nil {
			return err
		}
		return c.JSON(sessionView(e))
	}))
	api.Post("/:id/pointer", a.withSession(func(c *fiber.Ctx, e *sessionEntry) error {
		var req pointerRequest
		if err := parseBody(c, &req); err != nil {
			return err
		}
		if err := applyPointer(e.Session, req); err != nil {
			return err
		}
		return c.JSON(sessionView(e))
	}))
	api.Put("/:id/crop", a.withSession(func(c *fiber.Ctx, e *sessionEntry) error {
		var req cropRequest
		if err := parseBody(c, &req); err != nil {
			return err
		}
		if err := e.Session.PlaceCrop(req.rect()); err != nil {
			return err
		}
		return c.JSON(sessionView(e))
	}))
	api.Post("/:id/rotate", a.withSession(func(c *fiber.Ctx, e *sessionEntry) error {
		if _, err := e.Session.Rotate(); err != nil {
			return err
		}
		return c.JSON(sessionView(e))
	}))
	api.Put("/:id/brightness", a.withSession(func(c *fiber.Ctx, e *sessionEntry) error {
		var req struct {
			Value *float64 `json:"value" validate:"required"`
		}
		if err := parseBody(c, &req); err != nil {
			return err
		}
		if _, err := e.Session.SetBrightness(*req.Value); err != nil {
			return err
		}
		return c.JSON(sessionView(e))
	}))
	api.Post("/:id/export", a.withSession(func(c *fiber.Ctx, e *sessionEntry) error {
		var req struct {
			Anonymous bool `json:"anonymous"`
		}
		if len(c.Body()) > 0 {
			if err := parseBody(c, &req); err != nil {
				return err
			}
		}

		out, snap, err := e.Session.ExportSnapshot(c.UserContext())
		if err != nil {
			return err
		}
		op := recipeFromSession(e.Filename, e.Upload, snap, req.Anonymous)
		// the session survives a failed publish so the export can be retried
		if fn := a.config.OnExport; fn != nil {
			if err := fn(ctx, op, out); err != nil {
				return err
			}
		}
		_ = a.sessions.close(e.ID)

		c.Set(fiber.HeaderContentType, out.MIME)
		c.Set("X-Image-Width", strconv.Itoa(out.Width))
		c.Set("X-Image-Height", strconv.Itoa(out.Height))
		c.Set("X-Recipe-Id", op.ID())
		return c.Send(out.Data)
	}))

	webapp.Post("/api/shutdown", func(c *fiber.Ctx) error {
		a.Shutdown()
		return nil
	})

	if isDebug {
		log.Debug().Msg("Debug mode enabled, serving static files from './static' directory")
		webapp.Static("/", "static")
	} else {
		log.Debug().Msg("Serving static files from embedded filesystem")
		webapp.Use("/", filesystem.New(filesystem.Config{
			Root:       http.FS(staticFS),
			PathPrefix: "/static",
		}))
	}

	return webapp
}

type sessionResponse struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
	editor.Snapshot
}

func sessionView(e *sessionEntry) sessionResponse {
	return sessionResponse{ID: e.ID, Filename: e.Filename, Snapshot: e.Session.Snapshot()}
}

func (a *WebApp) withSession(fn func(c *fiber.Ctx, e *sessionEntry) error) fiber.Handler {
	return func(c *fiber.Ctx) error {
		e, err := a.sessions.get(c.Params("id"))
		if err != nil {
			return err
		}
		return fn(c, e)
	}
}

type createSessionRequest struct {
	Path string  `json:"path" form:"path"`
	X    float64 `json:"x" form:"x"`
	Y    float64 `json:"y" form:"y"`
	W    float64 `json:"w" form:"w" validate:"gte=0"`
	H    float64 `json:"h" form:"h" validate:"gte=0"`
}

func (a *WebApp) createSession(ctx context.Context) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var req createSessionRequest
		if err := parseBody(c, &req); err != nil {
			return err
		}
		file, upload, err := a.openInput(c, req.Path)
		if err != nil {
			return err
		}

		id := uuid.NewString()
		sctx := log.Ctx(ctx).With().Str("session", id).Logger().WithContext(ctx)
		s, err := editor.New(sctx, a.config.Options, a.config.Renderer)
		if err != nil {
			file.Discard()
			return err
		}
		vr := viewportRequest{X: req.X, Y: req.Y, W: req.W, H: req.H}
		if v, ok := vr.viewport(); ok {
			if err := s.SetViewport(v); err != nil {
				s.Close()
				file.Discard()
				return err
			}
		}
		if err := s.Load(c.UserContext(), file); err != nil {
			s.Close()
			return err
		}

		now := time.Now()
		e := &sessionEntry{ID: id, Filename: file.Name, Upload: upload, CreatedAt: now, LastSeen: now, Session: s}
		a.sessions.add(e)
		log.Ctx(sctx).Info().Str("filename", e.Filename).Msg("Session opened")
		return c.Status(http.StatusCreated).JSON(sessionView(e))
	}
}

// openInput returns the uploaded file if there is one, otherwise the file at
// path under the root directory, and reports whether it was uploaded. Uploads
// are spooled to a temporary file that is removed when the session releases
// the image.
func (a *WebApp) openInput(c *fiber.Ctx, path string) (source.File, bool, error) {
	if fh, err := c.FormFile("file"); err == nil {
		dir, err := a.uploads()
		if err != nil {
			return source.File{}, false, err
		}
		tmp := filepath.Join(dir, uuid.NewString()+filepath.Ext(fh.Filename))
		if err := c.SaveFile(fh, tmp); err != nil {
			return source.File{}, false, fmt.Errorf("failed to store upload: %w", err)
		}
		f, err := source.Open(tmp)
		if err != nil {
			_ = os.Remove(tmp)
			return source.File{}, false, err
		}
		f.Name = filepath.Base(fh.Filename)
		f.MIME = fh.Header.Get(fiber.HeaderContentType)
		f.Release = func() { _ = os.Remove(tmp) }
		return f, true, nil
	}

	if path == "" {
		return source.File{}, false, errNoInput
	}
	if !filepath.IsLocal(filepath.FromSlash(path)) {
		return source.File{}, false, fmt.Errorf("%w: %s", errUnsafePath, path)
	}
	f, err := source.Open(filepath.Join(a.config.RootDir, filepath.FromSlash(path)))
	if err != nil {
		return source.File{}, false, err
	}
	f.Name = path
	return f, false, nil
}

func (a *WebApp) uploads() (string, error) {
	a.uploadOnce.Do(func() {
		a.uploadDir, a.uploadErr = os.MkdirTemp("", "magmaedit-uploads-")
	})
	return a.uploadDir, a.uploadErr
}

func parseBody(c *fiber.Ctx, out any) error {
	if err := c.BodyParser(out); err != nil {
		return fmt.Errorf("%w: %w", errInvalidRequest, err)
	}
	if err := validate.Struct(out); err != nil {
		return fmt.Errorf("%w: %w", errInvalidRequest, err)
	}
	return nil
}

// errorStatus maps an error to the HTTP status and the message shown to the
// client.
func errorStatus(err error) (int, string) {
	var fiberErr *fiber.Error
	var validationErrs validator.ValidationErrors
	switch {
	case errors.As(err, &fiberErr):
		return fiberErr.Code, fiberErr.Message
	case errors.As(err, &validationErrs),
		errors.Is(err, errInvalidRequest),
		errors.Is(err, errNoInput),
		errors.Is(err, errUnsafePath),
		errors.Is(err, editor.ErrInvalidBox):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, errSessionNotFound),
		errors.Is(err, editor.ErrClosed),
		errors.Is(err, fs.ErrNotExist):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, editor.ErrNotLoaded),
		errors.Is(err, editor.ErrNotMeasured),
		errors.Is(err, render.ErrNoCrop):
		return http.StatusConflict, err.Error()
	case errors.Is(err, source.ErrNotImage):
		return http.StatusUnsupportedMediaType, err.Error()
	case errors.Is(err, source.ErrDecode):
		return http.StatusUnprocessableEntity, err.Error()
	}
	return http.StatusInternalServerError, "Internal Server Error"
}
