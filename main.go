package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"magmaedit/internal/editor"
	"magmaedit/internal/render"
	"magmaedit/internal/transform"
)

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Send()
	}
}

func run() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load .env: %w", err)
	}

	var args cliArgs
	cliCtx := kong.Parse(
		&args,
		kong.Name("magmaedit"),
		kong.Description("Rotate, brighten and crop images in the browser, then export them at full resolution."),
		kong.UsageOnError(),
		kong.Configuration(kong.JSON, "~/.config/magmaedit/config.json"),
	)
	if err := cliCtx.Run(); err != nil {
		return err
	}

	return nil
}

type cliArgs struct {
	Serve serveCmd `cmd:"" default:"withargs" help:"Start the editor in the browser"`
	Apply applyCmd `cmd:"" help:"Replay recipes and publish the results"`
}

type editorFlags struct {
	MinCrop       float64 `help:"Smallest crop width and height in display pixels" default:"20" env:"MAGMAEDIT_MIN_CROP"`
	InitialCrop   float64 `help:"Initial crop as a fraction of the displayed image" default:"0.8"`
	HandleSize    float64 `help:"Side of the square hit area around each crop handle" default:"12"`
	RotationStep  int     `help:"Degrees added by each rotation" default:"90" env:"MAGMAEDIT_ROTATION_STEP"`
	BrightnessMin float64 `help:"Lowest brightness factor" default:"0.5"`
	BrightnessMax float64 `help:"Highest brightness factor" default:"1.5"`
	Format        string  `help:"Export format" default:"jpeg" enum:"jpeg,jpg,png" env:"MAGMAEDIT_FORMAT"`
	Quality       int     `help:"JPEG quality (1-100)" default:"90"`
}

func (f editorFlags) options() (editor.Options, error) {
	opts := editor.Options{
		MinCrop:      f.MinCrop,
		InitialCrop:  f.InitialCrop,
		HandleSize:   f.HandleSize,
		RotationStep: f.RotationStep,
		Brightness:   transform.BrightnessRange{Min: f.BrightnessMin, Max: f.BrightnessMax},
	}
	if err := opts.Validate(); err != nil {
		return editor.Options{}, err
	}
	return opts, nil
}

func (f editorFlags) renderer() (*render.Renderer, error) {
	format, err := render.ParseFormat(f.Format)
	if err != nil {
		return nil, err
	}
	return render.New(render.WithFormat(format), render.WithQuality(f.Quality)), nil
}

func setupLogging(ctx context.Context, verbose bool) context.Context {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	log.Logger = log.Output(zerolog.NewConsoleWriter()).Level(level)
	zerolog.DefaultContextLogger = &log.Logger

	return log.Logger.WithContext(ctx)
}

type serveCmd struct {
	RootDir    string        `arg:"" help:"Root directory to serve images from" type:"existingdir"`
	Open       bool          `help:"Open the browser automatically when the server starts" default:"true"`
	JSON       bool          `help:"Print the recipe of each export as JSON instead of publishing"`
	Once       bool          `help:"Exit after the first export or save" default:"true"`
	Verbose    bool          `help:"Enable verbose logging" default:"false"`
	OutputDir  string        `help:"Directory exports are published to (default: <root>/output)" env:"MAGMAEDIT_OUTPUT_DIR"`
	SessionTTL time.Duration `help:"Close editing sessions idle for this long (0 keeps them until shutdown)" default:"30m"`
	Editor     editorFlags   `embed:""`
}

func (cmd *serveCmd) Run() error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	ctx = setupLogging(ctx, cmd.Verbose)

	opts, err := cmd.Editor.options()
	if err != nil {
		return err
	}
	renderer, err := cmd.Editor.renderer()
	if err != nil {
		return err
	}

	publisher := DirPublisher{Dir: outputDir(cmd.RootDir, cmd.OutputDir)}
	executor := &OperationExecutor{
		BaseDir:   cmd.RootDir,
		Options:   opts,
		Renderer:  renderer,
		Publisher: publisher,
	}

	app := NewWebApp(Config{
		RootDir:    cmd.RootDir,
		Options:    opts,
		Renderer:   renderer,
		SessionTTL: cmd.SessionTTL,
		OnBeforeShutdown: func() {
			log.Ctx(ctx).Info().Msg("Shutting down web application...")
		},
		OnReady: func(addr string) {
			log.Ctx(ctx).Info().Msgf("Server started at %s", addr)
			if cmd.Open {
				if err := openBrowser(addr); err != nil {
					log.Error().Err(err).Msg("Failed to open browser")
				}
			}
		},
		OnSave: func(ctx context.Context, ops Operations) error {
			if cmd.Once {
				defer cancel()
			}
			if cmd.JSON {
				printJSONL(ops)
				return nil
			}
			return executor.Exec(ctx, ops)
		},
		OnExport: func(ctx context.Context, op EditOperation, out render.Output) error {
			if cmd.JSON {
				printJSONL([]Operation{{Edit: &op}})
			} else {
				err := publisher.Publish(ctx, Publication{
					Name:      op.Filename,
					ID:        op.ID(),
					Output:    out,
					Anonymous: op.Anonymous,
					Recipe:    Operation{Edit: &op},
				})
				if err != nil {
					return err
				}
			}
			if cmd.Once {
				cancel()
			}
			return nil
		},
	})

	if err := app.Run(ctx); err != nil {
		return err
	}

	return nil
}

type applyCmd struct {
	RootDir   string      `arg:"" help:"Directory the recipe filenames are relative to" type:"existingdir"`
	Recipes   string      `arg:"" optional:"" help:"JSON lines file with recipes, - or empty for stdin"`
	OutputDir string      `help:"Directory results are published to (default: <root>/output)" env:"MAGMAEDIT_OUTPUT_DIR"`
	Workers   int         `help:"Recipes rendered in parallel (0: one per CPU)" default:"0"`
	Verbose   bool        `help:"Enable verbose logging" default:"false"`
	Editor    editorFlags `embed:""`
}

func (cmd *applyCmd) Run() error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	ctx = setupLogging(ctx, cmd.Verbose)

	opts, err := cmd.Editor.options()
	if err != nil {
		return err
	}
	renderer, err := cmd.Editor.renderer()
	if err != nil {
		return err
	}

	var r io.Reader = os.Stdin
	if cmd.Recipes != "" && cmd.Recipes != "-" {
		f, err := os.Open(cmd.Recipes)
		if err != nil {
			return fmt.Errorf("failed to open recipes: %w", err)
		}
		defer f.Close()
		r = f
	}
	ops, err := readOperations(r)
	if err != nil {
		return err
	}

	executor := OperationExecutor{
		BaseDir:   cmd.RootDir,
		Options:   opts,
		Renderer:  renderer,
		Publisher: DirPublisher{Dir: outputDir(cmd.RootDir, cmd.OutputDir)},
		Workers:   cmd.Workers,
	}
	return executor.Exec(ctx, ops)
}

func outputDir(root, dir string) string {
	if dir != "" {
		return dir
	}
	return filepath.Join(root, "output")
}

func printJSONL[T any](data []T) {
	enc := json.NewEncoder(os.Stdout)
	for _, item := range data {
		if err := enc.Encode(item); err != nil {
			log.Error().Err(err).Msg("Failed to encode item to JSON")
			continue
		}
	}
}
