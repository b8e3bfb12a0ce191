package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"

	"magmaedit/internal/render"
)

// Publication is an encoded image together with the flags the editor passes
// through untouched.
type Publication struct {
	Name      string
	ID        string
	Output    render.Output
	Anonymous bool
	Recipe    Operation
}

type Publisher interface {
	Publish(ctx context.Context, p Publication) error
}

// DirPublisher writes each publication into Dir next to a JSON sidecar
// describing it.
type DirPublisher struct {
	Dir string
	Now func() time.Time
}

type sidecar struct {
	Source      string     `json:"source,omitempty"`
	MIME        string     `json:"mime"`
	Width       int        `json:"width,omitempty"`
	Height      int        `json:"height,omitempty"`
	Anonymous   bool       `json:"anonymous"`
	PublishedAt time.Time  `json:"published_at"`
	Recipe      *Operation `json:"recipe,omitempty"`
}

func (p DirPublisher) Publish(ctx context.Context, pub Publication) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(pub.Output.Data) == 0 {
		return fmt.Errorf("nothing to publish for %s", pub.Name)
	}
	if err := os.MkdirAll(p.Dir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory %s: %w", p.Dir, err)
	}

	name := p.fileName(pub)
	imagePath := filepath.Join(p.Dir, name)
	if err := os.WriteFile(imagePath, pub.Output.Data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	defer func() {
		if err != nil {
			err = multierr.Append(err, os.Remove(imagePath))
		}
	}()

	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	meta := sidecar{
		MIME:        pub.Output.MIME,
		Width:       pub.Output.Width,
		Height:      pub.Output.Height,
		Anonymous:   pub.Anonymous,
		PublishedAt: now().UTC(),
	}
	// anonymous publications carry no trace of the source file
	if !pub.Anonymous {
		meta.Source = pub.Name
		if pub.Recipe.Edit != nil || pub.Recipe.Pick != nil {
			meta.Recipe = &pub.Recipe
		}
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode metadata for %s: %w", name, err)
	}
	if err := os.WriteFile(imagePath+".json", data, 0644); err != nil {
		return fmt.Errorf("failed to write metadata for %s: %w", name, err)
	}

	log.Ctx(ctx).Info().
		Str("path", imagePath).
		Bool("anonymous", pub.Anonymous).
		Msg("published")
	return nil
}

// fileName is <base>-<id><ext>, or the original base name for publications
// without an ID. The extension follows the encoded content.
func (p DirPublisher) fileName(pub Publication) string {
	base := filepath.Base(pub.Name)
	if pub.ID == "" {
		return base
	}
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	if pub.Anonymous {
		stem = "anonymous"
	}
	ext := filepath.Ext(base)
	if m := mimetype.Lookup(pub.Output.MIME); m != nil && m.Extension() != "" {
		ext = m.Extension()
	}
	return fmt.Sprintf("%s-%s%s", stem, pub.ID, ext)
}
