package main

import (
	"context"
	"fmt"
	"image"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// editableExtensions are the inputs the decoders registered by the source
// package understand.
var editableExtensions = []string{".jpg", ".jpeg", ".png", ".gif", ".webp"}

type ImageInfo struct {
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Format string `json:"format"`
}

type FileInfo struct {
	Name       string    `json:"name"`
	SizeBytes  int64     `json:"size_bytes"`
	ModifiedAt time.Time `json:"modified_at"`
	URL        string    `json:"url"`
	Image      ImageInfo `json:"image"`
}

type Directory struct {
	Name  string     `json:"name"`
	Files []FileInfo `json:"files"`
}

func walkImages(ctx context.Context, rootPath string) (Directory, error) {
	var files []FileInfo

	if err := filepath.WalkDir(rootPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != rootPath && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !slices.Contains(editableExtensions, strings.ToLower(filepath.Ext(path))) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("failed to get file info: %w", err)
		}
		relPath, err := filepath.Rel(rootPath, path)
		if err != nil {
			return fmt.Errorf("failed to get relative path: %w", err)
		}
		files = append(files, FileInfo{
			Name:       filepath.ToSlash(relPath),
			SizeBytes:  info.Size(),
			ModifiedAt: info.ModTime(),
		})
		return nil
	}); err != nil {
		return Directory{}, err
	}

	for i := range files {
		img, err := readImageInfo(filepath.Join(rootPath, filepath.FromSlash(files[i].Name)))
		if err != nil {
			log.Ctx(ctx).Error().Err(err).Str("filename", files[i].Name).Msg("cannot read image dimensions")
			continue
		}
		files[i].Image = img
	}

	return Directory{
		Name:  filepath.Base(rootPath),
		Files: files,
	}, nil
}

// readImageInfo reads only the header. Dimensions are as stored, before any
// EXIF orientation.
func readImageInfo(filePath string) (ImageInfo, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return ImageInfo{}, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	cfg, format, err := image.DecodeConfig(file)
	if err != nil {
		return ImageInfo{}, fmt.Errorf("failed to read image header: %w", err)
	}
	return ImageInfo{Width: cfg.Width, Height: cfg.Height, Format: format}, nil
}
