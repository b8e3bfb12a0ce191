package main

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"magmaedit/internal/render"
)

func readSidecar(t *testing.T, path string) map[string]any {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatal(err)
	}
	return m
}

func TestDirPublisher(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	p := DirPublisher{Dir: dir, Now: func() time.Time { return now }}

	op := EditOperation{Filename: "trips/beach.png", Rotation: 90}
	err := p.Publish(context.Background(), Publication{
		Name:   op.Filename,
		ID:     op.ID(),
		Output: render.Output{Data: []byte("jpeg bytes"), MIME: "image/jpeg", Width: 4, Height: 3},
		Recipe: Operation{Edit: &op},
	})
	if err != nil {
		t.Fatal(err)
	}

	name := "beach-" + op.ID() + ".jpg"
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "jpeg bytes" {
		t.Fatalf("published %q", data)
	}
	meta := readSidecar(t, filepath.Join(dir, name+".json"))
	if meta["source"] != "trips/beach.png" || meta["mime"] != "image/jpeg" || meta["anonymous"] != false {
		t.Fatalf("sidecar %v", meta)
	}
	if meta["published_at"] != "2024-05-01T12:00:00Z" {
		t.Fatalf("published_at %v", meta["published_at"])
	}
	recipe, ok := meta["recipe"].(map[string]any)
	if !ok || recipe["type"] != "edit" || recipe["rotation"] != float64(90) {
		t.Fatalf("recipe %v", meta["recipe"])
	}
}

func TestDirPublisherAnonymous(t *testing.T) {
	dir := t.TempDir()
	p := DirPublisher{Dir: dir}

	op := EditOperation{Filename: "private/me.png", Anonymous: true}
	err := p.Publish(context.Background(), Publication{
		Name:      op.Filename,
		ID:        op.ID(),
		Output:    render.Output{Data: []byte("png bytes"), MIME: "image/png"},
		Anonymous: true,
		Recipe:    Operation{Edit: &op},
	})
	if err != nil {
		t.Fatal(err)
	}

	name := "anonymous-" + op.ID() + ".png"
	meta := readSidecar(t, filepath.Join(dir, name+".json"))
	if _, ok := meta["source"]; ok {
		t.Fatal("anonymous sidecar names its source")
	}
	if _, ok := meta["recipe"]; ok {
		t.Fatal("anonymous sidecar carries the recipe")
	}
	if meta["anonymous"] != true {
		t.Fatalf("sidecar %v", meta)
	}
}

func TestDirPublisherPick(t *testing.T) {
	dir := t.TempDir()
	p := DirPublisher{Dir: dir}
	pick := PickOperation{Filename: "a/b/photo.jpeg"}
	err := p.Publish(context.Background(), Publication{
		Name:   pick.Filename,
		Output: render.Output{Data: []byte("raw"), MIME: "image/jpeg"},
		Recipe: Operation{Pick: &pick},
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "photo.jpeg")); err != nil {
		t.Fatal("picked file not published under its own name")
	}
}

func TestDirPublisherRejectsEmpty(t *testing.T) {
	dir := t.TempDir()
	p := DirPublisher{Dir: dir}
	if err := p.Publish(context.Background(), Publication{Name: "x.png", ID: "1"}); err == nil {
		t.Fatal("expected an error for an empty output")
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Fatalf("left %d files behind", len(entries))
	}
}
