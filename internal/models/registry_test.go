package models

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/failure"
	"github.com/loqalabs/loqa-scribe/internal/stt"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// recordingLoader logs load and close calls in order.
type recordingLoader struct {
	mu     sync.Mutex
	events []string
	fail   map[string]error
	live   int
	peak   int
}

func (l *recordingLoader) Load(_ context.Context, path string) (stt.Recognizer, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.fail[path]; err != nil {
		l.events = append(l.events, "fail:"+path)
		return nil, err
	}
	l.events = append(l.events, "load:"+path)
	l.live++
	l.peak = max(l.peak, l.live)
	return &recordingRecognizer{loader: l, path: path}, nil
}

type recordingRecognizer struct {
	loader *recordingLoader
	path   string
}

func (r *recordingRecognizer) Transcribe(context.Context, stt.Request) (stt.Job, error) {
	return nil, errors.New("not used")
}

func (r *recordingRecognizer) Close() error {
	r.loader.mu.Lock()
	defer r.loader.mu.Unlock()
	r.loader.events = append(r.loader.events, "close:"+r.path)
	r.loader.live--
	return nil
}

var entries = []config.ModelEntry{
	{ID: "small", Path: "small.bin"},
	{ID: "base", Path: "base.bin"},
	{ID: "tiny", Path: "tiny.bin"},
}

func newRegistry(t *testing.T, loader stt.Loader) *Registry {
	t.Helper()
	r, err := NewRegistry(entries, loader, newLogger())
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	return r
}

func TestListDeclarationOrder(t *testing.T) {
	r := newRegistry(t, &recordingLoader{})
	list := r.List()
	if len(list) != 3 || list[0].ID != "small" || list[1].ID != "base" || list[2].ID != "tiny" {
		t.Fatalf("unexpected order %+v", list)
	}
	for _, d := range list {
		if d.Loaded {
			t.Fatalf("nothing should be loaded: %+v", d)
		}
	}
}

func TestDuplicateIDsRejected(t *testing.T) {
	dup := []config.ModelEntry{{ID: "a", Path: "a"}, {ID: "a", Path: "b"}}
	if _, err := NewRegistry(dup, &recordingLoader{}, newLogger()); err == nil {
		t.Fatal("expected duplicate error")
	}
}

func TestLoadUnknownModel(t *testing.T) {
	r := newRegistry(t, &recordingLoader{})
	if err := r.Load(context.Background(), "large"); !errors.Is(err, failure.ErrUnknownModel) {
		t.Fatalf("expected unknown model, got %v", err)
	}
}

func TestSwapReleasesBeforeLoading(t *testing.T) {
	loader := &recordingLoader{}
	r := newRegistry(t, loader)
	ctx := context.Background()

	if err := r.Load(ctx, "small"); err != nil {
		t.Fatalf("load small: %v", err)
	}
	if err := r.Load(ctx, "base"); err != nil {
		t.Fatalf("load base: %v", err)
	}
	want := []string{"load:small.bin", "close:small.bin", "load:base.bin"}
	if len(loader.events) != len(want) {
		t.Fatalf("unexpected events %v", loader.events)
	}
	for i := range want {
		if loader.events[i] != want[i] {
			t.Fatalf("unexpected events %v", loader.events)
		}
	}
	if loader.peak != 1 {
		t.Fatalf("two recognizers were live at once")
	}
	if id, ok := r.Active(); !ok || id != "base" {
		t.Fatalf("expected base active, got %q", id)
	}
	if !r.List()[1].Loaded {
		t.Fatal("descriptor should report loaded")
	}
}

func TestLoadSameModelIsNoop(t *testing.T) {
	loader := &recordingLoader{}
	r := newRegistry(t, loader)
	_ = r.Load(context.Background(), "tiny")
	_ = r.Load(context.Background(), "tiny")
	if len(loader.events) != 1 {
		t.Fatalf("expected single load, got %v", loader.events)
	}
}

func TestLoadFailureLeavesSlotEmpty(t *testing.T) {
	cause := errors.New("corrupt ggml")
	loader := &recordingLoader{fail: map[string]error{"base.bin": cause}}
	r := newRegistry(t, loader)
	ctx := context.Background()

	if err := r.Load(ctx, "small"); err != nil {
		t.Fatalf("load small: %v", err)
	}
	err := r.Load(ctx, "base")
	if !errors.Is(err, failure.ErrModelLoad) || !errors.Is(err, cause) {
		t.Fatalf("expected model load error wrapping cause, got %v", err)
	}
	if _, ok := r.Active(); ok {
		t.Fatal("active model should be empty after failed load")
	}
	if _, err := r.Acquire(); !errors.Is(err, failure.ErrModelNotLoaded) {
		t.Fatalf("expected model not loaded, got %v", err)
	}
}

func TestLoadWhileLeasedIsBusy(t *testing.T) {
	loader := &recordingLoader{}
	r := newRegistry(t, loader)
	ctx := context.Background()
	if err := r.Load(ctx, "small"); err != nil {
		t.Fatalf("load: %v", err)
	}

	lease, err := r.Acquire()
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if lease.ModelID() != "small" || lease.Recognizer() == nil {
		t.Fatalf("unexpected lease %+v", lease)
	}
	if err := r.Load(ctx, "tiny"); !errors.Is(err, failure.ErrEngineBusy) {
		t.Fatalf("expected engine busy, got %v", err)
	}
	if err := r.Release(); !errors.Is(err, failure.ErrEngineBusy) {
		t.Fatalf("expected engine busy on release, got %v", err)
	}
	if id, _ := r.Active(); id != "small" {
		t.Fatalf("active model changed to %q", id)
	}

	lease.Release()
	lease.Release()
	if r.Busy() {
		t.Fatal("lease should be returned exactly once")
	}
	if err := r.Load(ctx, "tiny"); err != nil {
		t.Fatalf("load after release: %v", err)
	}
}

func TestReleaseIdempotent(t *testing.T) {
	loader := &recordingLoader{}
	r := newRegistry(t, loader)
	if err := r.Release(); err != nil {
		t.Fatalf("release empty: %v", err)
	}
	_ = r.Load(context.Background(), "small")
	if err := r.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := r.Release(); err != nil {
		t.Fatalf("second release: %v", err)
	}
	if loader.live != 0 {
		t.Fatalf("expected recognizer closed")
	}
}

func TestLoadCatalogResolvesRelativePaths(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "models.yaml")
	yaml := `models:
  - id: tiny
    name: Tiny
    path: ggml-tiny.bin
  - id: abs
    path: /opt/models/abs.bin
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	c, err := LoadCatalog(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if c.Models[0].Path != filepath.Join(dir, "ggml-tiny.bin") {
		t.Fatalf("relative path not resolved: %q", c.Models[0].Path)
	}
	if c.Models[1].Path != "/opt/models/abs.bin" {
		t.Fatalf("absolute path changed: %q", c.Models[1].Path)
	}

	got, err := Entries(config.ModelsConfig{Manifest: path})
	if err != nil || len(got) != 2 {
		t.Fatalf("entries from manifest: %v %+v", err, got)
	}
}

func TestCatalogValidate(t *testing.T) {
	if err := (Catalog{}).Validate(); err == nil {
		t.Fatal("expected empty catalog error")
	}
	if err := (Catalog{Models: []config.ModelEntry{{ID: "x"}}}).Validate(); err == nil {
		t.Fatal("expected missing path error")
	}
}
