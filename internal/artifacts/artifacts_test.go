package artifacts

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/failure"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(config.ArtifactsConfig{Dir: filepath.Join(t.TempDir(), "rec"), RawExtension: ".m4a"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return s
}

func touch(t *testing.T, path string, mod time.Time) {
	t.Helper()
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(path, mod, mod); err != nil {
		t.Fatal(err)
	}
}

func TestNaming(t *testing.T) {
	s := openStore(t)
	raw := s.RawPath("abc")
	if filepath.Base(raw) != "abc.m4a" {
		t.Fatalf("unexpected raw name %q", raw)
	}
	if filepath.Base(ConvertedPath(raw)) != "abc_converted.wav" {
		t.Fatalf("unexpected converted name %q", ConvertedPath(raw))
	}
	if filepath.Base(ConvertedPath("/tmp/abc.wav")) != "abc_converted.wav" {
		t.Fatal("wav raw should map to the same suffix convention")
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		kind Kind
		base string
		ok   bool
	}{
		{"abc.wav", KindRaw, "abc", true},
		{"abc.M4A", KindRaw, "abc", true},
		{"abc_converted.wav", KindConverted, "abc", true},
		{"notes.txt", "", "", false},
		{"_converted.wav", "", "", false},
	}
	for _, tc := range cases {
		kind, base, ok := Classify(tc.name)
		if kind != tc.kind || base != tc.base || ok != tc.ok {
			t.Fatalf("%s: got (%q,%q,%v)", tc.name, kind, base, ok)
		}
	}
}

func TestListNewestFirstAndSkipsUnknown(t *testing.T) {
	s := openStore(t)
	now := time.Now()
	touch(t, filepath.Join(s.Dir(), "old.m4a"), now.Add(-time.Hour))
	touch(t, filepath.Join(s.Dir(), "old_converted.wav"), now.Add(-30*time.Minute))
	touch(t, filepath.Join(s.Dir(), "new.m4a"), now)
	touch(t, filepath.Join(s.Dir(), "README"), now)

	items, err := s.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("expected 3 artifacts, got %+v", items)
	}
	if items[0].Name != "new.m4a" || items[2].Name != "old.m4a" {
		t.Fatalf("unexpected order: %+v", items)
	}
	if items[1].Kind != KindConverted || items[1].Base != "old" {
		t.Fatalf("unexpected classification: %+v", items[1])
	}
}

func TestDelete(t *testing.T) {
	s := openStore(t)
	touch(t, filepath.Join(s.Dir(), "a.m4a"), time.Now())

	if err := s.Delete("a.m4a"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.Delete("a.m4a"); !errors.Is(err, failure.ErrUnknownArtifact) {
		t.Fatalf("expected unknown artifact, got %v", err)
	}
	if err := s.Delete("../escape.wav"); !errors.Is(err, failure.ErrUnknownArtifact) {
		t.Fatalf("expected path traversal rejected, got %v", err)
	}
}

func TestDeleteAllKeepsLiveBase(t *testing.T) {
	s := openStore(t)
	now := time.Now()
	touch(t, filepath.Join(s.Dir(), "a.m4a"), now)
	touch(t, filepath.Join(s.Dir(), "a_converted.wav"), now)
	touch(t, filepath.Join(s.Dir(), "live.m4a"), now)

	n, err := s.DeleteAll("live")
	if err != nil {
		t.Fatalf("delete all: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 removed, got %d", n)
	}
	items, _ := s.List()
	if len(items) != 1 || items[0].Base != "live" {
		t.Fatalf("expected only live artifact left, got %+v", items)
	}
}

func TestRemoveIgnoresMissing(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "x.wav")
	touch(t, p, time.Now())
	if err := Remove(p, filepath.Join(dir, "missing.wav"), ""); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := os.Stat(p); !os.IsNotExist(err) {
		t.Fatal("expected file removed")
	}
}
