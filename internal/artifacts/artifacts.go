package artifacts

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/failure"
)

// ConvertedSuffix marks canonical waveforms derived from a raw capture.
const ConvertedSuffix = "_converted.wav"

type Kind string

const (
	KindRaw       Kind = "raw"
	KindConverted Kind = "converted"
)

var rawExtensions = map[string]struct{}{
	".wav":  {},
	".m4a":  {},
	".flac": {},
	".caf":  {},
	".ogg":  {},
}

// Artifact is one classified file in the artifacts directory.
type Artifact struct {
	Name    string    `json:"name"`
	Base    string    `json:"base"`
	Kind    Kind      `json:"kind"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

type Store struct {
	dir    string
	rawExt string
}

func Open(cfg config.ArtifactsConfig) (*Store, error) {
	if cfg.Dir == "" {
		return nil, errors.New("artifacts dir is empty")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifacts dir: %w", err)
	}
	ext := strings.ToLower(strings.TrimPrefix(cfg.RawExtension, "."))
	if ext == "" {
		ext = "wav"
	}
	return &Store{dir: cfg.Dir, rawExt: ext}, nil
}

func (s *Store) Dir() string { return s.dir }

// RawPath returns where the capture for base is written.
func (s *Store) RawPath(base string) string {
	return filepath.Join(s.dir, base+"."+s.rawExt)
}

// ConvertedPath derives the canonical waveform location from a raw file path.
func ConvertedPath(raw string) string {
	return strings.TrimSuffix(raw, filepath.Ext(raw)) + ConvertedSuffix
}

// Classify reports the kind and shared base name of a file name.
func Classify(name string) (Kind, string, bool) {
	if strings.HasSuffix(name, ConvertedSuffix) {
		base := strings.TrimSuffix(name, ConvertedSuffix)
		if base == "" {
			return "", "", false
		}
		return KindConverted, base, true
	}
	ext := strings.ToLower(filepath.Ext(name))
	if _, ok := rawExtensions[ext]; !ok {
		return "", "", false
	}
	base := strings.TrimSuffix(name, filepath.Ext(name))
	if base == "" {
		return "", "", false
	}
	return KindRaw, base, true
}

// List returns classified artifacts, newest first.
func (s *Store) List() ([]Artifact, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read artifacts dir: %w", err)
	}
	var out []Artifact
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		kind, base, ok := Classify(entry.Name())
		if !ok {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, err
		}
		out = append(out, Artifact{
			Name:    entry.Name(),
			Base:    base,
			Kind:    kind,
			Size:    info.Size(),
			ModTime: info.ModTime().UTC(),
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].ModTime.Equal(out[j].ModTime) {
			return out[i].Name < out[j].Name
		}
		return out[i].ModTime.After(out[j].ModTime)
	})
	return out, nil
}

// Delete removes one artifact by file name.
func (s *Store) Delete(name string) error {
	if name == "" || name != filepath.Base(name) {
		return failure.Wrapf(failure.ErrUnknownArtifact, "invalid name %q", name)
	}
	if _, _, ok := Classify(name); !ok {
		return failure.Wrapf(failure.ErrUnknownArtifact, "%q is not a recording", name)
	}
	if err := os.Remove(filepath.Join(s.dir, name)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return failure.Wrapf(failure.ErrUnknownArtifact, "%q not found", name)
		}
		return fmt.Errorf("delete artifact: %w", err)
	}
	return nil
}

// DeleteAll removes every classified artifact except those whose base is kept.
func (s *Store) DeleteAll(keep ...string) (int, error) {
	items, err := s.List()
	if err != nil {
		return 0, err
	}
	skip := make(map[string]struct{}, len(keep))
	for _, k := range keep {
		skip[k] = struct{}{}
	}
	var removed int
	var errs []error
	for _, item := range items {
		if _, ok := skip[item.Base]; ok {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, item.Name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}

// Remove deletes the given paths, ignoring ones already gone.
func Remove(paths ...string) error {
	var errs []error
	for _, p := range paths {
		if p == "" {
			continue
		}
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
