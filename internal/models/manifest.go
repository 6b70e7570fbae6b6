package models

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"gopkg.in/yaml.v3"
)

// Catalog is the on-disk list of models an installation ships with.
//
//	models:
//	  - id: ggml-base.bin
//	    name: Base
//	    path: ./ggml-base.bin
type Catalog struct {
	Models []config.ModelEntry `yaml:"models"`
}

// LoadCatalog reads a catalog file. Relative model paths are resolved
// against the catalog's directory.
func LoadCatalog(path string) (Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, err
	}
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Catalog{}, fmt.Errorf("parse catalog: %w", err)
	}
	base := filepath.Dir(path)
	for i := range c.Models {
		if p := c.Models[i].Path; p != "" && !filepath.IsAbs(p) {
			c.Models[i].Path = filepath.Join(base, p)
		}
	}
	return c, nil
}

// Validate ensures the catalog declares at least one well-formed model.
func (c Catalog) Validate() error {
	if len(c.Models) == 0 {
		return errors.New("models must declare at least one entry")
	}
	if err := ValidateEntries(c.Models); err != nil {
		return err
	}
	for _, m := range c.Models {
		if m.Path == "" {
			return fmt.Errorf("models[%s].path is required", m.ID)
		}
	}
	return nil
}

// ValidateEntries checks ids are present and unique.
func ValidateEntries(entries []config.ModelEntry) error {
	seen := make(map[string]struct{}, len(entries))
	for i, e := range entries {
		if e.ID == "" {
			return fmt.Errorf("models[%d].id is required", i)
		}
		if _, dup := seen[e.ID]; dup {
			return fmt.Errorf("duplicate model id %q", e.ID)
		}
		seen[e.ID] = struct{}{}
	}
	return nil
}

// Entries resolves the declared models from cfg, preferring the catalog
// file when one is configured.
func Entries(cfg config.ModelsConfig) ([]config.ModelEntry, error) {
	if cfg.Manifest == "" {
		return cfg.Entries, nil
	}
	c, err := LoadCatalog(cfg.Manifest)
	if err != nil {
		return nil, fmt.Errorf("load model catalog: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid model catalog: %w", err)
	}
	return c.Models, nil
}
