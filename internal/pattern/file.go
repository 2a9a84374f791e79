package pattern

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/krai-io/krai/internal/fault"
)

// File mutates the pattern file on behalf of the pattern CLI. Every write is
// atomic: write to a temp file in the same directory, fsync, rename.
type File struct {
	path string
}

// NewFile returns a mutator for the pattern file at path.
func NewFile(path string) *File {
	return &File{path: path}
}

// Load reads and validates the current file contents as raw specs.
func (f *File) Load() (map[string]ManufacturerSpec, error) {
	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return map[string]ManufacturerSpec{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read pattern file: %w", err)
	}

	// Validate through the same path the registry uses.
	if _, err := ParseSnapshot(data); err != nil {
		return nil, err
	}

	var raw map[string]ManufacturerSpec
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse pattern file: %w", err)
	}
	return raw, nil
}

// Create adds a manufacturer entry. Fails if the key already exists.
func (f *File) Create(name string, spec ManufacturerSpec) error {
	raw, err := f.Load()
	if err != nil {
		return err
	}

	key := NormalizeKey(name)
	if _, exists := raw[key]; exists {
		return fmt.Errorf("manufacturer %q already has patterns", name)
	}

	if _, err := compileSet(key, spec); err != nil {
		return err
	}

	raw[key] = spec
	return f.write(raw)
}

// CreateBasedOn copies an existing manufacturer's rules under a new key.
func (f *File) CreateBasedOn(name, source string) error {
	raw, err := f.Load()
	if err != nil {
		return err
	}

	srcKey := NormalizeKey(source)
	src, ok := raw[srcKey]
	if !ok {
		return fault.Newf(fault.KindManufacturerPatternNotFound,
			"source manufacturer %q has no patterns to copy", source).
			WithEntity(source).
			WithStage("pattern file mutation")
	}

	key := NormalizeKey(name)
	if _, exists := raw[key]; exists {
		return fmt.Errorf("manufacturer %q already has patterns", name)
	}

	raw[key] = src
	return f.write(raw)
}

// write serializes and atomically replaces the file.
func (f *File) write(raw map[string]ManufacturerSpec) error {
	data, err := yaml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("marshal pattern file: %w", err)
	}

	dir := filepath.Dir(f.path)
	tmp, err := os.CreateTemp(dir, ".patterns-*.yaml")
	if err != nil {
		return fmt.Errorf("create temp pattern file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp pattern file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync temp pattern file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp pattern file: %w", err)
	}

	if err := os.Rename(tmpPath, f.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replace pattern file: %w", err)
	}
	return nil
}
