package vocab

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/steveyegge/tracksync/internal/types"
)

// File is the on-disk override format. Entries are merged over Default().
//
//	status:
//	  default: todo
//	  systems:
//	    board:
//	      to_canonical: {blocked: in_progress}
//	      from_canonical: {in_review: review}
type File struct {
	Status   *FileMapping `yaml:"status" toml:"status"`
	Priority *FileMapping `yaml:"priority" toml:"priority"`
	Type     *FileMapping `yaml:"type" toml:"type"`
}

// FileMapping overrides one field's mapping.
type FileMapping struct {
	Default string                       `yaml:"default" toml:"default"`
	Systems map[string]FileSystemMapping `yaml:"systems" toml:"systems"`
}

// FileSystemMapping overrides one system's values.
type FileSystemMapping struct {
	ToCanonical   map[string]string `yaml:"to_canonical" toml:"to_canonical"`
	FromCanonical map[string]string `yaml:"from_canonical" toml:"from_canonical"`
}

// Load reads a vocabulary override file (.yaml, .yml or .toml) and merges it
// over the built-in table. An empty path returns the built-in table.
func Load(path string) (*Table, error) {
	if path == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read vocabulary file %s: %w", path, err)
	}

	var f File
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("failed to parse vocabulary file %s: %w", path, err)
		}
	case ".toml":
		if _, err := toml.Decode(string(data), &f); err != nil {
			return nil, fmt.Errorf("failed to parse vocabulary file %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("unsupported vocabulary file extension %q (want .yaml, .yml or .toml)", filepath.Ext(path))
	}

	t := Default()
	if err := f.apply(t); err != nil {
		return nil, fmt.Errorf("invalid vocabulary file %s: %w", path, err)
	}
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("invalid vocabulary file %s: %w", path, err)
	}
	return t, nil
}

func (f *File) apply(t *Table) error {
	for _, pair := range []struct {
		name string
		fm   *FileMapping
		m    *Mapping
	}{
		{"status", f.Status, t.Status},
		{"priority", f.Priority, t.Priority},
		{"type", f.Type, t.Type},
	} {
		if pair.fm == nil {
			continue
		}
		if err := pair.fm.apply(pair.m); err != nil {
			return fmt.Errorf("%s: %w", pair.name, err)
		}
	}
	return nil
}

func (fm *FileMapping) apply(m *Mapping) error {
	if fm.Default != "" {
		m.Default = fm.Default
	}

	// Sorted so overrides apply in the same order on every load.
	names := make([]string, 0, len(fm.Systems))
	for name := range fm.Systems {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		sys, err := types.ParseSystem(name)
		if err != nil {
			return err
		}
		sm := fm.Systems[name]
		for _, native := range sortedKeys(sm.ToCanonical) {
			m.Native(sys, native, sm.ToCanonical[native])
		}
		for _, canonical := range sortedKeys(sm.FromCanonical) {
			m.Emit(sys, canonical, sm.FromCanonical[canonical])
		}
	}
	return nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
