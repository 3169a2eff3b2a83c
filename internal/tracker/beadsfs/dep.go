package beadsfs

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DepParentChild links a child issue (From) to its parent (To).
const DepParentChild = "parent-child"

// DepFile is one dependency stored as deps/{from}--{type}--{to}.json.
type DepFile struct {
	From      string    `json:"from"`
	To        string    `json:"to"`
	Type      string    `json:"type"`
	CreatedAt time.Time `json:"created_at"`
}

// Validate checks if the DepFile has valid field values.
func (d *DepFile) Validate() error {
	if d.From == "" {
		return fmt.Errorf("from is required")
	}
	if d.To == "" {
		return fmt.Errorf("to is required")
	}
	if d.Type == "" || len(d.Type) > 50 || strings.Contains(d.Type, "--") {
		return fmt.Errorf("invalid dependency type: %q", d.Type)
	}
	if d.CreatedAt.IsZero() {
		return fmt.Errorf("created_at is required")
	}
	return nil
}

// FileName returns {from}--{type}--{to}.json.
func (d *DepFile) FileName() string {
	return fmt.Sprintf("%s--%s--%s.json", d.From, d.Type, d.To)
}

// ParseDepFileName splits a dependency filename into (from, type, to).
func ParseDepFileName(filename string) (string, string, string, error) {
	parts := strings.Split(strings.TrimSuffix(filename, ".json"), "--")
	if len(parts) != 3 {
		return "", "", "", fmt.Errorf("invalid filename format: expected {from}--{type}--{to}.json, got %s", filename)
	}
	if parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", fmt.Errorf("invalid filename: from, type, and to cannot be empty")
	}
	return parts[0], parts[1], parts[2], nil
}

// ReadDepFile reads and validates a dependency file.
func ReadDepFile(path string) (*DepFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read dep file: %w", err)
	}

	var dep DepFile
	if err := json.Unmarshal(data, &dep); err != nil {
		return nil, fmt.Errorf("failed to parse dep file: %w", err)
	}

	if err := dep.Validate(); err != nil {
		return nil, fmt.Errorf("invalid dep file: %w", err)
	}

	return &dep, nil
}

// WriteDepFile writes a dependency file atomically.
func WriteDepFile(depsDir string, dep *DepFile) error {
	if err := dep.Validate(); err != nil {
		return fmt.Errorf("invalid dependency: %w", err)
	}

	data, err := json.MarshalIndent(dep, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal dep file: %w", err)
	}

	return writeAtomic(filepath.Join(depsDir, dep.FileName()), data)
}

// DeleteDepFile removes a dependency file. Missing files are not an error.
func DeleteDepFile(depsDir string, dep *DepFile) error {
	err := os.Remove(filepath.Join(depsDir, dep.FileName()))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete dep file: %w", err)
	}
	return nil
}

// ListDeps returns every dependency of the given type ("" for all).
// Unreadable files are skipped.
func ListDeps(depsDir, depType string) ([]*DepFile, error) {
	entries, err := os.ReadDir(depsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []*DepFile{}, nil
		}
		return nil, fmt.Errorf("failed to read deps directory: %w", err)
	}

	var deps []*DepFile
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		_, typ, _, err := ParseDepFileName(entry.Name())
		if err != nil || (depType != "" && typ != depType) {
			continue
		}
		dep, err := ReadDepFile(filepath.Join(depsDir, entry.Name()))
		if err != nil {
			continue
		}
		deps = append(deps, dep)
	}

	return deps, nil
}
