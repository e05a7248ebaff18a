package workflow

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ParseDefinitionYAML decodes and normalizes a single workflow definition.
func ParseDefinitionYAML(data []byte) (Workflow, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return Workflow{}, fmt.Errorf("workflow: definition payload is empty")
	}
	var w Workflow
	if err := yaml.Unmarshal(data, &w); err != nil {
		return Workflow{}, fmt.Errorf("workflow: decode definition: %w", err)
	}
	return w.Normalized()
}

// LoadDefinitionFile loads a workflow definition from a file path.
func LoadDefinitionFile(path string) (Workflow, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return Workflow{}, fmt.Errorf("workflow: read %s: %w", path, err)
	}
	w, err := ParseDefinitionYAML(content)
	if err != nil {
		return Workflow{}, fmt.Errorf("workflow: %s: %w", path, err)
	}
	return w, nil
}

// LoadDefinitionDir loads every *.yaml / *.yml file in dir, sorted by file
// name. A missing directory yields no workflows.
func LoadDefinitionDir(dir string) ([]Workflow, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("workflow: read %s: %w", dir, err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".yaml", ".yml":
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	out := make([]Workflow, 0, len(names))
	for _, name := range names {
		w, err := LoadDefinitionFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, nil
}
