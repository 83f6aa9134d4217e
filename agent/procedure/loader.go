package procedure

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Parse decodes a single YAML procedure definition.
func Parse(data []byte) (*Procedure, error) {
	var p Procedure
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode procedure: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// LoadFile reads one procedure definition from disk.
func LoadFile(path string) (*Procedure, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read procedure file %s: %w", path, err)
	}
	p, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("procedure file %s: %w", path, err)
	}
	return p, nil
}

// LoadDir builds a registry from every .yaml/.yml file in dir.
func LoadDir(dir string) (*Registry, error) {
	var procs []*Procedure
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}
		p, err := LoadFile(path)
		if err != nil {
			return err
		}
		procs = append(procs, p)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(procs) == 0 {
		return nil, fmt.Errorf("no procedure definitions found in %s", dir)
	}
	return NewRegistry(procs...)
}
