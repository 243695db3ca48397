package taxonomy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// fileFormat is the on-disk layout of a taxonomy file:
//
//	bands: {p0: 9, p1: 6, p2: 3}
//	entries:
//	  - {label: bug, class: developer, weight: 5}
type fileFormat struct {
	Bands   *Bands  `yaml:"bands"`
	Entries []Entry `yaml:"entries"`
}

// Parse builds a taxonomy from YAML.
func Parse(data []byte) (*Taxonomy, error) {
	var f fileFormat
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse taxonomy: %w", err)
	}
	if len(f.Entries) == 0 {
		return nil, fmt.Errorf("parse taxonomy: no entries")
	}
	bands := DefaultBands
	if f.Bands != nil {
		bands = *f.Bands
	}
	return New(f.Entries, bands)
}

// LoadFile reads and parses a taxonomy file.
func LoadFile(path string) (*Taxonomy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read taxonomy %s: %w", path, err)
	}
	t, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}
