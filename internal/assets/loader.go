package assets

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/roach88/fieldsync/internal/model"
)

// registryFile is the on-disk registry export. JSON exports parse too,
// since JSON is a subset of YAML.
type registryFile struct {
	Assets []model.Asset `yaml:"assets"`
}

// LoadFile reads a registry export. Accepts either a top-level list of
// assets or a mapping with an "assets" key.
func LoadFile(path string) ([]model.Asset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read registry %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes registry export bytes.
func Parse(data []byte) ([]model.Asset, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return []model.Asset{}, nil
	}

	var list []model.Asset
	if err := yaml.Unmarshal(trimmed, &list); err == nil {
		return list, nil
	}

	var file registryFile
	if err := yaml.Unmarshal(trimmed, &file); err != nil {
		return nil, fmt.Errorf("parse registry: %w", err)
	}
	if file.Assets == nil {
		return []model.Asset{}, nil
	}
	return file.Assets, nil
}
