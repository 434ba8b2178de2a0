package catalog

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/noah-isme/course-scheduler/internal/models"
)

// ParseYAML decodes a catalog document. JSON documents are accepted as well.
func ParseYAML(data []byte) (models.CatalogInput, error) {
	var input models.CatalogInput
	if err := yaml.Unmarshal(data, &input); err != nil {
		return models.CatalogInput{}, fmt.Errorf("parse catalog: %w", err)
	}
	return input, nil
}

// LoadFile reads, decodes and validates a catalog document from disk.
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	input, err := ParseYAML(data)
	if err != nil {
		return nil, err
	}
	return Load(input)
}
