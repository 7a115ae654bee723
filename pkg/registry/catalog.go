package registry

import (
	"fmt"
	"os"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"
)

// Catalog is the on-disk form of a set of servers.
type Catalog struct {
	Servers []ServerDescriptor `yaml:"servers"`
}

// ParseCatalog decodes a YAML catalog and validates every server. Server
// versions, when present, must be semantic versions.
func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	for i := range c.Servers {
		s := &c.Servers[i]
		if err := s.Validate(); err != nil {
			return nil, err
		}
		if s.Version != "" {
			v, err := semver.NewVersion(s.Version)
			if err != nil {
				return nil, fmt.Errorf("%w: server %s: version %q: %v", ErrInvalidServer, s.ServerID, s.Version, err)
			}
			s.Version = v.String()
		}
	}
	return &c, nil
}

// LoadCatalog reads a YAML catalog file.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load catalog %q: %w", path, err)
	}
	return ParseCatalog(data)
}

// RegisterAll registers every server of the catalog.
func (r *Registry) RegisterAll(c *Catalog) error {
	for _, s := range c.Servers {
		if err := r.Register(s); err != nil {
			return err
		}
	}
	return nil
}
