// Package bundles holds the predeclared multi-tool workflows. A bundle is
// an ordered list of phases; steps inside a phase may run concurrently and
// every phase settles before the next one starts.
package bundles

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/shaleyeah/toolkernel/pkg/contracts"
)

var (
	ErrNotFound      = errors.New("bundle not found")
	ErrInvalidBundle = errors.New("invalid bundle")
)

// Step is one tool call inside a phase.
type Step struct {
	ServerID string         `yaml:"server" json:"server_id"`
	ToolID   string         `yaml:"tool" json:"tool_id"`
	Args     map[string]any `yaml:"args,omitempty" json:"args,omitempty"`
	// Needs lists step keys of earlier phases whose results are injected as
	// context. Empty in a later phase means every earlier step.
	Needs []string `yaml:"needs,omitempty" json:"needs,omitempty"`
	// When is a CEL condition over `results` and `args`; false skips the step.
	When        string                `yaml:"when,omitempty" json:"when,omitempty"`
	DetailLevel contracts.DetailLevel `yaml:"detail_level,omitempty" json:"detail_level,omitempty"`
}

// Key returns "server.tool".
func (s Step) Key() string { return s.ServerID + "." + s.ToolID }

// Phase is a set of steps run concurrently.
type Phase struct {
	Name  string `yaml:"name" json:"name"`
	Steps []Step `yaml:"steps" json:"steps"`
}

// Bundle is a named, ordered list of phases.
type Bundle struct {
	Name        string  `yaml:"name" json:"name"`
	Description string  `yaml:"description,omitempty" json:"description,omitempty"`
	Phases      []Phase `yaml:"phases" json:"phases"`
}

// Servers lists the distinct servers the bundle touches, in first-use order.
func (b Bundle) Servers() []string {
	seen := map[string]bool{}
	var out []string
	for _, p := range b.Phases {
		for _, s := range p.Steps {
			if !seen[s.ServerID] {
				seen[s.ServerID] = true
				out = append(out, s.ServerID)
			}
		}
	}
	return out
}

// StepCount returns the number of steps across phases.
func (b Bundle) StepCount() int {
	n := 0
	for _, p := range b.Phases {
		n += len(p.Steps)
	}
	return n
}

// Catalog is the set of bundles known to the kernel.
type Catalog struct {
	mu      sync.RWMutex
	bundles map[string]Bundle
}

// NewCatalog creates a catalog holding bs.
func NewCatalog(bs ...Bundle) *Catalog {
	c := &Catalog{bundles: make(map[string]Bundle, len(bs))}
	for _, b := range bs {
		c.bundles[b.Name] = b
	}
	return c
}

// Add adds or replaces a bundle.
func (c *Catalog) Add(b Bundle) error {
	if b.Name == "" {
		return fmt.Errorf("%w: missing name", ErrInvalidBundle)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bundles[b.Name] = b
	return nil
}

// Get returns a bundle by name.
func (c *Catalog) Get(name string) (Bundle, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, ok := c.bundles[name]
	if !ok {
		return Bundle{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return b, nil
}

// List returns every bundle sorted by name.
func (c *Catalog) List() []Bundle {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Bundle, 0, len(c.bundles))
	for _, b := range c.bundles {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

type file struct {
	Bundles []Bundle `yaml:"bundles"`
}

// Parse decodes a YAML document with a top-level `bundles` list.
func Parse(data []byte) ([]Bundle, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse bundles: %w", err)
	}
	for _, b := range f.Bundles {
		if b.Name == "" {
			return nil, fmt.Errorf("%w: missing name", ErrInvalidBundle)
		}
	}
	return f.Bundles, nil
}

// LoadFile reads bundles from a YAML file.
func LoadFile(path string) ([]Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read bundles %s: %w", path, err)
	}
	return Parse(data)
}
