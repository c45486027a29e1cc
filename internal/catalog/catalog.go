// Package catalog defines the verification step catalog and the per-case
// step board built from it. The catalog is static configuration; the board
// is live session state.
package catalog

import (
	_ "embed"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/caduceuslabs/veriflow/api/schemas"
)

//go:embed default_catalog.yaml
var defaultCatalog []byte

// StepSpec is one catalog entry.
type StepSpec struct {
	ID        string               `yaml:"id"`
	Name      string               `yaml:"name"`
	Kind      schemas.WorkflowKind `yaml:"kind"`
	DependsOn []string             `yaml:"depends_on"`
}

// Catalog is a validated set of step specs with a well-formed dependency
// graph.
type Catalog struct {
	Steps []StepSpec `yaml:"steps"`

	byID map[string]StepSpec
}

// Load reads and validates the catalog at path. An empty path loads the
// embedded default catalog.
func Load(path string) (*Catalog, error) {
	raw := defaultCatalog
	if path != "" {
		var err error
		raw, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading catalog %s: %w", path, err)
		}
	}
	return Parse(raw)
}

// Parse decodes and validates a raw catalog document.
func Parse(raw []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("decoding catalog: %w", err)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	c.byID = make(map[string]StepSpec, len(c.Steps))
	for _, s := range c.Steps {
		c.byID[s.ID] = s
	}
	return &c, nil
}

func (c *Catalog) validate() error {
	if len(c.Steps) == 0 {
		return fmt.Errorf("catalog must contain at least one step")
	}

	seen := make(map[string]bool, len(c.Steps))
	for _, s := range c.Steps {
		if s.ID == "" {
			return fmt.Errorf("catalog step with empty id")
		}
		if seen[s.ID] {
			return fmt.Errorf("duplicate step id %q", s.ID)
		}
		seen[s.ID] = true
		if !s.Kind.Valid() {
			return fmt.Errorf("step %q has unknown workflow kind %q", s.ID, s.Kind)
		}
	}

	for _, s := range c.Steps {
		for _, dep := range s.DependsOn {
			if !seen[dep] {
				return fmt.Errorf("step %q depends on unknown step %q", s.ID, dep)
			}
			if dep == s.ID {
				return fmt.Errorf("step %q depends on itself", s.ID)
			}
		}
	}

	return c.checkCycles()
}

// checkCycles walks the dependency graph depth-first; a step revisited while
// still on the stack means the graph cannot be ordered.
func (c *Catalog) checkCycles() error {
	deps := make(map[string][]string, len(c.Steps))
	for _, s := range c.Steps {
		deps[s.ID] = s.DependsOn
	}

	const (
		unvisited = 0
		onStack   = 1
		done      = 2
	)
	state := make(map[string]int, len(deps))

	var visit func(id string) error
	visit = func(id string) error {
		switch state[id] {
		case onStack:
			return fmt.Errorf("dependency cycle involving step %q", id)
		case done:
			return nil
		}
		state[id] = onStack
		for _, dep := range deps[id] {
			if err := visit(dep); err != nil {
				return err
			}
		}
		state[id] = done
		return nil
	}

	for _, s := range c.Steps {
		if err := visit(s.ID); err != nil {
			return err
		}
	}
	return nil
}

// Get returns the catalog entry for a step id.
func (c *Catalog) Get(id string) (StepSpec, bool) {
	s, ok := c.byID[id]
	return s, ok
}

// IDs returns all step ids in catalog order.
func (c *Catalog) IDs() []string {
	ids := make([]string, 0, len(c.Steps))
	for _, s := range c.Steps {
		ids = append(ids, s.ID)
	}
	return ids
}

// Waves layers the catalog into dependency-ordered execution waves: every
// step in wave n has all of its dependencies in earlier waves. Steps inside a
// wave are sorted for determinism and may run concurrently.
func (c *Catalog) Waves() [][]string {
	remaining := make(map[string][]string, len(c.Steps))
	for _, s := range c.Steps {
		remaining[s.ID] = append([]string(nil), s.DependsOn...)
	}

	placed := make(map[string]bool, len(remaining))
	var waves [][]string
	for len(placed) < len(remaining) {
		var wave []string
		for id, deps := range remaining {
			if placed[id] {
				continue
			}
			ready := true
			for _, dep := range deps {
				if !placed[dep] {
					ready = false
					break
				}
			}
			if ready {
				wave = append(wave, id)
			}
		}
		// validate() rejects cycles, so progress is guaranteed.
		sort.Strings(wave)
		for _, id := range wave {
			placed[id] = true
		}
		waves = append(waves, wave)
	}
	return waves
}
