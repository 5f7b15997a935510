// Package catalog holds the static registry of test definitions and their
// parameter schemas.
package catalog

import (
	"fmt"
	"os"

	"devicelab/internal/domain"

	"gopkg.in/yaml.v3"
)

// Catalog is the read-only test registry. Definitions are loaded once at
// construction; all accessors are safe for concurrent use.
type Catalog struct {
	tests []*domain.TestDefinition
	byID  map[string]*domain.TestDefinition
}

type suiteFile struct {
	Tests []*domain.TestDefinition `yaml:"tests"`
}

// New builds a catalog from the given definitions, rejecting duplicate or
// missing IDs.
func New(defs []*domain.TestDefinition) (*Catalog, error) {
	c := &Catalog{byID: make(map[string]*domain.TestDefinition)}
	for _, def := range defs {
		if err := c.add(def); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Load builds the catalog from the built-in operation tests, the embedded
// protocol suite, and, when extraPath is non-empty, an operator-supplied
// YAML file whose definitions are appended (duplicate IDs rejected).
func Load(extraPath string) (*Catalog, error) {
	c, err := New(builtinTests())
	if err != nil {
		return nil, err
	}

	embedded, err := parseSuite(builtinSuite)
	if err != nil {
		return nil, fmt.Errorf("embedded test suite: %w", err)
	}
	for _, def := range embedded {
		if err := c.add(def); err != nil {
			return nil, err
		}
	}

	if extraPath != "" {
		data, err := os.ReadFile(extraPath)
		if err != nil {
			return nil, fmt.Errorf("read catalog file: %w", err)
		}
		extra, err := parseSuite(data)
		if err != nil {
			return nil, fmt.Errorf("catalog file %s: %w", extraPath, err)
		}
		for _, def := range extra {
			if err := c.add(def); err != nil {
				return nil, err
			}
		}
	}

	return c, nil
}

func parseSuite(data []byte) ([]*domain.TestDefinition, error) {
	var f suiteFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	return f.Tests, nil
}

func (c *Catalog) add(def *domain.TestDefinition) error {
	if def.ID == "" {
		return fmt.Errorf("test definition without id")
	}
	if _, ok := c.byID[def.ID]; ok {
		return fmt.Errorf("duplicate test id %q", def.ID)
	}
	c.tests = append(c.tests, def)
	c.byID[def.ID] = def
	return nil
}

// List returns all definitions in catalog order.
func (c *Catalog) List() []*domain.TestDefinition {
	out := make([]*domain.TestDefinition, len(c.tests))
	copy(out, c.tests)
	return out
}

// ListByCategory returns the definitions in the given category. The
// category "all" (or empty) returns everything.
func (c *Catalog) ListByCategory(category string) []*domain.TestDefinition {
	if category == "" || category == "all" {
		return c.List()
	}
	var out []*domain.TestDefinition
	for _, def := range c.tests {
		if def.Category == category {
			out = append(out, def)
		}
	}
	return out
}

// Get returns the definition for id, or domain.ErrTestNotFound.
func (c *Catalog) Get(id string) (*domain.TestDefinition, error) {
	def, ok := c.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrTestNotFound, id)
	}
	return def, nil
}

// Validate checks supplied against the test's parameter schema and returns
// a normalized copy: defaults filled in for missing optional parameters,
// numbers coerced to float64, unknown keys dropped. All problems are
// collected into one *domain.ValidationError.
func (c *Catalog) Validate(testID string, supplied map[string]any) (map[string]any, error) {
	def, err := c.Get(testID)
	if err != nil {
		return nil, err
	}

	normalized := make(map[string]any, len(def.Parameters))
	var problems []string

	for _, p := range def.Parameters {
		raw, ok := supplied[p.Name]
		if !ok || raw == nil {
			if p.Required && p.Default == nil {
				problems = append(problems, fmt.Sprintf("%s is required", p.Name))
				continue
			}
			if p.Default != nil {
				normalized[p.Name] = normalizeDefault(&p)
			}
			continue
		}

		value, problem := checkValue(&p, raw)
		if problem != "" {
			problems = append(problems, problem)
			continue
		}
		normalized[p.Name] = value
	}

	if len(problems) > 0 {
		return nil, &domain.ValidationError{Problems: problems}
	}
	return normalized, nil
}

func normalizeDefault(p *domain.Parameter) any {
	if p.Kind == domain.ParameterKindNumber {
		if f, ok := toFloat(p.Default); ok {
			return f
		}
	}
	return p.Default
}

func checkValue(p *domain.Parameter, raw any) (any, string) {
	switch p.Kind {
	case domain.ParameterKindNumber:
		f, ok := toFloat(raw)
		if !ok {
			return nil, fmt.Sprintf("%s must be a number", p.Name)
		}
		if p.Min != nil && f < *p.Min {
			return nil, fmt.Sprintf("%s must be >= %v", p.Name, *p.Min)
		}
		if p.Max != nil && f > *p.Max {
			return nil, fmt.Sprintf("%s must be <= %v", p.Name, *p.Max)
		}
		return f, ""
	case domain.ParameterKindEnum:
		s, ok := raw.(string)
		if !ok {
			return nil, fmt.Sprintf("%s must be a string", p.Name)
		}
		for _, v := range p.Values {
			if s == v {
				return s, ""
			}
		}
		return nil, fmt.Sprintf("%s must be one of %v", p.Name, p.Values)
	case domain.ParameterKindString, domain.ParameterKindSecret:
		s, ok := raw.(string)
		if !ok {
			return nil, fmt.Sprintf("%s must be a string", p.Name)
		}
		return s, ""
	default:
		return nil, fmt.Sprintf("%s has unknown kind %q", p.Name, p.Kind)
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}
