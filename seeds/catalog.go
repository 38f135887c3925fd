// Package seeds holds the seed catalog: the value templates, rulesets and
// settings written into a fresh store by init, and the settings reconciled
// into an existing store by update.
package seeds

import (
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"spiked/model"
)

//go:embed catalog.yaml
var defaultCatalog []byte

var ErrInvalidCatalog = errors.New("invalid seed catalog")

type TemplateSeed struct {
	Name   string   `yaml:"name"`
	Values []string `yaml:"values"`
}

type RulesetSeed struct {
	Name string `yaml:"name"`
	File string `yaml:"file"`
}

type SettingSeed struct {
	Name  string `yaml:"name"`
	Value string `yaml:"value"`
}

// Catalog is the full seed dataset, in insertion order.
type Catalog struct {
	Templates []TemplateSeed `yaml:"templates"`
	Rulesets  []RulesetSeed  `yaml:"rulesets"`
	Settings  []SettingSeed  `yaml:"settings"`
}

// Entry is one (category, key, value) triple of the catalog.
type Entry struct {
	Category model.SeedCategory
	Key      string
	Value    string
}

// Default returns the catalog compiled into the binary.
func Default() (*Catalog, error) {
	return Parse(defaultCatalog)
}

// LoadFile reads a YAML catalog from fs.
func LoadFile(fs afero.Fs, path string) (*Catalog, error) {
	b, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	return Parse(b)
}

// Parse decodes and validates a YAML catalog.
func Parse(b []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCatalog, err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate enforces non-empty keys and the uniqueness the store relies on:
// one setting per name and one ruleset per file.
func (c *Catalog) Validate() error {
	var problems []string
	for i, t := range c.Templates {
		if strings.TrimSpace(t.Name) == "" {
			problems = append(problems, fmt.Sprintf("template #%d has no name", i))
		}
	}
	files := make(map[string]struct{}, len(c.Rulesets))
	for i, r := range c.Rulesets {
		if strings.TrimSpace(r.Name) == "" || strings.TrimSpace(r.File) == "" {
			problems = append(problems, fmt.Sprintf("ruleset #%d needs both name and file", i))
			continue
		}
		if _, dup := files[r.File]; dup {
			problems = append(problems, fmt.Sprintf("ruleset file %q declared twice", r.File))
		}
		files[r.File] = struct{}{}
	}
	names := make(map[string]struct{}, len(c.Settings))
	for i, s := range c.Settings {
		if strings.TrimSpace(s.Name) == "" {
			problems = append(problems, fmt.Sprintf("setting #%d has no name", i))
			continue
		}
		if _, dup := names[s.Name]; dup {
			problems = append(problems, fmt.Sprintf("setting %q declared twice", s.Name))
		}
		names[s.Name] = struct{}{}
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w:\n%s", ErrInvalidCatalog, strings.Join(problems, "\n"))
	}
	return nil
}

// TemplateValueCount is the number of value-template rows init writes.
func (c *Catalog) TemplateValueCount() int {
	n := 0
	for _, t := range c.Templates {
		n += len(t.Values)
	}
	return n
}

// FromEntries groups flat triples back into a catalog, keeping first-seen
// order of template names.
func FromEntries(entries []Entry) (*Catalog, error) {
	c := &Catalog{}
	templateIdx := map[string]int{}
	for _, e := range entries {
		switch e.Category {
		case model.TemplateSeed:
			i, ok := templateIdx[e.Key]
			if !ok {
				i = len(c.Templates)
				templateIdx[e.Key] = i
				c.Templates = append(c.Templates, TemplateSeed{Name: e.Key})
			}
			c.Templates[i].Values = append(c.Templates[i].Values, e.Value)
		case model.RulesetSeed:
			c.Rulesets = append(c.Rulesets, RulesetSeed{Name: e.Key, File: e.Value})
		case model.SettingSeed:
			c.Settings = append(c.Settings, SettingSeed{Name: e.Key, Value: e.Value})
		default:
			return nil, fmt.Errorf("%w: unknown category %q for %q", ErrInvalidCatalog, e.Category, e.Key)
		}
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}
