// Package config loads the CSV reference feed catalogue.
package config

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/dwsmith1983/hydrostage/pkg/types"
)

//go:embed feeds.yaml
var defaultCatalogue []byte

// URLEnvPrefix prefixes the environment variable that supplies a feed URL.
const URLEnvPrefix = "FEED_URL_"

// Catalogue is the set of configured reference feeds.
type Catalogue struct {
	Feeds []types.Feed `yaml:"feeds"`
}

// Load reads the catalogue at path, or the built-in catalogue when path is
// empty, and applies FEED_URL_ overrides from the environment.
func Load(path string) (*Catalogue, error) {
	data := defaultCatalogue
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading feed catalogue: %w", err)
		}
		data = b
	}
	cat, err := Parse(data)
	if err != nil {
		return nil, err
	}
	cat.ApplyURLOverrides(os.Getenv)
	return cat, nil
}

// Parse decodes and validates a catalogue document.
func Parse(data []byte) (*Catalogue, error) {
	var cat Catalogue
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return nil, fmt.Errorf("parsing feed catalogue: %w", err)
	}
	if err := validate(&cat); err != nil {
		return nil, fmt.Errorf("validating feed catalogue: %w", err)
	}
	return &cat, nil
}

// URLEnvVar returns the environment variable holding the URL of feed name.
func URLEnvVar(name string) string {
	return URLEnvPrefix + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
}

// ApplyURLOverrides replaces feed URLs with non-empty values from lookup.
func (c *Catalogue) ApplyURLOverrides(lookup func(string) string) {
	for i := range c.Feeds {
		if v := lookup(URLEnvVar(c.Feeds[i].Name)); v != "" {
			c.Feeds[i].URL = v
		}
	}
}

// Feed returns the feed called name.
func (c *Catalogue) Feed(name string) (types.Feed, bool) {
	for _, f := range c.Feeds {
		if f.Name == name {
			return f, true
		}
	}
	return types.Feed{}, false
}

// Names returns every feed name in catalogue order.
func (c *Catalogue) Names() []string {
	names := make([]string, len(c.Feeds))
	for i, f := range c.Feeds {
		names[i] = f.Name
	}
	return names
}

func validate(cat *Catalogue) error {
	if len(cat.Feeds) == 0 {
		return fmt.Errorf("at least one feed is required")
	}
	seen := make(map[string]bool, len(cat.Feeds))
	for i, f := range cat.Feeds {
		if f.Name == "" {
			return fmt.Errorf("feeds[%d]: name is required", i)
		}
		if seen[f.Name] {
			return fmt.Errorf("feed %q: duplicate name", f.Name)
		}
		seen[f.Name] = true
		if f.TargetTable == "" {
			return fmt.Errorf("feed %q: table is required", f.Name)
		}
		if len(f.Columns) == 0 {
			return fmt.Errorf("feed %q: at least one column is required", f.Name)
		}
		if f.PartialUpdate != nil && (f.PartialUpdate.Column == "" || f.PartialUpdate.Value == "") {
			return fmt.Errorf("feed %q: partialUpdate needs a column and a value", f.Name)
		}
		cols := make(map[string]bool, len(f.Columns))
		for _, c := range f.Columns {
			if c.TargetColumn == "" || c.CSVKey == "" {
				return fmt.Errorf("feed %q: every column needs a column name and a csvKey", f.Name)
			}
			if cols[c.TargetColumn] {
				return fmt.Errorf("feed %q: column %q mapped twice", f.Name, c.TargetColumn)
			}
			cols[c.TargetColumn] = true
			if !c.SourceType.Valid() {
				return fmt.Errorf("feed %q: column %q has unknown type %q", f.Name, c.TargetColumn, c.SourceType)
			}
			if !types.ValidPreprocessor(c.Preprocessor) {
				return fmt.Errorf("feed %q: column %q has unknown preprocessor %q", f.Name, c.TargetColumn, c.Preprocessor)
			}
		}
		if f.PartialUpdate != nil && cols[f.PartialUpdate.Column] {
			return fmt.Errorf("feed %q: partialUpdate column %q is also mapped from the CSV", f.Name, f.PartialUpdate.Column)
		}
	}
	return nil
}
