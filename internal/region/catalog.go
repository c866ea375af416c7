// Package region maps free-text fragments to canonical AWS region codes and
// regions to machine-image references.
package region

import (
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var defaultCatalogYAML []byte

type keywordEntry struct {
	Keyword string `yaml:"keyword"`
	Region  string `yaml:"region"`
}

type catalogDoc struct {
	Keywords []keywordEntry    `yaml:"keywords"`
	Images   map[string]string `yaml:"images"`
}

// Catalog is the closed set of known regions together with the keyword table
// used to resolve free text. Catalogs are immutable after Load; Resolve has
// no side effects.
type Catalog struct {
	keywords []keywordEntry
	images   map[string]string
	codes    []string
}

// Load parses and validates a YAML catalog document.
func Load(raw []byte) (*Catalog, error) {
	var doc catalogDoc
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("region: parse catalog: %w", err)
	}
	if len(doc.Keywords) == 0 {
		return nil, errors.New("region: catalog has no keyword entries")
	}

	seen := make(map[string]bool)
	codes := make([]string, 0, len(doc.Keywords))
	for i, e := range doc.Keywords {
		if strings.TrimSpace(e.Keyword) == "" || strings.TrimSpace(e.Region) == "" {
			return nil, fmt.Errorf("region: keyword entry %d is incomplete", i)
		}
		if !seen[e.Region] {
			seen[e.Region] = true
			codes = append(codes, e.Region)
		}
	}
	for code := range doc.Images {
		if !seen[code] {
			return nil, fmt.Errorf("region: image entry %q is not a known region", code)
		}
	}

	return &Catalog{keywords: doc.Keywords, images: doc.Images, codes: codes}, nil
}

// Default returns the catalog embedded in the binary.
func Default() *Catalog {
	c, err := Load(defaultCatalogYAML)
	if err != nil {
		panic(fmt.Sprintf("region: embedded catalog is invalid: %v", err))
	}
	return c
}

// Resolve maps free text to a canonical region code. The keyword table is
// checked first in its committed order, then the canonical codes themselves;
// the first match wins. The second return is false when nothing matches.
func (c *Catalog) Resolve(text string) (string, bool) {
	text = strings.ToLower(text)
	for _, e := range c.keywords {
		if strings.Contains(text, e.Keyword) {
			return e.Region, true
		}
	}
	for _, code := range c.codes {
		if strings.Contains(text, code) {
			return code, true
		}
	}
	return "", false
}

// Image returns the machine-image reference for a region, if one is
// configured.
func (c *Catalog) Image(region string) (string, bool) {
	img, ok := c.images[region]
	return img, ok
}

// Known reports whether the code belongs to the catalog.
func (c *Catalog) Known(region string) bool {
	for _, code := range c.codes {
		if code == region {
			return true
		}
	}
	return false
}

// Codes returns the canonical region codes in keyword-table order.
func (c *Catalog) Codes() []string {
	out := make([]string, len(c.codes))
	copy(out, c.codes)
	return out
}
