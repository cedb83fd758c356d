package phase

import (
	"errors"
	"fmt"
	"strings"

	lev "github.com/agnivade/levenshtein"
)

const (
	// UnknownColor is used for labels the catalog does not know.
	UnknownColor = "#888888"
	// DefaultChartColor is the series color when the phase has no catalog entry.
	DefaultChartColor = "#9C27B0"
	// DefaultMatchDistance bounds fuzzy label resolution in Resolve.
	DefaultMatchDistance = 2
)

// Definition names one phase and the color it is drawn with.
type Definition struct {
	Name  string
	Color string
}

// Catalog is the fixed, ordered set of phases the classifier emits. The index
// of a phase in the catalog is the index of its score in Event.Confidences.
// A Catalog is never mutated after construction.
type Catalog struct {
	defs          []Definition
	index         map[string]int
	matchDistance int
}

var defaultDefinitions = []Definition{
	{Name: "additional_injection", Color: "#E1BEE7"},
	{Name: "circumcision", Color: "#CE93D8"},
	{Name: "installation", Color: "#BA68C8"},
	{Name: "marking", Color: "#AB47BC"},
	{Name: "submucosal_dissection", Color: "#9C27B0"},
	{Name: "submucosal_injection", Color: "#8E24AA"},
}

// DefaultCatalog returns the six-phase catalog used by the ESD classifier.
func DefaultCatalog() *Catalog {
	c, _ := NewCatalog(defaultDefinitions, DefaultMatchDistance)
	return c
}

// NewCatalog validates defs and builds a catalog. Names must be non-empty and
// unique; missing colors fall back to UnknownColor. matchDistance <= 0
// disables fuzzy resolution.
func NewCatalog(defs []Definition, matchDistance int) (*Catalog, error) {
	if len(defs) == 0 {
		return nil, errors.New("phase catalog is empty")
	}
	c := &Catalog{
		defs:          make([]Definition, 0, len(defs)),
		index:         make(map[string]int, len(defs)),
		matchDistance: matchDistance,
	}
	for i, d := range defs {
		name := strings.TrimSpace(d.Name)
		if name == "" {
			return nil, fmt.Errorf("phase catalog entry %d has no name", i)
		}
		if _, dup := c.index[name]; dup {
			return nil, fmt.Errorf("phase catalog has duplicate phase %q", name)
		}
		color := strings.TrimSpace(d.Color)
		if color == "" {
			color = UnknownColor
		}
		c.index[name] = len(c.defs)
		c.defs = append(c.defs, Definition{Name: name, Color: color})
	}
	return c, nil
}

// Len returns the number of phases.
func (c *Catalog) Len() int {
	return len(c.defs)
}

// Definitions returns a copy of the catalog entries in order.
func (c *Catalog) Definitions() []Definition {
	out := make([]Definition, len(c.defs))
	copy(out, c.defs)
	return out
}

// Name returns the phase at idx, or "" when out of range.
func (c *Catalog) Name(idx int) string {
	if idx < 0 || idx >= len(c.defs) {
		return ""
	}
	return c.defs[idx].Name
}

// Index returns the catalog position of name, or -1.
func (c *Catalog) Index(name string) int {
	if idx, ok := c.index[name]; ok {
		return idx
	}
	return -1
}

// ColorAt returns the color of the phase at idx, or UnknownColor.
func (c *Catalog) ColorAt(idx int) string {
	if idx < 0 || idx >= len(c.defs) {
		return UnknownColor
	}
	return c.defs[idx].Color
}

// Color returns the display color for an exact phase name.
func (c *Catalog) Color(name string) string {
	return c.ColorAt(c.Index(name))
}

// Resolve maps a backend label onto a catalog name. Exact matches win; after
// that the label is normalized (case, spaces and dashes to underscores) and
// finally matched by edit distance when a single closest entry lies within
// the configured distance. Ties are not resolved.
func (c *Catalog) Resolve(label string) (string, bool) {
	if _, ok := c.index[label]; ok {
		return label, true
	}
	norm := normalizeLabel(label)
	if norm == "" {
		return "", false
	}
	if _, ok := c.index[norm]; ok {
		return norm, true
	}
	if c.matchDistance <= 0 {
		return "", false
	}
	best := ""
	bestDist := c.matchDistance + 1
	tie := false
	for _, d := range c.defs {
		dist := lev.ComputeDistance(norm, d.Name)
		switch {
		case dist < bestDist:
			best, bestDist, tie = d.Name, dist, false
		case dist == bestDist:
			tie = true
		}
	}
	if best == "" || tie {
		return "", false
	}
	return best, true
}

// DisplayName turns a snake_case phase label into capitalized words:
// "submucosal_dissection" becomes "Submucosal Dissection".
func DisplayName(phase string) string {
	parts := strings.Split(phase, "_")
	for i, word := range parts {
		if word == "" {
			continue
		}
		parts[i] = strings.ToUpper(word[:1]) + word[1:]
	}
	return strings.Join(parts, " ")
}

func normalizeLabel(label string) string {
	label = strings.ToLower(strings.TrimSpace(label))
	label = strings.NewReplacer(" ", "_", "-", "_").Replace(label)
	return label
}
