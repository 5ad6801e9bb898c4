// Package catalog describes the sellable placement types: how many slots an
// episode carries by default, the published rate card, and whether talent has
// to approve the read.
package catalog

import (
	"fmt"
	"os"
	"sort"

	"github.com/pesio-ai/be-ad-reservations/internal/repository"
	"gopkg.in/yaml.v3"
)

// Placement is the catalog entry for one placement type.
type Placement struct {
	Type                   repository.PlacementType `yaml:"type"`
	SlotsPerEpisode        int                      `yaml:"slots_per_episode"`
	RateCardCents          int64                    `yaml:"rate_card_cents"`
	RequiresTalentApproval bool                     `yaml:"requires_talent_approval"`
}

// Catalog indexes placements by type.
type Catalog struct {
	placements map[repository.PlacementType]Placement
}

type file struct {
	Placements []Placement `yaml:"placements"`
}

// Default is the built-in catalog used when no file is configured.
func Default() *Catalog {
	c, _ := New([]Placement{
		{Type: repository.PlacementPreRoll, SlotsPerEpisode: 2, RateCardCents: 2500},
		{Type: repository.PlacementMidRoll, SlotsPerEpisode: 3, RateCardCents: 3000},
		{Type: repository.PlacementPostRoll, SlotsPerEpisode: 2, RateCardCents: 1500},
		{Type: repository.PlacementHostRead, SlotsPerEpisode: 1, RateCardCents: 5000, RequiresTalentApproval: true},
		{Type: repository.PlacementEndorsed, SlotsPerEpisode: 1, RateCardCents: 7500, RequiresTalentApproval: true},
	})
	return c
}

// New validates and indexes placements.
func New(placements []Placement) (*Catalog, error) {
	c := &Catalog{placements: make(map[repository.PlacementType]Placement, len(placements))}
	for _, p := range placements {
		if !p.Type.Valid() {
			return nil, fmt.Errorf("catalog: unknown placement type %q", p.Type)
		}
		if _, dup := c.placements[p.Type]; dup {
			return nil, fmt.Errorf("catalog: duplicate placement type %q", p.Type)
		}
		if p.SlotsPerEpisode < 0 || p.RateCardCents < 0 {
			return nil, fmt.Errorf("catalog: %s has negative slots or rate", p.Type)
		}
		c.placements[p.Type] = p
	}
	return c, nil
}

// Parse reads a YAML catalog document.
func Parse(data []byte) (*Catalog, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("catalog: decode yaml: %w", err)
	}
	return New(f.Placements)
}

// Load reads the catalog at path, or returns Default when path is empty.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: read %s: %w", path, err)
	}
	return Parse(data)
}

// Lookup returns the entry for a placement type.
func (c *Catalog) Lookup(t repository.PlacementType) (Placement, bool) {
	p, ok := c.placements[t]
	return p, ok
}

// RequiresTalentApproval reports whether the placement needs a talent decision.
// Unlisted placements fall back to the human-read rule.
func (c *Catalog) RequiresTalentApproval(t repository.PlacementType) bool {
	if p, ok := c.placements[t]; ok {
		return p.RequiresTalentApproval
	}
	return t.RequiresHumanRead()
}

// Placements returns the entries sorted by type.
func (c *Catalog) Placements() []Placement {
	out := make([]Placement, 0, len(c.placements))
	for _, p := range c.placements {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}
