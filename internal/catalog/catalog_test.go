package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-ad-reservations/internal/repository"
)

func TestDefault(t *testing.T) {
	c := Default()
	require.Len(t, c.Placements(), 5)

	mid, ok := c.Lookup(repository.PlacementMidRoll)
	require.True(t, ok)
	assert.Equal(t, 3, mid.SlotsPerEpisode)
	assert.Equal(t, int64(3000), mid.RateCardCents)

	assert.True(t, c.RequiresTalentApproval(repository.PlacementHostRead))
	assert.True(t, c.RequiresTalentApproval(repository.PlacementEndorsed))
	assert.False(t, c.RequiresTalentApproval(repository.PlacementPreRoll))
}

func TestParse(t *testing.T) {
	c, err := Parse([]byte(`
placements:
  - type: pre-roll
    slots_per_episode: 4
    rate_card_cents: 1800
  - type: mid-roll
    slots_per_episode: 2
    rate_card_cents: 3200
    requires_talent_approval: true
`))
	require.NoError(t, err)

	pre, ok := c.Lookup(repository.PlacementPreRoll)
	require.True(t, ok)
	assert.Equal(t, 4, pre.SlotsPerEpisode)
	assert.True(t, c.RequiresTalentApproval(repository.PlacementMidRoll))

	_, ok = c.Lookup(repository.PlacementHostRead)
	assert.False(t, ok)
	assert.True(t, c.RequiresTalentApproval(repository.PlacementHostRead), "unlisted human-read placements still need talent")
}

func TestParseRejectsBadEntries(t *testing.T) {
	tests := map[string]string{
		"unknown type": "placements:\n  - type: banner\n",
		"duplicate":    "placements:\n  - type: pre-roll\n  - type: pre-roll\n",
		"negative":     "placements:\n  - type: pre-roll\n    slots_per_episode: -1\n",
		"not yaml":     "placements: [",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoad(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)
	assert.Len(t, c.Placements(), 5)

	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte("placements:\n  - type: post-roll\n    slots_per_episode: 1\n"), 0o600))
	c, err = Load(path)
	require.NoError(t, err)
	assert.Len(t, c.Placements(), 1)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
