package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestManual(t *testing.T) {
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.FixedZone("CET", 3600))
	c := NewManual(start)
	assert.Equal(t, time.UTC, c.Now().Location())
	assert.True(t, c.Now().Equal(start))

	c.Advance(49 * time.Hour)
	assert.True(t, c.Now().Equal(start.Add(49*time.Hour)))

	c.Set(start)
	assert.True(t, c.Now().Equal(start))
}

func TestFixedAndSystem(t *testing.T) {
	at := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, at, NewFixed(at).Now())
	assert.Equal(t, time.UTC, NewSystem().Now().Location())
}
