package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/leonletto/threadview/internal/projection"
)

func TestConfig_ZeroValueMatchesDefaults(t *testing.T) {
	assert.Equal(t, DefaultConfig(), Config{}.withDefaults())
}

func TestConfig_WithDefaultsKeepsExplicitValues(t *testing.T) {
	tokyo := time.FixedZone("JST", 9*60*60)
	c := Config{
		PageSize: 5,
		Location: tokyo,
		Features: projection.Features{UnreadMarker: true},
	}.withDefaults()

	assert.Equal(t, 5, c.PageSize)
	assert.Same(t, tokyo, c.Location)
	assert.Equal(t, projection.Features{UnreadMarker: true}, c.Features)
	assert.Same(t, time.Local, Config{}.withDefaults().Location)
}
