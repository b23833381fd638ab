package snapshot

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHistory_PutAt(t *testing.T) {
	h := NewHistory(4)

	for tick := uint32(1); tick <= 6; tick++ {
		h.Put(New(tick, t0))
	}

	_, ok := h.At(2)
	assert.False(t, ok, "overwritten by tick 6")

	s, ok := h.At(5)
	require.True(t, ok)
	assert.Equal(t, uint32(5), s.Tick)

	latest, ok := h.Latest()
	require.True(t, ok)
	assert.Equal(t, uint32(6), latest.Tick)
	assert.Equal(t, 4, h.Cap())
}

func TestHistory_DropAfter(t *testing.T) {
	h := NewHistory(8)
	for tick := uint32(10); tick < 15; tick++ {
		h.Put(New(tick, t0))
	}

	h.DropAfter(12)

	_, ok := h.At(13)
	assert.False(t, ok)
	_, ok = h.At(12)
	assert.True(t, ok)

	latest, ok := h.Latest()
	require.True(t, ok)
	assert.Equal(t, uint32(12), latest.Tick)
}

func TestHistory_MinimumCapacity(t *testing.T) {
	h := NewHistory(0)
	assert.Equal(t, 1, h.Cap())

	_, ok := h.Latest()
	assert.False(t, ok)
}
