package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/udisondev/netsync/internal/wire"
)

func TestWorld_JoinLeaveTracksPartition(t *testing.T) {
	enc := wire.NewEncoder(256)
	w, err := NewWorld(testConfig(), enc)
	require.NoError(t, err)

	s := &Session{player: 1, sendCh: make(chan []byte, 4), closeCh: make(chan struct{}), encoder: enc}
	w.join(s, 1)

	st := w.partitionStats(1)
	assert.Equal(t, 1, st.Live, "avatar allocated from the player's partition")
	assert.Zero(t, st.Queued)
	require.Len(t, s.sendCh, 1, "hello queued")

	w.leave(1)
	st = w.partitionStats(1)
	assert.Zero(t, st.Live)
	assert.Equal(t, 1, st.Queued, "avatar id released for reuse")

	assert.Zero(t, w.partitionStats(9), "unknown partition")
}
