package snapshot

import (
	"encoding/binary"
	"hash"

	"golang.org/x/crypto/blake2b"

	"github.com/udisondev/netsync/internal/netid"
)

// DigestSize is the length of a snapshot digest in bytes.
const DigestSize = blake2b.Size256

// Digest hashes the canonical content of s: tick, factory state, object data
// and inputs, all in ascending key order. StartedAt is wall-clock and not part
// of the deterministic state, so it is excluded. Equal digests on client and
// server mean the peers hold bit-identical state for the tick.
func (s *Snapshot) Digest() [DigestSize]byte {
	h, _ := blake2b.New256(nil) // only fails for oversized keys

	var buf [4]byte
	putU32 := func(h hash.Hash, v uint32) {
		binary.LittleEndian.PutUint32(buf[:4], v)
		h.Write(buf[:4])
	}

	putU32(h, s.Tick)

	putU32(h, uint32(s.Factory.Len()))
	for _, sp := range s.Factory.Spawns() {
		putU32(h, uint32(sp.ID))
		putU32(h, uint32(sp.Kind))
		putU32(h, uint32(sp.Owner))
	}

	putU32(h, uint32(s.data.Len()))
	s.data.Each(func(id netid.ID, state []byte) bool {
		putU32(h, uint32(id))
		putU32(h, uint32(len(state)))
		h.Write(state)
		return true
	})

	players := s.Inputs.Players()
	putU32(h, uint32(len(players)))
	for _, p := range players {
		ticks := s.Inputs.Ticks(p)
		putU32(h, uint32(p))
		putU32(h, uint32(len(ticks)))
		for _, tick := range ticks {
			data := s.Inputs[p][tick]
			putU32(h, tick)
			putU32(h, uint32(len(data)))
			h.Write(data)
		}
	}

	var out [DigestSize]byte
	h.Sum(out[:0])
	return out
}
