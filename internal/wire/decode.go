package wire

import (
	"fmt"
	"slices"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/udisondev/netsync/internal/netid"
	"github.com/udisondev/netsync/internal/player"
	"github.com/udisondev/netsync/internal/snapshot"
)

// Unmarshal decodes an envelope. Payload bytes are copied, so b may be reused.
// Unknown fields are skipped.
func Unmarshal(b []byte) (Envelope, error) {
	var env Envelope
	err := eachField(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ != protowire.BytesType {
			return 0, nil
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return n, nil
		}
		var err error
		switch num {
		case fieldHello:
			env.Hello, err = decodeHello(v)
		case fieldSnapshot:
			env.Snapshot, err = decodeSnapshot(v)
		case fieldInput:
			env.Input, err = decodeInput(v)
		}
		return n, err
	})
	if err != nil {
		return Envelope{}, err
	}

	switch env.count() {
	case 0:
		return Envelope{}, ErrEmpty
	case 1:
		return env, nil
	}
	return Envelope{}, ErrAmbiguous
}

// eachField walks the fields of one message. fn returns the number of bytes
// of the field value it consumed, 0 to skip the value, or a negative
// protowire error code.
func eachField(b []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return parseError(n)
		}
		b = b[n:]

		n, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if n == 0 {
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return parseError(n)
		}
		b = b[n:]
	}
	return nil
}

func parseError(n int) error {
	return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
}

// consumeVarint reads a varint field value, or reports 0 when the wire
// type does not match so the value is skipped.
func consumeVarint(typ protowire.Type, b []byte, dst func(uint64)) int {
	if typ != protowire.VarintType {
		return 0
	}
	v, n := protowire.ConsumeVarint(b)
	if n > 0 {
		dst(v)
	}
	return n
}

func consumeBytes(typ protowire.Type, b []byte, dst func([]byte)) int {
	if typ != protowire.BytesType {
		return 0
	}
	v, n := protowire.ConsumeBytes(b)
	if n > 0 {
		dst(v)
	}
	return n
}

func consumeID(typ protowire.Type, b []byte, dst *netid.ID) int {
	if typ != protowire.Fixed32Type {
		return 0
	}
	v, n := protowire.ConsumeFixed32(b)
	if n > 0 {
		*dst = netid.ID(v)
	}
	return n
}

func decodeHello(b []byte) (*Hello, error) {
	h := &Hello{}
	err := eachField(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeVarint(typ, b, func(v uint64) { h.Player = player.ID(protowire.DecodeZigZag(v)) }), nil
		case 2:
			return consumeVarint(typ, b, func(v uint64) { h.TickRate = uint32(v) }), nil
		case 3:
			return consumeVarint(typ, b, func(v uint64) { h.Tick = uint32(v) }), nil
		case 4:
			return consumeVarint(typ, b, func(v uint64) { h.IDs.Min = int(v) }), nil
		case 5:
			return consumeVarint(typ, b, func(v uint64) { h.IDs.Max = int(v) }), nil
		}
		return 0, nil
	})
	if err != nil {
		return nil, fmt.Errorf("decode hello: %w", err)
	}
	return h, nil
}

func decodeInput(b []byte) (*Input, error) {
	in := &Input{}
	err := eachField(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeVarint(typ, b, func(v uint64) { in.Tick = uint32(v) }), nil
		case 2:
			return consumeBytes(typ, b, func(v []byte) { in.Data = slices.Clone(v) }), nil
		}
		return 0, nil
	})
	if err != nil {
		return nil, fmt.Errorf("decode input: %w", err)
	}
	return in, nil
}

// ascending rejects ids that do not strictly increase.
type ascending struct {
	last netid.ID
	seen bool
}

func (a *ascending) next(id netid.ID) error {
	if a.seen {
		switch {
		case id == a.last:
			return fmt.Errorf("%w: %s", ErrDuplicateID, id)
		case id < a.last:
			return fmt.Errorf("%w: %s after %s", ErrUnordered, id, a.last)
		}
	}
	a.last, a.seen = id, true
	return nil
}

func decodeSnapshot(b []byte) (*snapshot.Snapshot, error) {
	var (
		tick       uint32
		startedAt  time.Time
		hasFactory bool
		hasData    bool
		spawns     []snapshot.Spawn
		entries    []snapshot.Entry
		inputs     snapshot.Inputs
		spawnOrder ascending
		entryOrder ascending
	)

	err := eachField(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case snapTick:
			return consumeVarint(typ, b, func(v uint64) { tick = uint32(v) }), nil
		case snapStartedAt:
			if typ != protowire.Fixed64Type {
				return 0, nil
			}
			v, n := protowire.ConsumeFixed64(b)
			if n > 0 {
				startedAt = time.Unix(0, int64(v)).UTC()
			}
			return n, nil
		case snapHasFactory:
			return consumeVarint(typ, b, func(v uint64) { hasFactory = v != 0 }), nil
		case snapHasData:
			return consumeVarint(typ, b, func(v uint64) { hasData = v != 0 }), nil
		case snapSpawn:
			var sub []byte
			n := consumeBytes(typ, b, func(v []byte) { sub = v })
			if n <= 0 {
				return n, nil
			}
			sp, err := decodeSpawn(sub)
			if err == nil {
				err = spawnOrder.next(sp.ID)
			}
			spawns = append(spawns, sp)
			return n, err
		case snapEntry:
			var sub []byte
			n := consumeBytes(typ, b, func(v []byte) { sub = v })
			if n <= 0 {
				return n, nil
			}
			e, err := decodeEntry(sub)
			if err == nil {
				err = entryOrder.next(e.ID)
			}
			entries = append(entries, e)
			return n, err
		case snapInput:
			var sub []byte
			n := consumeBytes(typ, b, func(v []byte) { sub = v })
			if n <= 0 {
				return n, nil
			}
			if inputs == nil {
				inputs = snapshot.Inputs{}
			}
			return n, decodeInputRecord(sub, inputs)
		}
		return 0, nil
	})
	if err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}

	var factory *snapshot.FactoryState
	if hasFactory || len(spawns) > 0 {
		factory = snapshot.NewFactoryState(spawns...)
	}
	var data *snapshot.Data
	if hasData || len(entries) > 0 {
		data = snapshot.NewData(entries...)
	}
	return snapshot.NewFull(tick, startedAt, factory, data, inputs), nil
}

func decodeSpawn(b []byte) (snapshot.Spawn, error) {
	var sp snapshot.Spawn
	err := eachField(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeID(typ, b, &sp.ID), nil
		case 2:
			return consumeVarint(typ, b, func(v uint64) { sp.Kind = uint16(v) }), nil
		case 3:
			return consumeVarint(typ, b, func(v uint64) { sp.Owner = player.ID(protowire.DecodeZigZag(v)) }), nil
		}
		return 0, nil
	})
	return sp, err
}

func decodeEntry(b []byte) (snapshot.Entry, error) {
	var e snapshot.Entry
	err := eachField(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeID(typ, b, &e.ID), nil
		case 2:
			return consumeBytes(typ, b, func(v []byte) { e.State = slices.Clone(v) }), nil
		}
		return 0, nil
	})
	return e, err
}

func decodeInputRecord(b []byte, dst snapshot.Inputs) error {
	var (
		p    player.ID
		tick uint32
		data []byte
	)
	err := eachField(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeVarint(typ, b, func(v uint64) { p = player.ID(protowire.DecodeZigZag(v)) }), nil
		case 2:
			return consumeVarint(typ, b, func(v uint64) { tick = uint32(v) }), nil
		case 3:
			return consumeBytes(typ, b, func(v []byte) { data = slices.Clone(v) }), nil
		}
		return 0, nil
	})
	if err != nil {
		return err
	}
	dst.Set(p, tick, data)
	return nil
}
