// Package wire is the binary envelope exchanged between sync server and
// clients. Messages use the protobuf wire format, written and read field by
// field with protowire, so the layout is compatible with a .proto schema
// without generated code.
package wire

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/udisondev/netsync/internal/netid"
	"github.com/udisondev/netsync/internal/player"
	"github.com/udisondev/netsync/internal/snapshot"
)

var (
	ErrMalformed   = errors.New("wire: malformed message")
	ErrEmpty       = errors.New("wire: envelope carries no message")
	ErrAmbiguous   = errors.New("wire: envelope carries more than one message")
	ErrUnordered   = errors.New("wire: ids not in ascending order")
	ErrDuplicateID = errors.New("wire: duplicate id")
)

// Hello is the server greeting: the player id assigned to the session and
// the id partition the client predicts new objects from.
type Hello struct {
	Player   player.ID
	TickRate uint32
	Tick     uint32
	IDs      netid.Range
}

// Input is one tick of player input sent to the server.
type Input struct {
	Tick uint32
	Data []byte
}

// Envelope carries exactly one message.
type Envelope struct {
	Hello    *Hello
	Snapshot *snapshot.Snapshot
	Input    *Input
}

// Envelope fields.
const (
	fieldHello    protowire.Number = 1
	fieldSnapshot protowire.Number = 2
	fieldInput    protowire.Number = 3
)

// Snapshot fields.
const (
	snapTick       protowire.Number = 1
	snapStartedAt  protowire.Number = 2
	snapHasFactory protowire.Number = 3
	snapSpawn      protowire.Number = 4
	snapHasData    protowire.Number = 5
	snapEntry      protowire.Number = 6
	snapInput      protowire.Number = 7
)

func (e Envelope) count() int {
	n := 0
	if e.Hello != nil {
		n++
	}
	if e.Snapshot != nil {
		n++
	}
	if e.Input != nil {
		n++
	}
	return n
}

// Marshal encodes env into a new slice.
func Marshal(env Envelope) ([]byte, error) {
	return Append(nil, env)
}

// Append encodes env and appends it to b.
func Append(b []byte, env Envelope) ([]byte, error) {
	switch env.count() {
	case 0:
		return b, ErrEmpty
	case 1:
	default:
		return b, ErrAmbiguous
	}

	switch {
	case env.Hello != nil:
		b = protowire.AppendTag(b, fieldHello, protowire.BytesType)
		b = protowire.AppendBytes(b, appendHello(nil, env.Hello))
	case env.Snapshot != nil:
		b = protowire.AppendTag(b, fieldSnapshot, protowire.BytesType)
		b = protowire.AppendBytes(b, appendSnapshot(nil, env.Snapshot))
	case env.Input != nil:
		b = protowire.AppendTag(b, fieldInput, protowire.BytesType)
		b = protowire.AppendBytes(b, appendInput(nil, env.Input))
	}
	return b, nil
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendSigned(b []byte, num protowire.Number, v int64) []byte {
	return appendVarint(b, num, protowire.EncodeZigZag(v))
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendID(b []byte, num protowire.Number, id netid.ID) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed32Type)
	return protowire.AppendFixed32(b, uint32(id))
}

func appendHello(b []byte, h *Hello) []byte {
	b = appendSigned(b, 1, int64(h.Player))
	b = appendVarint(b, 2, uint64(h.TickRate))
	b = appendVarint(b, 3, uint64(h.Tick))
	b = appendVarint(b, 4, uint64(h.IDs.Min))
	b = appendVarint(b, 5, uint64(h.IDs.Max))
	return b
}

func appendInput(b []byte, in *Input) []byte {
	b = appendVarint(b, 1, uint64(in.Tick))
	b = appendBytes(b, 2, in.Data)
	return b
}

func appendSnapshot(b []byte, s *snapshot.Snapshot) []byte {
	b = appendVarint(b, snapTick, uint64(s.Tick))
	if !s.StartedAt.IsZero() {
		b = protowire.AppendTag(b, snapStartedAt, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, uint64(s.StartedAt.UnixNano()))
	}

	if s.Factory != nil {
		b = appendVarint(b, snapHasFactory, 1)
		var sub []byte
		for _, sp := range s.Factory.Spawns() {
			sub = appendID(sub[:0], 1, sp.ID)
			sub = appendVarint(sub, 2, uint64(sp.Kind))
			sub = appendSigned(sub, 3, int64(sp.Owner))
			b = appendBytes(b, snapSpawn, sub)
		}
	}

	if data := s.Data(); data != nil {
		b = appendVarint(b, snapHasData, 1)
		var sub []byte
		data.Each(func(id netid.ID, state []byte) bool {
			sub = appendID(sub[:0], 1, id)
			sub = appendBytes(sub, 2, state)
			b = appendBytes(b, snapEntry, sub)
			return true
		})
	}

	var sub []byte
	for _, p := range s.Inputs.Players() {
		for _, tick := range s.Inputs.Ticks(p) {
			data, _ := s.Inputs.Get(p, tick)
			sub = appendSigned(sub[:0], 1, int64(p))
			sub = appendVarint(sub, 2, uint64(tick))
			sub = appendBytes(sub, 3, data)
			b = appendBytes(b, snapInput, sub)
		}
	}
	return b
}

// Encoder encodes envelopes into pooled buffers.
type Encoder struct {
	pool *BytePool
}

// NewEncoder creates an encoder drawing buffers of initial capacity bufSize.
func NewEncoder(bufSize int) *Encoder {
	return &Encoder{pool: NewBytePool(bufSize)}
}

// Encode returns env encoded into a pooled buffer. The caller owns the
// buffer until it hands it back with Release.
func (e *Encoder) Encode(env Envelope) ([]byte, error) {
	buf := e.pool.Get(0)
	out, err := Append(buf, env)
	if err != nil {
		e.pool.Put(buf)
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return out, nil
}

// Release returns a buffer produced by Encode.
func (e *Encoder) Release(b []byte) {
	e.pool.Put(b)
}
