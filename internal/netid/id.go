package netid

import "fmt"

// ID identifies a synchronized object across peers.
//
// Layout (32 bits):
//
//	[generation:16][index:16]
//
// Generation 0 marks scene objects placed by content authoring; they are never
// recycled. Dynamically created objects always carry generation >= 1.
type ID uint32

const (
	indexBits     = 16
	indexMask     = (1 << indexBits) - 1
	MaxIndex      = indexMask
	MaxGeneration = (1 << 16) - 1
)

// None is the zero identity; it never names a registered object.
const None ID = 0

// New composes an ID from generation and index.
func New(generation, index uint16) ID {
	return ID(uint32(generation)<<indexBits | uint32(index))
}

// Generation returns the high 16 bits.
func (id ID) Generation() uint16 {
	return uint16(uint32(id) >> indexBits)
}

// Index returns the low 16 bits.
func (id ID) Index() uint16 {
	return uint16(uint32(id) & indexMask)
}

// IsScene reports whether id belongs to a statically placed object.
func (id ID) IsScene() bool {
	return id.Generation() == 0
}

func (id ID) String() string {
	return fmt.Sprintf("%d:%d", id.Index(), id.Generation())
}
