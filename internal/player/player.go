// Package player names observers: the peers that receive snapshots and may
// locally predict objects.
package player

import "strconv"

// ID identifies an observer. Non-negative values are concrete players;
// negative values are markers.
type ID int32

const (
	// None marks an object nobody may predict.
	None ID = -1
	// World is the authoritative server.
	World ID = -2
	// All marks an object every peer predicts.
	All ID = -3
)

// IsConcrete reports whether id names a real player.
func (id ID) IsConcrete() bool {
	return id >= 0
}

func (id ID) String() string {
	switch id {
	case None:
		return "none"
	case World:
		return "world"
	case All:
		return "all"
	}
	return "player-" + strconv.Itoa(int(id))
}
