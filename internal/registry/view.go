package registry

import (
	"slices"

	"github.com/udisondev/netsync/internal/netid"
)

// view is a sorted set of ids.
type view []netid.ID

func (v view) has(id netid.ID) bool {
	_, ok := slices.BinarySearch(v, id)
	return ok
}

func (v *view) add(id netid.ID) {
	i, ok := slices.BinarySearch(*v, id)
	if ok {
		return
	}
	*v = slices.Insert(*v, i, id)
}

func (v *view) remove(id netid.ID) {
	i, ok := slices.BinarySearch(*v, id)
	if !ok {
		return
	}
	*v = slices.Delete(*v, i, i+1)
}
