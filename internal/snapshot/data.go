package snapshot

import (
	"sort"

	"github.com/udisondev/netsync/internal/netid"
)

// Entry is one object's serialized state.
type Entry struct {
	ID    netid.ID
	State []byte
}

// Data maps object ids to serialized state, kept in ascending id order.
// State slices are never modified in place; replacing an entry swaps the slice.
// All read methods are safe on a nil *Data.
type Data struct {
	entries []Entry
}

// NewData builds Data from entries in any order. For duplicate ids the last entry wins.
func NewData(entries ...Entry) *Data {
	d := &Data{entries: make([]Entry, 0, len(entries))}
	for _, e := range entries {
		d.Set(e.ID, e.State)
	}
	return d
}

// Len returns the number of entries.
func (d *Data) Len() int {
	if d == nil {
		return 0
	}
	return len(d.entries)
}

func (d *Data) search(id netid.ID) (int, bool) {
	i := sort.Search(len(d.entries), func(i int) bool { return d.entries[i].ID >= id })
	return i, i < len(d.entries) && d.entries[i].ID == id
}

// Get returns the state stored for id.
func (d *Data) Get(id netid.ID) ([]byte, bool) {
	if d == nil {
		return nil, false
	}
	i, ok := d.search(id)
	if !ok {
		return nil, false
	}
	return d.entries[i].State, true
}

// Has reports whether id is present.
func (d *Data) Has(id netid.ID) bool {
	_, ok := d.Get(id)
	return ok
}

// Set inserts or replaces the state for id.
func (d *Data) Set(id netid.ID, state []byte) {
	i, ok := d.search(id)
	if ok {
		d.entries[i].State = state
		return
	}
	d.entries = append(d.entries, Entry{})
	copy(d.entries[i+1:], d.entries[i:])
	d.entries[i] = Entry{ID: id, State: state}
}

// Delete removes id and reports whether it was present.
func (d *Data) Delete(id netid.ID) bool {
	i, ok := d.search(id)
	if !ok {
		return false
	}
	d.entries = append(d.entries[:i], d.entries[i+1:]...)
	return true
}

// IDs returns ids in ascending order.
func (d *Data) IDs() []netid.ID {
	if d == nil {
		return nil
	}
	ids := make([]netid.ID, len(d.entries))
	for i, e := range d.entries {
		ids[i] = e.ID
	}
	return ids
}

// Each calls fn for every entry in ascending id order until fn returns false.
func (d *Data) Each(fn func(id netid.ID, state []byte) bool) {
	if d == nil {
		return
	}
	for _, e := range d.entries {
		if !fn(e.ID, e.State) {
			return
		}
	}
}

// Entries returns the backing entries. Callers must not modify them.
func (d *Data) Entries() []Entry {
	if d == nil {
		return nil
	}
	return d.entries
}

// Clone copies the entry list. State slices are shared; they are immutable.
func (d *Data) Clone() *Data {
	if d == nil {
		return nil
	}
	return &Data{entries: append([]Entry(nil), d.entries...)}
}

// upsert writes every entry of src into d: insert new ids, replace existing
// ones, keep ids only d has. Both lists are sorted, so this is a merge-join.
func (d *Data) upsert(src *Data) {
	if src.Len() == 0 {
		return
	}
	out := make([]Entry, 0, len(d.entries)+len(src.entries))
	i, j := 0, 0
	for i < len(d.entries) && j < len(src.entries) {
		a, b := d.entries[i], src.entries[j]
		switch {
		case a.ID < b.ID:
			out = append(out, a)
			i++
		case a.ID > b.ID:
			out = append(out, b)
			j++
		default:
			out = append(out, b)
			i++
			j++
		}
	}
	out = append(out, d.entries[i:]...)
	out = append(out, src.entries[j:]...)
	d.entries = out
}

// missingFrom counts ids present in src but not in d.
func (d *Data) missingFrom(src *Data) int {
	n := 0
	src.Each(func(id netid.ID, _ []byte) bool {
		if !d.Has(id) {
			n++
		}
		return true
	})
	return n
}

// fill inserts ids present in src and absent from d; existing entries win.
func (d *Data) fill(src *Data) {
	out := make([]Entry, 0, len(d.entries)+len(src.entries))
	i, j := 0, 0
	for i < len(d.entries) && j < len(src.entries) {
		a, b := d.entries[i], src.entries[j]
		switch {
		case a.ID < b.ID:
			out = append(out, a)
			i++
		case a.ID > b.ID:
			out = append(out, b)
			j++
		default:
			out = append(out, a)
			i++
			j++
		}
	}
	out = append(out, d.entries[i:]...)
	out = append(out, src.entries[j:]...)
	d.entries = out
}

// retain keeps only entries for which keep returns true and reports how many were dropped.
func (d *Data) retain(keep func(id netid.ID) bool) int {
	n := 0
	for _, e := range d.entries {
		if keep(e.ID) {
			d.entries[n] = e
			n++
		}
	}
	dropped := len(d.entries) - n
	clear(d.entries[n:])
	d.entries = d.entries[:n]
	return dropped
}
