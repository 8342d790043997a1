package session

import "meshroom/grid"

// Doors is the replicated shared door state: closed by default, last toggle
// wins from each receiver's point of view. Convergence is best effort; a
// joiner catches up via a full snapshot from any connected peer.
type Doors struct {
	open map[grid.Cell]bool
}

func NewDoors() *Doors {
	return &Doors{open: make(map[grid.Cell]bool)}
}

// Toggle flips a door locally and returns its new state. The caller
// broadcasts the change.
func (d *Doors) Toggle(c grid.Cell) bool {
	now := !d.open[c]
	d.set(c, now)
	return now
}

// Apply sets a door unconditionally and reports whether anything changed.
// Redelivering a snapshot is a no-op the second time.
func (d *Doors) Apply(c grid.Cell, open bool) bool {
	if d.open[c] == open {
		return false
	}
	d.set(c, open)
	return true
}

func (d *Doors) set(c grid.Cell, open bool) {
	if open {
		d.open[c] = true
	} else {
		delete(d.open, c)
	}
}

func (d *Doors) Open(c grid.Cell) bool {
	return d.open[c]
}

// Snapshot lists every door in a non-default state, for sync replies.
func (d *Doors) Snapshot() []grid.Cell {
	cells := make([]grid.Cell, 0, len(d.open))
	for c := range d.open {
		cells = append(cells, c)
	}
	return cells
}

// States copies the full door map for external readers.
func (d *Doors) States() map[grid.Cell]bool {
	copied := make(map[grid.Cell]bool, len(d.open))
	for c, open := range d.open {
		copied[c] = open
	}
	return copied
}
