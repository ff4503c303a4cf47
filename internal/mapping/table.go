// Package mapping implements the fixed-fanout search tree that maps a
// sector offset to the index of the target range covering it.
//
// A table is built once, bottom-up, over a sorted slice of "highs" —
// the highest sector covered by each target range, in ascending
// order. Each node groups up to Fanout+1 children (Fanout keys route
// Fanout+1 subtrees, the classic B-tree shape); the grouping value for
// a node is simply the last (and therefore greatest, since the input
// is sorted) value in its child window, mirroring how the original
// driver's __find_node walks a node array built from
// dm_table_get_node() without needing a distinct key-versus-child
// representation.
package mapping

import "fmt"

// Table is an immutable, built-once lookup structure. Building a new
// table rather than mutating one in place is what lets the request
// path take a snapshot reference under a read lock and keep using it
// safely even if a device's table pointer is swapped concurrently.
type Table struct {
	branch int // Fanout + 1, the number of children grouped per node
	highs  []uint64
	// levels holds the index levels built above the raw highs, bottom
	// first (levels[0] summarizes the raw highs, levels[len-1] is the
	// root). It is never empty for a non-empty table.
	levels [][]uint64
}

// Build constructs a lookup tree over highs (must be sorted ascending,
// one entry per target range, each the highest sector that range
// covers) with the given fanout (keys per node).
func Build(fanout int, highs []uint64) (*Table, error) {
	if fanout < 1 {
		return nil, fmt.Errorf("mapping: fanout must be >= 1, got %d", fanout)
	}
	if len(highs) == 0 {
		return nil, fmt.Errorf("mapping: empty table")
	}

	t := &Table{branch: fanout + 1, highs: highs}

	level := groupMax(highs, t.branch)
	t.levels = append(t.levels, level)
	for len(level) > 1 {
		level = groupMax(level, t.branch)
		t.levels = append(t.levels, level)
	}
	return t, nil
}

// groupMax chunks src into groups of up to size entries and returns
// one entry per group: the last (== max, since src is sorted
// ascending) value of that group.
func groupMax(src []uint64, size int) []uint64 {
	n := ceilDiv(len(src), size)
	out := make([]uint64, n)
	for g := 0; g < n; g++ {
		end := (g + 1) * size
		if end > len(src) {
			end = len(src)
		}
		out[g] = src[end-1]
	}
	return out
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

// Depth reports the number of index levels built above the raw target
// list (matches spec scenario 6: depth 2 for a 5-entry, fanout-2
// table).
func (t *Table) Depth() int {
	return len(t.levels)
}

// Len reports how many target ranges the table covers.
func (t *Table) Len() int {
	return len(t.highs)
}

// Lookup returns the index of the target range covering sector, using
// a `<=` tie-break at each level (a sector exactly on a boundary
// belongs to the range whose high value equals it).
func (t *Table) Lookup(sector uint64) (int, bool) {
	if len(t.highs) == 0 || sector > t.highs[len(t.highs)-1] {
		return 0, false
	}

	node := 0
	for i := len(t.levels) - 1; i >= 0; i-- {
		k, ok := scan(t.levels[i], node, t.branch, sector)
		if !ok {
			return 0, false
		}
		node = node*t.branch + k
	}

	k, ok := scan(t.highs, node, t.branch, sector)
	if !ok {
		return 0, false
	}
	return node*t.branch + k, true
}

// scan finds the local index (0..width-1) within node `node`'s window
// of `level` of the first entry >= sector.
func scan(level []uint64, node, width int, sector uint64) (int, bool) {
	start := node * width
	end := start + width
	if end > len(level) {
		end = len(level)
	}
	for i := start; i < end; i++ {
		if sector <= level[i] {
			return i - start, true
		}
	}
	return 0, false
}
