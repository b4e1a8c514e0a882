package extent

import (
	"github.com/golang/glog"
	"github.com/google/btree"
)

// entry is one buffer at a fixed offset. Entries never overlap; for any
// covered byte exactly one entry owns it.
type entry struct {
	start uint64
	data  []byte
}

func (e *entry) end() uint64 { return e.start + uint64(len(e.data)) }

func entryLess(a, b *entry) bool { return a.start < b.start }

// Map is a sparse interval map from byte offset to immutable buffer.
type Map struct {
	tree *btree.BTreeG[*entry]
}

func NewMap() *Map {
	return &Map{tree: btree.NewG[*entry](8, entryLess)}
}

func (m *Map) Empty() bool { return m == nil || m.tree.Len() == 0 }

// Size is the total buffered byte count.
func (m *Map) Size() uint64 {
	var size uint64
	m.tree.Ascend(func(e *entry) bool {
		size += uint64(len(e.data))
		return true
	})
	return size
}

// Insert places buf at off. Any previously buffered bytes in the range are
// replaced; neighbouring entries are split, never merged.
func (m *Map) Insert(off uint64, buf []byte) {
	if len(buf) == 0 {
		return
	}
	m.Erase(off, uint64(len(buf)))
	m.tree.ReplaceOrInsert(&entry{start: off, data: buf})
}

// Erase removes coverage of [off, off+length), trimming entries that
// straddle the boundary.
func (m *Map) Erase(off, length uint64) {
	if length == 0 || m.Empty() {
		return
	}
	end := off + length

	var hit []*entry
	m.tree.DescendLessOrEqual(&entry{start: off}, func(e *entry) bool {
		if e.end() > off {
			hit = append(hit, e)
		}
		return false
	})
	m.tree.AscendGreaterOrEqual(&entry{start: off}, func(e *entry) bool {
		if e.start >= end {
			return false
		}
		if e.start != off || len(hit) == 0 || hit[0] != e {
			hit = append(hit, e)
		}
		return true
	})

	for _, e := range hit {
		m.tree.Delete(e)
		if e.start < off {
			m.tree.ReplaceOrInsert(&entry{start: e.start, data: e.data[:off-e.start]})
		}
		if e.end() > end {
			m.tree.ReplaceOrInsert(&entry{start: end, data: e.data[end-e.start:]})
		}
	}
}

// EraseAfter removes all coverage at or beyond off.
func (m *Map) EraseAfter(off uint64) {
	if m.Empty() {
		return
	}
	end := m.RangeEnd()
	if end > off {
		m.Erase(off, end-off)
	}
}

func (m *Map) RangeStart() uint64 {
	e, ok := m.tree.Min()
	if !ok {
		glog.Fatalf("RangeStart on empty extent map")
	}
	return e.start
}

func (m *Map) RangeEnd() uint64 {
	e, ok := m.tree.Max()
	if !ok {
		glog.Fatalf("RangeEnd on empty extent map")
	}
	return e.end()
}

// IntervalSet projects the buffered ranges into a Set.
func (m *Map) IntervalSet() *Set {
	s := NewSet()
	if m == nil {
		return s
	}
	m.tree.Ascend(func(e *entry) bool {
		s.Insert(e.start, uint64(len(e.data)))
		return true
	})
	return s
}

// Contains reports whether [off, off+length) is fully buffered, possibly
// across several contiguous entries.
func (m *Map) Contains(off, length uint64) bool {
	if length == 0 {
		return true
	}
	if m.Empty() {
		return false
	}
	covered := off
	end := off + length
	m.ascendCovering(off, end, func(e *entry) bool {
		if e.start > covered {
			return false
		}
		if e.end() > covered {
			covered = e.end()
		}
		return covered < end
	})
	return covered >= end
}

// ReadBytes returns the bytes of [off, off+length), concatenating across
// contiguous entries. ok is false when any byte is missing. When the range
// lies within a single entry the returned slice aliases the buffer.
func (m *Map) ReadBytes(off, length uint64) (data []byte, ok bool) {
	if length == 0 {
		return nil, true
	}
	if m.Empty() {
		return nil, false
	}
	end := off + length

	var single []byte
	covered := off
	var parts [][]byte
	m.ascendCovering(off, end, func(e *entry) bool {
		if e.start > covered {
			return false
		}
		from := covered - e.start
		to := min(e.end(), end) - e.start
		parts = append(parts, e.data[from:to])
		covered = e.start + to
		return covered < end
	})
	if covered < end {
		return nil, false
	}
	if len(parts) == 1 {
		single = parts[0]
		return single, true
	}
	data = make([]byte, 0, length)
	for _, p := range parts {
		data = append(data, p...)
	}
	return data, true
}

// Intersect returns the sub-map covering s ∩ buffered bytes, slicing
// buffers without copying.
func (m *Map) Intersect(s *Set) *Map {
	out := NewMap()
	if m.Empty() || s.Empty() {
		return out
	}
	for _, want := range s.Extents() {
		m.ascendCovering(want.Start, want.End, func(e *entry) bool {
			start := max(e.start, want.Start)
			end := min(e.end(), want.End)
			if start < end {
				out.tree.ReplaceOrInsert(&entry{start: start, data: e.data[start-e.start : end-e.start]})
			}
			return e.end() < want.End
		})
	}
	return out
}

// Each visits every (offset, buffer) in ascending order.
func (m *Map) Each(fn func(off uint64, data []byte)) {
	if m == nil {
		return
	}
	m.tree.Ascend(func(e *entry) bool {
		fn(e.start, e.data)
		return true
	})
}

// ascendCovering visits entries overlapping [off, end) in order, starting
// with the entry straddling off if any.
func (m *Map) ascendCovering(off, end uint64, fn func(e *entry) bool) {
	var first *entry
	m.tree.DescendLessOrEqual(&entry{start: off}, func(e *entry) bool {
		if e.end() > off {
			first = e
		}
		return false
	})
	if first != nil {
		if !fn(first) {
			return
		}
	}
	m.tree.AscendGreaterOrEqual(&entry{start: off + 1}, func(e *entry) bool {
		if e.start >= end {
			return false
		}
		return fn(e)
	})
}

func (m *Map) Clone() *Map {
	out := NewMap()
	if m == nil {
		return out
	}
	m.tree.Ascend(func(e *entry) bool {
		out.tree.ReplaceOrInsert(&entry{start: e.start, data: e.data})
		return true
	})
	return out
}
