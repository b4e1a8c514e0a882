package stripe

import (
	"bytes"
	"fmt"

	"github.com/golang/glog"

	"github.com/shardgrid/shardgrid/sgrid/storage/codec"
	"github.com/shardgrid/shardgrid/sgrid/storage/extent"
	"github.com/shardgrid/shardgrid/sgrid/storage/hashinfo"
	"github.com/shardgrid/shardgrid/sgrid/storage/types"
)

const invalidOffset = ^uint64(0)

// ShardMap holds buffered extents per shard, together with the RO range
// the data shards span. Buffers are immutable once inserted; mutations
// only add, slice, or drop them.
type ShardMap struct {
	sinfo   *Info
	roStart uint64
	roEnd   uint64
	maps    map[types.ShardID]*extent.Map
}

func NewShardMap(sinfo *Info) *ShardMap {
	return &ShardMap{
		sinfo:   sinfo,
		roStart: invalidOffset,
		roEnd:   invalidOffset,
		maps:    make(map[types.ShardID]*extent.Map),
	}
}

func (sm *ShardMap) Info() *Info { return sm.sinfo }

func (sm *ShardMap) Empty() bool { return sm.roEnd == invalidOffset }

func (sm *ShardMap) ROStart() uint64 { return sm.roStart }
func (sm *ShardMap) ROEnd() uint64   { return sm.roEnd }

// Maps exposes the per-shard extent maps for reading; mutating them
// directly would desynchronize the RO range.
func (sm *ShardMap) Maps() map[types.ShardID]*extent.Map { return sm.maps }

func (sm *ShardMap) ContainsShard(shard types.ShardID) bool {
	_, ok := sm.maps[shard]
	return ok
}

// Size is the total buffered byte count across all shards.
func (sm *ShardMap) Size() uint64 {
	var size uint64
	for _, m := range sm.maps {
		size += m.Size()
	}
	return size
}

func (sm *ShardMap) shardMap(shard types.ShardID) *extent.Map {
	m, ok := sm.maps[shard]
	if !ok {
		m = extent.NewMap()
		sm.maps[shard] = m
	}
	return m
}

// computeRORange rebuilds roStart/roEnd from the data shards. Relatively
// expensive; mutators that know the new bounds update them directly.
func (sm *ShardMap) computeRORange() {
	start := invalidOffset
	var end uint64

	for raw := 0; raw < sm.sinfo.K(); raw++ {
		shard := sm.sinfo.Shard(raw)
		m, ok := sm.maps[shard]
		if !ok || m.Empty() {
			continue
		}
		if s := sm.sinfo.ShardOffsetToRO(raw, m.RangeStart()); s < start {
			start = s
		}
		if e := sm.sinfo.ShardOffsetToRO(raw, m.RangeEnd()-1) + 1; e > end {
			end = e
		}
	}
	if end != 0 {
		sm.roStart = start
		sm.roEnd = end
	} else {
		sm.roStart = invalidOffset
		sm.roEnd = invalidOffset
	}
}

// InsertInShard adds a buffer on one shard and widens the RO range. The
// RO range is defined by the data shards; coding shards never move it.
func (sm *ShardMap) InsertInShard(shard types.ShardID, off uint64, buf []byte) {
	if len(buf) == 0 {
		return
	}
	raw := sm.sinfo.RawShard(shard)
	if raw >= sm.sinfo.K() {
		sm.shardMap(shard).Insert(off, buf)
		return
	}
	newStart := sm.sinfo.ShardOffsetToRO(raw, off)
	newEnd := sm.sinfo.ShardOffsetToRO(raw, off+uint64(len(buf))-1) + 1
	sm.InsertInShardBounded(shard, off, buf, newStart, newEnd)
}

// InsertInShardBounded is InsertInShard for callers that already know the
// RO bounds of the inserted bytes.
func (sm *ShardMap) InsertInShardBounded(shard types.ShardID, off uint64, buf []byte, newStart, newEnd uint64) {
	if len(buf) == 0 {
		return
	}
	sm.shardMap(shard).Insert(off, buf)
	if sm.Empty() || newStart < sm.roStart {
		sm.roStart = newStart
	}
	if sm.roEnd == invalidOffset || newEnd > sm.roEnd {
		sm.roEnd = newEnd
	}
}

// Insert unions the other map's buffers into this one.
func (sm *ShardMap) Insert(other *ShardMap) {
	for shard, m := range other.maps {
		dst := sm.shardMap(shard)
		m.Each(func(off uint64, data []byte) {
			dst.Insert(off, data)
		})
	}
	if other.roStart != invalidOffset && (sm.roStart == invalidOffset || other.roStart < sm.roStart) {
		sm.roStart = other.roStart
	}
	if other.roEnd != invalidOffset && (sm.roEnd == invalidOffset || other.roEnd > sm.roEnd) {
		sm.roEnd = other.roEnd
	}
}

// InsertROZeroBuffer scatters zeros over an RO range.
func (sm *ShardMap) InsertROZeroBuffer(roOffset, roLength uint64) {
	zeros := make([]byte, roLength)
	sm.sinfo.roRangeToShards(roOffset, roLength, nil, nil, zeros, sm)
}

// InsertROBuffer scatters a data buffer over an RO range.
func (sm *ShardMap) InsertROBuffer(roOffset uint64, data []byte) {
	sm.sinfo.roRangeToShards(roOffset, uint64(len(data)), nil, nil, data, sm)
}

// AppendZerosToRO extends the map with zeros from the current RO end up to
// roOffset. The byte at roOffset itself is not populated.
func (sm *ShardMap) AppendZerosToRO(roOffset uint64) {
	end := sm.roEnd
	if end == invalidOffset {
		end = 0
	}
	if roOffset <= end {
		return
	}
	sm.InsertROZeroBuffer(end, roOffset-end)
}

// InsertROExtentMap scatters an RO-space extent map into shard space. A
// plain rearrangement: no parity is produced.
func (sm *ShardMap) InsertROExtentMap(host *extent.Map) {
	host.Each(func(off uint64, data []byte) {
		sm.InsertROBuffer(off, data)
	})
}

// ExtentSuperset is the union of every shard's extents.
func (sm *ShardMap) ExtentSuperset() *extent.Set {
	out := extent.NewSet()
	for _, m := range sm.maps {
		out.Union(m.IntervalSet())
	}
	return out
}

// ExtentSetMap projects the buffered ranges per shard.
func (sm *ShardMap) ExtentSetMap() ShardExtentSet {
	out := NewShardExtentSet()
	for shard, m := range sm.maps {
		out[shard] = m.IntervalSet()
	}
	return out
}

// InsertParityBuffers reserves zero buffers on every coding shard over the
// data superset. Appends do not arrive with parity; encode fills these in.
func (sm *ShardMap) InsertParityBuffers() {
	encodeSet := sm.ExtentSuperset()
	for raw := sm.sinfo.K(); raw < sm.sinfo.KPlusM(); raw++ {
		shard := sm.sinfo.Shard(raw)
		for _, e := range encodeSet.Extents() {
			sm.shardMap(shard).Insert(e.Start, make([]byte, e.Len()))
		}
	}
}

// Encode computes parity for every interval in the extent superset and
// inserts it. Data shards with holes are zero-filled and kept. When the
// write appends past beforeROSize the new bytes are folded into hinfo.
func (sm *ShardMap) Encode(c codec.Codec, hinfo *hashinfo.HashInfo, beforeROSize uint64) error {
	encodeSet := sm.ExtentSuperset()

	for _, ival := range encodeSet.Extents() {
		offset, length := ival.Start, ival.Len()
		chunks := make([][]byte, sm.sinfo.KPlusM())
		hashBuffers := make(map[int][]byte, sm.sinfo.KPlusM())

		for raw := 0; raw < sm.sinfo.KPlusM(); raw++ {
			shard := sm.sinfo.Shard(raw)
			if raw < sm.sinfo.K() {
				buf, err := sm.GetBuffer(shard, offset, length, true)
				if err != nil {
					// Shard entirely absent: zero fill, and stash the
					// zeros for caching and maybe writing.
					buf = make([]byte, length)
					sm.InsertInShard(shard, offset, buf)
				}
				chunks[raw] = buf
			} else {
				chunks[raw] = make([]byte, length)
			}
			hashBuffers[int(shard)] = chunks[raw]
		}

		if err := c.EncodeChunks(chunks); err != nil {
			return fmt.Errorf("encode chunks at %d~%d: %v", offset, length, err)
		}
		for raw := sm.sinfo.K(); raw < sm.sinfo.KPlusM(); raw++ {
			sm.InsertInShard(sm.sinfo.Shard(raw), offset, chunks[raw])
		}

		if hinfo != nil && sm.roStart >= beforeROSize {
			if sm.roStart != beforeROSize {
				glog.Fatalf("encode appends at ro %d, expected %d", sm.roStart, beforeROSize)
			}
			hinfo.Append(offset, hashBuffers)
		}
	}
	return nil
}

// Decode reconstructs the wanted shards that are absent from the map,
// interval by interval, using whatever shards are buffered.
func (sm *ShardMap) Decode(c codec.Codec, want ShardExtentSet) error {
	decoded := false
	for shard, eset := range want {
		// A shard that was read does not need decoding; sub-read reply
		// handling erases buffers of errored shards before we get here.
		if sm.ContainsShard(shard) {
			continue
		}
		decoded = true
		raw := sm.sinfo.RawShard(shard)

		for _, ival := range eset.Extents() {
			offset, length := ival.Start, ival.Len()
			in := make(map[int][]byte)
			for haveShard := range sm.maps {
				if buf, err := sm.GetBuffer(haveShard, offset, length, true); err == nil {
					in[sm.sinfo.RawShard(haveShard)] = buf
				}
			}
			out, err := c.Decode(map[int]bool{raw: true}, in, int(sm.sinfo.ChunkSize()))
			if err != nil {
				return fmt.Errorf("decode shard %s at %d~%d: %v", shard, offset, length, err)
			}
			if uint64(len(out[raw])) != length {
				glog.Fatalf("decode of shard %s produced %d bytes, wanted %d", shard, len(out[raw]), length)
			}
			sm.InsertInShardBounded(shard, offset, out[raw], sm.roStart, sm.roEnd)
		}
	}
	if decoded {
		sm.computeRORange()
	}
	return nil
}

// GetBuffer returns the bytes of [offset, offset+length) on one shard.
// With zeroPad set, holes are filled with zeros (the shard must still be
// present); without it, partial coverage is an error.
func (sm *ShardMap) GetBuffer(shard types.ShardID, offset, length uint64, zeroPad bool) ([]byte, error) {
	m, ok := sm.maps[shard]
	if !ok {
		return nil, fmt.Errorf("shard %s not buffered", shard)
	}
	if data, ok := m.ReadBytes(offset, length); ok {
		return data, nil
	}
	if !zeroPad {
		return nil, fmt.Errorf("range %d~%d not fully buffered on shard %s", offset, length, shard)
	}
	padded := make([]byte, length)
	m.Intersect(extent.SetOf(offset, length)).Each(func(off uint64, data []byte) {
		copy(padded[off-offset:], data)
	})
	return padded, nil
}

// Slice cuts [offset, offset+length) out of every buffered shard,
// zero-padding holes, keyed by physical shard.
func (sm *ShardMap) Slice(offset, length uint64) map[types.ShardID][]byte {
	out := make(map[types.ShardID][]byte, len(sm.maps))
	for shard := range sm.maps {
		buf, err := sm.GetBuffer(shard, offset, length, true)
		if err != nil {
			glog.Fatalf("slice %d~%d: %v", offset, length, err)
		}
		out[shard] = buf
	}
	return out
}

// GetROBuffer reassembles the data shards into RO-order bytes for
// [roOffset, roOffset+roLength). Every byte must be buffered.
func (sm *ShardMap) GetROBuffer(roOffset, roLength uint64) ([]byte, error) {
	out := make([]byte, 0, roLength)
	chunkSize := sm.sinfo.ChunkSize()

	alignedOff, alignedLen := sm.sinfo.OffsetLenToChunkBounds(roOffset, roLength)
	rawShard := int(roOffset/chunkSize) % sm.sinfo.K()

	for chunkOffset := alignedOff; chunkOffset < alignedOff+alignedLen; chunkOffset += chunkSize {
		if rawShard == sm.sinfo.K() {
			rawShard = 0
		}
		subOffset := max(chunkOffset, roOffset)
		subShardOffset := (chunkOffset/sm.sinfo.StripeWidth())*chunkSize + subOffset - chunkOffset
		subLen := min(roOffset+roLength, chunkOffset+chunkSize) - subOffset

		buf, err := sm.GetBuffer(sm.sinfo.Shard(rawShard), subShardOffset, subLen, false)
		if err != nil {
			return nil, err
		}
		out = append(out, buf...)
		rawShard++
	}
	return out, nil
}

// EraseShard drops all of one shard's buffers.
func (sm *ShardMap) EraseShard(shard types.ShardID) {
	if _, ok := sm.maps[shard]; ok {
		delete(sm.maps, shard)
		sm.computeRORange()
	}
}

// EraseStripe drops [offset, offset+length) in shard space on every shard.
func (sm *ShardMap) EraseStripe(offset, length uint64) {
	for shard, m := range sm.maps {
		m.Erase(offset, length)
		if m.Empty() {
			delete(sm.maps, shard)
		}
	}
	sm.computeRORange()
}

// EraseAfterRO drops everything at or beyond the RO offset.
func (sm *ShardMap) EraseAfterRO(roOffset uint64) {
	if sm.Empty() || roOffset >= sm.roEnd {
		return
	}
	toErase := NewShardExtentSet()
	sm.sinfo.RORangeToShardExtentSet(roOffset, sm.roEnd-roOffset, toErase)
	for shard, eset := range toErase {
		m, ok := sm.maps[shard]
		if !ok {
			continue
		}
		m.Erase(eset.RangeStart(), eset.RangeEnd()-eset.RangeStart())
		if m.Empty() {
			delete(sm.maps, shard)
		}
	}
	sm.computeRORange()
}

// Intersect returns the sub-map covered by both this map and other.
func (sm *ShardMap) Intersect(other ShardExtentSet) *ShardMap {
	out := NewShardMap(sm.sinfo)
	for shard, eset := range other {
		m, ok := sm.maps[shard]
		if !ok {
			continue
		}
		sub := m.Intersect(eset)
		if !sub.Empty() {
			out.maps[shard] = sub
		}
	}
	out.computeRORange()
	return out
}

// IntersectRORange trims the map to the shard footprint of an RO range.
func (sm *ShardMap) IntersectRORange(roOffset, roLength uint64) *ShardMap {
	// Common case: the overlap is everything.
	if !sm.Empty() && roOffset <= sm.roStart && roOffset+roLength >= sm.roEnd {
		return sm.clone()
	}
	if sm.Empty() || roOffset >= sm.roEnd || roOffset+roLength <= sm.roStart {
		return NewShardMap(sm.sinfo)
	}
	toIntersect := NewShardExtentSet()
	sm.sinfo.RORangeToShardExtentSet(roOffset, roLength, toIntersect)
	return sm.Intersect(toIntersect)
}

// Contains reports whether every byte of other is buffered.
func (sm *ShardMap) Contains(other ShardExtentSet) bool {
	for shard, eset := range other {
		m, ok := sm.maps[shard]
		if !ok {
			return false
		}
		if !m.IntervalSet().ContainsSet(eset) {
			return false
		}
	}
	return true
}

// BufferContentsEqual reports whether other holds identical bytes for
// every extent buffered here.
func (sm *ShardMap) BufferContentsEqual(other *ShardMap) bool {
	for shard, m := range sm.maps {
		equal := true
		m.Each(func(off uint64, data []byte) {
			got, err := other.GetBuffer(shard, off, uint64(len(data)), false)
			if err != nil || !bytes.Equal(got, data) {
				equal = false
			}
		})
		if !equal {
			return false
		}
	}
	return true
}

func (sm *ShardMap) clone() *ShardMap {
	out := NewShardMap(sm.sinfo)
	out.roStart = sm.roStart
	out.roEnd = sm.roEnd
	for shard, m := range sm.maps {
		out.maps[shard] = m.Clone()
	}
	return out
}

func (sm *ShardMap) String() string {
	return fmt.Sprintf("shard_map({%d~%d}, shards=%s)", sm.roStart, sm.roEnd, sm.ExtentSetMap())
}
