package stripe

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shardgrid/shardgrid/sgrid/storage/extent"
	"github.com/shardgrid/shardgrid/sgrid/storage/types"
)

// ShardExtentSet is the per-shard footprint of an operation: which byte
// ranges, in shard address space, on which shards. Empty per-shard sets
// are not kept.
type ShardExtentSet map[types.ShardID]*extent.Set

func NewShardExtentSet() ShardExtentSet { return make(ShardExtentSet) }

// GetOrCreate returns the set for shard, creating it when absent. Callers
// that may leave the set empty must call Compact afterwards.
func (s ShardExtentSet) GetOrCreate(shard types.ShardID) *extent.Set {
	es, ok := s[shard]
	if !ok {
		es = extent.NewSet()
		s[shard] = es
	}
	return es
}

// Compact drops shards whose sets became empty.
func (s ShardExtentSet) Compact() {
	for shard, es := range s {
		if es.Empty() {
			delete(s, shard)
		}
	}
}

func (s ShardExtentSet) Empty() bool {
	for _, es := range s {
		if !es.Empty() {
			return false
		}
	}
	return true
}

func (s ShardExtentSet) Clone() ShardExtentSet {
	out := make(ShardExtentSet, len(s))
	for shard, es := range s {
		out[shard] = es.Clone()
	}
	return out
}

// Union merges other into s.
func (s ShardExtentSet) Union(other ShardExtentSet) {
	for shard, es := range other {
		if es.Empty() {
			continue
		}
		s.GetOrCreate(shard).Union(es)
	}
}

// Subtract removes other's extents from s.
func (s ShardExtentSet) Subtract(other ShardExtentSet) {
	for shard, es := range other {
		if mine, ok := s[shard]; ok {
			mine.Subtract(es)
			if mine.Empty() {
				delete(s, shard)
			}
		}
	}
}

// ContainsAll reports whether s covers every byte of other.
func (s ShardExtentSet) ContainsAll(other ShardExtentSet) bool {
	for shard, es := range other {
		if es.Empty() {
			continue
		}
		mine, ok := s[shard]
		if !ok || !mine.ContainsSet(es) {
			return false
		}
	}
	return true
}

// Align rounds every per-shard set outward to the given granularity.
func (s ShardExtentSet) Align(granularity uint64) {
	for _, es := range s {
		es.Align(granularity)
	}
}

// Superset is the union of all per-shard sets on one address space.
func (s ShardExtentSet) Superset() *extent.Set {
	out := extent.NewSet()
	for _, es := range s {
		out.Union(es)
	}
	return out
}

// Shards returns the shard ids in ascending order.
func (s ShardExtentSet) Shards() []types.ShardID {
	shards := make([]types.ShardID, 0, len(s))
	for shard := range s {
		shards = append(shards, shard)
	}
	sort.Slice(shards, func(i, j int) bool { return shards[i] < shards[j] })
	return shards
}

func (s ShardExtentSet) Equal(other ShardExtentSet) bool {
	if len(s) != len(other) {
		return false
	}
	for shard, es := range s {
		oes, ok := other[shard]
		if !ok || !es.Equal(oes) {
			return false
		}
	}
	return true
}

func (s ShardExtentSet) String() string {
	var b strings.Builder
	b.WriteByte('{')
	for i, shard := range s.Shards() {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%s:%s", shard, s[shard])
	}
	b.WriteByte('}')
	return b.String()
}
