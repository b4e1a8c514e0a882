// Package stripe maps object-relative byte ranges onto erasure-coded
// shards and back, and carries the per-pool stripe parameters every other
// storage package works from.
package stripe

import (
	"github.com/golang/glog"

	"github.com/shardgrid/shardgrid/sgrid/storage/codec"
	"github.com/shardgrid/shardgrid/sgrid/storage/extent"
	"github.com/shardgrid/shardgrid/sgrid/storage/types"
)

// PageSize is the I/O alignment applied to per-shard reads.
const PageSize = 4096

const pageMask = uint64(PageSize) - 1

func AlignPageNext(val uint64) uint64 { return (val + pageMask) &^ pageMask }
func AlignPagePrev(val uint64) uint64 { return val &^ pageMask }

// Pool carries the pool-level feature switches the engine consults.
type Pool struct {
	ECOverwrites    bool
	ECOptimizations bool
}

// Info is the immutable per-pool stripe parameter block.
type Info struct {
	stripeWidth uint64
	chunkSize   uint64
	k           int
	m           int
	flags       codec.OptimizationFlags
	pool        Pool
	mapping     []int
	reverse     map[int]int
}

// NewInfo derives the stripe parameters from the codec.
func NewInfo(c codec.Codec, pool Pool, stripeWidth uint64) *Info {
	return newInfo(c.DataChunkCount(), c.CodingChunkCount(), stripeWidth,
		c.ChunkMapping(), c.SupportedOptimizations(), pool)
}

// NewInfoExplicit builds an Info without a codec, mostly for tests.
func NewInfoExplicit(k, m int, stripeWidth uint64, mapping []int, pool Pool) *Info {
	return newInfo(k, m, stripeWidth, mapping, 0, pool)
}

func newInfo(k, m int, stripeWidth uint64, mapping []int, flags codec.OptimizationFlags, pool Pool) *Info {
	if k <= 0 || stripeWidth%uint64(k) != 0 {
		glog.Fatalf("stripe width %d not a multiple of k=%d", stripeWidth, k)
	}
	chunkSize := stripeWidth / uint64(k)
	if chunkSize&(chunkSize-1) != 0 {
		glog.Fatalf("chunk size %d not a power of two", chunkSize)
	}
	return &Info{
		stripeWidth: stripeWidth,
		chunkSize:   chunkSize,
		k:           k,
		m:           m,
		flags:       flags,
		pool:        pool,
		mapping:     codec.CompleteChunkMapping(mapping, k+m),
		reverse:     codec.ReverseChunkMapping(mapping, k+m),
	}
}

func (si *Info) StripeWidth() uint64 { return si.stripeWidth }
func (si *Info) ChunkSize() uint64   { return si.chunkSize }
func (si *Info) K() int              { return si.k }
func (si *Info) M() int              { return si.m }
func (si *Info) KPlusM() int         { return si.k + si.m }

func (si *Info) ChunkMapping() []int { return si.mapping }

// Shard maps a raw shard index to its physical shard id.
func (si *Info) Shard(rawShard int) types.ShardID {
	return types.ShardID(si.mapping[rawShard])
}

// RawShard maps a physical shard id back to its raw index.
func (si *Info) RawShard(shard types.ShardID) int {
	raw, ok := si.reverse[int(shard)]
	if !ok {
		glog.Fatalf("shard %s outside chunk mapping", shard)
	}
	return raw
}

func (si *Info) SupportsPartialReads() bool {
	return si.flags&codec.FlagPartialReads != 0
}

func (si *Info) SupportsPartialWrites() bool {
	return si.flags&codec.FlagPartialWrites != 0
}

func (si *Info) SupportsECOverwrites() bool    { return si.pool.ECOverwrites }
func (si *Info) SupportsECOptimizations() bool { return si.pool.ECOptimizations }

func (si *Info) LogicalOffsetIsStripeAligned(logical uint64) bool {
	return logical%si.stripeWidth == 0
}

func (si *Info) LogicalToPrevChunkOffset(offset uint64) uint64 {
	return (offset / si.stripeWidth) * si.chunkSize
}

func (si *Info) LogicalToNextChunkOffset(offset uint64) uint64 {
	return ((offset + si.stripeWidth - 1) / si.stripeWidth) * si.chunkSize
}

func (si *Info) LogicalToPrevStripeOffset(offset uint64) uint64 {
	return offset - (offset % si.stripeWidth)
}

func (si *Info) LogicalToNextStripeOffset(offset uint64) uint64 {
	if offset%si.stripeWidth == 0 {
		return offset
	}
	return offset - (offset % si.stripeWidth) + si.stripeWidth
}

func (si *Info) AlignedLogicalOffsetToChunkOffset(offset uint64) uint64 {
	if offset%si.stripeWidth != 0 {
		glog.Fatalf("offset %d not stripe aligned", offset)
	}
	return (offset / si.stripeWidth) * si.chunkSize
}

func (si *Info) AlignedChunkOffsetToLogicalOffset(offset uint64) uint64 {
	if offset%si.chunkSize != 0 {
		glog.Fatalf("offset %d not chunk aligned", offset)
	}
	return (offset / si.chunkSize) * si.stripeWidth
}

// ChunkAlignedOffsetLenToChunk converts an RO range whose offset is
// stripe-aligned to the shard-space range it occupies on each data shard:
// offset rounds down, length rounds up, both to whole stripes.
func (si *Info) ChunkAlignedOffsetLenToChunk(off, length uint64) (uint64, uint64) {
	return (off / si.stripeWidth) * si.chunkSize,
		((length + si.stripeWidth - 1) / si.stripeWidth) * si.chunkSize
}

// OffsetLenToStripeBounds expands an RO range outward to stripe boundaries.
func (si *Info) OffsetLenToStripeBounds(off, length uint64) (uint64, uint64) {
	start := si.LogicalToPrevStripeOffset(off)
	return start, si.LogicalToNextStripeOffset((off - start) + length)
}

// OffsetLenToChunkBounds expands a shard-space range outward to chunk
// boundaries.
func (si *Info) OffsetLenToChunkBounds(off, length uint64) (uint64, uint64) {
	start := off - (off % si.chunkSize)
	tmp := (off - start) + length
	if tmp%si.chunkSize != 0 {
		tmp = tmp - (tmp % si.chunkSize) + si.chunkSize
	}
	return start, tmp
}

// OffsetLenToPageBounds expands a shard-space range outward to page
// boundaries.
func (si *Info) OffsetLenToPageBounds(off, length uint64) (uint64, uint64) {
	start := AlignPagePrev(off)
	return start, AlignPageNext((off - start) + length)
}

// SameStripe reports whether the RO range lies within one stripe.
func (si *Info) SameStripe(off, length uint64) bool {
	if length == 0 {
		return true
	}
	return off/si.stripeWidth == (off+length-1)/si.stripeWidth
}

// ShardOffsetToRO maps an offset on one raw shard back to the RO offset of
// the same byte.
func (si *Info) ShardOffsetToRO(rawShard int, shardOffset uint64) uint64 {
	stripes := shardOffset / si.chunkSize
	return stripes*si.stripeWidth + uint64(rawShard)*si.chunkSize + shardOffset%si.chunkSize
}

// ROOffsetToShardOffset maps an RO offset to the corresponding offset on
// the given raw shard: exact on the shard holding the byte; on the others,
// the start of that shard's first chunk after roOffset in RO order (the
// next stripe for shards before the byte's shard, this stripe for shards
// after it).
func (si *Info) ROOffsetToShardOffset(roOffset uint64, rawShard int) uint64 {
	fullStripes := (roOffset / si.stripeWidth) * si.chunkSize
	offsetShard := int(roOffset/si.chunkSize) % si.k
	if rawShard == offsetShard {
		return fullStripes + roOffset%si.chunkSize
	}
	if rawShard < offsetShard {
		return fullStripes + si.chunkSize
	}
	return fullStripes
}

// RORangeToShardExtentSet accumulates the per-shard footprint of an RO
// range into out.
func (si *Info) RORangeToShardExtentSet(roOffset, roSize uint64, out ShardExtentSet) {
	si.roRangeToShards(roOffset, roSize, out, nil, nil, nil)
}

// RORangeToShardExtentSetSuperset additionally accumulates the union of
// all per-shard extents.
func (si *Info) RORangeToShardExtentSetSuperset(roOffset, roSize uint64, out ShardExtentSet, superset *extent.Set) {
	si.roRangeToShards(roOffset, roSize, out, superset, nil, nil)
}

// roRangeToShards walks the chunks covering [roOffset, roOffset+roSize),
// emitting each shard's extent and optionally scattering data into a shard
// map. The walk winds through raw shards in stripe order; shards that the
// range only covers in later stripes start one chunk further down.
func (si *Info) roRangeToShards(
	roOffset uint64,
	roSize uint64,
	shardExtentSet ShardExtentSet,
	superset *extent.Set,
	data []byte,
	shardMap *ShardMap,
) {
	// The maths below assumes a non-empty range.
	if roSize == 0 {
		return
	}

	k := uint64(si.k)

	beginDiv := roOffset / si.stripeWidth
	endDiv := (roOffset+roSize+si.stripeWidth-1)/si.stripeWidth - 1
	start := beginDiv * si.chunkSize
	end := endDiv * si.chunkSize

	startShard := (roOffset - beginDiv*si.stripeWidth) / si.chunkSize
	chunkCount := (roOffset+roSize+si.chunkSize-1)/si.chunkSize - roOffset/si.chunkSize

	// endShard is kept un-wrapped for the loop below; lastShard is the raw
	// shard holding the final chunk.
	endShard := startShard + min(chunkCount, k)
	lastShard := (startShard + chunkCount - 1) % k

	var bufferShardStart uint64

	for i := startShard; i < endShard; i++ {
		rawShard := i
		if rawShard >= k {
			rawShard -= k
		}

		var startAdj, endAdj uint64
		if rawShard < startShard {
			// Shards before the start begin on the next chunk.
			startAdj = si.chunkSize
		} else if rawShard == startShard {
			startAdj = roOffset % si.chunkSize
		}
		if rawShard < lastShard {
			endAdj = si.chunkSize
		} else if rawShard == lastShard {
			endAdj = (roOffset+roSize-1)%si.chunkSize + 1
		}

		shard := si.Shard(int(rawShard))
		off := start + startAdj
		length := end + endAdj - start - startAdj

		if shardExtentSet != nil {
			shardExtentSet.GetOrCreate(shard).Insert(off, length)
		}
		if superset != nil {
			superset.Insert(off, length)
		}
		if shardMap != nil {
			shardBuf := make([]byte, 0, length)
			bufOffset := bufferShardStart
			if si.chunkSize != startAdj {
				if bufOffset < uint64(len(data)) {
					take := min(uint64(len(data))-bufOffset, si.chunkSize-startAdj)
					shardBuf = append(shardBuf, data[bufOffset:bufOffset+take]...)
				}
				bufferShardStart += si.chunkSize - startAdj
				bufOffset += si.chunkSize - startAdj + (k-1)*si.chunkSize
			} else {
				bufferShardStart += si.chunkSize
			}
			for bufOffset < uint64(len(data)) {
				take := min(si.chunkSize, uint64(len(data))-bufOffset)
				shardBuf = append(shardBuf, data[bufOffset:bufOffset+take]...)
				bufOffset += k * si.chunkSize
			}
			shardMap.InsertInShardBounded(shard, off, shardBuf, roOffset, roOffset+roSize)
		}
	}
}
