// Package ecpg is the per-placement-group erasure-coding I/O engine: the
// read pipeline that reconstructs client reads from the minimum set of
// peer shards, and the RMW pipeline that serializes overlapping writes
// through the pinned extent cache.
//
// Everything here runs under the owning placement group's lock. Methods
// never block; progress resumes when sub-read and sub-write replies
// re-enter through the handler entry points.
package ecpg

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/shardgrid/shardgrid/sgrid/storage/codec"
	"github.com/shardgrid/shardgrid/sgrid/storage/extent"
	"github.com/shardgrid/shardgrid/sgrid/storage/stripe"
	"github.com/shardgrid/shardgrid/sgrid/storage/types"
	"github.com/shardgrid/shardgrid/sgrid/util"
)

// ErrIO is surfaced to the client when too few shards remain to decode.
var ErrIO = errors.New("not enough shards to reconstruct")

// Message priorities for sub-read dispatch.
const (
	PriorityDefault  = 63
	PriorityRecovery = 10
)

// Align is one client read range with its I/O flags.
type Align struct {
	Offset uint64
	Size   uint64
	Flags  uint32
}

func (a Align) String() string { return fmt.Sprintf("%d,%d,%d", a.Offset, a.Size, a.Flags) }

// ShardRead is the footprint to fetch from one shard: page-aligned extents
// in shard address space plus the codec's sub-chunk selection.
type ShardRead struct {
	Extents   *extent.Set
	Subchunks []codec.SubChunk
}

func newShardRead() *ShardRead {
	return &ShardRead{Extents: extent.NewSet(), Subchunks: []codec.SubChunk{{Offset: 0, Count: 1}}}
}

func (r *ShardRead) String() string {
	return fmt.Sprintf("shard_read(extents=%s, subchunks=%v)", r.Extents, r.Subchunks)
}

// ReadRequest is everything to read for one object.
type ReadRequest struct {
	ToRead     []Align
	ShardReads map[types.PeerShard]*ShardRead
	WantAttrs  bool
}

func newReadRequest(toRead []Align, wantAttrs bool) *ReadRequest {
	return &ReadRequest{
		ToRead:     toRead,
		ShardReads: make(map[types.PeerShard]*ShardRead),
		WantAttrs:  wantAttrs,
	}
}

// ReadResult accumulates one object's replies.
type ReadResult struct {
	Err         error
	Errors      map[types.PeerShard]error
	Attrs       map[string][]byte
	BuffersRead *stripe.ShardMap
}

func newReadResult(sinfo *stripe.Info) *ReadResult {
	return &ReadResult{
		Errors:      make(map[types.PeerShard]error),
		BuffersRead: stripe.NewShardMap(sinfo),
	}
}

// ECExtent is the per-object outcome of a reconstructed read.
type ECExtent struct {
	Err  error
	EMap *extent.Map // RO space
}

// Reqid ties an op back to the submitting client.
type Reqid struct {
	Client uuid.UUID
	Inc    int32
	Tid    uint64
}

func (r Reqid) String() string { return fmt.Sprintf("%s.%d:%d", r.Client, r.Inc, r.Tid) }

// PeerSet is a set of peer shards.
type PeerSet map[types.PeerShard]bool

func (s PeerSet) Clone() PeerSet {
	out := make(PeerSet, len(s))
	for p := range s {
		out[p] = true
	}
	return out
}

// Options is the engine configuration, passed explicitly at construction.
type Options struct {
	// PartialReads selects the geometry-minimizing per-range shard
	// selection; off reads whole chunk-aligned ranges from every data
	// shard.
	PartialReads bool
	// PartialReadsExperimental skips the superset expansion of extra
	// extents. Unsafe in combination with recovery reads.
	PartialReadsExperimental bool
	// CacheMaxBytes bounds the extent cache; pins may exceed it.
	CacheMaxBytes uint64
	// HashInfoRecords bounds the hash-info registry.
	HashInfoRecords int64
}

func DefaultOptions() Options {
	return Options{
		PartialReads:  true,
		CacheMaxBytes: 64 << 20,
	}
}

// OptionsFromConfig reads the ec.* keys from a loaded configuration.
func OptionsFromConfig(config util.Configuration) Options {
	config.SetDefault("ec.partial_reads", true)
	config.SetDefault("ec.partial_reads_experimental", false)
	config.SetDefault("ec.cache_max_bytes", int64(64<<20))
	config.SetDefault("ec.hash_info_records", int64(1024))
	return Options{
		PartialReads:             config.GetBool("ec.partial_reads"),
		PartialReadsExperimental: config.GetBool("ec.partial_reads_experimental"),
		CacheMaxBytes:            uint64(config.GetInt64("ec.cache_max_bytes")),
		HashInfoRecords:          config.GetInt64("ec.hash_info_records"),
	}
}
