package ecpg

import (
	"github.com/golang/glog"

	"github.com/shardgrid/shardgrid/sgrid/storage/codec"
	"github.com/shardgrid/shardgrid/sgrid/storage/extcache"
	"github.com/shardgrid/shardgrid/sgrid/storage/hashinfo"
	"github.com/shardgrid/shardgrid/sgrid/storage/stripe"
	"github.com/shardgrid/shardgrid/sgrid/storage/types"
)

// Engine bundles the per-placement-group EC machinery: read pipeline, RMW
// pipeline, extent cache and hash-info registry. One Engine per PG; every
// method runs under the PG lock.
type Engine struct {
	Opts   Options
	SInfo  *stripe.Info
	Codec  codec.Codec
	Parent Parent

	Cache        *extcache.Cache
	HashRegistry *hashinfo.Registry
	Read         *ReadPipeline
	RMW          *RMWPipeline
}

// New wires an engine. The extent cache's backend reads go through the
// read pipeline's shard-read primitive and come back via ReadDone.
func New(opts Options, ec codec.Codec, pool stripe.Pool, stripeWidth uint64, parent Parent, localWriter LocalWriter) *Engine {
	sinfo := stripe.NewInfo(ec, pool, stripeWidth)
	read := NewReadPipeline(opts, sinfo, ec, parent)

	var cache *extcache.Cache
	cache = extcache.New(func(oid types.ObjectID, request stripe.ShardExtentSet) {
		read.ObjectReadShards(oid, request, false, func(result *stripe.ShardMap, err error) {
			if err != nil {
				glog.Fatalf("cache backend read for %s failed: %v", oid, err)
			}
			cache.ReadDone(oid, result)
		})
	}, opts.CacheMaxBytes)

	rmw := NewRMWPipeline(opts, sinfo, ec, parent, localWriter, cache, read)

	return &Engine{
		Opts:         opts,
		SInfo:        sinfo,
		Codec:        ec,
		Parent:       parent,
		Cache:        cache,
		HashRegistry: hashinfo.NewRegistry(ec.ChunkCount(), opts.HashInfoRecords),
		Read:         read,
		RMW:          rmw,
	}
}

// OnChange is the engine's sole cancellation point: membership changed,
// every in-flight op is dropped, the parent replays after resync.
func (e *Engine) OnChange() {
	e.Read.OnChange()
	e.RMW.OnChange()
}
