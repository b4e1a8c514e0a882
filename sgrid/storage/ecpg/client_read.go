package ecpg

import (
	"github.com/golang/glog"

	"github.com/shardgrid/shardgrid/sgrid/stats"
	"github.com/shardgrid/shardgrid/sgrid/storage/extent"
	"github.com/shardgrid/shardgrid/sgrid/storage/stripe"
	"github.com/shardgrid/shardgrid/sgrid/storage/types"
)

// ObjectsReadAndReconstruct reads RO ranges from the minimum set of peer
// shards and reconstructs them into per-object RO extent maps. Completion
// slots fire in submission order. fastRead expands every available shard
// to a redundant read.
func (p *ReadPipeline) ObjectsReadAndReconstruct(
	reads map[types.ObjectID][]Align,
	fastRead bool,
	onComplete func(map[types.ObjectID]ECExtent),
) {
	status := &ClientAsyncReadStatus{remaining: len(reads), fn: onComplete}
	p.inProgressClientReads = append(p.inProgressClientReads, status)
	if len(reads) == 0 {
		p.kickReads()
		return
	}

	wantToRead := make(map[types.ObjectID]map[int]bool)
	forReadOp := make(map[types.ObjectID]*ReadRequest)

	for oid, toRead := range reads {
		want := p.getWantToReadShards(toRead)
		request := newReadRequest(toRead, false)
		if err := p.GetMinAvailToReadShards(oid, want, false, fastRead, request); err != nil {
			glog.Errorf("cannot plan read for %s: %v", oid, err)
			status.completeObject(oid, ErrIO, nil)
			continue
		}
		wantToRead[oid] = rawShardSet(p.sinfo, want)
		forReadOp[oid] = request
	}

	if len(forReadOp) == 0 {
		p.kickReads()
		return
	}

	p.StartReadOp(PriorityDefault, wantToRead, forReadOp, fastRead, false,
		&clientReadCompleter{pipeline: p, status: status})
}

// ObjectReadShards reads exact shard extents, reconstructing any wanted
// shard whose peer cannot serve it. This is the primitive behind RMW
// remote reads, the extent cache backend, and recovery.
func (p *ReadPipeline) ObjectReadShards(
	oid types.ObjectID,
	request stripe.ShardExtentSet,
	forRecovery bool,
	cb func(*stripe.ShardMap, error),
) {
	readRequest := newReadRequest(nil, false)
	if err := p.GetMinAvailToReadShards(oid, request, forRecovery, false, readRequest); err != nil {
		cb(nil, err)
		return
	}
	priority := PriorityDefault
	if forRecovery {
		priority = PriorityRecovery
	}
	p.StartReadOp(priority,
		map[types.ObjectID]map[int]bool{oid: rawShardSet(p.sinfo, request)},
		map[types.ObjectID]*ReadRequest{oid: readRequest},
		false, forRecovery,
		&shardReadCompleter{pipeline: p, want: request, cb: cb})
}

// clientReadCompleter decodes a finished op into RO buffers and completes
// the client's slot.
type clientReadCompleter struct {
	pipeline *ReadPipeline
	status   *ClientAsyncReadStatus
}

func (c *clientReadCompleter) FinishSingleRequest(
	oid types.ObjectID,
	res *ReadResult,
	toRead []Align,
	wanted map[int]bool,
) {
	p := c.pipeline
	if res.Err != nil {
		c.status.completeObject(oid, res.Err, nil)
		p.kickReads()
		return
	}

	result := extent.NewMap()
	for _, read := range toRead {
		decoded, off, err := p.decodeAligned(read, res.BuffersRead)
		if err != nil {
			glog.V(1).Infof("decode failed for %s %s: %v", oid, read, err)
			stats.ECDecodeErrors.Inc()
			c.status.completeObject(oid, err, nil)
			p.kickReads()
			return
		}
		length := min(read.Size, uint64(len(decoded))-off)
		result.Insert(read.Offset, decoded[off:off+length])
	}
	c.status.completeObject(oid, nil, result)
	p.kickReads()
}

func (c *clientReadCompleter) Finish(priority int) {
	// Slot completion happens per object; nothing left to do.
}

// decodeAligned splits one read into chunk-aligned windows and decodes
// each from whatever shards were read. The second return is the offset of
// the requested bytes within the decoded buffer.
func (p *ReadPipeline) decodeAligned(read Align, buffersRead *stripe.ShardMap) ([]byte, uint64, error) {
	if read.Size == 0 {
		return nil, 0, nil
	}
	chunkSize := p.sinfo.ChunkSize()

	alignedOff, alignedLen := p.sinfo.OffsetLenToPageBounds(read.Offset, read.Size)
	chunkOff, chunkLen := p.sinfo.OffsetLenToChunkBounds(read.Offset, read.Size)

	out := make([]byte, 0, alignedLen)
	rawShard := int(alignedOff/chunkSize) % p.sinfo.K()

	for chunkOffset := chunkOff; chunkOffset < chunkOff+chunkLen; chunkOffset, rawShard = chunkOffset+chunkSize, rawShard+1 {
		if rawShard == p.sinfo.K() {
			rawShard = 0
		}
		shard := p.sinfo.Shard(rawShard)

		subOffset := max(chunkOffset, alignedOff)
		subShardOffset := (chunkOffset/p.sinfo.StripeWidth())*chunkSize + subOffset - chunkOffset
		subLen := min(alignedOff+alignedLen, chunkOffset+chunkSize) - subOffset

		chunks := make(map[int][]byte)
		if m, ok := buffersRead.Maps()[shard]; ok {
			// The read succeeded on this shard, so it had better hold the
			// bytes.
			data, covered := m.ReadBytes(subShardOffset, subLen)
			if !covered {
				glog.Fatalf("shard %s read reply missing %d~%d", shard, subShardOffset, subLen)
			}
			chunks[rawShard] = data
		} else {
			// Reconstruct from whichever shards hold this window; decode
			// copes with less than a full stripe.
			for haveShard, m := range buffersRead.Maps() {
				if data, covered := m.ReadBytes(subShardOffset, subLen); covered {
					chunks[p.sinfo.RawShard(haveShard)] = data
				}
			}
		}

		decoded, err := p.ec.DecodeConcat(map[int]bool{rawShard: true}, chunks)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, decoded...)
	}

	return out, read.Offset - alignedOff, nil
}

// shardReadCompleter reconstructs missing wanted shards and hands the
// shard map to the caller.
type shardReadCompleter struct {
	pipeline *ReadPipeline
	want     stripe.ShardExtentSet
	cb       func(*stripe.ShardMap, error)
}

func (c *shardReadCompleter) FinishSingleRequest(
	oid types.ObjectID,
	res *ReadResult,
	toRead []Align,
	wanted map[int]bool,
) {
	if res.Err != nil {
		c.cb(nil, res.Err)
		return
	}
	sm := res.BuffersRead
	if err := sm.Decode(c.pipeline.ec, c.want); err != nil {
		stats.ECDecodeErrors.Inc()
		c.cb(nil, err)
		return
	}
	c.cb(sm.Intersect(c.want), nil)
}

func (c *shardReadCompleter) Finish(priority int) {}
