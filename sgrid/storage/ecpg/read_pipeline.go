package ecpg

import (
	"sort"

	"github.com/golang/glog"

	"github.com/shardgrid/shardgrid/sgrid/stats"
	"github.com/shardgrid/shardgrid/sgrid/storage/codec"
	"github.com/shardgrid/shardgrid/sgrid/storage/extent"
	"github.com/shardgrid/shardgrid/sgrid/storage/stripe"
	"github.com/shardgrid/shardgrid/sgrid/storage/types"
)

// ReadCompleter consumes a finished ReadOp, one object at a time.
type ReadCompleter interface {
	FinishSingleRequest(oid types.ObjectID, res *ReadResult, toRead []Align, wanted map[int]bool)
	Finish(priority int)
}

// ClientAsyncReadStatus is one client submission's completion slot.
// Slots complete strictly in submission order regardless of which op
// finishes first.
type ClientAsyncReadStatus struct {
	remaining int
	results   map[types.ObjectID]ECExtent
	fn        func(map[types.ObjectID]ECExtent)
}

func (s *ClientAsyncReadStatus) completeObject(oid types.ObjectID, err error, emap *extent.Map) {
	if s.results == nil {
		s.results = make(map[types.ObjectID]ECExtent)
	}
	s.results[oid] = ECExtent{Err: err, EMap: emap}
	s.remaining--
}

func (s *ClientAsyncReadStatus) isComplete() bool { return s.remaining == 0 }

func (s *ClientAsyncReadStatus) run() {
	fn := s.fn
	s.fn = nil
	fn(s.results)
}

// ReadOp is one in-flight fan-out read, indexed by transaction id.
type ReadOp struct {
	Priority    int
	TID         types.TID
	DoRedundant bool
	ForRecovery bool

	OnComplete ReadCompleter

	// WantToRead: per object, the raw shards the want footprint covers.
	WantToRead map[types.ObjectID]map[int]bool
	ToRead     map[types.ObjectID]*ReadRequest
	Complete   map[types.ObjectID]*ReadResult

	ObjToSource map[types.ObjectID]PeerSet
	SourceToObj map[types.PeerShard]map[types.ObjectID]bool
	InProgress  PeerSet
}

// ReadPipeline plans client reads, fans sub-reads out to peers, collects
// replies and drives decoding.
type ReadPipeline struct {
	opts   Options
	sinfo  *stripe.Info
	ec     codec.Codec
	parent Parent

	tidToRead   map[types.TID]*ReadOp
	shardToRead map[types.PeerShard]map[types.TID]bool

	inProgressClientReads []*ClientAsyncReadStatus
}

func NewReadPipeline(opts Options, sinfo *stripe.Info, ec codec.Codec, parent Parent) *ReadPipeline {
	return &ReadPipeline{
		opts:        opts,
		sinfo:       sinfo,
		ec:          ec,
		parent:      parent,
		tidToRead:   make(map[types.TID]*ReadOp),
		shardToRead: make(map[types.PeerShard]map[types.TID]bool),
	}
}

// OnChange cancels every in-flight read. The parent replays after resync.
func (p *ReadPipeline) OnChange() {
	for _, op := range p.tidToRead {
		glog.V(1).Infof("on_change: cancelling read op tid=%d", op.TID)
	}
	p.tidToRead = make(map[types.TID]*ReadOp)
	p.shardToRead = make(map[types.PeerShard]map[types.TID]bool)
	p.inProgressClientReads = nil
}

// getAllAvailShards collects the shards an object can be read from: the
// acting set minus errors and missing, widened for recovery by backfill
// peers holding the object and by missing-loc peers.
func (p *ReadPipeline) getAllAvailShards(
	oid types.ObjectID,
	errorShards PeerSet,
	forRecovery bool,
) (have map[int]bool, shards map[int]types.PeerShard) {
	have = make(map[int]bool)
	shards = make(map[int]types.PeerShard)

	for peer := range p.parent.GetActingShards() {
		if errorShards[peer] {
			continue
		}
		if missing := p.parent.GetShardMissing(peer); missing != nil && missing.IsMissing(oid) {
			continue
		}
		raw := p.sinfo.RawShard(peer.Shard)
		have[raw] = true
		shards[raw] = peer
	}

	if !forRecovery {
		return have, shards
	}

	for peer := range p.parent.GetBackfillShards() {
		if errorShards[peer] {
			continue
		}
		raw := p.sinfo.RawShard(peer.Shard)
		if have[raw] {
			continue
		}
		info := p.parent.GetShardInfo(peer)
		missing := p.parent.GetShardMissing(peer)
		if oid < info.LastBackfill && (missing == nil || !missing.IsMissing(oid)) {
			have[raw] = true
			shards[raw] = peer
		}
	}

	if loc, ok := p.parent.GetMissingLocShards()[oid]; ok {
		for peer := range loc {
			if errorShards[peer] {
				continue
			}
			if m := p.parent.MaybeGetShardMissing(peer); m != nil && m.IsMissing(oid) {
				glog.Fatalf("missing-loc peer %s is missing %s", peer, oid)
			}
			raw := p.sinfo.RawShard(peer.Shard)
			have[raw] = true
			shards[raw] = peer
		}
	}
	return have, shards
}

// getMinWantToReadShards accumulates the geometry-minimal per-shard
// footprint of one read range.
func (p *ReadPipeline) getMinWantToReadShards(toRead Align, want stripe.ShardExtentSet) {
	p.sinfo.RORangeToShardExtentSet(toRead.Offset, toRead.Size, want)
	glog.V(3).Infof("min want for %s: %s", toRead, want)
}

// getWantToReadShards computes the wanted footprint for a request. Without
// partial reads every data shard reads the full chunk-aligned range.
func (p *ReadPipeline) getWantToReadShards(toRead []Align) stripe.ShardExtentSet {
	want := stripe.NewShardExtentSet()
	if p.opts.PartialReads {
		for _, read := range toRead {
			p.getMinWantToReadShards(read, want)
		}
		return want
	}

	for raw := 0; raw < p.sinfo.K(); raw++ {
		shard := p.sinfo.Shard(raw)
		for _, read := range toRead {
			off, length := p.sinfo.ChunkAlignedOffsetLenToChunk(p.sinfo.OffsetLenToStripeBounds(read.Offset, read.Size))
			want.GetOrCreate(shard).Insert(off, length)
		}
	}
	return want
}

func rawShardSet(sinfo *stripe.Info, want stripe.ShardExtentSet) map[int]bool {
	raw := make(map[int]bool, len(want))
	for shard, eset := range want {
		if !eset.Empty() {
			raw[sinfo.RawShard(shard)] = true
		}
	}
	return raw
}

// GetMinAvailToReadShards selects which shards to actually read for a
// wanted footprint, filling readRequest when non-nil. Redundant reads are
// mutually exclusive with recovery.
func (p *ReadPipeline) GetMinAvailToReadShards(
	oid types.ObjectID,
	want stripe.ShardExtentSet,
	forRecovery bool,
	doRedundant bool,
	readRequest *ReadRequest,
) error {
	if forRecovery && doRedundant {
		glog.Fatalf("redundant reads requested during recovery for %s", oid)
	}

	have, shards := p.getAllAvailShards(oid, nil, forRecovery)

	wantRaw := rawShardSet(p.sinfo, want)
	need, err := p.ec.MinimumToDecode(wantRaw, have)
	if err != nil {
		return err
	}

	if doRedundant {
		full := []codec.SubChunk{{Offset: 0, Count: p.ec.SubChunkCount()}}
		for raw := range have {
			need[raw] = full
		}
	}

	if readRequest == nil {
		return nil
	}

	// Extra extents each chosen shard must read beyond its own want. When a
	// wanted shard is missing its bytes have to be decodable from the
	// others, so the others read the superset. Outside the experimental
	// configuration the superset is always read: the recovery path will
	// not re-read a shard it already read.
	anyMissing := false
	for shard, eset := range want {
		if !eset.Empty() && !have[p.sinfo.RawShard(shard)] {
			anyMissing = true
		}
	}
	extra := extent.NewSet()
	if anyMissing || doRedundant || !p.opts.PartialReadsExperimental {
		for _, eset := range want {
			extra.Union(eset)
		}
	}

	for raw, subchunks := range need {
		if !have[raw] {
			continue
		}
		peer := shards[raw]
		sr := &ShardRead{Extents: extent.NewSet(), Subchunks: subchunks}
		sr.Extents.Union(extra)
		if eset, ok := want[p.sinfo.Shard(raw)]; ok {
			sr.Extents.Union(eset)
		}
		sr.Extents.Align(stripe.PageSize)
		readRequest.ShardReads[peer] = sr
	}
	return nil
}

// getRemainingShards re-plans an object after failures: recompute the
// minimum over the shards not yet tried, returning the extra peers to
// read. TODO: track completeness per shard extent, not per shard, so a
// partially-read shard can be topped up under the experimental partial
// read configuration.
func (p *ReadPipeline) getRemainingShards(
	oid types.ObjectID,
	alreadyRead map[int]bool,
	wantRaw map[int]bool,
	res *ReadResult,
	forRecovery bool,
) (map[types.PeerShard][]codec.SubChunk, error) {
	errorShards := make(PeerSet)
	for peer := range res.Errors {
		errorShards[peer] = true
	}

	have, shards := p.getAllAvailShards(oid, errorShards, forRecovery)

	need, err := p.ec.MinimumToDecode(wantRaw, have)
	if err != nil {
		glog.Errorf("not enough shards left for %s: %v", oid, err)
		return nil, ErrIO
	}

	toRead := make(map[types.PeerShard][]codec.SubChunk)
	full := []codec.SubChunk{{Offset: 0, Count: p.ec.SubChunkCount()}}
	for raw := range need {
		if alreadyRead[raw] {
			continue
		}
		toRead[shards[raw]] = full
	}
	return toRead, nil
}

// StartReadOp allocates a transaction id, records the op and fans the
// sub-reads out.
func (p *ReadPipeline) StartReadOp(
	priority int,
	wantToRead map[types.ObjectID]map[int]bool,
	toRead map[types.ObjectID]*ReadRequest,
	doRedundant bool,
	forRecovery bool,
	onComplete ReadCompleter,
) *ReadOp {
	tid := p.parent.GetTID()
	if _, ok := p.tidToRead[tid]; ok {
		glog.Fatalf("duplicate read tid %d", tid)
	}
	op := &ReadOp{
		Priority:    priority,
		TID:         tid,
		DoRedundant: doRedundant,
		ForRecovery: forRecovery,
		OnComplete:  onComplete,
		WantToRead:  wantToRead,
		ToRead:      toRead,
		Complete:    make(map[types.ObjectID]*ReadResult),
		ObjToSource: make(map[types.ObjectID]PeerSet),
		SourceToObj: make(map[types.PeerShard]map[types.ObjectID]bool),
		InProgress:  make(PeerSet),
	}
	for oid := range toRead {
		op.Complete[oid] = newReadResult(p.sinfo)
	}
	p.tidToRead[tid] = op
	glog.V(2).Infof("starting read op tid=%d objects=%d", tid, len(toRead))
	p.dispatchReads(op, toRead)
	// A transport replying inline may already have completed and dropped
	// the op inside dispatchReads.
	if _, live := p.tidToRead[tid]; live && len(op.InProgress) == 0 {
		// Nothing to fetch (zero-length ranges, or everything local).
		p.checkComplete(op)
	}
	return op
}

// dispatchReads sends one sub-read per peer covering the given subset of
// the op's objects.
func (p *ReadPipeline) dispatchReads(op *ReadOp, toRead map[types.ObjectID]*ReadRequest) {
	messages := make(map[types.PeerShard]*SubReadReq)

	for oid, request := range toRead {
		needAttrs := request.WantAttrs
		for peer, shardRead := range request.ShardReads {
			msg, ok := messages[peer]
			if !ok {
				msg = &SubReadReq{
					From:      p.parent.WhoamiShard(),
					TID:       op.TID,
					PGID:      types.SPG{PGID: p.parent.PrimarySPG().PGID, Shard: peer.Shard},
					MapEpoch:  p.parent.GetOSDMapEpoch(),
					MinEpoch:  p.parent.GetIntervalStartEpoch(),
					Priority:  op.Priority,
					ToRead:    make(map[types.ObjectID][]ReadExtent),
					Subchunks: make(map[types.ObjectID][]SubChunkRange),
				}
				messages[peer] = msg
			}
			if needAttrs {
				if msg.AttrsToRead == nil {
					msg.AttrsToRead = make(map[types.ObjectID]bool)
				}
				msg.AttrsToRead[oid] = true
				needAttrs = false
			}
			var flags uint32
			if len(request.ToRead) > 0 {
				flags = request.ToRead[0].Flags
			}
			for _, e := range shardRead.Extents.Extents() {
				msg.ToRead[oid] = append(msg.ToRead[oid], ReadExtent{Offset: e.Start, Length: e.Len(), Flags: flags})
			}
			for _, sc := range shardRead.Subchunks {
				msg.Subchunks[oid] = append(msg.Subchunks[oid], SubChunkRange{Offset: sc.Offset, Count: sc.Count})
			}

			if op.ObjToSource[oid] == nil {
				op.ObjToSource[oid] = make(PeerSet)
			}
			op.ObjToSource[oid][peer] = true
			if op.SourceToObj[peer] == nil {
				op.SourceToObj[peer] = make(map[types.ObjectID]bool)
			}
			op.SourceToObj[peer][oid] = true
		}
	}

	sends := make([]MessageTo, 0, len(messages))
	for peer, msg := range messages {
		op.InProgress[peer] = true
		if p.shardToRead[peer] == nil {
			p.shardToRead[peer] = make(map[types.TID]bool)
		}
		p.shardToRead[peer][op.TID] = true
		sends = append(sends, MessageTo{OSD: peer.OSD, Msg: msg})
	}
	if len(sends) > 0 {
		p.parent.SendMessageOSDCluster(sends, p.parent.GetOSDMapEpoch())
		stats.ECSubReadsSent.WithLabelValues(boolLabel(op.ForRecovery)).Add(float64(len(sends)))
	}
	glog.V(2).Infof("read op tid=%d dispatched to %d peers", op.TID, len(sends))
}

// HandleSubReadReply deposits one peer's buffers or error and drives the
// op forward. Replies for cancelled ops are dropped.
func (p *ReadPipeline) HandleSubReadReply(reply *SubReadReply) {
	op, ok := p.tidToRead[reply.TID]
	if !ok {
		glog.V(2).Infof("stale sub-read reply tid=%d from %s", reply.TID, reply.From)
		return
	}
	from := reply.From

	for oid, buffers := range reply.Buffers {
		res, ok := op.Complete[oid]
		if !ok {
			continue
		}
		buffers.Each(func(off uint64, data []byte) {
			res.BuffersRead.InsertInShard(from.Shard, off, data)
		})
	}
	for oid, attrs := range reply.Attrs {
		if res, ok := op.Complete[oid]; ok {
			res.Attrs = attrs
		}
	}
	for oid, err := range reply.Errors {
		res, ok := op.Complete[oid]
		if !ok {
			continue
		}
		res.Errors[from] = err
		// An errored shard must not contribute partial buffers to decode.
		res.BuffersRead.EraseShard(from.Shard)
		stats.ECReadErrors.Inc()
		glog.Errorf("sub-read error tid=%d %s from %s: %v", op.TID, oid, from, err)
	}

	delete(p.shardToRead[from], op.TID)
	delete(op.InProgress, from)

	if len(op.InProgress) == 0 {
		p.checkComplete(op)
	}
}

// checkComplete runs once every expected reply is in: re-plan objects that
// cannot decode yet, fail those that never will, complete the rest.
func (p *ReadPipeline) checkComplete(op *ReadOp) {
	needResend := false
	for oid, res := range op.Complete {
		if res.Err != nil {
			continue
		}
		have := make(map[int]bool)
		for shard := range res.BuffersRead.Maps() {
			have[p.sinfo.RawShard(shard)] = true
		}
		if _, err := p.ec.MinimumToDecode(op.WantToRead[oid], have); err == nil {
			continue
		}
		if err := p.sendAllRemainingReads(oid, op); err != nil {
			res.Err = ErrIO
			res.BuffersRead = stripe.NewShardMap(p.sinfo)
		} else {
			needResend = true
			stats.ECReadRetries.Inc()
		}
		// A transport replying inline can complete the whole op from
		// inside the retry dispatch.
		if _, live := p.tidToRead[op.TID]; !live {
			return
		}
	}
	if needResend {
		return
	}
	p.completeReadOp(op)
}

// sendAllRemainingReads re-plans one object over the untried shards and
// dispatches the additional sub-reads.
func (p *ReadPipeline) sendAllRemainingReads(oid types.ObjectID, op *ReadOp) error {
	alreadyRead := make(map[int]bool)
	for peer := range op.ObjToSource[oid] {
		alreadyRead[p.sinfo.RawShard(peer.Shard)] = true
	}
	glog.V(2).Infof("re-planning %s, already tried raw shards %v", oid, alreadyRead)

	res := op.Complete[oid]
	shards, err := p.getRemainingShards(oid, alreadyRead, op.WantToRead[oid], res, op.ForRecovery)
	if err != nil {
		return err
	}
	if len(shards) == 0 {
		return ErrIO
	}

	prior := op.ToRead[oid]
	// Retry the attr read too when the shard that carried it failed.
	wantAttrs := prior.WantAttrs && len(res.Attrs) == 0

	request := newReadRequest(prior.ToRead, wantAttrs)
	for peer, subchunks := range shards {
		sr := &ShardRead{Extents: extent.NewSet(), Subchunks: subchunks}
		for _, read := range prior.ToRead {
			off, length := p.sinfo.ChunkAlignedOffsetLenToChunk(p.sinfo.OffsetLenToStripeBounds(read.Offset, read.Size))
			sr.Extents.Insert(off, length)
		}
		sr.Extents.Align(stripe.PageSize)
		request.ShardReads[peer] = sr
	}

	op.ToRead[oid] = request
	p.dispatchReads(op, map[types.ObjectID]*ReadRequest{oid: request})
	return nil
}

// completeReadOp hands every object to the completer in a stable order,
// then drops the op.
func (p *ReadPipeline) completeReadOp(op *ReadOp) {
	glog.V(2).Infof("completing read op tid=%d", op.TID)
	oids := make([]types.ObjectID, 0, len(op.ToRead))
	for oid := range op.ToRead {
		oids = append(oids, oid)
	}
	sort.Slice(oids, func(i, j int) bool { return oids[i] < oids[j] })

	for _, oid := range oids {
		op.OnComplete.FinishSingleRequest(oid, op.Complete[oid], op.ToRead[oid].ToRead, op.WantToRead[oid])
	}
	op.OnComplete.Finish(op.Priority)

	for peer := range op.InProgress {
		delete(p.shardToRead[peer], op.TID)
	}
	op.InProgress = make(PeerSet)
	delete(p.tidToRead, op.TID)
}

// kickReads drains completed client read slots in submission order.
func (p *ReadPipeline) kickReads() {
	for len(p.inProgressClientReads) > 0 && p.inProgressClientReads[0].isComplete() {
		p.inProgressClientReads[0].run()
		p.inProgressClientReads = p.inProgressClientReads[1:]
	}
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
