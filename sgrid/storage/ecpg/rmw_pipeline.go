package ecpg

import (
	"github.com/golang/glog"

	"github.com/shardgrid/shardgrid/sgrid/stats"
	"github.com/shardgrid/shardgrid/sgrid/storage/codec"
	"github.com/shardgrid/shardgrid/sgrid/storage/extcache"
	"github.com/shardgrid/shardgrid/sgrid/storage/stripe"
	"github.com/shardgrid/shardgrid/sgrid/storage/types"
)

// Plan is what an op intends to read and write, in shard address space.
type Plan struct {
	// ToRead is the footprint the write depends on; empty means the op
	// needs no read-modify-write.
	ToRead stripe.ShardExtentSet
	// WillWrite is the footprint the generated transactions must cover,
	// data and parity shards included.
	WillWrite stripe.ShardExtentSet
	// InvalidatesCache marks overwrites that cross partial-stripe
	// boundaries; ops behind them that need a read-modify-write wait until
	// the pipeline drains.
	InvalidatesCache bool
}

// GenerateFn produces the per-shard transactions of one op. It receives
// the merged read result and must populate transactions and return the
// shard extents actually written per object.
type GenerateFn func(
	ec codec.Codec,
	pgid types.PGID,
	sinfo *stripe.Info,
	readResult *stripe.ShardMap,
	transactions map[types.ShardID]*Transaction,
) (map[types.ObjectID]*stripe.ShardMap, error)

// Op is one write moving through the RMW pipeline. Clients fill the
// exported fields; the pipeline owns the rest.
type Op struct {
	OID           types.ObjectID
	Version       types.Version
	TrimTo        types.Version
	PGCommittedTo types.Version
	TID           types.TID
	Reqid         Reqid

	Plan          Plan
	LogEntries    []LogEntry
	HitSetHistory []byte
	TempAdded     []types.ObjectID
	TempCleared   []types.ObjectID
	DeltaStats    Stats

	Generate GenerateFn

	usingCache     bool
	pin            *extcache.Op
	cacheReady     bool
	cacheResult    *stripe.ShardMap
	remoteRead     stripe.ShardExtentSet
	remoteReadDone bool
	readResult     *stripe.ShardMap

	pendingApply  PeerSet
	pendingCommit PeerSet
	onWrite       []func()
}

func (op *Op) requiresRMW() bool { return !op.Plan.ToRead.Empty() }

func (op *Op) readInProgress() bool {
	if op.usingCache {
		return !op.cacheReady
	}
	return !op.remoteRead.Empty() && !op.remoteReadDone
}

func (op *Op) writeInProgress() bool {
	return len(op.pendingApply) > 0 || len(op.pendingCommit) > 0
}

// RMWPipeline serializes overlapping writes through three per-PG queues:
// waiting_state (just arrived), waiting_reads (reads issued),
// waiting_commit (writes dispatched).
type RMWPipeline struct {
	opts        Options
	sinfo       *stripe.Info
	ec          codec.Codec
	parent      Parent
	localWriter LocalWriter

	cache *extcache.Cache
	reads *ReadPipeline

	waitingState  []*Op
	waitingReads  []*Op
	waitingCommit []*Op
	tidToOp       map[types.TID]*Op

	completedTo types.Version
	committedTo types.Version

	cacheValid bool

	checking bool
	recheck  bool
}

func NewRMWPipeline(
	opts Options,
	sinfo *stripe.Info,
	ec codec.Codec,
	parent Parent,
	localWriter LocalWriter,
	cache *extcache.Cache,
	reads *ReadPipeline,
) *RMWPipeline {
	return &RMWPipeline{
		opts:        opts,
		sinfo:       sinfo,
		ec:          ec,
		parent:      parent,
		localWriter: localWriter,
		cache:       cache,
		reads:       reads,
		tidToOp:     make(map[types.TID]*Op),
		cacheValid:  true,
	}
}

func (p *RMWPipeline) CompletedTo() types.Version { return p.completedTo }
func (p *RMWPipeline) CommittedTo() types.Version { return p.committedTo }

// StartRMW enqueues one op and drives the pipeline.
func (p *RMWPipeline) StartRMW(op *Op) {
	if op == nil {
		glog.Fatalf("nil rmw op")
	}
	if _, ok := p.tidToOp[op.TID]; ok {
		glog.Fatalf("duplicate rmw tid %d", op.TID)
	}
	glog.V(2).Infof("start rmw tid=%d oid=%s v=%s", op.TID, op.OID, op.Version)
	p.waitingState = append(p.waitingState, op)
	p.tidToOp[op.TID] = op
	p.checkOps()
}

// checkOps drives the three-stage state machine to a fixed point. Safe to
// re-enter; nested calls fold into the running loop.
func (p *RMWPipeline) checkOps() {
	if p.checking {
		p.recheck = true
		return
	}
	p.checking = true
	for {
		p.recheck = false
		for p.tryStateToReads() || p.tryReadsToCommit() || p.tryFinishRMW() {
		}
		if !p.recheck {
			break
		}
	}
	p.checking = false
	p.updateQueueGauges()
}

// CheckOps is the external entry point for reply handlers living outside
// the package.
func (p *RMWPipeline) CheckOps() { p.checkOps() }

func (p *RMWPipeline) tryStateToReads() bool {
	if len(p.waitingState) == 0 {
		return false
	}
	op := p.waitingState[0]

	if op.requiresRMW() && !p.cacheValid {
		if !p.sinfo.SupportsECOverwrites() {
			glog.Fatalf("rmw op tid=%d on a pool without overwrites", op.TID)
		}
		glog.V(2).Infof("blocking tid=%d: requires rmw and cache is invalid", op.TID)
		return false
	}

	if !p.cacheValid {
		op.usingCache = false
	} else {
		op.usingCache = true
		if op.Plan.InvalidatesCache {
			glog.V(2).Infof("invalidating cache after tid=%d", op.TID)
			p.cacheValid = false
		}
	}

	p.waitingState = p.waitingState[1:]
	p.waitingReads = append(p.waitingReads, op)

	if op.usingCache {
		// The cache answers what it holds, reads the remainder through
		// the backend, and holds the op until its whole read footprint is
		// present. Per-object ordering comes from its wait queue.
		reads := op.Plan.ToRead
		if reads.Empty() {
			reads = nil
		}
		op.pin = p.cache.Request(op.OID, reads, op.Plan.WillWrite, p.sinfo,
			func(oid types.ObjectID, result *stripe.ShardMap) {
				op.cacheResult = result
				op.cacheReady = true
				p.checkOps()
			})
	} else {
		op.remoteRead = op.Plan.ToRead.Clone()
		if !op.remoteRead.Empty() {
			if !p.sinfo.SupportsECOverwrites() {
				glog.Fatalf("remote rmw read tid=%d on a pool without overwrites", op.TID)
			}
			p.reads.ObjectReadShards(op.OID, op.remoteRead, false,
				func(result *stripe.ShardMap, err error) {
					if err != nil {
						glog.Fatalf("rmw read for tid=%d failed: %v", op.TID, err)
					}
					op.readResult = result
					op.remoteReadDone = true
					p.checkOps()
				})
		}
	}

	glog.V(3).Infof("tid=%d advanced to waiting_reads", op.TID)
	return true
}

func (p *RMWPipeline) tryReadsToCommit() bool {
	if len(p.waitingReads) == 0 {
		return false
	}
	op := p.waitingReads[0]
	if op.readInProgress() {
		return false
	}
	p.waitingReads = p.waitingReads[1:]
	p.waitingCommit = append(p.waitingCommit, op)

	glog.V(2).Infof("starting commit on tid=%d", op.TID)

	p.parent.ApplyStats(op.OID, op.DeltaStats)

	if op.usingCache {
		op.readResult = op.cacheResult
	}
	if op.readResult == nil {
		op.readResult = stripe.NewShardMap(p.sinfo)
	}

	arbShards := p.parent.GetActingRecoveryBackfillShards()
	transactions := make(map[types.ShardID]*Transaction, len(arbShards))
	for peer := range arbShards {
		transactions[peer.Shard] = &Transaction{}
	}

	written, err := op.Generate(p.ec, p.parent.PrimarySPG().PGID, p.sinfo, op.readResult, transactions)
	if err != nil {
		glog.Fatalf("generate transactions for tid=%d: %v", op.TID, err)
	}

	writtenMap := written[op.OID]
	if writtenMap == nil {
		writtenMap = stripe.NewShardMap(p.sinfo)
	}
	if !writtenMap.ExtentSetMap().Equal(op.Plan.WillWrite) && !(op.Plan.WillWrite.Empty() && writtenMap.Empty()) {
		glog.Fatalf("tid=%d wrote %s, planned %s", op.TID, writtenMap.ExtentSetMap(), op.Plan.WillWrite)
	}

	if op.usingCache {
		// Present the written bytes; the next queued op on this object may
		// become ready right here.
		p.cache.WriteDone(op.pin, writtenMap)
	}
	op.readResult = nil
	op.cacheResult = nil

	backfill := p.parent.GetBackfillShards()
	whoami := p.parent.WhoamiShard()
	op.pendingApply = make(PeerSet, len(arbShards))
	op.pendingCommit = make(PeerSet, len(arbShards))

	var localMsg *SubWrite
	sends := make([]MessageTo, 0, len(arbShards))
	for peer := range arbShards {
		op.pendingApply[peer] = true
		op.pendingCommit[peer] = true

		shouldSend := p.parent.ShouldSendOp(peer, op.OID)
		var st Stats
		if shouldSend || !backfill[peer] {
			st = p.parent.GetInfo().Stats
		} else {
			st = p.parent.GetShardInfo(peer).Stats
		}

		tx := transactions[peer.Shard]
		if !shouldSend {
			tx = &Transaction{}
		}
		msg := &SubWrite{
			From:          whoami,
			TID:           op.TID,
			PGID:          types.SPG{PGID: p.parent.PrimarySPG().PGID, Shard: peer.Shard},
			MapEpoch:      p.parent.GetOSDMapEpoch(),
			MinEpoch:      p.parent.GetIntervalStartEpoch(),
			Reqid:         op.Reqid,
			OID:           op.OID,
			Stats:         st,
			Transaction:   tx,
			Version:       op.Version,
			TrimTo:        op.TrimTo,
			PGCommittedTo: op.PGCommittedTo,
			LogEntries:    op.LogEntries,
			HitSetHistory: op.HitSetHistory,
			TempAdded:     op.TempAdded,
			TempCleared:   op.TempCleared,
			StatsOnly:     !shouldSend,
		}
		if peer == whoami {
			localMsg = msg
		} else {
			sends = append(sends, MessageTo{OSD: peer.OSD, Msg: msg})
		}
	}

	if len(sends) > 0 {
		p.parent.SendMessageOSDCluster(sends, p.parent.GetOSDMapEpoch())
		stats.ECSubWritesSent.Add(float64(len(sends)))
	}
	if localMsg != nil {
		p.localWriter.HandleSubWrite(whoami, localMsg)
	}

	onWrite := op.onWrite
	op.onWrite = nil
	for _, cb := range onWrite {
		cb()
	}

	return true
}

func (p *RMWPipeline) tryFinishRMW() bool {
	if len(p.waitingCommit) == 0 {
		return false
	}
	op := p.waitingCommit[0]
	if op.writeInProgress() {
		return false
	}
	p.waitingCommit = p.waitingCommit[1:]

	glog.V(2).Infof("finishing tid=%d v=%s", op.TID, op.Version)

	if p.completedTo.Less(op.PGCommittedTo) {
		p.completedTo = op.PGCommittedTo
	}
	if p.committedTo.Less(op.Version) {
		p.committedTo = op.Version
		stats.ECCommittedTo.Set(float64(op.Version.Seq))
	}

	if p.parent.GetLog().CanRollbackTo().Less(op.Version) &&
		len(p.waitingReads) == 0 && len(p.waitingCommit) == 0 {
		// Submit a transaction-empty op to kick the rollforward.
		tid := p.parent.GetTID()
		nop := &Op{
			OID:           op.OID,
			TrimTo:        op.TrimTo,
			PGCommittedTo: op.Version,
			TID:           tid,
			Reqid:         op.Reqid,
			Generate:      dummyGenerate,
		}
		glog.V(2).Infof("queueing rollforward nop tid=%d after tid=%d", tid, op.TID)
		p.waitingReads = append(p.waitingReads, nop)
		p.tidToOp[tid] = nop
	}

	if op.usingCache {
		p.cache.Complete(op.pin)
		op.pin = nil
	}
	delete(p.tidToOp, op.TID)

	if len(p.waitingReads) == 0 && len(p.waitingCommit) == 0 {
		p.cacheValid = true
		glog.V(3).Infof("pipeline drained, cache valid again")
	}
	return true
}

func dummyGenerate(
	ec codec.Codec,
	pgid types.PGID,
	sinfo *stripe.Info,
	readResult *stripe.ShardMap,
	transactions map[types.ShardID]*Transaction,
) (map[types.ObjectID]*stripe.ShardMap, error) {
	// No transaction involved; the sub-writes only carry the advanced
	// committed-to watermark.
	return nil, nil
}

// HandleSubWriteReply accounts one peer's apply/commit acknowledgment.
// Replies for dropped ops are ignored.
func (p *RMWPipeline) HandleSubWriteReply(reply *SubWriteReply) {
	op, ok := p.tidToOp[reply.TID]
	if !ok {
		glog.V(2).Infof("stale sub-write reply tid=%d from %s", reply.TID, reply.From)
		return
	}
	if reply.Applied {
		delete(op.pendingApply, reply.From)
	}
	if reply.Committed {
		delete(op.pendingCommit, reply.From)
	}
	p.checkOps()
}

// CallWriteOrdered runs cb no earlier than the write dispatch of every op
// queued ahead of it; with an empty pipeline it runs inline.
func (p *RMWPipeline) CallWriteOrdered(cb func()) {
	if n := len(p.waitingState); n > 0 {
		p.waitingState[n-1].onWrite = append(p.waitingState[n-1].onWrite, cb)
	} else if n := len(p.waitingReads); n > 0 {
		p.waitingReads[n-1].onWrite = append(p.waitingReads[n-1].onWrite, cb)
	} else {
		cb()
	}
}

// OnChange drops every queued op, releases all pins and resets the
// watermarks. The parent replays after resync.
func (p *RMWPipeline) OnChange() {
	glog.V(1).Infof("rmw on_change: dropping %d ops", len(p.tidToOp))
	p.completedTo = types.Version{}
	p.committedTo = types.Version{}
	p.cacheValid = true
	p.waitingState = nil
	p.waitingReads = nil
	p.waitingCommit = nil
	p.tidToOp = make(map[types.TID]*Op)
	p.cache.OnChange()
	p.updateQueueGauges()
}

func (p *RMWPipeline) updateQueueGauges() {
	stats.ECRMWQueueDepth.WithLabelValues("waiting_state").Set(float64(len(p.waitingState)))
	stats.ECRMWQueueDepth.WithLabelValues("waiting_reads").Set(float64(len(p.waitingReads)))
	stats.ECRMWQueueDepth.WithLabelValues("waiting_commit").Set(float64(len(p.waitingCommit)))
}
