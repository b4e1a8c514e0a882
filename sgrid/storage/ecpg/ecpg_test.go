package ecpg

import (
	"bytes"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shardgrid/shardgrid/sgrid/storage/codec"
	"github.com/shardgrid/shardgrid/sgrid/storage/extent"
	"github.com/shardgrid/shardgrid/sgrid/storage/stripe"
	"github.com/shardgrid/shardgrid/sgrid/storage/types"
)

// The test harness is a loopback cluster: sub-reads and sub-writes are
// served synchronously from in-memory per-peer shard stores, optionally
// failed, dropped, or deferred.

const (
	testK           = 4
	testM           = 2
	testChunk       = uint64(4096)
	testStripeWidth = uint64(16384)
)

type fakePeer struct {
	data map[types.ObjectID]*extent.Map
}

func (f *fakePeer) read(oid types.ObjectID, off, length uint64) []byte {
	buf := make([]byte, length)
	if m, ok := f.data[oid]; ok {
		m.Intersect(extent.SetOf(off, length)).Each(func(o uint64, data []byte) {
			copy(buf[o-off:], data)
		})
	}
	return buf
}

func (f *fakePeer) write(oid types.ObjectID, off uint64, data []byte) {
	m, ok := f.data[oid]
	if !ok {
		m = extent.NewMap()
		f.data[oid] = m
	}
	m.Insert(off, append([]byte(nil), data...))
}

type fakeMissing map[types.ObjectID]bool

func (m fakeMissing) IsMissing(oid types.ObjectID) bool { return m[oid] }

type fakeLog struct{ canRollbackTo types.Version }

func (l *fakeLog) CanRollbackTo() types.Version { return l.canRollbackTo }

type fakeWorld struct {
	t  *testing.T
	si *stripe.Info
	ec codec.Codec

	engine *Engine

	peers      map[types.PeerShard]*fakePeer
	acting     PeerSet
	backfill   PeerSet
	missing    map[types.PeerShard]fakeMissing
	missingLoc map[types.ObjectID]PeerSet
	failRead   PeerSet
	dropRead   PeerSet
	statsOnly  PeerSet

	log          fakeLog
	tid          types.TID
	deferAcks    bool
	pendingAcks  []*SubWriteReply
	readsServed  map[types.PeerShard]int
	writesServed map[types.PeerShard]int
	statsApplied Stats
}

func peerFor(shard int) types.PeerShard {
	return types.PeerShard{OSD: int32(shard + 1), Shard: types.ShardID(shard)}
}

func newWorld(t *testing.T) *fakeWorld {
	ec, err := codec.NewReedSolomon(testK, testM, nil)
	require.NoError(t, err)

	w := &fakeWorld{
		t:            t,
		ec:           ec,
		peers:        make(map[types.PeerShard]*fakePeer),
		acting:       make(PeerSet),
		missing:      make(map[types.PeerShard]fakeMissing),
		missingLoc:   make(map[types.ObjectID]PeerSet),
		failRead:     make(PeerSet),
		dropRead:     make(PeerSet),
		statsOnly:    make(PeerSet),
		backfill:     make(PeerSet),
		log:          fakeLog{canRollbackTo: types.Version{Epoch: 1 << 30}},
		readsServed:  make(map[types.PeerShard]int),
		writesServed: make(map[types.PeerShard]int),
	}
	for s := 0; s < testK+testM; s++ {
		peer := peerFor(s)
		w.peers[peer] = &fakePeer{data: make(map[types.ObjectID]*extent.Map)}
		w.acting[peer] = true
		w.missing[peer] = make(fakeMissing)
	}

	w.engine = New(DefaultOptions(), ec, stripe.Pool{ECOverwrites: true}, testStripeWidth, w, w)
	w.si = w.engine.SInfo
	return w
}

// seedObject encodes data across all shards and stores them on the peers.
func (w *fakeWorld) seedObject(oid types.ObjectID, data []byte) {
	sm := stripe.NewShardMap(w.si)
	sm.InsertROBuffer(0, data)
	require.NoError(w.t, sm.Encode(w.ec, nil, 0))
	for shard, m := range sm.Maps() {
		peer := peerFor(int(shard))
		m.Each(func(off uint64, buf []byte) {
			w.peers[peer].write(oid, off, buf)
		})
	}
}

// Parent implementation.

func (w *fakeWorld) GetActingShards() PeerSet   { return w.acting }
func (w *fakeWorld) GetBackfillShards() PeerSet { return w.backfill }

func (w *fakeWorld) GetActingRecoveryBackfillShards() PeerSet {
	out := w.acting.Clone()
	for p := range w.backfill {
		out[p] = true
	}
	return out
}

func (w *fakeWorld) GetShardMissing(peer types.PeerShard) MissingSet { return w.missing[peer] }

func (w *fakeWorld) MaybeGetShardMissing(peer types.PeerShard) MissingSet {
	if m, ok := w.missing[peer]; ok {
		return m
	}
	return nil
}

func (w *fakeWorld) GetMissingLocShards() map[types.ObjectID]PeerSet { return w.missingLoc }

func (w *fakeWorld) GetShardInfo(peer types.PeerShard) ShardInfo {
	return ShardInfo{LastBackfill: types.ObjectID("\xff\xff")}
}

func (w *fakeWorld) GetInfo() ShardInfo   { return ShardInfo{} }
func (w *fakeWorld) GetPool() stripe.Pool { return stripe.Pool{ECOverwrites: true} }
func (w *fakeWorld) GetLog() PGLog        { return &w.log }

func (w *fakeWorld) GetTID() types.TID {
	w.tid++
	return w.tid
}

func (w *fakeWorld) WhoamiShard() types.PeerShard { return peerFor(0) }

func (w *fakeWorld) PrimarySPG() types.SPG {
	return types.SPG{PGID: types.PGID{Pool: 3, Seed: 7}, Shard: 0}
}

func (w *fakeWorld) GetOSDMapEpoch() uint32        { return 42 }
func (w *fakeWorld) GetIntervalStartEpoch() uint32 { return 40 }

func (w *fakeWorld) ShouldSendOp(peer types.PeerShard, oid types.ObjectID) bool {
	return !w.statsOnly[peer]
}

func (w *fakeWorld) ApplyStats(oid types.ObjectID, delta Stats) {
	w.statsApplied.Add(delta)
}

func (w *fakeWorld) SendMessageOSDCluster(msgs []MessageTo, epoch uint32) {
	for _, send := range msgs {
		switch msg := send.Msg.(type) {
		case *SubReadReq:
			w.serveRead(types.PeerShard{OSD: send.OSD, Shard: msg.PGID.Shard}, msg)
		case *SubWrite:
			w.serveWrite(types.PeerShard{OSD: send.OSD, Shard: msg.PGID.Shard}, msg)
		default:
			w.t.Fatalf("unexpected message type %T", msg)
		}
	}
}

// LocalWriter implementation: the primary applies its own shard inline.
func (w *fakeWorld) HandleSubWrite(from types.PeerShard, msg *SubWrite) {
	w.serveWrite(from, msg)
}

func (w *fakeWorld) serveRead(peer types.PeerShard, msg *SubReadReq) {
	if w.dropRead[peer] {
		return
	}
	w.readsServed[peer]++
	reply := &SubReadReply{
		From:     peer,
		TID:      msg.TID,
		MapEpoch: 42,
		Buffers:  make(map[types.ObjectID]*extent.Map),
	}
	if w.failRead[peer] {
		reply.Errors = make(map[types.ObjectID]error)
		for oid := range msg.ToRead {
			reply.Errors[oid] = fmt.Errorf("injected read failure on %s", peer)
		}
	} else {
		store := w.peers[peer]
		for oid, reads := range msg.ToRead {
			m := extent.NewMap()
			for _, r := range reads {
				m.Insert(r.Offset, store.read(oid, r.Offset, r.Length))
			}
			reply.Buffers[oid] = m
		}
		for oid := range msg.AttrsToRead {
			if reply.Attrs == nil {
				reply.Attrs = make(map[types.ObjectID]map[string][]byte)
			}
			reply.Attrs[oid] = map[string][]byte{"_": []byte("attr")}
		}
	}
	w.engine.Read.HandleSubReadReply(reply)
}

func (w *fakeWorld) serveWrite(peer types.PeerShard, msg *SubWrite) {
	w.writesServed[peer]++
	if !msg.StatsOnly && msg.Transaction != nil {
		store := w.peers[peer]
		for _, tw := range msg.Transaction.Writes {
			store.write(msg.OID, tw.Offset, tw.Data)
		}
	}
	ack := &SubWriteReply{From: peer, TID: msg.TID, Applied: true, Committed: true}
	if w.deferAcks {
		w.pendingAcks = append(w.pendingAcks, ack)
	} else {
		w.engine.RMW.HandleSubWriteReply(ack)
	}
}

func (w *fakeWorld) deliverAcks(tid types.TID) {
	pending := w.pendingAcks
	w.pendingAcks = nil
	for _, ack := range pending {
		if ack.TID == tid {
			w.engine.RMW.HandleSubWriteReply(ack)
		} else {
			w.pendingAcks = append(w.pendingAcks, ack)
		}
	}
}

// readRO drives a client read to completion and returns the per-object
// results.
func (w *fakeWorld) readRO(oid types.ObjectID, off, size uint64) ECExtent {
	var results map[types.ObjectID]ECExtent
	w.engine.Read.ObjectsReadAndReconstruct(
		map[types.ObjectID][]Align{oid: {{Offset: off, Size: size}}},
		false,
		func(r map[types.ObjectID]ECExtent) { results = r },
	)
	require.NotNil(w.t, results, "read did not complete")
	return results[oid]
}

func roBytes(t *testing.T, res ECExtent, off, size uint64) []byte {
	t.Helper()
	require.NoError(t, res.Err)
	data, ok := res.EMap.ReadBytes(off, size)
	require.True(t, ok, "result does not cover %d~%d", off, size)
	return data
}

func testData(seed int64, n int) []byte {
	b := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(b)
	return b
}

func assertBytes(t *testing.T, want, got []byte) {
	t.Helper()
	require.True(t, bytes.Equal(want, got), "byte mismatch: want %d bytes, got %d", len(want), len(got))
}
