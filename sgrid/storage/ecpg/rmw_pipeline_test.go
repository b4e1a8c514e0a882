package ecpg

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shardgrid/shardgrid/sgrid/storage/codec"
	"github.com/shardgrid/shardgrid/sgrid/storage/stripe"
	"github.com/shardgrid/shardgrid/sgrid/storage/types"
)

// overwriteOp builds an RMW op overwriting RO range [off, off+len) of one
// chunk-worth of object data. The generator overlays the new bytes on the
// read result, re-encodes parity, and emits per-shard transactions.
func (w *fakeWorld) overwriteOp(oid types.ObjectID, off uint64, data []byte, version types.Version) *Op {
	si := w.si

	toRead := stripe.NewShardExtentSet()
	si.RORangeToShardExtentSet(off, uint64(len(data)), toRead)
	// RMW needs the whole touched chunk, not just the overwritten bytes.
	toRead.Align(si.ChunkSize())

	willWrite := toRead.Clone()
	for raw := si.K(); raw < si.KPlusM(); raw++ {
		willWrite.GetOrCreate(si.Shard(raw)).Union(toRead.Superset())
	}

	op := &Op{
		OID:     oid,
		Version: version,
		TID:     w.GetTID(),
		Plan:    Plan{ToRead: toRead, WillWrite: willWrite},
	}
	op.Generate = func(
		ec codec.Codec,
		pgid types.PGID,
		sinfo *stripe.Info,
		readResult *stripe.ShardMap,
		transactions map[types.ShardID]*Transaction,
	) (map[types.ObjectID]*stripe.ShardMap, error) {
		sm := stripe.NewShardMap(sinfo)
		sm.Insert(readResult)
		sm.InsertROBuffer(off, data)
		if err := sm.Encode(ec, nil, ^uint64(0)); err != nil {
			return nil, err
		}
		written := sm.Intersect(willWrite)
		for shard, m := range written.Maps() {
			tx := transactions[shard]
			m.Each(func(o uint64, buf []byte) {
				tx.AppendWrite(o, buf)
			})
		}
		return map[types.ObjectID]*stripe.ShardMap{oid: written}, nil
	}
	return op
}

// A small overwrite issues one remote read, dispatches sub-writes to all
// k+m peers, and advances the committed watermark once every peer acks.
func TestRMWSmallOverwrite(t *testing.T) {
	w := newWorld(t)
	oid := types.ObjectID("obj")

	// Only the first chunk holds data: the zero-filled re-encode below is
	// then exact.
	seed := make([]byte, testStripeWidth)
	copy(seed, testData(20, int(testChunk)))
	w.seedObject(oid, seed)

	newBytes := testData(21, int(testChunk)/2)
	version := types.Version{Epoch: 2, Seq: 1}
	op := w.overwriteOp(oid, 2048, newBytes, version)

	w.engine.RMW.StartRMW(op)

	// All six peers saw a sub-write; the watermark advanced.
	for s := 0; s < testK+testM; s++ {
		assert.Equal(t, 1, w.writesServed[peerFor(s)], "peer %d", s)
	}
	assert.Equal(t, version, w.engine.RMW.CommittedTo())

	// The remote read touched only the overwritten data chunk's peer.
	assert.Equal(t, 1, w.readsServed[peerFor(0)])
	assert.Zero(t, w.readsServed[peerFor(1)])

	// Reading back sees the overlay.
	want := append([]byte(nil), seed...)
	copy(want[2048:], newBytes)
	res := w.readRO(oid, 0, testStripeWidth)
	assertBytes(t, want, roBytes(t, res, 0, testStripeWidth))

	// And the rewritten parity is consistent: lose the data shard, read
	// through reconstruction.
	w.missing[peerFor(0)][oid] = true
	res = w.readRO(oid, 0, testStripeWidth)
	assertBytes(t, want, roBytes(t, res, 0, testStripeWidth))
}

// Overlapping writes on one object: the second op's read observes the
// first op's bytes through the cache, and commits stay in order.
func TestRMWOverlappingWritesOrdered(t *testing.T) {
	w := newWorld(t)
	oid := types.ObjectID("obj")
	w.seedObject(oid, make([]byte, testStripeWidth))

	w.deferAcks = true

	d1 := bytes.Repeat([]byte{0x11}, int(testChunk))
	d2 := testData(22, int(testChunk)/2)

	op1 := w.overwriteOp(oid, 0, d1, types.Version{Epoch: 2, Seq: 1})
	w.engine.RMW.StartRMW(op1)

	op2 := w.overwriteOp(oid, 1024, d2, types.Version{Epoch: 2, Seq: 2})
	gen2 := op2.Generate
	var op2Saw []byte
	op2.Generate = func(ec codec.Codec, pgid types.PGID, sinfo *stripe.Info, readResult *stripe.ShardMap, transactions map[types.ShardID]*Transaction) (map[types.ObjectID]*stripe.ShardMap, error) {
		buf, err := readResult.GetBuffer(types.ShardID(0), 0, testChunk, false)
		require.NoError(t, err)
		op2Saw = append([]byte(nil), buf...)
		return gen2(ec, pgid, sinfo, readResult, transactions)
	}
	w.engine.RMW.StartRMW(op2)

	// op2's read came from the cache: op1's bytes, not the seeded zeros,
	// and no second remote read.
	require.NotNil(t, op2Saw)
	assertBytes(t, d1, op2Saw)
	assert.Equal(t, 1, w.readsServed[peerFor(0)])

	// Acks for op2 alone cannot finish it ahead of op1.
	w.deliverAcks(op2.TID)
	assert.True(t, w.engine.RMW.CommittedTo().IsZero())

	w.deliverAcks(op1.TID)
	assert.Equal(t, types.Version{Epoch: 2, Seq: 2}, w.engine.RMW.CommittedTo())

	// Both ops drained; the cache pin count is back to zero.
	assert.True(t, w.engine.Cache.Idle(oid))
}

// A peer excluded by ShouldSendOp receives a stats-only sub-write and no
// data.
func TestRMWStatsOnlyPeer(t *testing.T) {
	w := newWorld(t)
	oid := types.ObjectID("obj")
	w.seedObject(oid, make([]byte, testStripeWidth))

	quiet := peerFor(3)
	w.statsOnly[quiet] = true
	before := len(w.peers[quiet].data[oid].IntervalSet().Extents())

	op := w.overwriteOp(oid, 0, bytes.Repeat([]byte{5}, int(testChunk)), types.Version{Epoch: 2, Seq: 1})
	w.engine.RMW.StartRMW(op)

	assert.Equal(t, 1, w.writesServed[quiet])
	after := len(w.peers[quiet].data[oid].IntervalSet().Extents())
	assert.Equal(t, before, after, "stats-only peer must not receive data")
	assert.Equal(t, types.Version{Epoch: 2, Seq: 1}, w.engine.RMW.CommittedTo())
}

// An op whose version is past the log's rollback point queues a
// transaction-empty rollforward op.
func TestRMWRollforwardKicker(t *testing.T) {
	w := newWorld(t)
	oid := types.ObjectID("obj")
	w.seedObject(oid, make([]byte, testStripeWidth))

	w.log.canRollbackTo = types.Version{} // everything is past it

	op := w.overwriteOp(oid, 0, bytes.Repeat([]byte{6}, int(testChunk)), types.Version{Epoch: 2, Seq: 1})
	w.engine.RMW.StartRMW(op)

	// The real op plus the nop each hit every peer.
	for s := 0; s < testK+testM; s++ {
		assert.Equal(t, 2, w.writesServed[peerFor(s)], "peer %d", s)
	}
	assert.Equal(t, types.Version{Epoch: 2, Seq: 1}, w.engine.RMW.CommittedTo())
	assert.Equal(t, types.Version{Epoch: 2, Seq: 1}, w.engine.RMW.CompletedTo())
}

func TestRMWCallWriteOrdered(t *testing.T) {
	w := newWorld(t)
	oid := types.ObjectID("obj")
	w.seedObject(oid, make([]byte, testStripeWidth))

	// Empty pipeline: runs inline.
	ran := false
	w.engine.RMW.CallWriteOrdered(func() { ran = true })
	assert.True(t, ran)

	w.deferAcks = true
	op := w.overwriteOp(oid, 0, bytes.Repeat([]byte{7}, int(testChunk)), types.Version{Epoch: 2, Seq: 1})
	w.engine.RMW.StartRMW(op)

	// The op has already dispatched its writes (acks pending), so an
	// ordered callback attached now has nothing to wait for.
	ran = false
	w.engine.RMW.CallWriteOrdered(func() { ran = true })
	assert.True(t, ran)
	w.deliverAcks(op.TID)
}

func TestRMWOnChangeDropsOps(t *testing.T) {
	w := newWorld(t)
	oid := types.ObjectID("obj")
	w.seedObject(oid, make([]byte, testStripeWidth))

	w.deferAcks = true
	op := w.overwriteOp(oid, 0, bytes.Repeat([]byte{8}, int(testChunk)), types.Version{Epoch: 2, Seq: 1})
	w.engine.RMW.StartRMW(op)

	w.engine.OnChange()

	assert.True(t, w.engine.RMW.CommittedTo().IsZero())
	assert.Equal(t, uint64(0), w.engine.Cache.Size())

	// Late acks are stale and ignored.
	w.deliverAcks(op.TID)
	assert.True(t, w.engine.RMW.CommittedTo().IsZero())
}

func TestRMWAppliesStats(t *testing.T) {
	w := newWorld(t)
	oid := types.ObjectID("obj")
	w.seedObject(oid, make([]byte, testStripeWidth))

	op := w.overwriteOp(oid, 0, bytes.Repeat([]byte{9}, int(testChunk)), types.Version{Epoch: 2, Seq: 1})
	op.DeltaStats = Stats{Bytes: 4096, Objects: 1}
	w.engine.RMW.StartRMW(op)

	assert.Equal(t, int64(4096), w.statsApplied.Bytes)
	assert.Equal(t, int64(1), w.statsApplied.Objects)
}
