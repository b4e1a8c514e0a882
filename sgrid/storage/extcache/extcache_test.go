package extcache

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shardgrid/shardgrid/sgrid/storage/stripe"
	"github.com/shardgrid/shardgrid/sgrid/storage/types"
)

const chunkSize = 4096

func testInfo() *stripe.Info {
	return stripe.NewInfoExplicit(4, 2, 4*chunkSize, nil, stripe.Pool{ECOverwrites: true})
}

type backendRecorder struct {
	requests []stripe.ShardExtentSet
	oids     []types.ObjectID
}

func (b *backendRecorder) read(oid types.ObjectID, request stripe.ShardExtentSet) {
	b.oids = append(b.oids, oid)
	b.requests = append(b.requests, request.Clone())
}

func shardSet(shard types.ShardID, off, length uint64) stripe.ShardExtentSet {
	s := stripe.NewShardExtentSet()
	s.GetOrCreate(shard).Insert(off, length)
	return s
}

func shardData(si *stripe.Info, shard types.ShardID, off uint64, data []byte) *stripe.ShardMap {
	sm := stripe.NewShardMap(si)
	sm.InsertInShard(shard, off, data)
	return sm
}

func TestColdCacheReadsThroughBackend(t *testing.T) {
	si := testInfo()
	backend := &backendRecorder{}
	c := New(backend.read, 1<<30)

	oid := types.ObjectID("obj")
	var readyResult *stripe.ShardMap
	op := c.Request(oid, shardSet(0, 0, chunkSize), shardSet(0, 0, chunkSize), si,
		func(_ types.ObjectID, result *stripe.ShardMap) { readyResult = result })

	require.Len(t, backend.requests, 1)
	assert.True(t, backend.requests[0].ContainsAll(shardSet(0, 0, chunkSize)))
	assert.False(t, op.Ready())

	payload := bytes.Repeat([]byte{0x5a}, chunkSize)
	c.ReadDone(oid, shardData(si, 0, 0, payload))

	require.True(t, op.Ready())
	require.NotNil(t, readyResult)
	got, err := readyResult.GetBuffer(0, 0, chunkSize, false)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(payload, got))
	assert.Equal(t, uint64(chunkSize), c.Size())

	c.WriteDone(op, shardData(si, 0, 0, bytes.Repeat([]byte{1}, chunkSize)))
	c.Complete(op)
}

func TestWarmCacheReadyImmediately(t *testing.T) {
	si := testInfo()
	backend := &backendRecorder{}
	c := New(backend.read, 1<<30)
	oid := types.ObjectID("obj")

	op1 := c.Request(oid, nil, shardSet(0, 0, chunkSize), si, func(types.ObjectID, *stripe.ShardMap) {})
	require.True(t, op1.Ready())
	c.WriteDone(op1, shardData(si, 0, 0, bytes.Repeat([]byte{2}, chunkSize)))
	c.Complete(op1)

	// The bytes op1 wrote satisfy op2 without a backend read.
	ready := false
	op2 := c.Request(oid, shardSet(0, 0, chunkSize), shardSet(0, 0, chunkSize), si,
		func(_ types.ObjectID, result *stripe.ShardMap) {
			ready = true
			got, err := result.GetBuffer(0, 0, chunkSize, false)
			require.NoError(t, err)
			assert.Equal(t, byte(2), got[0])
		})
	assert.True(t, ready)
	assert.Empty(t, backend.requests)
	c.WriteDone(op2, shardData(si, 0, 0, bytes.Repeat([]byte{3}, chunkSize)))
	c.Complete(op2)
}

// An op whose reads depend on an earlier queued op's writes waits for that
// write, never reading stale bytes from the backend.
func TestOverlappingWritesPreserveOrder(t *testing.T) {
	si := testInfo()
	backend := &backendRecorder{}
	c := New(backend.read, 1<<30)
	oid := types.ObjectID("obj")

	op1 := c.Request(oid, nil, shardSet(0, 0, chunkSize), si, func(types.ObjectID, *stripe.ShardMap) {})
	require.True(t, op1.Ready())

	var op2Result *stripe.ShardMap
	op2 := c.Request(oid, shardSet(0, 0, chunkSize), shardSet(0, 0, chunkSize), si,
		func(_ types.ObjectID, result *stripe.ShardMap) { op2Result = result })

	// op2's read footprint is covered by op1's pending write: nothing to
	// read, and op2 is not ready until op1's bytes land.
	assert.Empty(t, backend.requests)
	assert.False(t, op2.Ready())

	w1 := bytes.Repeat([]byte{0x11}, chunkSize)
	c.WriteDone(op1, shardData(si, 0, 0, w1))

	require.True(t, op2.Ready())
	got, err := op2Result.GetBuffer(0, 0, chunkSize, false)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(w1, got))

	c.Complete(op1)
	c.WriteDone(op2, shardData(si, 0, 0, bytes.Repeat([]byte{0x22}, chunkSize)))
	c.Complete(op2)
}

func TestFollowOnReadsQueueBehindInflight(t *testing.T) {
	si := testInfo()
	backend := &backendRecorder{}
	c := New(backend.read, 1<<30)
	oid := types.ObjectID("obj")

	op1 := c.Request(oid, shardSet(0, 0, chunkSize), shardSet(0, 0, chunkSize), si,
		func(types.ObjectID, *stripe.ShardMap) {})
	require.Len(t, backend.requests, 1)

	// While the first read is in flight, a second op's extra footprint
	// accumulates in requesting.
	op2 := c.Request(oid, shardSet(1, 0, chunkSize), shardSet(1, 0, chunkSize), si,
		func(types.ObjectID, *stripe.ShardMap) {})
	require.Len(t, backend.requests, 1)

	// First completion triggers the follow-on read.
	c.ReadDone(oid, shardData(si, 0, 0, make([]byte, chunkSize)))
	require.Len(t, backend.requests, 2)
	assert.True(t, backend.requests[1].ContainsAll(shardSet(1, 0, chunkSize)))
	assert.True(t, op1.Ready())
	assert.False(t, op2.Ready())

	// op2's bytes are in, but op1 still heads the object's queue.
	c.ReadDone(oid, shardData(si, 1, 0, make([]byte, chunkSize)))
	assert.False(t, op2.Ready())

	c.WriteDone(op1, shardData(si, 0, 0, make([]byte, chunkSize)))
	assert.True(t, op2.Ready())
	c.WriteDone(op2, shardData(si, 1, 0, make([]byte, chunkSize)))
	c.Complete(op1)
	c.Complete(op2)
}

func TestLRUEvictionUnderPressure(t *testing.T) {
	si := testInfo()
	backend := &backendRecorder{}
	c := New(backend.read, 2*chunkSize)

	oids := []types.ObjectID{"a", "b", "c"}
	for i, oid := range oids {
		op := c.Request(oid, nil, shardSet(0, 0, chunkSize), si, func(types.ObjectID, *stripe.ShardMap) {})
		c.WriteDone(op, shardData(si, 0, 0, bytes.Repeat([]byte{byte(i)}, chunkSize)))
		c.Complete(op)
	}

	// Three chunks written, budget for two: the LRU head went away.
	assert.LessOrEqual(t, c.Size(), uint64(2*chunkSize))
	assert.False(t, c.Idle(oids[0]), "evicted object should be gone")
	assert.True(t, c.Idle(oids[1]))
	assert.True(t, c.Idle(oids[2]))
}

func TestPinnedLinesAreNotEvicted(t *testing.T) {
	si := testInfo()
	backend := &backendRecorder{}
	c := New(backend.read, 0) // nothing may stay resident

	oid := types.ObjectID("obj")
	op := c.Request(oid, nil, shardSet(0, 0, chunkSize), si, func(types.ObjectID, *stripe.ShardMap) {})
	c.WriteDone(op, shardData(si, 0, 0, bytes.Repeat([]byte{9}, chunkSize)))

	// Still pinned: over budget but nothing evictable.
	assert.Equal(t, uint64(chunkSize), c.Size())

	c.Complete(op)
	assert.Equal(t, uint64(0), c.Size())
}

func TestOnChangeDropsEverything(t *testing.T) {
	si := testInfo()
	backend := &backendRecorder{}
	c := New(backend.read, 1<<30)
	oid := types.ObjectID("obj")

	fired := false
	c.Request(oid, shardSet(0, 0, chunkSize), shardSet(0, 0, chunkSize), si,
		func(types.ObjectID, *stripe.ShardMap) { fired = true })

	c.OnChange()
	assert.Equal(t, uint64(0), c.Size())
	assert.False(t, c.Idle(oid), "object records are gone")

	// The dropped op's ready callback never fires.
	assert.False(t, fired)
}
