// Package extcache is the line-granular cache backing the RMW pipeline:
// it pins the shard extents a write will touch, answers the reads the
// write depends on from cached bytes where possible, and LRU-reclaims
// unpinned lines once the cache grows past its budget.
//
// A line covers chunk-size bytes per shard at one chunk-aligned shard
// offset of one object. A line is pinned exactly while some op's
// ref-count holds it; only unpinned lines sit in the LRU.
package extcache

import (
	"container/list"

	"github.com/dustin/go-humanize"
	"github.com/golang/glog"

	"github.com/shardgrid/shardgrid/sgrid/stats"
	"github.com/shardgrid/shardgrid/sgrid/storage/stripe"
	"github.com/shardgrid/shardgrid/sgrid/storage/types"
)

// BackendReadFn is invoked when the cache needs shard extents it does not
// hold; results come back through ReadDone.
type BackendReadFn func(oid types.ObjectID, request stripe.ShardExtentSet)

// CacheReadyFn delivers the cached bytes an op asked for, once the cache
// holds the op's whole read footprint.
type CacheReadyFn func(oid types.ObjectID, result *stripe.ShardMap)

// Op is one write's tenure in the cache, from Request to Complete.
type Op struct {
	oid      types.ObjectID
	reads    stripe.ShardExtentSet // nil when the op needs no reads
	writes   stripe.ShardExtentSet
	result   *stripe.ShardMap
	complete bool
	ready    CacheReadyFn
}

func (op *Op) Object() types.ObjectID { return op.oid }

func (op *Op) Writes() stripe.ShardExtentSet { return op.writes }

// Result is the cached read footprint; valid once the ready callback ran.
func (op *Op) Result() *stripe.ShardMap { return op.result }

// Ready reports whether the cache has delivered the op's reads.
func (op *Op) Ready() bool { return op.complete }

type lineAddr struct {
	oid    types.ObjectID
	offset uint64
}

type line struct {
	addr     lineAddr
	refCount int
	elem     *list.Element // non-nil iff in the LRU
}

type object struct {
	cache      *Cache
	oid        types.ObjectID
	sinfo      *stripe.Info
	requesting stripe.ShardExtentSet
	reading    stripe.ShardExtentSet
	writing    stripe.ShardExtentSet
	data       *stripe.ShardMap
	waiting    []*Op
}

// Cache owns all lines and objects; every method must be called under the
// owning placement group's lock.
type Cache struct {
	backendRead BackendReadFn
	maxSize     uint64
	size        uint64
	lines       map[lineAddr]*line
	lru         *list.List
	objects     map[types.ObjectID]*object
}

func New(backendRead BackendReadFn, maxSize uint64) *Cache {
	return &Cache{
		backendRead: backendRead,
		maxSize:     maxSize,
		lines:       make(map[lineAddr]*line),
		lru:         list.New(),
		objects:     make(map[types.ObjectID]*object),
	}
}

func (c *Cache) Size() uint64 { return c.size }

// Request pins the lines intersecting writes, enqueues an op on the
// object, and arranges for ready to fire once the cache covers reads.
// reads may be nil for ops that depend on nothing.
func (c *Cache) Request(oid types.ObjectID, reads, writes stripe.ShardExtentSet, sinfo *stripe.Info, ready CacheReadyFn) *Op {
	op := &Op{oid: oid, reads: reads, writes: writes, ready: ready}
	obj, ok := c.objects[oid]
	if !ok {
		obj = &object{
			cache:      c,
			oid:        oid,
			sinfo:      sinfo,
			requesting: stripe.NewShardExtentSet(),
			reading:    stripe.NewShardExtentSet(),
			writing:    stripe.NewShardExtentSet(),
			data:       stripe.NewShardMap(sinfo),
		}
		c.objects[oid] = obj
	}
	c.pin(op, sinfo)
	obj.request(op)
	return op
}

// ReadDone inserts buffers produced by the backend read and releases any
// waiter whose footprint is now covered.
func (c *Cache) ReadDone(oid types.ObjectID, update *stripe.ShardMap) {
	obj, ok := c.objects[oid]
	if !ok {
		glog.Fatalf("read done for unknown object %s", oid)
	}
	c.adjustSize(obj.readDone(update))
}

// WriteDone inserts the buffers an op wrote. The op must be the head of
// its object's wait queue; it is popped here.
func (c *Cache) WriteDone(op *Op, update *stripe.ShardMap) {
	obj, ok := c.objects[op.oid]
	if !ok {
		glog.Fatalf("write done for unknown object %s", op.oid)
	}
	c.adjustSize(obj.writeDone(op, update))
}

// Complete drops the op's pins; lines falling to ref-count zero join the
// LRU tail and the cache sheds down to its budget.
func (c *Cache) Complete(op *Op) {
	obj, ok := c.objects[op.oid]
	if !ok {
		glog.Fatalf("complete for unknown object %s", op.oid)
	}
	chunk := obj.sinfo.ChunkSize()
	eset := op.writes.Superset()
	eset.Align(chunk)
	for _, e := range eset.Extents() {
		for toUnpin := e.Start; toUnpin < e.End; toUnpin += chunk {
			l, ok := c.lines[lineAddr{op.oid, toUnpin}]
			if !ok || l.refCount == 0 {
				glog.Fatalf("unpin of unpinned line %s+%d", op.oid, toUnpin)
			}
			l.refCount--
			if l.refCount == 0 {
				l.elem = c.lru.PushBack(l)
				stats.ECCachePinnedLines.Dec()
			}
		}
	}
	c.freeMaybe()
}

// Idle reports whether the object exists and has no waiting ops.
func (c *Cache) Idle(oid types.ObjectID) bool {
	obj, ok := c.objects[oid]
	return ok && len(obj.waiting) == 0
}

// OnChange drops everything: ops, pins, buffers. The pipelines replay
// after the membership change; nothing cached survives it.
func (c *Cache) OnChange() {
	for _, obj := range c.objects {
		for _, op := range obj.waiting {
			op.ready = nil
		}
	}
	c.lines = make(map[lineAddr]*line)
	c.lru.Init()
	c.objects = make(map[types.ObjectID]*object)
	c.size = 0
	stats.ECCacheBytes.Set(0)
	stats.ECCachePinnedLines.Set(0)
}

func (c *Cache) pin(op *Op, sinfo *stripe.Info) {
	chunk := sinfo.ChunkSize()
	eset := op.writes.Superset()
	eset.Align(chunk)

	for _, e := range eset.Extents() {
		for toPin := e.Start; toPin < e.End; toPin += chunk {
			addr := lineAddr{op.oid, toPin}
			l, ok := c.lines[addr]
			if !ok {
				l = &line{addr: addr}
				c.lines[addr] = l
			}
			if l.elem != nil {
				c.lru.Remove(l.elem)
				l.elem = nil
			}
			if l.refCount == 0 {
				stats.ECCachePinnedLines.Inc()
			}
			l.refCount++
		}
	}
}

func (c *Cache) freeMaybe() {
	for c.size > c.maxSize && c.lru.Len() > 0 {
		l := c.lru.Front().Value.(*line)
		obj := c.objects[l.addr.oid]
		freed := obj.free(l)
		c.adjustSize(-int64(freed))
		c.lru.Remove(l.elem)
		delete(c.lines, l.addr)
		stats.ECCacheEvictions.Inc()
		glog.V(3).Infof("evicted line %s+%d (%s), cache now %s", l.addr.oid, l.addr.offset,
			humanize.Bytes(freed), humanize.Bytes(c.size))
	}
}

func (c *Cache) adjustSize(delta int64) {
	c.size = uint64(int64(c.size) + delta)
	stats.ECCacheBytes.Set(float64(c.size))
}

func (o *object) request(op *Op) {
	if op.reads != nil {
		for shard, eset := range op.reads {
			request := eset.Clone()
			if m, ok := o.data.Maps()[shard]; ok {
				request.Subtract(m.IntervalSet())
			}
			if reading, ok := o.reading[shard]; ok {
				request.Subtract(reading)
			}
			if writing, ok := o.writing[shard]; ok {
				request.Subtract(writing)
			}
			if !request.Empty() {
				o.requesting.GetOrCreate(shard).Union(request)
			}
		}
	}

	// Record the writes this op will make; ops queued behind it read those
	// bytes from the cache rather than the backend.
	for shard, eset := range op.writes {
		if !eset.Empty() {
			o.writing.GetOrCreate(shard).Union(eset)
		}
	}

	o.waiting = append(o.waiting, op)

	o.cacheMaybeReady()
	o.sendReads()
}

func (o *object) sendReads() {
	if !o.reading.Empty() || o.requesting.Empty() {
		return // read busy
	}
	o.reading, o.requesting = o.requesting, stripe.NewShardExtentSet()
	o.cache.backendRead(o.oid, o.reading)
}

func (o *object) readDone(update *stripe.ShardMap) int64 {
	// A partial delivery leaves the uncovered remainder in reading until a
	// later completion covers it.
	o.reading.Subtract(update.ExtentSetMap())
	delta := o.insert(update)
	o.sendReads()
	return delta
}

func (o *object) writeDone(op *Op, update *stripe.ShardMap) int64 {
	if len(o.waiting) == 0 || o.waiting[0] != op {
		glog.Fatalf("write done out of order for %s", o.oid)
	}
	o.waiting = o.waiting[1:]
	return o.insert(update)
}

func (o *object) insert(update *stripe.ShardMap) int64 {
	oldSize := o.data.Size()
	o.data.Insert(update)
	for shard, m := range update.Maps() {
		if writing, ok := o.writing[shard]; ok {
			writing.Subtract(m.IntervalSet())
			if writing.Empty() {
				delete(o.writing, shard)
			}
		}
	}
	o.cacheMaybeReady()
	return int64(o.data.Size()) - int64(oldSize)
}

func (o *object) cacheMaybeReady() {
	if len(o.waiting) == 0 {
		return
	}
	op := o.waiting[0]
	if op.complete {
		return
	}
	if op.reads == nil || o.data.Contains(op.reads) {
		if op.reads == nil {
			op.result = stripe.NewShardMap(o.sinfo)
		} else {
			op.result = o.data.Intersect(op.reads)
		}
		op.complete = true
		if op.ready != nil {
			op.ready(op.oid, op.result)
		}
	}
}

// free evicts one line's stripe of data; the object itself is dropped once
// nothing references it.
func (o *object) free(l *line) uint64 {
	oldSize := o.data.Size()
	o.data.EraseStripe(l.addr.offset, o.sinfo.ChunkSize())
	freed := oldSize - o.data.Size()

	if o.data.Size() == 0 && len(o.waiting) == 0 &&
		o.requesting.Empty() && o.reading.Empty() && o.writing.Empty() {
		delete(o.cache.objects, o.oid)
	}
	return freed
}
