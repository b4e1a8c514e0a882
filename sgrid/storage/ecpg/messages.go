package ecpg

import (
	"github.com/shardgrid/shardgrid/sgrid/storage/extent"
	"github.com/shardgrid/shardgrid/sgrid/storage/types"
)

// Message is the marker for everything handed to the cluster sender. The
// transport is an external collaborator; it treats these as opaque.
type Message interface {
	MsgTID() types.TID
}

// SubReadReq asks one peer shard for a batch of extents.
type SubReadReq struct {
	From     types.PeerShard
	TID      types.TID
	PGID     types.SPG
	MapEpoch uint32
	MinEpoch uint32
	Priority int

	// Per object: extents to read on this shard (page-aligned, shard
	// address space) with the read flags of the submitting request.
	ToRead map[types.ObjectID][]ReadExtent
	// Per object: the codec's sub-chunk selection for this shard.
	Subchunks map[types.ObjectID][]SubChunkRange
	// Objects whose attributes should come back with this reply.
	AttrsToRead map[types.ObjectID]bool
}

func (m *SubReadReq) MsgTID() types.TID { return m.TID }

// ReadExtent is one wire extent with flags.
type ReadExtent struct {
	Offset uint64
	Length uint64
	Flags  uint32
}

// SubChunkRange mirrors codec.SubChunk on the wire.
type SubChunkRange struct {
	Offset int
	Count  int
}

// SubReadReply carries one peer's buffers or error back.
type SubReadReply struct {
	From     types.PeerShard
	TID      types.TID
	MapEpoch uint32

	// Per object: buffers at the extents read, on the replying shard.
	Buffers map[types.ObjectID]*extent.Map
	Attrs   map[types.ObjectID]map[string][]byte
	Errors  map[types.ObjectID]error
}

func (m *SubReadReply) MsgTID() types.TID { return m.TID }

// TxWrite is one buffer written at one shard offset.
type TxWrite struct {
	Offset uint64
	Data   []byte
}

// Transaction is the engine's description of what one shard must persist.
// Commitment is delegated: the engine never applies these itself.
type Transaction struct {
	Writes   []TxWrite
	Truncate *uint64
	Attrs    map[string][]byte
}

func (t *Transaction) Empty() bool {
	return t == nil || (len(t.Writes) == 0 && t.Truncate == nil && len(t.Attrs) == 0)
}

// AppendWrite records a buffer write at a shard offset.
func (t *Transaction) AppendWrite(offset uint64, data []byte) {
	t.Writes = append(t.Writes, TxWrite{Offset: offset, Data: data})
}

// SetAttr records an attribute update.
func (t *Transaction) SetAttr(key string, value []byte) {
	if t.Attrs == nil {
		t.Attrs = make(map[string][]byte)
	}
	t.Attrs[key] = value
}

// SubWrite dispatches one shard's slice of an RMW op.
type SubWrite struct {
	From     types.PeerShard
	TID      types.TID
	PGID     types.SPG
	MapEpoch uint32
	MinEpoch uint32

	Reqid         Reqid
	OID           types.ObjectID
	Stats         Stats
	Transaction   *Transaction // empty when StatsOnly
	Version       types.Version
	TrimTo        types.Version
	PGCommittedTo types.Version
	LogEntries    []LogEntry
	HitSetHistory []byte
	TempAdded     []types.ObjectID
	TempCleared   []types.ObjectID
	StatsOnly     bool
}

func (m *SubWrite) MsgTID() types.TID { return m.TID }

// SubWriteReply acknowledges apply and/or commit of a sub-write.
type SubWriteReply struct {
	From      types.PeerShard
	TID       types.TID
	Applied   bool
	Committed bool
}

func (m *SubWriteReply) MsgTID() types.TID { return m.TID }
