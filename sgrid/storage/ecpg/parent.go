package ecpg

import (
	"github.com/shardgrid/shardgrid/sgrid/storage/stripe"
	"github.com/shardgrid/shardgrid/sgrid/storage/types"
)

// MissingSet answers whether a peer is missing an object.
type MissingSet interface {
	IsMissing(oid types.ObjectID) bool
}

// ShardInfo is the slice of per-peer placement group state the engine
// consults.
type ShardInfo struct {
	// LastBackfill: objects strictly below it are populated on a
	// backfilling peer.
	LastBackfill types.ObjectID
	Stats        Stats
}

// Stats is an opaque stats delta/snapshot carried on sub-writes and
// applied through the parent.
type Stats struct {
	Bytes   int64
	Objects int64
}

func (s *Stats) Add(other Stats) {
	s.Bytes += other.Bytes
	s.Objects += other.Objects
}

// PGLog is the slice of the transaction log the RMW pipeline consults.
type PGLog interface {
	CanRollbackTo() types.Version
}

// LogEntry is an opaque log record carried on sub-writes.
type LogEntry struct {
	Version types.Version
	Payload []byte
}

// MessageTo addresses one wire message to one storage node.
type MessageTo struct {
	OSD int32
	Msg Message
}

// Parent supplies peer-group membership, missing-object tracking, ids and
// transport. All calls happen under the PG lock.
type Parent interface {
	GetActingShards() PeerSet
	GetBackfillShards() PeerSet
	GetActingRecoveryBackfillShards() PeerSet

	GetShardMissing(peer types.PeerShard) MissingSet
	MaybeGetShardMissing(peer types.PeerShard) MissingSet // nil when unknown
	GetMissingLocShards() map[types.ObjectID]PeerSet

	GetShardInfo(peer types.PeerShard) ShardInfo
	GetInfo() ShardInfo
	GetPool() stripe.Pool
	GetLog() PGLog

	GetTID() types.TID

	WhoamiShard() types.PeerShard
	PrimarySPG() types.SPG
	GetOSDMapEpoch() uint32
	GetIntervalStartEpoch() uint32

	// ShouldSendOp gates whether a peer receives the real transaction or a
	// stats-only sub-write.
	ShouldSendOp(peer types.PeerShard, oid types.ObjectID) bool

	SendMessageOSDCluster(msgs []MessageTo, epoch uint32)

	ApplyStats(oid types.ObjectID, delta Stats)
}

// LocalWriter applies the local shard's sub-write in process; the apply
// and commit acknowledgments re-enter through HandleSubWriteReply.
type LocalWriter interface {
	HandleSubWrite(from types.PeerShard, msg *SubWrite)
}
