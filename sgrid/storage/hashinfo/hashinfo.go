// Package hashinfo tracks per-object cumulative shard CRCs. The record is
// persisted as an object attribute and advanced by the RMW pipeline's
// encode step as shards are appended.
package hashinfo

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/golang/glog"
)

// AttrKey is the object attribute the encoded record is stored under.
const AttrKey = "hinfo_key"

const encodingVersion = 1

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// emptyCRC is the seed for a shard that has never been hashed.
const emptyCRC = ^uint32(0)

// HashInfo is the cumulative CRC32c of every shard of one object, folded
// append by append, plus the per-shard byte count appended so far.
type HashInfo struct {
	totalChunkSize uint64
	hashes         []uint32
}

// New creates a record for an object striped over numChunks shards.
func New(numChunks int) *HashInfo {
	hashes := make([]uint32, numChunks)
	for i := range hashes {
		hashes[i] = emptyCRC
	}
	return &HashInfo{hashes: hashes}
}

func (h *HashInfo) TotalChunkSize() uint64 { return h.totalChunkSize }

func (h *HashInfo) HasChunkHash() bool { return len(h.hashes) != 0 }

func (h *HashInfo) ChunkHash(shard int) uint32 {
	if shard < 0 || shard >= len(h.hashes) {
		glog.Fatalf("chunk hash for shard %d of %d", shard, len(h.hashes))
	}
	return h.hashes[shard]
}

// Append folds newly appended per-shard bytes into the cumulative hashes.
// oldSize must equal the current per-shard size: appends are fold-only,
// overwrites must clear the hash first.
func (h *HashInfo) Append(oldSize uint64, toAppend map[int][]byte) {
	if oldSize != h.totalChunkSize {
		glog.Fatalf("hash append at size %d, record at %d", oldSize, h.totalChunkSize)
	}
	if len(toAppend) == 0 {
		return
	}
	var appended uint64
	for _, data := range toAppend {
		appended = uint64(len(data))
		break
	}
	if h.HasChunkHash() {
		if len(toAppend) != len(h.hashes) {
			glog.Fatalf("hash append with %d shards, record has %d", len(toAppend), len(h.hashes))
		}
		for shard, data := range toAppend {
			if uint64(len(data)) != appended {
				glog.Fatalf("hash append with uneven shard sizes %d vs %d", len(data), appended)
			}
			h.hashes[shard] = crc32.Update(h.hashes[shard], castagnoli, data)
		}
	}
	h.totalChunkSize += appended
}

// SetTotalChunkSizeClearHash records a size reached by other means than
// appending (e.g. a truncate) and drops the now-stale hashes.
func (h *HashInfo) SetTotalChunkSizeClearHash(newSize uint64) {
	h.hashes = nil
	h.totalChunkSize = newSize
}

// Clear resets the record to the state of an empty object.
func (h *HashInfo) Clear() {
	h.totalChunkSize = 0
	for i := range h.hashes {
		h.hashes[i] = emptyCRC
	}
}

// Encode serializes the record for storage under AttrKey:
// version byte, uvarint size, uvarint count, uint32-LE hashes.
func (h *HashInfo) Encode() []byte {
	buf := make([]byte, 0, 1+2*binary.MaxVarintLen64+4*len(h.hashes))
	buf = append(buf, encodingVersion)
	buf = binary.AppendUvarint(buf, h.totalChunkSize)
	buf = binary.AppendUvarint(buf, uint64(len(h.hashes)))
	for _, crc := range h.hashes {
		buf = binary.LittleEndian.AppendUint32(buf, crc)
	}
	return buf
}

// Decode parses an encoded record.
func Decode(data []byte) (*HashInfo, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty hash info blob")
	}
	if data[0] != encodingVersion {
		return nil, fmt.Errorf("unsupported hash info version %d", data[0])
	}
	rest := data[1:]
	size, n := binary.Uvarint(rest)
	if n <= 0 {
		return nil, fmt.Errorf("truncated hash info size")
	}
	rest = rest[n:]
	count, n := binary.Uvarint(rest)
	if n <= 0 {
		return nil, fmt.Errorf("truncated hash info count")
	}
	rest = rest[n:]
	if uint64(len(rest)) < 4*count {
		return nil, fmt.Errorf("truncated hash info hashes: have %d bytes, want %d", len(rest), 4*count)
	}
	h := &HashInfo{totalChunkSize: size, hashes: make([]uint32, count)}
	for i := range h.hashes {
		h.hashes[i] = binary.LittleEndian.Uint32(rest[4*i:])
	}
	return h, nil
}

func (h *HashInfo) String() string {
	return fmt.Sprintf("tcs=%d hashes=%x", h.totalChunkSize, h.hashes)
}
