package codec

import (
	"fmt"
	"sort"

	"github.com/klauspost/reedsolomon"
)

// reedSolomonCodec is the stock codec: Vandermonde reed-solomon with one
// sub-chunk per chunk.
type reedSolomonCodec struct {
	k       int
	m       int
	mapping []int
	enc     reedsolomon.Encoder
}

// NewReedSolomon builds the default codec for k data and m coding shards.
// mapping may be nil for the identity permutation.
func NewReedSolomon(k, m int, mapping []int) (Codec, error) {
	enc, err := reedsolomon.New(k, m)
	if err != nil {
		return nil, fmt.Errorf("failed to create encoder: %v", err)
	}
	return &reedSolomonCodec{
		k:       k,
		m:       m,
		mapping: CompleteChunkMapping(mapping, k+m),
		enc:     enc,
	}, nil
}

func (c *reedSolomonCodec) DataChunkCount() int   { return c.k }
func (c *reedSolomonCodec) CodingChunkCount() int { return c.m }
func (c *reedSolomonCodec) ChunkCount() int       { return c.k + c.m }
func (c *reedSolomonCodec) SubChunkCount() int    { return 1 }
func (c *reedSolomonCodec) ChunkMapping() []int   { return c.mapping }

func (c *reedSolomonCodec) SupportedOptimizations() OptimizationFlags {
	return FlagPartialReads | FlagPartialWrites | FlagECOverwrites | FlagECOptimizations
}

// MinimumToDecode returns want itself when every wanted shard is available,
// enabling single-shard partial reads. Otherwise it picks k shards from
// have, wanted and data shards first.
func (c *reedSolomonCodec) MinimumToDecode(want, have map[int]bool) (map[int][]SubChunk, error) {
	need := make(map[int][]SubChunk)
	whole := []SubChunk{{Offset: 0, Count: 1}}

	missing := false
	for shard := range want {
		if !have[shard] {
			missing = true
			break
		}
	}

	if !missing {
		for shard := range want {
			need[shard] = whole
		}
		return need, nil
	}

	avail := make([]int, 0, len(have))
	for shard := range have {
		avail = append(avail, shard)
	}
	// Deterministic choice: wanted shards, then data shards, then the rest.
	sort.Slice(avail, func(i, j int) bool {
		a, b := avail[i], avail[j]
		if want[a] != want[b] {
			return want[a]
		}
		if (a < c.k) != (b < c.k) {
			return a < c.k
		}
		return a < b
	})

	if len(avail) < c.k {
		return nil, ErrTooFewShards
	}
	for _, shard := range avail[:c.k] {
		need[shard] = whole
	}
	return need, nil
}

func (c *reedSolomonCodec) EncodeChunks(chunks [][]byte) error {
	if len(chunks) != c.k+c.m {
		return fmt.Errorf("expected %d chunks, got %d: %w", c.k+c.m, len(chunks), ErrShardSize)
	}
	return c.enc.Encode(chunks)
}

func (c *reedSolomonCodec) Decode(want map[int]bool, in map[int][]byte, chunkSize int) (map[int][]byte, error) {
	shards, length, err := c.shardSlices(in)
	if err != nil {
		return nil, err
	}
	if err := c.enc.Reconstruct(shards); err != nil {
		return nil, fmt.Errorf("reconstruct: %v", err)
	}
	out := make(map[int][]byte, len(want))
	for shard := range want {
		if shard < 0 || shard >= c.k+c.m {
			return nil, fmt.Errorf("want shard %d out of range", shard)
		}
		out[shard] = shards[shard][:length]
	}
	return out, nil
}

func (c *reedSolomonCodec) DecodeConcat(want map[int]bool, chunks map[int][]byte) ([]byte, error) {
	needsRebuild := false
	for shard := range want {
		if _, ok := chunks[shard]; !ok {
			needsRebuild = true
			break
		}
	}

	shards, length, err := c.shardSlices(chunks)
	if err != nil {
		return nil, err
	}
	if needsRebuild {
		if err := c.enc.Reconstruct(shards); err != nil {
			return nil, fmt.Errorf("reconstruct: %v", err)
		}
	}

	wanted := make([]int, 0, len(want))
	for shard := range want {
		wanted = append(wanted, shard)
	}
	sort.Ints(wanted)

	out := make([]byte, 0, length*len(wanted))
	for _, shard := range wanted {
		if shards[shard] == nil {
			return nil, ErrTooFewShards
		}
		out = append(out, shards[shard][:length]...)
	}
	return out, nil
}

// shardSlices lays the present chunks into a k+m slice for the encoder,
// validating that all buffers are the same length.
func (c *reedSolomonCodec) shardSlices(in map[int][]byte) ([][]byte, int, error) {
	shards := make([][]byte, c.k+c.m)
	length := -1
	for shard, buf := range in {
		if shard < 0 || shard >= c.k+c.m {
			return nil, 0, fmt.Errorf("shard %d out of range", shard)
		}
		if length == -1 {
			length = len(buf)
		} else if len(buf) != length {
			return nil, 0, ErrShardSize
		}
		shards[shard] = buf
	}
	if length <= 0 {
		return nil, 0, ErrTooFewShards
	}
	return shards, length, nil
}
