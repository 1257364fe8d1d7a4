package scheduler

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"os"

	"github.com/pierrec/lz4/v4"

	"github.com/ringmesh/ringd/internal/kvcache"
)

// snapshotFile is what slot_save writes to disk: the cache_tokens the slot
// had resident plus every row of its KV cache snapshot. The payload is
// lz4-compressed, since a slot's KV snapshot is large and highly
// repetitive; the ring transport itself sends frames uncompressed.
type snapshotFile struct {
	Tokens []int32
	Rows   [][]kvcache.PositionRow
}

func saveSnapshotWithTokens(path string, tokens []int32, rows [][]kvcache.PositionRow) error {
	var raw bytes.Buffer
	if err := gob.NewEncoder(&raw).Encode(snapshotFile{Tokens: tokens, Rows: rows}); err != nil {
		return fmt.Errorf("scheduler: encode slot snapshot: %w", err)
	}

	compressed := make([]byte, lz4.CompressBlockBound(raw.Len()))
	n, err := lz4.CompressBlock(raw.Bytes(), compressed, nil)
	if err != nil {
		return fmt.Errorf("scheduler: compress slot snapshot: %w", err)
	}

	out := make([]byte, 8+n)
	putUint64(out[:8], uint64(raw.Len()))
	copy(out[8:], compressed[:n])

	if err := os.WriteFile(path, out, 0o600); err != nil {
		return fmt.Errorf("scheduler: write slot snapshot %s: %w", path, err)
	}
	return nil
}

func loadSnapshot(path string) ([][]kvcache.PositionRow, []int32, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("scheduler: read slot snapshot %s: %w", path, err)
	}
	if len(raw) < 8 {
		return nil, nil, fmt.Errorf("scheduler: slot snapshot %s is truncated", path)
	}
	decompressedLen := getUint64(raw[:8])
	decompressed := make([]byte, decompressedLen)
	if _, err := lz4.UncompressBlock(raw[8:], decompressed); err != nil {
		return nil, nil, fmt.Errorf("scheduler: decompress slot snapshot: %w", err)
	}

	var snap snapshotFile
	if err := gob.NewDecoder(bytes.NewReader(decompressed)).Decode(&snap); err != nil {
		return nil, nil, fmt.Errorf("scheduler: decode slot snapshot: %w", err)
	}
	return snap.Rows, snap.Tokens, nil
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func getUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}
