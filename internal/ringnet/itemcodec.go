package ringnet

import (
	"encoding/binary"
	"fmt"

	"github.com/ringmesh/ringd/internal/backend"
)

// itemHeaderSize is the fixed per-item record preceding its activation
// bytes: token, position, seq_id, emit_logits (padded to 4 bytes), and the
// activation byte length.
const itemHeaderSize = 20

// EncodeItems packs a decode step's items into one data frame payload. The
// wire format only specifies the steady-state activation bytes; carrying
// token/position/seq_id/emit_logits alongside them is this core's resolved
// answer for how a node downstream of rank 0 learns what a batch's items
// actually are without a side channel.
func EncodeItems(items []backend.Item) []byte {
	total := 0
	for _, it := range items {
		total += itemHeaderSize + len(it.Activation)
	}
	buf := make([]byte, total)
	off := 0
	for _, it := range items {
		binary.BigEndian.PutUint32(buf[off:], uint32(it.Token))
		binary.BigEndian.PutUint32(buf[off+4:], uint32(it.Position))
		binary.BigEndian.PutUint32(buf[off+8:], uint32(it.SeqID))
		if it.EmitLogits {
			buf[off+12] = 1
		}
		binary.BigEndian.PutUint32(buf[off+16:], uint32(len(it.Activation)))
		off += itemHeaderSize
		copy(buf[off:], it.Activation)
		off += len(it.Activation)
	}
	return buf
}

// DecodeItems unpacks the payload EncodeItems produced.
func DecodeItems(payload []byte) ([]backend.Item, error) {
	var items []backend.Item
	off := 0
	for off < len(payload) {
		if off+itemHeaderSize > len(payload) {
			return nil, fmt.Errorf("ringnet: truncated item header at offset %d", off)
		}
		it := backend.Item{
			Token:      int32(binary.BigEndian.Uint32(payload[off:])),
			Position:   int32(binary.BigEndian.Uint32(payload[off+4:])),
			SeqID:      int32(binary.BigEndian.Uint32(payload[off+8:])),
			EmitLogits: payload[off+12] != 0,
		}
		alen := int(binary.BigEndian.Uint32(payload[off+16:]))
		off += itemHeaderSize
		if off+alen > len(payload) {
			return nil, fmt.Errorf("ringnet: truncated activation at offset %d", off)
		}
		if alen > 0 {
			it.Activation = append([]byte(nil), payload[off:off+alen]...)
		}
		off += alen
		items = append(items, it)
	}
	return items, nil
}
