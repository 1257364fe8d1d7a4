// Package backend abstracts the tensor kernels (matrix multiplication,
// attention, RoPE, quantised dequantisation) as a compute backend trait
// exposing Decode. The kernels themselves are an external collaborator per
// this core's scope; this package only selects and drives one of a closed
// set of accelerator variants {CPU, CUDA, Metal, none}.
//
// The variant registry uses a RegisterBackend/NewBackend pattern: a
// closed tagged variant selected once at process start, avoiding any
// virtual-inheritance-style backend hierarchy.
package backend

import (
	"encoding/binary"
	"fmt"
	"math"
)

func putFloat32(b []byte, v float32) {
	binary.BigEndian.PutUint32(b, math.Float32bits(v))
}

func getFloat32(b []byte) float32 {
	return math.Float32frombits(binary.BigEndian.Uint32(b))
}

// Variant names one of the closed set of accelerator implementations.
type Variant string

const (
	CPU   Variant = "cpu"
	CUDA  Variant = "cuda"
	Metal Variant = "metal"
	None  Variant = "none"
)

// Item is one entry of a decode batch: a token or an incoming activation,
// its position, the sequence it belongs to, and whether logits should be
// extracted for it.
type Item struct {
	Token       int32  // valid when Activation is nil
	Activation  []byte // valid when this node is not the first in the ring for this step
	Position    int32
	SeqID       int32
	EmitLogits  bool
}

// Batch is an ordered, size-bounded set of decode items.
type Batch struct {
	Items []Item
}

// OutcomeKind distinguishes the three things Decode can hand back.
type OutcomeKind int

const (
	OutcomeActivations OutcomeKind = iota
	OutcomeLogits
	OutcomeError
)

// ErrKVFull is the sentinel the scheduler watches for to trigger its
// batch-halving retry policy.
var ErrKVFull = fmt.Errorf("backend: no free space in the kv cache")

// VocabSize is this core's synthetic vocabulary: the reference backend's
// tokenizer treats every prompt byte as its own token id (see
// scheduler.tokenizeApprox/DetokenizeApprox), so logits only ever need to
// rank 256 candidates.
const VocabSize = 256

// Outcome is the result of one Decode call.
type Outcome struct {
	Kind        OutcomeKind
	Activations []byte    // n_tokens x hidden_dim, one byte per element (not an fp16 encoding)
	Logits      []float32 // only set for OutcomeLogits: len(Logits) == nEmit*VocabSize, one VocabSize-wide row per EmitLogits item, in item order
	Err         error
}

// Argmax returns the index of the largest entry in row, the toy reference
// sampler's entire decode strategy. Ties resolve to the lowest index.
func Argmax(row []float32) int32 {
	best, bestAt := row[0], 0
	for i, v := range row[1:] {
		if v > best {
			best, bestAt = v, i+1
		}
	}
	return int32(bestAt)
}

// EncodeLogitRow packs a VocabSize-wide logit row into bytes so it can ride
// in Item.Activation — the wire format (ringnet.EncodeItems) already
// carries that field as an arbitrary-length byte slice, so a terminal-cycle
// frame can hand logits back around the ring without any wire format
// change.
func EncodeLogitRow(row []float32) []byte {
	buf := make([]byte, len(row)*4)
	for i, v := range row {
		putFloat32(buf[i*4:i*4+4], v)
	}
	return buf
}

// DecodeLogitRow is EncodeLogitRow's inverse.
func DecodeLogitRow(buf []byte) []float32 {
	row := make([]float32, len(buf)/4)
	for i := range row {
		row[i] = getFloat32(buf[i*4 : i*4+4])
	}
	return row
}

// Backend executes one layer-window forward step on one batch.
type Backend interface {
	Variant() Variant
	// Decode runs the batch through this node's layer window. layerBegin
	// and layerEnd bound which layers the window covers so the backend can
	// restrict compute to a single layer at a time, as the pipeline
	// engine's per-step algorithm requires.
	Decode(batch Batch, layerBegin, layerEnd int, gpuLayers int) (Outcome, error)
	// Close releases any backend-owned resources (device contexts,
	// pinned buffers).
	Close() error
}

// Factory builds a Backend for a given hidden dimension and GPU memory
// budget (bytes). Registered factories form the closed set selectable by
// Variant.
type Factory func(hiddenDim int, gpuMemBytes uint64) (Backend, error)

var factories = make(map[Variant]Factory)

// Register adds a Factory for variant. Panics on duplicate registration:
// a duplicate registration is a programming error, not a runtime
// condition to recover from.
func Register(variant Variant, f Factory) {
	if _, exists := factories[variant]; exists {
		panic(fmt.Sprintf("backend: variant %q already registered", variant))
	}
	factories[variant] = f
}

// New selects variant's factory and builds a Backend. Selection is
// explicit, with no implicit fallback to a default variant: the caller
// names the accelerator variant at process start.
func New(variant Variant, hiddenDim int, gpuMemBytes uint64) (Backend, error) {
	f, ok := factories[variant]
	if !ok {
		return nil, fmt.Errorf("backend: no factory registered for variant %q", variant)
	}
	return f(hiddenDim, gpuMemBytes)
}

// HalveBatch implements the scheduler's decode-failure retry policy: on a
// kv_full outcome, retry with half the micro-batch size starting at the
// failed offset; a second failure at size 1 is fatal for the slot. It
// returns the sub-batches to retry in order, or nil once size has reached 1
// and the caller must treat the failure as fatal.
func HalveBatch(b Batch) []Batch {
	if len(b.Items) <= 1 {
		return nil
	}
	mid := len(b.Items) / 2
	return []Batch{
		{Items: b.Items[:mid]},
		{Items: b.Items[mid:]},
	}
}
