// Package pipeline drives one node's per-cycle activation traversal: for
// each ingress frame it walks the node's layer window, keeping weight
// prefetch a fixed horizon ahead of compute and releasing tiles with a
// small hysteresis behind it, then emits the resulting activations to
// egress. Multiple cycles' frames may be in flight at once; ordering
// within a node is whatever order ingress frames arrive in, which the
// ring transport already guarantees is FIFO per producer.
//
// Engine has no run loop of its own: the caller's ingress loop hands it one
// frame at a time through ProcessFrame, generalising a single batch-step
// loop to one node's slice of the ring's layer window.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/ringmesh/ringd/internal/backend"
	"github.com/ringmesh/ringd/internal/weightstore"
)

// Frame is one unit of ingress work: a batch of activations (or, for the
// node holding layer 0, raw tokens) arriving for one cycle.
type Frame struct {
	CycleID uint32
	BatchID uint32
	NTokens uint32
	Items   []backend.Item
}

// Window is the contiguous [Begin,End) range of layers this node owns.
type Window struct {
	Begin, End int
}

// Engine holds one node's per-cycle scheduling state and drives the
// per-step algorithm against a weight store and compute backend.
type Engine struct {
	window   Window
	store    *weightstore.Handle
	be       backend.Backend
	gpuLayers int
	horizon  int // prefetch horizon h, layers ahead of compute
	hysteresis int // k, layers behind compute still held before release

	// isFinal marks the node whose window covers the last layer of the
	// whole model (C6 step 2): only on that node's last layer iteration is
	// a decode's Outcome.Logits the real terminal distribution rather than
	// an intermediate layer's throwaway byproduct of EmitLogits staying set
	// on items all the way around the ring.
	isFinal bool

	egress func(Frame) error

	// inFlight tracks (cycle_id, batch_id) pairs the node currently has a
	// frame in progress for, so ReleaseAllowed can refuse to drop a tile
	// any live cycle still needs.
	inFlight map[uint64]int // key -> lowest compute_cursor among frames using it

	logger *slog.Logger
	// retryLimiter caps how often a kv_full batch-halving retry gets its
	// own log line, so a stretch of repeatedly halved batches doesn't
	// flood the log before the condition clears or turns fatal.
	retryLimiter *rate.Limiter
}

// New builds an Engine for one node's layer window. egress is called once
// per processed frame with the outgoing activations; it is the caller's
// hook to either write to the node's ringnet.DataLink or, on rank 0's last
// cycle, hand activations off to the slot scheduler as logits. isFinal
// marks the node that owns the model's last layer, the only one whose
// terminal-layer Outcome.Logits is the real per-token distribution rather
// than an intermediate layer's unused byproduct. logger may be nil, in
// which case retry events are not logged.
func New(window Window, store *weightstore.Handle, be backend.Backend, gpuLayers, horizon, hysteresis int, isFinal bool, egress func(Frame) error, logger *slog.Logger) *Engine {
	if horizon < 1 {
		horizon = 1
	}
	if hysteresis < 0 {
		hysteresis = 0
	}
	return &Engine{
		window:       window,
		store:        store,
		be:           be,
		gpuLayers:    gpuLayers,
		horizon:      horizon,
		hysteresis:   hysteresis,
		isFinal:      isFinal,
		egress:       egress,
		inFlight:     make(map[uint64]int),
		logger:       logger,
		retryLimiter: rate.NewLimiter(rate.Every(2*time.Second), 1),
	}
}

func frameKey(cycleID, batchID uint32) uint64 {
	return uint64(cycleID)<<32 | uint64(batchID)
}

// ProcessFrame runs the per-step algorithm across this node's entire layer
// window for one ingress frame, then emits the result to egress. It is the
// only blocking point inside a step: waiting for a tile to reach
// mapped_hot residency (step 1c in the design).
func (e *Engine) ProcessFrame(ctx context.Context, f Frame) error {
	key := frameKey(f.CycleID, f.BatchID)
	e.inFlight[key] = e.window.Begin

	items := f.Items
	for layer := e.window.Begin; layer < e.window.End; layer++ {
		e.inFlight[key] = layer

		if releaseLayer := layer - e.hysteresis - 1; releaseLayer >= e.window.Begin {
			if e.releaseAllowed(releaseLayer) {
				if err := e.store.Release(releaseLayer); err != nil {
					return fmt.Errorf("pipeline: release layer %d: %w", releaseLayer, err)
				}
			}
		}

		for p := layer; p < layer+e.horizon && p < e.window.End; p++ {
			if err := e.store.Prefetch(p); err != nil {
				return fmt.Errorf("pipeline: prefetch layer %d: %w", p, err)
			}
		}

		if err := e.awaitHot(ctx, layer); err != nil {
			return err
		}

		out, err := e.decodeWithRetry(backend.Batch{Items: items}, layer, layer+1)
		if err != nil {
			return fmt.Errorf("pipeline: decode layer %d: %w", layer, err)
		}
		if e.isFinal && layer == e.window.End-1 && out.Kind == backend.OutcomeLogits {
			items = logitsToItems(out.Logits, items)
		} else {
			items = activationsToItems(out.Activations, items)
		}
	}

	delete(e.inFlight, key)

	outFrame := Frame{CycleID: f.CycleID, BatchID: f.BatchID, NTokens: f.NTokens, Items: items}
	return e.egress(outFrame)
}

// releaseAllowed implements the prefetch-release correctness rule: layer
// cannot be released while any in-flight cycle's compute_cursor is still
// at or before it.
func (e *Engine) releaseAllowed(layer int) bool {
	for _, cursor := range e.inFlight {
		if cursor <= layer {
			return false
		}
	}
	return true
}

func (e *Engine) awaitHot(ctx context.Context, layer int) error {
	for {
		res, err := e.store.Residency(layer)
		if err != nil {
			return fmt.Errorf("pipeline: residency layer %d: %w", layer, err)
		}
		if res == weightstore.MappedHot {
			return e.store.Acquire(layer)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

// decodeWithRetry applies the batch-halving policy on a kv_full outcome: a
// single retry at half size, then the failure is fatal for the node's
// current frame.
func (e *Engine) decodeWithRetry(b backend.Batch, layerBegin, layerEnd int) (backend.Outcome, error) {
	out, err := e.be.Decode(b, layerBegin, layerEnd, e.gpuLayers)
	if err == nil {
		return out, nil
	}
	if err != backend.ErrKVFull {
		return out, err
	}

	halves := backend.HalveBatch(b)
	if halves == nil {
		return out, fmt.Errorf("pipeline: kv_full at minimum batch size, fatal: %w", err)
	}
	if e.logger != nil && e.retryLimiter.Allow() {
		e.logger.Warn("kv cache full, halving batch", "layer_begin", layerBegin, "items", len(b.Items))
	}

	merged := backend.Outcome{Kind: backend.OutcomeActivations}
	for _, half := range halves {
		o, err := e.be.Decode(half, layerBegin, layerEnd, e.gpuLayers)
		if err != nil {
			return backend.Outcome{}, fmt.Errorf("pipeline: kv_full persisted after halving: %w", err)
		}
		merged.Activations = append(merged.Activations, o.Activations...)
		merged.Logits = append(merged.Logits, o.Logits...)
	}
	if len(merged.Logits) > 0 {
		merged.Kind = backend.OutcomeLogits
	}
	return merged, nil
}

// activationsToItems carries the previous item metadata (position, seq,
// emit-logits flag) forward while swapping in the freshly computed
// activation bytes, so the next layer's decode call sees this layer's
// output as its input.
func activationsToItems(activations []byte, prev []backend.Item) []backend.Item {
	if len(prev) == 0 {
		return prev
	}
	width := len(activations) / len(prev)
	out := make([]backend.Item, len(prev))
	for i, item := range prev {
		item.Activation = activations[i*width : (i+1)*width]
		out[i] = item
	}
	return out
}

// logitsToItems is activationsToItems' counterpart for the terminal layer:
// items flagged EmitLogits get their VocabSize-wide row packed into
// Activation via backend.EncodeLogitRow, riding the same wire field an
// intermediate layer would have used for its activation bytes; items not
// flagged EmitLogits carry nothing forward, since the model's forward pass
// for this token is already complete.
func logitsToItems(logits []float32, prev []backend.Item) []backend.Item {
	out := make([]backend.Item, len(prev))
	off := 0
	for i, item := range prev {
		if item.EmitLogits {
			row := logits[off : off+backend.VocabSize]
			off += backend.VocabSize
			item.Activation = backend.EncodeLogitRow(row)
		} else {
			item.Activation = nil
		}
		out[i] = item
	}
	return out
}

// Horizon returns the prefetch horizon: the whole number of tile compute
// times that fit in one tile's disk read, plus one (1 when the compute time
// is not positive). cmd/serve calls it at bring-up; the planner does not
// compute or return a horizon.
func Horizon(diskSecondsPerTile, computeSecondsPerTile float64) int {
	if computeSecondsPerTile <= 0 {
		return 1
	}
	h := diskSecondsPerTile / computeSecondsPerTile
	n := int(h) + 1
	if n < 1 {
		return 1
	}
	return n
}
