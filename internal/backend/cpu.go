package backend

import "fmt"

func init() {
	Register(CPU, func(hiddenDim int, gpuMemBytes uint64) (Backend, error) {
		return &cpuBackend{hiddenDim: hiddenDim}, nil
	})
}

type cpuBackend struct {
	hiddenDim  int
	kvCapacity int // 0 means unbounded, set by tests to exercise kv_full
}

func (b *cpuBackend) Variant() Variant { return CPU }

func (b *cpuBackend) Decode(batch Batch, layerBegin, layerEnd int, gpuLayers int) (Outcome, error) {
	if b.kvCapacity > 0 && len(batch.Items) > b.kvCapacity {
		return Outcome{Kind: OutcomeError, Err: ErrKVFull}, ErrKVFull
	}
	if layerBegin >= layerEnd {
		return Outcome{}, fmt.Errorf("backend: empty layer window [%d,%d)", layerBegin, layerEnd)
	}

	activations := computeLayerWindow(batch.Items, layerBegin, layerEnd, b.hiddenDim)
	if logits := extractLogits(activations, batch.Items, b.hiddenDim); len(logits) > 0 {
		return Outcome{Kind: OutcomeLogits, Activations: activations, Logits: logits}, nil
	}
	return Outcome{Kind: OutcomeActivations, Activations: activations}, nil
}

func (b *cpuBackend) Close() error { return nil }
