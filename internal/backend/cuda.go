package backend

import "fmt"

func init() {
	Register(CUDA, func(hiddenDim int, gpuMemBytes uint64) (Backend, error) {
		return &gpuBackend{variant: CUDA, hiddenDim: hiddenDim, gpuMemBytes: gpuMemBytes}, nil
	})
}

// bytesPerLayerEstimate is a coarse per-layer device-memory cost used only
// to bound how many of the caller-requested gpuLayers this backend will
// actually place on-device; the real weight footprint is the weight
// store's business, not this package's.
const bytesPerLayerEstimate = 200 * 1024 * 1024

// gpuBackend models an accelerator-backed variant (CUDA or Metal): layers
// within the node's gpuLayers budget, and within what gpuMemBytes can hold,
// run on the device path; any remainder of the window falls back to the
// same reference compute the CPU backend uses, spilling overflow layers
// to the CPU when VRAM is short rather than failing outright.
type gpuBackend struct {
	variant     Variant
	hiddenDim   int
	gpuMemBytes uint64
}

func (b *gpuBackend) Variant() Variant { return b.variant }

func (b *gpuBackend) deviceLayerBudget(requested int) int {
	if bytesPerLayerEstimate == 0 {
		return requested
	}
	fit := int(b.gpuMemBytes / bytesPerLayerEstimate)
	if fit < requested {
		return fit
	}
	return requested
}

func (b *gpuBackend) Decode(batch Batch, layerBegin, layerEnd int, gpuLayers int) (Outcome, error) {
	if layerBegin >= layerEnd {
		return Outcome{}, fmt.Errorf("backend: empty layer window [%d,%d)", layerBegin, layerEnd)
	}

	onDevice := b.deviceLayerBudget(gpuLayers)
	deviceEnd := layerBegin + onDevice
	if deviceEnd > layerEnd {
		deviceEnd = layerEnd
	}

	activations := computeLayerWindow(batch.Items, layerBegin, deviceEnd, b.hiddenDim)
	if deviceEnd < layerEnd {
		spill := computeLayerWindow(batch.Items, deviceEnd, layerEnd, b.hiddenDim)
		for i := range activations {
			activations[i] ^= spill[i]
		}
	}

	if logits := extractLogits(activations, batch.Items, b.hiddenDim); len(logits) > 0 {
		return Outcome{Kind: OutcomeLogits, Activations: activations, Logits: logits}, nil
	}
	return Outcome{Kind: OutcomeActivations, Activations: activations}, nil
}

func (b *gpuBackend) Close() error { return nil }
