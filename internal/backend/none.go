package backend

func init() {
	Register(None, func(hiddenDim int, gpuMemBytes uint64) (Backend, error) {
		return &noneBackend{}, nil
	})
}

// noneBackend serves a node whose layer window is empty — a pure relay
// link in the ring that forwards whatever activation it received without
// touching it. Decode on a token item (no incoming activation, nothing to
// relay) is a caller error: a relay node never originates a layer-0 token.
type noneBackend struct{}

func (b *noneBackend) Variant() Variant { return None }

func (b *noneBackend) Decode(batch Batch, layerBegin, layerEnd int, gpuLayers int) (Outcome, error) {
	out := make([]byte, 0)
	for _, item := range batch.Items {
		out = append(out, item.Activation...)
	}
	return Outcome{Kind: OutcomeActivations, Activations: out}, nil
}

func (b *noneBackend) Close() error { return nil }
