package backend

// computeLayerWindow stands in for the tensor kernels (attention, RoPE,
// quantised matmul) that this core treats as an external collaborator: the
// actual kernel library is supplied by the surrounding build, not this
// package. What backend.go owns is dispatch, retry, and memory accounting
// around whatever kernel runs — so the reference path here is a
// deterministic placeholder forward pass, not a model implementation.
//
// It folds every byte of every item's activation (or its token id, for a
// layer-0 item with no incoming activation) into a running checksum per
// output position, scaled by the layer window's width. This is enough to
// give Decode's callers a real, position-addressable, reproducible
// per-batch output to pipe through the ring and to exercise the retry and
// logits-extraction paths against.
func computeLayerWindow(items []Item, layerBegin, layerEnd, hiddenDim int) []byte {
	width := layerEnd - layerBegin
	if width <= 0 {
		width = 1
	}
	out := make([]byte, len(items)*hiddenDim)
	for i, item := range items {
		seed := uint32(item.Token) + uint32(item.Position)*31 + uint32(item.SeqID)*97
		if len(item.Activation) > 0 {
			for _, b := range item.Activation {
				seed = seed*33 + uint32(b)
			}
		}
		seed *= uint32(width)
		row := out[i*hiddenDim : (i+1)*hiddenDim]
		for j := range row {
			row[j] = byte(seed >> (uint(j%4) * 8))
			seed = seed*1103515245 + 12345
		}
	}
	return out
}

// extractLogits derives a toy but deterministic VocabSize-wide logit row per
// item flagged EmitLogits, from the computed activation row, and
// concatenates them in item order per Outcome.Logits' layout.
func extractLogits(activations []byte, items []Item, hiddenDim int) []float32 {
	var out []float32
	for i, item := range items {
		if !item.EmitLogits {
			continue
		}
		row := activations[i*hiddenDim : (i+1)*hiddenDim]
		out = append(out, logitsForRow(row)...)
	}
	return out
}

// logitsForRow turns one computed activation row into a VocabSize-wide
// logit vector: a checksum-seeded pseudo-random fill so every candidate has
// some score, plus a boost at the index the row's own checksum picks out,
// so the argmax is reproducible from the row's bytes and not just always
// vocabulary id 0.
func logitsForRow(row []byte) []float32 {
	var checksum uint32
	for _, b := range row {
		checksum = checksum*33 + uint32(b)
	}

	logits := make([]float32, VocabSize)
	seed := checksum
	for i := range logits {
		seed = seed*1103515245 + 12345
		logits[i] = float32(seed%1000) / 1000
	}
	logits[checksum%VocabSize] += 10
	return logits
}
