package backend

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tokenBatch(n int) Batch {
	items := make([]Item, n)
	for i := range items {
		items[i] = Item{Token: int32(i), Position: int32(i), SeqID: 1}
	}
	return Batch{Items: items}
}

func TestNewUnknownVariant(t *testing.T) {
	_, err := New(Variant("tpu"), 8, 0)
	assert.Error(t, err)
}

func TestRegisterDuplicatePanics(t *testing.T) {
	assert.Panics(t, func() {
		Register(CPU, func(int, uint64) (Backend, error) { return nil, nil })
	})
}

func TestCPUDecodeProducesOneRowPerItem(t *testing.T) {
	b, err := New(CPU, 8, 0)
	require.NoError(t, err)
	defer b.Close()

	out, err := b.Decode(tokenBatch(3), 0, 4, 0)
	require.NoError(t, err)
	assert.Equal(t, OutcomeActivations, out.Kind)
	assert.Len(t, out.Activations, 3*8)
}

func TestCPUDecodeIsDeterministic(t *testing.T) {
	b, err := New(CPU, 8, 0)
	require.NoError(t, err)
	defer b.Close()

	out1, err := b.Decode(tokenBatch(2), 0, 4, 0)
	require.NoError(t, err)
	out2, err := b.Decode(tokenBatch(2), 0, 4, 0)
	require.NoError(t, err)
	assert.Equal(t, out1.Activations, out2.Activations)
}

func TestCPUDecodeExtractsLogitsWhenRequested(t *testing.T) {
	b, err := New(CPU, 8, 0)
	require.NoError(t, err)
	defer b.Close()

	batch := tokenBatch(2)
	batch.Items[1].EmitLogits = true

	out, err := b.Decode(batch, 0, 4, 0)
	require.NoError(t, err)
	assert.Equal(t, OutcomeLogits, out.Kind)
	assert.Len(t, out.Logits, VocabSize)
}

func TestArgmaxPicksLargestEntry(t *testing.T) {
	row := make([]float32, VocabSize)
	row[42] = 9
	row[7] = 3
	assert.Equal(t, int32(42), Argmax(row))
}

func TestArgmaxTiesPickLowestIndex(t *testing.T) {
	row := make([]float32, 4)
	row[1] = 5
	row[2] = 5
	assert.Equal(t, int32(1), Argmax(row))
}

func TestLogitRowRoundTrip(t *testing.T) {
	row := []float32{1.5, -2.25, 0, 3.125}
	got := DecodeLogitRow(EncodeLogitRow(row))
	assert.Equal(t, row, got)
}

func TestCPUDecodeEmptyWindowErrors(t *testing.T) {
	b, err := New(CPU, 8, 0)
	require.NoError(t, err)
	defer b.Close()

	_, err = b.Decode(tokenBatch(1), 4, 4, 0)
	assert.Error(t, err)
}

func TestCPUDecodeKVFullTriggersErrKVFull(t *testing.T) {
	backend, err := New(CPU, 8, 0)
	require.NoError(t, err)
	cb := backend.(*cpuBackend)
	cb.kvCapacity = 1

	_, err = cb.Decode(tokenBatch(2), 0, 4, 0)
	assert.ErrorIs(t, err, ErrKVFull)
}

func TestHalveBatchSplitsThenStops(t *testing.T) {
	b := tokenBatch(4)
	halves := HalveBatch(b)
	require.Len(t, halves, 2)
	assert.Len(t, halves[0].Items, 2)
	assert.Len(t, halves[1].Items, 2)

	single := tokenBatch(1)
	assert.Nil(t, HalveBatch(single), "size 1 has nowhere left to shrink, caller must treat as fatal")
}

func TestNoneBackendRelaysActivationUnchanged(t *testing.T) {
	b, err := New(None, 8, 0)
	require.NoError(t, err)
	defer b.Close()

	batch := Batch{Items: []Item{{Activation: []byte{1, 2, 3}, SeqID: 1}}}
	out, err := b.Decode(batch, 0, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, out.Activations)
}

func TestGPUBackendFallsBackWhenMemoryShort(t *testing.T) {
	b, err := New(CUDA, 8, 1) // 1 byte of VRAM fits zero layers
	require.NoError(t, err)
	defer b.Close()

	out, err := b.Decode(tokenBatch(2), 0, 4, 4)
	require.NoError(t, err)
	assert.Equal(t, OutcomeActivations, out.Kind)
	assert.Len(t, out.Activations, 2*8)
}

func TestMetalVariantRegistered(t *testing.T) {
	b, err := New(Metal, 8, 1<<30)
	require.NoError(t, err)
	defer b.Close()
	assert.Equal(t, Metal, b.Variant())
}
