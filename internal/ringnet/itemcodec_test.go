package ringnet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ringmesh/ringd/internal/backend"
)

func TestEncodeDecodeItemsRoundtrip(t *testing.T) {
	items := []backend.Item{
		{Token: 5, Position: 0, SeqID: 1, EmitLogits: false, Activation: []byte{1, 2, 3}},
		{Token: 0, Position: 1, SeqID: 1, EmitLogits: true, Activation: nil},
	}

	payload := EncodeItems(items)
	got, err := DecodeItems(payload)
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, int32(5), got[0].Token)
	assert.Equal(t, []byte{1, 2, 3}, got[0].Activation)
	assert.True(t, got[1].EmitLogits)
	assert.Equal(t, int32(1), got[1].SeqID)
}

func TestDecodeItemsTruncatedHeaderErrors(t *testing.T) {
	_, err := DecodeItems([]byte{0, 1, 2})
	assert.Error(t, err)
}

func TestDecodeItemsTruncatedActivationErrors(t *testing.T) {
	items := []backend.Item{{Activation: []byte{1, 2, 3, 4}}}
	payload := EncodeItems(items)
	_, err := DecodeItems(payload[:len(payload)-2])
	assert.Error(t, err)
}
