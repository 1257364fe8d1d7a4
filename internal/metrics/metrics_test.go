package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNewRegistersEveryCollectorOnItsOwnRegistry(t *testing.T) {
	c := New()

	c.TokensDecoded.WithLabelValues("ok").Inc()
	c.DecodeRetries.Inc()
	c.SlotsBusy.Set(3)
	c.RingFrameBytes.WithLabelValues("data").Add(128)

	assert.Equal(t, float64(1), testutil.ToFloat64(c.TokensDecoded.WithLabelValues("ok")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.DecodeRetries))
	assert.Equal(t, float64(3), testutil.ToFloat64(c.SlotsBusy))
	assert.Equal(t, float64(128), testutil.ToFloat64(c.RingFrameBytes.WithLabelValues("data")))
}

func TestSecondInstanceDoesNotCollideWithTheFirst(t *testing.T) {
	a := New()
	b := New()

	a.KVCacheFull.Inc()
	assert.Equal(t, float64(1), testutil.ToFloat64(a.KVCacheFull))
	assert.Equal(t, float64(0), testutil.ToFloat64(b.KVCacheFull))
}

func TestPipelineStepHistogramRecordsObservations(t *testing.T) {
	c := New()
	c.PipelineStepMS.Observe(4.2)
	assert.Equal(t, 1, testutil.CollectAndCount(c.PipelineStepMS))
}
