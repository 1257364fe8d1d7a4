// Package metrics defines the Prometheus collectors the ring exposes at
// /metrics on rank 0, registered against a private registry so tests can
// spin up independent instances without colliding with the default
// global one.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collectors bundles every metric the ring emits. Held by whatever owns
// the update-slots loop and the pipeline engine, and handed to the HTTP
// surface's /metrics handler via its Gatherer.
type Collectors struct {
	Registry *prometheus.Registry

	TokensDecoded   *prometheus.CounterVec
	DecodeRetries   prometheus.Counter
	KVCacheFull     prometheus.Counter
	SlotsBusy       prometheus.Gauge
	SlotsIdle       prometheus.Gauge
	QueueDepth      prometheus.Gauge
	PipelineStepMS  prometheus.Histogram
	RingFrameBytes  *prometheus.CounterVec
}

// New builds and registers the full collector set against a fresh
// registry. A construction error here is a startup failure (duplicate
// metric name), not something recoverable at request time, so New
// panics rather than returning an error the caller would just have to
// treat as fatal anyway.
func New() *Collectors {
	reg := prometheus.NewRegistry()

	c := &Collectors{
		Registry: reg,
		TokensDecoded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ringd_tokens_decoded_total",
			Help: "Tokens decoded by the pipeline engine, labelled by outcome.",
		}, []string{"outcome"}),
		DecodeRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ringd_decode_retries_total",
			Help: "Backend decode calls retried after a batch halve.",
		}),
		KVCacheFull: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ringd_kv_cache_full_total",
			Help: "Decode attempts that failed with kv cache full.",
		}),
		SlotsBusy: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ringd_slots_busy",
			Help: "Slots currently processing_prompt or generating.",
		}),
		SlotsIdle: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ringd_slots_idle",
			Help: "Slots currently idle.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ringd_queue_depth",
			Help: "Tasks waiting in queue_tasks plus queue_deferred.",
		}),
		PipelineStepMS: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ringd_pipeline_step_milliseconds",
			Help:    "Wall time of one pipeline engine ProcessFrame call.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		RingFrameBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ringd_ring_frame_bytes_total",
			Help: "Bytes sent over the ring, labelled by frame kind.",
		}, []string{"kind"}),
	}

	for _, coll := range []prometheus.Collector{
		c.TokensDecoded, c.DecodeRetries, c.KVCacheFull,
		c.SlotsBusy, c.SlotsIdle, c.QueueDepth,
		c.PipelineStepMS, c.RingFrameBytes,
	} {
		if err := reg.Register(coll); err != nil {
			panic("metrics: duplicate collector registration: " + err.Error())
		}
	}

	return c
}
