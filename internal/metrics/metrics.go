// Package metrics declares the Prometheus collectors exported by the
// gateway and worker, and the relaxed-atomic lag gauge that avoids a torn
// read/write on the non-atomic 64-bit float Prometheus gauges are built on.
package metrics

import (
	"math"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds every collector registered by one process. The gateway
// and worker each construct their own since they export disjoint metric
// sets on disjoint /metrics listeners.
type Registry struct {
	reg *prometheus.Registry

	RequestsTotal      *prometheus.CounterVec
	RequestDurationMs  prometheus.Histogram
	EventsTotal        *prometheus.CounterVec
	DeadLetterTotal    prometheus.Counter
	FreshnessSeconds   prometheus.Histogram

	lag processorLag
}

// NewGatewayRegistry builds the collector set exported by the ingress
// process: request outcomes and latency.
func NewGatewayRegistry() *Registry {
	reg := prometheus.NewRegistry()
	r := &Registry{
		reg: reg,
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Total HTTP ingestion requests by outcome status.",
		}, []string{"status"}),
		RequestDurationMs: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gateway_request_duration_ms",
			Help:    "Ingestion request handling latency in milliseconds.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14),
		}),
	}
	reg.MustRegister(r.RequestsTotal, r.RequestDurationMs)
	return r
}

// NewWorkerRegistry builds the collector set exported by the worker
// process: processing outcomes, dead letters, lag, and end-to-end
// freshness.
func NewWorkerRegistry() *Registry {
	reg := prometheus.NewRegistry()
	r := &Registry{
		reg: reg,
		EventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "processor_events_total",
			Help: "Total events processed by the worker, by result.",
		}, []string{"result"}),
		DeadLetterTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dlq_events_total",
			Help: "Total events written to the dead-letter table.",
		}),
		FreshnessSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "end_to_end_freshness_seconds",
			Help:    "Seconds between ingress acceptance and worker persistence.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(r.EventsTotal, r.DeadLetterTotal, r.FreshnessSeconds)

	lagGauge := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "processor_lag_seconds",
		Help: "Seconds between the event's timestampUtc and its processing, updated on every persisted message.",
	}, r.lag.load)
	reg.MustRegister(lagGauge)

	return r
}

// Gatherer exposes the underlying registry for wiring into promhttp.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// SetLagSeconds updates the processor lag gauge. Safe for concurrent use
// by the single polling goroutine and the metrics HTTP handler's reader.
func (r *Registry) SetLagSeconds(seconds float64) {
	r.lag.store(seconds)
}

// processorLag is a float64 gauge readable and writable without torn
// reads, without taking a mutex on every scrape. A plain float64 field
// updated from one goroutine and read from promhttp's goroutine is a data
// race and, on some architectures, not even atomic at the bit level; this
// stores the IEEE-754 bit pattern in a uint64 and uses atomic load/store
// on that instead.
type processorLag struct {
	bits atomic.Uint64
}

func (p *processorLag) store(v float64) {
	p.bits.Store(math.Float64bits(v))
}

func (p *processorLag) load() float64 {
	return math.Float64frombits(p.bits.Load())
}
