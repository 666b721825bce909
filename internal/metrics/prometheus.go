// Package metrics exposes Prometheus instrumentation for the endpointing
// engine and the speech loop.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/speech2text-lab/internal/endpoint"
)

// Metrics contains all Prometheus metrics for the speech2text service
type Metrics struct {
	registry *prometheus.Registry

	// Engine metrics
	ChunksProcessed   prometheus.Counter
	ChunksSilent      prometheus.Counter
	ChunkPeak         prometheus.Histogram
	Utterances        prometheus.Counter
	UtteranceDuration prometheus.Histogram
	CollectedDuration prometheus.Histogram
	Discarded         *prometheus.CounterVec

	// Pipeline metrics
	PersistFailures       prometheus.Counter
	TranscriptionRequests prometheus.Counter
	TranscriptionFailures prometheus.Counter
	TranscriptionDuration prometheus.Histogram
	Published             *prometheus.CounterVec
}

// NewMetrics creates all metrics on a private registry that also carries
// the Go runtime and process collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,

		ChunksProcessed: f.NewCounter(prometheus.CounterOpts{
			Name: "speech2text_chunks_processed_total",
			Help: "Total number of audio chunks classified",
		}),
		ChunksSilent: f.NewCounter(prometheus.CounterOpts{
			Name: "speech2text_chunks_silent_total",
			Help: "Total number of audio chunks classified as silent",
		}),
		ChunkPeak: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "speech2text_chunk_peak",
			Help:    "Peak absolute amplitude per chunk",
			Buckets: prometheus.ExponentialBuckets(64, 2, 10), // 64 to 32768
		}),
		Utterances: f.NewCounter(prometheus.CounterOpts{
			Name: "speech2text_utterances_total",
			Help: "Total number of utterances emitted",
		}),
		UtteranceDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "speech2text_utterance_duration_seconds",
			Help:    "Padded playback length of emitted utterances",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 8), // 0.5s to ~1 minute
		}),
		CollectedDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "speech2text_collected_duration_seconds",
			Help:    "Length of the collected buffer before trimming",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 8),
		}),
		Discarded: f.NewCounterVec(prometheus.CounterOpts{
			Name: "speech2text_utterances_discarded_total",
			Help: "Total number of collected buffers dropped before emission",
		}, []string{"reason"}),

		PersistFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "speech2text_persist_failures_total",
			Help: "Total number of utterances that could not be written to history",
		}),
		TranscriptionRequests: f.NewCounter(prometheus.CounterOpts{
			Name: "speech2text_transcription_requests_total",
			Help: "Total number of transcription requests sent",
		}),
		TranscriptionFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "speech2text_transcription_failures_total",
			Help: "Total number of failed transcription requests",
		}),
		TranscriptionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "speech2text_transcription_duration_seconds",
			Help:    "Duration of transcription requests",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~1 minute
		}),
		Published: f.NewCounterVec(prometheus.CounterOpts{
			Name: "speech2text_published_total",
			Help: "Transcript deliveries by publisher and outcome",
		}, []string{"publisher", "outcome"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) ObserveChunk(peak int, silent bool) {
	m.ChunksProcessed.Inc()
	if silent {
		m.ChunksSilent.Inc()
	}
	m.ChunkPeak.Observe(float64(peak))
}

func (m *Metrics) ObserveUtterance(u endpoint.Utterance) {
	m.Utterances.Inc()
	m.UtteranceDuration.Observe(u.Duration().Seconds())
	if u.SampleRate > 0 {
		m.CollectedDuration.Observe(float64(u.RawSamples) / float64(u.SampleRate))
	}
}

func (m *Metrics) ObserveDiscarded(reason string) {
	m.Discarded.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObservePersist(err error) {
	if err != nil {
		m.PersistFailures.Inc()
	}
}

func (m *Metrics) ObserveTranscription(latency time.Duration, err error) {
	m.TranscriptionRequests.Inc()
	if err != nil {
		m.TranscriptionFailures.Inc()
	}
	m.TranscriptionDuration.Observe(latency.Seconds())
}

func (m *Metrics) ObservePublish(publisher string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.Published.WithLabelValues(publisher, outcome).Inc()
}
