// Package metrics exposes render engine collectors to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// FrameDuration tracks the time spent rendering one frame on the worker.
	FrameDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "patchies_frame_duration_seconds",
			Help:    "Time spent rendering a frame",
			Buckets: []float64{.001, .002, .004, .008, .016, .033, .066, .1, .25},
		},
	)

	// NodesRendered counts node renders by node type.
	NodesRendered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "patchies_nodes_rendered_total",
			Help: "Node renders by node type",
		},
		[]string{"type"},
	)

	// RenderErrors counts create and render failures by node type and phase.
	RenderErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "patchies_render_errors_total",
			Help: "Node failures by node type and phase",
		},
		[]string{"type", "phase"},
	)

	// Readbacks counts asynchronous pixel reads by purpose and outcome.
	Readbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "patchies_readbacks_total",
			Help: "Async pixel readbacks by purpose (preview, capture) and outcome (started, harvested, failed)",
		},
		[]string{"purpose", "outcome"},
	)

	// PBOPool reports pixel buffer pool occupancy.
	PBOPool = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "patchies_pbo_pool",
			Help: "Pixel buffer pool buffers by state (live, allocated)",
		},
		[]string{"state"},
	)

	// GraphRebuilds counts render graph rebuilds by result.
	GraphRebuilds = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "patchies_graph_rebuilds_total",
			Help: "Render graph rebuilds by result",
		},
		[]string{"result"},
	)

	// OutputClients reports connected output windows.
	OutputClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "patchies_output_clients",
			Help: "Connected output windows",
		},
	)

	ExportedFrames = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "patchies_exported_frames_total",
			Help: "Frames written to the video exporter",
		},
	)
)

// ObserveFrame records a frame that started at start.
func ObserveFrame(start time.Time) {
	FrameDuration.Observe(time.Since(start).Seconds())
}

func NewServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  15 * time.Second,
	}
}
