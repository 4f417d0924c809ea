package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	tasksCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pdfocr",
			Name:      "tasks_total",
			Help:      "Tasks by terminal or intake event (uploaded, completed, failed, rejected)",
		},
		[]string{"event"},
	)

	classifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pdfocr",
			Name:      "classifications_total",
			Help:      "Documents classified by pdf type (text, scanned, unreadable)",
		},
		[]string{"pdf_type"},
	)

	pagesRecognized = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pdfocr",
			Name:      "pages_recognized_total",
			Help:      "Pages recognized by outcome and text source",
		},
		[]string{"outcome", "source"},
	)

	pageLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "pdfocr",
			Name:      "page_duration_seconds",
			Help:      "Render, preprocess and recognition time per page",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"source"},
	)

	activeRuns = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "pdfocr",
			Name:      "active_runs",
			Help:      "Runs currently executing by kind (recognition, enhancement)",
		},
		[]string{"kind"},
	)

	chunksProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pdfocr",
			Name:      "enhancement_chunks_total",
			Help:      "Enhancement chunks by result (formatted, passthrough)",
		},
		[]string{"result"},
	)

	providerReqs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pdfocr",
			Name:      "provider_requests_total",
			Help:      "Total provider requests by provider, model and result",
		},
		[]string{"provider", "model", "result"},
	)

	providerLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "pdfocr",
			Name:      "provider_request_duration_seconds",
			Help:      "Duration of provider requests by provider and model",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"provider", "model"},
	)

	exportsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pdfocr",
			Name:      "exports_total",
			Help:      "Exports by format and source",
		},
		[]string{"format", "source"},
	)
)

var once sync.Once

// Init registers collectors. Safe to call more than once.
func Init() {
	once.Do(func() {
		prometheus.MustRegister(tasksCreated, classifications, pagesRecognized, pageLatency, activeRuns,
			chunksProcessed, providerReqs, providerLatency, exportsTotal)
	})
}

// Handler returns the http.Handler for /metrics
func Handler() http.Handler { return promhttp.Handler() }

func IncTask(event string)            { tasksCreated.WithLabelValues(event).Inc() }
func IncClassified(pdfType string)    { classifications.WithLabelValues(pdfType).Inc() }
func IncChunk(result string)          { chunksProcessed.WithLabelValues(result).Inc() }
func IncExport(format, source string) { exportsTotal.WithLabelValues(format, source).Inc() }

func ObservePage(outcome, source string, dur time.Duration) {
	pagesRecognized.WithLabelValues(outcome, source).Inc()
	pageLatency.WithLabelValues(source).Observe(dur.Seconds())
}

func ObserveProvider(provider, model, result string, dur time.Duration) {
	providerReqs.WithLabelValues(provider, model, result).Inc()
	providerLatency.WithLabelValues(provider, model).Observe(dur.Seconds())
}

// RunStarted bumps the active gauge and returns the matching decrement.
func RunStarted(kind string) func() {
	g := activeRuns.WithLabelValues(kind)
	g.Inc()
	return g.Dec
}
