package diag

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type instrumentation struct {
	requests     *prometheus.CounterVec
	publishes    *prometheus.CounterVec
	degrades     *prometheus.CounterVec
	storeErrors  *prometheus.CounterVec
	misuse       prometheus.Counter
	sessionBytes prometheus.Histogram
	samples      prometheus.Histogram
}

func newInstrumentation(reg prometheus.Registerer) *instrumentation {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	f := promauto.With(reg)

	return &instrumentation{
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "diag",
			Name:      "requests_total",
			Help:      "Requests seen by the orchestrator, by whether diagnostics were recorded.",
		}, []string{"active"}),
		publishes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "diag",
			Name:      "publishes_total",
			Help:      "Session publish attempts, by result.",
		}, []string{"result"}),
		degrades: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "diag",
			Name:      "degrades_total",
			Help:      "Published sessions, by the degradation stage that was applied.",
		}, []string{"stage"}),
		storeErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "diag",
			Name:      "store_errors_total",
			Help:      "Failed store operations, by operation.",
		}, []string{"op"}),
		misuse: f.NewCounter(prometheus.CounterOpts{
			Namespace: "diag",
			Name:      "misuse_total",
			Help:      "Invalid lifecycle calls, e.g. ending a request twice.",
		}),
		sessionBytes: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "diag",
			Name:      "session_bytes",
			Help:      "Size of published sessions.",
			Buckets:   prometheus.ExponentialBuckets(1024, 4, 8),
		}),
		samples: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "diag",
			Name:      "stack_samples",
			Help:      "Stack samples collected per profiled request.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
		}),
	}
}

func (i *instrumentation) requestSeen(active bool) {
	i.requests.WithLabelValues(strconv.FormatBool(active)).Inc()
}

func (i *instrumentation) published(report PublishReport, err error) {
	if err != nil {
		i.publishes.WithLabelValues("error").Inc()
		return
	}
	i.publishes.WithLabelValues("success").Inc()
	i.degrades.WithLabelValues(strconv.Itoa(report.Stage)).Inc()
	i.sessionBytes.Observe(float64(report.Bytes))
}
