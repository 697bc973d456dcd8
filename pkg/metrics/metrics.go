package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the pipeline collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	QuoteLatency *prometheus.HistogramVec
	Executions   *prometheus.CounterVec
	Transitions  *prometheus.CounterVec
	Jobs         *prometheus.CounterVec
	JobsActive   prometheus.Gauge
	JobsWaiting  prometheus.Gauge
	Subscribers  prometheus.Gauge
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		QuoteLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "swapexec",
			Name:      "quote_latency_seconds",
			Help:      "Latency of provider quote calls.",
			Buckets:   []float64{.05, .1, .2, .3, .5, 1, 2, 5},
		}, []string{"provider", "outcome"}),
		Executions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "swapexec",
			Name:      "executions_total",
			Help:      "Swap executions by provider and outcome.",
		}, []string{"provider", "outcome"}),
		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "swapexec",
			Name:      "order_transitions_total",
			Help:      "Persisted order status transitions.",
		}, []string{"status"}),
		Jobs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "swapexec",
			Name:      "jobs_total",
			Help:      "Queue job outcomes (completed, retried, failed).",
		}, []string{"outcome"}),
		JobsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "swapexec",
			Name:      "jobs_active",
			Help:      "Jobs currently running on a worker.",
		}),
		JobsWaiting: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "swapexec",
			Name:      "jobs_waiting",
			Help:      "Jobs scheduled but not yet started.",
		}),
		Subscribers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "swapexec",
			Name:      "stream_subscribers",
			Help:      "Open order status streams.",
		}),
	}
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (m *Metrics) ObserveQuote(provider string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.QuoteLatency.WithLabelValues(provider, outcome(err)).Observe(d.Seconds())
}

func (m *Metrics) ObserveExecution(provider string, err error) {
	if m == nil {
		return
	}
	m.Executions.WithLabelValues(provider, outcome(err)).Inc()
}

func (m *Metrics) ObserveTransition(status string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(status).Inc()
}

func (m *Metrics) ObserveJob(result string) {
	if m == nil {
		return
	}
	m.Jobs.WithLabelValues(result).Inc()
}

func (m *Metrics) SetQueue(active, waiting int) {
	if m == nil {
		return
	}
	m.JobsActive.Set(float64(active))
	m.JobsWaiting.Set(float64(waiting))
}

func (m *Metrics) AddSubscriber(delta int) {
	if m == nil {
		return
	}
	m.Subscribers.Add(float64(delta))
}
