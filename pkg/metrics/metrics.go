package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "checkout"

// Checkout holds the collectors for the checkout workflow. A nil *Checkout is
// valid and records nothing.
type Checkout struct {
	Attempts           *prometheus.CounterVec
	Transitions        *prometheus.CounterVec
	OrderCreateAttempt *prometheus.CounterVec
	PollAttempts       *prometheus.CounterVec
	BackoffDelayMS     *prometheus.HistogramVec
}

func NewCheckout(reg prometheus.Registerer) *Checkout {
	m := &Checkout{
		Attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attempts_total",
			Help:      "Finished checkout attempts by result.",
		}, []string{"result"}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Checkout state machine transitions by target state.",
		}, []string{"state"}),
		OrderCreateAttempt: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "order_create_attempts_total",
			Help:      "Order creation requests by classified outcome.",
		}, []string{"outcome"}),
		PollAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_attempts_total",
			Help:      "Payment status polls by classified outcome.",
		}, []string{"outcome"}),
		BackoffDelayMS: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backoff_delay_ms",
			Help:      "Backoff delays scheduled between retries, in milliseconds.",
			Buckets:   []float64{250, 500, 1000, 2000, 4000, 8000, 16000, 30000},
		}, []string{"component"}),
	}
	if reg != nil {
		reg.MustRegister(m.Attempts, m.Transitions, m.OrderCreateAttempt, m.PollAttempts, m.BackoffDelayMS)
	}
	return m
}

func (m *Checkout) AttemptFinished(result string) {
	if m == nil {
		return
	}
	m.Attempts.WithLabelValues(result).Inc()
}

func (m *Checkout) Transition(state string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(state).Inc()
}

func (m *Checkout) OrderCreate(outcome string) {
	if m == nil {
		return
	}
	m.OrderCreateAttempt.WithLabelValues(outcome).Inc()
}

func (m *Checkout) Poll(outcome string) {
	if m == nil {
		return
	}
	m.PollAttempts.WithLabelValues(outcome).Inc()
}

func (m *Checkout) Backoff(component string, delayMS float64) {
	if m == nil {
		return
	}
	m.BackoffDelayMS.WithLabelValues(component).Observe(delayMS)
}

type ServerMetrics struct {
	Requests  *prometheus.CounterVec
	LatencyMS *prometheus.HistogramVec
}

func NewServerMetrics(reg prometheus.Registerer, service string) *ServerMetrics {
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: service,
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests.",
	}, []string{"route", "status"})
	latency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: service,
		Name:      "http_request_duration_ms",
		Help:      "HTTP request latency in milliseconds.",
		Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
	}, []string{"route"})

	if reg != nil {
		reg.MustRegister(requests, latency)
	}
	return &ServerMetrics{Requests: requests, LatencyMS: latency}
}

func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
