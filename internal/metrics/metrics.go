package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the application.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	ItemsPushed   *prometheus.CounterVec
	ItemsPopped   *prometheus.CounterVec
	ItemsOK       *prometheus.CounterVec
	HandlerErrors *prometheus.CounterVec
	ItemsRequeued *prometheus.CounterVec
	ItemsDropped  *prometheus.CounterVec
	RedisErrors   *prometheus.CounterVec
	HTTPRequests  *prometheus.CounterVec
}

// New creates and registers all metrics.
func New(reg prometheus.Registerer) *Metrics {
	byQueue := []string{"queue"}
	m := &Metrics{
		ItemsPushed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "retryq_items_pushed_total",
				Help: "Total number of pushes that changed an item's priority",
			}, byQueue,
		),
		ItemsPopped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "retryq_items_popped_total",
				Help: "Total number of items removed from the pending set by pop",
			}, byQueue,
		),
		ItemsOK: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "retryq_items_ok_total",
				Help: "Total number of items handled successfully",
			}, byQueue,
		),
		HandlerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "retryq_handler_errors_total",
				Help: "Total number of failed handler invocations",
			}, byQueue,
		),
		ItemsRequeued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "retryq_items_requeued_total",
				Help: "Total number of failed items pushed back for redelivery",
			}, byQueue,
		),
		ItemsDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "retryq_items_dropped_total",
				Help: "Total number of items dropped after exhausting their retries",
			}, byQueue,
		),
		RedisErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "retryq_redis_errors_total",
				Help: "Total number of Redis operation errors",
			}, byQueue,
		),
		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "retryq_http_requests_total",
				Help: "Total number of API requests by route and status code",
			}, []string{"route", "code"},
		),
	}

	reg.MustRegister(
		m.ItemsPushed,
		m.ItemsPopped,
		m.ItemsOK,
		m.HandlerErrors,
		m.ItemsRequeued,
		m.ItemsDropped,
		m.RedisErrors,
		m.HTTPRequests,
	)

	return m
}

func (m *Metrics) add(vec func() *prometheus.CounterVec, queue string, n int) {
	if m == nil || n <= 0 {
		return
	}
	vec().WithLabelValues(queue).Add(float64(n))
}

// Pushed records n pushes that changed an item's score.
func (m *Metrics) Pushed(queue string, n int) {
	m.add(func() *prometheus.CounterVec { return m.ItemsPushed }, queue, n)
}

// Popped records n items removed by pop.
func (m *Metrics) Popped(queue string, n int) {
	m.add(func() *prometheus.CounterVec { return m.ItemsPopped }, queue, n)
}

// Handled records n successfully processed items.
func (m *Metrics) Handled(queue string, n int) {
	m.add(func() *prometheus.CounterVec { return m.ItemsOK }, queue, n)
}

// HandlerFailed records one failed handler invocation.
func (m *Metrics) HandlerFailed(queue string) {
	m.add(func() *prometheus.CounterVec { return m.HandlerErrors }, queue, 1)
}

// Requeued records n items pushed back for redelivery.
func (m *Metrics) Requeued(queue string, n int) {
	m.add(func() *prometheus.CounterVec { return m.ItemsRequeued }, queue, n)
}

// Dropped records n items that exhausted their retries.
func (m *Metrics) Dropped(queue string, n int) {
	m.add(func() *prometheus.CounterVec { return m.ItemsDropped }, queue, n)
}

// RedisError records one failed Redis operation.
func (m *Metrics) RedisError(queue string) {
	m.add(func() *prometheus.CounterVec { return m.RedisErrors }, queue, 1)
}

// Request records one API request.
func (m *Metrics) Request(route string, code int) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
}
