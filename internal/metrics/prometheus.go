package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus exposes the domain counters plus HTTP request metrics.
type Prometheus struct {
	tokenCacheHits      prometheus.Counter
	tokenFetches        *prometheus.CounterVec
	paymentsSubmitted   *prometheus.CounterVec
	callbacksReconciled *prometheus.CounterVec

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

// NewPrometheus builds the collectors and registers them with reg.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	p := &Prometheus{
		tokenCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mpesa_token_cache_hits_total",
			Help: "Total number of M-PESA token requests served from cache",
		}),
		tokenFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mpesa_token_fetches_total",
			Help: "Total number of M-PESA OAuth token fetches",
		}, []string{"result"}),
		paymentsSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mpesa_payments_submitted_total",
			Help: "Total number of STK push submissions by resulting status",
		}, []string{"status"}),
		callbacksReconciled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mpesa_callbacks_total",
			Help: "Total number of STK callbacks by reconciliation outcome",
		}, []string{"outcome"}),
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"handler", "method", "status"}),
		httpRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"handler", "method"}),
	}

	reg.MustRegister(
		p.tokenCacheHits,
		p.tokenFetches,
		p.paymentsSubmitted,
		p.callbacksReconciled,
		p.httpRequestsTotal,
		p.httpRequestDuration,
	)
	return p
}

func (p *Prometheus) TokenCacheHit() { p.tokenCacheHits.Inc() }

func (p *Prometheus) TokenFetched(ok bool) {
	result := "error"
	if ok {
		result = "ok"
	}
	p.tokenFetches.WithLabelValues(result).Inc()
}

func (p *Prometheus) PaymentSubmitted(status string) {
	p.paymentsSubmitted.WithLabelValues(status).Inc()
}

func (p *Prometheus) CallbackReconciled(outcome string) {
	p.callbacksReconciled.WithLabelValues(outcome).Inc()
}

// ObserveHTTP records one finished HTTP request.
func (p *Prometheus) ObserveHTTP(handler, method string, status int, seconds float64) {
	p.httpRequestDuration.WithLabelValues(handler, method).Observe(seconds)
	p.httpRequestsTotal.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
}
