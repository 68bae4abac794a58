package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	RequestsTotal       prometheus.Counter
	UpstreamErrorsTotal prometheus.Counter

	TokenFetches     *prometheus.CounterVec
	QuotaRejections  *prometheus.CounterVec
	PoolExhausted    prometheus.Counter
	TokensRevoked    prometheus.Counter
	HealthyCredsGauge prometheus.Gauge

	GetTokenDuration prometheus.Histogram
	HTTPDuration     *prometheus.HistogramVec
}

// New creates and registers all Prometheus metrics.
func New() *Metrics {
	return &Metrics{
		RequestsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "aipgate_requests_total",
			Help: "Total recognition requests forwarded upstream",
		}),
		UpstreamErrorsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "aipgate_upstream_errors_total",
			Help: "Total upstream failures, token and recognition calls combined",
		}),
		TokenFetches: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "aipgate_token_fetches_total",
			Help: "Token endpoint calls by outcome",
		}, []string{"outcome"}),
		QuotaRejections: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "aipgate_quota_rejections_total",
			Help: "Consume calls rejected by quota, by dimension",
		}, []string{"dimension"}),
		PoolExhausted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "aipgate_pool_exhausted_total",
			Help: "GetToken calls where every credential failed",
		}),
		TokensRevoked: promauto.NewCounter(prometheus.CounterOpts{
			Name: "aipgate_tokens_revoked_total",
			Help: "Cached tokens invalidated after downstream auth rejections",
		}),
		HealthyCredsGauge: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "aipgate_healthy_credentials",
			Help: "Credentials currently selectable without penalty",
		}),
		GetTokenDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "aipgate_get_token_duration_seconds",
			Help:    "Latency of pool GetToken calls",
			Buckets: []float64{0.001, 0.005, 0.025, 0.1, 0.5, 1, 5, 15},
		}),
		HTTPDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "aipgate_http_request_duration_seconds",
			Help:    "End-to-end handler latency by route",
			Buckets: []float64{0.005, 0.025, 0.1, 0.5, 1, 5, 15, 30},
		}, []string{"path", "status"}),
	}
}

func (m *Metrics) IncrementRequests()       { m.RequestsTotal.Inc() }
func (m *Metrics) IncrementUpstreamErrors() { m.UpstreamErrorsTotal.Inc() }
func (m *Metrics) IncrementPoolExhausted()  { m.PoolExhausted.Inc() }
func (m *Metrics) IncrementTokensRevoked()  { m.TokensRevoked.Inc() }

func (m *Metrics) ObserveTokenFetch(outcome string) {
	m.TokenFetches.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveQuotaRejection(dimension string) {
	m.QuotaRejections.WithLabelValues(dimension).Inc()
}

func (m *Metrics) SetHealthyCredentials(n int) {
	m.HealthyCredsGauge.Set(float64(n))
}

func (m *Metrics) ObserveGetToken(d time.Duration) {
	m.GetTokenDuration.Observe(d.Seconds())
}

func (m *Metrics) ObserveHTTPRequest(path, status string, d time.Duration) {
	m.HTTPDuration.WithLabelValues(path, status).Observe(d.Seconds())
}
