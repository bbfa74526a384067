package server

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metricsRegistry struct {
	registry         *prometheus.Registry
	loadsTotal       *prometheus.CounterVec
	actionsTotal     *prometheus.CounterVec
	actionDuration   *prometheus.HistogramVec
	metadataTotal    *prometheus.CounterVec
	upstreamTotal    *prometheus.CounterVec
	sessionAssets    prometheus.Gauge
	hmacRejectsTotal prometheus.Counter
}

func newMetricsRegistry() *metricsRegistry {
	loads := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "estatechain_session_loads_total",
		Help: "Client state loads by outcome",
	}, []string{"result"})

	actions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "estatechain_actions_total",
		Help: "Listing actions by action and outcome",
	}, []string{"action", "status"})

	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "estatechain_action_duration_seconds",
		Help:    "Time from request to last confirmed transaction",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
	}, []string{"action"})

	metadata := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "estatechain_metadata_fetches_total",
		Help: "Asset metadata lookups by outcome",
	}, []string{"result"})

	upstream := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "estatechain_metadata_upstream_fetches_total",
		Help: "Metadata documents fetched from the gateway (cache misses) by outcome",
	}, []string{"result"})

	assets := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "estatechain_session_assets",
		Help: "Assets enumerated by the last successful load",
	})

	rejects := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "estatechain_hmac_rejections_total",
		Help: "Signed requests rejected by signature verification",
	})

	r := prometheus.NewRegistry()
	r.MustRegister(loads, actions, duration, metadata, upstream, assets, rejects)

	return &metricsRegistry{
		registry:         r,
		loadsTotal:       loads,
		actionsTotal:     actions,
		actionDuration:   duration,
		metadataTotal:    metadata,
		upstreamTotal:    upstream,
		sessionAssets:    assets,
		hmacRejectsTotal: rejects,
	}
}

func (m *metricsRegistry) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metricsRegistry) observeLoad(err error) {
	if err != nil {
		m.loadsTotal.WithLabelValues("failed").Inc()
		m.sessionAssets.Set(0)
		return
	}
	m.loadsTotal.WithLabelValues("loaded").Inc()
}

func (m *metricsRegistry) setAssets(n int) {
	m.sessionAssets.Set(float64(n))
}

func (m *metricsRegistry) incAction(action, status string) {
	m.actionsTotal.WithLabelValues(action, status).Inc()
}

func (m *metricsRegistry) observeAction(action string, started time.Time) {
	m.actionDuration.WithLabelValues(action).Observe(time.Since(started).Seconds())
}

func (m *metricsRegistry) incMetadata(result string) {
	m.metadataTotal.WithLabelValues(result).Inc()
}

func (m *metricsRegistry) observeUpstream(err error) {
	if err != nil {
		m.upstreamTotal.WithLabelValues("failed").Inc()
		return
	}
	m.upstreamTotal.WithLabelValues("fetched").Inc()
}

func (m *metricsRegistry) incHMACReject() {
	m.hmacRejectsTotal.Inc()
}
