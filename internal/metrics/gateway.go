package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	gatewayRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "archivechain",
		Subsystem: "gateway",
		Name:      "requests_total",
		Help:      "Count of client requests through the gateway pipeline.",
	}, []string{"method", "status"})
	gatewayRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "archivechain",
		Subsystem: "gateway",
		Name:      "request_duration_seconds",
		Help:      "Duration of client requests through the gateway pipeline.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "status"})
	gatewayCacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "archivechain",
		Subsystem: "gateway",
		Name:      "cache_hits_total",
		Help:      "Count of requests served from the response cache.",
	})
)

// Gateway tracks metrics for the gateway HTTP pipeline.
type Gateway struct{}

// NewGateway creates a Gateway metrics collector.
func NewGateway() *Gateway {
	return &Gateway{}
}

// ObserveRequest records one request through the pipeline.
func (m Gateway) ObserveRequest(method string, cached bool, err error, started time.Time) {
	status := "success"
	if err != nil {
		status = "error"
	}
	gatewayRequestsTotal.WithLabelValues(method, status).Inc()
	gatewayRequestDuration.WithLabelValues(method, status).Observe(time.Since(started).Seconds())
	if cached {
		gatewayCacheHitsTotal.Inc()
	}
}
