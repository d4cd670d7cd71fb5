package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ClipCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clipbin_clip_created_total",
		Help: "no. of clips created",
	})
	ClipRetrieved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clipbin_clip_retrieved_total",
		Help: "no. of clips retrieved",
	})
	ClipRevoked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clipbin_clip_revoked_total",
		Help: "no. of clips revoked",
	})
	ClipsSwept = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clipbin_clips_swept_total",
		Help: "no. of expired clips removed by cleanup",
	})
	SweepCycles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clipbin_sweep_cycles_total",
		Help: "no. of cleanup cycles",
	})
	NotifyDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clipbin_notify_delivered_total",
			Help: "no. of invalidation events delivered to subscribers",
		},
		[]string{"event"},
	)
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "clipbin_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint", "status"},
	)
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clipbin_rate_limit_hits_total",
			Help: "no. of rate limit violations",
		},
		[]string{"endpoint"},
	)
	WSClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "clipbin_ws_clients",
		Help: "currently connected websocket clients",
	})
	RecentErrorRatePercent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "clipbin_recent_error_rate_percent",
		Help: "5min rolling avg error rate percentage",
	})
)

func Init() {
}
