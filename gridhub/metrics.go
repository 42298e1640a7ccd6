package gridhub

import (
	"github.com/prometheus/client_golang/prometheus"
)

var metricRequests = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "gridhub_http_requests_total",
		Help: "Total HTTP requests",
	},
	[]string{"method", "path", "status"},
)

var metricRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name: "gridhub_http_request_duration_seconds",
		Help: "Latency of HTTP requests",
	},
	[]string{"method", "path"},
)

var metricMutations = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "gridhub_dataset_mutations_total",
		Help: "Count of dataset mutations",
	},
	[]string{"action"},
)

var metricBroadcasts = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "gridhub_broadcasts_total",
		Help: "Broadcast messages fanned out",
	},
	[]string{"type"},
)

var metricBroadcastDrops = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "gridhub_broadcast_drops_total",
		Help: "Subscribers evicted on failed delivery",
	},
)

var metricSubscribers = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "gridhub_subscribers",
		Help: "Live dataset subscribers",
	},
)

func init() {
	prometheus.MustRegister(
		metricRequests,
		metricRequestDuration,
		metricMutations,
		metricBroadcasts,
		metricBroadcastDrops,
		metricSubscribers,
	)
}

func messageLabels(message Message) prometheus.Labels {
	return prometheus.Labels{
		"type": message.Type(),
	}
}
