package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ReflectorListsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ecsm_mirror_reflector_lists_total",
			Help: "Number of list calls issued by a reflector.",
		},
		[]string{"reflector", "result"},
	)
	ReflectorListDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ecsm_mirror_reflector_list_duration_seconds",
			Help:    "Duration of reflector list calls.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, .5, 1, 2, 5},
		},
		[]string{"reflector"},
	)
	ReflectorWatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ecsm_mirror_reflector_watches_total",
			Help: "Number of watch streams opened by a reflector.",
		},
		[]string{"reflector"},
	)
	ReflectorWatchEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ecsm_mirror_reflector_watch_events_total",
			Help: "Number of watch events received, by event type.",
		},
		[]string{"reflector", "type"},
	)
	ReflectorRecoveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ecsm_mirror_reflector_recoveries_total",
			Help: "Number of list/watch failures, by error class.",
		},
		[]string{"reflector", "class"},
	)
	ReflectorStoreItems = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ecsm_mirror_reflector_store_items",
			Help: "Number of objects currently held in the reflector store.",
		},
		[]string{"reflector"},
	)
	DispatcherDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ecsm_mirror_dispatcher_dropped_total",
			Help: "Number of notifications dropped for a slow observer.",
		},
		[]string{"observer", "policy"},
	)
	ObserverErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ecsm_mirror_observer_errors_total",
			Help: "Number of observer callbacks that failed or panicked.",
		},
		[]string{"observer"},
	)
	RegistryResourceVersion = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ecsm_mirror_registry_resource_version",
			Help: "Current global resource version of the registry.",
		},
	)
	RegistryCompactedRevision = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ecsm_mirror_registry_compacted_revision",
			Help: "Oldest resource version a watch can still resume from.",
		},
	)
	RegistryWatchersEvicted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ecsm_mirror_registry_watchers_evicted_total",
			Help: "Number of watchers closed because they fell behind.",
		},
	)
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ecsm_mirror_http_requests_total",
			Help: "Total number of HTTP requests served by the apiserver.",
		},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "ecsm_mirror_http_request_duration_seconds",
			Help: "HTTP request duration in seconds, excluding watch streams.",
		},
		[]string{"method", "path"},
	)
	ActiveWatchStreams = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ecsm_mirror_active_watch_streams",
			Help: "Number of watch streams currently served by the apiserver.",
		},
	)
)

// MustRegister 把所有 collector 注册到 reg 上。
func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		ReflectorListsTotal,
		ReflectorListDuration,
		ReflectorWatchesTotal,
		ReflectorWatchEventsTotal,
		ReflectorRecoveriesTotal,
		ReflectorStoreItems,
		DispatcherDroppedTotal,
		ObserverErrorsTotal,
		RegistryResourceVersion,
		RegistryCompactedRevision,
		RegistryWatchersEvicted,
		HTTPRequestsTotal,
		HTTPRequestDuration,
		ActiveWatchStreams,
	)
}

// NewRegistry 返回一个注册了所有 collector 的独立 prometheus registry。
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	MustRegister(reg)
	return reg
}

// Handler 返回暴露 reg 的 /metrics handler。
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(prometheus.Gatherers{
		reg,
		prometheus.DefaultGatherer,
	}, promhttp.HandlerOpts{})
}
