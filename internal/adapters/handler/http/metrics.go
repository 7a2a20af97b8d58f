package http

import (
	"context"
	"errors"
	"strconv"
	"time"

	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"agentfleet.manager/internal/core/domain"
	"agentfleet.manager/internal/core/services"
)

var (
	// HTTP metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Fleet event metrics
	fleetEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_events_total",
			Help: "Committed fleet events by type",
		},
		[]string{"type"},
	)

	agentTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleet_agent_transitions_total",
			Help: "Agent lifecycle transitions by target state",
		},
		[]string{"to"},
	)
)

// MetricsMiddleware records HTTP request metrics
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Skip metrics for WebSocket upgrade requests
		if r.Header.Get("Upgrade") == "websocket" {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		path := chi.RouteContext(r.Context()).RoutePattern()
		if path == "" {
			path = r.URL.Path
		}

		httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// MetricsHandler returns the Prometheus metrics handler
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordEvent counts a committed fleet event. It is registered as a fleet
// event listener.
func RecordEvent(e domain.Event) {
	fleetEventsTotal.WithLabelValues(string(e.Type)).Inc()
	if e.Type == domain.EventAgentTransition && e.To != "" {
		agentTransitionsTotal.WithLabelValues(string(e.To)).Inc()
	}
}

// FleetCollector reads fleet state at scrape time.
type FleetCollector struct {
	fleet *services.Fleet

	agents          *prometheus.Desc
	healthyAgents   *prometheus.Desc
	averageHealth   *prometheus.Desc
	workload        *prometheus.Desc
	resourceUsage   *prometheus.Desc
	poolSize        *prometheus.Desc
	poolUtilization *prometheus.Desc
	escalations     *prometheus.Desc
	preserved       *prometheus.Desc
	preserveFailed  *prometheus.Desc
	archiveRecords  *prometheus.Desc
	outboxDropped   *prometheus.Desc
}

func NewFleetCollector(fleet *services.Fleet) *FleetCollector {
	return &FleetCollector{
		fleet:           fleet,
		agents:          prometheus.NewDesc("fleet_agents", "Agents by lifecycle state", []string{"status"}, nil),
		healthyAgents:   prometheus.NewDesc("fleet_agents_healthy", "Agents with health at or above 0.7", nil, nil),
		averageHealth:   prometheus.NewDesc("fleet_average_health", "Mean overall health across all agents", nil, nil),
		workload:        prometheus.NewDesc("fleet_workload", "In-flight tasks across all agents", nil, nil),
		resourceUsage:   prometheus.NewDesc("fleet_resource_utilization_percent", "Mean resource usage across active agents", []string{"resource"}, nil),
		poolSize:        prometheus.NewDesc("fleet_pool_size", "Pool members by assignment state", []string{"pool", "state"}, nil),
		poolUtilization: prometheus.NewDesc("fleet_pool_utilization", "Busy fraction of each pool", []string{"pool"}, nil),
		escalations:     prometheus.NewDesc("fleet_stop_escalations_total", "Graceful stops that escalated to forced termination", nil, nil),
		preserved:       prometheus.NewDesc("fleet_preserved_agents_total", "Agents archived on termination", nil, nil),
		preserveFailed:  prometheus.NewDesc("fleet_preservation_failures_total", "Archive writes that failed and degraded to warnings", nil, nil),
		archiveRecords:  prometheus.NewDesc("fleet_archive_records", "Preserved agent records held by the archive store", nil, nil),
		outboxDropped:   prometheus.NewDesc("fleet_outbox_dropped_total", "Journal writes and events dropped because the queue was full", nil, nil),
	}
}

func (c *FleetCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.agents, c.healthyAgents, c.averageHealth, c.workload, c.resourceUsage,
		c.poolSize, c.poolUtilization, c.escalations, c.preserved, c.preserveFailed, c.archiveRecords, c.outboxDropped,
	} {
		ch <- d
	}
}

func (c *FleetCollector) Collect(ch chan<- prometheus.Metric) {
	stats := c.fleet.GetSystemStats()
	for status, n := range stats.ByStatus {
		ch <- prometheus.MustNewConstMetric(c.agents, prometheus.GaugeValue, float64(n), string(status))
	}
	ch <- prometheus.MustNewConstMetric(c.healthyAgents, prometheus.GaugeValue, float64(stats.HealthyAgents))
	ch <- prometheus.MustNewConstMetric(c.averageHealth, prometheus.GaugeValue, stats.AverageHealth)
	ch <- prometheus.MustNewConstMetric(c.workload, prometheus.GaugeValue, float64(stats.TotalWorkload))
	ch <- prometheus.MustNewConstMetric(c.resourceUsage, prometheus.GaugeValue, stats.ResourceUtilization.CPU, "cpu")
	ch <- prometheus.MustNewConstMetric(c.resourceUsage, prometheus.GaugeValue, stats.ResourceUtilization.Memory, "memory")
	ch <- prometheus.MustNewConstMetric(c.resourceUsage, prometheus.GaugeValue, stats.ResourceUtilization.Disk, "disk")

	for _, p := range c.fleet.GetAllPools() {
		ch <- prometheus.MustNewConstMetric(c.poolSize, prometheus.GaugeValue, float64(len(p.AvailableAgents)), p.Name, "available")
		ch <- prometheus.MustNewConstMetric(c.poolSize, prometheus.GaugeValue, float64(len(p.BusyAgents)), p.Name, "busy")
		ch <- prometheus.MustNewConstMetric(c.poolUtilization, prometheus.GaugeValue, p.Utilization(), p.Name)
	}

	counters := c.fleet.Counters()
	ch <- prometheus.MustNewConstMetric(c.escalations, prometheus.CounterValue, float64(counters.Escalations))
	ch <- prometheus.MustNewConstMetric(c.preserved, prometheus.CounterValue, float64(counters.PreservedAgents))
	ch <- prometheus.MustNewConstMetric(c.preserveFailed, prometheus.CounterValue, float64(counters.PreserveFailures))
	ch <- prometheus.MustNewConstMetric(c.outboxDropped, prometheus.CounterValue, float64(counters.DroppedOutboxJobs))

	// Absent when no archive is configured or it cannot be reached.
	if n, err := c.fleet.CountPreserved(context.Background()); err == nil {
		ch <- prometheus.MustNewConstMetric(c.archiveRecords, prometheus.GaugeValue, float64(n))
	}
}

// RegisterFleetMetrics registers the collector and the event counters' listener.
func RegisterFleetMetrics(reg prometheus.Registerer, fleet *services.Fleet) error {
	if err := reg.Register(NewFleetCollector(fleet)); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			return err
		}
	}
	fleet.Subscribe(RecordEvent)
	return nil
}
