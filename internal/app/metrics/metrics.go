// Package metrics exposes the Prometheus collectors for the event-
// ingestion and governance subsystem (§4.12), registered on a dedicated
// registry so embedding this module elsewhere never collides with its
// metric names.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	core "github.com/cn-equity-research/eventgov/internal/app/core/service"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds every collector this module registers. It is never the
	// global default registry, so a host binary embedding this module can
	// register its own metrics freely.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "event_governance",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "event_governance",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "event_governance",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	connectorRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "event_governance",
			Name:      "connector_runs_total",
			Help:      "Total number of connector runs, by outcome.",
		},
		[]string{"connector", "status"},
	)

	connectorFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "event_governance",
			Name:      "connector_failures_total",
			Help:      "Total number of dead-letter failures recorded, by phase.",
		},
		[]string{"connector", "phase"},
	)

	slaAlertStatesOpen = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "event_governance",
			Name:      "sla_alert_states_open",
			Help:      "Current number of open SLA alert states, by connector and breach type.",
		},
		[]string{"connector", "breach_type"},
	)

	nlpDriftAlerts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "event_governance",
			Name:      "nlp_drift_alerts_total",
			Help:      "Total number of drift alerts emitted by drift_check, by severity.",
		},
		[]string{"severity"},
	)

	moduleReady = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "event_governance",
			Subsystem: "runtime",
			Name:      "module_ready",
			Help:      "1 if the named module reported ready, else 0.",
		},
		[]string{"module", "domain"},
	)

	moduleStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "event_governance",
			Subsystem: "runtime",
			Name:      "module_status",
			Help:      "1 for the module's current lifecycle status.",
		},
		[]string{"module", "domain", "status"},
	)

	observationCollectors sync.Map
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		connectorRuns,
		connectorFailures,
		slaAlertStatesOpen,
		nlpDriftAlerts,
		moduleReady,
		moduleStatus,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

// RecordConnectorRun increments the per-connector run counter for the given
// terminal status (success, partial, failed, dry_run).
func RecordConnectorRun(connectorName, status string) {
	if connectorName == "" {
		connectorName = "unknown"
	}
	if status == "" {
		status = "unknown"
	}
	connectorRuns.WithLabelValues(connectorName, status).Inc()
}

// RecordConnectorFailure increments the per-connector dead-letter counter
// for the phase the failure originated from (normalize, ingest).
func RecordConnectorFailure(connectorName, phase string) {
	if connectorName == "" {
		connectorName = "unknown"
	}
	if phase == "" {
		phase = "unknown"
	}
	connectorFailures.WithLabelValues(connectorName, phase).Inc()
}

// SetSLAAlertStatesOpen sets the open-alert gauge for one connector/breach
// type pair to the count observed during a sync_sla_alerts sweep.
func SetSLAAlertStatesOpen(connectorName, breachType string, count int) {
	if connectorName == "" {
		connectorName = "unknown"
	}
	if breachType == "" {
		breachType = "unknown"
	}
	slaAlertStatesOpen.WithLabelValues(connectorName, breachType).Set(float64(count))
}

// RecordDriftAlert increments the drift alert counter for the given severity.
func RecordDriftAlert(severity string) {
	if severity == "" {
		severity = "unknown"
	}
	nlpDriftAlerts.WithLabelValues(severity).Inc()
}

// ModuleMetric captures lifecycle/readiness for one registered module, fed
// by the runtime's module manager on every status transition.
type ModuleMetric struct {
	Name   string
	Domain string
	Status string
	Ready  bool
}

// RecordModuleMetrics publishes module readiness/status gauges. It resets
// previous values first so a module that stops existing doesn't leave a
// stale series behind.
func RecordModuleMetrics(mods []ModuleMetric) {
	moduleReady.Reset()
	moduleStatus.Reset()
	for _, m := range mods {
		if m.Name == "" {
			continue
		}
		ready := 0.0
		if m.Ready {
			ready = 1.0
		}
		moduleReady.WithLabelValues(m.Name, m.Domain).Set(ready)
		status := m.Status
		if status == "" {
			status = "unknown"
		}
		moduleStatus.WithLabelValues(m.Name, m.Domain, status).Set(1)
	}
}

type observationCollector struct {
	gauge *prometheus.GaugeVec
	hist  *prometheus.HistogramVec
}

// ObservationHooks creates core observation hooks backed by Prometheus
// metrics: an in-flight gauge plus a status-labeled duration histogram.
func ObservationHooks(namespace, subsystem, name string) core.ObservationHooks {
	key := namespace + ":" + subsystem + ":" + name
	var collector observationCollector
	if entry, ok := observationCollectors.Load(key); ok {
		collector = entry.(observationCollector)
	} else {
		collector = createObservationCollector(namespace, subsystem, name)
		observationCollectors.Store(key, collector)
	}
	return core.ObservationHooks{
		OnStart: func(ctx context.Context, meta map[string]string) {
			label := metaLabel(meta)
			collector.gauge.WithLabelValues(label).Inc()
		},
		OnComplete: func(ctx context.Context, meta map[string]string, err error, duration time.Duration) {
			label := metaLabel(meta)
			collector.gauge.WithLabelValues(label).Dec()
			status := "success"
			if err != nil {
				status = "error"
			}
			collector.hist.WithLabelValues(label, status).Observe(duration.Seconds())
		},
	}
}

func createObservationCollector(namespace, subsystem, name string) observationCollector {
	gauge := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name + "_in_flight",
			Help:      "Current operations in flight for " + subsystem,
		},
		[]string{"resource"},
	)
	hist := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name + "_duration_seconds",
			Help:      "Duration of operations for " + subsystem,
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
		},
		[]string{"resource", "status"},
	)
	Registry.MustRegister(gauge, hist)
	return observationCollector{gauge: gauge, hist: hist}
}

func metaLabel(meta map[string]string) string {
	if meta == nil {
		return "unknown"
	}
	if id, ok := meta["connector"]; ok && id != "" {
		return id
	}
	if id, ok := meta["source"]; ok && id != "" {
		return id
	}
	if id, ok := meta["op"]; ok && id != "" {
		return id
	}
	return "unknown"
}

// IngestionHooks captures per-connector run observations.
func IngestionHooks() core.ObservationHooks {
	return ObservationHooks("event_governance", "ingestion", "run")
}

// DeadletterHooks captures per-connector replay sweep observations.
func DeadletterHooks() core.ObservationHooks {
	return ObservationHooks("event_governance", "deadletter", "replay")
}

// SLAMonitorHooks captures sync_sla_alerts sweep observations.
func SLAMonitorHooks() core.ObservationHooks {
	return ObservationHooks("event_governance", "slamonitor", "sync")
}

// NLPGovernanceHooks captures drift_check observations.
func NLPGovernanceHooks() core.ObservationHooks {
	return ObservationHooks("event_governance", "nlpgovernance", "drift_check")
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// canonicalPath collapses path parameters into a fixed label so that
// high-cardinality identifiers (connector names, source names) never blow
// up the requests_total/duration series.
func canonicalPath(raw string) string {
	if raw == "" || raw == "/" {
		return "/"
	}
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	grouped := map[string]bool{"connectors": true, "sources": true, "rulesets": true, "failures": true}
	if !grouped[parts[0]] {
		return "/" + parts[0]
	}
	if len(parts) == 1 {
		return "/" + parts[0]
	}
	return "/" + parts[0] + "/:id"
}
