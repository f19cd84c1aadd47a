package metrics

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	core "github.com/cn-equity-research/eventgov/internal/app/core/service"
	io_prometheus_client "github.com/prometheus/client_model/go"
)

func TestInstrumentHandlerRecordsMetrics(t *testing.T) {
	handler := InstrumentHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))

	req := httptest.NewRequest(http.MethodGet, "/connectors/cninfo", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}

	if !metricCounterGreaterOrEqual(t, "event_governance_http_requests_total", map[string]string{
		"method": "GET",
		"path":   "/connectors/:id",
		"status": "202",
	}, 1) {
		t.Fatalf("expected http request counter to increment")
	}

	if !metricHistogramCountGreaterOrEqual(t, "event_governance_http_request_duration_seconds", map[string]string{
		"method": "GET",
		"path":   "/connectors/:id",
	}, 1) {
		t.Fatalf("expected http duration histogram to record samples")
	}
}

func TestRecordConnectorRunAndFailure(t *testing.T) {
	RecordConnectorRun("cninfo", "success")
	if !metricCounterGreaterOrEqual(t, "event_governance_connector_runs_total", map[string]string{
		"connector": "cninfo",
		"status":    "success",
	}, 1) {
		t.Fatalf("expected connector run counter to increase")
	}

	RecordConnectorFailure("cninfo", "standardize")
	if !metricCounterGreaterOrEqual(t, "event_governance_connector_failures_total", map[string]string{
		"connector": "cninfo",
		"phase":     "standardize",
	}, 1) {
		t.Fatalf("expected connector failure counter to increase")
	}

	RecordConnectorRun("", "")
	if !metricCounterGreaterOrEqual(t, "event_governance_connector_runs_total", map[string]string{
		"connector": "unknown",
		"status":    "unknown",
	}, 1) {
		t.Fatalf("expected unknown labels for empty connector run")
	}
}

func TestSetSLAAlertStatesOpen(t *testing.T) {
	SetSLAAlertStatesOpen("cninfo", "freshness", 3)
	if !metricGaugeEquals(t, "event_governance_sla_alert_states_open", map[string]string{
		"connector":   "cninfo",
		"breach_type": "freshness",
	}, 3) {
		t.Fatalf("expected sla alert gauge to be set to 3")
	}

	SetSLAAlertStatesOpen("cninfo", "freshness", 0)
	if !metricGaugeEquals(t, "event_governance_sla_alert_states_open", map[string]string{
		"connector":   "cninfo",
		"breach_type": "freshness",
	}, 0) {
		t.Fatalf("expected sla alert gauge to be cleared to 0")
	}
}

func TestRecordDriftAlert(t *testing.T) {
	RecordDriftAlert("critical")
	if !metricCounterGreaterOrEqual(t, "event_governance_nlp_drift_alerts_total", map[string]string{
		"severity": "critical",
	}, 1) {
		t.Fatalf("expected drift alert counter to increase")
	}

	RecordDriftAlert("")
	if !metricCounterGreaterOrEqual(t, "event_governance_nlp_drift_alerts_total", map[string]string{
		"severity": "unknown",
	}, 1) {
		t.Fatalf("expected unknown severity label for empty input")
	}
}

func TestRecordModuleMetrics(t *testing.T) {
	RecordModuleMetrics([]ModuleMetric{
		{Name: "ingestion", Domain: "event", Status: "running", Ready: true},
		{Name: "deadletter", Domain: "event", Status: "degraded", Ready: false},
	})
	if !metricGaugeEquals(t, "event_governance_runtime_module_ready", map[string]string{"module": "ingestion", "domain": "event"}, 1) {
		t.Fatalf("expected ingestion ready gauge to be 1")
	}
	if !metricGaugeEquals(t, "event_governance_runtime_module_ready", map[string]string{"module": "deadletter", "domain": "event"}, 0) {
		t.Fatalf("expected deadletter ready gauge to be 0")
	}
	if !metricGaugeEquals(t, "event_governance_runtime_module_status", map[string]string{"module": "deadletter", "domain": "event", "status": "degraded"}, 1) {
		t.Fatalf("expected deadletter degraded status gauge to be 1")
	}
}

func TestRecordModuleMetricsSkipsUnnamed(t *testing.T) {
	RecordModuleMetrics([]ModuleMetric{
		{Name: "", Domain: "event", Status: "running", Ready: true},
		{Name: "slamonitor", Domain: "event", Status: "running", Ready: true},
	})
	if !metricGaugeEquals(t, "event_governance_runtime_module_ready", map[string]string{"module": "slamonitor", "domain": "event"}, 1) {
		t.Fatalf("expected named module to still be recorded")
	}
}

func metricCounterGreaterOrEqual(t *testing.T, name string, labels map[string]string, min float64) bool {
	t.Helper()
	families, err := Registry.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.GetMetric() {
			if labelsMatch(metric, labels) && metric.GetCounter() != nil {
				if metric.GetCounter().GetValue() >= min {
					return true
				}
			}
		}
	}
	return false
}

func metricGaugeEquals(t *testing.T, name string, labels map[string]string, expected float64) bool {
	t.Helper()
	families, err := Registry.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.GetMetric() {
			if labelsMatch(metric, labels) && metric.GetGauge() != nil {
				return metric.GetGauge().GetValue() == expected
			}
		}
	}
	return false
}

func metricHistogramCountGreaterOrEqual(t *testing.T, name string, labels map[string]string, min uint64) bool {
	t.Helper()
	families, err := Registry.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.GetMetric() {
			if labelsMatch(metric, labels) && metric.GetHistogram() != nil {
				return metric.GetHistogram().GetSampleCount() >= min
			}
		}
	}
	return false
}

func labelsMatch(metric *io_prometheus_client.Metric, labels map[string]string) bool {
	if len(metric.GetLabel()) < len(labels) {
		return false
	}
	matched := 0
	for _, lbl := range metric.GetLabel() {
		if val, ok := labels[lbl.GetName()]; ok && val == lbl.GetValue() {
			matched++
		}
	}
	return matched == len(labels)
}

func TestCanonicalPath(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"", "/"},
		{"/", "/"},
		{"//", "/"},
		{"/healthz", "/healthz"},
		{"/metrics", "/metrics"},
		{"/connectors", "/connectors"},
		{"/connectors/", "/connectors"},
		{"/connectors/cninfo", "/connectors/:id"},
		{"/connectors/cninfo/", "/connectors/:id"},
		{"/sources/cninfo/failures", "/sources/:id"},
		{"/rulesets/v3", "/rulesets/:id"},
		{"connectors", "/connectors"},
		{"connectors/", "/connectors"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := canonicalPath(tt.input)
			if result != tt.expected {
				t.Errorf("canonicalPath(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestStatusRecorder(t *testing.T) {
	rec := httptest.NewRecorder()
	sr := &statusRecorder{ResponseWriter: rec, status: http.StatusOK}
	sr.WriteHeader(http.StatusNotFound)
	if sr.status != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", sr.status)
	}

	rec2 := httptest.NewRecorder()
	sr2 := &statusRecorder{ResponseWriter: rec2, status: 0}
	n, err := sr2.Write([]byte("hello"))
	if err != nil {
		t.Fatalf("Write error: %v", err)
	}
	if n != 5 {
		t.Errorf("expected 5 bytes written, got %d", n)
	}
	if sr2.status != http.StatusOK {
		t.Errorf("expected default status 200, got %d", sr2.status)
	}

	rec3 := httptest.NewRecorder()
	sr3 := &statusRecorder{ResponseWriter: rec3, status: http.StatusCreated}
	sr3.Write([]byte("test"))
	if sr3.status != http.StatusCreated {
		t.Errorf("expected status 201 preserved, got %d", sr3.status)
	}
}

func TestMetaLabel(t *testing.T) {
	tests := []struct {
		name     string
		meta     map[string]string
		expected string
	}{
		{"nil map", nil, "unknown"},
		{"empty map", map[string]string{}, "unknown"},
		{"connector key", map[string]string{"connector": "cninfo"}, "cninfo"},
		{"source key", map[string]string{"source": "cninfo"}, "cninfo"},
		{"op key", map[string]string{"op": "drift_check"}, "drift_check"},
		{"connector takes precedence", map[string]string{"connector": "cninfo", "source": "sse"}, "cninfo"},
		{"empty connector falls through", map[string]string{"connector": "", "source": "sse"}, "sse"},
		{"all empty returns unknown", map[string]string{"connector": "", "source": ""}, "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := metaLabel(tt.meta)
			if result != tt.expected {
				t.Errorf("metaLabel(%v) = %q, want %q", tt.meta, result, tt.expected)
			}
		})
	}
}

func TestHandler(t *testing.T) {
	h := Handler()
	if h == nil {
		t.Fatal("Handler() should return non-nil handler")
	}

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if rec.Body.Len() == 0 {
		t.Error("expected non-empty metrics response")
	}
}

func TestInstrumentHandler_MetricsPathPassthrough(t *testing.T) {
	called := false
	handler := InstrumentHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if !called {
		t.Error("expected /metrics path to pass through to handler")
	}
}

func TestObservationHooks(t *testing.T) {
	hooks := ObservationHooks("test_ns", "test_sub", "test_op")

	if hooks.OnStart == nil {
		t.Fatal("OnStart should not be nil")
	}
	if hooks.OnComplete == nil {
		t.Fatal("OnComplete should not be nil")
	}

	hooks.OnStart(nil, map[string]string{"connector": "test-conn"})
	hooks.OnComplete(nil, map[string]string{"connector": "test-conn"}, nil, 100*time.Millisecond)
	hooks.OnComplete(nil, map[string]string{"connector": "test-conn"}, fmt.Errorf("test error"), 50*time.Millisecond)

	hooks2 := ObservationHooks("test_ns", "test_sub", "test_op")
	if hooks2.OnStart == nil || hooks2.OnComplete == nil {
		t.Fatal("cached hooks should be valid")
	}
}

func TestDomainHookFactories(t *testing.T) {
	tests := []struct {
		name  string
		hooks func() core.ObservationHooks
	}{
		{"IngestionHooks", IngestionHooks},
		{"DeadletterHooks", DeadletterHooks},
		{"SLAMonitorHooks", SLAMonitorHooks},
		{"NLPGovernanceHooks", NLPGovernanceHooks},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := tt.hooks()
			if h.OnStart == nil || h.OnComplete == nil {
				t.Errorf("%s() returned incomplete hooks", tt.name)
			}
		})
	}
}
