package observability

import (
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
)

func gatherValue(t *testing.T, m *MetricsCollector, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
	metric:
		for _, metric := range fam.GetMetric() {
			for k, v := range labels {
				if !hasLabel(metric, k, v) {
					continue metric
				}
			}
			switch {
			case metric.Counter != nil:
				return metric.Counter.GetValue()
			case metric.Gauge != nil:
				return metric.Gauge.GetValue()
			case metric.Histogram != nil:
				return float64(metric.Histogram.GetSampleCount())
			}
		}
	}
	return 0
}

func hasLabel(m *dto.Metric, key, value string) bool {
	for _, l := range m.GetLabel() {
		if l.GetName() == key && l.GetValue() == value {
			return true
		}
	}
	return false
}

func TestMetricsCollector_RecordsExecution(t *testing.T) {
	m := NewMetricsCollector()
	m.RecordExecution("success", 120*time.Millisecond)
	m.RecordExecution("success", 80*time.Millisecond)
	m.RecordExecution("timeout", 2*time.Second)

	if got := gatherValue(t, m, "ngome_sandbox_executions_total", map[string]string{"status": "success"}); got != 2 {
		t.Errorf("success executions = %v, want 2", got)
	}
	if got := gatherValue(t, m, "ngome_sandbox_executions_total", map[string]string{"status": "timeout"}); got != 1 {
		t.Errorf("timeout executions = %v, want 1", got)
	}
	if got := gatherValue(t, m, "ngome_sandbox_execution_duration_seconds", nil); got != 3 {
		t.Errorf("duration samples = %v, want 3", got)
	}
}

func TestMetricsCollector_RecordsCapabilityCalls(t *testing.T) {
	m := NewMetricsCollector()
	m.RecordCapabilityCall("TimeSkill.get_current_time", "ok", time.Millisecond)
	m.RecordCapabilityCall("FakeSkill.hack", "denied", time.Millisecond)

	got := gatherValue(t, m, "ngome_gatekeeper_capability_calls_total",
		map[string]string{"path": "FakeSkill.hack", "status": "denied"})
	if got != 1 {
		t.Errorf("denied calls = %v, want 1", got)
	}
}

func TestMetricsCollector_ProcessLifecycle(t *testing.T) {
	m := NewMetricsCollector()
	m.RecordProcessStart()
	m.RecordProcessStart()
	m.RecordProcessKill("timeout")
	m.RecordProcessCrash()
	m.RecordProtocolError()

	if got := gatherValue(t, m, "ngome_process_starts_total", nil); got != 2 {
		t.Errorf("starts = %v, want 2", got)
	}
	if got := gatherValue(t, m, "ngome_process_kills_total", map[string]string{"reason": "timeout"}); got != 1 {
		t.Errorf("kills = %v, want 1", got)
	}
	if got := gatherValue(t, m, "ngome_process_crashes_total", nil); got != 1 {
		t.Errorf("crashes = %v, want 1", got)
	}
	if got := gatherValue(t, m, "ngome_bridge_protocol_errors_total", nil); got != 1 {
		t.Errorf("protocol errors = %v, want 1", got)
	}
}

func TestMetricsCollector_InFlightGauge(t *testing.T) {
	m := NewMetricsCollector()
	done := m.ExecutionInFlight()
	if got := gatherValue(t, m, "ngome_sandbox_active_executions", nil); got != 1 {
		t.Errorf("active = %v, want 1", got)
	}
	done()
	if got := gatherValue(t, m, "ngome_sandbox_active_executions", nil); got != 0 {
		t.Errorf("active after done = %v, want 0", got)
	}
}

func TestMetricsCollector_NilSafety(t *testing.T) {
	var m *MetricsCollector
	m.RecordExecution("success", time.Second)
	m.RecordCapabilityCall("A.b", "ok", time.Second)
	m.RecordProcessStart()
	m.RecordProcessKill("shutdown")
	m.RecordProcessCrash()
	m.RecordProtocolError()
	m.SetRegisteredCapabilities(3)
	m.ExecutionInFlight()()
}
