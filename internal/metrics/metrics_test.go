package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	dto "github.com/prometheus/client_model/go"

	"exec-bandit/internal/execution"
	"exec-bandit/internal/risk"
)

func findFamily(t *testing.T, m *Metrics, name string) *dto.MetricFamily {
	t.Helper()
	mfs, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == name {
			return mf
		}
	}
	t.Fatalf("%s metric not found", name)
	return nil
}

func TestMetrics_ObserveDecisionAndRecorder(t *testing.T) {
	m := New()

	m.ObserveDecision("BTC/USDT:USDT", "paper", execution.ActionTakerNow, 5)
	m.ObserveDecision("BTC/USDT:USDT", "paper", execution.ActionTakerNow, 6)
	m.Halt("BTC/USDT:USDT", risk.ReasonStaleLOB)

	rec := m.Recorder("BTC/USDT:USDT")
	rec.RecordAPI(true, 0)
	rec.RecordAPI(false, 0)
	rec.RecordAPI(false, 0)

	decisions := findFamily(t, m, "execbandit_decisions_total")
	if got := decisions.GetMetric()[0].GetCounter().GetValue(); got != 2 {
		t.Fatalf("decisions = %v, want 2", got)
	}

	cost := findFamily(t, m, "execbandit_realized_cost_bps")
	if got := cost.GetMetric()[0].GetHistogram().GetSampleCount(); got != 2 {
		t.Fatalf("cost samples = %v, want 2", got)
	}

	calls := findFamily(t, m, "execbandit_api_calls_total")
	byResult := map[string]float64{}
	for _, metric := range calls.GetMetric() {
		for _, label := range metric.GetLabel() {
			if label.GetName() == "result" {
				byResult[label.GetValue()] = metric.GetCounter().GetValue()
			}
		}
	}
	if byResult["ok"] != 1 || byResult["error"] != 2 {
		t.Fatalf("unexpected api call counts: %v", byResult)
	}
}

func TestMetrics_HandlerServesText(t *testing.T) {
	m := New()
	m.SetExposure("ETH/USDT:USDT", 100, -0.4)

	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rr.Body)
	if !strings.Contains(string(body), "execbandit_open_notional") {
		t.Fatalf("expected open_notional in output:\n%s", body)
	}
}
