package instrumentation

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RecordMessage("depth")
	m.RecordMessage("depth")
	m.RecordParseError("trade")
	m.RecordReconnect("depth")
	m.SetActiveConnections(3)
	m.RecordGap()
	m.RecordAlert("wall", "bid")

	if got := testutil.ToFloat64(m.MessagesTotal.WithLabelValues("depth")); got != 2 {
		t.Errorf("messages = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.ParseErrorsTotal.WithLabelValues("trade")); got != 1 {
		t.Errorf("parse errors = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ActiveConnections); got != 3 {
		t.Errorf("active = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.GapsTotal); got != 1 {
		t.Errorf("gaps = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.AlertsTotal.WithLabelValues("wall", "bid")); got != 1 {
		t.Errorf("alerts = %v, want 1", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.RecordMessage("depth")
	m.RecordParseError("depth")
	m.RecordReconnect("depth")
	m.SetActiveConnections(1)
	m.RecordDepthApply(1)
	m.RecordGap()
	m.RecordAlert("wall", "ask")
	m.RecordPublishError()
}
