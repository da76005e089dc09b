package metrics

import (
	"testing"
	"time"

	"github.com/hitoshi/oppnd/internal/model"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// findMetricFamily は収集結果から指定名のメトリクスファミリーを返す。
func findMetricFamily(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() == name {
			return mf
		}
	}
	t.Fatalf("%s metric not found", name)
	return nil
}

// labelValue はメトリクスから指定ラベルの値を返す。
func labelValue(m *dto.Metric, name string) string {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}

// TestNewCollector_ReturnsNonNil はCollectorが正常に生成されることを検証する。
func TestNewCollector_ReturnsNonNil(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	if c == nil {
		t.Fatal("expected non-nil Collector")
	}
}

// TestRecordSignal_LabelsByKindAndBranch はシグナル数が種別・分岐別に集計されることを検証する。
func TestRecordSignal_LabelsByKindAndBranch(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordSignal("pixel", "create")
	c.RecordSignal("pixel", "create")
	c.RecordSignal("sent", "metadata_only")

	mf := findMetricFamily(t, reg, "oppnd_signals_total")
	if len(mf.GetMetric()) != 2 {
		t.Fatalf("expected 2 series, got %d", len(mf.GetMetric()))
	}
	for _, m := range mf.GetMetric() {
		kind := labelValue(m, "kind")
		val := m.GetCounter().GetValue()
		switch kind {
		case "pixel":
			if val != 2 || labelValue(m, "branch") != "create" {
				t.Errorf("pixel series = %v (branch=%s), want 2 (create)", val, labelValue(m, "branch"))
			}
		case "sent":
			if val != 1 {
				t.Errorf("sent series = %v, want 1", val)
			}
		default:
			t.Errorf("unexpected kind label %q", kind)
		}
	}
}

// TestRecordPublished_CountsEventsAndDeliveries は発行数と配信件数が別々に集計されることを検証する。
func TestRecordPublished_CountsEventsAndDeliveries(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordPublished(model.EventDelivered, 3)
	c.RecordPublished(model.EventDelivered, 0)

	published := findMetricFamily(t, reg, "oppnd_events_published_total")
	if v := published.GetMetric()[0].GetCounter().GetValue(); v != 2 {
		t.Errorf("events_published_total = %v, want 2", v)
	}
	delivered := findMetricFamily(t, reg, "oppnd_events_delivered_total")
	if v := delivered.GetMetric()[0].GetCounter().GetValue(); v != 3 {
		t.Errorf("events_delivered_total = %v, want 3", v)
	}
}

// TestSetSubscribers_SetsGauge は購読ハンドル数のゲージが上書きされることを検証する。
func TestSetSubscribers_SetsGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.SetSubscribers(5)
	c.SetSubscribers(2)

	mf := findMetricFamily(t, reg, "oppnd_live_subscribers")
	if v := mf.GetMetric()[0].GetGauge().GetValue(); v != 2 {
		t.Errorf("live_subscribers = %v, want 2", v)
	}
}

// TestRecordStoreError_IncrementsCounter はストアエラーが操作別に集計されることを検証する。
func TestRecordStoreError_IncrementsCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordStoreError("find")
	c.RecordDeliveryFailure()

	mf := findMetricFamily(t, reg, "oppnd_store_errors_total")
	m := mf.GetMetric()[0]
	if labelValue(m, "operation") != "find" || m.GetCounter().GetValue() != 1 {
		t.Errorf("store_errors_total{operation=%s} = %v, want find=1", labelValue(m, "operation"), m.GetCounter().GetValue())
	}

	failures := findMetricFamily(t, reg, "oppnd_delivery_failures_total")
	if v := failures.GetMetric()[0].GetCounter().GetValue(); v != 1 {
		t.Errorf("delivery_failures_total = %v, want 1", v)
	}
}

// TestRecordSignalLatency_ObservesHistogram はレイテンシがヒストグラムに記録されることを検証する。
func TestRecordSignalLatency_ObservesHistogram(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordSignalLatency("pixel", 15*time.Millisecond)

	mf := findMetricFamily(t, reg, "oppnd_signal_latency_seconds")
	h := mf.GetMetric()[0].GetHistogram()
	if h.GetSampleCount() != 1 {
		t.Errorf("sample count = %d, want 1", h.GetSampleCount())
	}
	if h.GetSampleSum() < 0.014 || h.GetSampleSum() > 0.016 {
		t.Errorf("sample sum = %v, want ~0.015", h.GetSampleSum())
	}
}

// TestRecordHTTPStatus_LabelsByCode はステータスコード別に集計されることを検証する。
func TestRecordHTTPStatus_LabelsByCode(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordHTTPStatus(200)
	c.RecordHTTPStatus(200)
	c.RecordHTTPStatus(429)

	mf := findMetricFamily(t, reg, "oppnd_http_status_total")
	counts := map[string]float64{}
	for _, m := range mf.GetMetric() {
		counts[labelValue(m, "status_code")] = m.GetCounter().GetValue()
	}
	if counts["200"] != 2 || counts["429"] != 1 {
		t.Errorf("http_status_total = %v, want 200=2 429=1", counts)
	}
}

// TestRecordPurged_AddsCount は削除件数が累積されることを検証する。
func TestRecordPurged_AddsCount(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordPurged(3)
	c.RecordPurged(0)
	c.RecordPurged(4)

	mf := findMetricFamily(t, reg, "oppnd_retention_purged_total")
	if v := mf.GetMetric()[0].GetCounter().GetValue(); v != 7 {
		t.Errorf("retention_purged_total = %v, want 7", v)
	}
}
