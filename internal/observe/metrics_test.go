package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func sumOf(t *testing.T, rm metricdata.ResourceMetrics, name string) int64 {
	t.Helper()
	m := findMetric(rm, name)
	if m == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := m.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q: expected Sum[int64], got %T", name, m.Data)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestRecordFlush(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordFlush(ctx, "audio/wav", 52, time.Millisecond)
	m.RecordFlush(ctx, "audio/pcm", 8, time.Millisecond)

	rm := collect(t, reader)
	if got := sumOf(t, rm, "stereorec.flush.count"); got != 2 {
		t.Errorf("flush.count = %d, want 2", got)
	}
	if got := sumOf(t, rm, "stereorec.flush.bytes"); got != 60 {
		t.Errorf("flush.bytes = %d, want 60", got)
	}

	h := findMetric(rm, "stereorec.encode.duration")
	if h == nil {
		t.Fatal("encode.duration not found")
	}
	hist, ok := h.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("expected Histogram[float64], got %T", h.Data)
	}
	var count uint64
	for _, dp := range hist.DataPoints {
		count += dp.Count
	}
	if count != 2 {
		t.Errorf("encode.duration count = %d, want 2", count)
	}
}

func TestCountersAndGauges(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.SamplesCaptured.Add(ctx, 4096)
	m.FramesDropped.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, -1)
	m.RecordSinkError(ctx, "http")

	rm := collect(t, reader)
	tests := map[string]int64{
		"stereorec.samples.captured": 4096,
		"stereorec.frames.dropped":   1,
		"stereorec.active_sessions":  1,
		"stereorec.sink.errors":      1,
	}
	for name, want := range tests {
		if got := sumOf(t, rm, name); got != want {
			t.Errorf("%s = %d, want %d", name, got, want)
		}
	}
}

func TestDiscard(t *testing.T) {
	m := Discard()
	if m == nil {
		t.Fatal("Discard returned nil")
	}
	m.RecordFlush(context.Background(), "audio/wav", 1, time.Second)
}

func TestMiddleware_RecordsDuration(t *testing.T) {
	m, reader := newTestMetrics(t)

	h := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/status", nil))

	if rec.Code != http.StatusTeapot {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusTeapot)
	}

	rm := collect(t, reader)
	md := findMetric(rm, "stereorec.http.request.duration")
	if md == nil {
		t.Fatal("http.request.duration not found")
	}
	hist := md.Data.(metricdata.Histogram[float64])
	if len(hist.DataPoints) != 1 {
		t.Fatalf("expected 1 data point, got %d", len(hist.DataPoints))
	}
	found := false
	for _, kv := range hist.DataPoints[0].Attributes.ToSlice() {
		if string(kv.Key) == "status" && kv.Value.AsString() == "418" {
			found = true
		}
	}
	if !found {
		t.Error("expected status attribute 418")
	}
}

func TestInitProvider_ServesMetrics(t *testing.T) {
	ctx := context.Background()
	p, err := InitProvider(ctx, ProviderConfig{ServiceVersion: "test"})
	if err != nil {
		t.Fatalf("InitProvider: %v", err)
	}
	t.Cleanup(func() { _ = p.Shutdown(ctx) })

	p.Metrics.RecordFlush(ctx, "audio/wav", 52, time.Millisecond)

	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "stereorec_flush_count") {
		t.Errorf("expected stereorec_flush_count in exposition, got:\n%s", rec.Body.String())
	}
}
