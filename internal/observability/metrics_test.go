package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordCall(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RecordCall(CallRecord{Endpoint: "llm.generate", DurationMS: 120, Success: true})
	m.RecordCall(CallRecord{Endpoint: "llm.generate", DurationMS: 80, Success: false, ErrorKind: "timeout", Retries: 2})

	if got := testutil.ToFloat64(m.CallCounter.WithLabelValues("llm.generate", "success", "")); got != 1 {
		t.Errorf("success counter = %v", got)
	}
	if got := testutil.ToFloat64(m.CallCounter.WithLabelValues("llm.generate", "error", "timeout")); got != 1 {
		t.Errorf("error counter = %v", got)
	}
	if got := testutil.ToFloat64(m.RetryCounter.WithLabelValues("llm.generate")); got != 2 {
		t.Errorf("retry counter = %v", got)
	}

	recs := m.Records()
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
	if recs[1].ErrorKind != "timeout" {
		t.Errorf("unexpected record %+v", recs[1])
	}
}

func TestRecordsRingBounded(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.maxRecs = 10

	for i := 0; i < 25; i++ {
		m.RecordCall(CallRecord{Endpoint: "tool:a.b", Success: true})
	}
	if got := len(m.Records()); got != 10 {
		t.Errorf("expected ring capped at 10, got %d", got)
	}
}

func TestRecordCacheLookup(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordCacheLookup("rag", true)
	m.RecordCacheLookup("rag", true)
	m.RecordCacheLookup("rag", false)

	if got := testutil.ToFloat64(m.CacheCounter.WithLabelValues("rag", "hit")); got != 2 {
		t.Errorf("hit counter = %v", got)
	}
	if got := testutil.ToFloat64(m.CacheCounter.WithLabelValues("rag", "miss")); got != 1 {
		t.Errorf("miss counter = %v", got)
	}
}
