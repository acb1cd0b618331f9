package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
)

func TestObserveCallCountsFailuresByKind(t *testing.T) {
	m := newHelperMetrics()
	m.ObserveCall("mintBorrow", "settled", "", 10*time.Millisecond)
	m.ObserveCall("mintBorrow", "reverted", "BorrowFailed", 5*time.Millisecond)
	m.ObserveCall("mintBorrow", "reverted", "BorrowFailed", 5*time.Millisecond)

	if got := testutil.ToFloat64(m.calls.WithLabelValues("mintBorrow", "reverted")); got != 2 {
		t.Fatalf("expected 2 reverted calls, got %v", got)
	}
	if got := testutil.ToFloat64(m.failures.WithLabelValues("mintBorrow", "BorrowFailed")); got != 2 {
		t.Fatalf("expected 2 BorrowFailed, got %v", got)
	}
	if got := testutil.CollectAndCount(m.failures); got != 1 {
		t.Fatalf("settled calls must not create failure series, got %d", got)
	}

	var metric dto.Metric
	observer := m.duration.WithLabelValues("mintBorrow")
	if err := observer.(interface{ Write(*dto.Metric) error }).Write(&metric); err != nil {
		t.Fatalf("write histogram: %v", err)
	}
	if metric.GetHistogram().GetSampleCount() != 3 {
		t.Fatalf("expected 3 samples, got %d", metric.GetHistogram().GetSampleCount())
	}
}

func TestSubscribersGauge(t *testing.T) {
	m := newHelperMetrics()
	m.SubscriberJoined()
	m.SubscriberJoined()
	m.SubscriberLeft()
	if got := testutil.ToFloat64(m.subscribers); got != 1 {
		t.Fatalf("expected 1 subscriber, got %v", got)
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *HelperMetrics
	m.ObserveCall("mint", "settled", "", time.Second)
	m.RecordReceipt("settled")
	m.SubscriberJoined()
	m.SubscriberLeft()
}
