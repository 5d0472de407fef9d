package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestStepWindowSnapshot(t *testing.T) {
	w := newStepWindow(8)
	w.Observe("ensure_branch", 500)
	w.Observe("ensure_branch", 700)
	w.Observe("ensure_branch", 900)
	w.ObserveIndicator("delete_skipped")
	w.ObserveIndicator("delete_skipped")

	snap := w.Snapshot()
	if snap.WindowSize != 8 {
		t.Fatalf("WindowSize = %d, want 8", snap.WindowSize)
	}
	if len(snap.Stages) != 1 {
		t.Fatalf("len(Stages) = %d, want 1", len(snap.Stages))
	}
	s := snap.Stages[0]
	if s.Samples != 3 {
		t.Fatalf("Samples = %d, want 3", s.Samples)
	}
	if s.LastMS != 900 {
		t.Fatalf("LastMS = %.2f, want 900", s.LastMS)
	}
	if s.P50MS != 700 {
		t.Fatalf("P50MS = %.2f, want 700", s.P50MS)
	}
	if s.P95MS <= 700 || s.P95MS > 900 {
		t.Fatalf("P95MS = %.2f, want (700,900]", s.P95MS)
	}
	if s.TargetP95MS != 1500 {
		t.Fatalf("TargetP95MS = %.2f, want 1500", s.TargetP95MS)
	}
	if len(snap.Indicators) != 1 || snap.Indicators[0].Count != 2 {
		t.Fatalf("Indicators = %+v", snap.Indicators)
	}
}

func TestStepWindowWraps(t *testing.T) {
	w := newStepWindow(2)
	for _, v := range []float64{10, 20, 30} {
		w.Observe("commit", v)
	}
	snap := w.Snapshot()
	if snap.Stages[0].Samples != 2 {
		t.Fatalf("Samples = %d, want 2", snap.Stages[0].Samples)
	}
	if snap.Stages[0].AvgMS != 25 {
		t.Fatalf("AvgMS = %.2f, want 25", snap.Stages[0].AvgMS)
	}
}

func TestMetricsObserveStep(t *testing.T) {
	m := NewMetrics("codecat_test", prometheus.NewRegistry())
	m.ObserveStep("generate", "ok", 1200*time.Millisecond)
	m.ObserveStep("commit", "failed", 30*time.Millisecond)

	snap := m.StepSnapshot()
	if len(snap.Stages) != 2 {
		t.Fatalf("len(Stages) = %d, want 2", len(snap.Stages))
	}
	if len(snap.Indicators) != 1 || snap.Indicators[0].Name != "commit_failed" {
		t.Fatalf("Indicators = %+v", snap.Indicators)
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.TaskEvent("submitted")
	m.ObserveStep("generate", "ok", time.Second)
	m.ApproverPrompt("sent")
	m.DeviceLinkOutcome("linked")
	m.BridgeConnected(1)
	if got := m.StepSnapshot(); len(got.Stages) != 0 {
		t.Fatalf("StepSnapshot() = %+v, want empty", got)
	}
}
