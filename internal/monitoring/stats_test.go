package monitoring

import (
	"testing"
	"time"

	"github.com/banshee-data/sortbridge/internal/sorting"
)

func TestActuationStats_Snapshot(t *testing.T) {
	s := NewActuationStats(10)

	for i := 1; i <= 4; i++ {
		o := sorting.Success(sorting.TypePlastic, 102)
		o.Duration = time.Duration(i*100) * time.Millisecond
		s.Observe(o)
	}
	fail := sorting.Failure(sorting.TypeCan, sorting.ReasonTimeout)
	fail.Duration = 10 * time.Second
	s.Observe(fail)

	snap := s.Snapshot()
	if snap.Succeeded != 4 || snap.Failed != 1 {
		t.Fatalf("counts = %d/%d, want 4/1", snap.Succeeded, snap.Failed)
	}
	if snap.PerBin[102] != 4 {
		t.Errorf("PerBin[102] = %d, want 4", snap.PerBin[102])
	}
	if snap.FailReasons[sorting.ReasonTimeout] != 1 {
		t.Errorf("timeout failures = %d, want 1", snap.FailReasons[sorting.ReasonTimeout])
	}
	if snap.Samples != 5 {
		t.Errorf("Samples = %d, want 5", snap.Samples)
	}
	if snap.MaxMs != 10000 {
		t.Errorf("MaxMs = %v, want 10000", snap.MaxMs)
	}
	if snap.P50Ms != 300 {
		t.Errorf("P50Ms = %v, want 300", snap.P50Ms)
	}
}

func TestActuationStats_WindowWraps(t *testing.T) {
	s := NewActuationStats(2)
	for _, ms := range []int{5000, 1, 2} {
		o := sorting.Success(1, 101)
		o.Duration = time.Duration(ms) * time.Millisecond
		s.Observe(o)
	}
	snap := s.Snapshot()
	if snap.Samples != 2 {
		t.Fatalf("Samples = %d, want 2", snap.Samples)
	}
	if snap.MaxMs != 2 {
		t.Errorf("oldest sample should have been overwritten, MaxMs = %v", snap.MaxMs)
	}
	if snap.Succeeded != 3 {
		t.Errorf("Succeeded = %d, want 3", snap.Succeeded)
	}
}

func TestActuationStats_Empty(t *testing.T) {
	snap := NewActuationStats(0).Snapshot()
	if snap.Samples != 0 || snap.P50Ms != 0 {
		t.Errorf("empty snapshot = %+v", snap)
	}
}
