package traffic

import (
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

// TestErrorRate_Empty verifies that a fresh tracker reports no fetches.
func TestErrorRate_Empty(t *testing.T) {
	tr := NewTracker(nil)
	if errs, total := tr.ErrorRate(time.Minute); errs != 0 || total != 0 {
		t.Errorf("ErrorRate() = (%d, %d), want (0, 0)", errs, total)
	}
}

// TestErrorRate_SuccessAndError verifies that ErrorRate counts successes and errors.
func TestErrorRate_SuccessAndError(t *testing.T) {
	tr := NewTracker(nil)
	tr.RecordSuccess()
	tr.RecordSuccess()
	tr.RecordError()
	errs, total := tr.ErrorRate(time.Minute)
	if errs != 1 || total != 3 {
		t.Errorf("ErrorRate() = (%d, %d), want (1, 3)", errs, total)
	}
}

// TestErrorRate_DeniedExcluded verifies that inbound denials never count as provider fetches.
func TestErrorRate_DeniedExcluded(t *testing.T) {
	tr := NewTracker(nil)
	tr.RecordSuccess()
	tr.RecordDenied()
	tr.RecordDenied()
	errs, total := tr.ErrorRate(time.Minute)
	if errs != 0 || total != 1 {
		t.Errorf("ErrorRate() = (%d, %d), want (0, 1)", errs, total)
	}
	if n := tr.DenialCount(time.Minute); n != 2 {
		t.Errorf("DenialCount() = %d, want 2", n)
	}
}

// TestWindow_Expires verifies that outcomes fall out of the window as time passes.
func TestWindow_Expires(t *testing.T) {
	clock := newFakeClock()
	tr := NewTracker(clock.now)
	tr.RecordError()
	clock.advance(30 * time.Second)
	tr.RecordSuccess()

	if _, total := tr.ErrorRate(time.Minute); total != 2 {
		t.Errorf("total = %d, want 2", total)
	}
	clock.advance(45 * time.Second)
	errs, total := tr.ErrorRate(time.Minute)
	if errs != 0 || total != 1 {
		t.Errorf("ErrorRate() after 75s = (%d, %d), want (0, 1)", errs, total)
	}
}

// TestPrune_DropsOldEntries verifies that recording prunes entries past retention.
func TestPrune_DropsOldEntries(t *testing.T) {
	clock := newFakeClock()
	tr := NewTracker(clock.now)
	tr.RecordError()
	clock.advance(retention + time.Second)
	tr.RecordSuccess()

	if len(tr.errorTimes) != 0 {
		t.Errorf("errorTimes = %d entries, want 0 after prune", len(tr.errorTimes))
	}
}

func TestDegraded(t *testing.T) {
	tests := []struct {
		name      string
		successes int
		errors    int
		window    time.Duration
		pct       int
		want      bool
	}{
		{"no traffic", 0, 0, time.Minute, 50, false},
		{"below threshold", 3, 1, time.Minute, 50, false},
		{"at threshold", 1, 1, time.Minute, 50, true},
		{"above threshold", 0, 4, time.Minute, 50, true},
		{"disabled by zero pct", 0, 4, time.Minute, 0, false},
		{"disabled by zero window", 0, 4, 0, 50, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := NewTracker(nil)
			for i := 0; i < tt.successes; i++ {
				tr.RecordSuccess()
			}
			for i := 0; i < tt.errors; i++ {
				tr.RecordError()
			}
			if got := tr.Degraded(tt.window, tt.pct); got != tt.want {
				t.Errorf("Degraded() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestDefaultTracker verifies the package-level helpers share one tracker.
func TestDefaultTracker(t *testing.T) {
	Reset()
	defer Reset()
	RecordSuccess()
	RecordError()
	RecordDenied()
	if errs, total := ErrorRate(time.Minute); errs != 1 || total != 2 {
		t.Errorf("ErrorRate() = (%d, %d), want (1, 2)", errs, total)
	}
	if n := DenialCount(time.Minute); n != 1 {
		t.Errorf("DenialCount() = %d, want 1", n)
	}
	if !Degraded(time.Minute, 50) {
		t.Error("Degraded(1m, 50) = false, want true")
	}
}
