package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNew_IndependentRegistries(t *testing.T) {
	a := New()
	b := New()

	a.RecordCycle("ok")
	a.RecordCycle("ok")
	b.RecordCycle("failed")

	if got := testutil.ToFloat64(a.CyclesTotal.WithLabelValues("ok")); got != 2 {
		t.Errorf("a ok cycles = %v, want 2", got)
	}
	if got := testutil.ToFloat64(b.CyclesTotal.WithLabelValues("ok")); got != 0 {
		t.Errorf("b ok cycles = %v, want 0", got)
	}
}

func TestRecordPersistError(t *testing.T) {
	m := New()
	m.RecordPersistError("change_event")
	if got := testutil.ToFloat64(m.PersistErrors.WithLabelValues("change_event")); got != 1 {
		t.Errorf("persist errors = %v", got)
	}
	if n, err := testutil.GatherAndCount(m.Registry, "circuitwatch_persist_errors_total"); err != nil || n != 1 {
		t.Errorf("gathered %d series, err %v", n, err)
	}
}
