package events

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type recorder struct {
	names []string
}

func (r *recorder) Report(name string, severity Severity, fields map[string]string) {
	r.names = append(r.names, name)
}

type panicker struct{}

func (panicker) Report(string, Severity, map[string]string) { panic("sink bug") }

func TestMulti_isolatesPanickingSink(t *testing.T) {
	rec := &recorder{}
	m := Multi{panicker{}, rec}
	m.Report("no cached image", SeverityWarning, nil)
	if len(rec.names) != 1 || rec.names[0] != "no cached image" {
		t.Errorf("second sink should still receive the event: %v", rec.names)
	}
}

func TestPrometheus_counts(t *testing.T) {
	reg := prometheus.NewRegistry()
	p, err := NewPrometheus(reg)
	if err != nil {
		t.Fatal(err)
	}
	p.Report("sync drift major", SeverityWarning, nil)
	p.Report("sync drift major", SeverityWarning, map[string]string{"session": "x"})
	got := testutil.ToFloat64(p.events.WithLabelValues("sync drift major", "warning"))
	if got != 2 {
		t.Errorf("counter = %v, want 2", got)
	}
}

func TestPrometheus_registerTwice(t *testing.T) {
	reg := prometheus.NewRegistry()
	if _, err := NewPrometheus(reg); err != nil {
		t.Fatal(err)
	}
	if _, err := NewPrometheus(reg); err != nil {
		t.Fatalf("second registration should reuse the collector: %v", err)
	}
}
