package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mediahub/mediahub/internal/model"
)

type fakeSessions struct{ n int }

func (f fakeSessions) Count() int { return f.n }
func (f fakeSessions) CountByType() map[model.SessionType]int {
	return map[model.SessionType]int{model.SessionPark: f.n}
}

type fakeCount struct{ n int }

func (f fakeCount) Count() int { return f.n }

func TestCollectorGather(t *testing.T) {
	c := NewCollector(
		fakeSessions{n: 3},
		fakeCount{n: 2},
		fakeCount{n: 7},
		func() int { return 1 },
		time.Now().Add(-time.Minute),
	)

	reg := prometheus.NewPedanticRegistry()
	if err := reg.Register(c); err != nil {
		t.Fatalf("register: %v", err)
	}
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}

	got := map[string]float64{}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			got[mf.GetName()] = m.GetGauge().GetValue()
		}
	}

	if got["mediahub_active_sessions"] != 3 {
		t.Errorf("active_sessions = %v", got["mediahub_active_sessions"])
	}
	if got["mediahub_active_calls"] != 2 {
		t.Errorf("active_calls = %v", got["mediahub_active_calls"])
	}
	if got["mediahub_observers"] != 7 {
		t.Errorf("observers = %v", got["mediahub_observers"])
	}
	if got["mediahub_rooms"] != 1 {
		t.Errorf("rooms = %v", got["mediahub_rooms"])
	}
	if got["mediahub_uptime_seconds"] < 59 {
		t.Errorf("uptime = %v", got["mediahub_uptime_seconds"])
	}
}

func TestCollectorNilProviders(t *testing.T) {
	c := NewCollector(nil, nil, nil, nil, time.Now())
	reg := prometheus.NewPedanticRegistry()
	if err := reg.Register(c); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := reg.Gather(); err != nil {
		t.Fatalf("gather with nil providers: %v", err)
	}
}
