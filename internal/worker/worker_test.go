package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	proxy "github.com/ForeverLucky0901/bigModel/internal"
	"github.com/ForeverLucky0901/bigModel/internal/telemetry"
	"github.com/ForeverLucky0901/bigModel/internal/testutil"
)

type blockingWorker struct{ name string }

func (w blockingWorker) Name() string { return w.name }
func (w blockingWorker) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

type failingWorker struct{ err error }

func (w failingWorker) Name() string              { return "failing" }
func (w failingWorker) Run(context.Context) error { return w.err }

func TestRunnerPropagatesFirstError(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	r := NewRunner(blockingWorker{name: "blocker"}, failingWorker{err: boom})

	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background()) }()

	select {
	case err := <-done:
		if !errors.Is(err, boom) {
			t.Errorf("err = %v, want boom", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not cancel the blocking worker after a failure")
	}
}

func TestRunnerStopsOnContextCancel(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	r := NewRunner(blockingWorker{name: "a"}, blockingWorker{name: "b"})

	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("err = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not stop on cancel")
	}
}

func TestPoolStatsSample(t *testing.T) {
	t.Parallel()
	store := testutil.NewFakeStore()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		k := &proxy.UpstreamKey{Type: proxy.UpstreamNative, SealedKey: "sealed", Weight: 1}
		if err := store.CreateUpstreamKey(ctx, k); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := store.TripUpstreamKey(ctx, 1, time.Now().Add(time.Minute)); err != nil {
		t.Fatal(err)
	}

	reg := prometheus.NewRegistry()
	m := telemetry.NewMetrics(reg)
	w := NewPoolStatsWorker(store, m)
	w.sample(ctx)

	got := gaugeValues(t, reg, "bigmodel_upstream_keys")
	if got["healthy"] != 2 || got["cooldown"] != 1 || got["disabled"] != 0 {
		t.Errorf("gauge values = %v", got)
	}
}

func gaugeValues(t *testing.T, reg *prometheus.Registry, name string) map[string]float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	out := make(map[string]float64)
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, metric := range f.GetMetric() {
			for _, l := range metric.GetLabel() {
				if l.GetName() == "status" {
					out[l.GetValue()] = metric.GetGauge().GetValue()
				}
			}
		}
	}
	return out
}
