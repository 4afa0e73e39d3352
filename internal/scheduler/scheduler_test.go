package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/beaconsafe/sentinel/internal/observability"
	"github.com/beaconsafe/sentinel/lib/async"
)

func newTestPool(t *testing.T) *async.Pool {
	t.Helper()
	pool, err := async.NewPool(4, 8)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func TestRegisterValidation(t *testing.T) {
	s := New(newTestPool(t))
	require.Error(t, s.Register("", time.Second, func(context.Context) error { return nil }))
	require.Error(t, s.Register("task", 0, func(context.Context) error { return nil }))
	require.Error(t, s.Register("task", time.Second, nil))
	require.NoError(t, s.Register("task", time.Second, func(context.Context) error { return nil }))
	require.Error(t, s.Register("task", time.Second, func(context.Context) error { return nil }),
		"duplicate names must be rejected")
}

func TestTasksRunImmediatelyAndOnInterval(t *testing.T) {
	s := New(newTestPool(t))
	var runs atomic.Int32
	require.NoError(t, s.Register("counter", 20*time.Millisecond, func(context.Context) error {
		runs.Add(1)
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx))
	defer s.Stop()

	require.Eventually(t, func() bool { return runs.Load() >= 3 }, 2*time.Second, 10*time.Millisecond)
}

func TestOverlappingTickIsSuppressed(t *testing.T) {
	s := New(newTestPool(t))
	var concurrent atomic.Int32
	var peak atomic.Int32
	release := make(chan struct{})

	require.NoError(t, s.Register("slow", 10*time.Millisecond, func(context.Context) error {
		current := concurrent.Add(1)
		for {
			observed := peak.Load()
			if current <= observed || peak.CompareAndSwap(observed, current) {
				break
			}
		}
		<-release
		concurrent.Add(-1)
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx))

	// Let several ticks fire while the first run blocks.
	time.Sleep(100 * time.Millisecond)
	close(release)
	s.Stop()

	require.EqualValues(t, 1, peak.Load(), "the same task must never run concurrently with itself")
}

func TestIndependentTasksRunConcurrently(t *testing.T) {
	s := New(newTestPool(t))
	aStarted := make(chan struct{})
	bStarted := make(chan struct{})
	release := make(chan struct{})

	require.NoError(t, s.Register("a", time.Minute, func(context.Context) error {
		close(aStarted)
		<-release
		return nil
	}))
	require.NoError(t, s.Register("b", time.Minute, func(context.Context) error {
		close(bStarted)
		<-release
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx))

	select {
	case <-aStarted:
	case <-time.After(2 * time.Second):
		t.Fatal("task a never started")
	}
	select {
	case <-bStarted:
	case <-time.After(2 * time.Second):
		t.Fatal("task b never started while a was blocked")
	}
	close(release)
	s.Stop()
}

func TestFailingTaskKeepsTicking(t *testing.T) {
	s := New(newTestPool(t))
	var runs atomic.Int32
	require.NoError(t, s.Register("flaky", 20*time.Millisecond, func(context.Context) error {
		runs.Add(1)
		return errors.New("transient")
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx))
	defer s.Stop()

	require.Eventually(t, func() bool { return runs.Load() >= 3 }, 2*time.Second, 10*time.Millisecond)
}

func TestStopHaltsTicking(t *testing.T) {
	s := New(newTestPool(t))
	var runs atomic.Int32
	require.NoError(t, s.Register("counter", 20*time.Millisecond, func(context.Context) error {
		runs.Add(1)
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx))
	require.Eventually(t, func() bool { return runs.Load() >= 1 }, 2*time.Second, 10*time.Millisecond)

	s.Stop()
	// Allow a tick submitted just before Stop to drain off the pool.
	time.Sleep(50 * time.Millisecond)
	settled := runs.Load()
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, settled, runs.Load(), "no ticks may fire after Stop")
}

type capturingMetrics struct {
	mu         sync.Mutex
	histograms map[string][]map[string]string
}

func (m *capturingMetrics) IncCounter(string, float64, map[string]string) {}
func (m *capturingMetrics) SetGauge(string, float64, map[string]string)   {}

func (m *capturingMetrics) ObserveHistogram(name string, _ float64, labels map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.histograms == nil {
		m.histograms = make(map[string][]map[string]string)
	}
	m.histograms[name] = append(m.histograms[name], labels)
}

func (m *capturingMetrics) observations(name string) []map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.histograms[name]
}

func TestTaskDurationRecordedUnderSharedMetricName(t *testing.T) {
	metrics := &capturingMetrics{}
	observability.SetMetrics(metrics)
	t.Cleanup(func() { observability.SetMetrics(nil) })

	s := New(newTestPool(t))
	require.NoError(t, s.Register("timed", time.Minute, func(context.Context) error { return nil }))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx))
	defer s.Stop()

	require.Eventually(t, func() bool {
		return len(metrics.observations(observability.MetricTaskDuration)) >= 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, "timed", metrics.observations(observability.MetricTaskDuration)[0]["task"])
}

func TestStartTwiceRejected(t *testing.T) {
	s := New(newTestPool(t))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx))
	defer s.Stop()
	require.Error(t, s.Start(ctx))
}
