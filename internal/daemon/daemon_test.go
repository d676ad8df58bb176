package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/yairfalse/dormant/reconciler"
	"github.com/yairfalse/dormant/types"
)

// fakeEngine implements Reconciler for testing.
type fakeEngine struct {
	mu      sync.Mutex
	ticks   int
	tickErr error
	last    *reconciler.TickResult
	result  reconciler.TickResult
}

func (f *fakeEngine) Tick(context.Context) (reconciler.TickResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ticks++
	if f.tickErr != nil {
		return reconciler.TickResult{}, f.tickErr
	}
	r := f.result
	r.Tick = uint64(f.ticks)
	r.StartedAt = time.Date(2026, 4, 10, 12, 0, 0, 0, time.UTC)
	f.last = &r
	return r, nil
}

func (f *fakeEngine) Status() []reconciler.GroupStatus {
	return []reconciler.GroupStatus{{
		Group:      "web",
		Transition: types.TransitionStopped,
		Occurrence: time.Date(2026, 4, 10, 11, 0, 0, 0, time.UTC),
	}}
}

func (f *fakeEngine) LastTick() (reconciler.TickResult, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.last == nil {
		return reconciler.TickResult{}, false
	}
	return *f.last, true
}

func (f *fakeEngine) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tickErr = err
}

func newTestDaemon(t *testing.T, engine *fakeEngine, interval time.Duration, opts ...Option) *Daemon {
	t.Helper()
	d, err := NewDaemon(engine, Config{Interval: interval, Addr: "127.0.0.1:0"}, opts...)
	require.NoError(t, err)
	return d
}

func TestNewDaemon_Validation(t *testing.T) {
	_, err := NewDaemon(nil, Config{Interval: time.Minute})
	assert.Error(t, err)

	_, err = NewDaemon(&fakeEngine{}, Config{})
	assert.Error(t, err)
}

// Test daemon stops gracefully
func TestDaemon_GracefulShutdown(t *testing.T) {
	d := newTestDaemon(t, &fakeEngine{}, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- d.Start(ctx)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Daemon did not shutdown within timeout")
	}
}

// Test reconciliation loop runs at interval
func TestDaemon_ReconciliationLoop(t *testing.T) {
	engine := &fakeEngine{}
	d := newTestDaemon(t, engine, 50*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = d.Start(ctx)
	}()

	assert.Eventually(t, func() bool {
		return d.ReconciliationCount() >= 3
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDaemon_RunOnceFirstTickImmediate(t *testing.T) {
	engine := &fakeEngine{}
	d := newTestDaemon(t, engine, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = d.Start(ctx)
	}()

	assert.Eventually(t, func() bool {
		return d.ReconciliationCount() == 1
	}, time.Second, 10*time.Millisecond)
}

func TestDaemon_Health(t *testing.T) {
	engine := &fakeEngine{}
	d := newTestDaemon(t, engine, time.Minute)

	h := d.Health()
	assert.Equal(t, "healthy", h.Status)
	assert.GreaterOrEqual(t, h.Uptime, int64(0))

	engine.setErr(errors.New("store unavailable"))
	_, err := d.RunOnce(context.Background())
	require.Error(t, err)

	h = d.Health()
	assert.Equal(t, "degraded", h.Status)
	assert.Equal(t, "store unavailable", h.LastError)

	engine.setErr(nil)
	_, err = d.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "healthy", d.Health().Status)
	assert.Equal(t, int64(2), d.Health().Ticks)
}

func TestDaemon_Endpoints(t *testing.T) {
	engine := &fakeEngine{}
	d := newTestDaemon(t, engine, time.Minute,
		WithMetricsHandler(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("dormant_reconciler_ticks_total 1"))
		})))

	srv := httptest.NewServer(d.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/-/ready")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	_, err = d.RunOnce(context.Background())
	require.NoError(t, err)

	for _, path := range []string{"/health", "/-/healthy", "/-/ready", "/metrics"} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		_ = resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}

	resp, err = http.Get(srv.URL + "/status")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var report StatusReport
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
	require.Len(t, report.Groups, 1)
	assert.Equal(t, types.TransitionStopped, report.Groups[0].Transition)
	require.NotNil(t, report.LastTick)
	assert.Equal(t, uint64(1), report.LastTick.Tick)
}

func TestDaemon_ListenAndServe(t *testing.T) {
	d := newTestDaemon(t, &fakeEngine{}, time.Minute)

	errCh := make(chan error, 1)
	go func() {
		errCh <- d.ListenAndServe()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	addr, err := d.Addr(ctx)
	require.NoError(t, err)

	resp, err := http.Get(fmt.Sprintf("http://%s/health", addr))
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, d.Shutdown(context.Background()))
	assert.NoError(t, <-errCh)
}

func TestDaemon_ShutdownBeforeServe(t *testing.T) {
	d := newTestDaemon(t, &fakeEngine{}, time.Minute)
	require.NoError(t, d.Shutdown(context.Background()))
	assert.NoError(t, d.ListenAndServe())
}

func TestDaemonMetrics_RecordTick(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := NewDaemonMetrics(provider.Meter("test"))
	require.NoError(t, err)

	engine := &fakeEngine{result: reconciler.TickResult{Groups: []reconciler.GroupResult{
		{Group: "web"},
		{Group: "db", Err: errors.New("list failed")},
		{Group: "batch", Skipped: true},
	}}}
	d := newTestDaemon(t, engine, time.Minute, WithMetrics(m))

	_, err = d.RunOnce(context.Background())
	require.NoError(t, err)
	engine.setErr(errors.New("boom"))
	_, _ = d.RunOnce(context.Background())

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	require.Len(t, rm.ScopeMetrics, 1)

	byName := make(map[string]metricdata.Metrics)
	for _, metric := range rm.ScopeMetrics[0].Metrics {
		byName[metric.Name] = metric
	}

	ticks, ok := byName["dormant.reconciler.ticks"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	statuses := make(map[string]int64)
	for _, dp := range ticks.DataPoints {
		v, _ := dp.Attributes.Value("status")
		statuses[v.AsString()] = dp.Value
	}
	assert.Equal(t, map[string]int64{"success": 1, "error": 1}, statuses)

	failures, ok := byName["dormant.reconciler.group_failures"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, failures.DataPoints, 1)
	assert.Equal(t, int64(1), failures.DataPoints[0].Value)

	groups, ok := byName["dormant.reconciler.groups"].Data.(metricdata.Gauge[int64])
	require.True(t, ok)
	require.Len(t, groups.DataPoints, 1)
	assert.Equal(t, int64(3), groups.DataPoints[0].Value)

	_, ok = byName["dormant.reconciler.tick.duration"].Data.(metricdata.Histogram[float64])
	assert.True(t, ok)
}
