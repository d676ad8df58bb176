// Package daemon runs the reconciliation loop and serves its metrics,
// health and status over HTTP.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/yairfalse/dormant/reconciler"
)

// Reconciler is the engine the daemon drives
type Reconciler interface {
	Tick(ctx context.Context) (reconciler.TickResult, error)
	Status() []reconciler.GroupStatus
	LastTick() (reconciler.TickResult, bool)
}

// Config holds daemon configuration
type Config struct {
	Interval time.Duration
	Addr     string
}

// Daemon manages continuous reconciliation
type Daemon struct {
	engine   Reconciler
	interval time.Duration
	addr     string
	logger   zerolog.Logger
	metrics  *DaemonMetrics
	scrape   http.Handler

	startTime time.Time
	tickCount atomic.Int64
	lastErr   atomic.Pointer[string]

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	closed   bool
	ready    chan struct{}
}

// Option configures a Daemon
type Option func(*Daemon)

// WithLogger sets the daemon logger
func WithLogger(l zerolog.Logger) Option {
	return func(d *Daemon) { d.logger = l }
}

// WithMetrics records tick metrics on m
func WithMetrics(m *DaemonMetrics) Option {
	return func(d *Daemon) { d.metrics = m }
}

// WithMetricsHandler serves h on /metrics instead of the default registry
func WithMetricsHandler(h http.Handler) Option {
	return func(d *Daemon) { d.scrape = h }
}

// NewDaemon creates a new daemon instance
func NewDaemon(engine Reconciler, config Config, opts ...Option) (*Daemon, error) {
	if engine == nil {
		return nil, fmt.Errorf("daemon: engine is required")
	}
	if config.Interval <= 0 {
		return nil, fmt.Errorf("daemon: interval must be positive")
	}
	d := &Daemon{
		engine:    engine,
		interval:  config.Interval,
		addr:      config.Addr,
		logger:    log.Logger,
		scrape:    promhttp.Handler(),
		startTime: time.Now(),
		ready:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Start runs a tick immediately and then one per interval until ctx is done
func (d *Daemon) Start(ctx context.Context) error {
	d.logger.Info().Dur("interval", d.interval).Msg("reconciliation loop started")

	d.RunOnce(ctx)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info().Msg("reconciliation loop stopped")
			return nil
		case <-ticker.C:
			d.RunOnce(ctx)
		}
	}
}

// RunOnce runs a single tick and records its outcome
func (d *Daemon) RunOnce(ctx context.Context) (reconciler.TickResult, error) {
	started := time.Now()
	result, err := d.engine.Tick(ctx)
	d.tickCount.Add(1)

	if d.metrics != nil {
		d.metrics.RecordTick(ctx, result, time.Since(started), err)
	}

	if err != nil {
		msg := err.Error()
		d.lastErr.Store(&msg)
		d.logger.Error().Err(err).Msg("reconciliation tick failed")
		return result, err
	}
	d.lastErr.Store(nil)
	return result, nil
}

// Health returns daemon health status
func (d *Daemon) Health() HealthStatus {
	h := HealthStatus{
		Status: "healthy",
		Uptime: int64(time.Since(d.startTime).Seconds()),
		Ticks:  d.tickCount.Load(),
	}
	if last, ok := d.engine.LastTick(); ok {
		h.LastTick = last.StartedAt
	}
	if msg := d.lastErr.Load(); msg != nil {
		h.Status = "degraded"
		h.LastError = *msg
	}
	return h
}

// HealthStatus represents daemon health
type HealthStatus struct {
	Status    string    `json:"status"`
	Uptime    int64     `json:"uptime_seconds"`
	Ticks     int64     `json:"ticks"`
	LastTick  time.Time `json:"last_tick,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

// StatusReport is served on /status
type StatusReport struct {
	Groups   []reconciler.GroupStatus `json:"groups"`
	LastTick *reconciler.TickResult   `json:"last_tick,omitempty"`
}

// Report snapshots the engine state
func (d *Daemon) Report() StatusReport {
	r := StatusReport{Groups: d.engine.Status()}
	if last, ok := d.engine.LastTick(); ok {
		r.LastTick = &last
	}
	return r
}

// ReconciliationCount returns total reconciliations run
func (d *Daemon) ReconciliationCount() int64 {
	return d.tickCount.Load()
}

// Handler returns the HTTP routes of the daemon
func (d *Daemon) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", d.scrape)
	mux.HandleFunc("/health", d.handleHealth)
	mux.HandleFunc("/-/healthy", d.handleHealth)
	mux.HandleFunc("/-/ready", d.handleReady)
	mux.HandleFunc("/status", d.handleStatus)
	return mux
}

func (d *Daemon) handleHealth(w http.ResponseWriter, _ *http.Request) {
	h := d.Health()
	code := http.StatusOK
	if h.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, h)
}

func (d *Daemon) handleReady(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if d.tickCount.Load() == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no tick completed"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (d *Daemon) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, d.Report())
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// ListenAndServe serves Handler on the configured address until Shutdown
func (d *Daemon) ListenAndServe() error {
	ln, err := net.Listen("tcp", d.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", d.addr, err)
	}

	srv := &http.Server{
		Handler:           d.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ln.Close()
	}
	d.server = srv
	d.listener = ln
	d.mu.Unlock()
	close(d.ready)

	d.logger.Info().Str("addr", ln.Addr().String()).Msg("http server started")
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the HTTP server
func (d *Daemon) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	srv := d.server
	d.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// Addr blocks until the server listens and returns its bound address
func (d *Daemon) Addr(ctx context.Context) (string, error) {
	select {
	case <-d.ready:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.listener.Addr().String(), nil
}
