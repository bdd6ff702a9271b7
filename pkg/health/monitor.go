package health

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Status is the derived health of the subsystem over the last minute.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

const (
	// ring of one-second windows retained for range queries (5 minutes)
	maxWindows = 300
	// slice of most recent windows that "current" metrics aggregate over
	reportWindows = 60

	unhealthyErrorRate = 10.0
	degradedErrorRate  = 5.0
	degradedLatency    = time.Second
)

// window is a one-second aggregation bucket. Raw per-event data lives here
// briefly and nowhere else; windows are never persisted.
type window struct {
	timestamp    time.Time
	connections  int
	messages     int
	errors       int
	errorsByKind map[string]int
	latencies    []time.Duration
}

// WindowSnapshot is the read-only copy handed out by MetricsForRange.
type WindowSnapshot struct {
	Timestamp    time.Time
	Connections  int
	Messages     int
	Errors       int
	ErrorsByKind map[string]int
	Latencies    []time.Duration
}

type connRecord struct {
	userID       string
	status       string
	connectedAt  time.Time
	lastActivity time.Time
}

type ConnectionMetrics struct {
	Active          int
	ByStatus        map[string]int
	PeakLastMinute  int
	TotalRegistered int
}

// ErrorMetrics aggregates the last minute of windows; every field covers the
// same span, including the per-kind breakdown.
type ErrorMetrics struct {
	TotalErrors int
	ErrorRate   float64
	ByKind      map[string]int
}

type PerformanceMetrics struct {
	TotalMessages     int
	MessagesPerSecond float64
	AverageLatency    time.Duration
	MaxLatency        time.Duration
}

type HealthStatus struct {
	Status            Status        `json:"status"`
	ErrorRate         float64       `json:"errorRate"`
	AverageLatency    time.Duration `json:"averageLatency"`
	ActiveConnections int           `json:"activeConnections"`
	Timestamp         time.Time     `json:"timestamp"`
}

// Monitor keeps an in-memory time series of connection, message, error, and
// latency data and derives an overall health status from the last minute of
// it. Writers and the one-second collector race on the current bucket, so
// find-or-create of that bucket happens under the monitor lock.
type Monitor struct {
	logger *slog.Logger

	mu         sync.Mutex
	windows    []*window
	conns      map[string]*connRecord
	registered int

	now func() time.Time

	runMu sync.Mutex
	done  chan struct{}
	wg    sync.WaitGroup
}

func NewMonitor(logger *slog.Logger) *Monitor {
	return &Monitor{
		logger: logger.With(slog.String("component", "health_monitor")),
		conns:  make(map[string]*connRecord),
		now:    time.Now,
		done:   make(chan struct{}),
	}
}

// currentWindow finds or creates the bucket for the current second.
// Callers must hold mu.
func (m *Monitor) currentWindow(now time.Time) *window {
	ts := now.Truncate(time.Second)
	if n := len(m.windows); n > 0 && !m.windows[n-1].timestamp.Before(ts) {
		return m.windows[n-1]
	}
	w := &window{timestamp: ts}
	m.windows = append(m.windows, w)
	if len(m.windows) > maxWindows {
		m.windows = m.windows[len(m.windows)-maxWindows:]
	}
	return w
}

// --- Connection lifecycle hooks ---

func (m *Monitor) RegisterConnection(id, userID, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.conns[id] = &connRecord{
		userID:       userID,
		status:       status,
		connectedAt:  now,
		lastActivity: now,
	}
	m.registered++
	m.currentWindow(now).connections = len(m.conns)
}

func (m *Monitor) UpdateConnectionStatus(id, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec, ok := m.conns[id]; ok {
		rec.status = status
		rec.lastActivity = m.now()
	}
}

func (m *Monitor) RemoveConnection(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.conns, id)
	m.currentWindow(m.now()).connections = len(m.conns)
}

// --- Event recorders ---

// RecordMessage counts one delivered message, optionally with its observed
// delivery latency, and refreshes the connection's activity time.
func (m *Monitor) RecordMessage(connID string, latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	w := m.currentWindow(now)
	w.messages++
	if latency > 0 {
		w.latencies = append(w.latencies, latency)
	}
	if rec, ok := m.conns[connID]; ok {
		rec.lastActivity = now
	}
}

func (m *Monitor) RecordError(kind, connID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w := m.currentWindow(m.now())
	w.errors++
	if w.errorsByKind == nil {
		w.errorsByKind = make(map[string]int)
	}
	w.errorsByKind[kind]++
	if rec, ok := m.conns[connID]; ok {
		rec.lastActivity = m.now()
	}
}

func (m *Monitor) RecordLatency(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w := m.currentWindow(m.now())
	w.latencies = append(w.latencies, d)
}

// --- Read accessors ---

// recent returns the windows covering the last minute. Windows only exist
// for seconds that saw events or a collector tick, so the cut is by
// timestamp, not by count. Callers must hold mu.
func (m *Monitor) recent() []*window {
	cutoff := m.now().Truncate(time.Second).Add(-reportWindows * time.Second)
	for i, w := range m.windows {
		if !w.timestamp.Before(cutoff) {
			return m.windows[i:]
		}
	}
	return nil
}

func (m *Monitor) ConnectionMetrics() ConnectionMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	byStatus := make(map[string]int)
	for _, rec := range m.conns {
		byStatus[rec.status]++
	}
	peak := 0
	for _, w := range m.recent() {
		if w.connections > peak {
			peak = w.connections
		}
	}
	return ConnectionMetrics{
		Active:          len(m.conns),
		ByStatus:        byStatus,
		PeakLastMinute:  peak,
		TotalRegistered: m.registered,
	}
}

func (m *Monitor) ErrorMetrics() ErrorMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	errors, messages := 0, 0
	byKind := make(map[string]int)
	for _, w := range m.recent() {
		errors += w.errors
		messages += w.messages
		for k, v := range w.errorsByKind {
			byKind[k] += v
		}
	}
	return ErrorMetrics{
		TotalErrors: errors,
		ErrorRate:   errorRate(errors, messages),
		ByKind:      byKind,
	}
}

func (m *Monitor) PerformanceMetrics() PerformanceMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	recent := m.recent()
	messages := 0
	var total, max time.Duration
	samples := 0
	for _, w := range recent {
		messages += w.messages
		for _, l := range w.latencies {
			total += l
			samples++
			if l > max {
				max = l
			}
		}
	}

	perf := PerformanceMetrics{TotalMessages: messages, MaxLatency: max}
	if len(recent) > 0 {
		perf.MessagesPerSecond = float64(messages) / float64(len(recent))
	}
	if samples > 0 {
		perf.AverageLatency = total / time.Duration(samples)
	}
	return perf
}

// HealthStatus derives the overall status from the last minute of windows.
func (m *Monitor) HealthStatus() HealthStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	errors, messages := 0, 0
	var total time.Duration
	samples := 0
	for _, w := range m.recent() {
		errors += w.errors
		messages += w.messages
		for _, l := range w.latencies {
			total += l
			samples++
		}
	}

	rate := errorRate(errors, messages)
	var avg time.Duration
	if samples > 0 {
		avg = total / time.Duration(samples)
	}

	return HealthStatus{
		Status:            deriveStatus(rate, avg),
		ErrorRate:         rate,
		AverageLatency:    avg,
		ActiveConnections: len(m.conns),
		Timestamp:         m.now(),
	}
}

// MetricsForRange copies out every window with a timestamp in [start, end].
func (m *Monitor) MetricsForRange(start, end time.Time) []WindowSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []WindowSnapshot
	for _, w := range m.windows {
		if w.timestamp.Before(start) || w.timestamp.After(end) {
			continue
		}
		snap := WindowSnapshot{
			Timestamp:   w.timestamp,
			Connections: w.connections,
			Messages:    w.messages,
			Errors:      w.errors,
		}
		if len(w.errorsByKind) > 0 {
			snap.ErrorsByKind = make(map[string]int, len(w.errorsByKind))
			for k, v := range w.errorsByKind {
				snap.ErrorsByKind[k] = v
			}
		}
		if len(w.latencies) > 0 {
			snap.Latencies = append([]time.Duration(nil), w.latencies...)
		}
		out = append(out, snap)
	}
	return out
}

// errorRate never divides by zero: no messages means a rate of 0, not NaN.
func errorRate(errors, messages int) float64 {
	if messages == 0 {
		return 0
	}
	return float64(errors) / float64(messages) * 100
}

func deriveStatus(rate float64, avgLatency time.Duration) Status {
	switch {
	case rate > unhealthyErrorRate:
		return StatusUnhealthy
	case rate > degradedErrorRate || avgLatency > degradedLatency:
		return StatusDegraded
	default:
		return StatusHealthy
	}
}

// Start launches the one-second collector that snapshots the live connection
// count into the current window. Start after Stop begins a fresh cycle.
func (m *Monitor) Start(ctx context.Context) {
	m.runMu.Lock()
	done := make(chan struct{})
	m.done = done
	m.runMu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.collect()
			case <-ctx.Done():
				return
			case <-done:
				return
			}
		}
	}()
}

// Stop halts the collector. Safe to call more than once.
func (m *Monitor) Stop() {
	m.runMu.Lock()
	select {
	case <-m.done:
	default:
		close(m.done)
	}
	m.runMu.Unlock()
	m.wg.Wait()
}

func (m *Monitor) collect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.currentWindow(m.now()).connections = len(m.conns)
}
