package service

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/agentgate/agentgate/internal/domain/trace"
)

// SLOConfig sets the availability and latency targets.
type SLOConfig struct {
	// AvailabilityTarget is the minimum success ratio (e.g. 0.995).
	AvailabilityTarget float64
	// LatencyP95 is the maximum acceptable p95 latency.
	LatencyP95 time.Duration
	// Window is the rolling observation window.
	Window time.Duration
	// EvalInterval is how often the window is re-judged.
	EvalInterval time.Duration
	// MinSamples avoids judging an empty or tiny window.
	MinSamples int
}

// sloSample is one observed request.
type sloSample struct {
	at      time.Time
	ok      bool
	latency time.Duration
}

// SLOMonitor keeps a rolling estimate of availability and latency p95
// and emits slo.breach / slo.recovered trace events, idempotent per
// state transition.
type SLOMonitor struct {
	cfg    SLOConfig
	traces trace.Store
	logger *slog.Logger

	mu       sync.Mutex
	samples  []sloSample
	breached bool

	wg   sync.WaitGroup
	done chan struct{}
}

// NewSLOMonitor creates the monitor.
func NewSLOMonitor(cfg SLOConfig, traces trace.Store, logger *slog.Logger) *SLOMonitor {
	if cfg.AvailabilityTarget <= 0 {
		cfg.AvailabilityTarget = 0.995
	}
	if cfg.LatencyP95 <= 0 {
		cfg.LatencyP95 = 500 * time.Millisecond
	}
	if cfg.Window <= 0 {
		cfg.Window = 5 * time.Minute
	}
	if cfg.EvalInterval <= 0 {
		cfg.EvalInterval = 15 * time.Second
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = 20
	}
	return &SLOMonitor{
		cfg:    cfg,
		traces: traces,
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Observe records one request outcome.
func (m *SLOMonitor) Observe(ok bool, latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples = append(m.samples, sloSample{at: time.Now(), ok: ok, latency: latency})
}

// Start launches the periodic evaluation loop.
func (m *SLOMonitor) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.EvalInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.done:
				return
			case <-ticker.C:
				m.evaluate(ctx)
			}
		}
	}()
}

// Stop terminates the loop and waits for it.
func (m *SLOMonitor) Stop() {
	close(m.done)
	m.wg.Wait()
}

// Snapshot returns the current window estimate for health reporting.
func (m *SLOMonitor) Snapshot() (availability float64, p95 time.Duration, samples int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked()
	return m.estimateLocked()
}

// evaluate re-judges the window and emits transition events.
func (m *SLOMonitor) evaluate(ctx context.Context) {
	m.mu.Lock()
	m.pruneLocked()
	availability, p95, n := m.estimateLocked()
	healthy := n < m.cfg.MinSamples ||
		(availability >= m.cfg.AvailabilityTarget && p95 <= m.cfg.LatencyP95)
	transition := ""
	if !healthy && !m.breached {
		m.breached = true
		transition = "slo.breach"
	} else if healthy && m.breached {
		m.breached = false
		transition = "slo.recovered"
	}
	m.mu.Unlock()

	if transition == "" {
		return
	}
	m.logger.Warn("slo state transition",
		"transition", transition,
		"availability", availability,
		"latency_p95_ms", p95.Milliseconds(),
		"samples", n,
	)
	_, err := m.traces.Append(ctx, trace.Event{
		SessionID: SystemSessionID,
		TenantID:  SystemTenantID,
		Kind:      trace.KindSLO,
		Reason:    transition,
		Payload: map[string]any{
			"availability":   availability,
			"latency_p95_ms": p95.Milliseconds(),
			"samples":        n,
		},
	})
	if err != nil {
		m.logger.Error("slo event append failed", "error", err)
	}
}

func (m *SLOMonitor) pruneLocked() {
	cutoff := time.Now().Add(-m.cfg.Window)
	kept := m.samples[:0]
	for _, s := range m.samples {
		if s.at.After(cutoff) {
			kept = append(kept, s)
		}
	}
	m.samples = kept
}

func (m *SLOMonitor) estimateLocked() (float64, time.Duration, int) {
	n := len(m.samples)
	if n == 0 {
		return 1, 0, 0
	}
	okCount := 0
	latencies := make([]time.Duration, 0, n)
	for _, s := range m.samples {
		if s.ok {
			okCount++
		}
		latencies = append(latencies, s.latency)
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	idx := (n*95 + 99) / 100
	if idx > 0 {
		idx--
	}
	return float64(okCount) / float64(n), latencies[idx], n
}
