// Package health runs periodic dependency checks and serves probe endpoints.
package health

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Status classifies one check outcome.
type Status int

const (
	StatusHealthy Status = iota
	StatusDegraded
	StatusUnhealthy
	StatusUnknown
)

func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// CheckResult is one component's most recent outcome.
type CheckResult struct {
	Status    Status        `json:"status"`
	Message   string        `json:"message,omitempty"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
	Component string        `json:"component"`
	Critical  bool          `json:"critical"`
}

// Checker is one component probe.
type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
	// Critical failures mark the whole service unhealthy; non-critical ones
	// only degrade it.
	IsCritical() bool
}

// PingChecker adapts a ping function, the common case for redis, the
// database pool, and the providers.
type PingChecker struct {
	name     string
	critical bool
	timeout  time.Duration
	ping     func(ctx context.Context) error
}

func NewPingChecker(name string, critical bool, timeout time.Duration, ping func(ctx context.Context) error) *PingChecker {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &PingChecker{name: name, critical: critical, timeout: timeout, ping: ping}
}

func (p *PingChecker) Name() string     { return p.name }
func (p *PingChecker) IsCritical() bool { return p.critical }

func (p *PingChecker) Check(ctx context.Context) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	result := CheckResult{
		Component: p.name,
		Critical:  p.critical,
		Timestamp: start.UTC(),
	}
	if err := p.ping(ctx); err != nil {
		result.Status = StatusUnhealthy
		result.Error = err.Error()
	} else {
		result.Status = StatusHealthy
	}
	result.Duration = time.Since(start)
	return result
}

// Overall is the aggregate service verdict.
type Overall struct {
	Status     string                 `json:"status"`
	Ready      bool                   `json:"ready"`
	Timestamp  time.Time              `json:"timestamp"`
	Components map[string]CheckResult `json:"components,omitempty"`
}

// Manager owns the checkers and a cache of their latest results, refreshed on
// a fixed interval so probe endpoints never fan out to dependencies inline.
type Manager struct {
	mu       sync.RWMutex
	checkers map[string]Checker
	results  map[string]CheckResult

	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
	logger   *zap.Logger
}

func NewManager(interval time.Duration, logger *zap.Logger) *Manager {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Manager{
		checkers: make(map[string]Checker),
		results:  make(map[string]CheckResult),
		interval: interval,
		stopCh:   make(chan struct{}),
		logger:   logger,
	}
}

// Register adds a checker. Registering after Start is allowed; the next sweep
// picks it up.
func (m *Manager) Register(c Checker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkers[c.Name()] = c
}

// Start runs an immediate sweep and then refreshes in the background until
// Stop or ctx cancellation.
func (m *Manager) Start(ctx context.Context) {
	m.sweep(ctx)
	go func() {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.sweep(ctx)
			}
		}
	}()
}

func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

func (m *Manager) sweep(ctx context.Context) {
	m.mu.RLock()
	checkers := make([]Checker, 0, len(m.checkers))
	for _, c := range m.checkers {
		checkers = append(checkers, c)
	}
	m.mu.RUnlock()

	for _, c := range checkers {
		result := c.Check(ctx)
		if result.Status != StatusHealthy {
			m.logger.Warn("health check failed",
				zap.String("component", c.Name()),
				zap.String("status", result.Status.String()),
				zap.String("error", result.Error),
			)
		}
		m.mu.Lock()
		m.results[c.Name()] = result
		m.mu.Unlock()
	}
}

// Overall aggregates the cached results: any critical failure is unhealthy,
// any non-critical failure degrades, otherwise healthy. A service with no
// checkers yet is considered healthy.
func (m *Manager) Overall() Overall {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := StatusHealthy
	components := make(map[string]CheckResult, len(m.results))
	for name, r := range m.results {
		components[name] = r
		if r.Status == StatusHealthy {
			continue
		}
		if r.Critical {
			status = StatusUnhealthy
		} else if status == StatusHealthy {
			status = StatusDegraded
		}
	}
	return Overall{
		Status:     status.String(),
		Ready:      status != StatusUnhealthy,
		Timestamp:  time.Now().UTC(),
		Components: components,
	}
}

// Ready reports whether the service should accept traffic.
func (m *Manager) Ready() bool { return m.Overall().Ready }
