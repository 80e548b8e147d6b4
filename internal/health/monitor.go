// Package health periodically probes database connections and classifies
// them so callers can decide whether attempting a sync is worthwhile.
package health

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

type Status string

const (
	StatusUnknown   Status = "unknown"
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// unhealthyThreshold is the consecutive-failure count at which a connection
// is declared unhealthy rather than degraded.
const unhealthyThreshold = 3

// State is a snapshot of one connection's health. It is mutated only by the
// Monitor; callers get copies.
type State struct {
	Status              Status
	ConsecutiveFailures int
	LastChecked         time.Time
	LastHealthy         time.Time
	LastError           string
}

// Usable reports whether a sync attempt is reasonable in this state. Unknown
// is usable: the first probe may simply not have run yet.
func (s State) Usable() bool {
	return s.Status != StatusUnhealthy
}

// Prober abstracts the probe; db.Connector satisfies it.
type Prober interface {
	Ping(ctx context.Context) error
}

// Monitor owns the health state for one connection.
type Monitor struct {
	name     string
	probe    Prober
	interval time.Duration
	logger   *zap.Logger
	onChange func(name string, s State)

	mu    sync.RWMutex
	state State
}

func NewMonitor(name string, probe Prober, interval time.Duration, logger *zap.Logger, onChange func(string, State)) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Monitor{
		name:     name,
		probe:    probe,
		interval: interval,
		logger:   logger.Named("health").With(zap.String("db", name)),
		onChange: onChange,
		state:    State{Status: StatusUnknown},
	}
}

// State returns the current snapshot.
func (m *Monitor) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Start runs the probe loop until ctx is cancelled. Probe spacing backs off
// (doubling, capped at 4x the base interval) while the connection keeps
// failing, so a dead database is not hammered.
func (m *Monitor) Start(ctx context.Context) {
	go func() {
		m.Check(ctx)
		for {
			wait := m.interval
			if failures := m.State().ConsecutiveFailures; failures > 0 {
				backoff := m.interval << min(failures, 2)
				if backoff > 4*m.interval {
					backoff = 4 * m.interval
				}
				wait = backoff
			}
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
				m.Check(ctx)
			case <-ctx.Done():
				timer.Stop()
				m.logger.Debug("Health monitor stopped", zap.Error(ctx.Err()))
				return
			}
		}
	}()
}

// Check runs one probe immediately and updates the classification.
func (m *Monitor) Check(ctx context.Context) State {
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err := m.probe.Ping(probeCtx)
	cancel()

	m.mu.Lock()
	now := time.Now()
	m.state.LastChecked = now
	if err != nil {
		m.state.ConsecutiveFailures++
		m.state.LastError = err.Error()
	} else {
		m.state.ConsecutiveFailures = 0
		m.state.LastError = ""
		m.state.LastHealthy = now
	}
	m.state.Status = Classify(m.state.ConsecutiveFailures)
	snapshot := m.state
	m.mu.Unlock()

	if err != nil {
		m.logger.Warn("Health probe failed",
			zap.String("status", string(snapshot.Status)),
			zap.Int("consecutive_failures", snapshot.ConsecutiveFailures),
			zap.Error(err))
	} else {
		m.logger.Debug("Health probe succeeded")
	}
	if m.onChange != nil {
		m.onChange(m.name, snapshot)
	}
	return snapshot
}

// Classify maps a consecutive-failure count to a status.
func Classify(consecutiveFailures int) Status {
	switch {
	case consecutiveFailures == 0:
		return StatusHealthy
	case consecutiveFailures < unhealthyThreshold:
		return StatusDegraded
	default:
		return StatusUnhealthy
	}
}
