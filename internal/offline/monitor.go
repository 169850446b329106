package offline

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	syncerrors "github.com/GAIKONDO/app42-sub006/internal/errors"
	"github.com/GAIKONDO/app42-sub006/internal/infrastructure/observability"
	"github.com/GAIKONDO/app42-sub006/internal/infrastructure/persistence"
)

// Monitor reports connectivity. Changes delivers true on every offline→online
// transition and false on every online→offline transition.
type Monitor interface {
	Online() bool
	Changes() <-chan bool
}

// status is the state shared by the monitors.
type status struct {
	mu      sync.RWMutex
	online  bool
	changes chan bool
}

func (s *status) Online() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.online
}

func (s *status) Changes() <-chan bool {
	return s.changes
}

// set records online and reports whether it was a transition.
func (s *status) set(online bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.online == online {
		return false
	}
	s.online = online
	select {
	case s.changes <- online:
	default:
		// The consumer is behind; it re-reads Online() before acting.
	}
	return true
}

// ManualMonitor is switched explicitly, by tests or an operator.
type ManualMonitor struct {
	status
}

// NewManualMonitor creates a monitor in the given state.
func NewManualMonitor(online bool) *ManualMonitor {
	return &ManualMonitor{status: status{online: online, changes: make(chan bool, 16)}}
}

// SetOnline switches the state, publishing a transition when it changes.
func (m *ManualMonitor) SetOnline(online bool) {
	m.set(online)
}

// ProbeMonitor decides connectivity by calling HealthCheck periodically. Only
// network-shaped failures count as offline.
type ProbeMonitor struct {
	status
	checker  persistence.HealthChecker
	interval time.Duration
	logger   *zap.Logger
}

// NewProbeMonitor creates a monitor that starts out online.
func NewProbeMonitor(checker persistence.HealthChecker, interval time.Duration, logger *zap.Logger) *ProbeMonitor {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &ProbeMonitor{
		status:   status{online: true, changes: make(chan bool, 16)},
		checker:  checker,
		interval: interval,
		logger:   observability.OrNop(logger).Named("probe_monitor"),
	}
}

// Probe runs one health check and updates the state.
func (m *ProbeMonitor) Probe(ctx context.Context) bool {
	err := m.checker.HealthCheck(ctx)
	online := err == nil || !syncerrors.IsNetwork(err)
	if m.set(online) {
		if online {
			m.logger.Info("Backend reachable again")
		} else {
			m.logger.Warn("Backend unreachable", zap.Error(err))
		}
	}
	return online
}

// Run probes until ctx is done.
func (m *ProbeMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	m.Probe(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Probe(ctx)
		}
	}
}
