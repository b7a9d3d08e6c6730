package monitor

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/sgerhart/aegisflux/backend/integrity/internal/config"
	"github.com/sgerhart/aegisflux/backend/integrity/internal/metrics"
	"github.com/sgerhart/aegisflux/backend/integrity/internal/sink"
)

// AnalyzerFactory returns the analyzer used for a session
type AnalyzerFactory func(sessionID string) BehavioralAnalyzer

// Registry owns at most one running SessionMonitor per session id
type Registry struct {
	mu       sync.RWMutex
	monitors map[string]*SessionMonitor

	factory  AnalyzerFactory
	sink     sink.Sink
	provider config.Provider
	logger   *slog.Logger
	metrics  *metrics.Metrics
	opts     []Option
}

// NewRegistry creates an empty registry. opts are applied to every monitor it starts.
func NewRegistry(factory AnalyzerFactory, sk sink.Sink, provider config.Provider, logger *slog.Logger, m *metrics.Metrics, opts ...Option) *Registry {
	return &Registry{
		monitors: make(map[string]*SessionMonitor),
		factory:  factory,
		sink:     sk,
		provider: provider,
		logger:   logger,
		metrics:  m,
		opts:     append([]Option{WithMetrics(m)}, opts...),
	}
}

// Start begins monitoring a session. It reports false without error when
// the session is already monitored.
func (r *Registry) Start(sessionID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.monitors[sessionID]; ok {
		r.logger.Info("Session already monitored", "session_id", sessionID)
		return false, nil
	}

	m := NewSessionMonitor(sessionID, r.factory(sessionID), r.sink, r.provider, r.logger, r.opts...)
	if err := m.Start(); err != nil {
		return false, err
	}
	r.monitors[sessionID] = m
	r.metrics.SetActiveMonitors(len(r.monitors))
	return true, nil
}

// Stop signals the session's monitor and removes it. The loop itself exits
// at its next poll boundary. It reports whether the session was monitored.
func (r *Registry) Stop(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.monitors[sessionID]
	if !ok {
		return false
	}
	m.Stop()
	delete(r.monitors, sessionID)
	r.metrics.SetActiveMonitors(len(r.monitors))
	return true
}

// IsMonitoring reports whether a session has a running monitor
func (r *Registry) IsMonitoring(sessionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.monitors[sessionID]
	return ok
}

// ActiveSessions returns the monitored session ids, sorted
func (r *Registry) ActiveSessions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.monitors))
	for id := range r.monitors {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// StopAll stops every monitor and waits for their loops to exit or ctx to end
func (r *Registry) StopAll(ctx context.Context) error {
	r.mu.Lock()
	stopped := make([]*SessionMonitor, 0, len(r.monitors))
	for id, m := range r.monitors {
		m.Stop()
		stopped = append(stopped, m)
		delete(r.monitors, id)
	}
	r.metrics.SetActiveMonitors(0)
	r.mu.Unlock()

	for _, m := range stopped {
		select {
		case <-m.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if len(stopped) > 0 {
		r.logger.Info("All session monitors stopped", "count", len(stopped))
	}
	return nil
}
