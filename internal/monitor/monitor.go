package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sgerhart/aegisflux/backend/integrity/internal/config"
	"github.com/sgerhart/aegisflux/backend/integrity/internal/metrics"
	"github.com/sgerhart/aegisflux/backend/integrity/internal/model"
	"github.com/sgerhart/aegisflux/backend/integrity/internal/sink"
)

// AlertTypeAIDetection is the alert type raised by behavioral monitors
const AlertTypeAIDetection = "ai_detection"

var (
	// ErrStopped is returned when starting a monitor that has already stopped
	ErrStopped = errors.New("session monitor stopped")
	// ErrRunning is returned when starting a monitor twice
	ErrRunning = errors.New("session monitor already running")
)

// State is the lifecycle position of a SessionMonitor
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// BehavioralAnalyzer performs one behavioral check of the typing session
type BehavioralAnalyzer interface {
	Check(ctx context.Context) (*model.BamDetectionResult, error)
}

// AnalyzerFunc adapts a function to a BehavioralAnalyzer
type AnalyzerFunc func(ctx context.Context) (*model.BamDetectionResult, error)

// Check calls f
func (f AnalyzerFunc) Check(ctx context.Context) (*model.BamDetectionResult, error) { return f(ctx) }

// Option configures a SessionMonitor
type Option func(*SessionMonitor)

// WithClock replaces the clock used to decide when a check is due
func WithClock(now func() time.Time) Option {
	return func(m *SessionMonitor) { m.now = now }
}

// WithMetrics records check outcomes and alerts
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *SessionMonitor) { m.metrics = mt }
}

// SessionMonitor periodically runs a behavioral check for one session and
// raises an alert when the analyzer reports AI-like behavior. It moves
// Idle -> Running -> Stopped once; a stopped monitor cannot be restarted.
type SessionMonitor struct {
	sessionID string
	analyzer  BehavioralAnalyzer
	sink      sink.Sink
	provider  config.Provider
	logger    *slog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time

	startMu sync.Mutex
	state   atomic.Int32
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewSessionMonitor creates an idle monitor
func NewSessionMonitor(sessionID string, analyzer BehavioralAnalyzer, sk sink.Sink, provider config.Provider, logger *slog.Logger, opts ...Option) *SessionMonitor {
	m := &SessionMonitor{
		sessionID: sessionID,
		analyzer:  analyzer,
		sink:      sk,
		provider:  provider,
		logger:    logger.With("session_id", sessionID),
		now:       time.Now,
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SessionID returns the monitored session
func (m *SessionMonitor) SessionID() string { return m.sessionID }

// State returns the current lifecycle state
func (m *SessionMonitor) State() State { return State(m.state.Load()) }

// Done is closed once the loop has exited
func (m *SessionMonitor) Done() <-chan struct{} { return m.done }

// Start launches the monitoring loop
func (m *SessionMonitor) Start() error {
	m.startMu.Lock()
	defer m.startMu.Unlock()

	switch m.State() {
	case StateStopped:
		return ErrStopped
	case StateRunning:
		return ErrRunning
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	if !m.state.CompareAndSwap(int32(StateIdle), int32(StateRunning)) {
		cancel()
		return ErrStopped
	}

	go m.run(ctx)
	m.logger.Info("Session monitoring started")
	return nil
}

// Stop signals the loop to exit at its next poll boundary. It does not wait;
// use Done for that.
func (m *SessionMonitor) Stop() {
	prev := State(m.state.Swap(int32(StateStopped)))
	switch prev {
	case StateRunning:
		m.cancel()
	case StateIdle:
		close(m.done)
	}
}

func (m *SessionMonitor) run(ctx context.Context) {
	defer close(m.done)
	defer m.logger.Info("Session monitoring stopped")

	poll := m.provider.Current().Bam.PollInterval()
	if poll <= 0 {
		poll = 100 * time.Millisecond
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	lastCheck := m.now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if m.State() != StateRunning {
			return
		}

		cfg := m.provider.Current().Bam
		if m.now().Sub(lastCheck) < cfg.CheckInterval() {
			continue
		}
		m.check(ctx, cfg)
		lastCheck = m.now()
	}
}

func (m *SessionMonitor) check(ctx context.Context, cfg config.BamConfig) {
	result, err := m.analyzer.Check(ctx)

	if m.State() != StateRunning {
		m.metrics.IncMonitorCheck("discarded")
		m.logger.Debug("Discarding behavioral check result after stop")
		return
	}
	if err != nil {
		m.metrics.IncMonitorCheck("error")
		m.logger.Error("Behavioral check failed", "error", err)
		return
	}
	if result == nil {
		m.metrics.IncMonitorCheck("error")
		m.logger.Error("Behavioral check returned no result")
		return
	}
	m.metrics.IncMonitorCheck("ok")
	m.logger.Debug("Behavioral check completed",
		"ai_detected", result.AIDetected,
		"confidence", result.Confidence,
		"anomaly_score", result.AnomalyScore)

	if err := m.sink.Persist(ctx, model.NewBamResultLog(m.sessionID, result)); err != nil {
		m.logger.Error("Failed to persist behavioral result", "error", err)
	}

	if !result.AIDetected || result.Confidence < cfg.AnomalyScoreThreshold {
		return
	}

	alert := NewBehaviorAlert(m.sessionID, result)
	if err := m.sink.Persist(ctx, alert); err != nil {
		m.logger.Error("Failed to persist behavioral alert", "alert_id", alert.ID, "error", err)
		return
	}
	m.metrics.IncMonitorAlert(alert.Severity)
	m.logger.Warn("AI detection alert created",
		"alert_id", alert.ID,
		"severity", alert.Severity,
		"confidence", result.Confidence,
		"anomaly_score", result.AnomalyScore)
}

// NewBehaviorAlert builds the alert raised for an AI-like behavioral result
func NewBehaviorAlert(sessionID string, result *model.BamDetectionResult) *model.Alert {
	severity := model.SeverityWarning
	if result.Confidence > 0.9 {
		severity = model.SeverityCritical
	}

	return model.NewAlert(sessionID, AlertTypeAIDetection, severity,
		fmt.Sprintf("AI-like typing behavior detected with confidence %.2f (anomaly score: %.2f)",
			result.Confidence, result.AnomalyScore),
		map[string]interface{}{
			"ai_detected":   result.AIDetected,
			"confidence":    result.Confidence,
			"anomaly_score": result.AnomalyScore,
			"mean_latency":  result.MeanLatency,
			"latency_count": len(result.Latencies),
			"status":        result.Status,
		})
}
