package correlation

import (
	"log/slog"
	"sync"
	"time"

	"github.com/sgerhart/aegisflux/backend/integrity/internal/config"
	"github.com/sgerhart/aegisflux/backend/integrity/internal/metrics"
	"github.com/sgerhart/aegisflux/backend/integrity/internal/model"
)

// Engine keeps a sliding window of normalized events per subject and runs
// the rule set against it on every new event. All state sits behind one
// mutex so each event is normalized, buffered, pruned and evaluated atomically.
type Engine struct {
	mu            sync.Mutex
	subjects      map[string]*subjectBuffer
	window        time.Duration
	minConfidence float64
	maxPerSubject int
	rules         []Rule
	now           func() time.Time

	gcTicker *time.Ticker
	stopGC   chan struct{}

	processed  uint64
	emitted    uint64
	suppressed uint64

	logger  *slog.Logger
	metrics *metrics.Metrics
}

type subjectBuffer struct {
	events   []model.NormalizedEvent
	lastSeen time.Time
}

// Option configures an Engine
type Option func(*Engine)

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithRules replaces the default rule set
func WithRules(rules []Rule) Option {
	return func(e *Engine) { e.rules = rules }
}

// WithMetrics attaches Prometheus metrics
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// NewEngine creates a correlation engine from configuration
func NewEngine(cfg config.CorrelationConfig, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		subjects:      make(map[string]*subjectBuffer),
		window:        cfg.Window(),
		minConfidence: cfg.MinConfidenceForAlert,
		maxPerSubject: cfg.MaxEventsPerSubject,
		rules:         DefaultRules(),
		now:           time.Now,
		logger:        logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.window <= 0 {
		e.window = 60 * time.Second
	}
	if e.maxPerSubject <= 0 {
		e.maxPerSubject = 1000
	}
	return e
}

// Process normalizes a detection for subjectID and correlates it
func (e *Engine) Process(ev *model.DetectionEvent, subjectID string) (*model.CorrelatedEvent, bool) {
	if ev == nil {
		return nil, false
	}
	return e.ProcessNormalized(ev.Normalize(subjectID))
}

// ProcessNormalized correlates an already normalized event. It returns the
// correlated event of the first matching rule when that rule passes the
// confidence gate. A gated match ends evaluation; lower priority rules are
// not consulted.
func (e *Engine) ProcessNormalized(ne model.NormalizedEvent) (*model.CorrelatedEvent, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	if ne.Timestamp.IsZero() {
		ne.Timestamp = now
	}
	e.processed++

	buf, exists := e.subjects[ne.SubjectID]
	if !exists {
		buf = &subjectBuffer{}
		e.subjects[ne.SubjectID] = buf
	}
	buf.events = append(buf.events, ne)
	buf.lastSeen = now
	buf.events = prune(buf.events, now.Add(-e.window))
	if over := len(buf.events) - e.maxPerSubject; over > 0 {
		buf.events = buf.events[over:]
	}

	for _, rule := range e.rules {
		if !rule.Match(ne, buf.events, now) {
			continue
		}

		if rule.Confidence < e.minConfidence {
			e.suppressed++
			e.metrics.IncSuppressed(rule.EventType)
			e.logger.Debug("Correlation suppressed by confidence gate",
				"rule", rule.Name,
				"event_type", rule.EventType,
				"confidence", rule.Confidence,
				"min_confidence", e.minConfidence,
				"subject_id", ne.SubjectID)
			return nil, false
		}

		snapshot := make([]model.NormalizedEvent, len(buf.events))
		copy(snapshot, buf.events)

		e.emitted++
		e.metrics.IncCorrelated(rule.EventType)
		e.logger.Info("Correlation rule matched",
			"rule", rule.Name,
			"event_type", rule.EventType,
			"confidence", rule.Confidence,
			"subject_id", ne.SubjectID,
			"buffered_events", len(snapshot))

		return &model.CorrelatedEvent{
			EventType:   rule.EventType,
			Timestamp:   now,
			SubjectID:   ne.SubjectID,
			Confidence:  rule.Confidence,
			Description: rule.Description,
			Events:      snapshot,
		}, true
	}

	return nil, false
}

// prune drops events at or before cutoff. Events are kept in arrival order,
// which is not strictly timestamp order, so every entry is checked.
func prune(events []model.NormalizedEvent, cutoff time.Time) []model.NormalizedEvent {
	kept := events[:0]
	for _, ev := range events {
		if ev.Timestamp.After(cutoff) {
			kept = append(kept, ev)
		}
	}
	clear(events[len(kept):])
	return kept
}

// SetWindow changes the retention window
func (e *Engine) SetWindow(window time.Duration) {
	if window <= 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.window = window
}

// SetMinConfidence changes the confidence gate
func (e *Engine) SetMinConfidence(min float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.minConfidence = min
}

// ApplyConfig updates window and gate from a configuration snapshot
func (e *Engine) ApplyConfig(cfg *config.Config) {
	e.SetWindow(cfg.Correlation.Window())
	e.SetMinConfidence(cfg.Correlation.MinConfidenceForAlert)
}

// Buffered returns a copy of a subject's retained events
func (e *Engine) Buffered(subjectID string) []model.NormalizedEvent {
	e.mu.Lock()
	defer e.mu.Unlock()

	buf, ok := e.subjects[subjectID]
	if !ok {
		return nil
	}
	out := make([]model.NormalizedEvent, len(buf.events))
	copy(out, buf.events)
	return out
}

// StartGC starts the background collection of expired events and idle subjects
func (e *Engine) StartGC(interval time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.gcTicker != nil {
		return
	}

	e.gcTicker = time.NewTicker(interval)
	e.stopGC = make(chan struct{})

	go e.gcRoutine(e.gcTicker, e.stopGC)
}

// StopGC stops the garbage collection routine
func (e *Engine) StopGC() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.gcTicker != nil {
		e.gcTicker.Stop()
		e.gcTicker = nil
	}

	if e.stopGC != nil {
		close(e.stopGC)
		e.stopGC = nil
	}
}

func (e *Engine) gcRoutine(ticker *time.Ticker, stop chan struct{}) {
	for {
		select {
		case <-ticker.C:
			e.GC()
		case <-stop:
			return
		}
	}
}

// GC prunes every subject and forgets subjects with nothing left
func (e *Engine) GC() {
	e.mu.Lock()
	defer e.mu.Unlock()

	cutoff := e.now().Add(-e.window)
	for subjectID, buf := range e.subjects {
		buf.events = prune(buf.events, cutoff)
		if len(buf.events) == 0 {
			delete(e.subjects, subjectID)
		}
	}
}

// Stats returns statistics about the engine
func (e *Engine) Stats() map[string]interface{} {
	e.mu.Lock()
	defer e.mu.Unlock()

	total := 0
	for _, buf := range e.subjects {
		total += len(buf.events)
	}

	return map[string]interface{}{
		"subject_count":   len(e.subjects),
		"buffered_events": total,
		"window":          e.window.String(),
		"min_confidence":  e.minConfidence,
		"processed":       e.processed,
		"emitted":         e.emitted,
		"suppressed":      e.suppressed,
	}
}
