package sink

import (
	"context"
	"log/slog"

	"github.com/sgerhart/aegisflux/backend/integrity/internal/bus"
	"github.com/sgerhart/aegisflux/backend/integrity/internal/model"
)

// EventLogger records every detection to a sink and logs detections and
// correlated events as they pass on the buses.
type EventLogger struct {
	sink   Sink
	logger *slog.Logger
}

// NewEventLogger creates a logger consumer persisting detections to s
func NewEventLogger(s Sink, logger *slog.Logger) *EventLogger {
	return &EventLogger{sink: s, logger: logger}
}

// Run drains both subscriptions until ctx is done or both are closed.
// Either subscription may be nil. Persist failures are logged and the
// event is still counted as consumed.
func (l *EventLogger) Run(ctx context.Context, detections *bus.Subscription[*model.DetectionEvent], correlated *bus.Subscription[*model.CorrelatedEvent]) error {
	var (
		detC  <-chan *model.DetectionEvent
		corrC <-chan *model.CorrelatedEvent
	)
	if detections != nil {
		detC = detections.C()
	}
	if correlated != nil {
		corrC = correlated.C()
	}

	l.logger.Info("Event logger started")
	defer l.logger.Info("Event logger stopped")

	for detC != nil || corrC != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-detC:
			if !ok {
				detC = nil
				continue
			}
			l.logDetection(ctx, ev)
		case ce, ok := <-corrC:
			if !ok {
				corrC = nil
				continue
			}
			l.logger.Warn("Correlated event",
				"event_type", ce.EventType,
				"subject_id", ce.SubjectID,
				"confidence", ce.Confidence,
				"events", len(ce.Events))
		}
	}
	return nil
}

func (l *EventLogger) logDetection(ctx context.Context, ev *model.DetectionEvent) {
	attrs := []any{
		"event_id", ev.ID,
		"module", ev.Module,
		"threat_level", ev.ThreatLevel.String(),
		"detection_type", ev.DetectionType,
	}
	if ev.ThreatLevel.AtLeast(model.ThreatHigh) {
		l.logger.Warn("Detection event", attrs...)
	} else {
		l.logger.Info("Detection event", attrs...)
	}

	if err := l.sink.Persist(ctx, ev); err != nil {
		l.logger.Error("Failed to record detection", "event_id", ev.ID, "error", err)
	}
}
