package correlation

import (
	"context"
	"errors"
	"log/slog"

	"github.com/sgerhart/aegisflux/backend/integrity/internal/bus"
	"github.com/sgerhart/aegisflux/backend/integrity/internal/config"
	"github.com/sgerhart/aegisflux/backend/integrity/internal/model"
	"github.com/sgerhart/aegisflux/backend/integrity/internal/sink"
)

// SubjectMetadataKey is the detection metadata entry naming the subject
const SubjectMetadataKey = "subject_id"

// Consumer drains detection events, correlates them and emits the results
type Consumer struct {
	engine   *Engine
	sub      *bus.Subscription[*model.DetectionEvent]
	out      *bus.Bus[*model.CorrelatedEvent]
	sink     sink.Sink
	provider config.Provider
	logger   *slog.Logger
}

// NewConsumer wires an engine between a detection subscription and the correlated bus
func NewConsumer(engine *Engine, sub *bus.Subscription[*model.DetectionEvent], out *bus.Bus[*model.CorrelatedEvent], sk sink.Sink, provider config.Provider, logger *slog.Logger) *Consumer {
	return &Consumer{
		engine:   engine,
		sub:      sub,
		out:      out,
		sink:     sk,
		provider: provider,
		logger:   logger,
	}
}

// Run processes events until ctx is done or the subscription closes
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("Correlation consumer started", "subscriber", c.sub.Name())
	defer c.logger.Info("Correlation consumer stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-c.sub.C():
			if !ok {
				return nil
			}
			c.handle(ctx, ev)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, ev *model.DetectionEvent) {
	subject := c.subjectFor(ev)

	correlated, ok := c.engine.Process(ev, subject)
	if !ok {
		return
	}

	if err := c.out.Publish(ctx, correlated); err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Warn("Failed to publish correlated event", "event_type", correlated.EventType, "error", err)
	}

	alert := AlertFromCorrelated(correlated)
	if err := c.sink.Persist(ctx, alert); err != nil {
		c.logger.Error("Failed to persist correlation alert", "alert_id", alert.ID, "error", err)
	}
}

func (c *Consumer) subjectFor(ev *model.DetectionEvent) string {
	if subject, ok := ev.MetadataValue(SubjectMetadataKey); ok && subject != "" {
		return subject
	}
	return c.provider.Current().SubjectID
}

// AlertFromCorrelated converts a correlated event into a persisted alert
func AlertFromCorrelated(ce *model.CorrelatedEvent) *model.Alert {
	severity := model.SeverityWarning
	if ce.Confidence >= 0.9 {
		severity = model.SeverityCritical
	}

	eventTypes := make([]string, 0, len(ce.Events))
	for _, ev := range ce.Events {
		eventTypes = append(eventTypes, ev.EventType)
	}

	return model.NewAlert(ce.SubjectID, ce.EventType, severity, ce.Description, map[string]interface{}{
		"confidence":        ce.Confidence,
		"correlated_at":     ce.Timestamp,
		"correlated_events": len(ce.Events),
		"event_types":       eventTypes,
	})
}
