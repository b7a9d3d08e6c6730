package natsbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/sgerhart/aegisflux/backend/integrity/internal/bus"
	"github.com/sgerhart/aegisflux/backend/integrity/internal/metrics"
	"github.com/sgerhart/aegisflux/backend/integrity/internal/model"
)

const (
	SubjectDetections = "integrity.detections"
	SubjectCorrelated = "integrity.correlated"
	SubjectAlerts     = "integrity.alerts"
	SubjectBamResults = "integrity.bam_results"
	SubjectSessions   = "integrity.sessions"

	// ConnectTimeout bounds the initial connection attempt
	ConnectTimeout = 10 * time.Second
	// ReconnectInterval is the wait between reconnect attempts
	ReconnectInterval = 5 * time.Second
	// MaxReconnectAttempts is passed to the client; -1 retries forever
	MaxReconnectAttempts = -1
)

// Publisher sends a message; *nats.Conn satisfies it
type Publisher interface {
	PublishMsg(msg *nats.Msg) error
}

// Connect dials NATS with reconnect handling that logs state changes
func Connect(url string, logger *slog.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("integrityd"),
		nats.Timeout(ConnectTimeout),
		nats.ReconnectWait(ReconnectInterval),
		nats.MaxReconnects(MaxReconnectAttempts),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("Disconnected from NATS", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("Reconnected to NATS", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	return nc, nil
}

// Bridge forwards detections, correlated events and persisted records to NATS
// as JSON. It also satisfies sink.Sink.
type Bridge struct {
	pub     Publisher
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New creates a bridge publishing through pub
func New(pub Publisher, logger *slog.Logger, m *metrics.Metrics) *Bridge {
	return &Bridge{pub: pub, logger: logger, metrics: m}
}

// PublishDetection publishes a detection event
func (b *Bridge) PublishDetection(ev *model.DetectionEvent) error {
	headers := map[string]string{
		"x-event-id":     ev.ID,
		"x-event-type":   ev.DetectionType,
		"x-event-source": ev.Source,
		"x-module":       string(ev.Module),
		"x-threat-level": ev.ThreatLevel.String(),
	}
	if subject, ok := ev.MetadataValue("subject_id"); ok {
		headers["x-subject-id"] = subject
	}
	return b.publish(SubjectDetections, ev, headers)
}

// PublishCorrelated publishes a correlated event
func (b *Bridge) PublishCorrelated(ce *model.CorrelatedEvent) error {
	return b.publish(SubjectCorrelated, ce, map[string]string{
		"x-event-type": ce.EventType,
		"x-subject-id": ce.SubjectID,
	})
}

// Persist publishes a record on the subject for its kind. Detections go out
// with the same headers as PublishDetection.
func (b *Bridge) Persist(_ context.Context, rec model.Record) error {
	if ev, ok := rec.(*model.DetectionEvent); ok {
		return b.PublishDetection(ev)
	}

	var subject string
	switch rec.RecordKind() {
	case "alert":
		subject = SubjectAlerts
	case "bam_result":
		subject = SubjectBamResults
	case "session":
		subject = SubjectSessions
	default:
		return fmt.Errorf("unsupported record kind %q", rec.RecordKind())
	}
	return b.publish(subject, rec, map[string]string{
		"x-record-id":   rec.RecordID(),
		"x-record-kind": rec.RecordKind(),
	})
}

func (b *Bridge) publish(subject string, v any, headers map[string]string) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", subject, err)
	}

	msg := nats.NewMsg(subject)
	msg.Data = data
	for k, val := range headers {
		if val != "" {
			msg.Header.Set(k, val)
		}
	}
	msg.Header.Set("x-timestamp", time.Now().UTC().Format(time.RFC3339Nano))

	if err := b.pub.PublishMsg(msg); err != nil {
		b.metrics.IncNatsPublishErrors()
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}

	b.logger.Debug("Published to NATS", "subject", subject, "bytes", len(data))
	return nil
}

// Forward drains the two subscriptions onto NATS until ctx is done or both
// subscriptions are closed. Either subscription may be nil. Publish failures
// are logged and the message dropped.
func (b *Bridge) Forward(ctx context.Context, detections *bus.Subscription[*model.DetectionEvent], correlated *bus.Subscription[*model.CorrelatedEvent]) error {
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

	b.logger.Info("NATS forwarding started")
	defer b.logger.Info("NATS forwarding stopped")

	for detC != nil || corrC != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-detC:
			if !ok {
				detC = nil
				continue
			}
			if err := b.PublishDetection(ev); err != nil {
				b.logger.Warn("Dropping detection", "event_id", ev.ID, "error", err)
			}
		case ce, ok := <-corrC:
			if !ok {
				corrC = nil
				continue
			}
			if err := b.PublishCorrelated(ce); err != nil {
				b.logger.Warn("Dropping correlated event", "event_type", ce.EventType, "error", err)
			}
		}
	}
	return nil
}
