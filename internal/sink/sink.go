package sink

import (
	"context"
	"errors"
	"log/slog"

	"github.com/sgerhart/aegisflux/backend/integrity/internal/metrics"
	"github.com/sgerhart/aegisflux/backend/integrity/internal/model"
)

// Sink persists records produced by the core
type Sink interface {
	Persist(ctx context.Context, rec model.Record) error
}

// Func adapts a function to a Sink
type Func func(ctx context.Context, rec model.Record) error

// Persist calls f
func (f Func) Persist(ctx context.Context, rec model.Record) error { return f(ctx, rec) }

// MultiSink fans a record out to several sinks. Every sink is attempted;
// failures are logged, counted and joined.
type MultiSink struct {
	sinks   []Sink
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewMultiSink creates a sink writing to all of sinks
func NewMultiSink(logger *slog.Logger, m *metrics.Metrics, sinks ...Sink) *MultiSink {
	return &MultiSink{sinks: sinks, logger: logger, metrics: m}
}

// Persist writes rec to every sink
func (s *MultiSink) Persist(ctx context.Context, rec model.Record) error {
	var errs []error
	for _, sk := range s.sinks {
		if err := sk.Persist(ctx, rec); err != nil {
			s.metrics.IncPersistErrors(rec.RecordKind())
			s.logger.Error("Failed to persist record",
				"kind", rec.RecordKind(),
				"id", rec.RecordID(),
				"error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
