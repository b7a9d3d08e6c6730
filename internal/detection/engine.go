package detection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sgerhart/aegisflux/backend/integrity/internal/config"
	"github.com/sgerhart/aegisflux/backend/integrity/internal/metrics"
	"github.com/sgerhart/aegisflux/backend/integrity/internal/model"
)

// Publisher accepts detection events; *bus.Bus[*model.DetectionEvent] satisfies it
type Publisher interface {
	Publish(ctx context.Context, ev *model.DetectionEvent) error
}

// ScanStatistics summarizes scan activity
type ScanStatistics struct {
	TotalScans          uint64        `json:"total_scans"`
	TotalDetections     uint64        `json:"total_detections"`
	ScanErrors          uint64        `json:"scan_errors"`
	LastScanDuration    time.Duration `json:"last_scan_duration"`
	AverageScanDuration time.Duration `json:"average_scan_duration"`
	DetectionsPerMinute float64       `json:"detections_per_minute"`
	LastScanAt          time.Time     `json:"last_scan_at"`
}

// emaAlpha weights the latest scan in AverageScanDuration
const emaAlpha = 0.1

type moduleLoop struct {
	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
}

// Engine owns the registered detectors and runs them on demand or on their
// configured intervals, publishing every finding.
type Engine struct {
	mu        sync.RWMutex
	detectors map[model.DetectionModule]Detector
	cfg       *config.Config

	publisher Publisher
	logger    *slog.Logger
	metrics   *metrics.Metrics

	loopMu  sync.Mutex
	loops   map[model.DetectionModule]*moduleLoop
	baseCtx context.Context

	statsMu   sync.Mutex
	stats     ScanStatistics
	startedAt time.Time
}

// NewEngine creates a detection engine
func NewEngine(cfg *config.Config, publisher Publisher, logger *slog.Logger, m *metrics.Metrics) *Engine {
	return &Engine{
		detectors: make(map[model.DetectionModule]Detector),
		cfg:       cfg,
		publisher: publisher,
		logger:    logger,
		metrics:   m,
		loops:     make(map[model.DetectionModule]*moduleLoop),
		stats:     ScanStatistics{AverageScanDuration: 100 * time.Millisecond},
		startedAt: time.Now(),
	}
}

// Register adds or replaces the detector for its module
func (e *Engine) Register(d Detector) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.detectors[d.Module()] = d
	e.logger.Info("Detector registered", "detector", d.Name(), "module", d.Module())
}

// Detector returns the detector registered for module
func (e *Engine) Detector(module model.DetectionModule) (Detector, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	d, ok := e.detectors[module]
	return d, ok
}

// enabled returns the registered detectors switched on in the current config, in module order
func (e *Engine) enabled() []Detector {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var out []Detector
	for _, m := range model.AllModules {
		d, ok := e.detectors[m]
		if ok && e.cfg.Detection.ModuleEnabled(m) {
			out = append(out, d)
		}
	}
	return out
}

// ScanOnce runs every enabled detector concurrently, then publishes each
// detector's findings in the order the detector returned them. Failed
// detectors are logged and skipped; the returned error is non-nil only
// when publishing fails.
func (e *Engine) ScanOnce(ctx context.Context) ([]*model.DetectionEvent, error) {
	detectors := e.enabled()
	start := time.Now()

	results := make([][]*model.DetectionEvent, len(detectors))
	scanErrs := make([]error, len(detectors))

	var g errgroup.Group
	for i, d := range detectors {
		i, d := i, d
		g.Go(func() error {
			results[i], scanErrs[i] = e.scanDetector(ctx, d)
			return nil
		})
	}
	_ = g.Wait()

	var (
		all      []*model.DetectionEvent
		failures uint64
	)
	for i, d := range detectors {
		if scanErrs[i] != nil {
			failures++
			e.logger.Error("Detector scan failed", "detector", d.Name(), "module", d.Module(), "error", scanErrs[i])
			continue
		}
		all = append(all, results[i]...)
	}

	duration := time.Since(start)
	e.recordScan(duration, uint64(len(all)), failures)

	if err := e.publish(ctx, all); err != nil {
		return all, err
	}

	e.logger.Info("Scan completed",
		"detectors", len(detectors),
		"detections", len(all),
		"errors", failures,
		"duration", duration.String())
	return all, nil
}

// ScanModule runs a single module's detector regardless of whether it is enabled
func (e *Engine) ScanModule(ctx context.Context, module model.DetectionModule) ([]*model.DetectionEvent, error) {
	d, ok := e.Detector(module)
	if !ok {
		return nil, fmt.Errorf("no detector registered for module %q", module)
	}

	start := time.Now()
	events, err := e.scanDetector(ctx, d)
	if err != nil {
		e.recordScan(time.Since(start), 0, 1)
		return nil, err
	}
	e.recordScan(time.Since(start), uint64(len(events)), 0)

	return events, e.publish(ctx, events)
}

func (e *Engine) scanDetector(ctx context.Context, d Detector) ([]*model.DetectionEvent, error) {
	start := time.Now()
	events, err := d.Scan(ctx)
	e.metrics.ObserveScan(string(d.Module()), time.Since(start), err)
	if err != nil {
		return nil, &DetectorError{Detector: d.Name(), Module: d.Module(), Err: err}
	}

	kept := events[:0]
	for _, ev := range events {
		if ev == nil {
			continue
		}
		e.metrics.IncDetections(string(ev.Module), ev.ThreatLevel.String())
		kept = append(kept, ev)
	}
	return kept, nil
}

func (e *Engine) publish(ctx context.Context, events []*model.DetectionEvent) error {
	if e.publisher == nil {
		return nil
	}
	for _, ev := range events {
		if err := e.publisher.Publish(ctx, ev); err != nil {
			return fmt.Errorf("failed to publish detection: %w", err)
		}
	}
	return nil
}

func (e *Engine) recordScan(duration time.Duration, detections, failures uint64) {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()

	e.stats.TotalScans++
	e.stats.TotalDetections += detections
	e.stats.ScanErrors += failures
	e.stats.LastScanDuration = duration
	e.stats.LastScanAt = time.Now().UTC()
	e.stats.AverageScanDuration = time.Duration(
		emaAlpha*float64(duration) + (1-emaAlpha)*float64(e.stats.AverageScanDuration))

	if minutes := time.Since(e.startedAt).Minutes(); minutes > 0 {
		e.stats.DetectionsPerMinute = float64(e.stats.TotalDetections) / minutes
	}
}

// Stats returns a copy of the scan statistics
func (e *Engine) Stats() ScanStatistics {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	return e.stats
}

// Start launches one periodic loop per enabled module. Loops stop when ctx
// ends or Stop is called.
func (e *Engine) Start(ctx context.Context) {
	e.loopMu.Lock()
	e.baseCtx = ctx
	e.loopMu.Unlock()

	e.reconcile()
}

// ApplyConfig installs a new configuration and starts, stops or restarts
// module loops to match it
func (e *Engine) ApplyConfig(cfg *config.Config) {
	e.mu.Lock()
	e.cfg = cfg
	e.mu.Unlock()

	e.reconcile()
}

func (e *Engine) reconcile() {
	e.loopMu.Lock()
	defer e.loopMu.Unlock()

	if e.baseCtx == nil {
		return
	}

	want := make(map[model.DetectionModule]Detector)
	for _, d := range e.enabled() {
		want[d.Module()] = d
	}

	e.mu.RLock()
	intervals := make(map[model.DetectionModule]time.Duration, len(want))
	for m := range want {
		intervals[m] = e.cfg.Detection.ScanInterval(m)
	}
	e.mu.RUnlock()

	for m, loop := range e.loops {
		if _, ok := want[m]; ok && intervals[m] == loop.interval {
			continue
		}
		loop.cancel()
		<-loop.done
		delete(e.loops, m)
		e.logger.Info("Module loop stopped", "module", m)
	}

	for m, d := range want {
		if _, running := e.loops[m]; running {
			continue
		}
		ctx, cancel := context.WithCancel(e.baseCtx)
		loop := &moduleLoop{interval: intervals[m], cancel: cancel, done: make(chan struct{})}
		e.loops[m] = loop
		go e.runLoop(ctx, d, loop)
		e.logger.Info("Module loop started", "module", m, "interval", loop.interval.String())
	}
}

func (e *Engine) runLoop(ctx context.Context, d Detector, loop *moduleLoop) {
	defer close(loop.done)

	ticker := time.NewTicker(loop.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			events, err := e.scanDetector(ctx, d)
			if err != nil {
				e.recordScan(time.Since(start), 0, 1)
				if ctx.Err() == nil {
					e.logger.Error("Detector scan failed", "detector", d.Name(), "module", d.Module(), "error", err)
				}
				continue
			}
			e.recordScan(time.Since(start), uint64(len(events)), 0)

			if err := e.publish(ctx, events); err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				e.logger.Warn("Dropping detections", "module", d.Module(), "count", len(events), "error", err)
			}
		}
	}
}

// Running returns the modules with an active loop
func (e *Engine) Running() []model.DetectionModule {
	e.loopMu.Lock()
	defer e.loopMu.Unlock()

	var out []model.DetectionModule
	for _, m := range model.AllModules {
		if _, ok := e.loops[m]; ok {
			out = append(out, m)
		}
	}
	return out
}

// Stop cancels every module loop and waits for them to exit
func (e *Engine) Stop() {
	e.loopMu.Lock()
	defer e.loopMu.Unlock()

	for m, loop := range e.loops {
		loop.cancel()
		<-loop.done
		delete(e.loops, m)
	}
	e.baseCtx = nil
	e.logger.Info("Detection engine stopped")
}
