package detection

import (
	"context"
	"fmt"

	"github.com/sgerhart/aegisflux/backend/integrity/internal/config"
	"github.com/sgerhart/aegisflux/backend/integrity/internal/model"
)

// ScreenObservation is what a screen analyzer saw on one capture
type ScreenObservation struct {
	ScreenshotHash   string
	DetectedElements []string
	Confidence       float64
	InterfaceType    string
}

// ScreenAnalyzer captures and classifies the screen. A nil observation means
// nothing was captured.
type ScreenAnalyzer interface {
	Analyze(ctx context.Context) (*ScreenObservation, error)
}

// NoScreenAnalyzer never observes anything; it is used when no capture backend is wired
type NoScreenAnalyzer struct{}

func (NoScreenAnalyzer) Analyze(context.Context) (*ScreenObservation, error) { return nil, nil }

// ScreenDetector reports AI interfaces recognized on screen
type ScreenDetector struct {
	cfg      config.ScreenConfig
	analyzer ScreenAnalyzer
}

// NewScreenDetector creates a screen detector
func NewScreenDetector(cfg config.ScreenConfig, analyzer ScreenAnalyzer) *ScreenDetector {
	return &ScreenDetector{cfg: cfg, analyzer: analyzer}
}

func (d *ScreenDetector) Name() string                  { return "screen-monitor" }
func (d *ScreenDetector) Module() model.DetectionModule { return model.ModuleScreen }

// Scan emits an event when the observation reaches the confidence threshold
func (d *ScreenDetector) Scan(ctx context.Context) ([]*model.DetectionEvent, error) {
	obs, err := d.analyzer.Analyze(ctx)
	if err != nil {
		return nil, err
	}
	if obs == nil || obs.Confidence < d.cfg.ConfidenceThreshold {
		return nil, nil
	}

	level := model.ThreatHigh
	if obs.Confidence >= 0.9 {
		level = model.ThreatCritical
	}

	return []*model.DetectionEvent{model.NewDetectionEvent(
		"ai_interface_on_screen",
		level,
		fmt.Sprintf("AI interface visible on screen: %s (confidence %.2f)", obs.InterfaceType, obs.Confidence),
		model.ScreenDetails{
			ScreenshotHash:   obs.ScreenshotHash,
			DetectedElements: obs.DetectedElements,
			Confidence:       obs.Confidence,
			InterfaceType:    obs.InterfaceType,
		},
		d.Name(),
		nil,
	)}, nil
}
