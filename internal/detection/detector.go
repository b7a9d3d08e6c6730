package detection

import (
	"context"
	"fmt"

	"github.com/sgerhart/aegisflux/backend/integrity/internal/model"
)

// Detector scans one signal source and reports suspicious findings.
// Scan must honor ctx cancellation and must not retain the returned slice.
type Detector interface {
	Name() string
	Module() model.DetectionModule
	Scan(ctx context.Context) ([]*model.DetectionEvent, error)
}

// DetectorError wraps a failed scan with the detector that produced it
type DetectorError struct {
	Detector string
	Module   model.DetectionModule
	Err      error
}

func (e *DetectorError) Error() string {
	return fmt.Sprintf("detector %s (%s): %v", e.Detector, e.Module, e.Err)
}

func (e *DetectorError) Unwrap() error {
	return e.Err
}
