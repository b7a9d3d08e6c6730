package model

import (
	"encoding/json"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
)

// DetectionModule identifies the signal source a detector scans
type DetectionModule string

const (
	ModuleProcess    DetectionModule = "process"
	ModuleNetwork    DetectionModule = "network"
	ModuleFilesystem DetectionModule = "filesystem"
	ModuleBrowser    DetectionModule = "browser"
	ModuleScreen     DetectionModule = "screen"
	ModuleOutput     DetectionModule = "output"
)

// AllModules lists every module in a stable order
var AllModules = []DetectionModule{
	ModuleProcess,
	ModuleNetwork,
	ModuleFilesystem,
	ModuleBrowser,
	ModuleScreen,
	ModuleOutput,
}

// Valid reports whether m is a known module
func (m DetectionModule) Valid() bool {
	for _, known := range AllModules {
		if m == known {
			return true
		}
	}
	return false
}

// Details carries the module-specific part of a DetectionEvent. The set of
// implementations is closed: one per DetectionModule.
type Details interface {
	Module() DetectionModule
	details()
}

// ProcessDetails describes a suspicious process
type ProcessDetails struct {
	PID             int32    `json:"pid"`
	Name            string   `json:"name"`
	CommandLine     string   `json:"command_line"`
	ExecutablePath  string   `json:"executable_path"`
	ParentPID       *int32   `json:"parent_pid,omitempty"`
	MatchedPatterns []string `json:"matched_patterns"`
}

// NetworkDetails describes a suspicious connection
type NetworkDetails struct {
	LocalAddr     string `json:"local_addr"`
	RemoteAddr    string `json:"remote_addr"`
	Domain        string `json:"domain,omitempty"`
	Port          uint32 `json:"port"`
	Protocol      string `json:"protocol"`
	MatchedDomain string `json:"matched_domain"`
}

// FilesystemDetails describes a suspicious file
type FilesystemDetails struct {
	FilePath          string   `json:"file_path"`
	Operation         string   `json:"operation"`
	FileSize          int64    `json:"file_size"`
	FileHash          string   `json:"file_hash,omitempty"`
	SuspiciousContent []string `json:"suspicious_content"`
}

// BrowserDetails describes a suspicious browser extension
type BrowserDetails struct {
	Browser       string   `json:"browser"`
	ExtensionID   string   `json:"extension_id"`
	ExtensionName string   `json:"extension_name"`
	Permissions   []string `json:"permissions"`
	RiskFactors   []string `json:"risk_factors"`
}

// ScreenDetails describes an AI interface seen on screen
type ScreenDetails struct {
	ScreenshotHash   string   `json:"screenshot_hash"`
	DetectedElements []string `json:"detected_elements"`
	Confidence       float64  `json:"confidence"`
	InterfaceType    string   `json:"ai_interface_type"`
}

// OutputDetails describes text that reads as machine generated
type OutputDetails struct {
	SampleSource   string   `json:"sample_source"`
	Confidence     float64  `json:"confidence"`
	Reasons        []string `json:"reasons"`
	PatternMatches int      `json:"pattern_matches"`
	KeywordDensity float64  `json:"keyword_density"`
}

func (ProcessDetails) Module() DetectionModule    { return ModuleProcess }
func (NetworkDetails) Module() DetectionModule    { return ModuleNetwork }
func (FilesystemDetails) Module() DetectionModule { return ModuleFilesystem }
func (BrowserDetails) Module() DetectionModule    { return ModuleBrowser }
func (ScreenDetails) Module() DetectionModule     { return ModuleScreen }
func (OutputDetails) Module() DetectionModule     { return ModuleOutput }

func (ProcessDetails) details()    {}
func (NetworkDetails) details()    {}
func (FilesystemDetails) details() {}
func (BrowserDetails) details()    {}
func (ScreenDetails) details()     {}
func (OutputDetails) details()     {}

// DetectionEvent is a single finding produced by a detector scan. Events are
// immutable once built by NewDetectionEvent.
type DetectionEvent struct {
	ID            string            `json:"id"`
	DetectionType string            `json:"detection_type"`
	Module        DetectionModule   `json:"module"`
	ThreatLevel   ThreatLevel       `json:"threat_level"`
	Description   string            `json:"description"`
	Details       Details           `json:"details"`
	Timestamp     time.Time         `json:"timestamp"`
	Source        string            `json:"source,omitempty"`
	Metadata      map[string]string `json:"metadata"`
}

// NewDetectionEvent builds an event; the module is taken from the details
// variant so the two can never disagree.
func NewDetectionEvent(detectionType string, level ThreatLevel, description string, details Details, source string, metadata map[string]string) *DetectionEvent {
	md := make(map[string]string, len(metadata))
	maps.Copy(md, metadata)

	return &DetectionEvent{
		ID:            uuid.New().String(),
		DetectionType: detectionType,
		Module:        details.Module(),
		ThreatLevel:   level,
		Description:   description,
		Details:       details,
		Timestamp:     time.Now().UTC(),
		Source:        source,
		Metadata:      md,
	}
}

func (e *DetectionEvent) RecordKind() string { return "detection" }
func (e *DetectionEvent) RecordID() string   { return e.ID }

// UnmarshalJSON decodes the details into the variant named by module
func (e *DetectionEvent) UnmarshalJSON(data []byte) error {
	type plain DetectionEvent
	aux := struct {
		*plain
		Details json.RawMessage `json:"details"`
	}{plain: (*plain)(e)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	e.Details = nil
	if len(aux.Details) == 0 || string(aux.Details) == "null" {
		return nil
	}

	var err error
	switch e.Module {
	case ModuleProcess:
		e.Details, err = decodeDetails[ProcessDetails](aux.Details)
	case ModuleNetwork:
		e.Details, err = decodeDetails[NetworkDetails](aux.Details)
	case ModuleFilesystem:
		e.Details, err = decodeDetails[FilesystemDetails](aux.Details)
	case ModuleBrowser:
		e.Details, err = decodeDetails[BrowserDetails](aux.Details)
	case ModuleScreen:
		e.Details, err = decodeDetails[ScreenDetails](aux.Details)
	case ModuleOutput:
		e.Details, err = decodeDetails[OutputDetails](aux.Details)
	default:
		return fmt.Errorf("unknown detection module %q", e.Module)
	}
	return err
}

func decodeDetails[T Details](raw json.RawMessage) (Details, error) {
	var d T
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("failed to decode %s details: %w", d.Module(), err)
	}
	return d, nil
}

// MetadataValue returns a metadata entry
func (e *DetectionEvent) MetadataValue(key string) (string, bool) {
	v, ok := e.Metadata[key]
	return v, ok
}

// NormalizedType maps the event's module to the correlation event type
func (e *DetectionEvent) NormalizedType() string {
	switch e.Details.(type) {
	case ProcessDetails:
		return "process_suspicion"
	case NetworkDetails:
		return "network_suspicion"
	case FilesystemDetails:
		return "fs_suspicion"
	case BrowserDetails:
		return "browser_suspicion"
	case ScreenDetails:
		return "screensharing_suspicion"
	case OutputDetails:
		return "output_suspicion"
	default:
		return "unknown"
	}
}

// Normalize projects the event into the subject-scoped form used by correlation
func (e *DetectionEvent) Normalize(subjectID string) NormalizedEvent {
	payload, err := json.Marshal(e.Details)
	if err != nil {
		payload = []byte("{}")
	}
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return NormalizedEvent{
		EventType: e.NormalizedType(),
		Timestamp: ts,
		SubjectID: subjectID,
		Payload:   string(payload),
	}
}

// NormalizedEvent is the module-independent view of an event
type NormalizedEvent struct {
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
	SubjectID string    `json:"subject_id"`
	Payload   string    `json:"payload"`
}

// CorrelatedEvent is a composite alert produced when a correlation rule fires.
// Events is an owned copy of the buffer at the time the rule fired.
type CorrelatedEvent struct {
	EventType   string            `json:"event_type"`
	Timestamp   time.Time         `json:"timestamp"`
	SubjectID   string            `json:"subject_id"`
	Confidence  float64           `json:"confidence"`
	Description string            `json:"description"`
	Events      []NormalizedEvent `json:"correlated_events"`
}
