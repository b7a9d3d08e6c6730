package model

import (
	"time"

	"github.com/google/uuid"
)

// Alert severities
const (
	SeverityCritical = "critical"
	SeverityWarning  = "warning"
)

// Record is anything the persistence collaborator can store
type Record interface {
	RecordKind() string
	RecordID() string
}

// Alert represents an alert raised by correlation or by a session monitor
type Alert struct {
	ID             string                 `json:"id"`
	SessionID      string                 `json:"session_id"`
	AlertType      string                 `json:"alert_type"`
	Severity       string                 `json:"severity"` // warning, critical
	Message        string                 `json:"message"`
	Metadata       map[string]interface{} `json:"metadata"`
	CreatedAt      time.Time              `json:"created_at"`
	AcknowledgedAt *time.Time             `json:"acknowledged_at"`
	AcknowledgedBy *string                `json:"acknowledged_by"`
}

// NewAlert creates an unacknowledged alert
func NewAlert(sessionID, alertType, severity, message string, metadata map[string]interface{}) *Alert {
	return &Alert{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		AlertType: alertType,
		Severity:  severity,
		Message:   message,
		Metadata:  metadata,
		CreatedAt: time.Now().UTC(),
	}
}

func (a *Alert) RecordKind() string { return "alert" }
func (a *Alert) RecordID() string   { return a.ID }

// BamDetectionResult is the outcome of one behavioral check cycle
type BamDetectionResult struct {
	AIDetected   bool      `json:"ai_detected"`
	Confidence   float64   `json:"confidence"`
	AnomalyScore float64   `json:"anomaly_score"`
	Status       string    `json:"status"`
	Latencies    []float64 `json:"latencies"`
	MeanLatency  float64   `json:"mean_latency"`
}

// BamResultLog is the persisted form of a behavioral check
type BamResultLog struct {
	ID           string    `json:"id"`
	SessionID    string    `json:"session_id"`
	Latencies    []float64 `json:"latencies"`
	MeanLatency  float64   `json:"mean_latency"`
	AnomalyScore float64   `json:"anomaly_score"`
	IsAILike     bool      `json:"is_ai_like"`
	Confidence   float64   `json:"confidence"`
	CreatedAt    time.Time `json:"created_at"`
}

// NewBamResultLog converts a check result into its persisted form
func NewBamResultLog(sessionID string, result *BamDetectionResult) *BamResultLog {
	latencies := make([]float64, len(result.Latencies))
	copy(latencies, result.Latencies)

	return &BamResultLog{
		ID:           uuid.New().String(),
		SessionID:    sessionID,
		Latencies:    latencies,
		MeanLatency:  result.MeanLatency,
		AnomalyScore: result.AnomalyScore,
		IsAILike:     result.AIDetected,
		Confidence:   result.Confidence,
		CreatedAt:    time.Now().UTC(),
	}
}

func (r *BamResultLog) RecordKind() string { return "bam_result" }
func (r *BamResultLog) RecordID() string   { return r.ID }

// Session statuses
const (
	SessionActive = "active"
	SessionEnded  = "ended"
)

// SessionLog is the externally owned record of a supervised session
type SessionLog struct {
	ID                  string     `json:"id"`
	StartedAt           time.Time  `json:"started_at"`
	EndedAt             *time.Time `json:"ended_at"`
	Status              string     `json:"status"`
	SuspiciousProcesses []string   `json:"suspicious_processes"`
	BamAnomalyScore     *float64   `json:"bam_anomaly_score"`
	BamIsAILike         *bool      `json:"bam_is_ai_like"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

func (s *SessionLog) RecordKind() string { return "session" }
func (s *SessionLog) RecordID() string   { return s.ID }
