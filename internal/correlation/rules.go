package correlation

import (
	"strings"
	"time"

	"github.com/sgerhart/aegisflux/backend/integrity/internal/model"
)

// Correlated event types
const (
	TypeAIUsageHighConfidence = "AI_Usage_High_Confidence"
	TypeMultipleSuspicious    = "Multiple_Suspicious_Activities"
	TypeDataExfiltration      = "Data_Exfiltration_Attempt"
)

// Normalized event types the rules look at
const (
	EventProcessSuspicion = "process_suspicion"
	EventNetworkSuspicion = "network_suspicion"
	EventFSSuspicion      = "fs_suspicion"
	EventOutputSuspicion  = "output_suspicion"
)

// Rule is one correlation rule. Match sees the subject's retained buffer,
// which already contains the new event as its last element.
type Rule struct {
	Name        string
	EventType   string
	Confidence  float64
	Description string
	Match       func(newEvent model.NormalizedEvent, buffer []model.NormalizedEvent, now time.Time) bool
}

// DefaultRules returns the built-in rules in priority order
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:        "R1",
			EventType:   TypeAIUsageHighConfidence,
			Confidence:  0.9,
			Description: "High confidence AI tool usage detected (process + output)",
			Match: func(newEvent model.NormalizedEvent, buffer []model.NormalizedEvent, now time.Time) bool {
				return newEvent.EventType == EventOutputSuspicion &&
					containsRecent(buffer, EventProcessSuspicion, now.Add(-30*time.Second))
			},
		},
		{
			Name:        "R2",
			EventType:   TypeMultipleSuspicious,
			Confidence:  0.8,
			Description: "Multiple distinct suspicious activities detected in a short period.",
			Match: func(_ model.NormalizedEvent, buffer []model.NormalizedEvent, _ time.Time) bool {
				count := 0
				for _, ev := range buffer {
					if strings.Contains(ev.EventType, "suspicion") || strings.Contains(ev.EventType, "AI") {
						count++
					}
				}
				return count >= 3
			},
		},
		{
			Name:        "R3",
			EventType:   TypeDataExfiltration,
			Confidence:  0.95,
			Description: "Suspicious network activity followed by suspicious file system activity (potential data exfiltration).",
			Match: func(newEvent model.NormalizedEvent, buffer []model.NormalizedEvent, now time.Time) bool {
				return newEvent.EventType == EventFSSuspicion &&
					containsRecent(buffer, EventNetworkSuspicion, now.Add(-10*time.Second))
			},
		},
	}
}

// containsRecent reports whether buffer holds an event of eventType newer than cutoff
func containsRecent(buffer []model.NormalizedEvent, eventType string, cutoff time.Time) bool {
	for i := len(buffer) - 1; i >= 0; i-- {
		if buffer[i].EventType == eventType && buffer[i].Timestamp.After(cutoff) {
			return true
		}
	}
	return false
}
