package model

import (
	"fmt"
	"strings"
)

// ThreatLevel ranks how serious a detection is. The integer order is the
// ranking: Critical > High > Medium > Low > Info > Unknown.
type ThreatLevel int

const (
	ThreatUnknown ThreatLevel = iota
	ThreatInfo
	ThreatLow
	ThreatMedium
	ThreatHigh
	ThreatCritical
)

var threatLevelNames = map[ThreatLevel]string{
	ThreatUnknown:  "unknown",
	ThreatInfo:     "info",
	ThreatLow:      "low",
	ThreatMedium:   "medium",
	ThreatHigh:     "high",
	ThreatCritical: "critical",
}

// String returns the lowercase name of the level
func (l ThreatLevel) String() string {
	if name, ok := threatLevelNames[l]; ok {
		return name
	}
	return "unknown"
}

// ParseThreatLevel converts a level name into a ThreatLevel
func ParseThreatLevel(s string) (ThreatLevel, error) {
	want := strings.ToLower(strings.TrimSpace(s))
	for level, name := range threatLevelNames {
		if name == want {
			return level, nil
		}
	}
	return ThreatUnknown, fmt.Errorf("invalid threat level %q", s)
}

// Compare returns -1, 0 or 1 depending on whether l ranks below, equal to or above other
func (l ThreatLevel) Compare(other ThreatLevel) int {
	switch {
	case l < other:
		return -1
	case l > other:
		return 1
	default:
		return 0
	}
}

// AtLeast reports whether l ranks at or above min
func (l ThreatLevel) AtLeast(min ThreatLevel) bool {
	return l >= min
}

// MaxThreatLevel returns the highest of the given levels, ThreatUnknown if none
func MaxThreatLevel(levels ...ThreatLevel) ThreatLevel {
	max := ThreatUnknown
	for _, l := range levels {
		if l > max {
			max = l
		}
	}
	return max
}

// MarshalText implements encoding.TextMarshaler
func (l ThreatLevel) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (l *ThreatLevel) UnmarshalText(text []byte) error {
	parsed, err := ParseThreatLevel(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// FilterByMinLevel returns the events whose threat level is at least min,
// preserving their order.
func FilterByMinLevel(events []*DetectionEvent, min ThreatLevel) []*DetectionEvent {
	var filtered []*DetectionEvent
	for _, ev := range events {
		if ev != nil && ev.ThreatLevel.AtLeast(min) {
			filtered = append(filtered, ev)
		}
	}
	return filtered
}
