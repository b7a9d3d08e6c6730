package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/sgerhart/aegisflux/backend/integrity/internal/model"
)

// ConfigChangedSubject is the NATS subject carrying live configuration changes
const ConfigChangedSubject = "config.changed"

// Provider supplies the current configuration snapshot
type Provider interface {
	Current() *Config
}

// Subscriber is the subset of *nats.Conn the manager needs
type Subscriber interface {
	Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error)
}

// Manager holds the live configuration and notifies subscribers on change.
// Snapshots handed out are never mutated; every change builds a new one.
type Manager struct {
	logger      *slog.Logger
	current     *Config
	mu          sync.RWMutex
	subscribers []func(*Config)

	// updateMu serializes install and notification so subscribers see
	// snapshots in the order they were installed
	updateMu sync.Mutex
}

// ConfigChangeMessage represents a configuration change from NATS
type ConfigChangeMessage struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	UpdatedBy string          `json:"updated_by"`
	Timestamp int64           `json:"timestamp"`
}

// NewManager creates a manager seeded with an already validated configuration
func NewManager(initial *Config, logger *slog.Logger) *Manager {
	return &Manager{
		logger:  logger,
		current: initial,
	}
}

// Current returns the current configuration snapshot. Callers must treat it as read-only.
func (m *Manager) Current() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Subscribe adds a callback invoked with every new snapshot
func (m *Manager) Subscribe(callback func(*Config)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers = append(m.subscribers, callback)
}

// Update validates and installs a new snapshot
func (m *Manager) Update(cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("rejecting configuration update: %w", err)
	}

	m.updateMu.Lock()
	defer m.updateMu.Unlock()

	m.mu.Lock()
	m.current = cfg
	m.mu.Unlock()

	m.notifySubscribers(cfg)
	return nil
}

// SubscribeNATS applies changes published on config.changed
func (m *Manager) SubscribeNATS(nc Subscriber) error {
	_, err := nc.Subscribe(ConfigChangedSubject, func(msg *nats.Msg) {
		m.handleConfigChange(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", ConfigChangedSubject, err)
	}

	m.logger.Info("Subscribed to config changes", "subject", ConfigChangedSubject)
	return nil
}

// handleConfigChange processes incoming configuration change messages
func (m *Manager) handleConfigChange(data []byte) {
	var change ConfigChangeMessage
	if err := json.Unmarshal(data, &change); err != nil {
		m.logger.Error("Failed to unmarshal config change message", "error", err)
		return
	}

	m.logger.Info("Received configuration change",
		"key", change.Key,
		"updated_by", change.UpdatedBy,
		"timestamp", change.Timestamp)

	next := m.Current().Clone()
	if !m.applyConfigChange(next, &change) {
		return
	}

	if err := m.Update(next); err != nil {
		m.logger.Warn("Configuration change rejected", "key", change.Key, "error", err)
		return
	}

	m.logger.Info("Configuration updated live",
		"key", change.Key,
		"window_seconds", next.Correlation.WindowSeconds,
		"min_confidence", next.Correlation.MinConfidenceForAlert,
		"bam_interval_seconds", next.Bam.CheckIntervalSeconds,
		"bam_threshold", next.Bam.AnomalyScoreThreshold)
}

// applyConfigChange applies a single key to cfg and reports whether the key was recognized
func (m *Manager) applyConfigChange(cfg *Config, change *ConfigChangeMessage) bool {
	switch {
	case change.Key == "integrity.log_level":
		var level string
		if err := json.Unmarshal(change.Value, &level); err != nil {
			level = string(change.Value)
		}
		cfg.LogLevel = level
	case change.Key == "integrity.correlation.window_seconds":
		return decodeInt(change.Value, &cfg.Correlation.WindowSeconds)
	case change.Key == "integrity.correlation.min_confidence_for_alert":
		return decodeFloat(change.Value, &cfg.Correlation.MinConfidenceForAlert)
	case change.Key == "integrity.bam.check_interval_seconds":
		return decodeInt(change.Value, &cfg.Bam.CheckIntervalSeconds)
	case change.Key == "integrity.bam.anomaly_score_threshold":
		return decodeFloat(change.Value, &cfg.Bam.AnomalyScoreThreshold)
	case strings.HasPrefix(change.Key, "integrity.detection.enabled."):
		module := model.DetectionModule(strings.TrimPrefix(change.Key, "integrity.detection.enabled."))
		if !module.Valid() {
			m.logger.Debug("Ignoring unknown detection module", "key", change.Key)
			return false
		}
		var enabled bool
		if err := json.Unmarshal(change.Value, &enabled); err != nil {
			str := string(change.Value)
			enabled = str == "true" || str == "1"
		}
		cfg.Detection.ensureMaps()
		cfg.Detection.EnabledModules[module] = enabled
	case strings.HasPrefix(change.Key, "integrity.detection.scan_interval_ms."):
		module := model.DetectionModule(strings.TrimPrefix(change.Key, "integrity.detection.scan_interval_ms."))
		if !module.Valid() {
			m.logger.Debug("Ignoring unknown detection module", "key", change.Key)
			return false
		}
		var interval int
		if !decodeInt(change.Value, &interval) {
			return false
		}
		cfg.Detection.ensureMaps()
		cfg.Detection.ScanIntervalsMs[module] = interval
	default:
		m.logger.Debug("Ignoring unknown configuration key", "key", change.Key)
		return false
	}
	return true
}

// notifySubscribers calls every subscriber in registration order on the
// caller's goroutine. Subscribers must not call Update.
func (m *Manager) notifySubscribers(cfg *Config) {
	m.mu.RLock()
	subscribers := make([]func(*Config), len(m.subscribers))
	copy(subscribers, m.subscribers)
	m.mu.RUnlock()

	for _, callback := range subscribers {
		m.notify(callback, cfg)
	}
}

func (m *Manager) notify(cb func(*Config), cfg *Config) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Panic in config subscriber callback", "panic", r)
		}
	}()
	cb(cfg)
}

func decodeInt(raw json.RawMessage, dst *int) bool {
	var v int
	if err := json.Unmarshal(raw, &v); err == nil {
		*dst = v
		return true
	}
	if v, err := strconv.Atoi(strings.Trim(string(raw), `"`)); err == nil {
		*dst = v
		return true
	}
	return false
}

func decodeFloat(raw json.RawMessage, dst *float64) bool {
	var v float64
	if err := json.Unmarshal(raw, &v); err == nil {
		*dst = v
		return true
	}
	if v, err := strconv.ParseFloat(strings.Trim(string(raw), `"`), 64); err == nil {
		*dst = v
		return true
	}
	return false
}
