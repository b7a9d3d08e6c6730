package config

import (
	"fmt"
	"maps"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sgerhart/aegisflux/backend/integrity/internal/model"
)

// Config holds the integrity service configuration
type Config struct {
	LogLevel  string `yaml:"log_level" json:"log_level"`
	HTTPAddr  string `yaml:"http_addr" json:"http_addr"`
	NATSURL   string `yaml:"nats_url" json:"nats_url"`
	SubjectID string `yaml:"subject_id" json:"subject_id"`
	LogsDir   string `yaml:"logs_dir" json:"logs_dir"`

	Detection   DetectionConfig   `yaml:"detection" json:"detection"`
	Correlation CorrelationConfig `yaml:"correlation" json:"correlation"`
	Bam         BamConfig         `yaml:"bam" json:"bam"`
	Bus         BusConfig         `yaml:"bus" json:"bus"`
	Store       StoreConfig       `yaml:"store" json:"store"`
}

// DetectionConfig controls which detectors run and how often
type DetectionConfig struct {
	EnabledModules  map[model.DetectionModule]bool `yaml:"enabled_modules" json:"enabled_modules"`
	ScanIntervalsMs map[model.DetectionModule]int  `yaml:"scan_intervals_ms" json:"scan_intervals_ms"`

	Process    ProcessConfig    `yaml:"process" json:"process"`
	Network    NetworkConfig    `yaml:"network" json:"network"`
	Filesystem FilesystemConfig `yaml:"filesystem" json:"filesystem"`
	Browser    BrowserConfig    `yaml:"browser" json:"browser"`
	Screen     ScreenConfig     `yaml:"screen" json:"screen"`
	Output     OutputConfig     `yaml:"output" json:"output"`
}

// ProcessConfig configures the process detector
type ProcessConfig struct {
	KnownAIProcesses   []string `yaml:"known_ai_processes" json:"known_ai_processes"`
	AIKeywords         []string `yaml:"ai_keywords" json:"ai_keywords"`
	CommandPatterns    []string `yaml:"command_patterns" json:"command_patterns"`
	AILibraries        []string `yaml:"ai_libraries" json:"ai_libraries"`
	Whitelist          []string `yaml:"whitelist" json:"whitelist"`
	MonitorCommandLine bool     `yaml:"monitor_command_line" json:"monitor_command_line"`
}

// NetworkConfig configures the network detector
type NetworkConfig struct {
	AIDomains      []string `yaml:"ai_domains" json:"ai_domains"`
	BlockedIPs     []string `yaml:"blocked_ips" json:"blocked_ips"`
	ResolveDomains bool     `yaml:"resolve_domains" json:"resolve_domains"`
}

// FilesystemConfig configures the filesystem detector
type FilesystemConfig struct {
	WatchDirectories     []string `yaml:"watch_directories" json:"watch_directories"`
	SuspiciousExtensions []string `yaml:"suspicious_extensions" json:"suspicious_extensions"`
	SuspiciousFilenames  []string `yaml:"suspicious_filenames" json:"suspicious_filenames"`
	ContentPatterns      []string `yaml:"content_patterns" json:"content_patterns"`
	MaxDepth             int      `yaml:"max_depth" json:"max_depth"`
	MaxContentBytes      int64    `yaml:"max_content_bytes" json:"max_content_bytes"`
}

// BrowserConfig configures the browser extension detector
type BrowserConfig struct {
	ExtensionRoots        map[string][]string `yaml:"extension_roots" json:"extension_roots"`
	KnownAIExtensions     map[string]string   `yaml:"known_ai_extensions" json:"known_ai_extensions"`
	SuspiciousPermissions []string            `yaml:"suspicious_permissions" json:"suspicious_permissions"`
}

// ScreenConfig configures the screen detector
type ScreenConfig struct {
	ConfidenceThreshold float64 `yaml:"confidence_threshold" json:"confidence_threshold"`
}

// OutputConfig configures the output analysis detector
type OutputConfig struct {
	SuspiciousPhrases   []string `yaml:"suspicious_phrases" json:"suspicious_phrases"`
	ConfidenceThreshold float64  `yaml:"confidence_threshold" json:"confidence_threshold"`
}

// CorrelationConfig configures the correlation engine
type CorrelationConfig struct {
	WindowSeconds         int     `yaml:"window_seconds" json:"window_seconds"`
	MinConfidenceForAlert float64 `yaml:"min_confidence_for_alert" json:"min_confidence_for_alert"`
	MaxEventsPerSubject   int     `yaml:"max_events_per_subject" json:"max_events_per_subject"`
	GCIntervalSeconds     int     `yaml:"gc_interval_seconds" json:"gc_interval_seconds"`
}

// BamConfig configures the behavioral session monitors
type BamConfig struct {
	CheckIntervalSeconds  int     `yaml:"check_interval_seconds" json:"check_interval_seconds"`
	AnomalyScoreThreshold float64 `yaml:"anomaly_score_threshold" json:"anomaly_score_threshold"`
	PollIntervalMs        int     `yaml:"poll_interval_ms" json:"poll_interval_ms"`
	PythonPath            string  `yaml:"python_path" json:"python_path"`
	ScriptPath            string  `yaml:"script_path" json:"script_path"`
	ScriptTimeoutSeconds  int     `yaml:"script_timeout_seconds" json:"script_timeout_seconds"`
	AutoStart             bool    `yaml:"auto_start" json:"auto_start"`
}

// BusConfig configures the event buses
type BusConfig struct {
	Capacity      int `yaml:"capacity" json:"capacity"`
	SendTimeoutMs int `yaml:"send_timeout_ms" json:"send_timeout_ms"`
}

// StoreConfig configures the in-memory alert store
type StoreConfig struct {
	MaxAlerts             int `yaml:"max_alerts" json:"max_alerts"`
	DedupeCap             int `yaml:"dedupe_cap" json:"dedupe_cap"`
	DedupeCooldownSeconds int `yaml:"dedupe_cooldown_seconds" json:"dedupe_cooldown_seconds"`
}

// Window returns the correlation window
func (c CorrelationConfig) Window() time.Duration {
	return time.Duration(c.WindowSeconds) * time.Second
}

// CheckInterval returns the behavioral check interval
func (c BamConfig) CheckInterval() time.Duration {
	return time.Duration(c.CheckIntervalSeconds) * time.Second
}

// PollInterval returns the monitor loop poll interval
func (c BamConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// SendTimeout returns how long a blocking publish waits for a slow subscriber
func (c BusConfig) SendTimeout() time.Duration {
	return time.Duration(c.SendTimeoutMs) * time.Millisecond
}

// ModuleEnabled reports whether a detection module is switched on
func (c DetectionConfig) ModuleEnabled(m model.DetectionModule) bool {
	return c.EnabledModules[m]
}

// ensureMaps replaces maps a config file set to null
func (c *DetectionConfig) ensureMaps() {
	if c.EnabledModules == nil {
		c.EnabledModules = make(map[model.DetectionModule]bool)
	}
	if c.ScanIntervalsMs == nil {
		c.ScanIntervalsMs = make(map[model.DetectionModule]int)
	}
}

// ScanInterval returns the scan interval for a module
func (c DetectionConfig) ScanInterval(m model.DetectionModule) time.Duration {
	return time.Duration(c.ScanIntervalsMs[m]) * time.Millisecond
}

// Load builds the configuration from defaults, an optional YAML file and
// INTEGRITY_* environment variables, then validates it.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// applyEnv overlays environment variables onto the configuration
func (c *Config) applyEnv() {
	c.LogLevel = getEnv("INTEGRITY_LOG_LEVEL", c.LogLevel)
	c.HTTPAddr = getEnv("INTEGRITY_HTTP_ADDR", c.HTTPAddr)
	c.NATSURL = getEnv("INTEGRITY_NATS_URL", c.NATSURL)
	c.SubjectID = getEnv("INTEGRITY_SUBJECT_ID", c.SubjectID)
	c.LogsDir = getEnv("INTEGRITY_LOGS_DIR", c.LogsDir)

	c.Correlation.WindowSeconds = getEnvInt("INTEGRITY_CORRELATION_WINDOW_SEC", c.Correlation.WindowSeconds)
	c.Correlation.MinConfidenceForAlert = getEnvFloat64("INTEGRITY_MIN_CONFIDENCE", c.Correlation.MinConfidenceForAlert)

	c.Bam.CheckIntervalSeconds = getEnvInt("INTEGRITY_BAM_CHECK_INTERVAL_SEC", c.Bam.CheckIntervalSeconds)
	c.Bam.AnomalyScoreThreshold = getEnvFloat64("INTEGRITY_BAM_THRESHOLD", c.Bam.AnomalyScoreThreshold)
	c.Bam.ScriptPath = getEnv("INTEGRITY_BAM_SCRIPT", c.Bam.ScriptPath)
	c.Bam.AutoStart = getEnvBool("INTEGRITY_BAM_AUTO_START", c.Bam.AutoStart)

	c.Bus.Capacity = getEnvInt("INTEGRITY_BUS_CAPACITY", c.Bus.Capacity)

	c.Detection.ensureMaps()
	for _, m := range model.AllModules {
		key := "INTEGRITY_MODULE_" + strings.ToUpper(string(m))
		c.Detection.EnabledModules[m] = getEnvBool(key, c.Detection.EnabledModules[m])
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.SubjectID == "" {
		return &ValidationError{Field: "subject_id", Message: "subject id cannot be empty"}
	}
	if c.LogsDir == "" {
		return &ValidationError{Field: "logs_dir", Message: "logs directory cannot be empty"}
	}
	for m := range c.Detection.EnabledModules {
		if !m.Valid() {
			return &ValidationError{Field: "detection.enabled_modules", Message: fmt.Sprintf("unknown module %q", m)}
		}
	}
	for _, m := range model.AllModules {
		if c.Detection.EnabledModules[m] && c.Detection.ScanIntervalsMs[m] <= 0 {
			return &ValidationError{Field: "detection.scan_intervals_ms." + string(m), Message: "scan interval must be positive"}
		}
	}
	if c.Correlation.WindowSeconds <= 0 {
		return &ValidationError{Field: "correlation.window_seconds", Message: "window must be positive"}
	}
	if c.Correlation.MinConfidenceForAlert < 0.0 || c.Correlation.MinConfidenceForAlert > 1.0 {
		return &ValidationError{Field: "correlation.min_confidence_for_alert", Message: "confidence must be between 0.0 and 1.0"}
	}
	if c.Correlation.MaxEventsPerSubject <= 0 {
		return &ValidationError{Field: "correlation.max_events_per_subject", Message: "must be positive"}
	}
	if c.Bam.CheckIntervalSeconds <= 0 {
		return &ValidationError{Field: "bam.check_interval_seconds", Message: "check interval must be positive"}
	}
	if c.Bam.PollIntervalMs <= 0 {
		return &ValidationError{Field: "bam.poll_interval_ms", Message: "poll interval must be positive"}
	}
	if c.Bam.AnomalyScoreThreshold < 0.0 || c.Bam.AnomalyScoreThreshold > 1.0 {
		return &ValidationError{Field: "bam.anomaly_score_threshold", Message: "threshold must be between 0.0 and 1.0"}
	}
	if c.Bus.Capacity <= 0 {
		return &ValidationError{Field: "bus.capacity", Message: "capacity must be positive"}
	}
	if c.Store.MaxAlerts <= 0 || c.Store.DedupeCap <= 0 {
		return &ValidationError{Field: "store", Message: "max_alerts and dedupe_cap must be positive"}
	}
	return nil
}

// Clone returns a deep copy of the configuration
func (c *Config) Clone() *Config {
	out := *c

	out.Detection.EnabledModules = maps.Clone(c.Detection.EnabledModules)
	out.Detection.ScanIntervalsMs = maps.Clone(c.Detection.ScanIntervalsMs)

	out.Detection.Process.KnownAIProcesses = slices.Clone(c.Detection.Process.KnownAIProcesses)
	out.Detection.Process.AIKeywords = slices.Clone(c.Detection.Process.AIKeywords)
	out.Detection.Process.CommandPatterns = slices.Clone(c.Detection.Process.CommandPatterns)
	out.Detection.Process.AILibraries = slices.Clone(c.Detection.Process.AILibraries)
	out.Detection.Process.Whitelist = slices.Clone(c.Detection.Process.Whitelist)

	out.Detection.Network.AIDomains = slices.Clone(c.Detection.Network.AIDomains)
	out.Detection.Network.BlockedIPs = slices.Clone(c.Detection.Network.BlockedIPs)

	out.Detection.Filesystem.WatchDirectories = slices.Clone(c.Detection.Filesystem.WatchDirectories)
	out.Detection.Filesystem.SuspiciousExtensions = slices.Clone(c.Detection.Filesystem.SuspiciousExtensions)
	out.Detection.Filesystem.SuspiciousFilenames = slices.Clone(c.Detection.Filesystem.SuspiciousFilenames)
	out.Detection.Filesystem.ContentPatterns = slices.Clone(c.Detection.Filesystem.ContentPatterns)

	out.Detection.Browser.ExtensionRoots = make(map[string][]string, len(c.Detection.Browser.ExtensionRoots))
	for browser, roots := range c.Detection.Browser.ExtensionRoots {
		out.Detection.Browser.ExtensionRoots[browser] = slices.Clone(roots)
	}
	out.Detection.Browser.KnownAIExtensions = maps.Clone(c.Detection.Browser.KnownAIExtensions)
	out.Detection.Browser.SuspiciousPermissions = slices.Clone(c.Detection.Browser.SuspiciousPermissions)

	out.Detection.Output.SuspiciousPhrases = slices.Clone(c.Detection.Output.SuspiciousPhrases)

	return &out
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an integer environment variable with a default value
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvFloat64 gets a float64 environment variable with a default value
func getEnvFloat64(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

// getEnvBool gets a bool environment variable with a default value
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
