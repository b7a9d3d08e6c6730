package config

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sgerhart/aegisflux/backend/integrity/internal/model"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 60*time.Second, cfg.Correlation.Window())
	assert.Equal(t, 0.75, cfg.Correlation.MinConfidenceForAlert)
	assert.Equal(t, 100*time.Millisecond, cfg.Bam.PollInterval())
	assert.Equal(t, 1000, cfg.Bus.Capacity)

	for _, m := range model.AllModules {
		assert.Equal(t, m != model.ModuleScreen, cfg.Detection.ModuleEnabled(m), "module %s", m)
	}
	assert.Equal(t, 2*time.Second, cfg.Detection.ScanInterval(model.ModuleProcess))
	assert.Equal(t, 10*time.Second, cfg.Detection.ScanInterval(model.ModuleBrowser))
	assert.Equal(t, []string{".ai", ".gpt", ".llm", ".assistant"}, cfg.Detection.Filesystem.SuspiciousExtensions)
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "integrity.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
subject_id: exam-42
correlation:
  window_seconds: 120
bam:
  anomaly_score_threshold: 0.6
`), 0o644))

	t.Setenv("INTEGRITY_BAM_THRESHOLD", "0.9")
	t.Setenv("INTEGRITY_MODULE_SCREEN", "true")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "exam-42", cfg.SubjectID)
	assert.Equal(t, 120, cfg.Correlation.WindowSeconds)
	assert.Equal(t, 0.9, cfg.Bam.AnomalyScoreThreshold)
	assert.Equal(t, 100, cfg.Bam.PollIntervalMs)
	assert.True(t, cfg.Detection.ModuleEnabled(model.ModuleScreen))
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"empty subject", func(c *Config) { c.SubjectID = "" }, "subject_id"},
		{"zero window", func(c *Config) { c.Correlation.WindowSeconds = 0 }, "correlation.window_seconds"},
		{"confidence above one", func(c *Config) { c.Correlation.MinConfidenceForAlert = 1.5 }, "correlation.min_confidence_for_alert"},
		{"negative threshold", func(c *Config) { c.Bam.AnomalyScoreThreshold = -0.1 }, "bam.anomaly_score_threshold"},
		{"enabled module without interval", func(c *Config) { c.Detection.ScanIntervalsMs[model.ModuleProcess] = 0 }, "detection.scan_intervals_ms.process"},
		{"unknown module", func(c *Config) { c.Detection.EnabledModules["audio"] = true }, "detection.enabled_modules"},
		{"zero bus capacity", func(c *Config) { c.Bus.Capacity = 0 }, "bus.capacity"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)

			err := cfg.Validate()
			require.Error(t, err)

			var verr *ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestClone_IsDeep(t *testing.T) {
	cfg := Default()
	clone := cfg.Clone()

	clone.Detection.EnabledModules[model.ModuleProcess] = false
	clone.Detection.Network.AIDomains[0] = "example.com"
	clone.Detection.Browser.ExtensionRoots["chrome"] = nil

	assert.True(t, cfg.Detection.EnabledModules[model.ModuleProcess])
	assert.Equal(t, "openai.com", cfg.Detection.Network.AIDomains[0])
	assert.NotNil(t, cfg.Detection.Browser.ExtensionRoots["chrome"])
}

func newTestManager() *Manager {
	return NewManager(Default(), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestManager_HandleConfigChange(t *testing.T) {
	m := newTestManager()
	before := m.Current()

	notified := make(chan *Config, 1)
	m.Subscribe(func(c *Config) { notified <- c })

	m.handleConfigChange([]byte(`{"key":"integrity.correlation.window_seconds","value":90,"updated_by":"ops"}`))

	select {
	case c := <-notified:
		assert.Equal(t, 90, c.Correlation.WindowSeconds)
	case <-time.After(time.Second):
		t.Fatal("subscriber was not notified")
	}

	assert.Equal(t, 90, m.Current().Correlation.WindowSeconds)
	assert.Equal(t, 60, before.Correlation.WindowSeconds, "previous snapshot must not change")
}

func TestManager_HandleConfigChange_Values(t *testing.T) {
	tests := []struct {
		name  string
		msg   string
		check func(t *testing.T, c *Config)
	}{
		{
			name: "string encoded threshold",
			msg:  `{"key":"integrity.bam.anomaly_score_threshold","value":"0.65"}`,
			check: func(t *testing.T, c *Config) {
				assert.Equal(t, 0.65, c.Bam.AnomalyScoreThreshold)
			},
		},
		{
			name: "enable screen module",
			msg:  `{"key":"integrity.detection.enabled.screen","value":true}`,
			check: func(t *testing.T, c *Config) {
				assert.True(t, c.Detection.ModuleEnabled(model.ModuleScreen))
			},
		},
		{
			name: "scan interval",
			msg:  `{"key":"integrity.detection.scan_interval_ms.network","value":750}`,
			check: func(t *testing.T, c *Config) {
				assert.Equal(t, 750*time.Millisecond, c.Detection.ScanInterval(model.ModuleNetwork))
			},
		},
		{
			name: "invalid confidence is rejected",
			msg:  `{"key":"integrity.correlation.min_confidence_for_alert","value":2.0}`,
			check: func(t *testing.T, c *Config) {
				assert.Equal(t, 0.75, c.Correlation.MinConfidenceForAlert)
			},
		},
		{
			name: "unknown key is ignored",
			msg:  `{"key":"correlator.max_findings","value":5}`,
			check: func(t *testing.T, c *Config) {
				assert.Equal(t, Default().Correlation, c.Correlation)
			},
		},
		{
			name: "malformed message is ignored",
			msg:  `{"key":`,
			check: func(t *testing.T, c *Config) {
				assert.Equal(t, 60, c.Correlation.WindowSeconds)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestManager()
			m.handleConfigChange([]byte(tt.msg))
			tt.check(t, m.Current())
		})
	}
}

func TestManager_Update_Rejects(t *testing.T) {
	m := newTestManager()
	bad := Default()
	bad.Bus.Capacity = -1

	assert.Error(t, m.Update(bad))
	assert.Equal(t, 1000, m.Current().Bus.Capacity)
}

func TestManager_UpdatesReachSubscribersInOrder(t *testing.T) {
	for i := 0; i < 200; i++ {
		m := newTestManager()

		var mu sync.Mutex
		var seen []int
		m.Subscribe(func(c *Config) {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, c.Correlation.WindowSeconds)
		})

		first := m.Current().Clone()
		first.Correlation.WindowSeconds = 30
		second := m.Current().Clone()
		second.Correlation.WindowSeconds = 90
		require.NoError(t, m.Update(first))
		require.NoError(t, m.Update(second))

		mu.Lock()
		require.Equal(t, []int{30, 90}, seen)
		mu.Unlock()
		require.Equal(t, 90, m.Current().Correlation.WindowSeconds)
	}
}

func TestManager_SubscriberPanicDoesNotStopOthers(t *testing.T) {
	m := newTestManager()
	var got int
	m.Subscribe(func(*Config) { panic("boom") })
	m.Subscribe(func(c *Config) { got = c.Correlation.WindowSeconds })

	next := m.Current().Clone()
	next.Correlation.WindowSeconds = 45
	require.NoError(t, m.Update(next))
	assert.Equal(t, 45, got)
}

func TestLoad_NullModuleMaps(t *testing.T) {
	dir := t.TempDir()

	disabled := filepath.Join(dir, "disabled.yaml")
	require.NoError(t, os.WriteFile(disabled, []byte("detection:\n  enabled_modules: null\n"), 0o644))
	cfg, err := Load(disabled)
	require.NoError(t, err)
	for _, m := range model.AllModules {
		assert.False(t, cfg.Detection.ModuleEnabled(m), "module %s", m)
	}

	m := NewManager(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	m.handleConfigChange([]byte(`{"key":"integrity.detection.enabled.process","value":true}`))
	assert.True(t, m.Current().Detection.ModuleEnabled(model.ModuleProcess))

	noIntervals := filepath.Join(dir, "no-intervals.yaml")
	require.NoError(t, os.WriteFile(noIntervals, []byte("detection:\n  scan_intervals_ms: null\n"), 0o644))
	_, err = Load(noIntervals)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Field, "detection.scan_intervals_ms")
}
