package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sgerhart/aegisflux/backend/integrity/internal/detection"
	"github.com/sgerhart/aegisflux/backend/integrity/internal/metrics"
	"github.com/sgerhart/aegisflux/backend/integrity/internal/model"
	"github.com/sgerhart/aegisflux/backend/integrity/internal/sink"
	"github.com/sgerhart/aegisflux/backend/integrity/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeMonitors struct {
	mu     sync.Mutex
	active map[string]bool
}

func (f *fakeMonitors) Start(id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.active[id] {
		return false, nil
	}
	f.active[id] = true
	return true, nil
}

func (f *fakeMonitors) Stop(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.active[id] {
		return false
	}
	delete(f.active, id)
	return true
}

func (f *fakeMonitors) IsMonitoring(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active[id]
}

func (f *fakeMonitors) ActiveSessions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := []string{}
	for id := range f.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

type fakeScanner struct {
	events  []*model.DetectionEvent
	err     error
	modules []model.DetectionModule
}

func (f *fakeScanner) ScanOnce(context.Context) ([]*model.DetectionEvent, error) {
	return f.events, f.err
}

func (f *fakeScanner) ScanModule(_ context.Context, module model.DetectionModule) ([]*model.DetectionEvent, error) {
	f.modules = append(f.modules, module)
	return f.events, f.err
}

func (f *fakeScanner) Stats() detection.ScanStatistics {
	return detection.ScanStatistics{TotalScans: 3}
}

func (f *fakeScanner) Running() []model.DetectionModule {
	return []model.DetectionModule{model.ModuleProcess}
}

type testEnv struct {
	server   *Server
	files    *sink.FileSink
	alerts   *store.MemoryStore
	monitors *fakeMonitors
	scanner  *fakeScanner
	samples  *detection.TextQueue
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	files, err := sink.NewFileSink(t.TempDir(), testLogger())
	require.NoError(t, err)

	env := &testEnv{
		files:    files,
		alerts:   store.NewMemoryStore(100, 100, 0),
		monitors: &fakeMonitors{active: map[string]bool{}},
		scanner:  &fakeScanner{},
		samples:  detection.NewTextQueue(10),
	}
	env.server = NewServer(Deps{
		Sessions: files,
		Exporter: files,
		Events:   files,
		Monitors: env.monitors,
		Scanner:  env.scanner,
		Alerts:   env.alerts,
		Sink:     files,
		Samples:  env.samples,
		Metrics:  metrics.NewMetrics(),
	}, testLogger())
	return env
}

func (e *testEnv) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	rec := httptest.NewRecorder()
	e.server.ServeHTTP(rec, httptest.NewRequest(method, path, reader))

	var decoded map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))
	}
	return rec, decoded
}

func TestServer_Health(t *testing.T) {
	env := newTestEnv(t)
	rec, body := env.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", body["status"])
}

func TestServer_Metrics(t *testing.T) {
	env := newTestEnv(t)
	rec := httptest.NewRecorder()
	env.server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_MonitorLifecycle(t *testing.T) {
	env := newTestEnv(t)

	rec, body := env.do(t, http.MethodPost, "/sessions/s1/monitor", "")
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "started", body["status"])

	rec, body = env.do(t, http.MethodPost, "/sessions/s1/monitor", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "already_monitoring", body["status"])

	session, err := env.files.LoadSession("s1")
	require.NoError(t, err)
	assert.Equal(t, model.SessionActive, session.Status)
	assert.Nil(t, session.EndedAt)

	_, body = env.do(t, http.MethodGet, "/sessions/s1/monitor", "")
	assert.Equal(t, true, body["monitoring"])

	require.NoError(t, env.files.Persist(context.Background(),
		model.NewBamResultLog("s1", &model.BamDetectionResult{AIDetected: true, Confidence: 0.9, AnomalyScore: 0.82})))

	rec, body = env.do(t, http.MethodDelete, "/sessions/s1/monitor", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "stopped", body["status"])
	assert.False(t, env.monitors.IsMonitoring("s1"))

	session, err = env.files.LoadSession("s1")
	require.NoError(t, err)
	assert.Equal(t, model.SessionEnded, session.Status)
	require.NotNil(t, session.EndedAt)
	require.NotNil(t, session.BamAnomalyScore)
	assert.Equal(t, 0.82, *session.BamAnomalyScore)
	require.NotNil(t, session.BamIsAILike)
	assert.True(t, *session.BamIsAILike)

	rec, _ = env.do(t, http.MethodDelete, "/sessions/s1/monitor", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_Sessions(t *testing.T) {
	env := newTestEnv(t)

	rec, body := env.do(t, http.MethodGet, "/sessions", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, body["sessions"])

	env.do(t, http.MethodPost, "/sessions/s1/monitor", "")

	_, body = env.do(t, http.MethodGet, "/sessions", "")
	assert.Len(t, body["sessions"], 1)
	assert.Equal(t, []any{"s1"}, body["active"])

	rec, body = env.do(t, http.MethodGet, "/sessions/s1", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["monitoring"])
	assert.Equal(t, "s1", body["session"].(map[string]any)["id"])

	rec, _ = env.do(t, http.MethodGet, "/sessions/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_BamResults(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.files.Persist(ctx, model.NewBamResultLog("s1", &model.BamDetectionResult{Confidence: 0.4})))
	require.NoError(t, env.files.Persist(ctx, model.NewBamResultLog("s2", &model.BamDetectionResult{Confidence: 0.6})))

	rec, body := env.do(t, http.MethodGet, "/sessions/s1/bam-results", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	results := body["results"].([]any)
	require.Len(t, results, 1)
	assert.Equal(t, 0.4, results[0].(map[string]any)["confidence"])
}

func TestServer_ExportSession(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodPost, "/sessions/s1/monitor", "")

	rec := httptest.NewRecorder()
	env.server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sessions/s1/export", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/zstd", rec.Header().Get("Content-Type"))
	assert.Equal(t, "1", rec.Header().Get("X-Bundle-Files"))
	assert.NotZero(t, rec.Body.Len())

	rec, _ = env.do(t, http.MethodGet, "/sessions/missing/export", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_ListAlerts(t *testing.T) {
	env := newTestEnv(t)
	env.alerts.AddAlert(model.NewAlert("s1", "ai_detection", model.SeverityWarning, "a", nil))
	env.alerts.AddAlert(model.NewAlert("s2", "ai_detection", model.SeverityCritical, "b", nil))
	env.alerts.AddAlert(model.NewAlert("s1", "Data_Exfiltration_Attempt", model.SeverityCritical, "c", nil))

	tests := []struct {
		name  string
		query string
		code  int
		count int
	}{
		{name: "all", query: "", code: http.StatusOK, count: 3},
		{name: "by session", query: "?session_id=s1", code: http.StatusOK, count: 2},
		{name: "by severity", query: "?severity=critical", code: http.StatusOK, count: 2},
		{name: "limited", query: "?limit=1", code: http.StatusOK, count: 1},
		{name: "bad limit", query: "?limit=abc", code: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, body := env.do(t, http.MethodGet, "/alerts"+tt.query, "")
			assert.Equal(t, tt.code, rec.Code)
			if tt.code == http.StatusOK {
				assert.Equal(t, float64(tt.count), body["count"])
			}
		})
	}
}

func TestServer_AcknowledgeAlert(t *testing.T) {
	env := newTestEnv(t)
	alert := model.NewAlert("s1", "ai_detection", model.SeverityCritical, "a", nil)
	env.alerts.AddAlert(alert)

	rec, _ := env.do(t, http.MethodPost, "/alerts/"+alert.ID+"/ack", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, body := env.do(t, http.MethodPost, "/alerts/"+alert.ID+"/ack", `{"acknowledged_by": 7}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, body["error"], "validation failed")

	rec, body = env.do(t, http.MethodPost, "/alerts/"+alert.ID+"/ack", `{"acknowledged_by":"proctor"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "proctor", body["acknowledged_by"])

	persisted, err := env.files.LoadAlerts()
	require.NoError(t, err)
	require.Len(t, persisted, 1)
	require.NotNil(t, persisted[0].AcknowledgedAt)

	rec, _ = env.do(t, http.MethodPost, "/alerts/unknown/ack", `{"acknowledged_by":"proctor"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_ListEvents(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	proc := model.NewDetectionEvent("ai_process", model.ThreatHigh, "Ollama server running", model.ProcessDetails{PID: 1}, "process-monitor", nil)
	netEv := model.NewDetectionEvent("ai_domain_connection", model.ThreatMedium, "Connection to api.openai.com", model.NetworkDetails{Port: 443}, "network-monitor", nil)
	out := model.NewDetectionEvent("ai_output", model.ThreatLow, "Text reads as generated", model.OutputDetails{Confidence: 0.6}, "output-monitor", nil)
	for _, ev := range []*model.DetectionEvent{proc, netEv, out} {
		require.NoError(t, env.files.Persist(ctx, ev))
	}

	tests := []struct {
		name  string
		query string
		code  int
		count int
	}{
		{name: "all", query: "", code: http.StatusOK, count: 3},
		{name: "by module", query: "?module=network", code: http.StatusOK, count: 1},
		{name: "min level", query: "?min_level=medium", code: http.StatusOK, count: 2},
		{name: "module and level", query: "?module=output&min_level=high", code: http.StatusOK, count: 0},
		{name: "text search", query: "?q=OPENAI", code: http.StatusOK, count: 1},
		{name: "limited", query: "?limit=2", code: http.StatusOK, count: 2},
		{name: "bad module", query: "?module=keyboard", code: http.StatusBadRequest},
		{name: "bad level", query: "?min_level=severe", code: http.StatusBadRequest},
		{name: "bad limit", query: "?limit=-1", code: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, body := env.do(t, http.MethodGet, "/events"+tt.query, "")
			assert.Equal(t, tt.code, rec.Code)
			if tt.code == http.StatusOK {
				assert.Equal(t, float64(tt.count), body["count"])
			}
		})
	}

	_, body := env.do(t, http.MethodGet, "/events?module=process", "")
	events := body["events"].([]any)
	require.Len(t, events, 1)
	assert.Equal(t, proc.ID, events[0].(map[string]any)["id"])
}

func TestServer_GetEvent(t *testing.T) {
	env := newTestEnv(t)
	ev := model.NewDetectionEvent("ai_process", model.ThreatCritical, "d", model.ProcessDetails{PID: 9, Name: "ollama"}, "process-monitor", nil)
	require.NoError(t, env.files.Persist(context.Background(), ev))

	rec, body := env.do(t, http.MethodGet, "/events/"+ev.ID, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "critical", body["threat_level"])
	assert.Equal(t, "ollama", body["details"].(map[string]any)["name"])

	rec, _ = env.do(t, http.MethodGet, "/events/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_Scan(t *testing.T) {
	env := newTestEnv(t)
	env.scanner.events = []*model.DetectionEvent{
		model.NewDetectionEvent("ai_process", model.ThreatHigh, "d", model.ProcessDetails{PID: 1}, "process-monitor", nil),
	}

	rec, body := env.do(t, http.MethodPost, "/scan", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), body["count"])

	rec, _ = env.do(t, http.MethodPost, "/scan?module=network", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []model.DetectionModule{model.ModuleNetwork}, env.scanner.modules)

	rec, _ = env.do(t, http.MethodPost, "/scan?module=keyboard", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	env.scanner.err = errors.New("no detector registered")
	rec, _ = env.do(t, http.MethodPost, "/scan", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestServer_SubmitSample(t *testing.T) {
	env := newTestEnv(t)

	rec, _ := env.do(t, http.MethodPost, "/output/samples", `{"source":"editor","text":"Certainly! Here is the answer."}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 1, env.samples.Len())

	rec, _ = env.do(t, http.MethodPost, "/output/samples", `{"source":"editor"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 1, env.samples.Len())
}

func TestServer_Stats(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodPost, "/sessions/s1/monitor", "")

	rec, body := env.do(t, http.MethodGet, "/stats", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []any{"s1"}, body["active_sessions"])
	assert.Equal(t, []any{"process"}, body["running_modules"])
	assert.Contains(t, body, "alerts")
	assert.NotContains(t, body, "correlation")
}

func TestServer_MethodNotAllowed(t *testing.T) {
	env := newTestEnv(t)
	rec := httptest.NewRecorder()
	env.server.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/alerts", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
