package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/sgerhart/aegisflux/backend/integrity/internal/detection"
	"github.com/sgerhart/aegisflux/backend/integrity/internal/metrics"
	"github.com/sgerhart/aegisflux/backend/integrity/internal/model"
	"github.com/sgerhart/aegisflux/backend/integrity/internal/sink"
	"github.com/sgerhart/aegisflux/backend/integrity/internal/store"
)

// SessionStore reads persisted session records; *sink.FileSink satisfies it
type SessionStore interface {
	LoadSessions() ([]*model.SessionLog, error)
	LoadSession(id string) (*model.SessionLog, error)
	LoadBamResults(sessionID string) ([]*model.BamResultLog, error)
}

// SessionExporter bundles a session's records; *sink.FileSink satisfies it
type SessionExporter interface {
	ExportSession(w io.Writer, sessionID string) (*sink.ExportManifest, error)
}

// EventStore reads persisted detection events; *sink.FileSink satisfies it
type EventStore interface {
	LoadDetections() ([]*model.DetectionEvent, error)
	LoadDetection(id string) (*model.DetectionEvent, error)
}

// Monitors controls behavioral session monitoring; *monitor.Registry satisfies it
type Monitors interface {
	Start(sessionID string) (bool, error)
	Stop(sessionID string) bool
	IsMonitoring(sessionID string) bool
	ActiveSessions() []string
}

// Scanner runs detectors on demand; *detection.Engine satisfies it
type Scanner interface {
	ScanOnce(ctx context.Context) ([]*model.DetectionEvent, error)
	ScanModule(ctx context.Context, module model.DetectionModule) ([]*model.DetectionEvent, error)
	Stats() detection.ScanStatistics
	Running() []model.DetectionModule
}

// StatsProvider reports component statistics
type StatsProvider interface {
	Stats() map[string]interface{}
}

// SampleSubmitter accepts text for output analysis; *detection.TextQueue satisfies it
type SampleSubmitter interface {
	Submit(detection.TextSample)
}

// Deps are the components the API exposes
type Deps struct {
	Sessions    SessionStore
	Exporter    SessionExporter
	Events      EventStore
	Monitors    Monitors
	Scanner     Scanner
	Correlation StatsProvider
	Alerts      *store.MemoryStore
	Sink        sink.Sink
	Samples     SampleSubmitter
	Metrics     *metrics.Metrics
}

// Server serves the integrity HTTP API
type Server struct {
	deps   Deps
	logger *slog.Logger
	router *mux.Router
}

// NewServer creates the API server and its routes
func NewServer(deps Deps, logger *slog.Logger) *Server {
	s := &Server{
		deps:   deps,
		logger: logger,
		router: mux.NewRouter(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	if s.deps.Metrics != nil {
		s.router.Handle("/metrics", s.deps.Metrics.Handler()).Methods("GET")
	}

	// Sessions
	s.router.HandleFunc("/sessions", s.handleListSessions).Methods("GET")
	s.router.HandleFunc("/sessions/{id}", s.handleGetSession).Methods("GET")
	s.router.HandleFunc("/sessions/{id}/monitor", s.handleMonitorStatus).Methods("GET")
	s.router.HandleFunc("/sessions/{id}/monitor", s.handleStartMonitor).Methods("POST")
	s.router.HandleFunc("/sessions/{id}/monitor", s.handleStopMonitor).Methods("DELETE")
	s.router.HandleFunc("/sessions/{id}/bam-results", s.handleBamResults).Methods("GET")
	s.router.HandleFunc("/sessions/{id}/export", s.handleExportSession).Methods("GET")

	// Alerts
	s.router.HandleFunc("/alerts", s.handleListAlerts).Methods("GET")
	s.router.HandleFunc("/alerts/{id}/ack", s.handleAckAlert).Methods("POST")

	// Detection events
	s.router.HandleFunc("/events", s.handleListEvents).Methods("GET")
	s.router.HandleFunc("/events/{id}", s.handleGetEvent).Methods("GET")

	// Detection
	s.router.HandleFunc("/scan", s.handleScan).Methods("POST")
	s.router.HandleFunc("/output/samples", s.handleSubmitSample).Methods("POST")
	s.router.HandleFunc("/stats", s.handleStats).Methods("GET")
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now(),
		"service":   "integrityd",
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.deps.Sessions.LoadSessions()
	if err != nil {
		s.logger.Error("Failed to load sessions", "error", err)
		s.writeErrorResponse(w, http.StatusInternalServerError, "Failed to load sessions")
		return
	}
	if sessions == nil {
		sessions = []*model.SessionLog{}
	}

	s.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"sessions": sessions,
		"active":   s.deps.Monitors.ActiveSessions(),
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	session, err := s.deps.Sessions.LoadSession(id)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.writeErrorResponse(w, http.StatusNotFound, "Session not found")
			return
		}
		s.logger.Error("Failed to load session", "session_id", id, "error", err)
		s.writeErrorResponse(w, http.StatusInternalServerError, "Failed to load session")
		return
	}

	s.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"session":    session,
		"monitoring": s.deps.Monitors.IsMonitoring(id),
	})
}

func (s *Server) handleMonitorStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	s.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"session_id": id,
		"monitoring": s.deps.Monitors.IsMonitoring(id),
	})
}

func (s *Server) handleStartMonitor(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	started, err := s.deps.Monitors.Start(id)
	if err != nil {
		s.logger.Error("Failed to start monitoring", "session_id", id, "error", err)
		s.writeErrorResponse(w, http.StatusInternalServerError, "Failed to start monitoring")
		return
	}
	if !started {
		s.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
			"session_id": id,
			"monitoring": true,
			"status":     "already_monitoring",
		})
		return
	}

	now := time.Now().UTC()
	session := &model.SessionLog{
		ID:                  id,
		StartedAt:           now,
		Status:              model.SessionActive,
		SuspiciousProcesses: []string{},
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if existing, err := s.deps.Sessions.LoadSession(id); err == nil {
		session.CreatedAt = existing.CreatedAt
		session.SuspiciousProcesses = existing.SuspiciousProcesses
	}
	if err := s.deps.Sink.Persist(r.Context(), session); err != nil {
		s.logger.Error("Failed to persist session", "session_id", id, "error", err)
	}

	s.logger.Info("Session monitoring started", "session_id", id)
	s.writeJSONResponse(w, http.StatusCreated, map[string]interface{}{
		"session_id": id,
		"monitoring": true,
		"status":     "started",
	})
}

func (s *Server) handleStopMonitor(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if !s.deps.Monitors.Stop(id) {
		s.writeErrorResponse(w, http.StatusNotFound, "Session is not being monitored")
		return
	}

	now := time.Now().UTC()
	session, err := s.deps.Sessions.LoadSession(id)
	if err != nil {
		session = &model.SessionLog{ID: id, StartedAt: now, CreatedAt: now, SuspiciousProcesses: []string{}}
	}
	session.Status = model.SessionEnded
	session.EndedAt = &now
	session.UpdatedAt = now

	if results, err := s.deps.Sessions.LoadBamResults(id); err == nil && len(results) > 0 {
		last := results[len(results)-1]
		score := last.AnomalyScore
		aiLike := last.IsAILike
		session.BamAnomalyScore = &score
		session.BamIsAILike = &aiLike
	}

	if err := s.deps.Sink.Persist(r.Context(), session); err != nil {
		s.logger.Error("Failed to persist session", "session_id", id, "error", err)
	}

	s.logger.Info("Session monitoring stopped", "session_id", id)
	s.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"session_id": id,
		"monitoring": false,
		"status":     "stopped",
	})
}

func (s *Server) handleBamResults(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	results, err := s.deps.Sessions.LoadBamResults(id)
	if err != nil {
		s.logger.Error("Failed to load behavioral results", "session_id", id, "error", err)
		s.writeErrorResponse(w, http.StatusInternalServerError, "Failed to load behavioral results")
		return
	}
	if results == nil {
		results = []*model.BamResultLog{}
	}
	s.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"session_id": id,
		"results":    results,
	})
}

func (s *Server) handleExportSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if s.deps.Exporter == nil {
		s.writeErrorResponse(w, http.StatusServiceUnavailable, "Session export is not available")
		return
	}

	var buf bytes.Buffer
	manifest, err := s.deps.Exporter.ExportSession(&buf, id)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.writeErrorResponse(w, http.StatusNotFound, "Session not found")
			return
		}
		s.logger.Error("Failed to export session", "session_id", id, "error", err)
		s.writeErrorResponse(w, http.StatusInternalServerError, "Failed to export session")
		return
	}

	w.Header().Set("Content-Type", "application/zstd")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "session_"+id+".tar.zst"))
	w.Header().Set("X-Bundle-Files", strconv.Itoa(len(manifest.Files)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(buf.Bytes()); err != nil {
		s.logger.Error("Failed to write session bundle", "session_id", id, "error", err)
	}
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.Filter{
		SessionID: q.Get("session_id"),
		Severity:  q.Get("severity"),
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			s.writeErrorResponse(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		filter.Limit = limit
	}

	alerts := s.deps.Alerts.Query(filter)
	if alerts == nil {
		alerts = []*model.Alert{}
	}
	s.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"alerts": alerts,
		"count":  len(alerts),
	})
}

type ackRequest struct {
	AcknowledgedBy string `json:"acknowledged_by"`
}

func (s *Server) handleAckAlert(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req ackRequest
	if err := decodeValidated(r.Body, ackRequestSchema, &req); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	alert, err := s.deps.Alerts.Acknowledge(id, req.AcknowledgedBy)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeErrorResponse(w, http.StatusNotFound, "Alert not found")
			return
		}
		s.writeErrorResponse(w, http.StatusInternalServerError, "Failed to acknowledge alert")
		return
	}

	if err := s.deps.Sink.Persist(r.Context(), alert); err != nil {
		s.logger.Error("Failed to persist acknowledged alert", "alert_id", id, "error", err)
	}
	s.writeJSONResponse(w, http.StatusOK, alert)
}

// handleListEvents returns persisted detections newest first, filtered by
// module, minimum threat level and a case-insensitive text match.
func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Events == nil {
		s.writeErrorResponse(w, http.StatusServiceUnavailable, "Event history is not available")
		return
	}

	q := r.URL.Query()
	module := model.DetectionModule(q.Get("module"))
	if module != "" && !module.Valid() {
		s.writeErrorResponse(w, http.StatusBadRequest, "Unknown module: "+string(module))
		return
	}
	minLevel := model.ThreatUnknown
	if raw := q.Get("min_level"); raw != "" {
		level, err := model.ParseThreatLevel(raw)
		if err != nil {
			s.writeErrorResponse(w, http.StatusBadRequest, "Invalid min_level: "+raw)
			return
		}
		minLevel = level
	}
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.writeErrorResponse(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		limit = n
	}
	text := strings.ToLower(q.Get("q"))

	events, err := s.deps.Events.LoadDetections()
	if err != nil {
		s.logger.Error("Failed to load detection events", "error", err)
		s.writeErrorResponse(w, http.StatusInternalServerError, "Failed to load detection events")
		return
	}

	matched := []*model.DetectionEvent{}
	for _, ev := range model.FilterByMinLevel(events, minLevel) {
		if module != "" && ev.Module != module {
			continue
		}
		if text != "" && !strings.Contains(strings.ToLower(ev.Description), text) &&
			!strings.Contains(strings.ToLower(ev.DetectionType), text) {
			continue
		}
		matched = append(matched, ev)
		if limit > 0 && len(matched) == limit {
			break
		}
	}

	s.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"events": matched,
		"count":  len(matched),
	})
}

func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if s.deps.Events == nil {
		s.writeErrorResponse(w, http.StatusServiceUnavailable, "Event history is not available")
		return
	}

	ev, err := s.deps.Events.LoadDetection(id)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.writeErrorResponse(w, http.StatusNotFound, "Event not found")
			return
		}
		s.logger.Error("Failed to load detection event", "event_id", id, "error", err)
		s.writeErrorResponse(w, http.StatusInternalServerError, "Failed to load detection event")
		return
	}
	s.writeJSONResponse(w, http.StatusOK, ev)
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	var (
		events []*model.DetectionEvent
		err    error
	)

	if raw := r.URL.Query().Get("module"); raw != "" {
		module := model.DetectionModule(raw)
		if !module.Valid() {
			s.writeErrorResponse(w, http.StatusBadRequest, "Unknown module: "+raw)
			return
		}
		events, err = s.deps.Scanner.ScanModule(r.Context(), module)
	} else {
		events, err = s.deps.Scanner.ScanOnce(r.Context())
	}
	if err != nil {
		s.logger.Error("Scan failed", "error", err)
		s.writeErrorResponse(w, http.StatusInternalServerError, "Scan failed: "+err.Error())
		return
	}
	if events == nil {
		events = []*model.DetectionEvent{}
	}

	s.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"detections": events,
		"count":      len(events),
	})
}

func (s *Server) handleSubmitSample(w http.ResponseWriter, r *http.Request) {
	if s.deps.Samples == nil {
		s.writeErrorResponse(w, http.StatusServiceUnavailable, "Output analysis is not enabled")
		return
	}

	var sample detection.TextSample
	if err := decodeValidated(r.Body, sampleRequestSchema, &sample); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	s.deps.Samples.Submit(sample)

	s.writeJSONResponse(w, http.StatusAccepted, map[string]interface{}{
		"status": "queued",
		"source": sample.Source,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"detection":       s.deps.Scanner.Stats(),
		"running_modules": s.deps.Scanner.Running(),
		"active_sessions": s.deps.Monitors.ActiveSessions(),
		"alerts":          s.deps.Alerts.Stats(),
	}
	if s.deps.Correlation != nil {
		stats["correlation"] = s.deps.Correlation.Stats()
	}
	s.writeJSONResponse(w, http.StatusOK, stats)
}

func (s *Server) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("Failed to encode JSON response", "error", err)
	}
}

func (s *Server) writeErrorResponse(w http.ResponseWriter, statusCode int, message string) {
	s.writeJSONResponse(w, statusCode, map[string]interface{}{
		"error":     message,
		"timestamp": time.Now(),
	})
}
