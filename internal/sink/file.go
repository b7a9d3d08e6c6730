package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sgerhart/aegisflux/backend/integrity/internal/model"
)

var kindDirs = map[string]string{
	"session":    "sessions",
	"alert":      "alerts",
	"bam_result": "bam_results",
	"detection":  "detections",
}

// FileSink writes each record as an indented JSON document under
// <dir>/<kind dir>/<kind>_<id>.json. Writes go through a temp file and a
// rename so readers never see a partial document.
type FileSink struct {
	dir    string
	logger *slog.Logger
}

// NewFileSink creates the directory layout under dir
func NewFileSink(dir string, logger *slog.Logger) (*FileSink, error) {
	for _, sub := range kindDirs {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
	}
	return &FileSink{dir: dir, logger: logger}, nil
}

// Path returns the file a record is written to
func (s *FileSink) Path(rec model.Record) (string, error) {
	sub, ok := kindDirs[rec.RecordKind()]
	if !ok {
		return "", fmt.Errorf("unsupported record kind %q", rec.RecordKind())
	}
	if rec.RecordID() == "" || strings.ContainsAny(rec.RecordID(), `/\`) {
		return "", fmt.Errorf("invalid record id %q", rec.RecordID())
	}
	return filepath.Join(s.dir, sub, rec.RecordKind()+"_"+rec.RecordID()+".json"), nil
}

// Persist writes rec to disk
func (s *FileSink) Persist(ctx context.Context, rec model.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	path, err := s.Path(rec)
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", rec.RecordKind(), err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to rename into %s: %w", path, err)
	}

	s.logger.Debug("Record persisted", "kind", rec.RecordKind(), "id", rec.RecordID(), "path", path)
	return nil
}

// LoadAlerts reads every persisted alert, oldest first
func (s *FileSink) LoadAlerts() ([]*model.Alert, error) {
	alerts, err := readAll[model.Alert](filepath.Join(s.dir, kindDirs["alert"]))
	if err != nil {
		return nil, err
	}
	sort.Slice(alerts, func(i, j int) bool { return alerts[i].CreatedAt.Before(alerts[j].CreatedAt) })
	return alerts, nil
}

// LoadSessions reads every persisted session, newest first
func (s *FileSink) LoadSessions() ([]*model.SessionLog, error) {
	sessions, err := readAll[model.SessionLog](filepath.Join(s.dir, kindDirs["session"]))
	if err != nil {
		return nil, err
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].StartedAt.After(sessions[j].StartedAt) })
	return sessions, nil
}

// LoadSession reads one persisted session
func (s *FileSink) LoadSession(id string) (*model.SessionLog, error) {
	path, err := s.Path(&model.SessionLog{ID: id})
	if err != nil {
		return nil, err
	}
	return readOne[model.SessionLog](path)
}

// LoadBamResults reads the persisted behavioral results for a session
func (s *FileSink) LoadBamResults(sessionID string) ([]*model.BamResultLog, error) {
	results, err := readAll[model.BamResultLog](filepath.Join(s.dir, kindDirs["bam_result"]))
	if err != nil {
		return nil, err
	}
	filtered := results[:0]
	for _, r := range results {
		if r.SessionID == sessionID {
			filtered = append(filtered, r)
		}
	}
	sort.Slice(filtered, func(i, j int) bool { return filtered[i].CreatedAt.Before(filtered[j].CreatedAt) })
	return filtered, nil
}

// LoadDetections reads every persisted detection event, newest first
func (s *FileSink) LoadDetections() ([]*model.DetectionEvent, error) {
	events, err := readAll[model.DetectionEvent](filepath.Join(s.dir, kindDirs["detection"]))
	if err != nil {
		return nil, err
	}
	sort.Slice(events, func(i, j int) bool { return events[i].Timestamp.After(events[j].Timestamp) })
	return events, nil
}

// LoadDetection reads one persisted detection event
func (s *FileSink) LoadDetection(id string) (*model.DetectionEvent, error) {
	path, err := s.Path(&model.DetectionEvent{ID: id})
	if err != nil {
		return nil, err
	}
	return readOne[model.DetectionEvent](path)
}

func readAll[T any](dir string) ([]*T, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", dir, err)
	}

	var out []*T
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		v, err := readOne[T](filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func readOne[T any](path string) (*T, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	v := new(T)
	if err := json.Unmarshal(data, v); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return v, nil
}
