package sink

import (
	"archive/tar"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/sgerhart/aegisflux/backend/integrity/internal/model"
)

// ExportManifest describes the contents of a session bundle
type ExportManifest struct {
	SessionID  string            `json:"session_id"`
	CreatedAt  time.Time         `json:"created_at"`
	Files      []string          `json:"files"`
	Checksums  map[string]string `json:"checksums"`
	Alerts     int               `json:"alerts"`
	BamResults int               `json:"bam_results"`
}

type bundleEntry struct {
	name string
	data []byte
}

// ExportSession writes a zstd compressed tar bundle of everything persisted
// for a session: the session record, its behavioral results, its alerts and a
// manifest with SHA-256 checksums. Nothing is written when the session is unknown.
func (s *FileSink) ExportSession(w io.Writer, sessionID string) (*ExportManifest, error) {
	session, err := s.LoadSession(sessionID)
	if err != nil {
		return nil, err
	}
	results, err := s.LoadBamResults(sessionID)
	if err != nil {
		return nil, err
	}
	allAlerts, err := s.LoadAlerts()
	if err != nil {
		return nil, err
	}
	var alerts []*model.Alert
	for _, a := range allAlerts {
		if a.SessionID == sessionID {
			alerts = append(alerts, a)
		}
	}

	var entries []bundleEntry
	add := func(name string, v any) error {
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal %s: %w", name, err)
		}
		entries = append(entries, bundleEntry{name: name, data: data})
		return nil
	}
	if err := add("session.json", session); err != nil {
		return nil, err
	}
	for _, r := range results {
		if err := add("bam_results/"+r.ID+".json", r); err != nil {
			return nil, err
		}
	}
	for _, a := range alerts {
		if err := add("alerts/"+a.ID+".json", a); err != nil {
			return nil, err
		}
	}

	manifest := &ExportManifest{
		SessionID:  sessionID,
		CreatedAt:  time.Now().UTC(),
		Checksums:  make(map[string]string, len(entries)),
		Alerts:     len(alerts),
		BamResults: len(results),
	}
	for _, e := range entries {
		sum := sha256.Sum256(e.data)
		manifest.Files = append(manifest.Files, e.name)
		manifest.Checksums[e.name] = hex.EncodeToString(sum[:])
	}
	if err := add("manifest.json", manifest); err != nil {
		return nil, err
	}

	zw, err := zstd.NewWriter(w)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd writer: %w", err)
	}
	tw := tar.NewWriter(zw)

	for _, e := range entries {
		header := &tar.Header{
			Name:    e.name,
			Mode:    0o644,
			Size:    int64(len(e.data)),
			ModTime: manifest.CreatedAt,
		}
		if err := tw.WriteHeader(header); err != nil {
			zw.Close()
			return nil, fmt.Errorf("failed to write tar header for %s: %w", e.name, err)
		}
		if _, err := tw.Write(e.data); err != nil {
			zw.Close()
			return nil, fmt.Errorf("failed to write %s to bundle: %w", e.name, err)
		}
	}

	if err := tw.Close(); err != nil {
		zw.Close()
		return nil, fmt.Errorf("failed to close tar writer: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to close zstd writer: %w", err)
	}

	s.logger.Info("Session exported", "session_id", sessionID, "files", len(entries))
	return manifest, nil
}
