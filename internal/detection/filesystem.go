package detection

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v3"

	"github.com/sgerhart/aegisflux/backend/integrity/internal/config"
	"github.com/sgerhart/aegisflux/backend/integrity/internal/model"
)

// textExtensions are the files whose content is inspected
var textExtensions = map[string]struct{}{
	".txt": {}, ".md": {}, ".json": {}, ".csv": {}, ".html": {},
	".py": {}, ".js": {}, ".ts": {}, ".go": {}, ".java": {}, ".c": {}, ".cpp": {},
	".ai": {}, ".gpt": {}, ".llm": {}, ".assistant": {},
}

type fileState struct {
	modTime time.Time
	size    int64
}

// FilesystemDetector walks the watch directories looking for AI artifacts.
// A file is reported once, and again only after it changes.
type FilesystemDetector struct {
	cfg        config.FilesystemConfig
	extensions map[string]struct{}
	content    []*regexp.Regexp

	mu   sync.Mutex
	seen map[string]fileState
}

// NewFilesystemDetector compiles the content patterns
func NewFilesystemDetector(cfg config.FilesystemConfig) (*FilesystemDetector, error) {
	d := &FilesystemDetector{
		cfg:        cfg,
		extensions: make(map[string]struct{}, len(cfg.SuspiciousExtensions)),
		seen:       make(map[string]fileState),
	}
	for _, ext := range cfg.SuspiciousExtensions {
		ext = strings.ToLower(ext)
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		d.extensions[ext] = struct{}{}
	}
	for _, p := range cfg.ContentPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid content pattern %q: %w", p, err)
		}
		d.content = append(d.content, re)
	}
	if d.cfg.MaxDepth <= 0 {
		d.cfg.MaxDepth = 5
	}
	return d, nil
}

func (d *FilesystemDetector) Name() string                  { return "filesystem-monitor" }
func (d *FilesystemDetector) Module() model.DetectionModule { return model.ModuleFilesystem }

// Scan walks every watch directory. Missing directories are skipped.
func (d *FilesystemDetector) Scan(ctx context.Context) ([]*model.DetectionEvent, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	current := make(map[string]fileState)
	var events []*model.DetectionEvent

	for _, root := range d.cfg.WatchDirectories {
		if root == "" {
			continue
		}
		err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if err != nil {
				if path == root {
					return fs.SkipDir
				}
				return nil
			}

			rel, relErr := filepath.Rel(root, path)
			if relErr != nil {
				return nil
			}
			if entry.IsDir() {
				if rel != "." && strings.Count(filepath.ToSlash(rel), "/")+1 >= d.cfg.MaxDepth {
					return fs.SkipDir
				}
				return nil
			}
			if !entry.Type().IsRegular() {
				return nil
			}

			info, infoErr := entry.Info()
			if infoErr != nil {
				return nil
			}
			state := fileState{modTime: info.ModTime(), size: info.Size()}
			current[path] = state

			prev, known := d.seen[path]
			if known && prev.size == state.size && prev.modTime.Equal(state.modTime) {
				return nil
			}

			operation := "detected"
			if known {
				operation = "modified"
			}
			if ev := d.analyze(path, rel, info, operation); ev != nil {
				events = append(events, ev)
			}
			return nil
		})
		if err != nil && ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}

	d.seen = current
	return events, nil
}

func (d *FilesystemDetector) analyze(path, rel string, info fs.FileInfo, operation string) *model.DetectionEvent {
	var (
		levels  []model.ThreatLevel
		reasons []string
	)

	ext := strings.ToLower(filepath.Ext(path))
	if _, ok := d.extensions[ext]; ok {
		levels = append(levels, model.ThreatMedium)
		reasons = append(reasons, "suspicious extension "+ext)
	}

	slashRel := strings.ToLower(filepath.ToSlash(rel))
	for _, g := range d.cfg.SuspiciousFilenames {
		if ok, _ := doublestar.Match(strings.ToLower(g), slashRel); ok {
			levels = append(levels, model.ThreatHigh)
			reasons = append(reasons, "filename matches "+g)
			break
		}
	}

	var hash string
	if _, text := textExtensions[ext]; text && len(d.content) > 0 && info.Size() <= d.cfg.MaxContentBytes {
		if data, err := os.ReadFile(path); err == nil {
			sum := sha256.Sum256(data)
			hash = hex.EncodeToString(sum[:])
			for _, re := range d.content {
				if re.Match(data) {
					levels = append(levels, model.ThreatHigh)
					reasons = append(reasons, "content matches "+re.String())
				}
			}
		}
	}

	if len(reasons) == 0 {
		return nil
	}

	return model.NewDetectionEvent(
		"ai_file_artifact",
		model.MaxThreatLevel(levels...),
		fmt.Sprintf("Suspicious AI-related file %s: %s", operation, filepath.Base(path)),
		model.FilesystemDetails{
			FilePath:          path,
			Operation:         operation,
			FileSize:          info.Size(),
			FileHash:          hash,
			SuspiciousContent: reasons,
		},
		d.Name(),
		nil,
	)
}
