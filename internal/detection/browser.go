package detection

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/sgerhart/aegisflux/backend/integrity/internal/config"
	"github.com/sgerhart/aegisflux/backend/integrity/internal/model"
)

type extensionManifest struct {
	Name        string `json:"name"`
	Permissions []any  `json:"permissions"`
}

// BrowserDetector inspects installed Chromium-style extensions laid out as
// <root>/<extension id>/<version>/manifest.json. An extension is reported
// once, and again after its manifest changes.
type BrowserDetector struct {
	cfg config.BrowserConfig

	mu   sync.Mutex
	seen map[string]time.Time
}

// NewBrowserDetector creates a browser extension detector
func NewBrowserDetector(cfg config.BrowserConfig) *BrowserDetector {
	return &BrowserDetector{cfg: cfg, seen: make(map[string]time.Time)}
}

func (d *BrowserDetector) Name() string                  { return "browser-extension-monitor" }
func (d *BrowserDetector) Module() model.DetectionModule { return model.ModuleBrowser }

// Scan reads every manifest under the configured roots
func (d *BrowserDetector) Scan(ctx context.Context) ([]*model.DetectionEvent, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	browsers := make([]string, 0, len(d.cfg.ExtensionRoots))
	for b := range d.cfg.ExtensionRoots {
		browsers = append(browsers, b)
	}
	sort.Strings(browsers)

	current := make(map[string]time.Time)
	var events []*model.DetectionEvent

	for _, browser := range browsers {
		for _, root := range d.cfg.ExtensionRoots[browser] {
			manifests, err := filepath.Glob(filepath.Join(root, "*", "*", "manifest.json"))
			if err != nil {
				return nil, fmt.Errorf("bad extension root %q: %w", root, err)
			}
			for _, path := range manifests {
				if err := ctx.Err(); err != nil {
					return nil, err
				}
				info, err := os.Stat(path)
				if err != nil {
					continue
				}
				current[path] = info.ModTime()
				if prev, ok := d.seen[path]; ok && prev.Equal(info.ModTime()) {
					continue
				}
				if ev := d.analyze(browser, path); ev != nil {
					events = append(events, ev)
				}
			}
		}
	}

	d.seen = current
	return events, nil
}

func (d *BrowserDetector) analyze(browser, manifestPath string) *model.DetectionEvent {
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil
	}
	var manifest extensionManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil
	}

	extensionID := filepath.Base(filepath.Dir(filepath.Dir(manifestPath)))
	name := manifest.Name
	if name == "" {
		name = "Unknown Extension"
	}

	var permissions []string
	for _, p := range manifest.Permissions {
		if s, ok := p.(string); ok {
			permissions = append(permissions, s)
		}
	}

	level := model.ThreatInfo
	var risks []string

	if known, ok := d.cfg.KnownAIExtensions[extensionID]; ok {
		risks = append(risks, "Known AI extension: "+known)
		level = model.ThreatHigh
	}
	for _, perm := range d.cfg.SuspiciousPermissions {
		if slices.Contains(permissions, perm) {
			risks = append(risks, "Suspicious permission: "+perm)
			level = model.MaxThreatLevel(level, model.ThreatMedium)
		}
	}

	if len(risks) == 0 {
		return nil
	}

	return model.NewDetectionEvent(
		"browser_extension",
		level,
		"Suspicious browser extension detected: "+name,
		model.BrowserDetails{
			Browser:       browser,
			ExtensionID:   extensionID,
			ExtensionName: name,
			Permissions:   permissions,
			RiskFactors:   risks,
		},
		d.Name(),
		nil,
	)
}
