package detection

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/sgerhart/aegisflux/backend/integrity/internal/config"
	"github.com/sgerhart/aegisflux/backend/integrity/internal/model"
)

// ProcessInfo is a snapshot of one running process
type ProcessInfo struct {
	PID        int32
	PPID       int32
	Name       string
	Cmdline    string
	Executable string
}

// ProcessLister enumerates running processes
type ProcessLister interface {
	Processes(ctx context.Context) ([]ProcessInfo, error)
}

// SystemProcesses lists processes through gopsutil
type SystemProcesses struct{}

// Processes returns every process whose name can be read. Processes that
// exit or deny access mid-scan are skipped.
func (SystemProcesses) Processes(ctx context.Context) ([]ProcessInfo, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list processes: %w", err)
	}

	out := make([]ProcessInfo, 0, len(procs))
	for _, p := range procs {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		name, err := p.NameWithContext(ctx)
		if err != nil {
			continue
		}
		info := ProcessInfo{PID: p.Pid, Name: name}
		info.Cmdline, _ = p.CmdlineWithContext(ctx)
		info.Executable, _ = p.ExeWithContext(ctx)
		info.PPID, _ = p.PpidWithContext(ctx)
		out = append(out, info)
	}
	return out, nil
}

// aiServiceURLs are matched against browser command lines
var aiServiceURLs = []string{
	"chat.openai.com", "chatgpt.com", "claude.ai", "gemini.google.com",
	"perplexity.ai", "poe.com", "character.ai", "copilot.microsoft.com",
}

var browserNames = []string{"chrome", "chromium", "firefox", "msedge", "edge", "safari", "brave", "opera"}

// keywordFalsePositives lists names that contain a keyword without being AI tools
var keywordFalsePositives = map[string][]string{
	"ai":  {"aio", "kwayland", "plasmoidviewer"},
	"bot": {"robot", "bluetooth"},
}

// ProcessDetector flags known AI applications and AI tooling in the process table
type ProcessDetector struct {
	cfg       config.ProcessConfig
	lister    ProcessLister
	known     map[string]struct{}
	patterns  []*regexp.Regexp
	whitelist []string
}

// NewProcessDetector compiles the configured patterns
func NewProcessDetector(cfg config.ProcessConfig, lister ProcessLister) (*ProcessDetector, error) {
	d := &ProcessDetector{
		cfg:    cfg,
		lister: lister,
		known:  make(map[string]struct{}, len(cfg.KnownAIProcesses)),
	}
	for _, name := range cfg.KnownAIProcesses {
		d.known[strings.ToLower(name)] = struct{}{}
	}
	for _, w := range cfg.Whitelist {
		d.whitelist = append(d.whitelist, strings.ToLower(w))
	}
	for _, p := range cfg.CommandPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid command pattern %q: %w", p, err)
		}
		d.patterns = append(d.patterns, re)
	}
	return d, nil
}

func (d *ProcessDetector) Name() string                  { return "process-monitor" }
func (d *ProcessDetector) Module() model.DetectionModule { return model.ModuleProcess }

// Scan emits one event per suspicious process at the highest level any check produced
func (d *ProcessDetector) Scan(ctx context.Context) ([]*model.DetectionEvent, error) {
	procs, err := d.lister.Processes(ctx)
	if err != nil {
		return nil, err
	}

	var events []*model.DetectionEvent
	for _, p := range procs {
		if d.whitelisted(p.Name) {
			continue
		}

		level, matched := d.analyze(p)
		if len(matched) == 0 {
			continue
		}

		details := model.ProcessDetails{
			PID:             p.PID,
			Name:            p.Name,
			CommandLine:     p.Cmdline,
			ExecutablePath:  p.Executable,
			MatchedPatterns: matched,
		}
		if p.PPID > 0 {
			ppid := p.PPID
			details.ParentPID = &ppid
		}

		events = append(events, model.NewDetectionEvent(
			"ai_process",
			level,
			fmt.Sprintf("Suspicious AI-related process: %s (pid %d)", p.Name, p.PID),
			details,
			d.Name(),
			nil,
		))
	}
	return events, nil
}

func (d *ProcessDetector) whitelisted(name string) bool {
	lower := strings.ToLower(name)
	for _, w := range d.whitelist {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}

func (d *ProcessDetector) analyze(p ProcessInfo) (model.ThreatLevel, []string) {
	var (
		levels  []model.ThreatLevel
		matched []string
	)
	add := func(level model.ThreatLevel, reason string) {
		levels = append(levels, level)
		matched = append(matched, reason)
	}

	name := strings.ToLower(p.Name)
	cmd := strings.ToLower(p.Cmdline)

	if _, ok := d.known[name]; ok {
		add(model.ThreatCritical, "Known AI application: "+p.Name)
	}

	for _, kw := range d.cfg.AIKeywords {
		if nameHasKeyword(name, strings.ToLower(kw)) {
			add(model.ThreatHigh, fmt.Sprintf("AI-related process name contains '%s'", kw))
		}
	}

	if d.cfg.MonitorCommandLine && p.Cmdline != "" {
		for _, re := range d.patterns {
			if re.MatchString(p.Cmdline) {
				add(model.ThreatMedium, "Suspicious AI pattern in command: "+re.String())
			}
		}
	}

	if strings.Contains(name, "python") {
		for _, lib := range d.cfg.AILibraries {
			if strings.Contains(cmd, strings.ToLower(lib)) {
				add(model.ThreatHigh, "Python process using AI library: "+lib)
			}
		}
	}

	if isBrowser(name) {
		for _, url := range aiServiceURLs {
			if strings.Contains(cmd, url) {
				add(model.ThreatCritical, "Browser accessing AI service: "+url)
			}
		}
	}

	return model.MaxThreatLevel(levels...), matched
}

// nameHasKeyword matches two-letter keywords only as whole name tokens so
// that "ai" does not hit "mail" or "daemon"; longer keywords match as substrings.
func nameHasKeyword(name, kw string) bool {
	if kw == "" {
		return false
	}
	for _, fp := range keywordFalsePositives[kw] {
		if strings.Contains(name, fp) {
			return false
		}
	}
	if len(kw) > 2 {
		return strings.Contains(name, kw)
	}
	tokens := strings.FieldsFunc(name, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, tok := range tokens {
		if tok == kw {
			return true
		}
	}
	return false
}

func isBrowser(name string) bool {
	for _, b := range browserNames {
		if strings.Contains(name, b) {
			return true
		}
	}
	return false
}
