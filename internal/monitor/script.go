package monitor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/sgerhart/aegisflux/backend/integrity/internal/config"
	"github.com/sgerhart/aegisflux/backend/integrity/internal/model"
)

// AnalyzerError is a failed or malformed behavioral check
type AnalyzerError struct {
	Op  string
	Err error
}

func (e *AnalyzerError) Error() string {
	return fmt.Sprintf("behavioral analyzer %s: %v", e.Op, e.Err)
}

func (e *AnalyzerError) Unwrap() error {
	return e.Err
}

// ErrNoResultFile means the script finished without naming its result file
var ErrNoResultFile = errors.New("no result file in script output")

// ScriptAnalyzer runs the external behavioral analysis script. The script
// prints the path of a bam_*.json result file as the last token of one of
// its output lines.
type ScriptAnalyzer struct {
	python  string
	script  string
	timeout time.Duration
}

// NewScriptAnalyzer creates an analyzer from the BAM config
func NewScriptAnalyzer(cfg config.BamConfig) *ScriptAnalyzer {
	timeout := time.Duration(cfg.ScriptTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &ScriptAnalyzer{python: cfg.PythonPath, script: cfg.ScriptPath, timeout: timeout}
}

// Check runs the script once and parses its result file
func (a *ScriptAnalyzer) Check(ctx context.Context) (*model.BamDetectionResult, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, a.python, a.script)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			err = fmt.Errorf("%w: %s", err, msg)
		}
		return nil, &AnalyzerError{Op: "run", Err: err}
	}

	path := resultPath(stdout.Bytes())
	if path == "" {
		return nil, &AnalyzerError{Op: "output", Err: ErrNoResultFile}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &AnalyzerError{Op: "read", Err: err}
	}

	result, err := parseResult(data)
	if err != nil {
		return nil, &AnalyzerError{Op: "parse", Err: err}
	}
	return result, nil
}

// resultPath returns the last token of the last output line mentioning a bam_*.json file
func resultPath(output []byte) string {
	var path string
	scanner := bufio.NewScanner(bytes.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.Contains(line, "bam_") || !strings.Contains(line, ".json") {
			continue
		}
		if fields := strings.Fields(line); len(fields) > 0 {
			path = fields[len(fields)-1]
		}
	}
	return path
}

type scriptResult struct {
	Detection   map[string]any `json:"detection"`
	Latencies   []any          `json:"latencies"`
	MeanLatency any            `json:"mean_latency"`
}

// parseResult decodes a result file. Missing or mistyped fields fall back
// to false, zero and "unknown"; a missing detection object is an error.
func parseResult(data []byte) (*model.BamDetectionResult, error) {
	var raw scriptResult
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	if raw.Detection == nil {
		return nil, errors.New("no detection data in result")
	}

	result := &model.BamDetectionResult{
		Latencies: []float64{},
		Status:    "unknown",
	}
	result.AIDetected, _ = raw.Detection["ai_detected"].(bool)
	result.Confidence, _ = raw.Detection["confidence"].(float64)
	result.AnomalyScore, _ = raw.Detection["anomaly_score"].(float64)
	if status, ok := raw.Detection["status"].(string); ok {
		result.Status = status
	}
	result.MeanLatency, _ = raw.MeanLatency.(float64)
	for _, v := range raw.Latencies {
		if f, ok := v.(float64); ok {
			result.Latencies = append(result.Latencies, f)
		}
	}
	return result, nil
}
