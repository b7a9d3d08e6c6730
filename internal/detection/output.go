package detection

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strings"
	"sync"

	"github.com/sgerhart/aegisflux/backend/integrity/internal/config"
	"github.com/sgerhart/aegisflux/backend/integrity/internal/model"
)

const (
	burstinessThreshold = 0.3
	keywordThreshold    = 0.15
	styleThreshold      = 0.6
)

var assistantPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)as an ai (language model|assistant)`),
	regexp.MustCompile(`(?i)i don't have personal (experiences|opinions|feelings)`),
	regexp.MustCompile(`(?i)i cannot (provide|access|browse|remember)`),
	regexp.MustCompile(`(?i)as of my last (update|training|knowledge cutoff)`),
	regexp.MustCompile(`(?i)i'm (just|only) an ai`),
	regexp.MustCompile(`(?i)my training data`),
	regexp.MustCompile(`(?i)i was trained (on|by)`),
	regexp.MustCompile(`(?i)according to my training`),
	regexp.MustCompile(`(?i)based on my knowledge`),
	regexp.MustCompile(`(?i)here's what i (can tell you|know)`),
	regexp.MustCompile(`(?i)let me (help|assist) you with`),
	regexp.MustCompile(`(?i)i'd be happy to help`),
	regexp.MustCompile(`(?i)certainly[!.] here's`),
	regexp.MustCompile(`(?i)of course[!.] (here's|i can)`),
}

var (
	formalWords  = []string{"furthermore", "moreover", "additionally", "consequently", "therefore", "nevertheless", "however", "indeed"}
	contractions = []string{"don't", "can't", "won't", "i'm", "you're", "it's"}
)

// TextScores holds the individual measurements behind an analysis
type TextScores struct {
	Burstiness     float64 `json:"burstiness"`
	PatternMatches int     `json:"pattern_matches"`
	StylisticScore float64 `json:"stylistic_score"`
	KeywordDensity float64 `json:"keyword_density"`
}

// TextAnalysis is the verdict for one text sample
type TextAnalysis struct {
	Suspicious bool       `json:"is_suspicious"`
	Confidence float64    `json:"confidence"`
	Reasons    []string   `json:"reasons"`
	Scores     TextScores `json:"scores"`
}

// OutputAnalyzer scores text for traits typical of assistant-generated output
type OutputAnalyzer struct {
	phrases   []string
	threshold float64
}

// NewOutputAnalyzer creates an analyzer from the output config
func NewOutputAnalyzer(cfg config.OutputConfig) *OutputAnalyzer {
	a := &OutputAnalyzer{threshold: cfg.ConfidenceThreshold}
	for _, p := range cfg.SuspiciousPhrases {
		if p != "" {
			a.phrases = append(a.phrases, strings.ToLower(p))
		}
	}
	return a
}

// Analyze scores text. The sample is suspicious when the combined
// confidence exceeds the configured threshold.
func (a *OutputAnalyzer) Analyze(text string) TextAnalysis {
	lower := strings.ToLower(text)
	words := len(strings.Fields(text))

	scores := TextScores{
		Burstiness:     burstiness(text),
		PatternMatches: patternMatches(text),
		StylisticScore: stylisticScore(text, lower, words),
		KeywordDensity: a.keywordDensity(lower, words),
	}

	var reasons []string
	if scores.Burstiness < burstinessThreshold {
		reasons = append(reasons, "Low burstiness detected (uniform sentence structure)")
	}
	if scores.PatternMatches > 0 {
		reasons = append(reasons, fmt.Sprintf("Found %d AI-specific patterns", scores.PatternMatches))
	}
	if scores.StylisticScore > styleThreshold {
		reasons = append(reasons, "AI writing style patterns detected")
	}
	if scores.KeywordDensity > keywordThreshold {
		reasons = append(reasons, "High density of AI-related keywords")
	}

	confidence := confidenceFrom(scores)
	return TextAnalysis{
		Suspicious: confidence > a.threshold,
		Confidence: confidence,
		Reasons:    reasons,
		Scores:     scores,
	}
}

func confidenceFrom(s TextScores) float64 {
	var c float64
	if s.Burstiness < burstinessThreshold {
		c += 0.20 * (burstinessThreshold - s.Burstiness) / burstinessThreshold
	}
	c += 0.30 * math.Min(float64(s.PatternMatches)/5, 1)
	c += 0.15 * s.StylisticScore
	c += 0.10 * math.Min(s.KeywordDensity/keywordThreshold, 1)
	return math.Min(c, 1)
}

// burstiness is the coefficient of variation of sentence lengths in words.
// Texts with fewer than three sentence pieces score 1.
func burstiness(text string) float64 {
	if strings.Count(text, ".")+strings.Count(text, "!")+strings.Count(text, "?")+1 < 3 {
		return 1
	}
	pieces := strings.FieldsFunc(text, isSentenceEnd)

	var lengths []float64
	for _, p := range pieces {
		if n := len(strings.Fields(p)); n > 0 {
			lengths = append(lengths, float64(n))
		}
	}
	if len(lengths) < 2 {
		return 1
	}

	var sum float64
	for _, l := range lengths {
		sum += l
	}
	mean := sum / float64(len(lengths))

	var variance float64
	for _, l := range lengths {
		variance += (l - mean) * (l - mean)
	}
	variance /= float64(len(lengths))

	if mean == 0 {
		return 0
	}
	return math.Sqrt(variance) / mean
}

func isSentenceEnd(r rune) bool { return r == '.' || r == '!' || r == '?' }

func patternMatches(text string) int {
	var n int
	for _, re := range assistantPatterns {
		n += len(re.FindAllStringIndex(text, -1))
	}
	return n
}

func stylisticScore(text, lower string, words int) float64 {
	var score float64

	if words > 0 {
		var formal int
		for _, w := range formalWords {
			formal += strings.Count(lower, w)
		}
		score += float64(formal) / float64(words) * 2
	}

	periods := strings.Count(text, ".")
	total := periods + strings.Count(text, "!") + strings.Count(text, "?")
	if total > 0 && float64(periods)/float64(total) > 0.9 {
		score += 0.3
	}

	if words > 50 {
		var contracted int
		for _, c := range contractions {
			contracted += strings.Count(lower, c)
		}
		if float64(contracted)/float64(words) < 0.01 {
			score += 0.2
		}
	}

	return math.Min(score, 1)
}

func (a *OutputAnalyzer) keywordDensity(lower string, words int) float64 {
	if words == 0 {
		return 0
	}
	var n int
	for _, p := range a.phrases {
		n += strings.Count(lower, p)
	}
	return float64(n) / float64(words)
}

// TextSample is a piece of text produced on the monitored machine
type TextSample struct {
	Source string `json:"source"`
	Text   string `json:"text"`
}

// TextSource yields text samples that have appeared since the previous call
type TextSource interface {
	Samples(ctx context.Context) ([]TextSample, error)
}

// TextQueue is a bounded in-memory TextSource fed by Submit. When full, the
// oldest sample is discarded.
type TextQueue struct {
	mu      sync.Mutex
	samples []TextSample
	max     int
}

// NewTextQueue creates a queue holding at most max samples
func NewTextQueue(max int) *TextQueue {
	if max <= 0 {
		max = 100
	}
	return &TextQueue{max: max}
}

// Submit enqueues a sample; blank text is ignored
func (q *TextQueue) Submit(s TextSample) {
	if strings.TrimSpace(s.Text) == "" {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.samples) == q.max {
		q.samples = q.samples[1:]
	}
	q.samples = append(q.samples, s)
}

// Samples drains the queue
func (q *TextQueue) Samples(context.Context) ([]TextSample, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.samples
	q.samples = nil
	return out, nil
}

// Len reports the number of pending samples
func (q *TextQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.samples)
}

// OutputDetector analyzes queued text samples
type OutputDetector struct {
	analyzer *OutputAnalyzer
	source   TextSource
}

// NewOutputDetector creates an output detector reading from source
func NewOutputDetector(cfg config.OutputConfig, source TextSource) *OutputDetector {
	return &OutputDetector{analyzer: NewOutputAnalyzer(cfg), source: source}
}

func (d *OutputDetector) Name() string                  { return "output-analyzer" }
func (d *OutputDetector) Module() model.DetectionModule { return model.ModuleOutput }

// Analyzer exposes the underlying text analyzer
func (d *OutputDetector) Analyzer() *OutputAnalyzer { return d.analyzer }

// Scan emits one event per suspicious sample
func (d *OutputDetector) Scan(ctx context.Context) ([]*model.DetectionEvent, error) {
	samples, err := d.source.Samples(ctx)
	if err != nil {
		return nil, err
	}

	var events []*model.DetectionEvent
	for _, s := range samples {
		result := d.analyzer.Analyze(s.Text)
		if !result.Suspicious {
			continue
		}
		level := model.ThreatHigh
		if result.Confidence >= 0.9 {
			level = model.ThreatCritical
		}
		source := s.Source
		if source == "" {
			source = "unknown"
		}
		events = append(events, model.NewDetectionEvent(
			"ai_generated_output",
			level,
			fmt.Sprintf("AI-generated text detected from %s (confidence %.2f)", source, result.Confidence),
			model.OutputDetails{
				SampleSource:   source,
				Confidence:     result.Confidence,
				Reasons:        result.Reasons,
				PatternMatches: result.Scores.PatternMatches,
				KeywordDensity: result.Scores.KeywordDensity,
			},
			d.Name(),
			nil,
		))
	}
	return events, nil
}
