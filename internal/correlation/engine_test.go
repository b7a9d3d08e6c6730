package correlation

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sgerhart/aegisflux/backend/integrity/internal/bus"
	"github.com/sgerhart/aegisflux/backend/integrity/internal/config"
	"github.com/sgerhart/aegisflux/backend/integrity/internal/model"
	"github.com/sgerhart/aegisflux/backend/integrity/internal/sink"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeClock is a settable clock for the engine
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestEngine(t *testing.T) (*Engine, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	e := NewEngine(config.Default().Correlation, testLogger(), WithClock(clock.Now))
	return e, clock
}

// feed processes an event of eventType for subject stamped with the current clock
func feed(e *Engine, clock *fakeClock, subject, eventType string) (*model.CorrelatedEvent, bool) {
	return e.ProcessNormalized(model.NormalizedEvent{
		EventType: eventType,
		Timestamp: clock.Now(),
		SubjectID: subject,
		Payload:   "{}",
	})
}

func TestEngine_WindowEviction(t *testing.T) {
	e, clock := newTestEngine(t)

	feed(e, clock, "s1", "heartbeat")
	clock.Advance(59 * time.Second)
	feed(e, clock, "s1", "heartbeat")
	assert.Len(t, e.Buffered("s1"), 2, "59s old event is retained")

	clock.Advance(2 * time.Second)
	feed(e, clock, "s1", "heartbeat")
	buffered := e.Buffered("s1")
	assert.Len(t, buffered, 2, "61s old event is evicted")
	for _, ev := range buffered {
		assert.True(t, clock.Now().Sub(ev.Timestamp) < 60*time.Second)
	}
}

func TestEngine_Rules(t *testing.T) {
	type step struct {
		after     time.Duration
		eventType string
	}

	tests := []struct {
		name       string
		steps      []step
		expected   string
		confidence float64
	}{
		{
			name:       "R1 output after recent process",
			steps:      []step{{0, "process_suspicion"}, {20 * time.Second, "output_suspicion"}},
			expected:   TypeAIUsageHighConfidence,
			confidence: 0.9,
		},
		{
			name:  "R1 process too old",
			steps: []step{{0, "process_suspicion"}, {31 * time.Second, "output_suspicion"}},
		},
		{
			name:  "R1 needs output as the new event",
			steps: []step{{0, "output_suspicion"}, {time.Second, "process_suspicion"}},
		},
		{
			name:       "R2 three suspicious events",
			steps:      []step{{0, "browser_suspicion"}, {time.Second, "browser_suspicion"}, {time.Second, "screensharing_suspicion"}},
			expected:   TypeMultipleSuspicious,
			confidence: 0.8,
		},
		{
			name:       "R2 counts AI substring",
			steps:      []step{{0, "AI_tab"}, {time.Second, "heartbeat"}, {time.Second, "AI_tab"}, {time.Second, "browser_suspicion"}},
			expected:   TypeMultipleSuspicious,
			confidence: 0.8,
		},
		{
			name:  "R2 two events are not enough",
			steps: []step{{0, "browser_suspicion"}, {time.Second, "browser_suspicion"}},
		},
		{
			name:       "R3 fs after recent network",
			steps:      []step{{0, "network_suspicion"}, {5 * time.Second, "fs_suspicion"}},
			expected:   TypeDataExfiltration,
			confidence: 0.95,
		},
		{
			name:  "R3 network too old",
			steps: []step{{0, "network_suspicion"}, {11 * time.Second, "fs_suspicion"}},
		},
		{
			name:       "R1 outranks R2",
			steps:      []step{{0, "process_suspicion"}, {time.Second, "network_suspicion"}, {time.Second, "output_suspicion"}},
			expected:   TypeAIUsageHighConfidence,
			confidence: 0.9,
		},
		{
			name:       "R2 outranks R3",
			steps:      []step{{0, "browser_suspicion"}, {time.Second, "network_suspicion"}, {time.Second, "fs_suspicion"}},
			expected:   TypeMultipleSuspicious,
			confidence: 0.8,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, clock := newTestEngine(t)

			var (
				got *model.CorrelatedEvent
				ok  bool
			)
			for _, s := range tt.steps {
				clock.Advance(s.after)
				got, ok = feed(e, clock, "student-1", s.eventType)
			}

			if tt.expected == "" {
				assert.False(t, ok)
				assert.Nil(t, got)
				return
			}
			require.True(t, ok)
			assert.Equal(t, tt.expected, got.EventType)
			assert.Equal(t, tt.confidence, got.Confidence)
			assert.Equal(t, "student-1", got.SubjectID)
			assert.Equal(t, clock.Now(), got.Timestamp)
			assert.Len(t, got.Events, len(tt.steps))
		})
	}
}

func TestEngine_ConfidenceGate(t *testing.T) {
	e, clock := newTestEngine(t)
	e.SetMinConfidence(0.85)

	feed(e, clock, "s1", "browser_suspicion")
	feed(e, clock, "s1", "network_suspicion")
	got, ok := feed(e, clock, "s1", "fs_suspicion")

	assert.False(t, ok, "R2 matched first and was gated; R3 is not consulted")
	assert.Nil(t, got)
	assert.Equal(t, uint64(1), e.Stats()["suppressed"])

	e.SetMinConfidence(0.75)
	got, ok = feed(e, clock, "s1", "heartbeat")
	require.True(t, ok)
	assert.Equal(t, TypeMultipleSuspicious, got.EventType)
}

func TestEngine_GateAllowsHigherConfidence(t *testing.T) {
	e, clock := newTestEngine(t)
	e.SetMinConfidence(0.85)

	feed(e, clock, "s1", "network_suspicion")
	got, ok := feed(e, clock, "s1", "fs_suspicion")

	require.True(t, ok)
	assert.Equal(t, TypeDataExfiltration, got.EventType)
}

func TestEngine_SubjectIsolation(t *testing.T) {
	e, clock := newTestEngine(t)

	feed(e, clock, "s1", "process_suspicion")
	_, ok := feed(e, clock, "s2", "output_suspicion")
	assert.False(t, ok)

	feed(e, clock, "s1", "browser_suspicion")
	_, ok = feed(e, clock, "s2", "browser_suspicion")
	assert.False(t, ok)

	assert.Len(t, e.Buffered("s1"), 2)
	assert.Len(t, e.Buffered("s2"), 2)
}

func TestEngine_SnapshotIsOwned(t *testing.T) {
	e, clock := newTestEngine(t)

	feed(e, clock, "s1", "network_suspicion")
	got, ok := feed(e, clock, "s1", "fs_suspicion")
	require.True(t, ok)

	got.Events[0].EventType = "tampered"
	feed(e, clock, "s1", "heartbeat")

	assert.Equal(t, "network_suspicion", e.Buffered("s1")[0].EventType)
}

func TestEngine_MaxEventsPerSubject(t *testing.T) {
	cfg := config.Default().Correlation
	cfg.MaxEventsPerSubject = 3
	clock := &fakeClock{now: time.Now()}
	e := NewEngine(cfg, testLogger(), WithClock(clock.Now))

	for i := 0; i < 5; i++ {
		e.ProcessNormalized(model.NormalizedEvent{EventType: fmt.Sprintf("e%d", i), Timestamp: clock.Now(), SubjectID: "s1"})
	}

	var types []string
	for _, ev := range e.Buffered("s1") {
		types = append(types, ev.EventType)
	}
	assert.Equal(t, []string{"e2", "e3", "e4"}, types)
}

func TestEngine_GC(t *testing.T) {
	e, clock := newTestEngine(t)

	feed(e, clock, "idle", "heartbeat")
	clock.Advance(30 * time.Second)
	feed(e, clock, "active", "heartbeat")
	clock.Advance(40 * time.Second)

	e.GC()

	assert.Nil(t, e.Buffered("idle"))
	assert.Len(t, e.Buffered("active"), 1)
	assert.Equal(t, 1, e.Stats()["subject_count"])
}

func TestEngine_StartStopGC(t *testing.T) {
	e, _ := newTestEngine(t)
	e.StartGC(5 * time.Millisecond)
	e.StartGC(5 * time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	e.StopGC()
	e.StopGC()
}

func TestEngine_SetWindow(t *testing.T) {
	e, clock := newTestEngine(t)
	e.SetWindow(10 * time.Second)

	feed(e, clock, "s1", "heartbeat")
	clock.Advance(11 * time.Second)
	feed(e, clock, "s1", "heartbeat")

	assert.Len(t, e.Buffered("s1"), 1)
}

func TestEngine_Concurrent(t *testing.T) {
	e := NewEngine(config.Default().Correlation, testLogger())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ev := model.NewDetectionEvent("test", model.ThreatHigh, "test", model.BrowserDetails{}, "", nil)
			for j := 0; j < 50; j++ {
				e.Process(ev, fmt.Sprintf("s%d", i%2))
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, uint64(400), e.Stats()["processed"])
}

func TestConsumer_EmitsAndPersists(t *testing.T) {
	detections := bus.New[*model.DetectionEvent]("detections", 10, testLogger())
	correlated := bus.New[*model.CorrelatedEvent]("correlated", 10, testLogger())

	sub, err := detections.Subscribe("correlation", bus.Block)
	require.NoError(t, err)
	out, err := correlated.Subscribe("test", bus.Block)
	require.NoError(t, err)

	alerts := make(chan *model.Alert, 10)
	sk := sink.Func(func(ctx context.Context, rec model.Record) error {
		if a, ok := rec.(*model.Alert); ok {
			alerts <- a
		}
		return nil
	})

	provider := config.NewManager(config.Default(), testLogger())
	engine := NewEngine(config.Default().Correlation, testLogger())
	consumer := NewConsumer(engine, sub, correlated, sk, provider, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- consumer.Run(ctx) }()

	md := map[string]string{SubjectMetadataKey: "exam-7"}
	require.NoError(t, detections.Publish(ctx, model.NewDetectionEvent("proc", model.ThreatHigh, "p", model.ProcessDetails{Name: "claude"}, "", md)))
	require.NoError(t, detections.Publish(ctx, model.NewDetectionEvent("out", model.ThreatHigh, "o", model.OutputDetails{}, "", md)))

	select {
	case ce := <-out.C():
		assert.Equal(t, TypeAIUsageHighConfidence, ce.EventType)
		assert.Equal(t, "exam-7", ce.SubjectID)
	case <-time.After(2 * time.Second):
		t.Fatal("no correlated event")
	}

	select {
	case a := <-alerts:
		assert.Equal(t, "exam-7", a.SessionID)
		assert.Equal(t, model.SeverityCritical, a.Severity)
		assert.Equal(t, TypeAIUsageHighConfidence, a.AlertType)
	case <-time.After(2 * time.Second):
		t.Fatal("no alert persisted")
	}

	detections.Close()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop on bus close")
	}
}

func TestConsumer_DefaultSubject(t *testing.T) {
	c := &Consumer{provider: config.NewManager(config.Default(), testLogger())}

	ev := model.NewDetectionEvent("x", model.ThreatLow, "x", model.NetworkDetails{}, "", nil)
	assert.Equal(t, "local-session", c.subjectFor(ev))
}

func TestAlertFromCorrelated_Severity(t *testing.T) {
	for confidence, severity := range map[float64]string{0.95: "critical", 0.9: "critical", 0.8: "warning"} {
		a := AlertFromCorrelated(&model.CorrelatedEvent{EventType: "x", SubjectID: "s", Confidence: confidence})
		assert.Equal(t, severity, a.Severity, "confidence %v", confidence)
	}
}
