package bus

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBus_PerProducerOrder(t *testing.T) {
	b := New[int]("test", 100, testLogger())
	sub, err := b.Subscribe("consumer", Block)
	require.NoError(t, err)

	const producers, perProducer = 4, 200
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				assert.NoError(t, b.Publish(context.Background(), p*perProducer+i))
			}
		}(p)
	}

	last := make([]int, producers)
	for i := range last {
		last[i] = -1
	}

	for n := 0; n < producers*perProducer; n++ {
		select {
		case v := <-sub.C():
			p, seq := v/perProducer, v%perProducer
			assert.Greater(t, seq, last[p], "producer %d out of order", p)
			last[p] = seq
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out after %d values", n)
		}
	}
	wg.Wait()
	assert.Zero(t, sub.Dropped())
}

func TestBus_FanOut(t *testing.T) {
	b := New[string]("test", 10, testLogger())
	a, _ := b.Subscribe("a", Block)
	c, _ := b.Subscribe("c", DropOnFull)

	require.NoError(t, b.Publish(context.Background(), "x"))

	assert.Equal(t, "x", <-a.C())
	assert.Equal(t, "x", <-c.C())
}

func TestBus_DropOnFull(t *testing.T) {
	var hooked []string
	b := New[int]("detections", 2, testLogger(), WithDropHook(func(bus, sub string) {
		hooked = append(hooked, bus+"/"+sub)
	}))
	sub, _ := b.Subscribe("slow", DropOnFull)

	for i := 0; i < 5; i++ {
		require.NoError(t, b.Publish(context.Background(), i))
	}

	assert.Equal(t, uint64(3), sub.Dropped())
	assert.Equal(t, []string{"detections/slow", "detections/slow", "detections/slow"}, hooked)
	assert.Equal(t, 0, <-sub.C())
	assert.Equal(t, 1, <-sub.C())
}

func TestBus_BlockTimesOut(t *testing.T) {
	b := New[int]("test", 1, testLogger(), WithSendTimeout(20*time.Millisecond))
	slow, _ := b.Subscribe("slow", Block)
	fast, _ := b.Subscribe("fast", DropOnFull)

	require.NoError(t, b.Publish(context.Background(), 1))

	start := time.Now()
	require.NoError(t, b.Publish(context.Background(), 2))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	assert.Equal(t, uint64(1), slow.Dropped())
	assert.Equal(t, uint64(1), fast.Dropped())
}

func TestBus_BlockWaitsForConsumer(t *testing.T) {
	b := New[int]("test", 1, testLogger(), WithSendTimeout(2*time.Second))
	sub, _ := b.Subscribe("consumer", Block)

	require.NoError(t, b.Publish(context.Background(), 1))

	go func() {
		time.Sleep(20 * time.Millisecond)
		<-sub.C()
	}()

	require.NoError(t, b.Publish(context.Background(), 2))
	assert.Equal(t, 2, <-sub.C())
	assert.Zero(t, sub.Dropped())
}

func TestBus_PublishHonorsContext(t *testing.T) {
	b := New[int]("test", 1, testLogger(), WithSendTimeout(time.Minute))
	_, _ = b.Subscribe("stuck", Block)
	require.NoError(t, b.Publish(context.Background(), 1))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, b.Publish(ctx, 2), context.DeadlineExceeded)
}

func TestBus_Close(t *testing.T) {
	b := New[int]("test", 10, testLogger())
	sub, _ := b.Subscribe("consumer", Block)
	require.NoError(t, b.Publish(context.Background(), 7))

	b.Close()
	b.Close()

	v, ok := <-sub.C()
	assert.True(t, ok)
	assert.Equal(t, 7, v)
	_, ok = <-sub.C()
	assert.False(t, ok)

	assert.ErrorIs(t, b.Publish(context.Background(), 8), ErrClosed)
	_, err := b.Subscribe("late", Block)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestBus_Unsubscribe(t *testing.T) {
	b := New[int]("test", 10, testLogger())
	sub, _ := b.Subscribe("consumer", Block)

	b.Unsubscribe(sub)
	_, ok := <-sub.C()
	assert.False(t, ok)

	require.NoError(t, b.Publish(context.Background(), 1))
	assert.Equal(t, 0, b.Stats()["subscribers"])
}
