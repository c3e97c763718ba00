package pgtransit

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/delimaa/pg-transit/internal/metrics"
	"github.com/delimaa/pg-transit/internal/store"
)

// fakeReservationStore serves an in-memory queue of reserved messages
// and records every lifecycle call.
type fakeReservationStore struct {
	mu           sync.Mutex
	queue        []store.ReservedMessage
	reserveLimit []int
	completed    []uuid.UUID
	failed       map[uuid.UUID]string
	heartbeats   int
	progress     map[uuid.UUID][]byte
	reserveErr   error
}

func newFakeStore() *fakeReservationStore {
	return &fakeReservationStore{
		failed:   make(map[uuid.UUID]string),
		progress: make(map[uuid.UUID][]byte),
	}
}

func (f *fakeReservationStore) push(payload string) uuid.UUID {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, _ := uuid.NewV7()
	f.queue = append(f.queue, store.ReservedMessage{
		MessageID:       id,
		Payload:         json.RawMessage(payload),
		Attempts:        1,
		LastHeartbeatAt: time.Now(),
	})
	return id
}

func (f *fakeReservationStore) ReserveNext(_ context.Context, _ *store.Subscription, limit int) ([]store.ReservedMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.reserveLimit = append(f.reserveLimit, limit)
	if f.reserveErr != nil {
		return nil, f.reserveErr
	}

	n := limit
	if n > len(f.queue) {
		n = len(f.queue)
	}
	batch := append([]store.ReservedMessage(nil), f.queue[:n]...)
	f.queue = f.queue[n:]
	return batch, nil
}

func (f *fakeReservationStore) Complete(_ context.Context, _ *store.Subscription, messageID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, messageID)
	return nil
}

func (f *fakeReservationStore) Fail(_ context.Context, _ *store.Subscription, messageID uuid.UUID, _ int, cause string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed[messageID] = cause
	return nil
}

func (f *fakeReservationStore) Heartbeat(_ context.Context, _, _ uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats++
	return nil
}

func (f *fakeReservationStore) UpdateProgress(_ context.Context, _, messageID uuid.UUID, progress []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.progress[messageID] = progress
	return nil
}

func (f *fakeReservationStore) completedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.completed)
}

func parallelRow() *store.Subscription {
	return &store.Subscription{
		ID:              uuid.New(),
		Name:            "workers",
		ConsumptionMode: store.ModeParallel,
		MaxAttempts:     3,
	}
}

func sequentialRow() *store.Subscription {
	row := parallelRow()
	row.ConsumptionMode = store.ModeSequential
	return row
}

func testConsumer(t *testing.T, row *store.Subscription, fake *fakeReservationStore, handler Handler, mutate ...func(*consumerOptions)) *Consumer {
	t.Helper()

	opts := defaultConsumerOptions()
	opts.autostart = false
	opts.pollingInterval = 10 * time.Millisecond
	opts.heartbeatInterval = time.Hour // off unless a test dials it down
	for _, m := range mutate {
		m(&opts)
	}

	c := newConsumerCore(row, fake, handler, opts,
		func(context.Context) error { return nil },
		metrics.New(prometheus.NewRegistry()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = c.Stop(ctx)
	})
	return c
}

func TestConsumer_DrainCompletesQueue(t *testing.T) {
	fake := newFakeStore()
	ids := []uuid.UUID{fake.push(`{"n":1}`), fake.push(`{"n":2}`), fake.push(`{"n":3}`)}

	var handled []uuid.UUID
	var mu sync.Mutex
	c := testConsumer(t, parallelRow(), fake, func(_ context.Context, msg *Message) error {
		mu.Lock()
		handled = append(handled, msg.ID)
		mu.Unlock()
		return nil
	}, func(o *consumerOptions) { o.concurrency = 2 })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Consume(ctx))

	assert.ElementsMatch(t, ids, handled)
	assert.Equal(t, 3, fake.completedCount())

	// Batch sizes never exceed the concurrency budget.
	for _, limit := range fake.reserveLimit {
		assert.LessOrEqual(t, limit, 2)
	}
}

func TestConsumer_SequentialClampedToOne(t *testing.T) {
	fake := newFakeStore()
	fake.push(`{}`)
	fake.push(`{}`)

	c := testConsumer(t, sequentialRow(), fake, func(context.Context, *Message) error {
		return nil
	}, func(o *consumerOptions) { o.concurrency = 8 })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Consume(ctx))

	assert.Equal(t, 1, c.opts.concurrency)
	for _, limit := range fake.reserveLimit {
		assert.Equal(t, 1, limit)
	}
	assert.Equal(t, 2, fake.completedCount())
}

func TestConsumer_HandlerErrorRecordsFailure(t *testing.T) {
	fake := newFakeStore()
	id := fake.push(`{}`)

	var failedMsg *Message
	var failedErr error
	c := testConsumer(t, parallelRow(), fake, func(context.Context, *Message) error {
		return errors.New("downstream unavailable")
	})
	c.OnFailed(func(m *Message, err error) {
		failedMsg, failedErr = m, err
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Consume(ctx))

	fake.mu.Lock()
	cause := fake.failed[id]
	fake.mu.Unlock()
	assert.Equal(t, "downstream unavailable", cause)
	assert.Zero(t, fake.completedCount())
	require.NotNil(t, failedMsg)
	assert.Equal(t, id, failedMsg.ID)
	assert.EqualError(t, failedErr, "downstream unavailable")
}

func TestConsumer_PanicBecomesFailure(t *testing.T) {
	fake := newFakeStore()
	id := fake.push(`{}`)

	c := testConsumer(t, parallelRow(), fake, func(context.Context, *Message) error {
		panic("nil map write")
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Consume(ctx))

	fake.mu.Lock()
	cause := fake.failed[id]
	fake.mu.Unlock()
	assert.Contains(t, cause, "handler panic")
	assert.Contains(t, cause, "nil map write")
}

func TestConsumer_HeartbeatWhileProcessing(t *testing.T) {
	fake := newFakeStore()
	fake.push(`{}`)

	c := testConsumer(t, parallelRow(), fake, func(context.Context, *Message) error {
		time.Sleep(60 * time.Millisecond)
		return nil
	}, func(o *consumerOptions) { o.heartbeatInterval = 10 * time.Millisecond })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Consume(ctx))

	fake.mu.Lock()
	beats := fake.heartbeats
	fake.mu.Unlock()
	assert.GreaterOrEqual(t, beats, 2)
}

func TestConsumer_IdleEventAtDrainEnd(t *testing.T) {
	fake := newFakeStore()
	fake.push(`{}`)

	var idleCount int
	var mu sync.Mutex
	c := testConsumer(t, parallelRow(), fake, func(context.Context, *Message) error {
		return nil
	})
	c.OnIdle(func() {
		mu.Lock()
		idleCount++
		mu.Unlock()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Consume(ctx))

	mu.Lock()
	assert.Equal(t, 1, idleCount)
	mu.Unlock()

	// Already idle: WaitIdle returns immediately.
	require.NoError(t, c.WaitIdle(ctx))
}

func TestConsumer_CoalescingConsume(t *testing.T) {
	fake := newFakeStore()
	fake.push(`{}`)
	fake.push(`{}`)

	release := make(chan struct{})
	started := make(chan struct{}, 2)
	c := testConsumer(t, parallelRow(), fake, func(context.Context, *Message) error {
		started <- struct{}{}
		<-release
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, c.Consume(ctx))
		}()
	}

	<-started // one in flight, the second Consume joined the drain
	close(release)
	wg.Wait()

	assert.Equal(t, 2, fake.completedCount())
}

func TestConsumer_PollLoopPicksUpWork(t *testing.T) {
	fake := newFakeStore()

	done := make(chan uuid.UUID, 1)
	c := testConsumer(t, parallelRow(), fake, func(_ context.Context, msg *Message) error {
		done <- msg.ID
		return nil
	})
	c.Start()

	id := fake.push(`{}`)

	select {
	case got := <-done:
		assert.Equal(t, id, got)
	case <-time.After(2 * time.Second):
		t.Fatal("poll loop never delivered the message")
	}
}

func TestConsumer_StopAwaitsInFlight(t *testing.T) {
	fake := newFakeStore()
	fake.push(`{}`)

	entered := make(chan struct{})
	c := testConsumer(t, parallelRow(), fake, func(context.Context, *Message) error {
		close(entered)
		time.Sleep(30 * time.Millisecond)
		return nil
	})
	c.Start()

	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Stop(ctx))

	// Stop returned only after the in-flight handler concluded.
	assert.Equal(t, 1, fake.completedCount())

	// Stopped consumers refuse explicit drains.
	assert.ErrorIs(t, c.Consume(ctx), ErrConsumerStopped)
}

func TestConsumer_RateLimitSpacesDispatches(t *testing.T) {
	fake := newFakeStore()
	fake.push(`{}`)
	fake.push(`{}`)
	fake.push(`{}`)

	c := testConsumer(t, parallelRow(), fake, func(context.Context, *Message) error {
		return nil
	}, func(o *consumerOptions) { o.rateLimit = 50 })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	start := time.Now()
	require.NoError(t, c.Consume(ctx))

	// Burst of one at 50/s: three messages need at least two 20ms waits.
	assert.GreaterOrEqual(t, time.Since(start), 35*time.Millisecond)
	assert.Equal(t, 3, fake.completedCount())
}

func TestConsumer_ProgressRoundTrip(t *testing.T) {
	fake := newFakeStore()
	id := fake.push(`{}`)

	var reported json.RawMessage
	var mu sync.Mutex
	c := testConsumer(t, parallelRow(), fake, func(ctx context.Context, msg *Message) error {
		return msg.UpdateProgress(ctx, map[string]int{"done": 40})
	})
	c.OnProgress(func(_ *Message, p json.RawMessage) {
		mu.Lock()
		reported = p
		mu.Unlock()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Consume(ctx))

	fake.mu.Lock()
	stored := fake.progress[id]
	fake.mu.Unlock()
	assert.JSONEq(t, `{"done":40}`, string(stored))

	mu.Lock()
	assert.JSONEq(t, `{"done":40}`, string(reported))
	mu.Unlock()
}

func TestConsumer_ProcessAndCompletedEvents(t *testing.T) {
	fake := newFakeStore()
	id := fake.push(`{"v":7}`)

	var processed, completed []uuid.UUID
	var consumes int
	var mu sync.Mutex

	c := testConsumer(t, parallelRow(), fake, func(_ context.Context, msg *Message) error {
		var v struct {
			V int `json:"v"`
		}
		if err := msg.Unmarshal(&v); err != nil {
			return err
		}
		assert.Equal(t, 7, v.V)
		return nil
	})
	c.OnProcess(func(m *Message) {
		mu.Lock()
		processed = append(processed, m.ID)
		mu.Unlock()
	})
	c.OnCompleted(func(m *Message) {
		mu.Lock()
		completed = append(completed, m.ID)
		mu.Unlock()
	})
	c.OnConsume(func() {
		mu.Lock()
		consumes++
		mu.Unlock()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Consume(ctx))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []uuid.UUID{id}, processed)
	assert.Equal(t, []uuid.UUID{id}, completed)
	assert.GreaterOrEqual(t, consumes, 1)
}

func TestConsumer_ReservationErrorEndsDrain(t *testing.T) {
	fake := newFakeStore()
	fake.reserveErr = errors.New("connection refused")

	c := testConsumer(t, parallelRow(), fake, func(context.Context, *Message) error {
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// The drain swallows the error and goes idle; the next poll retries.
	require.NoError(t, c.Consume(ctx))
	assert.Zero(t, fake.completedCount())
}
