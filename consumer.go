package pgtransit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/delimaa/pg-transit/internal/metrics"
	"github.com/delimaa/pg-transit/internal/store"
)

// Handler processes one delivered message. A nil return acknowledges the
// message; an error (or a panic) records a failure and triggers the
// subscription's retry policy.
type Handler func(ctx context.Context, msg *Message) error

// Message is one message delivered to a handler.
type Message struct {
	ID       uuid.UUID
	Payload  json.RawMessage
	Priority *int

	// Attempts is the delivery attempt this message is on, starting
	// at 1.
	Attempts int

	consumer *Consumer
}

// Unmarshal decodes the JSON payload into v.
func (m *Message) Unmarshal(v any) error {
	return json.Unmarshal(m.Payload, v)
}

// UpdateProgress stores a progress report on the in-flight message and
// notifies progress observers. Progress is cleared on every reservation,
// so each attempt starts blank.
func (m *Message) UpdateProgress(ctx context.Context, progress any) error {
	raw, err := marshalPayload(progress)
	if err != nil {
		return err
	}

	if err := m.consumer.store.UpdateProgress(ctx, m.consumer.row.ID, m.ID, raw); err != nil {
		return err
	}

	m.consumer.events.emitProgress(m, raw)
	return nil
}

// reservationStore is the slice of the persistence layer the consumer
// runtime drives. Narrowed to an interface so the runtime is testable
// without a database.
type reservationStore interface {
	ReserveNext(ctx context.Context, sub *store.Subscription, limit int) ([]store.ReservedMessage, error)
	Complete(ctx context.Context, sub *store.Subscription, messageID uuid.UUID) error
	Fail(ctx context.Context, sub *store.Subscription, messageID uuid.UUID, attempts int, cause string) error
	Heartbeat(ctx context.Context, subscriptionID, messageID uuid.UUID) error
	UpdateProgress(ctx context.Context, subscriptionID, messageID uuid.UUID, progress []byte) error
}

// finalizeTimeout bounds the completion or failure write after a handler
// returns.
const finalizeTimeout = 30 * time.Second

// Consumer drives one handler against one subscription: a poll loop
// requests drains, a drain reserves batches within the concurrency
// budget and dispatches them, and each in-flight message keeps a
// heartbeat alive until its handler returns.
type Consumer struct {
	row      *store.Subscription
	handler  Handler
	opts     consumerOptions
	store    reservationStore
	limiter  *rate.Limiter
	waitInit func(context.Context) error
	metrics  *metrics.Metrics

	events consumerEvents

	mu       sync.Mutex
	inFlight int
	draining bool
	pending  bool
	stopped  bool
	idleCh   chan struct{}

	// wake is a 1-buffered signal: a freed slot or a coalesced drain
	// request while the drain goroutine is parked.
	wake chan struct{}

	pollCancel context.CancelFunc
	pollDone   chan struct{}

	handlers sync.WaitGroup
}

func newConsumer(sub *Subscription, handler Handler, opts consumerOptions) *Consumer {
	return newConsumerCore(sub.row, sub.broker.store, handler, opts,
		sub.broker.WaitInit, sub.broker.metrics)
}

func newConsumerCore(row *store.Subscription, rs reservationStore, handler Handler, opts consumerOptions, waitInit func(context.Context) error, m *metrics.Metrics) *Consumer {
	// Sequential delivery admits one in-flight message by definition.
	if row.ConsumptionMode == store.ModeSequential {
		opts.concurrency = 1
	}

	c := &Consumer{
		row:      row,
		handler:  handler,
		opts:     opts,
		store:    rs,
		waitInit: waitInit,
		metrics:  m,
		wake:     make(chan struct{}, 1),
	}
	if opts.rateLimit > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(opts.rateLimit), 1)
	}
	return c
}

// WaitInit blocks until the broker's schema bootstrap finished.
func (c *Consumer) WaitInit(ctx context.Context) error {
	return c.waitInit(ctx)
}

// Start begins the poll loop. No-op when already started or stopped.
func (c *Consumer) Start() {
	c.mu.Lock()
	if c.stopped || c.pollCancel != nil {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.pollCancel = cancel
	c.pollDone = make(chan struct{})
	c.mu.Unlock()

	go c.pollLoop(ctx)
}

func (c *Consumer) pollLoop(ctx context.Context) {
	defer close(c.pollDone)

	if err := c.waitInit(ctx); err != nil {
		return
	}

	c.kick()

	ticker := time.NewTicker(c.opts.pollingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.kick()
		}
	}
}

// Consume requests one explicit drain and waits for the consumer to go
// idle. Coalescing: when a drain is already running this call joins it
// instead of starting another.
func (c *Consumer) Consume(ctx context.Context) error {
	if err := c.waitInit(ctx); err != nil {
		return err
	}
	if !c.kick() {
		return ErrConsumerStopped
	}
	return c.WaitIdle(ctx)
}

// kick requests a drain, starting the drain goroutine when none is
// running. Reports false on a stopped consumer.
func (c *Consumer) kick() bool {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return false
	}
	c.pending = true
	if !c.draining {
		c.draining = true
		c.idleCh = make(chan struct{})
		go c.drain()
	} else {
		c.signalWake()
	}
	c.mu.Unlock()

	c.events.emitConsume()
	return true
}

func (c *Consumer) signalWake() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// drain reserves and dispatches messages until nothing is reservable,
// nothing is in flight, and no drain request is pending.
func (c *Consumer) drain() {
	ctx := context.Background()

	for {
		c.mu.Lock()
		c.pending = false
		free := c.opts.concurrency - c.inFlight
		c.mu.Unlock()

		if free > 0 {
			start := time.Now()
			batch, err := c.store.ReserveNext(ctx, c.row, free)
			c.metrics.ReserveDuration.Observe(time.Since(start).Seconds())

			if err != nil {
				log.Warn().Err(err).
					Str("subscription", c.row.Name).
					Msg("reservation failed, retrying on next poll")
			} else if len(batch) > 0 {
				c.metrics.MessagesReserved.WithLabelValues(c.row.Name).Add(float64(len(batch)))
				for i := range batch {
					c.dispatch(batch[i])
				}
				continue
			}
		}

		c.mu.Lock()
		if c.pending {
			c.mu.Unlock()
			continue
		}
		if c.inFlight == 0 {
			c.draining = false
			close(c.idleCh)
			c.mu.Unlock()
			c.events.emitIdle()
			return
		}
		c.mu.Unlock()

		// Parked until a slot frees or another drain request arrives.
		<-c.wake
	}
}

func (c *Consumer) dispatch(rm store.ReservedMessage) {
	c.mu.Lock()
	c.inFlight++
	c.mu.Unlock()
	c.metrics.InFlight.Inc()

	msg := &Message{
		ID:       rm.MessageID,
		Payload:  rm.Payload,
		Priority: rm.Priority,
		Attempts: rm.Attempts,
		consumer: c,
	}

	c.handlers.Add(1)
	go func() {
		defer c.handlers.Done()

		c.process(msg)

		c.mu.Lock()
		c.inFlight--
		c.mu.Unlock()
		c.metrics.InFlight.Dec()
		c.signalWake()
	}()
}

// process runs one message through the handler with a live heartbeat,
// then concludes it.
func (c *Consumer) process(msg *Message) {
	c.events.emitProcess(msg)

	hbCtx, stopHeartbeat := context.WithCancel(context.Background())
	hbDone := make(chan struct{})
	go c.heartbeatLoop(hbCtx, hbDone, msg.ID)

	err := c.invokeHandler(msg)

	stopHeartbeat()
	<-hbDone

	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()

	if err != nil {
		if ferr := c.store.Fail(ctx, c.row, msg.ID, msg.Attempts, err.Error()); ferr != nil {
			if errors.Is(ferr, store.ErrNotProcessing) {
				// The stale sweep reclaimed the row mid-handler.
				log.Debug().
					Str("subscription", c.row.Name).
					Str("message_id", msg.ID.String()).
					Msg("failure not recorded: message no longer processing")
			} else {
				log.Error().Err(ferr).
					Str("subscription", c.row.Name).
					Str("message_id", msg.ID.String()).
					Msg("failed to record handler failure")
			}
		}
		c.metrics.MessagesFailed.WithLabelValues(c.row.Name).Inc()
		c.events.emitFailed(msg, err)
		return
	}

	if cerr := c.store.Complete(ctx, c.row, msg.ID); cerr != nil {
		if errors.Is(cerr, store.ErrNotProcessing) {
			log.Debug().
				Str("subscription", c.row.Name).
				Str("message_id", msg.ID.String()).
				Msg("completion not recorded: message no longer processing")
		} else {
			log.Error().Err(cerr).
				Str("subscription", c.row.Name).
				Str("message_id", msg.ID.String()).
				Msg("failed to record completion")
		}
		return
	}

	c.metrics.MessagesCompleted.WithLabelValues(c.row.Name).Inc()
	c.events.emitCompleted(msg)
}

// invokeHandler runs the handler panic-safe, applying the optional
// dispatch rate limit first.
func (c *Consumer) invokeHandler(msg *Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	if c.limiter != nil {
		if lerr := c.limiter.Wait(context.Background()); lerr != nil {
			return lerr
		}
	}

	return c.handler(context.Background(), msg)
}

func (c *Consumer) heartbeatLoop(ctx context.Context, done chan struct{}, messageID uuid.UUID) {
	defer close(done)

	ticker := time.NewTicker(c.opts.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hctx, cancel := context.WithTimeout(context.Background(), c.opts.heartbeatInterval)
			err := c.store.Heartbeat(hctx, c.row.ID, messageID)
			cancel()
			if err != nil {
				if errors.Is(err, store.ErrNotProcessing) {
					// Reclaimed by the stale sweep; stop beating.
					return
				}
				log.Warn().Err(err).
					Str("subscription", c.row.Name).
					Str("message_id", messageID.String()).
					Msg("heartbeat failed")
			}
		}
	}
}

// Stop halts the poll loop and waits for the current drain to go idle.
// In-flight handlers run to completion. Idempotent.
func (c *Consumer) Stop(ctx context.Context) error {
	c.mu.Lock()
	alreadyStopped := c.stopped
	c.stopped = true
	cancel := c.pollCancel
	pollDone := c.pollDone
	c.mu.Unlock()

	if !alreadyStopped && cancel != nil {
		cancel()
		select {
		case <-pollDone:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return c.WaitIdle(ctx)
}

// WaitIdle blocks until the current drain (if any) ends.
func (c *Consumer) WaitIdle(ctx context.Context) error {
	c.mu.Lock()
	if !c.draining {
		c.mu.Unlock()
		return nil
	}
	idle := c.idleCh
	c.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
