package pgtransit

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"

	"github.com/delimaa/pg-transit/internal/metrics"
	"github.com/delimaa/pg-transit/internal/store"
)

// Broker is the entry point of pg-transit. It owns the schema bootstrap,
// the background sweeps (retention trim, stale reset, scheduler), and
// hands out topics. Safe for concurrent use; any number of brokers across
// processes may share one database.
type Broker struct {
	cfg    Config
	store  *store.Store
	ownsDB bool

	registry *prometheus.Registry
	metrics  *metrics.Metrics
	breaker  *gobreaker.CircuitBreaker

	// initErr is written once before initDone closes.
	initDone chan struct{}
	initErr  error

	loopCancel context.CancelFunc
	loops      *errgroup.Group

	mu        sync.Mutex
	topics    map[string]*Topic
	consumers []*Consumer
	onStale   []func(StaleReset)
	closed    bool
}

// Open connects to PostgreSQL and returns a broker. Schema bootstrap
// runs in the background; operations transparently wait for it, or call
// WaitInit to observe it explicitly.
func Open(ctx context.Context, cfg Config) (*Broker, error) {
	cfg.applyDefaults()

	db, err := store.Connect(ctx, cfg.DB)
	if err != nil {
		return nil, err
	}

	return newBroker(db, cfg, true), nil
}

// OpenDB wraps an existing database pool. The caller keeps ownership of
// the pool: Close stops the broker but leaves the pool open.
func OpenDB(ctx context.Context, db *sql.DB, cfg Config) (*Broker, error) {
	cfg.applyDefaults()

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return newBroker(sqlx.NewDb(db, "postgres"), cfg, false), nil
}

func newBroker(db *sqlx.DB, cfg Config, ownsDB bool) *Broker {
	b := &Broker{
		cfg:      cfg,
		store:    store.New(db, cfg.DB.QueryTimeout),
		ownsDB:   ownsDB,
		registry: prometheus.NewRegistry(),
		initDone: make(chan struct{}),
		topics:   make(map[string]*Topic),
	}
	b.metrics = metrics.New(b.registry)

	b.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "pg-transit-db",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("database circuit breaker state change")
		},
	})

	go b.runInit()
	b.startLoops()

	return b
}

// runInit bootstraps the schema exactly once. Every public operation
// consults the barrier before touching the database.
func (b *Broker) runInit() {
	defer close(b.initDone)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if err := b.store.EnsureSchema(ctx); err != nil {
		b.initErr = fmt.Errorf("schema bootstrap failed: %w", err)
		log.Error().Err(err).Msg("pg-transit schema bootstrap failed")
	}
}

// WaitInit blocks until the schema bootstrap finished and returns its
// outcome.
func (b *Broker) WaitInit(ctx context.Context) error {
	select {
	case <-b.initDone:
		return b.initErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ready gates a public operation on liveness and initialization.
func (b *Broker) ready(ctx context.Context) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}

	return b.WaitInit(ctx)
}

// Topic returns a handle on the named topic, creating the row lazily on
// first use. Options only apply when this broker ends up creating the
// topic; an existing topic keeps its stored retention.
func (b *Broker) Topic(name string, opts ...TopicOption) *Topic {
	b.mu.Lock()
	defer b.mu.Unlock()

	if t, ok := b.topics[name]; ok {
		return t
	}

	o := defaultTopicOptions()
	for _, opt := range opts {
		opt(&o)
	}

	t := &Topic{
		broker:       b,
		name:         name,
		maxRetention: o.maxRetention,
	}
	b.topics[name] = t
	return t
}

// OnStale registers an observer for messages the stale sweep puts back
// in line. Fire-and-forget, in-process only.
func (b *Broker) OnStale(fn func(StaleReset)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onStale = append(b.onStale, fn)
}

// Trim deletes acknowledged messages beyond retention on every
// finite-retention topic and returns the number deleted.
func (b *Broker) Trim(ctx context.Context) (int64, error) {
	if err := b.ready(ctx); err != nil {
		return 0, err
	}
	return b.trimAll(ctx)
}

// ResetStale reclaims every processing message whose heartbeat lapsed
// and returns the touched rows.
func (b *Broker) ResetStale(ctx context.Context) ([]StaleReset, error) {
	if err := b.ready(ctx); err != nil {
		return nil, err
	}
	return b.resetStale(ctx)
}

// ProcessScheduled materializes every due cron schedule into a concrete
// message and returns the number fired.
func (b *Broker) ProcessScheduled(ctx context.Context) (int, error) {
	if err := b.ready(ctx); err != nil {
		return 0, err
	}
	return b.processScheduled(ctx)
}

// Stats aggregates per-topic message counts and per-subscription status
// counts.
func (b *Broker) Stats(ctx context.Context) ([]TopicStats, error) {
	if err := b.ready(ctx); err != nil {
		return nil, err
	}
	return b.store.Stats(ctx)
}

// Gatherer exposes the broker's Prometheus registry for scraping.
func (b *Broker) Gatherer() prometheus.Gatherer {
	return b.registry
}

// Close stops consumers and background sweeps, waits for pending work
// within the context's deadline, then releases the pool when the broker
// owns it. Idempotent; best-effort on a canceled context.
func (b *Broker) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	consumers := append([]*Consumer(nil), b.consumers...)
	b.mu.Unlock()

	for _, c := range consumers {
		if err := c.Stop(ctx); err != nil {
			log.Warn().Err(err).Str("subscription", c.row.Name).Msg("consumer did not stop cleanly")
		}
	}

	b.loopCancel()
	done := make(chan struct{})
	go func() {
		// Sweep loops only return on cancellation, never with an error.
		_ = b.loops.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		log.Warn().Msg("context expired before background sweeps drained")
	}

	if b.ownsDB {
		if err := b.store.Close(); err != nil {
			return fmt.Errorf("failed to close database pool: %w", err)
		}
	}

	return nil
}

func (b *Broker) startLoops() {
	ctx, cancel := context.WithCancel(context.Background())
	b.loopCancel = cancel
	b.loops = &errgroup.Group{}

	b.loops.Go(func() error {
		return b.sweepLoop(ctx, "trim", b.cfg.TrimInterval, func(ctx context.Context) error {
			_, err := b.trimAll(ctx)
			return err
		})
	})
	b.loops.Go(func() error {
		return b.sweepLoop(ctx, "stale", b.cfg.ResetStaleInterval, func(ctx context.Context) error {
			_, err := b.resetStale(ctx)
			return err
		})
	})
	b.loops.Go(func() error {
		return b.sweepLoop(ctx, "scheduler", b.cfg.ScheduledInterval, func(ctx context.Context) error {
			_, err := b.processScheduled(ctx)
			return err
		})
	})
}

// sweepLoop drives one background sweep on a ticker. The first run
// happens a full interval after start. Errors are logged and swallowed;
// the circuit breaker keeps a dead database from being hammered on
// every tick.
func (b *Broker) sweepLoop(ctx context.Context, name string, every time.Duration, sweep func(context.Context) error) error {
	select {
	case <-b.initDone:
		if b.initErr != nil {
			return nil
		}
	case <-ctx.Done():
		return nil
	}

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := b.breaker.Execute(func() (interface{}, error) {
				return nil, sweep(ctx)
			}); err != nil {
				log.Warn().Err(err).Str("sweep", name).Msg("background sweep failed")
			}
		}
	}
}

func (b *Broker) trimAll(ctx context.Context) (int64, error) {
	topics, err := b.store.ListTopics(ctx)
	if err != nil {
		return 0, err
	}

	var total int64
	for i := range topics {
		if topics[i].MaxRetention == nil {
			continue
		}
		n, err := b.store.TrimTopic(ctx, &topics[i])
		if err != nil {
			return total, err
		}
		total += n
	}

	if total > 0 {
		b.metrics.MessagesTrimmed.Add(float64(total))
	}
	return total, nil
}

func (b *Broker) resetStale(ctx context.Context) ([]StaleReset, error) {
	resets, err := b.store.ResetStale(ctx, b.cfg.StaleTimeout)
	if err != nil {
		return nil, err
	}
	if len(resets) == 0 {
		return nil, nil
	}

	b.metrics.StaleResets.Add(float64(len(resets)))

	b.mu.Lock()
	observers := append(([]func(StaleReset))(nil), b.onStale...)
	b.mu.Unlock()

	for _, r := range resets {
		if !r.Reopened() {
			continue
		}
		for _, fn := range observers {
			fn(r)
		}
	}

	return resets, nil
}

func (b *Broker) processScheduled(ctx context.Context) (int, error) {
	fired, err := b.store.ProcessDueSchedules(ctx)
	if err != nil {
		return 0, err
	}
	if fired > 0 {
		b.metrics.SchedulerFires.Add(float64(fired))
	}
	return fired, nil
}

func (b *Broker) registerConsumer(c *Consumer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consumers = append(b.consumers, c)
}
