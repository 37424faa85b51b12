package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/MischaAhrens/rawstore/pkg/metrics"
)

// OverflowPolicy decides what happens when a message arrives while the
// intake queue is full.
type OverflowPolicy string

const (
	// OverflowBlock blocks the enqueueing goroutine until space frees up.
	// Because broker deliveries are handled serially, this stalls protocol
	// acknowledgements and lets the broker's inflight window throttle
	// producers. Nothing is lost.
	OverflowBlock OverflowPolicy = "block"
	// OverflowDropOldest waits a bounded time for space, then evicts the
	// oldest queued message to admit the new one. The evicted message is
	// already acked and therefore lost; the loss is logged and counted.
	OverflowDropOldest OverflowPolicy = "drop_oldest"
)

// ParseOverflowPolicy converts a configuration string into a policy.
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch OverflowPolicy(s) {
	case OverflowBlock, OverflowDropOldest:
		return OverflowPolicy(s), nil
	case "":
		return OverflowBlock, nil
	default:
		return "", fmt.Errorf("unknown overflow policy %q (want %q or %q)", s, OverflowBlock, OverflowDropOldest)
	}
}

// PipelineConfig holds configuration for a Pipeline.
type PipelineConfig struct {
	// QueueCapacity bounds the intake queue.
	QueueCapacity int
	// NumWorkers is the number of goroutines draining the queue into the
	// store. The default of 1 keeps write order identical to arrival order;
	// raising it trades that guarantee for write parallelism.
	NumWorkers     int
	OverflowPolicy OverflowPolicy
	// OverflowWait is the bounded wait before OverflowDropOldest evicts.
	OverflowWait time.Duration
}

// Pipeline owns the bounded intake queue between the broker and the store.
// Deliveries enter through Enqueue, which normalizes, queues and then acks;
// a fixed worker pool drains the queue into the RecordWriter.
type Pipeline struct {
	cfg       PipelineConfig
	normalize Normalizer
	writer    RecordWriter
	logger    zerolog.Logger
	metrics   *metrics.Metrics

	queue      chan *RawMessage
	intakeDone chan struct{}
	closed     atomic.Bool

	// queued/completed track every message that entered the queue and every
	// message that left it (stored, dropped or evicted). Their difference,
	// together with inflight Enqueue calls, is the drain condition.
	queued    atomic.Int64
	completed atomic.Int64
	inflight  atomic.Int64

	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup

	fatal     chan error
	fatalOnce sync.Once
	closeOnce sync.Once
	stopOnce  sync.Once
}

// NewPipeline creates a Pipeline. It does not start workers until Start is called.
func NewPipeline(
	cfg PipelineConfig,
	normalize Normalizer,
	writer RecordWriter,
	m *metrics.Metrics,
	logger zerolog.Logger,
) (*Pipeline, error) {
	if normalize == nil {
		return nil, fmt.Errorf("normalizer cannot be nil")
	}
	if writer == nil {
		return nil, fmt.Errorf("record writer cannot be nil")
	}
	if m == nil {
		return nil, fmt.Errorf("metrics cannot be nil")
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 4096
	}
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = 1
	}
	if cfg.OverflowPolicy == "" {
		cfg.OverflowPolicy = OverflowBlock
	}
	if cfg.OverflowWait <= 0 {
		cfg.OverflowWait = 5 * time.Second
	}

	return &Pipeline{
		cfg:        cfg,
		normalize:  normalize,
		writer:     writer,
		logger:     logger.With().Str("component", "Pipeline").Logger(),
		metrics:    m,
		queue:      make(chan *RawMessage, cfg.QueueCapacity),
		intakeDone: make(chan struct{}),
		fatal:      make(chan error, 1),
	}, nil
}

// Start spawns the worker pool. The context bounds the lifetime of all
// workers and of any in-flight store write.
func (p *Pipeline) Start(ctx context.Context) {
	p.runCtx, p.runCancel = context.WithCancel(ctx)
	p.logger.Info().
		Int("workers", p.cfg.NumWorkers).
		Int("queue_capacity", p.cfg.QueueCapacity).
		Str("overflow_policy", string(p.cfg.OverflowPolicy)).
		Msg("Starting ingestion workers...")
	p.wg.Add(p.cfg.NumWorkers)
	for i := 0; i < p.cfg.NumWorkers; i++ {
		go p.worker(i)
	}
}

// Fatal returns a channel that receives at most one error when the store
// rejects writes permanently and ingestion has halted.
func (p *Pipeline) Fatal() <-chan error {
	return p.fatal
}

// Enqueue normalizes a delivery, places it on the queue and acks it. A nil
// return means the delivery was fully handled, including the malformed case
// where it is acked and dropped on purpose. A non-nil return means the
// delivery was not queued and not acked, leaving it with the broker.
func (p *Pipeline) Enqueue(ctx context.Context, d *Delivery) error {
	// Counted before the closed check: Drain must not declare the queue
	// settled while a call that passed the check could still commit a send.
	p.inflight.Add(1)
	defer p.inflight.Add(-1)

	if p.closed.Load() {
		return ErrIntakeClosed
	}

	p.metrics.IncReceived(d.Topic)

	msg, err := p.normalize(d)
	if err != nil {
		p.logger.Warn().Err(err).Str("topic", d.Topic).Msg("Dropping malformed message.")
		p.metrics.IncDropped(d.Topic, metrics.DropInvalidTopic)
		d.Ack()
		return nil
	}

	if err := p.push(ctx, msg); err != nil {
		return err
	}
	p.metrics.SetQueueDepth(len(p.queue))
	d.Ack()
	return nil
}

// push places a normalized message on the queue, honoring the overflow policy.
// The message is counted as queued before any send attempt, so a send that
// commits is never invisible to the drain accounting; the count is rolled
// back on the paths that do not deliver.
func (p *Pipeline) push(ctx context.Context, msg *RawMessage) error {
	p.queued.Add(1)

	select {
	case p.queue <- msg:
		return nil
	default:
	}

	if p.cfg.OverflowPolicy == OverflowDropOldest {
		err := p.pushEvicting(ctx, msg)
		if err != nil {
			p.queued.Add(-1)
		}
		return err
	}

	select {
	case p.queue <- msg:
		return nil
	case <-ctx.Done():
		p.queued.Add(-1)
		return ctx.Err()
	case <-p.intakeDone:
		p.queued.Add(-1)
		return ErrIntakeClosed
	}
}

// pushEvicting waits OverflowWait for space, then evicts queued messages
// oldest-first until the new one fits. The caller has already counted msg
// as queued and rolls that back if this returns an error.
func (p *Pipeline) pushEvicting(ctx context.Context, msg *RawMessage) error {
	wait := time.NewTimer(p.cfg.OverflowWait)
	defer wait.Stop()

	select {
	case p.queue <- msg:
		return nil
	case <-wait.C:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.intakeDone:
		return ErrIntakeClosed
	}

	for {
		select {
		case old := <-p.queue:
			p.logger.Warn().Str("topic", old.Topic).Time("received_at", old.ReceivedAt).
				Msg("Queue still full past the overflow wait, evicted oldest message.")
			p.metrics.IncDropped(old.Topic, metrics.DropQueueOverflow)
			p.completed.Add(1)
		default:
		}

		select {
		case p.queue <- msg:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-p.intakeDone:
			return ErrIntakeClosed
		default:
			// Another producer may have taken the freed slot; evict again.
		}
	}
}

// CloseIntake gates Enqueue and releases any goroutine blocked in it.
// Idempotent; Drain calls it implicitly.
func (p *Pipeline) CloseIntake() {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		close(p.intakeDone)
		p.logger.Info().Msg("Pipeline intake closed.")
	})
}

// Drain blocks until in-flight enqueues have settled and every queued message
// has been handed to the writer and completed, bounded by ctx. On a clean
// drain it returns 0. When ctx expires first, or the workers have already
// halted (fatal store error, cancelled Start context), the remaining queued
// messages are discarded, each one logged and counted, and their number is
// returned. Workers are stopped in both cases.
func (p *Pipeline) Drain(ctx context.Context) int {
	p.CloseIntake()

	// Once the worker context is cancelled nothing consumes the queue
	// anymore, so waiting out the budget cannot make progress.
	var halted <-chan struct{}
	if p.runCtx != nil {
		halted = p.runCtx.Done()
	}

	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()

	for p.inflight.Load() > 0 || p.pending() > 0 {
		select {
		case <-ticker.C:
		case <-halted:
			return p.abortDrain()
		case <-ctx.Done():
			return p.abortDrain()
		}
	}

	p.stopWorkers()
	p.logger.Info().Int64("stored_or_dropped", p.completed.Load()).Msg("Queue drained cleanly.")
	return 0
}

func (p *Pipeline) pending() int64 {
	return p.queued.Load() - p.completed.Load()
}

// abortDrain stops the workers, cancelling any in-flight write, and discards
// whatever is still queued.
func (p *Pipeline) abortDrain() int {
	p.stopWorkers()

	dropped := 0
	for {
		select {
		case msg := <-p.queue:
			p.logger.Warn().Str("topic", msg.Topic).Time("received_at", msg.ReceivedAt).
				Msg("Drain aborted, discarding queued message.")
			p.metrics.IncDropped(msg.Topic, metrics.DropShutdownDrain)
			p.completed.Add(1)
			dropped++
		default:
			p.logger.Warn().Int("dropped", dropped).Msg("Drain aborted before the queue emptied.")
			return dropped
		}
	}
}

func (p *Pipeline) stopWorkers() {
	p.stopOnce.Do(func() {
		if p.runCancel != nil {
			p.runCancel()
		}
		p.wg.Wait()
	})
}

// worker is the main processing loop for each drain goroutine.
func (p *Pipeline) worker(id int) {
	defer p.wg.Done()
	p.logger.Debug().Int("worker_id", id).Msg("Ingestion worker started.")
	for {
		// The stop signal wins over queued work, so a halted pipeline takes
		// nothing more off the queue.
		select {
		case <-p.runCtx.Done():
			p.logger.Debug().Int("worker_id", id).Msg("Ingestion worker stopped.")
			return
		default:
		}

		select {
		case msg := <-p.queue:
			p.handle(msg)
		case <-p.runCtx.Done():
			p.logger.Debug().Int("worker_id", id).Msg("Ingestion worker stopped.")
			return
		}
	}
}

// handle routes one message through the writer and classifies the outcome.
func (p *Pipeline) handle(msg *RawMessage) {
	defer func() {
		p.completed.Add(1)
		p.metrics.SetQueueDepth(len(p.queue))
	}()

	err := p.writer.Write(p.runCtx, msg)
	if err == nil {
		p.metrics.IncStored(msg.Topic)
		return
	}

	var perm *PermanentError
	switch {
	case errors.As(err, &perm):
		p.logger.Error().Err(err).Str("topic", msg.Topic).Msg("Store rejected write permanently, halting ingestion.")
		p.metrics.IncDropped(msg.Topic, metrics.DropPermanentError)
		p.fail(err)
	case errors.Is(err, ErrRecordDropped):
		p.metrics.IncDropped(msg.Topic, metrics.DropRetriesExhausted)
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		p.logger.Warn().Str("topic", msg.Topic).Msg("Write aborted by shutdown, message not stored.")
		p.metrics.IncDropped(msg.Topic, metrics.DropShutdownDrain)
	default:
		p.logger.Error().Err(err).Str("topic", msg.Topic).Msg("Store writer returned an unclassified error, message not stored.")
		p.metrics.IncDropped(msg.Topic, metrics.DropRetriesExhausted)
	}
}

// fail publishes the fatal error once and stops the worker pool from taking
// further messages.
func (p *Pipeline) fail(err error) {
	p.fatalOnce.Do(func() {
		p.fatal <- err
		if p.runCancel != nil {
			p.runCancel()
		}
	})
}
