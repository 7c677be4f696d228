// Package consumer runs a pool of workers that drain the primary queue and
// settle every message according to the outcome returned by a Handler.
//
// A single receive loop long-polls the queue and feeds a channel read by the
// workers. Settlement maps outcomes onto the queue facade:
//
//	Ack    -> Delete
//	Retry  -> Reschedule
//	Reject -> DeadLetter
package consumer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gurre/cloudfacade/logger"
	"github.com/gurre/cloudfacade/metrics"
	"github.com/gurre/cloudfacade/queue"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// OpHandle is the metrics operation name for handler invocations.
const OpHandle = "handle"

// DefaultWorkers is used when Options.Workers is not positive.
const DefaultWorkers = 4

// Outcome tells the consumer how to settle a handled message.
type Outcome int

const (
	// Ack deletes the message.
	Ack Outcome = iota
	// Retry reschedules the message on the primary queue.
	Retry
	// Reject moves the message to the dead-letter queue.
	Reject
)

func (o Outcome) String() string {
	switch o {
	case Ack:
		return "ack"
	case Retry:
		return "retry"
	case Reject:
		return "reject"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Handler processes one message. A non-nil error overrides the returned
// outcome: Retry, or Reject when the error is wrapped with Permanent.
type Handler interface {
	Handle(ctx context.Context, msg queue.Message) (Outcome, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg queue.Message) (Outcome, error)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, msg queue.Message) (Outcome, error) {
	return f(ctx, msg)
}

// Queue is the subset of *queue.Client the consumer drives.
type Queue interface {
	Receive(ctx context.Context, maxMessages int32) ([]queue.Message, error)
	Delete(ctx context.Context, msg queue.Message) error
	DeadLetter(ctx context.Context, msg queue.Message) error
	Reschedule(ctx context.Context, msg queue.Message) error
}

var _ Queue = (*queue.Client)(nil)

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. The message is dead-lettered.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// WorkerStatus tracks the progress of one worker.
type WorkerStatus struct {
	LastErrorTime  time.Time
	StartTime      time.Time
	LastActive     time.Time
	LastError      error
	CurrentMessage string
	Acked          int64
	Retried        int64
	Rejected       int64
	ID             int
}

// Handled is the number of messages the worker has settled.
func (s WorkerStatus) Handled() int64 {
	return s.Acked + s.Retried + s.Rejected
}

// Options configures a Consumer.
type Options struct {
	// Workers is the number of concurrent handlers.
	Workers int
	// BatchSize is the maximum number of messages per receive.
	BatchSize int32
	// MaxReceives dead-letters messages received more than this many times
	// without calling the handler. Zero disables the check.
	MaxReceives int
	// ProgressInterval logs aggregate worker progress periodically. Zero disables it.
	ProgressInterval time.Duration
	// ShutdownTimeout lets in-flight messages finish for this long after the
	// Run context is cancelled. Zero cancels them immediately.
	ShutdownTimeout time.Duration

	Logger  *zerolog.Logger
	Metrics metrics.Recorder
}

// Consumer drains a queue with a pool of workers.
type Consumer struct {
	queue   Queue
	handler Handler
	opts    Options
	log     zerolog.Logger

	workerStatus map[int]*WorkerStatus
	statusMu     sync.RWMutex
}

// New creates a Consumer.
func New(q Queue, handler Handler, opts Options) *Consumer {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = queue.DefaultMaxMessages
	}
	return &Consumer{
		queue:        q,
		handler:      handler,
		opts:         opts,
		log:          logger.OrNop(opts.Logger).With().Str("component", "consumer").Logger(),
		workerStatus: make(map[int]*WorkerStatus),
	}
}

// Run receives and handles messages until ctx is cancelled or a queue
// operation fails. Cancellation is a clean stop and returns nil; otherwise the
// first failing queue error is returned.
func (c *Consumer) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	messages := make(chan queue.Message)

	workCtx, cancelWork := c.workContext(ctx)
	defer cancelWork()

	if c.opts.ProgressInterval > 0 {
		progressCtx, stop := context.WithCancel(gctx)
		defer stop()
		go c.reportProgress(progressCtx)
	}

	g.Go(func() error {
		defer close(messages)
		return c.receive(gctx, messages)
	})

	for i := 0; i < c.opts.Workers; i++ {
		id := i
		c.initWorker(id)
		g.Go(func() error {
			if err := c.worker(workCtx, id, messages); err != nil {
				return fmt.Errorf("worker %d failed: %w", id, err)
			}
			return nil
		})
	}

	c.log.Info().Int("workers", c.opts.Workers).Msg("consumer started")
	err := g.Wait()
	c.log.Info().Int64("handled", c.handled()).Msg("consumer stopped")
	return err
}

// workContext returns the context handlers and settlement run under. It
// outlives ctx by ShutdownTimeout.
func (c *Consumer) workContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.opts.ShutdownTimeout <= 0 {
		return context.WithCancel(ctx)
	}

	workCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	var timer *time.Timer
	var mu sync.Mutex
	stop := context.AfterFunc(ctx, func() {
		mu.Lock()
		defer mu.Unlock()
		c.log.Info().Dur("timeout", c.opts.ShutdownTimeout).Msg("draining in-flight messages")
		timer = time.AfterFunc(c.opts.ShutdownTimeout, cancel)
	})
	return workCtx, func() {
		stop()
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
		cancel()
	}
}

func (c *Consumer) receive(ctx context.Context, out chan<- queue.Message) error {
	for {
		msgs, err := c.queue.Receive(ctx, c.opts.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		for _, msg := range msgs {
			select {
			case out <- msg:
			case <-ctx.Done():
				return nil
			}
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

func (c *Consumer) worker(ctx context.Context, id int, messages <-chan queue.Message) error {
	for msg := range messages {
		c.updateWorkerStatus(id, func(s *WorkerStatus) {
			s.CurrentMessage = msg.ID
		})

		if err := c.process(ctx, id, msg); err != nil {
			c.recordError(id, err)
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
	return nil
}

func (c *Consumer) process(ctx context.Context, id int, msg queue.Message) error {
	if c.opts.MaxReceives > 0 && msg.ReceiveCount() > c.opts.MaxReceives {
		c.log.Warn().
			Str("messageId", msg.ID).
			Int("receiveCount", msg.ReceiveCount()).
			Msg("receive limit exceeded, dead-lettering message")
		return c.settle(ctx, id, msg, Reject)
	}

	outcome, err := c.handler.Handle(ctx, msg)
	if c.opts.Metrics != nil {
		c.opts.Metrics.RecordCall(OpHandle, err)
	}
	if err != nil {
		outcome = Retry
		if IsPermanent(err) {
			outcome = Reject
		}
		c.recordError(id, err)
		c.log.Warn().Err(err).Str("messageId", msg.ID).Stringer("outcome", outcome).Msg("handler failed")
	}
	return c.settle(ctx, id, msg, outcome)
}

func (c *Consumer) settle(ctx context.Context, id int, msg queue.Message, outcome Outcome) error {
	var err error
	switch outcome {
	case Ack:
		err = c.queue.Delete(ctx, msg)
	case Retry:
		err = c.queue.Reschedule(ctx, msg)
	case Reject:
		err = c.queue.DeadLetter(ctx, msg)
	default:
		return fmt.Errorf("message %s: unknown %s", msg.ID, outcome)
	}
	if err != nil {
		return err
	}

	c.updateWorkerStatus(id, func(s *WorkerStatus) {
		switch outcome {
		case Ack:
			s.Acked++
		case Retry:
			s.Retried++
		case Reject:
			s.Rejected++
		}
		s.CurrentMessage = ""
	})
	c.log.Debug().Str("messageId", msg.ID).Stringer("outcome", outcome).Msg("message settled")
	return nil
}

// Status returns a snapshot of every worker, ordered by ID.
func (c *Consumer) Status() []WorkerStatus {
	c.statusMu.RLock()
	defer c.statusMu.RUnlock()

	out := make([]WorkerStatus, 0, len(c.workerStatus))
	for _, s := range c.workerStatus {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (c *Consumer) handled() int64 {
	var n int64
	for _, s := range c.Status() {
		n += s.Handled()
	}
	return n
}

func (c *Consumer) initWorker(id int) {
	c.statusMu.Lock()
	defer c.statusMu.Unlock()
	now := time.Now()
	c.workerStatus[id] = &WorkerStatus{
		ID:         id,
		StartTime:  now,
		LastActive: now,
	}
}

func (c *Consumer) updateWorkerStatus(id int, fn func(*WorkerStatus)) {
	c.statusMu.Lock()
	defer c.statusMu.Unlock()
	if status, ok := c.workerStatus[id]; ok {
		fn(status)
		status.LastActive = time.Now()
	}
}

func (c *Consumer) recordError(id int, err error) {
	c.updateWorkerStatus(id, func(s *WorkerStatus) {
		s.LastError = err
		s.LastErrorTime = time.Now()
	})
}

func (c *Consumer) reportProgress(ctx context.Context) {
	ticker := time.NewTicker(c.opts.ProgressInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			var acked, retried, rejected int64
			active := 0
			for _, s := range c.Status() {
				if time.Since(s.LastActive) < 2*c.opts.ProgressInterval {
					active++
				}
				acked += s.Acked
				retried += s.Retried
				rejected += s.Rejected
			}
			c.log.Info().
				Int64("acked", acked).
				Int64("retried", retried).
				Int64("rejected", rejected).
				Int("activeWorkers", active).
				Msg("progress")
		case <-ctx.Done():
			return
		}
	}
}
