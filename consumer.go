package kafka

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/pkg/errors"
	"github.com/rcrowley/go-metrics"
)

// Consumer pulls records from its Transport and hands them to a
// BatchHandler one batch at a time.
type Consumer struct {
	transport      Transport
	topics         []string
	encoder        Encoder
	logger         log.Logger
	timeout        time.Duration
	stallTimeout   time.Duration
	commitInterval time.Duration
	registry       metrics.Registry
	ledger         *CommitManager

	batches       metrics.Counter
	messages      metrics.Counter
	duplicates    metrics.Counter
	handlerErrors metrics.Counter
	commits       metrics.Counter

	mu            sync.Mutex
	state         State
	consumed      bool
	commitOnClose bool
	resumed       chan none
	cancelFn      context.CancelFunc
	exited        chan none
	abort         chan none

	errors    chan error
	closed    chan none
	closeOnce sync.Once
}

func NewConsumer(transport Transport, topics []string, opts ...Option) *Consumer {
	options := newOptions(opts)
	logger := log.With(options.Logger, "component", "consumer")
	return &Consumer{
		transport:      transport,
		topics:         topics,
		encoder:        options.Encoder,
		logger:         logger,
		timeout:        options.Timeout,
		stallTimeout:   options.StallTimeout,
		commitInterval: options.CommitInterval,
		registry:       options.Registry,
		ledger:         NewCommitManager(transport, logger),

		batches:       metrics.GetOrRegisterCounter("consumer.batches", options.Registry),
		messages:      metrics.GetOrRegisterCounter("consumer.messages", options.Registry),
		duplicates:    metrics.GetOrRegisterCounter("consumer.duplicates", options.Registry),
		handlerErrors: metrics.GetOrRegisterCounter("consumer.handler-errors", options.Registry),
		commits:       metrics.GetOrRegisterCounter("consumer.commits", options.Registry),

		state:  Disconnected,
		exited: make(chan none),
		abort:  make(chan none),
		errors: make(chan error, 100),
		closed: make(chan none),
	}
}

func (c *Consumer) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Errors returns an error channel where async consume errors are sent.
func (c *Consumer) Errors() <-chan error {
	return c.errors
}

// Metrics returns the consumer's diagnostics registry.
func (c *Consumer) Metrics() metrics.Registry {
	return c.registry
}

// Ledger exposes the consumer's offset ledger.
func (c *Consumer) Ledger() *CommitManager {
	return c.ledger
}

func (c *Consumer) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != Disconnected {
		state := c.state
		c.mu.Unlock()
		if state == Closing || state == Closed {
			return ErrNotConnected
		}
		return errors.Wrapf(ErrIllegalState, "connect while %s", state)
	}
	c.state = Connecting
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	err := c.transport.Connect(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Connecting {
		return ErrNotConnected
	}
	if err != nil {
		c.state = Disconnected
		return &ConnectionError{Err: err}
	}
	c.state = Connected
	level.Info(c.logger).Log("msg", "Connected", "topics", fmt.Sprint(c.topics))
	return nil
}

// Consume starts the consume loop and returns. It may be called once.
func (c *Consumer) Consume(handler BatchHandler, opts ConsumeOptions) error {
	if handler == nil {
		return ErrHandlerNil
	}
	opts, err := opts.normalize()
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.consumed {
		return errors.Wrap(ErrIllegalState, "consume called twice")
	}
	if c.state != Connected {
		return ErrNotConnected
	}
	c.consumed = true
	c.state = Consuming

	ctx, cancel := context.WithCancel(context.Background())
	c.cancelFn = cancel
	go c.run(ctx, handler, opts)

	level.Info(c.logger).Log("msg", "Consuming",
		"batch_size", opts.Batch.BatchSize,
		"batch_timeout", opts.Batch.BatchTimeout,
		"auto_commit", opts.AutoCommit,
		"commit_on_drain", opts.Batch.CommitOnDrain)
	return nil
}

// Pause stops polling after the current batch.
func (c *Consumer) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Consuming {
		return errors.Wrapf(ErrIllegalState, "pause while %s", c.state)
	}
	c.state = Paused
	c.resumed = make(chan none)
	return nil
}

func (c *Consumer) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Paused {
		return errors.Wrapf(ErrIllegalState, "resume while %s", c.state)
	}
	c.state = Consuming
	close(c.resumed)
	c.resumed = nil
	return nil
}

// Close stops the consume loop and releases the transport. A batch in
// flight may still be acknowledged until ctx is done. With commit set,
// processed offsets are flushed first; otherwise they are discarded.
func (c *Consumer) Close(ctx context.Context, commit bool) (err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		consuming := c.consumed
		c.state = Closing
		c.commitOnClose = commit
		if c.resumed != nil {
			close(c.resumed)
			c.resumed = nil
		}
		c.mu.Unlock()

		if consuming {
			c.cancelFn()
			select {
			case <-c.exited:
			case <-ctx.Done():
				close(c.abort)
				<-c.exited
			}
		}

		if commit {
			err = c.commit()
		} else {
			c.ledger.Reset()
		}

		if cerr := c.transport.Close(); err == nil {
			err = cerr
		}

		c.mu.Lock()
		c.state = Closed
		close(c.closed)
		close(c.errors)
		c.mu.Unlock()

		level.Info(c.logger).Log("msg", "Closed", "commit", commit)
	})

	return err
}

func (c *Consumer) run(ctx context.Context, handler BatchHandler, opts ConsumeOptions) {
	defer close(c.exited)

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0

	var (
		buf        []*Message
		deadline   time.Time
		lastCommit = time.Now()
	)

	for {
		if err := c.waitResumed(ctx); err != nil {
			return
		}

		pollCtx, cancel := ctx, context.CancelFunc(func() {})
		if len(buf) > 0 {
			pollCtx, cancel = context.WithDeadline(ctx, deadline)
		}
		msgs, err := c.transport.Poll(pollCtx, c.topics, opts.Batch.BatchSize-len(buf))
		cancel()

		if ctx.Err() != nil {
			return
		}
		// Records returned alongside an error were already taken from
		// the transport and are kept.
		for _, m := range msgs {
			if !c.ledger.RecordDelivery(m.TopicPartition(), m.Offset) {
				c.duplicates.Inc(1)
				level.Warn(c.logger).Log("msg", "Dropped redelivered record",
					"topic", m.Topic, "partition", m.Partition, "offset", m.Offset)
				continue
			}
			if m.Envelope = DecodeEnvelope(c.encoder, m.Value); m.Envelope != nil {
				m.Envelope.Headers = m.Headers
			}
			if len(buf) == 0 {
				deadline = time.Now().Add(opts.Batch.BatchTimeout)
			}
			buf = append(buf, m)
		}

		if err != nil && !errors.Is(err, context.DeadlineExceeded) {
			c.handleError(errors.Wrap(err, "could not poll"))
			select {
			case <-time.After(bo.NextBackOff()):
			case <-ctx.Done():
				return
			}
		} else {
			bo.Reset()
		}

		if len(buf) == 0 || (len(buf) < opts.Batch.BatchSize && time.Now().Before(deadline)) {
			continue
		}

		if !c.deliver(ctx, handler, &Batch{Messages: buf}, opts) {
			return
		}
		buf = nil

		if !opts.Batch.CommitOnDrain && time.Since(lastCommit) >= c.commitInterval {
			c.commitUnlessDiscarding()
			lastCommit = time.Now()
		}
	}
}

// deliver hands batch to handler and waits for it to be acknowledged. It
// returns false when the loop must stop.
func (c *Consumer) deliver(ctx context.Context, handler BatchHandler, batch *Batch, opts ConsumeOptions) bool {
	c.batches.Inc(1)
	c.messages.Inc(int64(batch.Len()))

	if opts.AutoCommit {
		c.markProcessed(batch)
		if opts.Batch.CommitOnDrain {
			c.commitUnlessDiscarding()
		}
	}

	done := make(chan none)
	var once sync.Once
	ack := func() {
		once.Do(func() { close(done) })
	}

	herr := c.invoke(ctx, handler, batch, ack)
	if herr != nil {
		c.handlerErrors.Inc(1)
		c.handleError(&HandlerError{Batch: batch, Err: herr})
		level.Error(c.logger).Log("msg", "Handler failed", "size", batch.Len(), "err", herr)
		if !opts.AutoCommit {
			c.markFailed(batch)
		}
	}

	var stalled <-chan time.Time
	if c.stallTimeout > 0 {
		t := time.NewTimer(c.stallTimeout)
		defer t.Stop()
		stalled = t.C
	}

	select {
	case <-done:
	case <-stalled:
		c.handleError(errors.Wrapf(ErrStalled, "batch of %d after %s", batch.Len(), c.stallTimeout))
		level.Error(c.logger).Log("msg", "Consumer stalled", "size", batch.Len(), "timeout", c.stallTimeout)
		return false
	case <-c.abort:
		return false
	}

	if !opts.AutoCommit && herr == nil {
		c.markProcessed(batch)
		if opts.Batch.CommitOnDrain {
			c.commitUnlessDiscarding()
		}
	}
	return true
}

func (c *Consumer) invoke(ctx context.Context, handler BatchHandler, batch *Batch, done func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, batch, done)
}

// markFailed holds commits below the first record of batch in each of
// its partitions.
func (c *Consumer) markFailed(batch *Batch) {
	first := make(map[TopicPartition]int64)
	for _, m := range batch.Messages {
		tp := m.TopicPartition()
		if o, ok := first[tp]; !ok || m.Offset < o {
			first[tp] = m.Offset
		}
	}
	for tp, offset := range first {
		c.ledger.RecordFailed(tp, offset)
	}
}

func (c *Consumer) markProcessed(batch *Batch) {
	for tp, offset := range batch.Offsets() {
		if err := c.ledger.RecordProcessed(tp, offset); err != nil {
			c.handleError(err)
		}
	}
}

func (c *Consumer) commitUnlessDiscarding() {
	c.mu.Lock()
	discard := c.state == Closing && !c.commitOnClose
	c.mu.Unlock()
	if discard {
		return
	}

	if err := c.commit(); err != nil {
		c.handleError(err)
	}
}

func (c *Consumer) commit() error {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	if err := c.ledger.Commit(ctx); err != nil {
		return err
	}
	c.commits.Inc(1)
	return nil
}

func (c *Consumer) waitResumed(ctx context.Context) error {
	c.mu.Lock()
	resumed := c.resumed
	c.mu.Unlock()
	if resumed == nil {
		return nil
	}

	select {
	case <-resumed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Consumer) handleError(err error) {
	if err == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.closed:
		return
	default:
	}

	select {
	case c.errors <- err:
	default:
	}
}
