// Package eventbus is an eventhorizon event bus that publishes events as
// sinek envelopes and consumes them through sinek consumers.
package eventbus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/google/uuid"
	eh "github.com/looplab/eventhorizon"
	"github.com/pkg/errors"
	sinek "github.com/tikivn/sinek"
)

var ErrMatcherNil = errors.New("matcher can't be nil")

type TopicProducer func(event eh.Event) string

type TopicsConsumer func(handler eh.EventHandler) []string

// TransportFactory returns a fresh transport consuming as groupID. The
// producer's transport is requested with an empty group.
type TransportFactory func(groupID string) sinek.Transport

// SaramaTransports builds sarama transports for brokers.
func SaramaTransports(brokers []string) TransportFactory {
	return func(groupID string) sinek.Transport {
		return sinek.NewSaramaTransport(brokers, groupID)
	}
}

// EventBus is an event bus that notifies registered EventHandlers of
// published events.
type EventBus struct {
	newTransport       TransportFactory
	consumerTopicsFunc TopicsConsumer
	producerTopicFunc  TopicProducer
	producer           *sinek.Producer
	opts               []sinek.Option
	logger             log.Logger
	timeout            time.Duration

	registered   map[eh.EventHandlerType]struct{}
	registeredMu sync.Mutex
	consumers    []*sinek.Consumer
	waitGroup    sync.WaitGroup

	errors    chan eh.EventBusError
	closed    chan struct{}
	closeOnce sync.Once
}

// NewEventBus creates an EventBus on brokers using sarama.
func NewEventBus(
	ctx context.Context,
	brokers []string,
	producerTopicFunc TopicProducer,
	consumerTopicsFunc TopicsConsumer,
	opts ...sinek.Option,
) (*EventBus, error) {
	return NewEventBusWithTransports(ctx, SaramaTransports(brokers), producerTopicFunc, consumerTopicsFunc, opts...)
}

// NewEventBusWithTransports creates an EventBus and connects its producer.
func NewEventBusWithTransports(
	ctx context.Context,
	newTransport TransportFactory,
	producerTopicFunc TopicProducer,
	consumerTopicsFunc TopicsConsumer,
	opts ...sinek.Option,
) (*EventBus, error) {
	options := sinek.Options{Logger: log.NewNopLogger(), Timeout: 90 * time.Second}
	for _, o := range opts {
		o(&options)
	}

	producer := sinek.NewProducer(newTransport(""), opts...)
	if err := producer.Connect(ctx); err != nil {
		producer.Close()
		return nil, err
	}

	return &EventBus{
		newTransport:       newTransport,
		consumerTopicsFunc: consumerTopicsFunc,
		producerTopicFunc:  producerTopicFunc,
		producer:           producer,
		opts:               opts,
		logger:             log.With(options.Logger, "component", "eventbus"),
		timeout:            options.Timeout,
		registered:         map[eh.EventHandlerType]struct{}{},

		errors: make(chan eh.EventBusError, 100),
		closed: make(chan struct{}),
	}, nil
}

// PublishEvent publishes an event to all handlers capable of handling it.
// Events of one aggregate share a record key and so a partition.
func (b *EventBus) PublishEvent(ctx context.Context, event eh.Event) error {
	e, err := encodeEvent(ctx, event)
	if err != nil {
		return err
	}

	topic := b.producerTopicFunc(event)
	if _, err := b.producer.BufferFormatPublish(ctx, topic, event.AggregateID().String(), e, 0); err != nil {
		return errors.Wrapf(err,
			"could not publish event (%s) (%s)", event, ctx)
	}
	return nil
}

// AddHandler implements the AddHandler method of the eventhorizon.EventBus interface.
func (b *EventBus) AddHandler(m eh.EventMatcher, h eh.EventHandler) {
	if err := b.subscription(m, h, false); err != nil {
		panic(err)
	}
}

// AddObserver implements the AddObserver method of the eventhorizon.EventBus interface.
func (b *EventBus) AddObserver(m eh.EventMatcher, h eh.EventHandler) {
	if err := b.subscription(m, h, true); err != nil {
		panic(err)
	}
}

// Errors returns an error channel where async handling errors are sent.
func (b *EventBus) Errors() <-chan eh.EventBusError {
	return b.errors
}

// Close stops every consumer, committing what was handled, then the
// producer.
func (b *EventBus) Close() (err error) {
	b.closeOnce.Do(func() {
		b.registeredMu.Lock()
		close(b.closed)
		consumers := b.consumers
		b.registeredMu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
		defer cancel()
		for _, c := range consumers {
			if cerr := c.Close(ctx, true); cerr != nil && err == nil {
				err = cerr
			}
		}
		if perr := b.producer.Close(); perr != nil && err == nil {
			err = perr
		}

		b.waitGroup.Wait()
		close(b.errors)
		level.Info(b.logger).Log("msg", "All consumers exited")
	})
	return err
}

func (b *EventBus) subscription(m eh.EventMatcher, h eh.EventHandler, observer bool) error {
	if m == nil {
		return ErrMatcherNil
	}
	if h == nil {
		return sinek.ErrHandlerNil
	}

	hType := h.HandlerType()
	b.registeredMu.Lock()
	if _, ok := b.registered[hType]; ok {
		b.registeredMu.Unlock()
		return errors.Errorf("multiple registrations for %s", hType)
	}
	b.registered[hType] = struct{}{}
	b.registeredMu.Unlock()

	groupID := string(hType)
	if observer { // Generate unique ID for each observer.
		groupID = fmt.Sprintf("%s-%s", groupID, uuid.New())
	}

	return b.handle(groupID, b.consumerTopicsFunc(h), b.handler(m, h))
}

func (b *EventBus) handle(groupID string, topics []string, handler sinek.BatchHandler) error {
	c := sinek.NewConsumer(b.newTransport(groupID), topics, b.opts...)

	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		c.Close(ctx, false)
		return err
	}

	b.registeredMu.Lock()
	select {
	case <-b.closed:
		b.registeredMu.Unlock()
		c.Close(ctx, false)
		return sinek.ErrNotConnected
	default:
	}
	b.consumers = append(b.consumers, c)
	b.registeredMu.Unlock()

	b.waitGroup.Add(1)
	go func() {
		defer b.waitGroup.Done()
		for err := range c.Errors() {
			b.handleError(err)
			level.Error(b.logger).Log("groupID", groupID, "err", err)
		}
		level.Info(b.logger).Log("groupID", groupID, "msg", "Consumer exited")
	}()

	level.Info(b.logger).Log("groupID", groupID, "msg", "New consumer")
	return c.Consume(handler, sinek.ConsumeOptions{
		AsStream: true,
		Batch:    sinek.BatchOptions{CommitOnDrain: true},
	})
}

func (b *EventBus) handleError(err error) {
	if err == nil {
		return
	}

	var busErr eh.EventBusError
	if !errors.As(err, &busErr) {
		busErr = eh.EventBusError{Err: err}
	}

	select {
	case b.errors <- busErr:
	default:
	}
}

func (b *EventBus) handler(m eh.EventMatcher, h eh.EventHandler) sinek.BatchHandler {
	return func(_ context.Context, batch *sinek.Batch, done func()) error {
		defer done()

		for _, msg := range batch.Messages {
			level.Debug(b.logger).Log("topic", msg.Topic, "offset", msg.Offset, "key", string(msg.Key))
			if msg.Envelope == nil {
				return eh.EventBusError{Err: errors.Errorf("record %s@%d is not an event", msg.TopicPartition(), msg.Offset)}
			}

			event, ctx, err := decodeEvent(msg.Envelope)
			if err != nil {
				return eh.EventBusError{Err: err, Ctx: ctx}
			}

			if m(event) {
				if err := h.HandleEvent(ctx, event); err != nil {
					return eh.EventBusError{
						Err:   errors.Wrapf(err, "could not handle event (%s)", h.HandlerType()),
						Ctx:   ctx,
						Event: event,
					}
				}
			}
		}
		return nil
	}
}
