package kafka

import (
	"time"

	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"
	"github.com/rcrowley/go-metrics"
	"github.com/tikivn/sinek/json"
)

type Options struct {
	Encoder        Encoder
	Timeout        time.Duration
	Logger         log.Logger
	Registry       metrics.Registry
	StallTimeout   time.Duration
	CommitInterval time.Duration
}

type Option func(o *Options)

func defaultOptions() Options {
	return Options{
		Encoder:        json.NewEncoder(),
		Timeout:        time.Second * 90,
		Logger:         log.NewNopLogger(),
		StallTimeout:   time.Minute * 5,
		CommitInterval: time.Second * 5,
	}
}

func newOptions(opts []Option) Options {
	options := defaultOptions()
	for _, o := range opts {
		o(&options)
	}
	if options.Registry == nil {
		options.Registry = metrics.NewRegistry()
	}
	return options
}

func WithEncoder(encoder Encoder) Option {
	return func(o *Options) {
		o.Encoder = encoder
	}
}

// WithTimeout bounds connect and commit calls.
func WithTimeout(timeout time.Duration) Option {
	return func(o *Options) {
		o.Timeout = timeout
	}
}

func WithLogger(logger log.Logger) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}

func WithRegistry(r metrics.Registry) Option {
	return func(o *Options) {
		o.Registry = r
	}
}

// WithStallTimeout sets how long the consumer waits for a batch to be
// acknowledged. Zero or less waits forever.
func WithStallTimeout(timeout time.Duration) Option {
	return func(o *Options) {
		o.StallTimeout = timeout
	}
}

// WithCommitInterval sets how often processed offsets are flushed when
// BatchOptions.CommitOnDrain is off.
func WithCommitInterval(interval time.Duration) Option {
	return func(o *Options) {
		o.CommitInterval = interval
	}
}

const (
	DefaultBatchSize    = 100
	DefaultBatchTimeout = time.Second
)

type BatchOptions struct {
	// BatchSize is the maximum number of records per batch.
	BatchSize int
	// BatchTimeout is how long a partial batch may wait for more records,
	// counted from its first record.
	BatchTimeout time.Duration
	// CommitOnDrain commits after every acknowledged batch.
	CommitOnDrain bool
}

type ConsumeOptions struct {
	// AutoCommit marks records processed as soon as they are delivered.
	AutoCommit bool
	// AsStream delivers every record as its own batch.
	AsStream bool
	Batch    BatchOptions
}

func (o ConsumeOptions) normalize() (ConsumeOptions, error) {
	b := o.Batch
	if b.BatchSize < 0 {
		return o, errors.Wrapf(ErrIllegalState, "invalid batch size %d", b.BatchSize)
	}
	if b.BatchTimeout < 0 {
		return o, errors.Wrapf(ErrIllegalState, "invalid batch timeout %s", b.BatchTimeout)
	}
	if b.BatchSize == 0 {
		b.BatchSize = DefaultBatchSize
	}
	if b.BatchTimeout == 0 {
		b.BatchTimeout = DefaultBatchTimeout
	}
	if o.AsStream {
		b.BatchSize = 1
	}
	o.Batch = b
	return o, nil
}
