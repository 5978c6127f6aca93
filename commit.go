package kafka

import (
	"context"
	"sort"
	"strconv"
	"sync"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/pkg/errors"
)

// Committer is the part of a Transport the CommitManager writes to.
type Committer interface {
	CommitOffsets(ctx context.Context, offsets map[TopicPartition]int64) error
}

// CommitCursor tracks one partition. Offsets are -1 until first set.
// While Failed is set, commits stop at Ceiling whatever was processed
// after it.
type CommitCursor struct {
	Delivered int64
	Processed int64
	Committed int64
	Failed    bool
	Ceiling   int64
}

// committable is the highest offset that may be written.
func (c *CommitCursor) committable() int64 {
	if c.Failed && c.Ceiling < c.Processed {
		return c.Ceiling
	}
	return c.Processed
}

// CommitManager keeps the offset ledger of a consumer session.
type CommitManager struct {
	committer Committer
	logger    log.Logger

	mu      sync.Mutex
	cursors map[TopicPartition]*CommitCursor
}

func NewCommitManager(c Committer, logger log.Logger) *CommitManager {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &CommitManager{
		committer: c,
		logger:    logger,
		cursors:   map[TopicPartition]*CommitCursor{},
	}
}

func (m *CommitManager) cursor(tp TopicPartition) *CommitCursor {
	c, ok := m.cursors[tp]
	if !ok {
		c = &CommitCursor{Delivered: -1, Processed: -1, Committed: -1}
		m.cursors[tp] = c
	}
	return c
}

// RecordDelivery advances the delivered offset. It returns false when
// offset does not move the partition forward, i.e. the record was
// already delivered in this session.
func (m *CommitManager) RecordDelivery(tp TopicPartition, offset int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.cursor(tp)
	if offset <= c.Delivered {
		return false
	}
	c.Delivered = offset
	return true
}

// RecordProcessed marks everything up to offset as processed.
func (m *CommitManager) RecordProcessed(tp TopicPartition, offset int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.cursor(tp)
	if offset > c.Delivered {
		return errors.Wrapf(ErrIllegalState,
			"offset %d of %s was never delivered (last %d)", offset, tp, c.Delivered)
	}
	if offset > c.Processed {
		c.Processed = offset
	}
	return nil
}

// RecordFailed holds commits for tp below offset, the first record of a
// batch that could not be handled, until Resolve is called.
func (m *CommitManager) RecordFailed(tp TopicPartition, offset int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.cursor(tp)
	if !c.Failed || offset-1 < c.Ceiling {
		c.Failed = true
		c.Ceiling = offset - 1
	}
	level.Warn(m.logger).Log("msg", "Commit held", "partition", tp, "ceiling", c.Ceiling)
}

// Resolve releases the hold RecordFailed put on the given partitions, or
// on every partition when none are given.
func (m *CommitManager) Resolve(partitions ...TopicPartition) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(partitions) == 0 {
		for tp := range m.cursors {
			partitions = append(partitions, tp)
		}
	}
	for _, tp := range partitions {
		if c, ok := m.cursors[tp]; ok {
			c.Failed = false
			c.Ceiling = 0
		}
	}
}

// Commit writes processed offsets for the given partitions, or for every
// known partition when none are given. Partitions already committed at
// their processed offset, or held below it by RecordFailed, are skipped;
// if nothing is left the call is a no-op.
func (m *CommitManager) Commit(ctx context.Context, partitions ...TopicPartition) error {
	m.mu.Lock()
	if len(partitions) == 0 {
		for tp := range m.cursors {
			partitions = append(partitions, tp)
		}
	}

	offsets := map[TopicPartition]int64{}
	for _, tp := range partitions {
		c, ok := m.cursors[tp]
		if !ok {
			continue
		}
		upto := c.committable()
		if upto < 0 || upto <= c.Committed {
			continue
		}
		offsets[tp] = upto + 1
	}
	m.mu.Unlock()

	if len(offsets) == 0 {
		return nil
	}

	if err := m.committer.CommitOffsets(ctx, offsets); err != nil {
		return errors.Wrap(err, "could not commit offsets")
	}

	m.mu.Lock()
	for tp, next := range offsets {
		c := m.cursor(tp)
		if next-1 > c.Committed {
			c.Committed = next - 1
		}
	}
	m.mu.Unlock()

	level.Debug(m.logger).Log("msg", "Committed offsets", "offsets", formatOffsets(offsets))
	return nil
}

// Cursor returns a copy of the cursor for tp.
func (m *CommitManager) Cursor(tp TopicPartition) (CommitCursor, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.cursors[tp]
	if !ok {
		return CommitCursor{Delivered: -1, Processed: -1, Committed: -1}, false
	}
	return *c, true
}

// Reset discards all uncommitted progress.
func (m *CommitManager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cursors = map[TopicPartition]*CommitCursor{}
}

func formatOffsets(offsets map[TopicPartition]int64) []string {
	out := make([]string, 0, len(offsets))
	for tp, o := range offsets {
		out = append(out, tp.String()+"@"+strconv.FormatInt(o, 10))
	}
	sort.Strings(out)
	return out
}
