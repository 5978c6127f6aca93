package eventbus_test

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	kitlog "github.com/go-kit/kit/log"
	"github.com/google/uuid"
	eh "github.com/looplab/eventhorizon"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sinek "github.com/tikivn/sinek"
	"github.com/tikivn/sinek/eventbus"
	"github.com/tikivn/sinek/kafkatest"
	"go.uber.org/goleak"
)

const (
	itemCreated eh.EventType     = "ItemCreated"
	itemType    eh.AggregateType = "Item"
)

type itemData struct {
	Content string `json:"content"`
}

func init() {
	eh.RegisterEventData(itemCreated, func() eh.EventData { return &itemData{} })
}

type recordingHandler struct {
	name string
	err  error

	mu     sync.Mutex
	events []eh.Event
}

func (h *recordingHandler) HandlerType() eh.EventHandlerType {
	return eh.EventHandlerType(h.name)
}

func (h *recordingHandler) HandleEvent(_ context.Context, event eh.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, event)
	return h.err
}

func (h *recordingHandler) received() []eh.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]eh.Event(nil), h.events...)
}

func matchAll(eh.Event) bool { return true }

func newBus(t *testing.T, b *kafkatest.Broker, topic string) *eventbus.EventBus {
	logger := kitlog.With(kitlog.NewLogfmtLogger(os.Stdout), "test", t.Name())
	bus, err := eventbus.NewEventBusWithTransports(
		context.Background(),
		func(groupID string) sinek.Transport { return b.NewTransport(groupID) },
		func(eh.Event) string { return topic },
		func(eh.EventHandler) []string { return []string{topic} },
		sinek.WithTimeout(time.Second),
		sinek.WithLogger(logger),
	)
	require.NoError(t, err)
	return bus
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestEventBus(t *testing.T) {
	defer goleak.VerifyNoLeaks(t)

	topic := uuid.New().String()
	b := kafkatest.NewBroker(2)

	bus1 := newBus(t, b, topic)
	bus2 := newBus(t, b, topic)

	handler := &recordingHandler{name: "handler"}
	observer1 := &recordingHandler{name: "observer"}
	observer2 := &recordingHandler{name: "observer"}
	bus1.AddHandler(matchAll, handler)
	bus1.AddObserver(matchAll, observer1)
	bus2.AddObserver(matchAll, observer2)

	id := uuid.New()
	ts := time.Date(2009, time.November, 10, 23, 0, 0, 0, time.UTC)
	event := eh.NewEventForAggregate(itemCreated, &itemData{Content: "event1"}, ts, itemType, id, 1)
	require.NoError(t, bus1.PublishEvent(context.Background(), event))

	for _, h := range []*recordingHandler{handler, observer1, observer2} {
		h := h
		waitFor(t, func() bool { return len(h.received()) == 1 })

		got := h.received()[0]
		assert.Equal(t, itemCreated, got.EventType())
		assert.Equal(t, itemType, got.AggregateType())
		assert.Equal(t, id, got.AggregateID())
		assert.Equal(t, 1, got.Version())
		assert.True(t, ts.Equal(got.Timestamp()))
		assert.Equal(t, &itemData{Content: "event1"}, got.Data())
	}

	require.NoError(t, bus1.Close())
	require.NoError(t, bus2.Close())

	committed, ok := b.Committed("handler", sinek.TopicPartition{Topic: topic, Partition: handlerPartition(t, b, topic)})
	require.True(t, ok)
	assert.Equal(t, int64(1), committed)
}

func handlerPartition(t *testing.T, b *kafkatest.Broker, topic string) int32 {
	for p := int32(0); p < 2; p++ {
		if b.Len(sinek.TopicPartition{Topic: topic, Partition: p}) > 0 {
			return p
		}
	}
	t.Fatal("event not stored")
	return -1
}

func TestEventBusHandlerError(t *testing.T) {
	defer goleak.VerifyNoLeaks(t)

	topic := uuid.New().String()
	b := kafkatest.NewBroker(1)
	bus := newBus(t, b, topic)

	handler := &recordingHandler{name: "failing", err: errors.New("boom")}
	bus.AddHandler(matchAll, handler)

	event := eh.NewEventForAggregate(itemCreated, &itemData{Content: "x"}, time.Now(), itemType, uuid.New(), 1)
	require.NoError(t, bus.PublishEvent(context.Background(), event))

	select {
	case busErr := <-bus.Errors():
		assert.Contains(t, busErr.Err.Error(), "boom")
		require.NotNil(t, busErr.Event)
		assert.Equal(t, itemCreated, busErr.Event.EventType())
	case <-time.After(2 * time.Second):
		t.Fatal("no error reported")
	}

	require.NoError(t, bus.Close())
}

func TestEventBusRegistration(t *testing.T) {
	defer goleak.VerifyNoLeaks(t)

	b := kafkatest.NewBroker(1)
	bus := newBus(t, b, "t")
	defer bus.Close()

	assert.PanicsWithValue(t, eventbus.ErrMatcherNil, func() {
		bus.AddHandler(nil, &recordingHandler{name: "h"})
	})
	assert.PanicsWithValue(t, sinek.ErrHandlerNil, func() {
		bus.AddHandler(matchAll, nil)
	})

	bus.AddHandler(matchAll, &recordingHandler{name: "h"})
	assert.Panics(t, func() {
		bus.AddObserver(matchAll, &recordingHandler{name: "h"})
	})
}

func TestNewEventBusConnectError(t *testing.T) {
	b := kafkatest.NewBroker(1)
	b.FailConnect(errors.New("unreachable"))

	_, err := eventbus.NewEventBusWithTransports(
		context.Background(),
		func(groupID string) sinek.Transport { return b.NewTransport(groupID) },
		func(eh.Event) string { return "t" },
		func(eh.EventHandler) []string { return []string{"t"} },
	)
	var cerr *sinek.ConnectionError
	assert.True(t, errors.As(err, &cerr))
}
