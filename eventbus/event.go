package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	eh "github.com/looplab/eventhorizon"
	"github.com/pkg/errors"
	"github.com/tikivn/sinek/envelope"
	sinekjson "github.com/tikivn/sinek/json"
)

// evtJSON is the envelope payload an event travels as.
type evtJSON struct {
	EventType     eh.EventType           `json:"event_type"`
	RawData       json.RawMessage        `json:"data,omitempty"`
	Timestamp     time.Time              `json:"timestamp"`
	AggregateType eh.AggregateType       `json:"aggregate_type"`
	AggregateID   uuid.UUID              `json:"_id"`
	Version       int                    `json:"version"`
	Context       map[string]interface{} `json:"context"`
	data          eh.EventData
}

func encodeEvent(ctx context.Context, event eh.Event) (*evtJSON, error) {
	e := &evtJSON{
		AggregateID:   event.AggregateID(),
		AggregateType: event.AggregateType(),
		EventType:     event.EventType(),
		Version:       event.Version(),
		Timestamp:     event.Timestamp(),
		Context:       eh.MarshalContext(ctx),
	}

	if event.Data() != nil {
		rawData, err := json.Marshal(event.Data())
		if err != nil {
			return nil, errors.Wrapf(err,
				"could not marshal event data (%s), context (%s)", event, ctx)
		}
		e.RawData = json.RawMessage(rawData)
	}
	return e, nil
}

// decodeEvent rebuilds the event carried by env. Unregistered event
// types are returned without data.
func decodeEvent(env *envelope.Envelope) (eh.Event, context.Context, error) {
	var e evtJSON
	if err := sinekjson.Payload(env, &e); err != nil {
		return nil, context.Background(), errors.Wrap(err, "could not unmarshal event")
	}

	if data, err := eh.CreateEventData(e.EventType); err == nil && len(e.RawData) > 0 {
		if err := json.Unmarshal(e.RawData, data); err != nil {
			return nil, context.Background(), errors.Wrap(err, "could not unmarshal event data")
		}
		e.data = data
		e.RawData = nil
	}

	return event{evtJSON: e}, eh.UnmarshalContext(e.Context), nil
}

// event implements eventhorizon.Event for decoded events.
type event struct {
	evtJSON
}

func (e event) EventType() eh.EventType {
	return e.evtJSON.EventType
}

func (e event) Data() eh.EventData {
	return e.evtJSON.data
}

func (e event) Timestamp() time.Time {
	return e.evtJSON.Timestamp
}

func (e event) AggregateType() eh.AggregateType {
	return e.evtJSON.AggregateType
}

func (e event) AggregateID() uuid.UUID {
	return e.evtJSON.AggregateID
}

func (e event) Version() int {
	return e.evtJSON.Version
}

func (e event) String() string {
	return fmt.Sprintf("%s@%d", e.evtJSON.EventType, e.evtJSON.Version)
}
