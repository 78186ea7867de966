package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventEnvelope carries the metadata shared by every v1 contract.
type EventEnvelope struct {
	EventName     string    `json:"eventName"`
	EventVersion  int       `json:"eventVersion"`
	EventID       string    `json:"eventId"`
	CorrelationID string    `json:"correlationId,omitempty"`
	CausationID   string    `json:"causationId,omitempty"`
	Producer      string    `json:"producer"`
	PartitionKey  string    `json:"partitionKey"`
	Sequence      int64     `json:"sequence,omitempty"`
	OccurredAt    time.Time `json:"occurredAt"`
	Schema        string    `json:"schema"`
}

// Event is an envelope with a typed payload.
type Event[T any] struct {
	EventEnvelope
	Payload T `json:"payload"`
}

func (e EventEnvelope) Validate(expectedName string, expectedVersion int) error {
	if e.EventName != expectedName {
		return fmt.Errorf("unexpected eventName %q", e.EventName)
	}
	if e.EventVersion != expectedVersion {
		return fmt.Errorf("unexpected eventVersion %d", e.EventVersion)
	}
	if e.PartitionKey == "" {
		return fmt.Errorf("missing partitionKey")
	}
	if e.EventID == "" {
		return fmt.Errorf("missing eventId")
	}
	return nil
}

type rawEvent struct {
	EventEnvelope
	Payload json.RawMessage `json:"payload"`
}

func parseEnvelope(body []byte) (rawEvent, error) {
	var decoded rawEvent
	if err := json.Unmarshal(body, &decoded); err != nil {
		return rawEvent{}, err
	}
	return decoded, nil
}
