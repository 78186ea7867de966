package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/andreasstove999/cash-dispenser-go/internal/withdrawal"
)

// Sequencer hands out per-partition event sequences.
type Sequencer interface {
	Next(ctx context.Context, partitionKey string) (int64, error)
}

type publishChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

type Publisher struct {
	ch                 publishChannel
	seq                Sequencer
	publishEnveloped   bool
	producerIdentifier string
	now                func() time.Time
}

type PublisherOptions struct {
	PublishEnveloped bool
	Producer         string
}

// NewPublisher opens a channel on conn and declares the events exchange.
// seq may be nil, in which case enveloped events carry no sequence.
func NewPublisher(conn *amqp.Connection, seq Sequencer, opts PublisherOptions) (*Publisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}

	if err := declareEventsExchange(ch); err != nil {
		return nil, fmt.Errorf("declare events exchange: %w", err)
	}

	return newPublisher(ch, seq, opts), nil
}

func newPublisher(ch publishChannel, seq Sequencer, opts PublisherOptions) *Publisher {
	producer := opts.Producer
	if producer == "" {
		producer = dispenserServiceName
	}
	return &Publisher{
		ch:                 ch,
		seq:                seq,
		publishEnveloped:   opts.PublishEnveloped,
		producerIdentifier: producer,
		now:                func() time.Time { return time.Now().UTC() },
	}
}

func (p *Publisher) Close() error {
	return p.ch.Close()
}

type EventMeta struct {
	CorrelationID string
	CausationID   string
	PartitionKey  string
}

func (p *Publisher) PublishCashDispensed(ctx context.Context, atmID string, o withdrawal.Outcome) error {
	payload := CashDispensedPayload{
		RequestID: o.RequestID,
		ATMID:     atmID,
		Amount:    o.Amount,
		Notes:     noteLines(o.Notes),
		Timestamp: p.now(),
	}

	if !p.publishEnveloped {
		body, err := json.Marshal(LegacyCashDispensed{EventType: EventTypeCashDispensed, CashDispensedPayload: payload})
		if err != nil {
			return fmt.Errorf("marshal CashDispensed: %w", err)
		}
		return p.publishJSON(ctx, CashDispensedRoutingKey, body)
	}

	env, err := p.envelope(ctx, EventTypeCashDispensed, cashDispensedSchema, outcomeMeta(atmID, o), payload.Timestamp)
	if err != nil {
		return err
	}
	body, err := json.Marshal(Event[CashDispensedPayload]{EventEnvelope: env, Payload: payload})
	if err != nil {
		return fmt.Errorf("marshal CashDispensed envelope: %w", err)
	}
	return p.publishJSON(ctx, CashDispensedRoutingKey, body)
}

func (p *Publisher) PublishDispenseRejected(ctx context.Context, atmID string, o withdrawal.Outcome) error {
	payload := DispenseRejectedPayload{
		RequestID: o.RequestID,
		ATMID:     atmID,
		Amount:    o.Amount,
		Reason:    string(o.Reason),
		Timestamp: p.now(),
	}

	if !p.publishEnveloped {
		body, err := json.Marshal(LegacyDispenseRejected{EventType: EventTypeDispenseRejected, DispenseRejectedPayload: payload})
		if err != nil {
			return fmt.Errorf("marshal DispenseRejected: %w", err)
		}
		return p.publishJSON(ctx, DispenseRejectedRoutingKey, body)
	}

	env, err := p.envelope(ctx, EventTypeDispenseRejected, dispenseRejectedSchema, outcomeMeta(atmID, o), payload.Timestamp)
	if err != nil {
		return err
	}
	body, err := json.Marshal(Event[DispenseRejectedPayload]{EventEnvelope: env, Payload: payload})
	if err != nil {
		return fmt.Errorf("marshal DispenseRejected envelope: %w", err)
	}
	return p.publishJSON(ctx, DispenseRejectedRoutingKey, body)
}

func outcomeMeta(atmID string, o withdrawal.Outcome) EventMeta {
	return EventMeta{CorrelationID: o.RequestID, PartitionKey: atmID}
}

func (p *Publisher) envelope(ctx context.Context, name, schema string, meta EventMeta, occurredAt time.Time) (EventEnvelope, error) {
	var seq int64
	if p.seq != nil {
		next, err := p.seq.Next(ctx, meta.PartitionKey)
		if err != nil {
			return EventEnvelope{}, fmt.Errorf("reserve sequence: %w", err)
		}
		seq = next
	}

	return EventEnvelope{
		EventName:     name,
		EventVersion:  1,
		EventID:       uuid.NewString(),
		CorrelationID: meta.CorrelationID,
		CausationID:   meta.CausationID,
		Producer:      p.producerIdentifier,
		PartitionKey:  meta.PartitionKey,
		Sequence:      seq,
		OccurredAt:    occurredAt,
		Schema:        schema,
	}, nil
}

func (p *Publisher) publishJSON(ctx context.Context, routingKey string, body []byte) error {
	pubCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	return p.ch.PublishWithContext(
		pubCtx,
		EventsExchange,
		routingKey,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
		},
	)
}

func noteLines(notes map[int]int) []NoteLine {
	out := make([]NoteLine, 0, len(notes))
	for note, count := range notes {
		out = append(out, NoteLine{Note: note, Count: count})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Note > out[j].Note })
	return out
}
