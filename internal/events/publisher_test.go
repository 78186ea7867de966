package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andreasstove999/cash-dispenser-go/internal/withdrawal"
)

type published struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

type fakeChannel struct {
	published []published
	err       error
	closed    bool
}

func (f *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, published{exchange: exchange, key: key, msg: msg})
	return nil
}

func (f *fakeChannel) Close() error {
	f.closed = true
	return nil
}

type fakeSequencer struct {
	next int64
	err  error
	keys []string
}

func (f *fakeSequencer) Next(ctx context.Context, partitionKey string) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.keys = append(f.keys, partitionKey)
	f.next++
	return f.next, nil
}

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestPublisher(ch publishChannel, seq Sequencer, enveloped bool) *Publisher {
	p := newPublisher(ch, seq, PublisherOptions{PublishEnveloped: enveloped})
	p.now = func() time.Time { return fixedNow }
	return p
}

func TestPublishCashDispensed_Enveloped(t *testing.T) {
	ch := &fakeChannel{}
	seq := &fakeSequencer{next: 4}
	p := newTestPublisher(ch, seq, true)

	o := withdrawal.Outcome{RequestID: "req-1", Amount: 2700, Success: true, Notes: map[int]int{100: 2, 1000: 2, 500: 1}}
	require.NoError(t, p.PublishCashDispensed(context.Background(), "atm-1", o))

	require.Len(t, ch.published, 1)
	got := ch.published[0]
	assert.Equal(t, EventsExchange, got.exchange)
	assert.Equal(t, CashDispensedRoutingKey, got.key)
	assert.Equal(t, amqp.Persistent, got.msg.DeliveryMode)

	var ev Event[CashDispensedPayload]
	require.NoError(t, json.Unmarshal(got.msg.Body, &ev))
	require.NoError(t, ev.Validate(EventTypeCashDispensed, 1))
	assert.Equal(t, cashDispensedSchema, ev.Schema)
	assert.Equal(t, "atm-1", ev.PartitionKey)
	assert.Equal(t, "req-1", ev.CorrelationID)
	assert.Equal(t, int64(5), ev.Sequence)
	assert.Equal(t, dispenserServiceName, ev.Producer)
	assert.Equal(t, []NoteLine{{Note: 1000, Count: 2}, {Note: 500, Count: 1}, {Note: 100, Count: 2}}, ev.Payload.Notes)
	assert.Equal(t, fixedNow, ev.Payload.Timestamp)
	assert.Equal(t, []string{"atm-1"}, seq.keys)
}

func TestPublishDispenseRejected_Legacy(t *testing.T) {
	ch := &fakeChannel{}
	p := newTestPublisher(ch, nil, false)

	o := withdrawal.Outcome{RequestID: "req-2", Amount: 150, Notes: map[int]int{}, Reason: "unbreakable"}
	require.NoError(t, p.PublishDispenseRejected(context.Background(), "atm-1", o))

	require.Len(t, ch.published, 1)
	assert.Equal(t, DispenseRejectedRoutingKey, ch.published[0].key)

	var ev LegacyDispenseRejected
	require.NoError(t, json.Unmarshal(ch.published[0].msg.Body, &ev))
	assert.Equal(t, EventTypeDispenseRejected, ev.EventType)
	assert.Equal(t, "unbreakable", ev.Reason)
	assert.Equal(t, 150, ev.Amount)
}

func TestPublish_WithoutSequencer(t *testing.T) {
	ch := &fakeChannel{}
	p := newTestPublisher(ch, nil, true)

	o := withdrawal.Outcome{RequestID: "req-3", Amount: 100, Success: true, Notes: map[int]int{100: 1}}
	require.NoError(t, p.PublishCashDispensed(context.Background(), "atm-1", o))

	var ev Event[CashDispensedPayload]
	require.NoError(t, json.Unmarshal(ch.published[0].msg.Body, &ev))
	assert.Zero(t, ev.Sequence)
	assert.NotEmpty(t, ev.EventID)
}

func TestPublish_Errors(t *testing.T) {
	o := withdrawal.Outcome{RequestID: "req-4", Amount: 100, Success: true, Notes: map[int]int{100: 1}}

	seqErr := errors.New("no sequence")
	p := newTestPublisher(&fakeChannel{}, &fakeSequencer{err: seqErr}, true)
	assert.ErrorIs(t, p.PublishCashDispensed(context.Background(), "atm-1", o), seqErr)

	pubErr := errors.New("channel closed")
	p = newTestPublisher(&fakeChannel{err: pubErr}, nil, true)
	assert.ErrorIs(t, p.PublishCashDispensed(context.Background(), "atm-1", o), pubErr)
}

func TestPublisherClose(t *testing.T) {
	ch := &fakeChannel{}
	require.NoError(t, newTestPublisher(ch, nil, true).Close())
	assert.True(t, ch.closed)
}
