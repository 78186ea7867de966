package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/andreasstove999/cash-dispenser-go/internal/eventlog"
)

const CassetteReplenishedConsumerName = "dispenser-cassette-replenished"

// Replenisher is the in-memory side of a replenishment.
type Replenisher interface {
	Replenish(ctx context.Context, noteValue, count int) error
	CanReplenish(noteValue, count int) error
	ApplyReplenished(noteValue, count int) error
}

// ReplenishStore stores replenishments inside a caller owned transaction.
type ReplenishStore interface {
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
	AddNotesWithTx(ctx context.Context, tx pgx.Tx, atmID string, noteValue, count int) error
}

type replenishMessage struct {
	Payload      CassetteReplenishedPayload
	PartitionKey string
	Sequence     int64
}

// CassetteReplenishedHandler loads notes announced by CassetteReplenished
// events addressed to atmID. For sequenced events the stored notes and the
// consumer checkpoint commit in one transaction, and memory follows only after
// that commit, so a redelivered event is never counted twice. Without a store
// or a sequence the event goes through r.Replenish untracked.
func CassetteReplenishedHandler(atmID string, r Replenisher, store ReplenishStore, checkpoints *eventlog.Checkpoints, logger *zap.Logger) HandlerFunc {
	return func(ctx context.Context, body []byte) error {
		msg, err := parseCassetteReplenished(body)
		if err != nil {
			return err
		}
		if msg.Payload.ATMID != atmID {
			logger.Debug("ignoring replenishment for another atm", zap.String("target", msg.Payload.ATMID))
			return nil
		}

		note, count := msg.Payload.Note, msg.Payload.Count
		log := logger.With(
			zap.Int("note", note),
			zap.Int("count", count),
			zap.Int64("sequence", msg.Sequence),
		)

		if store == nil || checkpoints == nil || msg.Sequence == 0 {
			if err := r.Replenish(ctx, note, count); err != nil {
				return fmt.Errorf("replenish note %d: %w", note, err)
			}
			return nil
		}

		if err := r.CanReplenish(note, count); err != nil {
			return fmt.Errorf("replenish note %d: %w", note, err)
		}

		tx, err := store.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		local := checkpoints.WithExecutor(tx)
		cp, err := local.Lock(ctx, CassetteReplenishedConsumerName, msg.PartitionKey)
		if err != nil {
			return err
		}
		if cp.Covers(msg.Sequence) {
			log.Info("skip duplicate replenishment", zap.Int64("last", cp.Last))
			return nil
		}
		if cp.Skips(msg.Sequence) {
			log.Warn("sequence gap", zap.Int64("last", cp.Last))
		}

		if err := store.AddNotesWithTx(ctx, tx, atmID, note, count); err != nil {
			return fmt.Errorf("store replenish note %d: %w", note, err)
		}
		if err := local.Advance(ctx, CassetteReplenishedConsumerName, msg.PartitionKey, msg.Sequence); err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit replenish: %w", err)
		}

		return r.ApplyReplenished(note, count)
	}
}

func parseCassetteReplenished(body []byte) (replenishMessage, error) {
	env, err := parseEnvelope(body)
	if err != nil {
		return replenishMessage{}, fmt.Errorf("unmarshal CassetteReplenished: %w", err)
	}

	if env.EventName == "" {
		var legacy LegacyCassetteReplenished
		if err := json.Unmarshal(body, &legacy); err != nil {
			return replenishMessage{}, fmt.Errorf("unmarshal legacy CassetteReplenished: %w", err)
		}
		if legacy.EventType != EventTypeCassetteReplenished {
			return replenishMessage{}, fmt.Errorf("unexpected eventType %q", legacy.EventType)
		}
		return replenishMessage{Payload: legacy.CassetteReplenishedPayload, PartitionKey: legacy.ATMID}, nil
	}

	if err := env.Validate(EventTypeCassetteReplenished, 1); err != nil {
		return replenishMessage{}, err
	}
	var payload CassetteReplenishedPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return replenishMessage{}, fmt.Errorf("unmarshal CassetteReplenished payload: %w", err)
	}
	return replenishMessage{Payload: payload, PartitionKey: env.PartitionKey, Sequence: env.Sequence}, nil
}
