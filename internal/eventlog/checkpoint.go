package eventlog

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Checkpoint is the last sequence a consumer applied from one ATM's stream.
type Checkpoint struct {
	Consumer string
	ATMID    string
	Last     int64
	Found    bool
}

// Covers reports whether seq was already applied.
func (c Checkpoint) Covers(seq int64) bool {
	return c.Found && seq <= c.Last
}

// Skips reports whether seq jumps past the next expected sequence.
func (c Checkpoint) Skips(seq int64) bool {
	return c.Found && seq > c.Last+1
}

type Checkpoints struct {
	exec Executor
}

func NewCheckpoints(exec Executor) *Checkpoints {
	return &Checkpoints{exec: exec}
}

// WithExecutor returns a copy bound to exec, usually the transaction that
// also applies the event.
func (c *Checkpoints) WithExecutor(exec Executor) *Checkpoints {
	return &Checkpoints{exec: exec}
}

// Lock reads the checkpoint and, inside a transaction, holds its row until
// commit so a concurrent delivery of the same stream waits.
func (c *Checkpoints) Lock(ctx context.Context, consumer, atmID string) (Checkpoint, error) {
	cp := Checkpoint{Consumer: consumer, ATMID: atmID}
	err := c.exec.QueryRow(ctx, `
		SELECT last_sequence
		FROM event_dedup_checkpoint
		WHERE consumer_name=$1 AND partition_key=$2
		FOR UPDATE
	`, consumer, atmID).Scan(&cp.Last)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return cp, nil
	case err != nil:
		return Checkpoint{}, fmt.Errorf("lock checkpoint %s/%s: %w", consumer, atmID, err)
	}
	cp.Found = true
	return cp, nil
}

// Advance records seq as applied. The stored sequence never moves backwards.
func (c *Checkpoints) Advance(ctx context.Context, consumer, atmID string, seq int64) error {
	_, err := c.exec.Exec(ctx, `
		INSERT INTO event_dedup_checkpoint (consumer_name, partition_key, last_sequence)
		VALUES ($1, $2, $3)
		ON CONFLICT (consumer_name, partition_key)
		DO UPDATE SET
			last_sequence = GREATEST(event_dedup_checkpoint.last_sequence, EXCLUDED.last_sequence),
			updated_at = now()
	`, consumer, atmID, seq)
	if err != nil {
		return fmt.Errorf("advance checkpoint %s/%s to %d: %w", consumer, atmID, seq, err)
	}
	return nil
}
