package eventlog

import (
	"context"
	"fmt"
)

// Sequences numbers the events published for each ATM, starting at 1.
type Sequences struct {
	exec Executor
}

func NewSequences(exec Executor) *Sequences {
	return &Sequences{exec: exec}
}

// Next reserves the next sequence of atmID's stream.
func (s *Sequences) Next(ctx context.Context, atmID string) (int64, error) {
	var seq int64
	err := s.exec.QueryRow(ctx, `
		INSERT INTO event_sequence (partition_key, last_sequence)
		VALUES ($1, 1)
		ON CONFLICT (partition_key)
		DO UPDATE SET last_sequence = event_sequence.last_sequence + 1, updated_at = now()
		RETURNING last_sequence
	`, atmID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("next sequence for atm %s: %w", atmID, err)
	}
	return seq, nil
}
