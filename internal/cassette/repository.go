package cassette

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/andreasstove999/cash-dispenser-go/internal/dispenser"
)

var (
	ErrNotFound         = errors.New("cassette not found")
	ErrDuplicateRequest = errors.New("dispense request already recorded")
	ErrStockMismatch    = errors.New("stored stock does not cover dispense")
)

// DBPool matches the methods from *pgxpool.Pool that we use.
// This allows us to mock the database in tests.
type DBPool interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

type PostgresRepository struct {
	pool DBPool
}

func NewPostgresRepository(pool DBPool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

// Load returns the stored cassettes of an ATM, largest note first.
func (r *PostgresRepository) Load(ctx context.Context, atmID string) ([]dispenser.Denomination, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT note_value, count
		FROM cassette_stock
		WHERE atm_id=$1
		ORDER BY note_value DESC
	`, atmID)
	if err != nil {
		return nil, fmt.Errorf("query cassettes: %w", err)
	}
	defer rows.Close()

	var out []dispenser.Denomination
	for rows.Next() {
		var d dispenser.Denomination
		if err := rows.Scan(&d.NoteValue, &d.Count); err != nil {
			return nil, fmt.Errorf("scan cassette: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cassettes: %w", err)
	}
	return out, nil
}

// Seed inserts the cassettes that are not stored yet. Existing counts win.
func (r *PostgresRepository) Seed(ctx context.Context, atmID string, cassettes []dispenser.Denomination) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, c := range cassettes {
		if _, err := tx.Exec(ctx, `
			INSERT INTO cassette_stock(atm_id, note_value, count)
			VALUES($1, $2, $3)
			ON CONFLICT (atm_id, note_value) DO NOTHING
		`, atmID, c.NoteValue, c.Count); err != nil {
			return fmt.Errorf("seed cassette %d: %w", c.NoteValue, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit seed: %w", err)
	}
	return nil
}

// SetCount overwrites the stored count of an existing cassette, as after a
// physical recount.
func (r *PostgresRepository) SetCount(ctx context.Context, atmID string, noteValue, count int) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE cassette_stock
		SET count = $3, updated_at=now()
		WHERE atm_id=$1 AND note_value=$2
	`, atmID, noteValue, count)
	if err != nil {
		return fmt.Errorf("set count: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: atm=%s note=%d", ErrNotFound, atmID, noteValue)
	}
	return nil
}

func (r *PostgresRepository) AddNotes(ctx context.Context, atmID string, noteValue, count int) error {
	return addNotes(ctx, r.pool, atmID, noteValue, count)
}

func (r *PostgresRepository) BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error) {
	return r.pool.BeginTx(ctx, txOptions)
}

// AddNotesWithTx is AddNotes inside a caller owned transaction.
func (r *PostgresRepository) AddNotesWithTx(ctx context.Context, tx pgx.Tx, atmID string, noteValue, count int) error {
	return addNotes(ctx, tx, atmID, noteValue, count)
}

func addNotes(ctx context.Context, exec execer, atmID string, noteValue, count int) error {
	tag, err := exec.Exec(ctx, `
		UPDATE cassette_stock
		SET count = count + $3, updated_at=now()
		WHERE atm_id=$1 AND note_value=$2
	`, atmID, noteValue, count)
	if err != nil {
		return fmt.Errorf("add notes: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: atm=%s note=%d", ErrNotFound, atmID, noteValue)
	}
	return nil
}

// FindDispense returns the dispense recorded for requestID at atmID, if any.
func (r *PostgresRepository) FindDispense(ctx context.Context, atmID, requestID string) (dispenser.Result, bool, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT notes
		FROM dispense_log
		WHERE request_id=$1 AND atm_id=$2
	`, requestID, atmID)
	if err != nil {
		return dispenser.Result{}, false, fmt.Errorf("query dispense log: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return dispenser.Result{}, false, rows.Err()
	}
	var raw []byte
	if err := rows.Scan(&raw); err != nil {
		return dispenser.Result{}, false, fmt.Errorf("scan dispense log: %w", err)
	}
	res := dispenser.Result{Success: true, Notes: map[int]int{}}
	if err := json.Unmarshal(raw, &res.Notes); err != nil {
		return dispenser.Result{}, false, fmt.Errorf("decode dispensed notes: %w", err)
	}
	return res, true, nil
}

// ApplyDispense records a successful dispense and decrements the stored
// stock in one transaction. A request ID that was already recorded changes
// nothing and returns ErrDuplicateRequest.
func (r *PostgresRepository) ApplyDispense(ctx context.Context, atmID, requestID string, res dispenser.Result) error {
	notes, err := json.Marshal(res.Notes)
	if err != nil {
		return fmt.Errorf("marshal notes: %w", err)
	}

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		INSERT INTO dispense_log(request_id, atm_id, amount, notes)
		VALUES($1, $2, $3, $4)
		ON CONFLICT (request_id) DO NOTHING
	`, requestID, atmID, res.Total(), string(notes))
	if err != nil {
		return fmt.Errorf("insert dispense log: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateRequest, requestID)
	}

	values := make([]int, 0, len(res.Notes))
	for note := range res.Notes {
		values = append(values, note)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(values)))

	for _, note := range values {
		want := res.Notes[note]

		var stored int
		err := tx.QueryRow(ctx, `
			SELECT count
			FROM cassette_stock
			WHERE atm_id=$1 AND note_value=$2
			FOR UPDATE
		`, atmID, note).Scan(&stored)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("%w: note %d not stored", ErrStockMismatch, note)
			}
			return fmt.Errorf("lock cassette %d: %w", note, err)
		}
		if stored < want {
			return fmt.Errorf("%w: note %d has %d, need %d", ErrStockMismatch, note, stored, want)
		}

		if _, err := tx.Exec(ctx, `
			UPDATE cassette_stock
			SET count = count - $3, updated_at=now()
			WHERE atm_id=$1 AND note_value=$2
		`, atmID, note, want); err != nil {
			return fmt.Errorf("decrement cassette %d: %w", note, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit dispense: %w", err)
	}
	return nil
}
