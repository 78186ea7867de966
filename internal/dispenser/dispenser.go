package dispenser

import (
	"errors"
	"fmt"
	"io"
	"sync"
)

var ErrUnknownDenomination = errors.New("unknown denomination")

// Dispenser is the entry point in front of the handler chain. It gates
// requests below the smallest note and serialises every stock access, so a
// dispense is atomic with respect to other callers.
type Dispenser struct {
	mu       sync.Mutex
	head     *Handler
	handlers []*Handler
	byNote   map[int]*Handler
	minimum  int
	unit     int
}

// New builds a dispenser from cassettes ordered by strictly descending note
// value.
func New(denoms []Denomination) (*Dispenser, error) {
	handlers := make([]*Handler, 0, len(denoms))
	for i, d := range denoms {
		if i > 0 && d.NoteValue >= denoms[i-1].NoteValue {
			return nil, fmt.Errorf("%w: notes must be strictly descending, %d follows %d", ErrInvalidChain, d.NoteValue, denoms[i-1].NoteValue)
		}
		h, err := NewHandler(d.NoteValue, d.Count)
		if err != nil {
			return nil, err
		}
		handlers = append(handlers, h)
	}

	head, err := Assemble(handlers...)
	if err != nil {
		return nil, err
	}
	return NewFromChain(head)
}

// NewFromChain wraps an already assembled chain, whatever its order.
func NewFromChain(head *Handler) (*Dispenser, error) {
	if head == nil {
		return nil, fmt.Errorf("%w: nil head", ErrInvalidChain)
	}

	d := &Dispenser{head: head, byNote: make(map[int]*Handler)}
	for h := head; h != nil; h = h.next {
		if _, ok := d.byNote[h.noteValue]; ok {
			return nil, fmt.Errorf("%w: note %d reached twice", ErrInvalidChain, h.noteValue)
		}
		d.byNote[h.noteValue] = h
		d.handlers = append(d.handlers, h)

		if d.minimum == 0 || h.noteValue < d.minimum {
			d.minimum = h.noteValue
		}
		d.unit = gcd(d.unit, h.noteValue)
	}
	return d, nil
}

// Minimum is the smallest amount the dispenser will consider.
func (d *Dispenser) Minimum() int { return d.minimum }

// Dispense pays out amount or nothing at all.
func (d *Dispenser) Dispense(amount int) Result {
	res, _ := d.DispenseWith(amount, nil)
	return res
}

// DispenseWith plans the dispense and hands the planned result to commit
// before any stock changes. A commit error leaves stock untouched and is
// returned with a failed result. commit may be nil.
func (d *Dispenser) DispenseWith(amount int, commit func(Result) error) (Result, error) {
	res, _, err := d.DispenseWithReason(amount, commit)
	return res, err
}

// DispenseWithReason is DispenseWith that also reports why a rejected amount
// was refused. The reason is judged against the same stock the plan saw.
func (d *Dispenser) DispenseWithReason(amount int, commit func(Result) error) (Result, Reason, error) {
	if amount <= 0 || amount < d.minimum {
		return rejected(), ReasonBelowMinimum, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	alloc, ok := d.head.plan(amount)
	if !ok {
		return rejected(), d.refusal(amount), nil
	}

	res := Result{Success: true, Notes: alloc}
	if commit != nil {
		if err := commit(res); err != nil {
			return rejected(), ReasonNone, err
		}
	}

	for note, count := range alloc {
		d.byNote[note].available -= count
	}
	return res, ReasonNone, nil
}

// Explain reports why amount would be refused, or ReasonNone if it would be
// paid out right now.
func (d *Dispenser) Explain(amount int) Reason {
	if amount <= 0 || amount < d.minimum {
		return ReasonBelowMinimum
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.head.plan(amount); !ok {
		return d.refusal(amount)
	}
	return ReasonNone
}

// refusal classifies an amount the chain cannot plan. d.mu must be held.
func (d *Dispenser) refusal(amount int) Reason {
	if amount%d.unit != 0 {
		return ReasonUnbreakable
	}
	return ReasonInsufficient
}

// Replenish loads count more notes of the given value.
func (d *Dispenser) Replenish(noteValue, count int) error {
	if count <= 0 {
		return fmt.Errorf("replenish count must be positive, got %d", count)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	h, ok := d.byNote[noteValue]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownDenomination, noteValue)
	}
	h.available += count
	return nil
}

// SetCount replaces the count of one cassette.
func (d *Dispenser) SetCount(noteValue, count int) error {
	if count < 0 {
		return fmt.Errorf("count must not be negative, got %d", count)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	h, ok := d.byNote[noteValue]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownDenomination, noteValue)
	}
	h.available = count
	return nil
}

// Stock returns the remaining count per note in chain order.
func (d *Dispenser) Stock() []Denomination {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]Denomination, 0, len(d.handlers))
	for _, h := range d.handlers {
		out = append(out, Denomination{NoteValue: h.noteValue, Count: h.available})
	}
	return out
}

// Total is the value of all notes currently loaded.
func (d *Dispenser) Total() int {
	total := 0
	for _, s := range d.Stock() {
		total += s.NoteValue * s.Count
	}
	return total
}

// ReportStock writes one line per handler, in chain order.
func (d *Dispenser) ReportStock(w io.Writer) error {
	for _, s := range d.Stock() {
		if _, err := fmt.Fprintf(w, "%d: %d notes left\n", s.NoteValue, s.Count); err != nil {
			return err
		}
	}
	return nil
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}
