package dispenser

import (
	"errors"
	"fmt"
)

var ErrInvalidChain = errors.New("invalid dispenser chain")

// Handler holds the stock of a single denomination and forwards whatever it
// cannot pay out to the next handler in the chain.
type Handler struct {
	noteValue int
	available int
	next      *Handler
	linked    bool
}

func NewHandler(noteValue, available int) (*Handler, error) {
	if noteValue <= 0 {
		return nil, fmt.Errorf("%w: note value must be positive, got %d", ErrInvalidChain, noteValue)
	}
	if available < 0 {
		return nil, fmt.Errorf("%w: note %d has negative count %d", ErrInvalidChain, noteValue, available)
	}
	return &Handler{noteValue: noteValue, available: available}, nil
}

func (h *Handler) NoteValue() int { return h.noteValue }

func (h *Handler) Available() int { return h.available }

// plan works out how amount would be split from h down the rest of the chain.
// Stock is not touched; the caller commits the returned allocation once the
// whole chain has agreed to it.
func (h *Handler) plan(amount int) (map[int]int, bool) {
	if amount < 0 {
		return nil, false
	}

	required := amount / h.noteValue
	take := 0
	switch {
	case required < h.available:
		take = required
	case h.next != nil:
		take = h.available
	case required == h.available:
		// last handler holding exactly what is asked of it
		take = h.available
	}

	alloc := make(map[int]int)
	if take > 0 {
		alloc[h.noteValue] = take
	}

	remaining := amount - take*h.noteValue
	if remaining == 0 {
		return alloc, true
	}
	if h.next == nil {
		return nil, false
	}

	rest, ok := h.next.plan(remaining)
	if !ok {
		return nil, false
	}
	for note, count := range rest {
		alloc[note] += count
	}
	return alloc, true
}

// Assemble links the handlers in the order given and returns the head.
// The order is not corrected: the chain is greedy, so callers that want the
// usual behaviour pass the largest note first.
func Assemble(handlers ...*Handler) (*Handler, error) {
	if len(handlers) == 0 {
		return nil, fmt.Errorf("%w: no handlers", ErrInvalidChain)
	}

	seen := make(map[*Handler]struct{}, len(handlers))
	notes := make(map[int]struct{}, len(handlers))
	for i, h := range handlers {
		if h == nil {
			return nil, fmt.Errorf("%w: handler %d is nil", ErrInvalidChain, i)
		}
		if h.linked {
			return nil, fmt.Errorf("%w: handler for note %d already belongs to a chain", ErrInvalidChain, h.noteValue)
		}
		if _, ok := seen[h]; ok {
			return nil, fmt.Errorf("%w: handler for note %d appears twice", ErrInvalidChain, h.noteValue)
		}
		if _, ok := notes[h.noteValue]; ok {
			return nil, fmt.Errorf("%w: duplicate note value %d", ErrInvalidChain, h.noteValue)
		}
		seen[h] = struct{}{}
		notes[h.noteValue] = struct{}{}
	}

	for i, h := range handlers {
		if i+1 < len(handlers) {
			h.next = handlers[i+1]
		}
		h.linked = true
	}
	return handlers[0], nil
}
