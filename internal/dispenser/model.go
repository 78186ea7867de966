package dispenser

// Denomination is one cassette of the dispenser: a note value and how many
// notes of it are loaded.
type Denomination struct {
	NoteValue int `json:"note" yaml:"note"`
	Count     int `json:"count" yaml:"count"`
}

// Result is the outcome of a dispense attempt. Notes maps a note value to the
// number of notes paid out and is empty when Success is false.
type Result struct {
	Success bool        `json:"success"`
	Notes   map[int]int `json:"notes"`
}

// Total returns the weighted sum of the dispensed notes.
func (r Result) Total() int {
	total := 0
	for note, count := range r.Notes {
		total += note * count
	}
	return total
}

func rejected() Result {
	return Result{Success: false, Notes: map[int]int{}}
}

// Reason describes why a request could not be served. It is diagnostic only;
// Result never carries it.
type Reason string

const (
	ReasonNone         Reason = ""
	ReasonBelowMinimum Reason = "below_minimum"
	ReasonUnbreakable  Reason = "unbreakable"
	ReasonInsufficient Reason = "insufficient_stock"
)
