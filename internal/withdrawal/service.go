package withdrawal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/andreasstove999/cash-dispenser-go/internal/dispenser"
)

var (
	ErrInvalidReplenish = errors.New("invalid replenish request")
	ErrInvalidCount     = errors.New("invalid cassette count")
	ErrRequestReused    = errors.New("request id already used for another amount")
)

// Store persists stock changes. ApplyDispense is called while the dispenser
// still holds its lock, so a failing store leaves memory untouched.
type Store interface {
	ApplyDispense(ctx context.Context, atmID, requestID string, res dispenser.Result) error
	FindDispense(ctx context.Context, atmID, requestID string) (dispenser.Result, bool, error)
	AddNotes(ctx context.Context, atmID string, noteValue, count int) error
	SetCount(ctx context.Context, atmID string, noteValue, count int) error
}

type Publisher interface {
	PublishCashDispensed(ctx context.Context, atmID string, o Outcome) error
	PublishDispenseRejected(ctx context.Context, atmID string, o Outcome) error
}

// Outcome is what a caller learns about a withdrawal.
type Outcome struct {
	RequestID string           `json:"requestId"`
	Amount    int              `json:"amount"`
	Success   bool             `json:"success"`
	Notes     map[int]int      `json:"notes"`
	Reason    dispenser.Reason `json:"reason,omitempty"`
}

// Service runs withdrawals against one dispenser. Successful withdrawals are
// remembered by request ID so a retried request never pays out twice.
type Service struct {
	atmID  string
	disp   *dispenser.Dispenser
	store  Store
	pub    Publisher
	logger *zap.Logger

	mu        sync.Mutex
	completed map[string]Outcome
}

func NewService(atmID string, disp *dispenser.Dispenser, store Store, pub Publisher, logger *zap.Logger) *Service {
	if store == nil {
		store = nopStore{}
	}
	if pub == nil {
		pub = nopPublisher{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		atmID:     atmID,
		disp:      disp,
		store:     store,
		pub:       pub,
		logger:    logger.With(zap.String("atm_id", atmID)),
		completed: make(map[string]Outcome),
	}
}

// Withdraw pays out amount for requestID. A request ID that already paid out,
// in this process or in the store, gets the recorded outcome again.
func (s *Service) Withdraw(ctx context.Context, requestID string, amount int) (Outcome, error) {
	if requestID == "" {
		requestID = uuid.NewString()
	}
	logger := s.logger.With(zap.String("request_id", requestID), zap.Int("amount", amount))

	s.mu.Lock()
	if o, ok := s.completed[requestID]; ok {
		s.mu.Unlock()
		if o.Amount != amount {
			return Outcome{}, fmt.Errorf("%w: %s paid %d", ErrRequestReused, requestID, o.Amount)
		}
		logger.Info("replaying completed withdrawal")
		return o, nil
	}

	prev, found, err := s.store.FindDispense(ctx, s.atmID, requestID)
	if err != nil {
		s.mu.Unlock()
		return Outcome{}, fmt.Errorf("look up dispense %s: %w", requestID, err)
	}
	if found {
		o := Outcome{RequestID: requestID, Amount: prev.Total(), Success: true, Notes: prev.Notes}
		if o.Amount != amount {
			s.mu.Unlock()
			return Outcome{}, fmt.Errorf("%w: %s paid %d", ErrRequestReused, requestID, o.Amount)
		}
		s.completed[requestID] = o
		s.mu.Unlock()
		logger.Info("replaying recorded withdrawal")
		return o, nil
	}

	res, reason, err := s.disp.DispenseWithReason(amount, func(planned dispenser.Result) error {
		return s.store.ApplyDispense(ctx, s.atmID, requestID, planned)
	})
	if err != nil {
		s.mu.Unlock()
		logger.Error("persist dispense failed", zap.Error(err))
		return Outcome{}, fmt.Errorf("persist dispense %s: %w", requestID, err)
	}

	o := Outcome{RequestID: requestID, Amount: amount, Success: res.Success, Notes: res.Notes, Reason: reason}
	if res.Success {
		s.completed[requestID] = o
	}
	s.mu.Unlock()

	if !o.Success {
		logger.Info("withdrawal rejected", zap.String("reason", string(o.Reason)))
		if err := s.pub.PublishDispenseRejected(ctx, s.atmID, o); err != nil {
			logger.Warn("publish rejection failed", zap.Error(err))
		}
		return o, nil
	}

	logger.Info("cash dispensed", zap.Any("notes", o.Notes))
	if err := s.pub.PublishCashDispensed(ctx, s.atmID, o); err != nil {
		logger.Warn("publish dispense failed", zap.Error(err))
	}
	return o, nil
}

// CanReplenish validates a replenishment without applying it.
func (s *Service) CanReplenish(noteValue, count int) error {
	if count <= 0 {
		return fmt.Errorf("%w: count must be positive, got %d", ErrInvalidReplenish, count)
	}
	if !s.knows(noteValue) {
		return fmt.Errorf("%w: %d", dispenser.ErrUnknownDenomination, noteValue)
	}
	return nil
}

// Replenish loads notes into a cassette, stored stock first.
func (s *Service) Replenish(ctx context.Context, noteValue, count int) error {
	if err := s.CanReplenish(noteValue, count); err != nil {
		return err
	}
	if err := s.store.AddNotes(ctx, s.atmID, noteValue, count); err != nil {
		return fmt.Errorf("store replenish: %w", err)
	}
	return s.ApplyReplenished(noteValue, count)
}

// ApplyReplenished loads notes that the caller has already stored.
func (s *Service) ApplyReplenished(noteValue, count int) error {
	if err := s.disp.Replenish(noteValue, count); err != nil {
		return err
	}
	s.logger.Info("cassette replenished", zap.Int("note", noteValue), zap.Int("count", count))
	return nil
}

// SetCount overwrites a cassette count after a recount, stored stock first.
func (s *Service) SetCount(ctx context.Context, noteValue, count int) error {
	if count < 0 {
		return fmt.Errorf("%w: count must not be negative, got %d", ErrInvalidCount, count)
	}
	if !s.knows(noteValue) {
		return fmt.Errorf("%w: %d", dispenser.ErrUnknownDenomination, noteValue)
	}

	if err := s.store.SetCount(ctx, s.atmID, noteValue, count); err != nil {
		return fmt.Errorf("store count: %w", err)
	}
	if err := s.disp.SetCount(noteValue, count); err != nil {
		return err
	}

	s.logger.Info("cassette recounted", zap.Int("note", noteValue), zap.Int("count", count))
	return nil
}

func (s *Service) knows(noteValue int) bool {
	for _, d := range s.disp.Stock() {
		if d.NoteValue == noteValue {
			return true
		}
	}
	return false
}

func (s *Service) Stock() []dispenser.Denomination { return s.disp.Stock() }

func (s *Service) ReportStock(w io.Writer) error { return s.disp.ReportStock(w) }

type nopStore struct{}

func (nopStore) ApplyDispense(context.Context, string, string, dispenser.Result) error { return nil }
func (nopStore) AddNotes(context.Context, string, int, int) error                      { return nil }
func (nopStore) SetCount(context.Context, string, int, int) error                      { return nil }

func (nopStore) FindDispense(context.Context, string, string) (dispenser.Result, bool, error) {
	return dispenser.Result{}, false, nil
}

type nopPublisher struct{}

func (nopPublisher) PublishCashDispensed(context.Context, string, Outcome) error    { return nil }
func (nopPublisher) PublishDispenseRejected(context.Context, string, Outcome) error { return nil }
