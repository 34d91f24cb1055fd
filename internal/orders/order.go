package orders

import (
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// State is the closed set of order lifecycle states.
type State string

const (
	StatePending         State = "PENDING"
	StateSubmitted       State = "SUBMITTED"
	StateFilled          State = "FILLED"
	StatePartiallyFilled State = "PARTIALLY_FILLED"
	StateRejected        State = "REJECTED"
	StateCancelled       State = "CANCELLED"
	StateFailed          State = "FAILED"
	StateExpired         State = "EXPIRED"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	switch s {
	case StateFilled, StateRejected, StateCancelled, StateFailed, StateExpired:
		return true
	}
	return false
}

// validTransitions is the whole state machine; anything absent is illegal.
var validTransitions = map[State][]State{
	StatePending:         {StateSubmitted, StateFailed, StateExpired},
	StateSubmitted:       {StateFilled, StatePartiallyFilled, StateRejected, StateCancelled, StateFailed},
	StatePartiallyFilled: {StateFilled, StateCancelled},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to State) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Order is the orchestrator's record of one approved decision being worked.
type Order struct {
	ID             string    `json:"id"`
	SignalID       string    `json:"signal_id"`
	Symbol         string    `json:"symbol"`
	Side           string    `json:"side"`
	Quantity       int64     `json:"quantity"`
	FilledQuantity int64     `json:"filled_quantity"`
	AvgFillPrice   float64   `json:"avg_fill_price"`
	Fee            float64   `json:"fee"`
	State          State     `json:"state"`
	IdempotencyKey string    `json:"idempotency_key"`
	BrokerOrderID  string    `json:"broker_order_id,omitempty"`
	Attempts       int       `json:"attempts"`
	LastError      string    `json:"last_error,omitempty"`
	ExpiresAt      time.Time `json:"expires_at"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Transition is one audited state change.
type Transition struct {
	OrderID string    `json:"order_id"`
	Symbol  string    `json:"symbol"`
	From    State     `json:"from"`
	To      State     `json:"to"`
	Reason  string    `json:"reason,omitempty"`
	At      time.Time `json:"at"`
}

func newOrder(signalID, symbol, side string, quantity int64, expiresAt, now time.Time) *Order {
	return &Order{
		ID:             uuid.NewString(),
		SignalID:       signalID,
		Symbol:         symbol,
		Side:           side,
		Quantity:       quantity,
		State:          StatePending,
		IdempotencyKey: idempotencyKey(signalID, now),
		ExpiresAt:      expiresAt,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// idempotencyKey is stable for one signal within one cycle: retries of the
// same order reuse it so the broker can dedupe, while a fresh cycle's signal
// gets a fresh key.
func idempotencyKey(signalID string, cycleStart time.Time) string {
	data := fmt.Sprintf("%s-%d", signalID, cycleStart.Unix())
	hash := sha256.Sum256([]byte(data))
	return fmt.Sprintf("%x", hash[:8])
}
