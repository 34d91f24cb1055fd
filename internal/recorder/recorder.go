package recorder

import (
	"time"

	"github.com/Reaper404-wag/russian-trading-bot/internal/ledger"
	"github.com/Reaper404-wag/russian-trading-bot/internal/orders"
	"github.com/Reaper404-wag/russian-trading-bot/internal/risk"
	"github.com/Reaper404-wag/russian-trading-bot/internal/signal"
)

// Recorder persists the pipeline's audit trail: every signal, every gate
// decision, every order state change, and the per-cycle portfolio snapshot.
type Recorder interface {
	RecordSignal(sig *signal.TradingSignal) error
	RecordDecision(d risk.Decision) error
	RecordTransition(o orders.Order, t orders.Transition) error
	RecordSnapshot(snap ledger.Snapshot) error
	// UnresolvedOrders returns orders whose last recorded state is
	// non-terminal; read at startup so a restart can reconcile them.
	UnresolvedOrders() ([]StoredOrder, error)
	Close() error
}

// StoredOrder is the recovery view of an order: its latest recorded state.
type StoredOrder struct {
	OrderID        string
	SignalID       string
	Symbol         string
	Side           string
	Quantity       int64
	FilledQuantity int64
	State          orders.State
	IdempotencyKey string
	UpdatedAt      time.Time
}

// Order rebuilds the orchestrator's view of a stored order so a restart can
// hand it back for reconciliation.
func (s StoredOrder) Order() orders.Order {
	return orders.Order{
		ID:             s.OrderID,
		SignalID:       s.SignalID,
		Symbol:         s.Symbol,
		Side:           s.Side,
		Quantity:       s.Quantity,
		FilledQuantity: s.FilledQuantity,
		State:          s.State,
		IdempotencyKey: s.IdempotencyKey,
		UpdatedAt:      s.UpdatedAt,
	}
}

// Sink adapts a Recorder to the orchestrator's transition fan-out. Recording
// failures are logged, never propagated: audit must not block trading.
type Sink struct {
	R Recorder
}

func (s Sink) OrderTransition(o orders.Order, t orders.Transition) {
	_ = s.R.RecordTransition(o, t)
}

// Noop is used when SQLite is not configured.
type Noop struct{}

func NewNoop() *Noop { return &Noop{} }

func (n *Noop) RecordSignal(_ *signal.TradingSignal) error                 { return nil }
func (n *Noop) RecordDecision(_ risk.Decision) error                       { return nil }
func (n *Noop) RecordTransition(_ orders.Order, _ orders.Transition) error { return nil }
func (n *Noop) RecordSnapshot(_ ledger.Snapshot) error                     { return nil }
func (n *Noop) UnresolvedOrders() ([]StoredOrder, error)                   { return nil, nil }
func (n *Noop) Close() error                                               { return nil }
