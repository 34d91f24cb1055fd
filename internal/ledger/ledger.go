package ledger

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/Reaper404-wag/russian-trading-bot/internal/observ"
)

// Side of a fill, from the portfolio's perspective.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// ErrHalted is returned for any mutation after an invariant violation. The
// ledger stays halted until manual reconciliation restarts the process.
var ErrHalted = errors.New("ledger halted pending manual reconciliation")

// InvariantError is a programming-invariant failure, not a recoverable trade
// error. It is fatal to the pipeline.
type InvariantError struct {
	Detail string
}

func (e *InvariantError) Error() string {
	return "ledger invariant violated: " + e.Detail
}

// Fill is a confirmed execution reported by the orchestrator. The ledger is
// the only component that turns fills into position and cash changes.
type Fill struct {
	OrderID  string          `json:"order_id"`
	Symbol   string          `json:"symbol"`
	Side     Side            `json:"side"`
	Quantity int64           `json:"quantity"` // always positive
	Price    decimal.Decimal `json:"price"`
	Fee      decimal.Decimal `json:"fee"`
	// ReleasesReservation marks fills of sell orders that reserved holdings on
	// admission; the matching reservation is released atomically with the fill.
	ReleasesReservation bool      `json:"releases_reservation"`
	Timestamp           time.Time `json:"timestamp"`
}

// Position is one symbol's holding. Quantity is signed but the pipeline is
// long-only, so sells never drive it below zero.
type Position struct {
	Symbol        string          `json:"symbol"`
	Quantity      int64           `json:"quantity"`
	AvgCost       decimal.Decimal `json:"avg_cost"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	Sector        string          `json:"sector"`
}

// Ledger is the single authoritative record of cash, positions and P&L.
// All mutations run under one mutex; readers get deep-copied snapshots.
type Ledger struct {
	mu sync.Mutex

	cash      decimal.Decimal
	positions map[string]*Position
	reserved  map[string]int64           // symbol -> shares committed to pending sells
	marks     map[string]decimal.Decimal // symbol -> last known price

	sessionDate      string // "2006-01-02" in venue time
	sessionOpenValue decimal.Decimal

	sectors map[string]string // symbol -> sector tag
	halted  bool

	filePath string
	version  int64
	log      zerolog.Logger
}

func New(initialCash float64, sectors map[string]string, filePath string, log zerolog.Logger) *Ledger {
	if sectors == nil {
		sectors = map[string]string{}
	}
	cash := decimal.NewFromFloat(initialCash)
	return &Ledger{
		cash:             cash,
		positions:        map[string]*Position{},
		reserved:         map[string]int64{},
		marks:            map[string]decimal.Decimal{},
		sectors:          sectors,
		sessionOpenValue: cash,
		filePath:         filePath,
		log:              log.With().Str("component", "ledger").Logger(),
	}
}

// Halted reports whether an invariant violation has stopped the ledger.
func (l *Ledger) Halted() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.halted
}

// MarkPrice records the current price for a symbol and refreshes its
// unrealized P&L. Called by the cycle runner before snapshotting.
func (l *Ledger) MarkPrice(symbol string, price float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p := decimal.NewFromFloat(price)
	l.marks[symbol] = p
	if pos, ok := l.positions[symbol]; ok && pos.Quantity != 0 {
		pos.UnrealizedPnL = p.Sub(pos.AvgCost).Mul(decimal.NewFromInt(pos.Quantity))
	}
}

// StartSession resets daily P&L tracking at the first cycle of a new trading
// day. Returns true when a new session actually started.
func (l *Ledger) StartSession(now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	date := now.Format("2006-01-02")
	if date == l.sessionDate {
		return false
	}
	l.sessionDate = date
	l.sessionOpenValue = l.totalValueLocked()
	l.log.Info().Str("session", date).Str("open_value", l.sessionOpenValue.StringFixed(2)).Msg("new trading session")
	return true
}

// Reserve commits held shares to a pending sell so the gate's exposure checks
// see them. Fails when the free quantity is insufficient; never truncates.
func (l *Ledger) Reserve(symbol string, quantity int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.halted {
		return ErrHalted
	}
	if quantity <= 0 {
		return fmt.Errorf("reserve %s: non-positive quantity %d", symbol, quantity)
	}
	free := l.freeQuantityLocked(symbol)
	if quantity > free {
		return fmt.Errorf("reserve %s: want %d, free %d", symbol, quantity, free)
	}
	l.reserved[symbol] += quantity
	observ.SetGauge("ledger_reserved_shares", float64(l.reserved[symbol]), map[string]string{"symbol": symbol})
	l.version++
	return l.saveLocked()
}

// Release returns reserved shares, e.g. when a sell order terminates without
// filling. Releasing more than is reserved is an invariant violation.
func (l *Ledger) Release(symbol string, quantity int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if quantity <= 0 {
		return nil
	}
	if quantity > l.reserved[symbol] {
		return l.haltLocked(fmt.Sprintf("release %s: %d exceeds reserved %d", symbol, quantity, l.reserved[symbol]))
	}
	l.reserved[symbol] -= quantity
	observ.SetGauge("ledger_reserved_shares", float64(l.reserved[symbol]), map[string]string{"symbol": symbol})
	l.version++
	return l.saveLocked()
}

// ApplyFill applies one confirmed execution transactionally: position
// quantity and cost basis, cash net of fees, reservation release for sells,
// and the consistency check. A failed check halts the ledger.
func (l *Ledger) ApplyFill(f Fill) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.halted {
		return ErrHalted
	}
	if f.Quantity <= 0 {
		return fmt.Errorf("fill %s: non-positive quantity %d", f.OrderID, f.Quantity)
	}

	qty := decimal.NewFromInt(f.Quantity)
	notional := f.Price.Mul(qty)

	switch f.Side {
	case SideBuy:
		pos := l.positions[f.Symbol]
		if pos == nil {
			pos = &Position{Symbol: f.Symbol, Sector: l.sectorFor(f.Symbol)}
			l.positions[f.Symbol] = pos
		}
		if pos.Quantity >= 0 {
			// Weighted-average cost basis on increase.
			oldCost := pos.AvgCost.Mul(decimal.NewFromInt(pos.Quantity))
			newQty := pos.Quantity + f.Quantity
			pos.AvgCost = oldCost.Add(notional).Div(decimal.NewFromInt(newQty))
			pos.Quantity = newQty
		} else {
			return l.haltLocked(fmt.Sprintf("buy fill on short position %s", f.Symbol))
		}
		l.cash = l.cash.Sub(notional).Sub(f.Fee)

	case SideSell:
		pos := l.positions[f.Symbol]
		if pos == nil || pos.Quantity < f.Quantity {
			held := int64(0)
			if pos != nil {
				held = pos.Quantity
			}
			return l.haltLocked(fmt.Sprintf("sell fill %d exceeds held %d for %s", f.Quantity, held, f.Symbol))
		}
		if f.ReleasesReservation {
			if l.reserved[f.Symbol] < f.Quantity {
				return l.haltLocked(fmt.Sprintf("sell fill %d exceeds reserved %d for %s", f.Quantity, l.reserved[f.Symbol], f.Symbol))
			}
			l.reserved[f.Symbol] -= f.Quantity
		}
		// Realized P&L on decrease.
		realized := f.Price.Sub(pos.AvgCost).Mul(qty).Sub(f.Fee)
		pos.RealizedPnL = pos.RealizedPnL.Add(realized)
		pos.Quantity -= f.Quantity
		if pos.Quantity == 0 {
			pos.AvgCost = decimal.Zero
			pos.UnrealizedPnL = decimal.Zero
		}
		l.cash = l.cash.Add(notional).Sub(f.Fee)

	default:
		return fmt.Errorf("fill %s: unknown side %q", f.OrderID, f.Side)
	}

	// The fill price is the freshest mark we have.
	l.marks[f.Symbol] = f.Price
	if pos := l.positions[f.Symbol]; pos != nil && pos.Quantity != 0 {
		pos.UnrealizedPnL = f.Price.Sub(pos.AvgCost).Mul(decimal.NewFromInt(pos.Quantity))
	}

	if pos := l.positions[f.Symbol]; pos != nil && pos.Quantity-l.reserved[f.Symbol] < 0 {
		return l.haltLocked(fmt.Sprintf("quantity %d below reserved %d for %s", pos.Quantity, l.reserved[f.Symbol], f.Symbol))
	}
	if l.cash.IsNegative() {
		return l.haltLocked(fmt.Sprintf("cash below zero after fill %s: %s", f.OrderID, l.cash.StringFixed(2)))
	}

	observ.IncCounter("ledger_fills_total", map[string]string{"symbol": f.Symbol, "side": string(f.Side)})
	l.log.Info().
		Str("order_id", f.OrderID).
		Str("symbol", f.Symbol).
		Str("side", string(f.Side)).
		Int64("quantity", f.Quantity).
		Str("price", f.Price.StringFixed(2)).
		Str("cash", l.cash.StringFixed(2)).
		Msg("fill applied")

	l.version++
	return l.saveLocked()
}

// AdjustCash applies an explicit cash movement (deposit, withdrawal, dividend).
func (l *Ledger) AdjustCash(amount float64, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.halted {
		return ErrHalted
	}
	delta := decimal.NewFromFloat(amount)
	next := l.cash.Add(delta)
	if next.IsNegative() {
		return fmt.Errorf("cash adjustment %s would overdraw: %s", reason, next.StringFixed(2))
	}
	l.cash = next
	l.log.Info().Float64("amount", amount).Str("reason", reason).Msg("cash adjusted")
	l.version++
	return l.saveLocked()
}

func (l *Ledger) sectorFor(symbol string) string {
	if s, ok := l.sectors[symbol]; ok {
		return s
	}
	return "other"
}

func (l *Ledger) freeQuantityLocked(symbol string) int64 {
	var held int64
	if pos, ok := l.positions[symbol]; ok {
		held = pos.Quantity
	}
	return held - l.reserved[symbol]
}

func (l *Ledger) totalValueLocked() decimal.Decimal {
	total := l.cash
	for sym, pos := range l.positions {
		if pos.Quantity == 0 {
			continue
		}
		mark, ok := l.marks[sym]
		if !ok {
			mark = pos.AvgCost
		}
		total = total.Add(mark.Mul(decimal.NewFromInt(pos.Quantity)))
	}
	return total
}

// haltLocked flips the ledger into its terminal halted state and returns the
// InvariantError describing why. Taxonomy class (e): fatal, propagates up.
func (l *Ledger) haltLocked(detail string) error {
	l.halted = true
	observ.SetGauge("ledger_invariant_violated", 1, nil)
	l.log.Error().Str("detail", detail).Msg("ledger invariant violated, halting")
	return &InvariantError{Detail: detail}
}
