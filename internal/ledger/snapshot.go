package ledger

import "time"

// PositionView is a position priced at the current mark, in float64 for the
// gate's arithmetic. The decimal originals stay inside the ledger.
type PositionView struct {
	Symbol        string  `json:"symbol"`
	Quantity      int64   `json:"quantity"`
	AvgCost       float64 `json:"avg_cost"`
	CurrentPrice  float64 `json:"current_price"`
	Notional      float64 `json:"notional"`
	RealizedPnL   float64 `json:"realized_pnl"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
	Sector        string  `json:"sector"`
}

// Snapshot is a consistent point-in-time read of the portfolio. The gate and
// orchestrator only ever see snapshots, never the live ledger.
type Snapshot struct {
	Cash       float64                 `json:"cash"`
	Positions  map[string]PositionView `json:"positions"`
	Reserved   map[string]int64        `json:"reserved"`
	TotalValue float64                 `json:"total_value"`
	DailyPnL   float64                 `json:"daily_pnl"`
	TakenAt    time.Time               `json:"taken_at"`
	Session    string                  `json:"session"`
}

// SectorNotional sums current notionals for a sector.
func (s Snapshot) SectorNotional(sector string) float64 {
	var total float64
	for _, p := range s.Positions {
		if p.Sector == sector {
			total += abs(p.Notional)
		}
	}
	return total
}

// FreeQuantity is the sellable quantity for a symbol: held minus reserved.
func (s Snapshot) FreeQuantity(symbol string) int64 {
	var held int64
	if p, ok := s.Positions[symbol]; ok {
		held = p.Quantity
	}
	return held - s.Reserved[symbol]
}

// Snapshot takes an atomic deep copy of the ledger state.
func (l *Ledger) Snapshot(now time.Time) Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	snap := Snapshot{
		Cash:      l.cash.InexactFloat64(),
		Positions: make(map[string]PositionView, len(l.positions)),
		Reserved:  make(map[string]int64, len(l.reserved)),
		TakenAt:   now,
		Session:   l.sessionDate,
	}
	for sym, qty := range l.reserved {
		if qty > 0 {
			snap.Reserved[sym] = qty
		}
	}
	for sym, pos := range l.positions {
		if pos.Quantity == 0 {
			continue
		}
		mark, ok := l.marks[sym]
		if !ok {
			mark = pos.AvgCost
		}
		price := mark.InexactFloat64()
		snap.Positions[sym] = PositionView{
			Symbol:        sym,
			Quantity:      pos.Quantity,
			AvgCost:       pos.AvgCost.InexactFloat64(),
			CurrentPrice:  price,
			Notional:      price * float64(pos.Quantity),
			RealizedPnL:   pos.RealizedPnL.InexactFloat64(),
			UnrealizedPnL: pos.UnrealizedPnL.InexactFloat64(),
			Sector:        pos.Sector,
		}
	}

	total := l.totalValueLocked()
	snap.TotalValue = total.InexactFloat64()
	snap.DailyPnL = total.Sub(l.sessionOpenValue).InexactFloat64()
	return snap
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
