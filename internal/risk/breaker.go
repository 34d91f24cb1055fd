package risk

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/Reaper404-wag/russian-trading-bot/internal/ledger"
	"github.com/Reaper404-wag/russian-trading-bot/internal/observ"
)

// LossBreaker latches when the day's loss breaches the configured limit.
// While latched every buy is rejected system-wide; sells still pass so the
// book can be flattened. The latch clears only on a new trading session.
type LossBreaker struct {
	mu      sync.Mutex
	active  bool
	session string
	log     zerolog.Logger
}

func NewLossBreaker(log zerolog.Logger) *LossBreaker {
	return &LossBreaker{log: log.With().Str("component", "loss_breaker").Logger()}
}

// Check evaluates the breaker against the current snapshot and returns
// whether it is (now) active. Once tripped it stays tripped for the session
// even if P&L later recovers.
func (b *LossBreaker) Check(snap ledger.Snapshot, maxDailyLossPct float64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.active {
		return true
	}
	if snap.TotalValue <= 0 {
		return false
	}
	lossPct := snap.DailyPnL / snap.TotalValue * 100
	if lossPct < -maxDailyLossPct {
		b.active = true
		b.session = snap.Session
		observ.SetGauge("loss_breaker_active", 1, nil)
		observ.IncCounter("loss_breaker_trips_total", nil)
		b.log.Warn().
			Float64("daily_pnl", snap.DailyPnL).
			Float64("loss_pct", lossPct).
			Float64("limit_pct", maxDailyLossPct).
			Msg("daily loss breaker tripped, buys halted for session")
	}
	return b.active
}

// Reset clears the latch at the start of a new trading session.
func (b *LossBreaker) Reset(session string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.active && session != b.session {
		b.active = false
		b.session = ""
		observ.SetGauge("loss_breaker_active", 0, nil)
		b.log.Info().Str("session", session).Msg("daily loss breaker reset")
	}
}

// Active reports the latch without evaluating.
func (b *LossBreaker) Active() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.active
}
