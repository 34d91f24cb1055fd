package runner

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Reaper404-wag/russian-trading-bot/internal/broker"
	"github.com/Reaper404-wag/russian-trading-bot/internal/feed"
	"github.com/Reaper404-wag/russian-trading-bot/internal/ledger"
	"github.com/Reaper404-wag/russian-trading-bot/internal/marketdata"
	"github.com/Reaper404-wag/russian-trading-bot/internal/orders"
	"github.com/Reaper404-wag/russian-trading-bot/internal/recorder"
	"github.com/Reaper404-wag/russian-trading-bot/internal/risk"
	"github.com/Reaper404-wag/russian-trading-bot/internal/signal"
)

type closedCalendar struct{}

func (closedCalendar) IsMarketOpen(time.Time) bool    { return false }
func (closedCalendar) NextOpen(t time.Time) time.Time { return t.Add(time.Hour) }

type harness struct {
	runner *Runner
	ledger *ledger.Ledger
	scores *marketdata.SimScoreSource
	broker *broker.Sim
}

func newHarness(t *testing.T, symbols []string) *harness {
	t.Helper()
	log := zerolog.Nop()

	market := marketdata.NewSimMarketData(1)
	scores := marketdata.NewSimScoreSource(1)
	led := ledger.New(1_000_000, map[string]string{"SBER": "finance", "GAZP": "energy"},
		t.TempDir()+"/ledger.json", log)
	bk := broker.NewSim(broker.SimConfig{Seed: 1}, func(sym string) float64 {
		p, err := market.CurrentPrice(context.Background(), sym)
		if err != nil {
			return 0
		}
		return p
	}, log)
	hub := feed.NewHub(100, log)
	breaker := risk.NewLossBreaker(log)
	orch := orders.NewOrchestrator(orders.Config{SubmitsPerSec: 10_000, BackoffMinMs: 1, BackoffMaxMs: 2},
		bk, led, log, hub)

	r := New(Config{
		Symbols:        symbols,
		Sectors:        map[string]string{"SBER": "finance", "GAZP": "energy"},
		IgnoreCalendar: true,
		FanOutWorkers:  2,
	}, Deps{
		Fuser:    signal.NewFuser(signal.Config{}.Defaulted(), log),
		Gate:     risk.NewGate(breaker, log),
		Breaker:  breaker,
		Orch:     orch,
		Ledger:   led,
		Market:   market,
		Scores:   scores,
		Calendar: marketdata.NewMoexCalendar(nil),
		Hub:      hub,
		Recorder: recorder.NewNoop(),
		Params:   risk.Parameters{Version: 1},
	}, log)

	return &harness{runner: r, ledger: led, scores: scores, broker: bk}
}

func TestCycleBuysOnStrongSignal(t *testing.T) {
	h := newHarness(t, []string{"SBER"})
	h.scores.SetBias("SBER", 0.9)

	h.runner.RunCycle(context.Background())

	snap := h.ledger.Snapshot(time.Now().UTC())
	pos, ok := snap.Positions["SBER"]
	require.True(t, ok, "strong buy bias must open a position")
	assert.Positive(t, pos.Quantity)
	assert.Less(t, snap.Cash, 1_000_000.0)

	// Book stays consistent: cash plus holdings equals total value.
	var holdings float64
	for _, p := range snap.Positions {
		holdings += p.Notional
	}
	assert.InDelta(t, snap.TotalValue, snap.Cash+holdings, 0.01)
}

func TestCycleHoldsOnNeutralSignal(t *testing.T) {
	h := newHarness(t, []string{"SBER"})
	h.scores.SetBias("SBER", 0.0)

	h.runner.RunCycle(context.Background())

	snap := h.ledger.Snapshot(time.Now().UTC())
	assert.Empty(t, snap.Positions)
	assert.Equal(t, 1_000_000.0, snap.Cash)
}

func TestCycleSkippedWhenMarketClosed(t *testing.T) {
	h := newHarness(t, []string{"SBER"})
	h.scores.SetBias("SBER", 0.9)
	h.runner.cfg.IgnoreCalendar = false
	h.runner.calendar = closedCalendar{}

	h.runner.RunCycle(context.Background())

	snap := h.ledger.Snapshot(time.Now().UTC())
	assert.Empty(t, snap.Positions)
}

func TestCycleSellFlattensPosition(t *testing.T) {
	h := newHarness(t, []string{"SBER"})
	h.scores.SetBias("SBER", 0.9)
	h.runner.RunCycle(context.Background())

	snap := h.ledger.Snapshot(time.Now().UTC())
	require.NotEmpty(t, snap.Positions["SBER"].Quantity)

	h.scores.SetBias("SBER", -0.9)
	h.runner.RunCycle(context.Background())

	snap = h.ledger.Snapshot(time.Now().UTC())
	assert.Empty(t, snap.Positions, "strong sell bias must flatten the position")
	assert.Zero(t, snap.Reserved["SBER"])
}

func TestCycleParamsVersionPropagates(t *testing.T) {
	h := newHarness(t, []string{"SBER"})
	h.runner.UpdateParams(risk.Parameters{Version: 7, RiskMultiplier: 0.5})
	assert.Equal(t, int64(7), h.runner.currentParams().Version)
	assert.Equal(t, 0.5, h.runner.currentParams().RiskMultiplier)
}

func TestCycleSuspendedWhenLedgerHalted(t *testing.T) {
	h := newHarness(t, []string{"SBER"})
	h.scores.SetBias("SBER", 0.9)

	// Force a halt through an impossible release.
	require.Error(t, h.ledger.Release("SBER", 1_000))
	require.True(t, h.ledger.Halted())

	h.runner.RunCycle(context.Background())
	snap := h.ledger.Snapshot(time.Now().UTC())
	assert.Empty(t, snap.Positions)
}
