package orders

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Reaper404-wag/russian-trading-bot/internal/broker"
	"github.com/Reaper404-wag/russian-trading-bot/internal/ledger"
	"github.com/Reaper404-wag/russian-trading-bot/internal/risk"
	"github.com/Reaper404-wag/russian-trading-bot/internal/signal"
)

var now = time.Date(2025, 6, 2, 11, 0, 0, 0, time.UTC)

func newTestLedger(t *testing.T, cash float64) *ledger.Ledger {
	t.Helper()
	l := ledger.New(cash, map[string]string{"SBER": "finance"}, filepath.Join(t.TempDir(), "ledger.json"), zerolog.Nop())
	l.StartSession(now)
	return l
}

func seedPosition(t *testing.T, l *ledger.Ledger, symbol string, qty int64, price float64) {
	t.Helper()
	require.NoError(t, l.ApplyFill(ledger.Fill{
		OrderID:   "seed",
		Symbol:    symbol,
		Side:      ledger.SideBuy,
		Quantity:  qty,
		Price:     decimal.NewFromFloat(price),
		Timestamp: now,
	}))
}

type captureSink struct {
	transitions []Transition
}

func (c *captureSink) OrderTransition(_ Order, t Transition) {
	c.transitions = append(c.transitions, t)
}

func (c *captureSink) states() []State {
	out := make([]State, len(c.transitions))
	for i, t := range c.transitions {
		out[i] = t.To
	}
	return out
}

func approvedBuy(symbol string, qty int64) risk.Decision {
	return risk.Decision{
		SignalID: "sig_" + symbol + "_1",
		Symbol:   symbol,
		Action:   signal.Buy,
		Verdict:  risk.Approved,
		Quantity: qty,
	}
}

func approvedSell(symbol string, qty int64) risk.Decision {
	d := approvedBuy(symbol, qty)
	d.Action = signal.Sell
	return d
}

func fastConfig() Config {
	return Config{MaxAttempts: 3, SubmitsPerSec: 10_000, BackoffMinMs: 1, BackoffMaxMs: 2}
}

func TestRejectedDecisionNeverBecomesOrder(t *testing.T) {
	l := newTestLedger(t, 100_000)
	bk := broker.NewSim(broker.SimConfig{Seed: 1}, func(string) float64 { return 100 }, zerolog.Nop())
	oc := NewOrchestrator(fastConfig(), bk, l, zerolog.Nop())

	d := approvedBuy("SBER", 10)
	d.Verdict = risk.Rejected
	o, err := oc.Execute(context.Background(), d, now)
	require.ErrorIs(t, err, ErrRejectedDecision)
	assert.Nil(t, o)
}

func TestBuyFilledAndPostedToLedger(t *testing.T) {
	l := newTestLedger(t, 100_000)
	bk := broker.NewSim(broker.SimConfig{Seed: 1, SlippageBpsMin: 0, SlippageBpsMax: 1}, func(string) float64 { return 100 }, zerolog.Nop())
	sink := &captureSink{}
	oc := NewOrchestrator(fastConfig(), bk, l, zerolog.Nop(), sink)

	o, err := oc.Execute(context.Background(), approvedBuy("SBER", 100), now)
	require.NoError(t, err)
	assert.Equal(t, StateFilled, o.State)
	assert.Equal(t, int64(100), o.FilledQuantity)
	assert.Equal(t, []State{StatePending, StateSubmitted, StateFilled}, sink.states())

	snap := l.Snapshot(now)
	assert.Equal(t, int64(100), snap.Positions["SBER"].Quantity)
	assert.Less(t, snap.Cash, 100_000.0)
}

func TestTransientErrorsRetriedThenFilled(t *testing.T) {
	l := newTestLedger(t, 100_000)
	bk := broker.NewSim(broker.SimConfig{Seed: 1}, func(string) float64 { return 100 }, zerolog.Nop())
	bk.FailNextTransient("gateway timeout", 2)
	oc := NewOrchestrator(fastConfig(), bk, l, zerolog.Nop())

	o, err := oc.Execute(context.Background(), approvedBuy("SBER", 10), now)
	require.NoError(t, err)
	assert.Equal(t, StateFilled, o.State)
	assert.Equal(t, 3, o.Attempts)
}

func TestRetriesExhaustedFailsAndReleasesReservation(t *testing.T) {
	l := newTestLedger(t, 100_000)
	seedPosition(t, l, "SBER", 50, 100)
	bk := broker.NewSim(broker.SimConfig{Seed: 1}, func(string) float64 { return 100 }, zerolog.Nop())
	bk.FailNextTransient("throttled", 10)
	oc := NewOrchestrator(fastConfig(), bk, l, zerolog.Nop())

	o, err := oc.Execute(context.Background(), approvedSell("SBER", 50), now)
	require.Error(t, err)
	assert.Equal(t, StateFailed, o.State)

	snap := l.Snapshot(now)
	assert.Equal(t, int64(50), snap.FreeQuantity("SBER"), "reservation must be released on failure")
}

// flakyBroker accepts the first submission at the venue but reports a
// transient error back, the case the status probe exists for.
type flakyBroker struct {
	*broker.Sim
	dropped bool
}

func (f *flakyBroker) Submit(ctx context.Context, req broker.OrderRequest) (broker.Execution, error) {
	ex, err := f.Sim.Submit(ctx, req)
	if err == nil && !f.dropped {
		f.dropped = true
		return broker.Execution{}, &broker.TransientError{Op: "submit", Reason: "response lost"}
	}
	return ex, err
}

func TestProbeAdoptsOrderAcceptedDespiteTransientError(t *testing.T) {
	l := newTestLedger(t, 100_000)
	inner := broker.NewSim(broker.SimConfig{Seed: 1}, func(string) float64 { return 100 }, zerolog.Nop())
	bk := &flakyBroker{Sim: inner}
	oc := NewOrchestrator(fastConfig(), bk, l, zerolog.Nop())

	o, err := oc.Execute(context.Background(), approvedBuy("SBER", 10), now)
	require.NoError(t, err)
	assert.Equal(t, StateFilled, o.State)

	// Exactly one live order at the venue and exactly one fill in the book.
	snap := l.Snapshot(now)
	assert.Equal(t, int64(10), snap.Positions["SBER"].Quantity)
}

func TestSellFillConsumesReservation(t *testing.T) {
	l := newTestLedger(t, 100_000)
	seedPosition(t, l, "SBER", 80, 100)
	bk := broker.NewSim(broker.SimConfig{Seed: 1}, func(string) float64 { return 110 }, zerolog.Nop())
	oc := NewOrchestrator(fastConfig(), bk, l, zerolog.Nop())

	o, err := oc.Execute(context.Background(), approvedSell("SBER", 80), now)
	require.NoError(t, err)
	assert.Equal(t, StateFilled, o.State)

	snap := l.Snapshot(now)
	assert.NotContains(t, snap.Positions, "SBER")
	assert.Zero(t, snap.Reserved["SBER"])
	assert.Greater(t, snap.Cash, 100_000.0) // sold above cost
}

func TestPartialSellReleasesProportionallyOnReconcile(t *testing.T) {
	l := newTestLedger(t, 100_000)
	seedPosition(t, l, "SBER", 50, 100)
	bk := broker.NewSim(broker.SimConfig{Seed: 7, PartialFillRatio: 1.0}, func(string) float64 { return 100 }, zerolog.Nop())
	oc := NewOrchestrator(fastConfig(), bk, l, zerolog.Nop())

	o, err := oc.Execute(context.Background(), approvedSell("SBER", 50), now)
	require.NoError(t, err)
	require.Equal(t, StatePartiallyFilled, o.State)
	require.Len(t, oc.Open(), 1)

	// The filled part consumed its reservation; the rest is still held.
	snap := l.Snapshot(now)
	filled := o.FilledQuantity
	assert.Equal(t, 50-filled, snap.Reserved["SBER"])

	// Venue reports no further progress; the remainder is cancelled and the
	// reservation fully released.
	oc.ReconcileOpen(context.Background())
	assert.Empty(t, oc.Open())
	snap = l.Snapshot(now)
	assert.Zero(t, snap.Reserved["SBER"])
	assert.Equal(t, 50-filled, snap.FreeQuantity("SBER"))
}

func TestPartialBuyCompletedAtReconcile(t *testing.T) {
	l := newTestLedger(t, 100_000)
	bk := broker.NewSim(broker.SimConfig{Seed: 7, PartialFillRatio: 1.0}, func(string) float64 { return 100 }, zerolog.Nop())
	oc := NewOrchestrator(fastConfig(), bk, l, zerolog.Nop())

	o, err := oc.Execute(context.Background(), approvedBuy("SBER", 40), now)
	require.NoError(t, err)
	require.Equal(t, StatePartiallyFilled, o.State)
	first := o.FilledQuantity

	require.True(t, bk.CompleteFill(o.IdempotencyKey, 40))
	oc.ReconcileOpen(context.Background())

	assert.Equal(t, StateFilled, o.State)
	assert.Equal(t, int64(40), o.FilledQuantity)
	assert.Greater(t, int64(40), first)

	snap := l.Snapshot(now)
	assert.Equal(t, int64(40), snap.Positions["SBER"].Quantity)
}

func TestStateMachineRejectsIllegalMoves(t *testing.T) {
	assert.True(t, CanTransition(StatePending, StateSubmitted))
	assert.True(t, CanTransition(StateSubmitted, StateCancelled))
	assert.True(t, CanTransition(StatePartiallyFilled, StateFilled))
	assert.False(t, CanTransition(StateFilled, StateSubmitted))
	assert.False(t, CanTransition(StatePending, StateFilled))
	assert.False(t, CanTransition(StateRejected, StatePending))
	assert.False(t, CanTransition(StateExpired, StateSubmitted))

	for _, s := range []State{StateFilled, StateRejected, StateCancelled, StateFailed, StateExpired} {
		assert.True(t, s.Terminal(), s)
	}
	for _, s := range []State{StatePending, StateSubmitted, StatePartiallyFilled} {
		assert.False(t, s.Terminal(), s)
	}
}

func TestIdempotencyKeyStableWithinCycle(t *testing.T) {
	a := idempotencyKey("sig_SBER_1", now)
	b := idempotencyKey("sig_SBER_1", now)
	c := idempotencyKey("sig_SBER_1", now.Add(5*time.Minute))
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestExpiredSignalNeverSubmitted(t *testing.T) {
	l := newTestLedger(t, 100_000)
	seedPosition(t, l, "SBER", 50, 100)
	bk := broker.NewSim(broker.SimConfig{Seed: 1}, func(string) float64 { return 100 }, zerolog.Nop())
	oc := NewOrchestrator(fastConfig(), bk, l, zerolog.Nop())

	d := approvedSell("SBER", 50)
	d.SignalExpiresAt = time.Now().UTC().Add(-time.Second)
	o, err := oc.Execute(context.Background(), d, now)
	require.Error(t, err)
	assert.Equal(t, StateExpired, o.State)
	assert.Zero(t, o.Attempts)

	// The admission reservation is given back and the venue never saw the key.
	snap := l.Snapshot(now)
	assert.Zero(t, snap.Reserved["SBER"])
	_, seen, err := bk.StatusByKey(context.Background(), o.IdempotencyKey)
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestRestoredSellReservationReleasedAfterRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.json")
	l := ledger.New(100_000, map[string]string{"SBER": "finance"}, path, zerolog.Nop())
	l.StartSession(now)
	seedPosition(t, l, "SBER", 100, 100)
	require.NoError(t, l.Reserve("SBER", 50))

	// Restart: the reloaded book still carries the reservation, the broker
	// never saw the order, and the in-memory open map starts empty.
	l2 := ledger.New(100_000, map[string]string{"SBER": "finance"}, path, zerolog.Nop())
	require.NoError(t, l2.Load())
	require.Equal(t, int64(50), l2.Snapshot(now).Reserved["SBER"])

	bk := broker.NewSim(broker.SimConfig{Seed: 1}, func(string) float64 { return 100 }, zerolog.Nop())
	sink := &captureSink{}
	oc := NewOrchestrator(fastConfig(), bk, l2, zerolog.Nop(), sink)
	oc.Restore([]Order{{
		ID:             "o-restart",
		SignalID:       "sig_SBER_1",
		Symbol:         "SBER",
		Side:           string(signal.Sell),
		Quantity:       50,
		State:          StateSubmitted,
		IdempotencyKey: "k-restart",
	}})
	require.Len(t, oc.Open(), 1)

	oc.ReconcileOpen(context.Background())

	snap := l2.Snapshot(now)
	assert.Zero(t, snap.Reserved["SBER"], "restart must not strand the reservation")
	assert.Equal(t, int64(100), snap.FreeQuantity("SBER"))
	assert.Empty(t, oc.Open())
	assert.Equal(t, []State{StateCancelled}, sink.states())
}

func TestRestoreSkipsTerminalOrders(t *testing.T) {
	l := newTestLedger(t, 100_000)
	bk := broker.NewSim(broker.SimConfig{Seed: 1}, func(string) float64 { return 100 }, zerolog.Nop())
	oc := NewOrchestrator(fastConfig(), bk, l, zerolog.Nop())

	oc.Restore([]Order{
		{ID: "done", Symbol: "SBER", Side: string(signal.Buy), Quantity: 10, State: StateFilled},
		{ID: "open", Symbol: "SBER", Side: string(signal.Buy), Quantity: 10, State: StatePartiallyFilled, IdempotencyKey: "k-open"},
	})
	open := oc.Open()
	require.Len(t, open, 1)
	assert.Equal(t, "open", open[0].ID)
}
