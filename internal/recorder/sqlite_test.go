package recorder

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Reaper404-wag/russian-trading-bot/internal/ledger"
	"github.com/Reaper404-wag/russian-trading-bot/internal/orders"
	"github.com/Reaper404-wag/russian-trading-bot/internal/risk"
	"github.com/Reaper404-wag/russian-trading-bot/internal/signal"
)

func newTestRecorder(t *testing.T) *SQLite {
	t.Helper()
	r, err := NewSQLite(filepath.Join(t.TempDir(), "audit.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func TestRecordAndRecoverUnresolvedOrders(t *testing.T) {
	r := newTestRecorder(t)
	now := time.Date(2025, 6, 2, 11, 0, 0, 0, time.UTC)

	filled := orders.Order{
		ID: "o1", SignalID: "s1", Symbol: "SBER", Side: "BUY",
		Quantity: 10, FilledQuantity: 10, IdempotencyKey: "k1",
	}
	require.NoError(t, r.RecordTransition(filled, orders.Transition{
		OrderID: "o1", From: orders.StatePending, To: orders.StateSubmitted, At: now,
	}))
	require.NoError(t, r.RecordTransition(filled, orders.Transition{
		OrderID: "o1", From: orders.StateSubmitted, To: orders.StateFilled, At: now.Add(time.Second),
	}))

	partial := orders.Order{
		ID: "o2", SignalID: "s2", Symbol: "GAZP", Side: "SELL",
		Quantity: 50, FilledQuantity: 20, IdempotencyKey: "k2",
	}
	require.NoError(t, r.RecordTransition(partial, orders.Transition{
		OrderID: "o2", From: orders.StateSubmitted, To: orders.StatePartiallyFilled, At: now,
	}))

	open, err := r.UnresolvedOrders()
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "o2", open[0].OrderID)
	assert.Equal(t, orders.StatePartiallyFilled, open[0].State)
	assert.Equal(t, int64(20), open[0].FilledQuantity)
	assert.Equal(t, "k2", open[0].IdempotencyKey)

	restored := open[0].Order()
	assert.Equal(t, "o2", restored.ID)
	assert.Equal(t, int64(50), restored.Quantity)
	assert.Equal(t, orders.StatePartiallyFilled, restored.State)
	assert.Equal(t, "k2", restored.IdempotencyKey)
}

func TestRecordSignalDecisionSnapshot(t *testing.T) {
	r := newTestRecorder(t)
	now := time.Date(2025, 6, 2, 11, 0, 0, 0, time.UTC)

	require.NoError(t, r.RecordSignal(&signal.TradingSignal{
		ID: "s1", Symbol: "SBER", Action: signal.Buy,
		Composite: 0.6, Confidence: 0.8, RiskTag: signal.RiskLow,
		GeneratedAt: now,
	}))
	require.NoError(t, r.RecordDecision(risk.Decision{
		SignalID: "s1", Symbol: "SBER", Action: signal.Buy,
		Verdict: risk.ApprovedWithAdjustedSize, Quantity: 175, Notional: 49_962.50,
		TriggeredRules: []risk.Rule{risk.RulePositionSizeCap},
		ParamsVersion:  1, EvaluatedAt: now,
	}))
	require.NoError(t, r.RecordSnapshot(ledger.Snapshot{
		Cash: 950_037.50, TotalValue: 1_000_000,
		Positions: map[string]ledger.PositionView{
			"SBER": {Symbol: "SBER", Quantity: 175, CurrentPrice: 285.50},
		},
		TakenAt: now, Session: "2025-06-02",
	}))

	var count int
	require.NoError(t, r.db.QueryRow("SELECT COUNT(*) FROM decisions WHERE verdict = ?",
		string(risk.ApprovedWithAdjustedSize)).Scan(&count))
	assert.Equal(t, 1, count)
}
