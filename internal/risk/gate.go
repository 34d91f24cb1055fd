package risk

import (
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/Reaper404-wag/russian-trading-bot/internal/ledger"
	"github.com/Reaper404-wag/russian-trading-bot/internal/observ"
	"github.com/Reaper404-wag/russian-trading-bot/internal/signal"
)

// Verdict is the gate's answer for one signal.
type Verdict string

const (
	Approved                 Verdict = "APPROVED"
	Rejected                 Verdict = "REJECTED"
	ApprovedWithAdjustedSize Verdict = "APPROVED_ADJUSTED"
)

// Decision records the gate's verdict with full audit context. Immutable;
// consumed once by the orchestrator.
type Decision struct {
	SignalID       string        `json:"signal_id"`
	Symbol         string        `json:"symbol"`
	Action         signal.Action `json:"action"`
	Verdict        Verdict       `json:"verdict"`
	Quantity       int64         `json:"quantity"` // approved shares
	Notional       float64       `json:"notional"` // approved value at evaluation price
	TriggeredRules []Rule        `json:"triggered_rules,omitempty"`
	RiskScore      float64       `json:"risk_score"`
	ParamsVersion  int64         `json:"params_version"`
	EvaluatedAt    time.Time     `json:"evaluated_at"`

	// SignalExpiresAt carries the signal's validity deadline downstream so
	// the orchestrator refuses to submit after it passes.
	SignalExpiresAt time.Time `json:"signal_expires_at"`
}

// Gate validates signals against portfolio-level risk constraints. It is the
// sole authority permitting an order to proceed. It never mutates the ledger;
// it only reads the snapshot taken at cycle start.
type Gate struct {
	breaker *LossBreaker
	log     zerolog.Logger
}

func NewGate(breaker *LossBreaker, log zerolog.Logger) *Gate {
	return &Gate{
		breaker: breaker,
		log:     log.With().Str("component", "risk_gate").Logger(),
	}
}

// Evaluate runs the rule chain in order, short-circuiting on the first hard
// violation. Parameters arrive per call (versioned) so evaluations replay
// deterministically.
func (g *Gate) Evaluate(sig *signal.TradingSignal, price float64, snap ledger.Snapshot, params Parameters, now time.Time) Decision {
	params = params.Defaulted()
	d := Decision{
		SignalID:      sig.ID,
		Symbol:        sig.Symbol,
		Action:        sig.Action,
		Verdict:       Rejected,
		RiskScore:     g.portfolioRiskScore(snap, params),
		ParamsVersion: params.Version,
		EvaluatedAt:   now,
	}
	if sig.ValidFor > 0 {
		d.SignalExpiresAt = sig.GeneratedAt.Add(sig.ValidFor)
	}
	defer func() {
		observ.IncCounter("risk_decisions_total", map[string]string{"verdict": string(d.Verdict)})
		if d.Verdict == Rejected && len(d.TriggeredRules) > 0 {
			observ.IncCounter("risk_rejections_total", map[string]string{"rule": string(d.TriggeredRules[0])})
		}
		g.log.Debug().
			Str("signal_id", sig.ID).
			Str("symbol", sig.Symbol).
			Str("verdict", string(d.Verdict)).
			Int64("quantity", d.Quantity).
			Interface("rules", d.TriggeredRules).
			Msg("signal evaluated")
	}()

	if sig.Action == signal.Hold {
		return d
	}
	if sig.Expired(now) {
		d.TriggeredRules = append(d.TriggeredRules, RuleStaleSignal)
		return d
	}
	if price <= 0 || snap.TotalValue <= 0 {
		d.TriggeredRules = append(d.TriggeredRules, RuleInsufficientCash)
		return d
	}

	// 1. Daily-loss breaker: rejects every buy system-wide until the next
	// session; sell/flatten signals still pass.
	breakerActive := g.breaker.Check(snap, params.MaxDailyLossPct)
	if sig.Action == signal.Buy && breakerActive {
		d.TriggeredRules = append(d.TriggeredRules, RuleDailyLossBreaker)
		return d
	}

	if sig.Action == signal.Sell {
		return g.evaluateSell(sig, d, snap)
	}
	return g.evaluateBuy(sig, d, price, snap, params)
}

// evaluateSell flattens the free (unreserved) position. A sell against
// nothing sellable is rejected, never truncated to zero silently.
func (g *Gate) evaluateSell(sig *signal.TradingSignal, d Decision, snap ledger.Snapshot) Decision {
	free := snap.FreeQuantity(sig.Symbol)
	if free <= 0 {
		d.TriggeredRules = append(d.TriggeredRules, RuleInsufficientHoldings)
		return d
	}
	pos := snap.Positions[sig.Symbol]
	d.Verdict = Approved
	d.Quantity = free
	d.Notional = float64(free) * pos.CurrentPrice
	return d
}

// evaluateBuy runs sizing and exposure rules in spec order.
func (g *Gate) evaluateBuy(sig *signal.TradingSignal, d Decision, price float64, snap ledger.Snapshot, params Parameters) Decision {
	// 2. Position-size cap: confidence-scaled base size, capped. Exceeding
	// the cap adjusts the size down rather than rejecting.
	uncapped := sig.Confidence * params.BasePositionPct / 100 * snap.TotalValue
	cap := params.MaxPositionSizePct / 100 * snap.TotalValue
	notional := uncapped
	adjusted := false
	if notional > cap {
		notional = cap
		adjusted = true
		d.TriggeredRules = append(d.TriggeredRules, RulePositionSizeCap)
	}

	// 3. Sector exposure cap: hard reject, partial entry would still defeat
	// the diversification intent.
	sector := sig.Sector
	if pos, ok := snap.Positions[sig.Symbol]; ok && pos.Sector != "" {
		sector = pos.Sector
	}
	if sector == "" {
		sector = "other"
	}
	sectorAfter := snap.SectorNotional(sector) + notional
	if sectorAfter > params.MaxSectorExposurePct/100*snap.TotalValue {
		d.TriggeredRules = append(d.TriggeredRules, RuleSectorExposureCap)
		d.Verdict = Rejected
		return d
	}

	// 4. Correlation cap against the top-N holdings.
	if corrExposure, hit := g.correlatedExposure(sig.Symbol, snap, params); hit {
		if corrExposure+notional > params.CorrelatedExposureCapPct/100*snap.TotalValue {
			d.TriggeredRules = append(d.TriggeredRules, RuleCorrelationCap)
			d.Verdict = Rejected
			return d
		}
	}

	// 5. Geopolitical/volatility multiplier: applied last, shrink-only.
	if params.RiskMultiplier < 1 {
		notional *= params.RiskMultiplier
		adjusted = true
		d.TriggeredRules = append(d.TriggeredRules, RuleRiskMultiplier)
	}

	// Cash feasibility net of the minimum reserve.
	available := snap.Cash - params.MinCashReservePct/100*snap.TotalValue
	if available <= 0 {
		d.TriggeredRules = append(d.TriggeredRules, RuleInsufficientCash)
		d.Verdict = Rejected
		return d
	}
	if notional > available {
		notional = available
		adjusted = true
		d.TriggeredRules = append(d.TriggeredRules, RuleInsufficientCash)
	}

	quantity := int64(math.Floor(notional / price))
	if quantity <= 0 {
		d.TriggeredRules = append(d.TriggeredRules, RuleInsufficientCash)
		d.Verdict = Rejected
		return d
	}

	d.Quantity = quantity
	d.Notional = float64(quantity) * price
	if adjusted {
		d.Verdict = ApprovedWithAdjustedSize
	} else {
		d.Verdict = Approved
	}
	return d
}

// correlatedExposure sums notionals of top-N holdings whose correlation with
// the candidate exceeds the threshold. Second return is false when nothing
// correlates.
func (g *Gate) correlatedExposure(symbol string, snap ledger.Snapshot, params Parameters) (float64, bool) {
	if params.Correlations == nil {
		return 0, false
	}

	type holding struct {
		symbol   string
		notional float64
	}
	holdings := make([]holding, 0, len(snap.Positions))
	for sym, pos := range snap.Positions {
		if sym == symbol || pos.Quantity == 0 {
			continue
		}
		holdings = append(holdings, holding{sym, math.Abs(pos.Notional)})
	}
	sort.Slice(holdings, func(i, j int) bool { return holdings[i].notional > holdings[j].notional })
	if len(holdings) > params.TopNHoldings {
		holdings = holdings[:params.TopNHoldings]
	}

	var exposure float64
	hit := false
	for _, h := range holdings {
		if params.Correlations.Get(symbol, h.symbol) > params.CorrelationThreshold {
			exposure += h.notional
			hit = true
		}
	}
	return exposure, hit
}

// portfolioRiskScore folds concentration, sector concentration, drawdown and
// the ambient risk multiplier into one [0,1] figure for the audit record.
func (g *Gate) portfolioRiskScore(snap ledger.Snapshot, params Parameters) float64 {
	if snap.TotalValue <= 0 {
		return 1
	}

	// Largest single-position weight.
	var maxPos float64
	sectorTotals := map[string]float64{}
	for _, pos := range snap.Positions {
		w := math.Abs(pos.Notional) / snap.TotalValue
		if w > maxPos {
			maxPos = w
		}
		sectorTotals[pos.Sector] += math.Abs(pos.Notional)
	}
	var maxSector float64
	for _, n := range sectorTotals {
		if w := n / snap.TotalValue; w > maxSector {
			maxSector = w
		}
	}

	drawdown := 0.0
	if snap.DailyPnL < 0 {
		drawdown = math.Min(1, -snap.DailyPnL/snap.TotalValue/(params.MaxDailyLossPct/100))
	}
	geo := 1 - params.RiskMultiplier

	score := 0.3*math.Min(1, maxPos/(params.MaxPositionSizePct/100)) +
		0.25*math.Min(1, maxSector/(params.MaxSectorExposurePct/100)) +
		0.3*drawdown +
		0.15*geo
	return math.Min(1, score)
}
