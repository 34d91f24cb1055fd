package risk

// Rule names the risk checks that can fire on a decision. Closed set so the
// gate's rule handling is exhaustively checkable.
type Rule string

const (
	RuleDailyLossBreaker     Rule = "daily-loss-breaker"
	RulePositionSizeCap      Rule = "position-size-cap"
	RuleSectorExposureCap    Rule = "sector-exposure-cap"
	RuleCorrelationCap       Rule = "correlation-cap"
	RuleRiskMultiplier       Rule = "risk-multiplier"
	RuleInsufficientHoldings Rule = "insufficient-holdings"
	RuleInsufficientCash     Rule = "insufficient-cash"
	RuleStaleSignal          Rule = "stale-signal"
)

// Parameters configures one gate evaluation. Versioned and passed explicitly
// so replays of recorded decisions are deterministic; there is no hidden
// global risk state.
type Parameters struct {
	Version int64 `yaml:"version"`

	// Sizing.
	BasePositionPct    float64 `yaml:"base_position_pct"`     // confidence-scaled base, % of total value
	MaxPositionSizePct float64 `yaml:"max_position_size_pct"` // hard cap, % of total value
	MinCashReservePct  float64 `yaml:"min_cash_reserve_pct"`

	// Exposure limits.
	MaxSectorExposurePct     float64 `yaml:"max_sector_exposure_pct"`
	MaxDailyLossPct          float64 `yaml:"max_daily_loss_pct"`
	CorrelationThreshold     float64 `yaml:"correlation_threshold"`
	CorrelatedExposureCapPct float64 `yaml:"correlated_exposure_cap_pct"`
	TopNHoldings             int     `yaml:"top_n_holdings"`

	// Geopolitical/volatility multiplier, applied last; <=1, shrink-only.
	RiskMultiplier float64 `yaml:"risk_multiplier"`

	Correlations *Matrix `yaml:"-"`
}

// Defaulted fills zero values with conservative working defaults.
func (p Parameters) Defaulted() Parameters {
	if p.BasePositionPct == 0 {
		p.BasePositionPct = 10
	}
	if p.MaxPositionSizePct == 0 {
		p.MaxPositionSizePct = 5
	}
	if p.MinCashReservePct == 0 {
		p.MinCashReservePct = 10
	}
	if p.MaxSectorExposurePct == 0 {
		p.MaxSectorExposurePct = 30
	}
	if p.MaxDailyLossPct == 0 {
		p.MaxDailyLossPct = 5
	}
	if p.CorrelationThreshold == 0 {
		p.CorrelationThreshold = 0.7
	}
	if p.CorrelatedExposureCapPct == 0 {
		p.CorrelatedExposureCapPct = 25
	}
	if p.TopNHoldings == 0 {
		p.TopNHoldings = 5
	}
	if p.RiskMultiplier == 0 {
		p.RiskMultiplier = 1
	}
	if p.RiskMultiplier > 1 {
		p.RiskMultiplier = 1 // shrink-only, never grow
	}
	return p
}
