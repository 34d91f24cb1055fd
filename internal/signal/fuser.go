package signal

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"

	"github.com/Reaper404-wag/russian-trading-bot/internal/marketdata"
	"github.com/Reaper404-wag/russian-trading-bot/internal/observ"
)

// Weights assigns a relative weight to each analysis family. Normalized to
// sum to 1 at construction, so configs don't have to be exact.
type Weights struct {
	Technical   float64 `yaml:"technical"`
	Sentiment   float64 `yaml:"sentiment"`
	Fundamental float64 `yaml:"fundamental"`
	Volume      float64 `yaml:"volume"`
	Market      float64 `yaml:"market"`
}

func (w Weights) normalized() Weights {
	total := w.Technical + w.Sentiment + w.Fundamental + w.Volume + w.Market
	if total <= 0 {
		return Weights{Technical: 0.4, Sentiment: 0.3, Fundamental: 0.2, Volume: 0.05, Market: 0.05}
	}
	return Weights{
		Technical:   w.Technical / total,
		Sentiment:   w.Sentiment / total,
		Fundamental: w.Fundamental / total,
		Volume:      w.Volume / total,
		Market:      w.Market / total,
	}
}

func (w Weights) forKind(kind marketdata.ScoreKind) float64 {
	switch kind {
	case marketdata.KindTechnical:
		return w.Technical
	case marketdata.KindSentiment:
		return w.Sentiment
	case marketdata.KindFundamental:
		return w.Fundamental
	case marketdata.KindVolume:
		return w.Volume
	case marketdata.KindMarket:
		return w.Market
	}
	return 0
}

// SectorAdjustment shrinks composites for sectors that overreact to market
// stress: sector-wide volatility and geopolitical sensitivity factors.
type SectorAdjustment struct {
	VolatilityFactor         float64 `yaml:"volatility_factor"`
	GeopoliticalSensitivity  float64 `yaml:"geopolitical_sensitivity"`
}

// Config controls fusion thresholds and price-target derivation.
type Config struct {
	Weights       Weights `yaml:"weights"`
	BuyThreshold  float64 `yaml:"buy_threshold"`  // tau_buy > 0
	SellThreshold float64 `yaml:"sell_threshold"` // tau_sell < 0
	MinSources    int     `yaml:"min_sources"`

	// Price targets: current price +/- multiple * ATR, widened by risk tag.
	TargetATRMultiple float64 `yaml:"target_atr_multiple"`
	StopATRMultiple   float64 `yaml:"stop_atr_multiple"`

	ValiditySeconds int `yaml:"validity_seconds"`

	// Market stress inputs applied through SectorAdjustments.
	MarketVolatility  float64                     `yaml:"market_volatility"`  // [0,1]
	GeopoliticalRisk  float64                     `yaml:"geopolitical_risk"`  // [0,1]
	SectorAdjustments map[string]SectorAdjustment `yaml:"sector_adjustments"` // sector -> adjustment
}

// Defaulted fills zero values with working defaults and normalizes weights.
func (c Config) Defaulted() Config {
	c.Weights = c.Weights.normalized()
	if c.BuyThreshold == 0 {
		c.BuyThreshold = 0.3
	}
	if c.SellThreshold == 0 {
		c.SellThreshold = -0.3
	}
	if c.MinSources == 0 {
		c.MinSources = 3
	}
	if c.TargetATRMultiple == 0 {
		c.TargetATRMultiple = 3.0
	}
	if c.StopATRMultiple == 0 {
		c.StopATRMultiple = 2.0
	}
	if c.ValiditySeconds == 0 {
		c.ValiditySeconds = 300
	}
	return c
}

// Fuser combines normalized sub-scores into a composite trading signal.
type Fuser struct {
	cfg Config
	log zerolog.Logger
}

func NewFuser(cfg Config, log zerolog.Logger) *Fuser {
	return &Fuser{
		cfg: cfg.Defaulted(),
		log: log.With().Str("component", "fuser").Logger(),
	}
}

// Fuse builds a TradingSignal for one symbol. The second return is false when
// the symbol is skipped this cycle (too few usable sub-scores) — a skip, not
// an error.
func (f *Fuser) Fuse(symbol, sector string, scores []marketdata.SubScore, price, atr float64, now time.Time) (*TradingSignal, bool) {
	usable := scores[:0:0]
	for _, s := range scores {
		if err := marketdata.ValidateSubScore(s); err != nil {
			f.log.Debug().Err(err).Str("symbol", symbol).Msg("dropping sub-score")
			continue
		}
		usable = append(usable, s)
	}

	if len(usable) < f.cfg.MinSources {
		observ.IncCounter("signals_skipped_total", map[string]string{"symbol": symbol, "reason": "insufficient_scores"})
		f.log.Debug().Str("symbol", symbol).Int("scores", len(usable)).Int("min", f.cfg.MinSources).
			Msg("skipping symbol: not enough sub-scores")
		return nil, false
	}

	composite, qualityFactor := f.weightedComposite(usable)
	composite = f.applySectorAdjustment(composite, sector)
	disagreement := normalizedDisagreement(usable)
	confidence := clamp01(qualityFactor * (1 - disagreement))

	action := Hold
	switch {
	case composite > f.cfg.BuyThreshold:
		action = Buy
	case composite < f.cfg.SellThreshold:
		action = Sell
	}

	tag := riskTagFor(confidence, disagreement)

	sig := &TradingSignal{
		ID:             signalID(symbol, now, composite),
		Symbol:         symbol,
		Sector:         sector,
		Action:         action,
		Composite:      composite,
		Confidence:     confidence,
		ExpectedReturn: math.Abs(composite) * 0.1,
		RiskTag:        tag,
		Rationale:      buildRationale(usable, composite, confidence, action),
		GeneratedAt:    now,
		ValidFor:       time.Duration(f.cfg.ValiditySeconds) * time.Second,
	}

	if action != Hold && price > 0 && atr > 0 {
		widen := riskWiden(tag)
		if action == Buy {
			sig.TargetPrice = price + f.cfg.TargetATRMultiple*atr*widen
			sig.StopLoss = price - f.cfg.StopATRMultiple*atr*widen
		} else {
			sig.TargetPrice = price - f.cfg.TargetATRMultiple*atr*widen
			sig.StopLoss = price + f.cfg.StopATRMultiple*atr*widen
		}
	}

	observ.IncCounter("signals_emitted_total", map[string]string{"symbol": symbol, "action": string(action)})
	return sig, true
}

// weightedComposite returns the quality-and-kind weighted mean score plus the
// quality factor (weighted mean quality of contributing sources).
func (f *Fuser) weightedComposite(scores []marketdata.SubScore) (float64, float64) {
	var sum, totalWeight, qualitySum float64
	for _, s := range scores {
		w := f.cfg.Weights.forKind(s.Kind) * s.Quality
		sum += s.Score * w
		qualitySum += s.Quality * w
		totalWeight += w
	}
	if totalWeight == 0 {
		return 0, 0
	}
	return sum / totalWeight, qualitySum / totalWeight
}

// applySectorAdjustment dampens the composite for sectors sensitive to the
// current market volatility and geopolitical stress.
func (f *Fuser) applySectorAdjustment(composite float64, sector string) float64 {
	adj, ok := f.cfg.SectorAdjustments[sector]
	if !ok {
		return composite
	}
	stress := (adj.VolatilityFactor*f.cfg.MarketVolatility + adj.GeopoliticalSensitivity*f.cfg.GeopoliticalRisk) / 2
	return composite * (1 - clamp01(stress*0.3))
}

// normalizedDisagreement is the population variance of the contributing scores
// normalized to [0,1]. Scores live in [-1,1] so variance is bounded by 1.
func normalizedDisagreement(scores []marketdata.SubScore) float64 {
	if len(scores) < 2 {
		return 0
	}
	xs := make([]float64, len(scores))
	for i, s := range scores {
		xs[i] = s.Score
	}
	v := stat.Variance(xs, nil)
	return clamp01(v)
}

func riskTagFor(confidence, disagreement float64) RiskTag {
	switch {
	case confidence >= 0.7 && disagreement < 0.2:
		return RiskLow
	case confidence >= 0.4:
		return RiskMedium
	default:
		return RiskHigh
	}
}

// riskWiden widens target/stop distances under elevated risk tags.
func riskWiden(tag RiskTag) float64 {
	switch tag {
	case RiskMedium:
		return 1.25
	case RiskHigh:
		return 1.5
	default:
		return 1.0
	}
}

func buildRationale(scores []marketdata.SubScore, composite, confidence float64, action Action) string {
	parts := []string{fmt.Sprintf("%s (composite %.2f, confidence %.2f)", action, composite, confidence)}

	byKind := map[marketdata.ScoreKind][]marketdata.SubScore{}
	for _, s := range scores {
		byKind[s.Kind] = append(byKind[s.Kind], s)
	}
	kinds := make([]string, 0, len(byKind))
	for k := range byKind {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)

	for _, k := range kinds {
		var b strings.Builder
		b.WriteString(k)
		b.WriteString(":")
		for _, s := range byKind[marketdata.ScoreKind(k)] {
			b.WriteString(fmt.Sprintf(" %s=%+.2f", s.Source, s.Score))
		}
		parts = append(parts, b.String())
	}
	return strings.Join(parts, "; ")
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
