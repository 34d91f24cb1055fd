package marketdata

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"
)

// SimMarketData serves prices for a fixed MOEX blue-chip universe with a
// seeded random walk, so tests and dry runs are reproducible.
type SimMarketData struct {
	mu     sync.Mutex
	quotes map[string]*simQuote
	random *rand.Rand
}

type simQuote struct {
	Symbol     string
	BasePrice  float64
	Volatility float64 // daily volatility as decimal, e.g. 0.02 for 2%
	last       float64
}

func NewSimMarketData(seed int64) *SimMarketData {
	return &SimMarketData{
		quotes: map[string]*simQuote{
			"SBER": {Symbol: "SBER", BasePrice: 285.50, Volatility: 0.025},
			"GAZP": {Symbol: "GAZP", BasePrice: 128.30, Volatility: 0.030},
			"LKOH": {Symbol: "LKOH", BasePrice: 7150.00, Volatility: 0.022},
			"GMKN": {Symbol: "GMKN", BasePrice: 153.80, Volatility: 0.028},
			"MTSS": {Symbol: "MTSS", BasePrice: 292.40, Volatility: 0.018},
			"MGNT": {Symbol: "MGNT", BasePrice: 6890.00, Volatility: 0.024},
			"YDEX": {Symbol: "YDEX", BasePrice: 4120.00, Volatility: 0.035},
		},
		random: rand.New(rand.NewSource(seed)),
	}
}

func (s *SimMarketData) CurrentPrice(ctx context.Context, symbol string) (float64, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.quotes[normalize(symbol)]
	if !ok {
		return 0, fmt.Errorf("sim market data: unknown symbol %q", symbol)
	}
	if q.last == 0 {
		q.last = q.BasePrice
	}
	// Random walk bounded to ±3 sigma per step.
	step := s.random.NormFloat64() * q.Volatility / math.Sqrt(390)
	step = math.Max(-3*q.Volatility, math.Min(3*q.Volatility, step))
	q.last *= 1 + step
	return q.last, nil
}

func (s *SimMarketData) VolatilityMeasure(ctx context.Context, symbol string) (float64, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.quotes[normalize(symbol)]
	if !ok {
		return 0, fmt.Errorf("sim market data: unknown symbol %q", symbol)
	}
	price := q.last
	if price == 0 {
		price = q.BasePrice
	}
	// ATR proxy: daily volatility times price.
	return price * q.Volatility, nil
}

// SetPrice pins a symbol's price; used by tests for deterministic scenarios.
func (s *SimMarketData) SetPrice(symbol string, price float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if q, ok := s.quotes[normalize(symbol)]; ok {
		q.last = price
	} else {
		s.quotes[normalize(symbol)] = &simQuote{Symbol: normalize(symbol), BasePrice: price, Volatility: 0.02, last: price}
	}
}

func normalize(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// SimScoreSource produces sub-scores around configurable biases so scenarios
// can steer the fuser toward buy, sell, or disagreement.
type SimScoreSource struct {
	mu     sync.Mutex
	bias   map[string]float64 // symbol -> center of generated scores
	random *rand.Rand
}

func NewSimScoreSource(seed int64) *SimScoreSource {
	return &SimScoreSource{
		bias:   map[string]float64{},
		random: rand.New(rand.NewSource(seed)),
	}
}

// SetBias centers generated scores for symbol on b in [-1, 1].
func (s *SimScoreSource) SetBias(symbol string, b float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bias[normalize(symbol)] = b
}

func (s *SimScoreSource) GetScores(ctx context.Context, symbol string, asOf time.Time) ([]SubScore, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	center := s.bias[normalize(symbol)]
	mk := func(source string, kind ScoreKind, spread, quality float64) SubScore {
		score := center + (s.random.Float64()*2-1)*spread
		score = math.Max(-1, math.Min(1, score))
		return SubScore{Source: source, Kind: kind, Score: score, Quality: quality, AsOf: asOf}
	}

	return []SubScore{
		mk("rsi", KindTechnical, 0.15, 0.8),
		mk("macd", KindTechnical, 0.20, 0.7),
		mk("news_sentiment", KindSentiment, 0.25, 0.6),
		mk("pe_ratio", KindFundamental, 0.10, 0.7),
		mk("volume_surge", KindVolume, 0.30, 0.6),
		mk("market_trend", KindMarket, 0.20, 0.7),
	}, nil
}
