package marketdata

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// ScoreKind is the closed set of analysis families that feed the fuser.
type ScoreKind string

const (
	KindTechnical   ScoreKind = "technical"
	KindSentiment   ScoreKind = "sentiment"
	KindFundamental ScoreKind = "fundamental"
	KindVolume      ScoreKind = "volume"
	KindMarket      ScoreKind = "market"
)

// SubScore is one normalized analysis score for a symbol.
type SubScore struct {
	Source  string    `json:"source"` // e.g. "rsi", "news_sentiment"
	Kind    ScoreKind `json:"kind"`
	Score   float64   `json:"score"`   // [-1, 1]
	Quality float64   `json:"quality"` // [0, 1] data freshness/quality weight
	AsOf    time.Time `json:"as_of"`
}

// ScoreSource delivers sub-scores produced by the external analysis models.
type ScoreSource interface {
	GetScores(ctx context.Context, symbol string, asOf time.Time) ([]SubScore, error)
}

// MarketData provides current prices and a volatility measure (average true
// range over a recent window) for tracked symbols.
type MarketData interface {
	CurrentPrice(ctx context.Context, symbol string) (float64, error)
	VolatilityMeasure(ctx context.Context, symbol string) (float64, error)
}

// Calendar answers whether the venue is open for trading.
type Calendar interface {
	IsMarketOpen(t time.Time) bool
	NextOpen(t time.Time) time.Time
}

// ValidateSubScore rejects scores outside the contract ranges. Fail-closed:
// a bad score is dropped by the caller, not clamped.
func ValidateSubScore(s SubScore) error {
	if strings.TrimSpace(s.Source) == "" {
		return fmt.Errorf("sub-score has empty source")
	}
	if s.Score < -1 || s.Score > 1 {
		return fmt.Errorf("score %.4f for %s outside [-1,1]", s.Score, s.Source)
	}
	if s.Quality < 0 || s.Quality > 1 {
		return fmt.Errorf("quality %.4f for %s outside [0,1]", s.Quality, s.Source)
	}
	switch s.Kind {
	case KindTechnical, KindSentiment, KindFundamental, KindVolume, KindMarket:
	default:
		return fmt.Errorf("unknown score kind %q from %s", s.Kind, s.Source)
	}
	return nil
}
