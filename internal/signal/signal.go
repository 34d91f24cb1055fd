package signal

import (
	"crypto/sha256"
	"fmt"
	"time"
)

// Action is the closed set of signal directions.
type Action string

const (
	Buy  Action = "BUY"
	Sell Action = "SELL"
	Hold Action = "HOLD"
)

// RiskTag classifies how aggressively downstream sizing should treat a signal.
type RiskTag string

const (
	RiskLow    RiskTag = "LOW"
	RiskMedium RiskTag = "MEDIUM"
	RiskHigh   RiskTag = "HIGH"
)

// TradingSignal is the fuser's output. Immutable once created; the gate
// consumes it exactly once per cycle.
type TradingSignal struct {
	ID             string        `json:"id"`
	Symbol         string        `json:"symbol"`
	Sector         string        `json:"sector,omitempty"`
	Action         Action        `json:"action"`
	Composite      float64       `json:"composite"`  // [-1, 1]
	Confidence     float64       `json:"confidence"` // [0, 1]
	TargetPrice    float64       `json:"target_price,omitempty"`
	StopLoss       float64       `json:"stop_loss,omitempty"`
	ExpectedReturn float64       `json:"expected_return"`
	RiskTag        RiskTag       `json:"risk_tag"`
	Rationale      string        `json:"rationale"`
	GeneratedAt    time.Time     `json:"generated_at"`
	ValidFor       time.Duration `json:"valid_for"`
}

// Expired reports whether the signal's validity window has elapsed.
func (s *TradingSignal) Expired(now time.Time) bool {
	if s.ValidFor <= 0 {
		return false
	}
	return now.After(s.GeneratedAt.Add(s.ValidFor))
}

// signalID derives a deterministic id so replays produce identical signals.
func signalID(symbol string, generatedAt time.Time, composite float64) string {
	data := fmt.Sprintf("%s-%d-%.6f", symbol, generatedAt.Unix(), composite)
	hash := sha256.Sum256([]byte(data))
	return fmt.Sprintf("sig_%s_%x", symbol, hash[:8])
}
