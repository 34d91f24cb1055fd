package signal

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Reaper404-wag/russian-trading-bot/internal/marketdata"
)

var testNow = time.Date(2025, 6, 2, 11, 0, 0, 0, time.UTC)

func newTestFuser(cfg Config) *Fuser {
	return NewFuser(cfg, zerolog.Nop())
}

func score(source string, kind marketdata.ScoreKind, s, q float64) marketdata.SubScore {
	return marketdata.SubScore{Source: source, Kind: kind, Score: s, Quality: q, AsOf: testNow}
}

func agreementScores(v float64) []marketdata.SubScore {
	return []marketdata.SubScore{
		score("rsi", marketdata.KindTechnical, v, 0.9),
		score("news_sentiment", marketdata.KindSentiment, v, 0.9),
		score("pe_ratio", marketdata.KindFundamental, v, 0.9),
	}
}

func TestFuseStrongAgreementEmitsBuy(t *testing.T) {
	f := newTestFuser(Config{})
	sig, ok := f.Fuse("SBER", "finance", agreementScores(0.7), 285.50, 4.2, testNow)
	require.True(t, ok)

	assert.Equal(t, Buy, sig.Action)
	assert.InDelta(t, 0.7, sig.Composite, 0.001)
	assert.InDelta(t, 0.9, sig.Confidence, 0.001) // perfect agreement: confidence == quality factor
	assert.Equal(t, "SBER", sig.Symbol)
	assert.Equal(t, "finance", sig.Sector)
	assert.Equal(t, 5*time.Minute, sig.ValidFor)
	assert.NotEmpty(t, sig.Rationale)
}

func TestFuseNegativeCompositeEmitsSell(t *testing.T) {
	f := newTestFuser(Config{})
	sig, ok := f.Fuse("SBER", "finance", agreementScores(-0.6), 285.50, 4.2, testNow)
	require.True(t, ok)
	assert.Equal(t, Sell, sig.Action)
}

func TestFuseNeutralCompositeHolds(t *testing.T) {
	f := newTestFuser(Config{})
	sig, ok := f.Fuse("SBER", "finance", agreementScores(0.1), 285.50, 4.2, testNow)
	require.True(t, ok)
	assert.Equal(t, Hold, sig.Action)
	assert.Zero(t, sig.TargetPrice)
	assert.Zero(t, sig.StopLoss)
}

func TestFuseSkipsBelowMinSources(t *testing.T) {
	f := newTestFuser(Config{})
	sig, ok := f.Fuse("SBER", "finance", agreementScores(0.7)[:2], 285.50, 4.2, testNow)
	assert.False(t, ok)
	assert.Nil(t, sig)
}

func TestFuseDropsInvalidScoresFailClosed(t *testing.T) {
	f := newTestFuser(Config{})
	scores := agreementScores(0.7)
	scores = append(scores,
		score("broken", marketdata.KindTechnical, 2.5, 0.9), // out of range
		score("", marketdata.KindSentiment, 0.5, 0.9),       // no source
	)
	sig, ok := f.Fuse("SBER", "finance", scores, 285.50, 4.2, testNow)
	require.True(t, ok)
	// Composite unchanged: invalid scores were dropped, not clamped in.
	assert.InDelta(t, 0.7, sig.Composite, 0.001)

	// When dropping leaves too few, the symbol is skipped entirely.
	_, ok = f.Fuse("SBER", "finance", scores[2:], 285.50, 4.2, testNow)
	assert.False(t, ok)
}

func TestFuseDisagreementLowersConfidence(t *testing.T) {
	f := newTestFuser(Config{})
	agreed, ok := f.Fuse("SBER", "finance", agreementScores(0.7), 285.50, 4.2, testNow)
	require.True(t, ok)

	mixed := []marketdata.SubScore{
		score("rsi", marketdata.KindTechnical, 0.9, 0.9),
		score("news_sentiment", marketdata.KindSentiment, -0.5, 0.9),
		score("pe_ratio", marketdata.KindFundamental, 0.8, 0.9),
	}
	disagreed, ok := f.Fuse("SBER", "finance", mixed, 285.50, 4.2, testNow)
	require.True(t, ok)

	assert.Less(t, disagreed.Confidence, agreed.Confidence)
}

func TestFuseSectorStressDampensComposite(t *testing.T) {
	calm := newTestFuser(Config{})
	stressed := newTestFuser(Config{
		MarketVolatility: 1,
		GeopoliticalRisk: 1,
		SectorAdjustments: map[string]SectorAdjustment{
			"energy": {VolatilityFactor: 1, GeopoliticalSensitivity: 1},
		},
	})

	base, ok := calm.Fuse("GAZP", "energy", agreementScores(0.7), 150, 3, testNow)
	require.True(t, ok)
	damp, ok := stressed.Fuse("GAZP", "energy", agreementScores(0.7), 150, 3, testNow)
	require.True(t, ok)

	assert.Less(t, damp.Composite, base.Composite)

	// A sector without an adjustment entry is untouched.
	other, ok := stressed.Fuse("SBER", "finance", agreementScores(0.7), 150, 3, testNow)
	require.True(t, ok)
	assert.InDelta(t, base.Composite, other.Composite, 0.001)
}

func TestFuseTargetsBracketPriceByATR(t *testing.T) {
	f := newTestFuser(Config{})
	buy, ok := f.Fuse("SBER", "finance", agreementScores(0.7), 285.50, 4.2, testNow)
	require.True(t, ok)
	assert.Greater(t, buy.TargetPrice, 285.50)
	assert.Less(t, buy.StopLoss, 285.50)

	sell, ok := f.Fuse("SBER", "finance", agreementScores(-0.7), 285.50, 4.2, testNow)
	require.True(t, ok)
	assert.Less(t, sell.TargetPrice, 285.50)
	assert.Greater(t, sell.StopLoss, 285.50)
}

func TestSignalExpiry(t *testing.T) {
	f := newTestFuser(Config{ValiditySeconds: 60})
	sig, ok := f.Fuse("SBER", "finance", agreementScores(0.7), 285.50, 4.2, testNow)
	require.True(t, ok)

	assert.False(t, sig.Expired(testNow.Add(59*time.Second)))
	assert.True(t, sig.Expired(testNow.Add(61*time.Second)))
}

func TestSignalIDDeterministic(t *testing.T) {
	f := newTestFuser(Config{})
	a, _ := f.Fuse("SBER", "finance", agreementScores(0.7), 285.50, 4.2, testNow)
	b, _ := f.Fuse("SBER", "finance", agreementScores(0.7), 285.50, 4.2, testNow)
	c, _ := f.Fuse("SBER", "finance", agreementScores(0.7), 285.50, 4.2, testNow.Add(time.Minute))

	assert.Equal(t, a.ID, b.ID)
	assert.NotEqual(t, a.ID, c.ID)
}
