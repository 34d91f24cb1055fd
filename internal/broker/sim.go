package broker

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Reaper404-wag/russian-trading-bot/internal/observ"
)

// PriceFunc supplies the fill price for a symbol; zero means unknown symbol.
type PriceFunc func(symbol string) float64

// SimConfig tunes the simulated execution venue.
type SimConfig struct {
	Seed             int64   `yaml:"seed"`
	LatencyMsMin     int     `yaml:"latency_ms_min"`
	LatencyMsMax     int     `yaml:"latency_ms_max"`
	SlippageBpsMin   int     `yaml:"slippage_bps_min"`
	SlippageBpsMax   int     `yaml:"slippage_bps_max"`
	CommissionBps    float64 `yaml:"commission_bps"`
	PartialFillRatio float64 `yaml:"partial_fill_ratio"` // probability a fill lands partial
}

func (c SimConfig) defaulted() SimConfig {
	if c.LatencyMsMax == 0 {
		c.LatencyMsMin, c.LatencyMsMax = 10, 120
	}
	if c.SlippageBpsMax == 0 {
		c.SlippageBpsMin, c.SlippageBpsMax = 0, 15
	}
	if c.CommissionBps == 0 {
		c.CommissionBps = 5 // 0.05%
	}
	return c
}

type scriptedFailure struct {
	err       error
	transient string // non-empty means wrap as TransientError with this reason
}

// Sim is an in-memory broker with deterministic seeded fills, configurable
// latency/slippage, and scriptable failures for exercising the retry path.
type Sim struct {
	mu       sync.Mutex
	cfg      SimConfig
	rng      *rand.Rand
	price    PriceFunc
	byKey    map[string]*Execution
	byID     map[string]*Execution
	failures []scriptedFailure
	log      zerolog.Logger
}

func NewSim(cfg SimConfig, price PriceFunc, log zerolog.Logger) *Sim {
	cfg = cfg.defaulted()
	return &Sim{
		cfg:   cfg,
		rng:   rand.New(rand.NewSource(cfg.Seed)),
		price: price,
		byKey: map[string]*Execution{},
		byID:  map[string]*Execution{},
		log:   log.With().Str("component", "sim_broker").Logger(),
	}
}

// FailNextTransient scripts the next n submissions to fail retryably.
func (s *Sim) FailNextTransient(reason string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < n; i++ {
		s.failures = append(s.failures, scriptedFailure{transient: reason})
	}
}

// FailNextPermanent scripts the next submission to fail with err.
func (s *Sim) FailNextPermanent(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, scriptedFailure{err: err})
}

func (s *Sim) Submit(ctx context.Context, req OrderRequest) (Execution, error) {
	if err := ctx.Err(); err != nil {
		return Execution{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	// Same key: the order already exists, hand back its current state. The
	// scripted failure is not consumed, duplicates are resolved before any
	// venue work happens.
	if ex, ok := s.byKey[req.IdempotencyKey]; ok {
		return *ex, nil
	}

	if len(s.failures) > 0 {
		f := s.failures[0]
		s.failures = s.failures[1:]
		observ.IncCounter("broker_submit_errors_total", map[string]string{"kind": errKind(f)})
		if f.transient != "" {
			return Execution{}, &TransientError{Op: "submit", Reason: f.transient}
		}
		return Execution{}, f.err
	}

	mark := s.price(req.Symbol)
	if mark <= 0 {
		return Execution{}, ErrUnknownSymbol
	}

	latency := s.cfg.LatencyMsMin + s.rng.Intn(s.cfg.LatencyMsMax-s.cfg.LatencyMsMin+1)
	slippage := s.cfg.SlippageBpsMin + s.rng.Intn(s.cfg.SlippageBpsMax-s.cfg.SlippageBpsMin+1)
	fillPrice := applySlippage(mark, req.Side, slippage)

	filled := req.Quantity
	status := StatusFilled
	if s.cfg.PartialFillRatio > 0 && s.rng.Float64() < s.cfg.PartialFillRatio && req.Quantity > 1 {
		filled = 1 + s.rng.Int63n(req.Quantity-1)
		status = StatusPartiallyFilled
	}

	ex := &Execution{
		BrokerOrderID:  uuid.NewString(),
		IdempotencyKey: req.IdempotencyKey,
		Status:         status,
		FilledQuantity: filled,
		AvgPrice:       fillPrice,
		Fee:            fillPrice * float64(filled) * s.cfg.CommissionBps / 10_000,
		SlippageBps:    slippage,
		LatencyMs:      latency,
		UpdatedAt:      time.Now().UTC().Add(time.Duration(latency) * time.Millisecond),
	}
	s.byKey[req.IdempotencyKey] = ex
	s.byID[ex.BrokerOrderID] = ex

	observ.IncCounter("broker_submits_total", map[string]string{"side": string(req.Side), "status": string(status)})
	s.log.Debug().
		Str("symbol", req.Symbol).
		Str("side", string(req.Side)).
		Int64("quantity", req.Quantity).
		Int64("filled", filled).
		Float64("price", fillPrice).
		Msg("order executed")
	return *ex, nil
}

func (s *Sim) StatusByKey(_ context.Context, idempotencyKey string) (Execution, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ex, ok := s.byKey[idempotencyKey]
	if !ok {
		return Execution{}, false, nil
	}
	return *ex, true, nil
}

func (s *Sim) Cancel(_ context.Context, brokerOrderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ex, ok := s.byID[brokerOrderID]
	if !ok {
		return ErrOrderNotFound
	}
	switch ex.Status {
	case StatusAccepted, StatusPartiallyFilled:
		ex.Status = StatusCancelled
		ex.UpdatedAt = time.Now().UTC()
		return nil
	default:
		return ErrOrderNotFound
	}
}

// CompleteFill drives a partially filled order to a full fill; test hook for
// the partial-fill reconciliation path.
func (s *Sim) CompleteFill(idempotencyKey string, quantity int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ex, ok := s.byKey[idempotencyKey]
	if !ok || ex.Status != StatusPartiallyFilled {
		return false
	}
	ex.FilledQuantity = quantity
	ex.Status = StatusFilled
	ex.UpdatedAt = time.Now().UTC()
	return true
}

func applySlippage(price float64, side Side, bps int) float64 {
	mult := 1 + float64(bps)/10_000
	if side == Buy {
		return price * mult
	}
	return price / mult
}

func errKind(f scriptedFailure) string {
	if f.transient != "" {
		return "transient"
	}
	return "permanent"
}
