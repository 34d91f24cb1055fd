package orders

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/Reaper404-wag/russian-trading-bot/internal/broker"
	"github.com/Reaper404-wag/russian-trading-bot/internal/ledger"
	"github.com/Reaper404-wag/russian-trading-bot/internal/observ"
	"github.com/Reaper404-wag/russian-trading-bot/internal/risk"
	"github.com/Reaper404-wag/russian-trading-bot/internal/signal"
)

// ErrRejectedDecision guards the gate boundary: a rejected decision must
// never reach the broker.
var ErrRejectedDecision = errors.New("orders: decision was rejected by the risk gate")

// Sink receives every order state change, for audit and live feeds.
type Sink interface {
	OrderTransition(o Order, t Transition)
}

// Config tunes submission pacing and the retry loop.
type Config struct {
	MaxAttempts    int     `yaml:"max_attempts"`
	SubmitsPerSec  float64 `yaml:"submits_per_sec"`
	BackoffMinMs   int     `yaml:"backoff_min_ms"`
	BackoffMaxMs   int     `yaml:"backoff_max_ms"`
}

func (c Config) defaulted() Config {
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 3
	}
	if c.SubmitsPerSec == 0 {
		c.SubmitsPerSec = 5
	}
	if c.BackoffMinMs == 0 {
		c.BackoffMinMs = 100
	}
	if c.BackoffMaxMs == 0 {
		c.BackoffMaxMs = 2000
	}
	return c
}

// Orchestrator turns approved decisions into broker orders and reconciles
// their outcomes into the ledger. Submissions are serialized through a rate
// limiter; orders for different symbols never interleave their ledger writes.
type Orchestrator struct {
	cfg     Config
	broker  broker.Broker
	ledger  *ledger.Ledger
	limiter *rate.Limiter
	sinks   []Sink
	log     zerolog.Logger

	mu   sync.Mutex
	open map[string]*Order // unresolved orders by ID, probed at cycle start
}

func NewOrchestrator(cfg Config, bk broker.Broker, led *ledger.Ledger, log zerolog.Logger, sinks ...Sink) *Orchestrator {
	cfg = cfg.defaulted()
	return &Orchestrator{
		cfg:     cfg,
		broker:  bk,
		ledger:  led,
		limiter: rate.NewLimiter(rate.Limit(cfg.SubmitsPerSec), 1),
		sinks:   sinks,
		log:     log.With().Str("component", "orchestrator").Logger(),
		open:    map[string]*Order{},
	}
}

// Execute works one approved decision to a terminal or parked state. Sell
// orders reserve their quantity on admission; the reservation is consumed by
// fills and released on any terminal failure.
func (oc *Orchestrator) Execute(ctx context.Context, d risk.Decision, now time.Time) (*Order, error) {
	if d.Verdict == risk.Rejected {
		return nil, ErrRejectedDecision
	}
	if d.Quantity <= 0 {
		return nil, fmt.Errorf("orders: decision %s has no quantity", d.SignalID)
	}

	o := newOrder(d.SignalID, d.Symbol, string(d.Action), d.Quantity, d.SignalExpiresAt, now)
	oc.emit(o, "", StatePending, "created", now)

	if d.Action == signal.Sell {
		if err := oc.ledger.Reserve(d.Symbol, d.Quantity); err != nil {
			oc.transition(o, StateFailed, "reserve: "+err.Error(), now)
			return o, err
		}
	}

	if err := oc.submitWithRetry(ctx, o); err != nil {
		return o, err
	}
	return o, nil
}

// submitWithRetry drives the order through the broker. Before any retry it
// probes by idempotency key: a transient error on our side does not mean the
// venue never saw the order.
func (oc *Orchestrator) submitWithRetry(ctx context.Context, o *Order) error {
	bo := &backoff.Backoff{
		Min:    time.Duration(oc.cfg.BackoffMinMs) * time.Millisecond,
		Max:    time.Duration(oc.cfg.BackoffMaxMs) * time.Millisecond,
		Factor: 2,
		Jitter: true,
	}
	req := broker.OrderRequest{
		IdempotencyKey: o.IdempotencyKey,
		Symbol:         o.Symbol,
		Side:           broker.Side(o.Side),
		Quantity:       o.Quantity,
	}

	for o.Attempts < oc.cfg.MaxAttempts {
		// The signal's validity window binds every attempt, not just the
		// first: a retry after the window is a stale trade.
		if !o.ExpiresAt.IsZero() && !time.Now().UTC().Before(o.ExpiresAt) {
			oc.failPending(o, StateExpired, "signal validity elapsed before submission", time.Now().UTC())
			return fmt.Errorf("orders: submit %s: signal validity elapsed", o.ID)
		}
		if err := oc.limiter.Wait(ctx); err != nil {
			oc.failPending(o, StateExpired, "cycle deadline before submission", time.Now().UTC())
			return err
		}

		if o.Attempts > 0 {
			if ex, seen, err := oc.broker.StatusByKey(ctx, o.IdempotencyKey); err == nil && seen {
				oc.log.Info().Str("order_id", o.ID).Str("key", o.IdempotencyKey).
					Msg("order found at broker after transient error, adopting")
				oc.transition(o, StateSubmitted, "adopted via status probe", time.Now().UTC())
				return oc.settle(o, ex)
			}
		}

		o.Attempts++
		ex, err := oc.broker.Submit(ctx, req)
		now := time.Now().UTC()
		if err == nil {
			oc.transition(o, StateSubmitted, "", now)
			return oc.settle(o, ex)
		}

		o.LastError = err.Error()
		if !broker.IsTransient(err) {
			oc.failPending(o, StateFailed, err.Error(), now)
			return err
		}

		observ.IncCounter("order_retries_total", map[string]string{"symbol": o.Symbol})
		if o.Attempts >= oc.cfg.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			oc.failPending(o, StateExpired, "cycle deadline during backoff", time.Now().UTC())
			return ctx.Err()
		case <-time.After(bo.Duration()):
		}
	}

	now := time.Now().UTC()
	oc.failPending(o, StateFailed, "retries exhausted: "+o.LastError, now)
	return fmt.Errorf("orders: submit %s: retries exhausted: %s", o.ID, o.LastError)
}

// settle maps a broker execution onto the order and the ledger.
func (oc *Orchestrator) settle(o *Order, ex broker.Execution) error {
	now := time.Now().UTC()
	o.BrokerOrderID = ex.BrokerOrderID

	switch ex.Status {
	case broker.StatusFilled:
		if err := oc.applyFill(o, ex.FilledQuantity, ex.AvgPrice, ex.Fee, now); err != nil {
			return err
		}
		oc.transition(o, StateFilled, "", now)
		return nil
	case broker.StatusPartiallyFilled:
		if err := oc.applyFill(o, ex.FilledQuantity, ex.AvgPrice, ex.Fee, now); err != nil {
			return err
		}
		oc.transition(o, StatePartiallyFilled, fmt.Sprintf("%d/%d filled", o.FilledQuantity, o.Quantity), now)
		oc.park(o)
		return nil
	case broker.StatusRejected:
		oc.releaseRemaining(o)
		oc.transition(o, StateRejected, "rejected by broker", now)
		return nil
	case broker.StatusCancelled:
		oc.releaseRemaining(o)
		oc.transition(o, StateCancelled, "", now)
		return nil
	default: // accepted but not yet filled; resolved by reconciliation
		oc.park(o)
		return nil
	}
}

// applyFill posts the incremental fill to the ledger. Sell reservations are
// consumed proportionally to the filled quantity.
func (oc *Orchestrator) applyFill(o *Order, cumFilled int64, price, fee float64, now time.Time) error {
	delta := cumFilled - o.FilledQuantity
	if delta <= 0 {
		return nil
	}
	feeDelta := fee - o.Fee

	err := oc.ledger.ApplyFill(ledger.Fill{
		OrderID:             o.ID,
		Symbol:              o.Symbol,
		Side:                ledger.Side(o.Side),
		Quantity:            delta,
		Price:               decimal.NewFromFloat(price),
		Fee:                 decimal.NewFromFloat(feeDelta),
		ReleasesReservation: o.Side == string(signal.Sell),
		Timestamp:           now,
	})
	if err != nil {
		oc.log.Error().Err(err).Str("order_id", o.ID).Msg("fill application failed")
		return err
	}

	o.AvgFillPrice = (o.AvgFillPrice*float64(o.FilledQuantity) + price*float64(delta)) / float64(cumFilled)
	o.FilledQuantity = cumFilled
	o.Fee = fee
	observ.IncCounterBy("order_fill_quantity_total", map[string]string{"symbol": o.Symbol, "side": o.Side}, delta)
	return nil
}

// ReconcileOpen probes every unresolved order at cycle start and settles what
// the venue reports. Unfilled remainders of partial sells are cancelled and
// their reservations released so the new cycle sees true free quantity.
func (oc *Orchestrator) ReconcileOpen(ctx context.Context) {
	oc.mu.Lock()
	pending := make([]*Order, 0, len(oc.open))
	for _, o := range oc.open {
		pending = append(pending, o)
	}
	oc.mu.Unlock()

	for _, o := range pending {
		ex, seen, err := oc.broker.StatusByKey(ctx, o.IdempotencyKey)
		now := time.Now().UTC()
		if err != nil || !seen {
			oc.log.Warn().Str("order_id", o.ID).Bool("seen", seen).Err(err).
				Msg("open order not resolvable at broker, cancelling")
			oc.cancelRemainder(ctx, o, now)
			continue
		}
		// Restored orders carry no broker ID; the probe supplies it.
		o.BrokerOrderID = ex.BrokerOrderID

		switch ex.Status {
		case broker.StatusFilled:
			if err := oc.applyFill(o, ex.FilledQuantity, ex.AvgPrice, ex.Fee, now); err != nil {
				continue
			}
			oc.transition(o, StateFilled, "reconciled", now)
			oc.unpark(o)
		case broker.StatusPartiallyFilled:
			if err := oc.applyFill(o, ex.FilledQuantity, ex.AvgPrice, ex.Fee, now); err != nil {
				continue
			}
			oc.cancelRemainder(ctx, o, now)
		case broker.StatusCancelled:
			oc.releaseRemaining(o)
			oc.transition(o, StateCancelled, "reconciled", now)
			oc.unpark(o)
		case broker.StatusRejected:
			oc.releaseRemaining(o)
			oc.transition(o, StateRejected, "reconciled", now)
			oc.unpark(o)
		default:
			oc.cancelRemainder(ctx, o, now)
		}
	}
}

// cancelRemainder cancels the unfilled tail of an order and releases any sell
// reservation still held against it. An order the venue never accepted
// expires rather than cancels.
func (oc *Orchestrator) cancelRemainder(ctx context.Context, o *Order, now time.Time) {
	if o.BrokerOrderID != "" {
		if err := oc.broker.Cancel(ctx, o.BrokerOrderID); err != nil && !errors.Is(err, broker.ErrOrderNotFound) {
			oc.log.Warn().Err(err).Str("order_id", o.ID).Msg("cancel failed")
		}
	}
	oc.releaseRemaining(o)
	if o.State == StatePending {
		oc.transition(o, StateExpired, "never reached the venue", now)
	} else {
		oc.transition(o, StateCancelled, "unfilled remainder cancelled at reconciliation", now)
	}
	oc.unpark(o)
}

// releaseRemaining frees the reservation covering the unfilled part of a
// sell order. Filled quantity was already consumed fill-by-fill.
func (oc *Orchestrator) releaseRemaining(o *Order) {
	if o.Side != string(signal.Sell) {
		return
	}
	remaining := o.Quantity - o.FilledQuantity
	if remaining <= 0 {
		return
	}
	if err := oc.ledger.Release(o.Symbol, remaining); err != nil {
		oc.log.Error().Err(err).Str("order_id", o.ID).Int64("quantity", remaining).
			Msg("reservation release failed")
	}
}

func (oc *Orchestrator) failPending(o *Order, to State, reason string, now time.Time) {
	oc.releaseRemaining(o)
	oc.transition(o, to, reason, now)
}

// Restore re-parks unresolved orders recovered from the audit trail after a
// restart, so the next ReconcileOpen settles them against the broker. Sell
// reservations for these orders are already held by the persisted ledger;
// restoring never re-reserves.
func (oc *Orchestrator) Restore(restored []Order) {
	oc.mu.Lock()
	defer oc.mu.Unlock()
	n := 0
	for _, o := range restored {
		if o.State.Terminal() {
			continue
		}
		cp := o
		oc.open[cp.ID] = &cp
		n++
	}
	if n > 0 {
		oc.log.Info().Int("count", n).Msg("unresolved orders restored for reconciliation")
	}
}

// Open returns copies of the unresolved orders, oldest state preserved.
func (oc *Orchestrator) Open() []Order {
	oc.mu.Lock()
	defer oc.mu.Unlock()
	out := make([]Order, 0, len(oc.open))
	for _, o := range oc.open {
		out = append(out, *o)
	}
	return out
}

func (oc *Orchestrator) park(o *Order) {
	oc.mu.Lock()
	oc.open[o.ID] = o
	oc.mu.Unlock()
}

func (oc *Orchestrator) unpark(o *Order) {
	oc.mu.Lock()
	delete(oc.open, o.ID)
	oc.mu.Unlock()
}

// transition applies a validated state change and fans it out to the sinks.
func (oc *Orchestrator) transition(o *Order, to State, reason string, now time.Time) {
	if !CanTransition(o.State, to) {
		oc.log.Error().Str("order_id", o.ID).Str("from", string(o.State)).Str("to", string(to)).
			Msg("illegal state transition suppressed")
		return
	}
	from := o.State
	o.State = to
	o.UpdatedAt = now
	oc.emit(o, from, to, reason, now)
}

func (oc *Orchestrator) emit(o *Order, from, to State, reason string, now time.Time) {
	observ.IncCounter("order_transitions_total", map[string]string{"to": string(to)})
	t := Transition{OrderID: o.ID, Symbol: o.Symbol, From: from, To: to, Reason: reason, At: now}
	for _, s := range oc.sinks {
		s.OrderTransition(*o, t)
	}
	oc.log.Debug().Str("order_id", o.ID).Str("from", string(from)).Str("to", string(to)).
		Str("reason", reason).Msg("order transition")
}
