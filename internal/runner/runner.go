package runner

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/Reaper404-wag/russian-trading-bot/internal/feed"
	"github.com/Reaper404-wag/russian-trading-bot/internal/ledger"
	"github.com/Reaper404-wag/russian-trading-bot/internal/marketdata"
	"github.com/Reaper404-wag/russian-trading-bot/internal/observ"
	"github.com/Reaper404-wag/russian-trading-bot/internal/orders"
	"github.com/Reaper404-wag/russian-trading-bot/internal/recorder"
	"github.com/Reaper404-wag/russian-trading-bot/internal/risk"
	"github.com/Reaper404-wag/russian-trading-bot/internal/signal"
)

// Config tunes the trading cycle.
type Config struct {
	Symbols             []string          `yaml:"symbols"`
	Sectors             map[string]string `yaml:"sectors"`
	CronSpec            string            `yaml:"cron_spec"` // with seconds field
	CycleTimeoutSeconds int               `yaml:"cycle_timeout_seconds"`
	FanOutWorkers       int               `yaml:"fan_out_workers"`
	IgnoreCalendar      bool              `yaml:"ignore_calendar"` // paper-trading outside MOEX hours
}

func (c Config) defaulted() Config {
	if c.CronSpec == "" {
		c.CronSpec = "0 */5 * * * *"
	}
	if c.CycleTimeoutSeconds == 0 {
		c.CycleTimeoutSeconds = 60
	}
	if c.FanOutWorkers == 0 {
		c.FanOutWorkers = 4
	}
	return c
}

// Runner drives the pipeline: one cycle reconciles open orders, fuses fresh
// signals per symbol, gates them, and works the approved ones in FIFO order.
type Runner struct {
	cfg      Config
	fuser    *signal.Fuser
	gate     *risk.Gate
	breaker  *risk.LossBreaker
	orch     *orders.Orchestrator
	ledger   *ledger.Ledger
	market   marketdata.MarketData
	scores   marketdata.ScoreSource
	calendar marketdata.Calendar
	hub      *feed.Hub
	rec      recorder.Recorder
	cron     *cron.Cron
	log      zerolog.Logger

	mu     sync.Mutex
	params risk.Parameters
}

type Deps struct {
	Fuser    *signal.Fuser
	Gate     *risk.Gate
	Breaker  *risk.LossBreaker
	Orch     *orders.Orchestrator
	Ledger   *ledger.Ledger
	Market   marketdata.MarketData
	Scores   marketdata.ScoreSource
	Calendar marketdata.Calendar
	Hub      *feed.Hub
	Recorder recorder.Recorder
	Params   risk.Parameters
}

func New(cfg Config, d Deps, log zerolog.Logger) *Runner {
	cfg = cfg.defaulted()
	return &Runner{
		cfg:      cfg,
		fuser:    d.Fuser,
		gate:     d.Gate,
		breaker:  d.Breaker,
		orch:     d.Orch,
		ledger:   d.Ledger,
		market:   d.Market,
		scores:   d.Scores,
		calendar: d.Calendar,
		hub:      d.Hub,
		rec:      d.Recorder,
		cron:     cron.New(cron.WithSeconds()),
		log:      log.With().Str("component", "runner").Logger(),
		params:   d.Params.Defaulted(),
	}
}

// UpdateParams swaps in a new versioned parameter set between cycles.
func (r *Runner) UpdateParams(p risk.Parameters) {
	r.mu.Lock()
	r.params = p.Defaulted()
	r.mu.Unlock()
	r.log.Info().Int64("version", p.Version).Msg("risk parameters updated")
}

func (r *Runner) currentParams() risk.Parameters {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.params
}

// Start registers the cycle on the cron schedule and begins ticking.
func (r *Runner) Start(ctx context.Context) error {
	_, err := r.cron.AddFunc(r.cfg.CronSpec, func() { r.RunCycle(ctx) })
	if err != nil {
		return err
	}
	r.cron.Start()
	r.log.Info().Str("cron", r.cfg.CronSpec).Msg("runner started")
	return nil
}

// Stop halts scheduling and waits for a running cycle to finish.
func (r *Runner) Stop() {
	<-r.cron.Stop().Done()
	r.log.Info().Msg("runner stopped")
}

// RunCycle executes one full pipeline pass. Cycles never overlap: cron/v3
// runs jobs sequentially per entry, and the cycle deadline keeps one cycle
// from eating the next slot.
func (r *Runner) RunCycle(ctx context.Context) {
	started := time.Now()
	now := started.UTC()

	if r.ledger.Halted() {
		r.log.Error().Msg("ledger halted, trading suspended pending manual reconciliation")
		return
	}
	if !r.cfg.IgnoreCalendar && !r.calendar.IsMarketOpen(now) {
		r.log.Debug().Time("next_open", r.calendar.NextOpen(now)).Msg("market closed, skipping cycle")
		return
	}

	ctx, cancel := context.WithTimeout(ctx, time.Duration(r.cfg.CycleTimeoutSeconds)*time.Second)
	defer cancel()

	// Settle what the previous cycle left open before reading any balances.
	r.orch.ReconcileOpen(ctx)

	// The trading day rolls at Moscow midnight, not UTC midnight.
	venueNow := now.In(marketdata.MoscowLocation())
	if r.ledger.StartSession(venueNow) {
		r.breaker.Reset(venueNow.Format("2006-01-02"))
	}

	r.markPrices(ctx)
	snap := r.ledger.Snapshot(now)
	r.hub.PublishSnapshot(snap)
	if err := r.rec.RecordSnapshot(snap); err != nil {
		r.log.Warn().Err(err).Msg("snapshot recording failed")
	}

	signals := r.fanOutSignals(ctx, now)
	r.submitSignals(ctx, signals, now)

	observ.IncCounter("cycles_total", nil)
	observ.ObserveDuration("cycle_latency_ms", time.Since(started), nil)
	r.log.Info().Int("signals", len(signals)).Dur("elapsed", time.Since(started)).Msg("cycle complete")
}

func (r *Runner) markPrices(ctx context.Context) {
	for _, sym := range r.cfg.Symbols {
		price, err := r.market.CurrentPrice(ctx, sym)
		if err != nil {
			r.log.Warn().Err(err).Str("symbol", sym).Msg("price fetch failed, keeping last mark")
			continue
		}
		r.ledger.MarkPrice(sym, price)
	}
}

// fanOutSignals fuses every symbol concurrently under a worker bound. Output
// order is made deterministic by sorting on symbol afterwards.
func (r *Runner) fanOutSignals(ctx context.Context, now time.Time) []*signal.TradingSignal {
	type result struct {
		sig *signal.TradingSignal
	}
	sem := make(chan struct{}, r.cfg.FanOutWorkers)
	results := make(chan result, len(r.cfg.Symbols))
	var wg sync.WaitGroup

	for _, sym := range r.cfg.Symbols {
		wg.Add(1)
		go func(sym string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			if sig := r.fuseSymbol(ctx, sym, now); sig != nil {
				results <- result{sig}
			}
		}(sym)
	}
	wg.Wait()
	close(results)

	var out []*signal.TradingSignal
	for res := range results {
		out = append(out, res.sig)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

func (r *Runner) fuseSymbol(ctx context.Context, sym string, now time.Time) *signal.TradingSignal {
	scores, err := r.scores.GetScores(ctx, sym, now)
	if err != nil {
		r.log.Warn().Err(err).Str("symbol", sym).Msg("score fetch failed")
		return nil
	}
	price, err := r.market.CurrentPrice(ctx, sym)
	if err != nil {
		r.log.Warn().Err(err).Str("symbol", sym).Msg("price fetch failed")
		return nil
	}
	atr, err := r.market.VolatilityMeasure(ctx, sym)
	if err != nil {
		atr = 0
	}

	sig, ok := r.fuser.Fuse(sym, r.cfg.Sectors[sym], scores, price, atr, now)
	if !ok {
		return nil
	}

	r.hub.PublishSignal(sig)
	if err := r.rec.RecordSignal(sig); err != nil {
		r.log.Warn().Err(err).Str("signal_id", sig.ID).Msg("signal recording failed")
	}
	if sig.Action == signal.Hold {
		return nil
	}
	return sig
}

// submitSignals gates and submits in FIFO order, one at a time. Each decision
// sees a snapshot that includes the fills of the orders before it, so cash
// and exposure checks stay truthful within the cycle.
func (r *Runner) submitSignals(ctx context.Context, signals []*signal.TradingSignal, now time.Time) {
	params := r.currentParams()

	for _, sig := range signals {
		if ctx.Err() != nil {
			r.log.Warn().Msg("cycle deadline reached, remaining signals dropped")
			return
		}
		if r.ledger.Halted() {
			r.log.Error().Msg("ledger halted mid-cycle, aborting submissions")
			return
		}

		price, err := r.market.CurrentPrice(ctx, sig.Symbol)
		if err != nil {
			r.log.Warn().Err(err).Str("symbol", sig.Symbol).Msg("price unavailable at gate")
			continue
		}

		snap := r.ledger.Snapshot(time.Now().UTC())
		d := r.gate.Evaluate(sig, price, snap, params, time.Now().UTC())
		r.hub.PublishDecision(d)
		if err := r.rec.RecordDecision(d); err != nil {
			r.log.Warn().Err(err).Str("signal_id", d.SignalID).Msg("decision recording failed")
		}
		if d.Verdict == risk.Rejected {
			continue
		}

		observ.IncCounter("orders_submitted_total", map[string]string{"symbol": d.Symbol})
		if _, err := r.orch.Execute(ctx, d, now); err != nil {
			observ.IncCounter("orders_failed_total", map[string]string{"symbol": d.Symbol})
			r.log.Warn().Err(err).Str("signal_id", d.SignalID).Msg("order execution failed")
		}
	}
}
