package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Reaper404-wag/russian-trading-bot/internal/broker"
	"github.com/Reaper404-wag/russian-trading-bot/internal/config"
	"github.com/Reaper404-wag/russian-trading-bot/internal/feed"
	"github.com/Reaper404-wag/russian-trading-bot/internal/ledger"
	"github.com/Reaper404-wag/russian-trading-bot/internal/marketdata"
	"github.com/Reaper404-wag/russian-trading-bot/internal/observ"
	"github.com/Reaper404-wag/russian-trading-bot/internal/orders"
	"github.com/Reaper404-wag/russian-trading-bot/internal/recorder"
	"github.com/Reaper404-wag/russian-trading-bot/internal/risk"
	"github.com/Reaper404-wag/russian-trading-bot/internal/runner"
	sig "github.com/Reaper404-wag/russian-trading-bot/internal/signal"
)

func main() {
	cfgPath := "configs/config.yaml"
	if v := os.Getenv("CONFIG_PATH"); v != "" {
		cfgPath = v
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		errLog := observ.NewLogger("error", true)
		errLog.Fatal().Err(err).Str("path", cfgPath).Msg("config load failed")
	}

	log := observ.NewLogger(cfg.Logging.Level, cfg.Logging.Pretty)
	log.Info().Str("mode", cfg.Mode).Float64("initial_cash", cfg.InitialCash).Msg("starting trading bot")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	led := ledger.New(cfg.InitialCash, cfg.Runner.Sectors, cfg.Storage.LedgerPath, log)
	if err := led.Load(); err != nil {
		log.Fatal().Err(err).Msg("ledger load failed")
	}

	var rec recorder.Recorder
	if cfg.Storage.AuditDB != "" {
		sq, err := recorder.NewSQLite(cfg.Storage.AuditDB, log)
		if err != nil {
			log.Warn().Err(err).Msg("sqlite recorder unavailable, auditing disabled")
			rec = recorder.NewNoop()
		} else {
			rec = sq
			defer sq.Close()
		}
	} else {
		rec = recorder.NewNoop()
	}

	market := marketdata.NewSimMarketData(cfg.Broker.Seed)
	scores := marketdata.NewSimScoreSource(cfg.Broker.Seed)
	bk := broker.NewSim(cfg.Broker, func(symbol string) float64 {
		p, err := market.CurrentPrice(context.Background(), symbol)
		if err != nil {
			return 0
		}
		return p
	}, log)

	hub := feed.NewHub(cfg.Server.ReplayCap, log)
	breaker := risk.NewLossBreaker(log)
	orch := orders.NewOrchestrator(cfg.Orders, bk, led, log, hub, recorder.Sink{R: rec})

	if unresolved, err := rec.UnresolvedOrders(); err != nil {
		log.Warn().Err(err).Msg("unresolved order lookup failed")
	} else if len(unresolved) > 0 {
		restored := make([]orders.Order, len(unresolved))
		for i, so := range unresolved {
			restored[i] = so.Order()
		}
		orch.Restore(restored)
		log.Warn().Int("count", len(unresolved)).
			Msg("unresolved orders from previous run, reconciling on first cycle")
	}

	run := runner.New(cfg.Runner, runner.Deps{
		Fuser:    sig.NewFuser(cfg.Fusion, log),
		Gate:     risk.NewGate(breaker, log),
		Breaker:  breaker,
		Orch:     orch,
		Ledger:   led,
		Market:   market,
		Scores:   scores,
		Calendar: marketdata.NewMoexCalendar(cfg.Holidays),
		Hub:      hub,
		Recorder: rec,
		Params:   cfg.Risk,
	}, log)

	if err := run.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("runner start failed")
	}
	defer run.Stop()

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: feed.Router(hub, func() ledger.Snapshot { return led.Snapshot(time.Now().UTC()) }),
	}
	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("http server failed")
			stop()
		}
	}()

	if os.Getenv("RUN_ON_START") == "true" {
		log.Info().Msg("RUN_ON_START enabled, executing one cycle now")
		go run.RunCycle(ctx)
	}

	<-ctx.Done()
	log.Info().Msg("shutdown signal received, stopping")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown incomplete")
	}
	log.Info().Msg("trading bot stopped")
}
