// FILE: main.go
// Package main – Program entrypoint and HTTP control server.
//
// Boot sequence:
//   1) loadEnvFile(-env)           – read .env (no shell exports required)
//   2) cfg := loadConfigFromEnv()  – build runtime Config
//   3) wire gateway/chaser/event sinks
//   4) start the control API (+ /healthz, /metrics, /ws) on cfg.Port
//   5) optionally start a chase from flags (headless mode)
//   6) on SIGINT/SIGTERM: stop the session, cancel its order, shut down
//
// Flags:
//   -env <path>          .env file to load (default .env)
//   -symbol <sym>        start chasing at boot (e.g. BTC/USDT:USDT)
//   -side long|short     entry direction (default long)
//   -usd <n>             notional in quote currency (default 500)
//   -sleep <sec>         re-price interval (default CHASE_SLEEP_SEC)
//   -tp-percent <p>      take-profit p% from the fill
//   -tp-dollar <d>       take-profit d away from the fill
//   -exit-on-done        exit once the boot session ends
//
// Example:
//   EXCHANGE=paper go run . -symbol BTC-USD -side long -usd 250 -sleep 5 -tp-percent 0.5 -exit-on-done

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
)

type bootFlags struct {
	envFile    string
	symbol     string
	side       string
	usd        float64
	sleepSec   float64
	tpPercent  float64
	tpDollar   float64
	exitOnDone bool
}

func main() {
	// ---- Flags ----
	var bf bootFlags
	flag.StringVar(&bf.envFile, "env", ".env", "Path to .env file")
	flag.StringVar(&bf.symbol, "symbol", "", "Start chasing this symbol at boot")
	flag.StringVar(&bf.side, "side", "long", "Entry side: long|short")
	flag.Float64Var(&bf.usd, "usd", 500, "Dollar value of the entry")
	flag.Float64Var(&bf.sleepSec, "sleep", 0, "Seconds between re-pricing cycles (0 = CHASE_SLEEP_SEC)")
	flag.Float64Var(&bf.tpPercent, "tp-percent", 0, "Take-profit percent from the fill price")
	flag.Float64Var(&bf.tpDollar, "tp-dollar", 0, "Take-profit dollar offset from the fill price")
	flag.BoolVar(&bf.exitOnDone, "exit-on-done", false, "Exit after the boot session ends")
	flag.Parse()

	if err := run(bf); err != nil {
		fmt.Fprintln(os.Stderr, "chaselimit:", err)
		os.Exit(1)
	}
}

func run(bf bootFlags) error {
	// ---- Environment & Config ----
	envLoaded, envErr := loadEnvFile(bf.envFile)
	cfg := loadConfigFromEnv()

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	if envErr != nil {
		logger.Warn("env file unreadable; relying on process env", zap.String("path", bf.envFile), zap.Error(envErr))
	} else if envLoaded {
		logger.Info("env file loaded", zap.String("path", bf.envFile))
	}
	logger.Info("config",
		zap.String("exchange", cfg.Exchange),
		zap.Int("port", cfg.Port),
		zap.Any("binance", cfg.Binance),
		zap.Any("bybit", cfg.Bybit),
		zap.Any("woo", cfg.Woo),
		zap.Any("hitbtc", cfg.HitBTC),
		zap.Any("coinbase", cfg.Coinbase))

	// ---- Gateway wiring ----
	cfg.Transport.Log = logger
	gw, err := NewGatewayFromConfig(cfg)
	if err != nil {
		return fmt.Errorf("gateway %s: %w", cfg.Exchange, err)
	}

	pairs, err := LoadPairs(cfg.PairsFile)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		logger.Warn("pair list not found; any symbol is accepted", zap.String("path", cfg.PairsFile))
	case err != nil:
		return err
	default:
		logger.Info("pair list loaded", zap.String("path", cfg.PairsFile), zap.Int("pairs", pairs.Len()))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	events := NewEventLog(cfg.EventHistory)
	hub := NewHub(logger)
	go hub.Run(ctx)

	chaser := NewChaser(ctx, gw, ChaserOptions{
		Logger:         logger.Named("chaser"),
		OnEvent:        fanOut(events.Append, hub.Publish, logEvents(logger.Named("events"))),
		CleanupTimeout: cfg.CleanupTimeout,
	})

	// ---- HTTP control/metrics/health ----
	ctrl := NewControlServer(chaser, ControlOptions{
		Exchange:     cfg.Exchange,
		Pairs:        pairs,
		Events:       events,
		Hub:          hub,
		Limits:       cfg.Limits,
		DefaultSleep: cfg.DefaultSleep,
		CORSOrigins:  cfg.CORSOrigins,
		Logger:       logger,
	})
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           ctrl.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	srvErr := make(chan error, 1)
	go func() {
		logger.Info("control api listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
	}()

	// ---- Headless start ----
	var bootDone <-chan struct{}
	if bf.symbol != "" {
		req, err := bf.request(cfg)
		if err == nil && !pairs.Allows(req.Symbol) {
			err = fmt.Errorf("symbol %q is not in %s", req.Symbol, cfg.PairsFile)
		}
		if err == nil {
			_, err = chaser.Start(ctx, req)
		}
		if err != nil {
			logger.Error("boot chase rejected", zap.Error(err))
			if bf.exitOnDone {
				shutdown(logger, srv, chaser, cfg.StopWait)
				return err
			}
		} else {
			bootDone = chaser.Done()
		}
	}
	if !bf.exitOnDone {
		bootDone = nil
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-srvErr:
		logger.Error("control api failed", zap.Error(err))
		shutdown(logger, srv, chaser, cfg.StopWait)
		return err
	case <-bootDone:
		logger.Info("boot session finished", zap.String("outcome", string(chaser.Status().LastOutcome)))
	}
	shutdown(logger, srv, chaser, cfg.StopWait)
	return nil
}

// request turns boot flags into a ChaseRequest.
func (bf bootFlags) request(cfg Config) (ChaseRequest, error) {
	side, err := ParseSide(bf.side)
	if err != nil {
		return ChaseRequest{}, err
	}
	tp := NoTakeProfit()
	switch {
	case bf.tpPercent > 0 && bf.tpDollar > 0:
		return ChaseRequest{}, errors.New("use either -tp-percent or -tp-dollar, not both")
	case bf.tpPercent > 0:
		tp = PercentTakeProfit(bf.tpPercent)
	case bf.tpDollar > 0:
		tp = AbsoluteTakeProfit(bf.tpDollar)
	}
	sleep := cfg.DefaultSleep
	if bf.sleepSec > 0 {
		sleep = time.Duration(bf.sleepSec * float64(time.Second))
	}
	req := ChaseRequest{Symbol: bf.symbol, Side: side, DollarValue: bf.usd, Sleep: sleep, TakeProfit: tp}
	return req, cfg.Limits.Check(req)
}

// shutdown stops any session (cancelling its live order), waits for it to
// settle, then closes the HTTP server.
func shutdown(logger *zap.Logger, srv *http.Server, chaser *Chaser, wait time.Duration) {
	if err := chaser.Stop(); err == nil {
		logger.Info("stopping active chase")
	}
	waitCtx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	if err := chaser.Wait(waitCtx); err != nil {
		logger.Warn("chase did not settle before shutdown", zap.Error(err))
	}

	shutdownCtx, c := context.WithTimeout(context.Background(), 2*time.Second)
	defer c()
	_ = srv.Shutdown(shutdownCtx)
}
