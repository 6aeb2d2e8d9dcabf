// FILE: config.go
// Package main – Runtime configuration model and loader.
//
// This file defines the Config struct (every knob the chaser uses) and a
// helper to populate it from environment variables. The .env file is read
// by loadEnvFile() (see env.go), so you can tune behavior without exports.
//
// Typical flow (see main.go):
//   loadEnvFile(path)
//   cfg := loadConfigFromEnv()
package main

// NOTE: General knobs are read from UNPREFIXED env keys. Exchange credentials
// are exchange-prefixed (BINANCE_API_KEY/SECRET, BYBIT_API_KEY/SECRET, WOO_API_KEY/SECRET, ...)
// and are only ever held as secret values.

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"
)

// secret holds a credential. It renders as [redacted] in logs, fmt and JSON.
type secret string

const redacted = "[redacted]"

func (s secret) String() string {
	if s == "" {
		return ""
	}
	return redacted
}

func (s secret) GoString() string { return s.String() }

func (s secret) MarshalJSON() ([]byte, error) { return json.Marshal(s.String()) }

func (s secret) reveal() string { return string(s) }

// Config holds all runtime knobs.
type Config struct {
	Exchange    string // binance|bybit|woo|hitbtc|coinbase|paper
	PairsFile   string
	Port        int
	LogLevel    string
	CORSOrigins []string

	DefaultSleep   time.Duration
	CleanupTimeout time.Duration // cancel budget when stopping/shutting down
	StopWait       time.Duration // how long shutdown waits for the session to end
	EventHistory   int

	Limits    Limits
	Transport Transport

	Binance  BinanceConfig
	Bybit    BybitConfig
	Woo      WooConfig
	HitBTC   HitBTCConfig
	Coinbase CoinbaseConfig
	Paper    PaperConfig
}

// Limits are the accepted ranges for operator input.
type Limits struct {
	MinDollar        float64
	MaxDollar        float64
	MinSleep         time.Duration
	MaxSleep         time.Duration
	MinTakeProfit    float64
	MaxTakeProfitPct float64
	MaxTakeProfitUSD float64
}

// Transport is shared by every REST gateway.
type Transport struct {
	RPS         float64
	Burst       int
	HTTPTimeout time.Duration
	Log         *zap.Logger // request-level debug logging; nil disables
}

type BinanceConfig struct {
	BaseURL    string
	APIKey     secret
	APISecret  secret
	RecvWindow int // ms
}

type BybitConfig struct {
	BaseURL    string
	APIKey     secret
	APISecret  secret
	Category   string // linear|inverse|spot
	RecvWindow int    // ms
}

type WooConfig struct {
	BaseURL   string
	APIKey    secret
	APISecret secret
	Market    string // perp|spot
}

type HitBTCConfig struct {
	BaseURL   string
	APIKey    secret
	APISecret secret
}

type CoinbaseConfig struct {
	BaseURL     string
	KeyName     string
	PrivateKey  secret // PEM (EC or RSA)
	BearerToken secret
}

type PaperConfig struct {
	Symbol     string
	Mid        float64
	Tick       float64
	Step       float64
	SpreadBps  float64
	Volatility float64 // per-call random walk, in bps of mid
	Seed       int64
}

// loadConfigFromEnv reads the process env (already hydrated by loadEnvFile())
// and returns a Config with sane defaults if keys are missing.
func loadConfigFromEnv() Config {
	exchange := strings.ToLower(getEnv("EXCHANGE", "paper"))
	cfg := Config{
		Exchange:    exchange,
		PairsFile:   getEnv("PAIRS_FILE", defaultPairsFile(exchange)),
		Port:        getEnvInt("PORT", 8080),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		CORSOrigins: splitList(getEnv("CORS_ORIGINS", "*")),

		DefaultSleep:   getEnvSeconds("CHASE_SLEEP_SEC", 20),
		CleanupTimeout: getEnvSeconds("CLEANUP_TIMEOUT_SEC", 10),
		StopWait:       getEnvSeconds("STOP_WAIT_SEC", 15),
		EventHistory:   getEnvInt("EVENT_HISTORY", 200),

		Limits: Limits{
			MinDollar:        getEnvFloat("MIN_DOLLAR_VALUE", 1),
			MaxDollar:        getEnvFloat("MAX_DOLLAR_VALUE", 10000),
			MinSleep:         getEnvSeconds("CHASE_MIN_SLEEP_SEC", 1),
			MaxSleep:         getEnvSeconds("CHASE_MAX_SLEEP_SEC", 60),
			MinTakeProfit:    getEnvFloat("MIN_TAKE_PROFIT", 0.01),
			MaxTakeProfitPct: getEnvFloat("MAX_TAKE_PROFIT_PCT", 100),
			MaxTakeProfitUSD: getEnvFloat("MAX_TAKE_PROFIT_USD", 1000),
		},
		Transport: Transport{
			RPS:         getEnvFloat("RATE_LIMIT_RPS", 5),
			Burst:       getEnvInt("RATE_LIMIT_BURST", 5),
			HTTPTimeout: getEnvSeconds("HTTP_TIMEOUT_SEC", 15),
		},

		Binance: BinanceConfig{
			BaseURL:    getEnv("BINANCE_API_BASE", "https://api.binance.com"),
			APIKey:     secret(getEnv("BINANCE_API_KEY", "")),
			APISecret:  secret(getEnv("BINANCE_API_SECRET", "")),
			RecvWindow: getEnvInt("BINANCE_RECV_WINDOW_MS", 5000),
		},
		Bybit: BybitConfig{
			BaseURL:    getEnv("BYBIT_API_BASE", "https://api.bybit.com"),
			APIKey:     secret(getEnv("BYBIT_API_KEY", "")),
			APISecret:  secret(getEnv("BYBIT_API_SECRET", "")),
			Category:   getEnv("BYBIT_CATEGORY", "linear"),
			RecvWindow: getEnvInt("BYBIT_RECV_WINDOW_MS", 5000),
		},
		Woo: WooConfig{
			BaseURL:   getEnv("WOO_API_BASE", "https://api.woo.org"),
			APIKey:    secret(getEnv("WOO_API_KEY", "")),
			APISecret: secret(getEnv("WOO_API_SECRET", "")),
			Market:    getEnv("WOO_MARKET", "perp"),
		},
		HitBTC: HitBTCConfig{
			BaseURL:   hitbtcBase(),
			APIKey:    secret(getEnv("HITBTC_API_KEY", "")),
			APISecret: secret(getEnv("HITBTC_API_SECRET", "")),
		},
		Coinbase: CoinbaseConfig{
			BaseURL:     getEnv("COINBASE_API_BASE", "https://api.coinbase.com"),
			KeyName:     getEnv("COINBASE_API_KEY_NAME", ""),
			PrivateKey:  secret(normalizeMultiline(getEnv("COINBASE_API_PRIVATE_KEY", getEnv("COINBASE_API_SECRET", "")))),
			BearerToken: secret(getEnv("COINBASE_BEARER_TOKEN", "")),
		},
		Paper: PaperConfig{
			Symbol:     getEnv("PAPER_SYMBOL", "BTC-USD"),
			Mid:        getEnvFloat("PAPER_MID", 100),
			Tick:       getEnvFloat("PAPER_TICK", 0.01),
			Step:       getEnvFloat("PAPER_STEP", 0.0001),
			SpreadBps:  getEnvFloat("PAPER_SPREAD_BPS", 2),
			Volatility: getEnvFloat("PAPER_VOLATILITY_BPS", 5),
			Seed:       int64(getEnvInt("PAPER_SEED", 0)),
		},
	}
	return cfg
}

func hitbtcBase() string {
	if getEnvBool("HITBTC_USE_SANDBOX", false) {
		return "https://api.demo.hitbtc.com/api/3"
	}
	return getEnv("HITBTC_API_BASE", "https://api.hitbtc.com/api/3")
}

// defaultPairsFile names the per-exchange pair list shipped under pairs/.
func defaultPairsFile(exchange string) string {
	if exchange == "" {
		exchange = "paper"
	}
	return "pairs/" + exchange + "_pairs.txt"
}

// Check validates operator input against the configured ranges.
func (l Limits) Check(req ChaseRequest) error {
	if req.DollarValue < l.MinDollar || req.DollarValue > l.MaxDollar || math.IsNaN(req.DollarValue) {
		return newChaseError(KindInvalidAmount, opStart,
			fmt.Errorf("dollar value %v outside [%v, %v]", req.DollarValue, l.MinDollar, l.MaxDollar))
	}
	if req.Sleep < l.MinSleep || req.Sleep > l.MaxSleep {
		return newChaseError(KindInvalidParameters, opStart,
			fmt.Errorf("sleep %s outside [%s, %s]", req.Sleep, l.MinSleep, l.MaxSleep))
	}
	if !req.TakeProfit.Enabled() {
		return nil
	}
	max := l.MaxTakeProfitPct
	if req.TakeProfit.Kind == TakeProfitAbsolute {
		max = l.MaxTakeProfitUSD
	}
	if v := req.TakeProfit.Value; v < l.MinTakeProfit || v > max {
		return newChaseError(KindInvalidParameters, opStart,
			fmt.Errorf("take-profit %s outside [%v, %v]", req.TakeProfit, l.MinTakeProfit, max))
	}
	return nil
}
