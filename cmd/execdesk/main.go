package main

import (
	"context"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/execdesk/execdesk/internal/broker"
	"github.com/execdesk/execdesk/internal/catalog"
	"github.com/execdesk/execdesk/internal/config"
	"github.com/execdesk/execdesk/internal/confirm"
	"github.com/execdesk/execdesk/internal/database"
	"github.com/execdesk/execdesk/internal/errs"
	"github.com/execdesk/execdesk/internal/executable"
	"github.com/execdesk/execdesk/internal/httpapi"
	"github.com/execdesk/execdesk/internal/marketdata"
	"github.com/execdesk/execdesk/internal/metadata"
	"github.com/execdesk/execdesk/internal/notify"
	"github.com/execdesk/execdesk/internal/orchestrator"
	"github.com/execdesk/execdesk/internal/planner"
	"github.com/execdesk/execdesk/internal/preflight"
	"github.com/execdesk/execdesk/internal/reasoner"
	"github.com/execdesk/execdesk/internal/tradecontext"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("No .env file found")
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Configuration invalid")
	}

	// ── Storage ──
	db, err := database.New(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Database open failed")
	}
	if err := db.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("Migrations failed")
	}
	log.Info().Msg("Storage layer initialized")

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Catalog + market data ──
	cat := catalog.New(db, cfg.CoinbaseExchangeBase)
	cat.Start(rootCtx)

	feed := marketdata.NewFeed(cfg.CoinbaseExchangeBase,
		[]string{"BTC-USD", "ETH-USD", "SOL-USD", "DOGE-USD", "XRP-USD"})
	feed.Start()
	defer feed.Stop()

	// ── Broker providers ──
	var authFn metadata.AuthFunc
	var pem string
	if cfg.HasBrokerCredentials() {
		loaded, err := cfg.PrivateKeyPEM()
		if err != nil {
			log.Fatal().Err(err).Msg("Broker credential load failed")
		}
		pem = loaded
		fn, err := broker.NewAuthHeadersFunc(cfg.CoinbaseAPIKeyName, pem, hostOf(cfg.CoinbaseAPIBase))
		if err != nil {
			log.Fatal().Err(err).Msg("Broker auth init failed")
		}
		authFn = fn
	} else {
		log.Warn().Msg("No broker credentials; LIVE trading unavailable")
	}

	meta := metadata.New(db, cat, cfg.CoinbaseAPIBase, authFn)

	var coinbaseProvider *broker.Coinbase
	if cfg.HasBrokerCredentials() {
		coinbaseProvider, err = broker.NewCoinbase(db, meta, feed.GetPrice, broker.CoinbaseOptions{
			APIBase:       cfg.CoinbaseAPIBase,
			KeyName:       cfg.CoinbaseAPIKeyName,
			PrivatePEM:    pem,
			DebugMinRules: cfg.DebugMinRules,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Coinbase provider init failed")
		}
		log.Info().Msg("Coinbase provider initialized")
	}

	// ── Pipeline services ──
	var liveProvider broker.Provider
	if coinbaseProvider != nil {
		liveProvider = coinbaseProvider
	}
	fetcher := executable.NewFetcher(db, liveProvider, cfg.EnableLiveTrading)
	contexts := tradecontext.NewBuilder(fetcher, meta, feed.GetPrice)
	engine := preflight.NewEngine(preflight.NewFundsRecycler(db))
	confirmations := confirm.NewStore(db, cfg.ConfirmationTTL)
	advisor := reasoner.NewAdvisor(cfg.ReasonerAPIKey, cfg.ReasonerModel)

	telegram := notify.NewTelegram(cfg.TelegramToken, cfg.TelegramChatID)

	providers := func(mode, sourceRunID string) (broker.Provider, error) {
		switch mode {
		case "LIVE":
			if coinbaseProvider == nil {
				return nil, errs.New(errs.CredentialsMissing, "coinbase credentials not configured")
			}
			return coinbaseProvider, nil
		case "REPLAY":
			return broker.NewReplay(db, sourceRunID), nil
		default:
			return broker.NewPaper(db, feed.GetPrice), nil
		}
	}

	var notifier orchestrator.Notifier
	if telegram != nil {
		notifier = telegram
	}
	runner := orchestrator.NewRunner(db, cfg, providers, fetcher, meta, feed.GetPrice, notifier)
	pl := planner.New(cfg, cat, fetcher, contexts, engine, confirmations, advisor)

	// ── HTTP ──
	server := httpapi.NewServer(cfg, db, confirmations, pl, runner)
	addr := ":" + envOr("PORT", "8080")
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("HTTP server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func hostOf(apiBase string) string {
	u, err := url.Parse(apiBase)
	if err != nil {
		return "api.coinbase.com"
	}
	return u.Host
}
