package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"gridtrader/internal/alert"
	"gridtrader/internal/config"
	"gridtrader/internal/engine"
	"gridtrader/internal/exchange"
	_ "gridtrader/internal/exchange/binance"
	"gridtrader/internal/logger"
	"gridtrader/internal/safety"
	"gridtrader/internal/store"
	"gridtrader/internal/stream"
)

func main() {
	var configPath string
	var envPath string
	var checkOnly bool
	flag.StringVar(&configPath, "config", "config/config.yaml", "config yaml path")
	flag.StringVar(&envPath, "env", "", "optional .env file with credentials")
	flag.BoolVar(&checkOnly, "check", false, "verify connectivity and credentials, then exit")
	flag.Parse()

	// Credentials may live in a .env file next to the binary; the config
	// loader picks them up from the environment.
	if envPath != "" {
		if err := godotenv.Load(envPath); err != nil {
			fatal(fmt.Sprintf("load env file: %v", err))
		}
	} else {
		_ = godotenv.Load()
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fatal(err.Error())
	}
	log := logger.New(cfg.Observability.Log)
	defer func() { _ = log.Sync() }()

	alerts := buildAlertManager(cfg, log)
	if alerts != nil {
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := alerts.Close(closeCtx); err != nil {
				log.Warn("close alert manager failed", zap.Error(err))
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := exchange.New(cfg.Exchange, log)
	if err != nil {
		fatal(err.Error())
	}

	if checkOnly {
		runCheck(ctx, client, cfg)
		return
	}

	var cache *store.Cache
	if cfg.State.Dir != "" {
		dir := filepath.Join(cfg.State.Dir, strings.ToLower(string(cfg.Mode)), cfg.Exchange.Symbol, cfg.InstanceID)
		cache, err = store.Open(config.StateConfig{Dir: dir})
		if err != nil {
			fatal(err.Error())
		}
		defer func() {
			if err := cache.Close(); err != nil {
				log.Warn("close state cache failed", zap.Error(err))
			}
		}()
	}

	breaker := safety.NewBreaker(cfg.CircuitBreaker, log)
	breaker.SetAlerter(alerts)

	sup := stream.NewSupervisor(client.StreamTransport(), cfg.Stream, log)
	sup.Gate = breaker.StreamGate()

	coord := engine.NewCoordinator(cfg, client, sup, breaker, cache, alerts, log)
	log.Info("starting",
		zap.String("mode", string(cfg.Mode)),
		zap.String("exchange", client.Name()),
		zap.String("symbol", cfg.Exchange.Symbol),
		zap.String("instance", cfg.InstanceID))

	if err := coord.Run(ctx); err != nil {
		if errors.Is(err, engine.ErrRiskStop) {
			log.Warn("trading stopped by risk controller")
			return
		}
		log.Error("coordinator failed", zap.Error(err))
		fatal(err.Error())
	}
}

// runCheck is the preflight used before funding a new instance: signed
// connectivity, trading rules, and a ticker round-trip against the
// configured endpoints.
func runCheck(ctx context.Context, client exchange.Client, cfg config.Config) {
	checkCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := client.Connect(checkCtx); err != nil {
		fatal(fmt.Sprintf("connect: %v", err))
	}
	defer func() { _ = client.Disconnect() }()
	if err := client.HealthCheck(checkCtx); err != nil {
		fatal(fmt.Sprintf("health check: %v", err))
	}
	rules, err := client.GetRules(checkCtx, cfg.Exchange.Symbol)
	if err != nil {
		fatal(fmt.Sprintf("rules: %v", err))
	}
	ticker, err := client.GetTicker(checkCtx, cfg.Exchange.Symbol)
	if err != nil {
		fatal(fmt.Sprintf("ticker: %v", err))
	}
	fmt.Printf("ok exchange=%s mode=%s symbol=%s last=%s price_tick=%s qty_step=%s min_qty=%s\n",
		client.Name(), cfg.Mode, cfg.Exchange.Symbol, ticker.Last.String(),
		rules.PriceTick.String(), rules.QtyStep.String(), rules.MinQty.String())
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}

func buildAlertManager(cfg config.Config, log *zap.Logger) *alert.Manager {
	tg := cfg.Observability.Telegram
	if !tg.Enabled {
		return nil
	}
	notifier := alert.NewTelegramNotifier(tg)
	return alert.NewManagerWithOptions(string(cfg.Mode), cfg.Exchange.Symbol, notifier, log, alert.ManagerOptions{
		DropReportInterval: time.Duration(cfg.Observability.Runtime.AlertDropReportSec) * time.Second,
	})
}
