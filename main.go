package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"crossflow/config"
	"crossflow/internal/connector"
	"crossflow/internal/connector/binance"
	"crossflow/internal/connector/bybit"
	"crossflow/internal/connector/kucoin"
	"crossflow/internal/executor"
	"crossflow/internal/flow"
	"crossflow/internal/journal"
	"crossflow/internal/position"
	"crossflow/internal/risk"
	"crossflow/internal/router"
	"crossflow/logger"
)

func main() {
	log := logger.GetLogger()

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Crossflow.Name,
		"version": cfg.Crossflow.Version,
	}).Info("starting crossflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Logging.CloudWatch.Enabled {
		logger.InitCloudWatch(cfg.Logging.CloudWatch.Region, cfg.Logging.CloudWatch.Namespace, cfg.Logging.CloudWatch.Dashboard)
	}
	if cfg.Logging.Report {
		logger.StartReport(ctx, log, 30*time.Second)
	}

	// connectors
	dropOldest := strings.ToLower(cfg.Channels.Backpressure) != "block"
	buffer := cfg.Channels.EventBuffer
	connectors := connector.NewManager()

	register := func(c connector.Connector, exCfg config.ExchangeConfig) {
		if !exCfg.Enabled {
			return
		}
		for _, symbol := range exCfg.Symbols {
			if err := c.SubscribeOrderBook(symbol); err != nil {
				log.WithError(err).WithFields(logger.Fields{"symbol": symbol}).Warn("order book subscription failed")
			}
			if err := c.SubscribeTrades(symbol); err != nil {
				log.WithError(err).WithFields(logger.Fields{"symbol": symbol}).Warn("trade subscription failed")
			}
		}
		if exCfg.APIKey != "" {
			if err := c.SubscribeUserStream(); err != nil {
				log.WithError(err).Warn("user stream subscription failed")
			}
		}
		if err := connectors.Add(c); err != nil {
			log.WithError(err).WithFields(logger.Fields{"connector": c.Name()}).Error("connector registration failed")
		}
	}
	register(binance.New(cfg.Exchanges.Binance, buffer, dropOldest), cfg.Exchanges.Binance)
	register(bybit.New(cfg.Exchanges.Bybit, buffer, dropOldest), cfg.Exchanges.Bybit)
	register(kucoin.New(cfg.Exchanges.Kucoin, buffer, dropOldest), cfg.Exchanges.Kucoin)

	// data flow fan-out
	fm := flow.NewManager(cfg.Channels.RingSize)
	defer fm.Close()
	for _, c := range connectors.All() {
		fm.Attach(ctx, c.Name()+"/market", c.MarketData())
		fm.Attach(ctx, c.Name()+"/user", c.UserData())
	}

	// positions, risk, routing, execution
	positions := position.NewManager(cfg.Reconciliation.Epsilon)
	riskMgr := risk.NewManager(cfg.Risk, positions)
	positions.OnUpdate(riskMgr.Observe)
	stats := router.NewFillStats(cfg.Trading.FillStatsWindow)
	rt := router.New(connectors, cfg, stats, riskMgr.ExchangeReachable)
	exec := executor.NewExecutor(cfg.Trading, rt, riskMgr, positions, fm, connectors)

	connectors.OnReconnect(func(c connector.Connector) {
		positions.Reconcile(ctx, connectors)
	})

	go func() {
		for violation := range riskMgr.Violations() {
			log.WithComponent("risk").WithFields(logger.Fields{
				"kind":     violation.Kind,
				"exchange": violation.Exchange,
				"symbol":   violation.Symbol,
			}).Warn("risk violation")
		}
	}()

	if err := exec.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start executor")
		os.Exit(1)
	}

	if err := connectors.ConnectAll(ctx); err != nil {
		log.WithError(err).Warn("not all connectors came up, continuing with the rest")
	}

	go positions.RunReconciliation(ctx, connectors, cfg.Reconciliation.Interval)

	var jw *journal.Writer
	if cfg.Journal.Enabled {
		jw, err = journal.NewWriter(cfg.Journal, fm)
		if err != nil {
			log.WithError(err).Error("failed to build journal writer")
		} else if err := jw.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start journal writer")
		}
	}

	log.WithFields(logger.Fields{
		"connectors": len(connectors.All()),
	}).Info("crossflow running")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	var received os.Signal
	for received == nil || received == syscall.SIGHUP {
		received = <-sig
		if received != syscall.SIGHUP {
			break
		}
		// SIGHUP reloads the config snapshot; only risk limits apply
		// to a running process, everything else needs a restart.
		fresh, err := config.LoadConfig(*configPath)
		if err != nil {
			log.WithError(err).Error("config reload failed, keeping current limits")
			continue
		}
		riskMgr.UpdateLimits(fresh.Risk)
		log.Info("risk limits reloaded")
	}
	log.WithFields(logger.Fields{"signal": received.String()}).Info("shutdown signal received")

	// stop intake first, then drain downstream
	if err := connectors.DisconnectAll(); err != nil {
		log.WithError(err).Warn("connector shutdown reported errors")
	}
	if err := exec.Stop(); err != nil {
		log.WithError(err).Warn("executor shutdown reported errors")
	}
	if jw != nil {
		jw.Stop()
	}
	cancel()

	for _, p := range positions.All() {
		log.WithComponent("position").WithFields(logger.Fields{
			"exchange":     p.Exchange,
			"symbol":       p.Symbol,
			"quantity":     p.Quantity,
			"realized_pnl": p.RealizedPnL,
		}).Info("open position at shutdown")
	}

	log.Info("crossflow stopped")
}
