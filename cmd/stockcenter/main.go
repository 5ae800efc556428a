package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/uhyunpark/stockcenter/params"
	"github.com/uhyunpark/stockcenter/pkg/api"
	"github.com/uhyunpark/stockcenter/pkg/app/core/events"
	"github.com/uhyunpark/stockcenter/pkg/app/core/ledger"
	"github.com/uhyunpark/stockcenter/pkg/app/exchange"
	"github.com/uhyunpark/stockcenter/pkg/custody"
	"github.com/uhyunpark/stockcenter/pkg/feed"
	"github.com/uhyunpark/stockcenter/pkg/util"
)

func main() {
	// ENV > .env in the working directory > defaults
	cfg := params.LoadFromEnv("")

	logger, err := util.NewLogger(cfg.LogFile)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("center_failed", zap.Error(err))
	}
}

func run(cfg params.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Ledger ----
	store, err := ledger.Open(cfg.Ledger.DataDir, ledger.Options{
		TxTimeout: cfg.Ledger.TxTimeout,
		Logger:    logger.Named("ledger"),
	})
	if err != nil {
		return err
	}
	defer store.Close()

	// ---- Custody ----
	var gw custody.Gateway
	if cfg.Custody.URL != "" {
		gw = custody.NewHTTPGateway(cfg.Custody.URL, cfg.Custody.Timeout, logger.Named("custody"))
		logger.Info("custody_remote", zap.String("url", cfg.Custody.URL))
	} else {
		gw = custody.NewMemory()
		logger.Warn("custody_in_process", zap.String("hint", "set CUSTODY_URL to use the account service"))
	}

	// ---- Event subscribers ----
	// custody settlement must see every trade; the journal and websocket
	// feed may fall behind and drop
	bus := events.NewBus(logger.Named("events"), cfg.EventBuffer)
	bus.Subscribe("custody", custody.NewSettler(gw, store, logger.Named("settler")).Handle)

	if len(cfg.Feed.Brokers) > 0 {
		journal := feed.NewJournal(feed.NewKafkaWriter(cfg.Feed.Brokers, cfg.Feed.Topic), logger.Named("journal"))
		defer journal.Close()
		bus.SubscribeLossy("journal", journal.Handle)
		logger.Info("journal_enabled", zap.Strings("brokers", cfg.Feed.Brokers), zap.String("topic", cfg.Feed.Topic))
	}

	hub := api.NewHub(logger.Named("ws"))
	bus.SubscribeLossy("ws", hub.Handle)

	// ---- Exchange ----
	svc := exchange.New(store, gw, bus, cfg.Exchange, logger.Named("exchange"))

	// stop accepting requests, then finish queued work, then flush events
	defer bus.Close()
	defer svc.Close()

	server := api.NewServer(svc, hub, cfg.API.CORSOrigins, logger.Named("api"))

	logger.Info("center_starting",
		zap.String("data_dir", cfg.Ledger.DataDir),
		zap.String("api_addr", cfg.API.Addr),
		zap.Int("shards", cfg.Exchange.Shards),
		zap.Int("max_retries", cfg.Exchange.MaxRetries),
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Start(ctx, cfg.API.Addr)
	})
	g.Go(func() error {
		reportProgress(ctx, svc, logger)
		return nil
	})
	return g.Wait()
}

// reportProgress logs halted instruments and the custody reconciliation
// backlog once a minute
func reportProgress(ctx context.Context, svc *exchange.Service, logger *zap.Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			halted, err := svc.Halted()
			if err != nil {
				logger.Warn("progress_failed", zap.Error(err))
				continue
			}
			recon, err := svc.Reconciliation()
			if err != nil {
				logger.Warn("progress_failed", zap.Error(err))
				continue
			}
			logger.Info("center_progress",
				zap.Int("halted_instruments", len(halted)),
				zap.Int("reconciliation_entries", len(recon)),
			)
		}
	}
}
