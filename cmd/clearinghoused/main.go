package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"math/big"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/uhyunpark/clearhouse/params"
	"github.com/uhyunpark/clearhouse/pkg/api"
	"github.com/uhyunpark/clearhouse/pkg/app/clearinghouse"
	"github.com/uhyunpark/clearhouse/pkg/app/core/oracle"
	"github.com/uhyunpark/clearhouse/pkg/crypto"
	"github.com/uhyunpark/clearhouse/pkg/metrics"
	"github.com/uhyunpark/clearhouse/pkg/storage"
	"github.com/uhyunpark/clearhouse/pkg/util"
)

func main() {
	envPath := flag.String("env", "", "path to .env file (default: .env in current directory)")
	flag.Parse()

	// Priority: ENV > .env file > defaults
	cfg := params.LoadFromEnv(*envPath)

	var logger *zap.Logger
	var err error
	if cfg.Log.File != "" {
		logger, err = util.NewLoggerWithFile(cfg.Log.File, cfg.Log.Level)
	} else {
		logger, err = util.NewLogger(cfg.Log.Level)
	}
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("clearinghouse_failed", zap.Error(err))
	}
}

func run(cfg params.Config, logger *zap.Logger) error {
	var store *storage.Store
	var err error
	if cfg.Storage.DataDir != "" {
		store, err = storage.Open(cfg.Storage.DataDir, logger)
	} else {
		store, err = storage.OpenInMemory(logger)
	}
	if err != nil {
		return err
	}
	defer store.Close()

	m := metrics.New("clearhouse")
	feed := oracle.NewStaticFeed()

	ch := clearinghouse.New(clearinghouse.Config{
		Logger:    logger.Named("clearinghouse"),
		Store:     store,
		IndexFeed: feed,
		Metrics:   m,
	})
	if err := ch.Restore(); err != nil {
		return err
	}

	var genesis *params.Genesis
	if cfg.MarketsFile != "" {
		genesis, err = params.LoadGenesis(cfg.MarketsFile)
		if errors.Is(err, os.ErrNotExist) {
			logger.Warn("markets_file_missing", zap.String("path", cfg.MarketsFile))
		} else if err != nil {
			return err
		}
	}
	if genesis != nil {
		if len(ch.Markets()) == 0 {
			err = applyGenesis(ch, genesis, feed, logger)
		} else {
			err = indexFromGenesis(genesis, feed)
		}
		if err != nil {
			return err
		}
	}

	domain := crypto.DefaultDomain()
	domain.ChainID = big.NewInt(cfg.API.ChainID)
	server := api.NewServer(ch, api.Config{
		CORSOrigins:       cfg.API.CORSOrigins,
		RequireSignatures: cfg.API.RequireSignatures,
		Domain:            domain,
		ShutdownTimeout:   cfg.ShutdownTimeout,
		Logger:            logger.Named("api"),
		Metrics:           m,
	})

	logger.Info("clearinghouse_starting",
		zap.String("data_dir", cfg.Storage.DataDir),
		zap.Int("markets", len(ch.Markets())),
		zap.Uint64("seq", ch.Seq()),
		zap.Stringer("state_hash", ch.StateHash()),
		zap.Bool("require_signatures", cfg.API.RequireSignatures),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(ctx, cfg.API.Addr) })
	g.Go(func() error {
		checkpoints(ctx, ch, logger)
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	logger.Info("clearinghouse_stopped", zap.Uint64("seq", ch.Seq()), zap.Stringer("state_hash", ch.StateHash()))
	return nil
}

// checkpoints logs the state hash once a minute while trades are settling
func checkpoints(ctx context.Context, ch *clearinghouse.ClearingHouse, logger *zap.Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	last := ch.Seq()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			seq := ch.Seq()
			if seq == last {
				continue
			}
			logger.Info("state_checkpoint",
				zap.Uint64("seq", seq),
				zap.Uint64("trades_since_last", seq-last),
				zap.Stringer("state_hash", ch.StateHash()),
			)
			last = seq
		}
	}
}
