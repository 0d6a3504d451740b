package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"swapescrow/internal/cache"
	"swapescrow/internal/config"
	"swapescrow/internal/idempotency"
	"swapescrow/internal/ledger"
	"swapescrow/internal/ledger/ledgertest"
	"swapescrow/internal/server"
	"swapescrow/internal/session"
	"swapescrow/internal/wallet"
)

const purgeInterval = time.Hour

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config error")
	}
	setupLogging(cfg.Log)
	logger := log.Logger

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	w, err := loadWallet(cfg.Chain)
	if err != nil {
		logger.Fatal().Err(err).Msg("wallet error")
	}

	conn, err := connect(cfg.Chain, w, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("ledger error")
	}

	store, err := openStore(ctx, cfg.Service, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("idempotency store error")
	}

	c, err := cache.New(cfg.Service.CacheSize, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("cache error")
	}
	metrics := server.NewMetrics(c)

	sess := session.New(conn, w, c,
		session.WithProgramID(cfg.Chain.ProgramID),
		session.WithLogger(logger),
		session.WithObserver(metrics.Observe),
	)
	if key, ok := sess.Identity(); ok {
		logger.Info().Stringer("wallet", key).Msg("signer loaded")
	} else {
		logger.Warn().Msg("no signer configured; create, fulfil and cancel are unavailable")
	}

	apiServer := server.NewServer(cfg, sess, conn, store, metrics, logger)

	go func() {
		if err := apiServer.Start(); err != nil {
			logger.Info().Err(err).Msg("server stopped")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = apiServer.Shutdown(shutdownCtx)
	if closer, ok := store.(interface{ Close() }); ok {
		closer.Close()
	}
}

func setupLogging(cfg config.LogConfig) {
	if cfg.Format == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	} else {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}

	switch strings.TrimSpace(strings.ToUpper(cfg.Level)) {
	case "DEBUG":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "WARN":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "ERROR":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

func loadWallet(cfg config.ChainConfig) (wallet.Wallet, error) {
	if cfg.KeypairPath != "" {
		return wallet.FromKeygenFile(cfg.KeypairPath)
	}
	if cfg.Ledger == config.LedgerFake {
		return wallet.NewKeypair(solana.NewWallet().PrivateKey), nil
	}
	return wallet.Disconnected{}, nil
}

func connect(cfg config.ChainConfig, w wallet.Wallet, logger zerolog.Logger) (ledger.Connection, error) {
	if cfg.Ledger != config.LedgerFake {
		return ledger.NewRPC(ledger.RPCConfig{
			URL:        cfg.RPCURL,
			Commitment: cfg.Commitment,
			PollEvery:  cfg.ConfirmPoll,
		}, logger)
	}

	// Local demo: two mints and a funded signer.
	fake := ledgertest.New(cfg.ProgramID)
	mintA := fake.CreateMint(6)
	mintB := fake.CreateMint(8)
	if key, ok := w.PublicKey(); ok {
		fake.Airdrop(key, 10*solana.LAMPORTS_PER_SOL)
		fake.MintTo(key, mintA, 1_000_000_000_000)
		fake.MintTo(key, mintB, 1_000_000_000_000)
	}
	logger.Info().Stringer("mint_a", mintA).Stringer("mint_b", mintB).Msg("using in-memory ledger")
	return fake, nil
}

func openStore(ctx context.Context, cfg config.ServiceConfig, logger zerolog.Logger) (idempotency.Store, error) {
	if cfg.PostgresDSN == "" {
		return idempotency.NewFileStore(cfg.IdempotencyStorePath)
	}
	store, err := idempotency.NewPostgresStore(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, err
	}
	go func() {
		ticker := time.NewTicker(purgeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := store.Purge(ctx)
				if err != nil {
					logger.Warn().Err(err).Msg("purge expired submissions")
					continue
				}
				logger.Debug().Int64("purged", n).Msg("purged expired submissions")
			}
		}
	}()
	return store, nil
}
