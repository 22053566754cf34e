package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rpc"

	"revertprobe/internal/config"
	"revertprobe/internal/contract"
	"revertprobe/internal/history"
	"revertprobe/internal/server"
	"revertprobe/internal/session"
	"revertprobe/internal/txflow"
	"revertprobe/internal/wallet"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	logger := setupLogging(os.Stderr, cfg.Service)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openHistory(ctx, cfg.History)
	if err != nil {
		log.Crit("History store error", "err", err)
	}
	defer closeStore()

	var node contract.Backend
	if cfg.Chain.ReadRPCURL != "" {
		ec, err := contract.DialNode(ctx, cfg.Chain.ReadRPCURL, cfg.Network.ChainID)
		if err != nil {
			log.Crit("Read node error", "url", cfg.Chain.ReadRPCURL, "err", err)
		}
		defer ec.Close()
		node = ec
	}

	chain, err := contract.New(contract.Config{
		Address:        common.HexToAddress(cfg.Contract.Address),
		ChainID:        cfg.Network.ChainID,
		PollInterval:   cfg.Confirmation.PollInterval,
		ConfirmTimeout: cfg.Confirmation.Timeout,
		Node:           node,
	}, logger)
	if err != nil {
		log.Crit("Contract client error", "err", err)
	}

	sessions := session.NewManager(toNetwork(cfg.Network),
		session.WithWatchInterval(cfg.Session.WatchInterval),
		session.WithLogger(logger),
	)
	metrics := server.NewMetrics()
	controller, err := txflow.NewController(txflow.Config{
		Operations:       cfg.Contract.Operations,
		CounterFunction:  cfg.Contract.CounterFunction,
		HistoryRetention: cfg.History.Retention,
	}, sessions, chain,
		txflow.WithHistory(store),
		txflow.WithObserver(metrics),
		txflow.WithLogger(logger),
	)
	if err != nil {
		log.Crit("Transaction controller error", "err", err)
	}

	bus := wallet.NewBus()
	for _, wc := range cfg.Wallets {
		client, err := rpc.DialContext(ctx, wc.URL)
		if err != nil {
			logger.Warn("Wallet endpoint unavailable", "name", wc.Name, "url", wc.URL, "err", err)
			continue
		}
		defer client.Close()
		detail := wallet.Detail{
			Info:     wallet.ProviderInfo{UUID: wc.UUID, Name: wc.Name, Icon: wc.Icon, RDNS: wc.RDNS},
			Provider: client,
		}
		go wallet.NewAnnouncer(bus, detail, logger).Run(ctx)
	}

	apiServer := server.NewServer(cfg, server.Deps{
		Registry:   wallet.NewRegistry(bus, logger),
		Sessions:   sessions,
		Controller: controller,
		History:    store,
		Node:       chain,
		Metrics:    metrics,
		Logger:     logger,
	})

	go func() {
		if err := apiServer.Start(); err != nil {
			logger.Error("API server stopped", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")
	sessions.Disconnect()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Service.ShutdownTimeout)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Shutdown incomplete", "err", err)
	}
}

func setupLogging(w io.Writer, svc config.ServiceConfig) log.Logger {
	level, err := log.LvlFromString(svc.LogLevel)
	if err != nil {
		level = log.LevelInfo
	}
	var logger log.Logger
	if strings.EqualFold(svc.LogFormat, "json") {
		logger = log.NewLogger(log.JSONHandlerWithLevel(w, level))
	} else {
		logger = log.NewLogger(log.NewTerminalHandlerWithLevel(w, level, isTerminal(w)))
	}
	log.SetDefault(logger)
	if err != nil {
		logger.Warn("Unknown log level, using info", "level", svc.LogLevel)
	}
	return logger
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	info, err := f.Stat()
	return err == nil && info.Mode()&os.ModeCharDevice != 0
}

// openHistory prefers Postgres when a DSN is configured and falls back to the JSON file.
func openHistory(ctx context.Context, cfg config.HistoryConfig) (history.Store, func(), error) {
	if cfg.PostgresDSN != "" {
		pg, err := history.NewPostgresStore(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres: %w", err)
		}
		return pg, pg.Close, nil
	}
	fs, err := history.NewFileStore(cfg.StorePath)
	if err != nil {
		return nil, nil, fmt.Errorf("file %s: %w", cfg.StorePath, err)
	}
	return fs, func() {}, nil
}

func toNetwork(n config.NetworkConfig) session.Network {
	return session.Network{
		ChainID: n.ChainID,
		Name:    n.Name,
		Currency: session.Currency{
			Name:     n.Currency.Name,
			Symbol:   n.Currency.Symbol,
			Decimals: n.Currency.Decimals,
		},
		RPCURLs:     n.RPCURLs,
		ExplorerURL: n.ExplorerURL,
	}
}
