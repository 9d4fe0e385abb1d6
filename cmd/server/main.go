package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"seipulse/internal/chain"
	"seipulse/internal/config"
	"seipulse/internal/connectivity"
	"seipulse/internal/events"
	"seipulse/internal/kvstore"
	"seipulse/internal/logger"
	"seipulse/internal/prices"
	"seipulse/internal/server"
	"seipulse/internal/txqueue"
	"seipulse/internal/watchlist"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	zl, err := logger.New(cfg.Env)
	if err != nil {
		log.Fatalf("logger error: %v", err)
	}
	defer func() { _ = zl.Sync() }()

	if err := run(cfg, zl); err != nil {
		zl.Fatal("service stopped", zap.Error(err))
	}
}

func run(cfg *config.AppConfig, zl *zap.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var closers []func()
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}()

	store, closeStore, err := openStore(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	closers = append(closers, closeStore)

	pub, closePub := openPublisher(cfg.Events)
	closers = append(closers, closePub)

	var signer chain.Client
	switch cfg.Chain.SignerMode {
	case "evm":
		eth, err := chain.NewEthClient(ctx, chain.EthClientConfig{
			RPCURL:        cfg.Chain.EVMRPC,
			PrivateKeyHex: cfg.Chain.PrivateKey,
			ChainID:       cfg.Chain.EVMChainID,
		})
		if err != nil {
			return fmt.Errorf("signer: %w", err)
		}
		closers = append(closers, eth.Close)
		signer = eth
	case "fake":
		zl.Warn("using the fake signer, transactions are not broadcast")
		signer = chain.FakeClient{}
	}
	if signer != nil {
		zl.Info("signer ready", zap.String("mode", cfg.Chain.SignerMode), zap.String("address", signer.Address()))
	} else {
		zl.Warn("no signer configured, queued transactions stay pending")
	}

	metrics := server.NewMetrics()
	queue, err := txqueue.New(ctx, store, txqueue.Config{
		MaxRetries:    cfg.Queue.MaxRetries,
		RetryDelay:    cfg.Queue.RetryDelay,
		ItemDelay:     cfg.Queue.ItemDelay,
		SubmitTimeout: cfg.Queue.SubmitTimeout,
		Topic:         cfg.Events.Topic,
	},
		txqueue.WithLogger(zl.Named("txqueue")),
		txqueue.WithPublisher(pub),
		txqueue.WithObserver(metrics),
	)
	if err != nil {
		return fmt.Errorf("queue: %w", err)
	}

	lcd := chain.NewRESTClient(chain.RESTClientConfig{
		BaseURL:        cfg.Chain.REST,
		Denom:          cfg.Chain.MinimalDenom,
		Symbol:         cfg.Chain.CoinDenom,
		Decimals:       cfg.Chain.CoinDecimals,
		Tokens:         cfg.Chain.Tokens,
		NFTCollections: cfg.Chain.NFTCollections,
	})
	tm := chain.NewTendermintClient(cfg.Chain.RPC, 0)

	pingers := []connectivity.Pinger{lcd}
	if checker, ok := signer.(chain.HealthChecker); ok {
		pingers = append(pingers, checker)
	}
	monitor := connectivity.NewMonitor(connectivity.All(pingers...), connectivity.Config{
		Interval: cfg.Connectivity.Interval,
		Timeout:  cfg.Connectivity.Timeout,
	}, zl.Named("connectivity"))
	monitor.Subscribe(queue.SetOnline)

	priceClient := prices.NewClient(prices.Config{
		CoinGeckoURL:   cfg.Watchlist.CoinGeckoURL,
		DexScreenerURL: cfg.Watchlist.DexScreenerURL,
		TTL:            cfg.Watchlist.PriceTTL,
	}, zl.Named("prices"))

	wl, err := watchlist.NewService(ctx, store, lcd, priceClient, cfg.Chain.Bech32Prefix, zl.Named("watchlist"),
		watchlist.WithTransactions(tm),
		watchlist.WithMinGap(cfg.Watchlist.BlockMinGap),
	)
	if err != nil {
		return fmt.Errorf("watchlist: %w", err)
	}

	if cfg.Chain.AutoConnect && signer != nil {
		queue.SetClient(signer)
	}

	apiServer := server.NewServer(cfg, server.Deps{
		Queue:        queue,
		Store:        store,
		Signer:       signer,
		Balances:     lcd,
		NFTs:         lcd,
		Watchlist:    wl,
		Prices:       priceClient,
		Connectivity: monitor,
		Metrics:      metrics,
		Logger:       zl.Named("http"),
	})

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		if err := queue.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			zl.Error("queue loop stopped", zap.Error(err))
		}
	}()
	go func() {
		defer wg.Done()
		monitor.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		wl.Run(ctx, cfg.Watchlist.RefreshInterval)
	}()
	if cfg.Watchlist.SubscribeBlocks && cfg.Chain.Websocket != "" {
		blocks := chain.NewBlockSubscriber(cfg.Chain.Websocket, cfg.Watchlist.ReconnectDelay, zl.Named("blocks"))
		wg.Add(1)
		go func() {
			defer wg.Done()
			blocks.Run(ctx, func(int64) { wl.Trigger() })
		}()
	}

	serverErr := make(chan error, 1)
	go func() {
		if err := apiServer.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-ch:
		zl.Info("shutting down", zap.String("signal", sig.String()))
	case err, ok := <-serverErr:
		if ok {
			runErr = fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		zl.Warn("http shutdown", zap.Error(err))
	}
	cancel()
	wg.Wait()
	return runErr
}

func openStore(ctx context.Context, cfg config.StoreConfig) (kvstore.Store, func(), error) {
	switch cfg.Backend {
	case "memory":
		return kvstore.NewMemoryStore(), func() {}, nil
	case "file":
		fs, err := kvstore.NewFileStore(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return fs, func() {}, nil
	case "postgres":
		pg, err := kvstore.NewPostgresStore(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		return pg, pg.Close, nil
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
		rs := kvstore.NewRedisStore(client, cfg.KeyPrefix)
		if err := rs.Ping(ctx); err != nil {
			_ = rs.Close()
			return nil, nil, fmt.Errorf("redis ping: %w", err)
		}
		return rs, func() { _ = rs.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

func openPublisher(cfg config.EventsConfig) (events.Publisher, func()) {
	switch cfg.Backend {
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		return events.NewRedisStreamPublisher(client, cfg.StreamMaxLen), func() { _ = client.Close() }
	case "kafka":
		kp := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.Topic)
		return kp, func() { _ = kp.Close() }
	default:
		return events.Nop{}, func() {}
	}
}
