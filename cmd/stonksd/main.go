package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"github.com/uhyunpark/stonks/params"
	"github.com/uhyunpark/stonks/pkg/api"
	"github.com/uhyunpark/stonks/pkg/app/issuer"
	"github.com/uhyunpark/stonks/pkg/app/order"
	"github.com/uhyunpark/stonks/pkg/converter"
	"github.com/uhyunpark/stonks/pkg/crypto"
	"github.com/uhyunpark/stonks/pkg/ledger"
	"github.com/uhyunpark/stonks/pkg/oracle"
	"github.com/uhyunpark/stonks/pkg/p2p"
	"github.com/uhyunpark/stonks/pkg/settlement"
	"github.com/uhyunpark/stonks/pkg/storage"
	"github.com/uhyunpark/stonks/pkg/util"
)

func main() {
	// Load config from .env file and environment variables, then the YAML file
	cfg, err := params.LoadFromEnv("")
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := cfg.LoadFile(cfg.Node.ConfigFile); err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	// LOG_FILE=- logs to stdout only
	var logger *zap.Logger
	if cfg.Node.LogFile != "-" {
		logger, err = util.NewLoggerWithFile(cfg.Node.LogFile, cfg.Node.LogLevel)
	} else {
		logger, err = util.NewLogger(cfg.Node.LogLevel)
	}
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", cfg.Node.LogFile, "level", cfg.Node.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Storage ----
	store, err := storage.NewPebbleStore(cfg.Node.DBPath)
	if err != nil {
		sugar.Fatalw("pebble_open_failed", "path", cfg.Node.DBPath, "err", err)
	}
	defer store.Close()

	// ---- Ledger ----
	l := ledger.New(store)
	for _, t := range cfg.Tokens {
		l.RegisterToken(t.Address, t.Symbol, t.Decimals)
	}
	if err := restoreLedger(l, store, cfg.Seeds, sugar); err != nil {
		sugar.Fatalw("ledger_restore_failed", "err", err)
	}

	// ---- Oracle ----
	registry, devnet, err := newRegistry(ctx, cfg.Oracle, sugar)
	if err != nil {
		sugar.Fatalw("oracle_init_failed", "err", err)
	}

	conv, err := converter.New(converter.Config{
		SellTokens:   cfg.AllowedSellTokens(),
		BuyTokens:    cfg.AllowedBuyTokens(),
		Denomination: cfg.Oracle.Denomination,
		MaxPriceAge:  cfg.Oracle.MaxPriceAge,
	}, registry, l, util.RealClock{}, sugar)
	if err != nil {
		sugar.Fatalw("converter_init_failed", "err", err)
	}

	// ---- Issuer ----
	is, err := issuer.New(issuer.Config{
		Address:           cfg.Issuer.Address,
		TokenFrom:         cfg.Issuer.TokenFrom,
		TokenTo:           cfg.Issuer.TokenTo,
		Receiver:          cfg.Issuer.Receiver,
		Policy:            order.Policy{Operator: cfg.Issuer.Operator, Agent: cfg.Issuer.Agent},
		MarginBps:         cfg.Issuer.MarginBps,
		PriceToleranceBps: cfg.Issuer.PriceToleranceBps,
		ValidityWindow:    cfg.Issuer.ValidityWindow,
	}, conv, l, store, util.RealClock{}, sugar)
	if err != nil {
		sugar.Fatalw("issuer_init_failed", "err", err)
	}
	if err := is.Restore(ctx); err != nil {
		sugar.Fatalw("issuer_restore_failed", "err", err)
	}

	// ---- API Server ----
	apiServer := api.NewServer(is, l, sugar)
	is.AddSink(apiServer.Hub())
	if devnet {
		// Without a chain there is no settlement contract, so fills happen in-process
		apiServer.WithSettler(settlement.NewSettler(l, sugar))
	}

	// ---- Journal ----
	if cfg.Node.JournalPath != "" {
		j, err := storage.NewFileJournal(cfg.Node.JournalPath)
		if err != nil {
			sugar.Fatalw("journal_open_failed", "path", cfg.Node.JournalPath, "err", err)
		}
		defer j.Close()
		is.AddSink(issuer.NewJournalSink(j))
	}

	// ---- Gossip ----
	if cfg.Node.Listen != "" {
		g, err := startGossip(ctx, cfg.Node, is, sugar)
		if err != nil {
			sugar.Fatalw("libp2p_init_failed", "err", err)
		}
		defer g.Close()
		g.SetHandlers(apiServer.RemoteHandlers())
		is.AddSink(g)

		for _, p := range g.Host().Network().Peers() {
			n, err := g.SyncHistory(ctx, p)
			if err != nil {
				sugar.Warnw("history_sync_failed", "peer", p.String(), "err", err)
				continue
			}
			sugar.Infow("history_synced", "peer", p.String(), "orders", n)
		}
	}

	go func() {
		if err := apiServer.Start(cfg.Node.APIAddr); err != nil {
			sugar.Fatalw("api_server_failed", "err", err)
		}
	}()

	p := is.OrderParameters()
	sugar.Infow("node_starting",
		"issuer", p.Address.Hex(),
		"token_from", p.TokenFrom.Hex(),
		"token_to", p.TokenTo.Hex(),
		"margin_bps", p.MarginBps,
		"tolerance_bps", p.PriceToleranceBps,
		"restored_orders", len(is.Instances()),
		"devnet", devnet)

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		sugar.Warnw("api_shutdown_failed", "err", err)
	}
	sugar.Info("node_stopped")
}

// restoreLedger replays persisted balances, or seeds a fresh database
func restoreLedger(l *ledger.Ledger, store *storage.PebbleStore, seeds []params.Seed, sugar *zap.SugaredLogger) error {
	entries, err := store.LoadBalances()
	if err != nil {
		return err
	}
	if len(entries) > 0 {
		l.Restore(entries)
		sugar.Infow("ledger_restored", "entries", len(entries))
		return nil
	}

	for _, s := range seeds {
		if err := l.Mint(ledger.Token(s.Token), s.Holder, s.Amount); err != nil {
			return err
		}
		sugar.Infow("ledger_seeded", "token", l.Symbol(s.Token), "holder", s.Holder.Hex(), "amount", s.Amount.String())
	}
	return nil
}

// newRegistry dials Chainlink when an RPC endpoint is set, otherwise serves the configured static prices.
// The bool reports devnet mode (static prices).
func newRegistry(ctx context.Context, cfg params.Oracle, sugar *zap.SugaredLogger) (oracle.FeedRegistry, bool, error) {
	if cfg.RPCURL != "" {
		client, err := ethclient.DialContext(ctx, cfg.RPCURL)
		if err != nil {
			return nil, false, err
		}
		reg, err := oracle.NewChainlinkRegistry(client, cfg.FeedRegistry)
		if err != nil {
			return nil, false, err
		}
		sugar.Infow("oracle_chainlink", "rpc", cfg.RPCURL, "registry", cfg.FeedRegistry.Hex())
		return reg, false, nil
	}

	reg := oracle.NewStaticRegistry()
	stamp := func(now time.Time) {
		for _, p := range cfg.StaticPrices {
			reg.SetPrice(p.Base, p.Quote, p.Answer, p.Decimals, now)
		}
	}
	stamp(time.Now())

	// Static answers never go stale on a devnet
	refresh := cfg.MaxPriceAge / 2
	if refresh <= 0 {
		refresh = time.Hour
	}
	go func() {
		ticker := time.NewTicker(refresh)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				stamp(now)
			}
		}
	}()

	sugar.Infow("oracle_static", "feeds", len(cfg.StaticPrices))
	return reg, true, nil
}

func startGossip(ctx context.Context, cfg params.Node, is *issuer.Issuer, sugar *zap.SugaredLogger) (*p2p.OrderGossip, error) {
	var signer *crypto.Signer
	var err error
	if cfg.NodeKey != "" {
		signer, err = crypto.FromPrivateKeyHex(cfg.NodeKey)
	} else {
		signer, err = crypto.GenerateKey()
		sugar.Warnw("node_key_ephemeral", "hint", "set NODE_KEY so peers can trust this node across restarts")
	}
	if err != nil {
		return nil, err
	}

	g, err := p2p.NewOrderGossip(ctx, p2p.Config{
		ListenAddr: cfg.Listen,
		Bootstrap:  cfg.Bootstrap,
		Signer:     signer,
		Hasher:     is.Hasher(),
		Issuer:     is.Address(),
		Trusted:    cfg.Trusted,
		Logger:     sugar,
	})
	if err != nil {
		return nil, err
	}
	for _, a := range g.Addrs() {
		sugar.Infow("libp2p_listening", "addr", a)
	}
	return g, nil
}
