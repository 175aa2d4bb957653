// Command ruleswapd wires every component of the rule-swap automation
// pipeline and runs the poller until an interrupt signal, draining any
// locks it holds before exiting, in the same wiring-then-run shape as the
// teacher's cmd/main.go.
package main

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/redis/go-redis/v9"

	"github.com/blackpool/ruleswap/internal/config"
	"github.com/blackpool/ruleswap/internal/coordinator"
	"github.com/blackpool/ruleswap/internal/lock"
	"github.com/blackpool/ruleswap/internal/marketclient"
	"github.com/blackpool/ruleswap/internal/poller"
	"github.com/blackpool/ruleswap/internal/secret"
	"github.com/blackpool/ruleswap/internal/store"
	"github.com/blackpool/ruleswap/internal/swap"
	"github.com/blackpool/ruleswap/internal/webhook"
	"github.com/blackpool/ruleswap/pkg/contractclient"
	"github.com/blackpool/ruleswap/pkg/txlistener"
	"github.com/blackpool/ruleswap/pkg/util"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to config.yaml")
	marketBaseURL := flag.String("market-url", os.Getenv("RULESWAP_MARKET_URL"), "prediction-market provider base URL")
	marketAPIKey := flag.String("market-key", os.Getenv("RULESWAP_MARKET_API_KEY"), "prediction-market provider API key")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	if err := run(cfg, *marketBaseURL, *marketAPIKey, logger); err != nil {
		logger.Error("ruleswapd exited with error", slog.Any("error", err))
		os.Exit(1)
	}
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func run(cfg *config.Config, marketURL, marketKey string, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	chain, err := ethclient.Dial(cfg.RPC.URL)
	if err != nil {
		return fmt.Errorf("dial rpc: %w", err)
	}

	st, err := store.Open(cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	secrets, err := secret.New(cfg.MasterKeyHex, st.Wallets, st.Audit)
	if err != nil {
		return fmt.Errorf("init secret store: %w", err)
	}

	ownerID := fmt.Sprintf("%s:%d", hostname(), os.Getpid())
	locks := lock.New(st.DB(), redisClient, ownerID)

	routerAddr, routerABIPath, ok := cfg.ContractAddress("router")
	if !ok {
		return errors.New("config: contracts.router is required")
	}
	routerABI, err := util.LoadABI(routerABIPath)
	if err != nil {
		return fmt.Errorf("load router abi: %w", err)
	}
	_, erc20ABIPath, ok := cfg.ContractAddress("erc20")
	if !ok {
		return errors.New("config: contracts.erc20 is required (template ABI for every ERC20 token touched)")
	}
	erc20ABI, err := util.LoadABI(erc20ABIPath)
	if err != nil {
		return fmt.Errorf("load erc20 abi: %w", err)
	}

	routerClient := contractclient.New(chain, common.HexToAddress(routerAddr), routerABI)
	tokenClients := newTokenClientCache(chain, erc20ABI)

	listener := txlistener.NewTxListener(chain,
		txlistener.WithPollInterval(3*time.Second),
		txlistener.WithTimeout(5*time.Minute),
	)
	swapExecutor := swap.New(routerClient, tokenClients.For, listener)

	webhooks := webhook.New(st.Webhooks, webhook.WithLogger(logger))

	breaker := coordinator.NewCircuitBreaker(cfg.Execution.CircuitBreakerWindow, cfg.Execution.CircuitBreakerThreshold)

	mints := marketMintResolver(cfg.Markets)
	balances := contractBalanceReader(tokenClients)
	resolveSigner := func(keyBytes []byte) (*ecdsa.PrivateKey, error) {
		return crypto.ToECDSA(keyBytes)
	}

	coord := coordinator.New(coordinator.Config{
		Rules:            st.Rules,
		Executions:       st.Executions,
		Wallets:          st.Wallets,
		DLQ:              st.DLQ,
		Locks:            locks,
		Secrets:          secrets,
		Swaps:            swapExecutor,
		Webhooks:         webhooks,
		Breaker:          breaker,
		Mints:            mints,
		Balances:         balances,
		ResolveSigner:    resolveSigner,
		ExecutionEnabled: func() bool { return cfg.Execution.Enabled },
		SlippageBps:      cfg.Execution.SlippageToleranceBps,
		Logger:           logger,
	})

	market := marketclient.New(marketURL, marketKey, marketclient.WithLogger(logger))

	p := poller.New(poller.Config{
		Rules:         st.Rules,
		Market:        market,
		Coordinator:   coord,
		PollInterval:  cfg.Poller.Interval,
		MaxConcurrent: cfg.Poller.Workers,
		Logger:        logger,
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case report := <-p.Reports():
				logger.Info("tick complete",
					slog.Int("rules_due", report.RulesDue),
					slog.Int("markets_fetched", report.MarketsFetched),
					slog.Int("markets_failed", report.MarketsFailed),
					slog.Int("triggered", report.Triggered),
					slog.Int("executed", report.Executed),
					slog.Int("failed", report.Failed),
					slog.Duration("duration", report.Duration),
					slog.Bool("paused", report.Paused),
				)
			case <-ctx.Done():
				return
			}
		}
	}()

	runErr := p.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		logger.Error("poller stopped with error", slog.Any("error", runErr))
	}

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelDrain()
	if err := locks.ReleaseAllOwned(drainCtx); err != nil {
		logger.Warn("lock drain failed", slog.Any("error", err))
	}

	wg.Wait()
	return nil
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown-host"
	}
	return h
}

// tokenClientCache memoizes one contractclient.Client per ERC20 address so
// the coordinator/balance reader never rebuilds bindings on every call.
type tokenClientCache struct {
	mu      sync.Mutex
	chain   contractclient.ChainReader
	abi     abi.ABI
	clients map[common.Address]*contractclient.Client
}

func newTokenClientCache(chain contractclient.ChainReader, tokenABI abi.ABI) *tokenClientCache {
	return &tokenClientCache{chain: chain, abi: tokenABI, clients: make(map[common.Address]*contractclient.Client)}
}

func (c *tokenClientCache) For(addr common.Address) *contractclient.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	if client, ok := c.clients[addr]; ok {
		return client
	}
	client := contractclient.New(c.chain, addr, c.abi)
	c.clients[addr] = client
	return client
}

// marketMintResolver adapts the config's static market->token-pair map into
// a coordinator.MintResolver; the rule schema carries only an opaque market
// id, so this mapping cannot live in the database (see DESIGN.md).
func marketMintResolver(markets map[string]config.MarketConfig) coordinator.MintResolver {
	return func(marketID string) (coordinator.MintPair, error) {
		entry, ok := markets[marketID]
		if !ok {
			return coordinator.MintPair{}, fmt.Errorf("no configured token pair for market %q", marketID)
		}
		return coordinator.MintPair{
			Volatile: common.HexToAddress(entry.Volatile),
			Stable:   common.HexToAddress(entry.Stable),
		}, nil
	}
}

// contractBalanceReader reads an ERC20 balance via balanceOf, caching the
// bound client per token through tokenClientCache.
func contractBalanceReader(tokens *tokenClientCache) coordinator.BalanceReader {
	return func(ctx context.Context, token, owner common.Address) (*big.Int, error) {
		client := tokens.For(token)
		out, err := client.Call(&owner, "balanceOf", owner)
		if err != nil {
			return nil, fmt.Errorf("balanceOf %s: %w", token.Hex(), err)
		}
		if len(out) == 0 {
			return nil, fmt.Errorf("balanceOf %s: empty result", token.Hex())
		}
		balance, ok := out[0].(*big.Int)
		if !ok {
			return nil, fmt.Errorf("balanceOf %s: unexpected return type", token.Hex())
		}
		return balance, nil
	}
}
