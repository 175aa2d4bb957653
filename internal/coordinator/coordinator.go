// Package coordinator is the Execution Coordinator (C10) — the heart of the
// system: it turns one triggered rule into a signed, confirmed, persisted
// swap, fanning out webhooks and routing terminal failures to the dead
// letter queue, grounded on the teacher's RunStrategy1 orchestration loop
// fused with the Executor.process dispatch pattern used elsewhere in the
// pack for per-task lock/execute/release cycles.
package coordinator

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/blackpool/ruleswap/internal/apperr"
	"github.com/blackpool/ruleswap/internal/evaluator"
	"github.com/blackpool/ruleswap/internal/lock"
	"github.com/blackpool/ruleswap/internal/secret"
	"github.com/blackpool/ruleswap/internal/store"
	"github.com/blackpool/ruleswap/internal/swap"
	"github.com/blackpool/ruleswap/internal/webhook"
)

// MintPair is the (volatile, stable) token pair backing a market's swap
// route. Markets are not stored with their underlying tokens in the rule
// schema, so the coordinator is handed a resolver rather than reading it
// from a table — see DESIGN.md's Open Question resolution.
type MintPair struct {
	Volatile common.Address
	Stable   common.Address
}

// MintResolver maps a market id to its underlying token pair.
type MintResolver func(marketID string) (MintPair, error)

// BalanceReader reads an ERC20 balance for owner, used for the funding
// check and swap amount computation.
type BalanceReader func(ctx context.Context, token, owner common.Address) (*big.Int, error)

// SignerResolver recovers the ECDSA signer for a wallet's public address,
// used only inside the scoped key handler callback.
type SignerResolver func(keyBytes []byte) (*ecdsa.PrivateKey, error)

// Result is the outcome of ExecuteRule.
type Result struct {
	Success     bool
	ExecutionID uint64
	Message     string
}

// Coordinator is the Execution Coordinator.
type Coordinator struct {
	rules      *store.RuleRepo
	executions *store.ExecutionRepo
	wallets    *store.WalletRepo
	dlq        *store.DLQRepo
	locks      *lock.Manager
	secrets    *secret.Store
	swaps      *swap.Executor
	webhooks   *webhook.Dispatcher
	breaker    *CircuitBreaker

	mints            MintResolver
	balances         BalanceReader
	resolveSigner    SignerResolver
	executionEnabled func() bool
	slippageBps      int
	logger           *slog.Logger
}

// Config bundles the coordinator's constructor dependencies.
type Config struct {
	Rules            *store.RuleRepo
	Executions       *store.ExecutionRepo
	Wallets          *store.WalletRepo
	DLQ              *store.DLQRepo
	Locks            *lock.Manager
	Secrets          *secret.Store
	Swaps            *swap.Executor
	Webhooks         *webhook.Dispatcher
	Breaker          *CircuitBreaker
	Mints            MintResolver
	Balances         BalanceReader
	ResolveSigner    SignerResolver
	ExecutionEnabled func() bool
	SlippageBps      int
	Logger           *slog.Logger
}

// New constructs a Coordinator.
func New(cfg Config) *Coordinator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		rules:            cfg.Rules,
		executions:       cfg.Executions,
		wallets:          cfg.Wallets,
		dlq:              cfg.DLQ,
		locks:            cfg.Locks,
		secrets:          cfg.Secrets,
		swaps:            cfg.Swaps,
		webhooks:         cfg.Webhooks,
		breaker:          cfg.Breaker,
		mints:            cfg.Mints,
		balances:         cfg.Balances,
		resolveSigner:    cfg.ResolveSigner,
		executionEnabled: cfg.ExecutionEnabled,
		slippageBps:      cfg.SlippageBps,
		logger:           logger,
	}
}

// ExecuteRule runs the full 11-step algorithm of §4.10 for one triggered
// rule against the sample that tripped its threshold.
func (c *Coordinator) ExecuteRule(ctx context.Context, rule store.Rule, sample evaluator.Sample) Result {
	// 1. Kill-switch.
	if c.executionEnabled != nil && !c.executionEnabled() {
		return Result{Success: false, Message: "disabled"}
	}

	if c.breaker != nil && c.breaker.Tripped(rule.ID) {
		return Result{Success: false, Message: "circuit breaker tripped"}
	}

	// 2. Lock.
	acquired, err := c.locks.Acquire(ctx, rule.ID)
	if err != nil {
		c.logger.Warn("lock acquire failed", slog.Uint64("rule_id", rule.ID), slog.Any("error", err))
		return Result{Success: false, Message: "lock error"}
	}
	if !acquired.Acquired {
		return Result{Success: false, Message: fmt.Sprintf("locked by %s", acquired.HeldBy)}
	}
	defer func() {
		if err := c.locks.Release(ctx, rule.ID); err != nil {
			c.logger.Warn("lock release failed", slog.Uint64("rule_id", rule.ID), slog.Any("error", err))
		}
	}()

	now := time.Now().UTC()
	snapshot, err := json.Marshal(sample)
	if err != nil {
		return Result{Success: false, Message: "snapshot encode failed"}
	}

	// 3. Idempotent execution row.
	exec, isNew, err := c.executions.CreateOrGet(rule.ID, now, string(snapshot))
	if err != nil {
		return Result{Success: false, Message: "execution row failed"}
	}
	if !isNew {
		return c.reconcileExisting(ctx, exec)
	}

	// 4. Status & fan-out.
	if err := c.rules.Transition(rule.ID, store.RuleActive, store.RuleTriggered, false); err != nil {
		c.logger.Warn("rule transition to triggered failed", slog.Uint64("rule_id", rule.ID), slog.Any("error", err))
	}
	c.webhooks.Notify(ctx, webhook.Event{Kind: store.EventRuleTriggered, UserID: rule.UserID, RuleID: rule.ID, Message: "rule threshold crossed", Timestamp: now})
	c.webhooks.Notify(ctx, webhook.Event{Kind: store.EventExecutionStarted, UserID: rule.UserID, RuleID: rule.ID, Message: "execution started", Timestamp: now})

	success, message := c.runSwap(ctx, rule, exec)

	if success {
		return Result{Success: true, ExecutionID: exec.ID, Message: message}
	}
	return Result{Success: false, ExecutionID: exec.ID, Message: message}
}

// reconcileExisting implements step 3's "not new" branch: check the chain
// state of a previously submitted signature rather than re-submitting.
func (c *Coordinator) reconcileExisting(ctx context.Context, exec *store.Execution) Result {
	if exec.TxSignature == nil {
		return Result{Success: false, ExecutionID: exec.ID, Message: "already in progress"}
	}

	status, err := c.swaps.Status(ctx, common.HexToHash(*exec.TxSignature))
	if err != nil {
		return Result{Success: false, ExecutionID: exec.ID, Message: "already in progress"}
	}
	if status == swap.StatusConfirmed || status == swap.StatusFinalized {
		return Result{Success: true, ExecutionID: exec.ID, Message: "already confirmed"}
	}
	return Result{Success: false, ExecutionID: exec.ID, Message: "already in progress"}
}

// runSwap covers steps 5-10: funding check, route/amount, signed swap,
// persistence, and the success/failure branches.
func (c *Coordinator) runSwap(ctx context.Context, rule store.Rule, exec *store.Execution) (bool, string) {
	currentStatus := store.RuleTriggered

	wallet, err := c.wallets.Get(rule.WalletID)
	if err != nil {
		return c.fail(ctx, rule, currentStatus, exec, apperr.New("coordinator.run_swap", apperr.StoreFailure, err))
	}
	owner := common.HexToAddress(wallet.PublicAddress)

	pair, err := c.mints(rule.MarketID)
	if err != nil {
		return c.fail(ctx, rule, currentStatus, exec, err)
	}
	inputMint, outputMint := routeFor(rule.Action, pair)

	// 5. Funding check.
	balance, err := c.balances(ctx, inputMint, owner)
	if err != nil {
		return c.fail(ctx, rule, currentStatus, exec, apperr.New("coordinator.run_swap", apperr.UpstreamTransient, err))
	}
	if balance == nil || balance.Sign() == 0 {
		return c.fail(ctx, rule, currentStatus, exec, apperr.Newf("coordinator.run_swap", apperr.InsufficientFunds, "wallet %s has zero balance", wallet.PublicAddress))
	}

	// 6. Route selection & amount.
	amount := floorFraction(balance, rule.SwapFractionPct)
	if amount.Sign() == 0 {
		return c.fail(ctx, rule, currentStatus, exec, apperr.Newf("coordinator.run_swap", apperr.InsufficientFunds, "computed swap amount is zero"))
	}

	if err := c.rules.Transition(rule.ID, store.RuleTriggered, store.RuleExecuting, false); err != nil {
		c.logger.Warn("rule transition to executing failed", slog.Uint64("rule_id", rule.ID), slog.Any("error", err))
	}
	currentStatus = store.RuleExecuting

	// 7. Signed swap, inside the scoped key handler.
	result, err := secret.WithKey(wallet.Ciphertext, wallet.IV, wallet.AuthTag, c.secrets.MasterKey(fmt.Sprintf("rule:%d", rule.ID)),
		func(keyBytes []byte) (swap.Result, error) {
			signer, err := c.resolveSigner(keyBytes)
			if err != nil {
				return swap.Result{}, apperr.New("coordinator.run_swap", apperr.CryptoIntegrity, err)
			}
			params := swap.Params{
				InputMint:       inputMint,
				OutputMint:      outputMint,
				AmountBaseUnits: amount,
				SlippageBps:     c.slippageBps,
				Payer:           owner,
				Route:           []common.Address{inputMint, outputMint},
				Deadline:        big.NewInt(time.Now().Add(10 * time.Minute).Unix()),
			}
			return c.swaps.Execute(ctx, params, signer)
		})
	if err != nil {
		return c.fail(ctx, rule, currentStatus, exec, err)
	}

	// 8. Persist tx.
	if err := c.executions.AttachTx(exec.ID, result.Signature.Hex(), result.Signature.Hex()); err != nil {
		c.logger.Warn("attach tx failed", slog.Uint64("execution_id", exec.ID), slog.Any("error", err))
	}

	// 9. Success.
	if err := c.executions.MarkExecuted(exec.ID, result.Signature.Hex()); err != nil {
		c.logger.Warn("mark executed failed", slog.Uint64("execution_id", exec.ID), slog.Any("error", err))
	}
	if err := c.rules.Transition(rule.ID, store.RuleExecuting, store.RuleExecuted, false); err != nil {
		c.logger.Warn("rule transition to executed failed", slog.Uint64("rule_id", rule.ID), slog.Any("error", err))
	}
	if err := c.rules.Transition(rule.ID, store.RuleExecuted, store.RuleActive, true); err != nil {
		c.logger.Warn("rule transition back to active failed", slog.Uint64("rule_id", rule.ID), slog.Any("error", err))
	}
	c.webhooks.Notify(ctx, webhook.Event{Kind: store.EventExecutionSucceeded, UserID: rule.UserID, RuleID: rule.ID, Message: "swap executed", Timestamp: time.Now().UTC()})

	return true, "executed"
}

// fail implements step 10: mark the execution failed, route to the DLQ,
// and leave the rule FAILED (paused) or return it to ACTIVE depending on
// whether the DLQ threshold was reached.
func (c *Coordinator) fail(ctx context.Context, rule store.Rule, from store.RuleStatus, exec *store.Execution, cause error) (bool, string) {
	if err := c.executions.MarkFailed(exec.ID, cause); err != nil {
		c.logger.Warn("mark failed failed", slog.Uint64("execution_id", exec.ID), slog.Any("error", err))
	}
	c.webhooks.Notify(ctx, webhook.Event{Kind: store.EventExecutionFailed, UserID: rule.UserID, RuleID: rule.ID, Message: cause.Error(), Timestamp: time.Now().UTC()})

	if c.breaker != nil {
		if kind, ok := apperr.KindOf(cause); ok {
			c.breaker.RecordError(rule.ID, time.Now().UTC(), !apperr.Retryable(kind))
		}
	}

	result, err := c.dlq.HandleFailure(exec.ID, cause)
	if err != nil {
		c.logger.Warn("dlq handle failure failed", slog.Uint64("execution_id", exec.ID), slog.Any("error", err))
	}

	if result.Moved {
		if err := c.rules.Transition(rule.ID, from, store.RuleFailed, false); err != nil {
			c.logger.Warn("rule transition to failed failed", slog.Uint64("rule_id", rule.ID), slog.Any("error", err))
		}
		c.webhooks.Notify(ctx, webhook.Event{Kind: store.EventRulePaused, UserID: rule.UserID, RuleID: rule.ID, Message: "rule paused after repeated failures", Timestamp: time.Now().UTC()})
	} else {
		if err := c.rules.Transition(rule.ID, from, store.RuleFailed, false); err != nil {
			c.logger.Warn("rule transition to failed failed", slog.Uint64("rule_id", rule.ID), slog.Any("error", err))
		}
		if err := c.rules.Transition(rule.ID, store.RuleFailed, store.RuleActive, false); err != nil {
			c.logger.Warn("rule transition back to active failed", slog.Uint64("rule_id", rule.ID), slog.Any("error", err))
		}
	}

	return false, cause.Error()
}

// routeFor derives (input, output) mints from the rule's action.
func routeFor(action store.RuleAction, pair MintPair) (input, output common.Address) {
	if action == store.ActionToStable {
		return pair.Volatile, pair.Stable
	}
	return pair.Stable, pair.Volatile
}

// floorFraction computes floor(balance * pct / 100).
func floorFraction(balance *big.Int, pct int) *big.Int {
	result := new(big.Int).Mul(balance, big.NewInt(int64(pct)))
	return result.Div(result, big.NewInt(100))
}
