// Package swap is the Swap Executor (C9), adapted from the teacher's
// Blackhole.Swap/ensureApproval router-swap flow: approve the input token
// for the router (skipping approval when an existing allowance already
// covers the amount), then submit the swap itself, signing through the
// scoped key handler.
package swap

import (
	"context"
	"crypto/ecdsa"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/blackpool/ruleswap/internal/apperr"
	"github.com/blackpool/ruleswap/pkg/contractclient"
	"github.com/blackpool/ruleswap/pkg/txlistener"
	rstypes "github.com/blackpool/ruleswap/pkg/types"
)

// Params describes one swap request.
type Params struct {
	InputMint       common.Address
	OutputMint      common.Address
	AmountBaseUnits *big.Int
	SlippageBps     int
	Payer           common.Address
	Route           []common.Address // router path: input, ...intermediate tokens..., output
	Deadline        *big.Int
}

// Result is the outcome of a successful Execute.
type Result struct {
	Signature common.Hash
	InputAmt  *big.Int
	OutputAmt *big.Int
}

// ConfirmationStatus mirrors the Solana-style commitment states §4.9 asks
// status() to surface, generalized onto EVM-style receipt confirmation.
type ConfirmationStatus string

const (
	StatusPending   ConfirmationStatus = "pending"
	StatusConfirmed ConfirmationStatus = "confirmed"
	StatusFinalized ConfirmationStatus = "finalized"
	StatusFailed    ConfirmationStatus = "failed"
	StatusNotFound  ConfirmationStatus = "not_found"
)

// Executor is the Swap Executor.
type Executor struct {
	router   *contractclient.Client
	token    func(addr common.Address) *contractclient.Client
	listener *txlistener.TxListener
}

// New constructs an Executor. tokenClientFor resolves an ERC20 client for
// any token address the route touches (the input mint, in practice).
func New(router *contractclient.Client, tokenClientFor func(common.Address) *contractclient.Client, listener *txlistener.TxListener) *Executor {
	return &Executor{router: router, token: tokenClientFor, listener: listener}
}

// Execute builds, approves-if-needed, signs, and submits the swap, awaiting
// confirmation within the listener's configured timeout.
func (e *Executor) Execute(ctx context.Context, params Params, signer *ecdsa.PrivateKey) (Result, error) {
	if len(params.Route) < 2 {
		return Result{}, apperr.Newf("swap.execute", apperr.RouteUnavailable, "route must have at least 2 hops")
	}
	if params.AmountBaseUnits == nil || params.AmountBaseUnits.Sign() <= 0 {
		return Result{}, apperr.Newf("swap.execute", apperr.InsufficientFunds, "amount must be positive")
	}

	tokenClient := e.token(params.InputMint)
	if tokenClient == nil {
		return Result{}, apperr.Newf("swap.execute", apperr.RouteUnavailable, "no client for input mint %s", params.InputMint.Hex())
	}

	if err := e.ensureApproval(tokenClient, params.Payer, e.router.ContractAddress(), params.AmountBaseUnits, signer); err != nil {
		return Result{}, err
	}

	minOut := minAmountOut(params.AmountBaseUnits, params.SlippageBps)

	sig, err := e.router.Send(
		rstypes.WaitForReceipt,
		nil,
		&params.Payer,
		signer,
		"swapExactTokensForTokens",
		params.AmountBaseUnits,
		minOut,
		params.Route,
		params.Payer,
		params.Deadline,
	)
	if err != nil {
		return Result{}, apperr.New("swap.execute", apperr.UpstreamTransient, err)
	}

	receipt, err := e.listener.WaitForTransactionCtx(ctx, sig)
	if err != nil {
		return Result{}, apperr.New("swap.execute", apperr.ConfirmationTimeout, err)
	}
	if !receipt.Succeeded() {
		return Result{}, apperr.Newf("swap.execute", apperr.UpstreamProtocol, "swap transaction %s reverted", sig.Hex())
	}

	return Result{Signature: sig, InputAmt: params.AmountBaseUnits, OutputAmt: minOut}, nil
}

// ensureApproval checks the router's current allowance and only submits an
// approval transaction (awaiting its confirmation) when it is insufficient.
func (e *Executor) ensureApproval(tokenClient *contractclient.Client, owner, spender common.Address, amount *big.Int, signer *ecdsa.PrivateKey) error {
	out, err := tokenClient.Call(&owner, "allowance", owner, spender)
	if err != nil {
		return apperr.New("swap.ensure_approval", apperr.UpstreamTransient, err)
	}
	if len(out) == 0 {
		return apperr.Newf("swap.ensure_approval", apperr.UpstreamProtocol, "empty allowance response")
	}
	currentAllowance, ok := out[0].(*big.Int)
	if !ok {
		return apperr.Newf("swap.ensure_approval", apperr.UpstreamProtocol, "unexpected allowance type")
	}
	if currentAllowance.Cmp(amount) >= 0 {
		return nil
	}

	approveTx, err := tokenClient.Send(rstypes.WaitForReceipt, nil, &owner, signer, "approve", spender, amount)
	if err != nil {
		return apperr.New("swap.ensure_approval", apperr.UpstreamTransient, err)
	}

	receipt, err := e.listener.WaitForTransaction(approveTx)
	if err != nil {
		return apperr.New("swap.ensure_approval", apperr.ConfirmationTimeout, err)
	}
	if !receipt.Succeeded() {
		return apperr.Newf("swap.ensure_approval", apperr.UpstreamProtocol, "approval transaction %s reverted", approveTx.Hex())
	}
	return nil
}

// minAmountOut applies slippage tolerance (in basis points) to amountIn as a
// 1:1 floor. No price quote is fetched: this floor is the amountOutMin the
// router is given.
func minAmountOut(amountIn *big.Int, slippageBps int) *big.Int {
	if slippageBps < 0 {
		slippageBps = 0
	}
	remaining := big.NewInt(int64(10000 - slippageBps))
	result := new(big.Int).Mul(amountIn, remaining)
	return result.Div(result, big.NewInt(10000))
}

// Status reports the confirmation state of a previously submitted swap,
// used by the Execution Coordinator to reconcile an execution row found
// with an existing tx signature.
func (e *Executor) Status(ctx context.Context, signature common.Hash) (ConfirmationStatus, error) {
	receipt, err := e.listener.WaitForTransactionCtx(ctx, signature)
	if err != nil {
		if ctx.Err() != nil {
			return StatusPending, nil
		}
		return StatusNotFound, nil
	}
	if !receipt.Succeeded() {
		return StatusFailed, nil
	}
	return StatusFinalized, nil
}
