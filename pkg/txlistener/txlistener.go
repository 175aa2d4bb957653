// Package txlistener polls a chain connection for a transaction's receipt,
// adapted from the teacher's inline WaitForTransaction usage in blackhole.go
// into a standalone, option-configured listener.
package txlistener

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	rstypes "github.com/blackpool/ruleswap/pkg/types"
)

// ReceiptFetcher is the subset of ethclient.Client needed to poll for a receipt.
type ReceiptFetcher interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// TxListener polls for a transaction receipt until it appears or the
// configured timeout elapses.
type TxListener struct {
	chain        ReceiptFetcher
	pollInterval time.Duration
	timeout      time.Duration
}

// Option configures a TxListener.
type Option func(*TxListener)

// WithPollInterval sets how often the listener re-checks for a receipt.
func WithPollInterval(d time.Duration) Option {
	return func(l *TxListener) { l.pollInterval = d }
}

// WithTimeout bounds how long WaitForTransaction will wait before giving up.
func WithTimeout(d time.Duration) Option {
	return func(l *TxListener) { l.timeout = d }
}

// NewTxListener constructs a TxListener with sane defaults (3s poll, 2m timeout),
// overridable via options.
func NewTxListener(chain ReceiptFetcher, opts ...Option) *TxListener {
	l := &TxListener{
		chain:        chain,
		pollInterval: 3 * time.Second,
		timeout:      2 * time.Minute,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// ErrConfirmationTimeout is returned when no receipt appears within the
// configured timeout — callers surface this as apperr.ConfirmationTimeout.
var ErrConfirmationTimeout = errors.New("txlistener: confirmation timed out")

// WaitForTransaction blocks until the transaction identified by hash is
// mined (successfully or reverted) or the listener's timeout elapses —
// whichever comes first.
func (l *TxListener) WaitForTransaction(hash common.Hash) (*rstypes.TxReceipt, error) {
	return l.WaitForTransactionCtx(context.Background(), hash)
}

// WaitForTransactionCtx is WaitForTransaction with explicit cancellation,
// used by the Swap Executor so confirmation respects TRANSACTION_TIMEOUT.
func (l *TxListener) WaitForTransactionCtx(ctx context.Context, hash common.Hash) (*rstypes.TxReceipt, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := l.chain.TransactionReceipt(ctx, hash)
		if err == nil {
			return toReceipt(hash, receipt), nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s", ErrConfirmationTimeout, hash.Hex())
		case <-ticker.C:
		}
	}
}

func toReceipt(hash common.Hash, r *types.Receipt) *rstypes.TxReceipt {
	status := "0x0"
	if r.Status == types.ReceiptStatusSuccessful {
		status = "0x1"
	}
	gasPrice := r.EffectiveGasPrice
	if gasPrice == nil {
		gasPrice = big.NewInt(0)
	}
	return &rstypes.TxReceipt{
		TxHash:            hash.Hex(),
		BlockNumber:       r.BlockNumber.String(),
		BlockHash:         r.BlockHash.Hex(),
		GasUsed:           fmt.Sprintf("%d", r.GasUsed),
		EffectiveGasPrice: gasPrice.String(),
		Status:            status,
	}
}
