package swap_test

import (
	"context"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/blackpool/ruleswap/internal/apperr"
	"github.com/blackpool/ruleswap/internal/swap"
	"github.com/blackpool/ruleswap/pkg/contractclient"
	"github.com/blackpool/ruleswap/pkg/txlistener"
)

const routerABIJSON = `[
	{"type":"function","name":"swapExactTokensForTokens","stateMutability":"nonpayable",
	 "inputs":[{"name":"amountIn","type":"uint256"},{"name":"amountOutMin","type":"uint256"},
	 {"name":"path","type":"address[]"},{"name":"to","type":"address"},{"name":"deadline","type":"uint256"}],
	 "outputs":[{"name":"amounts","type":"uint256[]"}]}
]`

const erc20ABIJSON = `[
	{"type":"function","name":"allowance","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]}
]`

type fakeChain struct {
	allowance   *big.Int
	nonce       uint64
	gasPrice    *big.Int
	gasEstimate uint64
	chainID     *big.Int
	receiptErr  error
	receiptOK   bool
	erc20       abi.ABI
}

func (f *fakeChain) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return f.erc20.Methods["allowance"].Outputs.Pack(f.allowance)
}
func (f *fakeChain) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return f.nonce, nil
}
func (f *fakeChain) SuggestGasPrice(ctx context.Context) (*big.Int, error) { return f.gasPrice, nil }
func (f *fakeChain) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	return f.gasEstimate, nil
}
func (f *fakeChain) SendTransaction(ctx context.Context, tx *types.Transaction) error { return nil }
func (f *fakeChain) TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	return nil, false, nil
}
func (f *fakeChain) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	if f.receiptErr != nil {
		return nil, f.receiptErr
	}
	status := types.ReceiptStatusFailed
	if f.receiptOK {
		status = types.ReceiptStatusSuccessful
	}
	return &types.Receipt{Status: status, EffectiveGasPrice: big.NewInt(1)}, nil
}
func (f *fakeChain) ChainID(ctx context.Context) (*big.Int, error) { return f.chainID, nil }
func (f *fakeChain) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	return big.NewInt(0), nil
}

func mustParse(t *testing.T, j string) abi.ABI {
	t.Helper()
	parsed, err := abi.JSON(strings.NewReader(j))
	require.NoError(t, err)
	return parsed
}

func newExecutor(t *testing.T, chain *fakeChain) *swap.Executor {
	t.Helper()
	router := contractclient.New(chain, common.HexToAddress("0xaaaa000000000000000000000000000000aaaa"), mustParse(t, routerABIJSON))
	token := contractclient.New(chain, common.HexToAddress("0xbbbb000000000000000000000000000000bbbb"), mustParse(t, erc20ABIJSON))
	listener := txlistener.NewTxListener(chain, txlistener.WithPollInterval(10*time.Millisecond), txlistener.WithTimeout(200*time.Millisecond))
	return swap.New(router, func(common.Address) *contractclient.Client { return token }, listener)
}

func baseParams() swap.Params {
	key, _ := crypto.GenerateKey()
	payer := crypto.PubkeyToAddress(key.PublicKey)
	return swap.Params{
		InputMint:       common.HexToAddress("0xbbbb000000000000000000000000000000bbbb"),
		OutputMint:      common.HexToAddress("0xcccc000000000000000000000000000000cccc"),
		AmountBaseUnits: big.NewInt(1_000_000),
		SlippageBps:     50,
		Payer:           payer,
		Route:           []common.Address{common.HexToAddress("0xbbbb000000000000000000000000000000bbbb"), common.HexToAddress("0xcccc000000000000000000000000000000cccc")},
		Deadline:        big.NewInt(time.Now().Add(time.Hour).Unix()),
	}
}

func TestExecuteSkipsApprovalWithSufficientAllowance(t *testing.T) {
	chain := &fakeChain{
		allowance:   big.NewInt(10_000_000),
		gasPrice:    big.NewInt(1),
		gasEstimate: 21000,
		chainID:     big.NewInt(43114),
		receiptOK:   true,
		erc20:       mustParse(t, erc20ABIJSON),
	}
	exec := newExecutor(t, chain)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	params := baseParams()
	params.Payer = crypto.PubkeyToAddress(key.PublicKey)

	result, err := exec.Execute(context.Background(), params, key)
	require.NoError(t, err)
	require.Equal(t, params.AmountBaseUnits, result.InputAmt)
	require.NotNil(t, result.OutputAmt)
}

func TestExecuteApprovesWhenAllowanceInsufficient(t *testing.T) {
	chain := &fakeChain{
		allowance:   big.NewInt(0),
		gasPrice:    big.NewInt(1),
		gasEstimate: 21000,
		chainID:     big.NewInt(43114),
		receiptOK:   true,
		erc20:       mustParse(t, erc20ABIJSON),
	}
	exec := newExecutor(t, chain)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	params := baseParams()
	params.Payer = crypto.PubkeyToAddress(key.PublicKey)

	result, err := exec.Execute(context.Background(), params, key)
	require.NoError(t, err)
	require.NotNil(t, result.Signature)
}

func TestExecuteRejectsShortRoute(t *testing.T) {
	chain := &fakeChain{erc20: mustParse(t, erc20ABIJSON)}
	exec := newExecutor(t, chain)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	params := baseParams()
	params.Route = []common.Address{params.InputMint}

	_, err = exec.Execute(context.Background(), params, key)
	require.Error(t, err)
	kind, ok := apperr.KindOf(err)
	require.True(t, ok)
	require.Equal(t, apperr.RouteUnavailable, kind)
}

func TestExecuteRejectsNonPositiveAmount(t *testing.T) {
	chain := &fakeChain{erc20: mustParse(t, erc20ABIJSON)}
	exec := newExecutor(t, chain)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	params := baseParams()
	params.AmountBaseUnits = big.NewInt(0)

	_, err = exec.Execute(context.Background(), params, key)
	require.Error(t, err)
	kind, _ := apperr.KindOf(err)
	require.Equal(t, apperr.InsufficientFunds, kind)
}

func TestExecuteSurfacesRevertedSwap(t *testing.T) {
	chain := &fakeChain{
		allowance:   big.NewInt(10_000_000),
		gasPrice:    big.NewInt(1),
		gasEstimate: 21000,
		chainID:     big.NewInt(43114),
		receiptOK:   false,
		erc20:       mustParse(t, erc20ABIJSON),
	}
	exec := newExecutor(t, chain)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	params := baseParams()
	params.Payer = crypto.PubkeyToAddress(key.PublicKey)

	_, err = exec.Execute(context.Background(), params, key)
	require.Error(t, err)
	kind, _ := apperr.KindOf(err)
	require.Equal(t, apperr.UpstreamProtocol, kind)
}

func TestStatusReturnsFinalizedOnSuccess(t *testing.T) {
	chain := &fakeChain{receiptOK: true, erc20: mustParse(t, erc20ABIJSON)}
	exec := newExecutor(t, chain)

	status, err := exec.Status(context.Background(), common.HexToHash("0xdead"))
	require.NoError(t, err)
	require.Equal(t, swap.StatusFinalized, status)
}

func TestStatusReturnsFailedOnRevert(t *testing.T) {
	chain := &fakeChain{receiptOK: false, erc20: mustParse(t, erc20ABIJSON)}
	exec := newExecutor(t, chain)

	status, err := exec.Status(context.Background(), common.HexToHash("0xdead"))
	require.NoError(t, err)
	require.Equal(t, swap.StatusFailed, status)
}
