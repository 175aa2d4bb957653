package util

import (
	"fmt"
	"math/big"

	rstypes "github.com/blackpool/ruleswap/pkg/types"
)

// ExtractGasCost computes gas_used * effective_gas_price from a confirmed
// receipt, populating the optional gas accounting columns on an execution row.
func ExtractGasCost(receipt *rstypes.TxReceipt) (*big.Int, error) {
	if receipt == nil {
		return nil, fmt.Errorf("extract gas cost: nil receipt")
	}

	gasUsed, ok := new(big.Int).SetString(receipt.GasUsed, 0)
	if !ok {
		return nil, fmt.Errorf("extract gas cost: invalid gas_used %q", receipt.GasUsed)
	}
	gasPrice, ok := new(big.Int).SetString(receipt.EffectiveGasPrice, 0)
	if !ok {
		return nil, fmt.Errorf("extract gas cost: invalid effective_gas_price %q", receipt.EffectiveGasPrice)
	}

	return new(big.Int).Mul(gasUsed, gasPrice), nil
}

// CalculateMinAmount applies a slippage tolerance (in whole percent) to a
// desired output amount, returning the minimum acceptable amount to pass to
// the router's amountOutMin / amountInMax argument.
func CalculateMinAmount(desired *big.Int, slippagePct int) *big.Int {
	if desired == nil {
		return big.NewInt(0)
	}
	if slippagePct < 0 {
		slippagePct = 0
	}
	if slippagePct > 100 {
		slippagePct = 100
	}

	remaining := big.NewInt(int64(100 - slippagePct))
	result := new(big.Int).Mul(desired, remaining)
	return result.Div(result, big.NewInt(100))
}

// CalculateSwapAmount computes floor(balance * fractionPct / 100), adapted
// from the teacher's CalculateRebalanceAmounts to size a rule-triggered swap
// off a wallet's current balance of the source asset.
func CalculateSwapAmount(balance *big.Int, fractionPct int) (*big.Int, error) {
	if balance == nil || balance.Sign() < 0 {
		return nil, fmt.Errorf("calculate swap amount: invalid balance")
	}
	if fractionPct < 1 || fractionPct > 100 {
		return nil, fmt.Errorf("calculate swap amount: swap_fraction_pct %d out of range [1,100]", fractionPct)
	}

	amount := new(big.Int).Mul(balance, big.NewInt(int64(fractionPct)))
	return amount.Div(amount, big.NewInt(100)), nil
}
