// Package contractclient wraps a single on-chain contract (address + ABI)
// behind a small Call/Send interface, adapted from the teacher's inline
// router/ERC20/pool clients in blackhole.go into a standalone, reusable type.
package contractclient

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	rstypes "github.com/blackpool/ruleswap/pkg/types"
)

// ChainReader is the subset of ethclient.Client the contract client needs;
// accepting an interface keeps tests independent of a live RPC endpoint.
type ChainReader interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	ChainID(ctx context.Context) (*big.Int, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

var _ ChainReader = (*ethclient.Client)(nil)

// Client is a single (address, ABI) pair bound to a chain connection.
// One Client exists per contract the system needs to read or write:
// the swap router, each ERC20 token, and any pool state contract.
type Client struct {
	chain   ChainReader
	address common.Address
	abi     abi.ABI
}

// New binds a chain connection to a contract address and its parsed ABI.
func New(chain ChainReader, address common.Address, contractABI abi.ABI) *Client {
	return &Client{chain: chain, address: address, abi: contractABI}
}

// ContractAddress returns the bound contract's address.
func (c *Client) ContractAddress() common.Address {
	return c.address
}

// Abi exposes the parsed ABI so callers can hand-pack multicall payloads,
// mirroring the teacher's use of farmingCenterClient.Abi().Pack(...).
func (c *Client) Abi() abi.ABI {
	return c.abi
}

// Call performs a read-only eth_call and decodes the outputs per the ABI.
// A nil caller omits the `from` field, matching go-ethereum's default behavior.
func (c *Client) Call(caller *common.Address, method string, args ...interface{}) ([]interface{}, error) {
	input, err := c.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}

	msg := ethereum.CallMsg{To: &c.address, Data: input}
	if caller != nil {
		msg.From = *caller
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, err := c.chain.CallContract(ctx, msg, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}

	return c.abi.Unpack(method, out)
}

// Send builds, signs with signer, and broadcasts a transaction invoking
// method on the bound contract. gasLimit == nil triggers automatic
// estimation. Returns the submitted transaction hash.
func (c *Client) Send(
	kind rstypes.SendKind,
	gasLimit *uint64,
	from *common.Address,
	signer *ecdsa.PrivateKey,
	method string,
	args ...interface{},
) (common.Hash, error) {
	if signer == nil {
		return common.Hash{}, fmt.Errorf("send %s: signer is nil", method)
	}

	input, err := c.abi.Pack(method, args...)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pack %s: %w", method, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	nonce, err := c.chain.PendingNonceAt(ctx, *from)
	if err != nil {
		return common.Hash{}, fmt.Errorf("nonce for %s: %w", method, err)
	}

	gasPrice, err := c.chain.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("gas price for %s: %w", method, err)
	}

	limit := uint64(0)
	if gasLimit != nil {
		limit = *gasLimit
	} else {
		estimated, err := c.chain.EstimateGas(ctx, ethereum.CallMsg{
			From: *from,
			To:   &c.address,
			Data: input,
		})
		if err != nil {
			return common.Hash{}, fmt.Errorf("estimate gas for %s: %w", method, err)
		}
		limit = estimated + estimated/5 // 20% buffer, matches typical mempool tolerance
	}

	chainID, err := c.chain.ChainID(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("chain id for %s: %w", method, err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &c.address,
		Value:    big.NewInt(0),
		Gas:      limit,
		GasPrice: gasPrice,
		Data:     input,
	})

	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(chainID), signer)
	if err != nil {
		return common.Hash{}, fmt.Errorf("sign %s: %w", method, err)
	}

	if err := c.chain.SendTransaction(ctx, signedTx); err != nil {
		return common.Hash{}, fmt.Errorf("broadcast %s: %w", method, err)
	}

	if kind == rstypes.WaitForReceipt {
		for {
			_, err := c.chain.TransactionReceipt(ctx, signedTx.Hash())
			if err == nil {
				break
			}
			select {
			case <-ctx.Done():
				return signedTx.Hash(), fmt.Errorf("await %s receipt: %w", method, err)
			case <-time.After(time.Second):
			}
		}
	}

	return signedTx.Hash(), nil
}

// TransactionData fetches the raw input data of a previously submitted transaction.
func (c *Client) TransactionData(hash common.Hash) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tx, _, err := c.chain.TransactionByHash(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("fetch tx %s: %w", hash.Hex(), err)
	}
	return tx.Data(), nil
}

// DecodeTransaction decodes raw calldata (method selector + packed args)
// into a method name and named parameters.
func (c *Client) DecodeTransaction(data []byte) (*rstypes.DecodedCall, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("decode transaction: calldata too short")
	}

	method, err := c.abi.MethodById(data[:4])
	if err != nil {
		return nil, fmt.Errorf("decode transaction: %w", err)
	}

	args := make(map[string]interface{})
	if err := method.Inputs.UnpackIntoMap(args, data[4:]); err != nil {
		return nil, fmt.Errorf("decode transaction: unpack %s: %w", method.Name, err)
	}

	return &rstypes.DecodedCall{MethodName: method.Name, Parameter: args}, nil
}

// ParseReceipt decodes every log in the receipt that matches this contract's
// ABI events into a JSON array, used to pull emitted ids (e.g. tx signatures,
// position ids) out of a confirmed transaction.
func (c *Client) ParseReceipt(receipt *rstypes.TxReceipt) (string, error) {
	if receipt == nil {
		return "", fmt.Errorf("parse receipt: nil receipt")
	}

	hash := common.HexToHash(receipt.TxHash)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	raw, err := c.chain.TransactionReceipt(ctx, hash)
	if err != nil {
		return "", fmt.Errorf("parse receipt: %w", err)
	}

	var events []rstypes.DecodedEvent
	for _, log := range raw.Logs {
		if len(log.Topics) == 0 {
			continue
		}
		event, err := c.abi.EventByID(log.Topics[0])
		if err != nil {
			continue // log from an event not in this contract's ABI
		}

		params := make(map[string]interface{})
		if len(log.Data) > 0 {
			if err := event.Inputs.UnpackIntoMap(params, log.Data); err != nil {
				continue
			}
		}
		for i, input := range event.Inputs {
			if input.Indexed && i < len(log.Topics)-1 {
				params[input.Name] = log.Topics[i+1].Hex()
			}
		}

		events = append(events, rstypes.DecodedEvent{EventName: event.Name, Parameter: params})
	}

	out, err := json.Marshal(events)
	if err != nil {
		return "", fmt.Errorf("parse receipt: marshal events: %w", err)
	}
	return string(out), nil
}

// AddressFromHex is a small convenience used by config wiring.
func AddressFromHex(hex string) common.Address {
	return common.HexToAddress(hex)
}

// PrivateKeyFromHex parses a hex-encoded ECDSA private key, used only inside
// the scoped key handler's callback — never stored.
func PrivateKeyFromHex(hex string) (*ecdsa.PrivateKey, error) {
	return crypto.HexToECDSA(strings.TrimPrefix(hex, "0x"))
}
