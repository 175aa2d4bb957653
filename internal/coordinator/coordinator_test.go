package coordinator_test

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/blackpool/ruleswap/internal/coordinator"
	"github.com/blackpool/ruleswap/internal/evaluator"
	"github.com/blackpool/ruleswap/internal/lock"
	"github.com/blackpool/ruleswap/internal/secret"
	"github.com/blackpool/ruleswap/internal/store"
	"github.com/blackpool/ruleswap/internal/swap"
	"github.com/blackpool/ruleswap/internal/webhook"
	"github.com/blackpool/ruleswap/pkg/contractclient"
	"github.com/blackpool/ruleswap/pkg/txlistener"
	"github.com/blackpool/ruleswap/pkg/util"
)

const masterKeyHex = "0102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f20"

// newRedisOrSkip mirrors the same localhost-Redis integration pattern used
// by the lock package's own tests.
func newRedisOrSkip(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skip("skipping coordinator test: redis not available on localhost:6379")
	}
	return client
}

func newMockStore(t *testing.T) (*store.Store, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	gormDB, err := gorm.Open(mysql.New(mysql.Config{
		Conn:                      sqlDB,
		SkipInitializeWithVersion: true,
	}), &gorm.Config{})
	require.NoError(t, err)

	st, err := store.OpenWithDB(gormDB, false)
	require.NoError(t, err)
	return st, mock
}

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
	allowance *big.Int
	receiptOK bool
	erc20     abi.ABI
}

func (f *fakeChain) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return f.erc20.Methods["allowance"].Outputs.Pack(f.allowance)
}
func (f *fakeChain) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return 1, nil
}
func (f *fakeChain) SuggestGasPrice(ctx context.Context) (*big.Int, error) { return big.NewInt(1), nil }
func (f *fakeChain) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	return 21000, nil
}
func (f *fakeChain) SendTransaction(ctx context.Context, tx *types.Transaction) error { return nil }
func (f *fakeChain) TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	return nil, false, nil
}
func (f *fakeChain) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	status := types.ReceiptStatusFailed
	if f.receiptOK {
		status = types.ReceiptStatusSuccessful
	}
	return &types.Receipt{Status: status, EffectiveGasPrice: big.NewInt(1)}, nil
}
func (f *fakeChain) ChainID(ctx context.Context) (*big.Int, error) { return big.NewInt(43114), nil }
func (f *fakeChain) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	return big.NewInt(0), nil
}

func mustParseABI(t *testing.T, j string) abi.ABI {
	t.Helper()
	parsed, err := abi.JSON(strings.NewReader(j))
	require.NoError(t, err)
	return parsed
}

func newSwapExecutor(t *testing.T, receiptOK bool) *swap.Executor {
	t.Helper()
	chain := &fakeChain{allowance: big.NewInt(1_000_000_000), receiptOK: receiptOK, erc20: mustParseABI(t, erc20ABIJSON)}
	router := contractclient.New(chain, common.HexToAddress("0xaaaa000000000000000000000000000000aaaa"), mustParseABI(t, routerABIJSON))
	token := contractclient.New(chain, common.HexToAddress("0xbbbb000000000000000000000000000000bbbb"), mustParseABI(t, erc20ABIJSON))
	listener := txlistener.NewTxListener(chain, txlistener.WithPollInterval(5*time.Millisecond), txlistener.WithTimeout(200*time.Millisecond))
	return swap.New(router, func(common.Address) *contractclient.Client { return token }, listener)
}

func encryptedWallet(t *testing.T) (ciphertext, iv, authTag []byte, keyBytes []byte, address common.Address) {
	t.Helper()
	master, err := hex.DecodeString(masterKeyHex)
	require.NoError(t, err)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	plaintext := crypto.FromECDSA(key)
	ciphertext, iv, authTag, err = util.EncryptKey(master, plaintext)
	require.NoError(t, err)
	return ciphertext, iv, authTag, plaintext, crypto.PubkeyToAddress(key.PublicKey)
}

func newCoordinator(t *testing.T, st *store.Store, locks *lock.Manager, receiptOK bool) *coordinator.Coordinator {
	t.Helper()
	secrets, err := secret.New(masterKeyHex, st.Wallets, st.Audit)
	require.NoError(t, err)

	mints := func(marketID string) (coordinator.MintPair, error) {
		return coordinator.MintPair{
			Volatile: common.HexToAddress("0xbbbb000000000000000000000000000000bbbb"),
			Stable:   common.HexToAddress("0xcccc000000000000000000000000000000cccc"),
		}, nil
	}
	balances := func(ctx context.Context, token, owner common.Address) (*big.Int, error) {
		return big.NewInt(1_000_000), nil
	}
	resolveSigner := func(keyBytes []byte) (*ecdsa.PrivateKey, error) {
		return crypto.ToECDSA(keyBytes)
	}

	return coordinator.New(coordinator.Config{
		Rules:            st.Rules,
		Executions:       st.Executions,
		Wallets:          st.Wallets,
		DLQ:              st.DLQ,
		Locks:            locks,
		Secrets:          secrets,
		Swaps:            newSwapExecutor(t, receiptOK),
		Webhooks:         webhook.New(st.Webhooks),
		Breaker:          coordinator.NewCircuitBreaker(time.Hour, 3),
		Mints:            mints,
		Balances:         balances,
		ResolveSigner:    resolveSigner,
		ExecutionEnabled: func() bool { return true },
		SlippageBps:      50,
	})
}

func expectEmptyWebhookLookup(mock sqlmock.Sqlmock) {
	mock.ExpectQuery("SELECT (.+) FROM `webhooks`").
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "kind", "destination", "event_mask", "enabled", "failure_count"}))
}

func baseRule() store.Rule {
	return store.Rule{
		ID:              1,
		UserID:          7,
		WalletID:        5,
		MarketID:        "m1",
		Condition:       store.ConditionAbove,
		Threshold:       0.5,
		Action:          store.ActionToStable,
		SwapFractionPct: 10,
		Status:          store.RuleActive,
	}
}

func baseSample() evaluator.Sample {
	return evaluator.Sample{MarketID: "m1", Probability: 0.6, ObservedAt: time.Now().UTC()}
}

func TestExecuteRuleSkipsWhenKillSwitchDisabled(t *testing.T) {
	st, _ := newMockStore(t)
	coord := coordinator.New(coordinator.Config{
		Rules:            st.Rules,
		Executions:       st.Executions,
		Wallets:          st.Wallets,
		DLQ:              st.DLQ,
		Webhooks:         webhook.New(st.Webhooks),
		ExecutionEnabled: func() bool { return false },
	})

	result := coord.ExecuteRule(context.Background(), baseRule(), baseSample())
	require.False(t, result.Success)
	require.Equal(t, "disabled", result.Message)
}

func TestExecuteRuleSkipsWhenCircuitBreakerTripped(t *testing.T) {
	st, _ := newMockStore(t)
	breaker := coordinator.NewCircuitBreaker(time.Hour, 1)
	breaker.RecordError(1, time.Now().UTC(), true)

	coord := coordinator.New(coordinator.Config{
		Rules:            st.Rules,
		Executions:       st.Executions,
		Wallets:          st.Wallets,
		DLQ:              st.DLQ,
		Webhooks:         webhook.New(st.Webhooks),
		Breaker:          breaker,
		ExecutionEnabled: func() bool { return true },
	})

	result := coord.ExecuteRule(context.Background(), baseRule(), baseSample())
	require.False(t, result.Success)
	require.Equal(t, "circuit breaker tripped", result.Message)
}

func TestExecuteRuleReturnsWhenLockNotAcquired(t *testing.T) {
	redisClient := newRedisOrSkip(t)
	defer redisClient.FlushDB(context.Background())
	require.NoError(t, redisClient.Set(context.Background(), "ruleswap:lock:1", "someone-else:1", 5*time.Minute).Err())

	st, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM `execution_locks`").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	locks := lock.New(st.DB(), redisClient, "owner-test")
	coord := newCoordinator(t, st, locks, true)

	result := coord.ExecuteRule(context.Background(), baseRule(), baseSample())
	require.False(t, result.Success)
	require.Contains(t, result.Message, "locked by")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExecuteRuleReconcilesInProgressExecution(t *testing.T) {
	redisClient := newRedisOrSkip(t)
	defer redisClient.FlushDB(context.Background())

	st, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM `execution_locks`").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO `execution_locks`").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()
	mock.ExpectQuery("SELECT \\* FROM `execution_locks`").
		WillReturnRows(sqlmock.NewRows([]string{"rule_id", "owner_id", "acquired_at", "expires_at"}).
			AddRow(1, "owner-test", time.Now(), time.Now().Add(5*time.Minute)))

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO `executions`").WillReturnError(&dupKeyErr{})
	mock.ExpectRollback()
	mock.ExpectQuery("SELECT (.+) FROM `executions`").
		WillReturnRows(sqlmock.NewRows([]string{"id", "rule_id", "idempotency_key", "status", "tx_signature"}).
			AddRow(9, 1, "somekey", "EXECUTING", nil))

	mock.ExpectQuery("SELECT \\* FROM `execution_locks`").
		WillReturnRows(sqlmock.NewRows([]string{"rule_id", "owner_id", "lock_value", "acquired_at", "expires_at"}).
			AddRow(1, "owner-test", "owner-test:1", time.Now(), time.Now().Add(5*time.Minute)))
	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM `execution_locks`").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	locks := lock.New(st.DB(), redisClient, "owner-test")
	coord := newCoordinator(t, st, locks, true)

	result := coord.ExecuteRule(context.Background(), baseRule(), baseSample())
	require.False(t, result.Success)
	require.Equal(t, uint64(9), result.ExecutionID)
	require.Equal(t, "already in progress", result.Message)
	require.NoError(t, mock.ExpectationsWereMet())
}

type dupKeyErr struct{}

func (e *dupKeyErr) Error() string { return "Error 1062: Duplicate entry 'x' for key 'idempotency_key'" }

func TestExecuteRuleFullHappyPath(t *testing.T) {
	redisClient := newRedisOrSkip(t)
	defer redisClient.FlushDB(context.Background())

	st, mock := newMockStore(t)
	ciphertext, iv, authTag, _, address := encryptedWallet(t)

	// 1. lock acquire.
	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM `execution_locks`").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO `execution_locks`").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()
	mock.ExpectQuery("SELECT \\* FROM `execution_locks`").
		WillReturnRows(sqlmock.NewRows([]string{"rule_id", "owner_id", "acquired_at", "expires_at"}).
			AddRow(1, "owner-test", time.Now(), time.Now().Add(5*time.Minute)))

	// 2. idempotent execution row.
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO `executions`").WillReturnResult(sqlmock.NewResult(101, 1))
	mock.ExpectCommit()

	// 3. rule ACTIVE -> TRIGGERED, fan-out.
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE `rules`").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	expectEmptyWebhookLookup(mock)
	expectEmptyWebhookLookup(mock)

	// wallet lookup.
	mock.ExpectQuery("SELECT \\* FROM `automation_wallets`").
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "public_address", "ciphertext", "iv", "auth_tag", "key_version"}).
			AddRow(5, 7, address.Hex(), ciphertext, iv, authTag, 1))

	// rule TRIGGERED -> EXECUTING.
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE `rules`").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	// secret access audit.
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO `secrets_audit`").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	// 8. persist signature.
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE `executions`").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	// 9. mark executed.
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE `executions`").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	// rule EXECUTING -> EXECUTED.
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE `rules`").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	// rule EXECUTED -> ACTIVE.
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE `rules`").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	expectEmptyWebhookLookup(mock)

	// lock release.
	mock.ExpectQuery("SELECT \\* FROM `execution_locks`").
		WillReturnRows(sqlmock.NewRows([]string{"rule_id", "owner_id", "lock_value", "acquired_at", "expires_at"}).
			AddRow(1, "owner-test", "owner-test:1", time.Now(), time.Now().Add(5*time.Minute)))
	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM `execution_locks`").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	locks := lock.New(st.DB(), redisClient, "owner-test")
	coord := newCoordinator(t, st, locks, true)

	result := coord.ExecuteRule(context.Background(), baseRule(), baseSample())
	require.True(t, result.Success)
	require.Equal(t, uint64(101), result.ExecutionID)
	require.Equal(t, "executed", result.Message)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExecuteRuleFailsFundingCheckAndRetriesImmediately(t *testing.T) {
	redisClient := newRedisOrSkip(t)
	defer redisClient.FlushDB(context.Background())

	st, mock := newMockStore(t)
	_, _, _, _, address := encryptedWallet(t)
	ciphertext := []byte("x")
	iv := []byte("y")
	authTag := []byte("z")

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM `execution_locks`").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO `execution_locks`").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()
	mock.ExpectQuery("SELECT \\* FROM `execution_locks`").
		WillReturnRows(sqlmock.NewRows([]string{"rule_id", "owner_id", "acquired_at", "expires_at"}).
			AddRow(1, "owner-test", time.Now(), time.Now().Add(5*time.Minute)))

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO `executions`").WillReturnResult(sqlmock.NewResult(202, 1))
	mock.ExpectCommit()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE `rules`").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	expectEmptyWebhookLookup(mock)
	expectEmptyWebhookLookup(mock)

	mock.ExpectQuery("SELECT \\* FROM `automation_wallets`").
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "public_address", "ciphertext", "iv", "auth_tag", "key_version"}).
			AddRow(5, 7, address.Hex(), ciphertext, iv, authTag, 1))

	// fail(): mark execution failed, webhook, dlq handle failure (retry count 1 < MaxRetries).
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE `executions`").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	expectEmptyWebhookLookup(mock)
	mock.ExpectQuery("SELECT \\* FROM `executions`").
		WillReturnRows(sqlmock.NewRows([]string{"id", "rule_id", "retry_count"}).AddRow(202, 1, 0))
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE `executions`").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	// rule TRIGGERED -> FAILED -> ACTIVE (immediate retry, DLQ threshold not reached).
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE `rules`").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE `rules`").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	mock.ExpectQuery("SELECT \\* FROM `execution_locks`").
		WillReturnRows(sqlmock.NewRows([]string{"rule_id", "owner_id", "lock_value", "acquired_at", "expires_at"}).
			AddRow(1, "owner-test", "owner-test:1", time.Now(), time.Now().Add(5*time.Minute)))
	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM `execution_locks`").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	locks := lock.New(st.DB(), redisClient, "owner-test")

	secrets, err := secret.New(masterKeyHex, st.Wallets, st.Audit)
	require.NoError(t, err)

	coord := coordinator.New(coordinator.Config{
		Rules:      st.Rules,
		Executions: st.Executions,
		Wallets:    st.Wallets,
		DLQ:        st.DLQ,
		Locks:      locks,
		Secrets:    secrets,
		Swaps:      newSwapExecutor(t, true),
		Webhooks:   webhook.New(st.Webhooks),
		Breaker:    coordinator.NewCircuitBreaker(time.Hour, 3),
		Mints: func(marketID string) (coordinator.MintPair, error) {
			return coordinator.MintPair{
				Volatile: common.HexToAddress("0xbbbb000000000000000000000000000000bbbb"),
				Stable:   common.HexToAddress("0xcccc000000000000000000000000000000cccc"),
			}, nil
		},
		Balances: func(ctx context.Context, token, owner common.Address) (*big.Int, error) {
			return big.NewInt(0), nil
		},
		ResolveSigner:    func(keyBytes []byte) (*ecdsa.PrivateKey, error) { return crypto.ToECDSA(keyBytes) },
		ExecutionEnabled: func() bool { return true },
		SlippageBps:      50,
	})

	result := coord.ExecuteRule(context.Background(), baseRule(), baseSample())
	require.False(t, result.Success)
	require.Equal(t, uint64(202), result.ExecutionID)
	require.Contains(t, result.Message, "zero balance")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExecuteRuleFailsFundingCheckAndReachesDLQThreshold(t *testing.T) {
	redisClient := newRedisOrSkip(t)
	defer redisClient.FlushDB(context.Background())

	st, mock := newMockStore(t)
	_, _, _, _, address := encryptedWallet(t)
	ciphertext := []byte("x")
	iv := []byte("y")
	authTag := []byte("z")

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM `execution_locks`").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO `execution_locks`").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()
	mock.ExpectQuery("SELECT \\* FROM `execution_locks`").
		WillReturnRows(sqlmock.NewRows([]string{"rule_id", "owner_id", "acquired_at", "expires_at"}).
			AddRow(1, "owner-test", time.Now(), time.Now().Add(5*time.Minute)))

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO `executions`").WillReturnResult(sqlmock.NewResult(202, 1))
	mock.ExpectCommit()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE `rules`").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	expectEmptyWebhookLookup(mock)
	expectEmptyWebhookLookup(mock)

	mock.ExpectQuery("SELECT \\* FROM `automation_wallets`").
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "public_address", "ciphertext", "iv", "auth_tag", "key_version"}).
			AddRow(5, 7, address.Hex(), ciphertext, iv, authTag, 1))

	// fail(): mark execution failed, webhook, dlq handle failure (retry count
	// 2 -> 3 reaches MaxRetries, so a DLQ row gets created this time).
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE `executions`").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	expectEmptyWebhookLookup(mock)
	mock.ExpectQuery("SELECT \\* FROM `executions`").
		WillReturnRows(sqlmock.NewRows([]string{"id", "rule_id", "retry_count"}).AddRow(202, 1, 2))
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE `executions`").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectQuery("SELECT \\* FROM `dead_letter_queue`").
		WillReturnRows(sqlmock.NewRows([]string{"id", "execution_id", "failure_reason", "retry_count", "moved_at", "status", "resolution_notes"}))
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO `dead_letter_queue`").WillReturnResult(sqlmock.NewResult(9, 1))
	mock.ExpectCommit()

	// rule TRIGGERED -> FAILED only; DLQ threshold reached, rule stays paused.
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE `rules`").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	expectEmptyWebhookLookup(mock)

	mock.ExpectQuery("SELECT \\* FROM `execution_locks`").
		WillReturnRows(sqlmock.NewRows([]string{"rule_id", "owner_id", "lock_value", "acquired_at", "expires_at"}).
			AddRow(1, "owner-test", "owner-test:1", time.Now(), time.Now().Add(5*time.Minute)))
	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM `execution_locks`").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	locks := lock.New(st.DB(), redisClient, "owner-test")

	secrets, err := secret.New(masterKeyHex, st.Wallets, st.Audit)
	require.NoError(t, err)

	coord := coordinator.New(coordinator.Config{
		Rules:      st.Rules,
		Executions: st.Executions,
		Wallets:    st.Wallets,
		DLQ:        st.DLQ,
		Locks:      locks,
		Secrets:    secrets,
		Swaps:      newSwapExecutor(t, true),
		Webhooks:   webhook.New(st.Webhooks),
		Breaker:    coordinator.NewCircuitBreaker(time.Hour, 3),
		Mints: func(marketID string) (coordinator.MintPair, error) {
			return coordinator.MintPair{
				Volatile: common.HexToAddress("0xbbbb000000000000000000000000000000bbbb"),
				Stable:   common.HexToAddress("0xcccc000000000000000000000000000000cccc"),
			}, nil
		},
		Balances: func(ctx context.Context, token, owner common.Address) (*big.Int, error) {
			return big.NewInt(0), nil
		},
		ResolveSigner:    func(keyBytes []byte) (*ecdsa.PrivateKey, error) { return crypto.ToECDSA(keyBytes) },
		ExecutionEnabled: func() bool { return true },
		SlippageBps:      50,
	})

	result := coord.ExecuteRule(context.Background(), baseRule(), baseSample())
	require.False(t, result.Success)
	require.Equal(t, uint64(202), result.ExecutionID)
	require.Contains(t, result.Message, "zero balance")
	require.NoError(t, mock.ExpectationsWereMet())
}
