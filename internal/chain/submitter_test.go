package chain_test

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/params"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market-relayer/internal/chain"
	"market-relayer/internal/chain/stub"
	"market-relayer/internal/domain"
)

func grantCall(t *testing.T, ledger *stub.Ledger, account common.Address) []byte {
	t.Helper()
	vault := chain.NewVault(ledger.Vault, ledger)
	data, err := vault.GrantRoleData(chain.OrderBookRole, account)
	require.NoError(t, err)
	return data
}

func nonces(txs []*types.Transaction) []uint64 {
	out := make([]uint64, len(txs))
	for i, tx := range txs {
		out[i] = tx.Nonce()
	}
	return out
}

func TestSubmitter_SequentialNonces(t *testing.T) {
	ledger := stub.NewLedger()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	sub := chain.NewSubmitter(ledger, key, stub.DefaultChainID, chain.DefaultFeePolicy())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := sub.Send(ctx, domain.StepGrantingRoles, "grantRole", ledger.Vault, grantCall(t, ledger, common.BigToAddress(big.NewInt(int64(i+1)))))
		require.NoError(t, err)
	}

	assert.Equal(t, []uint64{0, 1, 2}, nonces(ledger.Submitted()))
}

func TestSubmitter_StaleNonceResyncKeepsSequenceIncreasing(t *testing.T) {
	ledger := stub.NewLedger()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	sub := chain.NewSubmitter(ledger, key, stub.DefaultChainID, chain.DefaultFeePolicy())
	ctx := context.Background()

	_, err = sub.Send(ctx, domain.StepGrantingRoles, "grantRole", ledger.Vault, grantCall(t, ledger, common.HexToAddress("0x01")))
	require.NoError(t, err)

	// Another process uses the next slot behind the submitter's back.
	ledger.ConsumeNonce(sub.From())

	_, err = sub.Send(ctx, domain.StepGrantingRoles, "grantRole", ledger.Vault, grantCall(t, ledger, common.HexToAddress("0x02")))
	require.NoError(t, err)

	got := nonces(ledger.Submitted())
	require.Equal(t, []uint64{0, 2}, got)
	for i := 1; i < len(got); i++ {
		assert.Greater(t, got[i], got[i-1])
	}
}

func TestSubmitter_SecondStaleNonceIsNetworkError(t *testing.T) {
	ledger := stub.NewLedger()
	ledger.SendHook = func(*types.Transaction) error {
		return errors.New("nonce too low: address 0x.., tx: 0 state: 5")
	}
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	sub := chain.NewSubmitter(ledger, key, stub.DefaultChainID, chain.DefaultFeePolicy())

	_, err = sub.Send(context.Background(), domain.StepGrantingRoles, "grantRole", ledger.Vault, grantCall(t, ledger, common.HexToAddress("0x01")))
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindNetwork))
	assert.ErrorIs(t, err, chain.ErrStaleNonce)
	assert.Zero(t, ledger.SubmissionCount())
}

func TestSubmitter_EstimateRevertConsumesNoNonce(t *testing.T) {
	ledger := stub.NewLedger()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	ledger.VaultAdmin = common.HexToAddress("0xad")
	sub := chain.NewSubmitter(ledger, key, stub.DefaultChainID, chain.DefaultFeePolicy())
	ctx := context.Background()

	_, err = sub.Send(ctx, domain.StepGrantingRoles, "grantRole", ledger.Vault, grantCall(t, ledger, common.HexToAddress("0x01")))
	require.Error(t, err)

	var derr *domain.Error
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, domain.KindStaticCallRevert, derr.Kind)
	assert.Equal(t, "AccessControlUnauthorizedAccount", derr.DecodedName)

	ov, err := sub.NextOverrides(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), ov.Nonce)
}

func TestFeePolicy_Floors(t *testing.T) {
	ledger := stub.NewLedger()
	ledger.SetTipCap(big.NewInt(params.GWei / 2))
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	sub := chain.NewSubmitter(ledger, key, stub.DefaultChainID, chain.DefaultFeePolicy())

	ov, err := sub.NextOverrides(context.Background())
	require.NoError(t, err)

	// tip floors at 2 gwei; (10+2)*1.25 = 15 gwei floors at 20 gwei.
	assert.Equal(t, big.NewInt(2*params.GWei), ov.GasTipCap)
	assert.Equal(t, big.NewInt(20*params.GWei), ov.GasFeeCap)
}

func TestFeePolicy_BumpOverBaseFee(t *testing.T) {
	ledger := stub.NewLedger()
	ledger.SetBaseFee(big.NewInt(100 * params.GWei))
	ledger.SetTipCap(big.NewInt(2 * params.GWei))
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	sub := chain.NewSubmitter(ledger, key, stub.DefaultChainID, chain.DefaultFeePolicy())

	ov, err := sub.NextOverrides(context.Background())
	require.NoError(t, err)

	assert.Equal(t, big.NewInt(127_500_000_000), ov.GasFeeCap)
	assert.True(t, ov.GasFeeCap.Cmp(ov.GasTipCap) >= 0)
}

func TestSignerPool_SerializesHolders(t *testing.T) {
	ledger := stub.NewLedger()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	pool := chain.NewSignerPool(ledger, stub.DefaultChainID, chain.DefaultFeePolicy())

	first, release, err := pool.Acquire(context.Background(), key)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, _, err = pool.Acquire(ctx, key)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	release() // idempotent

	second, release2, err := pool.Acquire(context.Background(), key)
	require.NoError(t, err)
	defer release2()
	assert.Same(t, first, second)
}

func TestSignerPool_UncertainHolderReseedsFromPending(t *testing.T) {
	ledger := stub.NewLedger()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	pool := chain.NewSignerPool(ledger, stub.DefaultChainID, chain.DefaultFeePolicy())
	ctx := context.Background()

	sub, release, err := pool.Acquire(ctx, key)
	require.NoError(t, err)

	ledger.SendHook = func(*types.Transaction) error { return errors.New("connection reset by peer") }
	_, err = sub.Send(ctx, domain.StepGrantingRoles, "grantRole", ledger.Vault, grantCall(t, ledger, common.HexToAddress("0x01")))
	require.True(t, domain.IsKind(err, domain.KindNetwork))
	release()

	ledger.SendHook = nil
	sub, release, err = pool.Acquire(ctx, key)
	require.NoError(t, err)
	defer release()

	_, err = sub.Send(ctx, domain.StepGrantingRoles, "grantRole", ledger.Vault, grantCall(t, ledger, common.HexToAddress("0x02")))
	require.NoError(t, err)
	assert.Equal(t, []uint64{0}, nonces(ledger.Submitted()))
}

func TestSubmitter_UncertainFailureReseedsWithinHolding(t *testing.T) {
	ledger := stub.NewLedger()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	sub := chain.NewSubmitter(ledger, key, stub.DefaultChainID, chain.DefaultFeePolicy())
	ctx := context.Background()

	ledger.SendHook = func(*types.Transaction) error { return errors.New("connection reset by peer") }
	_, err = sub.Send(ctx, domain.StepRepairingSelectors, "diamondCut", ledger.Vault, grantCall(t, ledger, common.HexToAddress("0x01")))
	require.True(t, domain.IsKind(err, domain.KindNetwork))

	ledger.SendHook = nil
	_, err = sub.Send(ctx, domain.StepGrantingRoles, "grantRole", ledger.Vault, grantCall(t, ledger, common.HexToAddress("0x02")))
	require.NoError(t, err)
	assert.Equal(t, []uint64{0}, nonces(ledger.Submitted()))
}

func TestWaitMined_TimeoutIsNetworkError(t *testing.T) {
	ledger := stub.NewLedger()
	ledger.HoldReceipts = true

	_, err := chain.WaitMined(context.Background(), ledger, domain.StepConfirming, common.HexToHash("0x01"), 30*time.Millisecond, 5*time.Millisecond)
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindNetwork))
}
