package chain

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Backend is the subset of the ledger RPC the relayer consumes.
// *ethclient.Client satisfies it.
type Backend interface {
	// ChainID returns the chain id used for transaction signing.
	ChainID(ctx context.Context) (*big.Int, error)

	// PendingNonceAt returns the account's pending transaction count.
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)

	// SuggestGasTipCap returns the network's suggested priority fee.
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)

	// HeaderByNumber returns a block header; nil number means latest.
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)

	// EstimateGas estimates the gas needed to execute msg.
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)

	// CallContract executes msg without creating a transaction.
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)

	// SendTransaction broadcasts a signed transaction.
	SendTransaction(ctx context.Context, tx *types.Transaction) error

	// TransactionReceipt returns the receipt of a mined transaction, or
	// ethereum.NotFound while it is pending.
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}
