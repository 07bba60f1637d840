package chain

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"market-relayer/internal/domain"
)

// MarketCreated is the decoded factory creation event.
type MarketCreated struct {
	OrderBook common.Address
	MarketID  common.Hash
	Creator   common.Address
	Symbol    string
}

// marketCreatedTopic is the event signature hash of MarketCreated.
var marketCreatedTopic = FactoryABI.Events["MarketCreated"].ID

// ResolveMarketCreated finds the MarketCreated event emitted by factory in a
// confirmed receipt. A reverted receipt or a missing event is a FatalError.
func ResolveMarketCreated(receipt *types.Receipt, factory common.Address) (*MarketCreated, error) {
	if receipt == nil {
		return nil, domain.NewError(domain.KindFatal, "no receipt to resolve", nil)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, domain.NewError(domain.KindFatal,
			fmt.Sprintf("transaction %s reverted in block %s", receipt.TxHash.Hex(), receipt.BlockNumber), nil)
	}

	for _, lg := range receipt.Logs {
		if lg == nil || lg.Address != factory || len(lg.Topics) != 4 || lg.Topics[0] != marketCreatedTopic {
			continue
		}

		ev := &MarketCreated{
			OrderBook: common.BytesToAddress(lg.Topics[1].Bytes()),
			MarketID:  lg.Topics[2],
			Creator:   common.BytesToAddress(lg.Topics[3].Bytes()),
		}
		vals, err := FactoryABI.Unpack("MarketCreated", lg.Data)
		if err != nil || len(vals) != 1 {
			return nil, domain.NewError(domain.KindFatal, "decode MarketCreated data", err)
		}
		ev.Symbol, _ = vals[0].(string)
		if ev.OrderBook == (common.Address{}) {
			return nil, domain.NewError(domain.KindFatal, "MarketCreated carries a zero order book address", nil)
		}
		return ev, nil
	}

	return nil, domain.NewError(domain.KindFatal,
		fmt.Sprintf("transaction %s emitted no MarketCreated event", receipt.TxHash.Hex()), nil)
}

// MarketCreatedLog builds the log the factory emits; used by ledger doubles.
func MarketCreatedLog(factory common.Address, ev MarketCreated) (*types.Log, error) {
	data, err := FactoryABI.Events["MarketCreated"].Inputs.NonIndexed().Pack(ev.Symbol)
	if err != nil {
		return nil, fmt.Errorf("pack MarketCreated: %w", err)
	}
	return &types.Log{
		Address: factory,
		Topics: []common.Hash{
			marketCreatedTopic,
			common.BytesToHash(ev.OrderBook.Bytes()),
			ev.MarketID,
			common.BytesToHash(ev.Creator.Bytes()),
		},
		Data: data,
	}, nil
}
