package chain

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Contract binds an ABI to an address for packing calldata and reading state.
type Contract struct {
	Address common.Address
	ABI     abi.ABI
	backend Backend
}

// NewContract creates a contract binding.
func NewContract(address common.Address, parsed abi.ABI, backend Backend) *Contract {
	return &Contract{Address: address, ABI: parsed, backend: backend}
}

// Pack encodes a method call.
func (c *Contract) Pack(method string, args ...interface{}) ([]byte, error) {
	data, err := c.ABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	return data, nil
}

// Call executes a read-only method and returns its decoded outputs.
func (c *Contract) Call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	data, err := c.Pack(method, args...)
	if err != nil {
		return nil, err
	}
	out, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &c.Address, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	values, err := c.ABI.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	return values, nil
}

// DryRun executes calldata from the given sender without changing state.
// The raw node error is returned so reverts can be decoded.
func (c *Contract) DryRun(ctx context.Context, from common.Address, data []byte) error {
	_, err := c.backend.CallContract(ctx, ethereum.CallMsg{From: from, To: &c.Address, Data: data}, nil)
	return err
}
