package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"market-relayer/internal/domain"
)

// Factory is the order book factory.
type Factory struct {
	*Contract
}

// NewFactory binds the factory at address.
func NewFactory(address common.Address, backend Backend) *Factory {
	return &Factory{Contract: NewContract(address, FactoryABI, backend)}
}

// EIP712Domain is the ERC-5267 domain descriptor.
type EIP712Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address
}

// ToCut converts a domain facet cut to its ABI form.
func ToCut(cut domain.FacetCut) []FacetCut {
	out := make([]FacetCut, 0, len(cut.Entries))
	for _, e := range cut.Entries {
		sels := make([][4]byte, len(e.Selectors))
		for i, s := range e.Selectors {
			sels[i] = [4]byte(s)
		}
		out = append(out, FacetCut{
			FacetAddress:      e.FacetAddress,
			Action:            uint8(e.Action),
			FunctionSelectors: sels,
		})
	}
	return out
}

// CreateMarketData packs createMarket calldata.
func (f *Factory) CreateMarketData(params MarketParams, cut domain.FacetCut) ([]byte, error) {
	return f.Pack("createMarket", params, ToCut(cut), cut.Initializer)
}

// MetaCreateMarketData packs metaCreateMarket calldata.
func (f *Factory) MetaCreateMarketData(params MarketParams, cut domain.FacetCut, creator common.Address, nonce, deadline *big.Int, sig []byte) ([]byte, error) {
	return f.Pack("metaCreateMarket", params, ToCut(cut), cut.Initializer, creator, nonce, deadline, sig)
}

// MetaCreateNonce returns the creator's current replay counter.
func (f *Factory) MetaCreateNonce(ctx context.Context, creator common.Address) (*big.Int, error) {
	out, err := f.Call(ctx, "metaCreateNonces", creator)
	if err != nil {
		return nil, err
	}
	n, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("metaCreateNonces: unexpected output %T", out[0])
	}
	return n, nil
}

// Domain reads the factory's EIP-712 domain (ERC-5267).
func (f *Factory) Domain(ctx context.Context) (*EIP712Domain, error) {
	out, err := f.Call(ctx, "eip712Domain")
	if err != nil {
		return nil, err
	}
	if len(out) < 5 {
		return nil, fmt.Errorf("eip712Domain: expected 7 outputs, got %d", len(out))
	}
	name, _ := out[1].(string)
	version, _ := out[2].(string)
	chainID, _ := out[3].(*big.Int)
	verifying, _ := out[4].(common.Address)
	if name == "" || chainID == nil {
		return nil, fmt.Errorf("eip712Domain: incomplete descriptor")
	}
	return &EIP712Domain{Name: name, Version: version, ChainID: chainID, VerifyingContract: verifying}, nil
}

// OrderBookBySymbol looks up an existing market. A zero address means none.
func (f *Factory) OrderBookBySymbol(ctx context.Context, symbol string) (common.Address, common.Hash, error) {
	out, err := f.Call(ctx, "getOrderBookBySymbol", symbol)
	if err != nil {
		return common.Address{}, common.Hash{}, err
	}
	addr, _ := out[0].(common.Address)
	id, _ := out[1].([32]byte)
	return addr, common.Hash(id), nil
}

// Diamond is a deployed order book diamond.
type Diamond struct {
	*Contract
}

// NewDiamond binds the diamond at address.
func NewDiamond(address common.Address, backend Backend) *Diamond {
	return &Diamond{Contract: NewContract(address, DiamondABI, backend)}
}

// FacetAddress returns the facet installed for selector, zero if none.
func (d *Diamond) FacetAddress(ctx context.Context, selector domain.Selector) (common.Address, error) {
	out, err := d.Call(ctx, "facetAddress", [4]byte(selector))
	if err != nil {
		return common.Address{}, err
	}
	addr, _ := out[0].(common.Address)
	return addr, nil
}

// DiamondCutData packs a diamondCut installing cut without an initializer call.
func (d *Diamond) DiamondCutData(cut domain.FacetCut) ([]byte, error) {
	return d.Pack("diamondCut", ToCut(cut), cut.Initializer, []byte{})
}

// Vault is the shared collateral vault.
type Vault struct {
	*Contract
}

// NewVault binds the vault at address.
func NewVault(address common.Address, backend Backend) *Vault {
	return &Vault{Contract: NewContract(address, VaultABI, backend)}
}

// HasRole reports whether account holds role.
func (v *Vault) HasRole(ctx context.Context, role common.Hash, account common.Address) (bool, error) {
	out, err := v.Call(ctx, "hasRole", [32]byte(role), account)
	if err != nil {
		return false, err
	}
	ok, _ := out[0].(bool)
	return ok, nil
}

// GrantRoleData packs grantRole calldata.
func (v *Vault) GrantRoleData(role common.Hash, account common.Address) ([]byte, error) {
	return v.Pack("grantRole", [32]byte(role), account)
}

// Registry is the optional market registry.
type Registry struct {
	*Contract
}

// NewRegistry binds the registry at address.
func NewRegistry(address common.Address, backend Backend) *Registry {
	return &Registry{Contract: NewContract(address, RegistryABI, backend)}
}

// IsRegistered reports whether marketID is attached.
func (r *Registry) IsRegistered(ctx context.Context, marketID common.Hash) (bool, error) {
	out, err := r.Call(ctx, "isRegistered", [32]byte(marketID))
	if err != nil {
		return false, err
	}
	ok, _ := out[0].(bool)
	return ok, nil
}

// RegisterMarketData packs registerMarket calldata.
func (r *Registry) RegisterMarketData(marketID common.Hash, orderBook common.Address) ([]byte, error) {
	return r.Pack("registerMarket", [32]byte(marketID), orderBook)
}
