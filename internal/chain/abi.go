package chain

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// MarketParams mirrors the factory's MarketParams tuple.
// Field names follow abigen's camel-casing so the abi package can map them.
type MarketParams struct {
	Symbol         string
	MetricUrl      string
	SettlementDate *big.Int
	StartPrice     *big.Int
	DataSource     string
	Tags           []string
	Creator        common.Address
	FeeRecipient   common.Address
}

// FacetCut mirrors IDiamondCut.FacetCut.
type FacetCut struct {
	FacetAddress      common.Address
	Action            uint8
	FunctionSelectors [][4]byte
}

const marketParamsComponents = `[
	{"name":"symbol","type":"string"},
	{"name":"metricUrl","type":"string"},
	{"name":"settlementDate","type":"uint256"},
	{"name":"startPrice","type":"uint256"},
	{"name":"dataSource","type":"string"},
	{"name":"tags","type":"string[]"},
	{"name":"creator","type":"address"},
	{"name":"feeRecipient","type":"address"}
]`

const facetCutComponents = `[
	{"name":"facetAddress","type":"address"},
	{"name":"action","type":"uint8"},
	{"name":"functionSelectors","type":"bytes4[]"}
]`

// FactoryABIJSON is the consumed interface of the order book factory.
var FactoryABIJSON = `[
	{"type":"function","name":"createMarket","stateMutability":"nonpayable",
	 "inputs":[
		{"name":"params","type":"tuple","components":` + marketParamsComponents + `},
		{"name":"cut","type":"tuple[]","components":` + facetCutComponents + `},
		{"name":"initFacet","type":"address"}],
	 "outputs":[{"name":"orderBook","type":"address"},{"name":"marketId","type":"bytes32"}]},
	{"type":"function","name":"metaCreateMarket","stateMutability":"nonpayable",
	 "inputs":[
		{"name":"params","type":"tuple","components":` + marketParamsComponents + `},
		{"name":"cut","type":"tuple[]","components":` + facetCutComponents + `},
		{"name":"initFacet","type":"address"},
		{"name":"creator","type":"address"},
		{"name":"nonce","type":"uint256"},
		{"name":"deadline","type":"uint256"},
		{"name":"signature","type":"bytes"}],
	 "outputs":[{"name":"orderBook","type":"address"},{"name":"marketId","type":"bytes32"}]},
	{"type":"function","name":"metaCreateNonces","stateMutability":"view",
	 "inputs":[{"name":"creator","type":"address"}],
	 "outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"getOrderBookBySymbol","stateMutability":"view",
	 "inputs":[{"name":"symbol","type":"string"}],
	 "outputs":[{"name":"orderBook","type":"address"},{"name":"marketId","type":"bytes32"}]},
	{"type":"function","name":"eip712Domain","stateMutability":"view","inputs":[],
	 "outputs":[
		{"name":"fields","type":"bytes1"},
		{"name":"name","type":"string"},
		{"name":"version","type":"string"},
		{"name":"chainId","type":"uint256"},
		{"name":"verifyingContract","type":"address"},
		{"name":"salt","type":"bytes32"},
		{"name":"extensions","type":"uint256[]"}]},
	{"type":"event","name":"MarketCreated","anonymous":false,
	 "inputs":[
		{"name":"orderBook","type":"address","indexed":true},
		{"name":"marketId","type":"bytes32","indexed":true},
		{"name":"creator","type":"address","indexed":true},
		{"name":"symbol","type":"string","indexed":false}]},
	{"type":"error","name":"MarketAlreadyExists","inputs":[{"name":"symbol","type":"string"}]},
	{"type":"error","name":"InvalidSignature","inputs":[]},
	{"type":"error","name":"SignatureExpired","inputs":[{"name":"deadline","type":"uint256"}]},
	{"type":"error","name":"InvalidNonce","inputs":[{"name":"expected","type":"uint256"},{"name":"provided","type":"uint256"}]},
	{"type":"error","name":"SettlementInPast","inputs":[]},
	{"type":"error","name":"InvalidStartPrice","inputs":[]},
	{"type":"error","name":"EmptyFacetCut","inputs":[]},
	{"type":"error","name":"UnauthorizedCreator","inputs":[{"name":"caller","type":"address"}]},
	{"type":"error","name":"MetaCreateDisabled","inputs":[]}
]`

// DiamondABIJSON is the consumed diamond interface of a deployed order book.
var DiamondABIJSON = `[
	{"type":"function","name":"diamondCut","stateMutability":"nonpayable",
	 "inputs":[
		{"name":"_diamondCut","type":"tuple[]","components":` + facetCutComponents + `},
		{"name":"_init","type":"address"},
		{"name":"_calldata","type":"bytes"}],
	 "outputs":[]},
	{"type":"function","name":"facetAddress","stateMutability":"view",
	 "inputs":[{"name":"_functionSelector","type":"bytes4"}],
	 "outputs":[{"name":"facetAddress_","type":"address"}]},
	{"type":"error","name":"NotContractOwner","inputs":[{"name":"user","type":"address"},{"name":"owner","type":"address"}]}
]`

// VaultABIJSON is the consumed access-control interface of the shared vault.
var VaultABIJSON = `[
	{"type":"function","name":"grantRole","stateMutability":"nonpayable",
	 "inputs":[{"name":"role","type":"bytes32"},{"name":"account","type":"address"}],"outputs":[]},
	{"type":"function","name":"hasRole","stateMutability":"view",
	 "inputs":[{"name":"role","type":"bytes32"},{"name":"account","type":"address"}],
	 "outputs":[{"name":"","type":"bool"}]},
	{"type":"error","name":"AccessControlUnauthorizedAccount","inputs":[{"name":"account","type":"address"},{"name":"neededRole","type":"bytes32"}]}
]`

// RegistryABIJSON is the consumed interface of the optional market registry.
var RegistryABIJSON = `[
	{"type":"function","name":"registerMarket","stateMutability":"nonpayable",
	 "inputs":[{"name":"marketId","type":"bytes32"},{"name":"orderBook","type":"address"}],"outputs":[]},
	{"type":"function","name":"isRegistered","stateMutability":"view",
	 "inputs":[{"name":"marketId","type":"bytes32"}],
	 "outputs":[{"name":"","type":"bool"}]}
]`

// Parsed ABIs.
var (
	FactoryABI  = mustParseABI(FactoryABIJSON)
	DiamondABI  = mustParseABI(DiamondABIJSON)
	VaultABI    = mustParseABI(VaultABIJSON)
	RegistryABI = mustParseABI(RegistryABIJSON)
)

// Vault roles granted to every new market.
var (
	OrderBookRole  = crypto.Keccak256Hash([]byte("ORDERBOOK_ROLE"))
	SettlementRole = crypto.Keccak256Hash([]byte("SETTLEMENT_ROLE"))
)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic("parse abi: " + err.Error())
	}
	return parsed
}
