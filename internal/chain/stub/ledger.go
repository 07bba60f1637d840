package stub

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/params"

	"market-relayer/internal/chain"
)

// Default stub values.
var (
	DefaultChainID = big.NewInt(31337)
	DefaultBaseFee = big.NewInt(10 * params.GWei)
	DefaultTipCap  = big.NewInt(1 * params.GWei)
)

const (
	estimatedGas = 250_000
	usedGas      = 200_000
)

// Ledger is an in-process EVM ledger double implementing chain.Backend.
// It understands the factory, diamond, vault and registry interfaces the
// relayer consumes and mines every accepted transaction immediately.
type Ledger struct {
	mu sync.Mutex

	chainID  *big.Int
	baseFee  *big.Int
	tipCap   *big.Int
	signer   types.Signer
	block    uint64
	now      func() time.Time
	nonces   map[common.Address]uint64
	receipts map[common.Hash]*types.Receipt
	sent     []*types.Transaction

	Factory  common.Address
	Vault    common.Address
	Registry common.Address

	// DomainName and DomainVersion are returned by eip712Domain.
	DomainName    string
	DomainVersion string
	// DomainUnavailable makes eip712Domain revert.
	DomainUnavailable bool
	// MetaCreateDisabled makes metaCreateMarket revert.
	MetaCreateDisabled bool
	// VaultAdmin, when set, is the only account allowed to grant roles.
	VaultAdmin common.Address
	// DropSelectors are left uninstalled on newly created order books.
	DropSelectors map[[4]byte]bool
	// SendHook, when set, may reject a transaction before it is processed.
	SendHook func(tx *types.Transaction) error
	// HoldReceipts hides receipts so confirmations never arrive.
	HoldReceipts bool

	markets    map[string]market
	metaNonces map[common.Address]*big.Int
	diamonds   map[common.Address]*diamond
	roles      map[common.Hash]map[common.Address]bool
	registered map[common.Hash]common.Address
	created    uint64
}

type market struct {
	orderBook common.Address
	marketID  common.Hash
}

type diamond struct {
	owner     common.Address
	selectors map[[4]byte]common.Address
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock sets the clock used for settlement and deadline checks.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		l.now = now
	}
}

// WithChainID sets the ledger chain id.
func WithChainID(id *big.Int) Option {
	return func(l *Ledger) {
		l.chainID = new(big.Int).Set(id)
	}
}

// WithRegistry enables the market registry at addr.
func WithRegistry(addr common.Address) Option {
	return func(l *Ledger) {
		l.Registry = addr
	}
}

// NewLedger creates a ledger with a factory and vault deployed at fixed addresses.
func NewLedger(opts ...Option) *Ledger {
	l := &Ledger{
		chainID:       new(big.Int).Set(DefaultChainID),
		baseFee:       new(big.Int).Set(DefaultBaseFee),
		tipCap:        new(big.Int).Set(DefaultTipCap),
		block:         1,
		now:           time.Now,
		nonces:        make(map[common.Address]uint64),
		receipts:      make(map[common.Hash]*types.Receipt),
		Factory:       common.HexToAddress("0x00000000000000000000000000000000000fac70"),
		Vault:         common.HexToAddress("0x0000000000000000000000000000000000000a17"),
		DomainName:    "OrderBookFactory",
		DomainVersion: "1",
		DropSelectors: make(map[[4]byte]bool),
		markets:       make(map[string]market),
		metaNonces:    make(map[common.Address]*big.Int),
		diamonds:      make(map[common.Address]*diamond),
		roles:         make(map[common.Hash]map[common.Address]bool),
		registered:    make(map[common.Hash]common.Address),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.signer = types.LatestSignerForChainID(l.chainID)
	return l
}

var _ chain.Backend = (*Ledger)(nil)

// ChainID implements chain.Backend.
func (l *Ledger) ChainID(context.Context) (*big.Int, error) {
	return new(big.Int).Set(l.chainID), nil
}

// PendingNonceAt implements chain.Backend.
func (l *Ledger) PendingNonceAt(_ context.Context, account common.Address) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nonces[account], nil
}

// SuggestGasTipCap implements chain.Backend.
func (l *Ledger) SuggestGasTipCap(context.Context) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return new(big.Int).Set(l.tipCap), nil
}

// HeaderByNumber implements chain.Backend. Only the latest header is served.
func (l *Ledger) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return &types.Header{
		Number:  new(big.Int).SetUint64(l.block),
		BaseFee: new(big.Int).Set(l.baseFee),
		Time:    uint64(l.now().Unix()),
	}, nil
}

// EstimateGas implements chain.Backend by executing msg without committing.
func (l *Ledger) EstimateGas(_ context.Context, msg ethereum.CallMsg) (uint64, error) {
	if msg.To == nil {
		return 0, errors.New("contract creation not supported")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, _, err := l.execute(msg.From, *msg.To, msg.Data, false); err != nil {
		return 0, err
	}
	return estimatedGas, nil
}

// CallContract implements chain.Backend.
func (l *Ledger) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	if msg.To == nil {
		return nil, errors.New("contract creation not supported")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	out, _, err := l.execute(msg.From, *msg.To, msg.Data, false)
	return out, err
}

// SendTransaction implements chain.Backend. Accepted transactions are mined
// in their own block; a revert produces a failed receipt and still consumes
// the nonce.
func (l *Ledger) SendTransaction(_ context.Context, tx *types.Transaction) error {
	if l.SendHook != nil {
		if err := l.SendHook(tx); err != nil {
			return err
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	from, err := types.Sender(l.signer, tx)
	if err != nil {
		return fmt.Errorf("invalid sender: %w", err)
	}
	if tx.ChainId().Cmp(l.chainID) != 0 {
		return fmt.Errorf("invalid chain id: have %s want %s", tx.ChainId(), l.chainID)
	}
	next := l.nonces[from]
	switch {
	case tx.Nonce() < next:
		return fmt.Errorf("nonce too low: address %s, tx: %d state: %d", from.Hex(), tx.Nonce(), next)
	case tx.Nonce() > next:
		return fmt.Errorf("nonce too high: address %s, tx: %d state: %d", from.Hex(), tx.Nonce(), next)
	}
	if tx.GasFeeCap().Cmp(l.baseFee) < 0 {
		return fmt.Errorf("max fee per gas less than block base fee: address %s, maxFeePerGas: %s, baseFee: %s",
			from.Hex(), tx.GasFeeCap(), l.baseFee)
	}
	if tx.To() == nil {
		return errors.New("contract creation not supported")
	}

	l.nonces[from] = next + 1
	l.sent = append(l.sent, tx)
	l.block++

	receipt := &types.Receipt{
		Type:        tx.Type(),
		Status:      types.ReceiptStatusSuccessful,
		TxHash:      tx.Hash(),
		GasUsed:     usedGas,
		BlockNumber: new(big.Int).SetUint64(l.block),
	}
	_, logs, execErr := l.execute(from, *tx.To(), tx.Data(), true)
	if execErr != nil {
		receipt.Status = types.ReceiptStatusFailed
	} else {
		for i, lg := range logs {
			lg.TxHash = tx.Hash()
			lg.BlockNumber = l.block
			lg.Index = uint(i)
		}
		receipt.Logs = logs
	}
	l.receipts[tx.Hash()] = receipt
	return nil
}

// TransactionReceipt implements chain.Backend.
func (l *Ledger) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.receipts[hash]
	if !ok || l.HoldReceipts {
		return nil, ethereum.NotFound
	}
	return r, nil
}

// Submitted returns every accepted transaction in order.
func (l *Ledger) Submitted() []*types.Transaction {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*types.Transaction, len(l.sent))
	copy(out, l.sent)
	return out
}

// SubmissionCount returns the number of accepted transactions.
func (l *Ledger) SubmissionCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sent)
}

// ConsumeNonce simulates a transaction sent by another process for account.
func (l *Ledger) ConsumeNonce(account common.Address) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nonces[account]++
}

// SetMetaNonce sets the replay counter of creator.
func (l *Ledger) SetMetaNonce(creator common.Address, n int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.metaNonces[creator] = big.NewInt(n)
}

// SetBaseFee sets the base fee of subsequent blocks.
func (l *Ledger) SetBaseFee(fee *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.baseFee = new(big.Int).Set(fee)
}

// SetTipCap sets the suggested priority fee.
func (l *Ledger) SetTipCap(tip *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tipCap = new(big.Int).Set(tip)
}

// Market returns the order book and market id created for symbol.
func (l *Ledger) Market(symbol string) (common.Address, common.Hash, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.markets[symbol]
	return m.orderBook, m.marketID, ok
}

// FacetOf returns the facet installed for selector on orderBook.
func (l *Ledger) FacetOf(orderBook common.Address, selector [4]byte) common.Address {
	l.mu.Lock()
	defer l.mu.Unlock()
	d, ok := l.diamonds[orderBook]
	if !ok {
		return common.Address{}
	}
	return d.selectors[selector]
}

// HasRole reports whether account holds role on the vault.
func (l *Ledger) HasRole(role common.Hash, account common.Address) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.roles[role][account]
}

// IsRegistered reports whether marketID is attached to the registry.
func (l *Ledger) IsRegistered(marketID common.Hash) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.registered[marketID]
	return ok
}

// execute dispatches calldata to the contract at `to`. State changes are
// applied only when commit is true. Caller holds l.mu.
func (l *Ledger) execute(from, to common.Address, data []byte, commit bool) ([]byte, []*types.Log, error) {
	switch {
	case to == l.Factory:
		return l.callFactory(from, data, commit)
	case to == l.Vault:
		return l.callVault(from, data, commit)
	case l.Registry != (common.Address{}) && to == l.Registry:
		return l.callRegistry(data, commit)
	}
	if d, ok := l.diamonds[to]; ok {
		return l.callDiamond(d, from, data, commit)
	}
	// Calls to accounts without code succeed with empty output.
	return nil, nil, nil
}

func decode(parsed abi.ABI, data []byte) (*abi.Method, []interface{}, error) {
	if len(data) < 4 {
		return nil, nil, revertReason("missing selector")
	}
	method, err := parsed.MethodById(data[:4])
	if err != nil {
		return nil, nil, revertReason("unknown selector")
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, nil, revertReason("malformed calldata")
	}
	return method, args, nil
}

func (l *Ledger) callFactory(from common.Address, data []byte, commit bool) ([]byte, []*types.Log, error) {
	method, args, err := decode(chain.FactoryABI, data)
	if err != nil {
		return nil, nil, err
	}

	switch method.Name {
	case "createMarket":
		params := *abi.ConvertType(args[0], new(chain.MarketParams)).(*chain.MarketParams)
		cut := *abi.ConvertType(args[1], new([]chain.FacetCut)).(*[]chain.FacetCut)
		return l.createMarket(method, from, params, cut, params.Creator, commit)

	case "metaCreateMarket":
		params := *abi.ConvertType(args[0], new(chain.MarketParams)).(*chain.MarketParams)
		cut := *abi.ConvertType(args[1], new([]chain.FacetCut)).(*[]chain.FacetCut)
		creator := args[3].(common.Address)
		nonce := args[4].(*big.Int)
		deadline := args[5].(*big.Int)
		sig := args[6].([]byte)

		if l.MetaCreateDisabled {
			return nil, nil, revert(chain.FactoryABI, "MetaCreateDisabled")
		}
		if len(sig) != 65 {
			return nil, nil, revert(chain.FactoryABI, "InvalidSignature")
		}
		if deadline.Cmp(big.NewInt(l.now().Unix())) < 0 {
			return nil, nil, revert(chain.FactoryABI, "SignatureExpired", deadline)
		}
		expected := l.metaNonce(creator)
		if expected.Cmp(nonce) != 0 {
			return nil, nil, revert(chain.FactoryABI, "InvalidNonce", expected, nonce)
		}
		out, logs, err := l.createMarket(method, from, params, cut, creator, commit)
		if err == nil && commit {
			l.metaNonces[creator] = new(big.Int).Add(expected, big.NewInt(1))
		}
		return out, logs, err

	case "metaCreateNonces":
		out, err := method.Outputs.Pack(l.metaNonce(args[0].(common.Address)))
		return out, nil, err

	case "getOrderBookBySymbol":
		m := l.markets[args[0].(string)]
		out, err := method.Outputs.Pack(m.orderBook, [32]byte(m.marketID))
		return out, nil, err

	case "eip712Domain":
		if l.DomainUnavailable {
			return nil, nil, revertReason("eip712Domain not supported")
		}
		out, err := method.Outputs.Pack(
			[1]byte{0x0f},
			l.DomainName,
			l.DomainVersion,
			new(big.Int).Set(l.chainID),
			l.Factory,
			[32]byte{},
			[]*big.Int{},
		)
		return out, nil, err
	}
	return nil, nil, revertReason("unsupported method " + method.Name)
}

func (l *Ledger) metaNonce(creator common.Address) *big.Int {
	if n, ok := l.metaNonces[creator]; ok {
		return new(big.Int).Set(n)
	}
	return new(big.Int)
}

func (l *Ledger) createMarket(method *abi.Method, from common.Address, params chain.MarketParams, cut []chain.FacetCut, creator common.Address, commit bool) ([]byte, []*types.Log, error) {
	if _, exists := l.markets[params.Symbol]; exists {
		return nil, nil, revert(chain.FactoryABI, "MarketAlreadyExists", params.Symbol)
	}
	if params.SettlementDate.Cmp(big.NewInt(l.now().Unix())) <= 0 {
		return nil, nil, revert(chain.FactoryABI, "SettlementInPast")
	}
	if params.StartPrice.Sign() <= 0 {
		return nil, nil, revert(chain.FactoryABI, "InvalidStartPrice")
	}
	if len(cut) == 0 {
		return nil, nil, revert(chain.FactoryABI, "EmptyFacetCut")
	}

	orderBook := crypto.CreateAddress(l.Factory, l.created)
	marketID := crypto.Keccak256Hash([]byte(params.Symbol), orderBook.Bytes())

	out, err := method.Outputs.Pack(orderBook, [32]byte(marketID))
	if err != nil {
		return nil, nil, err
	}
	if !commit {
		return out, nil, nil
	}

	d := &diamond{owner: from, selectors: make(map[[4]byte]common.Address)}
	for _, c := range cut {
		for _, sel := range c.FunctionSelectors {
			if l.DropSelectors[sel] {
				continue
			}
			d.selectors[sel] = c.FacetAddress
		}
	}
	l.created++
	l.diamonds[orderBook] = d
	l.markets[params.Symbol] = market{orderBook: orderBook, marketID: marketID}

	lg, err := chain.MarketCreatedLog(l.Factory, chain.MarketCreated{
		OrderBook: orderBook,
		MarketID:  marketID,
		Creator:   creator,
		Symbol:    params.Symbol,
	})
	if err != nil {
		return nil, nil, err
	}
	return out, []*types.Log{lg}, nil
}

func (l *Ledger) callDiamond(d *diamond, from common.Address, data []byte, commit bool) ([]byte, []*types.Log, error) {
	method, args, err := decode(chain.DiamondABI, data)
	if err != nil {
		return nil, nil, err
	}

	switch method.Name {
	case "facetAddress":
		sel := args[0].([4]byte)
		out, err := method.Outputs.Pack(d.selectors[sel])
		return out, nil, err

	case "diamondCut":
		if from != d.owner {
			return nil, nil, revert(chain.DiamondABI, "NotContractOwner", from, d.owner)
		}
		cut := *abi.ConvertType(args[0], new([]chain.FacetCut)).(*[]chain.FacetCut)
		for _, c := range cut {
			for _, sel := range c.FunctionSelectors {
				if _, exists := d.selectors[sel]; exists {
					return nil, nil, revertReason("LibDiamondCut: Can't add function that already exists")
				}
			}
		}
		if commit {
			for _, c := range cut {
				for _, sel := range c.FunctionSelectors {
					d.selectors[sel] = c.FacetAddress
				}
			}
		}
		return nil, nil, nil
	}
	return nil, nil, revertReason("unsupported method " + method.Name)
}

func (l *Ledger) callVault(from common.Address, data []byte, commit bool) ([]byte, []*types.Log, error) {
	method, args, err := decode(chain.VaultABI, data)
	if err != nil {
		return nil, nil, err
	}
	role := common.Hash(args[0].([32]byte))
	account := args[1].(common.Address)

	switch method.Name {
	case "hasRole":
		out, err := method.Outputs.Pack(l.roles[role][account])
		return out, nil, err

	case "grantRole":
		if l.VaultAdmin != (common.Address{}) && from != l.VaultAdmin {
			return nil, nil, revert(chain.VaultABI, "AccessControlUnauthorizedAccount", from, [32]byte{})
		}
		if commit {
			if l.roles[role] == nil {
				l.roles[role] = make(map[common.Address]bool)
			}
			l.roles[role][account] = true
		}
		return nil, nil, nil
	}
	return nil, nil, revertReason("unsupported method " + method.Name)
}

func (l *Ledger) callRegistry(data []byte, commit bool) ([]byte, []*types.Log, error) {
	method, args, err := decode(chain.RegistryABI, data)
	if err != nil {
		return nil, nil, err
	}
	marketID := common.Hash(args[0].([32]byte))

	switch method.Name {
	case "isRegistered":
		_, ok := l.registered[marketID]
		out, err := method.Outputs.Pack(ok)
		return out, nil, err

	case "registerMarket":
		if _, ok := l.registered[marketID]; ok {
			return nil, nil, revertReason("market already registered")
		}
		if commit {
			l.registered[marketID] = args[1].(common.Address)
		}
		return nil, nil, nil
	}
	return nil, nil, revertReason("unsupported method " + method.Name)
}

// revert encodes a custom error from parsed.
func revert(parsed abi.ABI, name string, args ...interface{}) error {
	e, ok := parsed.Errors[name]
	if !ok {
		panic("stub: unknown error " + name)
	}
	data, err := e.Inputs.Pack(args...)
	if err != nil {
		panic("stub: pack " + name + ": " + err.Error())
	}
	return &chain.RevertError{Data: append(append([]byte{}, e.ID[:4]...), data...)}
}

var errorStringSelector = crypto.Keccak256([]byte("Error(string)"))[:4]

// revertReason encodes a plain Error(string) revert.
func revertReason(reason string) error {
	typ, _ := abi.NewType("string", "", nil)
	data, _ := abi.Arguments{{Type: typ}}.Pack(reason)
	return &chain.RevertError{Data: append(append([]byte{}, errorStringSelector...), data...)}
}
