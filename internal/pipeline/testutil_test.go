package pipeline

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"errors"
	"log"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"market-relayer/internal/chain"
	"market-relayer/internal/chain/stub"
	"market-relayer/internal/facets"
	"market-relayer/internal/metatx"
	"market-relayer/internal/progress"
	"market-relayer/internal/reconcile"
	"market-relayer/internal/storage/memory"
	"market-relayer/internal/validation"
)

var testNow = time.Unix(1_800_000_000, 0)

type harness struct {
	ledger  *stub.Ledger
	runner  *Runner
	builder *facets.Builder
	markets *memory.MarketStore
	journal *memory.StepStore
	key     *ecdsa.PrivateKey
	logs    *bytes.Buffer
}

type harnessConfig struct {
	gasless     bool
	registry    bool
	broadcaster *progress.Broadcaster
	ledgerClock func() time.Time
}

type harnessOption func(*harnessConfig)

func withGasless() harnessOption {
	return func(c *harnessConfig) { c.gasless = true }
}

func withRegistry() harnessOption {
	return func(c *harnessConfig) { c.registry = true }
}

func withBroadcaster(b *progress.Broadcaster) harnessOption {
	return func(c *harnessConfig) { c.broadcaster = b }
}

func withLedgerClock(now func() time.Time) harnessOption {
	return func(c *harnessConfig) { c.ledgerClock = now }
}

func unitAddress(i int) common.Address {
	return common.BigToAddress(big.NewInt(int64(0x100 + i)))
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()

	cfg := harnessConfig{ledgerClock: func() time.Time { return testNow }}
	for _, opt := range opts {
		opt(&cfg)
	}

	ledgerOpts := []stub.Option{stub.WithClock(cfg.ledgerClock)}
	if cfg.registry {
		ledgerOpts = append(ledgerOpts, stub.WithRegistry(common.HexToAddress("0x0000000000000000000000000000000000000e61")))
	}
	ledger := stub.NewLedger(ledgerOpts...)

	var logs bytes.Buffer
	logger := log.New(&logs, "", 0)

	addrs := make(map[facets.Unit]common.Address, len(facets.Units))
	for i, u := range facets.Units {
		addrs[u] = unitAddress(i)
	}
	builder, err := facets.NewBuilder(facets.Config{
		Addresses:   addrs,
		Initializer: common.HexToAddress("0x1717"),
	}, logger)
	require.NoError(t, err)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	markets := memory.NewMarketStore()
	markets.SetClock(func() time.Time { return testNow })
	journal := memory.NewStepStore()
	now := func() time.Time { return testNow }

	runner, err := New(Options{
		Backend:  ledger,
		Signers:  chain.NewSignerPool(ledger, stub.DefaultChainID, chain.DefaultFeePolicy()),
		Key:      key,
		Factory:  ledger.Factory,
		Vault:    ledger.Vault,
		Registry: ledger.Registry,
		Builder:  builder,
		Authorizer: metatx.NewAuthorizer(chain.NewFactory(ledger.Factory, ledger), metatx.Config{
			Enabled:       cfg.gasless,
			DomainName:    ledger.DomainName,
			DomainVersion: ledger.DomainVersion,
			ChainID:       stub.DefaultChainID,
			Factory:       ledger.Factory,
		}, logger),
		Reconciler: reconcile.New(markets, reconcile.Options{
			Backend: ledger,
			Factory: ledger.Factory,
			ChainID: stub.DefaultChainID.Int64(),
			Logger:  logger,
			Now:     now,
		}),
		Journal:        journal,
		Broadcaster:    cfg.broadcaster,
		ConfirmTimeout: 200 * time.Millisecond,
		PollInterval:   5 * time.Millisecond,
		Logger:         logger,
		Now:            now,
	})
	require.NoError(t, err)

	return &harness{
		ledger:  ledger,
		runner:  runner,
		builder: builder,
		markets: markets,
		journal: journal,
		key:     key,
		logs:    &logs,
	}
}

// scenarioInput is the ALU-USD request: $1.00 start price, settling in a year.
func scenarioInput() validation.Input {
	return validation.Input{
		Symbol:               "ALU-USD",
		MetricURL:            "https://example.com/metrics/aluminium",
		StartPriceFixedPoint: "1000000",
		SettlementDate:       testNow.Add(365 * 24 * time.Hour).Unix(),
		Tags:                 []string{"COMMODITIES"},
	}
}

// signedInput returns scenarioInput signed for gasless creation by key.
func (h *harness) signedInput(t *testing.T, key *ecdsa.PrivateKey, creator common.Address, nonce int64) validation.Input {
	t.Helper()

	in := scenarioInput()
	in.CreatorWalletAddress = creator.Hex()
	in.Nonce = strconv.FormatInt(nonce, 10)
	in.Deadline = strconv.FormatInt(testNow.Add(time.Hour).Unix(), 10)
	in.Signature = "0x" + strings.Repeat("00", 65)

	req, err := validation.Validate(in, testNow)
	require.NoError(t, err)
	cut, err := h.builder.Build()
	require.NoError(t, err)
	cutHash, err := facets.CutHash(cut)
	require.NoError(t, err)

	td, err := metatx.TypedData(chain.EIP712Domain{
		Name:              h.ledger.DomainName,
		Version:           h.ledger.DomainVersion,
		ChainID:           stub.DefaultChainID,
		VerifyingContract: h.ledger.Factory,
	}, req, cut.Initializer, cutHash)
	require.NoError(t, err)
	sig, err := metatx.Sign(td, key)
	require.NoError(t, err)

	in.Signature = hexutil.Encode(sig)
	return in
}

// countTo returns how many accepted transactions were sent to addr.
func (h *harness) countTo(addr common.Address) int {
	n := 0
	for _, tx := range h.ledger.Submitted() {
		if tx.To() != nil && *tx.To() == addr {
			n++
		}
	}
	return n
}

// eventRecorder is a progress transport that keeps every payload.
type eventRecorder struct {
	mu       sync.Mutex
	channels []string
	payloads []string
}

func (e *eventRecorder) Name() string { return "recorder" }

func (e *eventRecorder) Publish(_ context.Context, channel string, payload []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.channels = append(e.channels, channel)
	e.payloads = append(e.payloads, string(payload))
	return nil
}

var errSendRefused = errors.New("connection reset by peer")
