package pipeline

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market-relayer/internal/chain"
	"market-relayer/internal/domain"
	"market-relayer/internal/facets"
	"market-relayer/internal/progress"
	"market-relayer/internal/reconcile"
)

// stepNames lists the distinct step names of a log in order of first appearance.
func stepNames(steps []domain.PipelineStep) []string {
	var out []string
	seen := map[string]bool{}
	for _, s := range steps {
		if !seen[s.Name] {
			seen[s.Name] = true
			out = append(out, s.Name)
		}
	}
	return out
}

func TestRun_ScenarioA_DirectCreation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	out := h.runner.Run(ctx, scenarioInput())
	require.Nil(t, out.Err, "unexpected error: %v", out.Err)

	assert.NotEmpty(t, out.OrderBookAddress)
	assert.True(t, common.IsHexAddress(out.OrderBookAddress))
	assert.Len(t, common.FromHex(out.MarketID), 32)
	assert.NotEmpty(t, out.TransactionHash)
	assert.False(t, out.Existing)
	assert.Equal(t, domain.MarketStatusDeployed, out.Status)
	assert.Equal(t, h.runner.Relayer().Hex(), out.FeeRecipient)
	assert.Equal(t, int64(31337), out.ChainID)
	assert.NotEmpty(t, out.PipelineID)

	assert.Equal(t, []string{
		domain.StepValidating,
		domain.StepBuildingCut,
		domain.StepSubmittingCreation,
		domain.StepConfirming,
		domain.StepResolvingEvent,
		domain.StepRepairingSelectors,
		domain.StepGrantingRoles,
		domain.StepPersisting,
		domain.StepDone,
	}, stepNames(out.Steps))

	orderBook, marketID, ok := h.ledger.Market("ALU-USD")
	require.True(t, ok)
	assert.Equal(t, orderBook.Hex(), out.OrderBookAddress)
	assert.Equal(t, marketID.Hex(), out.MarketID)
	assert.True(t, h.ledger.HasRole(chain.OrderBookRole, orderBook))
	assert.True(t, h.ledger.HasRole(chain.SettlementRole, orderBook))

	// One creation plus two role grants; nothing sent to the order book.
	assert.Equal(t, 3, h.ledger.SubmissionCount())
	assert.Zero(t, h.countTo(orderBook))

	rec, err := h.markets.GetBySymbol(ctx, "ALU-USD")
	require.NoError(t, err)
	assert.Equal(t, domain.MarketStatusDeployed, rec.Status)
	assert.Equal(t, out.TransactionHash, rec.DeployTxHash)
	assert.Equal(t, []string{"COMMODITIES"}, rec.Tags)

	journal, err := h.journal.GetByPipeline(ctx, out.PipelineID)
	require.NoError(t, err)
	require.Len(t, journal, len(out.Steps))
	for i, st := range journal {
		assert.Equal(t, i, st.Seq)
	}
	last := journal[len(journal)-1]
	assert.Equal(t, domain.StepDone, last.Name)
	assert.Equal(t, domain.StepSuccess, last.Status)
}

func TestRun_ScenarioB_ForgedSignatureSubmitsNothing(t *testing.T) {
	h := newHarness(t, withGasless())

	creatorKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	forger, err := crypto.GenerateKey()
	require.NoError(t, err)

	// Signed by the forger on behalf of the creator.
	in := h.signedInput(t, forger, crypto.PubkeyToAddress(creatorKey.PublicKey), 0)

	out := h.runner.Run(context.Background(), in)
	require.NotNil(t, out.Err)
	assert.Equal(t, domain.KindSignatureMismatch, out.Err.Kind)
	assert.Equal(t, domain.StepAuthorizing, out.Err.Step)
	assert.Equal(t, 400, out.Err.Kind.HTTPStatus())

	assert.Zero(t, h.ledger.SubmissionCount())
	assert.Empty(t, out.TransactionHash)
	n, err := h.markets.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	last := out.Steps[len(out.Steps)-1]
	assert.Equal(t, domain.StepFailed, last.Name)
	assert.Equal(t, domain.StepError, last.Status)
}

func TestRun_GaslessCreation(t *testing.T) {
	h := newHarness(t, withGasless())

	creatorKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	creator := crypto.PubkeyToAddress(creatorKey.PublicKey)

	out := h.runner.Run(context.Background(), h.signedInput(t, creatorKey, creator, 0))
	require.Nil(t, out.Err, "unexpected error: %v", out.Err)
	assert.Contains(t, stepNames(out.Steps), domain.StepAuthorizing)
	assert.Equal(t, creator.Hex(), out.FeeRecipient)

	nonce, err := chain.NewFactory(h.ledger.Factory, h.ledger).MetaCreateNonce(context.Background(), creator)
	require.NoError(t, err)
	assert.Equal(t, int64(1), nonce.Int64())

	rec, err := h.markets.GetBySymbol(context.Background(), "ALU-USD")
	require.NoError(t, err)
	require.NotNil(t, rec.Creator)
	assert.Equal(t, creator.Hex(), *rec.Creator)
}

func TestRun_GaslessStaleNonce(t *testing.T) {
	h := newHarness(t, withGasless())

	creatorKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	creator := crypto.PubkeyToAddress(creatorKey.PublicKey)
	h.ledger.SetMetaNonce(creator, 4)

	out := h.runner.Run(context.Background(), h.signedInput(t, creatorKey, creator, 3))
	require.NotNil(t, out.Err)
	assert.Equal(t, domain.KindStaleNonce, out.Err.Kind)
	assert.Zero(t, h.ledger.SubmissionCount())
}

func TestRun_GaslessFieldsWhenDisabled(t *testing.T) {
	h := newHarness(t)

	creatorKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	in := h.signedInput(t, creatorKey, crypto.PubkeyToAddress(creatorKey.PublicKey), 0)

	out := h.runner.Run(context.Background(), in)
	require.NotNil(t, out.Err)
	assert.Equal(t, domain.KindValidation, out.Err.Kind)
	assert.Equal(t, "signature", out.Err.Field)
	assert.Zero(t, h.ledger.SubmissionCount())
}

func TestRun_ScenarioC_RepeatCollapsesToOneRecord(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first := h.runner.Run(ctx, scenarioInput())
	require.Nil(t, first.Err)
	sent := h.ledger.SubmissionCount()

	second := h.runner.Run(ctx, scenarioInput())
	require.Nil(t, second.Err, "unexpected error: %v", second.Err)
	assert.True(t, second.Existing)
	assert.Equal(t, first.OrderBookAddress, second.OrderBookAddress)
	assert.Equal(t, first.MarketID, second.MarketID)
	assert.NotContains(t, stepNames(second.Steps), domain.StepConfirming)
	assert.NotContains(t, stepNames(second.Steps), domain.StepResolvingEvent)

	// Roles are already in place, so the repeat sends nothing.
	assert.Equal(t, sent, h.ledger.SubmissionCount())

	n, err := h.markets.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rec, err := h.markets.GetBySymbol(ctx, "ALU-USD")
	require.NoError(t, err)
	assert.Equal(t, first.TransactionHash, rec.DeployTxHash, "existing path must not erase the deploy tx")
}

func TestRun_RepeatWithDifferentFieldsKeepsStoredMarket(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first := h.runner.Run(ctx, scenarioInput())
	require.Nil(t, first.Err)

	changed := scenarioInput()
	changed.StartPriceFixedPoint = "2500000"
	changed.SettlementDate += 3600
	changed.Tags = []string{"METALS"}
	changed.FeeRecipient = "0x00000000000000000000000000000000000000fe"

	second := h.runner.Run(ctx, changed)
	require.Nil(t, second.Err, "unexpected error: %v", second.Err)
	require.True(t, second.Existing)
	assert.Equal(t, first.FeeRecipient, second.FeeRecipient)

	rec, err := h.markets.GetBySymbol(ctx, "ALU-USD")
	require.NoError(t, err)
	assert.Equal(t, int64(1_000_000), rec.StartPrice.Int64())
	assert.Equal(t, scenarioInput().SettlementDate, rec.SettlementDate)
	assert.Equal(t, []string{"COMMODITIES"}, rec.Tags)
	assert.Equal(t, first.FeeRecipient, rec.FeeRecipient)
}

func TestRun_ScenarioD_SettlementElapsedBeforePersistence(t *testing.T) {
	h := newHarness(t)
	in := scenarioInput()

	// By the time the store sees the record, the settlement date has passed.
	h.markets.SetClock(func() time.Time { return time.Unix(in.SettlementDate+60, 0) })

	out := h.runner.Run(context.Background(), in)
	require.Nil(t, out.Err, "unexpected error: %v", out.Err)
	assert.Equal(t, domain.MarketStatusSettlementRequested, out.Status)
	assert.Contains(t, out.Warnings, reconcile.SettlementElapsedReason)

	rec, err := h.markets.GetBySymbol(context.Background(), "ALU-USD")
	require.NoError(t, err)
	assert.Equal(t, domain.MarketStatusSettlementRequested, rec.Status)
	require.NotNil(t, rec.StatusReason)
	assert.Equal(t, reconcile.SettlementElapsedReason, *rec.StatusReason)
}

func TestRun_RepairsMissingSelectors(t *testing.T) {
	h := newHarness(t)
	missing := facets.Selector("placeMarketOrder(uint256,bool)")
	h.ledger.DropSelectors[missing] = true

	out := h.runner.Run(context.Background(), scenarioInput())
	require.Nil(t, out.Err, "unexpected error: %v", out.Err)

	orderBook := common.HexToAddress(out.OrderBookAddress)
	assert.Equal(t, 1, h.countTo(orderBook))
	assert.Equal(t, h.builder.Address(facets.UnitOrderPlacement), h.ledger.FacetOf(orderBook, missing))
}

func TestRun_RepairFailureIsNotFatal(t *testing.T) {
	h := newHarness(t)
	h.ledger.DropSelectors[facets.Selector("cancelOrder(uint256)")] = true
	h.ledger.SendHook = func(tx *types.Transaction) error {
		if *tx.To() != h.ledger.Factory && *tx.To() != h.ledger.Vault {
			return errSendRefused
		}
		return nil
	}

	out := h.runner.Run(context.Background(), scenarioInput())
	require.Nil(t, out.Err, "unexpected error: %v", out.Err)
	require.Len(t, out.Warnings, 1)
	assert.Contains(t, out.Warnings[0], domain.StepRepairingSelectors)

	var repairErr *domain.PipelineStep
	for i := range out.Steps {
		if out.Steps[i].Name == domain.StepRepairingSelectors && out.Steps[i].Status == domain.StepError {
			repairErr = &out.Steps[i]
		}
	}
	require.NotNil(t, repairErr, "repair error must be logged")

	orderBook := common.HexToAddress(out.OrderBookAddress)
	assert.True(t, h.ledger.HasRole(chain.OrderBookRole, orderBook), "grants still run after a failed repair")
}

func TestRun_AdminGrantFailureReturnsIdentifiers(t *testing.T) {
	h := newHarness(t)
	h.ledger.VaultAdmin = common.HexToAddress("0x00000000000000000000000000000000000000ad")

	out := h.runner.Run(context.Background(), scenarioInput())
	require.NotNil(t, out.Err)
	assert.Equal(t, domain.KindAdminGrant, out.Err.Kind)
	assert.Equal(t, domain.StepGrantingRoles, out.Err.Step)
	assert.Equal(t, "AccessControlUnauthorizedAccount", out.Err.DecodedName)

	assert.NotEmpty(t, out.OrderBookAddress)
	assert.NotEmpty(t, out.MarketID)
	assert.NotEmpty(t, out.TransactionHash)

	n, err := h.markets.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "persistence runs only after authorization")
}

func TestRun_RegistersMarket(t *testing.T) {
	h := newHarness(t, withRegistry())

	out := h.runner.Run(context.Background(), scenarioInput())
	require.Nil(t, out.Err, "unexpected error: %v", out.Err)
	assert.True(t, h.ledger.IsRegistered(common.HexToHash(out.MarketID)))
	assert.Equal(t, 4, h.ledger.SubmissionCount())
}

func TestRun_DryRunRevertIsTerminal(t *testing.T) {
	// The ledger's clock is past the settlement date the validator accepted.
	h := newHarness(t, withLedgerClock(func() time.Time { return testNow.Add(2 * 365 * 24 * time.Hour) }))

	out := h.runner.Run(context.Background(), scenarioInput())
	require.NotNil(t, out.Err)
	assert.Equal(t, domain.KindStaticCallRevert, out.Err.Kind)
	assert.Equal(t, domain.StepSubmittingCreation, out.Err.Step)
	assert.Equal(t, "SettlementInPast", out.Err.DecodedName)
	assert.NotEmpty(t, out.Err.Hint)
	assert.Zero(t, h.ledger.SubmissionCount())
}

func TestRun_ValidationFailure(t *testing.T) {
	h := newHarness(t)
	in := scenarioInput()
	in.StartPriceFixedPoint = "0"

	out := h.runner.Run(context.Background(), in)
	require.NotNil(t, out.Err)
	assert.Equal(t, domain.KindValidation, out.Err.Kind)
	assert.Equal(t, domain.StepValidating, out.Err.Step)
	assert.Equal(t, "startPriceFixedPoint", out.Err.Field)
	assert.Zero(t, h.ledger.SubmissionCount())
}

func TestRun_CancelledBeforeSubmission(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := h.runner.Run(ctx, scenarioInput())
	require.NotNil(t, out.Err)
	assert.Equal(t, domain.KindNetwork, out.Err.Kind)
	assert.Equal(t, domain.StepValidating, out.Err.Step)
	assert.Zero(t, h.ledger.SubmissionCount())
}

func TestRun_ConfirmationTimeoutKeepsTransactionHash(t *testing.T) {
	h := newHarness(t)
	h.ledger.HoldReceipts = true

	out := h.runner.Run(context.Background(), scenarioInput())
	require.NotNil(t, out.Err)
	assert.Equal(t, domain.KindNetwork, out.Err.Kind)
	assert.Equal(t, domain.StepConfirming, out.Err.Step)
	assert.NotEmpty(t, out.TransactionHash)
	assert.Equal(t, 1, h.ledger.SubmissionCount())
}

func TestRun_ReleasesSignerAfterFailure(t *testing.T) {
	h := newHarness(t)
	h.ledger.VaultAdmin = common.HexToAddress("0x00000000000000000000000000000000000000ad")
	require.NotNil(t, h.runner.Run(context.Background(), scenarioInput()).Err)

	h.ledger.VaultAdmin = common.Address{}
	in := scenarioInput()
	in.Symbol = "CU-USD"

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	out := h.runner.Run(ctx, in)
	require.Nil(t, out.Err, "unexpected error: %v", out.Err)
}

func TestRun_PublishesProgress(t *testing.T) {
	rec := &eventRecorder{}
	b := progress.NewBroadcaster(rec, progress.Options{})
	h := newHarness(t, withBroadcaster(b))

	in := scenarioInput()
	in.PipelineID = "client-run-1"
	out := h.runner.Run(context.Background(), in)
	require.Nil(t, out.Err)
	b.Wait()

	assert.Equal(t, "client-run-1", out.PipelineID)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Len(t, rec.payloads, len(out.Steps))
	for _, ch := range rec.channels {
		assert.Equal(t, "market-pipeline-client-run-1", ch)
	}
	joined := strings.Join(rec.payloads, "\n")
	assert.Contains(t, joined, `"step":"done"`)

	for i, raw := range rec.payloads {
		var ev progress.Event
		require.NoError(t, json.Unmarshal([]byte(raw), &ev))
		assert.Equal(t, out.Steps[i].Seq, ev.Seq)
		assert.Equal(t, out.Steps[i].Name, ev.Step)
		assert.Equal(t, string(out.Steps[i].Status), ev.Status)
	}
}

func TestRun_NoProgressWithoutPipelineID(t *testing.T) {
	rec := &eventRecorder{}
	b := progress.NewBroadcaster(rec, progress.Options{})
	h := newHarness(t, withBroadcaster(b))

	out := h.runner.Run(context.Background(), scenarioInput())
	require.Nil(t, out.Err)
	b.Wait()

	assert.NotEmpty(t, out.PipelineID, "a generated id still keys the journal")
	assert.Empty(t, rec.payloads)
}

func TestNew_MissingDependencies(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindConfiguration))
	assert.Contains(t, err.Error(), "relayer key")
}

func TestRun_ConcurrentRequestsSerializeSigner(t *testing.T) {
	h := newHarness(t)
	symbols := []string{"A-USD", "B-USD", "C-USD", "D-USD"}

	results := make(chan *domain.Outcome, len(symbols))
	for _, sym := range symbols {
		go func(sym string) {
			in := scenarioInput()
			in.Symbol = sym
			results <- h.runner.Run(context.Background(), in)
		}(sym)
	}
	for range symbols {
		out := <-results
		require.Nil(t, out.Err, "unexpected error: %v", out.Err)
	}

	// Every transaction landed with a strictly sequential nonce.
	txs := h.ledger.Submitted()
	require.Len(t, txs, 3*len(symbols))
	for i, tx := range txs {
		assert.Equal(t, uint64(i), tx.Nonce())
	}
}

func TestRunner_DrainWaitsForSubmittedRun(t *testing.T) {
	h := newHarness(t)
	h.ledger.HoldReceipts = true

	outcomes := make(chan *domain.Outcome, 1)
	go func() {
		outcomes <- h.runner.Run(context.Background(), scenarioInput())
	}()
	require.Eventually(t, func() bool { return h.ledger.SubmissionCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.runner.Drain(ctx))

	select {
	case out := <-outcomes:
		require.NotNil(t, out.Err)
		assert.NotEmpty(t, out.TransactionHash)
	default:
		t.Fatal("Drain returned before the run finished")
	}
}

func TestRunner_DrainReportsAbandonedPipelines(t *testing.T) {
	h := newHarness(t)
	h.ledger.HoldReceipts = true

	in := scenarioInput()
	in.PipelineID = "client-drain-1"
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.runner.Run(context.Background(), in)
	}()
	require.Eventually(t, func() bool { return h.ledger.SubmissionCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := h.runner.Drain(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "client-drain-1")

	<-done
	assert.NoError(t, h.runner.Drain(context.Background()))
}

func TestRunner_DrainIdleAndBudget(t *testing.T) {
	h := newHarness(t)
	assert.NoError(t, h.runner.Drain(context.Background()))
	assert.Greater(t, h.runner.DrainBudget(), 5*200*time.Millisecond)
}
