package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"market-relayer/internal/chain"
	"market-relayer/internal/domain"
	"market-relayer/internal/facets"
	"market-relayer/internal/observability"
	"market-relayer/internal/validation"
)

func (r *Runner) validate(_ context.Context, s *State) error {
	req, err := validation.Validate(s.Input, r.opts.Now())
	if err != nil {
		return err
	}
	req.PipelineID = s.PipelineID
	s.Request = req

	fee := r.relayer
	if req.FeeRecipient != nil {
		fee = *req.FeeRecipient
	}
	s.Outcome.FeeRecipient = fee.Hex()

	s.set("symbol", req.Symbol)
	s.set("gasless", req.IsGasless())
	return nil
}

func (r *Runner) buildCut(_ context.Context, s *State) error {
	cut, err := r.opts.Builder.Build()
	if err != nil {
		return err
	}
	s.Cut = cut
	s.set("entries", len(cut.Entries))
	s.set("selectors", cut.SelectorCount())
	return nil
}

func (r *Runner) authorize(ctx context.Context, s *State) error {
	auth, err := r.opts.Authorizer.Authorize(ctx, s.Request, s.Cut)
	if err != nil {
		return err
	}
	s.Auth = auth
	s.set("signer", auth.Signer.Hex())
	s.set("domainSource", auth.DomainSource)
	return nil
}

// creationCall packs the exact calldata used for both the dry run and the real send.
func (r *Runner) creationCall(s *State) (string, []byte, error) {
	req := s.Request
	creator := r.relayer
	if req.Creator != nil {
		creator = *req.Creator
	}
	params := chain.MarketParams{
		Symbol:         req.Symbol,
		MetricUrl:      req.MetricURL,
		SettlementDate: big.NewInt(req.SettlementDate),
		StartPrice:     req.StartPrice,
		DataSource:     req.DataSource,
		Tags:           req.Tags,
		Creator:        creator,
		FeeRecipient:   common.HexToAddress(s.Outcome.FeeRecipient),
	}

	if req.IsGasless() {
		data, err := r.factory.MetaCreateMarketData(params, s.Cut, *req.Creator, req.Nonce, req.Deadline, req.Signature)
		return "metaCreateMarket", data, err
	}
	data, err := r.factory.CreateMarketData(params, s.Cut)
	return "createMarket", data, err
}

// submitCreation takes the signer, dry-runs the creation call and sends it.
// A dry run reverting with MarketAlreadyExists switches the run to the
// existing market instead of failing.
func (r *Runner) submitCreation(ctx context.Context, s *State) error {
	sub, release, err := r.opts.Signers.Acquire(ctx, r.opts.Key)
	if err != nil {
		return &domain.Error{Kind: domain.KindNetwork, Msg: "acquire relayer signer", Err: err}
	}
	s.submitter, s.release = sub, release

	label, data, err := r.creationCall(s)
	if err != nil {
		return &domain.Error{Kind: domain.KindBuild, Msg: "pack " + label, Err: err}
	}

	if err := r.factory.DryRun(ctx, sub.From(), data); err != nil {
		de := chain.ClassifyCallError(domain.StepSubmittingCreation, err)
		if de.DecodedName != "MarketAlreadyExists" {
			return de
		}
		return r.useExisting(ctx, s, de)
	}

	tx, err := sub.Send(ctx, domain.StepSubmittingCreation, label, r.opts.Factory, data)
	if err != nil {
		return err
	}
	s.Tx = tx
	s.submitted = true
	s.Outcome.TransactionHash = tx.Hash().Hex()
	s.set("transactionHash", s.Outcome.TransactionHash)
	s.set("nonce", tx.Nonce())
	return nil
}

func (r *Runner) useExisting(ctx context.Context, s *State, cause *domain.Error) error {
	orderBook, marketID, err := r.factory.OrderBookBySymbol(ctx, s.Request.Symbol)
	if err != nil {
		return &domain.Error{Kind: domain.KindNetwork, Msg: "look up existing market", Err: err}
	}
	if orderBook == (common.Address{}) {
		return cause
	}
	s.Outcome.Existing = true
	s.Outcome.OrderBookAddress = orderBook.Hex()
	s.Outcome.MarketID = marketID.Hex()
	s.set("existing", true)
	s.set("orderBookAddress", s.Outcome.OrderBookAddress)
	r.log.Printf("pipeline %s: market %s already exists at %s", s.PipelineID, s.Request.Symbol, orderBook.Hex())
	return nil
}

func (r *Runner) confirm(ctx context.Context, s *State) error {
	receipt, err := chain.WaitMined(ctx, r.opts.Backend, domain.StepConfirming, s.Tx.Hash(), r.opts.ConfirmTimeout, r.opts.PollInterval)
	if err != nil {
		return err
	}
	s.Receipt = receipt
	if receipt.BlockNumber != nil {
		s.Outcome.BlockNumber = receipt.BlockNumber.Int64()
	}
	s.Outcome.GasUsed = int64(receipt.GasUsed)
	s.set("blockNumber", s.Outcome.BlockNumber)
	s.set("gasUsed", s.Outcome.GasUsed)
	return nil
}

func (r *Runner) resolveEvent(_ context.Context, s *State) error {
	ev, err := chain.ResolveMarketCreated(s.Receipt, r.opts.Factory)
	if err != nil {
		return err
	}
	s.Outcome.OrderBookAddress = ev.OrderBook.Hex()
	s.Outcome.MarketID = ev.MarketID.Hex()
	s.set("orderBookAddress", s.Outcome.OrderBookAddress)
	s.set("marketId", s.Outcome.MarketID)
	return nil
}

// repairSelectors installs any critical order entry selector the new order
// book is missing. Nothing is sent when all are present.
func (r *Runner) repairSelectors(ctx context.Context, s *State) error {
	orderBook := common.HexToAddress(s.Outcome.OrderBookAddress)
	diamond := chain.NewDiamond(orderBook, r.opts.Backend)

	var missing []domain.Selector
	for _, sel := range facets.CriticalSelectors() {
		facet, err := diamond.FacetAddress(ctx, sel)
		if err != nil {
			return &domain.Error{Kind: domain.KindNetwork, Msg: "read facetAddress " + sel.Hex(), Err: err}
		}
		if facet == (common.Address{}) {
			missing = append(missing, sel)
		}
	}
	s.set("missing", len(missing))
	if len(missing) == 0 {
		return nil
	}

	cut := domain.FacetCut{Entries: []domain.FacetCutEntry{{
		Unit:         string(facets.UnitOrderPlacement),
		FacetAddress: r.opts.Builder.Address(facets.UnitOrderPlacement),
		Action:       domain.FacetCutAdd,
		Selectors:    missing,
	}}}
	data, err := diamond.DiamondCutData(cut)
	if err != nil {
		return &domain.Error{Kind: domain.KindBuild, Msg: "pack diamondCut", Err: err}
	}
	if _, err := r.sendAndWait(ctx, s, domain.StepRepairingSelectors, "diamondCut", orderBook, data); err != nil {
		return err
	}
	observability.RecordSelectorsRepaired(len(missing))
	s.set("repaired", len(missing))
	return nil
}

// role is a vault role granted to every new order book.
type role struct {
	name string
	hash common.Hash
}

var grantedRoles = []role{
	{"ORDERBOOK_ROLE", chain.OrderBookRole},
	{"SETTLEMENT_ROLE", chain.SettlementRole},
}

// grantRoles authorizes the order book on the vault and, if configured,
// registers it. The signer is released when this step ends.
func (r *Runner) grantRoles(ctx context.Context, s *State) error {
	defer s.releaseSigner()

	orderBook := common.HexToAddress(s.Outcome.OrderBookAddress)
	vault := chain.NewVault(r.opts.Vault, r.opts.Backend)

	var granted []string
	for _, rl := range grantedRoles {
		has, err := vault.HasRole(ctx, rl.hash, orderBook)
		if err != nil {
			return adminGrantError("read hasRole "+rl.name, err)
		}
		if has {
			continue
		}
		data, err := vault.GrantRoleData(rl.hash, orderBook)
		if err != nil {
			return adminGrantError("pack grantRole", err)
		}
		if _, err := r.sendAndWait(ctx, s, domain.StepGrantingRoles, "grantRole", r.opts.Vault, data); err != nil {
			return adminGrantError("grant "+rl.name, err)
		}
		observability.RecordRoleGranted(rl.name)
		granted = append(granted, rl.name)
	}
	s.set("granted", granted)

	if r.opts.Registry == (common.Address{}) {
		return nil
	}
	registry := chain.NewRegistry(r.opts.Registry, r.opts.Backend)
	marketID := common.HexToHash(s.Outcome.MarketID)
	registered, err := registry.IsRegistered(ctx, marketID)
	if err != nil {
		return adminGrantError("read isRegistered", err)
	}
	if !registered {
		data, err := registry.RegisterMarketData(marketID, orderBook)
		if err != nil {
			return adminGrantError("pack registerMarket", err)
		}
		if _, err := r.sendAndWait(ctx, s, domain.StepGrantingRoles, "registerMarket", r.opts.Registry, data); err != nil {
			return adminGrantError("register market", err)
		}
	}
	s.set("registered", true)
	return nil
}

func adminGrantError(msg string, err error) *domain.Error {
	de := &domain.Error{
		Kind: domain.KindAdminGrant,
		Step: domain.StepGrantingRoles,
		Msg:  msg,
		Hint: "the market exists but is not fully authorized; grant the vault roles manually",
		Err:  err,
	}
	var inner *domain.Error
	if errors.As(err, &inner) {
		de.DecodedName = inner.DecodedName
	}
	return de
}

// sendAndWait sends through the held signer and waits for a successful receipt.
func (r *Runner) sendAndWait(ctx context.Context, s *State, stepName, label string, to common.Address, data []byte) (*types.Receipt, error) {
	if s.submitter == nil {
		return nil, &domain.Error{Kind: domain.KindFatal, Step: stepName, Msg: "relayer signer not held"}
	}
	tx, err := s.submitter.Send(ctx, stepName, label, to, data)
	if err != nil {
		return nil, err
	}
	s.submitted = true

	receipt, err := chain.WaitMined(ctx, r.opts.Backend, stepName, tx.Hash(), r.opts.ConfirmTimeout, r.opts.PollInterval)
	if err != nil {
		return nil, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, &domain.Error{
			Kind: domain.KindFatal,
			Step: stepName,
			Msg:  fmt.Sprintf("%s transaction %s reverted", label, tx.Hash().Hex()),
		}
	}
	return receipt, nil
}

func (r *Runner) persist(ctx context.Context, s *State) error {
	rec, err := r.opts.Reconciler.Persist(ctx, s.Request, s.Outcome)
	if err != nil {
		return err
	}
	s.set("status", string(rec.Status))
	if rec.StatusReason != nil {
		s.set("reason", *rec.StatusReason)
	}
	return nil
}
