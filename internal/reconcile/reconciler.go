// Package reconcile persists pipeline outcomes to the market store and
// repairs missing records from confirmed creation transactions.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"

	"market-relayer/internal/chain"
	"market-relayer/internal/domain"
	"market-relayer/internal/idhash"
	"market-relayer/internal/observability"
	"market-relayer/internal/storage"
)

// SettlementElapsedReason is recorded when a deployed market is persisted
// after its settlement date has passed.
const SettlementElapsedReason = "settlement date elapsed before persistence"

// Options configures a Reconciler.
type Options struct {
	// Backend and Factory are needed only by Repair.
	Backend chain.Backend
	Factory common.Address
	ChainID int64
	// DefaultFeeRecipient is used by Repair when the request names neither
	// a fee recipient nor a creator (the relayer address).
	DefaultFeeRecipient common.Address

	Logger *log.Logger
	Now    func() time.Time
}

// Reconciler writes one MarketRecord per terminal outcome.
type Reconciler struct {
	store storage.MarketStore
	opts  Options
	log   *log.Logger
}

// New creates a Reconciler.
func New(store storage.MarketStore, opts Options) *Reconciler {
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Reconciler{store: store, opts: opts, log: opts.Logger}
}

// Persist upserts the market described by req and out. A deployed record
// rejected because its settlement date passed is stored as
// settlement_requested instead. out.Status is set on success; any other
// failure is a PersistenceError and leaves out's identifiers untouched.
func (r *Reconciler) Persist(ctx context.Context, req *domain.CreationRequest, out *domain.Outcome) (*domain.MarketRecord, error) {
	if req == nil || out == nil || !out.HasIdentity() {
		return nil, &domain.Error{
			Kind: domain.KindPersistence,
			Step: domain.StepPersisting,
			Msg:  "no on-chain identity to persist",
		}
	}

	rec, err := r.recordFor(ctx, req, out)
	if err != nil {
		observability.RecordMarketPersisted("failed")
		return nil, &domain.Error{
			Kind: domain.KindPersistence,
			Step: domain.StepPersisting,
			Msg:  "read market " + req.Symbol,
			Err:  err,
		}
	}
	stored, err := r.store.Upsert(ctx, rec)
	if errors.Is(err, storage.ErrSettlementElapsed) {
		r.log.Printf("market %s: %s, storing as %s", rec.Symbol, SettlementElapsedReason, domain.MarketStatusSettlementRequested)
		reason := SettlementElapsedReason
		rec.Status = domain.MarketStatusSettlementRequested
		rec.StatusReason = &reason
		stored, err = r.store.Upsert(ctx, rec)
	}
	if err != nil {
		observability.RecordMarketPersisted("failed")
		return nil, &domain.Error{
			Kind: domain.KindPersistence,
			Step: domain.StepPersisting,
			Msg:  "upsert market " + rec.Symbol,
			Hint: "the market exists on-chain; retry persistence via POST /api/markets/reconcile with the transaction hash",
			Err:  err,
		}
	}

	out.Status = stored.Status
	out.FeeRecipient = stored.FeeRecipient
	if stored.StatusReason != nil {
		out.Warnings = append(out.Warnings, *stored.StatusReason)
	}
	observability.RecordMarketPersisted(string(stored.Status))
	return stored, nil
}

// recordFor builds the row to upsert. For a market that already existed
// on-chain the stored row describes what was deployed, so its market fields
// are kept and only identifiers and timestamps are refreshed.
func (r *Reconciler) recordFor(ctx context.Context, req *domain.CreationRequest, out *domain.Outcome) (*domain.MarketRecord, error) {
	rec := r.record(req, out)
	if !out.Existing {
		return rec, nil
	}

	prev, err := r.store.GetBySymbol(ctx, req.Symbol)
	if errors.Is(err, storage.ErrNotFound) {
		r.log.Printf("market %s exists on-chain but has no stored row; recording request fields", req.Symbol)
		return rec, nil
	}
	if err != nil {
		return nil, err
	}

	kept := *prev
	kept.OrderBookAddress = rec.OrderBookAddress
	kept.MarketID = rec.MarketID
	kept.ChainID = rec.ChainID
	kept.UpdatedAt = rec.UpdatedAt
	if kept.FeeRecipient == "" {
		kept.FeeRecipient = rec.FeeRecipient
	}
	if prev.RequestHash != rec.RequestHash {
		r.log.Printf("market %s: repeat request differs from the stored market; keeping stored fields", req.Symbol)
	}
	return &kept, nil
}

func (r *Reconciler) record(req *domain.CreationRequest, out *domain.Outcome) *domain.MarketRecord {
	nowMs := r.opts.Now().UnixMilli()
	chainID := out.ChainID
	if chainID == 0 {
		chainID = r.opts.ChainID
	}

	rec := &domain.MarketRecord{
		Symbol:           req.Symbol,
		OrderBookAddress: out.OrderBookAddress,
		MarketID:         out.MarketID,
		ChainID:          chainID,
		Status:           domain.MarketStatusDeployed,
		SettlementDate:   req.SettlementDate,
		StartPrice:       req.StartPrice,
		MetricURL:        req.MetricURL,
		DataSource:       req.DataSource,
		Tags:             append([]string(nil), req.Tags...),
		Name:             optional(req.Name),
		Description:      optional(req.Description),
		IconImageURL:     optional(req.IconImageURL),
		BannerImageURL:   optional(req.BannerImageURL),
		FeeRecipient:     out.FeeRecipient,
		DeployTxHash:     out.TransactionHash,
		DeployBlock:      out.BlockNumber,
		DeployGasUsed:    out.GasUsed,
		RequestHash:      idhash.ComputeRequestHash(req),
		CreatedAt:        nowMs,
		UpdatedAt:        nowMs,
	}
	if req.Creator != nil {
		c := req.Creator.Hex()
		rec.Creator = &c
	}
	return rec
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Repair persists a market from a confirmed creation transaction without
// sending anything on-chain. Used when a pipeline's persistence step failed.
func (r *Reconciler) Repair(ctx context.Context, req *domain.CreationRequest, txHash common.Hash) (*domain.Outcome, error) {
	if r.opts.Backend == nil {
		return nil, domain.ConfigurationError("reconciler has no ledger backend")
	}

	out := &domain.Outcome{
		PipelineID:      req.PipelineID,
		TransactionHash: txHash.Hex(),
		ChainID:         r.opts.ChainID,
	}

	receipt, err := r.opts.Backend.TransactionReceipt(ctx, txHash)
	if errors.Is(err, ethereum.NotFound) {
		return out, &domain.Error{
			Kind:  domain.KindValidation,
			Step:  domain.StepResolvingEvent,
			Field: "transactionHash",
			Msg:   "transaction " + txHash.Hex() + " is not mined",
			Hint:  "wait for confirmation or check the hash",
		}
	}
	if err != nil {
		return out, &domain.Error{Kind: domain.KindNetwork, Step: domain.StepResolvingEvent, Msg: "fetch receipt", Err: err}
	}

	ev, err := chain.ResolveMarketCreated(receipt, r.opts.Factory)
	if err != nil {
		e := domain.AsError(err)
		e.Step = domain.StepResolvingEvent
		return out, e
	}
	if !strings.EqualFold(ev.Symbol, req.Symbol) {
		return out, &domain.Error{
			Kind:  domain.KindValidation,
			Step:  domain.StepResolvingEvent,
			Field: "transactionHash",
			Msg:   fmt.Sprintf("transaction created market %q, not %q", ev.Symbol, req.Symbol),
		}
	}

	out.OrderBookAddress = ev.OrderBook.Hex()
	out.MarketID = ev.MarketID.Hex()
	if receipt.BlockNumber != nil {
		out.BlockNumber = receipt.BlockNumber.Int64()
	}
	out.GasUsed = int64(receipt.GasUsed)
	out.FeeRecipient = r.feeRecipient(req).Hex()

	if _, err := r.Persist(ctx, req, out); err != nil {
		return out, err
	}
	r.log.Printf("repaired market %s from %s (status %s)", req.Symbol, txHash.Hex(), out.Status)
	return out, nil
}

func (r *Reconciler) feeRecipient(req *domain.CreationRequest) common.Address {
	switch {
	case req.FeeRecipient != nil:
		return *req.FeeRecipient
	case req.Creator != nil:
		return *req.Creator
	default:
		return r.opts.DefaultFeeRecipient
	}
}
