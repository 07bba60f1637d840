package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/params"

	"market-relayer/internal/domain"
	"market-relayer/internal/observability"
)

// ErrStaleNonce marks a send rejected because its sequence number was already used.
var ErrStaleNonce = errors.New("stale nonce")

// maxStaleNonceRetries bounds resync-and-retry on a stale sequence number.
const maxStaleNonceRetries = 1

// staleNonceMessages are node rejections meaning the nonce slot is taken.
var staleNonceMessages = []string{
	"nonce too low",
	"already known",
	"replacement transaction underpriced",
	"nonce has already been used",
}

// classifySendError converts node rejections into typed errors.
func classifySendError(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	for _, m := range staleNonceMessages {
		if strings.Contains(msg, m) {
			return fmt.Errorf("%w: %v", ErrStaleNonce, err)
		}
	}
	return err
}

// FeePolicy sets the floors and bump applied to EIP-1559 fee suggestions.
type FeePolicy struct {
	MinTipCap          *big.Int // floor for the priority fee (wei)
	MinFeeCap          *big.Int // absolute floor for the max fee (wei)
	BumpPercent        int64    // bump over baseFee+tip
	GasHeadroomPercent uint64   // added to estimated gas
}

// DefaultFeePolicy returns the default fee policy.
func DefaultFeePolicy() FeePolicy {
	return FeePolicy{
		MinTipCap:          big.NewInt(2 * params.GWei),
		MinFeeCap:          big.NewInt(20 * params.GWei),
		BumpPercent:        25,
		GasHeadroomPercent: 20,
	}
}

// Overrides are the per-transaction parameters handed out by the Submitter.
type Overrides struct {
	Nonce     uint64
	GasTipCap *big.Int
	GasFeeCap *big.Int
}

// Submitter issues transactions for one signing identity in strict nonce order.
// All transactions from the identity must go through a single Submitter.
type Submitter struct {
	backend Backend
	key     *ecdsa.PrivateKey
	from    common.Address
	chainID *big.Int
	signer  types.Signer
	fees    FeePolicy

	mu        sync.Mutex
	next      uint64
	seeded    bool
	uncertain bool // a send failed in a way that may have left a gap
}

// NewSubmitter creates a Submitter. The counter is seeded lazily from the ledger.
func NewSubmitter(backend Backend, key *ecdsa.PrivateKey, chainID *big.Int, fees FeePolicy) *Submitter {
	return &Submitter{
		backend: backend,
		key:     key,
		from:    crypto.PubkeyToAddress(key.PublicKey),
		chainID: chainID,
		signer:  types.LatestSignerForChainID(chainID),
		fees:    fees,
	}
}

// From returns the signing address.
func (s *Submitter) From() common.Address {
	return s.from
}

// Resync re-reads the pending sequence count and moves the counter forward to it.
// The counter never moves backwards while seeded.
func (s *Submitter) Resync(ctx context.Context) error {
	pending, err := s.backend.PendingNonceAt(ctx, s.from)
	if err != nil {
		return fmt.Errorf("pending nonce: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.seeded || pending > s.next {
		s.next = pending
	}
	s.seeded = true
	observability.RecordNonceResync()
	return nil
}

// reseed drops the cached counter if a previous holder left it uncertain,
// then resyncs.
func (s *Submitter) reseed(ctx context.Context) error {
	s.mu.Lock()
	if s.uncertain {
		s.seeded = false
		s.uncertain = false
	}
	s.mu.Unlock()
	return s.Resync(ctx)
}

// NextOverrides returns fee parameters and the next sequence number,
// advancing the counter by exactly one.
func (s *Submitter) NextOverrides(ctx context.Context) (Overrides, error) {
	tip, feeCap, err := s.fees.compute(ctx, s.backend)
	if err != nil {
		return Overrides{}, err
	}

	// After an uncertain failure the cached counter may be ahead of the
	// ledger; fall back to the pending count.
	s.mu.Lock()
	if s.uncertain {
		s.seeded = false
		s.uncertain = false
	}
	seeded := s.seeded
	s.mu.Unlock()
	if !seeded {
		if err := s.Resync(ctx); err != nil {
			return Overrides{}, err
		}
	}

	s.mu.Lock()
	nonce := s.next
	s.next++
	s.mu.Unlock()

	return Overrides{Nonce: nonce, GasTipCap: tip, GasFeeCap: feeCap}, nil
}

// compute derives the tip and fee cap from the network's current state.
func (p FeePolicy) compute(ctx context.Context, backend Backend) (*big.Int, *big.Int, error) {
	suggested, err := backend.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("suggest tip: %w", err)
	}
	head, err := backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("latest header: %w", err)
	}

	tip := maxBig(suggested, p.MinTipCap)

	baseFee := new(big.Int)
	if head != nil && head.BaseFee != nil {
		baseFee.Set(head.BaseFee)
	}
	estimate := new(big.Int).Add(baseFee, tip)
	bumped := estimate.Mul(estimate, big.NewInt(100+p.BumpPercent))
	bumped.Div(bumped, big.NewInt(100))

	feeCap := maxBig(bumped, p.MinFeeCap)
	feeCap = maxBig(feeCap, tip)
	return tip, feeCap, nil
}

func maxBig(a, b *big.Int) *big.Int {
	if b == nil {
		return new(big.Int).Set(a)
	}
	if a == nil || b.Cmp(a) > 0 {
		return new(big.Int).Set(b)
	}
	return new(big.Int).Set(a)
}

// Send estimates, signs and broadcasts a call to `to`. A stale-nonce
// rejection is retried once after Resync; anything else is surfaced.
// Reverts during estimation are StaticCallRevertErrors and consume no nonce.
func (s *Submitter) Send(ctx context.Context, step, label string, to common.Address, data []byte) (*types.Transaction, error) {
	gas, err := s.backend.EstimateGas(ctx, ethereum.CallMsg{From: s.from, To: &to, Data: data})
	if err != nil {
		return nil, ClassifyCallError(step, fmt.Errorf("estimate %s: %w", label, err))
	}
	gas += gas * s.fees.GasHeadroomPercent / 100

	for attempt := 0; ; attempt++ {
		ov, err := s.NextOverrides(ctx)
		if err != nil {
			return nil, &domain.Error{Kind: domain.KindNetwork, Step: step, Msg: "prepare " + label, Err: err}
		}

		tx, err := types.SignTx(types.NewTx(&types.DynamicFeeTx{
			ChainID:   s.chainID,
			Nonce:     ov.Nonce,
			GasTipCap: ov.GasTipCap,
			GasFeeCap: ov.GasFeeCap,
			Gas:       gas,
			To:        &to,
			Data:      data,
		}), s.signer, s.key)
		if err != nil {
			return nil, &domain.Error{Kind: domain.KindFatal, Step: step, Msg: "sign " + label, Err: err}
		}

		err = classifySendError(s.backend.SendTransaction(ctx, tx))
		if err == nil {
			observability.RecordTxSubmitted(label)
			return tx, nil
		}

		if errors.Is(err, ErrStaleNonce) {
			if attempt < maxStaleNonceRetries {
				if rerr := s.Resync(ctx); rerr != nil {
					return nil, &domain.Error{Kind: domain.KindNetwork, Step: step, Msg: "resync after stale nonce", Err: rerr}
				}
				continue
			}
			return nil, &domain.Error{
				Kind: domain.KindNetwork,
				Step: step,
				Msg:  fmt.Sprintf("send %s: nonce still stale after resync", label),
				Hint: "another process may be using the relayer key",
				Err:  err,
			}
		}

		s.mu.Lock()
		s.uncertain = true
		s.mu.Unlock()
		return nil, &domain.Error{Kind: domain.KindNetwork, Step: step, Msg: "send " + label, Err: err}
	}
}
