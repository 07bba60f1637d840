package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// SignerPool hands out exclusive access to one Submitter per signing identity.
// Concurrent pipelines sharing a signer serialize on Acquire; the live counter
// is cached between holders.
type SignerPool struct {
	backend Backend
	chainID *big.Int
	fees    FeePolicy

	mu    sync.Mutex
	slots map[common.Address]*signerSlot
}

type signerSlot struct {
	sem chan struct{}
	sub *Submitter
}

// NewSignerPool creates a pool for backend on chainID.
func NewSignerPool(backend Backend, chainID *big.Int, fees FeePolicy) *SignerPool {
	return &SignerPool{
		backend: backend,
		chainID: chainID,
		fees:    fees,
		slots:   make(map[common.Address]*signerSlot),
	}
}

// ChainID returns the chain id transactions are signed for.
func (p *SignerPool) ChainID() *big.Int {
	return new(big.Int).Set(p.chainID)
}

func (p *SignerPool) slot(key *ecdsa.PrivateKey) *signerSlot {
	addr := crypto.PubkeyToAddress(key.PublicKey)

	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.slots[addr]
	if !ok {
		s = &signerSlot{
			sem: make(chan struct{}, 1),
			sub: NewSubmitter(p.backend, key, p.chainID, p.fees),
		}
		p.slots[addr] = s
	}
	return s
}

// Acquire blocks until the signer is free or ctx is done, then resyncs the
// counter against the ledger. The returned release func must be called once.
func (p *SignerPool) Acquire(ctx context.Context, key *ecdsa.PrivateKey) (*Submitter, func(), error) {
	s := p.slot(key)

	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}

	var once sync.Once
	release := func() {
		once.Do(func() { <-s.sem })
	}

	if err := s.sub.reseed(ctx); err != nil {
		release()
		return nil, nil, fmt.Errorf("seed nonce: %w", err)
	}
	return s.sub, release, nil
}
