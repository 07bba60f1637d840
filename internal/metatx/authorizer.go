// Package metatx verifies gasless creation requests before the relayer pays for them.
package metatx

import (
	"context"
	"fmt"
	"log"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"market-relayer/internal/chain"
	"market-relayer/internal/domain"
	"market-relayer/internal/facets"
)

// FactoryReader is the read-only factory surface the authorizer needs.
// *chain.Factory satisfies it.
type FactoryReader interface {
	Domain(ctx context.Context) (*chain.EIP712Domain, error)
	MetaCreateNonce(ctx context.Context, creator common.Address) (*big.Int, error)
}

// Config configures gasless verification.
type Config struct {
	Enabled bool

	// Fallback domain, used only when the factory cannot report its own.
	DomainName    string
	DomainVersion string
	ChainID       *big.Int
	Factory       common.Address
}

// Authorization is the result of a successful verification.
type Authorization struct {
	Domain       chain.EIP712Domain
	DomainSource string // "ledger" or "config"
	Digest       common.Hash
	Signer       common.Address
}

// Authorizer reconstructs and verifies the creator's MetaCreate signature.
type Authorizer struct {
	factory FactoryReader
	cfg     Config
	log     *log.Logger
}

// NewAuthorizer creates an Authorizer.
func NewAuthorizer(factory FactoryReader, cfg Config, logger *log.Logger) *Authorizer {
	if logger == nil {
		logger = log.Default()
	}
	return &Authorizer{factory: factory, cfg: cfg, log: logger}
}

// Enabled reports whether gasless creation is turned on.
func (a *Authorizer) Enabled() bool {
	return a.cfg.Enabled
}

// ResolveDomain reads the EIP-712 domain from the factory, falling back to
// configuration when the ledger cannot provide it.
func (a *Authorizer) ResolveDomain(ctx context.Context) (chain.EIP712Domain, string) {
	d, err := a.factory.Domain(ctx)
	if err == nil {
		return *d, "ledger"
	}
	a.log.Printf("eip712Domain unavailable, using configured domain %q v%q (drift risk): %v",
		a.cfg.DomainName, a.cfg.DomainVersion, err)
	chainID := new(big.Int)
	if a.cfg.ChainID != nil {
		chainID.Set(a.cfg.ChainID)
	}
	return chain.EIP712Domain{
		Name:              a.cfg.DomainName,
		Version:           a.cfg.DomainVersion,
		ChainID:           chainID,
		VerifyingContract: a.cfg.Factory,
	}, "config"
}

// Authorize verifies req's signature over the exact payload that will be
// submitted with cut, then checks the creator's replay counter.
func (a *Authorizer) Authorize(ctx context.Context, req *domain.CreationRequest, cut domain.FacetCut) (*Authorization, error) {
	if !a.cfg.Enabled {
		return nil, &domain.Error{
			Kind:  domain.KindValidation,
			Step:  domain.StepAuthorizing,
			Field: "signature",
			Msg:   "gasless creation is disabled on this relayer",
			Hint:  "omit signature, nonce and deadline to create the market directly",
		}
	}
	if !req.IsGasless() || req.Creator == nil {
		return nil, &domain.Error{Kind: domain.KindValidation, Step: domain.StepAuthorizing, Field: "signature", Msg: "incomplete gasless fields"}
	}

	cutHash, err := facets.CutHash(cut)
	if err != nil {
		return nil, &domain.Error{Kind: domain.KindBuild, Step: domain.StepAuthorizing, Msg: "hash facet cut", Err: err}
	}

	d, source := a.ResolveDomain(ctx)
	td, err := TypedData(d, req, cut.Initializer, cutHash)
	if err != nil {
		return nil, &domain.Error{Kind: domain.KindValidation, Step: domain.StepAuthorizing, Field: "signature", Msg: err.Error()}
	}
	digest, err := Digest(td)
	if err != nil {
		return nil, &domain.Error{Kind: domain.KindFatal, Step: domain.StepAuthorizing, Msg: "build signing payload", Err: err}
	}

	signer, err := RecoverSigner(digest, req.Signature)
	if err != nil || signer != *req.Creator {
		msg := fmt.Sprintf("signature recovers to %s, expected %s", signer.Hex(), req.Creator.Hex())
		if err != nil {
			msg = err.Error()
		}
		return nil, &domain.Error{
			Kind: domain.KindSignatureMismatch,
			Step: domain.StepAuthorizing,
			Msg:  msg,
			Hint: "re-sign the MetaCreate message with the creator wallet against the factory's current domain",
		}
	}

	current, err := a.factory.MetaCreateNonce(ctx, *req.Creator)
	if err != nil {
		return nil, &domain.Error{Kind: domain.KindNetwork, Step: domain.StepAuthorizing, Msg: "read metaCreateNonces", Err: err}
	}
	if current.Cmp(req.Nonce) != 0 {
		return nil, &domain.Error{
			Kind: domain.KindStaleNonce,
			Step: domain.StepAuthorizing,
			Msg:  fmt.Sprintf("nonce %s does not match on-chain nonce %s", req.Nonce, current),
			Hint: "fetch the current nonce and re-sign",
		}
	}

	return &Authorization{Domain: d, DomainSource: source, Digest: digest, Signer: signer}, nil
}
