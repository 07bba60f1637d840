// Package facets computes the facet cut installed on every new order book.
package facets

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"market-relayer/internal/chain"
	"market-relayer/internal/domain"
)

// Config holds the deployed unit addresses.
type Config struct {
	Addresses    map[Unit]common.Address
	Initializer  common.Address
	ArtifactsDir string // optional; compiled artifacts take precedence over built-in signatures
}

// Builder resolves selectors per unit and assembles the facet cut.
type Builder struct {
	cfg Config
	log *log.Logger
}

// NewBuilder validates cfg and creates a Builder.
// A missing unit or initializer address is a ConfigurationError.
func NewBuilder(cfg Config, logger *log.Logger) (*Builder, error) {
	if logger == nil {
		logger = log.Default()
	}
	var missing []string
	for _, u := range Units {
		if cfg.Addresses[u] == (common.Address{}) {
			missing = append(missing, string(u))
		}
	}
	if cfg.Initializer == (common.Address{}) {
		missing = append(missing, "initializer")
	}
	if len(missing) > 0 {
		return nil, domain.ConfigurationError("missing facet addresses: " + strings.Join(missing, ", "))
	}
	return &Builder{cfg: cfg, log: logger}, nil
}

// Selector computes the 4-byte selector of a canonical function signature.
func Selector(signature string) domain.Selector {
	var s domain.Selector
	copy(s[:], crypto.Keccak256([]byte(signature))[:4])
	return s
}

// CriticalSelectors returns the order entry points checked after creation.
func CriticalSelectors() []domain.Selector {
	out := make([]domain.Selector, len(criticalSignatures))
	for i, sig := range criticalSignatures {
		out[i] = Selector(sig)
	}
	return out
}

// Address returns the deployed address of unit.
func (b *Builder) Address(u Unit) common.Address {
	return b.cfg.Addresses[u]
}

// Build assembles the facet cut. Every unit must resolve to at least one
// selector and no selector may appear in two units.
func (b *Builder) Build() (domain.FacetCut, error) {
	cut := domain.FacetCut{Initializer: b.cfg.Initializer}
	owner := make(map[domain.Selector]Unit)

	for _, u := range Units {
		sels, err := b.Selectors(u)
		if err != nil {
			return domain.FacetCut{}, err
		}
		if len(sels) == 0 {
			return domain.FacetCut{}, buildError(fmt.Sprintf("unit %s resolved to zero selectors", u))
		}
		for _, s := range sels {
			if prev, dup := owner[s]; dup {
				return domain.FacetCut{}, buildError(fmt.Sprintf("selector %s exported by both %s and %s", s.Hex(), prev, u))
			}
			owner[s] = u
		}
		cut.Entries = append(cut.Entries, domain.FacetCutEntry{
			Unit:         string(u),
			FacetAddress: b.cfg.Addresses[u],
			Action:       domain.FacetCutAdd,
			Selectors:    sels,
		})
	}
	return cut, nil
}

// Selectors resolves the selectors of unit. The compiled artifact wins over
// the built-in list; a disagreement is logged as drift.
func (b *Builder) Selectors(u Unit) ([]domain.Selector, error) {
	fallback := signatureSelectors(fallbackSignatures[u])

	sigs, err := b.artifactSignatures(u)
	if err != nil {
		return nil, err
	}
	if sigs == nil {
		return fallback, nil
	}

	authoritative := signatureSelectors(sigs)
	if missing, extra := diff(fallback, authoritative); len(missing) > 0 || len(extra) > 0 {
		b.log.Printf("selector drift in %s: artifact adds %d, removes %d relative to built-in list",
			u, len(extra), len(missing))
	}
	return authoritative, nil
}

// artifactSignatures returns the method signatures from the unit's compiled
// artifact, or nil if no artifact exists.
func (b *Builder) artifactSignatures(u Unit) ([]string, error) {
	if b.cfg.ArtifactsDir == "" {
		return nil, nil
	}
	name := ContractName[u]
	candidates := []string{
		filepath.Join(b.cfg.ArtifactsDir, name+".json"),
		filepath.Join(b.cfg.ArtifactsDir, name+".sol", name+".json"),
	}

	for _, path := range candidates {
		raw, err := os.ReadFile(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, buildError(fmt.Sprintf("read artifact %s: %v", path, err))
		}
		sigs, err := parseArtifact(raw)
		if err != nil {
			return nil, buildError(fmt.Sprintf("parse artifact %s: %v", path, err))
		}
		return sigs, nil
	}
	return nil, nil
}

// parseArtifact extracts sorted method signatures from a Hardhat or Foundry artifact.
func parseArtifact(raw []byte) ([]string, error) {
	var artifact struct {
		ABI json.RawMessage `json:"abi"`
	}
	if err := json.Unmarshal(raw, &artifact); err != nil {
		return nil, err
	}
	if len(artifact.ABI) == 0 {
		return nil, errors.New("artifact has no abi field")
	}
	parsed, err := abi.JSON(bytes.NewReader(artifact.ABI))
	if err != nil {
		return nil, err
	}
	sigs := make([]string, 0, len(parsed.Methods))
	for _, m := range parsed.Methods {
		sigs = append(sigs, m.Sig)
	}
	sort.Strings(sigs)
	return sigs, nil
}

func signatureSelectors(sigs []string) []domain.Selector {
	out := make([]domain.Selector, len(sigs))
	for i, sig := range sigs {
		out[i] = Selector(sig)
	}
	return out
}

// diff returns selectors in a but not b, and in b but not a.
func diff(a, b []domain.Selector) (missing, extra []domain.Selector) {
	inA := make(map[domain.Selector]bool, len(a))
	for _, s := range a {
		inA[s] = true
	}
	inB := make(map[domain.Selector]bool, len(b))
	for _, s := range b {
		inB[s] = true
		if !inA[s] {
			extra = append(extra, s)
		}
	}
	for _, s := range a {
		if !inB[s] {
			missing = append(missing, s)
		}
	}
	return missing, extra
}

func buildError(msg string) *domain.Error {
	return &domain.Error{
		Kind: domain.KindBuild,
		Step: domain.StepBuildingCut,
		Msg:  msg,
		Hint: "check facet artifacts and relayer facet configuration",
	}
}

var cutArgs = func() abi.Arguments {
	typ, err := abi.NewType("tuple[]", "", []abi.ArgumentMarshaling{
		{Name: "facetAddress", Type: "address"},
		{Name: "action", Type: "uint8"},
		{Name: "functionSelectors", Type: "bytes4[]"},
	})
	if err != nil {
		panic("facet cut abi type: " + err.Error())
	}
	return abi.Arguments{{Type: typ}}
}()

// CutHash is keccak256(abi.encode(FacetCut[])), the value bound into the
// gasless creation signature.
func CutHash(cut domain.FacetCut) (common.Hash, error) {
	enc, err := cutArgs.Pack(chain.ToCut(cut))
	if err != nil {
		return common.Hash{}, fmt.Errorf("encode facet cut: %w", err)
	}
	return crypto.Keccak256Hash(enc), nil
}
