package metatx

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"market-relayer/internal/chain"
	"market-relayer/internal/domain"
)

// PrimaryType is the EIP-712 primary type signed by creators.
const PrimaryType = "MetaCreate"

var metaCreateTypes = apitypes.Types{
	"EIP712Domain": {
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	PrimaryType: {
		{Name: "marketSymbol", Type: "string"},
		{Name: "metricUrl", Type: "string"},
		{Name: "settlementDate", Type: "uint256"},
		{Name: "startPrice", Type: "uint256"},
		{Name: "dataSource", Type: "string"},
		{Name: "tagsHash", Type: "bytes32"},
		{Name: "cutHash", Type: "bytes32"},
		{Name: "initFacet", Type: "address"},
		{Name: "creator", Type: "address"},
		{Name: "nonce", Type: "uint256"},
		{Name: "deadline", Type: "uint256"},
	},
}

// TagsHash is keccak256 of the concatenated keccak256 hashes of each tag.
// Signers hash the normalized list: trimmed, upper-cased, blanks removed.
func TagsHash(tags []string) common.Hash {
	buf := make([]byte, 0, 32*len(tags))
	for _, t := range tags {
		buf = append(buf, crypto.Keccak256([]byte(t))...)
	}
	return crypto.Keccak256Hash(buf)
}

// TypedData builds the MetaCreate message a creator signs for req.
func TypedData(d chain.EIP712Domain, req *domain.CreationRequest, initFacet common.Address, cutHash common.Hash) (apitypes.TypedData, error) {
	if req.Creator == nil || req.Nonce == nil || req.Deadline == nil || req.StartPrice == nil {
		return apitypes.TypedData{}, errors.New("request is missing gasless fields")
	}
	return apitypes.TypedData{
		Types:       metaCreateTypes,
		PrimaryType: PrimaryType,
		Domain: apitypes.TypedDataDomain{
			Name:              d.Name,
			Version:           d.Version,
			ChainId:           (*math.HexOrDecimal256)(new(big.Int).Set(d.ChainID)),
			VerifyingContract: d.VerifyingContract.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"marketSymbol":   req.Symbol,
			"metricUrl":      req.MetricURL,
			"settlementDate": big.NewInt(req.SettlementDate).String(),
			"startPrice":     req.StartPrice.String(),
			"dataSource":     req.DataSource,
			"tagsHash":       TagsHash(req.Tags).Hex(),
			"cutHash":        cutHash.Hex(),
			"initFacet":      initFacet.Hex(),
			"creator":        req.Creator.Hex(),
			"nonce":          req.Nonce.String(),
			"deadline":       req.Deadline.String(),
		},
	}, nil
}

// Digest returns the EIP-712 signing hash of td.
func Digest(td apitypes.TypedData) (common.Hash, error) {
	hash, _, err := apitypes.TypedDataAndHash(td)
	if err != nil {
		return common.Hash{}, fmt.Errorf("hash typed data: %w", err)
	}
	return common.BytesToHash(hash), nil
}

// RecoverSigner recovers the address that produced sig over digest.
// Both {0,1} and {27,28} recovery ids are accepted.
func RecoverSigner(digest common.Hash, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("signature must be %d bytes, got %d", crypto.SignatureLength, len(sig))
	}
	s := make([]byte, crypto.SignatureLength)
	copy(s, sig)
	if s[crypto.RecoveryIDOffset] >= 27 {
		s[crypto.RecoveryIDOffset] -= 27
	}
	if s[crypto.RecoveryIDOffset] > 1 {
		return common.Address{}, fmt.Errorf("invalid recovery id %d", sig[crypto.RecoveryIDOffset])
	}
	pub, err := crypto.SigToPub(digest.Bytes(), s)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover signer: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Sign produces a wallet-style signature (v in {27,28}) over td.
func Sign(td apitypes.TypedData, key *ecdsa.PrivateKey) ([]byte, error) {
	digest, err := Digest(td)
	if err != nil {
		return nil, err
	}
	sig, err := crypto.Sign(digest.Bytes(), key)
	if err != nil {
		return nil, fmt.Errorf("sign typed data: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}
