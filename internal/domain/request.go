package domain

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// StartPriceDecimals is the number of implied decimals of fixed-point prices.
const StartPriceDecimals = 6

// Limits applied to creation requests.
const (
	MaxSymbolLength = 100
	MaxTags         = 10
)

// CreationRequest is a normalized request to deploy a new market.
// Lives for the duration of a single pipeline run.
type CreationRequest struct {
	Symbol         string
	MetricURL      string
	StartPrice     *big.Int // fixed-point, StartPriceDecimals decimals
	SettlementDate int64    // unix seconds
	DataSource     string
	Tags           []string

	Name           string
	Description    string
	IconImageURL   string
	BannerImageURL string

	Creator      *common.Address // requester (nullable)
	FeeRecipient *common.Address // nullable, defaults to creator

	// Gasless fields. Either all set or none.
	Signature []byte
	Nonce     *big.Int
	Deadline  *big.Int

	PipelineID string // correlation id for progress streaming (optional)
}

// IsGasless reports whether the request carries a meta-transaction authorization.
func (r *CreationRequest) IsGasless() bool {
	return len(r.Signature) > 0 && r.Nonce != nil && r.Deadline != nil
}
