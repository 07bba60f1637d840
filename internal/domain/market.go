package domain

import "math/big"

// MarketStatus represents the lifecycle status of a persisted market.
type MarketStatus string

const (
	MarketStatusDeployed            MarketStatus = "deployed"
	MarketStatusSettlementRequested MarketStatus = "settlement_requested"
)

// String returns the string representation of MarketStatus.
func (s MarketStatus) String() string {
	return string(s)
}

// IsValid checks if the status is a valid value.
func (s MarketStatus) IsValid() bool {
	return s == MarketStatusDeployed || s == MarketStatusSettlementRequested
}

// MarketRecord represents a deployed market.
// Corresponds to markets table in PostgreSQL.
type MarketRecord struct {
	Symbol           string       // UNIQUE, upper-cased market symbol
	OrderBookAddress string       // diamond address (0x-prefixed, checksummed)
	MarketID         string       // bytes32 market identifier (0x-prefixed hex)
	ChainID          int64        // EVM chain id
	Status           MarketStatus // deployed | settlement_requested
	StatusReason     *string      // why a non-default status was chosen (nullable)
	SettlementDate   int64        // unix seconds
	StartPrice       *big.Int     // fixed-point, 6 decimals
	MetricURL        string       // metric source
	DataSource       string       // free-text source label
	Tags             []string     // up to 10 tags
	Name             *string      // display name (nullable)
	Description      *string      // description (nullable)
	IconImageURL     *string      // nullable
	BannerImageURL   *string      // nullable
	Creator          *string      // requester address (nullable)
	FeeRecipient     string       // fee recipient address
	DeployTxHash     string       // creation transaction hash
	DeployBlock      int64        // creation block number
	DeployGasUsed    int64        // creation gas used
	RequestHash      string       // fingerprint of the originating request
	CreatedAt        int64        // record creation timestamp (ms)
	UpdatedAt        int64        // last upsert timestamp (ms)
}
