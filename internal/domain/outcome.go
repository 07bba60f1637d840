package domain

// Outcome is the terminal result of a pipeline run.
// On-chain identifiers are populated as soon as they are known, even when
// a later step fails, so the caller can recover.
type Outcome struct {
	PipelineID       string
	OrderBookAddress string
	MarketID         string
	TransactionHash  string
	BlockNumber      int64
	GasUsed          int64
	ChainID          int64
	FeeRecipient     string
	Existing         bool // market already existed on-chain
	Status           MarketStatus
	Steps            []PipelineStep
	Warnings         []string
	Err              *Error
}

// HasIdentity reports whether the on-chain market is known.
func (o *Outcome) HasIdentity() bool {
	return o.OrderBookAddress != "" && o.MarketID != ""
}
