package pipeline

import (
	"github.com/ethereum/go-ethereum/core/types"

	"market-relayer/internal/chain"
	"market-relayer/internal/domain"
	"market-relayer/internal/metatx"
	"market-relayer/internal/validation"
)

// State is the mutable context of one pipeline run. Each step reads what
// earlier steps produced and records its own results here.
type State struct {
	PipelineID string
	Input      validation.Input
	Request    *domain.CreationRequest
	Cut        domain.FacetCut
	Auth       *metatx.Authorization
	Tx         *types.Transaction
	Receipt    *types.Receipt
	Outcome    *domain.Outcome

	// submitted is set once a transaction reached the ledger; from then on
	// the run ignores caller cancellation.
	submitted bool
	// broadcast is false when the caller supplied no usable pipeline id.
	broadcast bool

	submitter *chain.Submitter
	release   func()

	// data is attached to the success entry of the current step.
	data map[string]any
}

// set records a key for the current step's success payload.
func (s *State) set(key string, value any) {
	if s.data == nil {
		s.data = make(map[string]any)
	}
	s.data[key] = value
}

// releaseSigner returns the signer to the pool. Safe to call repeatedly.
func (s *State) releaseSigner() {
	if s.release != nil {
		s.release()
		s.release = nil
		s.submitter = nil
	}
}

func (s *State) mode() string {
	if s.Request != nil && s.Request.IsGasless() {
		return "gasless"
	}
	return "direct"
}
