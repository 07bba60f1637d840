package domain

import "github.com/ethereum/go-ethereum/common"

// FacetCutAction mirrors the diamond standard's IDiamondCut.FacetCutAction.
type FacetCutAction uint8

const (
	FacetCutAdd     FacetCutAction = 0
	FacetCutReplace FacetCutAction = 1
	FacetCutRemove  FacetCutAction = 2
)

// Selector is a 4-byte function identifier.
type Selector [4]byte

// Hex returns the 0x-prefixed hex form of the selector.
func (s Selector) Hex() string {
	return "0x" + common.Bytes2Hex(s[:])
}

// FacetCutEntry binds a set of selectors to a facet contract.
// Selectors must never be empty.
type FacetCutEntry struct {
	Unit         string // logical unit name (pricing, placement, ...)
	FacetAddress common.Address
	Action       FacetCutAction
	Selectors    []Selector
}

// FacetCut is the full set of entries needed to wire a new market.
type FacetCut struct {
	Entries     []FacetCutEntry
	Initializer common.Address
}

// SelectorCount returns the total number of selectors across all entries.
func (c FacetCut) SelectorCount() int {
	n := 0
	for _, e := range c.Entries {
		n += len(e.Selectors)
	}
	return n
}
