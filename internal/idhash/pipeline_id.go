package idhash

import (
	"crypto/rand"
	"fmt"
	"io"

	"github.com/mr-tron/base58"
)

// PipelineIDPrefix prefixes server-generated pipeline ids.
const PipelineIDPrefix = "pl_"

// MaxPipelineIDLength bounds caller-supplied ids; they become channel names.
const MaxPipelineIDLength = 64

// NewPipelineID returns a random id: PipelineIDPrefix + base58(16 random bytes).
func NewPipelineID() (string, error) {
	return newPipelineID(rand.Reader)
}

func newPipelineID(r io.Reader) (string, error) {
	var b [16]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return PipelineIDPrefix + base58.Encode(b[:]), nil
}

// ValidPipelineID reports whether a caller-supplied id is usable as a channel suffix:
// non-empty, bounded, and limited to [A-Za-z0-9_-].
func ValidPipelineID(id string) bool {
	if id == "" || len(id) > MaxPipelineIDLength {
		return false
	}
	for _, c := range id {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_', c == '-':
		default:
			return false
		}
	}
	return true
}
