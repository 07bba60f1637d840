package idhash

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/mr-tron/base58"
)

func TestNewPipelineID(t *testing.T) {
	id, err := NewPipelineID()
	if err != nil {
		t.Fatalf("NewPipelineID() error = %v", err)
	}
	if !strings.HasPrefix(id, PipelineIDPrefix) {
		t.Errorf("NewPipelineID() = %q, want prefix %q", id, PipelineIDPrefix)
	}
	if !ValidPipelineID(id) {
		t.Errorf("generated id %q is not valid", id)
	}

	other, _ := NewPipelineID()
	if other == id {
		t.Error("two generated ids collided")
	}
}

func TestNewPipelineID_Deterministic(t *testing.T) {
	seed := bytes.Repeat([]byte{0x01}, 16)
	id, err := newPipelineID(bytes.NewReader(seed))
	if err != nil {
		t.Fatalf("newPipelineID() error = %v", err)
	}

	decoded, err := base58.Decode(strings.TrimPrefix(id, PipelineIDPrefix))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bytes.Equal(decoded, seed) {
		t.Errorf("decoded = %x, want %x", decoded, seed)
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("no entropy") }

func TestNewPipelineID_ReadError(t *testing.T) {
	if _, err := newPipelineID(failingReader{}); err == nil {
		t.Error("expected error from failing reader")
	}
}

func TestValidPipelineID(t *testing.T) {
	tests := []struct {
		id   string
		want bool
	}{
		{"pl_3mJr7AoUXx2Wqd", true},
		{"client-run-01", true},
		{"", false},
		{"has space", false},
		{"slash/inside", false},
		{strings.Repeat("a", MaxPipelineIDLength), true},
		{strings.Repeat("a", MaxPipelineIDLength+1), false},
	}
	for _, tt := range tests {
		if got := ValidPipelineID(tt.id); got != tt.want {
			t.Errorf("ValidPipelineID(%q) = %v, want %v", tt.id, got, tt.want)
		}
	}
}
