package chain

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"

	"market-relayer/internal/domain"
)

// RevertError is a revert carrying raw return data, shaped like the
// JSON-RPC execution error (code 3) returned by nodes.
type RevertError struct {
	Data []byte
}

func (e *RevertError) Error() string {
	return "execution reverted"
}

// ErrorCode implements rpc.Error.
func (e *RevertError) ErrorCode() int { return executionRevertedCode }

// ErrorData implements rpc.DataError.
func (e *RevertError) ErrorData() interface{} { return hexutil.Encode(e.Data) }

// Revert is a decoded revert reason.
type Revert struct {
	Name   string // custom error name, "Error", "Panic" or "" if unknown
	Reason string // human readable reason
	Hint   string // remediation hint
	Data   []byte
}

// revertHints maps known custom errors to remediation hints.
var revertHints = map[string]string{
	"MarketAlreadyExists":              "a market with this symbol already exists; choose another symbol",
	"InvalidSignature":                 "the signature does not match the request; re-sign the exact payload",
	"SignatureExpired":                 "the signed deadline has passed; re-sign with a later deadline",
	"InvalidNonce":                     "the meta-transaction nonce is stale; fetch the current nonce and re-sign",
	"SettlementInPast":                 "settlement date must be in the future",
	"InvalidStartPrice":                "start price must be greater than zero",
	"EmptyFacetCut":                    "the facet cut is empty; check relayer facet configuration",
	"UnauthorizedCreator":              "the factory does not allow this creator",
	"MetaCreateDisabled":               "gasless creation is disabled on the factory",
	"NotContractOwner":                 "the relayer is not the diamond owner",
	"AccessControlUnauthorizedAccount": "the relayer lacks the admin role on the vault",
}

var knownErrorABIs = []abi.ABI{FactoryABI, DiamondABI, VaultABI}

// RevertData extracts revert return data from a call error, if present.
func RevertData(err error) ([]byte, bool) {
	var de rpc.DataError
	if !errors.As(err, &de) {
		return nil, false
	}
	switch d := de.ErrorData().(type) {
	case string:
		b, decErr := hexutil.Decode(d)
		if decErr != nil {
			return nil, false
		}
		return b, true
	case []byte:
		return d, true
	default:
		return nil, false
	}
}

// DecodeRevert decodes revert data by its leading 4 bytes.
func DecodeRevert(data []byte) Revert {
	r := Revert{Data: data}
	if len(data) < 4 {
		r.Reason = "execution reverted without reason"
		r.Hint = "check the call arguments and relayer configuration"
		return r
	}

	if reason, err := abi.UnpackRevert(data); err == nil {
		r.Name = "Error"
		if bytes.Equal(data[:4], panicSelector) {
			r.Name = "Panic"
		}
		r.Reason = reason
		r.Hint = "the contract rejected the call: " + reason
		return r
	}

	for _, parsed := range knownErrorABIs {
		for name, e := range parsed.Errors {
			if !bytes.Equal(e.ID[:4], data[:4]) {
				continue
			}
			r.Name = name
			r.Reason = name
			if args, err := e.Unpack(data); err == nil {
				r.Reason = fmt.Sprintf("%s%v", name, args)
			}
			r.Hint = revertHints[name]
			return r
		}
	}

	r.Reason = "unknown revert " + hexutil.Encode(data[:4])
	r.Hint = "decode the selector against the deployed contract sources"
	return r
}

var panicSelector = []byte{0x4e, 0x48, 0x7b, 0x71}

// ClassifyCallError turns a dry-run failure into a StaticCallRevertError
// when the node returned revert data, or a NetworkError otherwise.
func ClassifyCallError(step string, err error) *domain.Error {
	if data, ok := RevertData(err); ok {
		r := DecodeRevert(data)
		return &domain.Error{
			Kind:        domain.KindStaticCallRevert,
			Step:        step,
			Msg:         "dry run reverted: " + r.Reason,
			Hint:        r.Hint,
			DecodedName: r.Name,
		}
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) && rpcErr.ErrorCode() == executionRevertedCode {
		r := DecodeRevert(nil)
		return &domain.Error{
			Kind: domain.KindStaticCallRevert,
			Step: step,
			Msg:  "dry run reverted: " + r.Reason,
			Hint: r.Hint,
		}
	}
	return &domain.Error{Kind: domain.KindNetwork, Step: step, Msg: "dry run failed", Err: err}
}

// executionRevertedCode is the JSON-RPC error code nodes use for reverts.
const executionRevertedCode = 3
