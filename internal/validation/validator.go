// Package validation normalizes and rejects market creation requests
// before any network or chain access happens.
package validation

import (
	"math/big"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	"market-relayer/internal/domain"
	"market-relayer/internal/idhash"
)

// Input is the raw, caller-supplied creation request.
type Input struct {
	Symbol               string
	MetricURL            string
	StartPrice           string // decimal, e.g. "1.25"
	StartPriceFixedPoint string // integer with 6 implied decimals, takes precedence
	SettlementDate       int64  // unix seconds
	DataSource           string
	Tags                 []string
	Name                 string
	Description          string
	CreatorWalletAddress string
	FeeRecipient         string
	IconImageURL         string
	BannerImageURL       string
	PipelineID           string

	Signature string
	Nonce     string
	Deadline  string
}

const signatureLength = 65

// Validate returns a normalized request or a *domain.Error of kind
// ValidationError naming the offending field.
func Validate(in Input, now time.Time) (*domain.CreationRequest, error) {
	return validate(in, now, true)
}

// ValidateRepair normalizes a request describing a market that already exists
// on-chain. Time-dependent checks are skipped since the settlement date may
// have passed since creation, and gasless fields are ignored.
func ValidateRepair(in Input) (*domain.CreationRequest, error) {
	in.Signature, in.Nonce, in.Deadline = "", "", ""
	return validate(in, time.Time{}, false)
}

func validate(in Input, now time.Time, live bool) (*domain.CreationRequest, error) {
	symbol := strings.ToUpper(strings.TrimSpace(in.Symbol))
	if symbol == "" {
		return nil, domain.ValidationError("symbol", "must not be empty")
	}
	if utf8.RuneCountInString(symbol) > domain.MaxSymbolLength {
		return nil, domain.ValidationError("symbol", "must be at most 100 characters")
	}

	metricURL := strings.TrimSpace(in.MetricURL)
	if metricURL == "" {
		return nil, domain.ValidationError("metricUrl", "must not be empty")
	}
	if u, err := url.Parse(metricURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, domain.ValidationError("metricUrl", "must be an absolute http(s) URL")
	}

	if in.SettlementDate <= 0 {
		return nil, domain.ValidationError("settlementDate", "must be a positive unix timestamp")
	}
	if live && in.SettlementDate <= now.Unix() {
		return nil, domain.ValidationError("settlementDate", "must be in the future")
	}

	price, err := fixedPointPrice(in.StartPrice, in.StartPriceFixedPoint)
	if err != nil {
		return nil, err
	}

	tags := normalizeTags(in.Tags)
	if len(tags) > domain.MaxTags {
		return nil, domain.ValidationError("tags", "at most 10 tags are allowed")
	}

	req := &domain.CreationRequest{
		Symbol:         symbol,
		MetricURL:      metricURL,
		StartPrice:     price,
		SettlementDate: in.SettlementDate,
		DataSource:     strings.TrimSpace(in.DataSource),
		Tags:           tags,
		Name:           strings.TrimSpace(in.Name),
		Description:    strings.TrimSpace(in.Description),
		IconImageURL:   strings.TrimSpace(in.IconImageURL),
		BannerImageURL: strings.TrimSpace(in.BannerImageURL),
		PipelineID:     strings.TrimSpace(in.PipelineID),
	}
	if req.PipelineID != "" && !idhash.ValidPipelineID(req.PipelineID) {
		return nil, domain.ValidationError("pipelineId", "must be at most 64 characters of [A-Za-z0-9_-]")
	}
	if req.DataSource == "" {
		req.DataSource = "User Provided"
	}

	if req.Creator, err = optionalAddress("creatorWalletAddress", in.CreatorWalletAddress); err != nil {
		return nil, err
	}
	if req.FeeRecipient, err = optionalAddress("feeRecipient", in.FeeRecipient); err != nil {
		return nil, err
	}
	if req.FeeRecipient == nil && req.Creator != nil {
		fr := *req.Creator
		req.FeeRecipient = &fr
	}

	if err := applyGasless(req, in, now); err != nil {
		return nil, err
	}

	return req, nil
}

// fixedPointPrice converts the start price to a 6-decimal fixed-point integer.
// Extra precision is truncated.
func fixedPointPrice(dec, fixed string) (*big.Int, error) {
	fixed = strings.TrimSpace(fixed)
	if fixed != "" {
		v, ok := new(big.Int).SetString(fixed, 10)
		if !ok {
			return nil, domain.ValidationError("startPriceFixedPoint", "must be an integer")
		}
		if v.Sign() <= 0 {
			return nil, domain.ValidationError("startPriceFixedPoint", "must be greater than zero")
		}
		return v, nil
	}

	dec = strings.TrimSpace(dec)
	if dec == "" {
		return nil, domain.ValidationError("startPrice", "must not be empty")
	}
	d, err := decimal.NewFromString(dec)
	if err != nil {
		return nil, domain.ValidationError("startPrice", "must be a decimal number")
	}
	v := d.Shift(domain.StartPriceDecimals).Truncate(0).BigInt()
	if v.Sign() <= 0 {
		return nil, domain.ValidationError("startPrice", "must be greater than zero at 6 decimals")
	}
	return v, nil
}

// normalizeTags trims and upper-cases tags and drops blank ones. Order and
// duplicates are kept: the gasless signature commits to this exact list.
func normalizeTags(tags []string) []string {
	upper := lo.Map(tags, func(t string, _ int) string {
		return strings.ToUpper(strings.TrimSpace(t))
	})
	return lo.Compact(upper)
}

func optionalAddress(field, s string) (*common.Address, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	if !common.IsHexAddress(s) {
		return nil, domain.ValidationError(field, "must be a hex address")
	}
	addr := common.HexToAddress(s)
	return &addr, nil
}

// applyGasless parses the meta-transaction fields. All three must be present
// together; a partial set is rejected.
func applyGasless(req *domain.CreationRequest, in Input, now time.Time) error {
	sig := strings.TrimSpace(in.Signature)
	nonce := strings.TrimSpace(in.Nonce)
	deadline := strings.TrimSpace(in.Deadline)

	if sig == "" && nonce == "" && deadline == "" {
		return nil
	}
	if sig == "" || nonce == "" || deadline == "" {
		return domain.ValidationError("signature", "signature, nonce and deadline must be supplied together")
	}
	if req.Creator == nil {
		return domain.ValidationError("creatorWalletAddress", "required for gasless creation")
	}

	sigBytes, err := hexutil.Decode(sig)
	if err != nil || len(sigBytes) != signatureLength {
		return domain.ValidationError("signature", "must be a 65-byte hex string")
	}

	n, ok := new(big.Int).SetString(nonce, 10)
	if !ok || n.Sign() < 0 {
		return domain.ValidationError("nonce", "must be a non-negative integer")
	}

	d, ok := new(big.Int).SetString(deadline, 10)
	if !ok || d.Sign() <= 0 {
		return domain.ValidationError("deadline", "must be a positive unix timestamp")
	}
	if d.Cmp(big.NewInt(now.Unix())) <= 0 {
		return domain.ValidationError("deadline", "has already passed")
	}

	req.Signature = sigBytes
	req.Nonce = n
	req.Deadline = d
	return nil
}
