package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"market-relayer/internal/domain"
	"market-relayer/internal/validation"
)

const maxBodyBytes = 1 << 20

// flexString accepts a JSON string or number. Wallets send nonces and
// deadlines either way.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("expected string or number, got %s", data)
	}
	*f = flexString(n.String())
	return nil
}

// createMarketBody is the JSON body of POST /api/markets.
type createMarketBody struct {
	Symbol               string     `json:"symbol"`
	MetricURL            string     `json:"metricUrl"`
	StartPrice           flexString `json:"startPrice"`
	StartPriceFixedPoint flexString `json:"startPriceFixedPoint"`
	SettlementDate       flexString `json:"settlementDate"`
	DataSource           string     `json:"dataSource"`
	Tags                 []string   `json:"tags"`
	Name                 string     `json:"name"`
	Description          string     `json:"description"`
	CreatorWalletAddress string     `json:"creatorWalletAddress"`
	FeeRecipient         string     `json:"feeRecipient"`
	IconImageURL         string     `json:"iconImageUrl"`
	BannerImageURL       string     `json:"bannerImageUrl"`
	PipelineID           string     `json:"pipelineId"`

	Signature string     `json:"signature"`
	Nonce     flexString `json:"nonce"`
	Deadline  flexString `json:"deadline"`
}

// reconcileBody is the JSON body of POST /api/markets/reconcile.
type reconcileBody struct {
	createMarketBody
	TransactionHash string `json:"transactionHash"`
}

func (b *createMarketBody) input() (validation.Input, error) {
	in := validation.Input{
		Symbol:               b.Symbol,
		MetricURL:            b.MetricURL,
		StartPrice:           string(b.StartPrice),
		StartPriceFixedPoint: string(b.StartPriceFixedPoint),
		DataSource:           b.DataSource,
		Tags:                 b.Tags,
		Name:                 b.Name,
		Description:          b.Description,
		CreatorWalletAddress: b.CreatorWalletAddress,
		FeeRecipient:         b.FeeRecipient,
		IconImageURL:         b.IconImageURL,
		BannerImageURL:       b.BannerImageURL,
		PipelineID:           b.PipelineID,
		Signature:            b.Signature,
		Nonce:                string(b.Nonce),
		Deadline:             string(b.Deadline),
	}

	raw := strings.TrimSpace(string(b.SettlementDate))
	if raw == "" {
		return in, domain.ValidationError("settlementDate", "is required")
	}
	sec, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return in, domain.ValidationError("settlementDate", "must be an integer unix timestamp in seconds")
	}
	in.SettlementDate = sec
	return in, nil
}

// readJSON decodes a bounded request body into dst.
func readJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxErr):
			return domain.ValidationError("body", "exceeds 1MB limit")
		case errors.Is(err, io.EOF):
			return domain.ValidationError("body", "is empty")
		default:
			return domain.ValidationError("body", "invalid JSON: "+err.Error())
		}
	}
	return nil
}
