package api

import (
	"encoding/json"
	"net/http"

	"market-relayer/internal/domain"
)

// createMarketResponse is the 200 body of POST /api/markets and the reconcile endpoint.
type createMarketResponse struct {
	OrderBookAddress string   `json:"orderBookAddress"`
	MarketID         string   `json:"marketId"`
	TransactionHash  string   `json:"transactionHash,omitempty"`
	FeeRecipient     string   `json:"feeRecipient"`
	PipelineID       string   `json:"pipelineId,omitempty"`
	Status           string   `json:"status"`
	Existing         bool     `json:"existing,omitempty"`
	Warnings         []string `json:"warnings,omitempty"`
}

// errorResponse carries a classified failure and any identifiers already known.
type errorResponse struct {
	Error            string `json:"error"`
	Kind             string `json:"kind"`
	Step             string `json:"step,omitempty"`
	Field            string `json:"field,omitempty"`
	Hint             string `json:"hint,omitempty"`
	DecodedErrorName string `json:"decodedErrorName,omitempty"`
	OrderBookAddress string `json:"orderBookAddress,omitempty"`
	MarketID         string `json:"marketId,omitempty"`
	TransactionHash  string `json:"transactionHash,omitempty"`
	PipelineID       string `json:"pipelineId,omitempty"`
	RequestID        string `json:"requestId,omitempty"`
}

// marketView is the public JSON form of a stored market.
type marketView struct {
	Symbol           string   `json:"symbol"`
	OrderBookAddress string   `json:"orderBookAddress"`
	MarketID         string   `json:"marketId"`
	ChainID          int64    `json:"chainId"`
	Status           string   `json:"status"`
	StatusReason     *string  `json:"statusReason,omitempty"`
	SettlementDate   int64    `json:"settlementDate"`
	StartPrice       string   `json:"startPriceFixedPoint"`
	MetricURL        string   `json:"metricUrl"`
	DataSource       string   `json:"dataSource"`
	Tags             []string `json:"tags"`
	Name             *string  `json:"name,omitempty"`
	Description      *string  `json:"description,omitempty"`
	IconImageURL     *string  `json:"iconImageUrl,omitempty"`
	BannerImageURL   *string  `json:"bannerImageUrl,omitempty"`
	Creator          *string  `json:"creator,omitempty"`
	FeeRecipient     string   `json:"feeRecipient"`
	DeployTxHash     string   `json:"transactionHash"`
	DeployBlock      int64    `json:"blockNumber"`
	CreatedAt        int64    `json:"createdAt"`
	UpdatedAt        int64    `json:"updatedAt"`
}

type stepView struct {
	Seq       int            `json:"seq"`
	Step      string         `json:"step"`
	Status    string         `json:"status"`
	Timestamp int64          `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

func successResponse(out *domain.Outcome) createMarketResponse {
	return createMarketResponse{
		OrderBookAddress: out.OrderBookAddress,
		MarketID:         out.MarketID,
		TransactionHash:  out.TransactionHash,
		FeeRecipient:     out.FeeRecipient,
		PipelineID:       out.PipelineID,
		Status:           string(out.Status),
		Existing:         out.Existing,
		Warnings:         out.Warnings,
	}
}

func newErrorResponse(err *domain.Error, out *domain.Outcome) errorResponse {
	resp := errorResponse{
		Error:            err.Error(),
		Kind:             string(err.Kind),
		Step:             err.Step,
		Field:            err.Field,
		Hint:             err.Hint,
		DecodedErrorName: err.DecodedName,
	}
	if out != nil {
		resp.OrderBookAddress = out.OrderBookAddress
		resp.MarketID = out.MarketID
		resp.TransactionHash = out.TransactionHash
		resp.PipelineID = out.PipelineID
	}
	return resp
}

func newMarketView(r *domain.MarketRecord) marketView {
	v := marketView{
		Symbol:           r.Symbol,
		OrderBookAddress: r.OrderBookAddress,
		MarketID:         r.MarketID,
		ChainID:          r.ChainID,
		Status:           string(r.Status),
		StatusReason:     r.StatusReason,
		SettlementDate:   r.SettlementDate,
		MetricURL:        r.MetricURL,
		DataSource:       r.DataSource,
		Tags:             r.Tags,
		Name:             r.Name,
		Description:      r.Description,
		IconImageURL:     r.IconImageURL,
		BannerImageURL:   r.BannerImageURL,
		Creator:          r.Creator,
		FeeRecipient:     r.FeeRecipient,
		DeployTxHash:     r.DeployTxHash,
		DeployBlock:      r.DeployBlock,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
	if r.StartPrice != nil {
		v.StartPrice = r.StartPrice.String()
	}
	if v.Tags == nil {
		v.Tags = []string{}
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
