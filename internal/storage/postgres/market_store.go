package postgres

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/jackc/pgx/v5"

	"market-relayer/internal/domain"
	"market-relayer/internal/storage"
)

// MarketStore implements storage.MarketStore using PostgreSQL.
type MarketStore struct {
	pool *Pool
}

// NewMarketStore creates a new MarketStore.
func NewMarketStore(pool *Pool) *MarketStore {
	return &MarketStore{pool: pool}
}

const marketColumns = `symbol, order_book_address, market_id, chain_id, status, status_reason,
	settlement_date, start_price::text, metric_url, data_source, tags, name, description,
	icon_image_url, banner_image_url, creator, fee_recipient, deploy_tx_hash, deploy_block,
	deploy_gas_used, request_hash, created_at, updated_at`

// Upsert inserts or updates the record keyed by symbol. The existing creator
// and created_at are kept on conflict.
func (s *MarketStore) Upsert(ctx context.Context, r *domain.MarketRecord) (_ *domain.MarketRecord, err error) {
	if r == nil || r.Symbol == "" || !r.Status.IsValid() || r.StartPrice == nil {
		return nil, storage.ErrInvalidInput
	}
	start := time.Now()
	defer func() { observe("upsert_market", start, err) }()

	query := `
		INSERT INTO markets (
			symbol, order_book_address, market_id, chain_id, status, status_reason,
			settlement_date, start_price, metric_url, data_source, tags, name, description,
			icon_image_url, banner_image_url, creator, fee_recipient, deploy_tx_hash, deploy_block,
			deploy_gas_used, request_hash, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8::numeric, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23)
		ON CONFLICT (symbol) DO UPDATE SET
			order_book_address = EXCLUDED.order_book_address,
			market_id          = EXCLUDED.market_id,
			chain_id           = EXCLUDED.chain_id,
			status             = EXCLUDED.status,
			status_reason      = EXCLUDED.status_reason,
			settlement_date    = EXCLUDED.settlement_date,
			start_price        = EXCLUDED.start_price,
			metric_url         = EXCLUDED.metric_url,
			data_source        = EXCLUDED.data_source,
			tags               = EXCLUDED.tags,
			name               = COALESCE(EXCLUDED.name, markets.name),
			description        = COALESCE(EXCLUDED.description, markets.description),
			icon_image_url     = COALESCE(EXCLUDED.icon_image_url, markets.icon_image_url),
			banner_image_url   = COALESCE(EXCLUDED.banner_image_url, markets.banner_image_url),
			creator            = COALESCE(markets.creator, EXCLUDED.creator),
			fee_recipient      = EXCLUDED.fee_recipient,
			deploy_tx_hash     = COALESCE(NULLIF(EXCLUDED.deploy_tx_hash, ''), markets.deploy_tx_hash),
			deploy_block       = COALESCE(NULLIF(EXCLUDED.deploy_block, 0), markets.deploy_block),
			deploy_gas_used    = COALESCE(NULLIF(EXCLUDED.deploy_gas_used, 0), markets.deploy_gas_used),
			request_hash       = EXCLUDED.request_hash,
			updated_at         = EXCLUDED.updated_at
		RETURNING ` + marketColumns

	tags := r.Tags
	if tags == nil {
		tags = []string{}
	}

	row := s.pool.QueryRow(ctx, query,
		r.Symbol,
		r.OrderBookAddress,
		r.MarketID,
		r.ChainID,
		string(r.Status),
		r.StatusReason,
		r.SettlementDate,
		r.StartPrice.String(),
		r.MetricURL,
		r.DataSource,
		tags,
		r.Name,
		r.Description,
		r.IconImageURL,
		r.BannerImageURL,
		r.Creator,
		r.FeeRecipient,
		r.DeployTxHash,
		r.DeployBlock,
		r.DeployGasUsed,
		r.RequestHash,
		r.CreatedAt,
		r.UpdatedAt,
	)

	stored, err := scanMarket(row)
	if err != nil {
		if isCheckViolation(err, constraintSettlementInFuture) {
			return nil, storage.ErrSettlementElapsed
		}
		return nil, fmt.Errorf("upsert market %s: %w", r.Symbol, err)
	}
	return stored, nil
}

// GetBySymbol retrieves a record by symbol. Returns ErrNotFound if not exists.
func (s *MarketStore) GetBySymbol(ctx context.Context, symbol string) (_ *domain.MarketRecord, err error) {
	start := time.Now()
	defer func() { observe("get_market", start, err) }()

	row := s.pool.QueryRow(ctx, `SELECT `+marketColumns+` FROM markets WHERE symbol = $1`, symbol)
	r, err := scanMarket(row)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get market %s: %w", symbol, err)
	}
	return r, nil
}

// Count returns the number of stored records.
func (s *MarketStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM markets`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count markets: %w", err)
	}
	return n, nil
}

func scanMarket(row pgx.Row) (*domain.MarketRecord, error) {
	var (
		r          domain.MarketRecord
		status     string
		startPrice string
	)
	err := row.Scan(
		&r.Symbol,
		&r.OrderBookAddress,
		&r.MarketID,
		&r.ChainID,
		&status,
		&r.StatusReason,
		&r.SettlementDate,
		&startPrice,
		&r.MetricURL,
		&r.DataSource,
		&r.Tags,
		&r.Name,
		&r.Description,
		&r.IconImageURL,
		&r.BannerImageURL,
		&r.Creator,
		&r.FeeRecipient,
		&r.DeployTxHash,
		&r.DeployBlock,
		&r.DeployGasUsed,
		&r.RequestHash,
		&r.CreatedAt,
		&r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	r.Status = domain.MarketStatus(status)
	price, ok := new(big.Int).SetString(startPrice, 10)
	if !ok {
		return nil, fmt.Errorf("parse start_price %q", startPrice)
	}
	r.StartPrice = price
	return &r, nil
}

var _ storage.MarketStore = (*MarketStore)(nil)
