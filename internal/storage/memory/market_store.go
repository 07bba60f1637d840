package memory

import (
	"context"
	"math/big"
	"sync"
	"time"

	"market-relayer/internal/domain"
	"market-relayer/internal/storage"
)

// MarketStore is an in-memory implementation of storage.MarketStore.
// It enforces the same settlement check as the PostgreSQL schema.
type MarketStore struct {
	mu   sync.RWMutex
	data map[string]*domain.MarketRecord // keyed by symbol
	now  func() time.Time
}

// NewMarketStore creates a new in-memory market store.
func NewMarketStore() *MarketStore {
	return &MarketStore{
		data: make(map[string]*domain.MarketRecord),
		now:  time.Now,
	}
}

// SetClock overrides the clock used for the settlement check.
func (s *MarketStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Upsert inserts or updates the record keyed by symbol.
func (s *MarketStore) Upsert(_ context.Context, r *domain.MarketRecord) (*domain.MarketRecord, error) {
	if r == nil || r.Symbol == "" || !r.Status.IsValid() {
		return nil, storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if r.Status == domain.MarketStatusDeployed && r.SettlementDate <= s.now().Unix() {
		return nil, storage.ErrSettlementElapsed
	}

	stored := copyRecord(r)
	if existing, ok := s.data[r.Symbol]; ok {
		if existing.Creator != nil {
			stored.Creator = existing.Creator
		}
		if stored.DeployTxHash == "" {
			stored.DeployTxHash = existing.DeployTxHash
			stored.DeployBlock = existing.DeployBlock
			stored.DeployGasUsed = existing.DeployGasUsed
		}
		stored.CreatedAt = existing.CreatedAt
	}
	s.data[r.Symbol] = stored
	return copyRecord(stored), nil
}

// GetBySymbol retrieves a record by symbol. Returns ErrNotFound if not exists.
func (s *MarketStore) GetBySymbol(_ context.Context, symbol string) (*domain.MarketRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.data[symbol]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return copyRecord(r), nil
}

// Count returns the number of stored records.
func (s *MarketStore) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data), nil
}

// copyRecord deep-copies the mutable fields of r.
func copyRecord(r *domain.MarketRecord) *domain.MarketRecord {
	c := *r
	if r.StartPrice != nil {
		c.StartPrice = new(big.Int).Set(r.StartPrice)
	}
	if r.Tags != nil {
		c.Tags = append([]string(nil), r.Tags...)
	}
	c.StatusReason = copyString(r.StatusReason)
	c.Name = copyString(r.Name)
	c.Description = copyString(r.Description)
	c.IconImageURL = copyString(r.IconImageURL)
	c.BannerImageURL = copyString(r.BannerImageURL)
	c.Creator = copyString(r.Creator)
	return &c
}

func copyString(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

var _ storage.MarketStore = (*MarketStore)(nil)
