package idhash

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"market-relayer/internal/domain"
)

// ComputeRequestHash computes a deterministic fingerprint of a normalized creation request.
// Formula: SHA256(symbol|metric_url|start_price|settlement_date|data_source|tags|creator)
// Tags are joined with "," in request order. Gasless fields and the pipeline id are
// excluded so that a re-signed retry of the same market yields the same hash.
// Returns hex-encoded hash (64 characters).
func ComputeRequestHash(req *domain.CreationRequest) string {
	price := ""
	if req.StartPrice != nil {
		price = req.StartPrice.String()
	}
	creator := ""
	if req.Creator != nil {
		creator = strings.ToLower(req.Creator.Hex())
	}

	data := fmt.Sprintf("%s|%s|%s|%d|%s|%s|%s",
		req.Symbol,
		req.MetricURL,
		price,
		req.SettlementDate,
		req.DataSource,
		strings.Join(req.Tags, ","),
		creator,
	)

	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}
