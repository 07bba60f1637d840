// Package main persists a market whose creation transaction confirmed but whose
// record was never written. Nothing is sent on-chain.
//
// Usage:
//
//	repair --tx 0x... --symbol ALU-USD --metric-url https://... \
//	       --start-price-fixed-point 1000000 --settlement-date 1830000000 \
//	       -- --rpc-url ... --factory-address 0x... --postgres-dsn ...
//
// Only the RPC URL, factory address and PostgreSQL DSN are required; the
// relayer's key, vault and facet settings are not.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"market-relayer/internal/chain"
	"market-relayer/internal/config"
	"market-relayer/internal/reconcile"
	"market-relayer/internal/storage"
	"market-relayer/internal/storage/memory"
	pgstore "market-relayer/internal/storage/postgres"
	"market-relayer/internal/validation"
)

func main() {
	if err := config.LoadEnvFile(".env"); err != nil {
		log.Fatalf("load .env: %v", err)
	}
	logger := log.New(os.Stderr, "[repair] ", log.LstdFlags)

	fs := flag.NewFlagSet("repair", flag.ExitOnError)
	txHash := fs.String("tx", "", "Confirmed creation transaction hash")
	symbol := fs.String("symbol", "", "Market symbol")
	metricURL := fs.String("metric-url", "", "Metric source URL")
	startPrice := fs.String("start-price-fixed-point", "", "Start price, 6 implied decimals")
	settlement := fs.Int64("settlement-date", 0, "Settlement date (unix seconds)")
	dataSource := fs.String("data-source", "", "Data source label")
	tags := fs.String("tags", "", "Comma-separated tags")
	name := fs.String("name", "", "Display name")
	creator := fs.String("creator", "", "Creator wallet address")
	feeRecipient := fs.String("fee-recipient", "", "Fee recipient address")
	timeout := fs.Duration("timeout", time.Minute, "Overall timeout")
	fs.Parse(os.Args[1:])

	if !strings.HasPrefix(*txHash, "0x") || len(common.FromHex(*txHash)) != common.HashLength {
		logger.Fatal("--tx must be a 0x-prefixed 32-byte transaction hash")
	}

	var tagList []string
	if *tags != "" {
		tagList = strings.Split(*tags, ",")
	}
	req, err := validation.ValidateRepair(validation.Input{
		Symbol:               *symbol,
		MetricURL:            *metricURL,
		StartPriceFixedPoint: *startPrice,
		SettlementDate:       *settlement,
		DataSource:           *dataSource,
		Tags:                 tagList,
		Name:                 *name,
		CreatorWalletAddress: *creator,
		FeeRecipient:         *feeRecipient,
	})
	if err != nil {
		logger.Fatalf("Invalid request: %v", err)
	}

	// Infrastructure flags follow "--".
	cfg, err := config.LoadRepair(fs.Args(), os.Getenv)
	if err != nil {
		logger.Fatal(err)
	}
	if req.FeeRecipient == nil && req.Creator == nil && cfg.DefaultFeeRecipient() == (common.Address{}) {
		logger.Fatal("--fee-recipient, --creator or DEFAULT_FEE_RECIPIENT is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	client, err := chain.Dial(ctx, cfg.RPCURL)
	if err != nil {
		logger.Fatal(err)
	}
	defer client.Close()
	chainID, err := client.ChainID(ctx)
	if err != nil {
		logger.Fatalf("Read chain id: %v", err)
	}

	var markets storage.MarketStore
	if cfg.UseMemory {
		logger.Println("Using in-memory storage; the repaired record will not outlive this process")
		markets = memory.NewMarketStore()
	} else {
		pool, err := pgstore.NewPool(ctx, cfg.PostgresDSN)
		if err != nil {
			logger.Fatal(err)
		}
		defer pool.Close()
		markets = pgstore.NewMarketStore(pool)
	}

	reconciler := reconcile.New(markets, reconcile.Options{
		Backend:             client,
		Factory:             cfg.Factory,
		ChainID:             chainID.Int64(),
		DefaultFeeRecipient: cfg.DefaultFeeRecipient(),
		Logger:              logger,
	})

	out, err := reconciler.Repair(ctx, req, common.HexToHash(*txHash))
	if err != nil {
		logger.Fatalf("Repair failed: %v", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(map[string]any{
		"symbol":           req.Symbol,
		"orderBookAddress": out.OrderBookAddress,
		"marketId":         out.MarketID,
		"transactionHash":  out.TransactionHash,
		"blockNumber":      out.BlockNumber,
		"status":           out.Status,
		"warnings":         out.Warnings,
	})
}
