// Package config loads and validates the relayer's startup configuration.
package config

import (
	"crypto/ecdsa"
	"flag"
	"fmt"
	"io"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	"market-relayer/internal/chain"
	"market-relayer/internal/domain"
	"market-relayer/internal/facets"
	"market-relayer/internal/pipeline"
)

// Config is the validated relayer configuration.
type Config struct {
	ListenAddr string
	RPCURL     string
	ChainID    int64 // expected chain id; 0 accepts whatever the node reports

	Key *ecdsa.PrivateKey

	Factory     common.Address
	Vault       common.Address
	Registry    common.Address // optional
	Facets      facets.Config
	FeeFallback common.Address // fee recipient for repairs without creator

	Gasless       bool
	DomainName    string
	DomainVersion string

	Fees           chain.FeePolicy
	ConfirmTimeout time.Duration
	PollInterval   time.Duration

	UseMemory     bool
	PostgresDSN   string
	ClickhouseDSN string
	RedisURL      string // optional progress fan-out
}

// raw holds flag values before parsing.
type raw struct {
	listen, rpc, chainID, key string

	factory, vault, registry, feeFallback string
	initializer, artifacts                string
	units                                 map[facets.Unit]*string

	gasless                   bool
	domainName, domainVersion string

	minTip, minFee, bump, headroom string
	confirmTimeout, pollInterval   string

	useMemory                   bool
	postgres, clickhouse, redis string
}

// UnitEnv is the environment variable holding a unit's deployed address.
func UnitEnv(u facets.Unit) string {
	return "FACET_" + strings.ToUpper(string(u)) + "_ADDRESS"
}

// mode selects which settings are mandatory.
type mode int

const (
	relayerMode mode = iota
	// repairMode only reads receipts and writes the market store: the
	// signing key, vault and facet addresses are optional and the step
	// journal is not used.
	repairMode
)

// Load parses args with environment-variable defaults read through getenv,
// then validates the result. All problems are reported in one ConfigurationError.
func Load(args []string, getenv func(string) string) (*Config, error) {
	r, err := parse(args, getenv)
	if err != nil {
		return nil, err
	}
	return r.build(relayerMode)
}

// LoadRepair is Load for out-of-band persistence repair. Only the RPC URL,
// the factory address and the PostgreSQL DSN (unless --use-memory) are
// required; anything else that is set is still validated.
func LoadRepair(args []string, getenv func(string) string) (*Config, error) {
	r, err := parse(args, getenv)
	if err != nil {
		return nil, err
	}
	return r.build(repairMode)
}

func parse(args []string, getenv func(string) string) (*raw, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	env := func(key, def string) string {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			return v
		}
		return def
	}

	fs := flag.NewFlagSet("relayer", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	r := raw{units: make(map[facets.Unit]*string, len(facets.Units))}
	fs.StringVar(&r.listen, "listen-addr", env("LISTEN_ADDR", ":8080"), "HTTP listen address")
	fs.StringVar(&r.rpc, "rpc-url", env("RPC_URL", ""), "Ledger JSON-RPC endpoint")
	fs.StringVar(&r.chainID, "chain-id", env("CHAIN_ID", "0"), "Expected chain id (0 = use node's)")
	fs.StringVar(&r.key, "private-key", env("RELAYER_PRIVATE_KEY", ""), "Relayer signing key (hex)")
	fs.StringVar(&r.factory, "factory-address", env("FACTORY_ADDRESS", ""), "Order book factory address")
	fs.StringVar(&r.vault, "vault-address", env("VAULT_ADDRESS", ""), "Core vault address")
	fs.StringVar(&r.registry, "registry-address", env("REGISTRY_ADDRESS", ""), "Optional market registry address")
	fs.StringVar(&r.feeFallback, "default-fee-recipient", env("DEFAULT_FEE_RECIPIENT", ""), "Fee recipient for repaired markets without a creator")
	fs.StringVar(&r.initializer, "initializer-address", env("FACET_INITIALIZER_ADDRESS", ""), "Order book initializer facet address")
	fs.StringVar(&r.artifacts, "artifacts-dir", env("FACET_ARTIFACTS_DIR", ""), "Directory of compiled facet artifacts")
	for _, u := range facets.Units {
		r.units[u] = fs.String("facet-"+strings.ReplaceAll(string(u), "_", "-"), env(UnitEnv(u), ""), string(u)+" facet address")
	}
	fs.BoolVar(&r.gasless, "gasless", parseBool(env("GASLESS_ENABLED", "false")), "Accept gasless (meta-transaction) requests")
	fs.StringVar(&r.domainName, "eip712-name", env("EIP712_DOMAIN_NAME", "OrderBookFactory"), "Fallback EIP-712 domain name")
	fs.StringVar(&r.domainVersion, "eip712-version", env("EIP712_DOMAIN_VERSION", "1"), "Fallback EIP-712 domain version")
	fs.StringVar(&r.minTip, "min-priority-fee-gwei", env("MIN_PRIORITY_FEE_GWEI", "2"), "Priority fee floor (gwei)")
	fs.StringVar(&r.minFee, "min-max-fee-gwei", env("MIN_MAX_FEE_GWEI", "20"), "Max fee floor (gwei)")
	fs.StringVar(&r.bump, "fee-bump-percent", env("FEE_BUMP_PERCENT", "25"), "Max fee bump over base fee + tip (%)")
	fs.StringVar(&r.headroom, "gas-headroom-percent", env("GAS_HEADROOM_PERCENT", "20"), "Headroom added to gas estimates (%)")
	fs.StringVar(&r.confirmTimeout, "confirm-timeout", env("CONFIRM_TIMEOUT", pipeline.DefaultConfirmTimeout.String()), "Confirmation timeout")
	fs.StringVar(&r.pollInterval, "poll-interval", env("POLL_INTERVAL", chain.DefaultPollInterval.String()), "Receipt polling interval")
	fs.BoolVar(&r.useMemory, "use-memory", parseBool(env("USE_MEMORY", "false")), "Use in-memory storage instead of PostgreSQL/ClickHouse")
	fs.StringVar(&r.postgres, "postgres-dsn", env("POSTGRES_DSN", ""), "PostgreSQL connection string")
	fs.StringVar(&r.clickhouse, "clickhouse-dsn", env("CLICKHOUSE_DSN", ""), "ClickHouse connection string (step journal)")
	fs.StringVar(&r.redis, "redis-url", env("REDIS_URL", ""), "Optional Redis URL for progress fan-out")

	if err := fs.Parse(args); err != nil {
		return nil, domain.ConfigurationError("parse flags: " + err.Error())
	}
	return &r, nil
}

func (r *raw) build(m mode) (*Config, error) {
	full := m == relayerMode
	var problems []string
	fail := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	cfg := &Config{
		ListenAddr:    r.listen,
		RPCURL:        r.rpc,
		Gasless:       r.gasless,
		DomainName:    r.domainName,
		DomainVersion: r.domainVersion,
		UseMemory:     r.useMemory,
		PostgresDSN:   r.postgres,
		ClickhouseDSN: r.clickhouse,
		RedisURL:      r.redis,
		Facets: facets.Config{
			Addresses:    make(map[facets.Unit]common.Address, len(facets.Units)),
			ArtifactsDir: r.artifacts,
		},
	}

	if cfg.RPCURL == "" {
		fail("RPC_URL is required")
	}
	if id, err := strconv.ParseInt(r.chainID, 10, 64); err != nil || id < 0 {
		fail("CHAIN_ID must be a non-negative integer")
	} else {
		cfg.ChainID = id
	}

	if r.key == "" {
		if full {
			fail("RELAYER_PRIVATE_KEY is required")
		}
	} else if key, err := crypto.HexToECDSA(strings.TrimPrefix(r.key, "0x")); err != nil {
		fail("RELAYER_PRIVATE_KEY is not a valid secp256k1 key")
	} else {
		cfg.Key = key
	}

	address := func(name, value string, required bool) common.Address {
		switch {
		case value == "" && required:
			fail("%s is required", name)
		case value == "":
		case !common.IsHexAddress(value):
			fail("%s is not a valid address: %q", name, value)
		default:
			return common.HexToAddress(value)
		}
		return common.Address{}
	}
	cfg.Factory = address("FACTORY_ADDRESS", r.factory, true)
	cfg.Vault = address("VAULT_ADDRESS", r.vault, full)
	cfg.Registry = address("REGISTRY_ADDRESS", r.registry, false)
	cfg.FeeFallback = address("DEFAULT_FEE_RECIPIENT", r.feeFallback, false)
	cfg.Facets.Initializer = address("FACET_INITIALIZER_ADDRESS", r.initializer, full)
	for _, u := range facets.Units {
		cfg.Facets.Addresses[u] = address(UnitEnv(u), *r.units[u], full)
	}

	fees := chain.DefaultFeePolicy()
	if v, err := gweiToWei(r.minTip); err != nil {
		fail("MIN_PRIORITY_FEE_GWEI: %v", err)
	} else {
		fees.MinTipCap = v
	}
	if v, err := gweiToWei(r.minFee); err != nil {
		fail("MIN_MAX_FEE_GWEI: %v", err)
	} else {
		fees.MinFeeCap = v
	}
	if v, err := strconv.ParseInt(r.bump, 10, 64); err != nil || v < 0 {
		fail("FEE_BUMP_PERCENT must be a non-negative integer")
	} else {
		fees.BumpPercent = v
	}
	if v, err := strconv.ParseUint(r.headroom, 10, 64); err != nil {
		fail("GAS_HEADROOM_PERCENT must be a non-negative integer")
	} else {
		fees.GasHeadroomPercent = v
	}
	cfg.Fees = fees

	if d, err := time.ParseDuration(r.confirmTimeout); err != nil || d <= 0 {
		fail("CONFIRM_TIMEOUT must be a positive duration like 90s")
	} else {
		cfg.ConfirmTimeout = d
	}
	if d, err := time.ParseDuration(r.pollInterval); err != nil || d <= 0 {
		fail("POLL_INTERVAL must be a positive duration like 1s")
	} else {
		cfg.PollInterval = d
	}

	switch {
	case cfg.UseMemory:
	case full && (cfg.PostgresDSN == "" || cfg.ClickhouseDSN == ""):
		fail("POSTGRES_DSN and CLICKHOUSE_DSN are required (use --use-memory for in-memory storage)")
	case !full && cfg.PostgresDSN == "":
		fail("POSTGRES_DSN is required (use --use-memory for in-memory storage)")
	}

	if len(problems) > 0 {
		return nil, domain.ConfigurationError("invalid configuration: " + strings.Join(lo.Uniq(problems), "; "))
	}
	return cfg, nil
}

// ChainIDBig returns the expected chain id, or nil when unset.
func (c *Config) ChainIDBig() *big.Int {
	if c.ChainID == 0 {
		return nil
	}
	return big.NewInt(c.ChainID)
}

// Relayer returns the relayer's signing address, or the zero address when no
// key is configured.
func (c *Config) Relayer() common.Address {
	if c.Key == nil {
		return common.Address{}
	}
	return crypto.PubkeyToAddress(c.Key.PublicKey)
}

// DefaultFeeRecipient is the configured fallback fee recipient, or the
// relayer. Zero when neither is configured.
func (c *Config) DefaultFeeRecipient() common.Address {
	if c.FeeFallback != (common.Address{}) {
		return c.FeeFallback
	}
	return c.Relayer()
}

func gweiToWei(s string) (*big.Int, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("not a decimal: %q", s)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("must not be negative")
	}
	wei := d.Shift(9)
	if !wei.Equal(wei.Truncate(0)) {
		return nil, fmt.Errorf("more precise than 1 wei: %q", s)
	}
	return wei.BigInt(), nil
}

func parseBool(s string) bool {
	b, _ := strconv.ParseBool(s)
	return b
}
