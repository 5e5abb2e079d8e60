package params

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
)

type Chain struct {
	RPCURL  string
	ChainID int64
	// Curve is the bonding curve (token factory) contract. It prices every
	// instrument and is the spender of both allowances.
	Curve string
	// Reserve is the ERC-20 the curve is paid in (WONE on Harmony).
	Reserve       string
	ReserveSymbol string
	// PrivateKey signs every write. Empty means a throwaway key is generated.
	PrivateKey string
}

type Engine struct {
	ResyncInterval time.Duration // background balance/allowance refresh
	SettleDelay    time.Duration // wait before refetching after a confirmed trade
	SuccessDisplay time.Duration // how long a success status stays before reset
	TxTimeout      time.Duration // upper bound for one transaction confirmation
	QuoteTimeout   time.Duration // upper bound for one pricing query
}

type Node struct {
	APIAddr          string
	LogLevel         string
	LogFile          string
	JournalPath      string // empty disables the trade journal
	MetricsNamespace string
	CORSOrigins      []string
}

type Config struct {
	Chain  Chain
	Engine Engine
	Node   Node
}

func Default() Config {
	return Config{
		Chain: Chain{
			RPCURL:        "https://api.s0.b.hmny.io",
			ChainID:       1666700000, // Harmony testnet shard 0
			Curve:         "0x46eD5701b0Bbd4ABEf82C2a8091d7ec5bBB3E7a1",
			Reserve:       "0x3e604CAfE8a802A320595C27060ADf950eb9C494",
			ReserveSymbol: "ONE",
		},
		Engine: Engine{
			ResyncInterval: 10 * time.Second,
			SettleDelay:    time.Second,
			SuccessDisplay: 3 * time.Second,
			TxTimeout:      2 * time.Minute,
			QuoteTimeout:   5 * time.Second,
		},
		Node: Node{
			APIAddr:          ":8080",
			LogLevel:         "info",
			LogFile:          "./logs/trader.log",
			JournalPath:      "./data/journal",
			MetricsNamespace: "bonding_curve",
			CORSOrigins:      []string{"*"},
		},
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
// Malformed numbers are ignored and keep their default; call Validate afterwards.
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	// Try to load .env file (optional - won't fail if not exists)
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	cfg.Chain.RPCURL = getEnv("RPC_URL", cfg.Chain.RPCURL)
	cfg.Chain.Curve = getEnv("BONDING_CURVE_ADDRESS", cfg.Chain.Curve)
	cfg.Chain.Reserve = getEnv("RESERVE_TOKEN_ADDRESS", cfg.Chain.Reserve)
	cfg.Chain.ReserveSymbol = getEnv("RESERVE_SYMBOL", cfg.Chain.ReserveSymbol)
	cfg.Chain.PrivateKey = getEnv("PRIVATE_KEY", cfg.Chain.PrivateKey)
	if id := os.Getenv("CHAIN_ID"); id != "" {
		if n, err := strconv.ParseInt(id, 10, 64); err == nil {
			cfg.Chain.ChainID = n
		}
	}

	setMillis(&cfg.Engine.ResyncInterval, "RESYNC_INTERVAL_MS")
	setMillis(&cfg.Engine.SettleDelay, "SETTLE_DELAY_MS")
	setMillis(&cfg.Engine.SuccessDisplay, "SUCCESS_DISPLAY_MS")
	setMillis(&cfg.Engine.QuoteTimeout, "QUOTE_TIMEOUT_MS")
	if s := os.Getenv("TX_TIMEOUT_S"); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			cfg.Engine.TxTimeout = time.Duration(n) * time.Second
		}
	}

	cfg.Node.APIAddr = getEnv("API_ADDR", cfg.Node.APIAddr)
	cfg.Node.LogLevel = getEnv("LOG_LEVEL", cfg.Node.LogLevel)
	cfg.Node.LogFile = getEnv("LOG_FILE", cfg.Node.LogFile)
	if path, ok := os.LookupEnv("JOURNAL_PATH"); ok {
		cfg.Node.JournalPath = path
	}
	cfg.Node.MetricsNamespace = getEnv("METRICS_NAMESPACE", cfg.Node.MetricsNamespace)

	// Example: "http://localhost:3000,https://app.example.org"
	if origins := os.Getenv("CORS_ORIGINS"); origins != "" {
		cfg.Node.CORSOrigins = nil
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.Node.CORSOrigins = append(cfg.Node.CORSOrigins, o)
			}
		}
	}

	return cfg
}

// Validate reports the first setting the engine cannot run with.
func (c Config) Validate() error {
	if c.Chain.RPCURL == "" {
		return fmt.Errorf("RPC_URL is empty")
	}
	if c.Chain.ChainID <= 0 {
		return fmt.Errorf("CHAIN_ID must be positive, got %d", c.Chain.ChainID)
	}
	if !common.IsHexAddress(c.Chain.Curve) {
		return fmt.Errorf("BONDING_CURVE_ADDRESS %q is not an address", c.Chain.Curve)
	}
	if !common.IsHexAddress(c.Chain.Reserve) {
		return fmt.Errorf("RESERVE_TOKEN_ADDRESS %q is not an address", c.Chain.Reserve)
	}

	durations := []struct {
		name string
		d    time.Duration
	}{
		{"RESYNC_INTERVAL_MS", c.Engine.ResyncInterval},
		{"SUCCESS_DISPLAY_MS", c.Engine.SuccessDisplay},
		{"TX_TIMEOUT_S", c.Engine.TxTimeout},
		{"QUOTE_TIMEOUT_MS", c.Engine.QuoteTimeout},
	}
	for _, d := range durations {
		if d.d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", d.name, d.d)
		}
	}
	if c.Engine.SettleDelay < 0 {
		return fmt.Errorf("SETTLE_DELAY_MS must not be negative, got %s", c.Engine.SettleDelay)
	}
	return nil
}

func (c Chain) CurveAddress() common.Address   { return common.HexToAddress(c.Curve) }
func (c Chain) ReserveAddress() common.Address { return common.HexToAddress(c.Reserve) }

func setMillis(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			*dst = time.Duration(ms) * time.Millisecond
		}
	}
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
