package main

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/harmony-one/bonding-curve-prototype/params"
	"github.com/harmony-one/bonding-curve-prototype/pkg/chain"
	"github.com/harmony-one/bonding-curve-prototype/pkg/crypto"
)

var (
	envPath string
	timeout time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "quote",
	Short: "One-shot queries against the bonding curve",
	Long: `Reads prices, quotes and the configured account's balances from the
bonding curve without starting the trading engine. Chain settings come from
the same .env file the trader uses.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envPath, "env", "", "path to .env file")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 15*time.Second, "overall timeout")

	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(priceCmd)
	rootCmd.AddCommand(costCmd)
	rootCmd.AddCommand(refundCmd)
	rootCmd.AddCommand(balancesCmd)
	rootCmd.AddCommand(genKeyCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// connection is what every chain-reading command needs.
type connection struct {
	cfg    params.Config
	ledger *chain.EthLedger
	ctx    context.Context
	cancel context.CancelFunc
}

func (c *connection) Close() {
	c.ledger.Close()
	c.cancel()
}

func connect() (*connection, error) {
	cfg := params.LoadFromEnv(envPath)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)

	// Reads only; a throwaway key is enough when none is configured.
	signer, err := crypto.GenerateKey()
	if cfg.Chain.PrivateKey != "" {
		signer, err = crypto.FromPrivateKeyHex(cfg.Chain.PrivateKey)
	}
	if err != nil {
		cancel()
		return nil, fmt.Errorf("signer: %w", err)
	}
	ledger, err := chain.Dial(ctx, chain.Config{
		RPCURL:  cfg.Chain.RPCURL,
		ChainID: big.NewInt(cfg.Chain.ChainID),
		Curve:   cfg.Chain.CurveAddress(),
		Reserve: cfg.Chain.ReserveAddress(),
	}, signer, zap.NewNop().Sugar())
	if err != nil {
		cancel()
		return nil, fmt.Errorf("dial: %w", err)
	}
	return &connection{cfg: cfg, ledger: ledger, ctx: ctx, cancel: cancel}, nil
}

func instrumentArg(v string) (common.Address, error) {
	if !common.IsHexAddress(v) {
		return common.Address{}, fmt.Errorf("invalid instrument address %q", v)
	}
	return common.HexToAddress(v), nil
}
