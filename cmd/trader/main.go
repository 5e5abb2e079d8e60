package main

import (
	"bufio"
	"context"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/spf13/cobra"

	"github.com/harmony-one/bonding-curve-prototype/params"
	"github.com/harmony-one/bonding-curve-prototype/pkg/api"
	"github.com/harmony-one/bonding-curve-prototype/pkg/chain"
	"github.com/harmony-one/bonding-curve-prototype/pkg/crypto"
	"github.com/harmony-one/bonding-curve-prototype/pkg/metrics"
	"github.com/harmony-one/bonding-curve-prototype/pkg/session"
	"github.com/harmony-one/bonding-curve-prototype/pkg/storage"
	"github.com/harmony-one/bonding-curve-prototype/pkg/util"
)

var (
	envPath string
	confirm bool
)

var rootCmd = &cobra.Command{
	Use:   "trader",
	Short: "Bonding-curve trading engine with a REST and WebSocket API",
	Long: `Runs the trade orchestration engine for one account against the bonding
curve and serves it over REST and WebSocket until interrupted.`,
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE:         runTrader,
}

func init() {
	rootCmd.Flags().StringVar(&envPath, "env", "", "path to .env file (default: .env in the working directory)")
	rootCmd.Flags().BoolVar(&confirm, "confirm", false, "ask on stdin before signing each transaction")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runTrader(cmd *cobra.Command, args []string) error {
	cfg := params.LoadFromEnv(envPath)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logger, err := util.NewLoggerWithFile(cfg.Node.LogLevel, cfg.Node.LogFile)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", cfg.Node.LogFile, "level", cfg.Node.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Account ----
	var signer *crypto.Signer
	if cfg.Chain.PrivateKey != "" {
		signer, err = crypto.FromPrivateKeyHex(cfg.Chain.PrivateKey)
	} else {
		signer, err = crypto.GenerateKey()
		sugar.Warnw("ephemeral_key_generated", "note", "set PRIVATE_KEY to trade from a funded account")
	}
	if err != nil {
		sugar.Fatalw("signer_init_failed", "err", err)
	}
	if confirm {
		signer.WithConfirm(stdinConfirm())
	}

	// ---- Ledger ----
	dialCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	ledger, err := chain.Dial(dialCtx, chain.Config{
		RPCURL:  cfg.Chain.RPCURL,
		ChainID: big.NewInt(cfg.Chain.ChainID),
		Curve:   cfg.Chain.CurveAddress(),
		Reserve: cfg.Chain.ReserveAddress(),
	}, signer, sugar.Named("chain"))
	cancel()
	if err != nil {
		sugar.Fatalw("ledger_dial_failed", "rpc", cfg.Chain.RPCURL, "err", err)
	}
	defer ledger.Close()

	// ---- Journal ----
	var journal storage.Journal = storage.NewNopJournal()
	if cfg.Node.JournalPath != "" {
		pj, err := storage.OpenPebbleJournal(cfg.Node.JournalPath)
		if err != nil {
			sugar.Fatalw("journal_open_failed", "path", cfg.Node.JournalPath, "err", err)
		}
		defer pj.Close()
		journal = pj
		sugar.Infow("journal_opened", "path", cfg.Node.JournalPath)
	} else {
		sugar.Info("journal_disabled")
	}

	// ---- Session ----
	sessions := session.NewManager(session.Options{
		Engine:        cfg.Engine,
		ReserveSymbol: cfg.Chain.ReserveSymbol,
		Journal:       journal,
		Metrics:       metrics.PrometheusMetrics(cfg.Node.MetricsNamespace),
	}, sugar)
	defer sessions.Close()
	sess := sessions.Switch(ledger)

	sugar.Infow("trader_starting",
		"account", sess.Account().Hex(),
		"chain_id", cfg.Chain.ChainID,
		"curve", cfg.Chain.Curve,
		"reserve", cfg.Chain.Reserve,
		"resync_interval", cfg.Engine.ResyncInterval,
	)
	if list, err := sess.Instruments(ctx); err != nil {
		sugar.Warnw("instruments_unavailable", "err", err)
	} else {
		sugar.Infow("instruments_loaded", "count", len(list))
	}

	// ---- API Server ----
	apiServer := api.NewServer(sessions, api.Options{
		ReserveSymbol: cfg.Chain.ReserveSymbol,
		CORSOrigins:   cfg.Node.CORSOrigins,
	}, sugar.Named("api"))
	go func() {
		if err := apiServer.Start(cfg.Node.APIAddr); err != nil {
			sugar.Fatalw("api_server_failed", "err", err)
		}
	}()

	<-ctx.Done()
	sugar.Info("shutting_down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		sugar.Warnw("api_shutdown_failed", "err", err)
	}
	return nil
}

// stdinConfirm prompts for every transaction. Prompts are serialized since
// trades on different instruments run concurrently.
func stdinConfirm() crypto.ConfirmFunc {
	var mu sync.Mutex
	in := bufio.NewReader(os.Stdin)
	return func(tx *types.Transaction) bool {
		mu.Lock()
		defer mu.Unlock()
		to := "contract creation"
		if tx.To() != nil {
			to = tx.To().Hex()
		}
		fmt.Printf("Sign transaction to %s (nonce %d, %d bytes of data)? [y/N] ", to, tx.Nonce(), len(tx.Data()))
		answer, err := in.ReadString('\n')
		if err != nil {
			return false
		}
		answer = strings.ToLower(strings.TrimSpace(answer))
		return answer == "y" || answer == "yes"
	}
}
