package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"github.com/harmony-one/bonding-curve-prototype/pkg/crypto"
	"github.com/harmony-one/bonding-curve-prototype/pkg/token"
)

var (
	curveABI = mustParseABI(curveABIJSON)
	erc20ABI = mustParseABI(erc20ABIJSON)
)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("invalid embedded ABI: %v", err))
	}
	return parsed
}

// Config locates the ledger and the contracts the trader talks to.
type Config struct {
	RPCURL  string
	ChainID *big.Int
	Curve   common.Address
	Reserve common.Address
}

// tokenInfo mirrors the tuple returned by getTokenListWithPrice.
type tokenInfo struct {
	Name         string
	Symbol       string
	TokenAddress common.Address
	CurrentPrice *big.Int
	TotalSupply  *big.Int
}

// EthLedger talks to an EVM JSON-RPC endpoint.
type EthLedger struct {
	client  *ethclient.Client
	chainID *big.Int
	signer  *crypto.Signer
	logger  *zap.SugaredLogger

	curveAddr   common.Address
	reserveAddr common.Address
	curve       *bind.BoundContract

	mu     sync.Mutex
	tokens map[common.Address]*bind.BoundContract
}

// Dial connects to the RPC endpoint and verifies the chain id when one is configured.
func Dial(ctx context.Context, cfg Config, signer *crypto.Signer, logger *zap.SugaredLogger) (*EthLedger, error) {
	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.RPCURL, err)
	}

	chainID, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("chain id: %w", err)
	}
	if cfg.ChainID != nil && cfg.ChainID.Sign() > 0 && cfg.ChainID.Cmp(chainID) != 0 {
		client.Close()
		return nil, fmt.Errorf("chain id mismatch: endpoint reports %s, configured %s", chainID, cfg.ChainID)
	}

	l := &EthLedger{
		client:      client,
		chainID:     chainID,
		signer:      signer,
		logger:      logger,
		curveAddr:   cfg.Curve,
		reserveAddr: cfg.Reserve,
		tokens:      make(map[common.Address]*bind.BoundContract),
	}
	l.curve = bind.NewBoundContract(cfg.Curve, curveABI, client, client, client)

	logger.Infow("ledger_connected",
		"rpc", cfg.RPCURL,
		"chain_id", chainID.String(),
		"account", signer.Address().Hex(),
		"curve", cfg.Curve.Hex(),
		"reserve", cfg.Reserve.Hex(),
	)
	return l, nil
}

func (l *EthLedger) Close() {
	l.client.Close()
}

func (l *EthLedger) Account() common.Address { return l.signer.Address() }
func (l *EthLedger) Curve() common.Address   { return l.curveAddr }
func (l *EthLedger) Reserve() common.Address { return l.reserveAddr }

func (l *EthLedger) erc20(addr common.Address) *bind.BoundContract {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.tokens[addr]
	if !ok {
		c = bind.NewBoundContract(addr, erc20ABI, l.client, l.client, l.client)
		l.tokens[addr] = c
	}
	return c
}

func (l *EthLedger) call(ctx context.Context, c *bind.BoundContract, method string, args ...interface{}) ([]interface{}, error) {
	var out []interface{}
	opts := &bind.CallOpts{Context: ctx, From: l.Account()}
	if err := c.Call(opts, &out, method, args...); err != nil {
		return nil, fmt.Errorf("%s: %w", method, asRevert(err))
	}
	return out, nil
}

func (l *EthLedger) callBig(ctx context.Context, c *bind.BoundContract, method string, args ...interface{}) (*big.Int, error) {
	out, err := l.call(ctx, c, method, args...)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s: %w", method, ErrMalformedResponse)
	}
	v, ok := out[0].(*big.Int)
	if !ok || v == nil {
		return nil, fmt.Errorf("%s: %w", method, ErrMalformedResponse)
	}
	return v, nil
}

func (l *EthLedger) BalanceOf(ctx context.Context, tok, owner common.Address) (*big.Int, error) {
	return l.callBig(ctx, l.erc20(tok), "balanceOf", owner)
}

func (l *EthLedger) Allowance(ctx context.Context, tok, owner, spender common.Address) (*big.Int, error) {
	return l.callBig(ctx, l.erc20(tok), "allowance", owner, spender)
}

func (l *EthLedger) GetCost(ctx context.Context, instrument common.Address, quantity *big.Int) (*big.Int, error) {
	return l.callBig(ctx, l.curve, "getCost", instrument, quantity)
}

func (l *EthLedger) GetRefund(ctx context.Context, instrument common.Address, quantity *big.Int) (*big.Int, error) {
	return l.callBig(ctx, l.curve, "getRefund", instrument, quantity)
}

func (l *EthLedger) GetPrice(ctx context.Context, instrument common.Address) (*big.Int, error) {
	return l.callBig(ctx, l.curve, "getCurrentPrice", instrument)
}

func (l *EthLedger) ListInstruments(ctx context.Context) ([]token.Instrument, error) {
	out, err := l.call(ctx, l.curve, "getTokenListWithPrice")
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("getTokenListWithPrice: %w", ErrMalformedResponse)
	}
	infos := *abi.ConvertType(out[0], new([]tokenInfo)).(*[]tokenInfo)

	list := make([]token.Instrument, 0, len(infos))
	for _, info := range infos {
		list = append(list, token.Instrument{
			Address:     info.TokenAddress,
			Name:        info.Name,
			Symbol:      info.Symbol,
			Price:       info.CurrentPrice,
			TotalSupply: info.TotalSupply,
		})
	}
	return list, nil
}

func (l *EthLedger) transact(ctx context.Context, c *bind.BoundContract, method string, args ...interface{}) (TxHandle, error) {
	opts, err := l.signer.TransactOpts(ctx, l.chainID)
	if err != nil {
		return nil, err
	}
	tx, err := c.Transact(opts, method, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, asRevert(err))
	}
	l.logger.Infow("tx_submitted",
		"method", method,
		"tx_hash", tx.Hash().Hex(),
		"nonce", tx.Nonce(),
		"gas", tx.Gas(),
	)
	return &ethTx{ledger: l, tx: tx, method: method}, nil
}

func (l *EthLedger) Approve(ctx context.Context, tok, spender common.Address, ceiling *big.Int) (TxHandle, error) {
	return l.transact(ctx, l.erc20(tok), "approve", spender, ceiling)
}

func (l *EthLedger) Buy(ctx context.Context, instrument common.Address, quantity *big.Int) (TxHandle, error) {
	return l.transact(ctx, l.curve, "buy", instrument, quantity)
}

func (l *EthLedger) Sell(ctx context.Context, instrument common.Address, quantity *big.Int) (TxHandle, error) {
	return l.transact(ctx, l.curve, "sell", instrument, quantity)
}

type ethTx struct {
	ledger *EthLedger
	tx     *types.Transaction
	method string
}

func (t *ethTx) Hash() common.Hash { return t.tx.Hash() }

func (t *ethTx) Wait(ctx context.Context) error {
	receipt, err := bind.WaitMined(ctx, t.ledger.client, t.tx)
	if err != nil {
		return err
	}
	if receipt.Status != types.ReceiptStatusFailed {
		t.ledger.logger.Infow("tx_confirmed",
			"method", t.method,
			"tx_hash", t.tx.Hash().Hex(),
			"block", receipt.BlockNumber.Uint64(),
			"gas_used", receipt.GasUsed,
		)
		return nil
	}

	// Receipts carry no reason; replay the call at the inclusion block.
	reason := t.ledger.replay(ctx, t.tx, receipt.BlockNumber)
	t.ledger.logger.Warnw("tx_reverted",
		"method", t.method,
		"tx_hash", t.tx.Hash().Hex(),
		"block", receipt.BlockNumber.Uint64(),
		"reason", reason,
	)
	return &RevertError{TxHash: t.tx.Hash(), Reason: reason}
}

func (l *EthLedger) replay(ctx context.Context, tx *types.Transaction, block *big.Int) string {
	msg := ethereum.CallMsg{
		From:  l.Account(),
		To:    tx.To(),
		Gas:   tx.Gas(),
		Value: tx.Value(),
		Data:  tx.Data(),
	}
	_, err := l.client.CallContract(ctx, msg, block)
	if reason, ok := RevertReason(err); ok {
		return reason
	}
	return ""
}
