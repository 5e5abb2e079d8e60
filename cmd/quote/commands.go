package main

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/harmony-one/bonding-curve-prototype/pkg/cache"
	"github.com/harmony-one/bonding-curve-prototype/pkg/crypto"
	"github.com/harmony-one/bonding-curve-prototype/pkg/quote"
	"github.com/harmony-one/bonding-curve-prototype/pkg/token"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List instruments with their current price",
	Args:  cobra.NoArgs,
	RunE:  listInstruments,
}

var priceCmd = &cobra.Command{
	Use:   "price [instrument]",
	Short: "Current unit price of an instrument",
	Args:  cobra.ExactArgs(1),
	RunE:  showPrice,
}

var costCmd = &cobra.Command{
	Use:   "cost [instrument] [qty]",
	Short: "Reserve needed to buy qty tokens",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return showQuote(quote.Cost, args)
	},
}

var refundCmd = &cobra.Command{
	Use:   "refund [instrument] [qty]",
	Short: "Reserve received for selling qty tokens",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return showQuote(quote.Refund, args)
	},
}

var balancesCmd = &cobra.Command{
	Use:   "balances [instrument]",
	Short: "Balances and allowances of the configured account",
	Args:  cobra.ExactArgs(1),
	RunE:  showBalances,
}

var genKeyCmd = &cobra.Command{
	Use:   "gen-key",
	Short: "Generate a new trading key",
	Args:  cobra.NoArgs,
	RunE:  genKey,
}

func listInstruments(cmd *cobra.Command, args []string) error {
	conn, err := connect()
	if err != nil {
		return err
	}
	defer conn.Close()

	list, err := conn.ledger.ListInstruments(conn.ctx)
	if err != nil {
		return fmt.Errorf("list: %w", err)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SYMBOL\tNAME\tADDRESS\tPRICE\tSUPPLY")
	for _, inst := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s %s\t%s\n", inst.Symbol, inst.Name, inst.Address.Hex(),
			token.FormatPrice(inst.Price), conn.cfg.Chain.ReserveSymbol, token.FormatUnits(inst.TotalSupply))
	}
	return w.Flush()
}

func showPrice(cmd *cobra.Command, args []string) error {
	addr, err := instrumentArg(args[0])
	if err != nil {
		return err
	}
	conn, err := connect()
	if err != nil {
		return err
	}
	defer conn.Close()

	quotes := quote.NewAdapter(conn.ledger, conn.cfg.Engine.QuoteTimeout, nil)
	p, ok := quotes.Price(conn.ctx, addr)
	if !ok {
		return errors.New("price unavailable")
	}
	fmt.Printf("%s %s\n", token.FormatPrice(p), conn.cfg.Chain.ReserveSymbol)
	return nil
}

func showQuote(kind quote.Kind, args []string) error {
	addr, err := instrumentArg(args[0])
	if err != nil {
		return err
	}
	qty, err := token.ParseQuantity(args[1])
	if err != nil || qty.Sign() <= 0 {
		return fmt.Errorf("invalid quantity %q", args[1])
	}
	conn, err := connect()
	if err != nil {
		return err
	}
	defer conn.Close()

	quotes := quote.NewAdapter(conn.ledger, conn.cfg.Engine.QuoteTimeout, nil)
	q, ok := quotes.Quote(conn.ctx, kind, addr, qty)
	if !ok {
		return fmt.Errorf("%s unavailable", kind)
	}
	fmt.Printf("%s %s tokens: %s %s\n", kind, token.FormatUnits(q.Quantity), token.FormatUnits(q.Amount), conn.cfg.Chain.ReserveSymbol)
	return nil
}

func showBalances(cmd *cobra.Command, args []string) error {
	addr, err := instrumentArg(args[0])
	if err != nil {
		return err
	}
	conn, err := connect()
	if err != nil {
		return err
	}
	defer conn.Close()

	ledger := conn.ledger
	c := cache.New(ledger, cache.Config{
		Owner:   ledger.Account(),
		Spender: ledger.Curve(),
		Reserve: ledger.Reserve(),
	}, nil)
	snap := c.RefreshAll(conn.ctx, addr)
	fmt.Printf("Account: %s\n", ledger.Account().Hex())
	for _, f := range cache.Fields(addr) {
		e := snap.Entry(f.Kind)
		if e.Known() {
			fmt.Printf("  %-18s %s\n", f.Kind, token.FormatUnits(e.Value))
		} else {
			fmt.Printf("  %-18s unavailable (%s)\n", f.Kind, e.Error)
		}
	}
	return nil
}

func genKey(cmd *cobra.Command, args []string) error {
	signer, err := crypto.GenerateKey()
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	fmt.Printf("Address: %s\n", signer.Address().Hex())
	fmt.Printf("Private Key: %s (KEEP SECRET!)\n", signer.PrivateKeyHex())
	fmt.Println("Set PRIVATE_KEY in .env and fund the address with ONE to trade.")
	return nil
}
