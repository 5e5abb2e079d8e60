package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCommandTree(t *testing.T) {
	var names []string
	for _, c := range rootCmd.Commands() {
		names = append(names, c.Name())
	}
	for _, want := range []string{"list", "price", "cost", "refund", "balances", "gen-key"} {
		require.Contains(t, names, want)
	}

	env := rootCmd.PersistentFlags().Lookup("env")
	require.NotNil(t, env)
	require.Equal(t, "", env.DefValue)
	to := rootCmd.PersistentFlags().Lookup("timeout")
	require.NotNil(t, to)
	require.Equal(t, (15 * time.Second).String(), to.DefValue)
}

func TestArgValidation(t *testing.T) {
	require.Error(t, priceCmd.Args(priceCmd, nil))
	require.NoError(t, priceCmd.Args(priceCmd, []string{"0xaa"}))
	require.Error(t, costCmd.Args(costCmd, []string{"0xaa"}))
	require.NoError(t, refundCmd.Args(refundCmd, []string{"0xaa", "1"}))
	require.Error(t, listCmd.Args(listCmd, []string{"extra"}))

	_, err := instrumentArg("not-an-address")
	require.Error(t, err)
	addr, err := instrumentArg("0x00000000000000000000000000000000000000aa")
	require.NoError(t, err)
	require.Equal(t, byte(0xaa), addr[19])
}

func TestQuoteRejectsBadQuantityBeforeDialing(t *testing.T) {
	rootCmd.SetArgs([]string{"cost", "0x00000000000000000000000000000000000000aa", "-1"})
	t.Cleanup(func() { rootCmd.SetArgs(nil) })
	err := rootCmd.Execute()
	require.ErrorContains(t, err, "invalid quantity")
}
