// Command ika-mpc-engine is a thin operator/demo CLI: it runs an in-memory
// simulated committee against a scripted protocol library, for exercising
// and demonstrating the engine without any real network or ledger.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "ika-mpc-engine",
		Short: "Run and inspect a simulated dWallet MPC engine committee",
	}
	root.AddCommand(newSimulateCmd())
	root.AddCommand(newInfoCmd())
	return root
}
