// Command ain-node runs a single validator or observer node of the
// stake-weighted epoch consensus chain, wiring together state, chain,
// blockpool, txpool, consensus and p2p behind a spf13/cobra CLI,
// grounded on luxfi-vm's vms/example/xsvm/cmd command-per-subpackage
// tree.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configFile string

func rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "ain-node",
		Short: "Runs an ain-blockchain consensus node",
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "path to a node config file (yaml/json/toml)")
	root.AddCommand(initCommand())
	root.AddCommand(startCommand())
	return root
}

func main() {
	if err := rootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
