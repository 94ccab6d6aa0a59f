// Command relay is the gasless meta-transaction relay's process entrypoint.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/0xShortx/CroGas/command/pool"
	"github.com/0xShortx/CroGas/command/serve"
	"github.com/0xShortx/CroGas/command/version"
)

func main() {
	if err := rootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "relay",
		Short: "Gasless meta-transaction relay",
	}

	root.PersistentFlags().Bool("json", false, "output results in JSON format")

	root.AddCommand(
		version.GetCommand(),
		serve.GetCommand(),
		pool.GetCommand(),
	)

	return root
}
