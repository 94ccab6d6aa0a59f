// Package pool groups the relayer-pool operator subcommands.
package pool

import (
	"github.com/spf13/cobra"

	"github.com/0xShortx/CroGas/command/pool/status"
)

// GetCommand returns the `pool` command group.
func GetCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pool",
		Short: "Relayer pool operator commands",
	}

	cmd.AddCommand(status.GetCommand())

	return cmd
}
