package version

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/0xShortx/CroGas/internal/cliutil"
)

// Version is set at build time via -ldflags.
var Version = "dev"

// GetCommand returns the `version` subcommand.
func GetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Returns the current relay version",
		Args:  cobra.NoArgs,
		Run:   runCommand,
	}
}

func runCommand(cmd *cobra.Command, _ []string) {
	outputter := cliutil.InitializeOutputter(cmd)
	defer outputter.WriteOutput()

	outputter.SetCommandResult(&Result{Version: Version})
}

// Result is the version command's output.
type Result struct {
	Version string `json:"version"`
}

func (r *Result) GetOutput() string {
	return fmt.Sprintf("Relay version: %s", r.Version)
}
