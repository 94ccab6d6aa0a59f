// Package cliutil provides the thin result/outputter plumbing every cobra
// subcommand in command/ delegates to: each command builds a CommandResult
// and hands it to an Outputter, which writes it once in human-readable or
// JSON form.
package cliutil

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// CommandResult is anything a subcommand can hand to an Outputter: a plain
// human-readable form plus whatever fields marshal to JSON for --json output.
type CommandResult interface {
	GetOutput() string
}

// Outputter collects a subcommand's result or error and writes it once,
// in either human-readable or JSON form depending on the --json flag.
type Outputter struct {
	cmd    *cobra.Command
	result CommandResult
	err    error
	json   bool
}

const jsonFlag = "json"

// InitializeOutputter reads the --json flag (registered by the root
// command) and returns a ready Outputter for cmd.
func InitializeOutputter(cmd *cobra.Command) *Outputter {
	asJSON, _ := cmd.Flags().GetBool(jsonFlag)

	return &Outputter{cmd: cmd, json: asJSON}
}

// SetCommandResult records the successful result to report.
func (o *Outputter) SetCommandResult(result CommandResult) {
	o.result = result
}

// SetError records a failure; WriteOutput reports it instead of any result.
func (o *Outputter) SetError(err error) {
	o.err = err
}

// WriteOutput writes whatever was set via SetCommandResult/SetError to the
// command's stdout/stderr, exiting non-zero on error.
func (o *Outputter) WriteOutput() {
	if o.err != nil {
		fmt.Fprintln(o.cmd.ErrOrStderr(), "Error:", o.err)
		os.Exit(1)
	}

	if o.result == nil {
		return
	}

	if o.json {
		enc := json.NewEncoder(o.cmd.OutOrStdout())
		enc.SetIndent("", "  ")

		if err := enc.Encode(o.result); err != nil {
			fmt.Fprintln(o.cmd.ErrOrStderr(), "Error encoding output:", err)
			os.Exit(1)
		}

		return
	}

	fmt.Fprintln(o.cmd.OutOrStdout(), o.result.GetOutput())
}
