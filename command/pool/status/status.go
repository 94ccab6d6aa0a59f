// Package status implements `pool status`, a thin client hitting a running
// relay's /health endpoint and reformatting the interesting parts.
package status

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/0xShortx/CroGas/internal/cliutil"
)

const addressFlag = "address"

// GetCommand returns the `pool status` subcommand.
func GetCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Reports relayer pool balances and health from a running relay",
		Args:  cobra.NoArgs,
		Run:   runCommand,
	}

	cmd.Flags().String(addressFlag, "http://127.0.0.1:8080", "base address of a running relay")

	return cmd
}

func runCommand(cmd *cobra.Command, _ []string) {
	outputter := cliutil.InitializeOutputter(cmd)
	defer outputter.WriteOutput()

	address, _ := cmd.Flags().GetString(addressFlag)

	result, err := fetchStatus(address)
	if err != nil {
		outputter.SetError(err)
		return
	}

	outputter.SetCommandResult(result)
}

// Result mirrors the subset of health.Report the CLI surfaces.
type Result struct {
	Status        string `json:"status"`
	AutoRebalance string `json:"autoRebalance"`
	Relayers      []struct {
		Address string `json:"address"`
		Balance string `json:"balance"`
	} `json:"relayers"`
	GasPriceGwei string `json:"gasPriceGwei"`
}

func (r *Result) GetOutput() string {
	out := fmt.Sprintf("Pool status: %s (gas price %s gwei, rebalance: %s)\n", r.Status, r.GasPriceGwei, r.AutoRebalance)
	for _, relayer := range r.Relayers {
		out += fmt.Sprintf("  %s  %s wei\n", relayer.Address, relayer.Balance)
	}

	return out
}

func fetchStatus(baseAddress string) (*Result, error) {
	client := &http.Client{Timeout: 10 * time.Second}

	resp, err := client.Get(baseAddress + "/health")
	if err != nil {
		return nil, fmt.Errorf("pool status: requesting %s/health: %w", baseAddress, err)
	}
	defer resp.Body.Close()

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("pool status: decoding response: %w", err)
	}

	return &result, nil
}
