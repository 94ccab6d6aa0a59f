// Package serve wires every collaborator into the running relay process
// and starts its HTTP server: a Run func that delegates to a plain
// constructor chain, reporting failure through the shared Outputter.
package serve

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	hclog "github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/0xShortx/CroGas/internal/chain"
	"github.com/0xShortx/CroGas/internal/cliutil"
	"github.com/0xShortx/CroGas/internal/config"
	"github.com/0xShortx/CroGas/internal/forwarder"
	"github.com/0xShortx/CroGas/internal/health"
	"github.com/0xShortx/CroGas/internal/httpapi"
	"github.com/0xShortx/CroGas/internal/orchestrator"
	"github.com/0xShortx/CroGas/internal/payment"
	"github.com/0xShortx/CroGas/internal/priceoracle"
	"github.com/0xShortx/CroGas/internal/pricing"
	"github.com/0xShortx/CroGas/internal/ratelimit"
	"github.com/0xShortx/CroGas/internal/rebalance"
	"github.com/0xShortx/CroGas/internal/relayerpool"
	"github.com/0xShortx/CroGas/internal/txrecord"
	"github.com/0xShortx/CroGas/internal/walletkeys"
)

// GetCommand returns the `serve` subcommand, which starts the relay's HTTP
// server and runs until interrupted.
func GetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Starts the gasless relay HTTP server",
		Args:  cobra.NoArgs,
		Run:   runCommand,
	}
}

func runCommand(cmd *cobra.Command, _ []string) {
	outputter := cliutil.InitializeOutputter(cmd)

	logger := hclog.New(&hclog.LoggerOptions{Name: "relay", Level: hclog.Info})

	cfg, err := config.Load()
	if err != nil {
		outputter.SetError(fmt.Errorf("loading configuration: %w", err))
		outputter.WriteOutput()

		return
	}

	if err := run(cmd.Context(), cfg, logger); err != nil {
		outputter.SetError(err)
		outputter.WriteOutput()
	}
}

// chainGasAdapter narrows *chain.Adapter onto pricing.ChainGas. pricing
// keeps its own CallArgs so it stays a leaf package, which makes the two
// Call structs distinct named types Go won't unify automatically.
type chainGasAdapter struct {
	*chain.Adapter
}

func (a chainGasAdapter) EstimateGas(ctx context.Context, call pricing.CallArgs) (uint64, error) {
	return a.Adapter.EstimateGas(ctx, chain.CallArgs{From: call.From, To: call.To, Value: call.Value, Data: call.Data})
}

func run(ctx context.Context, cfg *config.Config, logger hclog.Logger) error {
	stablecoinAddr := common.HexToAddress(cfg.Stablecoin)
	forwarderAddr := common.HexToAddress(cfg.Forwarder)
	receivingAddr := common.HexToAddress(cfg.ReceivingWallet)

	chainAdapter, err := chain.New(ctx, cfg.ChainRPCURL, cfg.ChainID, stablecoinAddr, forwarderAddr, logger)
	if err != nil {
		return fmt.Errorf("connecting to chain: %w", err)
	}

	hexKeys, err := walletkeys.Resolve(cfg.PrivateKeys, walletkeys.VaultConfig{
		Addr:    cfg.VaultAddr,
		Token:   cfg.VaultToken,
		KeyPath: cfg.VaultKeyPath,
	})
	if err != nil {
		return fmt.Errorf("resolving relayer keys: %w", err)
	}

	policy := relayerpool.PolicyLeastBusy
	if cfg.RelayerPolicy == string(relayerpool.PolicyRoundRobin) {
		policy = relayerpool.PolicyRoundRobin
	}

	pool, err := relayerpool.New(ctx, hexKeys, chainAdapter, policy, logger, nowMillis)
	if err != nil {
		return fmt.Errorf("constructing relayer pool: %w", err)
	}

	oracle := priceoracle.New(cfg.PriceOracleURL, cfg.PriceOracleKey)

	pricingEngine := pricing.New(chainGasAdapter{chainAdapter}, oracle, pricing.Config{
		MarkupPercentage:     cfg.MarkupPercentage,
		MinPriceUSD:          cfg.MinPriceUSD,
		MaxPriceUSD:          cfg.MaxPriceUSD,
		StablecoinDecimals:   cfg.StablecoinDecimals,
		QuoteValiditySeconds: 60,
		FallbackSpotUSD:      0.08, // seed value until the first successful refresh
		RefreshInterval:      30 * time.Second,
		RelayerAddress:       pool.Primary().Address,
	}, logger, time.Now)
	pricingEngine.StartRefresh(ctx)
	defer pricingEngine.Stop()

	fwdService := forwarder.New(chainAdapter, pool, forwarderAddr, cfg.ChainID, chain.ForwarderABI, time.Now, logger)
	paymentService := payment.New(chainAdapter, pool, stablecoinAddr, receivingAddr, cfg.ChainID, chain.StablecoinABI, time.Now, logger)

	records := txrecord.New(cfg.TxRecordCapacity)
	orch := orchestrator.New(fwdService, pricingEngine, paymentService, records, time.Now, logger)

	var rebalanceTask *rebalance.Task
	if cfg.RouterAddress != "" {
		rebalanceTask = rebalance.New(chainAdapter, pool, pricingEngine, rebalance.Config{
			Interval:       time.Duration(cfg.RebalanceIntervalSec) * time.Second,
			StablecoinAddr: stablecoinAddr,
			RouterAddr:     common.HexToAddress(cfg.RouterAddress),
			TargetNative:   new(big.Int).Mul(big.NewInt(20), big.NewInt(1e18)),
			WrappedNative:  common.HexToAddress(cfg.WrappedNative),
		}, logger)
		rebalanceTask.Start(ctx)
		defer rebalanceTask.Stop()
	}

	var healthChecker *health.Aggregator
	if rebalanceTask != nil {
		healthChecker = health.New(chainAdapter, pool, pricingEngine, records, rebalanceTask)
	} else {
		healthChecker = health.New(chainAdapter, pool, pricingEngine, records, nil)
	}

	registry := prometheus.NewRegistry()
	metrics := health.NewMetrics(registry)

	limiters := ratelimit.NewSet(time.Now)

	server := httpapi.New(httpapi.Config{
		ChainID:           cfg.ChainID,
		StablecoinAddress: stablecoinAddr,
		ForwarderAddress:  forwarderAddr,
		ReceivingWallet:   receivingAddr,
	}, fwdService, pricingEngine, orch, healthChecker, metrics, limiters, logger)

	mux := http.NewServeMux()
	mux.Handle("/", server.Handler())
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	httpServer := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: mux,
	}

	serveErr := make(chan error, 1)

	go func() {
		logger.Info("relay listening", "port", cfg.Port, "env", cfg.NodeEnv)

		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	shutdownCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case <-shutdownCtx.Done():
		logger.Info("shutdown signal received")
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownTimeoutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return httpServer.Shutdown(shutdownTimeoutCtx)
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
