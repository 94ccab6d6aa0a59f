// Package rebalance implements the auto-rebalance background task: a
// periodic tick that swaps stablecoin for native gas token once the primary
// relayer wallet's native balance runs low. The swap router/contract is
// treated as a black-box ABI, same as the forwarder/stablecoin.
package rebalance

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	hclog "github.com/hashicorp/go-hclog"
	"go.uber.org/atomic"

	"github.com/0xShortx/CroGas/internal/chain"
	"github.com/0xShortx/CroGas/internal/relayerpool"
)

// Rebalance thresholds.
var (
	MinNativeBalance      = new(big.Int).Mul(big.NewInt(10), big.NewInt(1e18))
	MinStablecoinBalance  = new(big.Int).Mul(big.NewInt(1), big.NewInt(1e6))
	SlippageFloorPct      = 5
	SwapDeadlineExtension = 5 * time.Minute
)

// router is the minimal swap-router ABI surface consumed.
const routerABIJSON = `[
	{"type":"function","name":"approve","stateMutability":"nonpayable",
	 "inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],
	 "outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"swapExactTokensForETH","stateMutability":"nonpayable",
	 "inputs":[
		{"name":"amountIn","type":"uint256"},
		{"name":"amountOutMin","type":"uint256"},
		{"name":"path","type":"address[]"},
		{"name":"to","type":"address"},
		{"name":"deadline","type":"uint256"}
	 ],
	 "outputs":[{"name":"amounts","type":"uint256[]"}]}
]`

var routerABI abi.ABI

func init() {
	var err error

	routerABI, err = abi.JSON(strings.NewReader(routerABIJSON))
	if err != nil {
		panic("rebalance: invalid router ABI: " + err.Error())
	}
}

// Chain is the subset of the chain adapter rebalance needs.
type Chain interface {
	Balance(ctx context.Context, addr common.Address) (*big.Int, error)
	StablecoinBalance(ctx context.Context, addr common.Address) (*big.Int, error)
	SendContract(ctx context.Context, wallet *ecdsa.PrivateKey, contract common.Address, contractABI interface {
		Pack(name string, args ...interface{}) ([]byte, error)
	}, fn string, args []interface{}, opts chain.TxOptions) (*chain.TxResponse, error)
	AwaitReceipt(ctx context.Context, hash common.Hash, confirmations uint64) (*types.Receipt, error)
}

// Pricing is the subset of the pricing engine rebalance needs.
type Pricing interface {
	SpotUSD() float64
}

// Config configures the rebalance task.
type Config struct {
	Interval       time.Duration // tick period; defaults to 5 minutes
	StablecoinAddr common.Address
	RouterAddr     common.Address
	TargetNative   *big.Int       // desired native balance level after a swap
	WrappedNative  common.Address // final leg of the swap path; routers unwrap it to native
}

// Task periodically tops up the primary wallet's native balance by
// swapping part of its stablecoin holdings.
type Task struct {
	chain  Chain
	pool   *relayerpool.Pool
	pricer Pricing
	cfg    Config
	logger hclog.Logger

	inProgress atomic.Bool
	lastStatus atomic.String

	cancel context.CancelFunc
}

// New constructs a Task. Call Start to launch the background ticker.
func New(chainAdapter Chain, pool *relayerpool.Pool, pricer Pricing, cfg Config, logger hclog.Logger) *Task {
	t := &Task{chain: chainAdapter, pool: pool, pricer: pricer, cfg: cfg, logger: logger.Named("rebalance")}
	t.lastStatus.Store("idle")

	return t
}

// Status reports the task's last-known outcome, surfaced in /health.
func (t *Task) Status() string {
	return t.lastStatus.Load()
}

// Start launches the background ticker. Stop cancels and the goroutine exits.
func (t *Task) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel

	interval := t.cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.tick(ctx)
			}
		}
	}()
}

// Stop cancels the background ticker.
func (t *Task) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
}

// tick runs a single rebalance check. Guarded by inProgress so overlapping
// ticks (a slow swap outliving the next interval) are skipped, not queued.
func (t *Task) tick(ctx context.Context) {
	if !t.inProgress.CompareAndSwap(false, true) {
		t.logger.Debug("rebalance already in progress, skipping tick")
		return
	}
	defer t.inProgress.Store(false)

	primary := t.pool.Primary()
	if primary == nil {
		return
	}

	native, err := t.chain.Balance(ctx, primary.Address)
	if err != nil {
		t.lastStatus.Store("error: reading native balance: " + err.Error())
		t.logger.Error("rebalance: could not read native balance", "error", err)

		return
	}

	if native.Cmp(MinNativeBalance) >= 0 {
		t.lastStatus.Store("ok: native balance sufficient")
		return
	}

	stableBal, err := t.chain.StablecoinBalance(ctx, primary.Address)
	if err != nil {
		t.lastStatus.Store("error: reading stablecoin balance: " + err.Error())
		t.logger.Error("rebalance: could not read stablecoin balance", "error", err)

		return
	}

	if stableBal.Cmp(MinStablecoinBalance) < 0 {
		t.lastStatus.Store("skipped: insufficient stablecoin to rebalance")
		return
	}

	amount := t.swapAmount(native, stableBal)
	if amount.Sign() <= 0 {
		t.lastStatus.Store("skipped: computed swap amount non-positive")
		return
	}

	if err := t.swap(ctx, primary, amount); err != nil {
		t.lastStatus.Store("error: swap failed: " + err.Error())
		t.logger.Error("rebalance: swap failed", "error", err)

		return
	}

	t.lastStatus.Store("ok: swap submitted")
	t.logger.Info("rebalance: swap submitted", "amount", amount.String(), "relayer", primary.Address.Hex())
}

// swapAmount computes min((target-current) x nativePrice x 1.1, stableBalance x 0.5)
// in stablecoin base units.
func (t *Task) swapAmount(currentNative, stableBal *big.Int) *big.Int {
	target := t.cfg.TargetNative
	if target == nil {
		target = MinNativeBalance
	}

	deficitNative := new(big.Int).Sub(target, currentNative)
	if deficitNative.Sign() <= 0 {
		return big.NewInt(0)
	}

	nativePrice := t.pricer.SpotUSD()

	deficitFloat := new(big.Float).SetInt(deficitNative)
	deficitFloat.Quo(deficitFloat, big.NewFloat(1e18))
	deficitFloat.Mul(deficitFloat, big.NewFloat(nativePrice))
	deficitFloat.Mul(deficitFloat, big.NewFloat(1.1))
	deficitFloat.Mul(deficitFloat, big.NewFloat(1e6)) // stablecoin base units (6 decimals)

	byDeficit, _ := deficitFloat.Int(nil)

	byBalance := new(big.Int).Div(stableBal, big.NewInt(2))

	if byDeficit.Cmp(byBalance) < 0 {
		return byDeficit
	}

	return byBalance
}

func (t *Task) swap(ctx context.Context, relayer *relayerpool.RelayerState, amount *big.Int) error {
	relayer.SubmitLock.Lock()
	defer relayer.SubmitLock.Unlock()

	_, err := t.chain.SendContract(ctx, relayer.Wallet, t.cfg.StablecoinAddr, routerABI, "approve",
		[]interface{}{t.cfg.RouterAddr, amount}, chain.TxOptions{GasBufferPct: 20})
	if err != nil {
		return fmt.Errorf("rebalance: approve: %w", err)
	}

	amountOutMin := new(big.Int).Div(new(big.Int).Mul(amount, big.NewInt(int64(100-SlippageFloorPct))), big.NewInt(100))
	deadline := big.NewInt(timeNowUnix() + int64(SwapDeadlineExtension.Seconds()))
	path := []common.Address{t.cfg.StablecoinAddr, t.cfg.WrappedNative}

	resp, err := t.chain.SendContract(ctx, relayer.Wallet, t.cfg.RouterAddr, routerABI, "swapExactTokensForETH",
		[]interface{}{amount, amountOutMin, path, relayer.Address, deadline}, chain.TxOptions{GasBufferPct: 20})
	if err != nil {
		return fmt.Errorf("rebalance: swap: %w", err)
	}

	if _, err := t.chain.AwaitReceipt(ctx, resp.Hash, 0); err != nil {
		return fmt.Errorf("rebalance: await swap receipt: %w", err)
	}

	return nil
}

// timeNowUnix is a seam for deterministic deadline computation in tests.
var timeNowUnix = func() int64 { return time.Now().Unix() }
