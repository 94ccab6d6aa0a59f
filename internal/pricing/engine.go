// Package pricing turns a gas estimate, the current on-chain gas price, and
// a cached native-token/USD spot price into a stablecoin quote across the
// three fixed priority tiers.
package pricing

import (
	"context"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	hclog "github.com/hashicorp/go-hclog"
)

// ChainGas is the subset of the chain adapter the pricing engine needs.
type ChainGas interface {
	GasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call CallArgs) (uint64, error)
}

// CallArgs mirrors chain.CallArgs without importing the chain package, to
// keep this package a leaf (it's exercised standalone in tests).
type CallArgs struct {
	From  common.Address
	To    *common.Address
	Value *big.Int
	Data  []byte
}

// SpotOracle fetches the native token's current USD price.
type SpotOracle interface {
	FetchUSDPrice(ctx context.Context) (float64, error)
}

// Config holds the operator-configured knobs that shape every quote.
type Config struct {
	MarkupPercentage     float64 // 0..100
	MinPriceUSD          float64
	MaxPriceUSD          float64
	StablecoinDecimals   int
	QuoteValiditySeconds int64
	FallbackSpotUSD      float64
	RefreshInterval      time.Duration
	RelayerAddress       common.Address
}

// Quote is the pure value handed to clients; the server retains nothing.
type Quote struct {
	GasEstimate          uint64
	GasPriceGwei         *big.Float
	NativeUSDPrice       float64
	BaseCostUSD          float64
	MarkupFactor         float64
	FinalPriceUSD        float64
	FinalPriceStablecoin string   // human-readable, e.g. "0.048600"
	FinalPriceRaw        *big.Int // base units
	ValidUntil           time.Time
	Tier                 Tier
	TierConfig           TierConfig
}

// Engine is the concrete pricing engine.
type Engine struct {
	chain  ChainGas
	oracle SpotOracle
	cfg    Config
	logger hclog.Logger
	now    func() time.Time

	mu   sync.RWMutex
	spot float64

	cancel context.CancelFunc
}

// New constructs an Engine, seeding the cached spot price with
// cfg.FallbackSpotUSD until the first successful refresh.
func New(chainGas ChainGas, oracle SpotOracle, cfg Config, logger hclog.Logger, now func() time.Time) *Engine {
	return &Engine{
		chain:  chainGas,
		oracle: oracle,
		cfg:    cfg,
		logger: logger.Named("pricing"),
		now:    now,
		spot:   cfg.FallbackSpotUSD,
	}
}

// StartRefresh launches the background spot-price refresher, which runs
// until Stop is called or ctx is cancelled. Stop does not wait for the
// goroutine to return.
func (e *Engine) StartRefresh(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	interval := e.cfg.RefreshInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.refreshOnce(ctx)
			}
		}
	}()
}

// Stop cancels the background refresh task.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
}

func (e *Engine) refreshOnce(ctx context.Context) {
	price, err := e.oracle.FetchUSDPrice(ctx)
	if err != nil {
		// Previous value is retained on failure.
		e.logger.Warn("spot price refresh failed, keeping previous value", "error", err)
		return
	}

	e.mu.Lock()
	e.spot = price
	e.mu.Unlock()
}

// SpotUSD returns a snapshot of the cached native/USD price.
func (e *Engine) SpotUSD() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return e.spot
}

// EstimateGas adds a 20% safety buffer over the adapter's estimate, falling
// back to a default on estimation failure.
func (e *Engine) EstimateGas(ctx context.Context, to common.Address, data []byte, value *big.Int) uint64 {
	const defaultGas = 150_000

	if value == nil {
		value = big.NewInt(0)
	}

	estimate, err := e.chain.EstimateGas(ctx, CallArgs{From: e.cfg.RelayerAddress, To: &to, Value: value, Data: data})
	if err != nil {
		e.logger.Warn("gas estimation failed, using default", "error", err)
		return defaultGas
	}

	return estimate + estimate*20/100
}

// Price computes a Quote for gasEstimate at tier.
func (e *Engine) Price(ctx context.Context, gasEstimate uint64, tier Tier) (*Quote, error) {
	resolvedTier, tierCfg := ConfigFor(tier)

	gasPrice, err := e.chain.GasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("pricing: gas price: %w", err)
	}

	// 1. adjustedGasPrice = floor(gasPrice × tier.gasPriceMultiplier)
	adjustedGasPrice := mulBigIntByFloatFloor(gasPrice, tierCfg.GasPriceMultiplier)

	spot := e.SpotUSD()

	// 2. baseCostUsd = (gasEstimate × adjustedGasPrice / 10^18) × nativeUsdPrice
	gasCostWei := new(big.Int).Mul(new(big.Int).SetUint64(gasEstimate), adjustedGasPrice)
	gasCostNative := weiToFloatEther(gasCostWei)
	baseCostUSD := gasCostNative * spot

	// 3. markup = 1 + (markupPercent/100) × tier.markupMultiplier
	markup := 1 + (e.cfg.MarkupPercentage/100)*tierCfg.MarkupMultiplier

	// 4. priceUsd = baseCostUsd × markup, clamped.
	priceUSD := baseCostUSD * markup

	floor := math.Max(e.cfg.MinPriceUSD*tierCfg.MarkupMultiplier, 0.005)
	if priceUSD < floor {
		priceUSD = floor
	}
	if e.cfg.MaxPriceUSD > 0 && priceUSD > e.cfg.MaxPriceUSD {
		priceUSD = e.cfg.MaxPriceUSD
	}

	// 5. convert to stablecoin base units by formatting to the stablecoin's
	// decimal count (6 when unset) and parsing.
	decimals := e.cfg.StablecoinDecimals
	if decimals == 0 {
		decimals = 6
	}

	rawAmount, human, err := usdToBaseUnits(priceUSD, decimals)
	if err != nil {
		return nil, fmt.Errorf("pricing: converting to base units: %w", err)
	}

	validitySeconds := e.cfg.QuoteValiditySeconds
	if validitySeconds == 0 {
		validitySeconds = 60
	}

	gweiFloat := new(big.Float).Quo(new(big.Float).SetInt(adjustedGasPrice), big.NewFloat(1e9))

	return &Quote{
		GasEstimate:          gasEstimate,
		GasPriceGwei:         gweiFloat,
		NativeUSDPrice:       spot,
		BaseCostUSD:          baseCostUSD,
		MarkupFactor:         markup,
		FinalPriceUSD:        priceUSD,
		FinalPriceStablecoin: human,
		FinalPriceRaw:        rawAmount,
		ValidUntil:           e.now().Add(time.Duration(validitySeconds) * time.Second),
		Tier:                 resolvedTier,
		TierConfig:           tierCfg,
	}, nil
}

// mulBigIntByFloatFloor computes floor(x * f) for a non-negative bigint x
// and float f, keeping the gas-by-gas-price product in arbitrary precision.
func mulBigIntByFloatFloor(x *big.Int, f float64) *big.Int {
	bf := new(big.Float).SetInt(x)
	bf.Mul(bf, big.NewFloat(f))

	result, _ := bf.Int(nil)

	return result
}

func weiToFloatEther(wei *big.Int) float64 {
	f := new(big.Float).SetInt(wei)
	f.Quo(f, big.NewFloat(1e18))
	out, _ := f.Float64()

	return out
}

// usdToBaseUnits truncates priceUSD to `decimals` fixed decimal places
// (no rounding) and returns both the integer base-unit amount and the
// human-readable string.
func usdToBaseUnits(priceUSD float64, decimals int) (*big.Int, string, error) {
	scale := math.Pow10(decimals)
	truncated := math.Trunc(priceUSD*scale) / scale

	human := strconv.FormatFloat(truncated, 'f', decimals, 64)

	// Reconstruct the integer base-unit value directly from the truncated
	// decimal string to avoid reintroducing float error at the last digit.
	raw, err := decimalStringToBaseUnits(human, decimals)
	if err != nil {
		return nil, "", err
	}

	return raw, human, nil
}

func decimalStringToBaseUnits(s string, decimals int) (*big.Int, error) {
	parts := strings.SplitN(s, ".", 2)

	intPart := parts[0]
	fracPart := ""
	if len(parts) == 2 {
		fracPart = parts[1]
	}

	for len(fracPart) < decimals {
		fracPart += "0"
	}
	fracPart = fracPart[:decimals]

	combined := intPart + fracPart

	raw, ok := new(big.Int).SetString(combined, 10)
	if !ok {
		return nil, fmt.Errorf("pricing: could not parse %q as base units", combined)
	}

	return raw, nil
}
