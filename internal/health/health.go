// Package health aggregates pool, pricing, and per-tx state into the
// relay's liveness/stats surface, and exposes the same
// counters as Prometheus gauges for /metrics.
package health

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/0xShortx/CroGas/internal/relayerpool"
	"github.com/0xShortx/CroGas/internal/txrecord"
)

// MinNativeBalance is the threshold below which the primary relayer is
// considered degraded (10 native units).
var MinNativeBalance = big.NewInt(0).Mul(big.NewInt(10), big.NewInt(1e18))

// Chain is the subset of the chain adapter health needs.
type Chain interface {
	Balance(ctx context.Context, addr common.Address) (*big.Int, error)
	GasPrice(ctx context.Context) (*big.Int, error)
}

// Pricing is the subset of the pricing engine health needs.
type Pricing interface {
	SpotUSD() float64
}

// Pool is the subset of the relayer pool health needs.
type Pool interface {
	Stats() []relayerpool.Stats
	Addresses() []common.Address
	Primary() *relayerpool.RelayerState
}

// Rebalance reports the auto-rebalance task's current status string.
type Rebalance interface {
	Status() string
}

// RelayerBalance is one relayer's reported native balance.
type RelayerBalance struct {
	Address string `json:"address"`
	Balance string `json:"balance"`
}

// Report is the full /health response body.
type Report struct {
	Status         string              `json:"status"`
	Warnings       []string            `json:"warnings,omitempty"`
	Relayers       []RelayerBalance    `json:"relayers"`
	Pool           []relayerpool.Stats `json:"pool"`
	GasPriceGwei   string              `json:"gasPriceGwei"`
	NativeUSDPrice float64             `json:"nativeUsdPrice"`
	TxCounters     txrecord.Counters   `json:"txCounters"`
	AutoRebalance  string              `json:"autoRebalance"`
}

// Aggregator collects a health.Report from its collaborators.
type Aggregator struct {
	chain     Chain
	pool      Pool
	pricing   Pricing
	records   *txrecord.Ring
	rebalance Rebalance
}

// New constructs an Aggregator. rebalance may be nil if auto-rebalance is disabled.
func New(chain Chain, pool Pool, pricing Pricing, records *txrecord.Ring, rebalance Rebalance) *Aggregator {
	return &Aggregator{chain: chain, pool: pool, pricing: pricing, records: records, rebalance: rebalance}
}

// Check builds the current Report. It is degraded only when the primary
// relayer's native balance is read and is below MinNativeBalance; a balance
// that cannot be read adds a warning and leaves the verdict unchanged.
func (a *Aggregator) Check(ctx context.Context) (*Report, bool) {
	report := &Report{
		Status:     "healthy",
		Pool:       a.pool.Stats(),
		TxCounters: a.records.Counters(),
	}

	if a.rebalance != nil {
		report.AutoRebalance = a.rebalance.Status()
	} else {
		report.AutoRebalance = "disabled"
	}

	gasPrice, err := a.chain.GasPrice(ctx)
	if err == nil {
		report.GasPriceGwei = weiToGwei(gasPrice)
	}

	report.NativeUSDPrice = a.pricing.SpotUSD()

	healthy := true

	for _, addr := range a.pool.Addresses() {
		balance, err := a.chain.Balance(ctx, addr)
		if err != nil {
			report.Warnings = append(report.Warnings, "Could not read balance for "+addr.Hex())
			continue
		}

		report.Relayers = append(report.Relayers, RelayerBalance{Address: addr.Hex(), Balance: balance.String()})

		primary := a.pool.Primary()
		if primary != nil && addr == primary.Address && balance.Cmp(MinNativeBalance) < 0 {
			healthy = false
			report.Warnings = append(report.Warnings, "Low native balance on primary relayer "+addr.Hex())
		}
	}

	if !healthy {
		report.Status = "degraded"
	}

	return report, healthy
}

func weiToGwei(wei *big.Int) string {
	gwei := new(big.Int).Div(wei, big.NewInt(1e9))

	return gwei.String()
}

// Metrics bundles the Prometheus gauges health publishes.
type Metrics struct {
	PendingCount *prometheus.GaugeVec
	GasPriceGwei prometheus.Gauge
	NativeUSD    prometheus.Gauge
	TxConfirmed  prometheus.Gauge
	TxFailed     prometheus.Gauge
	TxPending    prometheus.Gauge
}

// NewMetrics registers the relay's gauges on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PendingCount: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "relay",
			Name:      "relayer_pending_count",
			Help:      "In-flight job count per relayer wallet.",
		}, []string{"address"}),
		GasPriceGwei: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "relay", Name: "gas_price_gwei", Help: "Current chain gas price in gwei.",
		}),
		NativeUSD: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "relay", Name: "native_usd_price", Help: "Cached native-token/USD spot price.",
		}),
		TxConfirmed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "relay", Name: "tx_confirmed_total", Help: "Relayed transactions confirmed.",
		}),
		TxFailed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "relay", Name: "tx_failed_total", Help: "Relayed transactions failed.",
		}),
		TxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "relay", Name: "tx_pending", Help: "Relayed transactions currently in flight.",
		}),
	}

	reg.MustRegister(m.PendingCount, m.GasPriceGwei, m.NativeUSD, m.TxConfirmed, m.TxFailed, m.TxPending)

	return m
}

// Publish updates every gauge from a fresh Report.
func (m *Metrics) Publish(report *Report) {
	for _, stat := range report.Pool {
		m.PendingCount.WithLabelValues(stat.Address).Set(float64(stat.PendingCount))
	}

	m.NativeUSD.Set(report.NativeUSDPrice)
	m.TxConfirmed.Set(float64(report.TxCounters.Confirmed))
	m.TxFailed.Set(float64(report.TxCounters.Failed))
	m.TxPending.Set(float64(report.TxCounters.Pending))

	if gwei, ok := new(big.Int).SetString(report.GasPriceGwei, 10); ok {
		gweiFloat := new(big.Float).SetInt(gwei)
		f, _ := gweiFloat.Float64()
		m.GasPriceGwei.Set(f)
	}
}
