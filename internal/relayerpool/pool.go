// Package relayerpool manages the set of funded gas wallets the relay
// dispatches transactions from, selecting one per job and tracking its
// in-flight load.
package relayerpool

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	hclog "github.com/hashicorp/go-hclog"
	"go.uber.org/atomic"
)

// NonceSource is the subset of the chain adapter the pool needs to seed and
// resync nonce hints. Declared here (not imported from internal/chain) so
// this package stays a leaf with no dependency cycle risk.
type NonceSource interface {
	PendingNonce(ctx context.Context, addr common.Address) (uint64, error)
}

// RelayerState is one wallet's exclusively-owned bookkeeping record.
type RelayerState struct {
	Wallet  *ecdsa.PrivateKey
	Address common.Address

	// SubmitLock serializes build->sign->broadcast for this wallet.
	// Deriving the nonce from the node's pending view alone is only safe
	// if the query-then-broadcast pair is atomic against the RPC node,
	// which two sequential HTTP calls never are. Callers submitting a
	// transaction from this wallet must hold this lock for the duration
	// of the build-sign-broadcast sequence.
	SubmitLock sync.Mutex

	pendingCount   atomic.Int64
	lastUsedMillis atomic.Int64
	nonceHint      atomic.Uint64
}

func (r *RelayerState) PendingCount() int64   { return r.pendingCount.Load() }
func (r *RelayerState) LastUsedMillis() int64 { return r.lastUsedMillis.Load() }
func (r *RelayerState) NonceHint() uint64     { return r.nonceHint.Load() }

// Policy selects a relayer from the pool.
type Policy string

const (
	PolicyLeastBusy  Policy = "least-busy"
	PolicyRoundRobin Policy = "round-robin"
)

// Pool owns every RelayerState and hands out handles for the duration of one job.
type Pool struct {
	mu        sync.RWMutex
	relayers  []*RelayerState
	policy    Policy
	rrCursor  atomic.Uint64
	source    NonceSource
	logger    hclog.Logger
	nowMillis func() int64
}

// New constructs a Pool from raw hex private keys, querying each wallet's
// pending nonce up front.
func New(ctx context.Context, hexKeys []string, source NonceSource, policy Policy, logger hclog.Logger, nowMillis func() int64) (*Pool, error) {
	if len(hexKeys) == 0 {
		return nil, fmt.Errorf("relayerpool: at least one private key is required")
	}

	p := &Pool{
		policy:    policy,
		source:    source,
		logger:    logger.Named("relayerpool"),
		nowMillis: nowMillis,
	}

	for _, hexKey := range hexKeys {
		wallet, err := crypto.HexToECDSA(trim0x(hexKey))
		if err != nil {
			return nil, fmt.Errorf("relayerpool: invalid private key: %w", err)
		}

		addr := crypto.PubkeyToAddress(wallet.PublicKey)

		nonce, err := source.PendingNonce(ctx, addr)
		if err != nil {
			return nil, fmt.Errorf("relayerpool: seed nonce for %s: %w", addr.Hex(), err)
		}

		state := &RelayerState{Wallet: wallet, Address: addr}
		state.nonceHint.Store(nonce)

		p.relayers = append(p.relayers, state)
		p.logger.Info("registered relayer", "address", addr.Hex(), "nonce", nonce)
	}

	return p, nil
}

func trim0x(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}

// Acquire selects and returns a relayer handle for one job, incrementing its
// pendingCount and lastUsedMillis atomically.
func (p *Pool) Acquire() (*RelayerState, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if len(p.relayers) == 0 {
		return nil, fmt.Errorf("relayerpool: no relayers registered")
	}

	var chosen *RelayerState

	switch p.policy {
	case PolicyRoundRobin:
		idx := p.rrCursor.Add(1) % uint64(len(p.relayers))
		chosen = p.relayers[idx]
	default: // PolicyLeastBusy
		candidates := make([]*RelayerState, len(p.relayers))
		copy(candidates, p.relayers)
		sort.Slice(candidates, func(i, j int) bool {
			if candidates[i].PendingCount() != candidates[j].PendingCount() {
				return candidates[i].PendingCount() < candidates[j].PendingCount()
			}
			return candidates[i].LastUsedMillis() < candidates[j].LastUsedMillis()
		})
		chosen = candidates[0]
	}

	chosen.pendingCount.Add(1)
	chosen.lastUsedMillis.Store(p.nowMillis())

	return chosen, nil
}

// Release returns a relayer's slot after a job completes, saturating at
// zero so a double-release or an undercounted acquire never goes negative.
func (p *Pool) Release(r *RelayerState) {
	for {
		cur := r.pendingCount.Load()
		if cur <= 0 {
			return
		}
		if r.pendingCount.CompareAndSwap(cur, cur-1) {
			return
		}
	}
}

// Resync re-reads a relayer's pending nonce from chain. Invoked after a
// retriable chain error (nonceTooLow, underpriced or network).
func (p *Pool) Resync(ctx context.Context, r *RelayerState) error {
	nonce, err := p.source.PendingNonce(ctx, r.Address)
	if err != nil {
		return fmt.Errorf("relayerpool: resync %s: %w", r.Address.Hex(), err)
	}

	r.nonceHint.Store(nonce)
	p.logger.Info("resynced relayer nonce", "address", r.Address.Hex(), "nonce", nonce)

	return nil
}

// Stats is the pool-wide snapshot exposed to health/stats.
type Stats struct {
	Address      string `json:"address"`
	PendingCount int64  `json:"pendingCount"`
}

func (p *Pool) Stats() []Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]Stats, len(p.relayers))
	for i, r := range p.relayers {
		out[i] = Stats{Address: r.Address.Hex(), PendingCount: r.PendingCount()}
	}

	return out
}

// Addresses returns every relayer's address, primary first.
func (p *Pool) Addresses() []common.Address {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]common.Address, len(p.relayers))
	for i, r := range p.relayers {
		out[i] = r.Address
	}

	return out
}

// Primary returns the pool's first-registered relayer, used by health
// checks and the auto-rebalance task.
func (p *Pool) Primary() *RelayerState {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if len(p.relayers) == 0 {
		return nil
	}

	return p.relayers[0]
}
