// Package txrecord holds the ephemeral, in-memory record of recently
// relayed transactions, used for observability only; nothing is persisted
// across restarts.
package txrecord

import (
	"sync"
	"time"

	"github.com/google/uuid"

	lru "github.com/hashicorp/golang-lru"
)

// Status is a TxRecord's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

// Record is one relayed transaction's observability snapshot.
type Record struct {
	ID              string
	Agent           string
	EnvelopeHash    string
	ForwarderTxHash string
	Status          Status
	GasEstimate     uint64
	GasUsed         uint64
	GasPriceGwei    string
	PaymentTxHash   string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Ring is a bounded ledger of TxRecords. Capacity bounds memory; once full,
// adding a record evicts the least recently used one (Start, Complete and
// Get all count as use).
type Ring struct {
	mu    sync.Mutex
	cache *lru.Cache

	confirmed uint64
	failed    uint64
	pending   uint64
}

// New constructs a Ring holding up to capacity records.
func New(capacity int) *Ring {
	cache, err := lru.New(capacity)
	if err != nil {
		panic("txrecord: " + err.Error())
	}

	return &Ring{cache: cache}
}

// Start records a new in-flight transaction and returns its id.
func (r *Ring) Start(agent, envelopeHash string, gasEstimate uint64, now time.Time) string {
	id := uuid.NewString()

	r.mu.Lock()
	defer r.mu.Unlock()

	r.cache.Add(id, &Record{
		ID:           id,
		Agent:        agent,
		EnvelopeHash: envelopeHash,
		Status:       StatusPending,
		GasEstimate:  gasEstimate,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	r.pending++

	return id
}

// Complete transitions id to confirmed or failed, recording the forwarder
// and payment tx hashes and gas used.
func (r *Ring) Complete(id string, success bool, forwarderTxHash, paymentTxHash string, gasUsed uint64, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	raw, ok := r.cache.Get(id)
	if !ok {
		return
	}

	rec := raw.(*Record)
	if rec.Status == StatusPending {
		r.pending--
	}

	rec.ForwarderTxHash = forwarderTxHash
	rec.PaymentTxHash = paymentTxHash
	rec.GasUsed = gasUsed
	rec.UpdatedAt = now

	if success {
		rec.Status = StatusConfirmed
		r.confirmed++
	} else {
		rec.Status = StatusFailed
		r.failed++
	}
}

// Counters is the snapshot exposed to health/stats.
type Counters struct {
	Pending   uint64 `json:"pending"`
	Confirmed uint64 `json:"confirmed"`
	Failed    uint64 `json:"failed"`
}

func (r *Ring) Counters() Counters {
	r.mu.Lock()
	defer r.mu.Unlock()

	return Counters{Pending: r.pending, Confirmed: r.confirmed, Failed: r.failed}
}

// Get returns a single record by id, if still tracked.
func (r *Ring) Get(id string) (*Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	raw, ok := r.cache.Get(id)
	if !ok {
		return nil, false
	}

	return raw.(*Record), true
}
