package httpapi

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	hclog "github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"

	"github.com/0xShortx/CroGas/internal/chain"
	"github.com/0xShortx/CroGas/internal/forwarder"
	"github.com/0xShortx/CroGas/internal/health"
	"github.com/0xShortx/CroGas/internal/orchestrator"
	"github.com/0xShortx/CroGas/internal/pricing"
	"github.com/0xShortx/CroGas/internal/ratelimit"
)

type mockPricer struct {
	EstimateGasHandler func(ctx context.Context, to common.Address, data []byte, value *big.Int) uint64
	PriceHandler       func(ctx context.Context, gasEstimate uint64, tier pricing.Tier) (*pricing.Quote, error)
}

func (m *mockPricer) EstimateGas(ctx context.Context, to common.Address, data []byte, value *big.Int) uint64 {
	if m.EstimateGasHandler == nil {
		return 120000
	}
	return m.EstimateGasHandler(ctx, to, data, value)
}

func (m *mockPricer) Price(ctx context.Context, gasEstimate uint64, tier pricing.Tier) (*pricing.Quote, error) {
	if m.PriceHandler == nil {
		panic("PriceHandler undefined")
	}
	return m.PriceHandler(ctx, gasEstimate, tier)
}

type mockOrchestrator struct {
	RelayHandler func(ctx context.Context, req forwarder.ForwardRequest, sig []byte, tier pricing.Tier, paymentHeader string) (*orchestrator.RelayOutcome, *orchestrator.Quote402, error)
	BatchHandler func(ctx context.Context, items []orchestrator.BatchItem, tier pricing.Tier, paymentHeader string) (*orchestrator.RelayOutcome, *orchestrator.Quote402, error)
}

func (m *mockOrchestrator) Relay(ctx context.Context, req forwarder.ForwardRequest, sig []byte, tier pricing.Tier, paymentHeader string) (*orchestrator.RelayOutcome, *orchestrator.Quote402, error) {
	if m.RelayHandler == nil {
		panic("RelayHandler undefined")
	}
	return m.RelayHandler(ctx, req, sig, tier, paymentHeader)
}

func (m *mockOrchestrator) Batch(ctx context.Context, items []orchestrator.BatchItem, tier pricing.Tier, paymentHeader string) (*orchestrator.RelayOutcome, *orchestrator.Quote402, error) {
	if m.BatchHandler == nil {
		panic("BatchHandler undefined")
	}
	return m.BatchHandler(ctx, items, tier, paymentHeader)
}

type mockChecker struct {
	report  *health.Report
	healthy bool
}

func (m *mockChecker) Check(ctx context.Context) (*health.Report, bool) {
	return m.report, m.healthy
}

var (
	testForwarderAddr = common.HexToAddress("0x1111111111111111111111111111111111111111")
	testStablecoin    = common.HexToAddress("0x3333333333333333333333333333333333333333")
	testReceiving     = common.HexToAddress("0x4444444444444444444444444444444444444444")
)

// nonceOnlyChain stubs the forwarder service's chain surface: every read
// reports a fixed on-chain nonce, and nothing in these handler tests submits.
type nonceOnlyChain struct{}

func (nonceOnlyChain) ContractRead(ctx context.Context, contract common.Address, contractABI interface {
	Pack(name string, args ...interface{}) ([]byte, error)
	Unpack(name string, data []byte) ([]interface{}, error)
}, method string, args ...interface{}) ([]interface{}, error) {
	return []interface{}{big.NewInt(7)}, nil
}

func (nonceOnlyChain) SendContract(ctx context.Context, wallet *ecdsa.PrivateKey, contract common.Address, contractABI interface {
	Pack(name string, args ...interface{}) ([]byte, error)
}, fn string, args []interface{}, opts chain.TxOptions) (*chain.TxResponse, error) {
	panic("SendContract not used in handler tests")
}

func (nonceOnlyChain) AwaitReceipt(ctx context.Context, hash common.Hash, confirmations uint64) (*types.Receipt, error) {
	panic("AwaitReceipt not used in handler tests")
}

func newTestServer(t *testing.T, orch Orchestrator, pricer Pricer) *Server {
	t.Helper()

	fwd := forwarder.New(nonceOnlyChain{}, nil, testForwarderAddr, 25, chain.ForwarderABI, time.Now, hclog.NewNullLogger())

	checker := &mockChecker{report: &health.Report{Status: "healthy"}, healthy: true}

	return New(Config{
		ChainID:           25,
		StablecoinAddress: testStablecoin,
		ForwarderAddress:  testForwarderAddr,
		ReceivingWallet:   testReceiving,
	}, fwd, pricer, orch, checker, nil, ratelimit.NewSet(time.Now), hclog.NewNullLogger())
}

func testQuote() *pricing.Quote {
	return &pricing.Quote{
		GasEstimate:          100000,
		GasPriceGwei:         big.NewFloat(5000),
		NativeUSDPrice:       0.15,
		FinalPriceStablecoin: "0.054000",
		FinalPriceRaw:        big.NewInt(54000),
		Tier:                 pricing.TierNormal,
		ValidUntil:           time.Unix(1_700_000_060, 0),
	}
}

func relayBodyFrom(from string) string {
	return `{
		"from": "` + from + `",
		"to": "0x5555555555555555555555555555555555555555",
		"value": "0",
		"gas": "100000",
		"nonce": "0",
		"deadline": "9999999999",
		"data": "0x",
		"signature": "0x` + strings.Repeat("11", 65) + `"
	}`
}

func relayBody() string {
	return relayBodyFrom("0x4444444444444444444444444444444444444444")
}

func TestMetaDomain_ServesSigningSchema(t *testing.T) {
	s := newTestServer(t, &mockOrchestrator{}, &mockPricer{})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/meta/domain", nil))

	assert.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Domain struct {
			Name string `json:"name"`
		} `json:"domain"`
		ForwarderAddress string `json:"forwarderAddress"`
	}
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "MinimalForwarder", body.Domain.Name)
	assert.Equal(t, testForwarderAddr.Hex(), body.ForwarderAddress)
}

func TestMetaNonce_ReturnsForwarderNonce(t *testing.T) {
	s := newTestServer(t, &mockOrchestrator{}, &mockPricer{})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/meta/nonce/0x4444444444444444444444444444444444444444", nil))

	assert.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Address string `json:"address"`
		Nonce   string `json:"nonce"`
	}
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "7", body.Nonce)
}

func TestEstimate_MissingToIsValidationError(t *testing.T) {
	s := newTestServer(t, &mockOrchestrator{}, &mockPricer{})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/estimate", nil))

	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var body map[string]interface{}
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "VALIDATION_ERROR", body["error"])
}

func TestEstimate_AllTiersWhenNoPriority(t *testing.T) {
	pricer := &mockPricer{PriceHandler: func(ctx context.Context, gasEstimate uint64, tier pricing.Tier) (*pricing.Quote, error) {
		q := testQuote()
		q.Tier = tier
		return q, nil
	}}

	s := newTestServer(t, &mockOrchestrator{}, pricer)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/estimate?to=0x5555555555555555555555555555555555555555", nil))

	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]json.RawMessage
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Len(t, body, 3)
	assert.Contains(t, body, "slow")
	assert.Contains(t, body, "normal")
	assert.Contains(t, body, "fast")
}

func TestMetaRelay_402BodyShape(t *testing.T) {
	orch := &mockOrchestrator{RelayHandler: func(ctx context.Context, req forwarder.ForwardRequest, sig []byte, tier pricing.Tier, paymentHeader string) (*orchestrator.RelayOutcome, *orchestrator.Quote402, error) {
		return nil, &orchestrator.Quote402{Quote: testQuote()}, nil
	}}

	s := newTestServer(t, orch, &mockPricer{})

	req := httptest.NewRequest(http.MethodPost, "/meta/relay", strings.NewReader(relayBody()))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusPaymentRequired, rec.Code)

	var body struct {
		Error string `json:"error"`
		X402  struct {
			Version int `json:"version"`
			Accepts []struct {
				Scheme            string `json:"scheme"`
				Network           string `json:"network"`
				Asset             string `json:"asset"`
				PayTo             string `json:"payTo"`
				MaxAmountRequired string `json:"maxAmountRequired"`
			} `json:"accepts"`
		} `json:"x402"`
		Quote struct {
			GasEstimate string  `json:"gasEstimate"`
			CroPrice    float64 `json:"croPrice"`
			PriceUSDC   string  `json:"priceUSDC"`
			Priority    string  `json:"priority"`
			ValidUntil  string  `json:"validUntil"`
		} `json:"quote"`
	}

	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "Payment Required", body.Error)
	assert.Equal(t, 1, body.X402.Version)
	assert.Len(t, body.X402.Accepts, 1)
	assert.Equal(t, "exact", body.X402.Accepts[0].Scheme)
	assert.Equal(t, "eip155:25", body.X402.Accepts[0].Network)
	assert.Equal(t, testStablecoin.Hex(), body.X402.Accepts[0].Asset)
	assert.Equal(t, testReceiving.Hex(), body.X402.Accepts[0].PayTo)
	assert.Equal(t, "54000", body.X402.Accepts[0].MaxAmountRequired)
	assert.Equal(t, "100000", body.Quote.GasEstimate)
	assert.Equal(t, 0.15, body.Quote.CroPrice)
	assert.Equal(t, "normal", body.Quote.Priority)
	assert.NotEmpty(t, body.Quote.ValidUntil)
}

func TestMetaRelay_InvalidBodyIsValidationError(t *testing.T) {
	s := newTestServer(t, &mockOrchestrator{}, &mockPricer{})

	req := httptest.NewRequest(http.MethodPost, "/meta/relay", strings.NewReader(`{"gas":"not-a-number"}`))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMetaRelay_RateLimited(t *testing.T) {
	orch := &mockOrchestrator{RelayHandler: func(ctx context.Context, req forwarder.ForwardRequest, sig []byte, tier pricing.Tier, paymentHeader string) (*orchestrator.RelayOutcome, *orchestrator.Quote402, error) {
		return nil, &orchestrator.Quote402{Quote: testQuote()}, nil
	}}

	s := newTestServer(t, orch, &mockPricer{})
	handler := s.Handler()

	var lastCode int
	var lastBody []byte
	for i := 0; i < ratelimit.RelayLimit+1; i++ {
		req := httptest.NewRequest(http.MethodPost, "/meta/relay", strings.NewReader(relayBody()))
		req.RemoteAddr = "10.0.0.1:12345"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		lastCode = rec.Code
		lastBody = rec.Body.Bytes()
	}

	assert.Equal(t, http.StatusTooManyRequests, lastCode)

	// The 429 body is flat: {error, retryAfter}, no message/details wrapper.
	var body map[string]interface{}
	assert.NoError(t, json.Unmarshal(lastBody, &body))
	assert.Equal(t, "RATE_LIMITED", body["error"])
	assert.Greater(t, body["retryAfter"].(float64), 0.0)
	assert.NotContains(t, body, "details")
	assert.NotContains(t, body, "message")
}

func TestMetaRelay_LimitIsKeyedByAgentAddress(t *testing.T) {
	orch := &mockOrchestrator{RelayHandler: func(ctx context.Context, req forwarder.ForwardRequest, sig []byte, tier pricing.Tier, paymentHeader string) (*orchestrator.RelayOutcome, *orchestrator.Quote402, error) {
		return nil, &orchestrator.Quote402{Quote: testQuote()}, nil
	}}

	s := newTestServer(t, orch, &mockPricer{})
	handler := s.Handler()

	post := func(from string) int {
		req := httptest.NewRequest(http.MethodPost, "/meta/relay", strings.NewReader(relayBodyFrom(from)))
		req.RemoteAddr = "10.0.0.1:12345"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		return rec.Code
	}

	// Exhaust the first agent's window from one IP.
	for i := 0; i < ratelimit.RelayLimit; i++ {
		assert.Equal(t, http.StatusPaymentRequired, post("0x4444444444444444444444444444444444444444"))
	}
	assert.Equal(t, http.StatusTooManyRequests, post("0x4444444444444444444444444444444444444444"))

	// A different agent behind the same IP still has its own window.
	assert.Equal(t, http.StatusPaymentRequired, post("0xBBBBbbbbBBBBbbbbBBBBbbbbBBBBbbbbBBBBbbbb"))
}

func TestHealth_DegradedReturns503(t *testing.T) {
	s := newTestServer(t, &mockOrchestrator{}, &mockPricer{})
	s.checker = &mockChecker{report: &health.Report{Status: "degraded", Warnings: []string{"Low native balance on primary relayer"}}, healthy: false}

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body health.Report
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body.Status)
	assert.Contains(t, body.Warnings[0], "Low")
}

func TestFaucet_IsOutOfScope(t *testing.T) {
	s := newTestServer(t, &mockOrchestrator{}, &mockPricer{})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/faucet/0x4444444444444444444444444444444444444444", nil))

	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}
