// Package httpapi wires the relay's collaborators onto the JSON/HTTP surface:
// health, quoting, meta-tx domain/nonce, and the single/batch relay
// endpoints.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	hclog "github.com/hashicorp/go-hclog"

	"github.com/0xShortx/CroGas/internal/apperrors"
	"github.com/0xShortx/CroGas/internal/forwarder"
	"github.com/0xShortx/CroGas/internal/health"
	"github.com/0xShortx/CroGas/internal/orchestrator"
	"github.com/0xShortx/CroGas/internal/pricing"
	"github.com/0xShortx/CroGas/internal/ratelimit"
)

// Config carries the wire-level identifiers the HTTP surface needs but that
// none of the domain services track themselves.
type Config struct {
	ChainID           int64
	StablecoinAddress common.Address
	ForwarderAddress  common.Address
	ReceivingWallet   common.Address
}

// Pricer is the subset of the pricing engine the /estimate handler needs.
type Pricer interface {
	EstimateGas(ctx context.Context, to common.Address, data []byte, value *big.Int) uint64
	Price(ctx context.Context, gasEstimate uint64, tier pricing.Tier) (*pricing.Quote, error)
}

// Orchestrator is the subset of the orchestrator the relay/batch handlers need.
type Orchestrator interface {
	Relay(ctx context.Context, req forwarder.ForwardRequest, sig []byte, tier pricing.Tier, paymentHeader string) (*orchestrator.RelayOutcome, *orchestrator.Quote402, error)
	Batch(ctx context.Context, items []orchestrator.BatchItem, tier pricing.Tier, paymentHeader string) (*orchestrator.RelayOutcome, *orchestrator.Quote402, error)
}

// HealthChecker is the subset of the health aggregator the /health handler needs.
type HealthChecker interface {
	Check(ctx context.Context) (*health.Report, bool)
}

// Server wires every collaborator onto http.Handler routes.
type Server struct {
	cfg      Config
	fwd      *forwarder.Service
	pricer   Pricer
	orch     Orchestrator
	checker  HealthChecker
	metrics  *health.Metrics
	limiters *ratelimit.Set
	logger   hclog.Logger
}

// New constructs a Server. metrics may be nil if Prometheus publishing is disabled.
func New(cfg Config, fwd *forwarder.Service, pricer Pricer, orch Orchestrator, checker HealthChecker, metrics *health.Metrics, limiters *ratelimit.Set, logger hclog.Logger) *Server {
	return &Server{
		cfg:      cfg,
		fwd:      fwd,
		pricer:   pricer,
		orch:     orch,
		checker:  checker,
		metrics:  metrics,
		limiters: limiters,
		logger:   logger.Named("httpapi"),
	}
}

// Handler builds the ServeMux with every public route registered.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/estimate", s.withLimiter(s.limiters.Estimate, s.handleEstimate))
	mux.HandleFunc("/meta/domain", s.handleMetaDomain)
	mux.HandleFunc("/meta/nonce/", s.handleMetaNonce)
	mux.HandleFunc("/meta/relay", s.handleMetaRelay)
	mux.HandleFunc("/meta/batch", s.handleMetaBatch)
	mux.HandleFunc("/faucet/", s.handleFaucet)

	return s.withGeneralLimiter(mux)
}

func (s *Server) withGeneralLimiter(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		allowed, retryAfter := s.limiters.General.Allow(peerIP(r))
		if !allowed {
			writeAppError(w, apperrors.RateLimited(retryAfter))
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) withLimiter(limiter *ratelimit.Limiter, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		allowed, retryAfter := limiter.Allow(peerIP(r))
		if !allowed {
			writeAppError(w, apperrors.RateLimited(retryAfter))
			return
		}

		next(w, r)
	}
}

func peerIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return host
}

// limitKey keys a limiter by the requesting agent's address once the body has
// been parsed, falling back to the peer IP for routes (or requests) that carry
// no address.
func limitKey(r *http.Request, from common.Address) string {
	if from == (common.Address{}) {
		return peerIP(r)
	}

	return strings.ToLower(from.Hex())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report, healthy := s.checker.Check(r.Context())
	if s.metrics != nil {
		s.metrics.Publish(report)
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, report)
}

func (s *Server) handleEstimate(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	to := q.Get("to")
	if to == "" {
		writeAppError(w, apperrors.Validation("missing required query parameter: to"))
		return
	}

	toAddr := common.HexToAddress(to)

	data := common.FromHex(q.Get("data"))

	var value *big.Int
	if raw := q.Get("value"); raw != "" {
		var ok bool
		value, ok = new(big.Int).SetString(raw, 10)
		if !ok {
			writeAppError(w, apperrors.Validation("invalid value: must be a decimal integer"))
			return
		}
	}

	gasEstimate := s.pricer.EstimateGas(r.Context(), toAddr, data, value)

	priority := q.Get("priority")
	if priority != "" {
		quote, err := s.pricer.Price(r.Context(), gasEstimate, pricing.Tier(priority))
		if err != nil {
			writeAppError(w, apperrors.Internal(err))
			return
		}

		writeJSON(w, http.StatusOK, quoteToWire(quote))

		return
	}

	tiers := []pricing.Tier{pricing.TierSlow, pricing.TierNormal, pricing.TierFast}
	out := make(map[string]quoteWire, len(tiers))

	for _, tier := range tiers {
		quote, err := s.pricer.Price(r.Context(), gasEstimate, tier)
		if err != nil {
			writeAppError(w, apperrors.Internal(err))
			return
		}

		out[string(tier)] = quoteToWire(quote)
	}

	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleMetaDomain(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"domain":           s.fwd.GetDomain(),
		"types":            s.fwd.GetTypes(),
		"forwarderAddress": s.cfg.ForwarderAddress.Hex(),
	})
}

func (s *Server) handleMetaNonce(w http.ResponseWriter, r *http.Request) {
	addrHex := strings.TrimPrefix(r.URL.Path, "/meta/nonce/")
	if addrHex == "" {
		writeAppError(w, apperrors.Validation("missing address path segment"))
		return
	}

	addr := common.HexToAddress(addrHex)

	nonce, err := s.fwd.GetNonce(r.Context(), addr)
	if err != nil {
		writeAppError(w, apperrors.Internal(err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"address": addr.Hex(),
		"nonce":   nonce.String(),
	})
}

type forwardRequestWire struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Value     string `json:"value"`
	Gas       string `json:"gas"`
	Nonce     string `json:"nonce"`
	Deadline  string `json:"deadline"`
	Data      string `json:"data"`
	Signature string `json:"signature"`
}

func parseForwardRequest(w forwardRequestWire) (forwarder.ForwardRequest, []byte, error) {
	value, ok := new(big.Int).SetString(orZero(w.Value), 10)
	if !ok {
		return forwarder.ForwardRequest{}, nil, fmt.Errorf("invalid value %q", w.Value)
	}

	gas, ok := new(big.Int).SetString(w.Gas, 10)
	if !ok {
		return forwarder.ForwardRequest{}, nil, fmt.Errorf("invalid gas %q", w.Gas)
	}

	nonce, ok := new(big.Int).SetString(w.Nonce, 10)
	if !ok {
		return forwarder.ForwardRequest{}, nil, fmt.Errorf("invalid nonce %q", w.Nonce)
	}

	deadline, ok := new(big.Int).SetString(w.Deadline, 10)
	if !ok {
		return forwarder.ForwardRequest{}, nil, fmt.Errorf("invalid deadline %q", w.Deadline)
	}

	sig := common.FromHex(w.Signature)
	if len(sig) != 65 {
		return forwarder.ForwardRequest{}, nil, fmt.Errorf("signature must be 65 bytes, got %d", len(sig))
	}

	req := forwarder.ForwardRequest{
		From:     common.HexToAddress(w.From),
		To:       common.HexToAddress(w.To),
		Value:    value,
		Gas:      gas,
		Nonce:    nonce,
		Deadline: deadline,
		Data:     common.FromHex(w.Data),
	}

	return req, sig, nil
}

func orZero(s string) string {
	if s == "" {
		return "0"
	}

	return s
}

func (s *Server) handleMetaRelay(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeAppError(w, apperrors.Validation("method not allowed"))
		return
	}

	var body struct {
		forwardRequestWire
		Priority string `json:"priority"`
	}

	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeAppError(w, apperrors.Validation("could not decode request body: "+err.Error()))
		return
	}

	req, sig, err := parseForwardRequest(body.forwardRequestWire)
	if err != nil {
		writeAppError(w, apperrors.Validation(err.Error()))
		return
	}

	if allowed, retryAfter := s.limiters.Relay.Allow(limitKey(r, req.From)); !allowed {
		writeAppError(w, apperrors.RateLimited(retryAfter))
		return
	}

	tier := pricing.Tier(body.Priority)
	paymentHeader := r.Header.Get("X-Payment")

	outcome, quote402, err := s.orch.Relay(r.Context(), req, sig, tier, paymentHeader)
	if err != nil {
		s.logger.Warn("relay rejected", "from", req.From.Hex(), "error", err)
		writeAppError(w, err)

		return
	}

	if quote402 != nil {
		write402(w, quote402.Quote, s.cfg)
		return
	}

	writeJSON(w, http.StatusOK, outcome)
}

func (s *Server) handleMetaBatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeAppError(w, apperrors.Validation("method not allowed"))
		return
	}

	var body struct {
		Items    []forwardRequestWire `json:"items"`
		Priority string               `json:"priority"`
	}

	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeAppError(w, apperrors.Validation("could not decode request body: "+err.Error()))
		return
	}

	items := make([]orchestrator.BatchItem, 0, len(body.Items))

	for i, wireItem := range body.Items {
		req, sig, err := parseForwardRequest(wireItem)
		if err != nil {
			writeAppError(w, apperrors.Validation(fmt.Sprintf("item %d: %s", i, err)))
			return
		}

		items = append(items, orchestrator.BatchItem{Request: req, Signature: sig})
	}

	var batchFrom common.Address
	if len(items) > 0 {
		batchFrom = items[0].Request.From
	}

	if allowed, retryAfter := s.limiters.Relay.Allow(limitKey(r, batchFrom)); !allowed {
		writeAppError(w, apperrors.RateLimited(retryAfter))
		return
	}

	tier := pricing.Tier(body.Priority)
	paymentHeader := r.Header.Get("X-Payment")

	outcome, quote402, err := s.orch.Batch(r.Context(), items, tier, paymentHeader)
	if err != nil {
		s.logger.Warn("batch rejected", "items", len(items), "error", err)
		writeAppError(w, err)

		return
	}

	if quote402 != nil {
		write402(w, quote402.Quote, s.cfg)
		return
	}

	writeJSON(w, http.StatusOK, outcome)
}

// handleFaucet is a boundary stub: faucet funding happens outside this
// relay.
func (s *Server) handleFaucet(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotImplemented, map[string]interface{}{
		"error":   "NOT_IMPLEMENTED",
		"message": "faucet funding is out of scope for this relay",
	})
}

type quoteWire struct {
	GasEstimate  string  `json:"gasEstimate"`
	GasPriceGwei string  `json:"gasPriceGwei"`
	CroPrice     float64 `json:"croPrice"`
	PriceUSDC    string  `json:"priceUSDC"`
	Priority     string  `json:"priority"`
	ValidUntil   string  `json:"validUntil"`
}

func quoteToWire(q *pricing.Quote) quoteWire {
	return quoteWire{
		GasEstimate:  strconv.FormatUint(q.GasEstimate, 10),
		GasPriceGwei: q.GasPriceGwei.Text('f', 2),
		CroPrice:     q.NativeUSDPrice,
		PriceUSDC:    q.FinalPriceStablecoin,
		Priority:     string(q.Tier),
		ValidUntil:   q.ValidUntil.UTC().Format(time.RFC3339),
	}
}

// write402 writes the structured 402 payment-terms body.
func write402(w http.ResponseWriter, quote *pricing.Quote, cfg Config) {
	body := map[string]interface{}{
		"error": "Payment Required",
		"x402": map[string]interface{}{
			"version": 1,
			"accepts": []map[string]interface{}{{
				"scheme":            "exact",
				"network":           fmt.Sprintf("eip155:%d", cfg.ChainID),
				"asset":             cfg.StablecoinAddress.Hex(),
				"payTo":             cfg.ReceivingWallet.Hex(),
				"maxAmountRequired": quote.FinalPriceRaw.String(),
				"description":       "Gasless meta-transaction relay fee",
			}},
		},
		"quote": quoteToWire(quote),
	}

	writeJSON(w, http.StatusPaymentRequired, body)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(body); err != nil {
		// Nothing more to write to w at this point; headers are already sent.
		_ = err
	}
}

func writeAppError(w http.ResponseWriter, err error) {
	if aerr, ok := apperrors.As(err); ok {
		// 429 has its own flat wire contract: {error, retryAfter}.
		if aerr.Code == apperrors.CodeRateLimited {
			retryAfter, _ := aerr.Details["retryAfter"].(int)
			writeJSON(w, aerr.Status, map[string]interface{}{
				"error":      string(aerr.Code),
				"retryAfter": retryAfter,
			})

			return
		}

		body := map[string]interface{}{"error": string(aerr.Code), "message": aerr.Message}
		if aerr.Details != nil {
			body["details"] = aerr.Details
		}

		writeJSON(w, aerr.Status, body)

		return
	}

	writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
		"error":   string(apperrors.CodeInternal),
		"message": err.Error(),
	})
}
