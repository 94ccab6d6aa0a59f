// Package orchestrator is the meta-relay state machine: the
// HTTP-facing pipeline that validates a ForwardRequest, prices it, issues a
// 402 challenge or settles payment, then dispatches execution through the
// forwarder service. Single and batched variants share the same steps.
package orchestrator

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	hclog "github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"

	"github.com/0xShortx/CroGas/internal/apperrors"
	"github.com/0xShortx/CroGas/internal/forwarder"
	"github.com/0xShortx/CroGas/internal/payment"
	"github.com/0xShortx/CroGas/internal/pricing"
	"github.com/0xShortx/CroGas/internal/txrecord"
)

// MaxBatchSize is the largest batch a single request may carry.
const MaxBatchSize = 10

// BatchDiscount is the fraction sliced off a batch's quoted price.
const BatchDiscount = 0.10

// Forwarder is the subset of the forwarder service the orchestrator needs.
type Forwarder interface {
	Verify(ctx context.Context, req forwarder.ForwardRequest, sig []byte) (bool, error)
	Execute(ctx context.Context, req forwarder.ForwardRequest, sig []byte) (*forwarder.ExecuteResult, error)
}

// Pricing is the subset of the pricing engine the orchestrator needs.
type Pricing interface {
	Price(ctx context.Context, gasEstimate uint64, tier pricing.Tier) (*pricing.Quote, error)
}

// Payment is the subset of the payment service the orchestrator needs.
type Payment interface {
	Verify(ctx context.Context, env *payment.Envelope, expectedAmount *big.Int) (payment.VerifyResult, error)
	Settle(ctx context.Context, env *payment.Envelope) (common.Hash, error)
}

// Service wires the three collaborators into the relay pipeline.
type Service struct {
	forwarder Forwarder
	pricing   Pricing
	payment   Payment
	records   *txrecord.Ring
	now       func() time.Time
	logger    hclog.Logger
}

// New constructs a Service.
func New(fwd Forwarder, pr Pricing, pay Payment, records *txrecord.Ring, now func() time.Time, logger hclog.Logger) *Service {
	return &Service{forwarder: fwd, pricing: pr, payment: pay, records: records, now: now, logger: logger.Named("orchestrator")}
}

// ItemResult is one request's outcome within a single or batch relay.
type ItemResult struct {
	Success bool
	TxHash  string
	To      string
	Error   string
}

// RelayOutcome is what Relay returns on the 200 path. A nil *RelayOutcome
// with a non-nil *Quote402 means "402: payment required".
type RelayOutcome struct {
	Success       bool
	PaymentTxHash string
	Items         []ItemResult
	Tier          pricing.Tier
}

// Quote402 is returned (instead of a RelayOutcome) when payment is still owed.
type Quote402 struct {
	Quote *pricing.Quote
}

// Relay runs the single-request pipeline:
// verify -> price -> (402 | settle) -> execute -> respond.
func (s *Service) Relay(ctx context.Context, req forwarder.ForwardRequest, sig []byte, tier pricing.Tier, paymentHeader string) (*RelayOutcome, *Quote402, error) {
	ok, err := s.forwarder.Verify(ctx, req, sig)
	if err != nil {
		return nil, nil, apperrors.Internal(fmt.Errorf("verify: %w", err))
	}
	if !ok {
		return nil, nil, apperrors.InvalidSignature("forward request signature or nonce did not verify")
	}

	quote, err := s.pricing.Price(ctx, req.Gas.Uint64(), tier)
	if err != nil {
		return nil, nil, apperrors.Internal(fmt.Errorf("price: %w", err))
	}

	if paymentHeader == "" {
		return nil, &Quote402{Quote: quote}, nil
	}

	env := payment.ParseHeader(paymentHeader)
	if env == nil {
		return nil, nil, apperrors.InvalidPayment("could not parse X-Payment header")
	}

	verifyResult, err := s.payment.Verify(ctx, env, quote.FinalPriceRaw)
	if err != nil {
		return nil, nil, apperrors.Internal(fmt.Errorf("payment verify: %w", err))
	}
	if !verifyResult.Valid {
		return nil, nil, apperrors.PaymentInvalid(verifyResult.Reason)
	}

	paymentTxHash, err := s.payment.Settle(ctx, env)
	if err != nil {
		s.logger.Error("payment settlement failed", "agent", req.From.Hex(), "error", err)
		return nil, nil, apperrors.PaymentFailed(err)
	}

	recordID := ""
	if s.records != nil {
		recordID = s.records.Start(req.From.Hex(), hexOf(sig), req.Gas.Uint64(), s.now())
	}

	execResult, err := s.forwarder.Execute(ctx, req, sig)
	if err != nil {
		if s.records != nil {
			s.records.Complete(recordID, false, "", paymentTxHash.Hex(), 0, s.now())
		}

		// Payment already settled: surface a 5xx so the client can retry the
		// forwarder call (the ForwardRequest nonce was never consumed).
		return nil, nil, &apperrors.Error{
			Code:    apperrors.CodeTxBroadcast,
			Status:  500,
			Message: "execution failed after payment settled",
			Details: map[string]any{"paymentTxHash": paymentTxHash.Hex(), "error": err.Error()},
		}
	}

	if s.records != nil {
		s.records.Complete(recordID, execResult.Success, execResult.TxHash.Hex(), paymentTxHash.Hex(), 0, s.now())
	}

	return &RelayOutcome{
		Success:       execResult.Success,
		PaymentTxHash: paymentTxHash.Hex(),
		Items: []ItemResult{{
			Success: execResult.Success,
			TxHash:  execResult.TxHash.Hex(),
			To:      req.To.Hex(),
		}},
		Tier: quote.Tier,
	}, nil, nil
}

// BatchItem is one request within a batch.
type BatchItem struct {
	Request   forwarder.ForwardRequest
	Signature []byte
}

// Batch runs the batched pipeline: verify every
// item up front (reject the whole batch on any invalid signature), price
// once on the summed gas at a 10% discount, settle a single payment, then
// execute each item sequentially without atomic rollback.
func (s *Service) Batch(ctx context.Context, items []BatchItem, tier pricing.Tier, paymentHeader string) (*RelayOutcome, *Quote402, error) {
	if len(items) == 0 || len(items) > MaxBatchSize {
		return nil, nil, apperrors.Validation(fmt.Sprintf("batch size must be between 1 and %d", MaxBatchSize))
	}

	var verifyErrs *multierror.Error
	var totalGas uint64

	for i, item := range items {
		ok, err := s.forwarder.Verify(ctx, item.Request, item.Signature)
		if err != nil {
			verifyErrs = multierror.Append(verifyErrs, fmt.Errorf("item %d: %w", i, err))
			continue
		}
		if !ok {
			verifyErrs = multierror.Append(verifyErrs, fmt.Errorf("item %d: signature or nonce invalid", i))
			continue
		}

		totalGas += item.Request.Gas.Uint64()
	}

	if verifyErrs.ErrorOrNil() != nil {
		s.logger.Warn("batch rejected on signature verification", "items", len(items), "error", verifyErrs)
		return nil, nil, apperrors.InvalidSignature(verifyErrs.Error())
	}

	quote, err := s.pricing.Price(ctx, totalGas, tier)
	if err != nil {
		return nil, nil, apperrors.Internal(fmt.Errorf("price: %w", err))
	}

	discounted := applyDiscount(quote.FinalPriceRaw, BatchDiscount)

	if paymentHeader == "" {
		discountedQuote := *quote
		discountedQuote.FinalPriceRaw = discounted
		return nil, &Quote402{Quote: &discountedQuote}, nil
	}

	env := payment.ParseHeader(paymentHeader)
	if env == nil {
		return nil, nil, apperrors.InvalidPayment("could not parse X-Payment header")
	}

	verifyResult, err := s.payment.Verify(ctx, env, discounted)
	if err != nil {
		return nil, nil, apperrors.Internal(fmt.Errorf("payment verify: %w", err))
	}
	if !verifyResult.Valid {
		return nil, nil, apperrors.PaymentInvalid(verifyResult.Reason)
	}

	paymentTxHash, err := s.payment.Settle(ctx, env)
	if err != nil {
		return nil, nil, apperrors.PaymentFailed(err)
	}

	// Settlement happened: execution proceeds per item, sequentially,
	// without atomic rollback. A partial batch is not refunded.
	results := make([]ItemResult, len(items))
	overallSuccess := true

	for i, item := range items {
		execResult, err := s.forwarder.Execute(ctx, item.Request, item.Signature)
		if err != nil {
			results[i] = ItemResult{Success: false, To: item.Request.To.Hex(), Error: err.Error()}
			overallSuccess = false

			continue
		}

		results[i] = ItemResult{Success: execResult.Success, TxHash: execResult.TxHash.Hex(), To: item.Request.To.Hex()}
		if !execResult.Success {
			overallSuccess = false
		}
	}

	return &RelayOutcome{
		Success:       overallSuccess,
		PaymentTxHash: paymentTxHash.Hex(),
		Items:         results,
		Tier:          quote.Tier,
	}, nil, nil
}

// applyDiscount returns floor(amount * (1 - discount)), matching the
// pricing engine's own integer-from-float truncation discipline.
func applyDiscount(amount *big.Int, discount float64) *big.Int {
	f := new(big.Float).SetInt(amount)
	f.Mul(f, big.NewFloat(1-discount))

	out, _ := f.Int(nil)

	return out
}

func hexOf(b []byte) string {
	return common.Bytes2Hex(b)
}
