// Package apperrors defines the relay's single error taxonomy: every
// handler-visible failure is an *Error carrying an HTTP status and a stable
// code string, so the HTTP layer never has to guess how to report it.
package apperrors

import "fmt"

// Code is one of the closed set of error codes the API surface emits.
type Code string

const (
	CodeValidation        Code = "VALIDATION_ERROR"
	CodeInvalidSignature  Code = "INVALID_SIGNATURE"
	CodeInvalidPayment    Code = "INVALID_PAYMENT"
	CodePaymentInvalid    Code = "PAYMENT_INVALID"
	CodePaymentFailed     Code = "PAYMENT_FAILED"
	CodeRateLimited       Code = "RATE_LIMITED"
	CodeInsufficientFunds Code = "INSUFFICIENT_FUNDS"
	CodeTxDecode          Code = "TX_DECODE_ERROR"
	CodeTxSimulation      Code = "TX_SIMULATION_ERROR"
	CodeTxNonce           Code = "TX_NONCE_ERROR"
	CodeTxGas             Code = "TX_GAS_ERROR"
	CodeTxBroadcast       Code = "TX_BROADCAST_ERROR"
	CodeInternal          Code = "INTERNAL_ERROR"
)

// Error is the uniform shape returned to clients: {error, message, details?}.
type Error struct {
	Code    Code
	Status  int
	Message string
	Details map[string]any
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}

	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// WithDetails attaches a details map used for things like a payment-rejection reason.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details

	return e
}

func statusFor(code Code) int {
	switch code {
	case CodeValidation, CodeInvalidSignature, CodeInvalidPayment, CodeTxDecode:
		return 400
	case CodePaymentInvalid, CodePaymentFailed:
		return 402
	case CodeRateLimited:
		return 429
	case CodeInsufficientFunds:
		return 503
	case CodeTxSimulation, CodeTxNonce, CodeTxGas, CodeTxBroadcast:
		return 500
	default:
		return 500
	}
}

func newErr(code Code, msg string, cause error) *Error {
	return &Error{Code: code, Status: statusFor(code), Message: msg, cause: cause}
}

func Validation(msg string) *Error       { return newErr(CodeValidation, msg, nil) }
func InvalidSignature(msg string) *Error { return newErr(CodeInvalidSignature, msg, nil) }
func InvalidPayment(msg string) *Error   { return newErr(CodeInvalidPayment, msg, nil) }
func PaymentInvalid(reason string) *Error {
	return newErr(CodePaymentInvalid, "payment authorization rejected", nil).
		WithDetails(map[string]any{"reason": reason})
}
func PaymentFailed(err error) *Error {
	return newErr(CodePaymentFailed, "payment settlement failed", err)
}
func RateLimited(retryAfterSeconds int) *Error {
	return newErr(CodeRateLimited, "rate limit exceeded", nil).
		WithDetails(map[string]any{"retryAfter": retryAfterSeconds})
}
func InsufficientFunds(msg string) *Error { return newErr(CodeInsufficientFunds, msg, nil) }
func TxDecode(err error) *Error           { return newErr(CodeTxDecode, "could not decode transaction", err) }
func TxSimulation(err error) *Error       { return newErr(CodeTxSimulation, "call simulation reverted", err) }
func TxNonce(err error) *Error            { return newErr(CodeTxNonce, "nonce rejected by node", err) }
func TxGas(err error) *Error              { return newErr(CodeTxGas, "gas price rejected by node", err) }
func TxBroadcast(err error) *Error        { return newErr(CodeTxBroadcast, "broadcast failed", err) }
func Internal(err error) *Error           { return newErr(CodeInternal, "internal error", err) }

// As reports whether err is (or wraps) an *Error, mirroring errors.As without
// forcing every call site to declare the target variable.
func As(err error) (*Error, bool) {
	for err != nil {
		if ae, ok := err.(*Error); ok {
			return ae, true
		}

		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return nil, false
		}

		err = u.Unwrap()
	}

	return nil, false
}
