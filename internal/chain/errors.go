package chain

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies a chain-adapter failure so callers (forwarder,
// payment, relayerpool) can decide whether a resync or retry is warranted.
type ErrorKind string

const (
	KindNetwork     ErrorKind = "network"
	KindRevert      ErrorKind = "revert"
	KindNonceTooLow ErrorKind = "nonceTooLow"
	KindUnderpriced ErrorKind = "underpriced"
	KindUnknown     ErrorKind = "unknown"
)

// Error is the typed failure every Adapter operation returns on error.
type Error struct {
	Kind      ErrorKind
	Retriable bool
	Cause     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("chain: %s: %v", e.Kind, e.Cause)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// classify maps a raw error from ethclient/go-ethereum into a typed *Error.
// The node-string matching here mirrors what every JSON-RPC-speaking relayer
// in the wild has to do — go-ethereum does not expose structured RPC error
// codes for these conditions.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var chainErr *Error
	if errors.As(err, &chainErr) {
		return err
	}

	msg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(msg, "nonce too low"), strings.Contains(msg, "nonce is too low"):
		return &Error{Kind: KindNonceTooLow, Retriable: true, Cause: err}
	case strings.Contains(msg, "underpriced"), strings.Contains(msg, "replacement transaction"):
		return &Error{Kind: KindUnderpriced, Retriable: true, Cause: err}
	case strings.Contains(msg, "revert"), strings.Contains(msg, "execution reverted"):
		return &Error{Kind: KindRevert, Retriable: false, Cause: err}
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "connection"), strings.Contains(msg, "eof"),
		strings.Contains(msg, "no such host"), strings.Contains(msg, "refused"):
		return &Error{Kind: KindNetwork, Retriable: true, Cause: err}
	default:
		return &Error{Kind: KindUnknown, Retriable: false, Cause: err}
	}
}
