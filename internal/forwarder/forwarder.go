// Package forwarder implements the EIP-712 typed-data meta-transaction
// forwarder service: the domain/type schema a client signs against,
// verify-then-execute against the on-chain forwarder contract, and decoding
// of the Executed event.
package forwarder

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	hclog "github.com/hashicorp/go-hclog"

	"github.com/0xShortx/CroGas/internal/chain"
	"github.com/0xShortx/CroGas/internal/relayerpool"
)

// ForwardRequest is the signed envelope a client submits. Integer fields
// cross the wire as decimal strings and are parsed into *big.Int
// before reaching this package.
type ForwardRequest struct {
	From     common.Address
	To       common.Address
	Value    *big.Int
	Gas      *big.Int
	Nonce    *big.Int
	Deadline *big.Int
	Data     []byte
}

// Chain is the subset of the chain adapter the forwarder service needs.
type Chain interface {
	ContractRead(ctx context.Context, contract common.Address, contractABI interface {
		Pack(name string, args ...interface{}) ([]byte, error)
		Unpack(name string, data []byte) ([]interface{}, error)
	}, method string, args ...interface{}) ([]interface{}, error)
	SendContract(ctx context.Context, wallet *ecdsa.PrivateKey, contract common.Address, contractABI interface {
		Pack(name string, args ...interface{}) ([]byte, error)
	}, fn string, args []interface{}, opts chain.TxOptions) (*chain.TxResponse, error)
	AwaitReceipt(ctx context.Context, hash common.Hash, confirmations uint64) (*types.Receipt, error)
}

// Pool is the subset of the relayer pool the forwarder service needs.
type Pool interface {
	Acquire() (*relayerpool.RelayerState, error)
	Release(r *relayerpool.RelayerState)
	Resync(ctx context.Context, r *relayerpool.RelayerState) error
}

// ExecuteResult is what Execute hands back to the orchestrator.
type ExecuteResult struct {
	TxHash     common.Hash
	Success    bool // inner call's success, decoded from the Executed event
	ReturnData []byte
	Relayer    common.Address
}

// Service is the concrete EIP-712 forwarder service.
type Service struct {
	chain     Chain
	pool      Pool
	forwarder common.Address
	chainID   int64
	abi       abi.ABI
	now       func() time.Time
	logger    hclog.Logger
}

// New constructs a Service bound to forwarderAddr on chainID.
func New(chain Chain, pool Pool, forwarderAddr common.Address, chainID int64, forwarderABI abi.ABI, now func() time.Time, logger hclog.Logger) *Service {
	return &Service{
		chain:     chain,
		pool:      pool,
		forwarder: forwarderAddr,
		chainID:   chainID,
		abi:       forwarderABI,
		now:       now,
		logger:    logger.Named("forwarder"),
	}
}

// GetDomain returns the EIP-712 domain clients must sign against.
func (s *Service) GetDomain() apitypes.TypedDataDomain {
	return apitypes.TypedDataDomain{
		Name:              "MinimalForwarder",
		Version:           "1",
		ChainId:           math.NewHexOrDecimal256(s.chainID),
		VerifyingContract: s.forwarder.Hex(),
	}
}

// GetTypes returns the ForwardRequest type schema clients must sign against.
func (s *Service) GetTypes() apitypes.Types {
	return apitypes.Types{
		"EIP712Domain": []apitypes.Type{
			{Name: "name", Type: "string"},
			{Name: "version", Type: "string"},
			{Name: "chainId", Type: "uint256"},
			{Name: "verifyingContract", Type: "address"},
		},
		"ForwardRequest": []apitypes.Type{
			{Name: "from", Type: "address"},
			{Name: "to", Type: "address"},
			{Name: "value", Type: "uint256"},
			{Name: "gas", Type: "uint256"},
			{Name: "nonce", Type: "uint256"},
			{Name: "deadline", Type: "uint256"},
			{Name: "data", Type: "bytes"},
		},
	}
}

func (s *Service) typedData(req ForwardRequest) apitypes.TypedData {
	return apitypes.TypedData{
		Types:       s.GetTypes(),
		PrimaryType: "ForwardRequest",
		Domain:      s.GetDomain(),
		Message: apitypes.TypedDataMessage{
			"from":     req.From.Hex(),
			"to":       req.To.Hex(),
			"value":    (*math.HexOrDecimal256)(req.Value),
			"gas":      (*math.HexOrDecimal256)(req.Gas),
			"nonce":    (*math.HexOrDecimal256)(req.Nonce),
			"deadline": (*math.HexOrDecimal256)(req.Deadline),
			"data":     req.Data,
		},
	}
}

// Hash returns the EIP-712 digest a client must sign for req — exposed so
// the payment/orchestrator layer (and tests) can construct signatures the
// same way a real client does.
func (s *Service) Hash(req ForwardRequest) ([]byte, error) {
	hash, _, err := apitypes.TypedDataAndHash(s.typedData(req))
	if err != nil {
		return nil, fmt.Errorf("forwarder: hash typed data: %w", err)
	}

	return hash, nil
}

// GetNonce reads the forwarder's current nonce for addr.
func (s *Service) GetNonce(ctx context.Context, addr common.Address) (*big.Int, error) {
	out, err := s.chain.ContractRead(ctx, s.forwarder, s.abi, "getNonce", addr)
	if err != nil {
		return nil, fmt.Errorf("forwarder: getNonce: %w", err)
	}

	return out[0].(*big.Int), nil
}

// Verify recovers the signer from sig and req, then checks it off-chain and
// against the forwarder's on-chain view: the recovered signer equals
// req.From, the on-chain nonce equals req.Nonce, and req.Deadline has not
// passed. A genuine on-chain `verify` call is also issued so the forwarder
// contract's own bookkeeping (e.g. a paused state) is authoritative.
func (s *Service) Verify(ctx context.Context, req ForwardRequest, sig []byte) (bool, error) {
	if len(sig) != 65 {
		return false, nil
	}

	if s.now().Unix() > req.Deadline.Int64() {
		return false, nil
	}

	hash, err := s.Hash(req)
	if err != nil {
		return false, err
	}

	recoveredSig := make([]byte, 65)
	copy(recoveredSig, sig)
	if recoveredSig[64] >= 27 {
		recoveredSig[64] -= 27
	}

	pubKey, err := crypto.SigToPub(hash, recoveredSig)
	if err != nil {
		return false, nil
	}

	if crypto.PubkeyToAddress(*pubKey) != req.From {
		return false, nil
	}

	onChainNonce, err := s.GetNonce(ctx, req.From)
	if err != nil {
		return false, err
	}

	if onChainNonce.Cmp(req.Nonce) != 0 {
		return false, nil
	}

	out, err := s.chain.ContractRead(ctx, s.forwarder, s.abi, "verify", forwarderTuple(req), sig)
	if err != nil {
		return false, fmt.Errorf("forwarder: on-chain verify: %w", err)
	}

	ok, _ := out[0].(bool)

	return ok, nil
}

// Execute acquires a relayer, submits the outer execute(req, sig) call,
// awaits its receipt, and decodes the inner Executed event. The relayer is
// always released, success or failure.
func (s *Service) Execute(ctx context.Context, req ForwardRequest, sig []byte) (*ExecuteResult, error) {
	relayer, err := s.pool.Acquire()
	if err != nil {
		return nil, fmt.Errorf("forwarder: acquire relayer: %w", err)
	}
	defer s.pool.Release(relayer)

	relayer.SubmitLock.Lock()
	resp, err := s.chain.SendContract(ctx, relayer.Wallet, s.forwarder, s.abi, "execute",
		[]interface{}{forwarderTuple(req), sig}, chain.TxOptions{GasBufferPct: 20})
	relayer.SubmitLock.Unlock()
	if err != nil {
		if chainErr, ok := err.(*chain.Error); ok && chainErr.Retriable {
			if resyncErr := s.pool.Resync(ctx, relayer); resyncErr != nil {
				s.logger.Warn("resync after submit failure also failed", "error", resyncErr)
			}
		}

		return nil, fmt.Errorf("forwarder: execute: %w", err)
	}

	receipt, err := s.chain.AwaitReceipt(ctx, resp.Hash, 0)
	if err != nil {
		return nil, fmt.Errorf("forwarder: await receipt: %w", err)
	}

	result := &ExecuteResult{TxHash: resp.Hash, Relayer: relayer.Address}

	for _, log := range receipt.Logs {
		decoded, derr := decodeExecuted(s.abi, *log)
		if derr != nil {
			continue
		}

		result.Success, _ = decoded["success"].(bool)
		result.ReturnData, _ = decoded["result"].([]byte)

		break
	}

	return result, nil
}

func forwarderTuple(req ForwardRequest) struct {
	From     common.Address
	To       common.Address
	Value    *big.Int
	Gas      *big.Int
	Nonce    *big.Int
	Deadline *big.Int
	Data     []byte
} {
	return struct {
		From     common.Address
		To       common.Address
		Value    *big.Int
		Gas      *big.Int
		Nonce    *big.Int
		Deadline *big.Int
		Data     []byte
	}{req.From, req.To, req.Value, req.Gas, req.Nonce, req.Deadline, req.Data}
}

func decodeExecuted(contractABI abi.ABI, log types.Log) (map[string]interface{}, error) {
	out := make(map[string]interface{})
	if err := contractABI.UnpackIntoMap(out, "Executed", log.Data); err != nil {
		return nil, err
	}

	return out, nil
}
