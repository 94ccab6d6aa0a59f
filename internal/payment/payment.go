// Package payment implements the EIP-3009/402 payment service: parsing
// the X-Payment header, verifying a transfer authorization off-chain and
// against on-chain state, and settling it via transferWithAuthorization.
package payment

import (
	"context"
	"crypto/ecdsa"
	"encoding/base64"
	"encoding/json"
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

// Authorization is the EIP-3009 transferWithAuthorization payload.
type Authorization struct {
	From        common.Address
	To          common.Address
	Value       *big.Int
	ValidAfter  int64
	ValidBefore int64
	Nonce       [32]byte
}

// Envelope is the decoded X-Payment header.
type Envelope struct {
	Version int    `json:"version"`
	Scheme  string `json:"scheme"`
	Network string `json:"network"`
	Payload struct {
		Signature     string            `json:"signature"`
		Authorization authorizationWire `json:"authorization"`
	} `json:"payload"`
}

type authorizationWire struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

// Authorization decodes the envelope's wire fields into a typed Authorization.
func (e *Envelope) Authorization() (Authorization, error) {
	w := e.Payload.Authorization

	value, ok := new(big.Int).SetString(w.Value, 10)
	if !ok {
		return Authorization{}, fmt.Errorf("payment: invalid value %q", w.Value)
	}

	validAfter, err := parseUnixSeconds(w.ValidAfter)
	if err != nil {
		return Authorization{}, fmt.Errorf("payment: invalid validAfter: %w", err)
	}

	validBefore, err := parseUnixSeconds(w.ValidBefore)
	if err != nil {
		return Authorization{}, fmt.Errorf("payment: invalid validBefore: %w", err)
	}

	nonceBytes := common.FromHex(w.Nonce)
	if len(nonceBytes) != 32 {
		return Authorization{}, fmt.Errorf("payment: nonce must be 32 bytes, got %d", len(nonceBytes))
	}

	var nonce [32]byte
	copy(nonce[:], nonceBytes)

	return Authorization{
		From:        common.HexToAddress(w.From),
		To:          common.HexToAddress(w.To),
		Value:       value,
		ValidAfter:  validAfter,
		ValidBefore: validBefore,
		Nonce:       nonce,
	}, nil
}

func parseUnixSeconds(s string) (int64, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return 0, fmt.Errorf("not an integer: %q", s)
	}

	return v.Int64(), nil
}

// Signature returns the envelope's 65-byte r||s||v signature.
func (e *Envelope) Signature() ([]byte, error) {
	sig := common.FromHex(e.Payload.Signature)
	if len(sig) != 65 {
		return nil, fmt.Errorf("payment: signature must be 65 bytes, got %d", len(sig))
	}

	return sig, nil
}

// ParseHeader base64-decodes and JSON-parses an X-Payment header, returning
// nil (not an error) when the header is empty, not base64, not JSON, or has
// no signature. The authorization fields are not validated here.
func ParseHeader(header string) *Envelope {
	if header == "" {
		return nil
	}

	raw, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return nil
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil
	}

	if env.Payload.Signature == "" {
		return nil
	}

	return &env
}

// Chain is the subset of the chain adapter the payment service needs.
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

// Pool is the subset of the relayer pool the payment service needs.
type Pool interface {
	Acquire() (*relayerpool.RelayerState, error)
	Release(r *relayerpool.RelayerState)
}

// VerifyResult is Verify's outcome; Reason is populated iff !Valid.
type VerifyResult struct {
	Valid  bool
	Reason string
}

// Service is the concrete EIP-3009 payment service.
type Service struct {
	chain      Chain
	pool       Pool
	stablecoin common.Address
	receiving  common.Address
	chainID    int64
	abi        abi.ABI
	now        func() time.Time
	logger     hclog.Logger
}

// New constructs a Service bound to the configured stablecoin and receiving address.
func New(chainAdapter Chain, pool Pool, stablecoin, receiving common.Address, chainID int64, stablecoinABI abi.ABI, now func() time.Time, logger hclog.Logger) *Service {
	return &Service{
		chain:      chainAdapter,
		pool:       pool,
		stablecoin: stablecoin,
		receiving:  receiving,
		chainID:    chainID,
		abi:        stablecoinABI,
		now:        now,
		logger:     logger.Named("payment"),
	}
}

// domain returns the EIP-3009 (EIP-712) domain for the configured stablecoin.
// "USD Coin" / version "2" is the canonical EIP-3009 token domain used by
// every reference implementation in the pack; a real deployment's exact
// name/version must match what its DOMAIN_SEPARATOR() was deployed with.
func (s *Service) domain() apitypes.TypedDataDomain {
	return apitypes.TypedDataDomain{
		Name:              "USD Coin",
		Version:           "2",
		ChainId:           math.NewHexOrDecimal256(s.chainID),
		VerifyingContract: s.stablecoin.Hex(),
	}
}

func (s *Service) typedData(auth Authorization) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"TransferWithAuthorization": []apitypes.Type{
				{Name: "from", Type: "address"},
				{Name: "to", Type: "address"},
				{Name: "value", Type: "uint256"},
				{Name: "validAfter", Type: "uint256"},
				{Name: "validBefore", Type: "uint256"},
				{Name: "nonce", Type: "bytes32"},
			},
		},
		PrimaryType: "TransferWithAuthorization",
		Domain:      s.domain(),
		Message: apitypes.TypedDataMessage{
			"from":        auth.From.Hex(),
			"to":          auth.To.Hex(),
			"value":       (*math.HexOrDecimal256)(auth.Value),
			"validAfter":  math.NewHexOrDecimal256(auth.ValidAfter),
			"validBefore": math.NewHexOrDecimal256(auth.ValidBefore),
			"nonce":       hexutilEncode(auth.Nonce),
		},
	}
}

func hexutilEncode(nonce [32]byte) string {
	return "0x" + common.Bytes2Hex(nonce[:])
}

func recoverSigner(hash, sig []byte) (common.Address, error) {
	if len(sig) != 65 {
		return common.Address{}, fmt.Errorf("payment: signature must be 65 bytes")
	}

	normalized := make([]byte, 65)
	copy(normalized, sig)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}

	pubKey, err := crypto.SigToPub(hash, normalized)
	if err != nil {
		return common.Address{}, err
	}

	return crypto.PubkeyToAddress(*pubKey), nil
}

// Verify checks each acceptance condition in order, short-circuiting
// on the first failure: recipient matches the configured receiving address
// (case-insensitively), authorized value covers expectedAmount, the current
// time is strictly after validAfter and strictly before validBefore, the
// signature recovers to the payer, the authorization hasn't already been
// consumed on-chain, and the payer's stablecoin balance covers value.
func (s *Service) Verify(ctx context.Context, env *Envelope, expectedAmount *big.Int) (VerifyResult, error) {
	auth, err := env.Authorization()
	if err != nil {
		return VerifyResult{}, err
	}

	sig, err := env.Signature()
	if err != nil {
		return VerifyResult{}, err
	}

	if !sameAddress(auth.To, s.receiving) {
		return VerifyResult{Reason: "Recipient does not match configured receiving address"}, nil
	}

	if auth.Value.Cmp(expectedAmount) < 0 {
		return VerifyResult{Reason: "Insufficient amount"}, nil
	}

	now := s.now().Unix()
	if now <= auth.ValidAfter {
		return VerifyResult{Reason: "Authorization not yet valid"}, nil
	}
	if now >= auth.ValidBefore {
		return VerifyResult{Reason: "Authorization expired"}, nil
	}

	hash, _, err := apitypes.TypedDataAndHash(s.typedData(auth))
	if err != nil {
		return VerifyResult{}, fmt.Errorf("payment: hash typed data: %w", err)
	}

	recovered, err := recoverSigner(hash, sig)
	if err != nil {
		return VerifyResult{Reason: "Invalid signature"}, nil
	}
	if recovered != auth.From {
		return VerifyResult{Reason: "Invalid signature"}, nil
	}

	used, err := s.authorizationUsed(ctx, auth)
	if err != nil {
		return VerifyResult{}, err
	}
	if used {
		return VerifyResult{Reason: "Authorization already used"}, nil
	}

	balance, err := s.stablecoinBalance(ctx, auth.From)
	if err != nil {
		return VerifyResult{}, err
	}
	if balance.Cmp(auth.Value) < 0 {
		return VerifyResult{Reason: "Insufficient stablecoin balance"}, nil
	}

	return VerifyResult{Valid: true}, nil
}

func (s *Service) authorizationUsed(ctx context.Context, auth Authorization) (bool, error) {
	out, err := s.chain.ContractRead(ctx, s.stablecoin, s.abi, "authorizationState", auth.From, auth.Nonce)
	if err != nil {
		return false, fmt.Errorf("payment: authorizationState: %w", err)
	}

	used, _ := out[0].(bool)

	return used, nil
}

func (s *Service) stablecoinBalance(ctx context.Context, addr common.Address) (*big.Int, error) {
	out, err := s.chain.ContractRead(ctx, s.stablecoin, s.abi, "balanceOf", addr)
	if err != nil {
		return nil, fmt.Errorf("payment: balanceOf: %w", err)
	}

	return out[0].(*big.Int), nil
}

func sameAddress(a, b common.Address) bool {
	return a == b
}

// Settle splits the envelope's signature into (v,r,s) and calls
// transferWithAuthorization from a relayer wallet. Returns the settlement
// tx hash once mined; a non-success receipt status is a settlement failure.
func (s *Service) Settle(ctx context.Context, env *Envelope) (common.Hash, error) {
	auth, err := env.Authorization()
	if err != nil {
		return common.Hash{}, err
	}

	sig, err := env.Signature()
	if err != nil {
		return common.Hash{}, err
	}

	var r, sSig [32]byte
	copy(r[:], sig[0:32])
	copy(sSig[:], sig[32:64])
	v := sig[64]
	if v < 27 {
		v += 27
	}

	relayer, err := s.pool.Acquire()
	if err != nil {
		return common.Hash{}, fmt.Errorf("payment: acquire relayer: %w", err)
	}
	defer s.pool.Release(relayer)

	relayer.SubmitLock.Lock()
	resp, err := s.chain.SendContract(ctx, relayer.Wallet, s.stablecoin, s.abi, "transferWithAuthorization",
		[]interface{}{auth.From, auth.To, auth.Value, big.NewInt(auth.ValidAfter), big.NewInt(auth.ValidBefore), auth.Nonce, v, r, sSig},
		chain.TxOptions{GasBufferPct: 20})
	relayer.SubmitLock.Unlock()
	if err != nil {
		return common.Hash{}, fmt.Errorf("payment: settle: %w", err)
	}

	receipt, err := s.chain.AwaitReceipt(ctx, resp.Hash, 0)
	if err != nil {
		return common.Hash{}, fmt.Errorf("payment: await settlement receipt: %w", err)
	}

	if receipt.Status != types.ReceiptStatusSuccessful {
		return common.Hash{}, fmt.Errorf("payment: settlement tx %s reverted", resp.Hash.Hex())
	}

	s.logger.Info("settled payment", "txHash", resp.Hash.Hex(), "from", auth.From.Hex(), "value", auth.Value.String())

	return resp.Hash, nil
}
