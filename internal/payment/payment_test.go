package payment

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	hclog "github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"

	"github.com/0xShortx/CroGas/internal/chain"
	"github.com/0xShortx/CroGas/internal/relayerpool"
)

type mockChain struct {
	ContractReadHandler func(ctx context.Context, contract common.Address, method string, args ...interface{}) ([]interface{}, error)
	SendContractHandler func(ctx context.Context, contract common.Address, fn string, args []interface{}) (*chain.TxResponse, error)
	AwaitReceiptHandler func(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}

func (m *mockChain) ContractRead(ctx context.Context, contract common.Address, contractABI interface {
	Pack(name string, args ...interface{}) ([]byte, error)
	Unpack(name string, data []byte) ([]interface{}, error)
}, method string, args ...interface{}) ([]interface{}, error) {
	if m.ContractReadHandler == nil {
		panic("ContractReadHandler undefined")
	}

	return m.ContractReadHandler(ctx, contract, method, args...)
}

func (m *mockChain) SendContract(ctx context.Context, wallet *ecdsa.PrivateKey, contract common.Address, contractABI interface {
	Pack(name string, args ...interface{}) ([]byte, error)
}, fn string, args []interface{}, opts chain.TxOptions) (*chain.TxResponse, error) {
	if m.SendContractHandler == nil {
		panic("SendContractHandler undefined")
	}

	return m.SendContractHandler(ctx, contract, fn, args)
}

func (m *mockChain) AwaitReceipt(ctx context.Context, hash common.Hash, confirmations uint64) (*types.Receipt, error) {
	if m.AwaitReceiptHandler == nil {
		panic("AwaitReceiptHandler undefined")
	}

	return m.AwaitReceiptHandler(ctx, hash)
}

type mockPool struct {
	relayer  *relayerpool.RelayerState
	released int
}

func (m *mockPool) Acquire() (*relayerpool.RelayerState, error) { return m.relayer, nil }
func (m *mockPool) Release(r *relayerpool.RelayerState)         { m.released++ }

var (
	stablecoinAddr = common.HexToAddress("0x3333333333333333333333333333333333333333")
	receivingAddr  = common.HexToAddress("0xaAbBcCdDeEfF00112233445566778899aAbBcCdD")
)

const testChainID = 25

// freshChain returns a mock whose on-chain state would pass every Verify
// check: authorization unused, payer fully funded.
func freshChain() *mockChain {
	return &mockChain{
		ContractReadHandler: func(ctx context.Context, contract common.Address, method string, args ...interface{}) ([]interface{}, error) {
			switch method {
			case "authorizationState":
				return []interface{}{false}, nil
			case "balanceOf":
				return []interface{}{big.NewInt(100_000_000)}, nil
			default:
				return nil, assert.AnError
			}
		},
	}
}

func newTestService(mc *mockChain, mp *mockPool, now time.Time) *Service {
	return New(mc, mp, stablecoinAddr, receivingAddr, testChainID, chain.StablecoinABI, func() time.Time { return now }, hclog.NewNullLogger())
}

// signedEnvelope builds an Envelope whose authorization is genuinely signed
// by a fresh payer key, the way a real client would produce one.
func signedEnvelope(t *testing.T, s *Service, to common.Address, value *big.Int, validAfter, validBefore int64) (*Envelope, common.Address) {
	t.Helper()

	key, err := crypto.GenerateKey()
	assert.NoError(t, err)

	payer := crypto.PubkeyToAddress(key.PublicKey)

	var nonce [32]byte
	_, err = rand.Read(nonce[:])
	assert.NoError(t, err)

	auth := Authorization{
		From:        payer,
		To:          to,
		Value:       value,
		ValidAfter:  validAfter,
		ValidBefore: validBefore,
		Nonce:       nonce,
	}

	hash, _, err := apitypes.TypedDataAndHash(s.typedData(auth))
	assert.NoError(t, err)

	sig, err := crypto.Sign(hash, key)
	assert.NoError(t, err)

	env := &Envelope{Version: 1, Scheme: "exact", Network: "eip155:25"}
	env.Payload.Signature = "0x" + common.Bytes2Hex(sig)
	env.Payload.Authorization = authorizationWire{
		From:        payer.Hex(),
		To:          to.Hex(),
		Value:       value.String(),
		ValidAfter:  big.NewInt(validAfter).String(),
		ValidBefore: big.NewInt(validBefore).String(),
		Nonce:       "0x" + common.Bytes2Hex(nonce[:]),
	}

	return env, payer
}

func encodeHeader(t *testing.T, env *Envelope) string {
	t.Helper()

	raw, err := json.Marshal(env)
	assert.NoError(t, err)

	return base64.StdEncoding.EncodeToString(raw)
}

func TestParseHeader_EncodeThenDecodeIsIdentity(t *testing.T) {
	s := newTestService(freshChain(), &mockPool{}, time.Unix(2000, 0))

	env, _ := signedEnvelope(t, s, receivingAddr, big.NewInt(54000), 1000, 3000)
	header := encodeHeader(t, env)

	decoded := ParseHeader(header)
	assert.NotNil(t, decoded)
	assert.Equal(t, env.Version, decoded.Version)
	assert.Equal(t, env.Scheme, decoded.Scheme)
	assert.Equal(t, env.Network, decoded.Network)
	assert.Equal(t, env.Payload.Signature, decoded.Payload.Signature)
	assert.Equal(t, env.Payload.Authorization, decoded.Payload.Authorization)
}

func TestParseHeader_MalformedInputsReturnNil(t *testing.T) {
	assert.Nil(t, ParseHeader(""))
	assert.Nil(t, ParseHeader("not-base64!!!"))
	assert.Nil(t, ParseHeader(base64.StdEncoding.EncodeToString([]byte("not json"))))
	assert.Nil(t, ParseHeader(base64.StdEncoding.EncodeToString([]byte(`{"version":1}`))), "missing signature must parse to nil")
}

func TestVerify_RecipientMismatch(t *testing.T) {
	now := time.Unix(2000, 0)
	s := newTestService(freshChain(), &mockPool{}, now)

	wrongRecipient := common.HexToAddress("0x9999999999999999999999999999999999999999")
	env, _ := signedEnvelope(t, s, wrongRecipient, big.NewInt(54000), 1000, 3000)

	result, err := s.Verify(context.Background(), env, big.NewInt(54000))
	assert.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Contains(t, result.Reason, "Recipient")
}

func TestVerify_RecipientDiffersInCaseOnly(t *testing.T) {
	now := time.Unix(2000, 0)
	s := newTestService(freshChain(), &mockPool{}, now)

	env, _ := signedEnvelope(t, s, receivingAddr, big.NewInt(54000), 1000, 3000)
	env.Payload.Authorization.To = strings.ToLower(receivingAddr.Hex())

	result, err := s.Verify(context.Background(), env, big.NewInt(54000))
	assert.NoError(t, err)
	assert.True(t, result.Valid)
}

func TestVerify_ValueOneUnderQuoteIsInsufficient(t *testing.T) {
	now := time.Unix(2000, 0)
	s := newTestService(freshChain(), &mockPool{}, now)

	env, _ := signedEnvelope(t, s, receivingAddr, big.NewInt(53999), 1000, 3000)

	result, err := s.Verify(context.Background(), env, big.NewInt(54000))
	assert.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Contains(t, result.Reason, "Insufficient amount")
}

func TestVerify_ExpiredOneSecondPastValidBefore(t *testing.T) {
	validBefore := int64(3000)
	now := time.Unix(validBefore+1, 0)

	s := newTestService(freshChain(), &mockPool{}, now)
	env, _ := signedEnvelope(t, s, receivingAddr, big.NewInt(54000), 1000, validBefore)

	result, err := s.Verify(context.Background(), env, big.NewInt(54000))
	assert.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Contains(t, result.Reason, "Authorization expired")
}

func TestVerify_NotYetValid(t *testing.T) {
	now := time.Unix(500, 0)

	s := newTestService(freshChain(), &mockPool{}, now)
	env, _ := signedEnvelope(t, s, receivingAddr, big.NewInt(54000), 1000, 3000)

	result, err := s.Verify(context.Background(), env, big.NewInt(54000))
	assert.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Contains(t, result.Reason, "not yet valid")
}

func TestVerify_AlreadyUsedAuthorization(t *testing.T) {
	now := time.Unix(2000, 0)

	mc := freshChain()
	mc.ContractReadHandler = func(ctx context.Context, contract common.Address, method string, args ...interface{}) ([]interface{}, error) {
		if method == "authorizationState" {
			return []interface{}{true}, nil
		}
		return []interface{}{big.NewInt(100_000_000)}, nil
	}

	s := newTestService(mc, &mockPool{}, now)
	env, _ := signedEnvelope(t, s, receivingAddr, big.NewInt(54000), 1000, 3000)

	result, err := s.Verify(context.Background(), env, big.NewInt(54000))
	assert.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Contains(t, result.Reason, "already used")
}

func TestVerify_InsufficientPayerBalance(t *testing.T) {
	now := time.Unix(2000, 0)

	mc := freshChain()
	mc.ContractReadHandler = func(ctx context.Context, contract common.Address, method string, args ...interface{}) ([]interface{}, error) {
		if method == "authorizationState" {
			return []interface{}{false}, nil
		}
		return []interface{}{big.NewInt(10)}, nil
	}

	s := newTestService(mc, &mockPool{}, now)
	env, _ := signedEnvelope(t, s, receivingAddr, big.NewInt(54000), 1000, 3000)

	result, err := s.Verify(context.Background(), env, big.NewInt(54000))
	assert.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Contains(t, result.Reason, "balance")
}

func TestVerify_TamperedSignature(t *testing.T) {
	now := time.Unix(2000, 0)
	s := newTestService(freshChain(), &mockPool{}, now)

	env, _ := signedEnvelope(t, s, receivingAddr, big.NewInt(54000), 1000, 3000)
	// Flip the declared value after signing: recovery lands on another address.
	env.Payload.Authorization.Value = "55000"

	result, err := s.Verify(context.Background(), env, big.NewInt(54000))
	assert.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Contains(t, result.Reason, "Invalid signature")
}

func TestSettle_SubmitsTransferWithAuthorization(t *testing.T) {
	now := time.Unix(2000, 0)

	relayerKey, _ := crypto.GenerateKey()
	settleHash := common.HexToHash("0xfeed")

	var sentFn string
	var sentArgs []interface{}

	mc := freshChain()
	mc.SendContractHandler = func(ctx context.Context, contract common.Address, fn string, args []interface{}) (*chain.TxResponse, error) {
		assert.Equal(t, stablecoinAddr, contract)
		sentFn = fn
		sentArgs = args

		return &chain.TxResponse{Hash: settleHash}, nil
	}
	mc.AwaitReceiptHandler = func(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
		return &types.Receipt{Status: types.ReceiptStatusSuccessful}, nil
	}

	mp := &mockPool{relayer: &relayerpool.RelayerState{Wallet: relayerKey}}

	s := newTestService(mc, mp, now)
	env, payer := signedEnvelope(t, s, receivingAddr, big.NewInt(54000), 1000, 3000)

	hash, err := s.Settle(context.Background(), env)
	assert.NoError(t, err)
	assert.Equal(t, settleHash, hash)
	assert.Equal(t, "transferWithAuthorization", sentFn)
	assert.Len(t, sentArgs, 9)
	assert.Equal(t, payer, sentArgs[0])
	assert.Equal(t, 1, mp.released)

	// v must be normalized into the 27/28 range the contract expects.
	v, ok := sentArgs[6].(uint8)
	assert.True(t, ok)
	assert.GreaterOrEqual(t, v, uint8(27))
}

func TestSettle_RevertedReceiptFails(t *testing.T) {
	now := time.Unix(2000, 0)

	relayerKey, _ := crypto.GenerateKey()

	mc := freshChain()
	mc.SendContractHandler = func(ctx context.Context, contract common.Address, fn string, args []interface{}) (*chain.TxResponse, error) {
		return &chain.TxResponse{Hash: common.HexToHash("0xdead")}, nil
	}
	mc.AwaitReceiptHandler = func(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
		return &types.Receipt{Status: types.ReceiptStatusFailed}, nil
	}

	mp := &mockPool{relayer: &relayerpool.RelayerState{Wallet: relayerKey}}

	s := newTestService(mc, mp, now)
	env, _ := signedEnvelope(t, s, receivingAddr, big.NewInt(54000), 1000, 3000)

	_, err := s.Settle(context.Background(), env)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "reverted")
	assert.Equal(t, 1, mp.released, "relayer must be released even when settlement reverts")
}
