// Package chain is the capability boundary that abstracts every JSON-RPC
// call the relay makes against the EVM node. Nothing outside this package
// imports ethclient directly.
package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	hclog "github.com/hashicorp/go-hclog"
)

// DefaultCallTimeout bounds every outbound RPC call unless the caller
// supplies a shorter deadline of its own.
const DefaultCallTimeout = 30 * time.Second

// MinGasPriceWei is the floor GasPrice falls back to when the node
// reports zero.
var MinGasPriceWei = big.NewInt(1_000_000_000) // 1 gwei

// Adapter is the concrete, go-ethereum-backed ChainAdapter.
type Adapter struct {
	client     *ethclient.Client
	chainID    *big.Int
	stablecoin common.Address
	forwarder  common.Address
	logger     hclog.Logger
}

// New dials the RPC endpoint and returns a ready Adapter.
func New(ctx context.Context, rpcURL string, chainID int64, stablecoin, forwarder common.Address, logger hclog.Logger) (*Adapter, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("chain: dial %s: %w", rpcURL, err)
	}

	return &Adapter{
		client:     client,
		chainID:    big.NewInt(chainID),
		stablecoin: stablecoin,
		forwarder:  forwarder,
		logger:     logger.Named("chain"),
	}, nil
}

func (a *Adapter) ChainID() *big.Int                 { return new(big.Int).Set(a.chainID) }
func (a *Adapter) ForwarderAddress() common.Address  { return a.forwarder }
func (a *Adapter) StablecoinAddress() common.Address { return a.stablecoin }

func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, DefaultCallTimeout)
}

// Balance returns the native-token balance of addr.
func (a *Adapter) Balance(ctx context.Context, addr common.Address) (*big.Int, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	bal, err := a.client.BalanceAt(ctx, addr, nil)
	if err != nil {
		return nil, classify(err)
	}

	return bal, nil
}

// StablecoinBalance returns addr's balanceOf on the configured stablecoin.
func (a *Adapter) StablecoinBalance(ctx context.Context, addr common.Address) (*big.Int, error) {
	out, err := a.ContractRead(ctx, a.stablecoin, StablecoinABI, "balanceOf", addr)
	if err != nil {
		return nil, err
	}

	return out[0].(*big.Int), nil
}

// GasPrice returns the node's suggested gas price, or MinGasPriceWei when
// the node reports zero.
func (a *Adapter) GasPrice(ctx context.Context) (*big.Int, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	price, err := a.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, classify(err)
	}

	if price == nil || price.Sign() == 0 {
		return new(big.Int).Set(MinGasPriceWei), nil
	}

	return price, nil
}

// PendingNonce returns the next nonce the node would assign addr.
func (a *Adapter) PendingNonce(ctx context.Context, addr common.Address) (uint64, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	nonce, err := a.client.PendingNonceAt(ctx, addr)
	if err != nil {
		return 0, classify(err)
	}

	return nonce, nil
}

// CallArgs mirrors the fields of an eth_call/eth_estimateGas request.
type CallArgs struct {
	From  common.Address
	To    *common.Address
	Value *big.Int
	Data  []byte
}

func (a *CallArgs) toMsg() ethereum.CallMsg {
	return ethereum.CallMsg{From: a.From, To: a.To, Value: a.Value, Data: a.Data}
}

// EstimateGas estimates gas for a call, classifying a revert distinctly from
// a network failure.
func (a *Adapter) EstimateGas(ctx context.Context, call CallArgs) (uint64, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	gas, err := a.client.EstimateGas(ctx, call.toMsg())
	if err != nil {
		return 0, classify(err)
	}

	return gas, nil
}

// Call performs a read-only simulation, returning raw return data. Used for
// revert detection ahead of a real submission.
func (a *Adapter) Call(ctx context.Context, call CallArgs) ([]byte, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	out, err := a.client.CallContract(ctx, call.toMsg(), nil)
	if err != nil {
		return nil, classify(err)
	}

	return out, nil
}

// SendSigned broadcasts an already-signed transaction.
func (a *Adapter) SendSigned(ctx context.Context, tx *types.Transaction) (common.Hash, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	if err := a.client.SendTransaction(ctx, tx); err != nil {
		return common.Hash{}, classify(err)
	}

	return tx.Hash(), nil
}

// TxOptions parameterizes SendContract.
type TxOptions struct {
	Value        *big.Int
	GasLimit     uint64 // 0 means "estimate"
	GasPriceWei  *big.Int
	GasBufferPct int // extra percent added to an estimated gas limit
}

// TxResponse is what SendContract hands back after broadcast (not yet mined).
type TxResponse struct {
	Hash  common.Hash
	Nonce uint64
}

// SendContract builds, signs (with wallet), and broadcasts a call to
// contract.fn(args...), applying opts.GasBufferPct to an estimated gas limit
// when opts.GasLimit is zero. Callers dispatching through a
// relayerpool.RelayerState must hold that state's SubmitLock for the
// duration of this call so a single wallet's nonce sequence is never raced
// across concurrent jobs.
func (a *Adapter) SendContract(
	ctx context.Context,
	wallet *ecdsa.PrivateKey,
	contract common.Address,
	contractABI interface {
		Pack(name string, args ...interface{}) ([]byte, error)
	},
	fn string,
	args []interface{},
	opts TxOptions,
) (*TxResponse, error) {
	from := crypto.PubkeyToAddress(wallet.PublicKey)

	data, err := contractABI.Pack(fn, args...)
	if err != nil {
		return nil, fmt.Errorf("chain: pack %s: %w", fn, err)
	}

	nonce, err := a.PendingNonce(ctx, from)
	if err != nil {
		return nil, err
	}

	gasPrice := opts.GasPriceWei
	if gasPrice == nil {
		gasPrice, err = a.GasPrice(ctx)
		if err != nil {
			return nil, err
		}
	}

	value := opts.Value
	if value == nil {
		value = big.NewInt(0)
	}

	gasLimit := opts.GasLimit
	if gasLimit == 0 {
		estimated, err := a.EstimateGas(ctx, CallArgs{From: from, To: &contract, Value: value, Data: data})
		if err != nil {
			return nil, err
		}

		bufferPct := opts.GasBufferPct
		if bufferPct == 0 {
			bufferPct = 20
		}
		gasLimit = estimated * uint64(100+bufferPct) / 100
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &contract,
		Value:    value,
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})

	signer := types.LatestSignerForChainID(a.chainID)

	signedTx, err := types.SignTx(tx, signer, wallet)
	if err != nil {
		return nil, fmt.Errorf("chain: sign tx: %w", err)
	}

	hash, err := a.SendSigned(ctx, signedTx)
	if err != nil {
		return nil, err
	}

	a.logger.Info("submitted transaction", "fn", fn, "hash", hash.Hex(), "nonce", nonce)

	return &TxResponse{Hash: hash, Nonce: nonce}, nil
}

// AwaitReceipt polls until tx hash is mined and the chain head is at least
// confirmations blocks past the receipt's block, or ctx is done; zero
// means "return on first inclusion".
func (a *Adapter) AwaitReceipt(ctx context.Context, hash common.Hash, confirmations uint64) (*types.Receipt, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	return a.waitForReceipt(ctx, hash, confirmations)
}

func (a *Adapter) waitForReceipt(ctx context.Context, hash common.Hash, confirmations uint64) (*types.Receipt, error) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		receipt, err := a.client.TransactionReceipt(ctx, hash)
		if err == nil {
			if confirmations > 0 {
				head, headErr := a.client.BlockNumber(ctx)
				if headErr == nil && head >= receipt.BlockNumber.Uint64()+confirmations {
					return receipt, nil
				}
			} else {
				return receipt, nil
			}
		}

		select {
		case <-ctx.Done():
			return nil, classify(fmt.Errorf("awaiting receipt for %s: %w", hash.Hex(), ctx.Err()))
		case <-ticker.C:
		}
	}
}

// ContractRead calls a read-only (view) contract method and returns its
// unpacked outputs.
func (a *Adapter) ContractRead(ctx context.Context, contract common.Address, contractABI interface {
	Pack(name string, args ...interface{}) ([]byte, error)
	Unpack(name string, data []byte) ([]interface{}, error)
}, method string, args ...interface{}) ([]interface{}, error) {
	data, err := contractABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("chain: pack %s: %w", method, err)
	}

	out, err := a.Call(ctx, CallArgs{To: &contract, Data: data})
	if err != nil {
		return nil, err
	}

	unpacked, err := contractABI.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("chain: unpack %s: %w", method, err)
	}

	return unpacked, nil
}

// ParseLog decodes a single log entry against the Executed event (or any
// named event in contractABI).
func (a *Adapter) ParseLog(contractABI interface {
	UnpackIntoMap(out map[string]interface{}, name string, data []byte) error
}, eventName string, log types.Log) (map[string]interface{}, error) {
	out := make(map[string]interface{})
	if err := contractABI.UnpackIntoMap(out, eventName, log.Data); err != nil {
		return nil, fmt.Errorf("chain: unpack log %s: %w", eventName, err)
	}

	return out, nil
}
