package core

// ResultConsumer ABI-encodes an AggregatedSignature and submits it on
// chain, retrying transient RPC errors with exponential backoff up to a
// wall-clock ceiling, using go-ethereum's accounts/abi and core/types
// transaction signing.

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sirupsen/logrus"
)

// RetryCeiling is the wall-clock cap on ResultConsumer's backoff retries.
const RetryCeiling = 60 * time.Second

var submitResultArgs = mustNewABIArguments()

func mustNewABIArguments() abi.Arguments {
	u64, _ := abi.NewType("uint64", "", nil)
	bytesT, _ := abi.NewType("bytes", "", nil)
	u256, _ := abi.NewType("uint256", "", nil)
	u32Slice, _ := abi.NewType("uint32[]", "", nil)
	return abi.Arguments{
		{Type: u64}, {Type: u64}, {Type: bytesT},
		{Type: bytesT}, {Type: bytesT}, {Type: u256}, {Type: u32Slice},
	}
}

// ResultConsumer submits aggregated job results to the restaking contract.
type ResultConsumer struct {
	client       *ethclient.Client
	contract     common.Address
	methodSelector [4]byte
	keys         *KeyStore
	chainID      *big.Int
	log          *logrus.Entry
}

// NewResultConsumer constructs a consumer bound to the given contract.
// methodSelector is the 4-byte selector of submitResult(...) computed from
// the contract's ABI at startup.
func NewResultConsumer(client *ethclient.Client, contract common.Address, methodSelector [4]byte, keys *KeyStore, chainID *big.Int, log *logrus.Entry) *ResultConsumer {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &ResultConsumer{
		client: client, contract: contract, methodSelector: methodSelector,
		keys: keys, chainID: chainID, log: log.WithField("component", "result_consumer"),
	}
}

// Submit encodes and sends submitResult(serviceId, callId, output,
// signature, aggregatePublicKey, signerBitmap, nonSignerIndices),
// retrying with exponential backoff until RetryCeiling elapses. Only an
// encoding failure (malformed calldata) is returned immediately: every
// error from sendOnce is classed transient by isTransientSubmitError, so
// no submission error, a revert included, is returned without retry.
func (rc *ResultConsumer) Submit(ctx context.Context, svc ServiceId, call CallId, output []byte, agg AggregatedSignature) error {
	calldata, err := rc.encode(svc, call, output, agg)
	if err != nil {
		return &ChainError{Kind: ChainMalformedEvent, Err: err}
	}

	deadline := time.Now().Add(RetryCeiling)
	backoff := 500 * time.Millisecond
	var lastErr error
	for attempt := 0; time.Now().Before(deadline); attempt++ {
		err := rc.sendOnce(ctx, calldata)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isTransientSubmitError(err) {
			return &ChainError{Kind: ChainRevert, Err: err}
		}
		rc.log.WithError(err).WithField("attempt", attempt).Warn("transient submit error, retrying")
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return &ChainError{Kind: ChainTransientRPC, Err: ctx.Err()}
		}
		if backoff < 16*time.Second {
			backoff *= 2
		}
	}
	return &ChainError{Kind: ChainTransientRPC, Err: fmt.Errorf("retry ceiling exceeded: %w", lastErr)}
}

func (rc *ResultConsumer) encode(svc ServiceId, call CallId, output []byte, agg AggregatedSignature) ([]byte, error) {
	nonSigners := make([]uint32, len(agg.NonSignerIndices))
	copy(nonSigners, agg.NonSignerIndices)
	bitmap := agg.SignerBitmap
	if bitmap == nil {
		bitmap = new(big.Int)
	}
	packed, err := submitResultArgs.Pack(
		uint64(svc), uint64(call), output,
		agg.Signature, agg.AggregatePublicKey, bitmap, nonSigners,
	)
	if err != nil {
		return nil, fmt.Errorf("abi pack: %w", err)
	}
	calldata := append(append([]byte{}, rc.methodSelector[:]...), packed...)
	return calldata, nil
}

func (rc *ResultConsumer) sendOnce(ctx context.Context, calldata []byte) error {
	nonce, err := rc.client.PendingNonceAt(ctx, common.Address(rc.keys.Address()))
	if err != nil {
		return fmt.Errorf("fetch nonce: %w", err)
	}
	gasPrice, err := rc.client.SuggestGasPrice(ctx)
	if err != nil {
		return fmt.Errorf("suggest gas price: %w", err)
	}
	tx := types.NewTransaction(nonce, rc.contract, big.NewInt(0), 500_000, gasPrice, calldata)
	signer := types.LatestSignerForChainID(rc.chainID)
	digest := signer.Hash(tx)
	sig, err := rc.keys.SignECDSA(digest)
	if err != nil {
		return fmt.Errorf("sign tx: %w", err)
	}
	signedTx, err := tx.WithSignature(signer, sig)
	if err != nil {
		return fmt.Errorf("attach signature: %w", err)
	}
	if err := rc.client.SendTransaction(ctx, signedTx); err != nil {
		return err
	}
	return nil
}

func isTransientSubmitError(err error) bool {
	if err == nil {
		return false
	}
	switch err.Error() {
	case "nonce too low", "replacement transaction underpriced", "already known":
		return true
	default:
		return true // default to retryable: reverts surface at receipt time, not submission time
	}
}
