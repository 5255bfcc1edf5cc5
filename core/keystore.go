package core

// KeyStore holds BLS12-381 key material for job-output aggregation and
// ECDSA/secp256k1 key material for chain-facing identity. It owns its
// secrets directly and never lets them leave the process.

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"

	"github.com/ethereum/go-ethereum/crypto"
	bls "github.com/herumi/bls-eth-go-binary/bls"
)

func init() {
	if err := bls.Init(bls.BLS12_381); err != nil {
		panic(fmt.Errorf("bls init: %w", err))
	}
	if err := bls.SetETHmode(bls.EthModeDraft07); err != nil {
		panic(fmt.Errorf("bls eth mode: %w", err))
	}
}

var keystoreLogger = log.New(io.Discard, "[keystore] ", log.LstdFlags)

// SetKeystoreLogger replaces the keystore's diagnostic logger (io.Discard by
// default). No function in this file writes to it.
func SetKeystoreLogger(l *log.Logger) { keystoreLogger = l }

// BlsSignature is a serialized compressed G2 point (96 bytes in the ETH mode
// set in init); signatures are not G1 points.
type BlsSignature []byte

// EcdsaSignature is a 65-byte [R || S || V] signature.
type EcdsaSignature []byte

// KeyStore holds the operator's BLS and ECDSA private keys and produces
// signatures on demand. Secrets never leave the process: only serialized
// public material and signatures cross this boundary.
//
// KeyStore is safe for concurrent use: BLS signing is serialized by mu,
// while ECDSA signing takes no lock and may run concurrently.
type KeyStore struct {
	blsSecret *bls.SecretKey
	blsPublic *bls.PublicKey

	ecdsaSecret *ecdsa.PrivateKey
	address    Address

	mu sync.Mutex // serializes BLS signing only; ecdsa.Sign is reentrant
}

// NewKeyStore constructs a KeyStore from raw BLS and ECDSA private key
// material. Both are copied into BLS/ECDSA library types and never
// retained in their original byte form beyond this call.
func NewKeyStore(blsSecretBytes []byte, ecdsaKey *ecdsa.PrivateKey) (*KeyStore, error) {
	var sk bls.SecretKey
	if err := sk.Deserialize(blsSecretBytes); err != nil {
		return nil, fmt.Errorf("keystore: invalid bls secret: %w", err)
	}
	pk := sk.GetPublicKey()

	addr := crypto.PubkeyToAddress(ecdsaKey.PublicKey)
	var a Address
	copy(a[:], addr.Bytes())

	return &KeyStore{
		blsSecret:   &sk,
		blsPublic:   pk,
		ecdsaSecret: ecdsaKey,
		address:     a,
	}, nil
}

// NewKeyStoreFromRandom generates a fresh BLS keypair and ECDSA keypair.
// Intended for tests and local development; production deployments load
// keys from a keystore backend treated as an external collaborator.
func NewKeyStoreFromRandom() (*KeyStore, error) {
	var sk bls.SecretKey
	sk.SetByCSPRNG()
	ecdsaKey, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	return NewKeyStore(sk.Serialize(), ecdsaKey)
}

// SignBLS signs msg with the operator's BLS key. Signing is CPU-synchronous;
// callers dispatching more than ~100 signatures in a batch must offload to
// a blocking worker pool (e.g. a bounded goroutine pool fed by a channel)
// rather than calling this in a tight loop on a scheduler-visible goroutine.
func (k *KeyStore) SignBLS(msg []byte) (BlsSignature, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	sig := k.blsSecret.SignByte(msg)
	return sig.Serialize(), nil
}

// SignECDSA signs a 32-byte digest with the operator's ECDSA key.
func (k *KeyStore) SignECDSA(digest [32]byte) (EcdsaSignature, error) {
	if k.ecdsaSecret == nil {
		return nil, errors.New("keystore: no ecdsa key configured")
	}
	sig, err := crypto.Sign(digest[:], k.ecdsaSecret)
	if err != nil {
		return nil, fmt.Errorf("keystore: ecdsa sign: %w", err)
	}
	return sig, nil
}

// PublicBLS returns the serialized compressed-G1 BLS public key (48 bytes).
func (k *KeyStore) PublicBLS() []byte {
	return k.blsPublic.Serialize()
}

// Address returns the operator's EVM address, derived from the ECDSA key.
func (k *KeyStore) Address() Address {
	return k.address
}

// VerifyBLS checks a single BLS share against msg and a serialized public
// key. It is a free function (not a KeyStore method) because verification
// never touches a local secret — every AggregationCoordinator participant
// verifies peers' shares with just their published public keys.
func VerifyBLS(pubKey, msg, sig []byte) (bool, error) {
	var pk bls.PublicKey
	if err := pk.Deserialize(pubKey); err != nil {
		return false, fmt.Errorf("verify bls: bad pubkey: %w", err)
	}
	var s bls.Sign
	if err := s.Deserialize(sig); err != nil {
		return false, fmt.Errorf("verify bls: bad signature: %w", err)
	}
	return s.VerifyByte(&pk, msg), nil
}

// AggregateBLS merges compressed BLS signatures. The result is
// order-independent: BLS point addition is commutative and associative, so
// aggregate(shares) is bit-identical regardless of arrival order.
func AggregateBLS(sigs [][]byte) ([]byte, error) {
	if len(sigs) == 0 {
		return nil, errors.New("aggregate bls: no signatures")
	}
	var agg bls.Sign
	for i, raw := range sigs {
		var s bls.Sign
		if err := s.Deserialize(raw); err != nil {
			return nil, fmt.Errorf("aggregate bls: share %d: %w", i, err)
		}
		if i == 0 {
			agg = s
		} else {
			agg.Add(&s)
		}
	}
	return agg.Serialize(), nil
}

// AggregatePublicKeysBLS sums compressed BLS public keys (G1 points),
// matching the signers captured in the aggregate signature.
func AggregatePublicKeysBLS(pubKeys [][]byte) ([]byte, error) {
	if len(pubKeys) == 0 {
		return nil, errors.New("aggregate bls pubkeys: none given")
	}
	var agg bls.PublicKey
	for i, raw := range pubKeys {
		var pk bls.PublicKey
		if err := pk.Deserialize(raw); err != nil {
			return nil, fmt.Errorf("aggregate bls pubkeys: key %d: %w", i, err)
		}
		if i == 0 {
			agg = pk
		} else {
			agg.Add(&pk)
		}
	}
	return agg.Serialize(), nil
}

// VerifyAggregateBLS verifies an aggregate signature against the aggregate
// public key and the (shared) message all contributors signed.
func VerifyAggregateBLS(aggSig, aggPub, msg []byte) (bool, error) {
	var pk bls.PublicKey
	if err := pk.Deserialize(aggPub); err != nil {
		return false, fmt.Errorf("verify aggregate: bad pubkey: %w", err)
	}
	var sig bls.Sign
	if err := sig.Deserialize(aggSig); err != nil {
		return false, fmt.Errorf("verify aggregate: bad signature: %w", err)
	}
	return sig.VerifyByte(&pk, msg), nil
}
