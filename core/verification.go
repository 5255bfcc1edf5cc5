package core

// Verification of a VerificationIdentifierKey against a handshake
// signature: the EvmAddress variant recovers the signer's address from an
// ECDSA signature over keccak256(msg); the InstancePublicKey variant is a
// direct BLS signature check.

import (
	"errors"

	"github.com/ethereum/go-ethereum/crypto"
)

// Verify checks sig over msg against this key. For EvmAddress keys, sig is
// a 65-byte [R || S || V] ECDSA signature and the recovered address must
// equal EvmAddr. For InstancePublicKey keys, sig is a BLS signature and
// PubKeyRaw is the serialized BLS public key.
func (k VerificationIdentifierKey) Verify(msg, sig []byte) (bool, error) {
	switch k.Kind {
	case VerificationEvmAddress:
		if len(sig) != 65 {
			return false, errors.New("verify: ecdsa signature must be 65 bytes")
		}
		digest := crypto.Keccak256(msg)
		pub, err := crypto.SigToPub(digest, sig)
		if err != nil {
			return false, err
		}
		recovered := crypto.PubkeyToAddress(*pub)
		var want [20]byte = k.EvmAddr
		return recovered == want, nil
	case VerificationInstancePublicKey:
		return VerifyBLS(k.PubKeyRaw, msg, sig)
	default:
		return false, errors.New("verify: unknown key kind")
	}
}
