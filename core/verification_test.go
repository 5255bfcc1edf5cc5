package core

import (
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
)

func TestVerificationIdentifierKeyEvmAddress(t *testing.T) {
	priv, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	addr := crypto.PubkeyToAddress(priv.PublicKey)
	var a Address
	copy(a[:], addr.Bytes())

	msg := []byte("handshake payload")
	digest := crypto.Keccak256(msg)
	sig, err := crypto.Sign(digest, priv)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	key := VerificationIdentifierKey{Kind: VerificationEvmAddress, EvmAddr: a}
	ok, err := key.Verify(msg, sig)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !ok {
		t.Fatal("expected signature to verify against the signer's address")
	}

	other, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	var otherAddr Address
	copy(otherAddr[:], crypto.PubkeyToAddress(other.PublicKey).Bytes())
	wrongKey := VerificationIdentifierKey{Kind: VerificationEvmAddress, EvmAddr: otherAddr}
	ok, err = wrongKey.Verify(msg, sig)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if ok {
		t.Fatal("signature verified against the wrong address")
	}
}

func TestVerificationIdentifierKeyInstancePublicKey(t *testing.T) {
	ks, err := NewKeyStoreFromRandom()
	if err != nil {
		t.Fatalf("NewKeyStoreFromRandom failed: %v", err)
	}
	msg := []byte("handshake payload")
	sig, err := ks.SignBLS(msg)
	if err != nil {
		t.Fatalf("SignBLS failed: %v", err)
	}
	key := VerificationIdentifierKey{Kind: VerificationInstancePublicKey, PubKeyRaw: ks.PublicBLS()}
	ok, err := key.Verify(msg, sig)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !ok {
		t.Fatal("expected BLS signature to verify")
	}
}

func TestVerificationIdentifierKeyEqual(t *testing.T) {
	a := VerificationIdentifierKey{Kind: VerificationEvmAddress, EvmAddr: Address{1}}
	b := VerificationIdentifierKey{Kind: VerificationEvmAddress, EvmAddr: Address{1}}
	c := VerificationIdentifierKey{Kind: VerificationEvmAddress, EvmAddr: Address{2}}
	if !a.Equal(b) {
		t.Fatal("expected structurally identical keys to be equal")
	}
	if a.Equal(c) {
		t.Fatal("expected differing addresses to not be equal")
	}
}
