package core

import "testing"

func TestKeyStoreSignAndVerifyBLS(t *testing.T) {
	ks, err := NewKeyStoreFromRandom()
	if err != nil {
		t.Fatalf("NewKeyStoreFromRandom failed: %v", err)
	}
	msg := []byte("job output bytes")

	sig, err := ks.SignBLS(msg)
	if err != nil {
		t.Fatalf("SignBLS failed: %v", err)
	}
	ok, err := VerifyBLS(ks.PublicBLS(), msg, sig)
	if err != nil {
		t.Fatalf("VerifyBLS failed: %v", err)
	}
	if !ok {
		t.Fatal("expected signature to verify")
	}

	if ok, _ := VerifyBLS(ks.PublicBLS(), []byte("different message"), sig); ok {
		t.Fatal("signature verified against the wrong message")
	}
}

func TestAggregateBLSIsOrderIndependent(t *testing.T) {
	msg := []byte("shared task message")
	var sigs [][]byte
	var pubs [][]byte
	for i := 0; i < 4; i++ {
		ks, err := NewKeyStoreFromRandom()
		if err != nil {
			t.Fatalf("NewKeyStoreFromRandom failed: %v", err)
		}
		sig, err := ks.SignBLS(msg)
		if err != nil {
			t.Fatalf("SignBLS failed: %v", err)
		}
		sigs = append(sigs, sig)
		pubs = append(pubs, ks.PublicBLS())
	}

	forward, err := AggregateBLS(sigs)
	if err != nil {
		t.Fatalf("AggregateBLS forward failed: %v", err)
	}
	reversed := make([][]byte, len(sigs))
	for i, s := range sigs {
		reversed[len(sigs)-1-i] = s
	}
	backward, err := AggregateBLS(reversed)
	if err != nil {
		t.Fatalf("AggregateBLS backward failed: %v", err)
	}
	if string(forward) != string(backward) {
		t.Fatal("aggregate signature depends on share order")
	}

	aggPub, err := AggregatePublicKeysBLS(pubs)
	if err != nil {
		t.Fatalf("AggregatePublicKeysBLS failed: %v", err)
	}
	ok, err := VerifyAggregateBLS(forward, aggPub, msg)
	if err != nil {
		t.Fatalf("VerifyAggregateBLS failed: %v", err)
	}
	if !ok {
		t.Fatal("expected aggregate signature to verify")
	}
}

func TestAggregateBLSRejectsEmpty(t *testing.T) {
	if _, err := AggregateBLS(nil); err == nil {
		t.Fatal("expected error aggregating zero signatures")
	}
	if _, err := AggregatePublicKeysBLS(nil); err == nil {
		t.Fatal("expected error aggregating zero public keys")
	}
}

func TestKeyStoreAddressDerivedFromECDSA(t *testing.T) {
	ks, err := NewKeyStoreFromRandom()
	if err != nil {
		t.Fatalf("NewKeyStoreFromRandom failed: %v", err)
	}
	var zero Address
	if ks.Address() == zero {
		t.Fatal("expected a non-zero derived address")
	}
	digest := [32]byte{1, 2, 3}
	sig, err := ks.SignECDSA(digest)
	if err != nil {
		t.Fatalf("SignECDSA failed: %v", err)
	}
	if len(sig) != 65 {
		t.Fatalf("expected 65-byte ecdsa signature, got %d", len(sig))
	}
}
