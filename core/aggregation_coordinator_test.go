package core

import (
	"testing"
)

func makeShare(t *testing.T, ks *KeyStore, svc ServiceId, call CallId, idx uint32, output []byte) BlsSignatureShare {
	t.Helper()
	msg := ComputeTaskMessage(svc, call, output)
	sig, err := ks.SignBLS(msg[:])
	if err != nil {
		t.Fatalf("SignBLS failed: %v", err)
	}
	return BlsSignatureShare{
		ServiceId: svc, CallId: call, OperatorIndex: idx,
		OutputHash: msg, Signature: sig, PublicKey: ks.PublicBLS(),
	}
}

func TestTaskAccumulatorAddShareOutcomes(t *testing.T) {
	ksA, _ := NewKeyStoreFromRandom()
	ksB, _ := NewKeyStoreFromRandom()
	output := []byte("result")
	msg := ComputeTaskMessage(1, 2, output)

	acc := newTaskAccumulator(2, 10, []uint64{5, 5}, msg)
	shareA := makeShare(t, ksA, 1, 2, 0, output)

	if got := acc.addShare(shareA); got != shareAccepted {
		t.Fatalf("expected shareAccepted, got %d", got)
	}
	if got := acc.addShare(shareA); got != shareDuplicateIdentical {
		t.Fatalf("expected shareDuplicateIdentical, got %d", got)
	}

	// A different, independently valid signature submitted under the same
	// operator index is a conflict, not a duplicate.
	conflicting := makeShare(t, ksB, 1, 2, 0, output)
	if got := acc.addShare(conflicting); got != shareDuplicateConflict {
		t.Fatalf("expected shareDuplicateConflict, got %d", got)
	}

	badShare := makeShare(t, ksB, 1, 2, 1, output)
	badShare.Signature = shareA.Signature // signature from a different key: must fail verification
	if got := acc.addShare(badShare); got != shareVerificationFailed {
		t.Fatalf("expected shareVerificationFailed, got %d", got)
	}
}

func TestTaskAccumulatorTryAssembleRespectsThreshold(t *testing.T) {
	ksA, _ := NewKeyStoreFromRandom()
	ksB, _ := NewKeyStoreFromRandom()
	output := []byte("result")
	msg := ComputeTaskMessage(5, 9, output)

	acc := newTaskAccumulator(2, 10, []uint64{5, 5}, msg)
	acc.addShare(makeShare(t, ksA, 5, 9, 0, output))

	agg, stake, err := acc.tryAssemble()
	if err != nil {
		t.Fatalf("tryAssemble failed: %v", err)
	}
	if agg != nil {
		t.Fatal("expected no aggregate below threshold")
	}
	if stake != 5 {
		t.Fatalf("expected stake 5, got %d", stake)
	}

	acc.addShare(makeShare(t, ksB, 5, 9, 1, output))
	agg, stake, err = acc.tryAssemble()
	if err != nil {
		t.Fatalf("tryAssemble failed: %v", err)
	}
	if agg == nil {
		t.Fatal("expected aggregate once threshold is crossed")
	}
	if stake != 10 {
		t.Fatalf("expected stake 10, got %d", stake)
	}
	if len(agg.NonSignerIndices) != 0 {
		t.Fatalf("expected no non-signers, got %v", agg.NonSignerIndices)
	}

	// Idempotent: a second call returns the same cached aggregate.
	again, _, err := acc.tryAssemble()
	if err != nil {
		t.Fatalf("tryAssemble failed: %v", err)
	}
	if string(again.Signature) != string(agg.Signature) {
		t.Fatal("expected cached aggregate to be returned unchanged")
	}
}

func TestTaskAccumulatorTryAssembleTracksNonSigners(t *testing.T) {
	ksA, _ := NewKeyStoreFromRandom()
	output := []byte("result")
	msg := ComputeTaskMessage(1, 1, output)

	acc := newTaskAccumulator(3, 5, []uint64{5, 5, 5}, msg)
	acc.addShare(makeShare(t, ksA, 1, 1, 0, output))

	agg, _, err := acc.tryAssemble()
	if err != nil {
		t.Fatalf("tryAssemble failed: %v", err)
	}
	if agg == nil {
		t.Fatal("expected threshold to be met by a single operator's stake")
	}
	if len(agg.NonSignerIndices) != 2 {
		t.Fatalf("expected 2 non-signers, got %v", agg.NonSignerIndices)
	}
}

func TestComputeTaskMessageIsDeterministicAndInputSensitive(t *testing.T) {
	a := ComputeTaskMessage(1, 2, []byte("x"))
	b := ComputeTaskMessage(1, 2, []byte("x"))
	if a != b {
		t.Fatal("expected ComputeTaskMessage to be deterministic")
	}
	c := ComputeTaskMessage(1, 2, []byte("y"))
	if a == c {
		t.Fatal("expected different outputs to hash differently")
	}
	d := ComputeTaskMessage(1, 3, []byte("x"))
	if a == d {
		t.Fatal("expected different call ids to hash differently")
	}
}

func TestSelectAggregatorsDeterministicAndBounded(t *testing.T) {
	first := SelectAggregators(10, 20, 7, 3)
	second := SelectAggregators(10, 20, 7, 3)
	if len(first) != 3 || len(second) != 3 {
		t.Fatalf("expected 3 aggregators, got %d and %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("expected deterministic selection, got %v vs %v", first, second)
		}
	}
	seen := make(map[uint32]bool)
	for _, idx := range first {
		if idx >= 7 {
			t.Fatalf("aggregator index %d out of whitelist bounds", idx)
		}
		if seen[idx] {
			t.Fatalf("expected unique aggregator indices, got duplicate %d", idx)
		}
		seen[idx] = true
	}
}

func TestSelectAggregatorsClampsToWhitelistSize(t *testing.T) {
	out := SelectAggregators(1, 1, 2, 5)
	if len(out) != 2 {
		t.Fatalf("expected selection clamped to whitelist size 2, got %d", len(out))
	}
}

func TestSelectAggregatorsEmptyWhitelist(t *testing.T) {
	if out := SelectAggregators(1, 1, 0, 3); out != nil {
		t.Fatalf("expected nil selection for empty whitelist, got %v", out)
	}
}
