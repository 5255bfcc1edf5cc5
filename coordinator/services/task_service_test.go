package services

import (
	"testing"

	core "github.com/restakeops/operator/core"
)

func makeWireShare(t *testing.T, output []byte, svc core.ServiceId, call core.CallId, idx uint32) core.WireShare {
	t.Helper()
	ks, err := core.NewKeyStoreFromRandom()
	if err != nil {
		t.Fatalf("NewKeyStoreFromRandom failed: %v", err)
	}
	msg := core.ComputeTaskMessage(svc, call, output)
	sig, err := ks.SignBLS(msg[:])
	if err != nil {
		t.Fatalf("SignBLS failed: %v", err)
	}
	return core.WireShare{
		ServiceId: svc, CallId: call, OperatorIndex: idx,
		Output: output, Signature: sig, PublicKey: ks.PublicBLS(),
	}
}

func TestTaskServiceAssemblesOnceThresholdMet(t *testing.T) {
	svc := NewTaskService()
	key := core.TaskKey{ServiceId: 1, CallId: 1}
	output := []byte("result")
	svc.RegisterInit(key, TaskInit{
		TotalOperators: 2, ThresholdStakeWeight: 10, OperatorStakes: []uint64{5, 5}, Output: output,
	})

	w0 := makeWireShare(t, output, 1, 1, 0)
	if err := svc.SubmitShare(key, w0); err != nil {
		t.Fatalf("SubmitShare failed: %v", err)
	}
	if _, err := svc.GetAggregated(key); err != ErrThresholdNotMet {
		t.Fatalf("expected ErrThresholdNotMet, got %v", err)
	}

	w1 := makeWireShare(t, output, 1, 1, 1)
	if err := svc.SubmitShare(key, w1); err != nil {
		t.Fatalf("SubmitShare failed: %v", err)
	}
	agg, err := svc.GetAggregated(key)
	if err != nil {
		t.Fatalf("GetAggregated failed: %v", err)
	}
	if agg.ContributorsStakeWeight != 10 {
		t.Fatalf("expected stake weight 10, got %d", agg.ContributorsStakeWeight)
	}
}

func TestTaskServiceQueuesSharesBeforeInit(t *testing.T) {
	svc := NewTaskService()
	key := core.TaskKey{ServiceId: 2, CallId: 5}
	output := []byte("out")

	w0 := makeWireShare(t, output, 2, 5, 0)
	w1 := makeWireShare(t, output, 2, 5, 1)
	if err := svc.SubmitShare(key, w0); err != nil {
		t.Fatalf("SubmitShare (pending) failed: %v", err)
	}
	if err := svc.SubmitShare(key, w1); err != nil {
		t.Fatalf("SubmitShare (pending) failed: %v", err)
	}
	if _, err := svc.GetAggregated(key); err != ErrThresholdNotMet {
		t.Fatalf("expected ErrThresholdNotMet before init, got %v", err)
	}

	svc.RegisterInit(key, TaskInit{
		TotalOperators: 2, ThresholdStakeWeight: 10, OperatorStakes: []uint64{5, 5}, Output: output,
	})
	agg, err := svc.GetAggregated(key)
	if err != nil {
		t.Fatalf("expected replayed shares to assemble an aggregate, got error: %v", err)
	}
	if agg.ContributorsStakeWeight != 10 {
		t.Fatalf("expected stake weight 10, got %d", agg.ContributorsStakeWeight)
	}
}

func TestTaskServiceDuplicateShareIsIdempotent(t *testing.T) {
	svc := NewTaskService()
	key := core.TaskKey{ServiceId: 3, CallId: 1}
	output := []byte("out")
	svc.RegisterInit(key, TaskInit{TotalOperators: 2, ThresholdStakeWeight: 100, OperatorStakes: []uint64{5, 5}, Output: output})

	w0 := makeWireShare(t, output, 3, 1, 0)
	if err := svc.SubmitShare(key, w0); err != nil {
		t.Fatalf("SubmitShare failed: %v", err)
	}
	if err := svc.SubmitShare(key, w0); err != nil {
		t.Fatalf("expected an identical resubmission to be accepted idempotently, got %v", err)
	}
}

func TestTaskServiceConflictingShareIsRejected(t *testing.T) {
	svc := NewTaskService()
	key := core.TaskKey{ServiceId: 4, CallId: 1}
	output := []byte("out")
	svc.RegisterInit(key, TaskInit{TotalOperators: 2, ThresholdStakeWeight: 100, OperatorStakes: []uint64{5, 5}, Output: output})

	w0 := makeWireShare(t, output, 4, 1, 0)
	w0Conflict := makeWireShare(t, output, 4, 1, 0)
	if err := svc.SubmitShare(key, w0); err != nil {
		t.Fatalf("SubmitShare failed: %v", err)
	}
	if err := svc.SubmitShare(key, w0Conflict); err != ErrConflictingShare {
		t.Fatalf("expected ErrConflictingShare, got %v", err)
	}
}
