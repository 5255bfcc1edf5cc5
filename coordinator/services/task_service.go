package services

// TaskService is the HTTP coordinator's accumulator registry: it owns one
// accumulator per (serviceId, callId), built on core's exported
// share/aggregate types so this package never duplicates BLS verification
// or aggregation logic. Shares that arrive before a task's TaskInit is
// known are held in a bounded FIFO and replayed once it registers.

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"sync"

	core "github.com/restakeops/operator/core"
)

// ErrThresholdNotMet is returned by GetAggregated while a task has not yet
// crossed its stake-weighted threshold.
var ErrThresholdNotMet = errors.New("threshold not met")

// ErrConflictingShare is returned when an operator index resubmits a
// different signature than its first submission.
var ErrConflictingShare = errors.New("conflicting share for operator index")

// pendingCapacity bounds the FIFO of shares that arrive before a task's
// TaskInit.
const pendingCapacity = 256

// TaskInit carries the parameters the first share submission, or an
// explicit registration call, establishes for a task.
type TaskInit struct {
	TotalOperators       uint64
	ThresholdStakeWeight uint64
	OperatorStakes       []uint64
	Output               []byte
}

type taskState struct {
	mu      sync.Mutex
	init    *TaskInit
	shares  map[uint32]core.BlsSignatureShare
	pending []core.WireShare // shares that arrived before TaskInit
	result  *core.AggregatedSignature
}

// TaskService accumulates BLS shares per task and assembles aggregates.
type TaskService struct {
	mu    sync.Mutex
	tasks map[core.TaskKey]*taskState
}

// NewTaskService constructs an empty registry.
func NewTaskService() *TaskService {
	return &TaskService{tasks: make(map[core.TaskKey]*taskState)}
}

func (s *TaskService) taskFor(key core.TaskKey) *taskState {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[key]
	if !ok {
		t = &taskState{shares: make(map[uint32]core.BlsSignatureShare)}
		s.tasks[key] = t
	}
	return t
}

// RegisterInit initializes a task's operator set and threshold on first
// submission, then replays any shares that had arrived early.
func (s *TaskService) RegisterInit(key core.TaskKey, init TaskInit) {
	t := s.taskFor(key)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.init != nil {
		return
	}
	t.init = &init
	replay := t.pending
	t.pending = nil
	t.mu.Unlock()
	for _, w := range replay {
		s.SubmitShare(key, w)
	}
	t.mu.Lock()
}

// SubmitShare applies a share submission. If the task has no TaskInit yet,
// the share is queued (bounded FIFO, oldest dropped on overflow) until one
// arrives via RegisterInit.
func (s *TaskService) SubmitShare(key core.TaskKey, wire core.WireShare) error {
	t := s.taskFor(key)
	t.mu.Lock()
	if t.init == nil {
		if len(t.pending) >= pendingCapacity {
			t.pending = t.pending[1:]
		}
		t.pending = append(t.pending, wire)
		t.mu.Unlock()
		return nil
	}
	init := t.init
	t.mu.Unlock()

	msg := core.ComputeTaskMessage(key.ServiceId, key.CallId, wire.Output)
	share := core.BlsSignatureShare{
		ServiceId: key.ServiceId, CallId: key.CallId, OperatorIndex: wire.OperatorIndex,
		OutputHash: msg, Signature: wire.Signature, PublicKey: wire.PublicKey,
	}
	ok, err := core.VerifyBLS(share.PublicKey, msg[:], share.Signature)
	if err != nil || !ok {
		return fmt.Errorf("share verification failed: %w", err)
	}

	t.mu.Lock()
	if existing, dup := t.shares[share.OperatorIndex]; dup {
		t.mu.Unlock()
		if bytes.Equal(existing.Signature, share.Signature) {
			return nil
		}
		return ErrConflictingShare
	}
	t.shares[share.OperatorIndex] = share
	t.mu.Unlock()

	s.tryAssemble(key, t, init)
	return nil
}

func (s *TaskService) tryAssemble(key core.TaskKey, t *taskState, init *TaskInit) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.result != nil {
		return
	}
	var stake uint64
	for idx := range t.shares {
		if int(idx) < len(init.OperatorStakes) {
			stake += init.OperatorStakes[idx]
		}
	}
	if stake < init.ThresholdStakeWeight {
		return
	}

	sigs := make([][]byte, 0, len(t.shares))
	pubs := make([][]byte, 0, len(t.shares))
	for _, sh := range t.shares {
		sigs = append(sigs, sh.Signature)
		pubs = append(pubs, sh.PublicKey)
	}
	aggSig, err := core.AggregateBLS(sigs)
	if err != nil {
		return
	}
	aggPub, err := core.AggregatePublicKeysBLS(pubs)
	if err != nil {
		return
	}

	bitmap := new(big.Int)
	for idx := range t.shares {
		bitmap.SetBit(bitmap, int(idx), 1)
	}
	var nonSigners []uint32
	for i := uint64(0); i < init.TotalOperators; i++ {
		if bitmap.Bit(int(i)) == 0 {
			nonSigners = append(nonSigners, uint32(i))
		}
	}

	t.result = &core.AggregatedSignature{
		Signature: aggSig, AggregatePublicKey: aggPub,
		SignerBitmap: bitmap, NonSignerIndices: nonSigners,
		ContributorsStakeWeight: stake,
	}
}

// GetAggregated returns the assembled aggregate, or ErrThresholdNotMet.
func (s *TaskService) GetAggregated(key core.TaskKey) (*core.AggregatedSignature, error) {
	t := s.taskFor(key)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.result == nil {
		return nil, ErrThresholdNotMet
	}
	return t.result, nil
}
