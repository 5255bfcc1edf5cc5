package core

// AggregationCoordinator signs a local job result, exchanges BLS shares
// with peers, and assembles an aggregate signature once a stake-weighted
// threshold is met. Two interchangeable modes are supported: the HTTP
// coordinator mode defers accumulation to a coordinator service (this
// file's client-side half; the server half lives in package coordinator),
// the gossip mode assembles independently at each selected aggregator
// over gossiped shares (core/transport.go).
//
// Each AggregationCoordinator runs exactly one mode, fixed at construction;
// there is no side-by-side operation of both modes and no arbitration
// between them.

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"
)

// DefaultThresholdWait is the default time a caller waits for a task to
// cross threshold before ThresholdNotMetError.
const DefaultThresholdWait = 60 * time.Second

// DefaultCoordinatorPollInterval is Mode A's default poll cadence.
const DefaultCoordinatorPollInterval = time.Second

// AggregationMode selects how shares are exchanged.
type AggregationMode uint8

const (
	ModeCoordinatorHTTP AggregationMode = iota
	ModeGossip
)

// TaskKey identifies one aggregation task.
type TaskKey struct {
	ServiceId ServiceId
	CallId    CallId
}

// ComputeTaskMessage is H(service_id || call_id || output), keccak-256, the
// message every operator's BLS share signs.
func ComputeTaskMessage(svc ServiceId, call CallId, output []byte) [32]byte {
	buf := make([]byte, 16+len(output))
	binary.BigEndian.PutUint64(buf[0:8], uint64(svc))
	binary.BigEndian.PutUint64(buf[8:16], uint64(call))
	copy(buf[16:], output)
	return crypto.Keccak256Hash(buf)
}

// taskAccumulator holds verified shares for one (serviceId, callId) and
// assembles the aggregate once threshold stake is reached. Safe for
// concurrent use. Only this package's gossip-mode path uses it; the HTTP
// coordinator server (coordinator/services) keeps its own per-task state.
type taskAccumulator struct {
	mu sync.Mutex

	totalOperators       uint64
	thresholdStakeWeight uint64
	operatorStakes       []uint64 // indexed by operator_index
	msg                  [32]byte

	shares map[uint32]BlsSignatureShare
	done   *AggregatedSignature
}

func newTaskAccumulator(totalOperators, thresholdStakeWeight uint64, stakes []uint64, msg [32]byte) *taskAccumulator {
	return &taskAccumulator{
		totalOperators:       totalOperators,
		thresholdStakeWeight: thresholdStakeWeight,
		operatorStakes:       stakes,
		msg:                  msg,
		shares:               make(map[uint32]BlsSignatureShare),
	}
}

// addShareResult distinguishes a share submission's outcome: newly
// accepted, idempotent duplicate, or rejected conflict.
type addShareResult uint8

const (
	shareAccepted addShareResult = iota
	shareDuplicateIdentical
	shareDuplicateConflict
	shareVerificationFailed
)

func (t *taskAccumulator) addShare(share BlsSignatureShare) addShareResult {
	ok, err := VerifyBLS(share.PublicKey, t.msg[:], share.Signature)
	if err != nil || !ok {
		return shareVerificationFailed
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.shares[share.OperatorIndex]; ok {
		if bytes.Equal(existing.Signature, share.Signature) {
			return shareDuplicateIdentical
		}
		return shareDuplicateConflict
	}
	t.shares[share.OperatorIndex] = share
	return shareAccepted
}

// tryAssemble computes the aggregate once accumulated stake crosses
// threshold, caching the result so repeated calls are idempotent.
func (t *taskAccumulator) tryAssemble() (*AggregatedSignature, uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done != nil {
		return t.done, t.stakeLocked(), nil
	}

	stake := t.stakeLocked()
	if stake < t.thresholdStakeWeight {
		return nil, stake, nil
	}

	indices := make([]uint32, 0, len(t.shares))
	for idx := range t.shares {
		indices = append(indices, idx)
	}
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })

	sigs := make([][]byte, 0, len(indices))
	pubs := make([][]byte, 0, len(indices))
	bitmap := new(big.Int)
	for _, idx := range indices {
		share := t.shares[idx]
		sigs = append(sigs, share.Signature)
		pubs = append(pubs, share.PublicKey)
		bitmap.SetBit(bitmap, int(idx), 1)
	}

	aggSig, err := AggregateBLS(sigs)
	if err != nil {
		return nil, stake, fmt.Errorf("assemble aggregate signature: %w", err)
	}
	aggPub, err := AggregatePublicKeysBLS(pubs)
	if err != nil {
		return nil, stake, fmt.Errorf("assemble aggregate pubkey: %w", err)
	}

	var nonSigners []uint32
	for i := uint64(0); i < t.totalOperators; i++ {
		if bitmap.Bit(int(i)) == 0 {
			nonSigners = append(nonSigners, uint32(i))
		}
	}

	result := &AggregatedSignature{
		Signature:               aggSig,
		AggregatePublicKey:      aggPub,
		SignerBitmap:            bitmap,
		NonSignerIndices:        nonSigners,
		ContributorsStakeWeight: stake,
	}
	t.done = result
	return result, stake, nil
}

func (t *taskAccumulator) stakeLocked() uint64 {
	var total uint64
	for idx := range t.shares {
		if int(idx) < len(t.operatorStakes) {
			total += t.operatorStakes[idx]
		}
	}
	return total
}

// AggregationCoordinator is the operator-facing entry point: it signs the
// local result, exchanges shares per the configured mode, and returns the
// assembled AggregatedSignature once threshold is met.
type AggregationCoordinator struct {
	mode      AggregationMode
	keys      *KeyStore
	pm        *PeerManager
	transport *Transport
	http      *coordinatorHTTPClient

	mu    sync.Mutex
	local map[TaskKey]*taskAccumulator

	pollInterval   time.Duration
	thresholdWait  time.Duration
	numAggregators int

	log *logrus.Entry
}

// AggregationCoordinatorConfig configures mode selection and timing.
type AggregationCoordinatorConfig struct {
	Mode             AggregationMode
	CoordinatorURL   string // Mode A only
	PollInterval     time.Duration
	ThresholdWait    time.Duration
	NumAggregators   int // Mode B only
}

// NewAggregationCoordinator constructs a coordinator bound to keys, pm,
// and (for gossip mode) transport.
func NewAggregationCoordinator(cfg AggregationCoordinatorConfig, keys *KeyStore, pm *PeerManager, transport *Transport, log *logrus.Entry) *AggregationCoordinator {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = DefaultCoordinatorPollInterval
	}
	if cfg.ThresholdWait == 0 {
		cfg.ThresholdWait = DefaultThresholdWait
	}
	if cfg.NumAggregators == 0 {
		cfg.NumAggregators = 1
	}
	ac := &AggregationCoordinator{
		mode:           cfg.Mode,
		keys:           keys,
		pm:             pm,
		transport:      transport,
		local:          make(map[TaskKey]*taskAccumulator),
		pollInterval:   cfg.PollInterval,
		thresholdWait:  cfg.ThresholdWait,
		numAggregators: cfg.NumAggregators,
		log:            log.WithField("component", "aggregation_coordinator"),
	}
	if cfg.Mode == ModeCoordinatorHTTP {
		ac.http = newCoordinatorHTTPClient(cfg.CoordinatorURL)
	}
	return ac
}

// SelectAggregators deterministically picks numAggregators operator
// indices for (svc, call) by hashing the task key modulo the sorted
// whitelist. Used by gossip mode to decide which operators assemble the
// aggregate for a given task.
func SelectAggregators(svc ServiceId, call CallId, whitelistSize, numAggregators int) []uint32 {
	if whitelistSize == 0 {
		return nil
	}
	if numAggregators > whitelistSize {
		numAggregators = whitelistSize
	}
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[0:8], uint64(svc))
	binary.BigEndian.PutUint64(buf[8:16], uint64(call))
	seed := crypto.Keccak256Hash(buf)
	start := int(new(big.Int).Mod(seed.Big(), big.NewInt(int64(whitelistSize))).Int64())

	out := make([]uint32, 0, numAggregators)
	seen := make(map[uint32]struct{})
	for i := 0; len(out) < numAggregators && i < whitelistSize*2; i++ {
		idx := uint32((start + i) % whitelistSize)
		if _, dup := seen[idx]; dup {
			continue
		}
		seen[idx] = struct{}{}
		out = append(out, idx)
	}
	return out
}

// Run starts the gossip-mode share-listening loop. It is a no-op in Mode A.
func (ac *AggregationCoordinator) Run(ctx context.Context) {
	if ac.mode != ModeGossip || ac.transport == nil {
		return
	}
	for payload := range ac.transport.Shares(ctx) {
		var wire WireShare
		if err := json.Unmarshal(payload, &wire); err != nil {
			ac.log.WithError(err).Debug("malformed gossiped share")
			continue
		}
		ac.ingestGossipShare(wire)
	}
}

func (ac *AggregationCoordinator) ingestGossipShare(wire WireShare) {
	key := TaskKey{ServiceId: wire.ServiceId, CallId: wire.CallId}
	ac.mu.Lock()
	task, ok := ac.local[key]
	ac.mu.Unlock()
	if !ok {
		// Not our task to aggregate (we weren't selected, or haven't
		// registered it yet); gossip messages for tasks we never opened a
		// taskAccumulator for are silently ignored.
		return
	}
	result := task.addShare(wire.share())
	if result == shareVerificationFailed {
		ac.pm.Ban(wire.FromPeer, 10*time.Minute)
		ac.log.WithField("peer", wire.FromPeer).Warn("rejected unverifiable gossip share")
	}
}

// OpenTask registers the accumulator state needed to aggregate (svc, call)
// locally, used by gossip-selected aggregators before shares start
// arriving.
func (ac *AggregationCoordinator) OpenTask(svc ServiceId, call CallId, totalOperators, thresholdStakeWeight uint64, stakes []uint64, output []byte) {
	key := TaskKey{ServiceId: svc, CallId: call}
	msg := ComputeTaskMessage(svc, call, output)
	ac.mu.Lock()
	if _, exists := ac.local[key]; !exists {
		ac.local[key] = newTaskAccumulator(totalOperators, thresholdStakeWeight, stakes, msg)
	}
	ac.mu.Unlock()
}

// SubmitLocal signs output and distributes the share per the configured
// mode: POSTs to the HTTP coordinator in Mode A, gossips to the selected
// aggregators in Mode B.
func (ac *AggregationCoordinator) SubmitLocal(ctx context.Context, svc ServiceId, call CallId, operatorIndex uint32, output []byte) error {
	msg := ComputeTaskMessage(svc, call, output)
	sig, err := ac.keys.SignBLS(msg[:])
	if err != nil {
		return fmt.Errorf("sign share: %w", err)
	}
	share := BlsSignatureShare{
		ServiceId: svc, CallId: call, OperatorIndex: operatorIndex,
		OutputHash: msg, Signature: sig, PublicKey: ac.keys.PublicBLS(),
	}

	switch ac.mode {
	case ModeCoordinatorHTTP:
		return ac.http.submitSignature(ctx, share, output)
	case ModeGossip:
		payload, err := json.Marshal(NewWireShare(share, output, ac.transport.HostID()))
		if err != nil {
			return err
		}
		return ac.transport.PublishShare(ctx, payload)
	default:
		return fmt.Errorf("unknown aggregation mode %d", ac.mode)
	}
}

// WaitForAggregate blocks until (svc, call) crosses threshold or
// thresholdWait elapses, returning ThresholdNotMetError on timeout.
func (ac *AggregationCoordinator) WaitForAggregate(ctx context.Context, svc ServiceId, call CallId) (*AggregatedSignature, error) {
	deadline := time.Now().Add(ac.thresholdWait)

	if ac.mode == ModeCoordinatorHTTP {
		ticker := time.NewTicker(ac.pollInterval)
		defer ticker.Stop()
		for time.Now().Before(deadline) {
			agg, err := ac.http.getAggregated(ctx, svc, call)
			if err == nil {
				return agg, nil
			}
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return nil, &ThresholdNotMetError{Kind: AggCoordinatorUnavailable, Err: ctx.Err()}
			}
		}
		return nil, &ThresholdNotMetError{Kind: AggThresholdNotMet}
	}

	key := TaskKey{ServiceId: svc, CallId: call}
	ac.mu.Lock()
	task := ac.local[key]
	ac.mu.Unlock()
	if task == nil {
		return nil, &ThresholdNotMetError{Kind: AggThresholdNotMet, Err: fmt.Errorf("no local task opened for %v", key)}
	}
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for time.Now().Before(deadline) {
		agg, stake, err := task.tryAssemble()
		if err != nil {
			return nil, err
		}
		if agg != nil {
			return agg, nil
		}
		_ = stake
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, &ThresholdNotMetError{Kind: AggThresholdNotMet, Err: ctx.Err()}
		}
	}
	return nil, &ThresholdNotMetError{Kind: AggThresholdNotMet, Got: task.stakeSnapshot(), Need: task.thresholdStakeWeight}
}

func (t *taskAccumulator) stakeSnapshot() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stakeLocked()
}

// WireShare is the gossip/HTTP wire representation of a BlsSignatureShare.
type WireShare struct {
	ServiceId     ServiceId `json:"service_id"`
	CallId        CallId    `json:"call_id"`
	OperatorIndex uint32    `json:"operator_index"`
	Output        []byte    `json:"output"`
	Signature     []byte    `json:"signature"`
	PublicKey     []byte    `json:"public_key"`
	FromPeer      string    `json:"-"`
}

func NewWireShare(share BlsSignatureShare, output []byte, fromPeer string) WireShare {
	return WireShare{
		ServiceId: share.ServiceId, CallId: share.CallId, OperatorIndex: share.OperatorIndex,
		Output: output, Signature: share.Signature, PublicKey: share.PublicKey, FromPeer: fromPeer,
	}
}

func (w WireShare) share() BlsSignatureShare {
	return BlsSignatureShare{
		ServiceId: w.ServiceId, CallId: w.CallId, OperatorIndex: w.OperatorIndex,
		OutputHash: ComputeTaskMessage(w.ServiceId, w.CallId, w.Output),
		Signature:  w.Signature, PublicKey: w.PublicKey,
	}
}
