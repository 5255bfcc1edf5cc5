package core

// ChainEventProducer polls a finalized-block sliding window for typed
// restaking-platform events using go-ethereum's ethclient/types.

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sirupsen/logrus"
)

// EventKind tags a chain event's body.
type EventKind uint8

const (
	EventBlueprintCreated EventKind = iota
	EventOperatorRegistered
	EventServiceInitiated
	EventServiceTerminated
	EventJobSubmitted
	EventJobResultSubmitted
	EventHeartbeat
)

func (k EventKind) String() string {
	switch k {
	case EventBlueprintCreated:
		return "BlueprintCreated"
	case EventOperatorRegistered:
		return "OperatorRegistered"
	case EventServiceInitiated:
		return "ServiceInitiated"
	case EventServiceTerminated:
		return "ServiceTerminated"
	case EventJobSubmitted:
		return "JobSubmitted"
	case EventJobResultSubmitted:
		return "JobResultSubmitted"
	case EventHeartbeat:
		return "Heartbeat"
	default:
		return "Unknown"
	}
}

// ChainEvent is the producer's unit of output, carrying positional
// metadata plus a typed body.
type ChainEvent struct {
	Kind        EventKind
	BlockNumber uint64
	BlockHash   common.Hash
	LogIndex    uint
	Timestamp   uint64

	ServiceId   ServiceId
	BlueprintId BlueprintId
	CallId      CallId
	JobIndex    JobIndex
	Caller      Address
	Inputs      []byte
}

// producerState is the ChainEventProducer's internal state machine.
type producerState uint8

const (
	stateIdle producerState = iota
	stateFetchingBlockNumber
	stateFetchingLogs
)

// ChainEventProducerConfig carries the polling and windowing knobs.
type ChainEventProducerConfig struct {
	PollInterval     time.Duration
	Confirmations    uint64
	MaxBlocksPerStep uint64
	ContractAddress  common.Address
}

// ChainEventProducer polls the chain and emits typed events in ascending
// (block, log index) order.
type ChainEventProducer struct {
	client *ethclient.Client
	cfg    ChainEventProducerConfig
	log    *logrus.Entry

	state    producerState
	lastSeen uint64
}

// NewChainEventProducer wraps an already-dialed ethclient.Client.
func NewChainEventProducer(client *ethclient.Client, cfg ChainEventProducerConfig, startBlock uint64, log *logrus.Entry) *ChainEventProducer {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 12 * time.Second
	}
	if cfg.MaxBlocksPerStep == 0 {
		cfg.MaxBlocksPerStep = 2000
	}
	return &ChainEventProducer{
		client:   client,
		cfg:      cfg,
		log:      log.WithField("component", "chain_event_producer"),
		state:    stateIdle,
		lastSeen: startBlock,
	}
}

// Run drives the poll loop, sending events to out until ctx is canceled.
// On a transient fetch error the producer surfaces it once on errOut, then
// continues at the next tick rather than aborting the stream.
func (p *ChainEventProducer) Run(ctx context.Context, out chan<- ChainEvent, errOut chan<- error) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.pollOnce(ctx, out); err != nil {
				select {
				case errOut <- &ChainError{Kind: ChainTransientRPC, Err: err}:
				default:
				}
			}
		}
	}
}

func (p *ChainEventProducer) pollOnce(ctx context.Context, out chan<- ChainEvent) error {
	p.state = stateFetchingBlockNumber
	tip, err := p.client.BlockNumber(ctx)
	if err != nil {
		p.state = stateIdle
		return fmt.Errorf("fetch block number: %w", err)
	}
	if tip < p.cfg.Confirmations {
		p.state = stateIdle
		return nil
	}
	safeTip := tip - p.cfg.Confirmations
	if safeTip <= p.lastSeen {
		p.state = stateIdle
		return nil
	}

	from := p.lastSeen + 1
	to := safeTip
	if to-from+1 > p.cfg.MaxBlocksPerStep {
		to = from + p.cfg.MaxBlocksPerStep - 1
	}

	p.state = stateFetchingLogs
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{p.cfg.ContractAddress},
	}
	logs, err := p.client.FilterLogs(ctx, query)
	if err != nil {
		p.state = stateIdle
		return fmt.Errorf("filter logs: %w", err)
	}

	blockTimestamps := make(map[uint64]uint64)
	for _, lg := range logs {
		ts, ok := blockTimestamps[lg.BlockNumber]
		if !ok {
			hdr, err := p.client.HeaderByHash(ctx, lg.BlockHash)
			if err != nil {
				return &ChainError{Kind: ChainMalformedEvent, Err: err}
			}
			ts = hdr.Time
			blockTimestamps[lg.BlockNumber] = ts
		}
		ev, err := decodeLog(lg, ts)
		if err != nil {
			p.log.WithError(err).Warn("skipping malformed log")
			continue
		}
		select {
		case out <- ev:
		case <-ctx.Done():
			return nil
		}
	}

	p.lastSeen = to
	p.state = stateIdle
	return nil
}

// jobSubmittedHeaderLen is the byte length of the fixed-width portion of a
// JobSubmitted log body before the variable-length inputs tail: an 8-byte
// serviceId, 8-byte callId, 1-byte jobIndex, and 20-byte caller address.
const jobSubmittedHeaderLen = 8 + 8 + 1 + 20

// decodeLog maps a raw go-ethereum log into a typed ChainEvent. The topic
// and data layout here is a placeholder contract ABI shape; real
// deployments generate this from the restaking contract's compiled ABI.
func decodeLog(lg types.Log, blockTimestamp uint64) (ChainEvent, error) {
	if len(lg.Topics) == 0 {
		return ChainEvent{}, fmt.Errorf("log has no topics")
	}
	kind := eventKindFromTopic(lg.Topics[0])
	ev := ChainEvent{
		Kind:        kind,
		BlockNumber: lg.BlockNumber,
		BlockHash:   lg.BlockHash,
		LogIndex:    lg.Index,
		Timestamp:   blockTimestamp,
	}
	if len(lg.Data) >= 8 {
		ev.ServiceId = ServiceId(new(big.Int).SetBytes(lg.Data[:8]).Uint64())
	}
	if kind == EventJobSubmitted {
		if len(lg.Data) < jobSubmittedHeaderLen {
			return ChainEvent{}, fmt.Errorf("job submitted log too short: %d bytes", len(lg.Data))
		}
		ev.CallId = CallId(new(big.Int).SetBytes(lg.Data[8:16]).Uint64())
		ev.JobIndex = JobIndex(lg.Data[16])
		copy(ev.Caller[:], lg.Data[17:37])
		if len(lg.Data) > jobSubmittedHeaderLen {
			ev.Inputs = append([]byte(nil), lg.Data[jobSubmittedHeaderLen:]...)
		}
	}
	return ev, nil
}

var knownTopics = map[common.Hash]EventKind{
	common.HexToHash("0x1"): EventBlueprintCreated,
	common.HexToHash("0x2"): EventOperatorRegistered,
	common.HexToHash("0x3"): EventServiceInitiated,
	common.HexToHash("0x4"): EventServiceTerminated,
	common.HexToHash("0x5"): EventJobSubmitted,
	common.HexToHash("0x6"): EventJobResultSubmitted,
}

func eventKindFromTopic(topic common.Hash) EventKind {
	if kind, ok := knownTopics[topic]; ok {
		return kind
	}
	return EventHeartbeat
}
