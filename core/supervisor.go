package core

// Supervisor owns the single cancellation token that wires together
// ChainEventProducer -> {BlueprintManager, JobRouter} -> AggregationCoordinator
// -> ResultConsumer into an explicit fan-out/fan-in over typed channels.

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// JobDispatchTable maps a chain-observed job index to the handler routed
// through JobRouter.
type JobDispatchTable map[JobIndex]uint32

// Supervisor wires the operator's components and owns shutdown.
type Supervisor struct {
	producer   *ChainEventProducer
	manager    *BlueprintManager
	router     *JobRouter
	aggregator *AggregationCoordinator
	consumer   *ResultConsumer
	dispatch   JobDispatchTable

	peers   *PeerManager
	selfKey VerificationIdentifierKey

	drainTimeout time.Duration
	log          *logrus.Entry

	cancel context.CancelFunc
	group  *errgroup.Group
}

// SupervisorConfig bundles the components a Supervisor wires together.
type SupervisorConfig struct {
	Producer     *ChainEventProducer
	Manager      *BlueprintManager
	Router       *JobRouter
	Aggregator   *AggregationCoordinator
	Consumer     *ResultConsumer
	Dispatch     JobDispatchTable
	Peers        *PeerManager
	SelfKey      VerificationIdentifierKey
	DrainTimeout time.Duration
}

// NewSupervisor constructs a Supervisor from its wired components.
func NewSupervisor(cfg SupervisorConfig, log *logrus.Entry) *Supervisor {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if cfg.DrainTimeout == 0 {
		cfg.DrainTimeout = 30 * time.Second
	}
	return &Supervisor{
		producer:     cfg.Producer,
		manager:      cfg.Manager,
		router:       cfg.Router,
		aggregator:   cfg.Aggregator,
		consumer:     cfg.Consumer,
		dispatch:     cfg.Dispatch,
		peers:        cfg.Peers,
		selfKey:      cfg.SelfKey,
		drainTimeout: cfg.DrainTimeout,
		log:          log.WithField("component", "supervisor"),
	}
}

// Run starts the event -> reconcile -> dispatch -> aggregate -> submit
// pipeline and blocks until ctx is cancelled, then drains and shuts down.
func (s *Supervisor) Run(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	g, gctx := errgroup.WithContext(runCtx)
	s.group = g

	events := make(chan ChainEvent, 256)
	errs := make(chan error, 16)

	g.Go(func() error {
		s.producer.Run(gctx, events, errs)
		return nil
	})

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case err, ok := <-errs:
				if !ok {
					return nil
				}
				s.log.WithError(err).Warn("chain event producer error")
			}
		}
	})

	if s.aggregator != nil {
		g.Go(func() error {
			s.aggregator.Run(gctx)
			return nil
		})
	}

	g.Go(func() error {
		s.consumeEvents(gctx, events)
		return nil
	})

	<-ctx.Done()
	s.shutdown()
}

func (s *Supervisor) consumeEvents(ctx context.Context, events <-chan ChainEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.handleEvent(ctx, ev)
		}
	}
}

func (s *Supervisor) handleEvent(ctx context.Context, ev ChainEvent) {
	switch ev.Kind {
	case EventServiceInitiated:
		s.manager.ObserveServiceInitiated(ev.BlueprintId, ev.ServiceId)
		s.manager.Reconcile(ctx)
	case EventServiceTerminated:
		s.manager.ObserveServiceTerminated(ev.BlueprintId, ev.ServiceId)
		s.manager.Reconcile(ctx)
	case EventOperatorRegistered, EventBlueprintCreated:
		s.manager.Reconcile(ctx)
	case EventJobSubmitted:
		if s.router == nil || s.dispatch == nil {
			return
		}
		handlerID, ok := s.dispatch[ev.JobIndex]
		if !ok {
			s.log.WithField("job_index", ev.JobIndex).Warn("no handler registered for job index")
			return
		}
		call := JobCall{
			JobId: handlerID,
			Body:  ev.Inputs,
			Metadata: map[string]string{
				MetaServiceID: fmt.Sprintf("%d", ev.ServiceId),
				MetaCallID:    fmt.Sprintf("%d", ev.CallId),
				MetaJobIndex:  fmt.Sprintf("%d", ev.JobIndex),
				MetaCaller:    fmt.Sprintf("%x", ev.Caller),
			},
		}
		go s.dispatchAndSubmit(ctx, ev.ServiceId, ev.CallId, call)
	}
}

func (s *Supervisor) dispatchAndSubmit(ctx context.Context, svc ServiceId, call CallId, jc JobCall) {
	result := s.router.Dispatch(ctx, jc)
	if result.IsErr {
		s.log.WithFields(logrus.Fields{"service_id": svc, "call_id": call, "err_kind": result.ErrKind}).
			Warn("job handler returned an error result")
		return
	}
	if s.aggregator == nil || s.consumer == nil || s.peers == nil {
		return
	}
	operatorIndex, ok := s.peers.IndexOf(s.selfKey)
	if !ok {
		s.log.WithFields(logrus.Fields{"service_id": svc, "call_id": call}).
			Warn("operator not present in current whitelist, dropping local share")
		return
	}
	if err := s.aggregator.SubmitLocal(ctx, svc, call, operatorIndex, result.Body); err != nil {
		s.log.WithError(err).Warn("failed to submit local aggregation share")
		return
	}
	agg, err := s.aggregator.WaitForAggregate(ctx, svc, call)
	if err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{"service_id": svc, "call_id": call}).
			Warn("aggregation did not complete")
		return
	}
	if err := s.consumer.Submit(ctx, svc, call, result.Body, *agg); err != nil {
		s.log.WithError(err).Warn("result submission failed")
	}
}

// shutdown waits up to drainTimeout for the producer, error-drain,
// aggregator and event-consumer goroutines (stopped by the cancelled
// context), then shuts down the BlueprintManager. Job goroutines started
// by handleEvent are not tracked and are not waited for.
func (s *Supervisor) shutdown() {
	s.log.Info("shutting down")
	done := make(chan struct{})
	go func() {
		s.group.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.drainTimeout):
		s.log.Warn("drain timeout exceeded, forcing shutdown")
	}
	if s.manager != nil {
		s.manager.Shutdown()
	}
}
