package core

// JobRouter dispatches a typed JobCall to a registered handler by job-id,
// enforcing a per-handler max-in-flight limit via golang.org/x/sync/
// semaphore and bounded-channel backpressure on overflow.

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// backpressureQueueDepth bounds the per-job-id queue of calls waiting for a
// free concurrency permit; overflow drops the oldest queued call.
const backpressureQueueDepth = 64

// JobHandler is the pure-function capability every registered handler
// implements: (JobCall, Context) -> JobResult. Handlers must be
// cancel-safe — the router may abandon the call if ctx is canceled.
type JobHandler interface {
	Invoke(ctx context.Context, call JobCall) JobResult
	// AggregationEligible reports whether this handler's output should be
	// routed through AggregationCoordinator rather than straight to the
	// consumer.
	AggregationEligible() bool
}

// JobHandlerFunc adapts a plain function to JobHandler for handlers that
// are always aggregation-eligible (the common case).
type JobHandlerFunc func(ctx context.Context, call JobCall) JobResult

func (f JobHandlerFunc) Invoke(ctx context.Context, call JobCall) JobResult { return f(ctx, call) }
func (f JobHandlerFunc) AggregationEligible() bool                         { return true }

type pendingCall struct {
	ctx   context.Context
	call  JobCall
	reply chan JobResult
}

type registeredHandler struct {
	handler JobHandler
	sem     *semaphore.Weighted
	queue   chan *pendingCall
}

// JobRouter is a job-id-addressed dispatch table.
type JobRouter struct {
	mu       sync.RWMutex
	handlers map[uint32]*registeredHandler
	log      *logrus.Entry
}

// NewJobRouter constructs an empty router.
func NewJobRouter(log *logrus.Entry) *JobRouter {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &JobRouter{
		handlers: make(map[uint32]*registeredHandler),
		log:      log.WithField("component", "job_router"),
	}
}

// Route registers handler for jobID with a concurrency limit of
// maxInFlight simultaneous invocations, and starts its dispatch worker.
func (r *JobRouter) Route(jobID uint32, handler JobHandler, maxInFlight int64) {
	rh := &registeredHandler{
		handler: handler,
		sem:     semaphore.NewWeighted(maxInFlight),
		queue:   make(chan *pendingCall, backpressureQueueDepth),
	}
	r.mu.Lock()
	r.handlers[jobID] = rh
	r.mu.Unlock()
	go r.drain(jobID, rh)
}

func (r *JobRouter) drain(jobID uint32, rh *registeredHandler) {
	for pc := range rh.queue {
		pc := pc
		go func() {
			if err := rh.sem.Acquire(pc.ctx, 1); err != nil {
				routerErr := &RouterError{Kind: RouterCanceled, JobId: jobID, Err: err}
				pc.reply <- ErrResult("canceled", routerErr.Error())
				return
			}
			defer rh.sem.Release(1)
			result := rh.handler.Invoke(pc.ctx, pc.call)
			if result.IsErr {
				r.log.WithFields(logrus.Fields{"job_id": jobID, "err_kind": result.ErrKind}).
					Debug("handler returned error result")
			}
			pc.reply <- result
		}()
	}
}

// Dispatch looks up the handler for call.JobId, queues the call for a
// concurrency permit (the bounded queue drops the oldest queued call on
// overflow, returning it a Backpressured result), and waits for the
// handler's result or ctx cancellation.
func (r *JobRouter) Dispatch(ctx context.Context, call JobCall) JobResult {
	r.mu.RLock()
	rh, ok := r.handlers[call.JobId]
	r.mu.RUnlock()
	if !ok {
		err := &RouterError{Kind: RouterUnknownJob, JobId: call.JobId}
		return ErrResult("unknown_job", err.Error())
	}

	pc := &pendingCall{ctx: ctx, call: call, reply: make(chan JobResult, 1)}
	r.enqueue(rh, pc, call.JobId)

	select {
	case result := <-pc.reply:
		return result
	case <-ctx.Done():
		routerErr := &RouterError{Kind: RouterCanceled, JobId: call.JobId, Err: ctx.Err()}
		return ErrResult("canceled", routerErr.Error())
	}
}

func (r *JobRouter) enqueue(rh *registeredHandler, pc *pendingCall, jobID uint32) {
	select {
	case rh.queue <- pc:
		return
	default:
	}
	select {
	case old := <-rh.queue:
		routerErr := &RouterError{Kind: RouterBackpressured, JobId: jobID}
		select {
		case old.reply <- ErrResult("backpressured", routerErr.Error()):
		default:
		}
	default:
	}
	select {
	case rh.queue <- pc:
	default:
		routerErr := &RouterError{Kind: RouterBackpressured, JobId: jobID}
		pc.reply <- ErrResult("backpressured", routerErr.Error())
	}
}
