package core

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestJobRouterDispatchReturnsHandlerResult(t *testing.T) {
	r := NewJobRouter(nil)
	r.Route(1, JobHandlerFunc(func(ctx context.Context, call JobCall) JobResult {
		return OkResult([]byte("ok:" + string(call.Body)))
	}), 4)

	result := r.Dispatch(context.Background(), JobCall{JobId: 1, Body: []byte("payload")})
	if result.IsErr {
		t.Fatalf("unexpected error result: %s", result.ErrMsg)
	}
	if string(result.Body) != "ok:payload" {
		t.Fatalf("unexpected body: %q", result.Body)
	}
}

func TestJobRouterDispatchUnknownJob(t *testing.T) {
	r := NewJobRouter(nil)
	result := r.Dispatch(context.Background(), JobCall{JobId: 99})
	if !result.IsErr || result.ErrKind != "unknown_job" {
		t.Fatalf("expected unknown_job error result, got %+v", result)
	}
}

func TestJobRouterRespectsMaxInFlight(t *testing.T) {
	r := NewJobRouter(nil)
	release := make(chan struct{})
	var inFlight int32
	var maxSeen int32

	r.Route(1, JobHandlerFunc(func(ctx context.Context, call JobCall) JobResult {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			old := atomic.LoadInt32(&maxSeen)
			if n <= old || atomic.CompareAndSwapInt32(&maxSeen, old, n) {
				break
			}
		}
		<-release
		atomic.AddInt32(&inFlight, -1)
		return OkResult(nil)
	}), 2)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Dispatch(context.Background(), JobCall{JobId: 1})
		}()
	}

	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	if atomic.LoadInt32(&maxSeen) > 2 {
		t.Fatalf("expected at most 2 concurrent invocations, saw %d", maxSeen)
	}
}

func TestJobRouterDispatchCanceledContext(t *testing.T) {
	r := NewJobRouter(nil)
	block := make(chan struct{})
	defer close(block)
	r.Route(1, JobHandlerFunc(func(ctx context.Context, call JobCall) JobResult {
		<-block
		return OkResult(nil)
	}), 1)

	// Saturate the single permit so the next call blocks, then cancel it.
	go r.Dispatch(context.Background(), JobCall{JobId: 1})
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	result := r.Dispatch(ctx, JobCall{JobId: 1})
	if !result.IsErr || result.ErrKind != "canceled" {
		t.Fatalf("expected canceled error result, got %+v", result)
	}
}
