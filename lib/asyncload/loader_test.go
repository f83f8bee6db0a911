// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package asyncload

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/snapack/lib/testutil"
)

// gatedLoad is a LoadFunc whose first call signals entry and then
// blocks until released, letting tests fill the queue while the
// single worker is provably busy.
type gatedLoad struct {
	gate    chan struct{}
	started chan struct{}
	once    sync.Once
	mu      sync.Mutex
	order   []string
}

func newGatedLoad() *gatedLoad {
	return &gatedLoad{
		gate:    make(chan struct{}),
		started: make(chan struct{}),
	}
}

func (g *gatedLoad) load(req *Request) (any, error) {
	g.once.Do(func() {
		close(g.started)
		<-g.gate
	})
	g.mu.Lock()
	g.order = append(g.order, req.Name)
	g.mu.Unlock()
	return &struct{}{}, nil
}

// occupyWorker enqueues a warmup request and waits until the single
// worker has dequeued it and is blocked on the gate, so subsequent
// enqueues demonstrably queue up.
func occupyWorker(t *testing.T, loader *Loader, gate *gatedLoad) *Handle {
	t.Helper()
	handle := loader.Enqueue(Request{Name: "warmup"})
	testutil.RequireClosed(t, gate.started, 5*time.Second, "worker picked up warmup request")
	return handle
}

func (g *gatedLoad) completionOrder() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.order...)
}

func TestPriorityOrdering(t *testing.T) {
	gate := newGatedLoad()
	loader := New(gate.load, 1)
	defer loader.Shutdown()

	// The first request occupies the single worker; the rest queue
	// up and must drain Critical, Normal, Low regardless of enqueue
	// order.
	first := occupyWorker(t, loader, gate)
	handles := []*Handle{
		loader.Enqueue(Request{Name: "low", Priority: PriorityLow}),
		loader.Enqueue(Request{Name: "normal", Priority: PriorityNormal}),
		loader.Enqueue(Request{Name: "critical", Priority: PriorityCritical}),
	}
	close(gate.gate)

	loader.Wait(first)
	for _, handle := range handles {
		loader.Wait(handle)
	}

	order := gate.completionOrder()
	want := []string{"warmup", "critical", "normal", "low"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("completion order = %v, want %v", order, want)
		}
	}
}

func TestFIFOWithinTier(t *testing.T) {
	gate := newGatedLoad()
	loader := New(gate.load, 1)
	defer loader.Shutdown()

	first := occupyWorker(t, loader, gate)
	for _, name := range []string{"a", "b", "c"} {
		loader.Enqueue(Request{Name: name, Priority: PriorityNormal})
	}
	close(gate.gate)
	loader.Wait(first)
	loader.WaitAll()

	order := gate.completionOrder()
	want := []string{"warmup", "a", "b", "c"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("completion order = %v, want %v", order, want)
		}
	}
}

func TestCallbackReceivesResult(t *testing.T) {
	loader := New(func(req *Request) (any, error) {
		return &struct{ name string }{req.Name}, nil
	}, 2)
	defer loader.Shutdown()

	results := make(chan any, 1)
	loader.Enqueue(Request{
		Name: "asset",
		Callback: func(asset any, err error) {
			if err != nil {
				t.Errorf("callback error: %v", err)
			}
			results <- asset
		},
	})

	asset := testutil.RequireReceive(t, results, 5*time.Second, "waiting for callback")
	if asset == nil {
		t.Error("callback received nil asset")
	}
}

func TestLoadErrorPropagates(t *testing.T) {
	loadErr := errors.New("no such asset")
	loader := New(func(*Request) (any, error) { return nil, loadErr }, 1)
	defer loader.Shutdown()

	errs := make(chan error, 1)
	handle := loader.Enqueue(Request{
		Name:     "missing",
		Callback: func(_ any, err error) { errs <- err },
	})
	loader.Wait(handle)

	if err := testutil.RequireReceive(t, errs, 5*time.Second, "waiting for error"); !errors.Is(err, loadErr) {
		t.Errorf("callback error = %v, want %v", err, loadErr)
	}
}

func TestCancellationBeforeDequeue(t *testing.T) {
	gate := newGatedLoad()
	loader := New(gate.load, 1)
	defer loader.Shutdown()

	first := occupyWorker(t, loader, gate)

	token := NewToken()
	errs := make(chan error, 1)
	handle := loader.Enqueue(Request{
		Name:     "doomed",
		Token:    token,
		Callback: func(_ any, err error) { errs <- err },
	})
	token.Cancel()
	close(gate.gate)

	loader.Wait(first)
	loader.Wait(handle)

	if err := testutil.RequireReceive(t, errs, 5*time.Second, "waiting for cancellation"); !errors.Is(err, ErrCancelled) {
		t.Errorf("callback error = %v, want ErrCancelled", err)
	}

	// The cancelled request never reached the load function.
	for _, name := range gate.completionOrder() {
		if name == "doomed" {
			t.Error("cancelled request was loaded")
		}
	}
}

func TestCancelAll(t *testing.T) {
	gate := newGatedLoad()
	loader := New(gate.load, 1)
	defer loader.Shutdown()

	first := occupyWorker(t, loader, gate)

	var cancelled int
	var mu sync.Mutex
	var handles []*Handle
	for i := 0; i < 5; i++ {
		handles = append(handles, loader.Enqueue(Request{
			Name:  "queued",
			Token: NewToken(),
			Callback: func(_ any, err error) {
				if errors.Is(err, ErrCancelled) {
					mu.Lock()
					cancelled++
					mu.Unlock()
				}
			},
		}))
	}

	loader.CancelAll()
	close(gate.gate)
	loader.Wait(first)
	for _, handle := range handles {
		loader.Wait(handle)
	}

	mu.Lock()
	defer mu.Unlock()
	if cancelled != 5 {
		t.Errorf("%d requests saw ErrCancelled, want 5", cancelled)
	}
	if loader.PendingCount() != 0 {
		t.Errorf("PendingCount = %d after CancelAll", loader.PendingCount())
	}
}

func TestWaitMultipleWaiters(t *testing.T) {
	gate := newGatedLoad()
	loader := New(gate.load, 1)
	defer loader.Shutdown()

	handle := loader.Enqueue(Request{Name: "shared"})

	done := make(chan struct{})
	var waiters sync.WaitGroup
	for i := 0; i < 4; i++ {
		waiters.Add(1)
		go func() {
			defer waiters.Done()
			loader.Wait(handle)
		}()
	}
	go func() {
		waiters.Wait()
		close(done)
	}()

	close(gate.gate)
	testutil.RequireClosed(t, done, 5*time.Second, "all waiters released")
}

func TestMainThreadCallbacks(t *testing.T) {
	loader := New(func(*Request) (any, error) { return &struct{}{}, nil }, 2)
	defer loader.Shutdown()

	var called bool
	handle := loader.Enqueue(Request{
		Name:       "ui-asset",
		MainThread: true,
		Callback:   func(any, error) { called = true },
	})
	loader.Wait(handle)

	if called {
		t.Fatal("main-thread callback ran on a worker")
	}
	if dispatched := loader.ProcessCompletedCallbacks(); dispatched != 1 {
		t.Fatalf("ProcessCompletedCallbacks dispatched %d, want 1", dispatched)
	}
	if !called {
		t.Error("callback not run by ProcessCompletedCallbacks")
	}
}

func TestLinkedTokens(t *testing.T) {
	parentA := NewToken()
	parentB := NewToken()
	linked := LinkTokens(parentA, parentB)

	if linked.IsCancelled() {
		t.Fatal("fresh linked token reports cancelled")
	}

	// A parent cancelled after linking is still observed.
	parentB.Cancel()
	if !linked.IsCancelled() {
		t.Error("linked token missed a parent cancelled after linking")
	}
	if parentA.IsCancelled() {
		t.Error("cancellation leaked to the sibling parent")
	}

	// A parent already cancelled before linking is observed too.
	preCancelled := NewToken()
	preCancelled.Cancel()
	if !LinkTokens(preCancelled, NewToken()).IsCancelled() {
		t.Error("linked token missed an already-cancelled parent")
	}

	// Direct cancellation of the linked token works independently.
	direct := LinkTokens(NewToken(), NewToken())
	direct.Cancel()
	if !direct.IsCancelled() {
		t.Error("direct cancel of linked token not observed")
	}
}

func TestShutdownCancelsQueued(t *testing.T) {
	gate := newGatedLoad()
	loader := New(gate.load, 1)

	// The warmup request occupies the single worker (blocked on the
	// gate); the second request is still queued when Shutdown runs
	// and must be cancelled rather than loaded.
	occupyWorker(t, loader, gate)
	errs := make(chan error, 1)
	loader.Enqueue(Request{
		Name:     "queued",
		Callback: func(_ any, err error) { errs <- err },
	})

	shutdownDone := make(chan struct{})
	go func() {
		loader.Shutdown()
		close(shutdownDone)
	}()

	err := testutil.RequireReceive(t, errs, 5*time.Second, "queued request outcome")
	if !errors.Is(err, ErrCancelled) {
		t.Errorf("queued request completed with %v, want ErrCancelled", err)
	}

	close(gate.gate)
	testutil.RequireClosed(t, shutdownDone, 5*time.Second, "shutdown completion")
}
