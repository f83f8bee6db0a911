// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package asyncload

import (
	"container/heap"
	"errors"
	"reflect"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/bureau-foundation/snapack/lib/uid"
)

// Priority orders load requests. Within a tier, requests complete in
// enqueue order.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// ErrCancelled is delivered to callbacks of requests that were
// cancelled before completion.
var ErrCancelled = errors.New("load cancelled")

// LoadFunc performs the actual synchronous load for a request. The
// asset manager supplies one when constructing the loader; this keeps
// the loader decoupled from pack mechanics. It returns the type-erased
// loaded object.
type LoadFunc func(req *Request) (any, error)

// Callback receives the result of an asynchronous load. On success,
// ownership of the asset transfers to the callback. Callbacks run on
// worker goroutines unless MainThread was set on the request, in
// which case they are queued for ProcessCompletedCallbacks.
type Callback func(asset any, err error)

// Request describes one asynchronous load. Exactly one of Name or ID
// should be set.
type Request struct {
	Name string
	ID   uid.AssetID

	// RuntimeType is the reflect.Type of the requested runtime
	// object pointer (e.g. reflect.TypeFor[*Texture]()).
	RuntimeType reflect.Type

	Priority Priority
	Token    Token

	// Params is an opaque caller-supplied value forwarded to the
	// factory. Factories treat absent or mistyped params as "use
	// defaults".
	Params any

	// MainThread defers the callback to ProcessCompletedCallbacks
	// instead of running it on the worker (for UI/GPU-thread
	// affinity).
	MainThread bool

	Callback Callback

	// sequence breaks priority ties FIFO.
	sequence uint64
	handle   *Handle
}

// Handle is a waitable reference to an enqueued request. Multiple
// goroutines may Wait on the same handle.
type Handle struct {
	id   uint64
	done chan struct{}
}

// IsValid reports whether the handle refers to a real request.
func (h *Handle) IsValid() bool { return h != nil && h.done != nil }

// Done returns a channel closed when the request completes (including
// by cancellation).
func (h *Handle) Done() <-chan struct{} { return h.done }

// requestQueue is a max-heap on (priority, FIFO sequence).
type requestQueue []*Request

func (q requestQueue) Len() int { return len(q) }

func (q requestQueue) Less(i, j int) bool {
	if q[i].Priority != q[j].Priority {
		return q[i].Priority > q[j].Priority
	}
	return q[i].sequence < q[j].sequence
}

func (q requestQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *requestQueue) Push(x any) { *q = append(*q, x.(*Request)) }

func (q *requestQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return item
}

// Loader drains a priority queue of load requests with a fixed pool
// of worker goroutines. Requests delegate to the LoadFunc (the asset
// manager's synchronous load path); completion is observable through
// callbacks and waitable handles.
type Loader struct {
	load LoadFunc

	mu       sync.Mutex
	cond     *sync.Cond
	queue    requestQueue
	active   int
	shutdown bool

	nextSequence atomic.Uint64
	completed    atomic.Uint64

	deferredMu sync.Mutex
	deferred   []func()

	workers sync.WaitGroup
}

// New creates a loader with the given worker count. Zero means
// NumCPU-1, minimum 1.
func New(load LoadFunc, numWorkers int) *Loader {
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU() - 1
		if numWorkers < 1 {
			numWorkers = 1
		}
	}

	l := &Loader{load: load}
	l.cond = sync.NewCond(&l.mu)

	l.workers.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		go l.worker()
	}
	return l
}

// Enqueue submits a request and returns a waitable handle. Requests
// enqueued after Shutdown complete immediately with ErrCancelled.
func (l *Loader) Enqueue(req Request) *Handle {
	req.sequence = l.nextSequence.Add(1)
	req.handle = &Handle{id: req.sequence, done: make(chan struct{})}

	l.mu.Lock()
	if l.shutdown {
		l.mu.Unlock()
		l.finish(&req, nil, ErrCancelled)
		return req.handle
	}
	heap.Push(&l.queue, &req)
	l.mu.Unlock()
	l.cond.Signal()

	return req.handle
}

func (l *Loader) worker() {
	defer l.workers.Done()

	for {
		l.mu.Lock()
		for len(l.queue) == 0 && !l.shutdown {
			l.cond.Wait()
		}
		if l.shutdown && len(l.queue) == 0 {
			l.mu.Unlock()
			return
		}
		req := heap.Pop(&l.queue).(*Request)
		l.active++
		l.mu.Unlock()

		l.process(req)

		l.mu.Lock()
		l.active--
		l.mu.Unlock()
		l.cond.Broadcast()
	}
}

func (l *Loader) process(req *Request) {
	// Cancellation check before the load: cancelled requests are
	// dropped without touching the manager.
	if req.Token.IsCancelled() {
		l.finish(req, nil, ErrCancelled)
		return
	}

	asset, err := l.load(req)

	// Cancellation after the load cannot abort a codec call already
	// run, but it suppresses the successful result.
	if req.Token.IsCancelled() {
		asset = nil
		err = ErrCancelled
	}

	l.finish(req, asset, err)
}

// finish invokes the callback (directly or deferred) and releases
// waiters.
func (l *Loader) finish(req *Request, asset any, err error) {
	if req.Callback != nil {
		if req.MainThread {
			callback := req.Callback
			l.deferredMu.Lock()
			l.deferred = append(l.deferred, func() { callback(asset, err) })
			l.deferredMu.Unlock()
		} else {
			req.Callback(asset, err)
		}
	}
	close(req.handle.done)
	l.completed.Add(1)
}

// Wait blocks until the request behind handle completes. Returns
// immediately for invalid handles. Any number of goroutines may wait
// on the same handle.
func (l *Loader) Wait(handle *Handle) {
	if !handle.IsValid() {
		return
	}
	<-handle.done
}

// WaitAll blocks until the queue is empty and no request is being
// processed.
func (l *Loader) WaitAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for len(l.queue) > 0 || l.active > 0 {
		l.cond.Wait()
	}
}

// CancelAll empties the queue, delivering ErrCancelled to every
// dropped request. Requests already being processed are not
// interrupted (their own tokens govern that).
func (l *Loader) CancelAll() {
	l.mu.Lock()
	dropped := make([]*Request, len(l.queue))
	copy(dropped, l.queue)
	l.queue = l.queue[:0]
	l.mu.Unlock()

	for _, req := range dropped {
		req.Token.Cancel()
		l.finish(req, nil, ErrCancelled)
	}
	l.cond.Broadcast()
}

// PendingCount returns the number of queued (not yet started)
// requests.
func (l *Loader) PendingCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// CompletedCount returns the number of requests that have finished
// (successfully, with error, or cancelled).
func (l *Loader) CompletedCount() uint64 {
	return l.completed.Load()
}

// ProcessCompletedCallbacks runs all deferred main-thread callbacks
// accumulated since the last call. Returns the number dispatched.
// Call this from the thread that owns UI/GPU state.
func (l *Loader) ProcessCompletedCallbacks() int {
	l.deferredMu.Lock()
	callbacks := l.deferred
	l.deferred = nil
	l.deferredMu.Unlock()

	for _, callback := range callbacks {
		callback()
	}
	return len(callbacks)
}

// Shutdown stops the loader: queued requests are cancelled, in-flight
// requests run to completion, and all workers exit. Safe to call more
// than once.
func (l *Loader) Shutdown() {
	l.mu.Lock()
	if l.shutdown {
		l.mu.Unlock()
		return
	}
	l.shutdown = true
	l.mu.Unlock()

	l.CancelAll()
	l.cond.Broadcast()
	l.workers.Wait()
}
