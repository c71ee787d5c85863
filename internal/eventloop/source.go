package eventloop

import (
	"sync"
	"sync/atomic"
	"time"

	zfd "github.com/zypak/zypak-go/internal/fd"
)

// State is the lifecycle state of one registration in the reactor.
type State int

const (
	ActiveForever State = iota
	ActiveOnce
	Disabled
)

type kind int

const (
	kindIO kind = iota
	kindTimer
	kindTask
	kindTrigger
)

// Handler receives its own SourceRef (so it may re-arm or disable itself)
// and the events that fired. A handler that wants an I/O source to keep
// firing must leave it ActiveForever (the default); any other outcome
// disables the source once the handler returns.
type Handler func(ref *SourceRef, events Events)

// Source is the reactor's internal registration record. It is
// reference-counted: the loop itself holds one "floating" reference while
// the source is enabled, so callers may drop their own SourceRef without
// the registration disappearing out from under the loop. Disabling the
// source drops that floating reference.
type Source struct {
	loop *Loop

	mu       sync.Mutex
	kind     kind
	state    State
	handler  Handler
	fd       int
	interest Events
	owned    *zfd.Owned
	hupErr   bool
	deadline time.Time // kindTimer only
	heapIdx  int        // kindTimer only

	refs      int32
	destroyed int32
	onDestroy []func()
}

func newSource(l *Loop, k kind, h Handler) *Source {
	s := &Source{loop: l, kind: k, handler: h, state: ActiveForever, refs: 1}
	return s
}

// ref returns a new handle, incrementing the refcount. The loop's own
// "floating" reference is accounted separately via refs starting at 1 in
// newSource and being dropped in dropFloating.
func (s *Source) ref() *SourceRef {
	atomic.AddInt32(&s.refs, 1)
	return &SourceRef{s: s}
}

func (s *Source) dropFloating() {
	s.release()
}

func (s *Source) release() {
	if atomic.AddInt32(&s.refs, -1) == 0 {
		// all destroy callbacks already ran in runDestroyCallbacks when the
		// source was disabled; nothing further to do here.
	}
}

func (s *Source) runDestroyCallbacks() {
	if !atomic.CompareAndSwapInt32(&s.destroyed, 0, 1) {
		return
	}
	s.mu.Lock()
	cbs := s.onDestroy
	s.onDestroy = nil
	s.mu.Unlock()
	for _, cb := range cbs {
		cb()
	}
}

// SourceRef is a caller-held handle to a Source.
type SourceRef struct {
	s *Source
}

// Disable transitions the source to Disabled, running any on-destroy
// callbacks and dropping the loop's floating reference. One-shot sources
// that have already fired are already Disabled; Disable is then a no-op.
func (r *SourceRef) Disable() {
	r.s.loop.disable(r.s)
}

// OnDestroy registers a callback to run exactly once when the source's
// last reference is dropped (on disable, or on loop Close).
func (r *SourceRef) OnDestroy(cb func()) {
	r.s.mu.Lock()
	if atomic.LoadInt32(&r.s.destroyed) == 1 {
		r.s.mu.Unlock()
		cb()
		return
	}
	r.s.onDestroy = append(r.s.onDestroy, cb)
	r.s.mu.Unlock()
}

// Release drops this handle without disabling the source (the loop's
// floating reference, held separately, keeps it alive).
func (r *SourceRef) Release() {
	r.s.release()
}

// TriggerRef is the handle returned by AddTrigger.
type TriggerRef struct {
	*SourceRef
}

// Trigger rearms the source for exactly one firing on the next loop
// iteration, and wakes a concurrently-blocked Wait.
func (t *TriggerRef) Trigger() {
	s := t.s
	s.mu.Lock()
	s.state = ActiveOnce
	s.mu.Unlock()
	s.loop.mu.Lock()
	s.loop.pending = append(s.loop.pending, s)
	s.loop.mu.Unlock()
	s.loop.wake()
}

// timerHeap is a container/heap.Interface over pending timer sources,
// ordered by deadline.
type timerHeap []*Source

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIdx, h[j].heapIdx = i, j
}
func (h *timerHeap) Push(x any) {
	s := x.(*Source)
	s.heapIdx = len(*h)
	*h = append(*h, s)
}
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	s := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return s
}
