// Package busthread implements C2: a dedicated worker goroutine owning the
// session-bus connection and serializing all bus traffic so that other
// goroutines only ever enqueue work onto it. The thread also owns an
// eventloop.Loop that is handed to every task; the worker itself selects on
// its task and signal channels and does not wait on or dispatch that loop. It
// also implements pause/resume so the host process can cross a fork(2)
// safely -- the OS thread backing the worker goroutine is not preserved
// across fork, so it must be stopped beforehand and restarted after.
package busthread

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/godbus/dbus/v5"

	"github.com/zypak/zypak-go/internal/eventloop"
)

// State is the bus thread's lifecycle state, per §4.2.
type State int

const (
	Created State = iota
	Running
	Paused
	Shutdown
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Running:
		return "running"
	case Paused:
		return "paused"
	case Shutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// forkMu is the process-wide mutex that makes pause(); fork(); resume()
// atomic across concurrent callers, per §5.
var forkMu sync.Mutex

// ForkMutex returns the process-wide fork-serialization lock. Callers
// intercepting fork() must hold it across Pause, the actual fork(2), and
// Resume (in the parent) or Shutdown (in the child).
func ForkMutex() *sync.Mutex { return &forkMu }

// Task is work enqueued onto the bus thread's worker goroutine.
type Task func(conn *dbus.Conn, loop *eventloop.Loop)

// Thread owns one session-bus connection and the goroutine that serves it.
type Thread struct {
	mu    sync.Mutex // guards state + enqueue; see DESIGN.md for why this
	       // need not be literally reentrant: bus-internal callbacks always
	       // run on the worker goroutine itself, which never re-enters this
	       // lock while already inside a dispatch, so ordinary serialization
	       // through the single worker goroutine gives the same safety a
	       // recursive mutex would.
	state State

	dial func() (*dbus.Conn, error)
	conn *dbus.Conn
	loop *eventloop.Loop

	tasks   chan Task
	signals chan *dbus.Signal
	done    chan struct{}
	wg      sync.WaitGroup
}

// New constructs a Thread in the Created state. dial is called once per
// Start/Resume to (re)establish the bus connection; tests substitute a
// fake dialer.
func New(dial func() (*dbus.Conn, error)) *Thread {
	return &Thread{dial: dial, state: Created}
}

func SessionDialer() func() (*dbus.Conn, error) {
	return func() (*dbus.Conn, error) {
		conn, err := dbus.ConnectSessionBus()
		if err != nil {
			return nil, fmt.Errorf("busthread: connecting to session bus: %w", err)
		}
		return conn, nil
	}
}

// State returns the current lifecycle state.
func (t *Thread) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Start dials the bus and launches the worker goroutine. Valid only from
// Created.
func (t *Thread) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != Created {
		return fmt.Errorf("busthread: Start called in state %s", t.state)
	}
	conn, err := t.dial()
	if err != nil {
		return err
	}
	t.conn = conn
	loop, err := eventloop.Create()
	if err != nil {
		conn.Close()
		return fmt.Errorf("busthread: creating event loop: %w", err)
	}
	t.loop = loop
	t.startWorker(ctx)
	t.state = Running
	return nil
}

func (t *Thread) startWorker(ctx context.Context) {
	t.tasks = make(chan Task, 64)
	t.signals = make(chan *dbus.Signal, 64)
	t.done = make(chan struct{})
	t.conn.Signal(t.signals)

	t.wg.Add(1)
	go t.runWorker(ctx)
}

// runWorker is the bus thread's body: it drains enqueued tasks and bus
// signals until told to stop. It is the only goroutine that ever touches
// t.conn or t.loop while Running.
func (t *Thread) runWorker(ctx context.Context) {
	defer t.wg.Done()
	for {
		select {
		case task := <-t.tasks:
			task(t.conn, t.loop)
		case sig := <-t.signals:
			t.dispatchSignal(sig)
		case <-t.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

var signalHandlers = struct {
	mu sync.Mutex
	m  map[*Thread][]func(*dbus.Signal)
}{m: map[*Thread][]func(*dbus.Signal){}}

func (t *Thread) dispatchSignal(sig *dbus.Signal) {
	signalHandlers.mu.Lock()
	hs := append([]func(*dbus.Signal){}, signalHandlers.m[t]...)
	signalHandlers.mu.Unlock()
	for _, h := range hs {
		h(sig)
	}
}

// Subscribe registers handler to run (on the worker goroutine) for every
// signal received on the connection. Filtering by interface/member is the
// caller's responsibility via AddMatchRule.
func (t *Thread) Subscribe(handler func(*dbus.Signal)) {
	signalHandlers.mu.Lock()
	signalHandlers.m[t] = append(signalHandlers.m[t], handler)
	signalHandlers.mu.Unlock()
}

// AddMatchRule installs a match rule on the bus. Errors are delivered to
// errHandler rather than propagated, per §4.2's failure semantics.
func (t *Thread) AddMatchRule(rule string, errHandler func(error)) {
	t.Enqueue(func(conn *dbus.Conn, _ *eventloop.Loop) {
		call := conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, rule)
		if call.Err != nil && errHandler != nil {
			errHandler(call.Err)
		}
	})
}

// Enqueue posts task onto the worker goroutine and returns immediately.
func (t *Thread) Enqueue(task Task) error {
	t.mu.Lock()
	state := t.state
	tasks := t.tasks
	t.mu.Unlock()
	if state != Running {
		return fmt.Errorf("busthread: Enqueue called in state %s", state)
	}
	select {
	case tasks <- task:
		return nil
	default:
		// Unbounded logical queue, bounded channel: spill to a goroutine
		// so Enqueue never blocks the caller.
		go func() { tasks <- task }()
		return nil
	}
}

// CallAsync issues a method call and invokes handler on the worker
// goroutine once the reply (or error) arrives.
func (t *Thread) CallAsync(dest, path, method string, args []any, handler func(*dbus.Call)) error {
	return t.Enqueue(func(conn *dbus.Conn, _ *eventloop.Loop) {
		obj := conn.Object(dest, dbus.ObjectPath(path))
		call := obj.Call(method, 0, args...)
		handler(call)
	})
}

// CallBlocking issues a method call and blocks the caller until it
// completes, implemented as async-call-plus-wait on a single-shot channel,
// matching the teacher's pattern of building blocking helpers on top of
// async primitives rather than duplicating dispatch logic.
func (t *Thread) CallBlocking(dest, path, method string, args []any) (*dbus.Call, error) {
	result := make(chan *dbus.Call, 1)
	if err := t.CallAsync(dest, path, method, args, func(c *dbus.Call) {
		result <- c
	}); err != nil {
		return nil, err
	}
	call := <-result
	return call, call.Err
}

// Pause stops (and joins) the worker goroutine, retaining the connection.
// Valid only from Running.
func (t *Thread) Pause() error {
	t.mu.Lock()
	if t.state != Running {
		t.mu.Unlock()
		return fmt.Errorf("busthread: Pause called in state %s", t.state)
	}
	t.state = Paused
	done := t.done
	t.mu.Unlock()

	close(done)
	t.wg.Wait()
	t.conn.RemoveSignal(t.signals)
	return nil
}

// Resume restarts the worker goroutine against the existing connection.
// Valid only from Paused.
func (t *Thread) Resume(ctx context.Context) error {
	t.mu.Lock()
	if t.state != Paused {
		t.mu.Unlock()
		return fmt.Errorf("busthread: Resume called in state %s", t.state)
	}
	t.startWorker(ctx)
	t.state = Running
	t.mu.Unlock()
	return nil
}

// Shutdown stops the worker (if running) and tears everything down. The
// event loop is closed before the bus connection, so that any
// connection-teardown callback that touches the loop still finds it
// alive, per §4.2.
func (t *Thread) Shutdown() error {
	t.mu.Lock()
	state := t.state
	t.mu.Unlock()

	if state == Running {
		if err := t.Pause(); err != nil {
			return err
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == Shutdown {
		return nil
	}
	if t.loop != nil {
		t.loop.Close()
	}
	if t.conn != nil {
		if err := t.conn.Close(); err != nil {
			slog.Warn("busthread.Shutdown: closing connection", "error", err)
		}
	}
	signalHandlers.mu.Lock()
	delete(signalHandlers.m, t)
	signalHandlers.mu.Unlock()
	t.state = Shutdown
	return nil
}

// ShutdownInChild tears down a bus thread that survived a fork() into the
// child process without ever having been paused there -- per §5, a forked
// child must immediately shut down any copied bus thread rather than use
// it, since its worker goroutine (and the thread backing it) did not
// survive the fork.
func (t *Thread) ShutdownInChild() {
	t.mu.Lock()
	t.state = Shutdown
	t.conn = nil
	t.loop = nil
	t.mu.Unlock()
}
