// Package eventloop implements C1: a single-threaded reactor over file
// descriptors, timers, deferred tasks, and one-shot triggers, built on
// epoll. Both the Zygote broker (mimic strategy) and the bus thread
// (spawn strategy) run their own instance of this reactor.
package eventloop

import (
	"container/heap"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	zfd "github.com/zypak/zypak-go/internal/fd"
)

// Events is a bitmask of interest/activity, matching epoll's read/write
// split; HUP/ERR are folded into Readable/Writable dispatch with the
// source's destroy path invoked afterward (see §4.1 Error handling).
type Events uint32

const (
	Readable Events = 1 << iota
	Writable
	closed // internal: HUP/ERR observed
)

// WaitOutcome is the result of one Loop.Wait call.
type WaitOutcome int

const (
	Ready WaitOutcome = iota
	Idle
	WaitError
)

// DispatchOutcome is the result of one Loop.Dispatch call.
type DispatchOutcome int

const (
	Continue DispatchOutcome = iota
	Exit
	DispatchError
)

// Loop is owned by one goroutine: Wait, Dispatch and the handlers run
// there. AddTask, AddTimerMs, Exit and TriggerRef.Trigger take the loop's
// mutex and write the wake-up fd, so they may also be called from another
// goroutine to wake a blocked Wait.
type Loop struct {
	epfd     int
	wakeR    int
	wakeW    int
	sources  map[int]*Source // by watched fd, for IO sources
	timers   timerHeap
	pending  []*Source // tasks/triggers queued to fire on next dispatch
	ready    []*Source // populated by Wait, drained by Dispatch
	mu       sync.Mutex
	exited   bool
	exitOK   bool
	nextSeq  uint64
	epollBuf []unix.EpollEvent
}

// Create constructs a Loop, including its internal wake-up fd used to
// break a blocked poll from another goroutine (e.g. add_task/trigger
// called from the bus thread while the broker thread is in Wait).
func Create() (*Loop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("eventloop: epoll_create1: %w", err)
	}
	fds, err := pipe2CloexecNonblock()
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("eventloop: wakeup pipe: %w", err)
	}
	l := &Loop{
		epfd:     epfd,
		wakeR:    fds[0],
		wakeW:    fds[1],
		sources:  map[int]*Source{},
		epollBuf: make([]unix.EpollEvent, 64),
	}
	heap.Init(&l.timers)
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(l.wakeR)}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, l.wakeR, &ev); err != nil {
		l.closeFDs()
		return nil, fmt.Errorf("eventloop: watching wakeup fd: %w", err)
	}
	return l, nil
}

func pipe2CloexecNonblock() ([2]int, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		return fds, err
	}
	return fds, nil
}

func (l *Loop) closeFDs() {
	unix.Close(l.epfd)
	unix.Close(l.wakeR)
	unix.Close(l.wakeW)
}

// Close releases the loop's own file descriptors. It does not close
// sources that were added with AddFD (observed) but does close any that
// were taken with TakeFD.
func (l *Loop) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, s := range l.sources {
		s.runDestroyCallbacks()
		if s.owned != nil {
			s.owned.Close()
		}
	}
	l.closeFDs()
	return nil
}

func (l *Loop) wake() {
	var b [1]byte
	unix.Write(l.wakeW, b[:])
}

func (l *Loop) drainWake() {
	var buf [64]byte
	for {
		n, err := unix.Read(l.wakeR, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

// AddTask schedules handler to run once on the next loop iteration.
func (l *Loop) AddTask(handler Handler) *SourceRef {
	l.mu.Lock()
	s := newSource(l, kindTask, handler)
	l.pending = append(l.pending, s)
	l.mu.Unlock()
	l.wake()
	return s.ref()
}

// AddTrigger creates a source that is initially Disabled; each call to
// TriggerRef.Trigger rearms it for exactly one firing.
func (l *Loop) AddTrigger(handler Handler) *TriggerRef {
	l.mu.Lock()
	s := newSource(l, kindTrigger, handler)
	s.state = Disabled
	l.mu.Unlock()
	return &TriggerRef{SourceRef: s.ref()}
}

// AddTimerMs schedules handler to run once, no sooner than ms milliseconds
// from now. Accuracy is coarse (~50ms tolerated), matching the teacher's
// polling granularity.
func (l *Loop) AddTimerMs(ms int, handler Handler) *SourceRef {
	l.mu.Lock()
	s := newSource(l, kindTimer, handler)
	s.deadline = time.Now().Add(time.Duration(ms) * time.Millisecond)
	heap.Push(&l.timers, s)
	l.mu.Unlock()
	l.wake()
	return s.ref()
}

// AddFD registers an observed (not owned) fd; the loop will not close it
// when the source is destroyed.
func (l *Loop) AddFD(rawFD int, events Events, handler Handler) (*SourceRef, error) {
	return l.addFD(rawFD, nil, events, handler)
}

// TakeFD registers fd and transfers its ownership to the loop: when the
// source is destroyed, the loop closes the descriptor.
func (l *Loop) TakeFD(owned *zfd.Owned, events Events, handler Handler) (*SourceRef, error) {
	return l.addFD(owned.FD(), owned, events, handler)
}

func (l *Loop) addFD(rawFD int, owned *zfd.Owned, events Events, handler Handler) (*SourceRef, error) {
	l.mu.Lock()
	s := newSource(l, kindIO, handler)
	s.fd = rawFD
	s.interest = events
	s.owned = owned
	l.sources[rawFD] = s
	l.mu.Unlock()

	ev := unix.EpollEvent{Events: epollMask(events), Fd: int32(rawFD)}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, rawFD, &ev); err != nil {
		l.mu.Lock()
		delete(l.sources, rawFD)
		l.mu.Unlock()
		return nil, fmt.Errorf("eventloop: epoll_ctl add fd %d: %w", rawFD, err)
	}
	return s.ref(), nil
}

func epollMask(e Events) uint32 {
	var m uint32
	if e&Readable != 0 {
		m |= unix.EPOLLIN
	}
	if e&Writable != 0 {
		m |= unix.EPOLLOUT
	}
	return m
}

// Wait blocks until something is ready to dispatch, or returns Idle if a
// spurious wake occurred with nothing to do. It always drains the wake-up
// fd whenever that fd fired, so no spurious loops accumulate in its
// counter (§8).
func (l *Loop) Wait() (WaitOutcome, error) {
	timeout := l.nextTimeoutMs()

	n, err := unix.EpollWait(l.epfd, l.epollBuf, timeout)
	if err != nil {
		if err == unix.EINTR {
			return Idle, nil
		}
		return WaitError, fmt.Errorf("eventloop: epoll_wait: %w", err)
	}

	l.mu.Lock()
	for i := 0; i < n; i++ {
		ev := l.epollBuf[i]
		if int(ev.Fd) == l.wakeR {
			l.drainWake()
			continue
		}
		s, ok := l.sources[int(ev.Fd)]
		if !ok {
			continue
		}
		if ev.Events&(unix.EPOLLHUP|unix.EPOLLERR) != 0 {
			s.hupErr = true
		}
		l.ready = append(l.ready, s)
	}

	now := time.Now()
	for l.timers.Len() > 0 && !l.timers[0].deadline.After(now) {
		l.ready = append(l.ready, heap.Pop(&l.timers).(*Source))
	}

	l.ready = append(l.ready, l.pending...)
	l.pending = nil
	l.mu.Unlock()

	if len(l.ready) == 0 {
		return Idle, nil
	}
	return Ready, nil
}

func (l *Loop) nextTimeoutMs() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.pending) > 0 {
		return 0
	}
	if l.timers.Len() == 0 {
		return -1
	}
	d := time.Until(l.timers[0].deadline)
	if d <= 0 {
		return 0
	}
	ms := int(d / time.Millisecond)
	if ms == 0 {
		ms = 1
	}
	return ms
}

// Dispatch runs fired handlers, in unspecified order, and must only be
// called after Wait returned Ready.
func (l *Loop) Dispatch() (DispatchOutcome, error) {
	l.mu.Lock()
	ready := l.ready
	l.ready = nil
	l.mu.Unlock()

	for _, s := range ready {
		l.fire(s)
	}

	l.mu.Lock()
	exited := l.exited
	exitOK := l.exitOK
	l.mu.Unlock()
	if exited {
		if exitOK {
			return Exit, nil
		}
		return Exit, fmt.Errorf("eventloop: exited with failure status")
	}
	return Continue, nil
}

// fire dispatches one firing of s. Tasks and timers are one-shot and are
// permanently destroyed afterward. Triggers rearm to Disabled (at rest)
// without being destroyed, so Trigger() can fire them again later. I/O
// sources stay registered unless the handler explicitly disables them or
// the fd reported HUP/ERR, per §4.1's error handling.
func (l *Loop) fire(s *Source) {
	s.mu.Lock()
	if s.state == Disabled {
		s.mu.Unlock()
		return
	}
	k := s.kind
	hupErr := s.hupErr
	s.hupErr = false
	s.mu.Unlock()

	events := s.interest
	if hupErr {
		events |= closed
	}

	s.handler(s.ref(), events)

	switch {
	case k == kindIO && hupErr:
		l.disable(s)
	case k == kindTimer || k == kindTask:
		l.disable(s)
	case k == kindTrigger:
		s.mu.Lock()
		if s.state != Disabled {
			s.state = Disabled
		}
		s.mu.Unlock()
	}
}

// Exit requests cooperative termination; ok records success/failure for
// ExitStatus and for Dispatch's returned error.
func (l *Loop) Exit(ok bool) {
	l.mu.Lock()
	l.exited = true
	l.exitOK = ok
	l.mu.Unlock()
	l.wake()
}

// ExitStatus reports whether Exit was called, and with what status.
func (l *Loop) ExitStatus() (exited bool, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.exited, l.exitOK
}

func (l *Loop) disable(s *Source) {
	s.mu.Lock()
	if s.state == Disabled {
		s.mu.Unlock()
		return
	}
	s.state = Disabled
	kind, rawFD, owned := s.kind, s.fd, s.owned
	s.mu.Unlock()

	if kind == kindIO {
		l.mu.Lock()
		delete(l.sources, rawFD)
		l.mu.Unlock()
		unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, rawFD, nil)
		if owned != nil {
			owned.Close()
		}
	}

	s.runDestroyCallbacks()
	s.dropFloating()
}
