// Package supervisor implements C4: the in-engine service that accepts
// spawn requests from stub processes over a private local socket, forwards
// them to the container portal, tracks per-child state, and exposes
// synchronous kill/wait semantics to syscall-preload shims.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/goombaio/namegenerator"

	"github.com/zypak/zypak-go/internal/eventloop"
	"github.com/zypak/zypak-go/internal/fd"
	"github.com/zypak/zypak-go/internal/guard"
	"github.com/zypak/zypak-go/internal/pid"
	"github.com/zypak/zypak-go/internal/portal"
)

// debugNames generates a friendly per-StubPid name for log correlation;
// never parsed, only ever logged.
var debugNames = namegenerator.NewNameGenerator(time.Now().UTC().UnixNano())

// RequestFD is the well-known kSupervisorFd descriptor number inherited by
// the engine's children.
const RequestFD = 235

const maxRequestBytes = 64 * 1024

// ExitState is the outcome of a non-blocking or blocking status query.
type ExitState int

const (
	Ok ExitState = iota
	NotFound
	TryLater
	Failed
)

// entry is one tracked child, keyed by its stub PID.
type entry struct {
	stub       pid.Stub
	debugName  string
	corrID     string // correlates log lines for this spawn across the portal round trip
	external   *uint32
	internal   *uint32
	exitStatus *uint32
	notifyExit *fd.Owned
	exposeRO   []*fd.Owned
}

// Policy carries the globally-configured constraints §4.4 checks incoming
// requests against.
type Policy struct {
	SandboxRequiredGlobally bool
	AllowedExposedPath      string // empty means "no exposed path permitted"
}

// Supervisor is instantiated once per engine host process.
type Supervisor struct {
	loop    *eventloop.Loop
	portal  *portal.Client
	policy  Policy
	reqSock int

	table        *guard.Value[map[pid.Stub]*entry]
	externalIdx  *guard.Value[map[uint32]pid.Stub]
}

// New constructs a Supervisor bound to loop (the bus thread's reactor) and
// reqSock, the supervisor's end of the well-known request socket pair.
func New(loop *eventloop.Loop, client *portal.Client, reqSock int, policy Policy) *Supervisor {
	return &Supervisor{
		loop:        loop,
		portal:      client,
		policy:      policy,
		reqSock:     reqSock,
		table:       guard.New(map[pid.Stub]*entry{}),
		externalIdx: guard.New(map[uint32]pid.Stub{}),
	}
}

// Start enables SO_PASSCRED on the request socket, registers it with the
// event loop, and subscribes to the portal's SpawnStarted/SpawnExited
// signals.
func (s *Supervisor) Start(ctx context.Context) error {
	if err := fd.SetPassCred(s.reqSock); err != nil {
		return fmt.Errorf("supervisor: enabling SO_PASSCRED: %w", err)
	}
	if _, err := s.loop.AddFD(s.reqSock, eventloop.Readable, s.onRequestReadable); err != nil {
		return fmt.Errorf("supervisor: registering request socket: %w", err)
	}
	s.portal.SubscribeSpawnStarted(ctx, s.onSpawnStarted)
	s.portal.SubscribeSpawnExited(ctx, s.onSpawnExited)
	return nil
}

func (s *Supervisor) onRequestReadable(ref *eventloop.SourceRef, events eventloop.Events) {
	res, err := fd.Read(s.reqSock, maxRequestBytes)
	if err != nil {
		slog.Warn("supervisor.onRequestReadable: read failed", "error", err)
		return
	}
	if len(res.Data) < len(spawnSentinel) || string(res.Data[:len(spawnSentinel)]) != string(spawnSentinel) {
		slog.Warn("supervisor.onRequestReadable: unrecognised request, dropping", "bytes", len(res.Data))
		return
	}
	if len(res.ReceivedFDs) == 0 {
		slog.Warn("supervisor.onRequestReadable: SPAWN request carried no peer socket")
		return
	}
	peerSock := res.ReceivedFDs[0]
	extraFDs := res.ReceivedFDs[1:]
	if !res.HasPeerCreds {
		slog.Warn("supervisor.onRequestReadable: SPAWN request carried no peer credentials")
		syscallClose(peerSock)
		return
	}
	s.handleSpawnRequest(pid.Stub(res.PeerPID), peerSock, extraFDs)
}

func syscallClose(f int) { syscall.Close(f) }

// handleSpawnRequest reads the request body off peerSock (a freshly
// received socket, distinct from the shared request socket) and, if it
// passes validation, issues the portal spawn.
func (s *Supervisor) handleSpawnRequest(stub pid.Stub, peerSock int, extraFDs []int) {
	// peerSock becomes the stub's notify_exit back-channel on success; any
	// early return below must close it explicitly since ownership has not
	// yet transferred to a *fd.Owned.
	bodyRes, err := fd.Read(peerSock, maxRequestBytes)
	if err != nil {
		slog.Warn("supervisor.handleSpawnRequest: reading body", "stub", stub, "error", err)
		syscallClose(peerSock)
		return
	}

	body, err := parseRequestBody(bodyRes.Data, len(extraFDs))
	if err != nil {
		slog.Warn("supervisor.handleSpawnRequest: malformed body", "stub", stub, "error", err)
		syscallClose(peerSock)
		return
	}

	if err := s.validate(body); err != nil {
		slog.Warn("supervisor.handleSpawnRequest: rejected", "stub", stub, "error", err)
		syscallClose(peerSock)
		return
	}

	notifyExit := fd.New(peerSock)

	fdMap := fd.NewMap()
	for i, target := range body.TargetFDs {
		if i >= len(extraFDs) {
			break
		}
		fdMap.Add(fd.Assignment{Target: int(target), Source: extraFDs[i]})
	}

	var exposeRO []*fd.Owned
	for _, p := range body.ExposedPaths {
		owned, err := openExposeRO(p)
		if err != nil {
			slog.Warn("supervisor.handleSpawnRequest: opening exposed path", "path", p, "error", err)
			continue
		}
		exposeRO = append(exposeRO, owned)
	}

	e := &entry{
		stub:       stub,
		notifyExit: notifyExit,
		exposeRO:   exposeRO,
		debugName:  debugNames.Generate(),
		corrID:     uuid.NewString(),
	}
	s.table.Release(guard.NotifyNone, func(m *map[pid.Stub]*entry) {
		(*m)[stub] = e
	})
	slog.Debug("supervisor: tracking new stub", "stub", stub, "name", e.debugName, "corr_id", e.corrID)

	call := portal.SpawnCall{
		Argv:  body.Argv,
		FDs:   fdMap,
		Env:   body.Env,
		Flags: portal.SpawnFlags(body.SpawnFlags),
		Options: portal.Options{
			SandboxFlags: portal.SandboxFlags(body.SandboxFlags),
			ExposeRO:     exposeRO,
		},
	}
	if len(call.Cwd) == 0 {
		call.Cwd = []byte(".")
	}

	s.portal.SpawnAsync(call, func(reply portal.SpawnReply) {
		if reply.Err != nil {
			slog.Warn("supervisor: portal spawn failed", "stub", stub, "corr_id", e.corrID, "error", reply.Err)
			s.removeEntry(stub)
			return
		}
		s.table.Release(guard.NotifyNone, func(m *map[pid.Stub]*entry) {
			if ent, ok := (*m)[stub]; ok {
				ext := reply.ExternalPID
				ent.external = &ext
			}
		})
		s.externalIdx.Release(guard.NotifyNone, func(m *map[uint32]pid.Stub) {
			(*m)[reply.ExternalPID] = stub
		})
	})
}

// validate enforces §4.4's sanity checks.
func (s *Supervisor) validate(body requestBody) error {
	const allowedSpawnFlags = uint32(portal.ExposePids | portal.EmitSpawnStarted | portal.NoNetwork | portal.Sandbox | portal.WatchBus)
	if body.SpawnFlags&^allowedSpawnFlags != 0 {
		return fmt.Errorf("spawn flags %#x exceed allowed set", body.SpawnFlags)
	}
	const allowedSandboxFlags = uint32(portal.ShareGpu)
	if body.SandboxFlags&^allowedSandboxFlags != 0 {
		return fmt.Errorf("sandbox flags %#x exceed allowed set", body.SandboxFlags)
	}
	if s.policy.SandboxRequiredGlobally && body.SpawnFlags&uint32(portal.Sandbox) == 0 {
		return fmt.Errorf("global sandbox policy requires the Sandbox flag")
	}
	if len(body.ExposedPaths) > 0 {
		if len(body.ExposedPaths) != 1 || body.ExposedPaths[0] != s.policy.AllowedExposedPath || s.policy.AllowedExposedPath == "" {
			return fmt.Errorf("exposed paths must be empty or exactly %q", s.policy.AllowedExposedPath)
		}
	}
	return nil
}

func openExposeRO(path string) (*fd.Owned, error) {
	raw, err := syscallOpenPathNoFollow(path)
	if err != nil {
		return nil, err
	}
	return fd.New(raw), nil
}

// GetExitStatus is the non-blocking status query used by preload shims.
func (s *Supervisor) GetExitStatus(stub pid.Stub) (uint32, ExitState) {
	result := s.table.With(func(m *map[pid.Stub]*entry) any {
		ent, ok := (*m)[stub]
		if !ok {
			return NotFound
		}
		if ent.exitStatus == nil {
			return TryLater
		}
		return *ent.exitStatus
	})
	switch v := result.(type) {
	case ExitState:
		return 0, v
	case uint32:
		s.reap(stub)
		return v, Ok
	default:
		return 0, Failed
	}
}

// WaitForExitStatus blocks until the child is known dead, then reaps it.
func (s *Supervisor) WaitForExitStatus(stub pid.Stub) (uint32, ExitState) {
	result := s.table.WaitUntil(
		func(m *map[pid.Stub]*entry) bool {
			ent, ok := (*m)[stub]
			return !ok || ent.exitStatus != nil
		},
		func(m *map[pid.Stub]*entry) any {
			ent, ok := (*m)[stub]
			if !ok {
				return NotFound
			}
			return *ent.exitStatus
		})
	switch v := result.(type) {
	case ExitState:
		return 0, v
	case uint32:
		s.reap(stub)
		return v, Ok
	default:
		return 0, Failed
	}
}

// SendSignal delivers signum through the portal if stub is tracked.
func (s *Supervisor) SendSignal(stub pid.Stub, signum int32) ExitState {
	var external uint32
	found := s.table.With(func(m *map[pid.Stub]*entry) any {
		ent, ok := (*m)[stub]
		if !ok || ent.external == nil {
			return false
		}
		external = *ent.external
		return true
	}).(bool)
	if !found {
		return NotFound
	}
	if err := s.portal.SpawnSignal(external, signum); err != nil {
		slog.Warn("supervisor.SendSignal: portal call failed", "stub", stub, "error", err)
		return Failed
	}
	return Ok
}

// FindInternalPIDBlocking blocks until SpawnStarted has populated the
// internal PID for stub.
func (s *Supervisor) FindInternalPIDBlocking(stub pid.Stub) (uint32, ExitState) {
	result := s.table.WaitUntil(
		func(m *map[pid.Stub]*entry) bool {
			ent, ok := (*m)[stub]
			return !ok || ent.internal != nil
		},
		func(m *map[pid.Stub]*entry) any {
			ent, ok := (*m)[stub]
			if !ok {
				return NotFound
			}
			return *ent.internal
		})
	switch v := result.(type) {
	case ExitState:
		return 0, v
	case uint32:
		return v, Ok
	default:
		return 0, Failed
	}
}

func (s *Supervisor) onSpawnStarted(ev portal.SpawnStartedEvent) {
	stub, ok := s.externalIdx.Get()[ev.ExternalPID]
	if !ok {
		slog.Warn("supervisor: SpawnStarted for unmatched external pid", "external", ev.ExternalPID)
		return
	}
	s.table.Release(guard.NotifyAll, func(m *map[pid.Stub]*entry) {
		if ent, ok := (*m)[stub]; ok {
			internal := ev.InternalPID
			ent.internal = &internal
		}
	})
}

func (s *Supervisor) onSpawnExited(ev portal.SpawnExitedEvent) {
	stub, ok := s.externalIdx.Get()[ev.ExternalPID]
	if !ok {
		slog.Warn("supervisor: SpawnExited for unmatched external pid", "external", ev.ExternalPID)
		return
	}
	var notifyExit *fd.Owned
	s.table.Release(guard.NotifyAll, func(m *map[pid.Stub]*entry) {
		ent, ok := (*m)[stub]
		if !ok {
			return
		}
		status := ev.ExitStatus
		ent.exitStatus = &status
		notifyExit = ent.notifyExit
	})
	if notifyExit != nil {
		writeExitNotification(stub, notifyExit)
	}
}

// writeExitNotification implements the reap trigger of §4.4: write EXIT on
// the back-channel so the stub knows it may terminate; force-kill it if
// that write fails.
func writeExitNotification(stub pid.Stub, notifyExit *fd.Owned) {
	if err := fd.Write(notifyExit.FD(), exitSentinel, nil); err != nil {
		slog.Warn("supervisor: notify_exit write failed, force-killing stub", "stub", stub, "error", err)
		syscall.Kill(int(stub), syscall.SIGKILL)
	}
}

// reap joins the stub with waitpid and removes its table entry. Called
// after exit status has been observed and delivered to a caller.
func (s *Supervisor) reap(stub pid.Stub) {
	var ws syscall.WaitStatus
	syscall.Wait4(int(stub), &ws, 0, nil)
	s.removeEntry(stub)
}

func (s *Supervisor) removeEntry(stub pid.Stub) {
	var external *uint32
	s.table.Release(guard.NotifyAll, func(m *map[pid.Stub]*entry) {
		if ent, ok := (*m)[stub]; ok {
			external = ent.external
			if ent.notifyExit != nil {
				ent.notifyExit.Close()
			}
			for _, owned := range ent.exposeRO {
				owned.Close()
			}
		}
		delete(*m, stub)
	})
	if external != nil {
		s.externalIdx.Release(guard.NotifyNone, func(m *map[uint32]pid.Stub) {
			delete(*m, *external)
		})
	}
}
