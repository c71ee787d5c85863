package broker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"syscall"
	"time"

	"github.com/zypak/zypak-go/internal/eventloop"
	zfd "github.com/zypak/zypak-go/internal/fd"
	"github.com/zypak/zypak-go/internal/launcher"
	"github.com/zypak/zypak-go/internal/pid"
	"github.com/zypak/zypak-go/internal/supervisor"
)

// reapDelay is how long the broker waits for a natural exit before
// escalating to SIGKILL, per §4.5.
const reapDelay = 2 * time.Second

// Strategy selects how Fork is actually carried out.
type Strategy int

const (
	MimicStrategy Strategy = iota
	SpawnStrategy
)

// Delegate is the strategy-specific implementation of "turn a Fork
// request into a running child", supplied by the launcher (C6).
type Delegate interface {
	// Fork starts the child described by req (already policy-adjusted by
	// the launcher) and returns its externally-visible PID -- a stub PID
	// for the spawn strategy, a real local PID for the mimic strategy.
	Fork(ctx context.Context, req ForkRequest, pidOracle *zfd.Owned, extraFDs map[int]*zfd.Owned) (pid.Stub, error)
}

// buildExtraFiles lays out the FDs a Fork request's delegate must hand to
// exec.Cmd.ExtraFiles. Go always renumbers ExtraFiles to consecutive child
// FDs starting at 3, so each target's local (child-side, pre-relabeling)
// number is simply its position; the pid-oracle is placed last since
// nothing downstream needs it at a specific number, per
// HandleFork/SpawnZygoteChild's fd_map (which excludes the pid-oracle
// entirely -- only the FD-keyed entries and the synthesized sandbox-service
// entry are forwarded).
func buildExtraFiles(pidOracle *zfd.Owned, extraFDs map[int]*zfd.Owned) ([]*os.File, *zfd.Map) {
	targets := make([]int, 0, len(extraFDs))
	for target := range extraFDs {
		targets = append(targets, target)
	}
	sort.Ints(targets)

	fdMap := zfd.NewMap()
	files := make([]*os.File, 0, len(targets)+1)
	for _, target := range targets {
		local := fdTargetBase + len(files)
		files = append(files, os.NewFile(uintptr(extraFDs[target].Release()), fmt.Sprintf("fd-%d", target)))
		_ = fdMap.Add(zfd.Assignment{Target: target, Source: local})
	}
	if pidOracle != nil {
		files = append(files, os.NewFile(uintptr(pidOracle.Release()), "pid-oracle"))
	}
	return files, fdMap
}

// MimicDelegate implements the mimic strategy: real local fork+exec of a
// flatpak-spawn wrapper, confirmed by the child's successful exec rather
// than a manual CHILD_PING write -- Go's runtime does not allow arbitrary
// code to run in a forked child before exec, so exec.Cmd.Start's own
// fork+exec failure/success return already serves as the liveness signal
// the original CHILD_PING handshake existed to provide.
type MimicDelegate struct {
	HelperPath string
	FlatpakBin string
	Config     launcher.Config
}

func (d *MimicDelegate) Fork(ctx context.Context, req ForkRequest, pidOracle *zfd.Owned, extraFDs map[int]*zfd.Owned) (pid.Stub, error) {
	files, fdMap := buildExtraFiles(pidOracle, extraFDs)
	plan := d.Config.Plan(req.Argv, fdMap, d.HelperPath)
	argv := launcher.BuildFlatpakSpawnArgv(plan, d.FlatpakBin)

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	cmd.ExtraFiles = files
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("broker: mimic fork exec failed: %w", err)
	}
	return pid.Stub(cmd.Process.Pid), nil
}

// SpawnDelegate implements the spawn strategy: the broker still forks
// locally to produce a lightweight stub process, but execs the helper
// wrapper directly rather than flatpak-spawn. The stub's own contact with
// Sup (opening "SPAWN\0" on the well-known request FD) happens through the
// preload shim inside the exec'd helper, which is out of scope here; Sup
// is still required at Fork time, since spawning a stub that a supervisor
// can never answer would leak a process nothing reaps.
type SpawnDelegate struct {
	HelperPath string
	Sup        *supervisor.Supervisor
	Config     launcher.Config
}

func (d *SpawnDelegate) Fork(ctx context.Context, req ForkRequest, pidOracle *zfd.Owned, extraFDs map[int]*zfd.Owned) (pid.Stub, error) {
	if d.Sup == nil {
		return 0, fmt.Errorf("broker: spawn-strategy delegate has no running supervisor")
	}

	files, fdMap := buildExtraFiles(pidOracle, extraFDs)
	plan := d.Config.Plan(req.Argv, fdMap, d.HelperPath)

	cmd := exec.CommandContext(ctx, plan.HelperArgv[0], plan.HelperArgv[1:]...)
	cmd.ExtraFiles = files
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("broker: spawn-strategy stub exec failed: %w", err)
	}
	return pid.Stub(cmd.Process.Pid), nil
}

// Broker implements the Zygote wire protocol on ZygoteHostFD.
type Broker struct {
	loop     *eventloop.Loop
	sock     int
	strategy Strategy
	delegate Delegate
	sup      *supervisor.Supervisor // non-nil only under SpawnStrategy

	tracked map[pid.Stub]struct{}
}

// New constructs a Broker bound to loop and sock (ZygoteHostFD).
func New(loop *eventloop.Loop, sock int, strategy Strategy, delegate Delegate, sup *supervisor.Supervisor) *Broker {
	return &Broker{
		loop:     loop,
		sock:     sock,
		strategy: strategy,
		delegate: delegate,
		sup:      sup,
		tracked:  map[pid.Stub]struct{}{},
	}
}

// Start performs the ZYGOTE_BOOT/ZYGOTE_OK handshake and registers the
// Zygote-host socket with the event loop, per RunZygote.
func (b *Broker) Start(ctx context.Context) error {
	if err := b.writeBootHandshake(); err != nil {
		return err
	}

	_, err := b.loop.AddFD(b.sock, eventloop.Readable, func(ref *eventloop.SourceRef, events eventloop.Events) {
		b.onReadable(ctx)
	})
	if err != nil {
		return fmt.Errorf("broker: registering zygote-host socket: %w", err)
	}
	return nil
}

func (b *Broker) writeBootHandshake() error {
	for _, msg := range []string{bootMessage, helloMessage} {
		if err := zfd.Write(b.sock, []byte(msg), nil); err != nil {
			return fmt.Errorf("broker: writing boot handshake: %w", err)
		}
	}
	return nil
}

func (b *Broker) onReadable(ctx context.Context) {
	res, err := zfd.Read(b.sock, maxFrameBytes)
	if err != nil {
		slog.Warn("broker.onReadable: read failed", "error", err)
		return
	}
	if len(res.Data) == 0 {
		return
	}
	cmd := Command(res.Data[0])
	body := res.Data[1:]

	switch cmd {
	case CmdFork:
		b.handleFork(ctx, body, res.ReceivedFDs)
	case CmdReap:
		b.handleReap(body)
	case CmdGetTerminationStatus:
		b.handleTerminationStatus(body)
	case CmdSandboxStatus:
		b.handleSandboxStatus()
	case CmdForkRealPID:
		// ForkRealPID only ever belongs inline in handleFork's own
		// blocking re-read, immediately after a successful Fork. Seeing
		// it here means the host sent it out of turn; treat it as a
		// protocol violation and stop the broker, mirroring
		// HandleZygoteMessage's "Got kForkRealPID in main command runner".
		slog.Error("broker.onReadable: ForkRealPID received outside a pending fork confirmation")
		b.loop.Exit(false)
	default:
		slog.Warn("broker.onReadable: unrecognised command", "cmd", cmd)
	}
}

// handleFork parses and executes a Fork request, then blocks -- via
// confirmForkRealPID -- on the host's ForkRealPID confirmation before ever
// replying, exactly as SpawnZygoteChild's TestChildPidFromHost call does
// before HandleFork returns. Exactly one Fork reply is written regardless
// of outcome.
func (b *Broker) handleFork(ctx context.Context, body []byte, receivedFDs []int) {
	req, err := ParseForkRequest(body)
	if err != nil {
		slog.Warn("broker.handleFork: malformed request", "error", err)
		b.replyFork(-1, err.Error())
		return
	}
	if len(receivedFDs) == 0 {
		slog.Warn("broker.handleFork: no pid-oracle fd received")
		b.replyFork(-1, "no pid-oracle fd received")
		return
	}
	pidOracle := zfd.New(receivedFDs[0])

	extraFDs := map[int]*zfd.Owned{}
	for i, key := range req.FDKeys {
		if i+1 >= len(receivedFDs) {
			break
		}
		target := ResolveFDTarget(key)
		extraFDs[target] = zfd.New(receivedFDs[i+1])
	}

	stub, err := b.delegate.Fork(ctx, req, pidOracle, extraFDs)
	if err != nil {
		slog.Warn("broker.handleFork: delegate fork failed", "type", req.ProcessType, "error", err)
		b.replyFork(-1, err.Error())
		return
	}

	if !b.confirmForkRealPID(stub) {
		slog.Warn("broker.handleFork: ForkRealPID confirmation missing or mismatched, killing child", "pid", stub)
		b.killUnconfirmedChild(stub)
		b.replyFork(-1, "")
		return
	}

	b.tracked[stub] = struct{}{}
	b.replyFork(int32(stub), "")
}

// confirmForkRealPID performs the inline blocking re-read TestChildPidFromHost
// does: the very next message on the Zygote-host socket must be a
// ForkRealPID naming stub, or the fork is considered unconfirmed.
func (b *Broker) confirmForkRealPID(stub pid.Stub) bool {
	res, err := zfd.Read(b.sock, maxFrameBytes)
	if err != nil || len(res.Data) == 0 {
		slog.Warn("broker.confirmForkRealPID: read failed", "error", err)
		return false
	}
	if Command(res.Data[0]) != CmdForkRealPID {
		slog.Warn("broker.confirmForkRealPID: expected ForkRealPID, got different command", "cmd", Command(res.Data[0]))
		return false
	}
	confirmed, err := ParseReapRequest(res.Data[1:]) // same u32-pid shape
	if err != nil {
		slog.Warn("broker.confirmForkRealPID: malformed body", "error", err)
		return false
	}
	return pid.Stub(confirmed.PID) == stub
}

// killUnconfirmedChild terminates and reaps a child whose ForkRealPID
// confirmation never arrived. Under the spawn strategy the child is shadowed
// by the supervisor, so the kill goes through the portal's SpawnSignal
// rather than a raw local signal, matching the "forced kill via supervisor"
// path the supervisor otherwise uses for preload-shim-initiated kills.
func (b *Broker) killUnconfirmedChild(stub pid.Stub) {
	if b.strategy == SpawnStrategy && b.sup != nil {
		if b.sup.SendSignal(stub, int32(syscall.SIGKILL)) == supervisor.Ok {
			return
		}
		slog.Warn("broker.killUnconfirmedChild: supervisor signal failed, falling back to direct kill", "pid", stub)
	}
	syscall.Kill(int(stub), syscall.SIGKILL)
	var ws syscall.WaitStatus
	syscall.Wait4(int(stub), &ws, 0, nil)
}

func (b *Broker) replyFork(childPID int32, umaString string) {
	reply, err := EncodeForkReply(childPID, umaString)
	if err != nil {
		slog.Error("broker.handleFork: encoding reply", "error", err)
		return
	}
	if err := zfd.Write(b.sock, reply, nil); err != nil {
		slog.Error("broker.handleFork: writing reply", "error", err)
	}
}

func (b *Broker) handleReap(body []byte) {
	req, err := ParseReapRequest(body)
	if err != nil {
		slog.Warn("broker.handleReap: malformed body", "error", err)
		return
	}
	b.scheduleReap(pid.Stub(req.PID))
}

// scheduleReap arranges one delayed-reap attempt: wait for natural exit
// via waitpid(WNOHANG); if still alive, SIGKILL and reschedule. Each
// attempt is one timer source, so the reactor is never blocked waiting.
func (b *Broker) scheduleReap(target pid.Stub) {
	b.loop.AddTimerMs(int(reapDelay/time.Millisecond), func(ref *eventloop.SourceRef, _ eventloop.Events) {
		var ws syscall.WaitStatus
		got, err := syscall.Wait4(int(target), &ws, syscall.WNOHANG, nil)
		if err == nil && got == int(target) {
			delete(b.tracked, target)
			return
		}
		syscall.Kill(int(target), syscall.SIGKILL)
		b.scheduleReap(target)
	})
}

func (b *Broker) handleTerminationStatus(body []byte) {
	req, err := ParseTerminationStatusRequest(body)
	if err != nil {
		slog.Warn("broker.handleTerminationStatus: malformed body", "error", err)
		return
	}

	var ws syscall.WaitStatus
	var flags int
	if !req.KnownDead {
		flags = syscall.WNOHANG
	}
	got, werr := syscall.Wait4(int(req.PID), &ws, flags, nil)

	var tag StatusTag
	var raw int32
	switch {
	case werr != nil || (got == 0 && !req.KnownDead):
		tag = Running
	default:
		tag = MapWStatus(req.KnownDead, ws.Exited(), ws.ExitStatus(), ws.Signaled(), int(ws.Signal()))
		raw = int32(ws)
	}

	reply, err := EncodeTerminationStatusReply(TerminationStatusReply{Tag: tag, RawWStatus: raw})
	if err != nil {
		slog.Error("broker.handleTerminationStatus: encoding reply", "error", err)
		return
	}
	if err := zfd.Write(b.sock, reply, nil); err != nil {
		slog.Error("broker.handleTerminationStatus: writing reply", "error", err)
	}
}

func (b *Broker) handleSandboxStatus() {
	caps := CapSUID | CapPIDNS | CapNetNS | CapBPF | CapBPFTSync
	if err := zfd.Write(b.sock, EncodeSandboxStatusReply(caps), nil); err != nil {
		slog.Error("broker.handleSandboxStatus: writing reply", "error", err)
	}
}
