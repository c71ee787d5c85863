// Package portal implements C3: a typed facade over the container
// runtime's sandbox-spawning portal, reached through a busthread.Thread.
// It knows nothing about stub/external PID bookkeeping; that belongs to
// the supervisor (C4), which is the sole caller of this package.
package portal

import (
	"context"
	"fmt"

	"github.com/godbus/dbus/v5"

	"github.com/zypak/zypak-go/internal/busthread"
	"github.com/zypak/zypak-go/internal/fd"
)

const (
	busName    = "org.freedesktop.portal.Flatpak"
	objectPath = "/org/freedesktop/portal/Flatpak"
	iface      = "org.freedesktop.portal.Flatpak"
)

// SpawnFlags is the bitset accepted by Spawn.
type SpawnFlags uint32

const (
	ClearEnv SpawnFlags = 1 << iota
	SpawnLatest
	Sandbox
	NoNetwork
	WatchBus
	ExposePids
	EmitSpawnStarted
)

// SandboxFlags is the bitset carried in SpawnCall.Options.SandboxFlags.
type SandboxFlags uint32

const (
	ShareDisplay SandboxFlags = 1 << iota
	ShareSound
	ShareGpu
	SessionBus
	A11yBus
)

// Supports is the bitset returned by GetSupports.
type Supports uint32

const (
	SupportsExposePids Supports = 1 << iota
)

// Options is the portal-defined options map, §4.3.
type Options struct {
	SandboxFlags SandboxFlags
	ExposeRO     []*fd.Owned // opened O_PATH|O_NOFOLLOW by the caller
}

// SpawnCall is the full set of fields the portal's Spawn method accepts.
type SpawnCall struct {
	Cwd     []byte
	Argv    [][]byte
	FDs     *fd.Map // target fd -> caller-local fd, resolved to handles by Client
	Env     map[string]string
	Flags   SpawnFlags
	Options Options
}

// SpawnReply is either a successfully-spawned external PID or a
// structured invocation error.
type SpawnReply struct {
	ExternalPID uint32
	Err         error
}

// SpawnStartedEvent is delivered by subscribeSpawnStarted.
type SpawnStartedEvent struct {
	ExternalPID uint32
	InternalPID uint32
}

// SpawnExitedEvent is delivered by subscribeSpawnExited.
type SpawnExitedEvent struct {
	ExternalPID uint32
	ExitStatus  uint32
}

// Client is the typed facade. It holds no state of its own beyond the bus
// thread it was built with, since every request round-trips through the
// portal.
type Client struct {
	bus *busthread.Thread
}

// New wraps an already-started busthread.Thread.
func New(bus *busthread.Thread) *Client {
	return &Client{bus: bus}
}

// GetVersion reads the portal's "version" property synchronously.
func (c *Client) GetVersion() (uint32, error) {
	call, err := c.bus.CallBlocking(busName, objectPath, "org.freedesktop.DBus.Properties.Get",
		[]any{iface, "version"})
	if err != nil {
		return 0, fmt.Errorf("portal: GetVersion: %w", err)
	}
	var v dbus.Variant
	if err := call.Store(&v); err != nil {
		return 0, fmt.Errorf("portal: GetVersion: decoding reply: %w", err)
	}
	ver, ok := v.Value().(uint32)
	if !ok {
		return 0, fmt.Errorf("portal: GetVersion: unexpected property type %T", v.Value())
	}
	return ver, nil
}

// GetSupports reads the portal's "supports" property synchronously.
func (c *Client) GetSupports() (Supports, error) {
	call, err := c.bus.CallBlocking(busName, objectPath, "org.freedesktop.DBus.Properties.Get",
		[]any{iface, "supports"})
	if err != nil {
		return 0, fmt.Errorf("portal: GetSupports: %w", err)
	}
	var v dbus.Variant
	if err := call.Store(&v); err != nil {
		return 0, fmt.Errorf("portal: GetSupports: decoding reply: %w", err)
	}
	raw, ok := v.Value().(uint32)
	if !ok {
		return 0, fmt.Errorf("portal: GetSupports: unexpected property type %T", v.Value())
	}
	return Supports(raw), nil
}

func marshalOptions(opts Options) (map[string]dbus.Variant, []int) {
	out := map[string]dbus.Variant{
		"sandbox-flags": dbus.MakeVariant(uint32(opts.SandboxFlags)),
	}
	var fds []int
	if len(opts.ExposeRO) > 0 {
		handles := make([]uint32, len(opts.ExposeRO))
		for i, owned := range opts.ExposeRO {
			handles[i] = uint32(len(fds))
			fds = append(fds, owned.FD())
		}
		out["expose-pids"] = dbus.MakeVariant(handles)
	}
	return out, fds
}

func marshalSpawnArgs(call SpawnCall) ([]any, []int, error) {
	if len(call.Cwd) == 0 {
		return nil, nil, fmt.Errorf("portal: SpawnCall.Cwd must be non-empty")
	}
	if len(call.Argv) == 0 {
		return nil, nil, fmt.Errorf("portal: SpawnCall.Argv must be non-empty")
	}

	fdMap := map[uint32]dbus.UnixFDIndex{}
	var attachedFDs []int
	if call.FDs != nil {
		for _, a := range call.FDs.Assignments() {
			fdMap[uint32(a.Target)] = dbus.UnixFDIndex(len(attachedFDs))
			attachedFDs = append(attachedFDs, a.Source)
		}
	}

	optVariants, exposeFDs := marshalOptions(call.Options)
	base := len(attachedFDs)
	for k, idx := range optVariants {
		if k == "expose-pids" {
			handles := idx.Value().([]uint32)
			for i := range handles {
				handles[i] += uint32(base)
			}
			optVariants[k] = dbus.MakeVariant(handles)
		}
	}
	attachedFDs = append(attachedFDs, exposeFDs...)

	env := call.Env
	if env == nil {
		env = map[string]string{}
	}

	return []any{
		call.Cwd,
		call.Argv,
		fdMap,
		env,
		uint32(call.Flags),
		optVariants,
	}, attachedFDs, nil
}

// Spawn issues a blocking Spawn call and waits for the portal's reply.
func (c *Client) Spawn(call SpawnCall) SpawnReply {
	args, _, err := marshalSpawnArgs(call)
	if err != nil {
		return SpawnReply{Err: err}
	}
	dbusCall, err := c.bus.CallBlocking(busName, objectPath, iface+".Spawn", args)
	if err != nil {
		return SpawnReply{Err: fmt.Errorf("portal: Spawn: %w", err)}
	}
	var pid uint32
	if err := dbusCall.Store(&pid); err != nil {
		return SpawnReply{Err: fmt.Errorf("portal: Spawn: decoding reply: %w", err)}
	}
	return SpawnReply{ExternalPID: pid}
}

// SpawnAsync issues an async Spawn call; handler runs on the bus thread's
// worker goroutine once the reply (or an error) arrives.
func (c *Client) SpawnAsync(call SpawnCall, handler func(SpawnReply)) error {
	args, _, err := marshalSpawnArgs(call)
	if err != nil {
		handler(SpawnReply{Err: err})
		return nil
	}
	return c.bus.CallAsync(busName, objectPath, iface+".Spawn", args, func(dc *dbus.Call) {
		if dc.Err != nil {
			handler(SpawnReply{Err: fmt.Errorf("portal: Spawn: %w", dc.Err)})
			return
		}
		var pid uint32
		if err := dc.Store(&pid); err != nil {
			handler(SpawnReply{Err: fmt.Errorf("portal: Spawn: decoding reply: %w", err)})
			return
		}
		handler(SpawnReply{ExternalPID: pid})
	})
}

// SpawnSignal delivers signum to the external process previously returned
// by Spawn.
func (c *Client) SpawnSignal(externalPID uint32, signum int32) error {
	_, err := c.bus.CallBlocking(busName, objectPath, iface+".SpawnSignal",
		[]any{externalPID, signum, false})
	if err != nil {
		return fmt.Errorf("portal: SpawnSignal: %w", err)
	}
	return nil
}

// SubscribeSpawnStarted registers handler for every SpawnStarted signal on
// the portal object.
func (c *Client) SubscribeSpawnStarted(ctx context.Context, handler func(SpawnStartedEvent)) {
	c.bus.AddMatchRule(
		fmt.Sprintf("type='signal',interface='%s',member='SpawnStarted'", iface),
		func(err error) {
			// Logged by the caller via the bus thread's own error channel;
			// a broken match rule degrades to "no events delivered".
		})
	c.bus.Subscribe(func(sig *dbus.Signal) {
		if sig.Name != iface+".SpawnStarted" || len(sig.Body) != 2 {
			return
		}
		ext, ok1 := sig.Body[0].(uint32)
		internal, ok2 := sig.Body[1].(uint32)
		if !ok1 || !ok2 {
			return
		}
		handler(SpawnStartedEvent{ExternalPID: ext, InternalPID: internal})
	})
}

// SubscribeSpawnExited registers handler for every SpawnExited signal on
// the portal object.
func (c *Client) SubscribeSpawnExited(ctx context.Context, handler func(SpawnExitedEvent)) {
	c.bus.AddMatchRule(
		fmt.Sprintf("type='signal',interface='%s',member='SpawnExited'", iface),
		func(err error) {})
	c.bus.Subscribe(func(sig *dbus.Signal) {
		if sig.Name != iface+".SpawnExited" || len(sig.Body) != 2 {
			return
		}
		ext, ok1 := sig.Body[0].(uint32)
		status, ok2 := sig.Body[1].(uint32)
		if !ok1 || !ok2 {
			return
		}
		handler(SpawnExitedEvent{ExternalPID: ext, ExitStatus: status})
	})
}
