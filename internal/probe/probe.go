// Package probe implements C7: the runtime capability probe that decides
// between spawn strategy and mimic strategy once per engine host process.
package probe

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/zypak/zypak-go/internal/portal"
	"github.com/zypak/zypak-go/internal/zyenv"
)

// Strategy mirrors broker.Strategy without importing it, to keep probe
// from depending on the broker package.
type Strategy int

const (
	MimicStrategy Strategy = iota
	SpawnStrategy
)

const minPortalVersion = 4

// canaryWaitTimeout bounds how long the probe waits for the canary
// spawn's SpawnExited before giving up and falling back to mimic.
const canaryWaitTimeout = 5 * time.Second

// DeviceGrants reports whether the container manifest grants a
// capability; callers supply this from their own manifest-reading code,
// which is outside this package's concerns.
type DeviceGrants interface {
	HasAllDevices() bool
}

var (
	group singleflight.Group

	// decided memoizes the first probe's outcome for the process lifetime.
	decided struct {
		sync.Mutex
		done     bool
		strategy Strategy
		err      error
	}
)

// Decide runs the probe exactly once per process (subsequent calls,
// including concurrent ones, share the first call's result via
// singleflight), per §4.7's decision rules.
func Decide(ctx context.Context, client *portal.Client, grants DeviceGrants) (Strategy, error) {
	v, err, _ := group.Do("zygote-strategy", func() (any, error) {
		decided.Lock()
		defer decided.Unlock()
		if !decided.done {
			decided.strategy, decided.err = decideOnce(ctx, client, grants)
			decided.done = true
		}
		return decided.strategy, decided.err
	})
	if err != nil {
		return MimicStrategy, err
	}
	return v.(Strategy), nil
}

func decideOnce(ctx context.Context, client *portal.Client, grants DeviceGrants) (Strategy, error) {
	if override := zyenv.ZygoteStrategyOverride(); override != zyenv.StrategyUnset {
		if override == zyenv.StrategyForceSpawn {
			return SpawnStrategy, nil
		}
		return MimicStrategy, nil
	}

	version, err := client.GetVersion()
	if err != nil {
		return MimicStrategy, fmt.Errorf("probe: querying portal version: %w", err)
	}
	if version < minPortalVersion {
		return MimicStrategy, nil
	}

	supports, err := client.GetSupports()
	if err != nil {
		return MimicStrategy, fmt.Errorf("probe: querying portal supports: %w", err)
	}
	if supports&portal.SupportsExposePids == 0 {
		return MimicStrategy, nil
	}

	if grants != nil && grants.HasAllDevices() {
		ok, err := runCanary(ctx, client)
		if err != nil {
			return MimicStrategy, fmt.Errorf("probe: canary spawn: %w", err)
		}
		if !ok {
			return MimicStrategy, nil
		}
	}

	return SpawnStrategy, nil
}

// runCanary spawns /bin/true under the flags the real spawn path would
// use and waits for its exit status to detect the known
// ExposePids+device-all portal bug described in §4.7.
func runCanary(ctx context.Context, client *portal.Client) (bool, error) {
	done := make(chan portal.SpawnExitedEvent, 1)

	reply := client.Spawn(portal.SpawnCall{
		Cwd:   []byte("/"),
		Argv:  [][]byte{[]byte("/bin/true")},
		Flags: portal.Sandbox | portal.ExposePids | portal.WatchBus,
	})
	if reply.Err != nil {
		return false, reply.Err
	}

	var unsub func()
	unsub = subscribeOnce(client, ctx, reply.ExternalPID, done)
	defer func() {
		if unsub != nil {
			unsub()
		}
	}()

	select {
	case ev := <-done:
		return ev.ExitStatus == 0, nil
	case <-time.After(canaryWaitTimeout):
		return false, fmt.Errorf("probe: canary spawn timed out waiting for exit")
	}
}

func subscribeOnce(client *portal.Client, ctx context.Context, externalPID uint32, done chan<- portal.SpawnExitedEvent) func() {
	client.SubscribeSpawnExited(ctx, func(ev portal.SpawnExitedEvent) {
		if ev.ExternalPID != externalPID {
			return
		}
		select {
		case done <- ev:
		default:
		}
	})
	return func() {}
}
