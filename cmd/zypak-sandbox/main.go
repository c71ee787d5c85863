// Command zypak-sandbox impersonates, inside a Flatpak-style container, the
// engine's setuid-sandbox helper and Zygote broker contract while
// redirecting every real process-creation, signal-delivery, and
// wait-for-exit operation to the container runtime's portal.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/zypak/zypak-go/internal/broker"
	"github.com/zypak/zypak-go/internal/busthread"
	"github.com/zypak/zypak-go/internal/eventloop"
	"github.com/zypak/zypak-go/internal/launcher"
	"github.com/zypak/zypak-go/internal/portal"
	"github.com/zypak/zypak-go/internal/probe"
	"github.com/zypak/zypak-go/internal/supervisor"
	"github.com/zypak/zypak-go/internal/tracing"
	"github.com/zypak/zypak-go/internal/zyenv"
	"github.com/zypak/zypak-go/internal/zylog"
	"github.com/zypak/zypak-go/version"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(argv []string) int {
	closeLog := zylog.Init(zylog.Config{
		LogFile:     os.Getenv("ZYPAK_SANDBOX_LOG"),
		Level:       levelFromDebugFlag(),
		MirrorToTTY: zyenv.Test(zyenv.Debug, false),
	})
	defer closeLog()

	if len(argv) == 0 {
		slog.Error("zypak-sandbox: no arguments given")
		return 1
	}

	switch {
	case argv[0] == "--get-api":
		fmt.Println("1")
		return 0
	case argv[0] == "--version":
		info := version.Get()
		fmt.Printf("zypak-sandbox %s (%s)\n", info.GitCommit, info.BuildTime)
		return 0
	case argv[0] == "--adjust-oom-score":
		return 0
	case strings.HasPrefix(argv[0], "--type=zygote"):
		return runZygote(argv)
	default:
		slog.Error("zypak-sandbox: unrecognised invocation", "argv", argv)
		return 1
	}
}

func levelFromDebugFlag() string {
	if zyenv.Test(zyenv.Debug, false) {
		return "debug"
	}
	return "info"
}

func runZygote(argv []string) int {
	ctx := context.Background()

	_, shutdownTracing, err := tracing.Init(ctx)
	if err != nil {
		slog.Error("zypak-sandbox: tracing init failed", "error", err)
		return 1
	}
	defer shutdownTracing(ctx)

	cfg := launcher.FromEnvironment()
	if cfg.ZypakBin == "" || cfg.ZypakLib == "" {
		slog.Error("zypak-sandbox: ZYPAK_BIN and ZYPAK_LIB are required")
		return 1
	}

	loop, err := eventloop.Create()
	if err != nil {
		slog.Error("zypak-sandbox: creating event loop", "error", err)
		return 1
	}
	defer loop.Close()

	strategy := broker.MimicStrategy
	var sup *supervisor.Supervisor

	if needsPortal(cfg) {
		bus := busthread.New(busthread.SessionDialer())
		if err := bus.Start(ctx); err != nil {
			slog.Error("zypak-sandbox: starting bus thread", "error", err)
			return 1
		}
		defer bus.Shutdown()

		client := portal.New(bus)

		decided, err := probe.Decide(ctx, client, noDeviceGrants{})
		if err != nil {
			slog.Warn("zypak-sandbox: strategy probe failed, falling back to mimic", "error", err)
		}
		if decided == probe.SpawnStrategy || cfg.SpawnStrategy {
			strategy = broker.SpawnStrategy
			sup = supervisor.New(loop, client, supervisor.RequestFD, supervisor.Policy{
				SandboxRequiredGlobally: !cfg.DisableSandbox,
				AllowedExposedPath:      zyenv.String(zyenv.ExposeWidevinePath, ""),
			})
			if err := sup.Start(ctx); err != nil {
				slog.Error("zypak-sandbox: starting supervisor", "error", err)
				return 1
			}
		}
	}

	var delegate broker.Delegate
	if strategy == broker.SpawnStrategy {
		delegate = &broker.SpawnDelegate{HelperPath: helperPath(cfg), Sup: sup, Config: cfg}
	} else {
		delegate = &broker.MimicDelegate{HelperPath: helperPath(cfg), FlatpakBin: "flatpak-spawn", Config: cfg}
	}

	b := broker.New(loop, broker.ZygoteHostFD, strategy, delegate, sup)
	if err := b.Start(ctx); err != nil {
		slog.Error("zypak-sandbox: starting broker", "error", err)
		return 1
	}

	for {
		outcome, err := loop.Wait()
		if err != nil {
			slog.Error("zypak-sandbox: event loop wait failed", "error", err)
			return 1
		}
		if outcome == eventloop.Idle {
			continue
		}
		d, err := loop.Dispatch()
		if err != nil {
			slog.Error("zypak-sandbox: event loop dispatch failed", "error", err)
			return 1
		}
		if d == eventloop.Exit {
			if _, ok := loop.ExitStatus(); !ok {
				slog.Error("zypak-sandbox: broker exited on a protocol violation")
				return 1
			}
			return 0
		}
	}
}

func needsPortal(cfg launcher.Config) bool {
	return zyenv.ZygoteStrategyOverride() != zyenv.StrategyForceMimic
}

func helperPath(cfg launcher.Config) string {
	return cfg.ZypakBin + "/zypak-helper"
}

type noDeviceGrants struct{}

func (noDeviceGrants) HasAllDevices() bool { return false }
