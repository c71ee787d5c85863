// Package launcher implements C6: the pure policy module that turns a
// Zygote Fork request into the concrete argv, environment, FD map, and
// sandbox flags a strategy delegate will actually spawn.
package launcher

import (
	"fmt"
	"sort"
	"strings"

	"github.com/zypak/zypak-go/internal/fd"
	"github.com/zypak/zypak-go/internal/zyenv"
)

// Config is the process-wide, mostly-env-derived policy input.
type Config struct {
	ZypakBin       string
	ZypakLib       string
	SpawnStrategy  bool
	Debug          bool
	DisableSandbox bool
	AllowGPU       bool
	AllowNetwork   bool
	StraceSpec     string // "all" / "host" / "child" / "child:<types>"
	StraceFilter   string
	StraceNoLimit  bool
}

// FromEnvironment reads Config from the recognised ZYPAK_* variables.
func FromEnvironment() Config {
	return Config{
		ZypakBin:       zyenv.String(zyenv.Bin, ""),
		ZypakLib:       zyenv.String(zyenv.Lib, ""),
		SpawnStrategy:  zyenv.ZygoteStrategyOverride() == zyenv.StrategyForceSpawn,
		Debug:          zyenv.Test(zyenv.Debug, false),
		DisableSandbox: zyenv.Test(zyenv.DisableSandbox, false),
		AllowGPU:       zyenv.Test(zyenv.AllowGPU, false),
		AllowNetwork:   zyenv.Test(zyenv.AllowNetwork, false),
		StraceSpec:     zyenv.String(zyenv.Strace, ""),
		StraceFilter:   zyenv.String(zyenv.StraceFilter, ""),
		StraceNoLimit:  zyenv.Test(zyenv.StraceNoLineLimit, false),
	}
}

// Plan is the fully-resolved set of decisions for one child launch. It
// covers both the helper-level argv (shared by both strategies) and the
// flatpak-spawn wrapper flags the mimic strategy additionally needs.
type Plan struct {
	SandboxAllowed bool // sandboxing not globally disabled
	GPUProcess     bool // this launch's --type= names the GPU process
	AllowGPU       bool
	AllowNetwork   bool
	WatchBus       bool
	HelperArgv     []string // argv for zypak-helper: strace?, helper, "child", fd assignments, "-", original argv
	ForwardFDs     []int    // local fd numbers to pass via one --forward-fd= each
	Env            map[string]string
}

// Sandboxed reports whether this launch should run under --sandbox, per
// SpawnZygoteChild: sandboxing is skipped only for a GPU process when GPU
// sandboxing has not been explicitly allowed.
func (p Plan) Sandboxed() bool {
	return p.SandboxAllowed && (!p.GPUProcess || p.AllowGPU)
}

// ChildType extracts the process type from a "--type=foo" style argv
// flag, returning "" if no such flag is present.
func ChildType(argv []string) string {
	for _, a := range argv {
		if strings.HasPrefix(a, "--type=") {
			return strings.TrimPrefix(a, "--type=")
		}
	}
	return ""
}

// Plan resolves policy for one launch. fdMap describes the ancillary FDs
// (beyond the pid-oracle) the delegate has already arranged to forward at
// specific local numbers; its assignments become both the "target=source"
// positional arguments zypak-helper expects and the ForwardFDs that the
// mimic strategy's wrapper must keep alive across exec with --forward-fd=.
func (c Config) Plan(argv []string, fdMap *fd.Map, helperPath string) Plan {
	childType := ChildType(argv)

	p := Plan{
		SandboxAllowed: !c.DisableSandbox,
		GPUProcess:     childType == "gpu-process",
		AllowGPU:       c.AllowGPU,
		AllowNetwork:   c.AllowNetwork,
		WatchBus:       true,
	}

	p.HelperArgv = c.buildHelperArgv(helperPath, childType, fdMap)
	p.HelperArgv = append(p.HelperArgv, "-")
	p.HelperArgv = append(p.HelperArgv, argv...)

	if fdMap != nil {
		for _, a := range fdMap.Assignments() {
			p.ForwardFDs = append(p.ForwardFDs, a.Source)
		}
	}

	p.Env = map[string]string{}
	if c.ZypakBin != "" {
		p.Env["ZYPAK_BIN"] = c.ZypakBin
	}
	if c.ZypakLib != "" {
		p.Env["ZYPAK_LIB"] = c.ZypakLib
	}
	if c.SpawnStrategy {
		p.Env[zyenv.ZygoteStrategySpawn] = "1"
	}
	if c.Debug {
		p.Env[zyenv.Debug] = "1"
	}
	p.Env["SBX_CHROME_API_PRV"] = "1"
	p.Env["SBX_PID_NS"] = "1"
	p.Env["SBX_NET_NS"] = "1"

	return p
}

func (c Config) buildHelperArgv(helperPath, childType string, fdMap *fd.Map) []string {
	var argv []string
	if c.traceRequested(childType) {
		argv = append(argv, "strace", "-f")
		if c.StraceFilter != "" {
			argv = append(argv, "-e", c.StraceFilter)
		}
		if c.StraceNoLimit {
			argv = append(argv, "-v", "-s1024", "-k")
		}
	}

	argv = append(argv, helperPath, "child")
	if fdMap != nil {
		for _, a := range fdMap.Assignments() {
			argv = append(argv, a.String())
		}
	}
	return argv
}

// BuildFlatpakSpawnArgv assembles the flatpak-spawn wrapper argv the mimic
// strategy execs, per SpawnZygoteChild: --watch-bus, conditional
// --no-network/--sandbox, ZYPAK_BIN/ZYPAK_LIB/debug forwarded via --env=,
// one --forward-fd= per FD the plan's helper argv expects to find already
// open, then the helper argv itself.
func BuildFlatpakSpawnArgv(plan Plan, flatpakBin string) []string {
	argv := []string{flatpakBin, "--watch-bus"}
	if !plan.AllowNetwork {
		argv = append(argv, "--no-network")
	}
	if plan.Sandboxed() {
		argv = append(argv, "--sandbox")
	}

	envKeys := make([]string, 0, len(plan.Env))
	for k := range plan.Env {
		envKeys = append(envKeys, k)
	}
	sort.Strings(envKeys)
	for _, k := range envKeys {
		argv = append(argv, fmt.Sprintf("--env=%s=%s", k, plan.Env[k]))
	}

	for _, localFD := range plan.ForwardFDs {
		argv = append(argv, fmt.Sprintf("--forward-fd=%d", localFD))
	}

	return append(argv, plan.HelperArgv...)
}

// traceRequested evaluates ZYPAK_STRACE's mini-grammar against this
// child's type.
func (c Config) traceRequested(childType string) bool {
	switch {
	case c.StraceSpec == "":
		return false
	case c.StraceSpec == "all":
		return true
	case c.StraceSpec == "child":
		return childType != ""
	case c.StraceSpec == "host":
		return childType == ""
	case strings.HasPrefix(c.StraceSpec, "child:"):
		wanted := strings.Split(strings.TrimPrefix(c.StraceSpec, "child:"), ",")
		for _, w := range wanted {
			if w == childType {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// Validate reports a descriptive error if the plan cannot be launched.
func (p Plan) Validate() error {
	if len(p.HelperArgv) == 0 {
		return fmt.Errorf("launcher: empty helper argv")
	}
	return nil
}
