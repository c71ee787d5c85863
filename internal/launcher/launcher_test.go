package launcher

import (
	"reflect"
	"testing"

	"github.com/zypak/zypak-go/internal/fd"
)

func TestChildType(t *testing.T) {
	cases := []struct {
		argv []string
		want string
	}{
		{[]string{"/proc/self/exe", "--type=renderer"}, "renderer"},
		{[]string{"/proc/self/exe", "--type=gpu-process", "--foo"}, "gpu-process"},
		{[]string{"/proc/self/exe"}, ""},
	}
	for _, c := range cases {
		if got := ChildType(c.argv); got != c.want {
			t.Errorf("ChildType(%v) = %q, want %q", c.argv, got, c.want)
		}
	}
}

func TestTraceRequested(t *testing.T) {
	cases := []struct {
		name      string
		spec      string
		childType string
		want      bool
	}{
		{"unset", "", "renderer", false},
		{"all matches any", "all", "renderer", true},
		{"host matches empty type only", "host", "", true},
		{"host rejects child", "host", "renderer", false},
		{"child matches any child", "child", "renderer", true},
		{"child rejects host", "child", "", false},
		{"child list matches member", "child:renderer,gpu-process", "gpu-process", true},
		{"child list rejects non-member", "child:renderer,gpu-process", "utility", false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			cfg := Config{StraceSpec: c.spec}
			if got := cfg.traceRequested(c.childType); got != c.want {
				t.Errorf("traceRequested(%q) = %v, want %v", c.childType, got, c.want)
			}
		})
	}
}

func TestPlanGpuProcessDetected(t *testing.T) {
	cfg := Config{}
	p := cfg.Plan([]string{"/proc/self/exe", "--type=gpu-process"}, nil, "/usr/libexec/zypak-helper")
	if !p.GPUProcess {
		t.Error("Plan().GPUProcess = false for a gpu-process child, want true")
	}
	if p.Sandboxed() {
		t.Error("Plan().Sandboxed() = true for an unallowed gpu-process, want false")
	}
}

func TestPlanSandboxedAllowsGpuWhenConfigured(t *testing.T) {
	cfg := Config{AllowGPU: true}
	p := cfg.Plan([]string{"/proc/self/exe", "--type=gpu-process"}, nil, "/usr/libexec/zypak-helper")
	if !p.Sandboxed() {
		t.Error("Plan().Sandboxed() = false for a gpu-process with AllowGPU set, want true")
	}
}

func TestPlanSandboxDisabledByConfig(t *testing.T) {
	cfg := Config{DisableSandbox: true}
	p := cfg.Plan([]string{"/proc/self/exe", "--type=renderer"}, nil, "/usr/libexec/zypak-helper")
	if p.Sandboxed() {
		t.Error("Plan().Sandboxed() = true with DisableSandbox set, want false")
	}
}

func TestPlanHelperArgvPlacesFDTerminatorBeforeChildArgv(t *testing.T) {
	cfg := Config{}
	argv := []string{"/proc/self/exe", "--type=renderer"}
	p := cfg.Plan(argv, nil, "/usr/libexec/zypak-helper")
	if len(p.HelperArgv) < 3 {
		t.Fatalf("HelperArgv too short: %v", p.HelperArgv)
	}
	if p.HelperArgv[2] != "-" {
		t.Errorf("HelperArgv does not follow its (empty) FD assignments with the terminator: %v", p.HelperArgv)
	}
	want := []string{"/usr/libexec/zypak-helper", "child", "-", "/proc/self/exe", "--type=renderer"}
	if !reflect.DeepEqual(p.HelperArgv, want) {
		t.Errorf("HelperArgv = %v, want %v", p.HelperArgv, want)
	}
}

func TestPlanHelperArgvIncludesFDAssignments(t *testing.T) {
	cfg := Config{}
	fdMap := fd.NewMap()
	if err := fdMap.Add(fd.Assignment{Target: 4, Source: 9}); err != nil {
		t.Fatalf("fdMap.Add: %v", err)
	}
	p := cfg.Plan([]string{"/proc/self/exe"}, fdMap, "/usr/libexec/zypak-helper")
	found := false
	for _, a := range p.HelperArgv {
		if a == "4=9" {
			found = true
		}
	}
	if !found {
		t.Errorf("HelperArgv %v does not contain fd assignment 4=9", p.HelperArgv)
	}
}

func TestPlanEnvCarriesSpawnStrategyOverride(t *testing.T) {
	cfg := Config{SpawnStrategy: true}
	p := cfg.Plan([]string{"/proc/self/exe"}, nil, "/usr/libexec/zypak-helper")
	if p.Env["ZYPAK_ZYGOTE_STRATEGY_SPAWN"] != "1" {
		t.Errorf("Env[ZYPAK_ZYGOTE_STRATEGY_SPAWN] = %q, want \"1\"", p.Env["ZYPAK_ZYGOTE_STRATEGY_SPAWN"])
	}
}

func TestPlanHelperArgvPrependsStraceWhenRequested(t *testing.T) {
	cfg := Config{StraceSpec: "all", StraceFilter: "trace=network"}
	p := cfg.Plan([]string{"/proc/self/exe", "--type=renderer"}, nil, "/usr/libexec/zypak-helper")
	want := []string{"strace", "-f", "-e", "trace=network", "/usr/libexec/zypak-helper", "child",
		"-", "/proc/self/exe", "--type=renderer"}
	if !reflect.DeepEqual(p.HelperArgv, want) {
		t.Errorf("HelperArgv = %v, want %v", p.HelperArgv, want)
	}
}

func TestPlanForwardFDsMatchesAssignmentSources(t *testing.T) {
	cfg := Config{}
	fdMap := fd.NewMap()
	if err := fdMap.Add(fd.Assignment{Target: 4, Source: 9}); err != nil {
		t.Fatalf("fdMap.Add: %v", err)
	}
	p := cfg.Plan([]string{"/proc/self/exe"}, fdMap, "/usr/libexec/zypak-helper")
	if !reflect.DeepEqual(p.ForwardFDs, []int{9}) {
		t.Errorf("ForwardFDs = %v, want [9]", p.ForwardFDs)
	}
}

func TestBuildFlatpakSpawnArgvIncludesSandboxAndForwardFD(t *testing.T) {
	cfg := Config{}
	fdMap := fd.NewMap()
	if err := fdMap.Add(fd.Assignment{Target: 4, Source: 9}); err != nil {
		t.Fatalf("fdMap.Add: %v", err)
	}
	p := cfg.Plan([]string{"/proc/self/exe", "--type=renderer"}, fdMap, "/usr/libexec/zypak-helper")
	argv := BuildFlatpakSpawnArgv(p, "flatpak-spawn")

	want := []string{"flatpak-spawn", "--watch-bus", "--no-network", "--sandbox", "--forward-fd=9",
		"/usr/libexec/zypak-helper", "child", "4=9", "-", "/proc/self/exe", "--type=renderer"}
	if !reflect.DeepEqual(argv, want) {
		t.Errorf("BuildFlatpakSpawnArgv = %v, want %v", argv, want)
	}
}

func TestBuildFlatpakSpawnArgvOmitsSandboxForUnallowedGpuProcess(t *testing.T) {
	cfg := Config{}
	p := cfg.Plan([]string{"/proc/self/exe", "--type=gpu-process"}, nil, "/usr/libexec/zypak-helper")
	argv := BuildFlatpakSpawnArgv(p, "flatpak-spawn")
	for _, a := range argv {
		if a == "--sandbox" {
			t.Errorf("BuildFlatpakSpawnArgv = %v, did not want --sandbox for unallowed gpu-process", argv)
		}
	}
}

func TestBuildFlatpakSpawnArgvAllowsNetworkWhenConfigured(t *testing.T) {
	cfg := Config{AllowNetwork: true}
	p := cfg.Plan([]string{"/proc/self/exe"}, nil, "/usr/libexec/zypak-helper")
	argv := BuildFlatpakSpawnArgv(p, "flatpak-spawn")
	for _, a := range argv {
		if a == "--no-network" {
			t.Errorf("BuildFlatpakSpawnArgv = %v, did not want --no-network with AllowNetwork set", argv)
		}
	}
}

func TestValidateRejectsEmptyHelperArgv(t *testing.T) {
	p := Plan{}
	if err := p.Validate(); err == nil {
		t.Error("Validate() on an empty plan returned nil, want error")
	}
}
