package portal

import (
	"os"
	"testing"

	"github.com/godbus/dbus/v5"

	"github.com/zypak/zypak-go/internal/fd"
)

func newOwnedPipe(t *testing.T) (*fd.Owned, *fd.Owned) {
	t.Helper()
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	t.Cleanup(func() { r.Close(); w.Close() })
	return fd.New(int(r.Fd())), fd.New(int(w.Fd()))
}

func TestMarshalSpawnArgsRejectsEmptyCwd(t *testing.T) {
	_, _, err := marshalSpawnArgs(SpawnCall{Argv: [][]byte{[]byte("true")}})
	if err == nil {
		t.Fatal("marshalSpawnArgs with empty Cwd returned nil error")
	}
}

func TestMarshalSpawnArgsRejectsEmptyArgv(t *testing.T) {
	_, _, err := marshalSpawnArgs(SpawnCall{Cwd: []byte("/")})
	if err == nil {
		t.Fatal("marshalSpawnArgs with empty Argv returned nil error")
	}
}

func TestMarshalSpawnArgsDefaultsNilEnv(t *testing.T) {
	args, _, err := marshalSpawnArgs(SpawnCall{
		Cwd:  []byte("/"),
		Argv: [][]byte{[]byte("true")},
	})
	if err != nil {
		t.Fatalf("marshalSpawnArgs: %v", err)
	}
	env, ok := args[3].(map[string]string)
	if !ok {
		t.Fatalf("args[3] = %T, want map[string]string", args[3])
	}
	if len(env) != 0 {
		t.Errorf("env = %v, want empty map", env)
	}
}

func TestMarshalSpawnArgsEncodesFlagsAndOptions(t *testing.T) {
	args, _, err := marshalSpawnArgs(SpawnCall{
		Cwd:   []byte("/"),
		Argv:  [][]byte{[]byte("true")},
		Flags: Sandbox | WatchBus,
		Options: Options{
			SandboxFlags: ShareGpu,
		},
	})
	if err != nil {
		t.Fatalf("marshalSpawnArgs: %v", err)
	}
	gotFlags, ok := args[4].(uint32)
	if !ok || SpawnFlags(gotFlags) != Sandbox|WatchBus {
		t.Errorf("flags = %v, want %v", args[4], Sandbox|WatchBus)
	}
	opts, ok := args[5].(map[string]dbus.Variant)
	if !ok {
		t.Fatalf("args[5] = %T, want map[string]dbus.Variant", args[5])
	}
	sf, ok := opts["sandbox-flags"].Value().(uint32)
	if !ok || SandboxFlags(sf) != ShareGpu {
		t.Errorf("sandbox-flags = %v, want %v", opts["sandbox-flags"], ShareGpu)
	}
}

func TestMarshalSpawnArgsOffsetsExposePidHandlesPastAttachedFDs(t *testing.T) {
	r1, _ := newOwnedPipe(t)
	r2, _ := newOwnedPipe(t)

	fdMap := fd.NewMap()
	if err := fdMap.Add(fd.Assignment{Target: 0, Source: r1.FD()}); err != nil {
		t.Fatalf("fdMap.Add: %v", err)
	}

	_, attached, err := marshalSpawnArgs(SpawnCall{
		Cwd:  []byte("/"),
		Argv: [][]byte{[]byte("true")},
		FDs:  fdMap,
		Options: Options{
			ExposeRO: []*fd.Owned{r2},
		},
	})
	if err != nil {
		t.Fatalf("marshalSpawnArgs: %v", err)
	}
	if len(attached) != 2 {
		t.Fatalf("attached = %v, want 2 entries", attached)
	}
	if attached[1] != r2.FD() {
		t.Errorf("attached[1] = %d, want %d (the expose-ro fd)", attached[1], r2.FD())
	}
}
