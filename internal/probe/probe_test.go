package probe

import (
	"context"
	"testing"

	"github.com/zypak/zypak-go/internal/zyenv"
)

// decideOnce must consult the override before ever touching the portal
// client, so passing a nil client here is itself part of the assertion:
// if decideOnce tried to dereference it, these tests would panic.

func TestDecideOnceHonorsForcedSpawnOverride(t *testing.T) {
	t.Setenv(zyenv.ZygoteStrategySpawn, "1")
	got, err := decideOnce(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("decideOnce: %v", err)
	}
	if got != SpawnStrategy {
		t.Errorf("decideOnce() = %v, want SpawnStrategy", got)
	}
}

func TestDecideOnceHonorsForcedMimicOverride(t *testing.T) {
	t.Setenv(zyenv.ZygoteStrategySpawn, "0")
	got, err := decideOnce(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("decideOnce: %v", err)
	}
	if got != MimicStrategy {
		t.Errorf("decideOnce() = %v, want MimicStrategy", got)
	}
}
