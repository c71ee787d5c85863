package supervisor

import (
	"testing"

	"github.com/zypak/zypak-go/internal/portal"
)

func TestValidateRejectsDisallowedSpawnFlags(t *testing.T) {
	s := &Supervisor{policy: Policy{}}
	err := s.validate(requestBody{SpawnFlags: uint32(portal.ClearEnv)})
	if err == nil {
		t.Fatal("validate accepted a spawn flag outside the allowed set")
	}
}

func TestValidateRejectsDisallowedSandboxFlags(t *testing.T) {
	s := &Supervisor{policy: Policy{}}
	err := s.validate(requestBody{SandboxFlags: uint32(portal.ShareDisplay)})
	if err == nil {
		t.Fatal("validate accepted a sandbox flag outside the allowed set")
	}
}

func TestValidateEnforcesGlobalSandboxPolicy(t *testing.T) {
	s := &Supervisor{policy: Policy{SandboxRequiredGlobally: true}}
	err := s.validate(requestBody{SpawnFlags: uint32(portal.WatchBus)})
	if err == nil {
		t.Fatal("validate accepted a request missing Sandbox under a global sandbox policy")
	}
}

func TestValidateAcceptsSandboxedRequestUnderGlobalPolicy(t *testing.T) {
	s := &Supervisor{policy: Policy{SandboxRequiredGlobally: true}}
	err := s.validate(requestBody{SpawnFlags: uint32(portal.Sandbox)})
	if err != nil {
		t.Errorf("validate rejected a compliant request: %v", err)
	}
}

func TestValidateRejectsExposedPathOutsidePolicy(t *testing.T) {
	s := &Supervisor{policy: Policy{AllowedExposedPath: "/run/host/widevine"}}
	err := s.validate(requestBody{ExposedPaths: []string{"/etc/passwd"}})
	if err == nil {
		t.Fatal("validate accepted an exposed path outside the allowed policy")
	}
}

func TestValidateAcceptsExactlyTheAllowedExposedPath(t *testing.T) {
	s := &Supervisor{policy: Policy{AllowedExposedPath: "/run/host/widevine"}}
	err := s.validate(requestBody{ExposedPaths: []string{"/run/host/widevine"}})
	if err != nil {
		t.Errorf("validate rejected the policy-allowed exposed path: %v", err)
	}
}

func TestValidateRejectsAnyExposedPathWhenPolicyAllowsNone(t *testing.T) {
	s := &Supervisor{policy: Policy{}}
	err := s.validate(requestBody{ExposedPaths: []string{"/run/host/widevine"}})
	if err == nil {
		t.Fatal("validate accepted an exposed path when the policy allows none")
	}
}
