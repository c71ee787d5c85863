// Package zyenv centralizes the recognised ZYPAK_*/SBX_* environment
// variables and their truthy-parsing rule, per the external-interfaces
// environment table.
package zyenv

import "os"

// Truthy reports whether value is considered "on": anything other than
// unset, empty, "0", or "false".
func Truthy(value string) bool {
	switch value {
	case "", "0", "false":
		return false
	default:
		return true
	}
}

// Test returns Truthy(os.Getenv(name)) unless name is entirely unset, in
// which case it returns def.
func Test(name string, def bool) bool {
	v, ok := os.LookupEnv(name)
	if !ok {
		return def
	}
	return Truthy(v)
}

// String returns os.Getenv(name), or def if name is unset.
func String(name, def string) string {
	v, ok := os.LookupEnv(name)
	if !ok {
		return def
	}
	return v
}

const (
	Bin                  = "ZYPAK_BIN"
	Lib                  = "ZYPAK_LIB"
	ZygoteStrategySpawn  = "ZYPAK_ZYGOTE_STRATEGY_SPAWN"
	Debug                = "ZYPAK_DEBUG"
	Strace               = "ZYPAK_STRACE"
	StraceFilter         = "ZYPAK_STRACE_FILTER"
	StraceNoLineLimit    = "ZYPAK_STRACE_NO_LINE_LIMIT"
	DisableSandbox       = "ZYPAK_DISABLE_SANDBOX"
	AllowGPU             = "ZYPAK_ALLOW_GPU"
	AllowNetwork         = "ZYPAK_ALLOW_NETWORK"
	SandboxFilename      = "ZYPAK_SANDBOX_FILENAME"
	ExposeWidevinePath   = "ZYPAK_EXPOSE_WIDEVINE_PATH"
	LDPreload            = "ZYPAK_LD_PRELOAD"
	SpawnLatestOnReexec  = "ZYPAK_SPAWN_LATEST_ON_REEXEC"
	CEFLibraryPath       = "ZYPAK_CEF_LIBRARY_PATH"
	SBXChromeAPIPrv      = "SBX_CHROME_API_PRV"
	SBXPIDNS             = "SBX_PID_NS"
	SBXNetNS             = "SBX_NET_NS"
)

// StrategyOverride reports the user's forced strategy choice, if any.
type StrategyOverride int

const (
	StrategyUnset StrategyOverride = iota
	StrategyForceSpawn
	StrategyForceMimic
)

// ZygoteStrategyOverride inspects ZYPAK_ZYGOTE_STRATEGY_SPAWN.
func ZygoteStrategyOverride() StrategyOverride {
	v, ok := os.LookupEnv(ZygoteStrategySpawn)
	if !ok {
		return StrategyUnset
	}
	if Truthy(v) {
		return StrategyForceSpawn
	}
	return StrategyForceMimic
}
