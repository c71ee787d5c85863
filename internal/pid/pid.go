// Package pid defines the three disjoint PID namespaces the broker and
// supervisor must never confuse: the stub PID the engine believes is its
// child, the external PID the portal assigns, and the internal PID the
// spawned process sees for itself inside its sandbox.
package pid

import "fmt"

// Stub is the PID of the local stub process the broker forks (or, under
// the spawn strategy, that stands in) to hold an identity for the engine.
type Stub int32

// External is the PID the portal assigns to a spawned process, in the
// portal's own view.
type External int32

// Internal is the PID a spawned process sees for itself inside its sandbox
// namespace. Becomes known asynchronously via SpawnStarted.
type Internal int32

// Unknown is the sentinel value for an External or Internal PID that has
// not yet been reported.
const Unknown = 0

func (s Stub) String() string     { return fmt.Sprintf("stub:%d", int32(s)) }
func (e External) String() string { return fmt.Sprintf("external:%d", int32(e)) }
func (i Internal) String() string { return fmt.Sprintf("internal:%d", int32(i)) }
