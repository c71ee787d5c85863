// Package fd implements the supporting primitives of C8: an owned file
// descriptor with close-on-drop semantics, the FD-assignment map used to
// describe "source_fd shall appear as target_number" at the child side, and
// credential-aware datagram socket I/O (SCM_RIGHTS + SCM_CREDENTIALS) used
// by the supervisor's request socket.
package fd

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sys/unix"
)

// Owned wraps a kernel file descriptor with single-owner, close-on-drop
// semantics. The zero value is not valid; use New.
type Owned struct {
	mu       sync.Mutex
	raw      int
	released bool
}

// New takes ownership of raw.
func New(raw int) *Owned {
	return &Owned{raw: raw}
}

// FD returns the underlying descriptor number. Valid only while the Owned
// has not been closed or released.
func (o *Owned) FD() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.raw
}

// Close closes the descriptor, unless it has already been released or
// closed. Safe to call multiple times.
func (o *Owned) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.released || o.raw < 0 {
		return nil
	}
	err := unix.Close(o.raw)
	o.raw = -1
	return err
}

// Release hands raw ownership to the caller; Close becomes a no-op
// afterward. Used when ownership is transferred to another subsystem (e.g.
// handing a received FD off to exec's ExtraFiles).
func (o *Owned) Release() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.released = true
	raw := o.raw
	o.raw = -1
	return raw
}

// Assignment describes "at child-side, Source shall appear as Target".
type Assignment struct {
	Target int
	Source int
}

// String renders the textual form "<target>=<source>".
func (a Assignment) String() string {
	return fmt.Sprintf("%d=%d", a.Target, a.Source)
}

// ParseAssignment parses the textual "<target>=<source>" form. It rejects
// any input without exactly one '='.
func ParseAssignment(s string) (Assignment, error) {
	parts := strings.SplitN(s, "=", 2)
	if len(parts) != 2 {
		return Assignment{}, fmt.Errorf("fd: malformed assignment %q: missing '='", s)
	}
	target, err := strconv.Atoi(parts[0])
	if err != nil {
		return Assignment{}, fmt.Errorf("fd: malformed assignment %q: target: %w", s, err)
	}
	source, err := strconv.Atoi(parts[1])
	if err != nil {
		return Assignment{}, fmt.Errorf("fd: malformed assignment %q: source: %w", s, err)
	}
	return Assignment{Target: target, Source: source}, nil
}

// Map is a set of Assignments with the invariant that no source or target
// repeats within the map.
type Map struct {
	byTarget map[int]Assignment
	bySource map[int]Assignment
}

func NewMap() *Map {
	return &Map{byTarget: map[int]Assignment{}, bySource: map[int]Assignment{}}
}

// Add inserts a onto the map, failing if it would duplicate a source or
// target already present.
func (m *Map) Add(a Assignment) error {
	if _, ok := m.byTarget[a.Target]; ok {
		return fmt.Errorf("fd: duplicate target %d", a.Target)
	}
	if _, ok := m.bySource[a.Source]; ok {
		return fmt.Errorf("fd: duplicate source %d", a.Source)
	}
	m.byTarget[a.Target] = a
	m.bySource[a.Source] = a
	return nil
}

// Assignments returns the map's entries in unspecified order.
func (m *Map) Assignments() []Assignment {
	out := make([]Assignment, 0, len(m.byTarget))
	for _, a := range m.byTarget {
		out = append(out, a)
	}
	return out
}

func (m *Map) Len() int { return len(m.byTarget) }
