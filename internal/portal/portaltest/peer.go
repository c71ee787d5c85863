// Package portaltest provides a real child process with controllable
// stdio, standing in for a portal-spawned sandboxed child in integration
// tests that exercise the supervisor/broker's view of a live process
// rather than mocking its behavior.
package portaltest

import (
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/creack/pty"
)

// Peer is a command running behind a pseudo-terminal, reachable the same
// way a real spawned sandboxed child's stdio would be.
type Peer struct {
	cmd  *exec.Cmd
	ptmx *os.File
}

// NewPeer starts argv behind a pty and returns once it is running.
func NewPeer(argv []string, env []string) (*Peer, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("portaltest: NewPeer requires a non-empty argv")
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = env
	ptmx, err := pty.Start(cmd)
	if err != nil {
		return nil, fmt.Errorf("portaltest: starting peer: %w", err)
	}
	return &Peer{cmd: cmd, ptmx: ptmx}, nil
}

// Read reads from the peer's pty master side.
func (p *Peer) Read(buf []byte) (int, error) { return p.ptmx.Read(buf) }

// Write writes to the peer's pty master side.
func (p *Peer) Write(buf []byte) (int, error) { return p.ptmx.Write(buf) }

// Copy pipes the peer's output to w until the peer's pty closes.
func (p *Peer) Copy(w io.Writer) error {
	_, err := io.Copy(w, p.ptmx)
	return err
}

// PID returns the peer's stub-visible process ID.
func (p *Peer) PID() int { return p.cmd.Process.Pid }

// Signal delivers sig to the peer process directly, standing in for the
// portal's SpawnSignal in tests that don't exercise the bus at all.
func (p *Peer) Signal(sig os.Signal) error { return p.cmd.Process.Signal(sig) }

// Wait blocks until the peer exits and releases its pty.
func (p *Peer) Wait() error {
	err := p.cmd.Wait()
	p.ptmx.Close()
	return err
}

// Close terminates the peer if still running and releases its pty.
func (p *Peer) Close() error {
	if p.cmd.Process != nil {
		p.cmd.Process.Kill()
	}
	return p.ptmx.Close()
}
