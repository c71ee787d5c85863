package busthread

import (
	"testing"

	"github.com/godbus/dbus/v5"

	"github.com/zypak/zypak-go/internal/eventloop"
)

func TestStateString(t *testing.T) {
	cases := []struct {
		state State
		want  string
	}{
		{Created, "created"},
		{Running, "running"},
		{Paused, "paused"},
		{Shutdown, "shutdown"},
		{State(99), "unknown"},
	}
	for _, c := range cases {
		if got := c.state.String(); got != c.want {
			t.Errorf("State(%d).String() = %q, want %q", c.state, got, c.want)
		}
	}
}

func TestPauseBeforeStartIsRejected(t *testing.T) {
	th := New(nil)
	if err := th.Pause(); err == nil {
		t.Error("Pause() on a never-started thread returned nil, want error")
	}
}

func TestResumeBeforeStartIsRejected(t *testing.T) {
	th := New(nil)
	if err := th.Resume(nil); err == nil {
		t.Error("Resume() on a never-started thread returned nil, want error")
	}
}

func TestEnqueueBeforeStartIsRejected(t *testing.T) {
	th := New(nil)
	if err := th.Enqueue(func(_ *dbus.Conn, _ *eventloop.Loop) {}); err == nil {
		t.Error("Enqueue() on a never-started thread returned nil, want error")
	}
}

func TestShutdownInChildTransitionsToShutdownFromAnyState(t *testing.T) {
	th := New(nil)
	th.ShutdownInChild()
	if got := th.State(); got != Shutdown {
		t.Errorf("State() after ShutdownInChild = %v, want Shutdown", got)
	}
	if th.conn != nil || th.loop != nil {
		t.Error("ShutdownInChild left conn/loop non-nil")
	}
}

func TestShutdownIsIdempotentFromShutdown(t *testing.T) {
	th := New(nil)
	th.ShutdownInChild()
	if err := th.Shutdown(); err != nil {
		t.Errorf("Shutdown() after already Shutdown returned %v, want nil", err)
	}
}
