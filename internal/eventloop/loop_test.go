package eventloop

import (
	"os"
	"testing"
)

func pipePair() (r, w int, err error) {
	rf, wf, err := os.Pipe()
	if err != nil {
		return 0, 0, err
	}
	return int(rf.Fd()), int(wf.Fd()), nil
}

func closeBoth(r, w int) {
	os.NewFile(uintptr(r), "r").Close()
	os.NewFile(uintptr(w), "w").Close()
}

func writeByte(w int) (int, error) {
	return os.NewFile(uintptr(w), "w").Write([]byte{1})
}

func runUntilReady(t *testing.T, l *Loop) {
	t.Helper()
	outcome, err := l.Wait()
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if outcome != Ready {
		t.Fatalf("Wait: got %v, want Ready", outcome)
	}
	if _, err := l.Dispatch(); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
}

func TestAddTaskFiresOnceThenDisabled(t *testing.T) {
	l, err := Create()
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer l.Close()

	fired := 0
	ref := l.AddTask(func(ref *SourceRef, events Events) {
		fired++
	})
	destroyed := false
	ref.OnDestroy(func() { destroyed = true })

	runUntilReady(t, l)

	if fired != 1 {
		t.Errorf("fired = %d, want 1", fired)
	}
	if !destroyed {
		t.Errorf("expected OnDestroy to have run after one-shot task fired")
	}
}

func TestTriggerRearmsAfterFiring(t *testing.T) {
	l, err := Create()
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer l.Close()

	fired := 0
	trigger := l.AddTrigger(func(ref *SourceRef, events Events) {
		fired++
	})

	trigger.Trigger()
	runUntilReady(t, l)
	if fired != 1 {
		t.Fatalf("after first Trigger: fired = %d, want 1", fired)
	}

	trigger.Trigger()
	runUntilReady(t, l)
	if fired != 2 {
		t.Fatalf("after second Trigger: fired = %d, want 2", fired)
	}
}

func TestTimerFiresAfterDeadline(t *testing.T) {
	l, err := Create()
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer l.Close()

	fired := false
	l.AddTimerMs(1, func(ref *SourceRef, events Events) {
		fired = true
	})

	for !fired {
		outcome, err := l.Wait()
		if err != nil {
			t.Fatalf("Wait: %v", err)
		}
		if outcome == Ready {
			if _, err := l.Dispatch(); err != nil {
				t.Fatalf("Dispatch: %v", err)
			}
		}
	}
}

func TestExitStopsDispatchLoop(t *testing.T) {
	l, err := Create()
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer l.Close()

	l.AddTask(func(ref *SourceRef, events Events) {
		l.Exit(true)
	})

	runUntilReady(t, l)

	exited, ok := l.ExitStatus()
	if !exited || !ok {
		t.Errorf("ExitStatus() = (%v, %v), want (true, true)", exited, ok)
	}
}

func TestAddFDObservedNotClosedOnLoopClose(t *testing.T) {
	l, err := Create()
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	r, w, err := pipePair()
	if err != nil {
		t.Fatalf("pipePair: %v", err)
	}
	defer closeBoth(r, w)

	if _, err := l.AddFD(r, Readable, func(ref *SourceRef, events Events) {}); err != nil {
		t.Fatalf("AddFD: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Observed fds are not owned: writing to w (and the fact r is still a
	// valid descriptor we can close ourselves) demonstrates the loop did
	// not close it.
	if _, err := writeByte(w); err != nil {
		t.Errorf("write to still-open observed pipe failed: %v", err)
	}
}
