package guard

import (
	"testing"
	"time"
)

func TestWaitUntilBlocksUntilPredicateHolds(t *testing.T) {
	g := New(0)

	done := make(chan any, 1)
	go func() {
		done <- g.WaitUntil(
			func(v *int) bool { return *v == 5 },
			func(v *int) any { return *v },
		)
	}()

	select {
	case <-done:
		t.Fatalf("WaitUntil returned before predicate was satisfied")
	case <-time.After(20 * time.Millisecond):
	}

	g.Release(NotifyAll, func(v *int) { *v = 5 })

	select {
	case v := <-done:
		if v.(int) != 5 {
			t.Errorf("WaitUntil result = %v, want 5", v)
		}
	case <-time.After(time.Second):
		t.Fatalf("WaitUntil never returned after predicate was satisfied")
	}
}

func TestReleaseNotifyOneWakesExactlyOneWaiter(t *testing.T) {
	g := New(false)
	woken := make(chan int, 2)

	for i := 0; i < 2; i++ {
		i := i
		go func() {
			g.WaitUntil(func(v *bool) bool { return *v }, func(v *bool) any { return nil })
			woken <- i
		}()
	}
	time.Sleep(20 * time.Millisecond)

	g.Release(NotifyOne, func(v *bool) { *v = true })

	select {
	case <-woken:
	case <-time.After(time.Second):
		t.Fatalf("no waiter woke up after NotifyOne")
	}

	select {
	case <-woken:
		t.Fatalf("a second waiter woke up after a single NotifyOne")
	case <-time.After(20 * time.Millisecond):
	}
}
