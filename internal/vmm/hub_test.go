package vmm

import (
	"sync"
	"testing"
	"time"
)

func TestHubPauseResumeBarrier(t *testing.T) {
	h := newDebugHub()
	shutdown := make(chan struct{})

	const cpus = 4
	for id := 0; id < cpus; id++ {
		h.register(id)
	}

	resumed := make(chan int, cpus)
	var wg sync.WaitGroup
	for id := 0; id < cpus; id++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Spin until asked to pause, like a run loop polling between
			// guest entries.
			for !h.pauseRequested() {
				time.Sleep(time.Millisecond)
			}
			if act := h.park(id, shutdown); act != parkResume {
				t.Errorf("cpu %d: park returned %v", id, act)
			}
			resumed <- id
		}()
	}

	h.beginPause()
	h.waitAllParked()

	// Nobody resumes before the broadcast.
	select {
	case id := <-resumed:
		t.Fatalf("cpu %d resumed before resumeAll", id)
	case <-time.After(20 * time.Millisecond):
	}

	h.resumeAll()
	wg.Wait()

	if len(resumed) != cpus {
		t.Errorf("resumed %d of %d CPUs", len(resumed), cpus)
	}
}

func TestHubDeregisterUnblocksPause(t *testing.T) {
	h := newDebugHub()
	shutdown := make(chan struct{})

	h.register(0)
	h.register(1)

	// CPU 0 parks; CPU 1 exits instead of parking.
	go func() {
		for !h.pauseRequested() {
			time.Sleep(time.Millisecond)
		}
		h.park(0, shutdown)
	}()
	go func() {
		time.Sleep(10 * time.Millisecond)
		h.deregister(1)
	}()

	done := make(chan struct{})
	go func() {
		h.beginPause()
		h.waitAllParked()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pause barrier deadlocked on an exited vCPU")
	}

	h.resumeAll()
}

func TestHubParkAfterResumeDoesNotHang(t *testing.T) {
	h := newDebugHub()
	shutdown := make(chan struct{})
	h.register(0)

	h.beginPause()
	h.resumeAll()

	// A vCPU that saw the pause flag before resumeAll cleared it must not
	// wait for a command that was never sent.
	done := make(chan parkAction, 1)
	go func() { done <- h.park(0, shutdown) }()

	select {
	case act := <-done:
		if act != parkResume {
			t.Errorf("got %v, want parkResume", act)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("late parker hung")
	}
}

func TestHubShutdownReleasesParked(t *testing.T) {
	h := newDebugHub()
	shutdown := make(chan struct{})
	h.register(0)
	h.beginPause()

	done := make(chan parkAction, 1)
	go func() { done <- h.park(0, shutdown) }()

	// Let it reach the barrier, then shut the VM down.
	h.waitAllParked()
	close(shutdown)

	select {
	case act := <-done:
		if act != parkShutdown {
			t.Errorf("got %v, want parkShutdown", act)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("parked vCPU missed shutdown")
	}
}

func TestHubResumeDropsStaleStops(t *testing.T) {
	h := newDebugHub()
	shutdown := make(chan struct{})
	h.register(0)
	h.register(1)
	h.beginPause()

	var wg sync.WaitGroup
	for id := 0; id < 2; id++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.park(id, shutdown)
		}()
	}
	h.waitAllParked()

	// Both vCPUs trapped in the same pause cycle; the debugger consumes only
	// the first stop before resuming.
	h.reportStop(StopEvent{CPU: 0, Signal: 5})
	h.reportStop(StopEvent{CPU: 1, Signal: 5})
	<-h.stops

	h.resumeAll()
	wg.Wait()

	select {
	case ev := <-h.stops:
		t.Fatalf("stale stop survived resume: %+v", ev)
	default:
	}
}

func TestHubStepDropsStaleStops(t *testing.T) {
	h := newDebugHub()
	shutdown := make(chan struct{})
	h.register(0)
	h.beginPause()

	acts := make(chan parkAction, 1)
	go func() { acts <- h.park(0, shutdown) }()
	h.waitAllParked()

	// A stop left over from this cycle must not be mistaken for the step's
	// completion.
	h.reportStop(StopEvent{CPU: 0, Signal: 5})

	if !h.step(0) {
		t.Fatal("step refused for a parked vCPU")
	}
	if act := <-acts; act != parkStep {
		t.Fatalf("got %v, want parkStep", act)
	}

	select {
	case ev := <-h.stops:
		t.Fatalf("stale stop survived step: %+v", ev)
	default:
	}
}

func TestHubStepReleasesOneCPU(t *testing.T) {
	h := newDebugHub()
	shutdown := make(chan struct{})
	h.register(0)
	h.register(1)
	h.beginPause()

	acts := make(map[int]chan parkAction)
	for id := 0; id < 2; id++ {
		ch := make(chan parkAction, 1)
		acts[id] = ch
		go func() { ch <- h.park(id, shutdown) }()
	}
	h.waitAllParked()

	if !h.step(0) {
		t.Fatal("step(0) refused for a parked vCPU")
	}

	select {
	case act := <-acts[0]:
		if act != parkStep {
			t.Errorf("cpu 0: got %v, want parkStep", act)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cpu 0 did not receive step")
	}

	// CPU 1 stays parked.
	select {
	case act := <-acts[1]:
		t.Fatalf("cpu 1 released by step: %v", act)
	case <-time.After(20 * time.Millisecond):
	}

	h.resumeAll()
	<-acts[1]
}
