package vmm

import "sync"

// StopEvent is what the debug server learns about a halted target: which
// vCPU stopped and why, or that the whole VM exited.
type StopEvent struct {
	CPU    int
	Signal byte // GDB signal number; 5 is SIGTRAP
	Exited bool
	Code   int32
}

type parkAction int

const (
	parkResume parkAction = iota
	parkStep
	parkShutdown
)

// debugHub is the all-stop rendezvous between the vCPU run loops and the
// debug server. Pausing means every registered vCPU reaches park; resuming
// releases them together. A vCPU that exits independently deregisters, so
// the barrier never waits for a thread that can no longer arrive.
type debugHub struct {
	mu         sync.Mutex
	cond       *sync.Cond
	registered map[int]chan parkAction
	parked     map[int]bool
	pausing    bool

	stops chan StopEvent
}

func newDebugHub() *debugHub {
	h := &debugHub{
		registered: make(map[int]chan parkAction),
		parked:     make(map[int]bool),
		stops:      make(chan StopEvent, 16),
	}
	h.cond = sync.NewCond(&h.mu)
	return h
}

func (h *debugHub) register(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.registered[id] = make(chan parkAction, 1)
}

func (h *debugHub) deregister(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.registered, id)
	delete(h.parked, id)
	h.cond.Broadcast()
}

func (h *debugHub) pauseRequested() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pausing
}

// beginPause flags the all-stop without waiting; the caller kicks the other
// vCPUs so they reach park.
func (h *debugHub) beginPause() {
	h.mu.Lock()
	h.pausing = true
	h.mu.Unlock()
}

// waitAllParked blocks until every registered vCPU is at the barrier.
func (h *debugHub) waitAllParked() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for len(h.parked) < len(h.registered) {
		h.cond.Wait()
	}
}

// park blocks the calling vCPU at the barrier until it is commanded to
// resume or step, or the VM shuts down. If the pause was already lifted by
// the time we arrive (resume raced with a late parker), park returns
// immediately instead of waiting for a command that will never come.
func (h *debugHub) park(id int, shutdown <-chan struct{}) parkAction {
	h.mu.Lock()
	if !h.pausing {
		h.mu.Unlock()
		return parkResume
	}
	ch, ok := h.registered[id]
	if !ok {
		h.mu.Unlock()
		return parkShutdown
	}
	h.parked[id] = true
	h.cond.Broadcast()
	h.mu.Unlock()

	var act parkAction
	select {
	case act = <-ch:
	case <-shutdown:
		act = parkShutdown
	}

	h.mu.Lock()
	delete(h.parked, id)
	h.mu.Unlock()
	return act
}

// drainStops discards stop events left over from the pause cycle that is
// ending. When several vCPUs trap in the same cycle only one stop is
// consumed; the rest must not leak into the next wait as phantom stops.
func (h *debugHub) drainStops() {
	for {
		select {
		case <-h.stops:
		default:
			return
		}
	}
}

// resumeAll lifts the pause and releases every parked vCPU together.
func (h *debugHub) resumeAll() {
	h.mu.Lock()
	h.drainStops()
	h.pausing = false
	var targets []chan parkAction
	for id := range h.parked {
		targets = append(targets, h.registered[id])
	}
	h.mu.Unlock()

	for _, ch := range targets {
		select {
		case ch <- parkResume:
		default:
		}
	}
}

// step releases a single parked vCPU for one instruction; everything else
// stays at the barrier.
func (h *debugHub) step(id int) bool {
	h.mu.Lock()
	h.drainStops()
	ch, ok := h.registered[id]
	parked := h.parked[id]
	h.mu.Unlock()

	if !ok || !parked {
		return false
	}
	select {
	case ch <- parkStep:
		return true
	default:
		return false
	}
}

func (h *debugHub) reportStop(ev StopEvent) {
	select {
	case h.stops <- ev:
	default:
	}
}
