package vmm

import "sync/atomic"

// exitCell is the VM-wide exit code: a first-writer-wins atomic cell. The
// high bit marks the cell as decided so a guest exit code of zero is
// distinguishable from "not yet exited".
type exitCell struct {
	v atomic.Uint64
}

const exitDecided = 1 << 63

func (c *exitCell) Set(code int32) bool {
	return c.v.CompareAndSwap(0, exitDecided|uint64(uint32(code)))
}

func (c *exitCell) Get() (int32, bool) {
	v := c.v.Load()
	if v&exitDecided == 0 {
		return 0, false
	}
	return int32(uint32(v)), true
}
