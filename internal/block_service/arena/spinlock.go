package arena

import (
	"runtime"
	"sync/atomic"
)

// spinLock guards pointer-swap sized critical sections. Holders never sleep.
type spinLock struct {
	state atomic.Int32
}

func (l *spinLock) Lock() {
	for !l.state.CompareAndSwap(0, 1) {
		runtime.Gosched()
	}
}

func (l *spinLock) Unlock() {
	l.state.Store(0)
}
