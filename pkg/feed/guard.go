package feed

import (
	"sync/atomic"

	"feedsync/pkg/syncerr"
)

type GuardState int32

const (
	Idle GuardState = iota
	InFlight
)

func (s GuardState) String() string {
	if s == InFlight {
		return "in_flight"
	}
	return "idle"
}

// Guard admits one operation at a time. A second caller is rejected, not
// queued.
type Guard struct {
	op    string
	state atomic.Int32
}

func NewGuard(op string) *Guard {
	return &Guard{op: op}
}

// Acquire moves the guard to InFlight or fails with ErrConcurrency.
func (g *Guard) Acquire() error {
	if !g.state.CompareAndSwap(int32(Idle), int32(InFlight)) {
		return syncerr.Concurrency(g.op)
	}
	return nil
}

func (g *Guard) Release() {
	g.state.Store(int32(Idle))
}

func (g *Guard) State() GuardState {
	return GuardState(g.state.Load())
}
