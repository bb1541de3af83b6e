// Package orchestrator implements the five-state latch machine that
// coordinates the service side (cache scrub, proxy readiness, waiting
// on subordinate ECUs) with the local client side (pre-update, local
// apply) of one update session.
package orchestrator

import (
	"sync"
	"time"

	"github.com/otaclient/otaclient/pkg/otaerrors"
)

// State is one node of the START→S0→S1→S2→END chain.
type State string

const (
	StateStart State = "START"
	StateS0    State = "S0"
	StateS1    State = "S1"
	StateS2    State = "S2"
	StateEnd   State = "END"
)

var order = []State{StateStart, StateS0, StateS1, StateS2, StateEnd}

func next(s State) (State, bool) {
	for i, st := range order {
		if st == s && i+1 < len(order) {
			return order[i+1], true
		}
	}
	return "", false
}

// FSM holds one one-shot latch (a closed channel) per state; START's
// latch is set on construction. Each latch is set at most once; setting an already-set latch
// is an error, matching proceed()'s atomicity requirement.
type FSM struct {
	mu      sync.Mutex
	current State
	latches map[State]chan struct{}
}

// New builds an FSM parked at START.
func New() *FSM {
	f := &FSM{
		current: StateStart,
		latches: make(map[State]chan struct{}, len(order)),
	}
	for _, s := range order {
		f.latches[s] = make(chan struct{})
	}
	close(f.latches[StateStart])
	return f
}

// WaitOn blocks until state's latch is set or timeout elapses.
func (f *FSM) WaitOn(state State, timeout time.Duration) error {
	ch, ok := f.latches[state]
	if !ok {
		return otaerrors.Unrecoverablef(nil, "unknown state %q", state)
	}
	select {
	case <-ch:
		return nil
	case <-time.After(timeout):
		return otaerrors.Recoverablef(nil, "timed out waiting on state %s", state)
	}
}

// Proceed verifies the FSM is currently at expect, runs fn, and on
// fn's success advances to expect's successor by setting its latch.
// Setting an already-set latch (a double transition) is an
// unrecoverable programming error.
func (f *FSM) Proceed(caller string, expect State, timeout time.Duration, fn func() error) error {
	if err := f.WaitOn(expect, timeout); err != nil {
		return err
	}

	f.mu.Lock()
	if f.current != expect {
		cur := f.current
		f.mu.Unlock()
		return otaerrors.Unrecoverablef(nil, "%s: expected state %s, found %s", caller, expect, cur)
	}
	f.mu.Unlock()

	if fn != nil {
		if err := fn(); err != nil {
			return err
		}
	}

	nextState, ok := next(expect)
	if !ok {
		return otaerrors.Unrecoverablef(nil, "%s: no successor state after %s", caller, expect)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	select {
	case <-f.latches[nextState]:
		return otaerrors.Unrecoverablef(nil, "%s: state %s latch already set", caller, nextState)
	default:
	}
	close(f.latches[nextState])
	f.current = nextState
	return nil
}

// Current returns the highest state whose latch has been set.
func (f *FSM) Current() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

func (s State) String() string { return string(s) }
