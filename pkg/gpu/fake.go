package gpu

import (
	"context"
	"sync"
)

// FakeProber is an in-memory Prober for tests, following the teacher's
// pattern of a mock collector implementing the same interface as the
// real one so scheduler/manager tests never fork a subprocess.
type FakeProber struct {
	mu     sync.Mutex
	states []State
	err    error
}

// NewFakeProber returns a FakeProber seeded with the given states.
func NewFakeProber(states ...State) *FakeProber {
	return &FakeProber{states: states}
}

// SetStates replaces the snapshot returned by subsequent calls.
func (f *FakeProber) SetStates(states []State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states = states
}

// SetError makes subsequent calls return err instead of a snapshot.
func (f *FakeProber) SetError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// Snapshot implements Prober.
func (f *FakeProber) Snapshot(ctx context.Context) ([]State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := make([]State, len(f.states))
	copy(out, f.states)
	return out, nil
}
