package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/agentaflow/gpu-task-scheduler/pkg/apierr"
)

// FakeHost is an in-memory Host for tests: no process is ever forked.
type FakeHost struct {
	mu           sync.Mutex
	unavailable  bool
	launchErr    map[string]error
	live         map[string]bool
	started      []string
	attached     []string
	killed       []string
}

// NewFakeHost returns an empty FakeHost.
func NewFakeHost() *FakeHost {
	return &FakeHost{
		launchErr: make(map[string]error),
		live:      make(map[string]bool),
	}
}

// SetUnavailable makes EnsureAvailable fail.
func (f *FakeHost) SetUnavailable(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unavailable = v
}

// FailLaunch makes StartSession fail for the given session name.
func (f *FakeHost) FailLaunch(sessionName string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.launchErr[sessionName] = err
}

func (f *FakeHost) EnsureAvailable(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unavailable {
		return apierr.SessionUnavailablef(nil, "fake session host unavailable")
	}
	return nil
}

func (f *FakeHost) StartSession(ctx context.Context, sessionName, scriptPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.launchErr[sessionName]; err != nil {
		return apierr.SessionLaunchErrorf(err, "fake launch failed for %s", sessionName)
	}
	f.live[sessionName] = true
	f.started = append(f.started, sessionName)
	return nil
}

func (f *FakeHost) AttachOutput(ctx context.Context, sessionName, logPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attached = append(f.attached, fmt.Sprintf("%s:%s", sessionName, logPath))
	return nil
}

func (f *FakeHost) HasSession(ctx context.Context, sessionName string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.live[sessionName]
}

func (f *FakeHost) KillSession(ctx context.Context, sessionName string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.live, sessionName)
	f.killed = append(f.killed, sessionName)
}

// FinishSession simulates the session process exiting, as observed by the
// next HasSession call returning false.
func (f *FakeHost) FinishSession(sessionName string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.live, sessionName)
}

// Started returns the session names StartSession was called with, in order.
func (f *FakeHost) Started() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.started))
	copy(out, f.started)
	return out
}

// Killed returns the session names KillSession was called with, in order.
func (f *FakeHost) Killed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.killed))
	copy(out, f.killed)
	return out
}
