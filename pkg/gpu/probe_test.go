package gpu

import (
	"errors"
	"testing"
)

var errBoom = errors.New("boom")

func TestParseGPUStates(t *testing.T) {
	output := "0, GPU-aaa, NVIDIA A100, 40960, 1024, 10, 5\n" +
		"1, GPU-bbb, NVIDIA A100, 40960, 0, 0, 0\n"

	states, err := parseGPUStates(output)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(states) != 2 {
		t.Fatalf("expected 2 states, got %d", len(states))
	}

	if states[0].Index != 0 || states[0].Name != "NVIDIA A100" || states[0].UUID != "GPU-aaa" {
		t.Errorf("unexpected first state: %+v", states[0])
	}
	if states[0].MemoryTotal == nil || *states[0].MemoryTotal != 40960 {
		t.Errorf("expected memory total 40960, got %+v", states[0].MemoryTotal)
	}
	if states[0].UtilizationGPU == nil || *states[0].UtilizationGPU != 10 {
		t.Errorf("expected utilization_gpu 10, got %+v", states[0].UtilizationGPU)
	}
}

func TestParseGPUStatesSkipsMalformedLines(t *testing.T) {
	output := "not,enough\n0, GPU-aaa, NVIDIA A100, 40960, 1024, 10, 5\n"
	states, err := parseGPUStates(output)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(states) != 1 {
		t.Fatalf("expected 1 valid state, got %d", len(states))
	}
}

func TestParseGPUStatesEmpty(t *testing.T) {
	states, err := parseGPUStates("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(states) != 0 {
		t.Fatalf("expected no states, got %d", len(states))
	}
}

func TestFakeProber(t *testing.T) {
	fp := NewFakeProber(State{Index: 0, Name: "A100"})
	states, err := fp.Snapshot(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(states) != 1 || states[0].Name != "A100" {
		t.Fatalf("unexpected states: %+v", states)
	}

	fp.SetError(errBoom)
	if _, err := fp.Snapshot(nil); err != errBoom {
		t.Fatalf("expected errBoom, got %v", err)
	}
}
