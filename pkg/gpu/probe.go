package gpu

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/agentaflow/gpu-task-scheduler/pkg/apierr"
)

const (
	probeTimeout    = 5 * time.Second
	usernameTimeout = 2 * time.Second
)

// Prober returns an ordered-by-index snapshot of the host's GPUs.
type Prober interface {
	Snapshot(ctx context.Context) ([]State, error)
}

// NvidiaSMIProber queries GPU state via the nvidia-smi CLI tool, following
// the same exec.Command/csv-parsing idiom the teacher project uses for its
// own metrics collector.
type NvidiaSMIProber struct{}

// NewNvidiaSMIProber returns a Prober backed by the nvidia-smi binary.
func NewNvidiaSMIProber() *NvidiaSMIProber {
	return &NvidiaSMIProber{}
}

// Snapshot returns one State per physically present GPU, ordered by index
// ascending. An empty, nil-error result means no probe tool is on PATH, or
// the tool exited non-zero without writing anything to stderr — callers
// must treat that as "zero GPUs", not a failure. A non-nil error means the
// tool could not be run, timed out, or failed with an error message.
func (p *NvidiaSMIProber) Snapshot(ctx context.Context) ([]State, error) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "nvidia-smi",
		"--query-gpu=index,uuid,name,memory.total,memory.used,utilization.gpu,utilization.memory",
		"--format=csv,noheader,nounits")
	output, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return nil, apierr.ProbeErrorf(ctx.Err(), "nvidia-smi did not complete in time")
		}
		if _, ok := err.(*exec.Error); ok {
			// nvidia-smi not found on PATH: treat as "no GPUs", not an error.
			return nil, nil
		}
		if exitErr, ok := err.(*exec.ExitError); ok {
			stderr := strings.TrimSpace(string(exitErr.Stderr))
			if stderr == "" {
				return nil, nil
			}
			return nil, apierr.ProbeErrorf(err, "nvidia-smi returned non-zero exit status: %s", stderr)
		}
		return nil, apierr.ProbeErrorf(err, "failed to invoke nvidia-smi")
	}

	states, err := parseGPUStates(string(output))
	if err != nil {
		return nil, apierr.ProbeErrorf(err, "failed to parse nvidia-smi output")
	}

	processes, err := p.queryProcesses(ctx)
	if err == nil && len(processes) > 0 {
		byUUID := make(map[string]*State, len(states))
		for i := range states {
			if states[i].UUID != "" {
				byUUID[states[i].UUID] = &states[i]
			}
		}
		for uuid, procs := range processes {
			if state, ok := byUUID[uuid]; ok {
				state.Processes = append(state.Processes, procs...)
			}
		}
	}

	return states, nil
}

func parseGPUStates(output string) ([]State, error) {
	var states []State
	scanner := bufio.NewScanner(strings.NewReader(strings.TrimSpace(output)))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		parts := splitCSVFields(line)
		if len(parts) < 3 {
			continue
		}

		index, err := parseIntField(parts[0])
		if err != nil || index == nil {
			continue
		}

		state := State{
			Index: int(*index),
			UUID:  parts[1],
			Name:  parts[2],
		}
		if len(parts) > 3 {
			state.MemoryTotal = parseInt64Field(parts[3])
		}
		if len(parts) > 4 {
			state.MemoryUsed = parseInt64Field(parts[4])
		}
		if len(parts) > 5 {
			state.UtilizationGPU = toIntPtr(parseInt64Field(parts[5]))
		}
		if len(parts) > 6 {
			state.UtilizationMem = toIntPtr(parseInt64Field(parts[6]))
		}
		states = append(states, state)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return states, nil
}

func (p *NvidiaSMIProber) queryProcesses(ctx context.Context) (map[string][]Process, error) {
	cmd := exec.CommandContext(ctx, "nvidia-smi",
		"--query-compute-apps=gpu_uuid,pid,process_name,used_memory",
		"--format=csv,noheader,nounits")
	output, err := cmd.Output()
	if err != nil {
		return nil, err
	}

	result := make(map[string][]Process)
	scanner := bufio.NewScanner(strings.NewReader(strings.TrimSpace(string(output))))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		parts := splitCSVFields(line)
		if len(parts) < 2 {
			continue
		}
		uuid := parts[0]
		pidPtr, err := parseIntField(parts[1])
		if uuid == "" || err != nil || pidPtr == nil {
			continue
		}
		proc := Process{PID: int(*pidPtr)}
		if len(parts) > 2 {
			proc.Name = parts[2]
		}
		if len(parts) > 3 {
			proc.UsedMemory = parseInt64Field(parts[3])
		}
		proc.Username = lookupUsername(ctx, proc.PID)
		result[uuid] = append(result[uuid], proc)
	}
	return result, scanner.Err()
}

func lookupUsername(ctx context.Context, pid int) string {
	ctx, cancel := context.WithTimeout(ctx, usernameTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, "ps", "-o", "user=", "-p", strconv.Itoa(pid))
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

func splitCSVFields(line string) []string {
	raw := strings.Split(line, ",")
	fields := make([]string, len(raw))
	for i, f := range raw {
		fields[i] = strings.TrimSpace(f)
	}
	return fields
}

func parseIntField(value string) (*int64, error) {
	v := strings.TrimSpace(value)
	if v == "" || v == "N/A" || v == "[N/A]" {
		return nil, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid integer field %q: %w", value, err)
	}
	return &n, nil
}

func parseInt64Field(value string) *int64 {
	n, err := parseIntField(value)
	if err != nil {
		return nil
	}
	return n
}

func toIntPtr(v *int64) *int {
	if v == nil {
		return nil
	}
	i := int(*v)
	return &i
}
