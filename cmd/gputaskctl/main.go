// Command gputaskctl is a command-line client for the gputaskd HTTP API,
// mirroring the dispatch shape of the teacher's Kubernetes scheduler CLI
// but talking to gputaskd's own REST surface instead of a cluster API.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

func main() {
	baseURL := os.Getenv("GPUTASKD_ADDR")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}

	cli := &CLI{client: &http.Client{Timeout: 10 * time.Second}, baseURL: baseURL}
	if err := cli.ExecuteCommand(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// CLI dispatches subcommands against a gputaskd HTTP server.
type CLI struct {
	client  *http.Client
	baseURL string
}

// ExecuteCommand runs a single CLI command.
func (c *CLI) ExecuteCommand(args []string) error {
	if len(args) == 0 {
		return c.showHelp()
	}

	switch args[0] {
	case "status":
		return c.showStatus()
	case "gpus":
		return c.listGPUs()
	case "tasks":
		return c.listTasks()
	case "submit":
		if len(args) < 2 {
			return fmt.Errorf("submit command requires a task file")
		}
		return c.submitTask(args[1])
	case "logs":
		if len(args) < 2 {
			return fmt.Errorf("logs command requires a task id")
		}
		tail := 100
		if len(args) >= 3 {
			n, err := strconv.Atoi(args[2])
			if err != nil {
				return fmt.Errorf("invalid tail count %q: %w", args[2], err)
			}
			tail = n
		}
		return c.showLogs(args[1], tail)
	case "cancel":
		if len(args) < 2 {
			return fmt.Errorf("cancel command requires a task id")
		}
		return c.cancelTask(args[1])
	case "watch":
		return c.watchStatus()
	case "help":
		return c.showHelp()
	default:
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

func (c *CLI) showHelp() error {
	help := `gputaskctl - GPU task scheduler client

COMMANDS:
  status               Show GPU and task counts
  gpus                 List GPU status
  tasks                List all tasks
  submit <file>        Submit a task from a YAML file
  logs <id> [tail]      Show the last N lines of a task's log (default 100)
  cancel <id>           Cancel a queued or running task
  watch                 Watch GPU and task status update every 2s
  help                  Show this help message

ENVIRONMENT:
  GPUTASKD_ADDR         Base URL of the daemon (default http://localhost:8080)

EXAMPLES:
  gputaskctl submit job.yaml
  gputaskctl logs 7 200
  gputaskctl cancel 7
`
	fmt.Print(help)
	return nil
}

// taskYAML is the submission shape accepted by `submit`.
type taskYAML struct {
	Name     string  `yaml:"name" json:"name"`
	GPUType  string  `yaml:"gpu_type" json:"gpu_type"`
	GPUCount int     `yaml:"gpu_count" json:"gpu_count"`
	Command  string  `yaml:"command" json:"command"`
	CondaEnv *string `yaml:"conda_env,omitempty" json:"conda_env,omitempty"`
}

func (c *CLI) submitTask(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read task file: %w", err)
	}

	var t taskYAML
	if err := yaml.Unmarshal(data, &t); err != nil {
		return fmt.Errorf("failed to parse task YAML: %w", err)
	}
	if t.GPUCount == 0 {
		t.GPUCount = 1
	}

	body, err := json.Marshal(t)
	if err != nil {
		return err
	}

	resp, err := c.client.Post(c.baseURL+"/api/tasks", "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to submit task: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("submit failed: %s", describeError(resp))
	}

	var detail map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&detail); err != nil {
		return err
	}
	fmt.Printf("Task %v submitted (status=%v)\n", detail["id"], detail["status"])
	return nil
}

func (c *CLI) listGPUs() error {
	var gpus []map[string]interface{}
	if err := c.getJSON("/api/gpus", &gpus); err != nil {
		return err
	}

	fmt.Println("=== GPU Status ===")
	if len(gpus) == 0 {
		fmt.Println("No GPUs detected")
		return nil
	}
	for _, g := range gpus {
		fmt.Printf("  [%v] %v  free=%v  task=%v\n", g["index"], g["name"], g["is_free"], g["assigned_task_id"])
	}
	return nil
}

func (c *CLI) listTasks() error {
	var tasks []map[string]interface{}
	if err := c.getJSON("/api/tasks", &tasks); err != nil {
		return err
	}

	fmt.Println("=== Tasks ===")
	if len(tasks) == 0 {
		fmt.Println("No tasks")
		return nil
	}
	for _, t := range tasks {
		fmt.Printf("  #%v  %-20v  %-10v  gpu=%v x%v\n", t["id"], t["name"], t["status"], t["gpu_type"], t["gpu_count"])
	}
	return nil
}

func (c *CLI) showStatus() error {
	var gpus []map[string]interface{}
	if err := c.getJSON("/api/gpus", &gpus); err != nil {
		return err
	}
	var tasks []map[string]interface{}
	if err := c.getJSON("/api/tasks", &tasks); err != nil {
		return err
	}

	free := 0
	for _, g := range gpus {
		if isFree, _ := g["is_free"].(bool); isFree {
			free++
		}
	}

	counts := map[string]int{}
	for _, t := range tasks {
		status, _ := t["status"].(string)
		counts[status]++
	}

	fmt.Println("=== Scheduler Status ===")
	fmt.Printf("GPUs:    %d total, %d free\n", len(gpus), free)
	fmt.Printf("Tasks:   %d queued, %d running, %d completed, %d failed, %d cancelled\n",
		counts["queued"], counts["running"], counts["completed"], counts["failed"], counts["cancelled"])
	return nil
}

func (c *CLI) showLogs(idArg string, tail int) error {
	var result struct {
		Lines     []string `json:"lines"`
		Truncated bool     `json:"truncated"`
	}
	if err := c.getJSON(fmt.Sprintf("/api/tasks/%s/logs?tail=%d", idArg, tail), &result); err != nil {
		return err
	}
	for _, line := range result.Lines {
		fmt.Println(line)
	}
	if result.Truncated {
		fmt.Fprintf(os.Stderr, "(log truncated to last %d lines)\n", tail)
	}
	return nil
}

func (c *CLI) cancelTask(idArg string) error {
	resp, err := c.client.Post(c.baseURL+"/api/tasks/"+idArg+"/cancel", "application/json", nil)
	if err != nil {
		return fmt.Errorf("failed to cancel task: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("cancel failed: %s", describeError(resp))
	}
	fmt.Printf("Task %s cancelled\n", idArg)
	return nil
}

func (c *CLI) watchStatus() error {
	for {
		fmt.Print("\033[H\033[2J")
		if err := c.showStatus(); err != nil {
			return err
		}
		time.Sleep(2 * time.Second)
	}
}

func (c *CLI) getJSON(path string, out interface{}) error {
	resp, err := c.client.Get(c.baseURL + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("request failed: %s", describeError(resp))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func describeError(resp *http.Response) string {
	data, _ := io.ReadAll(resp.Body)
	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(data, &body) == nil && body.Error != "" {
		return fmt.Sprintf("%s (%s)", body.Error, resp.Status)
	}
	return resp.Status
}
