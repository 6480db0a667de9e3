package harness

import (
	"bytes"
	"context"
	"time"

	"github.com/artpar/relsync/internal/cli"
)

// CLIResult holds CLI execution results.
type CLIResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// CLIRunner executes CLI commands against the harness backend.
type CLIRunner struct {
	harness *E2EHarness
	user    string
}

// Run executes a CLI command with the given arguments.
func (r *CLIRunner) Run(args ...string) (*CLIResult, error) {
	ctx, cancel := context.WithTimeout(context.Background(), r.harness.timeout)
	defer cancel()

	start := time.Now()

	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}

	global := []string{"--config", r.harness.configPath(), "--base-url", r.harness.ServerURL()}
	if r.user != "" {
		global = append(global, "--user", r.user)
	}

	cmd := cli.NewRootCommand("test")
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.SetArgs(append(global, args...))

	err := cmd.ExecuteContext(ctx)

	result := &CLIResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if err != nil {
		result.ExitCode = 1
	}

	return result, err
}

// Toggle flips relation for entity.
func (r *CLIRunner) Toggle(relation, entity string, opts ...string) (*CLIResult, error) {
	args := []string{"toggle", relation, entity}
	args = append(args, opts...)
	return r.Run(args...)
}

// Show prints the state of entities.
func (r *CLIRunner) Show(relation string, entities ...string) (*CLIResult, error) {
	args := append([]string{"show", relation}, entities...)
	return r.Run(args...)
}

// ShowJSON prints the state of entities as JSON.
func (r *CLIRunner) ShowJSON(relation string, entities ...string) (*CLIResult, error) {
	args := append([]string{"show", relation}, entities...)
	return r.Run(append(args, "--json")...)
}

// ClearCache removes persisted membership for relations, or all of them.
func (r *CLIRunner) ClearCache(relations ...string) (*CLIResult, error) {
	return r.Run(append([]string{"cache", "clear"}, relations...)...)
}
