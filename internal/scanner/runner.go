package scanner

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/lucasnoah/argus/internal/pipeline"
)

// Command is a scanner invocation whose stdout becomes an artifact.
type Command struct {
	Name    string
	Command string
	Format  string
	Timeout time.Duration
	// OKExitCodes lists non-zero exit codes that still mean the scan ran.
	// npm audit exits 1 when it finds vulnerabilities.
	OKExitCodes []int
}

// CommandRunner abstracts command execution for testability.
type CommandRunner interface {
	Run(ctx context.Context, dir string, command string) (stdout string, stderr string, exitCode int, err error)
}

// ExecRunner implements CommandRunner by shelling out.
type ExecRunner struct{}

func (e *ExecRunner) Run(ctx context.Context, dir string, command string) (string, string, int, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir

	var stdoutBuf, stderrBuf strings.Builder
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return stdoutBuf.String(), stderrBuf.String(), -1, fmt.Errorf("exec: %w", err)
		}
		exitCode = exitErr.ExitCode()
	}
	return stdoutBuf.String(), stderrBuf.String(), exitCode, nil
}

// Collector runs scanner commands in a checkout and captures their output
// as inline artifacts ready for ingestion.
type Collector struct {
	cmd CommandRunner
}

// NewCollector creates a Collector with the given command runner.
func NewCollector(cmd CommandRunner) *Collector {
	return &Collector{cmd: cmd}
}

// Collect runs every command in dir. Any failing scanner fails the collection.
func (c *Collector) Collect(ctx context.Context, dir string, cmds []Command) ([]pipeline.Artifact, error) {
	artifacts := make([]pipeline.Artifact, 0, len(cmds))
	for _, sc := range cmds {
		a, err := c.runOne(ctx, dir, sc)
		if err != nil {
			return nil, err
		}
		artifacts = append(artifacts, *a)
	}
	return artifacts, nil
}

func (c *Collector) runOne(ctx context.Context, dir string, sc Command) (*pipeline.Artifact, error) {
	timeout := sc.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stdout, stderr, exitCode, err := c.cmd.Run(ctx, dir, sc.Command)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("scanner %q: timeout after %s", sc.Name, timeout)
		}
		return nil, fmt.Errorf("scanner %q: %w", sc.Name, err)
	}
	if exitCode != 0 && !containsInt(sc.OKExitCodes, exitCode) {
		return nil, fmt.Errorf("scanner %q: exit code %d: %s", sc.Name, exitCode, tail(stderr, 500))
	}
	return &pipeline.Artifact{Name: sc.Name, Format: sc.Format, Data: stdout}, nil
}

func containsInt(xs []int, v int) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}

// tail keeps the end of s, where error summaries usually are.
func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "…" + s[len(s)-n:]
}
