package handlers

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"github.com/addison-moore/fleetrunner/pkg/apierrors"
)

// ScriptHandler runs a step's entry point as a shell script, streaming its
// stdout/stderr through the Output Manager line by line. Grounded on the
// runner executor's dual-goroutine pipe-reading pattern.
type ScriptHandler struct{}

// Run executes data.EntryPoint as a subprocess of /bin/sh (or the shell the
// host provides) in ec.WorkDir.
func (h *ScriptHandler) Run(ctx context.Context, ec ExecutionContext, data Data) error {
	if data.EntryPoint == "" {
		return apierrors.NewValidationError("entry_point", "", "script handler requires a non-empty entry point")
	}

	shell := "/bin/sh"
	if runtimeShell := ec.Env["SHELL"]; runtimeShell != "" {
		shell = runtimeShell
	}

	cmd := exec.CommandContext(ctx, shell, data.EntryPoint)
	cmd.Dir = ec.WorkDir
	cmd.Env = mergedEnv(ec.Env, data.Env)

	return runStreamed(cmd, ec)
}

// NodeHandler runs a step's entry point via a bundled Node interpreter,
// located by version label (e.g. "node20") under the runner's tool cache.
type NodeHandler struct{}

// Run locates the interpreter for data.VersionLabel and executes
// data.EntryPoint with it.
func (h *NodeHandler) Run(ctx context.Context, ec ExecutionContext, data Data) error {
	if data.EntryPoint == "" {
		return apierrors.NewValidationError("entry_point", "", "node handler requires a non-empty entry point")
	}

	nodePath, err := resolveNodeBinary(ec.ToolCache, data.VersionLabel)
	if err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, nodePath, data.EntryPoint)
	cmd.Dir = ec.WorkDir
	cmd.Env = mergedEnv(ec.Env, data.Env)

	return runStreamed(cmd, ec)
}

// resolveNodeBinary finds the node binary for a labeled runtime under
// <toolCache>/node/<label>/bin/node, falling back to PATH lookup if the
// bundled copy isn't present (e.g. during local development).
func resolveNodeBinary(toolCache, label string) (string, error) {
	if label == "" {
		label = "node20"
	}
	candidate := filepath.Join(toolCache, "node", label, "bin", "node")
	if _, err := os.Stat(candidate); err == nil {
		return candidate, nil
	}

	found, err := exec.LookPath("node")
	if err != nil {
		return "", apierrors.NewValidationError("version_label", label, fmt.Sprintf("no node interpreter found for label %q: %v", label, err))
	}
	return found, nil
}

// runStreamed starts cmd, streams stdout/stderr through ec.Output line by
// line, and waits for completion. Exit code 0 is success; anything else
// (including a signal-killed process) is an error.
func runStreamed(cmd *exec.Cmd, ec ExecutionContext) error {
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return apierrors.NewValidationError("stdout_pipe", "", err.Error())
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return apierrors.NewValidationError("stderr_pipe", "", err.Error())
	}

	if err := cmd.Start(); err != nil {
		return &apierrors.BaseError{
			Type:    apierrors.ErrorTypeExecution,
			Message: fmt.Sprintf("failed to start process: %v", err),
		}
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go streamLines(&wg, stdout, ec)
	go streamLines(&wg, stderr, ec)
	wg.Wait()

	if err := cmd.Wait(); err != nil {
		return &apierrors.BaseError{
			Type:    apierrors.ErrorTypeExecution,
			Message: fmt.Sprintf("process exited with error: %v", err),
		}
	}
	return nil
}

func streamLines(wg *sync.WaitGroup, r io.Reader, ec ExecutionContext) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if ec.Output != nil {
			ec.Output.ProcessLine(scanner.Text())
		}
	}
}
