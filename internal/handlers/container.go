package handlers

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/addison-moore/fleetrunner/internal/config"
	"github.com/addison-moore/fleetrunner/pkg/apierrors"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// containerWorkspacePath is where the job workspace is bind-mounted inside
// the job container, mirroring the host workspace layout so relative paths
// in step output need only a prefix swap.
const containerWorkspacePath = "/__w"

// ContainerHandler runs a step's entry point inside the job container (or a
// service/action container), grounded on the orchestrator's Docker executor.
type ContainerHandler struct{}

// Run creates, starts, and waits on a container for data.Container,
// streaming its combined log output through ec.Output with host/container
// path translation applied to every line. The image is not pulled: creation
// uses only an image the Docker daemon already has.
func (h *ContainerHandler) Run(ctx context.Context, ec ExecutionContext, data Data) error {
	if data.Container == nil {
		return apierrors.NewValidationError("container", "required", "container handler requires a ContainerDescription")
	}

	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return apierrors.NewDockerError("CLIENT_INIT", err.Error(), "new_client")
	}
	defer cli.Close()

	if _, err := cli.Ping(ctx); err != nil {
		return apierrors.NewDockerError("PING", err.Error(), "ping")
	}

	cfg := &container.Config{
		Image:      data.Container.Image,
		Env:        mergedEnv(ec.Env, data.Container.Env),
		WorkingDir: containerWorkspacePath,
		Tty:        false,
	}

	hostCfg := &container.HostConfig{
		Mounts: []mount.Mount{
			{
				Type:   mount.TypeBind,
				Source: ec.WorkDir,
				Target: containerWorkspacePath,
			},
		},
		AutoRemove: false,
	}

	if limits, err := resourceLimits(ec.Resources); err != nil {
		return err
	} else if limits != nil {
		hostCfg.Resources = *limits
	}

	created, err := cli.ContainerCreate(ctx, cfg, hostCfg, &network.NetworkingConfig{}, nil, "")
	if err != nil {
		return apierrors.NewDockerError("CREATE", err.Error(), "container_create")
	}
	containerID := created.ID

	defer func() {
		_ = cli.ContainerRemove(context.Background(), containerID, container.RemoveOptions{Force: true})
	}()

	if err := cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return apierrors.NewDockerError("START", err.Error(), "container_start")
	}

	statusCh, errCh := cli.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)

	logs, err := cli.ContainerLogs(ctx, containerID, container.LogsOptions{ShowStdout: true, ShowStderr: true, Follow: true})
	if err != nil {
		return apierrors.NewDockerError("LOGS", err.Error(), "container_logs")
	}
	defer logs.Close()

	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()

	go func() {
		defer stdoutW.Close()
		defer stderrW.Close()
		_, _ = stdcopy.StdCopy(stdoutW, stderrW, logs)
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		streamTranslatedLines(stdoutR, ec)
	}()
	go streamTranslatedLines(stderrR, ec)
	<-done

	select {
	case err := <-errCh:
		if err != nil {
			return apierrors.NewDockerError("WAIT", err.Error(), "container_wait")
		}
	case status := <-statusCh:
		if status.StatusCode != 0 {
			return &apierrors.BaseError{
				Type:    apierrors.ErrorTypeExecution,
				Message: fmt.Sprintf("container exited with status %d", status.StatusCode),
			}
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	return nil
}

// streamTranslatedLines reads newline-delimited log data from r, rewrites
// any container workspace path back to the host path, and forwards each
// line to ec.Output.
func streamTranslatedLines(r io.Reader, ec ExecutionContext) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if ec.Output != nil {
			ec.Output.ProcessLine(translateContainerPath(scanner.Text(), ec.WorkDir))
		}
	}
}

// translateContainerPath rewrites the well-known in-container workspace
// path prefix back to the host path so warnings/annotations referencing
// files resolve for whoever reads the job log.
func translateContainerPath(line, hostWorkDir string) string {
	return strings.ReplaceAll(line, containerWorkspacePath, hostWorkDir)
}

// resourceLimits translates the configured CPU/memory limits into Docker's
// container.Resources, or returns nil if limits is the zero value.
func resourceLimits(limits config.ResourceLimits) (*container.Resources, error) {
	if limits.CPU == 0 && limits.Memory == "" {
		return nil, nil
	}

	res := &container.Resources{}
	if limits.CPU > 0 {
		res.NanoCPUs = int64(limits.CPU * 1e9)
	}
	if limits.Memory != "" {
		bytes, err := parseMemory(limits.Memory)
		if err != nil {
			return nil, err
		}
		res.Memory = bytes
	}
	return res, nil
}

// parseMemory parses a Docker-style memory limit string (e.g. "512MB",
// "1GB") into a byte count.
func parseMemory(mem string) (int64, error) {
	if mem == "" {
		return 0, nil
	}
	// Ordered longest-suffix-first: "B" is a suffix of "KB"/"MB"/"GB" too,
	// so it must be checked last or it matches "512MB" and leaves "512M"
	// behind for ParseInt.
	multipliers := []struct {
		suffix string
		mult   int64
	}{
		{"GB", 1024 * 1024 * 1024},
		{"MB", 1024 * 1024},
		{"KB", 1024},
		{"B", 1},
	}
	mem = strings.ToUpper(strings.TrimSpace(mem))
	for _, m := range multipliers {
		if strings.HasSuffix(mem, m.suffix) {
			numStr := strings.TrimSuffix(mem, m.suffix)
			n, err := strconv.ParseInt(strings.TrimSpace(numStr), 10, 64)
			if err != nil {
				return 0, apierrors.NewValidationError("memory", "numeric", fmt.Sprintf("invalid memory value %q: %v", mem, err))
			}
			return n * m.mult, nil
		}
	}
	n, err := strconv.ParseInt(mem, 10, 64)
	if err != nil {
		return 0, apierrors.NewValidationError("memory", "numeric", fmt.Sprintf("invalid memory value %q", mem))
	}
	return n, nil
}
