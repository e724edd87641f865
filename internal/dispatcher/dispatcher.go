// Package dispatcher owns the Worker subprocess lifecycle for each
// accepted job: spawning the Worker, handing it the job over IPC, and
// mapping its exit code back to a TaskResult.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/addison-moore/fleetrunner/internal/config"
	"github.com/addison-moore/fleetrunner/internal/ipc"
	"github.com/addison-moore/fleetrunner/internal/taskresult"
	"github.com/addison-moore/fleetrunner/pkg/apierrors"
	"github.com/addison-moore/fleetrunner/pkg/types"
	"github.com/sirupsen/logrus"
)

// ShutdownReason distinguishes a user-initiated cancel from an OS
// shutdown, carried through to the Worker's final result.
type ShutdownReason int

const (
	ShutdownNone ShutdownReason = iota
	UserCancelled
	OperatingSystemShutdown
)

// Handle is the observable outcome of one dispatch.
type Handle struct {
	Result         taskresult.Result
	WorkerExitCode int
}

// Dispatcher owns at most one in-flight Worker at a time.
type Dispatcher struct {
	cfg config.DispatcherConfig
	log *logrus.Entry

	mu      sync.Mutex
	cmd     *exec.Cmd
	channel *ipc.Channel
	jobID   string
	running bool
}

// New creates a Dispatcher using cfg for subprocess and timing bounds.
func New(cfg config.DispatcherConfig, log *logrus.Entry) *Dispatcher {
	return &Dispatcher{cfg: cfg, log: log}
}

// Dispatch spawns a Worker for job, transfers it over IPC, and blocks
// until the Worker exits. A value received on reason is sent to the Worker
// as a CancelRequest or an OperatingSystemShutdown message, as the value
// says; ctx's cancellation is always sent as OperatingSystemShutdown. A
// Worker still running CancelGrace after either is killed.
func (d *Dispatcher) Dispatch(ctx context.Context, job types.JobMessage, reason <-chan ShutdownReason) (Handle, error) {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return Handle{}, &apierrors.BaseError{Type: apierrors.ErrorTypeResource, Message: "a job is already in flight"}
	}
	d.running = true
	d.jobID = job.JobID
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		d.running = false
		d.mu.Unlock()
	}()

	server, err := ipc.NewServer(d.cfg.SocketDir)
	if err != nil {
		return Handle{}, err
	}
	defer server.Close()

	cmd := exec.Command(d.cfg.WorkerBinary, "--pipeIn", server.SocketPath(), "--pipeOut", server.SocketPath())

	if err := cmd.Start(); err != nil {
		return Handle{Result: taskresult.Failed}, &apierrors.BaseError{
			Type:    apierrors.ErrorTypeExecution,
			Message: fmt.Sprintf("failed to spawn worker: %v", err),
		}
	}
	d.log.WithField("job_id", job.JobID).WithField("socket", server.SocketPath()).Info("worker spawned")

	d.mu.Lock()
	d.cmd = cmd
	d.mu.Unlock()

	channel, err := d.acceptWithTimeout(server)
	if err != nil {
		_ = cmd.Process.Kill()
		_, _ = cmd.Process.Wait()
		return Handle{Result: taskresult.Failed}, err
	}
	d.mu.Lock()
	d.channel = channel
	d.mu.Unlock()
	defer channel.Close()

	payload, err := json.Marshal(job)
	if err != nil {
		_ = cmd.Process.Kill()
		return Handle{Result: taskresult.Failed}, apierrors.NewValidationError("job", "json", err.Error())
	}

	if err := channel.Send(ipc.NewJobRequest, string(payload)); err != nil {
		_ = cmd.Process.Kill()
		return Handle{Result: taskresult.Failed}, err
	}

	return d.waitForCompletion(ctx, cmd, channel, reason)
}

// acceptWithTimeout blocks on server.Accept() bounded by the configured
// accept timeout.
func (d *Dispatcher) acceptWithTimeout(server *ipc.Server) (*ipc.Channel, error) {
	type result struct {
		ch  *ipc.Channel
		err error
	}
	ch := make(chan result, 1)
	go func() {
		c, err := server.Accept()
		ch <- result{c, err}
	}()

	timeout := d.cfg.AcceptTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	select {
	case r := <-ch:
		return r.ch, r.err
	case <-time.After(timeout):
		return nil, &apierrors.BaseError{
			Type:    apierrors.ErrorTypeTimeout,
			Message: "worker did not connect within the accept timeout",
		}
	}
}

// waitForCompletion waits concurrently on the Worker's exit and on a
// requested shutdown, sending CancelRequest and force-killing after a
// grace window if the Worker doesn't exit in time.
func (d *Dispatcher) waitForCompletion(ctx context.Context, cmd *exec.Cmd, channel *ipc.Channel, reason <-chan ShutdownReason) (Handle, error) {
	exitCh := make(chan error, 1)
	go func() { exitCh <- cmd.Wait() }()

	grace := d.cfg.CancelGrace
	if grace <= 0 {
		grace = 45 * time.Second
	}

	for {
		select {
		case err := <-exitCh:
			return d.handleExit(cmd, err)

		case r := <-reason:
			msgType := ipc.CancelRequest
			if r == OperatingSystemShutdown {
				msgType = ipc.OperatingSystemShutdown
			}
			_ = channel.Send(msgType, "")

			select {
			case err := <-exitCh:
				return d.handleExit(cmd, err)
			case <-time.After(grace):
				d.log.Warn("worker did not exit within the cancel grace window, force-killing")
				_ = cmd.Process.Kill()
				<-exitCh
				if r == OperatingSystemShutdown {
					return Handle{Result: taskresult.Failed}, nil
				}
				return Handle{Result: taskresult.Canceled}, nil
			}

		case <-ctx.Done():
			_ = channel.Send(ipc.OperatingSystemShutdown, "")
			select {
			case err := <-exitCh:
				return d.handleExit(cmd, err)
			case <-time.After(grace):
				_ = cmd.Process.Kill()
				<-exitCh
				return Handle{Result: taskresult.Failed}, nil
			}
		}
	}
}

func (d *Dispatcher) handleExit(cmd *exec.Cmd, waitErr error) (Handle, error) {
	exitCode := 0
	if exitErr, ok := waitErr.(*exec.ExitError); ok {
		exitCode = exitErr.ExitCode()
	} else if waitErr != nil {
		return Handle{Result: taskresult.Failed}, nil
	} else {
		exitCode = cmd.ProcessState.ExitCode()
	}

	result := taskresult.FromReturnCode(exitCode)
	return Handle{Result: result, WorkerExitCode: exitCode}, nil
}

// Cancel sends a CancelRequest to the Worker handling jobID, if still
// running. It is idempotent: calling it when no job (or a different job)
// is in flight is a no-op.
func (d *Dispatcher) Cancel(jobID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running || d.jobID != jobID || d.channel == nil {
		return
	}
	_ = d.channel.Send(ipc.CancelRequest, "")
}
