// Package worker implements the Worker process body: receive one job over
// IPC, run it through the Steps Runner, report completion, and translate
// the final result into the Worker's exit code.
package worker

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"time"

	"github.com/addison-moore/fleetrunner/internal/config"
	"github.com/addison-moore/fleetrunner/internal/expr"
	"github.com/addison-moore/fleetrunner/internal/ipc"
	"github.com/addison-moore/fleetrunner/internal/outputmgr"
	"github.com/addison-moore/fleetrunner/internal/rcontext"
	"github.com/addison-moore/fleetrunner/internal/runservice"
	"github.com/addison-moore/fleetrunner/internal/secretmasker"
	"github.com/addison-moore/fleetrunner/internal/steps"
	"github.com/addison-moore/fleetrunner/internal/taskresult"
	"github.com/addison-moore/fleetrunner/internal/tracing"
	"github.com/addison-moore/fleetrunner/pkg/types"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("fleetrunner-worker")

// Config carries the Worker's invocation arguments.
type Config struct {
	PipeIn, PipeOut string
	DebugLogging    bool
	Resources       config.ResourceLimits
	TempDir         string
}

// Run executes exactly one job and returns its final TaskResult. The caller
// is responsible for translating the result to a process exit code via
// taskresult.ToReturnCode.
func Run(ctx context.Context, cfg Config, log *logrus.Logger) taskresult.Result {
	channel, err := connect(cfg)
	if err != nil {
		log.WithError(err).Error("failed to connect IPC channel")
		return taskresult.Failed
	}
	defer channel.Close()

	job, err := receiveJob(channel)
	if err != nil {
		log.WithError(err).Error("failed to receive job")
		return taskresult.Failed
	}

	if err := job.Validate(); err != nil {
		log.WithError(err).Error("invalid job message")
		return taskresult.Failed
	}

	masker := secretmasker.New()
	registerSecrets(masker, job)

	log.Info("job received, beginning execution")

	runnerCtx := rcontext.NewRunner()
	githubCtx, err := rcontext.NewGithub(job.ContextData)
	if err != nil {
		log.WithError(err).Error("failed to parse github context")
		return taskresult.Failed
	}
	stepsCtx := rcontext.NewSteps()
	traceWriter := expr.NewTraceWriter(cfg.DebugLogging)

	out := outputmgr.New(masker, os.Stdout, log.WithField("source", "step"), nil, cfg.DebugLogging)
	var streamer *outputmgr.Streamer
	if streamer = connectLiveLogStreamer(ctx, job, log); streamer != nil {
		out.SetLiveSink(streamer)
	}

	scratchDir, scratchErr := os.MkdirTemp(cfg.TempDir, "job-"+job.JobID+"-")
	if scratchErr != nil {
		log.WithError(scratchErr).Warn("failed to create job scratch directory")
		scratchDir = ""
	}
	defer cleanupJob(scratchDir, streamer, log)

	runner := &steps.Runner{
		Log:          log.WithField("component", "steps"),
		Runner:       runnerCtx,
		Github:       githubCtx,
		Steps:        stepsCtx,
		Trace:        traceWriter,
		WorkDir:      runnerCtx.Workspace,
		RunnerTemp:   runnerCtx.Temp,
		ToolCache:    runnerCtx.ToolCache,
		BaseEnv:      job.Environment,
		Resources:    cfg.Resources,
		JobContainer: job.JobContainer,
	}

	execCtx, cancelExec := context.WithCancel(tracing.Extract(ctx, job.TraceParent))
	defer cancelExec()

	spanCtx, span := tracer.Start(execCtx, "job.run")
	span.SetAttributes(attribute.String("job.id", job.JobID), attribute.String("job.plan_id", job.PlanID))
	defer span.End()

	shutdownReason := make(chan shutdownReason, 1)
	go watchForCancellation(channel, runner, cancelExec, shutdownReason)

	result, runErr := runner.Run(spanCtx, job.Steps, out)
	if runErr != nil {
		log.WithError(runErr).Error("steps runner failed")
		result = taskresult.Failed
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
	}

	select {
	case reason := <-shutdownReason:
		if reason == shutdownOperatingSystem {
			result = taskresult.Failed
		} else if reason == shutdownUserCancelled && result != taskresult.Failed {
			result = taskresult.Canceled
		}
	default:
	}
	span.SetAttributes(attribute.String("job.result", result.String()))

	reportCompletion(ctx, job, result, log)

	return result
}

// connect dials the Listener-provided IPC endpoint. The underlying
// transport is a single full-duplex Unix domain socket, so pipeIn and
// pipeOut name the same connection from opposite ends; only pipeIn is
// dialed here.
func connect(cfg Config) (*ipc.Channel, error) {
	return ipc.Dial(cfg.PipeIn)
}

// receiveJob reads the single NewJobRequest frame and deserializes its
// body into a JobMessage. Any other message type is a setup failure.
func receiveJob(channel *ipc.Channel) (types.JobMessage, error) {
	msg, err := channel.Receive()
	if err != nil {
		return types.JobMessage{}, err
	}
	if msg.Type != ipc.NewJobRequest {
		return types.JobMessage{}, &wrongMessageTypeError{got: msg.Type}
	}

	var job types.JobMessage
	if err := json.Unmarshal([]byte(msg.Body), &job); err != nil {
		return types.JobMessage{}, err
	}
	return job, nil
}

// registerSecrets masks every secret Variable and the SystemVssConnection
// access token before any logging happens.
func registerSecrets(masker *secretmasker.Masker, job types.JobMessage) {
	for _, v := range job.Variables {
		if v.IsSecret && v.Value != "" {
			masker.Add(v.Value)
		}
	}
	if conn, ok := job.SystemVssConnection(); ok {
		if token := conn.AccessToken(); token != "" {
			masker.Add(token)
		}
	}
}

type shutdownReason int

const (
	shutdownNone shutdownReason = iota
	shutdownUserCancelled
	shutdownOperatingSystem
)

// watchForCancellation reads the IPC channel for CancelRequest and
// OperatingSystemShutdown frames while the job runs, cancelling runner
// and the step execution context cooperatively.
func watchForCancellation(channel *ipc.Channel, runner *steps.Runner, cancel context.CancelFunc, out chan<- shutdownReason) {
	for {
		msg, err := channel.Receive()
		if err != nil {
			return
		}
		switch msg.Type {
		case ipc.CancelRequest:
			runner.Cancel()
			cancel()
			out <- shutdownUserCancelled
			return
		case ipc.OperatingSystemShutdown:
			runner.Cancel()
			cancel()
			out <- shutdownOperatingSystem
			return
		}
	}
}

// cleanupJob releases everything the Worker allocated outside of the steps
// themselves. Every step is best-effort: one failing cleanup step must not
// stop the others, so errors are aggregated rather than returned early.
// None of this affects the job's TaskResult, which was already decided.
func cleanupJob(scratchDir string, streamer *outputmgr.Streamer, log *logrus.Logger) {
	var result *multierror.Error

	if streamer != nil {
		if err := streamer.Disconnect(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if scratchDir != "" {
		if err := os.RemoveAll(scratchDir); err != nil {
			result = multierror.Append(result, err)
		}
	}

	if result != nil {
		log.WithError(result.ErrorOrNil()).Warn("job cleanup encountered errors")
	}
}

// connectLiveLogStreamer opens a best-effort WebSocket connection to the
// Run Service's live-log endpoint, derived from the job's SystemVssConnection.
// A connection failure here must not fail the job; the batched completion
// report always carries the authoritative result regardless.
func connectLiveLogStreamer(ctx context.Context, job types.JobMessage, log *logrus.Logger) *outputmgr.Streamer {
	conn, ok := job.SystemVssConnection()
	if !ok {
		return nil
	}
	wsURL := strings.Replace(conn.URL, "http", "ws", 1) + "/liveLog/" + job.JobID

	streamer := outputmgr.NewStreamer(wsURL, conn.AccessToken(), log.WithField("component", "livelog"))
	connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := streamer.Connect(connectCtx); err != nil {
		log.WithError(err).Debug("live log stream unavailable, continuing without it")
		return nil
	}
	return streamer
}

// reportCompletion posts the job's final result to the Run Service. Errors
// are logged only; they never alter the Worker's exit code.
func reportCompletion(ctx context.Context, job types.JobMessage, result taskresult.Result, log *logrus.Logger) {
	conn, ok := job.SystemVssConnection()
	if !ok {
		return
	}
	client := runservice.New(conn.URL, conn.AccessToken(), log.WithField("component", "runservice"))
	if err := client.ReportCompletion(ctx, job.PlanID, job.JobID, result); err != nil {
		log.WithError(err).Warn("failed to report job completion")
	}
}

type wrongMessageTypeError struct {
	got ipc.MessageType
}

func (e *wrongMessageTypeError) Error() string {
	return "expected NewJobRequest as first frame, got " + e.got.String()
}
