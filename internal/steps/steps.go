// Package steps implements the Steps Runner: the per-step procedure that
// evaluates conditions, dispatches to a Handler, and folds per-step
// conclusions into a final job result.
package steps

import (
	"context"
	"time"

	"github.com/addison-moore/fleetrunner/internal/config"
	"github.com/addison-moore/fleetrunner/internal/expr"
	"github.com/addison-moore/fleetrunner/internal/handlers"
	"github.com/addison-moore/fleetrunner/internal/outputmgr"
	"github.com/addison-moore/fleetrunner/internal/rcontext"
	"github.com/addison-moore/fleetrunner/internal/taskresult"
	"github.com/addison-moore/fleetrunner/pkg/types"
	"github.com/sirupsen/logrus"
)

const defaultStepTimeout = 10 * time.Minute

// Runner executes an ordered step list and tracks the rolling job state
// across them.
type Runner struct {
	Log        *logrus.Entry
	Runner     rcontext.Runner
	Github     rcontext.Github
	Steps      *rcontext.Steps
	Trace      *expr.TraceWriter
	WorkDir    string
	RunnerTemp string
	ToolCache  string
	BaseEnv    map[string]string
	Resources  config.ResourceLimits

	// JobContainer is the job-wide container description, if the job
	// declared one. Container-handler steps run inside it unless the step
	// itself names an image via handler_inputs["image"].
	JobContainer *types.ContainerDescription

	cancelled bool
}

// Cancel marks the job as cancelled; subsequent condition evaluations see
// cancelled() == true and success()/failure() == false.
func (r *Runner) Cancel() {
	r.cancelled = true
}

// Cancelled reports whether Cancel has been called.
func (r *Runner) Cancelled() bool {
	return r.cancelled
}

// Run executes steps in order against out, returning the merged final
// job result.
func (r *Runner) Run(ctx context.Context, stepList []types.StepDefinition, out *outputmgr.Manager) (taskresult.Result, error) {
	var final *taskresult.Result

	for _, step := range stepList {
		result, err := r.runStep(ctx, step, out)
		if err != nil {
			return taskresult.Failed, err
		}
		merged := taskresult.Merge(final, result)
		final = &merged

		if ctx.Err() != nil {
			r.Cancel()
		}
	}

	if final == nil {
		return taskresult.Succeeded, nil
	}
	return *final, nil
}

// runStep executes one step and returns its conclusion as a Result,
// recording the outcome into the shared Steps context.
func (r *Runner) runStep(ctx context.Context, step types.StepDefinition, out *outputmgr.Manager) (taskresult.Result, error) {
	evaluator := expr.New(r.Steps, r.Runner, r.Github, r.Trace)
	if r.cancelled {
		evaluator.Cancel()
	}

	ok, err := evaluator.Evaluate(step.Condition())
	if err != nil {
		r.Log.WithField("step", step.ID).WithError(err).Warn("condition evaluation failed, treating as false")
		ok = false
	}

	if !ok {
		r.recordStep(step.ID, taskresult.Skipped, taskresult.Skipped, nil)
		return taskresult.Skipped, nil
	}

	outcome, outputs := r.executeHandler(ctx, step, out)

	conclusion := outcome
	if outcome == taskresult.Failed && step.ContinueOnError {
		conclusion = taskresult.Succeeded
	}

	r.recordStep(step.ID, outcome, conclusion, outputs)
	return conclusion, nil
}

// executeHandler dispatches to the step's Handler with a per-step timeout
// and cooperative cancellation, returning success/failure and the outputs
// the step set: the entries of out's outputs that are new or changed after
// the handler ran (for a composite step, its nested steps' outputs).
func (r *Runner) executeHandler(ctx context.Context, step types.StepDefinition, out *outputmgr.Manager) (taskresult.Result, map[string]string) {
	timeout := defaultStepTimeout
	if step.TimeoutMinutes > 0 {
		timeout = time.Duration(step.TimeoutMinutes) * time.Minute
	}
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	handler, err := handlers.NewHandler(step.HandlerType)
	if err != nil {
		r.Log.WithField("step", step.ID).WithError(err).Error("no handler for step")
		return taskresult.Failed, nil
	}

	ec := handlers.ExecutionContext{
		Log:        r.Log,
		WorkDir:    r.WorkDir,
		RunnerTemp: r.RunnerTemp,
		ToolCache:  r.ToolCache,
		Env:        r.BaseEnv,
		Output:     out,
		Resources:  r.Resources,
		RunSteps:   r.runNested,
	}

	data := handlers.Data{
		Inputs:       step.HandlerInputs,
		Env:          step.HandlerEnv,
		EntryPoint:   step.HandlerInputs["entryPoint"],
		VersionLabel: step.HandlerInputs["versionLabel"],
		Steps:        step.Steps,
		Container:    r.resolveContainer(step),
	}

	before := out.Outputs()
	err = handler.Run(stepCtx, ec, data)
	outputs := make(map[string]string)
	for k, v := range out.Outputs() {
		if prev, ok := before[k]; !ok || prev != v {
			outputs[k] = v
		}
	}
	if stepCtx.Err() == context.DeadlineExceeded {
		r.Log.WithField("step", step.ID).Warn("step timed out")
		return taskresult.Failed, outputs
	}
	if stepCtx.Err() == context.Canceled {
		r.Log.WithField("step", step.ID).Warn("step interrupted by cancellation")
		return taskresult.Canceled, outputs
	}
	if err != nil {
		r.Log.WithField("step", step.ID).WithError(err).Warn("step failed")
		return taskresult.Failed, outputs
	}
	return taskresult.Succeeded, outputs
}

// resolveContainer builds the ContainerDescription a container-handler step
// runs against: a step naming its own image via handler_inputs["image"]
// (the docker-action-style single-step container) takes precedence over the
// job-wide container, which every other container-handler step shares.
// Returns nil for non-container steps, leaving handlers.Data.Container unset.
func (r *Runner) resolveContainer(step types.StepDefinition) *types.ContainerDescription {
	if step.HandlerType != types.HandlerContainer {
		return nil
	}
	if image := step.HandlerInputs["image"]; image != "" {
		return &types.ContainerDescription{
			Image: image,
			Env:   step.HandlerEnv,
		}
	}
	return r.JobContainer
}

// runNested executes a sub-list of steps for the composite handler,
// returning the union of their recorded outputs.
func (r *Runner) runNested(ctx context.Context, subSteps []types.StepDefinition, parentOutput *outputmgr.Manager) (map[string]string, error) {
	child := &Runner{
		Log:          r.Log,
		Runner:       r.Runner,
		Github:       r.Github,
		Steps:        rcontext.NewSteps(),
		Trace:        r.Trace,
		WorkDir:      r.WorkDir,
		RunnerTemp:   r.RunnerTemp,
		ToolCache:    r.ToolCache,
		BaseEnv:      r.BaseEnv,
		Resources:    r.Resources,
		JobContainer: r.JobContainer,
		cancelled:    r.cancelled,
	}

	if _, err := child.Run(ctx, subSteps, parentOutput); err != nil {
		return nil, err
	}

	outputs := make(map[string]string)
	for _, id := range child.Steps.IDs() {
		if result, ok := child.Steps.Get(id); ok {
			for k, v := range result.Outputs {
				outputs[k] = v
			}
		}
	}
	return outputs, nil
}

func (r *Runner) recordStep(id string, outcome, conclusion taskresult.Result, outputs map[string]string) {
	if outputs == nil {
		outputs = map[string]string{}
	}
	r.Steps.Record(id, rcontext.StepResult{
		Outcome:    outcome.Outcome(),
		Conclusion: conclusion.Outcome(),
		Outputs:    outputs,
	})
}
