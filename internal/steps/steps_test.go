package steps

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/addison-moore/fleetrunner/internal/expr"
	"github.com/addison-moore/fleetrunner/internal/outputmgr"
	"github.com/addison-moore/fleetrunner/internal/rcontext"
	"github.com/addison-moore/fleetrunner/internal/secretmasker"
	"github.com/addison-moore/fleetrunner/internal/taskresult"
	"github.com/addison-moore/fleetrunner/pkg/types"
	"github.com/sirupsen/logrus"
)

func newTestRunner(t *testing.T) *Runner {
	t.Helper()
	log := logrus.New()
	log.SetOutput(os.Stdout)
	return &Runner{
		Log:     log.WithField("test", true),
		Runner:  rcontext.NewRunner(),
		Github:  mustGithub(t),
		Steps:   rcontext.NewSteps(),
		Trace:   expr.NewTraceWriter(false),
		WorkDir: t.TempDir(),
		BaseEnv: map[string]string{"SHELL": "/bin/sh"},
	}
}

func mustGithub(t *testing.T) rcontext.Github {
	t.Helper()
	gh, err := rcontext.NewGithub(nil)
	if err != nil {
		t.Fatalf("NewGithub: %v", err)
	}
	return gh
}

func scriptStep(t *testing.T, dir, id, body string) types.StepDefinition {
	t.Helper()
	path := filepath.Join(dir, id+".sh")
	if err := os.WriteFile(path, []byte(body), 0o755); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return types.StepDefinition{
		ID:          id,
		HandlerType: types.HandlerScript,
		HandlerInputs: map[string]string{
			"entryPoint": path,
		},
	}
}

func newOutput(buf *bytes.Buffer) *outputmgr.Manager {
	return outputmgr.New(secretmasker.New(), buf, nil, nil, false)
}

func TestRunnerSucceedsOnAllPassingSteps(t *testing.T) {
	r := newTestRunner(t)
	var buf bytes.Buffer
	out := newOutput(&buf)

	stepList := []types.StepDefinition{
		scriptStep(t, r.WorkDir, "one", "#!/bin/sh\nexit 0\n"),
		scriptStep(t, r.WorkDir, "two", "#!/bin/sh\nexit 0\n"),
	}

	result, err := r.Run(context.Background(), stepList, out)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result != taskresult.Succeeded {
		t.Errorf("Run() = %v, want Succeeded", result)
	}
}

func TestRunnerRecordsFailureAndSkipsSubsequentSuccessOnlySteps(t *testing.T) {
	r := newTestRunner(t)
	var buf bytes.Buffer
	out := newOutput(&buf)

	failing := scriptStep(t, r.WorkDir, "fails", "#!/bin/sh\nexit 1\n")
	successOnly := scriptStep(t, r.WorkDir, "after", "#!/bin/sh\nexit 0\n")

	result, err := r.Run(context.Background(), []types.StepDefinition{failing, successOnly}, out)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result != taskresult.Skipped {
		t.Errorf("Run() = %v, want Skipped (second step skipped by default success() condition)", result)
	}

	stepResult, ok := r.Steps.Get("after")
	if !ok || stepResult.Conclusion != "skipped" {
		t.Errorf("step 'after' conclusion = %+v, want skipped", stepResult)
	}
}

func TestRunnerContinueOnErrorYieldsSuccessConclusion(t *testing.T) {
	r := newTestRunner(t)
	var buf bytes.Buffer
	out := newOutput(&buf)

	step := scriptStep(t, r.WorkDir, "flaky", "#!/bin/sh\nexit 1\n")
	step.ContinueOnError = true

	result, err := r.Run(context.Background(), []types.StepDefinition{step}, out)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result != taskresult.Succeeded {
		t.Errorf("Run() = %v, want Succeeded", result)
	}

	stepResult, ok := r.Steps.Get("flaky")
	if !ok {
		t.Fatal("expected step to be recorded")
	}
	if stepResult.Outcome != "failure" {
		t.Errorf("Outcome = %q, want failure", stepResult.Outcome)
	}
	if stepResult.Conclusion != "success" {
		t.Errorf("Conclusion = %q, want success", stepResult.Conclusion)
	}
}

func TestRunnerRecordsCancelledOutcomeOnContextCancellation(t *testing.T) {
	r := newTestRunner(t)
	var buf bytes.Buffer
	out := newOutput(&buf)

	step := scriptStep(t, r.WorkDir, "sleepy", "#!/bin/sh\nsleep 5\n")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	if _, err := r.Run(ctx, []types.StepDefinition{step}, out); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	stepResult, ok := r.Steps.Get("sleepy")
	if !ok {
		t.Fatal("expected step to be recorded")
	}
	if stepResult.Outcome != "cancelled" {
		t.Errorf("Outcome = %q, want cancelled", stepResult.Outcome)
	}
}

func TestRunnerAlwaysConditionRunsAfterFailure(t *testing.T) {
	r := newTestRunner(t)
	var buf bytes.Buffer
	out := newOutput(&buf)

	failing := scriptStep(t, r.WorkDir, "fails", "#!/bin/sh\nexit 1\n")
	cleanup := scriptStep(t, r.WorkDir, "cleanup", "#!/bin/sh\nexit 0\n")
	cleanup.ConditionExpression = "always()"

	_, err := r.Run(context.Background(), []types.StepDefinition{failing, cleanup}, out)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	cleanupResult, ok := r.Steps.Get("cleanup")
	if !ok || cleanupResult.Conclusion != "success" {
		t.Errorf("cleanup step = %+v, want conclusion success", cleanupResult)
	}
}

func TestRunnerEmptyStepListSucceeds(t *testing.T) {
	r := newTestRunner(t)
	var buf bytes.Buffer
	out := newOutput(&buf)

	result, err := r.Run(context.Background(), nil, out)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result != taskresult.Succeeded {
		t.Errorf("Run() = %v, want Succeeded", result)
	}
}

func TestResolveContainerPrefersStepImageOverJobContainer(t *testing.T) {
	r := newTestRunner(t)
	r.JobContainer = &types.ContainerDescription{Image: "job-wide:latest"}

	step := types.StepDefinition{
		ID:            "run-in-alpine",
		HandlerType:   types.HandlerContainer,
		HandlerInputs: map[string]string{"image": "alpine:3.18"},
		HandlerEnv:    map[string]string{"FOO": "bar"},
	}

	got := r.resolveContainer(step)
	if got == nil {
		t.Fatal("resolveContainer() = nil, want a ContainerDescription")
	}
	if got.Image != "alpine:3.18" {
		t.Errorf("Image = %q, want alpine:3.18", got.Image)
	}
	if got.Env["FOO"] != "bar" {
		t.Errorf("Env[FOO] = %q, want bar", got.Env["FOO"])
	}
}

func TestResolveContainerFallsBackToJobContainer(t *testing.T) {
	r := newTestRunner(t)
	r.JobContainer = &types.ContainerDescription{Image: "job-wide:latest"}

	step := types.StepDefinition{ID: "in-job-container", HandlerType: types.HandlerContainer}

	got := r.resolveContainer(step)
	if got != r.JobContainer {
		t.Errorf("resolveContainer() = %+v, want the job container %+v", got, r.JobContainer)
	}
}

func TestResolveContainerNilForNonContainerStep(t *testing.T) {
	r := newTestRunner(t)
	r.JobContainer = &types.ContainerDescription{Image: "job-wide:latest"}

	step := types.StepDefinition{ID: "plain-script", HandlerType: types.HandlerScript}

	if got := r.resolveContainer(step); got != nil {
		t.Errorf("resolveContainer() = %+v, want nil for a non-container step", got)
	}
}

func TestRunnerCompositeStepProjectsNestedOutputs(t *testing.T) {
	r := newTestRunner(t)
	var buf bytes.Buffer
	out := newOutput(&buf)

	nested := scriptStep(t, r.WorkDir, "inner", "#!/bin/sh\necho ::set-output name=value::nested-ok\n")
	composite := types.StepDefinition{
		ID:          "wrapper",
		HandlerType: types.HandlerComposite,
		Steps:       []types.StepDefinition{nested},
	}

	result, err := r.Run(context.Background(), []types.StepDefinition{composite}, out)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result != taskresult.Succeeded {
		t.Errorf("Run() = %v, want Succeeded", result)
	}
	if got := out.Outputs()["value"]; got != "nested-ok" {
		t.Errorf("Outputs()[value] = %q, want nested-ok", got)
	}
}
