package handlers

import (
	"context"

	"github.com/addison-moore/fleetrunner/pkg/apierrors"
)

// CompositeHandler runs a nested list of steps through the Steps Runner and
// projects their outputs back onto the parent step.
type CompositeHandler struct{}

// Run delegates to ec.RunSteps, which the Steps Runner sets before invoking
// any Handler so composite steps can recurse without an import cycle.
func (h *CompositeHandler) Run(ctx context.Context, ec ExecutionContext, data Data) error {
	if ec.RunSteps == nil {
		return &apierrors.BaseError{
			Type:    apierrors.ErrorTypeExecution,
			Message: "composite handler invoked without a RunSteps callback",
		}
	}
	if len(data.Steps) == 0 {
		return apierrors.NewValidationError("steps", "non-empty", "composite handler requires at least one nested step")
	}

	outputs, err := ec.RunSteps(ctx, data.Steps, ec.Output)
	if err != nil {
		return err
	}

	for k, v := range outputs {
		if ec.Output != nil {
			ec.Output.SetOutput(k, v)
		}
	}
	return nil
}
