// Package handlers implements the four step Handler types: script,
// node-scripted, composite, and container.
package handlers

import (
	"context"
	"fmt"

	"github.com/addison-moore/fleetrunner/internal/config"
	"github.com/addison-moore/fleetrunner/internal/outputmgr"
	"github.com/addison-moore/fleetrunner/pkg/apierrors"
	"github.com/addison-moore/fleetrunner/pkg/types"
	"github.com/sirupsen/logrus"
)

// ExecutionContext carries everything a Handler needs that isn't specific
// to one step: logger, cancellation, working directory, and the merged
// environment the Worker has built up so far.
type ExecutionContext struct {
	Log        *logrus.Entry
	WorkDir    string
	RunnerTemp string
	ToolCache  string
	Env        map[string]string
	Output     *outputmgr.Manager
	Resources  config.ResourceLimits

	// RunSteps lets the composite Handler recurse into the Steps Runner
	// without handlers importing the steps package (which imports
	// handlers). Set by the Steps Runner before executing a step.
	RunSteps func(ctx context.Context, steps []types.StepDefinition, parentOutput *outputmgr.Manager) (map[string]string, error)
}

// Data is the handler-specific payload resolved from a StepDefinition.
type Data struct {
	Inputs       map[string]string
	Env          map[string]string
	EntryPoint   string
	VersionLabel string // node-scripted: e.g. "node20"
	Steps        []types.StepDefinition
	Container    *types.ContainerDescription
}

// Handler is the common contract every step handler type implements.
type Handler interface {
	Run(ctx context.Context, ec ExecutionContext, data Data) error
}

// NewHandler returns the Handler implementation for handlerType.
func NewHandler(handlerType types.HandlerType) (Handler, error) {
	switch handlerType {
	case types.HandlerScript:
		return &ScriptHandler{}, nil
	case types.HandlerNode:
		return &NodeHandler{}, nil
	case types.HandlerComposite:
		return &CompositeHandler{}, nil
	case types.HandlerContainer:
		return &ContainerHandler{}, nil
	default:
		return nil, apierrors.NewValidationError("handler_type", "enum", fmt.Sprintf("unknown handler_type %q", handlerType))
	}
}

// mergedEnv combines the base context environment with per-step overrides,
// step overrides taking precedence.
func mergedEnv(base, overrides map[string]string) []string {
	merged := make(map[string]string, len(base)+len(overrides))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}
	out := make([]string, 0, len(merged))
	for k, v := range merged {
		out = append(out, k+"="+v)
	}
	return out
}
