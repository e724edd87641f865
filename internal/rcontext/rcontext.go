// Package rcontext builds the runner, github, and steps expression
// contexts that the condition evaluator reads from.
package rcontext

import (
	"encoding/json"
	"os"
)

// Runner is the `runner.*` expression context, populated from host
// environment variables the Worker process inherits.
type Runner struct {
	Name        string `json:"name"`
	Temp        string `json:"temp"`
	ToolCache   string `json:"toolCache"`
	Environment string `json:"environment"`
	Workspace   string `json:"workspace"`
}

// NewRunner builds a Runner context from the host environment, per
// RUNNER_NAME / RUNNER_TEMP / RUNNER_TOOL_CACHE / RUNNER_ENVIRONMENT /
// GITHUB_WORKSPACE.
func NewRunner() Runner {
	return Runner{
		Name:        os.Getenv("RUNNER_NAME"),
		Temp:        os.Getenv("RUNNER_TEMP"),
		ToolCache:   os.Getenv("RUNNER_TOOL_CACHE"),
		Environment: os.Getenv("RUNNER_ENVIRONMENT"),
		Workspace:   os.Getenv("GITHUB_WORKSPACE"),
	}
}

// Github is the `github.*` expression context, populated opaquely from the
// JobMessage's context_data.
type Github struct {
	raw map[string]interface{}
}

// NewGithub parses context_data JSON into a lookup-only Github context. A
// nil or empty payload yields an empty context rather than an error.
func NewGithub(contextData json.RawMessage) (Github, error) {
	if len(contextData) == 0 {
		return Github{raw: map[string]interface{}{}}, nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal(contextData, &m); err != nil {
		return Github{}, err
	}
	return Github{raw: m}, nil
}

// Get returns the value at key, and whether it was present.
func (g Github) Get(key string) (interface{}, bool) {
	v, ok := g.raw[key]
	return v, ok
}

// StepResult is one entry of the steps expression context.
type StepResult struct {
	Outcome    string
	Conclusion string
	Outputs    map[string]string
}

// Steps is the `steps.*` expression context: a mapping from step id to its
// recorded outcome, conclusion, and outputs. It grows as the Steps Runner
// completes each step; the condition evaluator only ever sees steps that
// ran before the one currently being evaluated.
type Steps struct {
	results map[string]StepResult
}

// NewSteps returns an empty Steps context.
func NewSteps() *Steps {
	return &Steps{results: make(map[string]StepResult)}
}

// Record stores a step's result, overwriting any previous entry for the
// same id.
func (s *Steps) Record(id string, result StepResult) {
	s.results[id] = result
}

// Get returns a step's recorded result, and whether the step has run.
func (s *Steps) Get(id string) (StepResult, bool) {
	r, ok := s.results[id]
	return r, ok
}

// IDs returns the ids of every step recorded so far, in no particular
// order.
func (s *Steps) IDs() []string {
	ids := make([]string, 0, len(s.results))
	for id := range s.results {
		ids = append(ids, id)
	}
	return ids
}
