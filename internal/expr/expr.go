// Package expr implements the condition-expression language evaluated
// before each step: success(), failure(), always(), cancelled(), the
// steps/runner/github property contexts, string and boolean literals, and
// the ==, !=, &&, ||, ! operators. No general-purpose expression grammar
// was needed anywhere upstream, so this is a small hand-rolled recursive
// descent parser rather than a borrowed one.
package expr

import (
	"fmt"
	"strconv"
	"sync/atomic"

	"github.com/addison-moore/fleetrunner/internal/rcontext"
)

// Evaluator evaluates condition expressions against the current job state.
// Safe for concurrent use: Cancel may be called from the IPC-reading
// goroutine while Evaluate runs on the Steps Runner goroutine.
type Evaluator struct {
	steps     *rcontext.Steps
	runner    rcontext.Runner
	github    rcontext.Github
	cancelled atomic.Bool
	trace     *TraceWriter
}

// New creates an Evaluator bound to the given contexts.
func New(steps *rcontext.Steps, runner rcontext.Runner, github rcontext.Github, trace *TraceWriter) *Evaluator {
	return &Evaluator{steps: steps, runner: runner, github: github, trace: trace}
}

// Cancel marks the job as having received a cancel request; cancelled()
// returns true from this point on.
func (e *Evaluator) Cancel() {
	e.cancelled.Store(true)
}

// IsCancelled reports whether Cancel has been called.
func (e *Evaluator) IsCancelled() bool {
	return e.cancelled.Load()
}

// Evaluate parses and evaluates condition against the evaluator's current
// contexts, returning a parse or evaluation error for a malformed
// expression.
func (e *Evaluator) Evaluate(condition string) (bool, error) {
	p := &parser{lex: newLexer(condition), eval: e}
	p.next()
	v, err := p.parseExpr()
	if err != nil {
		return false, fmt.Errorf("expr: %w", err)
	}
	if !p.cur.isEOF() {
		return false, fmt.Errorf("expr: unexpected trailing input at %q", p.cur.text)
	}
	return v.truthy(), nil
}

func (e *Evaluator) success() bool {
	result := !e.anyStepFailed() && !e.IsCancelled()
	if e.trace != nil {
		e.trace.TraceStatusFunction("success", result)
	}
	return result
}

func (e *Evaluator) failure() bool {
	result := e.anyStepFailed() && !e.IsCancelled()
	if e.trace != nil {
		e.trace.TraceStatusFunction("failure", result)
	}
	return result
}

func (e *Evaluator) alwaysFn() bool {
	if e.trace != nil {
		e.trace.TraceStatusFunction("always", true)
	}
	return true
}

func (e *Evaluator) cancelledFn() bool {
	result := e.IsCancelled()
	if e.trace != nil {
		e.trace.TraceStatusFunction("cancelled", result)
	}
	return result
}

func (e *Evaluator) anyStepFailed() bool {
	if e.steps == nil {
		return false
	}
	for _, id := range e.steps.IDs() {
		r, ok := e.steps.Get(id)
		if ok && r.Conclusion == "failure" {
			return true
		}
	}
	return false
}

// resolveProperty resolves a dotted path like steps.build.outcome,
// runner.temp, or github.sha against the bound contexts.
func (e *Evaluator) resolveProperty(path []string) (value, error) {
	if len(path) == 0 {
		return value{}, fmt.Errorf("empty property path")
	}
	switch path[0] {
	case "runner":
		return e.resolveRunner(path[1:])
	case "github":
		return e.resolveGithub(path[1:])
	case "steps":
		return e.resolveSteps(path[1:])
	default:
		return value{}, fmt.Errorf("unknown context %q", path[0])
	}
}

func (e *Evaluator) resolveRunner(path []string) (value, error) {
	if len(path) != 1 {
		return value{}, fmt.Errorf("malformed runner property path")
	}
	switch path[0] {
	case "name":
		return strValue(e.runner.Name), nil
	case "temp":
		return strValue(e.runner.Temp), nil
	case "toolCache", "tool_cache":
		return strValue(e.runner.ToolCache), nil
	case "environment":
		return strValue(e.runner.Environment), nil
	case "workspace":
		return strValue(e.runner.Workspace), nil
	default:
		return value{}, fmt.Errorf("unknown runner property %q", path[0])
	}
}

func (e *Evaluator) resolveGithub(path []string) (value, error) {
	if len(path) != 1 {
		return value{}, fmt.Errorf("malformed github property path")
	}
	v, ok := e.github.Get(path[0])
	if !ok {
		return strValue(""), nil
	}
	return strValue(fmt.Sprint(v)), nil
}

func (e *Evaluator) resolveSteps(path []string) (value, error) {
	if len(path) < 2 {
		return value{}, fmt.Errorf("malformed steps property path")
	}
	stepID, field := path[0], path[1]
	r, ok := e.steps.Get(stepID)
	if !ok {
		return strValue(""), nil
	}
	switch field {
	case "outcome":
		return strValue(r.Outcome), nil
	case "conclusion":
		return strValue(r.Conclusion), nil
	case "outputs":
		if len(path) != 3 {
			return value{}, fmt.Errorf("steps.%s.outputs requires a key", stepID)
		}
		return strValue(r.Outputs[path[2]]), nil
	default:
		return value{}, fmt.Errorf("unknown steps field %q", field)
	}
}

// value is a condition-expression runtime value: either a string or a
// boolean.
type value struct {
	isBool bool
	b      bool
	s      string
}

func boolValue(b bool) value { return value{isBool: true, b: b} }
func strValue(s string) value { return value{s: s} }

func (v value) truthy() bool {
	if v.isBool {
		return v.b
	}
	return v.s != ""
}

func (v value) asString() string {
	if v.isBool {
		return strconv.FormatBool(v.b)
	}
	return v.s
}

func (v value) equals(other value) bool {
	if v.isBool && other.isBool {
		return v.b == other.b
	}
	return v.asString() == other.asString()
}
